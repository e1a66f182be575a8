package repository

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/example/leafscan/internal/logging"
	"github.com/example/leafscan/internal/upload"
)

// ErrLogNotFound is returned when no prediction log matches a request id.
var ErrLogNotFound = errors.New("prediction log not found")

// PredictionLog represents a persisted, settled inference request.
type PredictionLog struct {
	ID         uint      `gorm:"primaryKey" json:"-"`
	RequestID  string    `gorm:"column:request_id;uniqueIndex;size:64" json:"request_id"`
	SessionID  string    `gorm:"column:session_id;index;size:64" json:"session_id"`
	Generation uint64    `gorm:"column:generation" json:"generation"`
	FileName   string    `gorm:"column:file_name;size:255" json:"file_name"`
	SHA1Hash   string    `gorm:"column:sha1_hash;index;size:40" json:"sha1"`
	Status     string    `gorm:"column:status;size:16" json:"status"`
	Class      string    `gorm:"column:class;size:64" json:"class,omitempty"`
	Confidence float64   `gorm:"column:confidence" json:"confidence,omitempty"`
	Error      string    `gorm:"column:error;type:text" json:"error,omitempty"`
	LatencyMs  int64     `gorm:"column:latency_ms" json:"latency_ms"`
	CreatedAt  time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName overrides the default table name.
func (PredictionLog) TableName() string {
	return "prediction_logs"
}

// PredictionRepository provides persistence APIs for prediction logs.
type PredictionRepository struct {
	db             *gorm.DB
	logger         *zap.Logger
	retryAttempts  int
	initialBackoff time.Duration
	maxBackoff     time.Duration
}

// NewPredictionRepository creates a new repository instance.
func NewPredictionRepository(db *gorm.DB, logger *zap.Logger) *PredictionRepository {
	return &PredictionRepository{
		db:             db,
		logger:         logger.Named("prediction_repository"),
		retryAttempts:  3,
		initialBackoff: 50 * time.Millisecond,
		maxBackoff:     time.Second,
	}
}

// AutoMigrate ensures the schema is available.
func (r *PredictionRepository) AutoMigrate(ctx context.Context) error {
	return r.db.WithContext(ctx).AutoMigrate(&PredictionLog{})
}

// SaveLog persists a prediction log entry, retrying transient failures.
func (r *PredictionRepository) SaveLog(ctx context.Context, log *PredictionLog) error {
	return r.executeWithRetry(ctx, "repository.save_log", log.RequestID, func() error {
		return r.db.WithContext(ctx).Create(log).Error
	})
}

// RecordOutcome stores a settled request reported by an upload session.
func (r *PredictionRepository) RecordOutcome(ctx context.Context, outcome upload.Outcome) error {
	return r.SaveLog(ctx, newPredictionLog(outcome))
}

// FindByRequestID retrieves a prediction log by request id. It returns
// ErrLogNotFound when the request was never journaled.
func (r *PredictionRepository) FindByRequestID(ctx context.Context, requestID string) (*PredictionLog, error) {
	var log PredictionLog
	err := r.db.WithContext(ctx).First(&log, "request_id = ?", requestID).Error
	switch {
	case errors.Is(err, gorm.ErrRecordNotFound):
		return nil, ErrLogNotFound
	case err != nil:
		return nil, logging.NewOperationError("repository.find_by_request_id", requestID, err)
	}
	return &log, nil
}

func newPredictionLog(outcome upload.Outcome) *PredictionLog {
	log := &PredictionLog{
		RequestID:  outcome.RequestID,
		SessionID:  outcome.SessionID,
		Generation: outcome.Generation,
		FileName:   outcome.FileName,
		SHA1Hash:   outcome.ImageSHA1,
		Status:     string(outcome.Status),
		LatencyMs:  outcome.Latency.Milliseconds(),
		CreatedAt:  time.Now().UTC(),
	}
	if outcome.Result != nil {
		log.Class = outcome.Result.Class
		log.Confidence = outcome.Result.Confidence
	}
	if outcome.Err != nil {
		log.Error = outcome.Err.Error()
	}
	return log
}

func (r *PredictionRepository) executeWithRetry(ctx context.Context, operation, requestID string, fn func() error) error {
	attempts := r.retryAttempts
	if attempts < 1 {
		attempts = 1
	}

	backoff := r.initialBackoff
	opLogger := logging.WithOperation(r.logger, operation, requestID)
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return logging.NewOperationError(operation, requestID, ctx.Err())
			case <-time.After(backoff):
			}
			if next := backoff * 2; next <= r.maxBackoff {
				backoff = next
			}
		}

		err = fn()
		if err == nil {
			if attempt > 0 {
				opLogger.Info("database operation succeeded after retry", zap.Int("attempt", attempt+1))
			}
			return nil
		}

		if !isTransientError(err) || attempt == attempts-1 {
			opLogger.Error("database operation failed", zap.Error(err), zap.Int("attempt", attempt+1))
			return logging.NewOperationError(operation, requestID, err)
		}

		opLogger.Warn("transient database error", zap.Error(err), zap.Int("attempt", attempt+1))
	}
	return logging.NewOperationError(operation, requestID, err)
}
