package repository

import (
	"context"

	"gorm.io/gorm"

	"github.com/example/leafscan/internal/logging"
	"github.com/example/leafscan/internal/upload"
)

var succeededStatus = string(upload.StatusSucceeded)

// MetricsSummary represents aggregated prediction insights.
type MetricsSummary struct {
	TotalRequests              int64            `json:"total_requests"`
	SuccessfulRequests         int64            `json:"successful_requests"`
	SuccessRate                float64          `json:"success_rate"`
	AverageConfidence          float64          `json:"average_confidence"`
	AverageProcessingLatencyMs float64          `json:"average_processing_latency_ms"`
	ByClass                    map[string]int64 `json:"by_class"`
}

type aggregateRow struct {
	TotalCount        int64
	SuccessCount      int64
	AverageConfidence float64
	AverageLatencyMs  float64
}

type classRow struct {
	Class string
	Count int64
}

// AggregateMetrics summarises the journal.
func (r *PredictionRepository) AggregateMetrics(ctx context.Context) (*MetricsSummary, error) {
	var agg aggregateRow
	if err := aggregateQuery(r.db.WithContext(ctx)).Scan(&agg).Error; err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}

	var classes []classRow
	if err := classQuery(r.db.WithContext(ctx)).Scan(&classes).Error; err != nil {
		return nil, logging.NewOperationError("repository.aggregate_metrics", "", err)
	}

	return summarize(agg, classes), nil
}

// aggregateQuery relies on the Postgres FILTER clause.
func aggregateQuery(db *gorm.DB) *gorm.DB {
	return db.Model(&PredictionLog{}).
		Select(`COUNT(*) AS total_count,
			COUNT(*) FILTER (WHERE status = ?) AS success_count,
			COALESCE(AVG(confidence) FILTER (WHERE status = ?), 0) AS average_confidence,
			COALESCE(AVG(latency_ms), 0) AS average_latency_ms`, succeededStatus, succeededStatus)
}

func classQuery(db *gorm.DB) *gorm.DB {
	return db.Model(&PredictionLog{}).
		Select("class, COUNT(*) AS count").
		Where("status = ?", succeededStatus).
		Group("class")
}

func summarize(agg aggregateRow, classes []classRow) *MetricsSummary {
	summary := &MetricsSummary{
		TotalRequests:              agg.TotalCount,
		SuccessfulRequests:         agg.SuccessCount,
		AverageConfidence:          agg.AverageConfidence,
		AverageProcessingLatencyMs: agg.AverageLatencyMs,
		ByClass:                    make(map[string]int64, len(classes)),
	}
	if agg.TotalCount > 0 {
		summary.SuccessRate = float64(agg.SuccessCount) / float64(agg.TotalCount)
	}
	for _, row := range classes {
		summary.ByClass[row.Class] = row.Count
	}
	return summary
}
