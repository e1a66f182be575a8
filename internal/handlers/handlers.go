package handlers

import (
	"bytes"
	"context"
	"errors"
	"io"
	"net/http"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/leafscan/internal/classifier"
	"github.com/example/leafscan/internal/config"
	"github.com/example/leafscan/internal/preview"
	"github.com/example/leafscan/internal/repository"
	"github.com/example/leafscan/internal/upload"
)

// MaxUploadSize is the default per-image limit, matching the file picker.
const MaxUploadSize = config.DefaultMaxUploadBytes

// multipartOverhead leaves room for boundaries and part headers on top of
// the image itself.
const multipartOverhead = 64 << 10

// PreviewSource serves stored previews.
type PreviewSource interface {
	Open(ctx context.Context, handle preview.Handle) (*preview.Blob, error)
}

// MetricsSource aggregates the prediction journal.
type MetricsSource interface {
	AggregateMetrics(ctx context.Context) (*repository.MetricsSummary, error)
}

// PredictionSource looks up journaled requests.
type PredictionSource interface {
	FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error)
}

// Dependencies are the collaborators the routes need. Metrics and
// Predictions may be nil when the journal is disabled.
type Dependencies struct {
	Sessions       *upload.Manager
	Previews       PreviewSource
	Metrics        MetricsSource
	Predictions    PredictionSource
	MaxUploadBytes int64
	Logger         *zap.Logger
}

// RegisterRoutes wires the HTTP handlers to the Gin router.
func RegisterRoutes(router *gin.Engine, deps Dependencies) {
	if deps.MaxUploadBytes <= 0 {
		deps.MaxUploadBytes = MaxUploadSize
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	logger := deps.Logger.Named("handlers")

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	router.POST("/sessions", func(c *gin.Context) {
		sess := deps.Sessions.Create()
		c.JSON(http.StatusCreated, sess.Snapshot())
	})

	router.GET("/sessions/:id", withSession(deps.Sessions, func(c *gin.Context, sess *upload.Session) {
		c.JSON(http.StatusOK, sess.Snapshot())
	}))

	router.POST("/sessions/:id/file", withSession(deps.Sessions, func(c *gin.Context, sess *upload.Session) {
		img, status, msg := readImage(c, deps.MaxUploadBytes)
		if status != 0 {
			c.JSON(status, gin.H{"error": msg})
			return
		}

		if err := sess.AcceptFile(c.Request.Context(), img); err != nil {
			if errors.Is(err, upload.ErrClosed) {
				c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
				return
			}
			logger.Error("failed to accept file", zap.String("session_id", sess.ID()), zap.Error(err))
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "unable to store preview"})
			return
		}

		code := http.StatusAccepted
		if img.Empty() {
			code = http.StatusOK
		}
		c.JSON(code, sess.Snapshot())
	}))

	router.DELETE("/sessions/:id/file", withSession(deps.Sessions, func(c *gin.Context, sess *upload.Session) {
		if err := sess.AcceptFile(c.Request.Context(), nil); err != nil {
			c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
			return
		}
		c.JSON(http.StatusOK, sess.Snapshot())
	}))

	router.POST("/sessions/:id/reset", withSession(deps.Sessions, func(c *gin.Context, sess *upload.Session) {
		sess.Reset(c.Request.Context())
		c.JSON(http.StatusOK, sess.Snapshot())
	}))

	router.DELETE("/sessions/:id", func(c *gin.Context) {
		if err := deps.Sessions.Dispose(c.Request.Context(), c.Param("id")); err != nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		c.Status(http.StatusNoContent)
	})

	router.GET("/previews/:handle", func(c *gin.Context) {
		blob, err := deps.Previews.Open(c.Request.Context(), preview.Handle(c.Param("handle")))
		if err != nil {
			if !errors.Is(err, preview.ErrNotFound) {
				logger.Error("failed to open preview", zap.Error(err))
			}
			c.JSON(http.StatusNotFound, gin.H{"error": "preview not found"})
			return
		}
		c.Header("Cache-Control", "private, no-store")
		c.Data(http.StatusOK, blob.ContentType, blob.Data)
	})

	router.GET("/metrics", func(c *gin.Context) {
		if deps.Metrics == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "prediction journal disabled"})
			return
		}
		summary, err := deps.Metrics.AggregateMetrics(c.Request.Context())
		if err != nil {
			logger.Error("failed to aggregate metrics", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to aggregate metrics"})
			return
		}
		c.JSON(http.StatusOK, summary)
	})

	router.GET("/predictions/:request_id", func(c *gin.Context) {
		if deps.Predictions == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "prediction journal disabled"})
			return
		}
		log, err := deps.Predictions.FindByRequestID(c.Request.Context(), c.Param("request_id"))
		if err != nil {
			if errors.Is(err, repository.ErrLogNotFound) {
				c.JSON(http.StatusNotFound, gin.H{"error": "prediction not found"})
				return
			}
			logger.Error("failed to load prediction", zap.Error(err))
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load prediction"})
			return
		}
		c.JSON(http.StatusOK, log)
	})
}

func withSession(sessions *upload.Manager, fn func(*gin.Context, *upload.Session)) gin.HandlerFunc {
	return func(c *gin.Context) {
		sess, ok := sessions.Get(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "session not found"})
			return
		}
		fn(c, sess)
	}
}

// readImage applies the file picker constraints: one part named "file", at
// most limit bytes, and content that sniffs as an image. A zero-length file
// is returned as an empty image, which the session treats as a cleared
// selection. A non-zero status reports a rejection.
func readImage(c *gin.Context, limit int64) (*classifier.Image, int, string) {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, limit+multipartOverhead)

	file, err := c.FormFile(classifier.FormField)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) || strings.Contains(err.Error(), "request body too large") {
			return nil, http.StatusRequestEntityTooLarge, "image exceeds upload limit"
		}
		return nil, http.StatusBadRequest, "image file is required"
	}
	if file.Size > limit {
		return nil, http.StatusRequestEntityTooLarge, "image exceeds upload limit"
	}

	src, err := file.Open()
	if err != nil {
		return nil, http.StatusBadRequest, "unable to open image"
	}
	defer src.Close()

	data, err := io.ReadAll(io.LimitReader(src, limit+1))
	if err != nil {
		return nil, http.StatusInternalServerError, "failed to read image"
	}
	if int64(len(data)) > limit {
		return nil, http.StatusRequestEntityTooLarge, "image exceeds upload limit"
	}
	if len(data) == 0 {
		return &classifier.Image{Name: file.Filename}, 0, ""
	}

	detected, err := mimetype.DetectReader(bytes.NewReader(data))
	if err != nil || !strings.HasPrefix(detected.String(), "image/") {
		return nil, http.StatusUnsupportedMediaType, "file is not an image"
	}

	return &classifier.Image{
		Name:        file.Filename,
		ContentType: detected.String(),
		Data:        data,
	}, 0, ""
}
