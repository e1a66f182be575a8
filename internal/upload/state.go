package upload

import (
	"context"
	"errors"
	"fmt"

	"github.com/example/leafscan/internal/classifier"
)

// Status is the lifecycle state of an upload session.
type Status string

const (
	StatusIdle      Status = "idle"
	StatusLoading   Status = "loading"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// ResultView is the classification as the result card renders it.
type ResultView struct {
	Class             string  `json:"class"`
	Confidence        float64 `json:"confidence"`
	ConfidenceDisplay string  `json:"confidence_display"`
}

// Snapshot is an immutable copy of session state for renderers.
type Snapshot struct {
	SessionID  string      `json:"session_id"`
	Status     Status      `json:"status"`
	Generation uint64      `json:"generation"`
	FileName   string      `json:"file_name,omitempty"`
	PreviewURL string      `json:"preview_url,omitempty"`
	Result     *ResultView `json:"result,omitempty"`
	Error      string      `json:"error,omitempty"`
}

func newResultView(r *classifier.Result) *ResultView {
	if r == nil {
		return nil
	}
	return &ResultView{Class: r.Class, Confidence: r.Confidence, ConfidenceDisplay: r.ConfidencePercent()}
}

// describeFailure turns an inference error into the text shown next to the
// retry prompt.
func describeFailure(err error) string {
	var (
		transportErr *classifier.TransportError
		serverErr    *classifier.ServerError
		malformedErr *classifier.MalformedResponseError
	)
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return "Analysis timed out. Please try again."
	case errors.As(err, &transportErr):
		return "Could not reach the analysis service. Please try again."
	case errors.As(err, &serverErr):
		return fmt.Sprintf("Analysis service error (%s). Please try again.", serverErr.Status)
	case errors.As(err, &malformedErr):
		return "The analysis service returned an unusable result. Please try again."
	default:
		return "Error analyzing image. Please try again."
	}
}
