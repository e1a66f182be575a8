package classifier

import (
	"context"
	"fmt"
	"math"
)

// Image is an opaque image blob as delivered by the file picker.
type Image struct {
	Name        string
	ContentType string
	Data        []byte
}

// Empty reports whether the image carries no bytes. A nil image is empty.
func (img *Image) Empty() bool {
	return img == nil || len(img.Data) == 0
}

// Result is a single classification returned by the inference endpoint.
type Result struct {
	Class      string  `json:"class"`
	Confidence float64 `json:"confidence"`
}

// ConfidencePercent renders the confidence the way the result card shows it.
func (r Result) ConfidencePercent() string {
	return fmt.Sprintf("%.2f%%", r.Confidence*100)
}

// Client exposes the subset of functionality used by the upload flow.
type Client interface {
	Classify(ctx context.Context, img *Image) (*Result, error)
}

// Validate rejects payloads that are missing a label or carry an
// out-of-range confidence.
func Validate(r *Result) error {
	if r == nil {
		return &MalformedResponseError{Reason: "empty payload"}
	}
	if r.Class == "" {
		return &MalformedResponseError{Reason: "missing class"}
	}
	if math.IsNaN(r.Confidence) || r.Confidence < 0 || r.Confidence > 1 {
		return &MalformedResponseError{Reason: fmt.Sprintf("confidence %v outside [0,1]", r.Confidence)}
	}
	return nil
}
