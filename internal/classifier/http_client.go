package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/textproto"
	"strconv"
	"strings"

	"go.uber.org/zap"

	"github.com/example/leafscan/internal/logging"
)

const (
	// FormField is the multipart part name the endpoint reads the image from.
	FormField = "file"

	maxErrorBody    = 512
	maxResponseBody = 1 << 20
)

// HTTPClient posts images to the inference endpoint as multipart uploads.
type HTTPClient struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPClient builds a client for endpoint. A nil httpClient uses
// http.DefaultClient; timeouts are expected to arrive through the context.
func NewHTTPClient(endpoint string, httpClient *http.Client, logger *zap.Logger) *HTTPClient {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &HTTPClient{endpoint: endpoint, client: httpClient, logger: logger.Named("classifier_http")}
}

// Classify uploads img and decodes the {class, confidence} payload.
func (c *HTTPClient) Classify(ctx context.Context, img *Image) (*Result, error) {
	if img.Empty() {
		return nil, errors.New("classify: empty image")
	}

	body, contentType, err := encodeMultipart(img)
	if err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", contentType)
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Warn("inference request failed", zap.String("endpoint", c.endpoint), zap.Error(err))
		return nil, &TransportError{Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		c.logger.Warn("inference endpoint returned error", zap.Int("status", resp.StatusCode))
		return nil, &ServerError{
			StatusCode: resp.StatusCode,
			Status:     resp.Status,
			Body:       strings.TrimSpace(string(snippet)),
		}
	}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, &TransportError{Err: err}
	}

	result, err := decodeResult(raw)
	if err != nil {
		c.logger.Warn("inference payload rejected", zap.Error(err))
		return nil, err
	}
	return result, nil
}

// payload uses pointers so an absent field is distinguishable from a zero.
type payload struct {
	Class      *string          `json:"class"`
	Confidence *json.RawMessage `json:"confidence"`
}

func decodeResult(raw []byte) (*Result, error) {
	var p payload
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, &MalformedResponseError{Reason: "invalid json", Err: err}
	}
	if p.Class == nil {
		return nil, &MalformedResponseError{Reason: "missing class"}
	}
	if p.Confidence == nil {
		return nil, &MalformedResponseError{Reason: "missing confidence"}
	}
	confidence, err := parseConfidence(*p.Confidence)
	if err != nil {
		return nil, err
	}
	result := &Result{Class: *p.Class, Confidence: confidence}
	if err := Validate(result); err != nil {
		return nil, err
	}
	return result, nil
}

// parseConfidence accepts a JSON number or a numeric string; some model
// servers serialise numpy floats as strings.
func parseConfidence(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return 0, &MalformedResponseError{Reason: "confidence is not a number", Err: err}
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
	if err != nil {
		return 0, &MalformedResponseError{Reason: "confidence is not a number", Err: err}
	}
	return parsed, nil
}

func encodeMultipart(img *Image) (*bytes.Buffer, string, error) {
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	name := img.Name
	if name == "" {
		name = "upload"
	}
	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, FormField, name))
	contentType := img.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		return nil, "", logging.NewOperationError("classifier.encode_multipart", "", err)
	}
	if _, err := part.Write(img.Data); err != nil {
		return nil, "", logging.NewOperationError("classifier.encode_multipart", "", err)
	}
	if err := writer.Close(); err != nil {
		return nil, "", logging.NewOperationError("classifier.encode_multipart", "", err)
	}
	return body, writer.FormDataContentType(), nil
}
