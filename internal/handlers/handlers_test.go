package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/example/leafscan/internal/classifier"
	"github.com/example/leafscan/internal/preview"
	"github.com/example/leafscan/internal/repository"
	"github.com/example/leafscan/internal/upload"
)

var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

type stubClassifier struct {
	result *classifier.Result
	err    error
}

func (s *stubClassifier) Classify(ctx context.Context, img *classifier.Image) (*classifier.Result, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

type stubMetrics struct {
	summary *repository.MetricsSummary
	err     error
}

func (s *stubMetrics) AggregateMetrics(ctx context.Context) (*repository.MetricsSummary, error) {
	return s.summary, s.err
}

type testServer struct {
	router   *gin.Engine
	sessions *upload.Manager
	previews *preview.Store
}

func newTestServer(t *testing.T, client classifier.Client, metrics MetricsSource) *testServer {
	t.Helper()
	return newTestServerWithDeps(t, client, Dependencies{Metrics: metrics})
}

// newTestServerWithDeps fills in sessions, previews and logger around the
// journal collaborators given in deps.
func newTestServerWithDeps(t *testing.T, client classifier.Client, deps Dependencies) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	previews := preview.NewStore(preview.NewMemoryCache(), time.Minute, "/previews", zap.NewNop())
	sessions := upload.NewManager(client, previews, upload.Options{}, 0, zap.NewNop())
	t.Cleanup(func() { sessions.Close(context.Background()) })

	router := gin.New()
	router.MaxMultipartMemory = MaxUploadSize
	deps.Sessions = sessions
	deps.Previews = previews
	deps.Logger = zap.NewNop()
	RegisterRoutes(router, deps)
	return &testServer{router: router, sessions: sessions, previews: previews}
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	resp := httptest.NewRecorder()
	s.router.ServeHTTP(resp, req)
	return resp
}

func (s *testServer) createSession(t *testing.T) upload.Snapshot {
	t.Helper()
	resp := s.do(httptest.NewRequest(http.MethodPost, "/sessions", nil))
	if resp.Code != http.StatusCreated {
		t.Fatalf("expected status %d, got %d", http.StatusCreated, resp.Code)
	}
	return decodeSnapshot(t, resp)
}

func (s *testServer) upload(t *testing.T, sessionID, contentType string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, formType := buildMultipartBody(t, contentType, payload)
	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sessionID+"/file", body)
	req.Header.Set("Content-Type", formType)
	return s.do(req)
}

func decodeSnapshot(t *testing.T, resp *httptest.ResponseRecorder) upload.Snapshot {
	t.Helper()
	var snap upload.Snapshot
	if err := json.Unmarshal(resp.Body.Bytes(), &snap); err != nil {
		t.Fatalf("decode snapshot: %v (%s)", err, resp.Body.String())
	}
	return snap
}

func TestUploadRejectsLargeUpload(t *testing.T) {
	srv := newTestServer(t, &stubClassifier{}, nil)
	sess := srv.createSession(t)

	resp := srv.upload(t, sess.SessionID, "image/png", append(pngHeader, bytes.Repeat([]byte("a"), MaxUploadSize)...))

	if resp.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("expected status %d, got %d", http.StatusRequestEntityTooLarge, resp.Code)
	}
}

func TestUploadRejectsUnsupportedContentType(t *testing.T) {
	srv := newTestServer(t, &stubClassifier{}, nil)
	sess := srv.createSession(t)

	// The declared type is ignored; the bytes are sniffed.
	resp := srv.upload(t, sess.SessionID, "image/png", []byte("hello"))

	if resp.Code != http.StatusUnsupportedMediaType {
		t.Fatalf("expected status %d, got %d", http.StatusUnsupportedMediaType, resp.Code)
	}
	if srv.previews.Live() != 0 {
		t.Fatalf("rejected upload must not mint a preview")
	}
}

func TestUploadRequiresFilePart(t *testing.T) {
	srv := newTestServer(t, &stubClassifier{}, nil)
	sess := srv.createSession(t)

	req := httptest.NewRequest(http.MethodPost, "/sessions/"+sess.SessionID+"/file", nil)
	resp := srv.do(req)
	if resp.Code != http.StatusBadRequest {
		t.Fatalf("expected status %d, got %d", http.StatusBadRequest, resp.Code)
	}
}

func TestUploadFlow(t *testing.T) {
	srv := newTestServer(t, &stubClassifier{result: &classifier.Result{Class: "Late Blight", Confidence: 0.932}}, nil)
	created := srv.createSession(t)
	if created.Status != upload.StatusIdle {
		t.Fatalf("expected idle session, got %s", created.Status)
	}

	resp := srv.upload(t, created.SessionID, "image/png", pngHeader)
	if resp.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d: %s", http.StatusAccepted, resp.Code, resp.Body.String())
	}

	sess, ok := srv.sessions.Get(created.SessionID)
	if !ok {
		t.Fatal("session disappeared")
	}
	sess.Wait()

	resp = srv.do(httptest.NewRequest(http.MethodGet, "/sessions/"+created.SessionID, nil))
	snap := decodeSnapshot(t, resp)
	if snap.Status != upload.StatusSucceeded {
		t.Fatalf("expected succeeded, got %s (%s)", snap.Status, snap.Error)
	}
	if snap.Result == nil || snap.Result.ConfidenceDisplay != "93.20%" {
		t.Fatalf("unexpected result %+v", snap.Result)
	}

	resp = srv.do(httptest.NewRequest(http.MethodGet, snap.PreviewURL, nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected preview to be served, got %d", resp.Code)
	}
	if got := resp.Header().Get("Content-Type"); got != "image/png" {
		t.Fatalf("unexpected preview content type %q", got)
	}
	if !bytes.Equal(resp.Body.Bytes(), pngHeader) {
		t.Fatal("preview bytes differ from upload")
	}

	resp = srv.do(httptest.NewRequest(http.MethodDelete, "/sessions/"+created.SessionID+"/file", nil))
	snap = decodeSnapshot(t, resp)
	if snap.Status != upload.StatusIdle || snap.PreviewURL != "" {
		t.Fatalf("expected cleared session, got %+v", snap)
	}
	if srv.previews.Live() != 0 {
		t.Fatalf("expected preview to be released, %d live", srv.previews.Live())
	}

	resp = srv.do(httptest.NewRequest(http.MethodPost, "/sessions/"+created.SessionID+"/reset", nil))
	if resp.Code != http.StatusOK || decodeSnapshot(t, resp).Status != upload.StatusIdle {
		t.Fatalf("unexpected reset response %d %s", resp.Code, resp.Body.String())
	}

	resp = srv.do(httptest.NewRequest(http.MethodDelete, "/sessions/"+created.SessionID, nil))
	if resp.Code != http.StatusNoContent {
		t.Fatalf("expected status %d, got %d", http.StatusNoContent, resp.Code)
	}
	resp = srv.do(httptest.NewRequest(http.MethodGet, "/sessions/"+created.SessionID, nil))
	if resp.Code != http.StatusNotFound {
		t.Fatalf("expected disposed session to be gone, got %d", resp.Code)
	}
}

func TestUploadBackendFailureIsReported(t *testing.T) {
	srv := newTestServer(t, &stubClassifier{err: &classifier.ServerError{StatusCode: 500, Status: "500 Internal Server Error"}}, nil)
	created := srv.createSession(t)

	if resp := srv.upload(t, created.SessionID, "image/png", pngHeader); resp.Code != http.StatusAccepted {
		t.Fatalf("expected status %d, got %d", http.StatusAccepted, resp.Code)
	}
	sess, _ := srv.sessions.Get(created.SessionID)
	sess.Wait()

	snap := decodeSnapshot(t, srv.do(httptest.NewRequest(http.MethodGet, "/sessions/"+created.SessionID, nil)))
	if snap.Status != upload.StatusFailed || snap.Result != nil || snap.Error == "" {
		t.Fatalf("unexpected snapshot %+v", snap)
	}
}

func TestUnknownSessionAndPreview(t *testing.T) {
	srv := newTestServer(t, &stubClassifier{}, nil)

	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/sessions/nope", nil),
		httptest.NewRequest(http.MethodPost, "/sessions/nope/reset", nil),
		httptest.NewRequest(http.MethodDelete, "/sessions/nope", nil),
		httptest.NewRequest(http.MethodGet, "/previews/nope", nil),
	} {
		if resp := srv.do(req); resp.Code != http.StatusNotFound {
			t.Fatalf("%s %s: expected 404, got %d", req.Method, req.URL.Path, resp.Code)
		}
	}
}

func TestMetricsEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubClassifier{}, nil)
	if resp := srv.do(httptest.NewRequest(http.MethodGet, "/metrics", nil)); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without journal, got %d", resp.Code)
	}

	srv = newTestServer(t, &stubClassifier{}, &stubMetrics{summary: &repository.MetricsSummary{TotalRequests: 3}})
	resp := srv.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var summary repository.MetricsSummary
	if err := json.Unmarshal(resp.Body.Bytes(), &summary); err != nil || summary.TotalRequests != 3 {
		t.Fatalf("unexpected summary %s (%v)", resp.Body.String(), err)
	}

	srv = newTestServer(t, &stubClassifier{}, &stubMetrics{err: errors.New("db down")})
	if resp := srv.do(httptest.NewRequest(http.MethodGet, "/metrics", nil)); resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

type stubPredictions struct {
	logs map[string]*repository.PredictionLog
	err  error
}

func (s *stubPredictions) FindByRequestID(ctx context.Context, requestID string) (*repository.PredictionLog, error) {
	if s.err != nil {
		return nil, s.err
	}
	log, ok := s.logs[requestID]
	if !ok {
		return nil, repository.ErrLogNotFound
	}
	return log, nil
}

func TestPredictionEndpoint(t *testing.T) {
	srv := newTestServer(t, &stubClassifier{}, nil)
	if resp := srv.do(httptest.NewRequest(http.MethodGet, "/predictions/req-1", nil)); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without journal, got %d", resp.Code)
	}

	source := &stubPredictions{logs: map[string]*repository.PredictionLog{
		"req-1": {RequestID: "req-1", SessionID: "sess-1", Status: "succeeded", Class: "Late Blight", Confidence: 0.88, LatencyMs: 42},
	}}
	srv = newTestServerWithDeps(t, &stubClassifier{}, Dependencies{Predictions: source})

	resp := srv.do(httptest.NewRequest(http.MethodGet, "/predictions/req-1", nil))
	if resp.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.Code)
	}
	var body map[string]interface{}
	if err := json.Unmarshal(resp.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if body["request_id"] != "req-1" || body["class"] != "Late Blight" || body["status"] != "succeeded" {
		t.Fatalf("unexpected body %s", resp.Body.String())
	}

	if resp := srv.do(httptest.NewRequest(http.MethodGet, "/predictions/unknown", nil)); resp.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown request, got %d", resp.Code)
	}

	srv = newTestServerWithDeps(t, &stubClassifier{}, Dependencies{Predictions: &stubPredictions{err: errors.New("db down")}})
	if resp := srv.do(httptest.NewRequest(http.MethodGet, "/predictions/req-1", nil)); resp.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", resp.Code)
	}
}

func buildMultipartBody(t *testing.T, contentType string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()

	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	header := make(textproto.MIMEHeader)
	header.Set("Content-Disposition", `form-data; name="file"; filename="leaf.png"`)
	header.Set("Content-Type", contentType)

	part, err := writer.CreatePart(header)
	if err != nil {
		t.Fatalf("failed to create multipart part: %v", err)
	}
	if _, err := part.Write(payload); err != nil {
		t.Fatalf("failed to write payload: %v", err)
	}

	if err := writer.Close(); err != nil {
		t.Fatalf("failed to close writer: %v", err)
	}

	return body, writer.FormDataContentType()
}
