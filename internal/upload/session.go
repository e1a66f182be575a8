package upload

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/leafscan/internal/classifier"
	"github.com/example/leafscan/internal/logging"
	"github.com/example/leafscan/internal/preview"
)

// ErrClosed is returned when a file is offered to a disposed session.
var ErrClosed = errors.New("upload session closed")

const recordTimeout = 5 * time.Second

// PreviewStore mints and releases the preview handle for the selected file.
type PreviewStore interface {
	Create(ctx context.Context, img *classifier.Image) (preview.Handle, error)
	Release(ctx context.Context, handle preview.Handle) error
	URL(handle preview.Handle) string
}

// Outcome describes a settled, non-stale inference request.
type Outcome struct {
	RequestID  string
	SessionID  string
	Generation uint64
	FileName   string
	ImageSHA1  string
	Status     Status
	Result     *classifier.Result
	Err        error
	Latency    time.Duration
}

// Recorder receives settled outcomes. Failures to record are logged only.
type Recorder interface {
	RecordOutcome(ctx context.Context, outcome Outcome) error
}

// Options tunes request handling for a session.
type Options struct {
	// Timeout bounds each inference request; zero leaves it to the transport.
	Timeout time.Duration
	// CancelOnSupersede aborts the in-flight request when a newer file is
	// accepted or the session is reset. Stale responses are discarded either way.
	CancelOnSupersede bool
	Recorder          Recorder
}

// Session is the upload controller for one page lifetime. It holds at most
// one selected file, its preview handle and the state of the single
// inference request issued for it.
type Session struct {
	id       string
	client   classifier.Client
	previews PreviewStore
	opts     Options
	logger   *zap.Logger
	now      func() time.Time

	baseCtx  context.Context
	stop     context.CancelFunc
	inflight sync.WaitGroup

	// opMu serialises user operations so preview handles are swapped one at
	// a time; mu guards the fields below and is never held across I/O.
	opMu sync.Mutex

	mu          sync.Mutex
	file        *classifier.Image
	handle      preview.Handle
	status      Status
	result      *classifier.Result
	failure     error
	generation  uint64
	cancelReq   context.CancelFunc
	closed      bool
	lastActive  time.Time
	subscribers map[int]chan Snapshot
	nextSub     int
}

// NewSession creates an idle session.
func NewSession(client classifier.Client, previews PreviewStore, opts Options, logger *zap.Logger) *Session {
	return newSession(uuid.NewString(), client, previews, opts, logger, time.Now)
}

func newSession(id string, client classifier.Client, previews PreviewStore, opts Options, logger *zap.Logger, now func() time.Time) *Session {
	ctx, stop := context.WithCancel(context.Background())
	return &Session{
		id:          id,
		client:      client,
		previews:    previews,
		opts:        opts,
		logger:      logging.WithSession(logger.Named("upload_session"), id),
		now:         now,
		baseCtx:     ctx,
		stop:        stop,
		status:      StatusIdle,
		lastActive:  now(),
		subscribers: make(map[int]chan Snapshot),
	}
}

// ID returns the session identifier.
func (s *Session) ID() string { return s.id }

// AcceptFile makes img the selected file and issues one inference request
// for it. A nil or empty img clears the selection instead. The returned
// error is non-nil only when the session is closed or no preview handle
// could be minted; inference failures surface through the session state.
func (s *Session) AcceptFile(ctx context.Context, img *classifier.Image) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if img.Empty() {
		s.clear(ctx)
		return nil
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return ErrClosed
	}
	s.supersedeLocked()
	old := s.handle
	s.setIdleLocked()
	s.mu.Unlock()

	s.release(ctx, old)

	handle, err := s.previews.Create(ctx, img)
	if err != nil {
		s.logger.Error("failed to create preview", zap.Error(err), zap.String("file", img.Name))
		s.mu.Lock()
		s.publishLocked()
		s.mu.Unlock()
		return err
	}

	requestID := uuid.NewString()

	s.mu.Lock()
	s.file = img
	s.handle = handle
	s.status = StatusLoading
	gen := s.generation

	reqCtx, cancel := s.requestContext()
	if s.opts.CancelOnSupersede {
		s.cancelReq = cancel
	}
	s.inflight.Add(1)
	s.publishLocked()
	s.mu.Unlock()

	s.logger.Info("image accepted",
		zap.Uint64("generation", gen),
		zap.String("request_id", requestID),
		zap.String("file", img.Name),
		zap.Int("bytes", len(img.Data)),
	)

	go s.runInference(reqCtx, cancel, gen, requestID, img)
	return nil
}

// Reset returns the session to idle, discarding the file, its preview, any
// in-flight request association and the result. It is idempotent.
func (s *Session) Reset(ctx context.Context) {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	s.clear(ctx)
}

// Close disposes the session: it resets it, refuses further files, cancels
// outstanding requests and waits for their goroutines to exit.
func (s *Session) Close(ctx context.Context) {
	s.closeIf(ctx, nil)
}

// closeIf closes the session when keep is nil or reports false for the
// current status and last activity. The check and the close happen under
// opMu, so no AcceptFile can slip in between them.
func (s *Session) closeIf(ctx context.Context, keep func(Status, time.Time) bool) bool {
	s.opMu.Lock()
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.opMu.Unlock()
		s.inflight.Wait()
		return false
	}
	if keep != nil && keep(s.status, s.lastActive) {
		s.mu.Unlock()
		s.opMu.Unlock()
		return false
	}
	s.closed = true
	s.mu.Unlock()
	s.clear(ctx)
	s.stop()
	s.opMu.Unlock()

	s.inflight.Wait()

	s.mu.Lock()
	for id, ch := range s.subscribers {
		close(ch)
		delete(s.subscribers, id)
	}
	s.mu.Unlock()
	return true
}

// Wait blocks until no inference goroutine is running.
func (s *Session) Wait() {
	s.inflight.Wait()
}

// Snapshot returns the current state and marks the session as active.
func (s *Session) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastActive = s.now()
	return s.snapshotLocked()
}

// Subscribe returns a channel that always holds the latest snapshot. Slow
// readers miss intermediate states, never the newest one. The channel is
// closed by the returned cancel func or when the session is closed.
func (s *Session) Subscribe() (<-chan Snapshot, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ch := make(chan Snapshot, 1)
	if s.closed {
		ch <- s.snapshotLocked()
		close(ch)
		return ch, func() {}
	}
	id := s.nextSub
	s.nextSub++
	s.subscribers[id] = ch
	ch <- s.snapshotLocked()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			if _, ok := s.subscribers[id]; ok {
				delete(s.subscribers, id)
				close(ch)
			}
		})
	}
}

func (s *Session) runInference(ctx context.Context, cancel context.CancelFunc, gen uint64, requestID string, img *classifier.Image) {
	defer s.inflight.Done()
	defer cancel()

	start := s.now()
	result, err := s.classify(ctx, img)
	latency := s.now().Sub(start)

	log := s.logger.With(zap.Uint64("generation", gen), zap.String("request_id", requestID))

	s.mu.Lock()
	if gen != s.generation {
		s.mu.Unlock()
		log.Debug("discarding stale inference response", zap.Error(err))
		return
	}
	outcome := Outcome{
		RequestID:  requestID,
		SessionID:  s.id,
		Generation: gen,
		FileName:   img.Name,
		Latency:    latency,
	}
	if err != nil {
		s.status = StatusFailed
		s.result = nil
		s.failure = err
		outcome.Status = StatusFailed
		outcome.Err = err
	} else {
		s.status = StatusSucceeded
		s.result = result
		s.failure = nil
		outcome.Status = StatusSucceeded
		outcome.Result = result
	}
	s.cancelReq = nil
	s.publishLocked()
	s.mu.Unlock()

	if err != nil {
		log.Warn("inference failed", zap.Error(err), zap.Duration("latency", latency))
	} else {
		log.Info("inference succeeded",
			zap.String("class", result.Class),
			zap.Float64("confidence", result.Confidence),
			zap.Duration("latency", latency),
		)
	}

	s.record(ctx, outcome, img)
}

// classify calls the client and normalises its answer; a panicking client
// counts as a failed request.
func (s *Session) classify(ctx context.Context, img *classifier.Image) (result *classifier.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result, err = nil, fmt.Errorf("classifier panic: %v", r)
		}
	}()
	result, err = s.client.Classify(ctx, img)
	if err != nil {
		return nil, err
	}
	if err := classifier.Validate(result); err != nil {
		return nil, err
	}
	return result, nil
}

func (s *Session) record(ctx context.Context, outcome Outcome, img *classifier.Image) {
	if s.opts.Recorder == nil {
		return
	}
	sum := sha1.Sum(img.Data)
	outcome.ImageSHA1 = hex.EncodeToString(sum[:])

	recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
	defer cancel()
	if err := s.opts.Recorder.RecordOutcome(recordCtx, outcome); err != nil {
		s.logger.Warn("failed to record outcome", zap.String("request_id", outcome.RequestID), zap.Error(err))
	}
}

func (s *Session) requestContext() (context.Context, context.CancelFunc) {
	if s.opts.Timeout > 0 {
		return context.WithTimeout(s.baseCtx, s.opts.Timeout)
	}
	return context.WithCancel(s.baseCtx)
}

// clear empties the selection. Caller holds opMu.
func (s *Session) clear(ctx context.Context) {
	s.mu.Lock()
	if s.status != StatusIdle || s.file != nil || s.handle != "" {
		s.supersedeLocked()
	}
	old := s.handle
	s.setIdleLocked()
	s.publishLocked()
	s.mu.Unlock()

	s.release(ctx, old)
}

// supersedeLocked invalidates the in-flight request, if any.
func (s *Session) supersedeLocked() {
	s.generation++
	if s.cancelReq != nil {
		s.cancelReq()
		s.cancelReq = nil
	}
}

func (s *Session) setIdleLocked() {
	s.file = nil
	s.handle = ""
	s.status = StatusIdle
	s.result = nil
	s.failure = nil
	s.lastActive = s.now()
}

func (s *Session) release(ctx context.Context, handle preview.Handle) {
	if handle == "" {
		return
	}
	if err := s.previews.Release(ctx, handle); err != nil {
		s.logger.Warn("failed to release preview", zap.String("handle", string(handle)), zap.Error(err))
	}
}

func (s *Session) snapshotLocked() Snapshot {
	snap := Snapshot{
		SessionID:  s.id,
		Status:     s.status,
		Generation: s.generation,
		PreviewURL: s.previews.URL(s.handle),
	}
	if s.file != nil {
		snap.FileName = s.file.Name
	}
	if s.status == StatusSucceeded {
		snap.Result = newResultView(s.result)
	}
	if s.status == StatusFailed {
		snap.Error = describeFailure(s.failure)
	}
	return snap
}

// publishLocked hands the current snapshot to every subscriber, replacing
// any snapshot they have not read yet.
func (s *Session) publishLocked() {
	if len(s.subscribers) == 0 {
		return
	}
	snap := s.snapshotLocked()
	for _, ch := range s.subscribers {
		select {
		case <-ch:
		default:
		}
		ch <- snap
	}
}
