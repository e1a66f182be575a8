package upload

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/example/leafscan/internal/classifier"
)

// ErrSessionNotFound is returned for unknown or disposed session ids.
var ErrSessionNotFound = errors.New("upload session not found")

// Manager hands out one Session per page load and disposes sessions that
// were abandoned without an explicit dispose.
type Manager struct {
	client   classifier.Client
	previews PreviewStore
	opts     Options
	idleTTL  time.Duration
	logger   *zap.Logger
	now      func() time.Time

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager builds a manager. An idleTTL of zero disables sweeping.
func NewManager(client classifier.Client, previews PreviewStore, opts Options, idleTTL time.Duration, logger *zap.Logger) *Manager {
	return &Manager{
		client:   client,
		previews: previews,
		opts:     opts,
		idleTTL:  idleTTL,
		logger:   logger.Named("upload_manager"),
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
}

// Create starts a new idle session.
func (m *Manager) Create() *Session {
	sess := newSession(uuid.NewString(), m.client, m.previews, m.opts, m.logger, m.now)

	m.mu.Lock()
	m.sessions[sess.ID()] = sess
	m.mu.Unlock()

	m.logger.Debug("session created", zap.String("session_id", sess.ID()))
	return sess
}

// Get looks up a live session.
func (m *Manager) Get(id string) (*Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	sess, ok := m.sessions[id]
	return sess, ok
}

// Dispose closes and forgets the session.
func (m *Manager) Dispose(ctx context.Context, id string) error {
	m.mu.Lock()
	sess, ok := m.sessions[id]
	delete(m.sessions, id)
	m.mu.Unlock()
	if !ok {
		return ErrSessionNotFound
	}
	sess.Close(ctx)
	m.logger.Debug("session disposed", zap.String("session_id", id))
	return nil
}

// Len reports the number of live sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Sweep disposes sessions idle for longer than the TTL and returns how many
// were removed. Sessions with a request in flight are never idle.
func (m *Manager) Sweep(ctx context.Context) int {
	if m.idleTTL <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.idleTTL)

	m.mu.RLock()
	candidates := make([]*Session, 0, len(m.sessions))
	for _, sess := range m.sessions {
		candidates = append(candidates, sess)
	}
	m.mu.RUnlock()

	keep := func(status Status, lastActive time.Time) bool {
		return status == StatusLoading || !lastActive.Before(cutoff)
	}
	var expired []*Session
	for _, sess := range candidates {
		if !sess.closeIf(ctx, keep) {
			continue
		}
		expired = append(expired, sess)
		m.mu.Lock()
		if m.sessions[sess.ID()] == sess {
			delete(m.sessions, sess.ID())
		}
		m.mu.Unlock()
	}
	if len(expired) > 0 {
		m.logger.Info("swept idle sessions", zap.Int("count", len(expired)))
	}
	return len(expired)
}

// Run sweeps on every tick until ctx is done.
func (m *Manager) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 || m.idleTTL <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			m.Sweep(ctx)
		}
	}
}

// Close disposes every session.
func (m *Manager) Close(ctx context.Context) {
	m.mu.Lock()
	sessions := m.sessions
	m.sessions = make(map[string]*Session)
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, sess := range sessions {
		wg.Add(1)
		go func(s *Session) {
			defer wg.Done()
			s.Close(ctx)
		}(sess)
	}
	wg.Wait()
}
