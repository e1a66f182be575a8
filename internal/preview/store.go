package preview

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"

	"github.com/example/leafscan/internal/classifier"
	"github.com/example/leafscan/internal/logging"
)

const keyPrefix = "preview:"

// Handle identifies a stored preview. The zero value means "no preview".
type Handle string

// Blob is the stored preview payload.
type Blob struct {
	Name        string `msgpack:"name"`
	ContentType string `msgpack:"content_type"`
	Data        []byte `msgpack:"data"`
}

// Store mints, serves and releases preview handles.
type Store struct {
	cache    Cache
	ttl      time.Duration
	basePath string
	logger   *zap.Logger

	mu   sync.Mutex
	live map[Handle]struct{}
}

// NewStore builds a store. basePath is the URL prefix previews are served
// under, e.g. "/previews".
func NewStore(cache Cache, ttl time.Duration, basePath string, logger *zap.Logger) *Store {
	return &Store{
		cache:    cache,
		ttl:      ttl,
		basePath: strings.TrimRight(basePath, "/"),
		logger:   logger.Named("preview_store"),
		live:     make(map[Handle]struct{}),
	}
}

// Create stores img and returns a fresh handle for it.
func (s *Store) Create(ctx context.Context, img *classifier.Image) (Handle, error) {
	if img.Empty() {
		return "", errors.New("preview: empty image")
	}
	handle := Handle(uuid.NewString())

	encoded, err := msgpack.Marshal(&Blob{Name: img.Name, ContentType: img.ContentType, Data: img.Data})
	if err != nil {
		return "", logging.NewOperationError("preview.encode", string(handle), err)
	}
	if err := s.cache.Set(ctx, keyPrefix+string(handle), encoded, s.ttl); err != nil {
		return "", logging.NewOperationError("preview.create", string(handle), err)
	}

	s.mu.Lock()
	s.live[handle] = struct{}{}
	s.mu.Unlock()
	return handle, nil
}

// Open loads the blob behind handle.
func (s *Store) Open(ctx context.Context, handle Handle) (*Blob, error) {
	if !validHandle(handle) {
		return nil, ErrNotFound
	}
	raw, err := s.cache.Get(ctx, keyPrefix+string(handle))
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, logging.NewOperationError("preview.open", string(handle), err)
	}
	var blob Blob
	if err := msgpack.Unmarshal(raw, &blob); err != nil {
		return nil, logging.NewOperationError("preview.decode", string(handle), err)
	}
	return &blob, nil
}

// Release drops the preview. Releasing the zero handle or an already
// released handle is a no-op.
func (s *Store) Release(ctx context.Context, handle Handle) error {
	if handle == "" {
		return nil
	}
	s.mu.Lock()
	_, ok := s.live[handle]
	delete(s.live, handle)
	s.mu.Unlock()
	if !ok {
		return nil
	}
	if err := s.cache.Del(ctx, keyPrefix+string(handle)); err != nil {
		// The TTL reclaims the entry eventually.
		s.logger.Warn("failed to delete preview", zap.String("handle", string(handle)), zap.Error(err))
		return logging.NewOperationError("preview.release", string(handle), err)
	}
	return nil
}

// URL returns the path the renderer loads the preview from.
func (s *Store) URL(handle Handle) string {
	if handle == "" {
		return ""
	}
	return s.basePath + "/" + string(handle)
}

// Live reports how many handles have been created and not yet released.
func (s *Store) Live() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.live)
}

func validHandle(handle Handle) bool {
	_, err := uuid.Parse(string(handle))
	return err == nil
}
