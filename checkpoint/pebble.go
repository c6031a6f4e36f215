package checkpoint

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/cockroachdb/pebble"
	"github.com/rs/zerolog/log"
)

const prefixPosition = "/position"

// PebbleRepository stores positions in a local Pebble database. Keys are
// the checkpoint paths prefixed with /position.
type PebbleRepository struct {
	db   *pebble.DB
	path string

	// cache of the last persisted value per key, skips redundant writes
	cache   map[string]string
	cacheMu sync.RWMutex

	closed atomic.Bool
}

// NewPebbleRepository opens or creates the store at dir.
func NewPebbleRepository(dir string) (*PebbleRepository, error) {
	db, err := pebble.Open(dir, &pebble.Options{})
	if err != nil {
		return nil, fmt.Errorf("failed to open checkpoint store at %s: %w", dir, err)
	}

	log.Info().Str("path", dir).Msg("Opened pebble checkpoint store")
	return &PebbleRepository{
		db:    db,
		path:  dir,
		cache: make(map[string]string),
	}, nil
}

func (r *PebbleRepository) Get(_ context.Context, key string) (string, bool, error) {
	if r.closed.Load() {
		return "", false, ErrUnavailable
	}

	r.cacheMu.RLock()
	cached, ok := r.cache[key]
	r.cacheMu.RUnlock()
	if ok {
		return cached, true, nil
	}

	val, closer, err := r.db.Get([]byte(prefixPosition + key))
	if err == pebble.ErrNotFound {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("failed to read %s: %w", key, err)
	}
	// val is only valid until closer.Close()
	value := string(val)
	closer.Close()

	r.cacheMu.Lock()
	r.cache[key] = value
	r.cacheMu.Unlock()

	return value, true, nil
}

func (r *PebbleRepository) Persist(_ context.Context, key, value string) error {
	if r.closed.Load() {
		return ErrUnavailable
	}

	r.cacheMu.RLock()
	cached, ok := r.cache[key]
	r.cacheMu.RUnlock()
	if ok && cached == value {
		return nil
	}

	if err := r.db.Set([]byte(prefixPosition+key), []byte(value), pebble.Sync); err != nil {
		return fmt.Errorf("failed to persist %s: %w", key, err)
	}

	r.cacheMu.Lock()
	r.cache[key] = value
	r.cacheMu.Unlock()
	return nil
}

func (r *PebbleRepository) Available() bool {
	return !r.closed.Load()
}

func (r *PebbleRepository) Close() error {
	if !r.closed.CompareAndSwap(false, true) {
		return nil
	}
	return r.db.Close()
}
