// Package checkpoint persists task positions so an interrupted job can
// resume without losing or repeating progress.
package checkpoint

import (
	"context"
	"errors"
	"fmt"

	"github.com/maxpert/marmot-scaling/cfg"
	"github.com/rs/zerolog/log"
)

// ErrUnavailable is returned by repositories that cannot serve requests.
var ErrUnavailable = errors.New("checkpoint repository unavailable")

// Repository is a key-value store for serialized position maps.
type Repository interface {
	// Get returns the stored value and whether it exists.
	Get(ctx context.Context, key string) (string, bool, error)
	Persist(ctx context.Context, key, value string) error
	// Available reports whether the repository can store positions at all.
	Available() bool
	Close() error
}

// NoopRepository is used when no store is configured or reachable.
// Nothing is stored and jobs are never resumable.
type NoopRepository struct{}

func (NoopRepository) Get(context.Context, string) (string, bool, error) { return "", false, nil }
func (NoopRepository) Persist(context.Context, string, string) error     { return nil }
func (NoopRepository) Available() bool                                   { return false }
func (NoopRepository) Close() error                                      { return nil }

// Open builds the repository selected by the process configuration. A store
// that cannot be opened degrades to NoopRepository with a warning.
func Open(ctx context.Context, c cfg.ResumeBreakPointConfiguration, dataPath string) Repository {
	repo, err := open(ctx, c, dataPath)
	if err != nil {
		log.Warn().Err(err).Str("store", string(c.Store)).Msg("Checkpoint store unavailable, jobs will not be resumable")
		return NoopRepository{}
	}
	return repo
}

func open(ctx context.Context, c cfg.ResumeBreakPointConfiguration, dataPath string) (Repository, error) {
	switch c.Store {
	case cfg.CheckpointPebble:
		return NewPebbleRepository(dataPath)
	case cfg.CheckpointNats:
		return NewNatsRepository(ctx, c.NatsURL, c.Bucket)
	case cfg.CheckpointNone, "":
		return NoopRepository{}, nil
	}
	return nil, fmt.Errorf("unknown checkpoint store %q", c.Store)
}
