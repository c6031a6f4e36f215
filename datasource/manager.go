// Package datasource caches one connection pool per physical database and
// shares it between every task of a job.
package datasource

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/maxpert/marmot-scaling/cfg"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
)

// ErrClosed is returned by GetDataSource after the last owner closed the manager.
var ErrClosed = errors.New("datasource manager is closed")

const pingTimeout = 5 * time.Second

// PoolOptions sizes each cached pool
type PoolOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

// PoolOptionsFromConfig reads pool sizing from the process configuration
func PoolOptionsFromConfig(c cfg.ConnectionPoolConfiguration) PoolOptions {
	return PoolOptions{
		MaxOpenConns:    c.PoolSize,
		MaxIdleConns:    c.PoolSize,
		ConnMaxIdleTime: time.Duration(c.MaxIdleTimeSeconds) * time.Second,
		ConnMaxLifetime: time.Duration(c.MaxLifetimeSeconds) * time.Second,
	}
}

// Opener creates a pool for a configuration. Replaced in tests.
type Opener func(c Configuration, opts PoolOptions) (*sql.DB, error)

// Manager lazily creates and caches pools keyed by Configuration.
// Lookups of existing pools are lock free; creation happens at most once
// per configuration even under concurrent first access.
type Manager struct {
	pools  *xsync.MapOf[Configuration, *sql.DB]
	opts   PoolOptions
	opener Opener

	refs   atomic.Int32
	closed atomic.Bool
}

// NewManager creates a manager owned by the caller.
func NewManager(opts PoolOptions) *Manager {
	return NewManagerWithOpener(opts, Open)
}

// NewManagerWithOpener creates a manager with a custom pool opener.
func NewManagerWithOpener(opts PoolOptions, opener Opener) *Manager {
	m := &Manager{
		pools:  xsync.NewMapOf[Configuration, *sql.DB](),
		opts:   opts,
		opener: opener,
	}
	m.refs.Store(1)
	return m
}

// Open creates and verifies a pool for c.
func Open(c Configuration, opts PoolOptions) (*sql.DB, error) {
	driver, err := c.DriverName()
	if err != nil {
		return nil, err
	}
	dsn, err := c.DSN()
	if err != nil {
		return nil, err
	}

	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", c.Name(), err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(opts.ConnMaxIdleTime)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	ctx, cancel := context.WithTimeout(context.Background(), pingTimeout)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to %s: %w", c.Name(), err)
	}

	return db, nil
}

// GetDataSource returns the cached pool for c, creating it on first use.
func (m *Manager) GetDataSource(c Configuration) (*sql.DB, error) {
	if m.closed.Load() {
		return nil, ErrClosed
	}

	if db, ok := m.pools.Load(c); ok {
		return db, nil
	}

	var openErr error
	db, ok := m.pools.Compute(c, func(existing *sql.DB, loaded bool) (*sql.DB, bool) {
		if loaded {
			return existing, false
		}
		created, err := m.opener(c, m.opts)
		if err != nil {
			openErr = err
			return nil, true
		}
		log.Debug().Str("datasource", c.Name()).Msg("Created datasource pool")
		return created, false
	})
	if openErr != nil {
		return nil, openErr
	}
	if !ok {
		return nil, fmt.Errorf("datasource %s unavailable", c.Name())
	}

	if m.closed.Load() {
		m.pools.Delete(c)
		db.Close()
		return nil, ErrClosed
	}

	return db, nil
}

// Size returns the number of cached pools.
func (m *Manager) Size() int {
	return m.pools.Size()
}

// Retain registers another owner. Each owner calls Close exactly once.
func (m *Manager) Retain() *Manager {
	m.refs.Add(1)
	return m
}

// Close releases one owner reference. The last release closes every pool;
// later calls are no-ops.
func (m *Manager) Close() error {
	if m.refs.Add(-1) > 0 {
		return nil
	}
	if !m.closed.CompareAndSwap(false, true) {
		return nil
	}

	var errs []error
	m.pools.Range(func(c Configuration, db *sql.DB) bool {
		// Closing an already closed *sql.DB returns nil
		if err := db.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close %s: %w", c.Name(), err))
		}
		return true
	})
	m.pools.Clear()

	return errors.Join(errs...)
}
