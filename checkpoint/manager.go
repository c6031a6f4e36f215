package checkpoint

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/telemetry"
	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"
)

const (
	// DefaultSchedule persists positions once a minute
	DefaultSchedule = "@every 1m"

	inventorySection   = "inventory"
	incrementalSection = "incremental"

	persistTimeout = 30 * time.Second
)

// TaskPath returns the checkpoint root for one sharding item of a job.
func TaskPath(jobID uint64, shardingItem int) string {
	return fmt.Sprintf("/scaling/%d/position/%d", jobID, shardingItem)
}

// Manager restores and persists the positions of one sharding item.
//
// Inventory positions are keyed "<datasource>.<table>#<split>" and
// incremental positions by datasource name. Both maps are written as JSON
// objects of serialized positions under <taskPath>/inventory and
// <taskPath>/incremental.
type Manager struct {
	repo     Repository
	taskPath string
	schedule string

	mu          sync.RWMutex
	inventory   map[string]*position.Manager
	incremental map[string]*position.Manager
	resumable   bool

	lifecycleMu sync.Mutex
	scheduler   *cron.Cron
	closed      atomic.Bool
}

// NewManager loads any persisted positions under taskPath. Read failures are
// logged and leave the manager non-resumable.
func NewManager(ctx context.Context, repo Repository, taskPath, schedule string) *Manager {
	if repo == nil {
		repo = NoopRepository{}
	}
	if schedule == "" {
		schedule = DefaultSchedule
	}

	m := &Manager{
		repo:        repo,
		taskPath:    taskPath,
		schedule:    schedule,
		inventory:   make(map[string]*position.Manager),
		incremental: make(map[string]*position.Manager),
	}

	if !repo.Available() {
		return m
	}

	inventory, invOK := m.load(ctx, inventorySection)
	incremental, incOK := m.load(ctx, incrementalSection)
	if invOK && incOK && len(inventory) > 0 && len(incremental) > 0 {
		m.inventory = inventory
		m.incremental = incremental
		m.resumable = true
		log.Info().
			Str("task_path", taskPath).
			Int("inventory", len(inventory)).
			Int("incremental", len(incremental)).
			Msg("Restored resumable positions")
	}

	return m
}

func (m *Manager) load(ctx context.Context, section string) (map[string]*position.Manager, bool) {
	key := m.taskPath + "/" + section
	raw, found, err := m.repo.Get(ctx, key)
	if err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Failed to read positions")
		return nil, false
	}
	if !found || raw == "" {
		return nil, false
	}

	positions := make(map[string]*position.Manager)
	if err := json.Unmarshal([]byte(raw), &positions); err != nil {
		log.Warn().Err(err).Str("key", key).Msg("Ignoring unreadable positions")
		return nil, false
	}
	return positions, true
}

// IsResumable reports whether both inventory and incremental positions were
// restored.
func (m *Manager) IsResumable() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.resumable
}

// TaskPath returns the checkpoint root this manager writes under.
func (m *Manager) TaskPath() string {
	return m.taskPath
}

// InventoryPositions returns a copy of the inventory position map.
func (m *Manager) InventoryPositions() map[string]*position.Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyPositions(m.inventory)
}

// IncrementalPositions returns a copy of the incremental position map.
func (m *Manager) IncrementalPositions() map[string]*position.Manager {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return copyPositions(m.incremental)
}

// PutInventory registers the position manager of an inventory split.
func (m *Manager) PutInventory(key string, pm *position.Manager) {
	m.mu.Lock()
	m.inventory[key] = pm
	m.mu.Unlock()
}

// PutIncremental registers the position manager of an incremental task.
func (m *Manager) PutIncremental(key string, pm *position.Manager) {
	m.mu.Lock()
	m.incremental[key] = pm
	m.mu.Unlock()
}

// PersistInventoryPosition writes every inventory position.
func (m *Manager) PersistInventoryPosition(ctx context.Context) error {
	return m.persist(ctx, inventorySection, m.InventoryPositions())
}

// PersistIncrementalPosition writes every incremental position.
func (m *Manager) PersistIncrementalPosition(ctx context.Context) error {
	return m.persist(ctx, incrementalSection, m.IncrementalPositions())
}

func (m *Manager) persist(ctx context.Context, section string, positions map[string]*position.Manager) error {
	if !m.repo.Available() {
		return nil
	}

	data, err := json.Marshal(positions)
	if err != nil {
		telemetry.CheckpointPersistTotal.With(section, "error").Inc()
		return fmt.Errorf("failed to serialize %s positions: %w", section, err)
	}

	if err := m.repo.Persist(ctx, m.taskPath+"/"+section, string(data)); err != nil {
		telemetry.CheckpointPersistTotal.With(section, "error").Inc()
		return err
	}

	telemetry.CheckpointPersistTotal.With(section, "ok").Inc()
	return nil
}

func (m *Manager) persistAll() {
	ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
	defer cancel()

	if err := m.PersistIncrementalPosition(ctx); err != nil {
		log.Warn().Err(err).Str("task_path", m.taskPath).Msg("Failed to persist incremental positions")
	}
	if err := m.PersistInventoryPosition(ctx); err != nil {
		log.Warn().Err(err).Str("task_path", m.taskPath).Msg("Failed to persist inventory positions")
	}
}

// Start schedules periodic persistence on a dedicated scheduler. Runs never
// overlap. Calling Start twice is a no-op.
func (m *Manager) Start() error {
	m.lifecycleMu.Lock()
	defer m.lifecycleMu.Unlock()

	if m.scheduler != nil || m.closed.Load() {
		return nil
	}

	logger := cronLogger{}
	scheduler := cron.New(
		cron.WithLogger(logger),
		cron.WithChain(cron.Recover(logger), cron.SkipIfStillRunning(logger)),
	)
	if _, err := scheduler.AddFunc(m.schedule, m.persistAll); err != nil {
		return fmt.Errorf("invalid persist schedule %q: %w", m.schedule, err)
	}

	scheduler.Start()
	m.scheduler = scheduler
	return nil
}

// Close stops the scheduler and persists one final time.
func (m *Manager) Close() {
	if !m.closed.CompareAndSwap(false, true) {
		return
	}

	m.lifecycleMu.Lock()
	scheduler := m.scheduler
	m.lifecycleMu.Unlock()

	if scheduler != nil {
		<-scheduler.Stop().Done()
	}
	m.persistAll()
}

func copyPositions(src map[string]*position.Manager) map[string]*position.Manager {
	dst := make(map[string]*position.Manager, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

// SortedKeys returns the keys of a position map in order.
func SortedKeys(positions map[string]*position.Manager) []string {
	keys := make([]string, 0, len(positions))
	for k := range positions {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// cronLogger routes scheduler logs into zerolog
type cronLogger struct{}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	log.Debug().Fields(keysAndValues).Msg(msg)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	log.Error().Err(err).Fields(keysAndValues).Msg(msg)
}
