package publisher

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/maxpert/marmot-scaling/checkpoint"
	"github.com/maxpert/marmot-scaling/dumper"
	"github.com/maxpert/marmot-scaling/encoding"
	"github.com/maxpert/marmot-scaling/position"
	"github.com/maxpert/marmot-scaling/record"
	"github.com/maxpert/marmot-scaling/source"
	"github.com/maxpert/marmot-scaling/telemetry"
	"github.com/rs/zerolog/log"
)

const (
	// Default batch size for reading changes per poll cycle
	DefaultBatchSize = 100
	// Default interval between poll cycles when the changelog is idle
	DefaultPollInterval = 100 * time.Millisecond
	// Default initial retry delay for failed publish operations
	DefaultRetryInitial = 100 * time.Millisecond
	// Default maximum retry delay (exponential backoff cap)
	DefaultRetryMax = 30 * time.Second
	// Default exponential backoff multiplier
	DefaultRetryMultiplier = 2.0
	// Maximum number of attempts before giving up on one event
	DefaultMaxRetries = 100
)

// CursorKey is the checkpoint key holding the cursor of relay name.
func CursorKey(name string) string {
	return "relay/" + name
}

// WorkerConfig configures a relay worker
type WorkerConfig struct {
	Name            string                // Relay name, also keys the cursor
	Reader          dumper.ChangeReader   // Change stream to tail
	Sink            Sink                  // Destination sink
	Filter          *dumper.TableFilter   // Nil publishes every table
	Cursors         checkpoint.Repository // Cursor store, nil keeps it in memory
	Topic           string                // Kafka topic or NATS subject
	FromCurrent     bool                  // Start at the stream head when no cursor is stored
	BatchSize       int                   // Changes per poll cycle
	PollInterval    time.Duration         // Wait after an empty read
	RetryInitial    time.Duration         // Initial retry delay
	RetryMax        time.Duration         // Max retry delay
	RetryMultiplier float64               // Backoff multiplier
	MaxRetries      int                   // Attempts per event before the worker fails
	Compress        bool                  // zstd compress payloads
}

// Worker polls a change stream and publishes every change to a sink
type Worker struct {
	config WorkerConfig

	mu     sync.Mutex
	cursor position.IncrementalPosition
	err    error

	cancel      context.CancelFunc
	doneCh      chan struct{}
	running     atomic.Bool
	lifecycleMu sync.Mutex
}

// NewWorker validates config and restores the stored cursor
func NewWorker(ctx context.Context, config WorkerConfig) (*Worker, error) {
	if config.Name == "" {
		return nil, fmt.Errorf("worker name is required")
	}
	if config.Reader == nil {
		return nil, fmt.Errorf("change reader is required")
	}
	if config.Sink == nil {
		return nil, fmt.Errorf("sink is required")
	}
	if config.Topic == "" {
		return nil, fmt.Errorf("topic is required")
	}
	if config.Cursors == nil {
		config.Cursors = checkpoint.NoopRepository{}
	}

	if config.BatchSize <= 0 {
		config.BatchSize = DefaultBatchSize
	}
	if config.PollInterval <= 0 {
		config.PollInterval = DefaultPollInterval
	}
	if config.RetryInitial <= 0 {
		config.RetryInitial = DefaultRetryInitial
	}
	if config.RetryMax <= 0 {
		config.RetryMax = DefaultRetryMax
	}
	if config.RetryMultiplier <= 1 {
		config.RetryMultiplier = DefaultRetryMultiplier
	}
	if config.MaxRetries <= 0 {
		config.MaxRetries = DefaultMaxRetries
	}

	w := &Worker{config: config, doneCh: make(chan struct{})}
	cursor, err := w.loadCursor(ctx)
	if err != nil {
		return nil, err
	}
	w.cursor = cursor
	return w, nil
}

func (w *Worker) loadCursor(ctx context.Context) (position.IncrementalPosition, error) {
	value, ok, err := w.config.Cursors.Get(ctx, CursorKey(w.config.Name))
	if err != nil {
		return position.IncrementalPosition{}, fmt.Errorf("failed to get cursor: %w", err)
	}
	if ok {
		p, err := position.Unmarshal(value)
		if err != nil {
			return position.IncrementalPosition{}, err
		}
		cursor, isIncremental := p.(position.IncrementalPosition)
		if !isIncremental {
			return position.IncrementalPosition{}, fmt.Errorf("relay %s: stored cursor %q is not an incremental position", w.config.Name, value)
		}
		return cursor, nil
	}

	if w.config.FromCurrent {
		cursor, err := w.config.Reader.CurrentPosition(ctx)
		if err != nil {
			return position.IncrementalPosition{}, fmt.Errorf("failed to read stream head: %w", err)
		}
		return cursor, nil
	}
	return position.IncrementalPosition{}, nil
}

// Cursor returns the position of the last published change
func (w *Worker) Cursor() position.IncrementalPosition {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.cursor
}

// Err returns the error that stopped the worker, if any
func (w *Worker) Err() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.err
}

// Done is closed when the poll loop exits
func (w *Worker) Done() <-chan struct{} {
	return w.doneCh
}

// Start starts the worker goroutine. A worker runs at most once.
func (w *Worker) Start() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if !w.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	w.cancel = cancel

	log.Info().
		Str("relay", w.config.Name).
		Str("topic", w.config.Topic).
		Str("cursor", w.Cursor().String()).
		Msg("Starting changelog relay")

	go w.pollLoop(ctx)
}

// Stop cancels the poll loop and waits for it to exit
func (w *Worker) Stop() {
	w.lifecycleMu.Lock()
	defer w.lifecycleMu.Unlock()

	if w.cancel == nil {
		return
	}

	log.Info().Str("relay", w.config.Name).Msg("Stopping changelog relay")
	w.cancel()
	<-w.doneCh
	w.cancel = nil
	log.Info().Str("relay", w.config.Name).Str("cursor", w.Cursor().String()).Msg("Changelog relay stopped")
}

// pollLoop is the main worker loop
func (w *Worker) pollLoop(ctx context.Context) {
	defer close(w.doneCh)

	for ctx.Err() == nil {
		changes, err := w.config.Reader.ReadChanges(ctx, w.Cursor(), w.config.BatchSize)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			log.Error().
				Err(err).
				Str("relay", w.config.Name).
				Str("cursor", w.Cursor().String()).
				Msg("Failed to read changes")
			sleep(ctx, w.config.PollInterval)
			continue
		}

		if len(changes) == 0 {
			sleep(ctx, w.config.PollInterval)
			continue
		}

		published, err := w.publishBatch(ctx, changes)
		if published > 0 {
			w.persistCursor()
		}
		if err != nil {
			if ctx.Err() == nil {
				log.Error().Err(err).Str("relay", w.config.Name).Msg("Relay failed")
				w.mu.Lock()
				w.err = err
				w.mu.Unlock()
			}
			return
		}
	}
}

// publishBatch publishes changes in order and advances the cursor after each
// one. It returns how many changes moved the cursor.
func (w *Worker) publishBatch(ctx context.Context, changes []record.Record) (int, error) {
	advanced := 0
	for _, rec := range changes {
		pos, ok := rec.Position.(position.IncrementalPosition)
		if !ok {
			return advanced, fmt.Errorf("change on %s has no incremental position", rec.Table)
		}

		if !rec.IsPlaceholder() && w.config.Filter.Match(rec.Table) {
			if err := w.publish(ctx, rec); err != nil {
				return advanced, fmt.Errorf("change %s: %w", pos, err)
			}
			telemetry.RelayPublishedTotal.With(w.config.Name).Inc()
		}

		w.mu.Lock()
		w.cursor = pos
		w.mu.Unlock()
		advanced++
	}
	return advanced, nil
}

func (w *Worker) publish(ctx context.Context, rec record.Record) error {
	ev, err := source.NewChangeEvent(rec)
	if err != nil {
		return err
	}
	data, err := source.EncodeChangeEvent(ev)
	if err != nil {
		return fmt.Errorf("failed to encode change event: %w", err)
	}
	if w.config.Compress {
		if data, err = encoding.Compress(data); err != nil {
			return err
		}
	}
	// One key per table keeps a table's changes ordered on one partition.
	return w.publishWithRetry(ctx, rec.Table, data)
}

// publishWithRetry publishes data with exponential backoff retry
func (w *Worker) publishWithRetry(ctx context.Context, key string, data []byte) error {
	delay := w.config.RetryInitial
	attempts := 0

	for {
		err := w.config.Sink.Publish(ctx, w.config.Topic, key, data)
		if err == nil {
			return nil
		}

		attempts++
		if attempts >= w.config.MaxRetries {
			return fmt.Errorf("exhausted max retries (%d) for topic %s: %w", w.config.MaxRetries, w.config.Topic, err)
		}

		telemetry.RelayPublishRetriesTotal.Inc()
		log.Warn().
			Err(err).
			Str("relay", w.config.Name).
			Str("topic", w.config.Topic).
			Int("attempt", attempts).
			Dur("retry_delay", delay).
			Msg("Failed to publish change, retrying")

		if !sleep(ctx, delay) {
			return errors.Join(ctx.Err(), err)
		}

		delay = time.Duration(float64(delay) * w.config.RetryMultiplier)
		if delay > w.config.RetryMax {
			delay = w.config.RetryMax
		}
	}
}

// persistCursor stores the cursor. A failed write only risks redelivery.
func (w *Worker) persistCursor() {
	cursor := w.Cursor()
	value, err := position.Marshal(cursor)
	if err == nil {
		err = w.config.Cursors.Persist(context.Background(), CursorKey(w.config.Name), value)
	}
	if err != nil {
		log.Warn().
			Err(err).
			Str("relay", w.config.Name).
			Str("cursor", cursor.String()).
			Msg("Failed to persist cursor, changes may be redelivered")
	}
}

// sleep waits for d and reports false if ctx ended first
func sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}
