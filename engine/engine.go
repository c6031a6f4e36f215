// Package engine runs pipeline workers on a fixed pool of goroutines.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jizhuozhi/go-future"
	"github.com/maxpert/marmot-scaling/telemetry"
	"github.com/rs/zerolog/log"
)

// ErrStopped is returned for work submitted to, or still queued in, a stopped engine.
var ErrStopped = errors.New("execute engine is stopped")

// Runnable is a unit of work. The context is cancelled when the engine shuts down.
type Runnable func(ctx context.Context) error

// Callback observes the outcome of submitted work.
type Callback interface {
	OnSuccess()
	OnFailure(err error)
}

// CallbackFuncs adapts two functions to Callback. Nil fields are skipped.
type CallbackFuncs struct {
	Success func()
	Failure func(err error)
}

func (c CallbackFuncs) OnSuccess() {
	if c.Success != nil {
		c.Success()
	}
}

func (c CallbackFuncs) OnFailure(err error) {
	if c.Failure != nil {
		c.Failure(err)
	}
}

type work struct {
	fn   Runnable
	done func(error)
}

// Stats is a snapshot of engine counters.
type Stats struct {
	Workers   int
	Queued    int
	Active    int32
	Completed uint64
	Failed    uint64
}

// Engine is a fixed-size worker pool over an unbounded FIFO queue.
// Submissions never block; work waits in the queue until a worker frees up.
type Engine struct {
	maxWorkers int

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*work
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	active    atomic.Int32
	completed atomic.Uint64
	failed    atomic.Uint64
}

// New starts an engine with maxWorkers goroutines.
func New(maxWorkers int) *Engine {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}

	ctx, cancel := context.WithCancel(context.Background())
	e := &Engine{
		maxWorkers: maxWorkers,
		ctx:        ctx,
		cancel:     cancel,
	}
	e.cond = sync.NewCond(&e.mu)

	for i := 0; i < maxWorkers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}

	log.Info().Int("max_workers", maxWorkers).Msg("Execute engine started")
	return e
}

func (e *Engine) worker(id int) {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		for len(e.queue) == 0 && !e.stopped {
			e.cond.Wait()
		}
		if e.stopped {
			e.mu.Unlock()
			return
		}
		w := e.queue[0]
		e.queue[0] = nil
		e.queue = e.queue[1:]
		e.mu.Unlock()

		telemetry.EngineQueuedTasks.Dec()
		w.done(e.execute(id, w.fn))
	}
}

func (e *Engine) execute(workerID int, fn Runnable) (err error) {
	e.active.Add(1)
	defer e.active.Add(-1)

	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("task panicked: %v", r)
			log.Error().Int("worker_id", workerID).Interface("panic", r).Msg("Task panic recovered")
		}

		if err != nil {
			e.failed.Add(1)
			log.Debug().Err(err).Int("worker_id", workerID).Dur("duration", time.Since(start)).Msg("Task failed")
		} else {
			e.completed.Add(1)
		}
	}()

	return fn(e.ctx)
}

func (e *Engine) enqueue(fn Runnable, done func(error)) {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		done(ErrStopped)
		return
	}
	e.queue = append(e.queue, &work{fn: fn, done: done})
	e.cond.Signal()
	e.mu.Unlock()

	telemetry.EngineQueuedTasks.Inc()
}

// Submit queues fn and returns a future resolved with its error.
func (e *Engine) Submit(fn Runnable) *future.Future[struct{}] {
	return e.SubmitWithCallback(fn, nil)
}

// SubmitWithCallback queues fn; cb (optional) is notified before the future resolves.
func (e *Engine) SubmitWithCallback(fn Runnable, cb Callback) *future.Future[struct{}] {
	p := future.NewPromise[struct{}]()
	e.enqueue(fn, func(err error) {
		if cb != nil {
			if err != nil {
				cb.OnFailure(err)
			} else {
				cb.OnSuccess()
			}
		}
		p.Set(struct{}{}, err)
	})
	return p.Future()
}

// SubmitAll queues every fn as one group. cb fires exactly once: OnFailure
// as soon as the first member fails, or OnSuccess once all succeeded. The
// returned future resolves after every member finished and carries the
// first failure.
func (e *Engine) SubmitAll(fns []Runnable, cb Callback) *future.Future[struct{}] {
	if cb == nil {
		cb = CallbackFuncs{}
	}

	p := future.NewPromise[struct{}]()
	if len(fns) == 0 {
		cb.OnSuccess()
		p.Set(struct{}{}, nil)
		return p.Future()
	}

	var (
		remaining atomic.Int32
		errMu     sync.Mutex
		firstErr  error
	)
	remaining.Store(int32(len(fns)))

	for _, fn := range fns {
		e.enqueue(fn, func(err error) {
			if err != nil {
				errMu.Lock()
				first := firstErr == nil
				if first {
					firstErr = err
				}
				errMu.Unlock()
				if first {
					cb.OnFailure(err)
				}
			}

			if remaining.Add(-1) == 0 {
				errMu.Lock()
				result := firstErr
				errMu.Unlock()
				if result == nil {
					cb.OnSuccess()
				}
				p.Set(struct{}{}, result)
			}
		})
	}

	return p.Future()
}

// Stats returns a snapshot of the engine counters.
func (e *Engine) Stats() Stats {
	e.mu.Lock()
	queued := len(e.queue)
	e.mu.Unlock()

	return Stats{
		Workers:   e.maxWorkers,
		Queued:    queued,
		Active:    e.active.Load(),
		Completed: e.completed.Load(),
		Failed:    e.failed.Load(),
	}
}

// Shutdown stops accepting work, fails queued work with ErrStopped, cancels
// the context handed to running work and waits for workers to exit.
func (e *Engine) Shutdown() {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return
	}
	e.stopped = true
	pending := e.queue
	e.queue = nil
	e.cond.Broadcast()
	e.mu.Unlock()

	e.cancel()
	for _, w := range pending {
		telemetry.EngineQueuedTasks.Dec()
		w.done(ErrStopped)
	}
	e.wg.Wait()

	log.Info().Msg("Execute engine stopped")
}
