package task

import (
	"context"
	"fmt"
	"sync"

	"github.com/maxpert/marmot-scaling/channel"
	"github.com/maxpert/marmot-scaling/dumper"
	"github.com/maxpert/marmot-scaling/engine"
	"github.com/maxpert/marmot-scaling/importer"
	"github.com/maxpert/marmot-scaling/sink"
	"github.com/maxpert/marmot-scaling/telemetry"
	"github.com/rs/zerolog/log"
)

// runner holds the lifecycle shared by inventory and incremental tasks.
type runner struct {
	id     string
	config SyncConfiguration
	opts   Options

	mu            sync.Mutex
	phase         Phase
	err           error
	started       bool
	stopRequested bool
	dumper        dumper.Dumper
	done          chan struct{}

	releaseOnce sync.Once
}

func newRunner(id string, config SyncConfiguration, opts Options) (*runner, error) {
	if id == "" {
		return nil, fmt.Errorf("task id is required")
	}
	if opts.Engine == nil {
		return nil, fmt.Errorf("execute engine is required")
	}
	if config.Dumper.Positions == nil {
		return nil, fmt.Errorf("task %s: position manager is required", id)
	}
	if opts.DataSources != nil {
		opts.DataSources.Retain()
	}

	return &runner{
		id:     id,
		config: config.withDefaults(),
		opts:   opts,
		phase:  PhaseCreated,
		done:   make(chan struct{}),
	}, nil
}

func (r *runner) TaskID() string {
	return r.id
}

func (r *runner) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

func (r *runner) lastError() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.err
}

func (r *runner) setPhaseLocked(p Phase) {
	if r.phase == p {
		return
	}
	r.phase = p
	telemetry.TaskPhaseTransitionsTotal.With(string(p)).Inc()
	log.Debug().Str("task", r.id).Str("phase", string(p)).Msg("Task phase changed")
}

// begin moves CREATED to RUNNING. It returns false when Stop already ran.
func (r *runner) begin() (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return false, ErrAlreadyStarted
	}
	r.started = true
	if r.stopRequested {
		r.setPhaseLocked(PhaseStopped)
		return false, nil
	}
	r.setPhaseLocked(PhaseRunning)
	return true, nil
}

func (r *runner) release() {
	r.releaseOnce.Do(func() {
		if r.opts.DataSources != nil {
			if err := r.opts.DataSources.Close(); err != nil {
				log.Warn().Err(err).Str("task", r.id).Msg("Failed to release datasources")
			}
		}
	})
}

func (r *runner) fail(cause error) error {
	err := &Error{TaskID: r.id, Cause: cause}

	r.mu.Lock()
	r.err = err
	r.setPhaseLocked(PhaseFailed)
	r.mu.Unlock()

	log.Error().Err(cause).Str("task", r.id).Msg("Scaling task failed")
	return err
}

func (r *runner) writer() (importer.Writer, error) {
	if r.opts.Writer != nil {
		return r.opts.Writer, nil
	}
	if r.opts.DataSources == nil {
		return nil, fmt.Errorf("no writer and no datasource manager")
	}
	db, err := r.opts.DataSources.GetDataSource(r.config.Importer.DataSource)
	if err != nil {
		return nil, fmt.Errorf("target %s: %w", r.config.Importer.DataSource.Name(), err)
	}
	return sink.NewSQLWriter(db, r.config.Importer.DataSource), nil
}

// run executes one pass of dumper -> channel -> importers. newDumper is
// called with the channel the dumper must push into.
func (r *runner) run(ctx context.Context, writer importer.Writer, onAck channel.AckCallback,
	newDumper func(ch *channel.DistributionChannel) (dumper.Dumper, error)) error {

	ch := channel.New(r.config.Concurrency, r.config.BlockQueueSize, onAck)
	d, err := newDumper(ch)
	if err != nil {
		return r.fail(err)
	}

	importers := make([]*importer.Importer, 0, r.config.Concurrency)
	runnables := make([]engine.Runnable, 0, r.config.Concurrency)
	for i := 0; i < r.config.Concurrency; i++ {
		im, err := importer.New(importer.Config{
			TaskID:       r.id,
			Index:        i,
			BatchSize:    r.config.Importer.BatchSize,
			FetchTimeout: r.config.Importer.FetchTimeout,
		}, ch, writer)
		if err != nil {
			return r.fail(err)
		}
		importers = append(importers, im)
		runnables = append(runnables, im.Start)
	}

	r.mu.Lock()
	r.dumper = d
	stopRequested := r.stopRequested
	r.mu.Unlock()
	if stopRequested {
		d.Stop()
	}

	fut := r.opts.Engine.SubmitAll(runnables, engine.CallbackFuncs{
		Failure: func(err error) {
			log.Warn().Err(err).Str("task", r.id).Msg("Importer failed, stopping dumper")
			d.Stop()
		},
	})

	dumpErr := d.Start(ctx)
	if dumpErr != nil {
		for _, im := range importers {
			im.Stop()
		}
	}
	_, importErr := fut.Get()

	if r.opts.Persister != nil {
		if err := r.opts.Persister(context.WithoutCancel(ctx)); err != nil {
			log.Warn().Err(err).Str("task", r.id).Msg("Failed to persist final position")
		}
	}

	switch {
	case importErr != nil:
		return r.fail(importErr)
	case dumpErr != nil:
		return r.fail(dumpErr)
	}

	r.mu.Lock()
	r.setPhaseLocked(PhaseStopped)
	r.mu.Unlock()
	return nil
}

// Stop stops the dumper, lets the importers drain, and waits for Start to
// return. Safe to call more than once and before Start.
func (r *runner) Stop() {
	r.mu.Lock()
	first := !r.stopRequested
	r.stopRequested = true
	d := r.dumper
	started := r.started
	if !started {
		r.setPhaseLocked(PhaseStopped)
	}
	r.mu.Unlock()

	if !started {
		r.release()
		return
	}
	if first && d != nil {
		d.Stop()
	}
	<-r.done
}
