package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/maxpert/marmot-scaling/cfg"
	"github.com/maxpert/marmot-scaling/checkpoint"
	"github.com/maxpert/marmot-scaling/datasource"
	"github.com/maxpert/marmot-scaling/engine"
	"github.com/maxpert/marmot-scaling/id"
	"github.com/maxpert/marmot-scaling/task"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrJobNotFound is returned for ids the controller never registered.
	ErrJobNotFound = errors.New("scaling job not found")

	// ErrJobRunning is returned when starting a job id that is still running.
	ErrJobRunning = errors.New("scaling job is already running")

	// ErrControllerClosed is returned by Start after Close.
	ErrControllerClosed = errors.New("job controller is closed")
)

// Options carries the shared collaborators of every job.
type Options struct {
	Engine      *engine.Engine
	DataSources *datasource.Manager
	Repository  checkpoint.Repository
	IDs         id.Generator
	Scaling     cfg.ScalingConfiguration
	// Schedule is the cron schedule for periodic checkpoint persistence.
	Schedule string
}

// Controller registers jobs and runs their tasks on the shared engine.
type Controller struct {
	opts     Options
	preparer *preparer

	ctx    context.Context
	cancel context.CancelFunc
	jobs   *xsync.MapOf[uint64, *Job]
	wg     sync.WaitGroup
	closed atomic.Bool

	// reserved counts engine workers held by running jobs. Incremental
	// importers never return their workers until stopped.
	workersMu sync.Mutex
	reserved  int
}

// NewController creates a controller. The datasource manager stays owned by
// the caller; every task retains it while running.
func NewController(opts Options) (*Controller, error) {
	if opts.Engine == nil {
		return nil, fmt.Errorf("execute engine is required")
	}
	if opts.DataSources == nil {
		return nil, fmt.Errorf("datasource manager is required")
	}
	if opts.IDs == nil {
		return nil, fmt.Errorf("id generator is required")
	}
	if opts.Repository == nil {
		opts.Repository = checkpoint.NoopRepository{}
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Controller{
		opts:     opts,
		preparer: &preparer{dataSources: opts.DataSources, scaling: opts.Scaling},
		ctx:      ctx,
		cancel:   cancel,
		jobs:     xsync.NewMapOf[uint64, *Job](),
	}, nil
}

// Start prepares the job and runs its tasks in the background: every
// inventory task first, then one incremental task per source. A job that
// fails preparation stays registered with status PREPARING_FAILURE and is
// returned together with the error.
func (c *Controller) Start(ctx context.Context, conf Configuration) (*Job, error) {
	if c.closed.Load() {
		return nil, ErrControllerClosed
	}
	if err := conf.Validate(); err != nil {
		return nil, err
	}

	c.wg.Add(1)
	started := false
	defer func() {
		if !started {
			c.wg.Done()
		}
	}()

	jobID := conf.JobID
	if jobID == 0 {
		jobID = c.opts.IDs.NextID()
	}
	conf.JobID = jobID

	j := newJob(jobID, conf)
	var running bool
	c.jobs.Compute(jobID, func(old *Job, loaded bool) (*Job, bool) {
		if loaded && !isDone(old) {
			running = true
			return old, false
		}
		return j, false
	})
	if running {
		return nil, fmt.Errorf("%w: %d", ErrJobRunning, jobID)
	}

	logger := log.With().Uint64("job_id", jobID).Str("job_name", conf.JobName).Logger()
	logger.Info().Int("sources", len(conf.Sources)).Msg("Starting scaling job")
	j.setStatus(StatusPreparing, nil)

	workers := conf.concurrency(c.opts.Scaling) * len(conf.Sources)
	if err := c.reserveWorkers(workers); err != nil {
		logger.Error().Err(err).Msg("Failed to prepare scaling job")
		j.setStatus(StatusPreparingFailure, err)
		close(j.done)
		return j, err
	}

	checkpoints := checkpoint.NewManager(ctx, c.opts.Repository,
		checkpoint.TaskPath(jobID, conf.ShardingItem), c.opts.Schedule)

	inventory, incremental, err := c.createTasks(ctx, conf, checkpoints)
	if err != nil {
		logger.Error().Err(err).Msg("Failed to prepare scaling job")
		c.releaseWorkers(workers)
		j.setStatus(StatusPreparingFailure, err)
		close(j.done)
		return j, err
	}

	persistCtx := context.WithoutCancel(ctx)
	if err := checkpoints.PersistIncrementalPosition(persistCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist incremental positions")
	}
	if err := checkpoints.PersistInventoryPosition(persistCtx); err != nil {
		logger.Warn().Err(err).Msg("Failed to persist inventory positions")
	}

	j.setTasks(inventory, incremental)
	j.setStatus(StatusRunning, nil)
	if j.stopped.Load() {
		j.stopTasks()
	}

	started = true
	go c.execute(j, checkpoints, workers)
	return j, nil
}

// reserveWorkers claims n engine workers for a job until releaseWorkers.
func (c *Controller) reserveWorkers(n int) error {
	c.workersMu.Lock()
	defer c.workersMu.Unlock()

	total := c.opts.Engine.Stats().Workers
	if free := total - c.reserved; n > free {
		return fmt.Errorf("incremental tasks need %d engine workers, %d of %d are free", n, free, total)
	}
	c.reserved += n
	return nil
}

func (c *Controller) releaseWorkers(n int) {
	c.workersMu.Lock()
	defer c.workersMu.Unlock()
	c.reserved -= n
}

// ReservedWorkers returns the engine workers held by running jobs.
func (c *Controller) ReservedWorkers() int {
	c.workersMu.Lock()
	defer c.workersMu.Unlock()
	return c.reserved
}

func (c *Controller) createTasks(ctx context.Context, conf Configuration, checkpoints *checkpoint.Manager) ([]task.Task, []task.Task, error) {
	invTasks, incTasks, err := c.preparer.prepare(ctx, conf, checkpoints)
	if err != nil {
		return nil, nil, err
	}

	var inventory, incremental []task.Task
	release := func() {
		for _, t := range inventory {
			t.Stop()
		}
		for _, t := range incremental {
			t.Stop()
		}
	}

	for _, pt := range invTasks {
		t, err := task.NewInventoryTask(pt.key, pt.config, task.Options{
			Engine:      c.opts.Engine,
			DataSources: c.opts.DataSources,
			Persister:   checkpoints.PersistInventoryPosition,
		})
		if err != nil {
			release()
			return nil, nil, err
		}
		inventory = append(inventory, t)
	}
	for _, pt := range incTasks {
		t, err := task.NewIncrementalTask(pt.key, pt.config, task.Options{
			Engine:      c.opts.Engine,
			DataSources: c.opts.DataSources,
			Persister:   checkpoints.PersistIncrementalPosition,
		})
		if err != nil {
			release()
			return nil, nil, err
		}
		incremental = append(incremental, t)
	}
	return inventory, incremental, nil
}

func (c *Controller) execute(j *Job, checkpoints *checkpoint.Manager, workers int) {
	defer c.wg.Done()
	defer close(j.done)
	defer checkpoints.Close()
	defer c.releaseWorkers(workers)

	if err := checkpoints.Start(); err != nil {
		log.Warn().Err(err).Uint64("job_id", j.ID).Msg("Periodic checkpoint persistence disabled")
	}

	// Inventory tasks share the job's reservation.
	inventory, incremental := j.tasks()
	parallel := workers / j.config.concurrency(c.opts.Scaling)
	if parallel < 1 {
		parallel = 1
	}

	j.setStatus(StatusExecuteInventoryTask, nil)
	if err := c.runTasks(j, inventory, parallel); err != nil {
		j.stopTasks()
		j.setStatus(StatusExecuteInventoryTaskFailure, err)
		return
	}
	if j.stopped.Load() {
		j.setStatus(StatusStopped, nil)
		return
	}

	j.setStatus(StatusExecuteIncrementalTask, nil)
	if err := c.runTasks(j, incremental, len(incremental)); err != nil {
		j.stopTasks()
		j.setStatus(StatusExecuteIncrementalTaskFailure, err)
		return
	}
	j.setStatus(StatusStopped, nil)
}

// runTasks runs tasks with at most limit in flight. The first failure stops
// every task of the job so the remaining ones unwind.
func (c *Controller) runTasks(j *Job, tasks []task.Task, limit int) error {
	if len(tasks) == 0 {
		return nil
	}

	var g errgroup.Group
	g.SetLimit(limit)
	for _, t := range tasks {
		t := t
		g.Go(func() error {
			if err := t.Start(c.ctx); err != nil {
				log.Error().Err(err).Uint64("job_id", j.ID).Str("task", t.TaskID()).Msg("Task failed, stopping job")
				j.stopTasks()
				return err
			}
			return nil
		})
	}
	return g.Wait()
}

// Stop stops every task of the job and waits for them to exit.
func (c *Controller) Stop(jobID uint64) error {
	j, ok := c.jobs.Load(jobID)
	if !ok {
		return fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}

	log.Info().Uint64("job_id", jobID).Msg("Stopping scaling job")
	j.stop()
	<-j.done
	return nil
}

// Get returns a registered job.
func (c *Controller) Get(jobID uint64) (*Job, error) {
	j, ok := c.jobs.Load(jobID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrJobNotFound, jobID)
	}
	return j, nil
}

// Progress returns the detailed view of a job.
func (c *Controller) Progress(jobID uint64) (Progress, error) {
	j, err := c.Get(jobID)
	if err != nil {
		return Progress{}, err
	}
	return j.Progress(), nil
}

// List returns every registered job ordered by id.
func (c *Controller) List() []Summary {
	list := make([]Summary, 0, c.jobs.Size())
	c.jobs.Range(func(_ uint64, j *Job) bool {
		list = append(list, j.Summary())
		return true
	})
	sort.Slice(list, func(a, b int) bool { return list[a].ID < list[b].ID })
	return list
}

// JobStatusCounts reports registered jobs per status for the metrics collector.
func (c *Controller) JobStatusCounts() map[string]int {
	counts := make(map[string]int)
	c.jobs.Range(func(_ uint64, j *Job) bool {
		counts[string(j.Status())]++
		return true
	})
	return counts
}

// Close stops every job and waits for their tasks. Later Starts fail.
func (c *Controller) Close() {
	if !c.closed.CompareAndSwap(false, true) {
		return
	}

	c.jobs.Range(func(_ uint64, j *Job) bool {
		j.stop()
		return true
	})
	c.wg.Wait()
	c.cancel()
	log.Info().Msg("Job controller closed")
}

func isDone(j *Job) bool {
	select {
	case <-j.done:
		return true
	default:
		return false
	}
}
