// Package job turns a scaling job definition into inventory and incremental
// tasks and drives them through their lifecycle.
package job

import (
	"sync"
	"sync/atomic"

	"github.com/maxpert/marmot-scaling/task"
	"github.com/rs/zerolog/log"
)

// Status is the lifecycle state of a job.
type Status string

const (
	StatusRunning                       Status = "RUNNING"
	StatusPreparing                     Status = "PREPARING"
	StatusPreparingFailure              Status = "PREPARING_FAILURE"
	StatusExecuteInventoryTask          Status = "EXECUTE_INVENTORY_TASK"
	StatusExecuteIncrementalTask        Status = "EXECUTE_INCREMENTAL_TASK"
	StatusExecuteInventoryTaskFailure   Status = "EXECUTE_INVENTORY_TASK_FAILURE"
	StatusExecuteIncrementalTaskFailure Status = "EXECUTE_INCREMENTAL_TASK_FAILURE"
	StatusStopped                       Status = "STOPPED"
)

// Failed reports whether s is one of the failure statuses.
func (s Status) Failed() bool {
	switch s {
	case StatusPreparingFailure, StatusExecuteInventoryTaskFailure, StatusExecuteIncrementalTaskFailure:
		return true
	}
	return false
}

// Summary is the list view of a job.
type Summary struct {
	ID      uint64 `json:"jobId"`
	JobName string `json:"jobName"`
	Status  Status `json:"status"`
}

// Progress is the detailed view of a job and its tasks.
type Progress struct {
	ID                   uint64          `json:"id"`
	JobName              string          `json:"jobName"`
	Status               Status          `json:"status"`
	Error                string          `json:"error,omitempty"`
	InventoryDataTasks   []task.Progress `json:"inventoryDataTasks"`
	IncrementalDataTasks []task.Progress `json:"incrementalDataTasks"`
}

// Job is one running instance of a Configuration.
type Job struct {
	ID     uint64
	config Configuration

	mu               sync.RWMutex
	status           Status
	err              error
	inventoryTasks   []task.Task
	incrementalTasks []task.Task

	stopped atomic.Bool
	done    chan struct{}
}

func newJob(id uint64, config Configuration) *Job {
	return &Job{
		ID:     id,
		config: config,
		status: StatusRunning,
		done:   make(chan struct{}),
	}
}

// Name returns the configured job name.
func (j *Job) Name() string {
	return j.config.JobName
}

// Configuration returns the definition the job was started with.
func (j *Job) Configuration() Configuration {
	return j.config
}

// Status returns the current status.
func (j *Job) Status() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.status
}

// Err returns the error behind a failure status.
func (j *Job) Err() error {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.err
}

// Done is closed once the job stops running tasks.
func (j *Job) Done() <-chan struct{} {
	return j.done
}

func (j *Job) setStatus(s Status, err error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.status == s {
		return
	}
	j.status = s
	if err != nil {
		j.err = err
	}
	log.Info().Uint64("job_id", j.ID).Str("status", string(s)).Msg("Job status changed")
}

func (j *Job) setTasks(inventory, incremental []task.Task) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.inventoryTasks = inventory
	j.incrementalTasks = incremental
}

func (j *Job) tasks() ([]task.Task, []task.Task) {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.inventoryTasks, j.incrementalTasks
}

// Progress snapshots the job and every task.
func (j *Job) Progress() Progress {
	inventory, incremental := j.tasks()

	p := Progress{
		ID:                   j.ID,
		JobName:              j.config.JobName,
		Status:               j.Status(),
		InventoryDataTasks:   make([]task.Progress, 0, len(inventory)),
		IncrementalDataTasks: make([]task.Progress, 0, len(incremental)),
	}
	if err := j.Err(); err != nil {
		p.Error = err.Error()
	}
	for _, t := range inventory {
		p.InventoryDataTasks = append(p.InventoryDataTasks, t.Progress())
	}
	for _, t := range incremental {
		p.IncrementalDataTasks = append(p.IncrementalDataTasks, t.Progress())
	}
	return p
}

// Summary returns the list view of the job.
func (j *Job) Summary() Summary {
	return Summary{ID: j.ID, JobName: j.config.JobName, Status: j.Status()}
}

// stop marks the job stopped and stops every task.
func (j *Job) stop() {
	if !j.stopped.CompareAndSwap(false, true) {
		return
	}
	j.stopTasks()
}

// stopTasks stops every task. Tasks not yet started are released without
// running.
func (j *Job) stopTasks() {
	inventory, incremental := j.tasks()
	all := make([]task.Task, 0, len(inventory)+len(incremental))
	all = append(all, inventory...)
	all = append(all, incremental...)

	var wg sync.WaitGroup
	for _, t := range all {
		t := t
		wg.Add(1)
		go func() {
			defer wg.Done()
			t.Stop()
		}()
	}
	wg.Wait()
}
