package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingCallback struct {
	mu        sync.Mutex
	successes int
	failures  []error
}

func (r *recordingCallback) OnSuccess() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.successes++
}

func (r *recordingCallback) OnFailure(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.failures = append(r.failures, err)
}

func (r *recordingCallback) snapshot() (int, []error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.successes, append([]error(nil), r.failures...)
}

func TestSubmitResolvesFuture(t *testing.T) {
	e := New(2)
	defer e.Shutdown()

	var ran atomic.Bool
	_, err := e.Submit(func(ctx context.Context) error {
		ran.Store(true)
		return nil
	}).Get()

	require.NoError(t, err)
	assert.True(t, ran.Load())
}

func TestSubmitWithCallback(t *testing.T) {
	e := New(1)
	defer e.Shutdown()

	boom := errors.New("boom")
	cb := &recordingCallback{}

	_, err := e.SubmitWithCallback(func(ctx context.Context) error { return boom }, cb).Get()
	assert.ErrorIs(t, err, boom)

	_, err = e.SubmitWithCallback(func(ctx context.Context) error { return nil }, cb).Get()
	assert.NoError(t, err)

	successes, failures := cb.snapshot()
	assert.Equal(t, 1, successes)
	require.Len(t, failures, 1)
	assert.ErrorIs(t, failures[0], boom)
}

func TestPanicIsRecovered(t *testing.T) {
	e := New(1)
	defer e.Shutdown()

	_, err := e.Submit(func(ctx context.Context) error { panic("kaboom") }).Get()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "kaboom")

	// The worker survives the panic
	_, err = e.Submit(func(ctx context.Context) error { return nil }).Get()
	assert.NoError(t, err)
	assert.Equal(t, uint64(1), e.Stats().Failed)
}

func TestSubmitAllSuccess(t *testing.T) {
	e := New(4)
	defer e.Shutdown()

	var count atomic.Int32
	fns := make([]Runnable, 10)
	for i := range fns {
		fns[i] = func(ctx context.Context) error {
			count.Add(1)
			return nil
		}
	}

	cb := &recordingCallback{}
	_, err := e.SubmitAll(fns, cb).Get()
	require.NoError(t, err)

	successes, failures := cb.snapshot()
	assert.Equal(t, int32(10), count.Load())
	assert.Equal(t, 1, successes)
	assert.Empty(t, failures)
}

func TestSubmitAllFailsFastButJoinsAll(t *testing.T) {
	e := New(3)
	defer e.Shutdown()

	boom := errors.New("importer failed")
	release := make(chan struct{})
	failureSeen := make(chan struct{})

	var finished atomic.Int32
	blocker := func(ctx context.Context) error {
		<-release
		finished.Add(1)
		return nil
	}
	failing := func(ctx context.Context) error {
		finished.Add(1)
		return boom
	}

	cb := CallbackFuncs{
		Failure: func(err error) {
			assert.ErrorIs(t, err, boom)
			close(failureSeen)
		},
		Success: func() { t.Error("success must not fire after a failure") },
	}

	fut := e.SubmitAll([]Runnable{blocker, failing, blocker}, cb)

	select {
	case <-failureSeen:
	case <-time.After(2 * time.Second):
		t.Fatal("failure callback did not fire while siblings were still running")
	}
	assert.Equal(t, int32(1), finished.Load())

	close(release)
	_, err := fut.Get()
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, int32(3), finished.Load())
}

func TestSubmitAllEmpty(t *testing.T) {
	e := New(1)
	defer e.Shutdown()

	cb := &recordingCallback{}
	_, err := e.SubmitAll(nil, cb).Get()
	assert.NoError(t, err)

	successes, _ := cb.snapshot()
	assert.Equal(t, 1, successes)
}

func TestBoundedConcurrency(t *testing.T) {
	e := New(2)
	defer e.Shutdown()

	var running, peak atomic.Int32
	fns := make([]Runnable, 8)
	for i := range fns {
		fns[i] = func(ctx context.Context) error {
			n := running.Add(1)
			for {
				p := peak.Load()
				if n <= p || peak.CompareAndSwap(p, n) {
					break
				}
			}
			time.Sleep(5 * time.Millisecond)
			running.Add(-1)
			return nil
		}
	}

	_, err := e.SubmitAll(fns, nil).Get()
	require.NoError(t, err)
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestShutdownCancelsAndRejects(t *testing.T) {
	e := New(1)

	started := make(chan struct{})
	running := e.Submit(func(ctx context.Context) error {
		close(started)
		<-ctx.Done()
		return ctx.Err()
	})
	queued := e.Submit(func(ctx context.Context) error { return nil })

	<-started
	e.Shutdown()

	_, err := running.Get()
	assert.ErrorIs(t, err, context.Canceled)

	_, err = queued.Get()
	assert.ErrorIs(t, err, ErrStopped)

	_, err = e.Submit(func(ctx context.Context) error { return nil }).Get()
	assert.ErrorIs(t, err, ErrStopped)

	// Second shutdown is a no-op
	e.Shutdown()
}
