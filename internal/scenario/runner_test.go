package scenario

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/pipeline-harness/internal/model"
)

// blockingRunner parks until released so tests can observe slot contention.
type blockingRunner struct {
	entered chan struct{}
	release chan struct{}
	result  Result
	err     error
}

func (r *blockingRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	return r.result, r.err
}

type workerHooks struct {
	complete chan Result
	ready    chan struct{}
	errs     chan error
}

func newWorker(t *testing.T, runner Runner, slots *Slots) (*Worker, workerHooks) {
	t.Helper()
	h := workerHooks{
		complete: make(chan Result, 1),
		ready:    make(chan struct{}, 1),
		errs:     make(chan error, 1),
	}
	w := NewWorker(WorkerConfig{
		TestID:     model.NewTestID(),
		Runner:     runner,
		Slots:      slots,
		Timeout:    5 * time.Second,
		OnComplete: func(r Result) { h.complete <- r },
		OnReady:    func() { h.ready <- struct{}{} },
		OnError:    func(err error) { h.errs <- err },
	})
	t.Cleanup(w.Stop)
	return w, h
}

func TestWorkerInitializeAcksOnce(t *testing.T) {
	w, h := newWorker(t, &blockingRunner{}, NewSlots(1))

	w.Initialize()
	w.Initialize()

	<-h.ready
	select {
	case <-h.ready:
		t.Fatal("duplicate ready ack")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorkerReportsResult(t *testing.T) {
	runner := &blockingRunner{result: Result{Passed: true}}
	runner.result.Scenarios.Passed = 2
	w, h := newWorker(t, runner, NewSlots(1))

	w.StartTest(Spec{})
	w.StartTest(Spec{}) // ignored

	select {
	case res := <-h.complete:
		assert.True(t, res.Passed)
		assert.Equal(t, 2, res.Scenarios.Passed)
	case <-time.After(2 * time.Second):
		t.Fatal("no completion")
	}
	select {
	case <-h.complete:
		t.Fatal("duplicate completion")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestWorkerReportsRunnerFailure(t *testing.T) {
	w, h := newWorker(t, &blockingRunner{err: errors.New("engine exploded")}, NewSlots(1))

	w.StartTest(Spec{})
	select {
	case err := <-h.errs:
		assert.ErrorContains(t, err, "engine exploded")
	case <-time.After(2 * time.Second):
		t.Fatal("no error")
	}
}

func TestSlotsBoundConcurrentRuns(t *testing.T) {
	slots := NewSlots(1)
	first := &blockingRunner{entered: make(chan struct{}, 1), release: make(chan struct{})}
	second := &blockingRunner{entered: make(chan struct{}, 1)}

	w1, _ := newWorker(t, first, slots)
	w2, h2 := newWorker(t, second, slots)

	w1.StartTest(Spec{})
	<-first.entered

	w2.StartTest(Spec{})
	select {
	case <-second.entered:
		t.Fatal("second run started while the slot was held")
	case <-time.After(150 * time.Millisecond):
	}

	close(first.release)
	select {
	case <-second.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("second run never acquired the slot")
	}
	<-h2.complete
}

func TestStopAbandonsRun(t *testing.T) {
	runner := &blockingRunner{entered: make(chan struct{}, 1), release: make(chan struct{})}
	w, h := newWorker(t, runner, NewSlots(1))

	w.StartTest(Spec{})
	<-runner.entered
	w.Stop()

	select {
	case res := <-h.complete:
		t.Fatalf("unexpected completion after stop: %+v", res)
	case err := <-h.errs:
		t.Fatalf("unexpected error after stop: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestWorkerTimesOut(t *testing.T) {
	runner := &blockingRunner{entered: make(chan struct{}, 1), release: make(chan struct{})}
	h := workerHooks{complete: make(chan Result, 1), ready: make(chan struct{}, 1), errs: make(chan error, 1)}
	w := NewWorker(WorkerConfig{
		TestID:     model.NewTestID(),
		Runner:     runner,
		Slots:      NewSlots(1),
		Timeout:    200 * time.Millisecond,
		OnComplete: func(r Result) { h.complete <- r },
		OnReady:    func() { h.ready <- struct{}{} },
		OnError:    func(err error) { h.errs <- err },
	})
	t.Cleanup(w.Stop)

	w.StartTest(Spec{})
	<-runner.entered

	select {
	case err := <-h.errs:
		require.ErrorIs(t, err, context.DeadlineExceeded)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout never surfaced")
	}
}
