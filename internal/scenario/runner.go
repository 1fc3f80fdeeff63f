// Package scenario runs the behaviour-driven suite of a test. The Gherkin
// engine is treated as a black box behind Runner; runs block on a bounded
// worker pool, never on a caller goroutine.
package scenario

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/spf13/afero"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/registry"
)

// Spec describes one suite run: where the staged features live and the
// per-test state the steps work against.
type Spec struct {
	TestID    model.TestID
	FS        afero.Fs
	Dir       string // staging path holding the features/ tree
	Directive model.BlockStorageDirective
	Registry  *registry.Registry
	FetchWait time.Duration
}

// Result is the aggregated outcome of a suite run.
type Result struct {
	Passed          bool
	Scenarios       model.ScenarioCounts
	Steps           model.StepCounts
	FailedScenarios []string
	Report          []byte // engine-native report, uploaded as evidence
	ErrorMessage    string
}

// Runner executes a suite and returns its aggregated result. Implementations
// are blocking; the Worker provides the dedicated executor.
type Runner interface {
	Run(ctx context.Context, spec Spec) (Result, error)
}

// WorkerConfig wires one scenario worker to its test.
type WorkerConfig struct {
	TestID  model.TestID
	Runner  Runner
	Slots   *Slots
	Logger  *zap.Logger
	Timeout time.Duration

	OnComplete func(Result)
	OnReady    func()
	OnError    func(error)
}

// Slots is the process-wide bounded executor for suite runs, shared by all
// scenario workers so blocking Gherkin runs never exhaust the scheduler.
type Slots struct{ sem chan struct{} }

// NewSlots builds an executor with n slots (default 4).
func NewSlots(n int) *Slots {
	if n <= 0 {
		n = 4
	}
	return &Slots{sem: make(chan struct{}, n)}
}

func (s *Slots) acquire(ctx context.Context) error {
	select {
	case s.sem <- struct{}{}:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Slots) release() { <-s.sem }

// Worker runs the suite for one test.
type Worker struct {
	cfg WorkerConfig
	log *zap.Logger

	initialized atomic.Bool
	started     atomic.Bool
	stopped     atomic.Bool
	cancel      atomic.Pointer[context.CancelFunc]
}

// NewWorker builds a scenario worker.
func NewWorker(cfg WorkerConfig) *Worker {
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Minute
	}
	return &Worker{cfg: cfg, log: log.Named("scenario")}
}

// Initialize has no blocking setup; it acknowledges readiness once.
// Idempotent.
func (w *Worker) Initialize() {
	if !w.initialized.CompareAndSwap(false, true) {
		w.log.Debug("duplicate initialize ignored")
		return
	}
	w.cfg.OnReady()
}

// StartTest runs the suite on the shared executor. A second start is
// ignored.
func (w *Worker) StartTest(spec Spec) {
	if !w.started.CompareAndSwap(false, true) {
		w.log.Debug("duplicate start ignored")
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), w.cfg.Timeout)
		w.cancel.Store(&cancel)
		defer cancel()

		if err := w.cfg.Slots.acquire(ctx); err != nil {
			w.fail(fmt.Errorf("scenario executor: %w", err))
			return
		}
		defer w.cfg.Slots.release()

		started := time.Now()
		result, err := w.cfg.Runner.Run(ctx, spec)
		if w.stopped.Load() {
			return
		}
		if err != nil {
			w.fail(fmt.Errorf("scenario run: %w", err))
			return
		}
		w.log.Info("suite finished",
			zap.Bool("passed", result.Passed),
			zap.Int("scenarios_passed", result.Scenarios.Passed),
			zap.Int("scenarios_failed", result.Scenarios.Failed),
			zap.Duration("took", time.Since(started)))
		w.cfg.OnComplete(result)
	}()
}

func (w *Worker) fail(err error) {
	if !w.stopped.Load() {
		w.cfg.OnError(err)
	}
}

// Stop abandons the run; the engine observes its context between scenarios.
func (w *Worker) Stop() {
	w.stopped.Store(true)
	if cancel := w.cancel.Load(); cancel != nil {
		(*cancel)()
	}
}
