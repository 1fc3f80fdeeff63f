// Package supervisor keeps the queue coordinator alive. The coordinator's
// mailbox goroutine only exits on drain; an exit outside shutdown is a fault,
// and the supervisor rebuilds it within a bounded restart budget. Exhausting
// the budget is fatal for the process.
package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/fsm"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/queue"
)

// ErrRestartBudget signals that the coordinator died more often than the
// budget allows. The process should exit with a distinct code.
var ErrRestartBudget = errors.New("coordinator restart budget exhausted")

// Config bounds restarts: at most MaxRestarts within RestartWindow.
type Config struct {
	MaxRestarts   int
	RestartWindow time.Duration
	ShutdownGrace time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxRestarts <= 0 {
		c.MaxRestarts = 3
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 5 * time.Minute
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 30 * time.Second
	}
}

// Supervisor owns the live coordinator and doubles as the gateway's harness:
// requests always reach the current instance, across restarts.
type Supervisor struct {
	cfg   Config
	build func() *queue.Coordinator
	log   *zap.Logger

	mu      sync.RWMutex
	current *queue.Coordinator
}

// New builds a supervisor; build mints a fresh coordinator each time it is
// called.
func New(cfg Config, build func() *queue.Coordinator, logger *zap.Logger) *Supervisor {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Supervisor{cfg: cfg, build: build, log: logger.Named("supervisor")}
}

func (s *Supervisor) coordinator() *queue.Coordinator {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.current
}

func (s *Supervisor) swap(c *queue.Coordinator) {
	s.mu.Lock()
	s.current = c
	s.mu.Unlock()
}

// Run supervises until ctx is cancelled (clean drain, returns nil) or the
// restart budget is exhausted (returns ErrRestartBudget).
func (s *Supervisor) Run(ctx context.Context) error {
	s.swap(s.build())
	var restarts []time.Time
	for {
		c := s.coordinator()
		select {
		case <-ctx.Done():
			drainCtx, cancel := context.WithTimeout(context.Background(), s.cfg.ShutdownGrace)
			err := c.Shutdown(drainCtx)
			cancel()
			if err != nil {
				s.log.Warn("coordinator did not drain within grace", zap.Error(err))
			}
			return nil
		case <-c.Done():
			now := time.Now()
			restarts = append(restarts, now)
			for len(restarts) > 0 && now.Sub(restarts[0]) > s.cfg.RestartWindow {
				restarts = restarts[1:]
			}
			if len(restarts) > s.cfg.MaxRestarts {
				s.log.Error("coordinator exited too often", zap.Int("restarts", len(restarts)))
				return ErrRestartBudget
			}
			s.log.Warn("coordinator exited, restarting", zap.Int("restarts_in_window", len(restarts)))
			s.swap(s.build())
		}
	}
}

// The gateway.Harness surface, forwarded to the live coordinator.

func (s *Supervisor) InitializeTest(ctx context.Context) (fsm.InitializeTestResponse, error) {
	return s.coordinator().InitializeTest(ctx)
}

func (s *Supervisor) StartTest(ctx context.Context, id model.TestID, bucket, testType string) (fsm.StartTestResponse, error) {
	return s.coordinator().StartTest(ctx, id, bucket, testType)
}

func (s *Supervisor) Status(ctx context.Context, id model.TestID) (fsm.TestStatusResponse, error) {
	return s.coordinator().Status(ctx, id)
}

func (s *Supervisor) Cancel(ctx context.Context, id model.TestID) (fsm.TestCancelledResponse, error) {
	return s.coordinator().Cancel(ctx, id)
}

func (s *Supervisor) QueueStatus(ctx context.Context) (model.QueueSnapshot, error) {
	return s.coordinator().QueueStatus(ctx)
}
