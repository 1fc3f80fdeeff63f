// Package gateway fronts the queue coordinator for the HTTP layer: every
// call runs under a deadline and a per-endpoint circuit breaker, and every
// failure is folded into a small error taxonomy the transport can render.
package gateway

import (
	"context"
	"errors"
	"time"

	"github.com/sony/gobreaker"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/fsm"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/queue"
)

// Kind classifies gateway failures for the transport layer.
type Kind int

const (
	KindValidation Kind = iota
	KindNotFound
	KindTimeout
	KindUnavailable
	KindInternal
)

// Error is the gateway's uniform failure shape.
type Error struct {
	Kind    Kind
	Message string
	cause   error
}

func (e *Error) Error() string { return e.Message }

// Unwrap exposes the cause for errors.Is chains.
func (e *Error) Unwrap() error { return e.cause }

// AsError extracts a gateway *Error, or nil.
func AsError(err error) *Error {
	var ge *Error
	if errors.As(err, &ge) {
		return ge
	}
	return nil
}

// Harness is the coordinator surface the gateway guards.
type Harness interface {
	InitializeTest(ctx context.Context) (fsm.InitializeTestResponse, error)
	StartTest(ctx context.Context, id model.TestID, bucket, testType string) (fsm.StartTestResponse, error)
	Status(ctx context.Context, id model.TestID) (fsm.TestStatusResponse, error)
	Cancel(ctx context.Context, id model.TestID) (fsm.TestCancelledResponse, error)
	QueueStatus(ctx context.Context) (model.QueueSnapshot, error)
}

// Config tunes the breakers and the per-call deadline.
type Config struct {
	MaxFailures  uint32
	CallTimeout  time.Duration
	ResetTimeout time.Duration
}

func (c *Config) applyDefaults() {
	if c.MaxFailures == 0 {
		c.MaxFailures = 5
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 10 * time.Second
	}
	if c.ResetTimeout <= 0 {
		c.ResetTimeout = 30 * time.Second
	}
}

// Gateway guards the coordinator with one breaker per endpoint so a slow
// status path cannot trip admissions.
type Gateway struct {
	harness Harness
	cfg     Config
	log     *zap.Logger

	initialize *gobreaker.CircuitBreaker
	start      *gobreaker.CircuitBreaker
	status     *gobreaker.CircuitBreaker
	cancel     *gobreaker.CircuitBreaker
	queue      *gobreaker.CircuitBreaker
}

// New builds a gateway over the coordinator.
func New(harness Harness, cfg Config, logger *zap.Logger) *Gateway {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	g := &Gateway{harness: harness, cfg: cfg, log: logger.Named("gateway")}
	g.initialize = g.breaker("initialize-test")
	g.start = g.breaker("start-test")
	g.status = g.breaker("test-status")
	g.cancel = g.breaker("cancel-test")
	g.queue = g.breaker("queue-status")
	return g
}

func (g *Gateway) breaker(name string) *gobreaker.CircuitBreaker {
	return gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    name,
		Timeout: g.cfg.ResetTimeout,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= g.cfg.MaxFailures
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			g.log.Warn("breaker state change",
				zap.String("endpoint", name),
				zap.String("from", from.String()),
				zap.String("to", to.String()))
		},
		IsSuccessful: func(err error) bool {
			// Caller mistakes must not open the breaker; only harness
			// faults count as failures.
			ge := AsError(err)
			return err == nil || (ge != nil && (ge.Kind == KindValidation || ge.Kind == KindNotFound))
		},
	})
}

// InitializeTest admits a test.
func (g *Gateway) InitializeTest(ctx context.Context) (fsm.InitializeTestResponse, error) {
	return call(g, g.initialize, ctx, func(ctx context.Context) (fsm.InitializeTestResponse, error) {
		return g.harness.InitializeTest(ctx)
	})
}

// StartTest validates and forwards the start request. A rejected start
// surfaces as a validation error carrying the executor's reason.
func (g *Gateway) StartTest(ctx context.Context, id model.TestID, bucket, testType string) (fsm.StartTestResponse, error) {
	if bucket == "" {
		return fsm.StartTestResponse{}, &Error{Kind: KindValidation, Message: "bucket is required"}
	}
	resp, err := call(g, g.start, ctx, func(ctx context.Context) (fsm.StartTestResponse, error) {
		return g.harness.StartTest(ctx, id, bucket, testType)
	})
	if err != nil {
		return fsm.StartTestResponse{}, err
	}
	if !resp.Accepted {
		return resp, &Error{Kind: KindValidation, Message: resp.Reason}
	}
	return resp, nil
}

// Status fetches one test's status.
func (g *Gateway) Status(ctx context.Context, id model.TestID) (fsm.TestStatusResponse, error) {
	return call(g, g.status, ctx, func(ctx context.Context) (fsm.TestStatusResponse, error) {
		return g.harness.Status(ctx, id)
	})
}

// Cancel tears one test down.
func (g *Gateway) Cancel(ctx context.Context, id model.TestID) (fsm.TestCancelledResponse, error) {
	return call(g, g.cancel, ctx, func(ctx context.Context) (fsm.TestCancelledResponse, error) {
		return g.harness.Cancel(ctx, id)
	})
}

// QueueStatus fetches the coordinator's count vector.
func (g *Gateway) QueueStatus(ctx context.Context) (model.QueueSnapshot, error) {
	return call(g, g.queue, ctx, func(ctx context.Context) (model.QueueSnapshot, error) {
		return g.harness.QueueStatus(ctx)
	})
}

// call runs fn under the endpoint breaker and the configured deadline, then
// classifies whatever came back.
func call[T any](g *Gateway, cb *gobreaker.CircuitBreaker, ctx context.Context, fn func(context.Context) (T, error)) (T, error) {
	var zero T
	out, err := cb.Execute(func() (interface{}, error) {
		callCtx, cancel := context.WithTimeout(ctx, g.cfg.CallTimeout)
		defer cancel()
		v, err := fn(callCtx)
		if err != nil {
			return zero, g.classify(err)
		}
		return v, nil
	})
	if err != nil {
		return zero, g.classify(err)
	}
	return out.(T), nil
}

func (g *Gateway) classify(err error) error {
	if ge := AsError(err); ge != nil {
		return ge
	}
	switch {
	case errors.Is(err, gobreaker.ErrOpenState), errors.Is(err, gobreaker.ErrTooManyRequests):
		return &Error{Kind: KindUnavailable, Message: "service temporarily unavailable", cause: err}
	case errors.Is(err, context.DeadlineExceeded):
		return &Error{Kind: KindTimeout, Message: "request timed out", cause: err}
	case errors.Is(err, context.Canceled):
		return &Error{Kind: KindTimeout, Message: "request cancelled", cause: err}
	case errors.Is(err, queue.ErrUnavailable):
		return &Error{Kind: KindUnavailable, Message: "service temporarily unavailable", cause: err}
	case errors.Is(err, model.ErrNotFound):
		return &Error{Kind: KindNotFound, Message: err.Error(), cause: err}
	default:
		return &Error{Kind: KindInternal, Message: "internal error", cause: err}
	}
}
