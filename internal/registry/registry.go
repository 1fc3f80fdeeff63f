// Package registry holds the per-test event state scenario steps work
// against: the producer handle for the test and the correlation-id index of
// consumed records.
package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/ILLUVRSE/pipeline-harness/internal/cloudevent"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/serde"
)

// Producer is the slice of the producer streaming worker the registry
// forwards to.
type Producer interface {
	Produce(ctx context.Context, topic string, key cloudevent.Event, value serde.Record) error
}

// ConsumedEvent is one indexed record: the decoded key envelope plus the raw
// value bytes, decoded on demand by the step that fetches it.
type ConsumedEvent struct {
	Topic     string
	Key       cloudevent.Event
	Value     []byte
	Partition int
	Offset    int64
}

// ErrNotAvailable is returned when no matching record arrived within the
// wait budget.
var ErrNotAvailable = errors.New("consumed event not available")

// ErrUnknownTest is returned for a TestID with no registered handles.
var ErrUnknownTest = errors.New("test not registered")

type consumedKey struct {
	topic         string
	correlationID string
}

type testEntry struct {
	producer Producer
	mu       sync.RWMutex
	consumed map[consumedKey]ConsumedEvent
}

// Registry is the process-wide map of per-test state. The owning FSM
// registers on entering Testing and unregisters when shutting down; the
// consumer worker writes, the BDD step goroutine reads.
type Registry struct {
	mu    sync.RWMutex
	tests map[model.TestID]*testEntry
}

// New builds an empty registry. One per process, seeded at boot.
func New() *Registry {
	return &Registry{tests: map[model.TestID]*testEntry{}}
}

// Register installs the producer handle for a test.
func (r *Registry) Register(testID model.TestID, producer Producer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tests[testID] = &testEntry{
		producer: producer,
		consumed: map[consumedKey]ConsumedEvent{},
	}
}

// Unregister drops all state for a test.
func (r *Registry) Unregister(testID model.TestID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tests, testID)
}

func (r *Registry) entry(testID model.TestID) (*testEntry, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.tests[testID]
	if !ok {
		return nil, ErrUnknownTest
	}
	return e, nil
}

// Index stores a consumed record under (topic, correlationid). Duplicate
// delivery overwrites the same key, which keeps at-least-once consumption
// idempotent from the reader's point of view.
func (r *Registry) Index(testID model.TestID, ev ConsumedEvent) error {
	e, err := r.entry(testID)
	if err != nil {
		return err
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.consumed[consumedKey{topic: ev.Topic, correlationID: ev.Key.CorrelationID}] = ev
	return nil
}

// ProduceEvent forwards a produce to the test's producer worker. Synchronous
// from the caller's perspective; the worker applies its own ask timeout.
func (r *Registry) ProduceEvent(ctx context.Context, testID model.TestID, topic string, key cloudevent.Event, value serde.Record) error {
	e, err := r.entry(testID)
	if err != nil {
		return err
	}
	if e.producer == nil {
		return fmt.Errorf("test %s has no producer", testID)
	}
	return e.producer.Produce(ctx, topic, key, value)
}

// FetchConsumedEvent polls the index with exponential back-off until the
// wait budget is exhausted. A missing record yields ErrNotAvailable.
func (r *Registry) FetchConsumedEvent(ctx context.Context, testID model.TestID, topic, correlationID string, waitBudget time.Duration) (ConsumedEvent, error) {
	e, err := r.entry(testID)
	if err != nil {
		return ConsumedEvent{}, err
	}
	if waitBudget <= 0 {
		waitBudget = 10 * time.Second
	}

	key := consumedKey{topic: topic, correlationID: correlationID}
	lookup := func() (ConsumedEvent, bool) {
		e.mu.RLock()
		defer e.mu.RUnlock()
		ev, ok := e.consumed[key]
		return ev, ok
	}

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 50 * time.Millisecond
	bo.MaxInterval = 500 * time.Millisecond
	bo.MaxElapsedTime = waitBudget

	var found ConsumedEvent
	op := func() error {
		if ev, ok := lookup(); ok {
			found = ev
			return nil
		}
		return ErrNotAvailable
	}
	if err := backoff.Retry(op, backoff.WithContext(bo, ctx)); err != nil {
		if errors.Is(err, ErrNotAvailable) || ctx.Err() != nil {
			return ConsumedEvent{}, ErrNotAvailable
		}
		return ConsumedEvent{}, err
	}
	return found, nil
}
