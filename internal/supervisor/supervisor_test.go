package supervisor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/pipeline-harness/internal/fsm"
	"github.com/ILLUVRSE/pipeline-harness/internal/metrics"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/queue"
)

// builder mints coordinators and remembers them so tests can kill the live
// one out from under the supervisor.
type builder struct {
	mu     sync.Mutex
	coords []*queue.Coordinator
}

func (b *builder) build() *queue.Coordinator {
	factory := func(id model.TestID, cb fsm.Callbacks) (fsm.Children, error) {
		return fsm.Children{}, nil
	}
	c := queue.New(queue.Config{AskTimeout: time.Second}, fsm.Config{}, factory, metrics.New(), nil)
	b.mu.Lock()
	b.coords = append(b.coords, c)
	b.mu.Unlock()
	return c
}

func (b *builder) builds() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.coords)
}

func (b *builder) killCurrent(t *testing.T) {
	t.Helper()
	b.mu.Lock()
	c := b.coords[len(b.coords)-1]
	b.mu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, c.Shutdown(ctx))
}

func TestCleanShutdownReturnsNil(t *testing.T) {
	b := &builder{}
	s := New(Config{ShutdownGrace: 2 * time.Second}, b.build, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	// Let the first coordinator come up, then ask for a clean exit.
	require.Eventually(t, func() bool { return b.builds() == 1 }, 2*time.Second, 10*time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor never exited")
	}
	assert.Equal(t, 1, b.builds())
}

func TestRestartsAfterCoordinatorExit(t *testing.T) {
	b := &builder{}
	s := New(Config{MaxRestarts: 5, RestartWindow: time.Minute}, b.build, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()
	require.Eventually(t, func() bool { return b.builds() == 1 }, 2*time.Second, 10*time.Millisecond)

	b.killCurrent(t)
	require.Eventually(t, func() bool { return b.builds() == 2 }, 2*time.Second, 10*time.Millisecond)

	// The harness surface reaches the replacement instance.
	require.Eventually(t, func() bool {
		_, err := s.QueueStatus(context.Background())
		return err == nil
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	assert.NoError(t, <-done)
}

func TestRestartBudgetIsFatal(t *testing.T) {
	b := &builder{}
	s := New(Config{MaxRestarts: 2, RestartWindow: time.Minute}, b.build, nil)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	for i := 1; i <= 3; i++ {
		require.Eventually(t, func() bool { return b.builds() == i }, 2*time.Second, 10*time.Millisecond)
		b.killCurrent(t)
	}

	select {
	case err := <-done:
		assert.ErrorIs(t, err, ErrRestartBudget)
	case <-time.After(5 * time.Second):
		t.Fatal("budget exhaustion never surfaced")
	}
	assert.Equal(t, 3, b.builds())
}
