// Package queue serializes test execution. The coordinator owns every live
// test executor, keeps an admission-ordered ready list, and lets exactly one
// test occupy Testing at a time.
package queue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/fsm"
	"github.com/ILLUVRSE/pipeline-harness/internal/metrics"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
)

// ErrUnavailable is returned when the coordinator or an executor mailbox
// cannot take the request. The gateway maps it to a service-unavailable
// payload.
var ErrUnavailable = errors.New("coordinator unavailable")

// Config bounds the coordinator.
type Config struct {
	MailboxSize int
	AskTimeout  time.Duration
}

func (c *Config) applyDefaults() {
	if c.MailboxSize <= 0 {
		c.MailboxSize = 512
	}
	if c.AskTimeout <= 0 {
		c.AskTimeout = 10 * time.Second
	}
}

// entry is the coordinator's view of one executor. seq is the admission
// order, which is also the dispatch order once the test reaches Loaded.
type entry struct {
	machine *fsm.Machine
	state   model.State
	seq     uint64
	result  *model.TestExecutionResult
}

// Coordinator is the single-writer owner of the executor table. All mutation
// happens on the mailbox goroutine; public methods and Parent callbacks only
// enqueue.
type Coordinator struct {
	cfg     Config
	fsmCfg  fsm.Config
	factory fsm.ChildFactory
	log     *zap.Logger
	met     *metrics.Metrics

	mbox chan coordMsg
	done chan struct{}

	// mailbox-owned.
	tests    map[model.TestID]*entry
	ready    []model.TestID
	inFlight *model.TestID
	seq      uint64
	draining bool
}

type coordMsg interface{ isCoordMsg() }

type admitMsg struct {
	reply chan admitReply
}

type admitReply struct {
	machine *fsm.Machine
	err     error
}

type lookupMsg struct {
	id    model.TestID
	reply chan *fsm.Machine
}

type snapshotMsg struct {
	reply chan model.QueueSnapshot
}

type drainMsg struct{}

type testEvent struct {
	id     model.TestID
	state  model.State
	result *model.TestExecutionResult
	reap   bool
}

func (admitMsg) isCoordMsg()    {}
func (lookupMsg) isCoordMsg()   {}
func (snapshotMsg) isCoordMsg() {}
func (drainMsg) isCoordMsg()    {}
func (testEvent) isCoordMsg()   {}

// New builds and starts a coordinator.
func New(cfg Config, fsmCfg fsm.Config, factory fsm.ChildFactory, met *metrics.Metrics, logger *zap.Logger) *Coordinator {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Coordinator{
		cfg:     cfg,
		fsmCfg:  fsmCfg,
		factory: factory,
		log:     logger.Named("queue"),
		met:     met,
		mbox:    make(chan coordMsg, cfg.MailboxSize),
		done:    make(chan struct{}),
		tests:   map[model.TestID]*entry{},
	}
	go c.loop()
	return c
}

// InitializeTest admits a new test: builds its executor and returns the
// acknowledged TestID.
func (c *Coordinator) InitializeTest(ctx context.Context) (fsm.InitializeTestResponse, error) {
	reply := make(chan admitReply, 1)
	if err := c.enqueue(ctx, admitMsg{reply: reply}); err != nil {
		return fsm.InitializeTestResponse{}, err
	}
	var adm admitReply
	select {
	case adm = <-reply:
	case <-ctx.Done():
		return fsm.InitializeTestResponse{}, ctx.Err()
	case <-c.done:
		return fsm.InitializeTestResponse{}, ErrUnavailable
	}
	if adm.err != nil {
		return fsm.InitializeTestResponse{}, adm.err
	}
	ack := make(chan fsm.InitializeTestResponse, 1)
	if !adm.machine.Send(fsm.InInitializeTestRequest{ReplyTo: ack}) {
		return fsm.InitializeTestResponse{}, ErrUnavailable
	}
	select {
	case resp := <-ack:
		return resp, nil
	case <-ctx.Done():
		return fsm.InitializeTestResponse{}, ctx.Err()
	}
}

// StartTest begins loading the bucket for an admitted test.
func (c *Coordinator) StartTest(ctx context.Context, id model.TestID, bucket, testType string) (fsm.StartTestResponse, error) {
	m, err := c.machineFor(ctx, id)
	if err != nil {
		return fsm.StartTestResponse{}, err
	}
	reply := make(chan fsm.StartTestResponse, 1)
	if !m.Send(fsm.InStartTestRequest{Bucket: bucket, TestType: testType, ReplyTo: reply}) {
		return fsm.StartTestResponse{}, ErrUnavailable
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return fsm.StartTestResponse{}, ctx.Err()
	}
}

// Status returns the executor's current snapshot.
func (c *Coordinator) Status(ctx context.Context, id model.TestID) (fsm.TestStatusResponse, error) {
	m, err := c.machineFor(ctx, id)
	if err != nil {
		return fsm.TestStatusResponse{}, err
	}
	reply := make(chan fsm.TestStatusResponse, 1)
	if !m.Send(fsm.GetStatus{ReplyTo: reply}) {
		return fsm.TestStatusResponse{}, ErrUnavailable
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return fsm.TestStatusResponse{}, ctx.Err()
	}
}

// Cancel tears a test down cooperatively.
func (c *Coordinator) Cancel(ctx context.Context, id model.TestID) (fsm.TestCancelledResponse, error) {
	m, err := c.machineFor(ctx, id)
	if err != nil {
		return fsm.TestCancelledResponse{}, err
	}
	reply := make(chan fsm.TestCancelledResponse, 1)
	if !m.Send(fsm.InCancelRequest{ReplyTo: reply}) {
		return fsm.TestCancelledResponse{}, ErrUnavailable
	}
	select {
	case resp := <-reply:
		return resp, nil
	case <-ctx.Done():
		return fsm.TestCancelledResponse{}, ctx.Err()
	}
}

// QueueStatus returns the per-state counts and the currently testing TestID.
func (c *Coordinator) QueueStatus(ctx context.Context) (model.QueueSnapshot, error) {
	reply := make(chan model.QueueSnapshot, 1)
	if err := c.enqueue(ctx, snapshotMsg{reply: reply}); err != nil {
		return model.QueueSnapshot{}, err
	}
	select {
	case snap := <-reply:
		return snap, nil
	case <-ctx.Done():
		return model.QueueSnapshot{}, ctx.Err()
	case <-c.done:
		return model.QueueSnapshot{}, ErrUnavailable
	}
}

// Shutdown cancels every live test and waits for the table to drain.
func (c *Coordinator) Shutdown(ctx context.Context) error {
	if err := c.enqueue(ctx, drainMsg{}); err != nil && !errors.Is(err, ErrUnavailable) {
		return err
	}
	select {
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done closes when the coordinator has drained and exited.
func (c *Coordinator) Done() <-chan struct{} { return c.done }

func (c *Coordinator) enqueue(ctx context.Context, msg coordMsg) error {
	select {
	case c.mbox <- msg:
		return nil
	case <-c.done:
		return ErrUnavailable
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Coordinator) machineFor(ctx context.Context, id model.TestID) (*fsm.Machine, error) {
	reply := make(chan *fsm.Machine, 1)
	if err := c.enqueue(ctx, lookupMsg{id: id, reply: reply}); err != nil {
		return nil, err
	}
	select {
	case m := <-reply:
		if m == nil {
			return nil, fmt.Errorf("test %s: %w", id, model.ErrNotFound)
		}
		return m, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.done:
		return nil, ErrUnavailable
	}
}

func (c *Coordinator) loop() {
	defer close(c.done)
	for msg := range c.mbox {
		switch msg := msg.(type) {
		case admitMsg:
			msg.reply <- c.admit()
		case lookupMsg:
			if e, ok := c.tests[msg.id]; ok {
				msg.reply <- e.machine
			} else {
				msg.reply <- nil
			}
		case snapshotMsg:
			msg.reply <- c.snapshot()
		case drainMsg:
			c.drain()
		case testEvent:
			c.onEvent(msg)
		}
		if c.draining && len(c.tests) == 0 {
			return
		}
	}
}

func (c *Coordinator) admit() admitReply {
	if c.draining {
		return admitReply{err: ErrUnavailable}
	}
	id := model.NewTestID()
	m, err := fsm.New(id, c, c.factory, c.fsmCfg, c.log)
	if err != nil {
		return admitReply{err: fmt.Errorf("admit test: %w", err)}
	}
	c.seq++
	c.tests[id] = &entry{machine: m, state: model.StateSetup, seq: c.seq}
	c.met.TestsAdmitted.Inc()
	c.met.TestsByState.WithLabelValues(string(model.StateSetup)).Inc()
	c.log.Info("test admitted", zap.String("test_id", id.String()))
	return admitReply{machine: m}
}

func (c *Coordinator) snapshot() model.QueueSnapshot {
	snap := model.QueueSnapshot{Counts: map[model.State]int{}}
	for _, s := range model.States {
		snap.Counts[s] = 0
	}
	for id, e := range c.tests {
		snap.Counts[e.state]++
		if e.state == model.StateTesting {
			tid := id
			snap.Testing = &tid
		}
	}
	return snap
}

func (c *Coordinator) drain() {
	if c.draining {
		return
	}
	c.draining = true
	c.log.Info("draining", zap.Int("live_tests", len(c.tests)))
	for _, e := range c.tests {
		reply := make(chan fsm.TestCancelledResponse, 1)
		e.machine.Send(fsm.InCancelRequest{ReplyTo: reply})
	}
}

func (c *Coordinator) onEvent(ev testEvent) {
	e, ok := c.tests[ev.id]
	if !ok {
		return
	}
	if ev.reap {
		c.met.TestsByState.WithLabelValues(string(e.state)).Dec()
		c.met.TestsReaped.Inc()
		delete(c.tests, ev.id)
		c.removeReady(ev.id)
		c.clearInFlight(ev.id)
		c.log.Info("test reaped", zap.String("test_id", ev.id.String()))
		c.dispatch()
		return
	}
	if ev.result != nil {
		e.result = ev.result
	}
	if ev.state == e.state {
		return
	}
	c.met.TestsByState.WithLabelValues(string(e.state)).Dec()
	c.met.TestsByState.WithLabelValues(string(ev.state)).Inc()
	e.state = ev.state

	switch ev.state {
	case model.StateLoaded:
		c.pushReady(ev.id)
		c.dispatch()
	case model.StateTesting:
		// The go signal landed; the slot is confirmed occupied.
	case model.StateCompleted, model.StateException, model.StateShuttingDown:
		c.removeReady(ev.id)
		c.clearInFlight(ev.id)
		c.dispatch()
	}
}

// pushReady inserts in admission order, not arrival order, so concurrent
// loads cannot reorder the queue.
func (c *Coordinator) pushReady(id model.TestID) {
	seq := c.tests[id].seq
	at := len(c.ready)
	for i, other := range c.ready {
		if c.tests[other].seq > seq {
			at = i
			break
		}
	}
	c.ready = append(c.ready, model.TestID{})
	copy(c.ready[at+1:], c.ready[at:])
	c.ready[at] = id
}

func (c *Coordinator) removeReady(id model.TestID) {
	for i, other := range c.ready {
		if other == id {
			c.ready = append(c.ready[:i], c.ready[i+1:]...)
			return
		}
	}
}

func (c *Coordinator) clearInFlight(id model.TestID) {
	if c.inFlight != nil && *c.inFlight == id {
		c.inFlight = nil
	}
}

// dispatch sends the go signal to the head of the ready list, provided no
// test holds the Testing slot.
func (c *Coordinator) dispatch() {
	if c.inFlight != nil || c.draining {
		return
	}
	for _, e := range c.tests {
		if e.state == model.StateTesting {
			return
		}
	}
	for len(c.ready) > 0 {
		id := c.ready[0]
		c.ready = c.ready[1:]
		e, ok := c.tests[id]
		if !ok || e.state != model.StateLoaded {
			continue
		}
		if e.machine.Send(fsm.StartTesting{}) {
			tid := id
			c.inFlight = &tid
			c.log.Info("dispatched", zap.String("test_id", id.String()))
			return
		}
	}
}

// Parent notifications. These run on executor goroutines and only enqueue;
// the send never drops because terminated executors stop producing long
// before the mailbox could fill.

func (c *Coordinator) notify(ev testEvent) {
	select {
	case c.mbox <- ev:
	case <-c.done:
	}
}

// TestInitialized is informational; the entry was registered at admission.
func (c *Coordinator) TestInitialized(id model.TestID) {}

func (c *Coordinator) TestLoading(id model.TestID) {
	c.notify(testEvent{id: id, state: model.StateLoading})
}

func (c *Coordinator) TestLoaded(id model.TestID) {
	c.notify(testEvent{id: id, state: model.StateLoaded})
}

func (c *Coordinator) TestStarted(id model.TestID) {
	c.notify(testEvent{id: id, state: model.StateTesting})
}

func (c *Coordinator) TestCompleted(id model.TestID, result model.TestExecutionResult) {
	c.notify(testEvent{id: id, state: model.StateCompleted, result: &result})
}

func (c *Coordinator) TestException(id model.TestID, err error) {
	c.log.Warn("test exception", zap.String("test_id", id.String()), zap.Error(err))
	c.notify(testEvent{id: id, state: model.StateException})
}

func (c *Coordinator) TestStopping(id model.TestID) {
	c.notify(testEvent{id: id, state: model.StateShuttingDown})
}

func (c *Coordinator) TestTerminated(id model.TestID) {
	c.notify(testEvent{id: id, reap: true})
}
