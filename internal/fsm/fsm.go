// Package fsm implements the per-test execution state machine: a mailbox
// goroutine sequencing the five child workers through Setup, Loading,
// Loaded, Testing, and the terminal states, with poison-pill timers bounding
// every non-terminal wait.
package fsm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/scenario"
)

// Parent receives lifecycle notifications. The coordinator implements it by
// forwarding into its own mailbox; the back edge is send-only.
type Parent interface {
	TestInitialized(id model.TestID)
	TestLoading(id model.TestID)
	TestLoaded(id model.TestID)
	TestStarted(id model.TestID)
	TestCompleted(id model.TestID, result model.TestExecutionResult)
	TestException(id model.TestID, err error)
	TestStopping(id model.TestID)
	TestTerminated(id model.TestID)
}

// StorageChild is the slice of the storage worker the executor drives.
type StorageChild interface {
	Initialize(ctx context.Context, bucket string)
	StageEvidence(name string, data []byte)
	UploadEvidence(ctx context.Context, localDir string)
	Stop()
}

// VaultChild is the slice of the vault worker the executor drives.
type VaultChild interface {
	Initialize(ctx context.Context, directive model.BlockStorageDirective)
	Stop()
}

// ScenarioChild is the slice of the scenario worker the executor drives.
type ScenarioChild interface {
	Initialize()
	StartTest(directive model.BlockStorageDirective)
	Stop()
}

// StreamsChild is the producer/consumer supervisor pair.
type StreamsChild interface {
	Initialize(directive model.BlockStorageDirective, security []model.KafkaSecurityDirective)
	Stop()
}

// Children bundles one executor's workers.
type Children struct {
	Storage  StorageChild
	Vault    VaultChild
	Scenario ScenarioChild
	Streams  StreamsChild
}

// Callbacks are the child-to-executor message sends a factory wires into the
// workers it builds.
type Callbacks struct {
	Fetched        func(model.BlockStorageDirective)
	UploadComplete func()
	Security       func([]model.KafkaSecurityDirective)
	GoodToGo       func(ChildKind)
	Complete       func(scenario.Result)
	Fail           func(error)
}

// ChildFactory builds the five workers for one test, wiring the callbacks
// into them. It runs during executor construction.
type ChildFactory func(id model.TestID, cb Callbacks) (Children, error)

// Config carries the per-state poison-pill budgets.
type Config struct {
	SetupTimeout     time.Duration
	LoadingTimeout   time.Duration
	CompletedTimeout time.Duration
	ExceptionTimeout time.Duration
	ShutdownGrace    time.Duration
	MailboxSize      int
}

func (c *Config) applyDefaults() {
	if c.SetupTimeout <= 0 {
		c.SetupTimeout = 30 * time.Second
	}
	if c.LoadingTimeout <= 0 {
		c.LoadingTimeout = 2 * time.Minute
	}
	if c.CompletedTimeout <= 0 {
		c.CompletedTimeout = 15 * time.Second
	}
	if c.ExceptionTimeout <= 0 {
		c.ExceptionTimeout = 15 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.MailboxSize <= 0 {
		c.MailboxSize = 256
	}
}

// Machine is one test's executor. All fields below mbox are owned by the
// mailbox goroutine; nothing else touches them.
type Machine struct {
	id         model.TestID
	parent     Parent
	cfg        Config
	log        *zap.Logger
	mbox       chan Message
	terminated atomic.Bool

	state      model.State
	children   Children
	ctx        context.Context
	cancel     context.CancelFunc
	timerGen   uint64
	stateTimer *time.Timer

	bucket        string
	testType      string
	directive     *model.BlockStorageDirective
	security      []model.KafkaSecurityDirective
	ready         map[ChildKind]bool
	loadedTold    bool
	uploadStarted bool
	parentTold    bool
	startTime     *time.Time
	endTime       *time.Time
	result        *model.TestExecutionResult
	lastErr       string
}

// New builds and starts an executor in Setup.
func New(id model.TestID, parent Parent, factory ChildFactory, cfg Config, logger *zap.Logger) (*Machine, error) {
	cfg.applyDefaults()
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	m := &Machine{
		id:     id,
		parent: parent,
		cfg:    cfg,
		log:    logger.Named("fsm").With(zap.String("test_id", id.String())),
		mbox:   make(chan Message, cfg.MailboxSize),
		state:  model.StateSetup,
		ctx:    ctx,
		cancel: cancel,
		ready:  map[ChildKind]bool{},
	}
	children, err := factory(id, Callbacks{
		Fetched:        func(d model.BlockStorageDirective) { m.deliver(BlockStorageFetched{Directive: d}) },
		UploadComplete: func() { m.deliver(BlockStorageUploadComplete{}) },
		Security:       func(s []model.KafkaSecurityDirective) { m.deliver(SecurityFetched{Directives: s}) },
		GoodToGo:       func(c ChildKind) { m.deliver(ChildGoodToGo{Child: c}) },
		Complete:       func(r scenario.Result) { m.deliver(TestComplete{Result: r}) },
		Fail:           func(err error) { m.deliver(trnException{err: err}) },
	})
	if err != nil {
		cancel()
		return nil, fmt.Errorf("build children: %w", err)
	}
	m.children = children
	go m.loop()
	return m, nil
}

// ID returns the test this executor owns.
func (m *Machine) ID() model.TestID { return m.id }

// deliver is the child-callback send path. Children cannot act on a refused
// send, so a lost message is at least made visible in the log.
func (m *Machine) deliver(msg Message) {
	if !m.Send(msg) {
		m.log.Warn("child message dropped", zap.String("message", fmt.Sprintf("%T", msg)))
	}
}

// Send enqueues a message; false means the executor is gone or its mailbox
// is saturated, which callers treat as unavailable.
func (m *Machine) Send(msg Message) bool {
	if m.terminated.Load() {
		return false
	}
	select {
	case m.mbox <- msg:
		return true
	default:
		return false
	}
}

func (m *Machine) loop() {
	defer func() {
		// A handler panic is a bug, but the TestID must still not leak:
		// surface the fault and terminate so the coordinator reaps us.
		if r := recover(); r != nil {
			m.log.Error("executor panic", zap.Any("panic", r))
			if !m.parentTold {
				m.parentTold = true
				m.parent.TestException(m.id, fmt.Errorf("executor panic: %v", r))
			}
			m.terminate()
		}
	}()
	m.armTimer(model.StateSetup, m.cfg.SetupTimeout)
	for msg := range m.mbox {
		m.handle(msg)
		if m.terminated.Load() {
			return
		}
	}
}

func (m *Machine) handle(msg Message) {
	switch msg := msg.(type) {
	case InInitializeTestRequest:
		m.parent.TestInitialized(m.id)
		msg.ReplyTo <- InitializeTestResponse{TestID: m.id}

	case InStartTestRequest:
		m.onStart(msg)

	case GetStatus:
		msg.ReplyTo <- m.status()

	case InCancelRequest:
		m.onCancel(msg)

	case ChildGoodToGo:
		m.onGoodToGo(msg.Child)

	case BlockStorageFetched:
		m.onFetched(msg.Directive)

	case SecurityFetched:
		m.onSecurity(msg.Directives)

	case BlockStorageUploadComplete:
		m.onUploadComplete()

	case TestComplete:
		m.onComplete(msg.Result)

	case StartTesting:
		if m.state == model.StateLoaded && m.loadedTold {
			// Defer the actual entry so it serializes behind anything
			// already in the mailbox.
			m.Send(trnTesting{})
		} else {
			m.log.Debug("start-testing ignored", zap.String("state", string(m.state)))
		}

	case trnTesting:
		m.enterTesting()

	case trnException:
		m.onException(msg.err)

	case timerExpired:
		m.onTimer(msg)

	case childrenStopped:
		m.terminate()
	}
}

func (m *Machine) onStart(msg InStartTestRequest) {
	if m.state != model.StateSetup {
		msg.ReplyTo <- StartTestResponse{TestID: m.id, Accepted: false, TestType: msg.TestType, Reason: "test already started"}
		return
	}
	if msg.Bucket == "" {
		msg.ReplyTo <- StartTestResponse{TestID: m.id, Accepted: false, TestType: msg.TestType, Reason: "bucket required"}
		return
	}
	m.bucket = msg.Bucket
	m.testType = msg.TestType
	m.transition(model.StateLoading)
	m.armTimer(model.StateLoading, m.cfg.LoadingTimeout)
	m.parent.TestLoading(m.id)
	m.children.Storage.Initialize(m.ctx, msg.Bucket)
	msg.ReplyTo <- StartTestResponse{TestID: m.id, Accepted: true, TestType: msg.TestType}
}

func (m *Machine) onFetched(d model.BlockStorageDirective) {
	if m.state != model.StateLoading {
		m.log.Debug("storage fetch ignored", zap.String("state", string(m.state)))
		return
	}
	m.directive = &d
	m.transition(model.StateLoaded)
	m.children.Vault.Initialize(m.ctx, d)
}

func (m *Machine) onSecurity(directives []model.KafkaSecurityDirective) {
	if m.state != model.StateLoaded || m.directive == nil {
		m.log.Debug("security fetch ignored", zap.String("state", string(m.state)))
		return
	}
	m.security = directives
	// Remaining children initialize in parallel; each acks GoodToGo.
	m.children.Scenario.Initialize()
	m.children.Streams.Initialize(*m.directive, directives)
}

func (m *Machine) onGoodToGo(child ChildKind) {
	switch m.state {
	case model.StateLoading, model.StateLoaded:
	default:
		m.log.Debug("good-to-go ignored", zap.String("child", string(child)), zap.String("state", string(m.state)))
		return
	}
	if m.ready[child] {
		return
	}
	m.ready[child] = true
	if m.state != model.StateLoaded || m.security == nil || m.loadedTold {
		return
	}
	for _, c := range readyChildren {
		if !m.ready[c] {
			return
		}
	}
	// All four acked: announce Loaded, then await the coordinator's
	// StartTesting.
	m.disarmTimer()
	m.loadedTold = true
	m.parent.TestLoaded(m.id)
}

func (m *Machine) enterTesting() {
	if m.state != model.StateLoaded || !m.loadedTold {
		return
	}
	m.transition(model.StateTesting)
	now := time.Now().UTC()
	m.startTime = &now
	m.parent.TestStarted(m.id)
	m.children.Scenario.StartTest(*m.directive)
}

func (m *Machine) onComplete(res scenario.Result) {
	if m.state != model.StateTesting {
		m.log.Debug("test complete ignored", zap.String("state", string(m.state)))
		return
	}
	result := m.buildResult(res)
	m.result = &result
	now := time.Now().UTC()
	m.endTime = &now
	if res.Passed {
		m.transition(model.StateCompleted)
		m.armTimer(model.StateCompleted, m.cfg.CompletedTimeout)
	} else {
		m.lastErr = result.ErrorMessage
		m.transition(model.StateException)
		m.armTimer(model.StateException, m.cfg.ExceptionTimeout)
	}
	m.stageEvidence(res)
	m.startUpload()
}

// stageEvidence writes the run's own artifacts into the staging filesystem
// so the upload tail ships them alongside the downloaded inputs.
func (m *Machine) stageEvidence(res scenario.Result) {
	if len(res.Report) > 0 {
		m.children.Storage.StageEvidence("report.json", res.Report)
	}
	if m.result == nil {
		return
	}
	b, err := json.MarshalIndent(m.result, "", "  ")
	if err != nil {
		m.log.Warn("result summary not staged", zap.Error(err))
		return
	}
	m.children.Storage.StageEvidence("result.json", b)
}

func (m *Machine) onException(err error) {
	if m.state.Terminal() {
		m.log.Debug("exception in terminal state ignored", zap.Error(err))
		return
	}
	m.log.Warn("test exception", zap.Error(err))
	m.lastErr = err.Error()
	now := time.Now().UTC()
	m.endTime = &now
	m.transition(model.StateException)
	m.armTimer(model.StateException, m.cfg.ExceptionTimeout)
	m.startUpload()
}

// startUpload begins the evidence-upload tail shared by Completed and
// Exception.
func (m *Machine) startUpload() {
	if m.uploadStarted {
		return
	}
	m.uploadStarted = true
	dir := ""
	if m.directive != nil {
		dir = m.directive.StagingPath
	}
	if dir == "" {
		// Nothing staged; skip straight to the parent notification.
		m.Send(BlockStorageUploadComplete{})
		return
	}
	m.children.Storage.UploadEvidence(m.ctx, dir)
}

func (m *Machine) onUploadComplete() {
	switch m.state {
	case model.StateCompleted, model.StateException:
	default:
		m.log.Debug("upload-complete ignored", zap.String("state", string(m.state)))
		return
	}
	m.notifyTerminal()
}

// notifyTerminal tells the parent the terminal outcome exactly once.
func (m *Machine) notifyTerminal() {
	if m.parentTold {
		return
	}
	m.parentTold = true
	if m.state == model.StateCompleted && m.result != nil {
		m.parent.TestCompleted(m.id, *m.result)
		return
	}
	err := m.lastErr
	if err == "" {
		err = "test failed"
	}
	m.parent.TestException(m.id, errors.New(err))
}

func (m *Machine) onCancel(msg InCancelRequest) {
	if m.state.Terminal() {
		// Terminal states ignore cancels: Completed/Exception are already on
		// their poison-pill way out, ShuttingDown is the requested effect.
		msg.ReplyTo <- TestCancelledResponse{TestID: m.id, Cancelled: false, Message: "test already " + string(m.state)}
		return
	}
	msg.ReplyTo <- TestCancelledResponse{TestID: m.id, Cancelled: true}
	if !m.state.Terminal() && m.endTime == nil {
		now := time.Now().UTC()
		m.endTime = &now
	}
	m.shutdown(true)
}

func (m *Machine) onTimer(t timerExpired) {
	if t.gen != m.timerGen || t.state != m.state {
		m.log.Debug("stale timer ignored", zap.String("timer_state", string(t.state)))
		return
	}
	switch m.state {
	case model.StateSetup:
		m.onException(errors.New("setup timeout"))
	case model.StateLoading:
		m.onException(errors.New("loading timeout"))
	case model.StateCompleted, model.StateException:
		// Graceful end of life; the upload tail had its chance.
		m.notifyTerminal()
		m.shutdown(false)
	}
}

// shutdown fans Stop out to every live child and terminates once they are
// all down or the grace period elapses.
func (m *Machine) shutdown(cancelled bool) {
	if m.state == model.StateShuttingDown {
		return
	}
	m.disarmTimer()
	m.transition(model.StateShuttingDown)
	if cancelled {
		m.parent.TestStopping(m.id)
	}
	m.cancel()
	go func() {
		done := make(chan struct{})
		go func() {
			m.children.Scenario.Stop()
			m.children.Streams.Stop()
			m.children.Vault.Stop()
			m.children.Storage.Stop()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(m.cfg.ShutdownGrace):
			m.log.Warn("children did not stop within grace period")
		}
		m.Send(childrenStopped{})
	}()
}

func (m *Machine) terminate() {
	if m.terminated.CompareAndSwap(false, true) {
		m.parent.TestTerminated(m.id)
		m.log.Info("executor terminated")
	}
}

func (m *Machine) transition(to model.State) {
	m.log.Info("state transition", zap.String("from", string(m.state)), zap.String("to", string(to)))
	m.state = to
}

func (m *Machine) armTimer(state model.State, d time.Duration) {
	m.disarmTimer()
	m.timerGen++
	gen := m.timerGen
	m.stateTimer = time.AfterFunc(d, func() {
		m.Send(timerExpired{state: state, gen: gen})
	})
}

func (m *Machine) disarmTimer() {
	if m.stateTimer != nil {
		m.stateTimer.Stop()
		m.stateTimer = nil
	}
}

func (m *Machine) status() TestStatusResponse {
	resp := TestStatusResponse{
		TestID:    m.id,
		State:     m.state,
		Bucket:    m.bucket,
		TestType:  m.testType,
		StartTime: m.startTime,
		EndTime:   m.endTime,
		Error:     m.lastErr,
	}
	if m.result != nil {
		passed := m.result.Passed
		resp.Success = &passed
	} else if m.state == model.StateException {
		failed := false
		resp.Success = &failed
	}
	return resp
}

func (m *Machine) buildResult(res scenario.Result) model.TestExecutionResult {
	var duration int64
	if m.startTime != nil {
		duration = time.Since(*m.startTime).Milliseconds()
	}
	return model.TestExecutionResult{
		TestID:          m.id,
		Passed:          res.Passed,
		ScenarioCount:   res.Scenarios.Passed + res.Scenarios.Failed + res.Scenarios.Skipped,
		Scenarios:       res.Scenarios,
		StepCount:       res.Steps.Passed + res.Steps.Failed + res.Steps.Skipped + res.Steps.Undefined,
		Steps:           res.Steps,
		DurationMillis:  duration,
		ErrorMessage:    res.ErrorMessage,
		FailedScenarios: res.FailedScenarios,
	}
}
