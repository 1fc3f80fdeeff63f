package fsm

import (
	"time"

	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/scenario"
)

// Message is anything a test executor's mailbox accepts. External senders,
// child workers, and the executor itself (deferred self-transitions) all go
// through the same mailbox, which is what makes every state entry a single
// atomic handler.
type Message interface{ isMessage() }

// ChildKind tags the five workers under one executor.
type ChildKind string

const (
	ChildStorage  ChildKind = "storage"
	ChildVault    ChildKind = "vault"
	ChildScenario ChildKind = "scenario"
	ChildProducer ChildKind = "producer"
	ChildConsumer ChildKind = "consumer"
)

// readyChildren are the children whose ChildGoodToGo gates Loaded -> Testing.
// The vault's completion is the SecurityFetched message itself.
var readyChildren = []ChildKind{ChildStorage, ChildScenario, ChildProducer, ChildConsumer}

// InInitializeTestRequest hands the executor its reply channel. Always the
// first message a new executor sees.
type InInitializeTestRequest struct {
	ReplyTo chan<- InitializeTestResponse
}

// InitializeTestResponse acknowledges admission.
type InitializeTestResponse struct {
	TestID model.TestID
}

// InStartTestRequest begins loading the named bucket.
type InStartTestRequest struct {
	Bucket   string
	TestType string
	ReplyTo  chan<- StartTestResponse
}

// StartTestResponse reports whether loading was started.
type StartTestResponse struct {
	TestID   model.TestID
	Accepted bool
	TestType string
	Reason   string
}

// GetStatus asks for the executor's current view.
type GetStatus struct {
	ReplyTo chan<- TestStatusResponse
}

// TestStatusResponse is the user-visible status snapshot.
type TestStatusResponse struct {
	TestID    model.TestID
	State     model.State
	Bucket    string
	TestType  string
	StartTime *time.Time
	EndTime   *time.Time
	Success   *bool
	Error     string
}

// InCancelRequest cooperatively tears the test down.
type InCancelRequest struct {
	ReplyTo chan<- TestCancelledResponse
}

// TestCancelledResponse reports whether the cancel had any effect.
type TestCancelledResponse struct {
	TestID    model.TestID
	Cancelled bool
	Message   string
}

// ChildGoodToGo is a child acking that its Initialize completed.
type ChildGoodToGo struct {
	Child ChildKind
}

// BlockStorageFetched delivers the parsed manifest from the storage worker.
type BlockStorageFetched struct {
	Directive model.BlockStorageDirective
}

// BlockStorageUploadComplete acks the evidence upload.
type BlockStorageUploadComplete struct{}

// SecurityFetched delivers the vault worker's per-topic directives.
type SecurityFetched struct {
	Directives []model.KafkaSecurityDirective
}

// TestComplete delivers the scenario worker's aggregated result.
type TestComplete struct {
	Result scenario.Result
}

// StartTesting is the coordinator's go signal once the test reaches the head
// of the ready queue.
type StartTesting struct{}

// trnException is the deferred self-transition that routes any worker
// failure to the Exception state.
type trnException struct {
	err error
}

// trnTesting is the deferred self-transition entering Testing; it observes
// every message that arrived before the coordinator's go signal was handled.
type trnTesting struct{}

// timerExpired is a poison-pill timer firing. gen guards against a stale
// timer from a state already left.
type timerExpired struct {
	state model.State
	gen   uint64
}

// childrenStopped reports that the shutdown fan-out finished.
type childrenStopped struct{}

func (InInitializeTestRequest) isMessage()    {}
func (InStartTestRequest) isMessage()         {}
func (GetStatus) isMessage()                  {}
func (InCancelRequest) isMessage()            {}
func (ChildGoodToGo) isMessage()              {}
func (BlockStorageFetched) isMessage()        {}
func (BlockStorageUploadComplete) isMessage() {}
func (SecurityFetched) isMessage()            {}
func (TestComplete) isMessage()               {}
func (StartTesting) isMessage()               {}
func (trnException) isMessage()               {}
func (trnTesting) isMessage()                 {}
func (timerExpired) isMessage()               {}
func (childrenStopped) isMessage()            {}
