// Package model holds the shared data types of the harness: test identity,
// storage and topic directives, security directives, and execution results.
// Everything here is immutable once built; mutation happens only inside the
// owning worker.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// TestID identifies a single admitted test for its whole life.
type TestID = uuid.UUID

// NewTestID mints a fresh test identifier.
func NewTestID() TestID { return uuid.New() }

// State is the execution state of a test's FSM.
type State string

const (
	StateSetup        State = "Setup"
	StateLoading      State = "Loading"
	StateLoaded       State = "Loaded"
	StateTesting      State = "Testing"
	StateCompleted    State = "Completed"
	StateException    State = "Exception"
	StateShuttingDown State = "ShuttingDown"
)

// Terminal reports whether the state accepts no further external input.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateException || s == StateShuttingDown
}

// States lists every FSM state in lifecycle order. Used by the queue
// coordinator for its counter vector.
var States = []State{
	StateSetup, StateLoading, StateLoaded, StateTesting,
	StateCompleted, StateException, StateShuttingDown,
}

// TopicRole says which side of a topic this test occupies.
type TopicRole string

const (
	RoleProducer TopicRole = "producer"
	RoleConsumer TopicRole = "consumer"
)

// SchemaType selects the serialization format for a topic's key or value.
type SchemaType string

const (
	SchemaJSON     SchemaType = "json"
	SchemaAvro     SchemaType = "avro"
	SchemaProtobuf SchemaType = "protobuf"
)

// ParseSchemaType validates a manifest-supplied schema type.
func ParseSchemaType(s string) (SchemaType, error) {
	switch SchemaType(strings.ToLower(s)) {
	case SchemaJSON:
		return SchemaJSON, nil
	case SchemaAvro:
		return SchemaAvro, nil
	case SchemaProtobuf:
		return SchemaProtobuf, nil
	}
	return "", fmt.Errorf("unknown schema type %q", s)
}

// EventFilter selects, consumer-side, the records a test cares about. Both
// fields match against the CloudEvent key.
type EventFilter struct {
	EventType      string `yaml:"event-type" json:"eventType" validate:"required"`
	PayloadVersion string `yaml:"payload-version" json:"payloadVersion" validate:"required"`
}

// TopicDirective is one parsed manifest entry describing a topic binding.
// BootstrapServers, when set, overrides the default cluster for this topic
// only, which is what makes cross-cluster tests possible.
type TopicDirective struct {
	Topic            string        `yaml:"topic" json:"topic" validate:"required"`
	Role             TopicRole     `yaml:"role" json:"role" validate:"required,oneof=producer consumer"`
	ClientPrincipal  string        `yaml:"client-principal" json:"clientPrincipal" validate:"required"`
	BootstrapServers []string      `yaml:"bootstrap-servers" json:"bootstrapServers,omitempty"`
	KeySchemaType    SchemaType    `yaml:"key-schema-type" json:"keySchemaType,omitempty"`
	ValueSchemaType  SchemaType    `yaml:"value-schema-type" json:"valueSchemaType,omitempty"`
	EventFilters     []EventFilter `yaml:"event-filters" json:"eventFilters,omitempty"`
}

// BlockStorageDirective is the parsed manifest of a test bucket: where the
// assets were staged, where evidence goes, and every topic the test touches.
type BlockStorageDirective struct {
	Bucket       string
	StagingPath  string // absolute path inside the in-memory filesystem
	EvidenceDir  string // bucket-relative prefix for evidence upload
	GluePackages []string
	Topics       []TopicDirective
}

// ConsumerTopics returns the directives with the consumer role.
func (d BlockStorageDirective) ConsumerTopics() []TopicDirective {
	return d.topicsByRole(RoleConsumer)
}

// ProducerTopics returns the directives with the producer role.
func (d BlockStorageDirective) ProducerTopics() []TopicDirective {
	return d.topicsByRole(RoleProducer)
}

func (d BlockStorageDirective) topicsByRole(role TopicRole) []TopicDirective {
	var out []TopicDirective
	for _, t := range d.Topics {
		if t.Role == role {
			out = append(out, t)
		}
	}
	return out
}

// Topic returns the directive for a topic name, if present.
func (d BlockStorageDirective) Topic(name string) (TopicDirective, bool) {
	for _, t := range d.Topics {
		if t.Topic == name {
			return t, true
		}
	}
	return TopicDirective{}, false
}

// Validate checks the directive's structural preconditions: at least one
// topic, no duplicate topic names, parseable bootstrap overrides.
func (d BlockStorageDirective) Validate() error {
	if len(d.Topics) == 0 {
		return errors.New("manifest declares no topics")
	}
	seen := make(map[string]struct{}, len(d.Topics))
	for _, t := range d.Topics {
		if _, dup := seen[t.Topic]; dup {
			return fmt.Errorf("duplicate topic %q in manifest", t.Topic)
		}
		seen[t.Topic] = struct{}{}
		for _, bs := range t.BootstrapServers {
			if !strings.Contains(bs, ":") {
				return fmt.Errorf("topic %q: unparseable bootstrap server %q", t.Topic, bs)
			}
		}
	}
	return nil
}

// SecurityProtocol is the Kafka listener security mode for one topic.
type SecurityProtocol string

const (
	ProtocolPlaintext     SecurityProtocol = "PLAINTEXT"
	ProtocolSASLSSL       SecurityProtocol = "SASL_SSL"
	ProtocolSSL           SecurityProtocol = "SSL"
	ProtocolSASLPlaintext SecurityProtocol = "SASL_PLAINTEXT"
)

// Secret is a credential carrier whose rendering is always redacted. Log
// encoders, %v/%s formatting, and JSON marshalling all go through these
// methods, so a directive can be logged without leaking its JAAS config.
type Secret string

// Reveal returns the underlying value. Only the Kafka dialer path calls this.
func (s Secret) Reveal() string { return string(s) }

func (s Secret) String() string { return "[REDACTED]" }

func (s Secret) GoString() string { return "model.Secret(\"[REDACTED]\")" }

func (s Secret) MarshalJSON() ([]byte, error) { return json.Marshal("[REDACTED]") }

// KafkaSecurityDirective carries the vault-issued credentials for one topic.
// Never logged; the JAASConfig field redacts itself.
type KafkaSecurityDirective struct {
	Topic            string
	Role             TopicRole
	SecurityProtocol SecurityProtocol
	JAASConfig       Secret
}

// ScenarioCounts aggregates one dimension of a BDD run.
type ScenarioCounts struct {
	Passed  int `json:"passed"`
	Failed  int `json:"failed"`
	Skipped int `json:"skipped"`
}

// StepCounts aggregates step outcomes of a BDD run.
type StepCounts struct {
	Passed    int `json:"passed"`
	Failed    int `json:"failed"`
	Skipped   int `json:"skipped"`
	Undefined int `json:"undefined"`
}

// TestExecutionResult is the terminal outcome of one test run.
type TestExecutionResult struct {
	TestID          TestID         `json:"testId"`
	Passed          bool           `json:"passed"`
	ScenarioCount   int            `json:"scenarioCount"`
	Scenarios       ScenarioCounts `json:"scenarios"`
	StepCount       int            `json:"stepCount"`
	Steps           StepCounts     `json:"steps"`
	DurationMillis  int64          `json:"durationMillis"`
	ErrorMessage    string         `json:"errorMessage,omitempty"`
	FailedScenarios []string       `json:"failedScenarios,omitempty"`
}

// QueueSnapshot is a point-in-time count vector over FSM states plus the
// currently testing TestID, if any.
type QueueSnapshot struct {
	Counts  map[State]int
	Testing *TestID
}

// ErrNotFound is returned when a TestID is unknown to the coordinator.
var ErrNotFound = errors.New("test not found")
