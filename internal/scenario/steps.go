package scenario

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/cucumber/godog"

	"github.com/ILLUVRSE/pipeline-harness/internal/cloudevent"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/registry"
	"github.com/ILLUVRSE/pipeline-harness/internal/serde"
)

// StepContext carries per-test state into the step definitions. The
// scenario initializer closure captures one of these, which is how each
// suite run knows its TestID without any engine-level registration.
type StepContext struct {
	TestID    model.TestID
	Registry  *registry.Registry
	Directive model.BlockStorageDirective
	FetchWait time.Duration
	Source    string
}

// Glue installs a named step set on a scenario context. Buckets select glue
// by name in their manifest; "events" is always installed.
type Glue func(sc *godog.ScenarioContext, step *StepContext)

var glueSets = map[string]Glue{
	"events": eventGlue,
}

// GlueFor resolves the glue sets a manifest requested. Unknown names are an
// error so a typo in a bucket fails loudly at Testing entry.
func GlueFor(names []string) ([]Glue, error) {
	glues := []Glue{glueSets["events"]}
	for _, name := range names {
		if name == "events" {
			continue
		}
		g, ok := glueSets[name]
		if !ok {
			return nil, fmt.Errorf("unknown glue package %q", name)
		}
		glues = append(glues, g)
	}
	return glues, nil
}

// eventPayload is the docstring document the produce step accepts.
type eventPayload struct {
	RecordName     string                 `json:"record-name"`
	PayloadVersion string                 `json:"payload-version"`
	Schema         json.RawMessage        `json:"schema,omitempty"`
	Fields         map[string]interface{} `json:"fields"`
}

// eventGlue is the built-in step set bound to the event registry.
func eventGlue(sc *godog.ScenarioContext, step *StepContext) {
	sc.Step(`^I produce a "([^"]*)" event to "([^"]*)" with correlation id "([^"]*)":$`,
		func(ctx context.Context, eventType, topic, correlationID string, doc *godog.DocString) error {
			return step.produce(ctx, eventType, topic, correlationID, doc.Content)
		})

	sc.Step(`^a "([^"]*)" event should arrive on "([^"]*)" with correlation id "([^"]*)"$`,
		func(ctx context.Context, eventType, topic, correlationID string) error {
			return step.expect(ctx, eventType, topic, correlationID)
		})

	sc.Step(`^no event should arrive on "([^"]*)" with correlation id "([^"]*)" within (\d+)ms$`,
		func(ctx context.Context, topic, correlationID string, waitMillis int) error {
			return step.expectAbsent(ctx, topic, correlationID, time.Duration(waitMillis)*time.Millisecond)
		})
}

func (s *StepContext) produce(ctx context.Context, eventType, topic, correlationID, docJSON string) error {
	var payload eventPayload
	if err := json.Unmarshal([]byte(docJSON), &payload); err != nil {
		return fmt.Errorf("parse event payload: %w", err)
	}
	if payload.RecordName == "" {
		return fmt.Errorf("event payload needs record-name")
	}
	if payload.PayloadVersion == "" {
		payload.PayloadVersion = "1.0"
	}

	directive, ok := s.Directive.Topic(topic)
	if !ok {
		return fmt.Errorf("topic %q not declared in manifest", topic)
	}
	rec, err := s.record(directive, payload)
	if err != nil {
		return err
	}

	key := cloudevent.New(s.Source, eventType, topic, correlationID, payload.PayloadVersion)
	if err := s.Registry.ProduceEvent(ctx, s.TestID, topic, key, rec); err != nil {
		return fmt.Errorf("produce %s to %s: %w", eventType, topic, err)
	}
	return nil
}

func (s *StepContext) record(directive model.TopicDirective, payload eventPayload) (serde.Record, error) {
	switch directive.ValueSchemaType {
	case model.SchemaAvro:
		if len(payload.Schema) == 0 {
			return nil, fmt.Errorf("avro topic %s: payload needs an inline schema", directive.Topic)
		}
		rec, err := serde.NewAvroRecord(string(payload.Schema), payload.Fields)
		if err != nil {
			return nil, err
		}
		return rec, nil
	case model.SchemaProtobuf:
		return nil, fmt.Errorf("protobuf topic %s: payloads need a registered glue package with descriptors", directive.Topic)
	default:
		schema := string(payload.Schema)
		if schema == "" {
			schema = `{"type": "object"}`
		}
		return serde.NewJSONRecord(payload.RecordName, schema, payload.Fields), nil
	}
}

func (s *StepContext) expect(ctx context.Context, eventType, topic, correlationID string) error {
	ev, err := s.Registry.FetchConsumedEvent(ctx, s.TestID, topic, correlationID, s.FetchWait)
	if err != nil {
		return fmt.Errorf("event %s on %s with correlation id %s: %w", eventType, topic, correlationID, err)
	}
	if ev.Key.Type != eventType {
		return fmt.Errorf("correlation id %s on %s carries type %q, want %q", correlationID, topic, ev.Key.Type, eventType)
	}
	if ev.Key.CorrelationID != correlationID {
		return fmt.Errorf("index returned correlation id %q, want %q", ev.Key.CorrelationID, correlationID)
	}
	return nil
}

func (s *StepContext) expectAbsent(ctx context.Context, topic, correlationID string, wait time.Duration) error {
	_, err := s.Registry.FetchConsumedEvent(ctx, s.TestID, topic, correlationID, wait)
	if err == nil {
		return fmt.Errorf("unexpected event on %s with correlation id %s", topic, correlationID)
	}
	return nil
}
