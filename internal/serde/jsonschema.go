package serde

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/xeipuuv/gojsonschema"

	"github.com/ILLUVRSE/pipeline-harness/internal/cloudevent"
)

// jsonCodec is the JSON-Schema path. Documents are validated against the
// registered schema on encode; unknown properties are tolerated on decode
// for forward compatibility.
type jsonCodec struct {
	topic    string
	registry *RegistryClient

	mu      sync.Mutex
	schemas map[string]*gojsonschema.Schema // schema text -> compiled
}

func newJSONCodec(topic string, registry *RegistryClient) *jsonCodec {
	return &jsonCodec{
		topic:    topic,
		registry: registry,
		schemas:  map[string]*gojsonschema.Schema{},
	}
}

func (c *jsonCodec) compiled(schema string) (*gojsonschema.Schema, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if s, ok := c.schemas[schema]; ok {
		return s, nil
	}
	s, err := gojsonschema.NewSchema(gojsonschema.NewStringLoader(schema))
	if err != nil {
		return nil, fmt.Errorf("compile json schema: %w", err)
	}
	c.schemas[schema] = s
	return s, nil
}

func (c *jsonCodec) validate(schema string, doc []byte) error {
	compiled, err := c.compiled(schema)
	if err != nil {
		return err
	}
	res, err := compiled.Validate(gojsonschema.NewBytesLoader(doc))
	if err != nil {
		return fmt.Errorf("validate json document: %w", err)
	}
	if !res.Valid() {
		errs := res.Errors()
		if len(errs) > 0 {
			return fmt.Errorf("json document invalid: %s", errs[0].String())
		}
		return fmt.Errorf("json document invalid")
	}
	return nil
}

func (c *jsonCodec) EncodeKey(ctx context.Context, ev cloudevent.Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	id, err := c.registry.Register(ctx, Subject(c.topic, cloudEventRecordName), "JSON", cloudEventJSONSchema)
	if err != nil {
		return nil, fmt.Errorf("register cloudevent key schema: %w", err)
	}
	doc, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode json key: %w", err)
	}
	if err := c.validate(cloudEventJSONSchema, doc); err != nil {
		return nil, err
	}
	return encodeEnvelope(id, nil, doc), nil
}

func (c *jsonCodec) DecodeKey(ctx context.Context, b []byte) (cloudevent.Event, error) {
	_, _, payload, err := decodeEnvelope(b, false)
	if err != nil {
		return cloudevent.Event{}, err
	}
	// UseNumber keeps the microsecond timestamp out of float64, which cannot
	// hold the full int64 range.
	dec := json.NewDecoder(bytes.NewReader(payload))
	dec.UseNumber()
	var m map[string]interface{}
	if err := dec.Decode(&m); err != nil {
		return cloudevent.Event{}, fmt.Errorf("decode json key: %w", err)
	}
	return cloudevent.FromMap(m)
}

func (c *jsonCodec) EncodeValue(ctx context.Context, rec Record) ([]byte, error) {
	id, err := c.registry.Register(ctx, Subject(c.topic, rec.RecordName()), "JSON", rec.Schema())
	if err != nil {
		return nil, fmt.Errorf("register %s schema: %w", rec.RecordName(), err)
	}
	native, err := rec.ToNative()
	if err != nil {
		return nil, err
	}
	doc, err := json.Marshal(native)
	if err != nil {
		return nil, fmt.Errorf("encode json value %s: %w", rec.RecordName(), err)
	}
	if err := c.validate(rec.Schema(), doc); err != nil {
		return nil, err
	}
	return encodeEnvelope(id, nil, doc), nil
}

func (c *jsonCodec) DecodeValue(ctx context.Context, b []byte, shape Record) (map[string]interface{}, error) {
	_, _, payload, err := decodeEnvelope(b, false)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(payload, &m); err != nil {
		return nil, fmt.Errorf("decode json value: %w", err)
	}
	return m, nil
}

// CheckValue verifies framing and that the payload is well-formed JSON.
func (c *jsonCodec) CheckValue(ctx context.Context, b []byte) error {
	_, _, payload, err := decodeEnvelope(b, false)
	if err != nil {
		return err
	}
	if !json.Valid(payload) {
		return fmt.Errorf("value payload is not valid json")
	}
	return nil
}
