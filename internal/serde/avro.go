package serde

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/linkedin/goavro/v2"

	"github.com/ILLUVRSE/pipeline-harness/internal/cloudevent"
)

// avroCodec is the Avro path. Each schema compiles to a goavro codec once
// and is cached; ids come from the registry per subject.
type avroCodec struct {
	topic    string
	registry *RegistryClient

	mu     sync.Mutex
	codecs map[string]*goavro.Codec // schema text -> compiled codec
	keyID  int                      // registered id of the CloudEvent key schema, 0 until first use
}

func newAvroCodec(topic string, registry *RegistryClient) *avroCodec {
	return &avroCodec{
		topic:    topic,
		registry: registry,
		codecs:   map[string]*goavro.Codec{},
	}
}

func (c *avroCodec) compiled(schema string) (*goavro.Codec, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if codec, ok := c.codecs[schema]; ok {
		return codec, nil
	}
	codec, err := goavro.NewCodec(schema)
	if err != nil {
		return nil, fmt.Errorf("compile avro schema: %w", err)
	}
	c.codecs[schema] = codec
	return codec, nil
}

func (c *avroCodec) EncodeKey(ctx context.Context, ev cloudevent.Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	codec, err := c.compiled(cloudEventAvroSchema)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	id := c.keyID
	c.mu.Unlock()
	if id == 0 {
		id, err = c.registry.Register(ctx, Subject(c.topic, cloudEventRecordName), "AVRO", cloudEventAvroSchema)
		if err != nil {
			return nil, fmt.Errorf("register cloudevent key schema: %w", err)
		}
		c.mu.Lock()
		c.keyID = id
		c.mu.Unlock()
	}
	bin, err := codec.BinaryFromNative(nil, ev.ToMap())
	if err != nil {
		return nil, fmt.Errorf("encode avro key: %w", err)
	}
	return encodeEnvelope(id, nil, bin), nil
}

func (c *avroCodec) DecodeKey(ctx context.Context, b []byte) (cloudevent.Event, error) {
	_, _, payload, err := decodeEnvelope(b, false)
	if err != nil {
		return cloudevent.Event{}, err
	}
	codec, err := c.compiled(cloudEventAvroSchema)
	if err != nil {
		return cloudevent.Event{}, err
	}
	native, _, err := codec.NativeFromBinary(payload)
	if err != nil {
		return cloudevent.Event{}, fmt.Errorf("decode avro key: %w", err)
	}
	m, ok := native.(map[string]interface{})
	if !ok {
		return cloudevent.Event{}, fmt.Errorf("avro key decoded to %T, want record", native)
	}
	return cloudevent.FromMap(m)
}

func (c *avroCodec) EncodeValue(ctx context.Context, rec Record) ([]byte, error) {
	codec, err := c.compiled(rec.Schema())
	if err != nil {
		return nil, err
	}
	id, err := c.registry.Register(ctx, Subject(c.topic, rec.RecordName()), "AVRO", rec.Schema())
	if err != nil {
		return nil, fmt.Errorf("register %s schema: %w", rec.RecordName(), err)
	}
	native, err := rec.ToNative()
	if err != nil {
		return nil, err
	}
	bin, err := codec.BinaryFromNative(nil, native)
	if err != nil {
		return nil, fmt.Errorf("encode avro value %s: %w", rec.RecordName(), err)
	}
	return encodeEnvelope(id, nil, bin), nil
}

func (c *avroCodec) DecodeValue(ctx context.Context, b []byte, shape Record) (map[string]interface{}, error) {
	_, _, payload, err := decodeEnvelope(b, false)
	if err != nil {
		return nil, err
	}
	codec, err := c.compiled(shape.Schema())
	if err != nil {
		return nil, err
	}
	native, _, err := codec.NativeFromBinary(payload)
	if err != nil {
		return nil, fmt.Errorf("decode avro value: %w", err)
	}
	m, ok := native.(map[string]interface{})
	if !ok {
		return nil, fmt.Errorf("avro value decoded to %T, want record", native)
	}
	return m, nil
}

// CheckValue verifies framing and that the payload actually decodes under
// the schema the registry holds for its id.
func (c *avroCodec) CheckValue(ctx context.Context, b []byte) error {
	id, _, payload, err := decodeEnvelope(b, false)
	if err != nil {
		return err
	}
	reg, err := c.registry.SchemaByID(ctx, id)
	if err != nil {
		return fmt.Errorf("unknown schema id %d: %w", id, err)
	}
	codec, err := c.compiled(reg.Schema)
	if err != nil {
		return err
	}
	_, rest, err := codec.NativeFromBinary(payload)
	if err != nil {
		return fmt.Errorf("value payload does not match schema %d: %w", id, err)
	}
	if len(rest) != 0 {
		return fmt.Errorf("value payload has %d trailing bytes after schema %d", len(rest), id)
	}
	return nil
}

// avroSchemaName extracts the record name from an Avro schema document.
// Exposed to payload helpers that derive RecordName from the schema text.
func avroSchemaName(schema string) (string, error) {
	var doc struct {
		Name string `json:"name"`
	}
	if err := json.Unmarshal([]byte(schema), &doc); err != nil {
		return "", fmt.Errorf("parse avro schema: %w", err)
	}
	if doc.Name == "" {
		return "", fmt.Errorf("avro schema has no name")
	}
	return doc.Name, nil
}
