package serde

import (
	"fmt"
	"sync"

	"github.com/ILLUVRSE/pipeline-harness/internal/model"
)

// Factory is the process-wide codec registry, keyed by (topic, role, isKey).
// It is seeded at boot with the Schema Registry client and torn down at
// process exit; codecs are built lazily on first use for a pairing.
type Factory struct {
	registry *RegistryClient

	mu     sync.Mutex
	codecs map[factoryKey]Codec
	closed bool
}

type factoryKey struct {
	topic string
	role  model.TopicRole
	isKey bool
}

// NewFactory builds a factory over a shared registry client.
func NewFactory(registry *RegistryClient) *Factory {
	return &Factory{
		registry: registry,
		codecs:   map[factoryKey]Codec{},
	}
}

// Codec returns the codec for a (topic, role, isKey) pairing, constructing
// it on first use. schemaType defaults to JSON when the directive left it
// unset.
func (f *Factory) Codec(topic string, role model.TopicRole, isKey bool, schemaType model.SchemaType) (Codec, error) {
	if topic == "" {
		return nil, fmt.Errorf("serde: topic required")
	}
	if schemaType == "" {
		schemaType = model.SchemaJSON
	}
	key := factoryKey{topic: topic, role: role, isKey: isKey}

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil, fmt.Errorf("serde: factory is shut down")
	}
	if c, ok := f.codecs[key]; ok {
		return c, nil
	}

	var c Codec
	switch schemaType {
	case model.SchemaAvro:
		c = newAvroCodec(topic, f.registry)
	case model.SchemaProtobuf:
		c = newProtoCodec(topic, f.registry)
	case model.SchemaJSON:
		c = newJSONCodec(topic, f.registry)
	default:
		return nil, fmt.Errorf("serde: unknown schema type %q", schemaType)
	}
	f.codecs[key] = c
	return c, nil
}

// Shutdown drops every cached codec. The factory refuses further use.
func (f *Factory) Shutdown() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codecs = map[factoryKey]Codec{}
	f.closed = true
}
