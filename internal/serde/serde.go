// Package serde builds the typed serializers and deserializers used on every
// Kafka record: Avro, Protobuf, and JSON-Schema codecs keyed on the
// CloudEvent envelope, all registering under TopicRecordNameStrategy.
package serde

import (
	"context"

	"github.com/ILLUVRSE/pipeline-harness/internal/cloudevent"
)

// Record is the contract payload types satisfy so a codec can register and
// encode them: a record name for subject naming, schema text in the codec's
// format, and a field-map projection.
type Record interface {
	RecordName() string
	Schema() string
	ToNative() (map[string]interface{}, error)
}

// Codec encodes and decodes records for one (topic, format) pairing. Key
// codecs carry CloudEvent envelopes; value codecs carry Records. Encoding a
// previously unseen schema registers it, which is why context travels on
// every call.
type Codec interface {
	EncodeKey(ctx context.Context, ev cloudevent.Event) ([]byte, error)
	DecodeKey(ctx context.Context, b []byte) (cloudevent.Event, error)
	EncodeValue(ctx context.Context, rec Record) ([]byte, error)
	// DecodeValue decodes b using shape's schema and returns the field map.
	DecodeValue(ctx context.Context, b []byte, shape Record) (map[string]interface{}, error)
	// CheckValue verifies the wire envelope of an incoming value without
	// knowing its record type. Used by the consumer's malformed-record gate.
	CheckValue(ctx context.Context, b []byte) error
}

// The CloudEvent record name shared by all three key projections.
const cloudEventRecordName = "CloudEvent"

// cloudEventAvroSchema is the Avro projection of the key envelope.
const cloudEventAvroSchema = `{
  "type": "record",
  "name": "CloudEvent",
  "namespace": "com.illuvrse.harness.events",
  "fields": [
    {"name": "id", "type": "string"},
    {"name": "source", "type": "string"},
    {"name": "specversion", "type": "string"},
    {"name": "type", "type": "string"},
    {"name": "time", "type": "string"},
    {"name": "subject", "type": "string"},
    {"name": "datacontenttype", "type": "string"},
    {"name": "correlationid", "type": "string"},
    {"name": "payloadversion", "type": "string"},
    {"name": "time_epoch_micro_source", "type": "long"}
  ]
}`

// cloudEventJSONSchema is the JSON-Schema projection. additionalProperties
// stays open for forward compatibility with newer envelope fields.
const cloudEventJSONSchema = `{
  "$schema": "http://json-schema.org/draft-07/schema#",
  "title": "CloudEvent",
  "type": "object",
  "additionalProperties": true,
  "required": ["id", "specversion", "type", "correlationid"],
  "properties": {
    "id": {"type": "string"},
    "source": {"type": "string"},
    "specversion": {"type": "string"},
    "type": {"type": "string"},
    "time": {"type": "string"},
    "subject": {"type": "string"},
    "datacontenttype": {"type": "string"},
    "correlationid": {"type": "string"},
    "payloadversion": {"type": "string"},
    "time_epoch_micro_source": {"type": "integer"}
  }
}`

// cloudEventProtoSchema is the .proto text registered for the Protobuf
// projection; the in-memory descriptor in proto.go mirrors it field for
// field.
const cloudEventProtoSchema = `syntax = "proto3";
package com.illuvrse.harness.events;

message CloudEvent {
  string id = 1;
  string source = 2;
  string specversion = 3;
  string type = 4;
  string time = 5;
  string subject = 6;
  string datacontenttype = 7;
  string correlationid = 8;
  string payloadversion = 9;
  int64 time_epoch_micro_source = 10;
}
`
