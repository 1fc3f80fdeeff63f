package serde

import (
	"fmt"

	"google.golang.org/protobuf/reflect/protoreflect"
)

// GenericRecord is a schema-plus-fields payload used by scenario step code,
// where payload shapes arrive from the test bucket rather than generated
// types. It satisfies Record, and ProtoRecord when a descriptor is attached.
type GenericRecord struct {
	Name       string
	SchemaText string
	Fields     map[string]interface{}
	Desc       protoreflect.MessageDescriptor
}

// NewAvroRecord builds a GenericRecord whose name is read from the Avro
// schema document itself.
func NewAvroRecord(schema string, fields map[string]interface{}) (GenericRecord, error) {
	name, err := avroSchemaName(schema)
	if err != nil {
		return GenericRecord{}, err
	}
	return GenericRecord{Name: name, SchemaText: schema, Fields: fields}, nil
}

// NewJSONRecord builds a GenericRecord for the JSON-Schema path.
func NewJSONRecord(name, schema string, fields map[string]interface{}) GenericRecord {
	return GenericRecord{Name: name, SchemaText: schema, Fields: fields}
}

// NewProtoRecord builds a GenericRecord for the Protobuf path; schema is the
// .proto text registered with the registry and desc the matching in-code
// descriptor.
func NewProtoRecord(name, schema string, desc protoreflect.MessageDescriptor, fields map[string]interface{}) GenericRecord {
	return GenericRecord{Name: name, SchemaText: schema, Fields: fields, Desc: desc}
}

func (r GenericRecord) RecordName() string { return r.Name }

func (r GenericRecord) Schema() string { return r.SchemaText }

func (r GenericRecord) ToNative() (map[string]interface{}, error) {
	if r.Fields == nil {
		return nil, fmt.Errorf("record %s has no fields", r.Name)
	}
	return r.Fields, nil
}

func (r GenericRecord) Descriptor() protoreflect.MessageDescriptor { return r.Desc }
