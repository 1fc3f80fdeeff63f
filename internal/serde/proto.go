package serde

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/reflect/protodesc"
	"google.golang.org/protobuf/reflect/protoreflect"
	"google.golang.org/protobuf/types/descriptorpb"
	"google.golang.org/protobuf/types/dynamicpb"

	"github.com/ILLUVRSE/pipeline-harness/internal/cloudevent"
)

// ProtoRecord is a Record that additionally exposes the message descriptor
// its dynamic messages are built against.
type ProtoRecord interface {
	Record
	Descriptor() protoreflect.MessageDescriptor
}

// ProtoFieldKind is the subset of scalar field types the harness payloads use.
type ProtoFieldKind int

const (
	ProtoString ProtoFieldKind = iota
	ProtoInt64
	ProtoDouble
	ProtoBool
)

// ProtoField declares one field of an in-code message descriptor.
type ProtoField struct {
	Name   string
	Number int32
	Kind   ProtoFieldKind
}

// NewMessageDescriptor builds a proto3 message descriptor entirely in code,
// the way the harness embeds its CloudEvent descriptor. Payload record types
// use the same helper.
func NewMessageDescriptor(pkg, name string, fields []ProtoField) (protoreflect.MessageDescriptor, error) {
	descFields := make([]*descriptorpb.FieldDescriptorProto, 0, len(fields))
	for _, f := range fields {
		var t descriptorpb.FieldDescriptorProto_Type
		switch f.Kind {
		case ProtoString:
			t = descriptorpb.FieldDescriptorProto_TYPE_STRING
		case ProtoInt64:
			t = descriptorpb.FieldDescriptorProto_TYPE_INT64
		case ProtoDouble:
			t = descriptorpb.FieldDescriptorProto_TYPE_DOUBLE
		case ProtoBool:
			t = descriptorpb.FieldDescriptorProto_TYPE_BOOL
		default:
			return nil, fmt.Errorf("unsupported proto field kind %d", f.Kind)
		}
		descFields = append(descFields, &descriptorpb.FieldDescriptorProto{
			Name:   proto.String(f.Name),
			Number: proto.Int32(f.Number),
			Type:   t.Enum(),
			Label:  descriptorpb.FieldDescriptorProto_LABEL_OPTIONAL.Enum(),
		})
	}
	fileName := strings.ToLower(name) + ".proto"
	fdp := &descriptorpb.FileDescriptorProto{
		Name:    proto.String(fileName),
		Package: proto.String(pkg),
		Syntax:  proto.String("proto3"),
		MessageType: []*descriptorpb.DescriptorProto{{
			Name:  proto.String(name),
			Field: descFields,
		}},
	}
	fd, err := protodesc.NewFile(fdp, nil)
	if err != nil {
		return nil, fmt.Errorf("build descriptor for %s: %w", name, err)
	}
	return fd.Messages().ByName(protoreflect.Name(name)), nil
}

var (
	cloudEventDescOnce sync.Once
	cloudEventDesc     protoreflect.MessageDescriptor
	cloudEventDescErr  error
)

func cloudEventDescriptor() (protoreflect.MessageDescriptor, error) {
	cloudEventDescOnce.Do(func() {
		cloudEventDesc, cloudEventDescErr = NewMessageDescriptor(
			"com.illuvrse.harness.events", cloudEventRecordName,
			[]ProtoField{
				{Name: "id", Number: 1, Kind: ProtoString},
				{Name: "source", Number: 2, Kind: ProtoString},
				{Name: "specversion", Number: 3, Kind: ProtoString},
				{Name: "type", Number: 4, Kind: ProtoString},
				{Name: "time", Number: 5, Kind: ProtoString},
				{Name: "subject", Number: 6, Kind: ProtoString},
				{Name: "datacontenttype", Number: 7, Kind: ProtoString},
				{Name: "correlationid", Number: 8, Kind: ProtoString},
				{Name: "payloadversion", Number: 9, Kind: ProtoString},
				{Name: "time_epoch_micro_source", Number: 10, Kind: ProtoInt64},
			})
	})
	return cloudEventDesc, cloudEventDescErr
}

// protoCodec is the Protobuf path: CloudEvent keys and payload records are
// projected to dynamic messages against in-code descriptors.
type protoCodec struct {
	topic    string
	registry *RegistryClient
}

func newProtoCodec(topic string, registry *RegistryClient) *protoCodec {
	return &protoCodec{topic: topic, registry: registry}
}

func (c *protoCodec) EncodeKey(ctx context.Context, ev cloudevent.Event) ([]byte, error) {
	if err := ev.Validate(); err != nil {
		return nil, err
	}
	desc, err := cloudEventDescriptor()
	if err != nil {
		return nil, err
	}
	id, err := c.registry.Register(ctx, Subject(c.topic, cloudEventRecordName), "PROTOBUF", cloudEventProtoSchema)
	if err != nil {
		return nil, fmt.Errorf("register cloudevent key schema: %w", err)
	}
	msg, err := dynamicMessageFromMap(desc, ev.ToMap())
	if err != nil {
		return nil, err
	}
	bin, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode proto key: %w", err)
	}
	return encodeEnvelope(id, []int{0}, bin), nil
}

func (c *protoCodec) DecodeKey(ctx context.Context, b []byte) (cloudevent.Event, error) {
	_, _, payload, err := decodeEnvelope(b, true)
	if err != nil {
		return cloudevent.Event{}, err
	}
	desc, err := cloudEventDescriptor()
	if err != nil {
		return cloudevent.Event{}, err
	}
	msg := dynamicpb.NewMessage(desc)
	if err := proto.Unmarshal(payload, msg); err != nil {
		return cloudevent.Event{}, fmt.Errorf("decode proto key: %w", err)
	}
	return cloudevent.FromMap(mapFromDynamicMessage(msg))
}

func (c *protoCodec) EncodeValue(ctx context.Context, rec Record) ([]byte, error) {
	pr, ok := rec.(ProtoRecord)
	if !ok || pr.Descriptor() == nil {
		return nil, fmt.Errorf("record %s carries no proto descriptor", rec.RecordName())
	}
	id, err := c.registry.Register(ctx, Subject(c.topic, rec.RecordName()), "PROTOBUF", rec.Schema())
	if err != nil {
		return nil, fmt.Errorf("register %s schema: %w", rec.RecordName(), err)
	}
	native, err := rec.ToNative()
	if err != nil {
		return nil, err
	}
	msg, err := dynamicMessageFromMap(pr.Descriptor(), native)
	if err != nil {
		return nil, err
	}
	bin, err := proto.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encode proto value %s: %w", rec.RecordName(), err)
	}
	return encodeEnvelope(id, []int{0}, bin), nil
}

func (c *protoCodec) DecodeValue(ctx context.Context, b []byte, shape Record) (map[string]interface{}, error) {
	pr, ok := shape.(ProtoRecord)
	if !ok || pr.Descriptor() == nil {
		return nil, fmt.Errorf("record %s carries no proto descriptor", shape.RecordName())
	}
	_, _, payload, err := decodeEnvelope(b, true)
	if err != nil {
		return nil, err
	}
	msg := dynamicpb.NewMessage(pr.Descriptor())
	if err := proto.Unmarshal(payload, msg); err != nil {
		return nil, fmt.Errorf("decode proto value: %w", err)
	}
	return mapFromDynamicMessage(msg), nil
}

func (c *protoCodec) CheckValue(ctx context.Context, b []byte) error {
	id, _, _, err := decodeEnvelope(b, true)
	if err != nil {
		return err
	}
	if _, err := c.registry.SchemaByID(ctx, id); err != nil {
		return fmt.Errorf("unknown schema id %d: %w", id, err)
	}
	return nil
}

func dynamicMessageFromMap(desc protoreflect.MessageDescriptor, m map[string]interface{}) (*dynamicpb.Message, error) {
	msg := dynamicpb.NewMessage(desc)
	fields := desc.Fields()
	for name, raw := range m {
		fd := fields.ByName(protoreflect.Name(name))
		if fd == nil {
			return nil, fmt.Errorf("field %q not in descriptor %s", name, desc.FullName())
		}
		switch fd.Kind() {
		case protoreflect.StringKind:
			s, ok := raw.(string)
			if !ok {
				return nil, fmt.Errorf("field %q: want string, got %T", name, raw)
			}
			msg.Set(fd, protoreflect.ValueOfString(s))
		case protoreflect.Int64Kind:
			switch v := raw.(type) {
			case int64:
				msg.Set(fd, protoreflect.ValueOfInt64(v))
			case int:
				msg.Set(fd, protoreflect.ValueOfInt64(int64(v)))
			case float64:
				msg.Set(fd, protoreflect.ValueOfInt64(int64(v)))
			default:
				return nil, fmt.Errorf("field %q: want int64, got %T", name, raw)
			}
		case protoreflect.DoubleKind:
			f, ok := raw.(float64)
			if !ok {
				return nil, fmt.Errorf("field %q: want float64, got %T", name, raw)
			}
			msg.Set(fd, protoreflect.ValueOfFloat64(f))
		case protoreflect.BoolKind:
			b, ok := raw.(bool)
			if !ok {
				return nil, fmt.Errorf("field %q: want bool, got %T", name, raw)
			}
			msg.Set(fd, protoreflect.ValueOfBool(b))
		default:
			return nil, fmt.Errorf("field %q: unsupported kind %s", name, fd.Kind())
		}
	}
	return msg, nil
}

func mapFromDynamicMessage(msg *dynamicpb.Message) map[string]interface{} {
	out := map[string]interface{}{}
	fields := msg.Descriptor().Fields()
	for i := 0; i < fields.Len(); i++ {
		fd := fields.Get(i)
		v := msg.Get(fd)
		switch fd.Kind() {
		case protoreflect.StringKind:
			out[string(fd.Name())] = v.String()
		case protoreflect.Int64Kind:
			out[string(fd.Name())] = v.Int()
		case protoreflect.DoubleKind:
			out[string(fd.Name())] = v.Float()
		case protoreflect.BoolKind:
			out[string(fd.Name())] = v.Bool()
		}
	}
	return out
}
