package model

import (
	"encoding/json"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSecretNeverRenders(t *testing.T) {
	s := Secret(`org.apache.kafka.common.security.plain.PlainLoginModule required username="svc" password="hunter2";`)

	assert.Equal(t, "[REDACTED]", s.String())
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%s", s))
	assert.Equal(t, "[REDACTED]", fmt.Sprintf("%v", s))
	assert.NotContains(t, fmt.Sprintf("%#v", s), "hunter2")
	assert.NotContains(t, fmt.Sprintf("%+v", s), "hunter2")

	b, err := json.Marshal(KafkaSecurityDirective{
		Topic:      "orders",
		Role:       RoleProducer,
		JAASConfig: s,
	})
	require.NoError(t, err)
	assert.NotContains(t, string(b), "hunter2")
	assert.Contains(t, string(b), "[REDACTED]")

	// Reveal is the only way at the plaintext.
	assert.Contains(t, s.Reveal(), "hunter2")
}

func TestParseSchemaType(t *testing.T) {
	for in, want := range map[string]SchemaType{
		"json":     SchemaJSON,
		"AVRO":     SchemaAvro,
		"Protobuf": SchemaProtobuf,
	} {
		got, err := ParseSchemaType(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got)
	}
	_, err := ParseSchemaType("thrift")
	assert.Error(t, err)
}

func TestBlockStorageDirectiveValidate(t *testing.T) {
	valid := BlockStorageDirective{
		Bucket: "b",
		Topics: []TopicDirective{
			{Topic: "orders", Role: RoleProducer, ClientPrincipal: "svc-a"},
			{Topic: "shipments", Role: RoleConsumer, ClientPrincipal: "svc-a",
				BootstrapServers: []string{"other-cluster:9092"}},
		},
	}
	require.NoError(t, valid.Validate())

	noTopics := BlockStorageDirective{Bucket: "b"}
	assert.ErrorContains(t, noTopics.Validate(), "no topics")

	dup := valid
	dup.Topics = append(dup.Topics, TopicDirective{Topic: "orders", Role: RoleConsumer})
	assert.ErrorContains(t, dup.Validate(), "duplicate topic")

	badBroker := BlockStorageDirective{
		Topics: []TopicDirective{
			{Topic: "orders", Role: RoleProducer, BootstrapServers: []string{"no-port"}},
		},
	}
	assert.ErrorContains(t, badBroker.Validate(), "unparseable bootstrap server")
}

func TestBlockStorageDirectiveRoleSplit(t *testing.T) {
	d := BlockStorageDirective{
		Topics: []TopicDirective{
			{Topic: "in", Role: RoleProducer},
			{Topic: "out", Role: RoleConsumer},
			{Topic: "audit", Role: RoleConsumer},
		},
	}
	assert.Len(t, d.ProducerTopics(), 1)
	assert.Len(t, d.ConsumerTopics(), 2)

	got, ok := d.Topic("audit")
	require.True(t, ok)
	assert.Equal(t, RoleConsumer, got.Role)
	_, ok = d.Topic("missing")
	assert.False(t, ok)
}

func TestStateTerminal(t *testing.T) {
	for _, s := range []State{StateCompleted, StateException, StateShuttingDown} {
		assert.True(t, s.Terminal(), s)
	}
	for _, s := range []State{StateSetup, StateLoading, StateLoaded, StateTesting} {
		assert.False(t, s.Terminal(), s)
	}
}
