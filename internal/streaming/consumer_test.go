package streaming

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ILLUVRSE/pipeline-harness/internal/cloudevent"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/registry"
	"github.com/ILLUVRSE/pipeline-harness/internal/serde"
)

// fakeReader replays queued messages then blocks until the poll context ends.
type fakeReader struct {
	mu      sync.Mutex
	msgs    []kafka.Message
	commits [][]kafka.Message
}

func (f *fakeReader) push(msgs ...kafka.Message) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.msgs = append(f.msgs, msgs...)
}

func (f *fakeReader) FetchMessage(ctx context.Context) (kafka.Message, error) {
	f.mu.Lock()
	if len(f.msgs) > 0 {
		m := f.msgs[0]
		f.msgs = f.msgs[1:]
		f.mu.Unlock()
		return m, nil
	}
	f.mu.Unlock()
	<-ctx.Done()
	return kafka.Message{}, ctx.Err()
}

func (f *fakeReader) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	batch := make([]kafka.Message, len(msgs))
	copy(batch, msgs)
	f.commits = append(f.commits, batch)
	return nil
}

func (f *fakeReader) Close() error { return nil }

func (f *fakeReader) committed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, b := range f.commits {
		n += len(b)
	}
	return n
}

func consumerDirective(filters []model.EventFilter) model.BlockStorageDirective {
	return model.BlockStorageDirective{
		Bucket: "bucket-a",
		Topics: []model.TopicDirective{
			{Topic: "shipments", Role: model.RoleConsumer, ClientPrincipal: "svc",
				KeySchemaType: model.SchemaJSON, ValueSchemaType: model.SchemaJSON,
				EventFilters: filters},
		},
	}
}

func consumerSecurity() []model.KafkaSecurityDirective {
	return []model.KafkaSecurityDirective{
		{Topic: "shipments", Role: model.RoleConsumer, SecurityProtocol: model.ProtocolPlaintext},
	}
}

type consumerHarness struct {
	consumer *Consumer
	reader   *fakeReader
	events   *registry.Registry
	testID   model.TestID
	factory  *serde.Factory
	group    string
}

func startConsumer(t *testing.T, filters []model.EventFilter) *consumerHarness {
	t.Helper()
	return startConsumerWith(t, consumerDirective(filters))
}

func startConsumerWith(t *testing.T, directive model.BlockStorageDirective) *consumerHarness {
	t.Helper()
	h := &consumerHarness{
		reader:  &fakeReader{},
		events:  registry.New(),
		testID:  model.NewTestID(),
		factory: testFactory(t),
	}
	h.events.Register(h.testID, nil)

	ready := make(chan struct{}, 1)
	errs := make(chan error, 1)
	h.consumer = NewConsumer(ConsumerConfig{
		TestID:          h.testID,
		DefaultBrokers:  []string{"localhost:9092"},
		Factory:         h.factory,
		Registry:        h.events,
		CommitBatchSize: 2,
		CommitInterval:  100 * time.Millisecond,

		OnReady: func() { ready <- struct{}{} },
		OnError: func(err error) { errs <- err },

		newReader: func(brokers []string, topic, groupID string, sd model.KafkaSecurityDirective) (kafkaReader, error) {
			h.group = groupID
			return h.reader, nil
		},
	})
	t.Cleanup(h.consumer.Stop)

	h.consumer.Initialize(directive, consumerSecurity())
	select {
	case <-ready:
	case err := <-errs:
		t.Fatalf("consumer init: %v", err)
	case <-time.After(2 * time.Second):
		t.Fatal("consumer never became ready")
	}
	return h
}

// message encodes a record the way the producer side frames it.
func (h *consumerHarness) message(t *testing.T, correlationID, eventType, payloadVersion string, offset int64) kafka.Message {
	t.Helper()
	ctx := context.Background()
	keyCodec, err := h.factory.Codec("shipments", model.RoleConsumer, true, model.SchemaJSON)
	require.NoError(t, err)
	valCodec, err := h.factory.Codec("shipments", model.RoleConsumer, false, model.SchemaJSON)
	require.NoError(t, err)

	key := cloudevent.New("upstream/service", eventType, "shipments", correlationID, payloadVersion)
	keyBytes, err := keyCodec.EncodeKey(ctx, key)
	require.NoError(t, err)
	valBytes, err := valCodec.EncodeValue(ctx, serde.NewJSONRecord(
		"ShipmentCreated", `{"type":"object"}`, map[string]interface{}{"shipment": correlationID}))
	require.NoError(t, err)

	return kafka.Message{Topic: "shipments", Key: keyBytes, Value: valBytes, Offset: offset}
}

func TestConsumerIndexesMatchingRecords(t *testing.T) {
	h := startConsumer(t, nil)
	assert.Equal(t, "harness-"+h.testID.String(), h.group)

	h.reader.push(h.message(t, "c-1", "shipment.created", "1.0", 1))

	got, err := h.events.FetchConsumedEvent(context.Background(), h.testID, "shipments", "c-1", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "shipment.created", got.Key.Type)
	assert.Equal(t, int64(1), got.Offset)
}

func TestConsumerFiltersByTypeAndVersion(t *testing.T) {
	h := startConsumer(t, []model.EventFilter{
		{EventType: "shipment.created", PayloadVersion: "2.0"},
	})

	h.reader.push(
		h.message(t, "c-old", "shipment.created", "1.0", 1),
		h.message(t, "c-other", "order.created", "2.0", 2),
		h.message(t, "c-new", "shipment.created", "2.0", 3),
	)

	got, err := h.events.FetchConsumedEvent(context.Background(), h.testID, "shipments", "c-new", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, "2.0", got.Key.PayloadVersion)

	_, err = h.events.FetchConsumedEvent(context.Background(), h.testID, "shipments", "c-old", 300*time.Millisecond)
	assert.ErrorIs(t, err, registry.ErrNotAvailable)
	assert.Equal(t, int64(2), h.consumer.Skipped())
}

func TestConsumerSkipsMalformedRecords(t *testing.T) {
	h := startConsumer(t, nil)

	good := h.message(t, "c-ok", "shipment.created", "1.0", 2)
	h.reader.push(
		kafka.Message{Topic: "shipments", Key: []byte("garbage"), Value: good.Value, Offset: 1},
		good,
	)

	_, err := h.events.FetchConsumedEvent(context.Background(), h.testID, "shipments", "c-ok", 3*time.Second)
	require.NoError(t, err)
	assert.Equal(t, int64(1), h.consumer.Skipped())

	// The malformed record still commits with its batch.
	require.Eventually(t, func() bool { return h.reader.committed() >= 2 }, 3*time.Second, 50*time.Millisecond)
}

func TestConsumerSkipsValueOutsideItsSchema(t *testing.T) {
	d := consumerDirective(nil)
	d.Topics[0].ValueSchemaType = model.SchemaAvro
	h := startConsumerWith(t, d)
	ctx := context.Background()

	keyCodec, err := h.factory.Codec("shipments", model.RoleConsumer, true, model.SchemaJSON)
	require.NoError(t, err)
	valCodec, err := h.factory.Codec("shipments", model.RoleConsumer, false, model.SchemaAvro)
	require.NoError(t, err)

	schema := `{"type":"record","name":"ShipmentCreated","fields":[{"name":"shipment","type":"string"}]}`
	rec, err := serde.NewAvroRecord(schema, map[string]interface{}{"shipment": "s-1"})
	require.NoError(t, err)
	goodVal, err := valCodec.EncodeValue(ctx, rec)
	require.NoError(t, err)

	goodKey, err := keyCodec.EncodeKey(ctx,
		cloudevent.New("upstream/service", "shipment.created", "shipments", "c-ok", "1.0"))
	require.NoError(t, err)
	badKey, err := keyCodec.EncodeKey(ctx,
		cloudevent.New("upstream/service", "shipment.created", "shipments", "c-bad", "1.0"))
	require.NoError(t, err)

	// Same framing and registered id, payload bytes from some other schema.
	badVal := append(append([]byte{}, goodVal[:5]...), 0xff, 0xff, 0xff, 0xff)
	h.reader.push(
		kafka.Message{Topic: "shipments", Key: badKey, Value: badVal, Offset: 1},
		kafka.Message{Topic: "shipments", Key: goodKey, Value: goodVal, Offset: 2},
	)

	_, err = h.events.FetchConsumedEvent(ctx, h.testID, "shipments", "c-ok", 3*time.Second)
	require.NoError(t, err)
	_, err = h.events.FetchConsumedEvent(ctx, h.testID, "shipments", "c-bad", 300*time.Millisecond)
	assert.ErrorIs(t, err, registry.ErrNotAvailable)
	assert.Equal(t, int64(1), h.consumer.Skipped())

	// The mismatched record still commits with its batch.
	require.Eventually(t, func() bool { return h.reader.committed() >= 2 }, 3*time.Second, 50*time.Millisecond)
}

func TestConsumerCommitsInBatches(t *testing.T) {
	h := startConsumer(t, nil)

	h.reader.push(
		h.message(t, "c-1", "shipment.created", "1.0", 1),
		h.message(t, "c-2", "shipment.created", "1.0", 2),
	)

	// Batch size is 2, so both offsets land in one commit.
	require.Eventually(t, func() bool { return h.reader.committed() == 2 }, 3*time.Second, 50*time.Millisecond)

	// A lone record commits on the interval timer instead.
	h.reader.push(h.message(t, "c-3", "shipment.created", "1.0", 3))
	require.Eventually(t, func() bool { return h.reader.committed() == 3 }, 3*time.Second, 50*time.Millisecond)
}
