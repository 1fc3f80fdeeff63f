package streaming

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/metrics"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/registry"
	"github.com/ILLUVRSE/pipeline-harness/internal/serde"
)

// kafkaReader is the slice of kafka.Reader the consumer uses; tests swap in
// a fake.
type kafkaReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ConsumerConfig wires one consumer streaming worker to its test.
type ConsumerConfig struct {
	TestID          model.TestID
	DefaultBrokers  []string
	Factory         *serde.Factory
	Registry        *registry.Registry
	Metrics         *metrics.Metrics
	Logger          *zap.Logger
	CommitBatchSize int
	CommitInterval  time.Duration

	OnReady func()
	OnError func(error)

	// newReader overrides reader construction in tests.
	newReader func(brokers []string, topic, groupID string, sd model.KafkaSecurityDirective) (kafkaReader, error)
}

type consumerBinding struct {
	directive model.TopicDirective
	reader    kafkaReader
	keyCodec  serde.Codec
	valCodec  serde.Codec
}

// Consumer is the consumer streaming worker: one polling loop per consumer
// topic, filtering each record against the test's event filters, indexing
// matches into the event registry, and committing offsets in batches. A
// malformed record increments the skip counter and the loop keeps going.
type Consumer struct {
	cfg ConsumerConfig
	log *zap.Logger

	mu       sync.Mutex
	bindings []*consumerBinding

	skipped atomic.Int64

	initialized atomic.Bool
	stopOnce    sync.Once
	cancel      context.CancelFunc
	loops       sync.WaitGroup
}

// NewConsumer builds a consumer worker; it is inert until Initialize.
func NewConsumer(cfg ConsumerConfig) *Consumer {
	if cfg.CommitBatchSize <= 0 {
		cfg.CommitBatchSize = 20
	}
	if cfg.CommitInterval <= 0 {
		cfg.CommitInterval = time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.newReader == nil {
		cfg.newReader = func(brokers []string, topic, groupID string, sd model.KafkaSecurityDirective) (kafkaReader, error) {
			dialer, err := dialerFor(sd)
			if err != nil {
				return nil, err
			}
			return kafka.NewReader(kafka.ReaderConfig{
				Brokers:        brokers,
				Topic:          topic,
				GroupID:        groupID,
				Dialer:         dialer,
				MinBytes:       1,
				MaxBytes:       10 << 20,
				CommitInterval: 0, // commits are explicit and batched here
			}), nil
		}
	}
	return &Consumer{cfg: cfg, log: log.Named("consumer")}
}

// Skipped reports how many records were skipped as malformed or unmatched.
func (c *Consumer) Skipped() int64 { return c.skipped.Load() }

// Initialize binds a reader per consumer topic and starts the polling
// loops. Idempotent.
func (c *Consumer) Initialize(directive model.BlockStorageDirective, security []model.KafkaSecurityDirective) {
	if !c.initialized.CompareAndSwap(false, true) {
		c.log.Debug("duplicate initialize ignored")
		return
	}
	go func() {
		if err := c.bind(directive, security); err != nil {
			c.cfg.OnError(fmt.Errorf("consumer init: %w", err))
			return
		}
		ctx, cancel := context.WithCancel(context.Background())
		c.mu.Lock()
		c.cancel = cancel
		bindings := c.bindings
		c.mu.Unlock()
		for _, b := range bindings {
			c.loops.Add(1)
			go c.poll(ctx, b)
		}
		c.cfg.OnReady()
	}()
}

func (c *Consumer) bind(directive model.BlockStorageDirective, security []model.KafkaSecurityDirective) error {
	secByTopic := make(map[string]model.KafkaSecurityDirective, len(security))
	for _, sd := range security {
		secByTopic[sd.Topic] = sd
	}
	groupID := "harness-" + c.cfg.TestID.String()

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, t := range directive.ConsumerTopics() {
		sd, ok := secByTopic[t.Topic]
		if !ok {
			return fmt.Errorf("no security directive for topic %s", t.Topic)
		}
		brokers := t.BootstrapServers
		if len(brokers) == 0 {
			brokers = c.cfg.DefaultBrokers
		}
		reader, err := c.cfg.newReader(brokers, t.Topic, groupID, sd)
		if err != nil {
			return fmt.Errorf("topic %s: %w", t.Topic, err)
		}
		keyCodec, err := c.cfg.Factory.Codec(t.Topic, model.RoleConsumer, true, t.KeySchemaType)
		if err != nil {
			return err
		}
		valCodec, err := c.cfg.Factory.Codec(t.Topic, model.RoleConsumer, false, t.ValueSchemaType)
		if err != nil {
			return err
		}
		c.bindings = append(c.bindings, &consumerBinding{
			directive: t,
			reader:    reader,
			keyCodec:  keyCodec,
			valCodec:  valCodec,
		})
	}
	c.log.Info("consumer bound", zap.Int("topics", len(c.bindings)), zap.String("group", groupID))
	return nil
}

// poll is the long-running loop for one topic. Offsets commit only after
// matching records are indexed, so a crash before commit re-delivers and the
// index overwrite keeps the result identical.
func (c *Consumer) poll(ctx context.Context, b *consumerBinding) {
	defer c.loops.Done()
	defer func() {
		if err := b.reader.Close(); err != nil {
			c.log.Warn("close reader", zap.String("topic", b.directive.Topic), zap.Error(err))
		}
	}()

	var pending []kafka.Message
	timer := time.NewTimer(c.cfg.CommitInterval)
	defer timer.Stop()

	commit := func() {
		if len(pending) == 0 {
			return
		}
		commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := b.reader.CommitMessages(commitCtx, pending...); err != nil {
			c.log.Warn("commit failed", zap.String("topic", b.directive.Topic), zap.Error(err))
		} else if c.cfg.Metrics != nil {
			c.cfg.Metrics.CommittedBatches.Inc()
		}
		cancel()
		pending = pending[:0]
	}
	defer commit()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			commit()
			timer.Reset(c.cfg.CommitInterval)
		default:
		}

		fetchCtx, cancel := context.WithTimeout(ctx, 500*time.Millisecond)
		msg, err := b.reader.FetchMessage(fetchCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			continue
		}

		c.handle(ctx, b, msg)
		pending = append(pending, msg)
		if len(pending) >= c.cfg.CommitBatchSize {
			commit()
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(c.cfg.CommitInterval)
		}
	}
}

// handle decodes, filters, and indexes one record. Failures skip the record;
// the offset still commits with its batch.
func (c *Consumer) handle(ctx context.Context, b *consumerBinding, msg kafka.Message) {
	key, err := b.keyCodec.DecodeKey(ctx, msg.Key)
	if err != nil {
		c.skip("malformed key", b.directive.Topic, err)
		return
	}
	if err := b.valCodec.CheckValue(ctx, msg.Value); err != nil {
		c.skip("malformed value", b.directive.Topic, err)
		return
	}
	if !matchesFilter(b.directive.EventFilters, key.Type, key.PayloadVersion) {
		c.skipped.Add(1)
		if c.cfg.Metrics != nil {
			c.cfg.Metrics.RecordsSkipped.Inc()
		}
		return
	}
	err = c.cfg.Registry.Index(c.cfg.TestID, registry.ConsumedEvent{
		Topic:     b.directive.Topic,
		Key:       key,
		Value:     msg.Value,
		Partition: msg.Partition,
		Offset:    msg.Offset,
	})
	if err != nil {
		c.skip("index", b.directive.Topic, err)
		return
	}
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordsIndexed.Inc()
	}
}

func (c *Consumer) skip(reason, topic string, err error) {
	c.skipped.Add(1)
	if c.cfg.Metrics != nil {
		c.cfg.Metrics.RecordsSkipped.Inc()
	}
	c.log.Warn("record skipped",
		zap.String("topic", topic),
		zap.String("reason", reason),
		zap.Error(err))
}

func matchesFilter(filters []model.EventFilter, eventType, payloadVersion string) bool {
	if len(filters) == 0 {
		return true
	}
	for _, f := range filters {
		if f.EventType == eventType && f.PayloadVersion == payloadVersion {
			return true
		}
	}
	return false
}

// Stop short-circuits the polling loops, waits for them to drain their
// pending commits, and closes the readers.
func (c *Consumer) Stop() {
	c.stopOnce.Do(func() {
		c.mu.Lock()
		cancel := c.cancel
		c.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		done := make(chan struct{})
		go func() {
			c.loops.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(5 * time.Second):
			c.log.Warn("consumer loops did not drain in time")
		}
	})
}
