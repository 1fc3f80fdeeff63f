package streaming

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/cloudevent"
	"github.com/ILLUVRSE/pipeline-harness/internal/metrics"
	"github.com/ILLUVRSE/pipeline-harness/internal/model"
	"github.com/ILLUVRSE/pipeline-harness/internal/serde"
)

// ErrOverloaded is the nack cause when the bounded produce queue is full.
var ErrOverloaded = errors.New("producer queue full")

// errStopped is replied to requests drained after shutdown began.
var errStopped = errors.New("producer stopped")

// kafkaWriter is the slice of kafka.Writer the producer uses; tests swap in
// a fake.
type kafkaWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// ProducerConfig wires one producer streaming worker to its test.
type ProducerConfig struct {
	TestID         model.TestID
	DefaultBrokers []string
	Factory        *serde.Factory
	Metrics        *metrics.Metrics
	Logger         *zap.Logger
	QueueSize      int
	WriteTimeout   time.Duration
	AskTimeout     time.Duration

	OnReady func()
	OnError func(error)

	// newWriter overrides writer construction in tests.
	newWriter func(brokers []string, sd model.KafkaSecurityDirective) (kafkaWriter, error)
}

type produceRequest struct {
	topic string
	key   cloudevent.Event
	value serde.Record
	reply chan error
}

type producerBinding struct {
	writer     kafkaWriter
	keyCodec   serde.Codec
	valueCodec serde.Codec
}

// Producer is the producer streaming worker: one serial loop over a bounded
// request queue, one writer per producer topic. Serialization may call the
// Schema Registry synchronously, which is why requests run on the worker
// goroutine and never on the caller's.
type Producer struct {
	cfg      ProducerConfig
	log      *zap.Logger
	requests chan produceRequest

	mu       sync.Mutex
	bindings map[string]*producerBinding

	initialized atomic.Bool
	running     atomic.Bool
	stopOnce    sync.Once
	done        chan struct{}
	loopExited  chan struct{}
}

// NewProducer builds a producer worker; it is inert until Initialize.
func NewProducer(cfg ProducerConfig) *Producer {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = 10 * time.Second
	}
	if cfg.AskTimeout <= 0 {
		cfg.AskTimeout = 10 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	if cfg.newWriter == nil {
		cfg.newWriter = func(brokers []string, sd model.KafkaSecurityDirective) (kafkaWriter, error) {
			transport, err := transportFor(sd)
			if err != nil {
				return nil, err
			}
			return &kafka.Writer{
				Addr:         kafka.TCP(brokers...),
				Balancer:     &kafka.Hash{},
				WriteTimeout: cfg.WriteTimeout,
				BatchTimeout: 10 * time.Millisecond,
				Transport:    transport,
			}, nil
		}
	}
	return &Producer{
		cfg:        cfg,
		log:        log.Named("producer"),
		requests:   make(chan produceRequest, cfg.QueueSize),
		bindings:   map[string]*producerBinding{},
		done:       make(chan struct{}),
		loopExited: make(chan struct{}),
	}
}

// Initialize builds a writer and codec pair per producer topic and starts
// the serial loop. Idempotent.
func (p *Producer) Initialize(directive model.BlockStorageDirective, security []model.KafkaSecurityDirective) {
	if !p.initialized.CompareAndSwap(false, true) {
		p.log.Debug("duplicate initialize ignored")
		return
	}
	go func() {
		if err := p.bind(directive, security); err != nil {
			p.cfg.OnError(fmt.Errorf("producer init: %w", err))
			return
		}
		p.running.Store(true)
		go p.run()
		p.cfg.OnReady()
	}()
}

func (p *Producer) bind(directive model.BlockStorageDirective, security []model.KafkaSecurityDirective) error {
	secByTopic := make(map[string]model.KafkaSecurityDirective, len(security))
	for _, sd := range security {
		secByTopic[sd.Topic] = sd
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, t := range directive.ProducerTopics() {
		sd, ok := secByTopic[t.Topic]
		if !ok {
			return fmt.Errorf("no security directive for topic %s", t.Topic)
		}
		brokers := t.BootstrapServers
		if len(brokers) == 0 {
			brokers = p.cfg.DefaultBrokers
		}
		writer, err := p.cfg.newWriter(brokers, sd)
		if err != nil {
			return fmt.Errorf("topic %s: %w", t.Topic, err)
		}
		keyCodec, err := p.cfg.Factory.Codec(t.Topic, model.RoleProducer, true, t.KeySchemaType)
		if err != nil {
			return err
		}
		valueCodec, err := p.cfg.Factory.Codec(t.Topic, model.RoleProducer, false, t.ValueSchemaType)
		if err != nil {
			return err
		}
		p.bindings[t.Topic] = &producerBinding{
			writer:     writer,
			keyCodec:   keyCodec,
			valueCodec: valueCodec,
		}
	}
	p.log.Info("producer bound", zap.Int("topics", len(p.bindings)))
	return nil
}

// Produce enqueues one produce request and waits for the broker ack. An
// overflowing queue sheds the request immediately with ErrOverloaded;
// replies preserve request order because the loop is serial.
func (p *Producer) Produce(ctx context.Context, topic string, key cloudevent.Event, value serde.Record) error {
	req := produceRequest{topic: topic, key: key, value: value, reply: make(chan error, 1)}
	select {
	case <-p.done:
		return errStopped
	default:
	}
	select {
	case p.requests <- req:
	default:
		if p.cfg.Metrics != nil {
			p.cfg.Metrics.ProduceNacks.Inc()
		}
		return ErrOverloaded
	}

	askCtx, cancel := context.WithTimeout(ctx, p.cfg.AskTimeout)
	defer cancel()
	select {
	case err := <-req.reply:
		return err
	case <-askCtx.Done():
		return fmt.Errorf("produce to %s: %w", topic, askCtx.Err())
	}
}

func (p *Producer) run() {
	defer close(p.loopExited)
	for {
		select {
		case <-p.done:
			p.drain()
			return
		case req := <-p.requests:
			req.reply <- p.send(req)
		}
	}
}

func (p *Producer) send(req produceRequest) error {
	p.mu.Lock()
	binding, ok := p.bindings[req.topic]
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("topic %s not bound for producing", req.topic)
	}
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.WriteTimeout)
	defer cancel()

	keyBytes, err := binding.keyCodec.EncodeKey(ctx, req.key)
	if err != nil {
		p.nack()
		return fmt.Errorf("encode key: %w", err)
	}
	valueBytes, err := binding.valueCodec.EncodeValue(ctx, req.value)
	if err != nil {
		p.nack()
		return fmt.Errorf("encode value: %w", err)
	}
	msg := kafka.Message{
		Topic: req.topic,
		Key:   keyBytes,
		Value: valueBytes,
		Time:  time.Now().UTC(),
		Headers: []kafka.Header{
			{Key: "ce_correlationid", Value: []byte(req.key.CorrelationID)},
			{Key: "ce_type", Value: []byte(req.key.Type)},
		},
	}
	if err := binding.writer.WriteMessages(ctx, msg); err != nil {
		p.nack()
		return fmt.Errorf("write to %s: %w", req.topic, err)
	}
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ProduceAcks.Inc()
	}
	return nil
}

func (p *Producer) nack() {
	if p.cfg.Metrics != nil {
		p.cfg.Metrics.ProduceNacks.Inc()
	}
}

// drain rejects queued requests so no caller is left waiting.
func (p *Producer) drain() {
	for {
		select {
		case req := <-p.requests:
			req.reply <- errStopped
		default:
			return
		}
	}
}

// Stop short-circuits the loop, drains the queue, and closes the writers.
func (p *Producer) Stop() {
	p.stopOnce.Do(func() {
		close(p.done)
		if p.running.Load() {
			select {
			case <-p.loopExited:
			case <-time.After(5 * time.Second):
			}
		}
		p.mu.Lock()
		defer p.mu.Unlock()
		for topic, b := range p.bindings {
			if err := b.writer.Close(); err != nil {
				p.log.Warn("close writer", zap.String("topic", topic), zap.Error(err))
			}
		}
	})
}
