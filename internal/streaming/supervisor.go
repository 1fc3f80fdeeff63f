package streaming

import (
	"fmt"

	"go.uber.org/zap"

	"github.com/ILLUVRSE/pipeline-harness/internal/model"
)

// Pair is the supervisor over a test's producer and consumer streaming
// workers. It owns construction, the combined Initialize fan-out, and
// shutdown ordering; the workers own the blocking Kafka clients. Panics in
// worker setup surface as errors to the FSM rather than crashing the
// process.
type Pair struct {
	Producer *Producer
	Consumer *Consumer
	log      *zap.Logger
	onError  func(error)
}

// NewPair builds both workers under one supervisor.
func NewPair(pcfg ProducerConfig, ccfg ConsumerConfig, logger *zap.Logger, onError func(error)) *Pair {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Pair{
		Producer: NewProducer(pcfg),
		Consumer: NewConsumer(ccfg),
		log:      logger.Named("streaming"),
		onError:  onError,
	}
}

// Initialize starts both workers against the directive and the vault's
// security directives.
func (p *Pair) Initialize(directive model.BlockStorageDirective, security []model.KafkaSecurityDirective) {
	defer p.recover()
	p.Producer.Initialize(directive, security)
	p.Consumer.Initialize(directive, security)
}

// Stop stops the consumer before the producer so in-flight asserts see
// every indexed record before the write side disappears.
func (p *Pair) Stop() {
	defer p.recover()
	p.Consumer.Stop()
	p.Producer.Stop()
}

func (p *Pair) recover() {
	if r := recover(); r != nil {
		p.log.Error("streaming supervisor recovered", zap.Any("panic", r))
		if p.onError != nil {
			p.onError(fmt.Errorf("streaming worker panic: %v", r))
		}
	}
}
