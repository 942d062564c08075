package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"

	"go.uber.org/zap"

	"github.com/vitalcare/go-vha/pkg/circuitbreaker"
)

// MessageProducer is the slice of the Kafka producer the publisher needs.
type MessageProducer interface {
	ProduceMessage(ctx context.Context, topic, key string, value []byte) error
}

// KafkaPublisher publishes audit events straight to the audit topic. Sends
// run through a circuit breaker so a dead broker degrades to dropped audit
// events instead of stalling every mutation.
type KafkaPublisher struct {
	producer MessageProducer
	breaker  *circuitbreaker.CircuitBreaker
	topic    string
	logger   *zap.Logger
}

// NewKafkaPublisher creates a publisher for the given topic. Events are keyed
// by record id so all events for one record land on the same partition, in
// order.
func NewKafkaPublisher(producer MessageProducer, breaker *circuitbreaker.CircuitBreaker, topic string, logger *zap.Logger) *KafkaPublisher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &KafkaPublisher{
		producer: producer,
		breaker:  breaker,
		topic:    topic,
		logger:   logger,
	}
}

// Publish sends one event through the breaker.
func (p *KafkaPublisher) Publish(ctx context.Context, ev Event) error {
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode audit event: %w", err)
	}

	key := strconv.FormatUint(ev.RecordID, 10)
	_, err = p.breaker.Execute(ctx, func() (interface{}, error) {
		return nil, p.producer.ProduceMessage(ctx, p.topic, key, payload)
	})
	if err != nil {
		return fmt.Errorf("publish audit event: %w", err)
	}

	p.logger.Debug("audit event published",
		zap.String("type", string(ev.Type)),
		zap.Uint64("record_id", ev.RecordID))
	return nil
}
