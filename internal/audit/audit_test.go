package audit

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vitalcare/go-vha/pkg/circuitbreaker"
)

func TestNewEvent(t *testing.T) {
	ev := NewEvent(EventRecordCreated, 7, "clinic-a", map[string]string{"k": "v"})

	assert.NotEmpty(t, ev.ID)
	assert.Equal(t, EventRecordCreated, ev.Type)
	assert.Equal(t, uint64(7), ev.RecordID)
	assert.Equal(t, "clinic-a", ev.Actor)
	assert.False(t, ev.At.IsZero())
	assert.JSONEq(t, `{"k":"v"}`, string(ev.Detail))

	// Ids are unique per event.
	other := NewEvent(EventRecordCreated, 7, "clinic-a", nil)
	assert.NotEqual(t, ev.ID, other.ID)
	assert.Nil(t, other.Detail)
}

func TestNewEvent_UnserializableDetailDropped(t *testing.T) {
	ev := NewEvent(EventRecordUpdated, 1, "clinic-a", func() {})
	assert.Nil(t, ev.Detail)
}

type fakeProducer struct {
	mu     sync.Mutex
	topics []string
	keys   []string
	values [][]byte
	err    error
}

func (p *fakeProducer) ProduceMessage(_ context.Context, topic, key string, value []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.err != nil {
		return p.err
	}
	p.topics = append(p.topics, topic)
	p.keys = append(p.keys, key)
	p.values = append(p.values, value)
	return nil
}

func newTestBreaker(t *testing.T) *circuitbreaker.CircuitBreaker {
	t.Helper()
	breaker, err := circuitbreaker.New(circuitbreaker.DefaultConfig("test-audit"), nil)
	require.NoError(t, err)
	return breaker
}

func TestKafkaPublisher_PublishesKeyedByRecordID(t *testing.T) {
	producer := &fakeProducer{}
	pub := NewKafkaPublisher(producer, newTestBreaker(t), "health.record.audit", nil)

	ev := NewEvent(EventMedicationTracked, 42, "clinic-a", map[string]string{"medication": "ibuprofen"})
	require.NoError(t, pub.Publish(context.Background(), ev))

	require.Len(t, producer.values, 1)
	assert.Equal(t, "health.record.audit", producer.topics[0])
	assert.Equal(t, "42", producer.keys[0])

	var decoded Event
	require.NoError(t, json.Unmarshal(producer.values[0], &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
	assert.Equal(t, ev.Type, decoded.Type)
	assert.Equal(t, ev.RecordID, decoded.RecordID)
}

func TestKafkaPublisher_ProducerFailureSurfaces(t *testing.T) {
	producer := &fakeProducer{err: errors.New("broker down")}
	pub := NewKafkaPublisher(producer, newTestBreaker(t), "health.record.audit", nil)

	err := pub.Publish(context.Background(), NewEvent(EventRecordDeleted, 1, "clinic-a", nil))
	require.Error(t, err)
	assert.ErrorContains(t, err, "broker down")
}
