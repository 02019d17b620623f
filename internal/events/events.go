// Package events publishes settlement and escrow lifecycle events.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// Event types.
const (
	TypePaymentSettled       = "payment.settled"
	TypeEscrowOpened         = "escrow.opened"
	TypeEscrowDeposit        = "escrow.deposit"
	TypeEscrowPaymentCreated = "escrow.payment_created"
	TypeEscrowPaymentSettled = "escrow.payment_settled"
	TypeEscrowClosed         = "escrow.closed"
)

// Event is a single lifecycle notification. Key groups related events onto
// one partition.
type Event struct {
	ID       string          `json:"id"`
	Type     string          `json:"type"`
	Key      string          `json:"key"`
	Occurred time.Time       `json:"occurred"`
	Data     json.RawMessage `json:"data"`
}

// New builds an event with a fresh ID and data marshalled as JSON.
func New(eventType, key string, data interface{}) (Event, error) {
	raw, err := json.Marshal(data)
	if err != nil {
		return Event{}, fmt.Errorf("events: marshal %s: %w", eventType, err)
	}
	return Event{
		ID:       uuid.NewString(),
		Type:     eventType,
		Key:      key,
		Occurred: time.Now().UTC(),
		Data:     raw,
	}, nil
}

// Publisher delivers events.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

// Emit builds and publishes an event, logging rather than returning failures.
func Emit(ctx context.Context, p Publisher, log zerolog.Logger, eventType, key string, data interface{}) {
	ev, err := New(eventType, key, data)
	if err == nil {
		err = p.Publish(ctx, ev)
	}
	if err != nil {
		log.Warn().Err(err).Str("event", eventType).Str("key", key).Msg("publish event")
	}
}

// NopPublisher drops every event.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// MemoryPublisher keeps published events in memory.
type MemoryPublisher struct {
	mu     sync.Mutex
	events []Event
}

func (m *MemoryPublisher) Publish(_ context.Context, event Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events = append(m.events, event)
	return nil
}

// Events returns a copy of everything published so far.
func (m *MemoryPublisher) Events() []Event {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Event, len(m.events))
	copy(out, m.events)
	return out
}

// Types returns the type of every published event in order.
func (m *MemoryPublisher) Types() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.events))
	for i, e := range m.events {
		out[i] = e.Type
	}
	return out
}

var errProducerNotInitialised = errors.New("events: kafka producer not initialised")

// KafkaPublisher writes events as JSON to one Kafka topic.
type KafkaPublisher struct {
	producer sarama.SyncProducer
	topic    string
	log      zerolog.Logger
}

// ProducerConfig is the sarama configuration used for event publishing.
func ProducerConfig() *sarama.Config {
	cfg := sarama.NewConfig()
	cfg.Version = sarama.V2_5_0_0
	cfg.Producer.RequiredAcks = sarama.WaitForAll
	cfg.Producer.Retry.Max = 5
	cfg.Producer.Retry.Backoff = 250 * time.Millisecond
	cfg.Producer.Return.Successes = true
	cfg.Producer.Return.Errors = true
	cfg.Producer.Idempotent = true
	cfg.Net.MaxOpenRequests = 1
	return cfg
}

// NewKafkaPublisher connects to brokers.
func NewKafkaPublisher(brokers []string, topic string, log zerolog.Logger) (*KafkaPublisher, error) {
	if len(brokers) == 0 {
		return nil, errors.New("events: at least one broker is required")
	}
	producer, err := sarama.NewSyncProducer(brokers, ProducerConfig())
	if err != nil {
		return nil, fmt.Errorf("events: create producer: %w", err)
	}
	return NewKafkaPublisherFromProducer(producer, topic, log), nil
}

// NewKafkaPublisherFromProducer wraps an existing producer.
func NewKafkaPublisherFromProducer(producer sarama.SyncProducer, topic string, log zerolog.Logger) *KafkaPublisher {
	return &KafkaPublisher{producer: producer, topic: topic, log: log}
}

// Publish sends event synchronously.
func (k *KafkaPublisher) Publish(_ context.Context, event Event) error {
	if k == nil || k.producer == nil {
		return errProducerNotInitialised
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("events: marshal event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: k.topic,
		Value: sarama.ByteEncoder(payload),
		Headers: []sarama.RecordHeader{
			{Key: []byte("content-type"), Value: []byte("application/json")},
			{Key: []byte("event-type"), Value: []byte(event.Type)},
		},
	}
	if event.Key != "" {
		msg.Key = sarama.StringEncoder(event.Key)
	}

	partition, offset, err := k.producer.SendMessage(msg)
	if err != nil {
		return fmt.Errorf("events: publish %s: %w", event.Type, err)
	}
	k.log.Debug().Str("event", event.Type).Int32("partition", partition).Int64("offset", offset).Msg("event published")
	return nil
}

// Close shuts down the producer.
func (k *KafkaPublisher) Close() error {
	if k == nil || k.producer == nil {
		return nil
	}
	return k.producer.Close()
}
