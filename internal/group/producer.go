package group

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
)

// Producer writes records to Kafka topics.
type Producer interface {
	Produce(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// KafkaProducer implements Producer with a kafka-go Writer.
type KafkaProducer struct {
	w *kafka.Writer
}

// NewKafkaProducer creates a producer for the comma separated broker list.
// The topic is chosen per record.
func NewKafkaProducer(brokers string) (*KafkaProducer, error) {
	list := splitBrokers(brokers)
	if len(list) == 0 {
		return nil, fmt.Errorf("kafka producer: no brokers configured")
	}
	return &KafkaProducer{w: &kafka.Writer{
		Addr:                   kafka.TCP(list...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireOne,
		AllowAutoTopicCreation: true,
		BatchTimeout:           50 * time.Millisecond,
	}}, nil
}

// Produce writes one record synchronously.
func (p *KafkaProducer) Produce(ctx context.Context, topic string, key, value []byte) error {
	return p.w.WriteMessages(ctx, kafka.Message{Topic: topic, Key: key, Value: value})
}

// Close flushes and closes the writer.
func (p *KafkaProducer) Close() error { return p.w.Close() }

// ProducedRecord is one record captured by a ChannelProducer.
type ProducedRecord struct {
	Topic string
	Key   []byte
	Value []byte
}

// ChannelProducer is an in-process Producer for tests.
type ChannelProducer struct {
	mu      sync.Mutex
	records []ProducedRecord
	ch      chan ProducedRecord
}

// NewChannelProducer creates a producer that also signals each record on C().
func NewChannelProducer() *ChannelProducer {
	return &ChannelProducer{ch: make(chan ProducedRecord, 100)}
}

func (p *ChannelProducer) Produce(_ context.Context, topic string, key, value []byte) error {
	rec := ProducedRecord{Topic: topic, Key: append([]byte(nil), key...), Value: append([]byte(nil), value...)}
	p.mu.Lock()
	p.records = append(p.records, rec)
	p.mu.Unlock()
	select {
	case p.ch <- rec:
	default:
	}
	return nil
}

// C delivers produced records as they arrive.
func (p *ChannelProducer) C() <-chan ProducedRecord { return p.ch }

// Records returns every produced record.
func (p *ChannelProducer) Records() []ProducedRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]ProducedRecord(nil), p.records...)
}

func (p *ChannelProducer) Close() error { return nil }
