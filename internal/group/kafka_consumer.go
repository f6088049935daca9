package group

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/segmentio/kafka-go"
)

// KafkaConsumer implements the Consumer interface using segmentio/kafka-go.
type KafkaConsumer struct {
	brokers       string
	consumerGroup string
	topics        []string
	readers       []*kafka.Reader
	messages      chan ConsumerMessage
	wg            sync.WaitGroup
	mu            sync.Mutex
}

// NewKafkaConsumer creates a Kafka consumer for the given topics.
func NewKafkaConsumer(brokers, consumerGroup string, topics []string) *KafkaConsumer {
	return &KafkaConsumer{
		brokers:       brokers,
		consumerGroup: consumerGroup,
		topics:        topics,
		messages:      make(chan ConsumerMessage, 100),
	}
}

// Start begins consuming from all configured topics.
func (c *KafkaConsumer) Start(ctx context.Context) error {
	brokerList := splitBrokers(c.brokers)
	if len(brokerList) == 0 {
		return fmt.Errorf("kafka consumer: no brokers configured")
	}
	for _, topic := range c.topics {
		c.startReader(ctx, brokerList, topic)
	}
	return nil
}

func (c *KafkaConsumer) startReader(ctx context.Context, brokerList []string, topic string) {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokerList,
		Topic:    topic,
		GroupID:  c.consumerGroup,
		MinBytes: 1,
		MaxBytes: 10e6,
	})

	c.mu.Lock()
	c.readers = append(c.readers, reader)
	c.mu.Unlock()

	c.wg.Add(1)
	go func(r *kafka.Reader, t string) {
		defer c.wg.Done()
		for {
			msg, err := r.ReadMessage(ctx)
			if err != nil {
				if ctx.Err() != nil || errors.Is(err, io.EOF) {
					return
				}
				slog.Warn("KafkaConsumer: read error", "topic", t, "error", err)
				continue
			}
			select {
			case c.messages <- ConsumerMessage{Topic: t, Key: msg.Key, Value: msg.Value}:
			case <-ctx.Done():
				return
			}
		}
	}(reader, topic)
}

// Messages returns the channel of consumed messages.
func (c *KafkaConsumer) Messages() <-chan ConsumerMessage {
	return c.messages
}

// Close stops all readers and closes the message channel once they exit.
func (c *KafkaConsumer) Close() error {
	c.mu.Lock()
	readers := c.readers
	c.readers = nil
	c.mu.Unlock()
	for _, r := range readers {
		r.Close()
	}
	c.wg.Wait()
	close(c.messages)
	return nil
}

// ChannelConsumer is a test/in-process Consumer implementation backed by a Go channel.
type ChannelConsumer struct {
	ch chan ConsumerMessage
}

// NewChannelConsumer creates an in-process consumer for testing.
func NewChannelConsumer() *ChannelConsumer {
	return &ChannelConsumer{
		ch: make(chan ConsumerMessage, 100),
	}
}

// Start is a no-op for the channel consumer.
func (c *ChannelConsumer) Start(ctx context.Context) error { return nil }

// Messages returns the message channel.
func (c *ChannelConsumer) Messages() <-chan ConsumerMessage { return c.ch }

// Close is a no-op; the sender owns the channel.
func (c *ChannelConsumer) Close() error { return nil }

// Send pushes a message into the channel consumer (for testing).
func (c *ChannelConsumer) Send(msg ConsumerMessage) {
	c.ch <- msg
}

func splitBrokers(s string) []string {
	var out []string
	for _, b := range strings.Split(s, ",") {
		if b = strings.TrimSpace(b); b != "" {
			out = append(out, b)
		}
	}
	return out
}
