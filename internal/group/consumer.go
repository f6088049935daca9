package group

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"maps"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/KafClaw/KafMesh/internal/bus"
	"github.com/KafClaw/KafMesh/internal/orchestrator"
)

// Consumer reads messages from Kafka topics.
type Consumer interface {
	// Start begins consuming from the configured topics.
	Start(ctx context.Context) error
	// Messages returns a channel of raw messages.
	Messages() <-chan ConsumerMessage
	// Close stops the consumer.
	Close() error
}

// ConsumerMessage is a raw message from Kafka.
type ConsumerMessage struct {
	Topic string
	Key   []byte
	Value []byte
}

// Sender injects a message into the mesh.
type Sender interface {
	SendMessage(ctx context.Context, req orchestrator.SendRequest) (*orchestrator.SendResult, error)
}

// BridgeOptions wires a Bridge.
type BridgeOptions struct {
	Sender   Sender
	Consumer Consumer
	Producer Producer
	Topics   TopicNames
	// NodeID identifies this process in envelopes; own envelopes are skipped.
	NodeID string
	// Outbox bounds delivery records waiting to be published.
	Outbox int
}

// Bridge routes inbound Kafka envelopes into the mesh and publishes every
// mesh delivery to the outbound topic.
type Bridge struct {
	sender   Sender
	consumer Consumer
	producer Producer
	topics   TopicNames
	nodeID   string
	outbox   chan Envelope
	dropped  atomic.Int64
	routed   atomic.Int64
}

// NewBridge creates a bridge.
func NewBridge(opts BridgeOptions) *Bridge {
	size := opts.Outbox
	if size <= 0 {
		size = 256
	}
	nodeID := opts.NodeID
	if nodeID == "" {
		nodeID = "kafmesh"
	}
	return &Bridge{
		sender:   opts.Sender,
		consumer: opts.Consumer,
		producer: opts.Producer,
		topics:   opts.Topics,
		nodeID:   nodeID,
		outbox:   make(chan Envelope, size),
	}
}

// Run consumes and publishes until ctx is cancelled.
func (b *Bridge) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	if b.consumer != nil {
		g.Go(func() error { return b.consume(ctx) })
	}
	if b.producer != nil {
		g.Go(func() error { return b.publish(ctx) })
	}
	slog.Info("Group bridge started", "inbound", b.topics.Inbound, "outbound", b.topics.Outbound)
	return g.Wait()
}

func (b *Bridge) consume(ctx context.Context) error {
	if err := b.consumer.Start(ctx); err != nil {
		return fmt.Errorf("group bridge: start consumer: %w", err)
	}
	defer b.consumer.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-b.consumer.Messages():
			if !ok {
				return nil
			}
			b.handleMessage(ctx, msg)
		}
	}
}

func (b *Bridge) handleMessage(ctx context.Context, msg ConsumerMessage) {
	var env Envelope
	if err := json.Unmarshal(msg.Value, &env); err != nil {
		slog.Warn("GroupBridge: unmarshal envelope", "error", err, "topic", msg.Topic)
		return
	}
	if env.SenderID == b.nodeID {
		return
	}
	if env.Type != EnvelopeMessage {
		slog.Debug("GroupBridge: ignored envelope", "type", env.Type, "topic", msg.Topic)
		return
	}

	data, err := json.Marshal(env.Payload)
	if err != nil {
		return
	}
	var payload MessagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		slog.Warn("GroupBridge: bad message payload", "error", err, "correlation_id", env.CorrelationID)
		return
	}
	meta := map[string]any{}
	for k, v := range payload.Meta {
		meta[k] = v
	}
	meta[bus.MetaKeySource] = "kafka"
	if env.CorrelationID != "" {
		meta["correlation_id"] = env.CorrelationID
	}

	res, err := b.sender.SendMessage(ctx, orchestrator.SendRequest{
		To:      payload.To,
		From:    payload.From,
		Content: payload.Content,
		Meta:    meta,
	})
	if err != nil {
		slog.Warn("GroupBridge: message rejected", "to", payload.To, "from", payload.From, "error", err)
		return
	}
	b.routed.Add(1)
	slog.Debug("GroupBridge: message routed to mesh", "message_id", res.MessageID, "to", payload.To)
}

// Tap is a bus.Tap that queues a delivery record. It never blocks the
// dispatcher; records are dropped when the outbox is full.
func (b *Bridge) Tap(d bus.Delivery) {
	if d.Message == nil {
		return
	}
	env := Envelope{
		Type:          EnvelopeDelivery,
		CorrelationID: d.Message.ID,
		SenderID:      b.nodeID,
		Timestamp:     time.Now().UTC(),
		Payload: DeliveryPayload{
			MessageID: d.Message.ID,
			From:      d.Message.From,
			To:        d.Message.To,
			Content:   d.Message.Content,
			Delivered: d.Delivered,
			Reason:    d.Reason,
			Meta:      maps.Clone(d.Message.Metadata),
		},
	}
	select {
	case b.outbox <- env:
	default:
		if n := b.dropped.Add(1); n == 1 || n%100 == 0 {
			slog.Warn("GroupBridge: outbox full, delivery records dropped", "dropped", n)
		}
	}
}

func (b *Bridge) publish(ctx context.Context) error {
	defer b.producer.Close()
	for {
		select {
		case <-ctx.Done():
			return nil
		case env := <-b.outbox:
			data, err := json.Marshal(env)
			if err != nil {
				slog.Warn("GroupBridge: encode delivery", "error", err)
				continue
			}
			pctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err = b.producer.Produce(pctx, b.topics.Outbound, []byte(env.CorrelationID), data)
			cancel()
			if err != nil && ctx.Err() == nil {
				slog.Warn("GroupBridge: publish delivery", "topic", b.topics.Outbound, "error", err)
			}
		}
	}
}

// Stats reports routed inbound messages and dropped delivery records.
func (b *Bridge) Stats() (routed, dropped int64) {
	return b.routed.Load(), b.dropped.Load()
}
