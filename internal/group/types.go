// Package group bridges the mesh runtime to Kafka: inbound envelopes become
// mesh messages, every dispatched message is published as a delivery record.
package group

import (
	"time"

	"github.com/KafClaw/KafMesh/internal/config"
)

// Envelope is the wire format for all Kafka group messages.
type Envelope struct {
	Type          string    `json:"type"`
	CorrelationID string    `json:"correlation_id"`
	SenderID      string    `json:"sender_id"`
	Timestamp     time.Time `json:"timestamp"`
	Payload       any       `json:"payload"`
}

// Envelope type constants.
const (
	EnvelopeMessage  = "message"
	EnvelopeDelivery = "delivery"
)

// MessagePayload asks the mesh to deliver content to an agent.
type MessagePayload struct {
	To      string         `json:"to"`
	From    string         `json:"from,omitempty"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// DeliveryPayload reports the outcome of one dispatched mesh message.
type DeliveryPayload struct {
	MessageID string         `json:"message_id"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to"`
	Content   string         `json:"content"`
	Delivered bool           `json:"delivered"`
	Reason    string         `json:"reason,omitempty"`
	Meta      map[string]any `json:"meta,omitempty"`
}

// TopicNames are the Kafka topics the bridge uses.
type TopicNames struct {
	Inbound  string
	Outbound string
}

// Topics returns the topic names configured in cfg.
func Topics(cfg config.GroupConfig) TopicNames {
	return TopicNames{Inbound: cfg.InboundTopic, Outbound: cfg.OutboundTopic}
}
