// Package agenttype maps type tags to constructible agent variants and
// publishes their metadata as a discoverable catalog.
package agenttype

import (
	"context"
	"sync"
	"time"

	"github.com/KafClaw/KafMesh/internal/topology"
)

// Agent is the interface every mesh variant implements. Dispatch to the
// concrete variant happens once, in its Constructor.
type Agent interface {
	Name() string
	Type() string
	HandleMessage(ctx context.Context, content string, meta map[string]any) error
	Describe() map[string]any
}

// SendFunc delivers a message from one agent to another through the mesh runtime.
type SendFunc func(ctx context.Context, from, to, content string, meta map[string]any) error

// Deps is what a variant may use at construction time.
type Deps struct {
	Name         string
	Persona      string
	Usage        string
	Capabilities []string

	// Send is nil when no transport is attached.
	Send SendFunc
	// Outgoing lists edges leaving a node.
	Outgoing func(name string) []topology.Edge
	// OnCritical is the critical-event hook; nil disables it.
	OnCritical func(content string, meta map[string]any) bool
	Now        func() time.Time
}

// Constructor builds one variant instance.
type Constructor func(Deps) Agent

// base carries the bookkeeping shared by all variants.
type base struct {
	mu       sync.Mutex
	name     string
	typ      string
	persona  string
	usage    string
	caps     []string
	now      func() time.Time
	received int
	last     string
	lastAt   time.Time
}

func newBase(d Deps, typ string) *base {
	now := d.Now
	if now == nil {
		now = time.Now
	}
	return &base{
		name:    d.Name,
		typ:     typ,
		persona: d.Persona,
		usage:   d.Usage,
		caps:    d.Capabilities,
		now:     now,
	}
}

func (b *base) Name() string { return b.name }
func (b *base) Type() string { return b.typ }

func (b *base) record(content string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.received++
	b.last = content
	b.lastAt = b.now()
}

func (b *base) HandleMessage(_ context.Context, content string, _ map[string]any) error {
	b.record(content)
	return nil
}

func (b *base) Describe() map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	info := map[string]any{
		"name":         b.name,
		"type":         b.typ,
		"persona":      b.persona,
		"usage":        b.usage,
		"capabilities": append([]string(nil), b.caps...),
		"received":     b.received,
	}
	if b.received > 0 {
		info["last_message"] = b.last
		info["last_message_at"] = b.lastAt.UTC().Format(time.RFC3339)
	}
	return info
}
