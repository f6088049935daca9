// Package bus is the in-process mesh runtime: it registers agent handlers and
// delivers messages between them, gated by the topology's edge states.
package bus

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/KafClaw/KafMesh/internal/telemetry"
	"github.com/KafClaw/KafMesh/internal/topology"
)

// Well-known metadata keys.
const (
	MetaKeySender    = "sender"
	MetaKeyMessageID = "message_id"
	MetaKeySource    = "source"
)

var (
	ErrUnknownTarget    = fmt.Errorf("%w: no handler registered", topology.ErrUnknownEntity)
	ErrDuplicateHandler = errors.New("handler already registered")
	ErrQueueFull        = errors.New("mesh queue full")
)

// Handler is one addressable agent. agenttype.Agent satisfies it.
type Handler interface {
	Name() string
	HandleMessage(ctx context.Context, content string, meta map[string]any) error
}

// Gate answers the structural questions delivery depends on.
type Gate interface {
	Node(name string) (topology.Node, bool)
	EdgeState(from, to string) (topology.State, bool)
}

// Message is one unit of mesh traffic. An empty From marks an external sender.
type Message struct {
	ID        string         `json:"id"`
	From      string         `json:"from,omitempty"`
	To        string         `json:"to"`
	Content   string         `json:"content"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Timestamp time.Time      `json:"timestamp"`
}

// Delivery reports the outcome of one dispatched message to taps.
type Delivery struct {
	Message   *Message
	Delivered bool
	Reason    string
}

// Tap observes every dispatched message, delivered or dropped.
type Tap func(Delivery)

// Runtime owns the handler table and the dispatch queue.
type Runtime struct {
	gate     Gate
	inbound  chan *Message
	mu       sync.RWMutex
	handlers map[string]Handler
	taps     []Tap

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	dispatched metric.Int64Counter
}

// NewRuntime creates a runtime with a bounded queue.
func NewRuntime(gate Gate, capacity int) *Runtime {
	if capacity <= 0 {
		capacity = 256
	}
	r := &Runtime{
		gate:     gate,
		inbound:  make(chan *Message, capacity),
		handlers: make(map[string]Handler),
	}
	r.dispatched, _ = telemetry.Meter("github.com/KafClaw/KafMesh/internal/bus").Int64Counter(
		"kafmesh.bus.dispatched", metric.WithDescription("Dispatched mesh messages by outcome"))
	return r
}

// Register adds a handler under its name.
func (r *Runtime) Register(h Handler) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.handlers[h.Name()]; ok {
		return fmt.Errorf("%w: %s", ErrDuplicateHandler, h.Name())
	}
	r.handlers[h.Name()] = h
	slog.Debug("Mesh handler registered", "name", h.Name())
	return nil
}

// Handler returns the handler registered under name.
func (r *Runtime) Handler(name string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[name]
	return h, ok
}

// Subscribe registers a tap.
func (r *Runtime) Subscribe(tap Tap) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.taps = append(r.taps, tap)
}

// Send enqueues a message for its target. It never blocks: a full queue
// returns ErrQueueFull so handlers may send from inside dispatch.
func (r *Runtime) Send(ctx context.Context, msg *Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if _, ok := r.Handler(msg.To); !ok {
		return fmt.Errorf("%w: %s", ErrUnknownTarget, msg.To)
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}
	meta := make(map[string]any, len(msg.Metadata)+2)
	for k, v := range msg.Metadata {
		meta[k] = v
	}
	if msg.From != "" {
		meta[MetaKeySender] = msg.From
	}
	meta[MetaKeyMessageID] = msg.ID
	msg.Metadata = meta

	select {
	case r.inbound <- msg:
		return nil
	default:
		return fmt.Errorf("%w: dropped message to %s", ErrQueueFull, msg.To)
	}
}

// SenderOf returns the sending agent recorded in message metadata.
func (r *Runtime) SenderOf(meta map[string]any) (Handler, bool) {
	name, _ := meta[MetaKeySender].(string)
	if name == "" {
		return nil, false
	}
	return r.Handler(name)
}

// Activate starts the dispatcher. Calling it twice is a no-op.
func (r *Runtime) Activate(ctx context.Context) {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.cancel != nil {
		return
	}
	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.dispatchLoop(ctx, r.done)
	slog.Info("Mesh runtime activated")
}

// Deactivate stops the dispatcher and waits for it. Queued messages stay queued.
func (r *Runtime) Deactivate() {
	r.lifeMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.lifeMu.Unlock()
	if cancel == nil {
		return
	}
	cancel()
	<-done
	slog.Info("Mesh runtime deactivated")
}

// Active reports whether the dispatcher is running.
func (r *Runtime) Active() bool {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	return r.cancel != nil
}

// Run activates the runtime until ctx is done. Suited to errgroup.
func (r *Runtime) Run(ctx context.Context) error {
	r.Activate(ctx)
	<-ctx.Done()
	r.Deactivate()
	return nil
}

// Pending returns the number of queued messages.
func (r *Runtime) Pending() int {
	return len(r.inbound)
}

func (r *Runtime) dispatchLoop(ctx context.Context, done chan struct{}) {
	defer close(done)
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-r.inbound:
			r.dispatch(ctx, msg)
		}
	}
}

func (r *Runtime) dispatch(ctx context.Context, msg *Message) {
	d := Delivery{Message: msg}
	if reason := r.gated(msg); reason != "" {
		d.Reason = reason
		slog.Debug("Mesh message dropped", "from", msg.From, "to", msg.To, "reason", reason)
		r.publish(d)
		return
	}
	h, ok := r.Handler(msg.To)
	if !ok {
		d.Reason = "no handler"
		r.publish(d)
		return
	}
	d.Delivered = true
	if err := safeHandle(ctx, h, msg); err != nil {
		d.Reason = err.Error()
		slog.Warn("Mesh handler failed", "to", msg.To, "error", err)
	}
	r.publish(d)
}

// gated returns a non-empty reason when the topology forbids delivery.
func (r *Runtime) gated(msg *Message) string {
	if r.gate == nil {
		return ""
	}
	if n, ok := r.gate.Node(msg.To); ok && n.State != topology.StateNormal {
		return "target " + string(n.State)
	}
	if msg.From == "" {
		return ""
	}
	state, ok := r.gate.EdgeState(msg.From, msg.To)
	if !ok {
		return "no edge"
	}
	if state != topology.StateNormal {
		return "edge " + string(state)
	}
	return ""
}

func safeHandle(ctx context.Context, h Handler, msg *Message) (err error) {
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("handler panic: %v", rec)
		}
	}()
	return h.HandleMessage(ctx, msg.Content, msg.Metadata)
}

func (r *Runtime) publish(d Delivery) {
	if r.dispatched != nil {
		r.dispatched.Add(context.Background(), 1, metric.WithAttributes(attribute.Bool("delivered", d.Delivered)))
	}
	r.mu.RLock()
	taps := append([]Tap(nil), r.taps...)
	r.mu.RUnlock()
	for _, tap := range taps {
		tap(d)
	}
}
