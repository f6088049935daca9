package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/KafClaw/KafMesh/internal/agenttype"
	"github.com/KafClaw/KafMesh/internal/bus"
	"github.com/KafClaw/KafMesh/internal/naming"
	"github.com/KafClaw/KafMesh/internal/timeline"
	"github.com/KafClaw/KafMesh/internal/topology"
)

// MinPersonaLen is the shortest persona accepted after trimming.
const MinPersonaLen = 10

// Seed node names.
const (
	RouterName          = "router"
	CriticalMonitorName = "critical_monitor"
)

var (
	ErrPersonaTooShort = fmt.Errorf("%w: persona too short (min %d chars)", naming.ErrValidation, MinPersonaLen)
	ErrEmptyContent    = fmt.Errorf("%w: content is required", naming.ErrValidation)
	ErrUnknownTargets  = fmt.Errorf("%w: %w", naming.ErrValidation, topology.ErrUnknownNode)
	ErrNoRuntime       = errors.New("no mesh runtime attached")
)

// MutationRecorder persists audit entries. timeline.TimelineService satisfies it.
type MutationRecorder interface {
	RecordMutation(m *timeline.Mutation) error
}

// Options wires an Orchestrator.
type Options struct {
	Store    *topology.Store
	Registry *agenttype.Registry
	// Runtime is optional; without it agents are built but not addressable.
	Runtime *bus.Runtime
	Audit   MutationRecorder
	Now     func() time.Time
}

// Orchestrator applies validated mutations to the topology and keeps the
// live agent instances in step with it.
type Orchestrator struct {
	store    *topology.Store
	registry *agenttype.Registry
	runtime  *bus.Runtime
	audit    MutationRecorder
	now      func() time.Time

	// createMu serializes name resolution with node insertion.
	createMu sync.Mutex

	mu       sync.RWMutex
	agents   map[string]agenttype.Agent
	critical func(content string, meta map[string]any) bool
}

// New creates an Orchestrator.
func New(opts Options) *Orchestrator {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Orchestrator{
		store:    opts.Store,
		registry: opts.Registry,
		runtime:  opts.Runtime,
		audit:    opts.Audit,
		now:      now,
		agents:   make(map[string]agenttype.Agent),
	}
}

// SetCriticalHook installs the hook critical_monitor agents call. It applies
// to agents created before and after the call.
func (o *Orchestrator) SetCriticalHook(fn func(content string, meta map[string]any) bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.critical = fn
}

func (o *Orchestrator) onCritical(content string, meta map[string]any) bool {
	o.mu.RLock()
	fn := o.critical
	o.mu.RUnlock()
	if fn == nil {
		return false
	}
	return fn(content, meta)
}

// Store returns the topology the orchestrator mutates.
func (o *Orchestrator) Store() *topology.Store { return o.store }

// Registry returns the agent type registry.
func (o *Orchestrator) Registry() *agenttype.Registry { return o.registry }

// CreateAgent validates the request, adds the node, instantiates and
// registers its agent, then connects it to the requested targets.
func (o *Orchestrator) CreateAgent(ctx context.Context, req CreateRequest) (res *CreateResult, err error) {
	defer func() { o.recordCreate(ctx, req, res, err) }()

	if _, err := naming.Validate(req.Name); err != nil {
		return nil, err
	}
	tag := strings.TrimSpace(req.Type)
	if tag == "" {
		tag = agenttype.DefaultType
	}
	ctor, spec, err := o.registry.Resolve(tag)
	if err != nil {
		return nil, err
	}

	persona := strings.TrimSpace(req.Persona)
	if persona == "" {
		persona = strings.TrimSpace(spec.DefaultPersona)
	}
	if utf8.RuneCountInString(persona) < MinPersonaLen {
		return nil, ErrPersonaTooShort
	}
	usage := strings.TrimSpace(req.Usage)
	if usage == "" {
		usage = spec.DefaultUsage
	}

	var targets, skipped []string
	for _, t := range req.ConnectTo {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if !o.store.HasNode(t) {
			skipped = append(skipped, t)
			continue
		}
		targets = append(targets, t)
	}
	if len(skipped) > 0 && !req.SkipUnknownTargets {
		return nil, fmt.Errorf("%w: unknown connect_to targets %v", ErrUnknownTargets, skipped)
	}

	o.createMu.Lock()
	name := naming.Uniqueify(req.Name, naming.NameSet(o.store.Names()))
	id, err := o.store.AddNode(name, spec.Type, persona, usage)
	o.createMu.Unlock()
	if err != nil {
		return nil, err
	}

	agent := ctor(o.deps(name, persona, usage, spec.Capabilities))
	o.mu.Lock()
	o.agents[name] = agent
	o.mu.Unlock()
	if o.runtime != nil {
		if err := o.runtime.Register(agent); err != nil {
			slog.Warn("Agent not registered with mesh runtime", "name", name, "error", err)
		}
	}

	connected := []string{}
	for _, t := range targets {
		if t == name {
			skipped = append(skipped, t)
			continue
		}
		if _, _, err := o.store.AddEdge(name, t); err != nil {
			skipped = append(skipped, t)
			continue
		}
		connected = append(connected, t)
	}

	slog.Info("Agent created", "name", name, "type", spec.Type, "node_id", id, "connected", len(connected), "skipped", len(skipped))
	return &CreateResult{
		Created:     true,
		Name:        name,
		NodeID:      id,
		Type:        spec.Type,
		ConnectedTo: connected,
		Skipped:     skipped,
	}, nil
}

func (o *Orchestrator) deps(name, persona, usage string, caps []string) agenttype.Deps {
	d := agenttype.Deps{
		Name:         name,
		Persona:      persona,
		Usage:        usage,
		Capabilities: caps,
		Outgoing:     o.store.Outgoing,
		OnCritical:   o.onCritical,
		Now:          o.now,
	}
	if o.runtime != nil {
		rt := o.runtime
		d.Send = func(ctx context.Context, from, to, content string, meta map[string]any) error {
			return rt.Send(ctx, &bus.Message{From: from, To: to, Content: content, Metadata: meta})
		}
	}
	return d
}

// AddEdge creates src->dst and, when bidirectional, dst->src. Both endpoints
// must exist; nothing is created otherwise.
func (o *Orchestrator) AddEdge(ctx context.Context, req EdgeRequest) (res *EdgeResult, err error) {
	defer func() { o.record(ctx, "add_edge", req.Src+"->"+req.Dst, req, err) }()

	for _, n := range []string{req.Src, req.Dst} {
		if !o.store.HasNode(n) {
			return nil, fmt.Errorf("%w: %s", topology.ErrUnknownNode, n)
		}
	}
	res = &EdgeResult{}
	pairs := [][2]string{{req.Src, req.Dst}}
	if req.Bidirectional {
		if req.Src == req.Dst {
			res.Skipped = append(res.Skipped, "reverse edge: src == dst")
		} else {
			pairs = append(pairs, [2]string{req.Dst, req.Src})
		}
	}
	for _, p := range pairs {
		e, created, err := o.store.AddEdge(p[0], p[1])
		if err != nil {
			return nil, err
		}
		c := created
		res.Edges = append(res.Edges, EdgeView{From: e.From, To: e.To, State: e.State, Created: &c})
	}
	slog.Info("Edges added", "src", req.Src, "dst", req.Dst, "count", len(res.Edges))
	return res, nil
}

// SetEdgeState moves one or both directions to the requested state.
// Every touched edge must already exist; nothing changes otherwise.
func (o *Orchestrator) SetEdgeState(ctx context.Context, req StateRequest) (res *StateResult, err error) {
	defer func() { o.record(ctx, "set_edge_state", req.Src+"->"+req.Dst, req, err) }()

	state, err := topology.ParseState(req.State)
	if err != nil {
		return nil, err
	}
	pairs := [][2]string{{req.Src, req.Dst}}
	if req.Bidirectional && req.Src != req.Dst {
		pairs = append(pairs, [2]string{req.Dst, req.Src})
	}
	for _, p := range pairs {
		if _, ok := o.store.EdgeState(p[0], p[1]); !ok {
			return nil, fmt.Errorf("%w: %s->%s", topology.ErrUnknownEdge, p[0], p[1])
		}
	}
	res = &StateResult{}
	for _, p := range pairs {
		changed, err := o.store.SetEdgeState(p[0], p[1], state)
		if err != nil {
			return nil, err
		}
		c := changed
		res.Edges = append(res.Edges, EdgeView{From: p[0], To: p[1], State: state, Changed: &c})
	}
	return res, nil
}

// SetNodeState changes a node's state. Non-NORMAL nodes receive no messages.
func (o *Orchestrator) SetNodeState(ctx context.Context, name, state string) (changed bool, err error) {
	defer func() { o.record(ctx, "set_node_state", name, map[string]string{"state": state}, err) }()
	st, err := topology.ParseState(state)
	if err != nil {
		return false, err
	}
	return o.store.SetNodeState(name, st)
}

// SendMessage queues a message for delivery through the mesh runtime.
func (o *Orchestrator) SendMessage(ctx context.Context, req SendRequest) (*SendResult, error) {
	if o.runtime == nil {
		return nil, ErrNoRuntime
	}
	if strings.TrimSpace(req.Content) == "" {
		return nil, ErrEmptyContent
	}
	if !o.store.HasNode(req.To) {
		return nil, fmt.Errorf("%w: %s", topology.ErrUnknownNode, req.To)
	}
	if req.From != "" && !o.store.HasNode(req.From) {
		return nil, fmt.Errorf("%w: %s", topology.ErrUnknownNode, req.From)
	}
	msg := &bus.Message{From: req.From, To: req.To, Content: req.Content, Metadata: req.Meta}
	if err := o.runtime.Send(ctx, msg); err != nil {
		return nil, err
	}
	return &SendResult{Queued: true, MessageID: msg.ID}, nil
}

// Seed creates the router hub and, when withCritical is set, a
// critical_monitor reachable from it. Existing seeds are left alone.
func (o *Orchestrator) Seed(ctx context.Context, withCritical bool) error {
	if !o.store.HasNode(RouterName) {
		if _, err := o.CreateAgent(ctx, CreateRequest{
			Name:    RouterName,
			Type:    "router",
			Persona: "Routes messages and acts as the central hub.",
		}); err != nil {
			return fmt.Errorf("seed router: %w", err)
		}
	}
	if !withCritical {
		return nil
	}
	if !o.store.HasNode(CriticalMonitorName) {
		if _, err := o.CreateAgent(ctx, CreateRequest{
			Name: CriticalMonitorName,
			Type: "critical_monitor",
		}); err != nil {
			return fmt.Errorf("seed critical monitor: %w", err)
		}
	}
	if _, err := o.AddEdge(ctx, EdgeRequest{Src: RouterName, Dst: CriticalMonitorName}); err != nil {
		return fmt.Errorf("seed critical edge: %w", err)
	}
	return nil
}

// Agent returns the live instance behind a node.
func (o *Orchestrator) Agent(name string) (agenttype.Agent, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	a, ok := o.agents[name]
	return a, ok
}

// Describe returns the self-description of every live agent.
func (o *Orchestrator) Describe() map[string]map[string]any {
	o.mu.RLock()
	agents := make([]agenttype.Agent, 0, len(o.agents))
	for _, a := range o.agents {
		agents = append(agents, a)
	}
	o.mu.RUnlock()
	out := make(map[string]map[string]any, len(agents))
	for _, a := range agents {
		out[a.Name()] = a.Describe()
	}
	return out
}

// Status summarizes topology and runtime counters.
func (o *Orchestrator) Status() Status {
	nodes, edges := o.store.Count()
	o.mu.RLock()
	registered := len(o.agents)
	o.mu.RUnlock()
	st := Status{Nodes: nodes, Edges: edges, Registered: registered}
	if o.runtime != nil {
		st.Pending = o.runtime.Pending()
	}
	return st
}

func (o *Orchestrator) recordCreate(ctx context.Context, req CreateRequest, res *CreateResult, err error) {
	subject := req.Name
	if res != nil {
		subject = res.Name
	}
	o.record(ctx, "create_agent", subject, req, err)
}

func (o *Orchestrator) record(ctx context.Context, kind, subject string, detail any, err error) {
	if o.audit == nil {
		return
	}
	m := &timeline.Mutation{
		Kind:      kind,
		Subject:   subject,
		OK:        err == nil,
		RunID:     RunIDFrom(ctx),
		CreatedAt: o.now(),
	}
	if b, jerr := json.Marshal(detail); jerr == nil {
		m.Detail = string(b)
	}
	if err != nil {
		m.ErrorText = err.Error()
	}
	if rerr := o.audit.RecordMutation(m); rerr != nil {
		slog.Warn("Failed to record mutation", "kind", kind, "error", rerr)
	}
}

type runIDKey struct{}

// WithRunID tags mutations made under ctx with the planner run that caused them.
func WithRunID(ctx context.Context, runID string) context.Context {
	return context.WithValue(ctx, runIDKey{}, runID)
}

// RunIDFrom returns the run id set by WithRunID.
func RunIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(runIDKey{}).(string)
	return id
}
