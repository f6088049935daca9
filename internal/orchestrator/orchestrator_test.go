package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/KafClaw/KafMesh/internal/agenttype"
	"github.com/KafClaw/KafMesh/internal/bus"
	"github.com/KafClaw/KafMesh/internal/naming"
	"github.com/KafClaw/KafMesh/internal/timeline"
	"github.com/KafClaw/KafMesh/internal/topology"
)

type memAudit struct {
	mu   sync.Mutex
	muts []timeline.Mutation
}

func (m *memAudit) RecordMutation(mut *timeline.Mutation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.muts = append(m.muts, *mut)
	return nil
}

func newTestOrchestrator(t *testing.T, withRuntime bool) (*Orchestrator, *memAudit) {
	t.Helper()
	reg, err := agenttype.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	store := topology.NewStore()
	audit := &memAudit{}
	opts := Options{Store: store, Registry: reg, Audit: audit}
	if withRuntime {
		opts.Runtime = bus.NewRuntime(store, 32)
	}
	o := New(opts)
	if err := o.Seed(context.Background(), false); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return o, audit
}

func TestCreateAgentConnectsToRouter(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	ctx := context.Background()

	res, err := o.CreateAgent(ctx, CreateRequest{
		Name:      "battery_agent",
		Type:      "battery",
		Persona:   "Home battery that stores surplus solar.",
		ConnectTo: []string{"router"},
	})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	router, _ := o.Store().Node("router")
	if res.NodeID == router.ID {
		t.Errorf("node id %d collides with router", res.NodeID)
	}
	if res.Type != "house_battery" {
		t.Errorf("alias should resolve to house_battery, got %s", res.Type)
	}
	state, ok := o.Store().EdgeState("battery_agent", "router")
	if !ok || state != topology.StateNormal {
		t.Errorf("expected NORMAL edge battery_agent->router, got %v %v", state, ok)
	}
	if a, ok := o.Agent("battery_agent"); !ok || a.Type() != "house_battery" {
		t.Errorf("live agent missing or wrong type: %v", a)
	}
}

func TestCreateAgentRejectsProceduralName(t *testing.T) {
	o, audit := newTestOrchestrator(t, false)
	before, _ := o.Store().Count()

	_, err := o.CreateAgent(context.Background(), CreateRequest{Name: "create_agent_1", Persona: "a valid persona text"})
	if !errors.Is(err, naming.ErrProceduralNameLeak) {
		t.Fatalf("expected ErrProceduralNameLeak, got %v", err)
	}
	if after, _ := o.Store().Count(); after != before {
		t.Errorf("topology changed on rejection: %d -> %d", before, after)
	}
	last := audit.muts[len(audit.muts)-1]
	if last.Kind != "create_agent" || last.OK || last.ErrorText == "" {
		t.Errorf("rejection not audited: %+v", last)
	}
}

func TestCreateAgentUniqueNames(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	ctx := context.Background()

	var wg sync.WaitGroup
	names := make(chan string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := o.CreateAgent(ctx, CreateRequest{Name: "pv_panels", Type: "pv_panels"})
			if err != nil {
				t.Errorf("CreateAgent: %v", err)
				return
			}
			names <- res.Name
		}()
	}
	wg.Wait()
	close(names)

	seen := map[string]bool{}
	for n := range names {
		if seen[n] {
			t.Errorf("duplicate name %s", n)
		}
		seen[n] = true
		if n != "pv_panels" && !strings.HasPrefix(n, "pv_panels_") {
			t.Errorf("unexpected name %s", n)
		}
	}
	if !seen["pv_panels"] || len(seen) != 10 {
		t.Errorf("expected base name plus 9 suffixed, got %v", seen)
	}
}

func TestCreateAgentSuffixedNamesStayValid(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	ctx := context.Background()

	for _, base := range []string{"tornado", "battery_step"} {
		for i := 0; i < 3; i++ {
			res, err := o.CreateAgent(ctx, CreateRequest{Name: base, Type: "pv_panels"})
			if err != nil {
				t.Fatalf("CreateAgent(%s) #%d: %v", base, i, err)
			}
			if _, err := naming.Validate(res.Name); err != nil {
				t.Errorf("stored name %q fails validation: %v", res.Name, err)
			}
		}
	}
	for _, name := range o.Store().Names() {
		if _, err := naming.Validate(name); err != nil {
			t.Errorf("topology holds invalid name %q: %v", name, err)
		}
	}
}

func TestCreateAgentPersona(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	ctx := context.Background()

	if _, err := o.CreateAgent(ctx, CreateRequest{Name: "ev_charger", Type: "ev_charger", Persona: "  short  "}); !errors.Is(err, ErrPersonaTooShort) {
		t.Errorf("expected ErrPersonaTooShort, got %v", err)
	}
	res, err := o.CreateAgent(ctx, CreateRequest{Name: "ev_charger", Type: "ev_charger"})
	if err != nil {
		t.Fatalf("default persona should apply: %v", err)
	}
	n, _ := o.Store().Node(res.Name)
	spec, _ := o.Registry().Spec("ev_charger")
	if n.Persona != spec.DefaultPersona || n.Usage != spec.DefaultUsage {
		t.Errorf("defaults not applied: %+v", n)
	}
}

func TestCreateAgentUnknownTargets(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	ctx := context.Background()

	_, err := o.CreateAgent(ctx, CreateRequest{Name: "pv_panels", ConnectTo: []string{"router", "ghost"}})
	if !errors.Is(err, ErrUnknownTargets) || !errors.Is(err, naming.ErrValidation) || !errors.Is(err, topology.ErrUnknownEntity) {
		t.Fatalf("expected ErrUnknownTargets, got %v", err)
	}
	if o.Store().HasNode("pv_panels") {
		t.Fatal("rejected request must not create a node")
	}

	res, err := o.CreateAgent(ctx, CreateRequest{Name: "pv_panels", ConnectTo: []string{"router", "ghost"}, SkipUnknownTargets: true})
	if err != nil {
		t.Fatalf("CreateAgent: %v", err)
	}
	if len(res.ConnectedTo) != 1 || res.ConnectedTo[0] != "router" {
		t.Errorf("unexpected connected %v", res.ConnectedTo)
	}
	if len(res.Skipped) != 1 || res.Skipped[0] != "ghost" {
		t.Errorf("unexpected skipped %v", res.Skipped)
	}
}

func TestCreateAgentReservedAndUnknownType(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	ctx := context.Background()
	if _, err := o.CreateAgent(ctx, CreateRequest{Name: "thing", Type: "dynamic", Persona: "a valid persona"}); !errors.Is(err, agenttype.ErrReserved) {
		t.Errorf("expected ErrReserved, got %v", err)
	}
	if _, err := o.CreateAgent(ctx, CreateRequest{Name: "thing", Type: "warp_core", Persona: "a valid persona"}); !errors.Is(err, agenttype.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestAddEdgeGate(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	ctx := context.Background()
	_, edgesBefore := o.Store().Count()

	if _, err := o.AddEdge(ctx, EdgeRequest{Src: "router", Dst: "ghost", Bidirectional: true}); !errors.Is(err, topology.ErrUnknownNode) {
		t.Fatalf("expected ErrUnknownNode, got %v", err)
	}
	if _, edges := o.Store().Count(); edges != edgesBefore {
		t.Error("gate failure must not create edges")
	}
}

func TestAddEdgeBidirectional(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	ctx := context.Background()
	o.CreateAgent(ctx, CreateRequest{Name: "pv_panels", Type: "pv_panels"})

	res, err := o.AddEdge(ctx, EdgeRequest{Src: "router", Dst: "pv_panels", Bidirectional: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Edges) != 2 || res.Edges[1].From != "pv_panels" || !*res.Edges[0].Created {
		t.Errorf("unexpected result %+v", res)
	}

	res, _ = o.AddEdge(ctx, EdgeRequest{Src: "router", Dst: "pv_panels"})
	if *res.Edges[0].Created {
		t.Error("repeat add_edge must be idempotent")
	}

	res, err = o.AddEdge(ctx, EdgeRequest{Src: "router", Dst: "router", Bidirectional: true})
	if err != nil {
		t.Fatal(err)
	}
	if len(res.Edges) != 1 || len(res.Skipped) != 1 {
		t.Errorf("self loop should skip reverse edge: %+v", res)
	}
}

func TestSetEdgeState(t *testing.T) {
	o, _ := newTestOrchestrator(t, false)
	ctx := context.Background()
	o.CreateAgent(ctx, CreateRequest{Name: "pv_panels", Type: "pv_panels", ConnectTo: []string{"router"}})

	res, err := o.SetEdgeState(ctx, StateRequest{Src: "pv_panels", Dst: "router", State: "INACTIVE"})
	if err != nil {
		t.Fatal(err)
	}
	if !*res.Edges[0].Changed {
		t.Error("first transition should change")
	}
	res, _ = o.SetEdgeState(ctx, StateRequest{Src: "pv_panels", Dst: "router", State: "INACTIVE"})
	if *res.Edges[0].Changed {
		t.Error("repeat transition should report unchanged")
	}

	if _, err := o.SetEdgeState(ctx, StateRequest{Src: "a", Dst: "b", State: "INACTIVE"}); !errors.Is(err, topology.ErrUnknownEdge) {
		t.Errorf("expected ErrUnknownEdge, got %v", err)
	}
	if _, ok := o.Store().EdgeState("a", "b"); ok {
		t.Error("no state may be recorded for an unknown edge")
	}

	// Reverse direction missing: nothing changes.
	if _, err := o.SetEdgeState(ctx, StateRequest{Src: "pv_panels", Dst: "router", State: "NORMAL", Bidirectional: true}); !errors.Is(err, topology.ErrUnknownEdge) {
		t.Errorf("expected ErrUnknownEdge, got %v", err)
	}
	if st, _ := o.Store().EdgeState("pv_panels", "router"); st != topology.StateInactive {
		t.Errorf("partial bidirectional update applied: %s", st)
	}

	if _, err := o.SetEdgeState(ctx, StateRequest{Src: "pv_panels", Dst: "router", State: "SIDEWAYS"}); !errors.Is(err, topology.ErrInvalidState) {
		t.Errorf("expected ErrInvalidState, got %v", err)
	}
}

func TestSendMessageAndCriticalSeed(t *testing.T) {
	o, _ := newTestOrchestrator(t, true)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	fired := make(chan string, 1)
	o.SetCriticalHook(func(content string, _ map[string]any) bool {
		fired <- content
		return true
	})
	if err := o.Seed(ctx, true); err != nil {
		t.Fatal(err)
	}
	if st, ok := o.Store().EdgeState(RouterName, CriticalMonitorName); !ok || st != topology.StateNormal {
		t.Fatal("router should feed the critical monitor")
	}

	if _, err := o.SendMessage(ctx, SendRequest{To: "router", Content: " "}); !errors.Is(err, ErrEmptyContent) {
		t.Errorf("expected ErrEmptyContent, got %v", err)
	}
	if _, err := o.SendMessage(ctx, SendRequest{To: "ghost", Content: "x"}); !errors.Is(err, topology.ErrUnknownNode) {
		t.Errorf("expected ErrUnknownNode, got %v", err)
	}

	o.runtime.Activate(ctx)
	defer o.runtime.Deactivate()
	res, err := o.SendMessage(ctx, SendRequest{To: "router", Content: "critical: inverter fault"})
	if err != nil || !res.Queued || res.MessageID == "" {
		t.Fatalf("SendMessage: %+v %v", res, err)
	}
	select {
	case got := <-fired:
		if got != "critical: inverter fault" {
			t.Errorf("unexpected content %q", got)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("critical hook not reached through router")
	}
	if st := o.Status(); st.Nodes != 2 || st.Registered != 2 {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestMutationsCarryRunID(t *testing.T) {
	o, audit := newTestOrchestrator(t, false)
	ctx := WithRunID(context.Background(), "run-1")
	o.CreateAgent(ctx, CreateRequest{Name: "pv_panels", Type: "pv_panels"})

	last := audit.muts[len(audit.muts)-1]
	if last.RunID != "run-1" || !last.OK || last.Subject != "pv_panels" {
		t.Errorf("unexpected mutation %+v", last)
	}
}
