package agent

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/KafClaw/KafMesh/internal/agenttype"
	"github.com/KafClaw/KafMesh/internal/orchestrator"
	"github.com/KafClaw/KafMesh/internal/tools"
	"github.com/KafClaw/KafMesh/internal/topology"
)

// scriptOracle replays fixed outputs, then does nothing forever.
type scriptOracle struct {
	mu    sync.Mutex
	steps []string
	seen  []*DecisionRequest
}

func (s *scriptOracle) Decide(_ context.Context, req *DecisionRequest) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seen = append(s.seen, req)
	if len(s.seen) <= len(s.steps) {
		return s.steps[len(s.seen)-1], nil
	}
	return `{"action":"do_nothing"}`, nil
}

func (s *scriptOracle) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.seen)
}

func (s *scriptOracle) request(i int) *DecisionRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.seen[i]
}

func newTestMesh(t *testing.T) *orchestrator.Orchestrator {
	t.Helper()
	reg, err := agenttype.DefaultRegistry()
	if err != nil {
		t.Fatalf("DefaultRegistry: %v", err)
	}
	o := orchestrator.New(orchestrator.Options{Store: topology.NewStore(), Registry: reg})
	if err := o.Seed(context.Background(), false); err != nil {
		t.Fatalf("Seed: %v", err)
	}
	return o
}

func newTestController(t *testing.T, o *orchestrator.Orchestrator, oracle Oracle, maxSteps int) *Controller {
	t.Helper()
	mux := http.NewServeMux()
	mux.HandleFunc("GET /topology", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"nodes":[{"name":"router"}],"edges":[]}`))
	})
	return NewController(ControllerOptions{
		Oracle:      oracle,
		Topology:    o.Store(),
		Mutator:     o,
		Tools:       tools.NewDefaultRegistry(&tools.HandlerInvoker{Handler: mux}),
		MaxSteps:    maxSteps,
		ToolTimeout: 2 * time.Second,
	})
}

func TestStepCeiling(t *testing.T) {
	o := newTestMesh(t)
	oracle := &scriptOracle{}
	c := newTestController(t, o, oracle, 0)

	res, err := c.RunTurn(context.Background(), TurnRequest{RunID: "r1", SessionID: "s", Prompt: "idle"})
	if !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded, got %v", err)
	}
	if res.State != StateTerminatedLimit || res.Reply != StepLimitReply {
		t.Errorf("unexpected result %s %q", res.State, res.Reply)
	}
	if oracle.calls() != DefaultMaxSteps || res.Steps != DefaultMaxSteps {
		t.Errorf("expected exactly %d steps, got calls=%d steps=%d", DefaultMaxSteps, oracle.calls(), res.Steps)
	}
	if len(res.ExecLog) != DefaultMaxSteps {
		t.Errorf("expected one log entry per step, got %d", len(res.ExecLog))
	}
}

func TestCreateAgentThenReply(t *testing.T) {
	o := newTestMesh(t)
	oracle := &scriptOracle{steps: []string{
		`{"action":"create_agent","name":"house_battery","type":"house_battery","persona":"Stores surplus solar energy.","connect_to":["router"]}`,
		`{"action":"reply","reply":"Battery added.","incident_update":["added house_battery"]}`,
	}}
	c := newTestController(t, o, oracle, 10)

	res, err := c.RunTurn(context.Background(), TurnRequest{RunID: "r1", SessionID: "s", Prompt: "add a battery", IncludeTopology: true})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.State != StateTerminatedReply || res.Reply != "Battery added." || res.Steps != 2 {
		t.Errorf("unexpected result %+v", res)
	}
	if len(res.IncidentUpdate) != 1 {
		t.Errorf("incident update lost: %v", res.IncidentUpdate)
	}
	if st, ok := o.Store().EdgeState("house_battery", "router"); !ok || st != topology.StateNormal {
		t.Errorf("edge house_battery->router missing")
	}
	second := oracle.request(1)
	if !second.Topology.HasNode("house_battery") {
		t.Error("second step should see a fresh snapshot")
	}
	if len(second.ExecLog) != 1 || second.ExecLog[0].Status != EntryOK {
		t.Errorf("second step should see the create result: %+v", second.ExecLog)
	}
}

func TestCreateAgentDropsUnknownTargets(t *testing.T) {
	o := newTestMesh(t)
	oracle := &scriptOracle{steps: []string{
		`{"action":"create_agent","name":"ev_charger","persona":"Charges the family car.","connect_to":["router","ghost"]}`,
		`{"action":"reply","reply":"ok"}`,
	}}
	c := newTestController(t, o, oracle, 10)

	res, err := c.RunTurn(context.Background(), TurnRequest{Prompt: "add charger"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	e := res.ExecLog[0]
	if e.Status != EntryPartial || e.Kind != KindUnknownNode {
		t.Errorf("expected partial entry, got %+v", e)
	}
	cr, ok := e.Result.(*orchestrator.CreateResult)
	if !ok || len(cr.Skipped) != 1 || cr.Skipped[0] != "ghost" {
		t.Errorf("unexpected result %#v", e.Result)
	}
	if !o.Store().HasNode("ev_charger") || o.Store().HasNode("ghost") {
		t.Error("only the requested agent should exist")
	}
}

func TestAddEdgeUnknownNodeIsSkipped(t *testing.T) {
	o := newTestMesh(t)
	oracle := &scriptOracle{steps: []string{
		`{"action":"add_edge","src":"router","dst":"ghost"}`,
		`{"action":"reply","reply":"ok"}`,
	}}
	c := newTestController(t, o, oracle, 10)
	_, edgesBefore := o.Store().Count()

	res, err := c.RunTurn(context.Background(), TurnRequest{Prompt: "connect"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	e := res.ExecLog[0]
	if e.Status != EntrySkipped || e.Kind != KindUnknownNode {
		t.Errorf("expected skipped entry, got %+v", e)
	}
	if _, edges := o.Store().Count(); edges != edgesBefore {
		t.Error("no edge may be created for unknown endpoints")
	}
}

func TestProceduralNameIsReported(t *testing.T) {
	o := newTestMesh(t)
	oracle := &scriptOracle{steps: []string{
		`{"action":"create_agent","name":"create_agent_1","persona":"Some agent persona text."}`,
		`{"action":"create_agent","name":"pv_panels","type":"pv_panels","persona":"Rooftop solar array."}`,
		`{"action":"reply","reply":"ok"}`,
	}}
	c := newTestController(t, o, oracle, 10)

	res, err := c.RunTurn(context.Background(), TurnRequest{Prompt: "add solar"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.ExecLog[0].Kind != KindValidation || res.ExecLog[1].Status != EntryOK {
		t.Errorf("unexpected log %+v", res.ExecLog)
	}
	if o.Store().HasNode("create_agent_1") || !o.Store().HasNode("pv_panels") {
		t.Error("procedural name must not reach the topology")
	}
}

func TestParseFailureFeedsBack(t *testing.T) {
	o := newTestMesh(t)
	oracle := &scriptOracle{steps: []string{
		"I think we should add a battery.",
		`{"action":"reply","reply":"fixed"}`,
	}}
	c := newTestController(t, o, oracle, 10)

	res, err := c.RunTurn(context.Background(), TurnRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.Steps != 2 || res.ExecLog[0].Kind != KindParseFailure {
		t.Errorf("unexpected result %+v", res)
	}
	if log := oracle.request(1).ExecLog; len(log) != 1 || !log[0].Failed() {
		t.Errorf("parse failure must be visible to the next step: %+v", log)
	}
}

func TestCallTool(t *testing.T) {
	o := newTestMesh(t)
	oracle := &scriptOracle{steps: []string{
		`{"action":"call_tool","tool":"teleport"}`,
		`{"action":"call_tool","tool":"get_topology"}`,
		`{"action":"reply","reply":"ok"}`,
	}}
	c := newTestController(t, o, oracle, 10)

	res, err := c.RunTurn(context.Background(), TurnRequest{Prompt: "look"})
	if err != nil {
		t.Fatalf("RunTurn: %v", err)
	}
	if res.ExecLog[0].Kind != KindUnknownTool {
		t.Errorf("expected UnknownTool, got %+v", res.ExecLog[0])
	}
	got, _ := res.ExecLog[1].Result.(string)
	if res.ExecLog[1].Status != EntryOK || !strings.Contains(got, `"nodes"`) {
		t.Errorf("tool output not captured: %+v", res.ExecLog[1])
	}
}

func TestOracleErrorContinues(t *testing.T) {
	o := newTestMesh(t)
	n := 0
	oracle := OracleFunc(func(ctx context.Context, req *DecisionRequest) (string, error) {
		n++
		if n == 1 {
			return "", tools.ErrTransport
		}
		return `{"action":"reply","reply":"recovered"}`, nil
	})
	c := newTestController(t, o, oracle, 10)

	res, err := c.RunTurn(context.Background(), TurnRequest{Prompt: "x"})
	if err != nil || res.Reply != "recovered" {
		t.Fatalf("unexpected %+v %v", res, err)
	}
	if res.ExecLog[0].Kind != KindTransport {
		t.Errorf("expected transport entry, got %+v", res.ExecLog[0])
	}
}

type panicMutator struct{}

func (panicMutator) CreateAgent(context.Context, orchestrator.CreateRequest) (*orchestrator.CreateResult, error) {
	panic("store corrupted")
}

func (panicMutator) AddEdge(context.Context, orchestrator.EdgeRequest) (*orchestrator.EdgeResult, error) {
	return nil, nil
}

func TestPanicBecomesInternalFault(t *testing.T) {
	o := newTestMesh(t)
	oracle := &scriptOracle{steps: []string{
		`{"action":"create_agent","name":"house_battery","persona":"Stores surplus solar energy."}`,
	}}
	c := NewController(ControllerOptions{Oracle: oracle, Topology: o.Store(), Mutator: panicMutator{}})

	res, err := c.RunTurn(context.Background(), TurnRequest{Prompt: "x"})
	if !errors.Is(err, ErrInternalFault) {
		t.Fatalf("expected ErrInternalFault, got %v", err)
	}
	if res.State != StateTerminatedError || res.ExecLog[0].Kind != KindInternal {
		t.Errorf("unexpected result %+v", res)
	}
}

func TestCanceledContextStopsTurn(t *testing.T) {
	o := newTestMesh(t)
	ctx, cancel := context.WithCancel(context.Background())
	oracle := OracleFunc(func(context.Context, *DecisionRequest) (string, error) {
		cancel()
		return `{"action":"do_nothing"}`, nil
	})
	c := newTestController(t, o, oracle, 10)

	res, err := c.RunTurn(ctx, TurnRequest{Prompt: "x"})
	if !errors.Is(err, context.Canceled) || res.State != StateTerminatedError {
		t.Fatalf("expected cancellation, got %v %s", err, res.State)
	}
	if res.Steps != 1 {
		t.Errorf("expected 1 step, got %d", res.Steps)
	}
}

func TestTailKeepsRunesWhole(t *testing.T) {
	s := strings.Repeat("ä", 10) + "ok"
	for n := 0; n <= len(s)+1; n++ {
		got := tail(s, n)
		if len(got) > n {
			t.Errorf("tail(%d) returned %d bytes", n, len(got))
		}
		if !utf8.ValidString(got) {
			t.Errorf("tail(%d) split a rune: %q", n, got)
		}
		if !strings.HasSuffix(s, got) {
			t.Errorf("tail(%d) = %q is not a suffix", n, got)
		}
	}
	if got := tail(s, 5); got != "äok" {
		t.Errorf("tail(5) = %q, want %q", got, "äok")
	}
}
