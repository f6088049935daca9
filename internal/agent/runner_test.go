package agent

import (
	"context"
	"errors"
	"strings"
	"testing"

	"go.uber.org/goleak"

	"github.com/KafClaw/KafMesh/internal/naming"
	"github.com/KafClaw/KafMesh/internal/notepad"
	"github.com/KafClaw/KafMesh/internal/runs"
	"github.com/KafClaw/KafMesh/internal/session"
	"github.com/KafClaw/KafMesh/internal/trigger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newTestRunner(t *testing.T, oracle Oracle, maxSteps int) (*Runner, *session.Manager) {
	t.Helper()
	o := newTestMesh(t)
	sessions := session.NewManager(t.TempDir())
	r := NewRunner(context.Background(), RunnerOptions{
		Controller:    newTestController(t, o, oracle, maxSteps),
		Tracker:       runs.NewTracker(),
		Notepads:      notepad.NewStore(),
		Sessions:      sessions,
		HistoryTurns:  5,
		MaxConcurrent: 2,
	})
	return r, sessions
}

func TestRunnerLifecycle(t *testing.T) {
	oracle := &scriptOracle{steps: []string{
		`{"action":"call_tool","tool":"get_topology"}`,
		`{"action":"reply","reply":"All good.","incident_update":["checked topology"],"memory_update":["router is the hub"]}`,
	}}
	r, sessions := newTestRunner(t, oracle, 10)

	id, err := r.Trigger(context.Background(), TriggerRequest{Prompt: "check the mesh", SessionID: "ops"})
	if err != nil {
		t.Fatalf("Trigger: %v", err)
	}
	r.Wait()

	run, err := r.Tracker().Get(id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if run.Status != runs.StatusDone || run.Reply != "All good." || run.Outcome != OutcomeReply || run.Steps != 2 {
		t.Errorf("unexpected run %+v", run)
	}
	if run.ToolTrace == nil || len(run.ToolTrace.LastTools) != 1 || run.ToolTrace.LastTools[0].Name != "get_topology" {
		t.Errorf("unexpected trace %+v", run.ToolTrace)
	}

	pad := r.Notepads().GetOrCreate("ops")
	if len(pad.Incident) != 1 || len(pad.Memory) != 1 {
		t.Errorf("notepads not updated: %+v", pad)
	}
	if pad.ToolTrace.LastRunID == nil || *pad.ToolTrace.LastRunID != id || pad.ToolTrace.LastError != nil {
		t.Errorf("tool trace not updated: %+v", pad.ToolTrace)
	}

	hist := sessions.History("ops", 0)
	if len(hist) != 2 || hist[0].Content != "check the mesh" || hist[1].Content != "All good." {
		t.Errorf("history not appended: %+v", hist)
	}

	// The next run of the session sees the history and the notepad.
	oracle.steps = append(oracle.steps, `{"action":"reply","reply":"again"}`)
	if _, err := r.RunSync(context.Background(), TriggerRequest{Prompt: "again", SessionID: "ops"}); err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	last := oracle.request(oracle.calls() - 1)
	if len(last.History) != 2 || len(last.Notepad.Incident) != 1 {
		t.Errorf("second run context missing state: history=%d incident=%d", len(last.History), len(last.Notepad.Incident))
	}
}

func TestRunnerStepLimit(t *testing.T) {
	r, sessions := newTestRunner(t, &scriptOracle{}, 3)

	run, err := r.RunSync(context.Background(), TriggerRequest{Prompt: "loop forever"})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if run.Status != runs.StatusDone || run.Outcome != OutcomeStepLimit || run.Reply != StepLimitReply || run.Steps != 3 {
		t.Errorf("unexpected run %+v", run)
	}
	if run.SessionID != DefaultSessionID {
		t.Errorf("default session not applied: %q", run.SessionID)
	}
	if h := sessions.History(DefaultSessionID, 0); len(h) != 0 {
		t.Errorf("step-limited turns are not added to history: %+v", h)
	}
}

func TestRunnerInternalFaultFailsRun(t *testing.T) {
	o := newTestMesh(t)
	oracle := &scriptOracle{steps: []string{
		`{"action":"create_agent","name":"house_battery","persona":"Stores surplus solar energy."}`,
	}}
	r := NewRunner(context.Background(), RunnerOptions{
		Controller: NewController(ControllerOptions{Oracle: oracle, Topology: o.Store(), Mutator: panicMutator{}}),
	})

	run, err := r.RunSync(context.Background(), TriggerRequest{Prompt: "x", SessionID: "ops"})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if run.Status != runs.StatusError || !strings.Contains(run.Error, "internal fault") {
		t.Errorf("unexpected run %+v", run)
	}
	pad := r.Notepads().GetOrCreate("ops")
	if pad.ToolTrace.LastError == nil || !strings.Contains(*pad.ToolTrace.LastError, KindInternal) {
		t.Errorf("last error not recorded: %+v", pad.ToolTrace)
	}
}

func TestEmptyReplyFallback(t *testing.T) {
	oracle := &scriptOracle{steps: []string{
		`{"action":"add_edge","src":"router","dst":"ghost"}`,
		`{"action":"reply","reply":"   "}`,
	}}
	r, _ := newTestRunner(t, oracle, 10)

	run, err := r.RunSync(context.Background(), TriggerRequest{Prompt: "x"})
	if err != nil {
		t.Fatalf("RunSync: %v", err)
	}
	if !strings.HasPrefix(run.Reply, "No user-facing reply was produced.\n\nLikely reason: ") ||
		!strings.Contains(run.Reply, "add_edge") {
		t.Errorf("unexpected fallback %q", run.Reply)
	}
}

func TestTriggerRequestNormalize(t *testing.T) {
	req := TriggerRequest{Prompt: "hi"}
	if err := req.Normalize(); err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if req.SessionID != DefaultSessionID || req.IncludeTopology == nil || !*req.IncludeTopology {
		t.Errorf("defaults not applied: %+v", req)
	}

	off := false
	req = TriggerRequest{Prompt: "hi", IncludeTopology: &off}
	req.Normalize()
	if *req.IncludeTopology {
		t.Error("explicit include_topology=false must be kept")
	}

	bad := []TriggerRequest{
		{Prompt: ""},
		{Prompt: "   "},
		{Prompt: strings.Repeat("x", MaxPromptLen+1)},
		{Prompt: "hi", SessionID: strings.Repeat("s", MaxSessionIDLen+1)},
	}
	for i, b := range bad {
		if err := b.Normalize(); !errors.Is(err, naming.ErrValidation) {
			t.Errorf("case %d: expected validation error, got %v", i, err)
		}
	}
	ok := TriggerRequest{Prompt: strings.Repeat("é", MaxPromptLen)}
	if err := ok.Normalize(); err != nil {
		t.Errorf("limit counts characters, not bytes: %v", err)
	}
}

func TestLaunchFromCriticalTrigger(t *testing.T) {
	oracle := &scriptOracle{steps: []string{`{"action":"reply","reply":"mitigated"}`}}
	r, _ := newTestRunner(t, oracle, 5)

	crit := trigger.New(context.Background(), r, trigger.Config{SessionID: "critical"})
	if !crit.OnMessage("CRITICAL: inverter fault", map[string]any{"sender": "pv_panels"}) {
		t.Fatal("expected the trigger to fire")
	}
	crit.Wait()
	r.Wait()

	list := r.Tracker().List("critical", 0)
	if len(list) != 1 || list[0].Status != runs.StatusDone || list[0].Reply != "mitigated" {
		t.Fatalf("unexpected runs %+v", list)
	}
	req := oracle.request(0)
	if !req.IncludeTopology || !strings.HasPrefix(req.Prompt, "CRITICAL EVENT DETECTED.") {
		t.Errorf("unexpected trigger request %+v", req)
	}
}

func TestRunnerSerializesSameSession(t *testing.T) {
	gate := make(chan struct{})
	started := make(chan string, 4)
	oracle := OracleFunc(func(ctx context.Context, req *DecisionRequest) (string, error) {
		started <- req.Prompt
		if req.Prompt == "first" {
			<-gate
		}
		return `{"action":"reply","reply":"ok"}`, nil
	})
	r, sessions := newTestRunner(t, oracle, 5)

	first, err := r.Trigger(context.Background(), TriggerRequest{Prompt: "first", SessionID: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	if got := <-started; got != "first" {
		t.Fatalf("expected first run to start, got %q", got)
	}
	second, err := r.Trigger(context.Background(), TriggerRequest{Prompt: "second", SessionID: "ops"})
	if err != nil {
		t.Fatal(err)
	}
	other, err := r.Trigger(context.Background(), TriggerRequest{Prompt: "other", SessionID: "lab"})
	if err != nil {
		t.Fatal(err)
	}
	if got := <-started; got != "other" {
		t.Fatalf("a different session must not wait, got %q", got)
	}
	if run, _ := r.Tracker().Get(second); run.Status != runs.StatusQueued {
		t.Errorf("second run of the session should still be queued, got %s", run.Status)
	}

	close(gate)
	r.Wait()
	for _, id := range []string{first, second, other} {
		if run, _ := r.Tracker().Get(id); run.Status != runs.StatusDone {
			t.Errorf("run %s ended %s", id, run.Status)
		}
	}
	hist := sessions.History("ops", 0)
	if len(hist) != 4 || hist[0].Content != "first" || hist[2].Content != "second" {
		t.Errorf("session turns out of order: %+v", hist)
	}
}
