package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	mcpserver "github.com/mark3labs/mcp-go/server"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/KafClaw/KafMesh/internal/agent"
	"github.com/KafClaw/KafMesh/internal/agenttype"
	"github.com/KafClaw/KafMesh/internal/bus"
	"github.com/KafClaw/KafMesh/internal/mcp"
	"github.com/KafClaw/KafMesh/internal/naming"
	"github.com/KafClaw/KafMesh/internal/notepad"
	"github.com/KafClaw/KafMesh/internal/orchestrator"
	"github.com/KafClaw/KafMesh/internal/runs"
	"github.com/KafClaw/KafMesh/internal/session"
	"github.com/KafClaw/KafMesh/internal/tools"
	"github.com/KafClaw/KafMesh/internal/topology"
)

type harness struct {
	url    string
	orch   *orchestrator.Orchestrator
	runner *agent.Runner
}

// script returns an oracle that replays outputs, then replies "done".
func script(steps ...string) agent.Oracle {
	var mu sync.Mutex
	i := 0
	return agent.OracleFunc(func(context.Context, *agent.DecisionRequest) (string, error) {
		mu.Lock()
		defer mu.Unlock()
		if i < len(steps) {
			i++
			return steps[i-1], nil
		}
		return `{"action":"reply","reply":"done"}`, nil
	})
}

func newHarness(t *testing.T, oracle agent.Oracle) *harness {
	t.Helper()
	reg, err := agenttype.DefaultRegistry()
	require.NoError(t, err)
	store := topology.NewStore()
	rt := bus.NewRuntime(store, 64)
	orch := orchestrator.New(orchestrator.Options{Store: store, Registry: reg, Runtime: rt})
	require.NoError(t, orch.Seed(context.Background(), false))

	ctx, cancel := context.WithCancel(context.Background())
	rt.Activate(ctx)

	inv := &tools.HandlerInvoker{}
	registry := tools.NewDefaultRegistry(inv)

	var runner *agent.Runner
	if oracle != nil {
		ctrl := agent.NewController(agent.ControllerOptions{
			Oracle:      oracle,
			Topology:    store,
			Mutator:     orch,
			Tools:       registry,
			MaxSteps:    10,
			ToolTimeout: 2 * time.Second,
		})
		runner = agent.NewRunner(ctx, agent.RunnerOptions{
			Controller:    ctrl,
			Tracker:       runs.NewTracker(),
			Notepads:      notepad.NewStore(),
			Sessions:      session.NewManager(""),
			HistoryTurns:  5,
			MaxConcurrent: 2,
		})
	}

	mcpSrv := mcp.New(registry, store, "test")
	gw := New(Options{
		Orchestrator: orch,
		Runner:       runner,
		Tools:        registry,
		MCP:          mcpserver.NewStreamableHTTPServer(mcpSrv.MCPServer()),
	})
	inv.Handler = gw.Handler()

	srv := httptest.NewServer(gw.Handler())
	t.Cleanup(func() {
		srv.Close()
		cancel()
		if runner != nil {
			runner.Wait()
		}
		rt.Deactivate()
	})
	return &harness{url: srv.URL, orch: orch, runner: runner}
}

func (h *harness) do(t *testing.T, method, path, body string) (int, map[string]any) {
	t.Helper()
	req, err := http.NewRequest(method, h.url+path, strings.NewReader(body))
	require.NoError(t, err)
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	return resp.StatusCode, out
}

func (h *harness) waitRun(t *testing.T, id string) map[string]any {
	t.Helper()
	var run map[string]any
	require.Eventually(t, func() bool {
		_, run = h.do(t, http.MethodGet, "/llm/runs/"+id, "")
		status, _ := run["status"].(string)
		return status == "done" || status == "error"
	}, 5*time.Second, 10*time.Millisecond)
	return run
}

func TestHealth(t *testing.T) {
	h := newHarness(t, nil)
	code, body := h.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
}

func TestCreateAgentAndTopology(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodPost, "/agents",
		`{"name":"house_battery","type":"house_battery","persona":"Stores surplus solar energy.","connect_to":["router"]}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, true, body["created"])
	assert.Equal(t, "house_battery", body["name"])
	assert.Equal(t, []any{"router"}, body["connected_to"])

	code, body = h.do(t, http.MethodPost, "/agents", `{"name":"house_battery","persona":"Second battery in the garage."}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "house_battery_2", body["name"])

	code, topo := h.do(t, http.MethodGet, "/topology", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, topo["nodes"], 3)
	edges := topo["edges"].([]any)
	require.Len(t, edges, 1)
	edge := edges[0].(map[string]any)
	assert.Equal(t, "house_battery", edge["from"])
	assert.Equal(t, "router", edge["to"])
	assert.Equal(t, "NORMAL", edge["state"])
}

func TestCreateAgentErrors(t *testing.T) {
	h := newHarness(t, nil)

	cases := []struct {
		name string
		body string
		want int
	}{
		{"bad syntax", `{"name":"House Battery","persona":"Stores surplus solar energy."}`, http.StatusBadRequest},
		{"procedural name", `{"name":"create_agent_1","persona":"Stores surplus solar energy."}`, http.StatusBadRequest},
		{"short persona", `{"name":"pv_panels","type":"generic","persona":"tiny"}`, http.StatusBadRequest},
		{"unknown connect target", `{"name":"pv_panels","persona":"Rooftop solar array.","connect_to":["ghost"]}`, http.StatusBadRequest},
		{"reserved type", `{"name":"pv_panels","type":"dynamic","persona":"Rooftop solar array."}`, http.StatusBadRequest},
		{"unknown type", `{"name":"pv_panels","type":"spaceship","persona":"Rooftop solar array."}`, http.StatusNotFound},
		{"unknown field", `{"name":"pv_panels","persona":"Rooftop solar array.","colour":"red"}`, http.StatusBadRequest},
		{"trailing data", `{"name":"pv_panels","persona":"Rooftop solar array."} {}`, http.StatusBadRequest},
		{"empty body", ``, http.StatusBadRequest},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, "/agents", tc.body)
			assert.Equal(t, tc.want, code, body)
			assert.NotEmpty(t, body["error"])
		})
	}

	_, topo := h.do(t, http.MethodGet, "/topology", "")
	assert.Len(t, topo["nodes"], 1, "rejected requests must not change the topology")
}

func TestEdges(t *testing.T) {
	h := newHarness(t, nil)
	_, _ = h.do(t, http.MethodPost, "/agents", `{"name":"ev_charger","type":"ev_charger"}`)

	code, body := h.do(t, http.MethodPost, "/edges", `{"src":"router","dst":"ev_charger","bidirectional":true}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Len(t, body["edges"], 2)

	code, body = h.do(t, http.MethodPost, "/edges", `{"src":"router","dst":"ghost"}`)
	assert.Equal(t, http.StatusNotFound, code, body)

	code, body = h.do(t, http.MethodPost, "/edges/state", `{"src":"router","dst":"ev_charger","state":"broken"}`)
	require.Equal(t, http.StatusOK, code, body)
	first := body["edges"].([]any)[0].(map[string]any)
	assert.Equal(t, "BROKEN", first["state"])
	assert.Equal(t, true, first["changed"])

	code, body = h.do(t, http.MethodPost, "/edges/state", `{"src":"router","dst":"ev_charger","state":"BROKEN"}`)
	require.Equal(t, http.StatusOK, code, body)
	first = body["edges"].([]any)[0].(map[string]any)
	assert.Equal(t, false, first["changed"], "repeating the current state is a no-op")

	code, _ = h.do(t, http.MethodPost, "/edges/state", `{"src":"router","dst":"ev_charger","state":"MELTED"}`)
	assert.Equal(t, http.StatusBadRequest, code)

	code, _ = h.do(t, http.MethodPost, "/edges/state", `{"src":"ev_charger","dst":"ghost","state":"NORMAL"}`)
	assert.Equal(t, http.StatusNotFound, code)
}

func TestAgentDescribeAndNodeState(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodGet, "/agents/router", "")
	require.Equal(t, http.StatusOK, code)
	assert.Contains(t, body, "agent")
	node := body["node"].(map[string]any)
	assert.Equal(t, "router", node["type"])

	code, body = h.do(t, http.MethodPost, "/agents/router/state", `{"state":"INACTIVE"}`)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, "INACTIVE", body["state"])
	assert.Equal(t, true, body["changed"])

	code, _ = h.do(t, http.MethodGet, "/agents/ghost", "")
	assert.Equal(t, http.StatusNotFound, code)
}

func TestCatalogRoutes(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodGet, "/agent_types", "")
	require.Equal(t, http.StatusOK, code)
	assert.EqualValues(t, 1, body["version"])
	var types []string
	for _, item := range body["agent_types"].([]any) {
		types = append(types, item.(map[string]any)["type"].(string))
	}
	assert.Contains(t, types, "generic")
	assert.NotContains(t, types, agenttype.ReservedType)

	code, body = h.do(t, http.MethodGet, "/tools", "")
	require.Equal(t, http.StatusOK, code)
	var names []string
	for _, item := range body["tools"].([]any) {
		names = append(names, item.(map[string]any)["name"].(string))
	}
	assert.Contains(t, names, "get_topology")
	assert.Contains(t, names, "create_agent")
}

func TestSendMessage(t *testing.T) {
	h := newHarness(t, nil)

	code, body := h.do(t, http.MethodPost, "/messages", `{"to":"router","content":"hello mesh"}`)
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, true, body["queued"])
	assert.NotEmpty(t, body["message_id"])

	code, _ = h.do(t, http.MethodPost, "/messages", `{"to":"ghost","content":"hello"}`)
	assert.Equal(t, http.StatusNotFound, code)

	code, _ = h.do(t, http.MethodPost, "/messages", `{"to":"router","content":"  "}`)
	assert.Equal(t, http.StatusBadRequest, code)
}

func TestTriggerRunsPlannerAndUpdatesNotepad(t *testing.T) {
	h := newHarness(t, script(
		`{"action":"call_tool","tool":"get_topology"}`,
		`{"action":"create_agent","name":"pv_panels","type":"pv_panels","connect_to":["router"]}`,
		`{"action":"reply","reply":"Added pv_panels.","incident_update":["pv_panels added"],"memory_update":["router is the hub"]}`,
	))

	code, body := h.do(t, http.MethodPost, "/llm/trigger", `{"prompt":"add solar panels","session_id":"ops"}`)
	require.Equal(t, http.StatusAccepted, code, body)
	assert.Equal(t, "queued", body["status"])
	id := body["run_id"].(string)
	require.NotEmpty(t, id)

	run := h.waitRun(t, id)
	assert.Equal(t, "done", run["status"])
	assert.Equal(t, "Added pv_panels.", run["reply"])
	assert.Equal(t, "ops", run["session_id"])

	assert.True(t, h.orch.Store().HasNode("pv_panels"))
	state, ok := h.orch.Store().EdgeState("pv_panels", "router")
	require.True(t, ok)
	assert.Equal(t, topology.StateNormal, state)

	code, pad := h.do(t, http.MethodGet, "/llm/notepads/ops", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, []any{"pv_panels added"}, pad["incident"])
	assert.Equal(t, []any{"router is the hub"}, pad["memory"])
	trace := pad["tool_trace"].(map[string]any)
	assert.Equal(t, id, trace["last_run_id"])
	assert.Len(t, trace["last_tools"], 2)

	code, body = h.do(t, http.MethodPost, "/llm/notepads/ops/clear", "")
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, true, body["ok"])
	_, pad = h.do(t, http.MethodGet, "/llm/notepads/ops", "")
	assert.Empty(t, pad["incident"])
	assert.Empty(t, pad["memory"])

	code, body = h.do(t, http.MethodGet, "/llm/runs?session_id=ops", "")
	require.Equal(t, http.StatusOK, code)
	assert.Len(t, body["runs"], 1)
}

func TestTriggerValidation(t *testing.T) {
	h := newHarness(t, script())

	long := strings.Repeat("a", agent.MaxPromptLen+1)
	cases := []struct {
		name string
		body string
	}{
		{"empty prompt", `{"prompt":"   "}`},
		{"prompt too long", fmt.Sprintf(`{"prompt":%q}`, long)},
		{"session too long", fmt.Sprintf(`{"prompt":"hi","session_id":%q}`, strings.Repeat("s", agent.MaxSessionIDLen+1))},
		{"extra field", `{"prompt":"hi","temperature":0.2}`},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			code, body := h.do(t, http.MethodPost, "/llm/trigger", tc.body)
			assert.Equal(t, http.StatusBadRequest, code, body)
		})
	}

	code, body := h.do(t, http.MethodPost, "/llm/trigger", fmt.Sprintf(`{"prompt":%q}`, strings.Repeat("a", agent.MaxPromptLen)))
	require.Equal(t, http.StatusAccepted, code, body)
	h.waitRun(t, body["run_id"].(string))
}

func TestUnknownRunIs404(t *testing.T) {
	h := newHarness(t, script())
	code, body := h.do(t, http.MethodGet, "/llm/runs/nope", "")
	assert.Equal(t, http.StatusNotFound, code)
	assert.NotEmpty(t, body["error"])
}

func TestPlannerRoutesWithoutRunner(t *testing.T) {
	h := newHarness(t, nil)
	code, _ := h.do(t, http.MethodPost, "/llm/trigger", `{"prompt":"hi"}`)
	assert.Equal(t, http.StatusServiceUnavailable, code)
	code, _ = h.do(t, http.MethodGet, "/llm/notepads/ops", "")
	assert.Equal(t, http.StatusServiceUnavailable, code)
}

func TestStatus(t *testing.T) {
	h := newHarness(t, script())
	code, body := h.do(t, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, code)
	mesh := body["mesh"].(map[string]any)
	assert.EqualValues(t, 1, mesh["nodes"])
	assert.Equal(t, true, body["planner"])
}

func TestStatusFor(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{naming.ErrInvalidSyntax, http.StatusBadRequest},
		{orchestrator.ErrUnknownTargets, http.StatusBadRequest},
		{agenttype.ErrReserved, http.StatusBadRequest},
		{topology.ErrInvalidState, http.StatusBadRequest},
		{topology.ErrUnknownNode, http.StatusNotFound},
		{runs.ErrNotFound, http.StatusNotFound},
		{fmt.Errorf("wrap: %w", topology.ErrDuplicateName), http.StatusConflict},
		{bus.ErrQueueFull, http.StatusServiceUnavailable},
		{errors.New("boom"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, statusFor(tc.err), tc.err.Error())
	}
}
