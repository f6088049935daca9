// Package gateway serves the mesh JSON API: topology, agent and edge
// mutations, planner runs, notepads and the MCP endpoint.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"
	"unicode/utf8"

	"github.com/KafClaw/KafMesh/internal/agent"
	"github.com/KafClaw/KafMesh/internal/agenttype"
	"github.com/KafClaw/KafMesh/internal/bus"
	"github.com/KafClaw/KafMesh/internal/naming"
	"github.com/KafClaw/KafMesh/internal/orchestrator"
	"github.com/KafClaw/KafMesh/internal/runs"
	"github.com/KafClaw/KafMesh/internal/tools"
	"github.com/KafClaw/KafMesh/internal/topology"
)

const maxBodyBytes = 1 << 20

var errPlannerDisabled = errors.New("planner is not configured")

// Options wires a Server.
type Options struct {
	Orchestrator *orchestrator.Orchestrator
	// Runner is optional; without it the /llm routes answer 503.
	Runner *agent.Runner
	Tools  *tools.Registry
	// MCP is mounted at /mcp when set.
	MCP http.Handler
}

// Server is the HTTP surface of one mesh process.
type Server struct {
	orch    *orchestrator.Orchestrator
	runner  *agent.Runner
	tools   *tools.Registry
	mux     *http.ServeMux
	handler http.Handler
}

// New builds the route table.
func New(opts Options) *Server {
	s := &Server{
		orch:   opts.Orchestrator,
		runner: opts.Runner,
		tools:  opts.Tools,
		mux:    http.NewServeMux(),
	}

	s.mux.HandleFunc("GET /health", s.handleHealth)
	s.mux.HandleFunc("GET /status", s.handleStatus)

	s.mux.HandleFunc("GET /topology", s.handleTopology)
	s.mux.HandleFunc("GET /agent_types", s.handleAgentTypes)
	s.mux.HandleFunc("GET /tools", s.handleTools)
	s.mux.HandleFunc("POST /agents", s.handleCreateAgent)
	s.mux.HandleFunc("GET /agents/{name}", s.handleDescribeAgent)
	s.mux.HandleFunc("POST /agents/{name}/state", s.handleNodeState)
	s.mux.HandleFunc("POST /edges", s.handleAddEdge)
	s.mux.HandleFunc("POST /edges/state", s.handleEdgeState)
	s.mux.HandleFunc("POST /messages", s.handleSendMessage)

	s.mux.HandleFunc("POST /llm/trigger", s.handleTrigger)
	s.mux.HandleFunc("GET /llm/runs", s.handleListRuns)
	s.mux.HandleFunc("GET /llm/runs/{run_id}", s.handleRunStatus)
	s.mux.HandleFunc("GET /llm/notepads/{session_id}", s.handleGetNotepad)
	s.mux.HandleFunc("POST /llm/notepads/{session_id}/clear", s.handleClearNotepad)

	if opts.MCP != nil {
		s.mux.Handle("/mcp", opts.MCP)
	}

	var h http.Handler = s.mux
	h = recoveryMiddleware(h)
	h = tracingMiddleware(h)
	h = corsMiddleware(h)
	s.handler = h
	return s
}

// Handler returns the full middleware chain.
func (s *Server) Handler() http.Handler { return s.handler }

// Serve listens on addr until ctx is cancelled, then shuts down gracefully.
func (s *Server) Serve(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.handler,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Gateway listening", "addr", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return fmt.Errorf("gateway: %w", err)
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("gateway shutdown: %w", err)
	}
	<-errCh
	slog.Info("Gateway stopped")
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{"mesh": s.orch.Status(), "planner": s.runner != nil}
	if s.runner != nil {
		resp["runs"] = s.runner.Tracker().Counts()
		resp["sessions"] = s.runner.Notepads().Sessions()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Store().Export())
}

func (s *Server) handleAgentTypes(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version":     agenttype.CatalogVersion,
		"agent_types": s.orch.Registry().Catalog(),
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	defs := s.tools.Catalog()
	if defs == nil {
		defs = []tools.Definition{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"tools": defs})
}

func (s *Server) handleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.CreateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.orch.CreateAgent(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleDescribeAgent(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("name")
	node, ok := s.orch.Store().Node(name)
	if !ok {
		writeErr(w, fmt.Errorf("%w: %s", topology.ErrUnknownNode, name))
		return
	}
	resp := map[string]any{"node": node, "outgoing": s.orch.Store().Outgoing(name)}
	if a, ok := s.orch.Agent(name); ok {
		resp["agent"] = a.Describe()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleNodeState(w http.ResponseWriter, r *http.Request) {
	var req struct {
		State string `json:"state"`
	}
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	name := r.PathValue("name")
	changed, err := s.orch.SetNodeState(r.Context(), name, req.State)
	if err != nil {
		writeErr(w, err)
		return
	}
	node, _ := s.orch.Store().Node(name)
	writeJSON(w, http.StatusOK, map[string]any{"name": name, "state": node.State, "changed": changed})
}

func (s *Server) handleAddEdge(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.EdgeRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.orch.AddEdge(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleEdgeState(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.StateRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	res, err := s.orch.SetEdgeState(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req orchestrator.SendRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	if req.Meta == nil {
		req.Meta = map[string]any{}
	}
	if _, ok := req.Meta[bus.MetaKeySource]; !ok {
		req.Meta[bus.MetaKeySource] = "http"
	}
	res, err := s.orch.SendMessage(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeErr(w, errPlannerDisabled)
		return
	}
	var req agent.TriggerRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeErr(w, err)
		return
	}
	id, err := s.runner.Trigger(r.Context(), req)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"run_id": id, "status": runs.StatusQueued})
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeErr(w, errPlannerDisabled)
		return
	}
	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			writeErr(w, fmt.Errorf("%w: limit must be a positive integer", naming.ErrValidation))
			return
		}
		limit = n
	}
	list := s.runner.Tracker().List(r.URL.Query().Get("session_id"), limit)
	if list == nil {
		list = []runs.Run{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"runs": list})
}

func (s *Server) handleRunStatus(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeErr(w, errPlannerDisabled)
		return
	}
	run, err := s.runner.Tracker().Get(r.PathValue("run_id"))
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleGetNotepad(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeErr(w, errPlannerDisabled)
		return
	}
	sid, err := sessionParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.runner.Notepads().GetOrCreate(sid))
}

func (s *Server) handleClearNotepad(w http.ResponseWriter, r *http.Request) {
	if s.runner == nil {
		writeErr(w, errPlannerDisabled)
		return
	}
	sid, err := sessionParam(r)
	if err != nil {
		writeErr(w, err)
		return
	}
	s.runner.Notepads().Clear(sid)
	slog.Info("Cleared notepads", "session", sid)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func sessionParam(r *http.Request) (string, error) {
	sid := r.PathValue("session_id")
	if n := utf8.RuneCountInString(sid); n == 0 || n > agent.MaxSessionIDLen {
		return "", fmt.Errorf("%w: session_id must have 1..%d characters", naming.ErrValidation, agent.MaxSessionIDLen)
	}
	return sid, nil
}

// decodeJSON decodes exactly one JSON object and rejects unknown fields.
func decodeJSON(w http.ResponseWriter, r *http.Request, target any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(target); err != nil {
		return fmt.Errorf("%w: invalid request body: %v", naming.ErrValidation, err)
	}
	if _, err := dec.Token(); err != io.EOF {
		return fmt.Errorf("%w: invalid request body: trailing data", naming.ErrValidation)
	}
	return nil
}

// statusFor maps the error taxonomy onto HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, naming.ErrValidation),
		errors.Is(err, agenttype.ErrReserved),
		errors.Is(err, agenttype.ErrInvalidTag),
		errors.Is(err, topology.ErrInvalidState):
		return http.StatusBadRequest
	case errors.Is(err, topology.ErrDuplicateName),
		errors.Is(err, agenttype.ErrDuplicateType):
		return http.StatusConflict
	case errors.Is(err, topology.ErrUnknownEntity):
		return http.StatusNotFound
	case errors.Is(err, bus.ErrQueueFull),
		errors.Is(err, orchestrator.ErrNoRuntime),
		errors.Is(err, agent.ErrRunnerClosed),
		errors.Is(err, errPlannerDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeErr(w http.ResponseWriter, err error) {
	code := statusFor(err)
	msg := err.Error()
	if code == http.StatusInternalServerError {
		slog.Error("Request failed", "error", err)
	}
	writeError(w, code, msg)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(v); err != nil {
		slog.Error("Failed to encode response", "error", err)
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	w.Write(buf.Bytes())
}
