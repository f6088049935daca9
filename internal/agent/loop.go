// Package agent implements the planner tool loop and the run lifecycle
// around it.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"slices"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/KafClaw/KafMesh/internal/agenttype"
	"github.com/KafClaw/KafMesh/internal/naming"
	"github.com/KafClaw/KafMesh/internal/notepad"
	"github.com/KafClaw/KafMesh/internal/orchestrator"
	"github.com/KafClaw/KafMesh/internal/session"
	"github.com/KafClaw/KafMesh/internal/tools"
	"github.com/KafClaw/KafMesh/internal/topology"
)

const (
	DefaultMaxSteps      = 60
	DefaultOracleTimeout = 120 * time.Second
	DefaultToolTimeout   = 60 * time.Second

	// StepLimitReply is returned when a turn runs out of steps.
	StepLimitReply = "step limit hit, split your request"
)

var (
	ErrLimitExceeded = errors.New("step limit exceeded")
	ErrInternalFault = errors.New("internal fault")
)

// TurnState is the controller state machine.
type TurnState string

const (
	StateAwaitDecision   TurnState = "AWAIT_DECISION"
	StateExecuting       TurnState = "EXECUTING"
	StateTerminatedReply TurnState = "TERMINATED_REPLY"
	StateTerminatedLimit TurnState = "TERMINATED_LIMIT"
	StateTerminatedError TurnState = "TERMINATED_ERROR"
)

// Entry status values.
const (
	EntryOK      = "ok"
	EntryPartial = "partial"
	EntrySkipped = "skipped"
	EntryError   = "error"
)

// Entry kinds classify failed steps.
const (
	KindParseFailure  = "ParseFailure"
	KindValidation    = "ValidationError"
	KindUnknownEntity = "UnknownEntity"
	KindUnknownNode   = "UnknownNode"
	KindUnknownTool   = "UnknownTool"
	KindDuplicate     = "Duplicate"
	KindTransport     = "TransportError"
	KindInternal      = "InternalFault"
	KindOther         = "Error"
)

// ExecLogEntry records one step of a turn. It is fed back to the oracle.
type ExecLogEntry struct {
	Step   int    `json:"step"`
	Action Action `json:"action,omitempty"`
	Tool   string `json:"tool,omitempty"`
	Args   any    `json:"args,omitempty"`
	Status string `json:"status"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Kind   string `json:"kind,omitempty"`
}

// Failed reports whether the step ended in an error.
func (e ExecLogEntry) Failed() bool { return e.Status == EntryError }

// Mutator applies structural changes on behalf of the loop.
type Mutator interface {
	CreateAgent(ctx context.Context, req orchestrator.CreateRequest) (*orchestrator.CreateResult, error)
	AddEdge(ctx context.Context, req orchestrator.EdgeRequest) (*orchestrator.EdgeResult, error)
}

// Snapshotter exports the live topology.
type Snapshotter interface {
	Export() topology.Snapshot
}

// ControllerOptions wires a Controller.
type ControllerOptions struct {
	Oracle        Oracle
	Topology      Snapshotter
	Mutator       Mutator
	Tools         *tools.Registry
	MaxSteps      int
	OracleTimeout time.Duration
	ToolTimeout   time.Duration
}

// Controller drives one turn: decide, execute, repeat until reply or limit.
type Controller struct {
	oracle        Oracle
	topo          Snapshotter
	mutator       Mutator
	tools         *tools.Registry
	maxSteps      int
	oracleTimeout time.Duration
	toolTimeout   time.Duration
	tracer        trace.Tracer
}

// NewController creates a controller, filling defaults for zero limits.
func NewController(opts ControllerOptions) *Controller {
	c := &Controller{
		oracle:        opts.Oracle,
		topo:          opts.Topology,
		mutator:       opts.Mutator,
		tools:         opts.Tools,
		maxSteps:      opts.MaxSteps,
		oracleTimeout: opts.OracleTimeout,
		toolTimeout:   opts.ToolTimeout,
		tracer:        otel.Tracer("github.com/KafClaw/KafMesh/internal/agent"),
	}
	if c.maxSteps <= 0 {
		c.maxSteps = DefaultMaxSteps
	}
	if c.oracleTimeout <= 0 {
		c.oracleTimeout = DefaultOracleTimeout
	}
	if c.toolTimeout <= 0 {
		c.toolTimeout = DefaultToolTimeout
	}
	if c.tools == nil {
		c.tools = tools.NewRegistry()
	}
	return c
}

// MaxSteps returns the step ceiling.
func (c *Controller) MaxSteps() int { return c.maxSteps }

// TurnRequest is the input of one turn.
type TurnRequest struct {
	RunID           string
	SessionID       string
	Prompt          string
	IncludeTopology bool
	History         []session.Message
	Notepad         notepad.Pad
}

// TurnResult is the outcome of one turn. It is returned for every terminal
// state, including errors.
type TurnResult struct {
	State          TurnState
	Reply          string
	IncidentUpdate []string
	MemoryUpdate   []string
	Steps          int
	ExecLog        []ExecLogEntry
	// LastRaw is the tail of the last oracle output, kept for debugging.
	LastRaw string
}

// RunTurn runs the loop. The error is nil for TERMINATED_REPLY, wraps
// ErrLimitExceeded for TERMINATED_LIMIT and is the cause for TERMINATED_ERROR.
func (c *Controller) RunTurn(ctx context.Context, req TurnRequest) (*TurnResult, error) {
	ctx, span := c.tracer.Start(ctx, "agent.turn", trace.WithAttributes(
		attribute.String("kafmesh.run_id", req.RunID),
		attribute.String("kafmesh.session_id", req.SessionID),
	))
	defer span.End()

	res := &TurnResult{State: StateAwaitDecision}
	catalog := c.tools.Catalog()

	for step := 1; step <= c.maxSteps; step++ {
		if err := ctx.Err(); err != nil {
			res.State = StateTerminatedError
			span.SetStatus(codes.Error, err.Error())
			return res, err
		}
		res.Steps = step

		dreq := &DecisionRequest{
			SessionID:       req.SessionID,
			Prompt:          req.Prompt,
			IncludeTopology: req.IncludeTopology,
			Tools:           catalog,
			Topology:        c.topo.Export(),
			ExecLog:         append([]ExecLogEntry(nil), res.ExecLog...),
			History:         req.History,
			Notepad:         req.Notepad,
			Step:            step,
			MaxSteps:        c.maxSteps,
		}

		raw, err := c.decide(ctx, dreq)
		res.LastRaw = tail(raw, 800)
		if err != nil {
			if ctx.Err() != nil {
				res.State = StateTerminatedError
				return res, ctx.Err()
			}
			slog.Warn("Oracle call failed", "run_id", req.RunID, "step", step, "error", err)
			res.ExecLog = append(res.ExecLog, failedEntry(step, err))
			continue
		}
		dec, err := ParseDecision(raw)
		if err != nil {
			slog.Debug("Decision rejected", "run_id", req.RunID, "step", step, "error", err)
			res.ExecLog = append(res.ExecLog, failedEntry(step, err))
			continue
		}

		if dec.Action == ActionReply {
			res.State = StateTerminatedReply
			res.Reply = dec.Reply.Reply
			res.IncidentUpdate = dec.Reply.IncidentUpdate
			res.MemoryUpdate = dec.Reply.MemoryUpdate
			slog.Info("Turn finished", "run_id", req.RunID, "steps", step)
			return res, nil
		}

		res.State = StateExecuting
		entry, err := c.execute(ctx, step, dec, dreq.Topology)
		if err != nil {
			res.ExecLog = append(res.ExecLog, entry)
			res.State = StateTerminatedError
			span.SetStatus(codes.Error, err.Error())
			slog.Error("Turn aborted", "run_id", req.RunID, "step", step, "error", err)
			return res, err
		}
		res.ExecLog = append(res.ExecLog, entry)
		res.State = StateAwaitDecision
	}

	res.State = StateTerminatedLimit
	res.Reply = StepLimitReply
	slog.Warn("Turn hit step limit", "run_id", req.RunID, "max_steps", c.maxSteps)
	return res, fmt.Errorf("%w: %d steps", ErrLimitExceeded, c.maxSteps)
}

func (c *Controller) decide(ctx context.Context, req *DecisionRequest) (string, error) {
	ctx, span := c.tracer.Start(ctx, "oracle.decide", trace.WithAttributes(attribute.Int("kafmesh.step", req.Step)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.oracleTimeout)
	defer cancel()
	raw, err := c.oracle.Decide(ctx, req)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, tools.ErrTransport) {
			err = fmt.Errorf("%w: oracle timed out after %s", tools.ErrTransport, c.oracleTimeout)
		}
	}
	return raw, err
}

// execute runs one non-reply decision. A returned error is an internal fault
// that terminates the turn; ordinary failures are reported in the entry.
func (c *Controller) execute(ctx context.Context, step int, dec *Decision, snap topology.Snapshot) (entry ExecLogEntry, err error) {
	entry = ExecLogEntry{Step: step, Action: dec.Action, Args: dec.Args(), Status: EntryOK}
	defer func() {
		if r := recover(); r != nil {
			slog.Error("Panic while executing decision", "action", dec.Action, "panic", r, "stack", string(debug.Stack()))
			err = fmt.Errorf("%w: %s: %v", ErrInternalFault, dec.Action, r)
			entry.Status = EntryError
			entry.Error = err.Error()
			entry.Kind = KindInternal
		}
	}()

	switch dec.Action {
	case ActionCreateAgent:
		c.createAgent(ctx, dec.CreateAgent, &entry)
	case ActionAddEdge:
		c.addEdge(ctx, dec.AddEdge, snap, &entry)
	case ActionCallTool:
		c.callTool(ctx, dec.CallTool, &entry)
	case ActionDoNothing:
		entry.Result = "noop"
	default:
		return entry, fmt.Errorf("%w: unhandled action %q", ErrInternalFault, dec.Action)
	}
	return entry, nil
}

func (c *Controller) createAgent(ctx context.Context, a *CreateAgentArgs, entry *ExecLogEntry) {
	res, err := c.mutator.CreateAgent(ctx, orchestrator.CreateRequest{
		Name:               a.Name,
		Type:               a.Type,
		Persona:            a.Persona,
		Usage:              a.Usage,
		ConnectTo:          a.ConnectTo,
		SkipUnknownTargets: true,
	})
	if err != nil {
		fail(entry, err)
		return
	}
	entry.Result = res
	if len(res.Skipped) > 0 {
		entry.Status = EntryPartial
		entry.Kind = KindUnknownNode
	}
}

// addEdge gates on the snapshot the oracle saw; unknown endpoints skip the
// step without touching the store.
func (c *Controller) addEdge(ctx context.Context, a *AddEdgeArgs, snap topology.Snapshot, entry *ExecLogEntry) {
	var missing []string
	for _, n := range []string{a.Src, a.Dst} {
		if !snap.HasNode(n) && !slices.Contains(missing, n) {
			missing = append(missing, n)
		}
	}
	if len(missing) > 0 {
		entry.Status = EntrySkipped
		entry.Kind = KindUnknownNode
		entry.Result = map[string]any{"skipped": true, "missing": missing}
		return
	}
	res, err := c.mutator.AddEdge(ctx, orchestrator.EdgeRequest{Src: a.Src, Dst: a.Dst, Bidirectional: a.Bidirectional})
	if err != nil {
		fail(entry, err)
		return
	}
	entry.Result = res
}

func (c *Controller) callTool(ctx context.Context, a *CallToolArgs, entry *ExecLogEntry) {
	entry.Tool = a.Tool
	tool, ok := c.tools.Get(a.Tool)
	if !ok {
		fail(entry, fmt.Errorf("%w: %s", tools.ErrUnknownTool, a.Tool))
		return
	}

	ctx, span := c.tracer.Start(ctx, "tool.execute", trace.WithAttributes(attribute.String("kafmesh.tool", a.Tool)))
	defer span.End()
	ctx, cancel := context.WithTimeout(ctx, c.toolTimeout)
	defer cancel()

	out, err := tool.Execute(ctx, a.Args)
	if flat := out.Flatten(); flat != "" {
		entry.Result = flat
	}
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, context.DeadlineExceeded) && !errors.Is(err, tools.ErrTransport) {
			err = fmt.Errorf("%w: %s timed out after %s", tools.ErrTransport, a.Tool, c.toolTimeout)
		}
		fail(entry, err)
	}
}

func fail(entry *ExecLogEntry, err error) {
	entry.Status = EntryError
	entry.Error = err.Error()
	entry.Kind = errorKind(err)
}

func failedEntry(step int, err error) ExecLogEntry {
	e := ExecLogEntry{Step: step}
	fail(&e, err)
	return e
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, ErrDecision):
		return KindParseFailure
	case errors.Is(err, ErrInternalFault):
		return KindInternal
	case errors.Is(err, tools.ErrUnknownTool):
		return KindUnknownTool
	case errors.Is(err, naming.ErrValidation), errors.Is(err, agenttype.ErrReserved),
		errors.Is(err, topology.ErrInvalidState):
		return KindValidation
	case errors.Is(err, topology.ErrUnknownNode):
		return KindUnknownNode
	case errors.Is(err, topology.ErrUnknownEntity):
		return KindUnknownEntity
	case errors.Is(err, topology.ErrDuplicateName):
		return KindDuplicate
	case errors.Is(err, tools.ErrTransport), errors.Is(err, context.DeadlineExceeded):
		return KindTransport
	default:
		return KindOther
	}
}

// tail returns at most the last n bytes of s without splitting a rune.
func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	i := len(s) - n
	for i < len(s) && !utf8.RuneStart(s[i]) {
		i++
	}
	return s[i:]
}
