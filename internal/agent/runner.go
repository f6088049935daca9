package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/KafClaw/KafMesh/internal/naming"
	"github.com/KafClaw/KafMesh/internal/notepad"
	"github.com/KafClaw/KafMesh/internal/orchestrator"
	"github.com/KafClaw/KafMesh/internal/runs"
	"github.com/KafClaw/KafMesh/internal/scheduler"
	"github.com/KafClaw/KafMesh/internal/session"
	"github.com/KafClaw/KafMesh/internal/telemetry"
	"github.com/KafClaw/KafMesh/internal/trigger"
)

// Trigger request limits.
const (
	MaxPromptLen     = 8000
	MaxSessionIDLen  = 64
	DefaultSessionID = "default"
)

// Run outcomes recorded on completed runs.
const (
	OutcomeReply     = "reply"
	OutcomeStepLimit = "step_limit"
)

var (
	ErrInvalidTrigger = fmt.Errorf("%w: invalid trigger request", naming.ErrValidation)
	ErrRunnerClosed   = errors.New("runner is shutting down")
)

// TriggerRequest asks for one planner run.
type TriggerRequest struct {
	Prompt          string `json:"prompt"`
	SessionID       string `json:"session_id,omitempty"`
	IncludeTopology *bool  `json:"include_topology,omitempty"`
}

// Normalize applies defaults and checks limits.
func (t *TriggerRequest) Normalize() error {
	if strings.TrimSpace(t.Prompt) == "" {
		return fmt.Errorf("%w: prompt is required", ErrInvalidTrigger)
	}
	if n := utf8.RuneCountInString(t.Prompt); n > MaxPromptLen {
		return fmt.Errorf("%w: prompt has %d characters (max %d)", ErrInvalidTrigger, n, MaxPromptLen)
	}
	if t.SessionID == "" {
		t.SessionID = DefaultSessionID
	}
	if n := utf8.RuneCountInString(t.SessionID); n > MaxSessionIDLen {
		return fmt.Errorf("%w: session_id has %d characters (max %d)", ErrInvalidTrigger, n, MaxSessionIDLen)
	}
	if t.IncludeTopology == nil {
		v := true
		t.IncludeTopology = &v
	}
	return nil
}

// RunnerOptions wires a Runner.
type RunnerOptions struct {
	Controller    *Controller
	Tracker       *runs.Tracker
	Notepads      *notepad.Store
	Sessions      *session.Manager
	HistoryTurns  int
	MaxConcurrent int
	MaxTraceTools int
	// RunTimeout bounds a whole run. Zero means only per-call timeouts apply.
	RunTimeout time.Duration
}

// Runner executes planner runs in the background and records their lifecycle.
type Runner struct {
	controller    *Controller
	tracker       *runs.Tracker
	notepads      *notepad.Store
	sessions      *session.Manager
	historyTurns  int
	maxTraceTools int
	runTimeout    time.Duration
	lanes         *scheduler.Lanes
	base          context.Context
	wg            sync.WaitGroup
	runCount      metric.Int64Counter
	runWall       metric.Float64Histogram
}

// NewRunner creates a runner. base bounds the lifetime of background runs.
func NewRunner(base context.Context, opts RunnerOptions) *Runner {
	r := &Runner{
		controller:    opts.Controller,
		tracker:       opts.Tracker,
		notepads:      opts.Notepads,
		sessions:      opts.Sessions,
		historyTurns:  opts.HistoryTurns,
		maxTraceTools: opts.MaxTraceTools,
		runTimeout:    opts.RunTimeout,
		lanes:         scheduler.NewLanes(opts.MaxConcurrent),
		base:          base,
	}
	if r.tracker == nil {
		r.tracker = runs.NewTracker()
	}
	meter := telemetry.Meter("github.com/KafClaw/KafMesh/internal/agent")
	r.runCount, _ = meter.Int64Counter("kafmesh.runs", metric.WithDescription("Finished planner runs by outcome"))
	r.runWall, _ = meter.Float64Histogram("kafmesh.run.duration", metric.WithUnit("s"))
	if r.notepads == nil {
		r.notepads = notepad.NewStore()
	}
	return r
}

// Tracker returns the run tracker.
func (r *Runner) Tracker() *runs.Tracker { return r.tracker }

// Notepads returns the notepad store.
func (r *Runner) Notepads() *notepad.Store { return r.notepads }

// Trigger queues a run and returns its id without waiting for it.
func (r *Runner) Trigger(ctx context.Context, req TriggerRequest) (string, error) {
	if err := req.Normalize(); err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if r.base.Err() != nil {
		return "", ErrRunnerClosed
	}
	id := r.tracker.Start(req.SessionID)
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		release, err := r.lanes.Acquire(r.base, req.SessionID)
		if err != nil {
			r.tracker.Fail(id, fmt.Errorf("%w: %v", ErrRunnerClosed, err))
			return
		}
		defer release()
		r.process(r.base, id, req)
	}()
	return id, nil
}

// RunSync runs a turn on the caller's goroutine and returns the final record.
func (r *Runner) RunSync(ctx context.Context, req TriggerRequest) (runs.Run, error) {
	if err := req.Normalize(); err != nil {
		return runs.Run{}, err
	}
	id := r.tracker.Start(req.SessionID)
	release, err := r.lanes.Acquire(ctx, req.SessionID)
	if err != nil {
		r.tracker.Fail(id, err)
		return r.tracker.Get(id)
	}
	defer release()
	r.process(ctx, id, req)
	return r.tracker.Get(id)
}

// Launch lets the critical trigger schedule runs.
func (r *Runner) Launch(ctx context.Context, req trigger.Request) (string, error) {
	prompt := req.Prompt
	if utf8.RuneCountInString(prompt) > MaxPromptLen {
		prompt = string([]rune(prompt)[:MaxPromptLen])
	}
	include := req.IncludeTopology
	return r.Trigger(ctx, TriggerRequest{Prompt: prompt, SessionID: req.SessionID, IncludeTopology: &include})
}

// Wait blocks until every background run has finished.
func (r *Runner) Wait() { r.wg.Wait() }

func (r *Runner) process(ctx context.Context, id string, req TriggerRequest) {
	defer func() {
		if p := recover(); p != nil {
			slog.Error("Run panicked", "run_id", id, "panic", p)
			r.tracker.Fail(id, fmt.Errorf("%w: %v", ErrInternalFault, p))
		}
	}()
	if err := r.tracker.MarkRunning(id); err != nil {
		return
	}

	ctx = orchestrator.WithRunID(ctx, id)
	if r.runTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.runTimeout)
		defer cancel()
	}

	sid := req.SessionID
	var history []session.Message
	if r.sessions != nil {
		history = r.sessions.History(sid, r.historyTurns)
	}
	start := time.Now()
	res, err := r.controller.RunTurn(ctx, TurnRequest{
		RunID:           id,
		SessionID:       sid,
		Prompt:          req.Prompt,
		IncludeTopology: *req.IncludeTopology,
		History:         history,
		Notepad:         r.notepads.GetOrCreate(sid),
	})
	wall := time.Since(start).Seconds()

	tr := BuildTrace(res.ExecLog, id, wall, r.maxTraceTools)
	r.notepads.UpdateTrace(sid, TraceDelta(tr))

	outcome := "error"
	switch {
	case err == nil:
		outcome = OutcomeReply
		reply := strings.TrimSpace(res.Reply)
		if reply == "" {
			reply = emptyReplyFallback(res)
		}
		r.notepads.AppendIncident(sid, res.IncidentUpdate)
		r.notepads.AppendMemory(sid, res.MemoryUpdate)
		if r.sessions != nil {
			if err := r.sessions.AppendTurn(sid, id, req.Prompt, reply); err != nil {
				slog.Warn("Failed to persist session turn", "session", sid, "error", err)
			}
		}
		r.tracker.Complete(id, runs.Completion{Reply: reply, WallSeconds: wall, Outcome: OutcomeReply, Steps: res.Steps, Trace: &tr})
	case errors.Is(err, ErrLimitExceeded):
		outcome = OutcomeStepLimit
		r.tracker.Complete(id, runs.Completion{Reply: res.Reply, WallSeconds: wall, Outcome: OutcomeStepLimit, Steps: res.Steps, Trace: &tr})
	default:
		r.tracker.Fail(id, err)
	}
	if r.runCount != nil && r.runWall != nil {
		attrs := metric.WithAttributes(attribute.String("outcome", outcome))
		r.runCount.Add(context.WithoutCancel(ctx), 1, attrs)
		r.runWall.Record(context.WithoutCancel(ctx), wall, attrs)
	}
}

func emptyReplyFallback(res *TurnResult) string {
	reason := "the planner returned an empty reply"
	if n := len(res.ExecLog); n > 0 {
		last := res.ExecLog[n-1]
		if last.Failed() {
			reason = fmt.Sprintf("last step %d failed with %s: %s", last.Step, last.Kind, last.Error)
		} else {
			reason = fmt.Sprintf("last step %d was %s (%s)", last.Step, entryName(last), last.Status)
		}
	}
	return "No user-facing reply was produced.\n\nLikely reason: " + notepad.Preview(reason)
}
