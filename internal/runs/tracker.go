// Package runs tracks asynchronous planner runs from queueing to their single
// terminal state.
package runs

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/KafClaw/KafMesh/internal/notepad"
	"github.com/KafClaw/KafMesh/internal/topology"
)

// Status of a run. Progression is strictly queued -> running -> done|error.
type Status string

const (
	StatusQueued  Status = "queued"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	StatusError   Status = "error"
)

func (s Status) rank() int {
	switch s {
	case StatusQueued:
		return 0
	case StatusRunning:
		return 1
	default:
		return 2
	}
}

// Terminal reports whether no further transition is allowed.
func (s Status) Terminal() bool { return s == StatusDone || s == StatusError }

var (
	ErrNotFound          = fmt.Errorf("%w: unknown run", topology.ErrUnknownEntity)
	ErrInvalidTransition = errors.New("invalid run transition")
)

// Run is the externally visible record of one planner run.
type Run struct {
	RunID       string             `json:"run_id"`
	SessionID   string             `json:"session_id"`
	Status      Status             `json:"status"`
	Reply       string             `json:"reply,omitempty"`
	WallSeconds *float64           `json:"wall_seconds,omitempty"`
	Error       string             `json:"error,omitempty"`
	Outcome     string             `json:"outcome,omitempty"`
	Steps       int                `json:"steps,omitempty"`
	ToolTrace   *notepad.ToolTrace `json:"tool_trace,omitempty"`
	CreatedAt   time.Time          `json:"created_at"`
	UpdatedAt   time.Time          `json:"updated_at"`
}

// Completion carries the result of a successful run.
type Completion struct {
	Reply       string
	WallSeconds float64
	Outcome     string
	Steps       int
	Trace       *notepad.ToolTrace
}

// Recorder receives every accepted transition, e.g. for durable audit.
type Recorder interface {
	RecordRun(r Run) error
}

// Tracker owns all runs of the process.
type Tracker struct {
	mu      sync.RWMutex
	runs    map[string]*Run
	order   []string
	rec     Recorder
	now     func() time.Time
	maxRuns int
}

// Option configures a Tracker.
type Option func(*Tracker)

// WithRecorder mirrors transitions to r.
func WithRecorder(r Recorder) Option { return func(t *Tracker) { t.rec = r } }

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(t *Tracker) { t.now = now } }

// WithMaxRuns caps retained runs; the oldest terminal runs are evicted first.
func WithMaxRuns(n int) Option {
	return func(t *Tracker) {
		if n > 0 {
			t.maxRuns = n
		}
	}
}

// NewTracker creates an empty tracker.
func NewTracker(opts ...Option) *Tracker {
	t := &Tracker{
		runs:    make(map[string]*Run),
		now:     time.Now,
		maxRuns: 1000,
	}
	for _, o := range opts {
		o(t)
	}
	return t
}

// Start registers a new queued run and returns its id.
func (t *Tracker) Start(sessionID string) string {
	now := t.now().UTC()
	r := &Run{
		RunID:     uuid.NewString(),
		SessionID: sessionID,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	t.mu.Lock()
	t.runs[r.RunID] = r
	t.order = append(t.order, r.RunID)
	t.evictLocked()
	snapshot := copyRun(r)
	t.mu.Unlock()

	slog.Info("Run queued", "run_id", r.RunID, "session", sessionID)
	t.record(snapshot)
	return r.RunID
}

// MarkRunning moves a queued run to running.
func (t *Tracker) MarkRunning(id string) error {
	return t.transition(id, StatusRunning, func(*Run) {})
}

// Complete moves a run to done.
func (t *Tracker) Complete(id string, c Completion) error {
	return t.transition(id, StatusDone, func(r *Run) {
		wall := c.WallSeconds
		r.Reply = c.Reply
		r.WallSeconds = &wall
		r.Outcome = c.Outcome
		r.Steps = c.Steps
		if c.Trace != nil {
			tr := *c.Trace
			tr.LastTools = append([]notepad.ToolCall{}, c.Trace.LastTools...)
			r.ToolTrace = &tr
		}
	})
}

// Fail moves a run to error.
func (t *Tracker) Fail(id string, cause error) error {
	msg := "unknown error"
	if cause != nil {
		msg = cause.Error()
	}
	return t.transition(id, StatusError, func(r *Run) { r.Error = msg })
}

func (t *Tracker) transition(id string, to Status, apply func(*Run)) error {
	t.mu.Lock()
	r, ok := t.runs[id]
	if !ok {
		t.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if r.Status.Terminal() || to.rank() <= r.Status.rank() {
		from := r.Status
		t.mu.Unlock()
		slog.Warn("Ignored run transition", "run_id", id, "from", from, "to", to)
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
	}
	apply(r)
	r.Status = to
	r.UpdatedAt = t.now().UTC()
	snapshot := copyRun(r)
	t.mu.Unlock()

	slog.Info("Run transition", "run_id", id, "status", to)
	t.record(snapshot)
	return nil
}

// Get returns a copy of the run.
func (t *Tracker) Get(id string) (Run, error) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	r, ok := t.runs[id]
	if !ok {
		return Run{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return copyRun(r), nil
}

// List returns runs newest first, optionally filtered by session.
func (t *Tracker) List(sessionID string, limit int) []Run {
	t.mu.RLock()
	defer t.mu.RUnlock()
	var out []Run
	for i := len(t.order) - 1; i >= 0; i-- {
		r := t.runs[t.order[i]]
		if sessionID != "" && r.SessionID != sessionID {
			continue
		}
		out = append(out, copyRun(r))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

// Counts returns the number of runs per status.
func (t *Tracker) Counts() map[Status]int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := map[Status]int{}
	for _, r := range t.runs {
		out[r.Status]++
	}
	return out
}

// evictLocked drops the oldest terminal runs above maxRuns. Active runs are kept.
func (t *Tracker) evictLocked() {
	excess := len(t.order) - t.maxRuns
	if excess <= 0 {
		return
	}
	kept := t.order[:0]
	for _, id := range t.order {
		if excess > 0 && t.runs[id].Status.Terminal() {
			delete(t.runs, id)
			excess--
			continue
		}
		kept = append(kept, id)
	}
	t.order = kept
}

func (t *Tracker) record(r Run) {
	if t.rec == nil {
		return
	}
	if err := t.rec.RecordRun(r); err != nil {
		slog.Warn("Failed to record run", "run_id", r.RunID, "error", err)
	}
}

func copyRun(r *Run) Run {
	out := *r
	if r.WallSeconds != nil {
		w := *r.WallSeconds
		out.WallSeconds = &w
	}
	if r.ToolTrace != nil {
		tr := *r.ToolTrace
		tr.LastTools = append([]notepad.ToolCall{}, r.ToolTrace.LastTools...)
		out.ToolTrace = &tr
	}
	return out
}

