// Package notepad holds the per-session planner notepads: bounded incident
// and memory bullet lists plus a rolling summary of the last tool calls.
package notepad

import (
	"strings"
	"sync"
)

// Defaults match the planner prompt budget.
const (
	DefaultMaxItems      = 50
	DefaultMaxTraceTools = 10
	DefaultPromptBullets = 30
	PreviewLen           = 250
)

// ToolCall is one entry of the rolling tool trace.
type ToolCall struct {
	Name    string `json:"name"`
	Preview string `json:"preview"`
}

// ToolTrace summarises the most recent run of a session.
type ToolTrace struct {
	LastTools       []ToolCall `json:"last_tools"`
	LastError       *string    `json:"last_error"`
	LastRunID       *string    `json:"last_run_id"`
	LastWallSeconds *float64   `json:"last_wall_seconds"`
}

func (t ToolTrace) clone() ToolTrace {
	t.LastTools = append([]ToolCall{}, t.LastTools...)
	if t.LastError != nil {
		v := *t.LastError
		t.LastError = &v
	}
	if t.LastRunID != nil {
		v := *t.LastRunID
		t.LastRunID = &v
	}
	if t.LastWallSeconds != nil {
		v := *t.LastWallSeconds
		t.LastWallSeconds = &v
	}
	return t
}

// TraceDelta updates a ToolTrace. Nil fields are left as they are.
type TraceDelta struct {
	LastTools       []ToolCall
	LastError       *string
	LastRunID       *string
	LastWallSeconds *float64
	// ResetError clears LastError when LastError is nil.
	ResetError bool
}

// Pad is a detached copy of one session's notepads.
type Pad struct {
	SessionID string    `json:"session_id"`
	Incident  []string  `json:"incident"`
	Memory    []string  `json:"memory"`
	ToolTrace ToolTrace `json:"tool_trace"`
}

// Store keeps pads for the process lifetime. Pads are created lazily.
type Store struct {
	mu            sync.RWMutex
	pads          map[string]*Pad
	maxItems      int
	maxTraceTools int
}

// Option configures a Store.
type Option func(*Store)

// WithMaxItems bounds the incident and memory lists.
func WithMaxItems(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxItems = n
		}
	}
}

// WithMaxTraceTools bounds the tool trace.
func WithMaxTraceTools(n int) Option {
	return func(s *Store) {
		if n > 0 {
			s.maxTraceTools = n
		}
	}
}

// NewStore creates an empty store.
func NewStore(opts ...Option) *Store {
	s := &Store{
		pads:          make(map[string]*Pad),
		maxItems:      DefaultMaxItems,
		maxTraceTools: DefaultMaxTraceTools,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func emptyPad(id string) *Pad {
	return &Pad{
		SessionID: id,
		Incident:  []string{},
		Memory:    []string{},
		ToolTrace: ToolTrace{LastTools: []ToolCall{}},
	}
}

// getLocked returns the live pad for id. Caller holds the write lock.
func (s *Store) getLocked(id string) *Pad {
	p, ok := s.pads[id]
	if !ok {
		p = emptyPad(id)
		s.pads[id] = p
	}
	return p
}

// GetOrCreate returns a copy of the pad for id, creating it if needed.
func (s *Store) GetOrCreate(id string) Pad {
	s.mu.RLock()
	p, ok := s.pads[id]
	if ok {
		out := p.copy()
		s.mu.RUnlock()
		return out
	}
	s.mu.RUnlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.getLocked(id).copy()
}

// AppendIncident appends non-blank bullets and keeps the newest maxItems.
func (s *Store) AppendIncident(id string, bullets []string) Pad {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(id)
	p.Incident = appendBounded(p.Incident, bullets, s.maxItems)
	return p.copy()
}

// AppendMemory appends non-blank bullets and keeps the newest maxItems.
func (s *Store) AppendMemory(id string, bullets []string) Pad {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(id)
	p.Memory = appendBounded(p.Memory, bullets, s.maxItems)
	return p.copy()
}

// UpdateTrace merges delta into the tool trace of id.
func (s *Store) UpdateTrace(id string, d TraceDelta) Pad {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.getLocked(id)
	tr := &p.ToolTrace
	if d.LastTools != nil {
		tools := d.LastTools
		if len(tools) > s.maxTraceTools {
			tools = tools[len(tools)-s.maxTraceTools:]
		}
		tr.LastTools = append([]ToolCall{}, tools...)
	}
	if d.LastError != nil {
		v := *d.LastError
		tr.LastError = &v
	} else if d.ResetError {
		tr.LastError = nil
	}
	if d.LastRunID != nil {
		v := *d.LastRunID
		tr.LastRunID = &v
	}
	if d.LastWallSeconds != nil {
		v := *d.LastWallSeconds
		tr.LastWallSeconds = &v
	}
	return p.copy()
}

// Clear resets all notepads of id.
func (s *Store) Clear(id string) Pad {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := emptyPad(id)
	s.pads[id] = p
	return p.copy()
}

// Sessions returns the number of pads held.
func (s *Store) Sessions() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.pads)
}

func (p *Pad) copy() Pad {
	return Pad{
		SessionID: p.SessionID,
		Incident:  append([]string{}, p.Incident...),
		Memory:    append([]string{}, p.Memory...),
		ToolTrace: p.ToolTrace.clone(),
	}
}

func appendBounded(list, bullets []string, limit int) []string {
	for _, b := range bullets {
		if b = strings.TrimSpace(b); b != "" {
			list = append(list, b)
		}
	}
	if len(list) > limit {
		list = append([]string{}, list[len(list)-limit:]...)
	}
	return list
}

// FormatBullets renders the newest limit items as "- item" lines, or
// "(empty)" when nothing is left after dropping blanks.
func FormatBullets(items []string, limit int) string {
	kept := make([]string, 0, len(items))
	for _, it := range items {
		if it = strings.TrimSpace(it); it != "" {
			kept = append(kept, it)
		}
	}
	if limit > 0 && len(kept) > limit {
		kept = kept[len(kept)-limit:]
	}
	if len(kept) == 0 {
		return "(empty)"
	}
	var b strings.Builder
	for i, it := range kept {
		if i > 0 {
			b.WriteByte('\n')
		}
		b.WriteString("- ")
		b.WriteString(it)
	}
	return b.String()
}

// Preview truncates s to PreviewLen runes, marking the cut with "...".
func Preview(s string) string {
	r := []rune(s)
	if len(r) <= PreviewLen {
		return s
	}
	return string(r[:PreviewLen]) + "..."
}
