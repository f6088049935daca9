// Package session keeps the per-session conversation history replayed to the
// planner. History is append-only and ordered by turn.
package session

import (
	"bufio"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Roles of history messages.
const (
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is one side of a completed turn.
type Message struct {
	Role      string    `json:"role"`
	Content   string    `json:"content"`
	RunID     string    `json:"run_id,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Session is the history of one session id.
type Session struct {
	Key       string    `json:"key"`
	Messages  []Message `json:"messages"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	mu        sync.RWMutex
}

func newSession(key string) *Session {
	now := time.Now()
	return &Session{Key: key, Messages: []Message{}, CreatedAt: now, UpdatedAt: now}
}

// History returns the last maxTurns turns (two messages each). maxTurns <= 0
// returns everything.
func (s *Session) History(maxTurns int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()

	msgs := s.Messages
	if maxTurns > 0 && len(msgs) > 2*maxTurns {
		msgs = msgs[len(msgs)-2*maxTurns:]
	}
	result := make([]Message, len(msgs))
	copy(result, msgs)
	return result
}

// Len returns the number of stored messages.
func (s *Session) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.Messages)
}

// Manager owns all sessions. With a directory, each session is mirrored to
// <dir>/<base64url(key)>.jsonl, one message per line.
type Manager struct {
	dir   string
	cache map[string]*Session
	mu    sync.RWMutex
}

// NewManager creates a manager. An empty dir keeps history in memory only.
func NewManager(dir string) *Manager {
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			slog.Warn("Session dir unavailable, history stays in memory", "dir", dir, "error", err)
			dir = ""
		}
	}
	return &Manager{dir: dir, cache: make(map[string]*Session)}
}

// GetOrCreate returns an existing session or creates a new one.
func (m *Manager) GetOrCreate(key string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.cache[key]; ok {
		return s
	}
	s := m.load(key)
	if s == nil {
		s = newSession(key)
	}
	m.cache[key] = s
	return s
}

// AppendTurn records a completed (prompt, reply) exchange.
func (m *Manager) AppendTurn(key, runID, prompt, reply string) error {
	s := m.GetOrCreate(key)
	now := time.Now()
	turn := []Message{
		{Role: RoleUser, Content: strings.TrimSpace(prompt), RunID: runID, Timestamp: now},
		{Role: RoleAssistant, Content: reply, RunID: runID, Timestamp: now},
	}

	s.mu.Lock()
	s.Messages = append(s.Messages, turn...)
	s.UpdatedAt = now
	s.mu.Unlock()

	if m.dir == "" {
		return nil
	}
	return m.appendFile(key, turn)
}

// History is a shortcut for GetOrCreate(key).History(maxTurns).
func (m *Manager) History(key string, maxTurns int) []Message {
	return m.GetOrCreate(key).History(maxTurns)
}

// Clear drops the history of key, on disk too.
func (m *Manager) Clear(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.cache, key)
	if m.dir != "" {
		if err := os.Remove(m.sessionPath(key)); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove session file", "key", key, "error", err)
		}
	}
}

// Keys lists known sessions, in memory or on disk.
func (m *Manager) Keys() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	set := make(map[string]struct{}, len(m.cache))
	for k := range m.cache {
		set[k] = struct{}{}
	}
	if m.dir != "" {
		entries, _ := os.ReadDir(m.dir)
		for _, e := range entries {
			name, ok := strings.CutSuffix(e.Name(), ".jsonl")
			if !ok {
				continue
			}
			key, err := base64.RawURLEncoding.DecodeString(name)
			if err != nil {
				continue
			}
			set[string(key)] = struct{}{}
		}
	}
	keys := make([]string, 0, len(set))
	for k := range set {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (m *Manager) appendFile(key string, msgs []Message) error {
	f, err := os.OpenFile(m.sessionPath(key), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("open session file: %w", err)
	}
	defer f.Close()
	w := bufio.NewWriter(f)
	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("encode session message: %w", err)
		}
		w.Write(line)
		w.WriteByte('\n')
	}
	return w.Flush()
}

// sessionPath encodes the key with unpadded base64url so distinct keys never
// share a file and the name cannot carry path separators.
func (m *Manager) sessionPath(key string) string {
	return filepath.Join(m.dir, base64.RawURLEncoding.EncodeToString([]byte(key))+".jsonl")
}

func (m *Manager) load(key string) *Session {
	if m.dir == "" {
		return nil
	}
	file, err := os.Open(m.sessionPath(key))
	if err != nil {
		return nil
	}
	defer file.Close()

	s := newSession(key)
	decoder := json.NewDecoder(file)
	for decoder.More() {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			slog.Warn("Truncated session file", "key", key, "error", err)
			break
		}
		s.Messages = append(s.Messages, msg)
	}
	if len(s.Messages) > 0 {
		s.CreatedAt = s.Messages[0].Timestamp
		s.UpdatedAt = s.Messages[len(s.Messages)-1].Timestamp
	}
	return s
}
