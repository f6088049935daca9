package timeline

import (
	"time"
)

// MessageEvent is one message offered to the mesh runtime.
type MessageEvent struct {
	ID        int64     `json:"id"`
	EventID   string    `json:"event_id"`          // Bus message id
	Timestamp time.Time `json:"timestamp"`         // When it was dispatched
	From      string    `json:"from"`              // Sender agent, empty for external
	To        string    `json:"to"`                // Target agent
	Content   string    `json:"content"`           // Message text
	Delivered bool      `json:"delivered"`         // False when the edge gate dropped it
	Reason    string    `json:"reason,omitempty"`  // Drop or failure reason
	Metadata  string    `json:"metadata,omitempty"` // JSON blob of message meta
}

// Mutation is one structural change requested against the topology.
type Mutation struct {
	ID        int64     `json:"id"`
	Kind      string    `json:"kind"`    // create_agent, add_edge, set_edge_state
	Subject   string    `json:"subject"` // node name or "from->to"
	Detail    string    `json:"detail,omitempty"`
	OK        bool      `json:"ok"`
	ErrorText string    `json:"error,omitempty"`
	RunID     string    `json:"run_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// Schema is applied on every open; all statements are idempotent.
const Schema = `
CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	session_id TEXT NOT NULL,
	status TEXT NOT NULL,
	reply TEXT,
	wall_seconds REAL,
	error_text TEXT,
	outcome TEXT,
	steps INTEGER NOT NULL DEFAULT 0,
	tool_trace TEXT,
	created_at DATETIME NOT NULL,
	updated_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, created_at);
CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);

CREATE TABLE IF NOT EXISTS mutations (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	kind TEXT NOT NULL,
	subject TEXT NOT NULL,
	detail TEXT,
	ok BOOLEAN NOT NULL DEFAULT 1,
	error_text TEXT,
	run_id TEXT,
	created_at DATETIME NOT NULL DEFAULT CURRENT_TIMESTAMP
);
CREATE INDEX IF NOT EXISTS idx_mutations_run ON mutations(run_id);

CREATE TABLE IF NOT EXISTS messages (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	event_id TEXT UNIQUE,
	timestamp DATETIME NOT NULL,
	sender TEXT,
	target TEXT NOT NULL,
	content TEXT,
	delivered BOOLEAN NOT NULL DEFAULT 1,
	reason TEXT,
	metadata TEXT DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_messages_target ON messages(target, timestamp);
`
