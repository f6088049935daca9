// Package timeline is the durable SQLite audit of planner runs, topology
// mutations and mesh messages.
package timeline

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/KafClaw/KafMesh/internal/notepad"
	"github.com/KafClaw/KafMesh/internal/runs"
)

type TimelineService struct {
	db *sql.DB
}

func NewTimelineService(dbPath string) (*TimelineService, error) {
	if dir := filepath.Dir(dbPath); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create timeline dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open timeline db: %w", err)
	}

	// Apply schema
	if _, err := db.Exec(Schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to apply schema: %w", err)
	}

	return &TimelineService{db: db}, nil
}

func (s *TimelineService) Close() error {
	return s.db.Close()
}

// RecordRun upserts the latest state of a run. It implements runs.Recorder.
func (s *TimelineService) RecordRun(r runs.Run) error {
	var trace any
	if r.ToolTrace != nil {
		b, err := json.Marshal(r.ToolTrace)
		if err != nil {
			return fmt.Errorf("encode tool trace: %w", err)
		}
		trace = string(b)
	}
	var wall any
	if r.WallSeconds != nil {
		wall = *r.WallSeconds
	}
	_, err := s.db.Exec(`
	INSERT INTO runs (run_id, session_id, status, reply, wall_seconds, error_text, outcome, steps, tool_trace, created_at, updated_at)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	ON CONFLICT(run_id) DO UPDATE SET
		status = excluded.status,
		reply = excluded.reply,
		wall_seconds = excluded.wall_seconds,
		error_text = excluded.error_text,
		outcome = excluded.outcome,
		steps = excluded.steps,
		tool_trace = excluded.tool_trace,
		updated_at = excluded.updated_at
	`,
		r.RunID, r.SessionID, string(r.Status), r.Reply, wall, r.Error, r.Outcome, r.Steps, trace,
		r.CreatedAt.UTC(), r.UpdatedAt.UTC(),
	)
	if err != nil {
		return fmt.Errorf("record run: %w", err)
	}
	return nil
}

const runColumns = `run_id, session_id, status, COALESCE(reply,''), wall_seconds, COALESCE(error_text,''),
	COALESCE(outcome,''), steps, tool_trace, created_at, updated_at`

// GetRun returns a persisted run by id.
func (s *TimelineService) GetRun(runID string) (*runs.Run, error) {
	row := s.db.QueryRow(`SELECT `+runColumns+` FROM runs WHERE run_id = ?`, runID)
	r, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", runs.ErrNotFound, runID)
	}
	if err != nil {
		return nil, fmt.Errorf("get run: %w", err)
	}
	return r, nil
}

// ListRuns returns persisted runs newest first, optionally for one session.
func (s *TimelineService) ListRuns(sessionID string, limit int) ([]runs.Run, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []interface{}{}
	if sessionID != "" {
		query += " AND session_id = ?"
		args = append(args, sessionID)
	}
	query += " ORDER BY created_at DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list runs: %w", err)
	}
	defer rows.Close()

	var out []runs.Run
	for rows.Next() {
		r, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *r)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(sc scanner) (*runs.Run, error) {
	var r runs.Run
	var status string
	var wall sql.NullFloat64
	var trace sql.NullString
	if err := sc.Scan(&r.RunID, &r.SessionID, &status, &r.Reply, &wall, &r.Error,
		&r.Outcome, &r.Steps, &trace, &r.CreatedAt, &r.UpdatedAt); err != nil {
		return nil, err
	}
	r.Status = runs.Status(status)
	if wall.Valid {
		w := wall.Float64
		r.WallSeconds = &w
	}
	if trace.Valid && trace.String != "" {
		var tr notepad.ToolTrace
		if json.Unmarshal([]byte(trace.String), &tr) == nil {
			r.ToolTrace = &tr
		}
	}
	return &r, nil
}

// RecordMutation appends a topology mutation.
func (s *TimelineService) RecordMutation(m *Mutation) error {
	if m.CreatedAt.IsZero() {
		m.CreatedAt = time.Now()
	}
	res, err := s.db.Exec(`
	INSERT INTO mutations (kind, subject, detail, ok, error_text, run_id, created_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)
	`, m.Kind, m.Subject, m.Detail, m.OK, m.ErrorText, m.RunID, m.CreatedAt.UTC())
	if err != nil {
		return fmt.Errorf("record mutation: %w", err)
	}
	m.ID, _ = res.LastInsertId()
	return nil
}

// ListMutations returns mutations newest first, optionally for one run.
func (s *TimelineService) ListMutations(runID string, limit int) ([]Mutation, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id, kind, subject, COALESCE(detail,''), ok, COALESCE(error_text,''), COALESCE(run_id,''), created_at
	FROM mutations WHERE 1=1`
	args := []interface{}{}
	if runID != "" {
		query += " AND run_id = ?"
		args = append(args, runID)
	}
	query += " ORDER BY id DESC LIMIT ?"
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("list mutations: %w", err)
	}
	defer rows.Close()

	var out []Mutation
	for rows.Next() {
		var m Mutation
		if err := rows.Scan(&m.ID, &m.Kind, &m.Subject, &m.Detail, &m.OK, &m.ErrorText, &m.RunID, &m.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// AddMessage appends a mesh message. Duplicate event ids are ignored.
func (s *TimelineService) AddMessage(evt *MessageEvent) error {
	if evt.Timestamp.IsZero() {
		evt.Timestamp = time.Now()
	}
	var eventID any
	if evt.EventID != "" {
		eventID = evt.EventID
	}
	_, err := s.db.Exec(`
	INSERT OR IGNORE INTO messages (event_id, timestamp, sender, target, content, delivered, reason, metadata)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`, eventID, evt.Timestamp.UTC(), evt.From, evt.To, evt.Content, evt.Delivered, evt.Reason, evt.Metadata)
	if err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

type FilterArgs struct {
	Target string
	Sender string
	Limit  int
	Offset int
	Since  *time.Time
}

// GetMessages returns messages newest first.
func (s *TimelineService) GetMessages(filter FilterArgs) ([]MessageEvent, error) {
	query := `SELECT id, COALESCE(event_id,''), timestamp, COALESCE(sender,''), target, COALESCE(content,''),
		delivered, COALESCE(reason,''), COALESCE(metadata,'') FROM messages WHERE 1=1`
	args := []interface{}{}

	if filter.Target != "" {
		query += " AND target = ?"
		args = append(args, filter.Target)
	}
	if filter.Sender != "" {
		query += " AND sender = ?"
		args = append(args, filter.Sender)
	}
	if filter.Since != nil {
		query += " AND timestamp >= ?"
		args = append(args, filter.Since.UTC())
	}

	query += " ORDER BY timestamp DESC, id DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []MessageEvent
	for rows.Next() {
		var e MessageEvent
		err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.Timestamp,
			&e.From,
			&e.To,
			&e.Content,
			&e.Delivered,
			&e.Reason,
			&e.Metadata,
		)
		if err != nil {
			return nil, err
		}
		events = append(events, e)
	}
	return events, rows.Err()
}
