package agent

import (
	"encoding/json"
	"fmt"

	"github.com/KafClaw/KafMesh/internal/notepad"
)

// BuildTrace summarizes the execution log of a finished run: the last
// maxTools steps with a preview each, plus the most recent error.
func BuildTrace(log []ExecLogEntry, runID string, wallSeconds float64, maxTools int) notepad.ToolTrace {
	if maxTools <= 0 {
		maxTools = notepad.DefaultMaxTraceTools
	}
	calls := make([]notepad.ToolCall, 0, len(log))
	var lastErr *string
	for _, e := range log {
		calls = append(calls, notepad.ToolCall{Name: entryName(e), Preview: notepad.Preview(entryPreview(e))})
		if e.Failed() {
			msg := notepad.Preview(e.Kind + ": " + e.Error)
			lastErr = &msg
		}
	}
	if len(calls) > maxTools {
		calls = calls[len(calls)-maxTools:]
	}
	id := runID
	wall := wallSeconds
	return notepad.ToolTrace{
		LastTools:       calls,
		LastError:       lastErr,
		LastRunID:       &id,
		LastWallSeconds: &wall,
	}
}

// TraceDelta converts a trace into a notepad update that also clears a stale
// error when this run had none.
func TraceDelta(tr notepad.ToolTrace) notepad.TraceDelta {
	return notepad.TraceDelta{
		LastTools:       tr.LastTools,
		LastError:       tr.LastError,
		LastRunID:       tr.LastRunID,
		LastWallSeconds: tr.LastWallSeconds,
		ResetError:      true,
	}
}

func entryName(e ExecLogEntry) string {
	switch {
	case e.Tool != "":
		return e.Tool
	case e.Action != "":
		return string(e.Action)
	default:
		return "decision"
	}
}

func entryPreview(e ExecLogEntry) string {
	if e.Failed() {
		return "error: " + e.Error
	}
	switch r := e.Result.(type) {
	case nil:
		return e.Status
	case string:
		return r
	default:
		return e.Status + ": " + compactJSON(r)
	}
}

func compactJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(b)
}
