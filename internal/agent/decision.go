package agent

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/KafClaw/KafMesh/internal/naming"
)

// Action names one planner decision variant.
type Action string

const (
	ActionCreateAgent Action = "create_agent"
	ActionAddEdge     Action = "add_edge"
	ActionCallTool    Action = "call_tool"
	ActionReply       Action = "reply"
	ActionDoNothing   Action = "do_nothing"
)

// ErrDecision marks oracle output that is not exactly one valid decision.
var ErrDecision = fmt.Errorf("%w: malformed decision", naming.ErrValidation)

// CreateAgentArgs asks for a new agent node.
type CreateAgentArgs struct {
	Name      string   `json:"name"`
	Type      string   `json:"type,omitempty"`
	Persona   string   `json:"persona,omitempty"`
	Usage     string   `json:"usage,omitempty"`
	ConnectTo []string `json:"connect_to,omitempty"`
}

// AddEdgeArgs asks for a directed edge, or both directions.
type AddEdgeArgs struct {
	Src           string `json:"src"`
	Dst           string `json:"dst"`
	Bidirectional bool   `json:"bidirectional,omitempty"`
}

// CallToolArgs invokes a catalog tool by name.
type CallToolArgs struct {
	Tool string         `json:"tool"`
	Args map[string]any `json:"args,omitempty"`
}

// ReplyArgs ends the turn.
type ReplyArgs struct {
	Reply          string   `json:"reply"`
	IncidentUpdate []string `json:"incident_update,omitempty"`
	MemoryUpdate   []string `json:"memory_update,omitempty"`
}

// DoNothingArgs records an intentional no-op step.
type DoNothingArgs struct {
	Reason string `json:"reason,omitempty"`
}

// Decision is exactly one planner action. Only the pointer matching Action
// is set.
type Decision struct {
	Action      Action
	CreateAgent *CreateAgentArgs
	AddEdge     *AddEdgeArgs
	CallTool    *CallToolArgs
	Reply       *ReplyArgs
	DoNothing   *DoNothingArgs
}

// Args returns the variant payload, for logging.
func (d *Decision) Args() any {
	switch d.Action {
	case ActionCreateAgent:
		return d.CreateAgent
	case ActionAddEdge:
		return d.AddEdge
	case ActionCallTool:
		return d.CallTool
	case ActionReply:
		return d.Reply
	default:
		return d.DoNothing
	}
}

type actionPeek struct {
	Action Action `json:"action"`
}

// The wire forms embed the variant so its fields sit next to "action".
type createAgentWire struct {
	Action Action `json:"action"`
	CreateAgentArgs
}

type addEdgeWire struct {
	Action Action `json:"action"`
	AddEdgeArgs
}

type callToolWire struct {
	Action Action `json:"action"`
	CallToolArgs
}

type replyWire struct {
	Action Action `json:"action"`
	ReplyArgs
}

type doNothingWire struct {
	Action Action `json:"action"`
	DoNothingArgs
}

// ParseDecision decodes one decision object. Unknown actions, unknown fields,
// trailing data and missing required fields are rejected with ErrDecision.
func ParseDecision(raw string) (*Decision, error) {
	data := []byte(strings.TrimSpace(raw))
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty output", ErrDecision)
	}
	var peek actionPeek
	if err := json.Unmarshal(data, &peek); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecision, err)
	}

	d := &Decision{Action: peek.Action}
	var err error
	switch peek.Action {
	case ActionCreateAgent:
		var w createAgentWire
		err = strictDecode(data, &w)
		d.CreateAgent = &w.CreateAgentArgs
		if err == nil && strings.TrimSpace(w.Name) == "" {
			err = errors.New("create_agent requires name")
		}
	case ActionAddEdge:
		var w addEdgeWire
		err = strictDecode(data, &w)
		d.AddEdge = &w.AddEdgeArgs
		if err == nil && (w.Src == "" || w.Dst == "") {
			err = errors.New("add_edge requires src and dst")
		}
	case ActionCallTool:
		var w callToolWire
		err = strictDecode(data, &w)
		d.CallTool = &w.CallToolArgs
		if err == nil && w.Tool == "" {
			err = errors.New("call_tool requires tool")
		}
		if d.CallTool.Args == nil {
			d.CallTool.Args = map[string]any{}
		}
	case ActionReply:
		var w replyWire
		err = strictDecode(data, &w)
		d.Reply = &w.ReplyArgs
	case ActionDoNothing:
		var w doNothingWire
		err = strictDecode(data, &w)
		d.DoNothing = &w.DoNothingArgs
	case "":
		err = errors.New(`missing "action"`)
	default:
		err = fmt.Errorf("unknown action %q", peek.Action)
	}
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecision, err)
	}
	return d, nil
}

func strictDecode(data []byte, v any) error {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return err
	}
	if _, err := dec.Token(); err != io.EOF {
		return errors.New("trailing data after decision object")
	}
	return nil
}
