package agent

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/KafClaw/KafMesh/internal/notepad"
	"github.com/KafClaw/KafMesh/internal/provider"
	"github.com/KafClaw/KafMesh/internal/session"
	"github.com/KafClaw/KafMesh/internal/tools"
	"github.com/KafClaw/KafMesh/internal/topology"
)

// SystemInstructions frame the planner. The decision schema is the only
// accepted output.
const SystemInstructions = `You are the controller of a multi-agent mesh. Agents are nodes, directed edges carry messages between them.

Each step you return exactly ONE JSON object and nothing else. Pick one action:
  {"action":"create_agent","name":"house_battery","type":"house_battery","persona":"...","usage":"...","connect_to":["router"]}
  {"action":"add_edge","src":"a","dst":"b","bidirectional":false}
  {"action":"call_tool","tool":"<catalog name>","args":{...}}
  {"action":"do_nothing","reason":"..."}
  {"action":"reply","reply":"<answer to the user>","incident_update":["..."],"memory_update":["..."]}

Rules:
- Agent names are domain nouns in lower snake case (house_battery, pv_panels, ev_charger). Never use step labels like create_agent, connect_agent, set_agent, repeat_step, step_, plan, task, do_.
- Use list_agent_types for valid types. Omit type for a generic agent. Never use type "dynamic".
- Only connect agents that exist in the live topology. Check the execution log before repeating an action.
- Tool results and errors of this turn are in the execution log. Fix the cause of an error instead of retrying blindly.
- Finish with reply. incident_update holds 1-5 short bullets about what changed or broke; memory_update holds 0-5 durable facts worth keeping for this session.`

// DecisionRequest is the planner context of one step.
type DecisionRequest struct {
	SessionID       string
	Prompt          string
	IncludeTopology bool
	Tools           []tools.Definition
	Topology        topology.Snapshot
	ExecLog         []ExecLogEntry
	History         []session.Message
	Notepad         notepad.Pad
	Step            int
	MaxSteps        int
}

// ContextBuilder renders a DecisionRequest into chat messages.
type ContextBuilder struct {
	instructions  string
	promptBullets int
}

// NewContextBuilder creates a builder. Empty instructions use SystemInstructions.
func NewContextBuilder(instructions string, promptBullets int) *ContextBuilder {
	if instructions == "" {
		instructions = SystemInstructions
	}
	if promptBullets <= 0 {
		promptBullets = notepad.DefaultPromptBullets
	}
	return &ContextBuilder{instructions: instructions, promptBullets: promptBullets}
}

// BuildMessages orders the context as system instructions, tool catalog,
// notepads, history, the user block and finally the execution log.
func (b *ContextBuilder) BuildMessages(req *DecisionRequest) []provider.Message {
	msgs := []provider.Message{
		{Role: provider.RoleSystem, Content: b.instructions},
		{Role: provider.RoleSystem, Content: "TOOL CATALOG:\n" + indentJSON(req.Tools)},
		{Role: provider.RoleSystem, Content: b.BuildNotepadMessage(req.Notepad)},
	}
	for _, m := range req.History {
		if m.Content == "" {
			continue
		}
		msgs = append(msgs, provider.Message{Role: m.Role, Content: m.Content})
	}
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: BuildUserBlock(req.Prompt, req.IncludeTopology, req.Topology)})
	msgs = append(msgs, provider.Message{Role: provider.RoleUser, Content: buildStepMessage(req)})
	return msgs
}

// BuildNotepadMessage renders the private session notepads.
func (b *ContextBuilder) BuildNotepadMessage(p notepad.Pad) string {
	var sb strings.Builder
	sb.WriteString("PRIVATE SESSION NOTEPADS (read/update):\n\n")
	sb.WriteString("INCIDENT NOTES:\n")
	sb.WriteString(notepad.FormatBullets(p.Incident, b.promptBullets))
	sb.WriteString("\n\nMEMORY NOTES:\n")
	sb.WriteString(notepad.FormatBullets(p.Memory, b.promptBullets))
	sb.WriteString("\n\nTOOL TRACE SUMMARY (auto, for context):\n")
	sb.WriteString(indentJSON(p.ToolTrace))
	return sb.String()
}

// BuildUserBlock renders the prompt, followed by the live topology when asked.
func BuildUserBlock(prompt string, includeTopology bool, snap topology.Snapshot) string {
	block := strings.TrimSpace(prompt) + "\n"
	if includeTopology {
		block += "\nLive topology JSON:\n" + indentJSON(snap) + "\n"
	}
	return block
}

func buildStepMessage(req *DecisionRequest) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "STEP %d of %d.\n", req.Step, req.MaxSteps)
	if len(req.ExecLog) == 0 {
		sb.WriteString("EXECUTION LOG: (empty)\n")
	} else {
		sb.WriteString("EXECUTION LOG (this turn, oldest first):\n")
		sb.WriteString(indentJSON(req.ExecLog))
		sb.WriteString("\n")
	}
	sb.WriteString("Return the next single decision as one JSON object.")
	return sb.String()
}

func indentJSON(v any) string {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Sprintf("%v", v)
	}
	return string(b)
}
