package tools

import (
	"maps"
	"sort"
	"strings"
)

// Definition declares one planner-invocable operation of the mesh API.
type Definition struct {
	Name        string `json:"name"`
	Method      string `json:"method"`
	Path        string `json:"path"`
	Description string `json:"description"`
	// ArgsSchema maps an argument to a constraint description. The first
	// word names the JSON type; "required" marks mandatory arguments.
	ArgsSchema map[string]string `json:"args_schema"`
	NameRules  []string          `json:"name_rules,omitempty"`
}

// Clone returns a deep copy.
func (d Definition) Clone() Definition {
	d.ArgsSchema = maps.Clone(d.ArgsSchema)
	if d.ArgsSchema == nil {
		d.ArgsSchema = map[string]string{}
	}
	d.NameRules = append([]string(nil), d.NameRules...)
	return d
}

// PathParams returns the {placeholders} in Path, in order.
func (d Definition) PathParams() []string {
	var out []string
	rest := d.Path
	for {
		i := strings.IndexByte(rest, '{')
		if i < 0 {
			return out
		}
		j := strings.IndexByte(rest[i:], '}')
		if j < 0 {
			return out
		}
		out = append(out, rest[i+1:i+j])
		rest = rest[i+j+1:]
	}
}

// nameRules are shown to the planner next to every naming-sensitive tool.
var nameRules = []string{
	"names match ^[a-z][a-z0-9_]{0,31}$",
	"use a domain noun like house_battery, pv_panels, ev_charger",
	"never use step labels such as create_agent, connect_agent, set_agent, repeat_step, step_, plan, task, do_",
	"a taken name gets a numeric suffix (_2, _3, ...)",
}

// DefaultCatalog returns the tool vocabulary served to the planner.
func DefaultCatalog() []Definition {
	defs := []Definition{
		{
			Name:        "get_tools",
			Method:      "GET",
			Path:        "/tools",
			Description: "List every tool the planner may call, with argument constraints.",
			ArgsSchema:  map[string]string{},
		},
		{
			Name:        "get_topology",
			Method:      "GET",
			Path:        "/topology",
			Description: "Return all agents (nodes) and directed connections (edges) with their states.",
			ArgsSchema:  map[string]string{},
		},
		{
			Name:        "list_agent_types",
			Method:      "GET",
			Path:        "/agent_types",
			Description: "Return the catalog of instantiable agent types with default persona and capabilities.",
			ArgsSchema:  map[string]string{},
		},
		{
			Name:        "create_agent",
			Method:      "POST",
			Path:        "/agents",
			Description: "Create a new agent and optionally connect it to existing agents.",
			ArgsSchema: map[string]string{
				"name":       "string, required, unique agent name",
				"type":       "string, optional agent type tag from list_agent_types, default generic",
				"persona":    "string, optional 1-2 sentence role description, at least 10 characters",
				"usage":      "string, optional usage note",
				"connect_to": "array of existing agent names, optional",
			},
			NameRules: nameRules,
		},
		{
			Name:        "add_edge",
			Method:      "POST",
			Path:        "/edges",
			Description: "Connect two existing agents. Both endpoints must already exist.",
			ArgsSchema: map[string]string{
				"src":           "string, required, existing agent name (source)",
				"dst":           "string, required, existing agent name (destination)",
				"bidirectional": "boolean, optional, also add dst->src",
			},
		},
		{
			Name:        "set_edge_state",
			Method:      "POST",
			Path:        "/edges/state",
			Description: "Set the state of an existing edge. Repeating the current state is a no-op.",
			ArgsSchema: map[string]string{
				"src":           "string, required, edge source",
				"dst":           "string, required, edge destination",
				"state":         "string, required, one of NORMAL, INACTIVE, BROKEN",
				"bidirectional": "boolean, optional, also apply to dst->src",
			},
		},
		{
			Name:        "send_message",
			Method:      "POST",
			Path:        "/messages",
			Description: "Deliver a text message to an agent. Messages between agents only pass NORMAL edges.",
			ArgsSchema: map[string]string{
				"to":      "string, required, target agent name",
				"from":    "string, optional sender agent name, empty for external",
				"content": "string, required, message text",
				"meta":    "object, optional metadata",
			},
		},
		{
			Name:        "get_notepad",
			Method:      "GET",
			Path:        "/llm/notepads/{session_id}",
			Description: "Read the incident notes, memory notes and tool trace of a session.",
			ArgsSchema: map[string]string{
				"session_id": "string, required, session identifier",
			},
		},
		{
			Name:        "get_run",
			Method:      "GET",
			Path:        "/llm/runs/{run_id}",
			Description: "Read the status of a planner run.",
			ArgsSchema: map[string]string{
				"run_id": "string, required, run identifier",
			},
		},
	}
	return defs
}

// schemaFor derives a JSON Schema object from the constraint strings.
func schemaFor(d Definition) map[string]any {
	props := make(map[string]any, len(d.ArgsSchema))
	required := []string{}
	for field, constraint := range d.ArgsSchema {
		props[field] = propertyFor(constraint)
		if strings.Contains(constraint, "required") {
			required = append(required, field)
		}
	}
	sort.Strings(required)
	return map[string]any{
		"type":       "object",
		"properties": props,
		"required":   required,
	}
}

func propertyFor(constraint string) map[string]any {
	p := map[string]any{"description": constraint}
	head := strings.ToLower(strings.TrimSpace(strings.SplitN(constraint, ",", 2)[0]))
	switch {
	case strings.HasPrefix(head, "array"):
		p["type"] = "array"
		p["items"] = map[string]any{"type": "string"}
	case strings.HasPrefix(head, "boolean"):
		p["type"] = "boolean"
	case strings.HasPrefix(head, "integer"):
		p["type"] = "integer"
	case strings.HasPrefix(head, "object"):
		p["type"] = "object"
	default:
		p["type"] = "string"
	}
	return p
}
