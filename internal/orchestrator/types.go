// Package orchestrator is the mutation service shared by the HTTP surface and
// the planner loop. It validates, applies and audits structural changes.
package orchestrator

import "github.com/KafClaw/KafMesh/internal/topology"

// CreateRequest asks for a new agent node.
type CreateRequest struct {
	Name      string   `json:"name"`
	Type      string   `json:"type,omitempty"`
	Persona   string   `json:"persona,omitempty"`
	Usage     string   `json:"usage,omitempty"`
	ConnectTo []string `json:"connect_to,omitempty"`

	// SkipUnknownTargets drops connect_to names that do not exist instead of
	// rejecting the whole request.
	SkipUnknownTargets bool `json:"-"`
}

// CreateResult reports a created agent.
type CreateResult struct {
	Created     bool     `json:"created"`
	Name        string   `json:"name"`
	NodeID      int      `json:"node_id"`
	Type        string   `json:"type"`
	ConnectedTo []string `json:"connected_to"`
	Skipped     []string `json:"skipped,omitempty"`
}

// EdgeRequest asks for one edge, or two with Bidirectional.
type EdgeRequest struct {
	Src           string `json:"src"`
	Dst           string `json:"dst"`
	Bidirectional bool   `json:"bidirectional,omitempty"`
}

// EdgeView is one edge as reported back to callers.
type EdgeView struct {
	From    string         `json:"from"`
	To      string         `json:"to"`
	State   topology.State `json:"state"`
	Created *bool          `json:"created,omitempty"`
	Changed *bool          `json:"changed,omitempty"`
}

// EdgeResult reports the edges an add_edge touched.
type EdgeResult struct {
	Edges   []EdgeView `json:"edges"`
	Skipped []string   `json:"skipped,omitempty"`
}

// StateRequest changes the state of one edge, or both directions.
type StateRequest struct {
	Src           string `json:"src"`
	Dst           string `json:"dst"`
	Bidirectional bool   `json:"bidirectional,omitempty"`
	State         string `json:"state"`
}

// StateResult reports the resulting edge states.
type StateResult struct {
	Edges []EdgeView `json:"edges"`
}

// SendRequest injects a message into the mesh.
type SendRequest struct {
	To      string         `json:"to"`
	From    string         `json:"from,omitempty"`
	Content string         `json:"content"`
	Meta    map[string]any `json:"meta,omitempty"`
}

// SendResult acknowledges a queued message.
type SendResult struct {
	Queued    bool   `json:"queued"`
	MessageID string `json:"message_id"`
}

// Status summarizes the mesh for the status command.
type Status struct {
	Nodes      int `json:"nodes"`
	Edges      int `json:"edges"`
	Registered int `json:"registered"`
	Pending    int `json:"pending"`
}
