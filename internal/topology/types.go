// Package topology holds the node/edge graph of the agent mesh.
package topology

import (
	"errors"
	"fmt"
	"strings"
)

// State is the tri-state of a node or edge.
type State string

const (
	StateNormal   State = "NORMAL"
	StateInactive State = "INACTIVE"
	StateBroken   State = "BROKEN"
)

// ParseState accepts a state name in any case.
func ParseState(s string) (State, error) {
	switch State(strings.ToUpper(strings.TrimSpace(s))) {
	case StateNormal:
		return StateNormal, nil
	case StateInactive:
		return StateInactive, nil
	case StateBroken:
		return StateBroken, nil
	}
	return "", fmt.Errorf("%w: %q", ErrInvalidState, s)
}

// Node is one logical agent in the mesh.
type Node struct {
	ID      int    `json:"id"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Persona string `json:"persona"`
	Usage   string `json:"usage"`
	State   State  `json:"state"`
}

// Edge is a directed connection keyed by (From, To).
type Edge struct {
	From  string `json:"from"`
	To    string `json:"to"`
	State State  `json:"state"`
}

// Snapshot is a read-only copy of the whole graph.
type Snapshot struct {
	Nodes []Node `json:"nodes"`
	Edges []Edge `json:"edges"`
}

// HasNode reports whether the snapshot contains a node with the given name.
func (s Snapshot) HasNode(name string) bool {
	for _, n := range s.Nodes {
		if n.Name == name {
			return true
		}
	}
	return false
}

// Names returns node names in id order.
func (s Snapshot) Names() []string {
	names := make([]string, len(s.Nodes))
	for i, n := range s.Nodes {
		names[i] = n.Name
	}
	return names
}

var (
	// ErrUnknownEntity is the parent of lookups that reference nothing.
	ErrUnknownEntity = errors.New("unknown entity")
	ErrUnknownNode   = fmt.Errorf("%w: unknown node", ErrUnknownEntity)
	ErrUnknownEdge   = fmt.Errorf("%w: unknown edge", ErrUnknownEntity)

	ErrDuplicateName = errors.New("duplicate name")
	ErrInvalidState  = errors.New("invalid state")
)
