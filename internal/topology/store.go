package topology

import (
	"fmt"
	"sync"
)

type edgeKey struct {
	from, to string
}

// Store is a thread-safe graph of named nodes and directed edges.
// All mutators take the write lock; readers get deep copies.
type Store struct {
	mu     sync.RWMutex
	nextID int
	nodes  map[string]*Node
	order  []string // node names by id
	edges  map[edgeKey]*Edge
	eorder []edgeKey // edges by creation
}

// NewStore creates an empty store. Ids start at 1.
func NewStore() *Store {
	return &Store{
		nextID: 1,
		nodes:  make(map[string]*Node),
		edges:  make(map[edgeKey]*Edge),
	}
}

// AddNode inserts a node in state NORMAL and returns its id.
func (s *Store) AddNode(name, typ, persona, usage string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[name]; ok {
		return 0, fmt.Errorf("%w: %s", ErrDuplicateName, name)
	}
	id := s.nextID
	s.nextID++
	s.nodes[name] = &Node{
		ID:      id,
		Name:    name,
		Type:    typ,
		Persona: persona,
		Usage:   usage,
		State:   StateNormal,
	}
	s.order = append(s.order, name)
	return id, nil
}

// AddEdge creates from->to in state NORMAL. An existing edge keeps its state;
// created reports whether a new edge was made.
func (s *Store) AddEdge(from, to string) (edge Edge, created bool, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.nodes[from]; !ok {
		return Edge{}, false, fmt.Errorf("%w: %s", ErrUnknownNode, from)
	}
	if _, ok := s.nodes[to]; !ok {
		return Edge{}, false, fmt.Errorf("%w: %s", ErrUnknownNode, to)
	}
	k := edgeKey{from, to}
	if e, ok := s.edges[k]; ok {
		return *e, false, nil
	}
	e := &Edge{From: from, To: to, State: StateNormal}
	s.edges[k] = e
	s.eorder = append(s.eorder, k)
	return *e, true, nil
}

// SetEdgeState moves an existing edge to state and reports whether it changed.
func (s *Store) SetEdgeState(from, to string, state State) (bool, error) {
	state, err := ParseState(string(state))
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.edges[edgeKey{from, to}]
	if !ok {
		return false, fmt.Errorf("%w: %s->%s", ErrUnknownEdge, from, to)
	}
	if e.State == state {
		return false, nil
	}
	e.State = state
	return true, nil
}

// SetNodeState moves a node to state and reports whether it changed.
func (s *Store) SetNodeState(name string, state State) (bool, error) {
	state, err := ParseState(string(state))
	if err != nil {
		return false, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.nodes[name]
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownNode, name)
	}
	if n.State == state {
		return false, nil
	}
	n.State = state
	return true, nil
}

// Node returns a copy of the named node.
func (s *Store) Node(name string) (Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.nodes[name]
	if !ok {
		return Node{}, false
	}
	return *n, true
}

// HasNode reports whether name exists.
func (s *Store) HasNode(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[name]
	return ok
}

// EdgeState returns the state of from->to, if the edge exists.
func (s *Store) EdgeState(from, to string) (State, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.edges[edgeKey{from, to}]
	if !ok {
		return "", false
	}
	return e.State, true
}

// Outgoing returns copies of all edges leaving name.
func (s *Store) Outgoing(name string) []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Edge
	for _, k := range s.eorder {
		if k.from == name {
			out = append(out, *s.edges[k])
		}
	}
	return out
}

// Names returns all node names in id order.
func (s *Store) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, len(s.order))
	copy(names, s.order)
	return names
}

// Count returns the number of nodes and edges.
func (s *Store) Count() (nodes, edges int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes), len(s.edges)
}

// Export returns a consistent deep copy of the graph.
func (s *Store) Export() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		Nodes: make([]Node, 0, len(s.order)),
		Edges: make([]Edge, 0, len(s.eorder)),
	}
	for _, name := range s.order {
		snap.Nodes = append(snap.Nodes, *s.nodes[name])
	}
	for _, k := range s.eorder {
		snap.Edges = append(snap.Edges, *s.edges[k])
	}
	return snap
}
