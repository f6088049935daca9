package agenttype

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"

	"gopkg.in/yaml.v3"

	"github.com/KafClaw/KafMesh/internal/topology"
)

// ReservedType is the abstract base tag. It is registered so its metadata is
// known, but it is never listed or instantiated.
const ReservedType = "dynamic"

// DefaultType is used when a create request names no type.
const DefaultType = "generic"

// CatalogVersion is the schema version of the published catalog.
const CatalogVersion = 1

//go:embed catalog.yaml
var catalogYAML []byte

var validTag = regexp.MustCompile(`^[a-z][a-z0-9_]*$`)

var (
	ErrNotFound      = fmt.Errorf("%w: unknown agent type", topology.ErrUnknownEntity)
	ErrReserved      = errors.New("agent type is reserved")
	ErrDuplicateType = errors.New("agent type already registered")
	ErrInvalidTag    = errors.New("invalid agent type tag")
)

// Spec is the published metadata of one agent type.
type Spec struct {
	Type           string   `json:"type" yaml:"type"`
	Label          string   `json:"label" yaml:"label"`
	DefaultPersona string   `json:"default_persona" yaml:"default_persona"`
	DefaultUsage   string   `json:"default_usage" yaml:"default_usage"`
	Capabilities   []string `json:"capabilities" yaml:"capabilities"`
	RequiredFields []string `json:"required_fields" yaml:"required_fields"`
	OptionalFields []string `json:"optional_fields" yaml:"optional_fields"`
	// Aliases are alternative tags accepted by Resolve, e.g. "battery".
	Aliases []string `json:"aliases,omitempty" yaml:"aliases"`
}

type catalogFile struct {
	Version int    `yaml:"version"`
	Types   []Spec `yaml:"types"`
}

type entry struct {
	ctor Constructor
	spec Spec
}

// Registry maps type tags to constructors. It is filled once at start-up.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]entry
	aliases map[string]string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{entries: make(map[string]entry), aliases: make(map[string]string)}
}

// Register adds a type. Missing field lists get the catalog defaults.
func (r *Registry) Register(tag string, ctor Constructor, spec Spec) error {
	if !validTag.MatchString(tag) {
		return fmt.Errorf("%w: %q", ErrInvalidTag, tag)
	}
	if ctor == nil {
		return fmt.Errorf("agent type %s: nil constructor", tag)
	}
	spec.Type = tag
	if len(spec.RequiredFields) == 0 {
		spec.RequiredFields = []string{"name"}
	}
	if len(spec.OptionalFields) == 0 {
		spec.OptionalFields = []string{"persona", "usage"}
	}
	if spec.Capabilities == nil {
		spec.Capabilities = []string{}
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.taken(tag) {
		return fmt.Errorf("%w: %s", ErrDuplicateType, tag)
	}
	for _, a := range spec.Aliases {
		if !validTag.MatchString(a) {
			return fmt.Errorf("%w: alias %q", ErrInvalidTag, a)
		}
		if a == tag || r.taken(a) {
			return fmt.Errorf("%w: alias %s", ErrDuplicateType, a)
		}
	}
	r.entries[tag] = entry{ctor: ctor, spec: spec}
	for _, a := range spec.Aliases {
		r.aliases[a] = tag
	}
	return nil
}

func (r *Registry) taken(tag string) bool {
	_, a := r.entries[tag]
	_, b := r.aliases[tag]
	return a || b
}

// Resolve returns the constructor and metadata for tag or one of its aliases.
func (r *Registry) Resolve(tag string) (Constructor, Spec, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if canonical, ok := r.aliases[tag]; ok {
		tag = canonical
	}
	if tag == ReservedType {
		return nil, Spec{}, fmt.Errorf("%w: %s", ErrReserved, tag)
	}
	e, ok := r.entries[tag]
	if !ok {
		return nil, Spec{}, fmt.Errorf("%w: %s", ErrNotFound, tag)
	}
	return e.ctor, copySpec(e.spec), nil
}

// Spec returns metadata for any registered tag, including the reserved one.
func (r *Registry) Spec(tag string) (Spec, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[tag]
	if !ok {
		return Spec{}, false
	}
	return copySpec(e.spec), true
}

// Catalog lists instantiable types ordered by tag.
func (r *Registry) Catalog() []Spec {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]Spec, 0, len(r.entries))
	for tag, e := range r.entries {
		if tag == ReservedType {
			continue
		}
		out = append(out, copySpec(e.spec))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Type < out[j].Type })
	return out
}

func copySpec(s Spec) Spec {
	s.Capabilities = append([]string{}, s.Capabilities...)
	s.RequiredFields = append([]string{}, s.RequiredFields...)
	s.OptionalFields = append([]string{}, s.OptionalFields...)
	s.Aliases = append([]string(nil), s.Aliases...)
	return s
}

// LoadCatalog parses catalog metadata in the embedded YAML format.
func LoadCatalog(data []byte) ([]Spec, error) {
	var f catalogFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse agent catalog: %w", err)
	}
	if f.Version != CatalogVersion {
		return nil, fmt.Errorf("agent catalog version %d not supported", f.Version)
	}
	return f.Types, nil
}

// DefaultRegistry builds the registry from the static constructor table and
// the embedded catalog. Every catalog entry must have a constructor and vice versa.
func DefaultRegistry() (*Registry, error) {
	specs, err := LoadCatalog(catalogYAML)
	if err != nil {
		return nil, err
	}
	r := NewRegistry()
	seen := make(map[string]bool, len(specs))
	for _, spec := range specs {
		ctor, ok := constructors[spec.Type]
		if !ok {
			return nil, fmt.Errorf("agent type %s has no constructor", spec.Type)
		}
		if err := r.Register(spec.Type, ctor, spec); err != nil {
			return nil, err
		}
		seen[spec.Type] = true
	}
	for tag := range constructors {
		if !seen[tag] {
			return nil, fmt.Errorf("agent type %s missing from catalog", tag)
		}
	}
	return r, nil
}
