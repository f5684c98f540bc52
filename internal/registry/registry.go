// Package registry holds the closed set of agent roles the gateway may spawn
// and the capability matrix that says which role may spawn which.
package registry

import (
	"fmt"
	"slices"
	"sort"
	"strings"
)

// Universal in a capability list allows spawning any agent.
const Universal = "*"

// Agent describes one agent role. Only Name is used for validation; the
// remaining fields are carried for operators and tooling.
type Agent struct {
	Name             string   `yaml:"name" json:"name"`
	DisplayName      string   `yaml:"display_name" json:"display_name"`
	Description      string   `yaml:"description" json:"description"`
	Model            string   `yaml:"model" json:"model"`
	Tools            []string `yaml:"tools" json:"tools"`
	DelegatesTo      []string `yaml:"delegates_to,omitempty" json:"delegates_to,omitempty"`
	CannotAccess     []string `yaml:"cannot_access,omitempty" json:"cannot_access,omitempty"`
	ExclusiveAccess  []string `yaml:"exclusive_access,omitempty" json:"exclusive_access,omitempty"`
	Responsibilities []string `yaml:"responsibilities,omitempty" json:"responsibilities,omitempty"`
	Forbidden        []string `yaml:"forbidden,omitempty" json:"forbidden,omitempty"`
}

// Registry is immutable once built.
type Registry struct {
	agents       map[string]Agent
	capabilities map[string][]string
	names        []string
}

// New builds a registry. The agent names and the capability matrix keys must
// be the same set, and every capability target must be a known agent or "*".
func New(agents []Agent, capabilities map[string][]string) (*Registry, error) {
	r := &Registry{
		agents:       make(map[string]Agent, len(agents)),
		capabilities: make(map[string][]string, len(capabilities)),
	}
	for _, a := range agents {
		a.Name = normalize(a.Name)
		if a.Name == "" {
			return nil, ErrEmptyName
		}
		if _, dup := r.agents[a.Name]; dup {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateAgent, a.Name)
		}
		r.agents[a.Name] = a
		r.names = append(r.names, a.Name)
	}
	sort.Strings(r.names)

	for name, targets := range capabilities {
		norm := make([]string, 0, len(targets))
		for _, t := range targets {
			norm = append(norm, normalize(t))
		}
		r.capabilities[normalize(name)] = norm
	}

	if err := r.checkMatrix(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) checkMatrix() error {
	var missing, extra []string
	for _, name := range r.names {
		if _, ok := r.capabilities[name]; !ok {
			missing = append(missing, name)
		}
	}
	for name := range r.capabilities {
		if _, ok := r.agents[name]; !ok {
			extra = append(extra, name)
		}
	}
	if len(missing) > 0 || len(extra) > 0 {
		sort.Strings(extra)
		return &MatrixMismatchError{MissingFromMatrix: missing, UnknownInMatrix: extra}
	}
	for name, targets := range r.capabilities {
		for _, t := range targets {
			if t == Universal {
				continue
			}
			if _, ok := r.agents[t]; !ok {
				return fmt.Errorf("%w: %s may spawn %q", ErrUnknownTarget, name, t)
			}
		}
	}
	return nil
}

// Has reports whether name is a registered agent.
func (r *Registry) Has(name string) bool {
	_, ok := r.agents[normalize(name)]
	return ok
}

// Get returns the agent registered under name.
func (r *Registry) Get(name string) (Agent, bool) {
	a, ok := r.agents[normalize(name)]
	return a, ok
}

// Names returns all agent names in sorted order.
func (r *Registry) Names() []string {
	return slices.Clone(r.names)
}

// Agents returns all agents sorted by name.
func (r *Registry) Agents() []Agent {
	out := make([]Agent, 0, len(r.names))
	for _, n := range r.names {
		out = append(out, r.agents[n])
	}
	return out
}

// Describe returns the human description of an agent, or "".
func (r *Registry) Describe(name string) string {
	return r.agents[normalize(name)].Description
}

// Capabilities returns the agents that name may spawn. An agent missing from
// the matrix has none.
func (r *Registry) Capabilities(name string) []string {
	return slices.Clone(r.capabilities[normalize(name)])
}

// CanSpawn reports whether spawner is allowed to spawn target.
func (r *Registry) CanSpawn(spawner, target string) bool {
	target = normalize(target)
	for _, t := range r.capabilities[normalize(spawner)] {
		if t == Universal || t == target {
			return true
		}
	}
	return false
}

func normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
