// Package handoff builds and validates the typed record handed to a spawned
// agent. A Handoff only exists once every field and cross-field rule passed.
package handoff

import (
	"context"
	"fmt"
	"slices"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/jeanpaul/spawngate/internal/registry"
	"github.com/jeanpaul/spawngate/internal/scanner"
)

// DefaultInjectionThreshold is the scanner risk score above which a task
// description is rejected.
const DefaultInjectionThreshold = 0.7

type spawnerKey struct{}

// WithSpawner records which agent is asking for the spawn.
func WithSpawner(ctx context.Context, agent string) context.Context {
	return context.WithValue(ctx, spawnerKey{}, strings.ToLower(strings.TrimSpace(agent)))
}

// SpawnerFrom returns the spawning agent stored by WithSpawner.
func SpawnerFrom(ctx context.Context) (string, bool) {
	s, ok := ctx.Value(spawnerKey{}).(string)
	return s, ok && s != ""
}

// Draft is the unvalidated input for a handoff.
type Draft struct {
	AgentName          string
	TaskDescription    string
	AcceptanceCriteria []string
	FilePaths          []string
	Context            string
	Blockers           string
	Deliverables       string
}

// Handoff is a validated, immutable task record.
type Handoff struct {
	agentName          string
	spawningAgent      string
	taskDescription    string
	acceptanceCriteria []string
	filePaths          []string
	context            string
	blockers           string
	deliverables       string
	screening          scanner.Verdict
}

func (h *Handoff) AgentName() string            { return h.agentName }
func (h *Handoff) SpawningAgent() string        { return h.spawningAgent }
func (h *Handoff) TaskDescription() string      { return h.taskDescription }
func (h *Handoff) AcceptanceCriteria() []string { return slices.Clone(h.acceptanceCriteria) }
func (h *Handoff) FilePaths() []string          { return slices.Clone(h.filePaths) }
func (h *Handoff) Context() string              { return h.context }
func (h *Handoff) Blockers() string             { return h.blockers }
func (h *Handoff) Deliverables() string         { return h.deliverables }

// Screening reports what the injection scanner said. Scanned is false when
// the scanner was off or failed open.
func (h *Handoff) Screening() scanner.Verdict { return h.screening }

// Options configures a Validator.
type Options struct {
	Registry *registry.Registry
	// Guard may be nil, which disables semantic screening.
	Guard          *scanner.Guard
	Threshold      float64
	ProtectedPaths []string
}

// Validator turns drafts into handoffs. It is safe for concurrent use.
type Validator struct {
	registry  *registry.Registry
	guard     *scanner.Guard
	threshold float64
	protected []string
}

// NewValidator checks the protected path globs and returns a Validator.
func NewValidator(opts Options) (*Validator, error) {
	v := &Validator{
		registry:  opts.Registry,
		guard:     opts.Guard,
		threshold: opts.Threshold,
		protected: opts.ProtectedPaths,
	}
	if v.registry == nil {
		v.registry = registry.Default()
	}
	if v.threshold <= 0 {
		v.threshold = DefaultInjectionThreshold
	}
	if v.protected == nil {
		v.protected = DefaultProtectedPaths
	}
	for _, p := range v.protected {
		if !doublestar.ValidatePattern(p) {
			return nil, fmt.Errorf("invalid protected path pattern %q", p)
		}
	}
	return v, nil
}

// Registry returns the registry names are validated against.
func (v *Validator) Registry() *registry.Registry { return v.registry }

// New validates d and returns the handoff. The spawning agent is read from
// ctx. Field rules run first, then the capability matrix, then the shape
// rules, so an escalation attempt is never reported as a missing field.
func (v *Validator) New(ctx context.Context, d Draft) (*Handoff, error) {
	h := &Handoff{
		agentName:       strings.ToLower(strings.TrimSpace(d.AgentName)),
		taskDescription: strings.TrimSpace(d.TaskDescription),
		context:         strings.TrimSpace(d.Context),
		blockers:        strings.TrimSpace(d.Blockers),
		deliverables:    strings.TrimSpace(d.Deliverables),
	}

	if !v.registry.Has(h.agentName) {
		return nil, &FieldError{
			Field:    "agent_name",
			Rule:     RuleAgentName,
			Message:  fmt.Sprintf("unknown agent %q", d.AgentName),
			Guidance: "Valid agents: " + strings.Join(v.registry.Names(), ", "),
		}
	}

	if err := checkDescriptionShape(h.taskDescription); err != nil {
		return nil, err
	}
	if p := matchInjectionPattern(h.taskDescription); p != "" {
		return nil, &InjectionError{Source: SourcePattern, Pattern: p}
	}
	h.screening = v.guard.Check(ctx, h.taskDescription)
	if h.screening.Scanned && h.screening.RiskScore > v.threshold {
		return nil, &InjectionError{Source: SourceScanner, RiskScore: h.screening.RiskScore, Threshold: v.threshold}
	}

	for _, p := range d.FilePaths {
		p = strings.TrimSpace(p)
		if err := v.checkPath(p); err != nil {
			return nil, err
		}
		h.filePaths = append(h.filePaths, p)
	}

	for _, c := range d.AcceptanceCriteria {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		if err := checkCriterion(c); err != nil {
			return nil, err
		}
		h.acceptanceCriteria = append(h.acceptanceCriteria, c)
	}

	spawner, _ := SpawnerFrom(ctx)
	h.spawningAgent = spawner
	if err := v.checkCapability(spawner, h.agentName); err != nil {
		return nil, err
	}
	if err := checkShape(h); err != nil {
		return nil, err
	}
	return h, nil
}

func (v *Validator) checkCapability(spawner, target string) error {
	if spawner == "" || !v.registry.CanSpawn(spawner, target) {
		return &CapabilityError{Spawner: spawner, Target: target, Allowed: v.registry.Capabilities(spawner)}
	}
	return nil
}

func checkShape(h *Handoff) error {
	switch {
	case noWriteAgents[h.agentName] && len(h.filePaths) > 0:
		return &FieldError{
			Field:    "file_paths",
			Rule:     RuleNoWriteAgent,
			Message:  fmt.Sprintf("%s agents do not write files but %d path(s) were given", h.agentName, len(h.filePaths)),
			Guidance: "Remove file_paths, or hand the writing part to an implementation agent",
		}
	case criteriaOnlyAgents[h.agentName] && len(h.acceptanceCriteria) == 0:
		return &FieldError{
			Field:    "acceptance_criteria",
			Rule:     RuleCriteriaRequired,
			Message:  fmt.Sprintf("%s needs acceptance criteria to write tests against", h.agentName),
			Guidance: "List the behaviours the tests must pin down",
		}
	case fileWritingAgents[h.agentName] && len(h.filePaths) == 0:
		return &FieldError{
			Field:    "file_paths",
			Rule:     RuleFilePathsRequired,
			Message:  fmt.Sprintf("%s agents must be told which files to change", h.agentName),
			Guidance: "Add the repository-relative paths the agent may edit",
		}
	case implementationVerbs.MatchString(h.taskDescription) && len(h.acceptanceCriteria) == 0:
		return &FieldError{
			Field:    "acceptance_criteria",
			Rule:     RuleImplementationNeeds,
			Message:  "implementation tasks need acceptance criteria",
			Guidance: "Add at least one testable statement, for example 'Returns 401 on invalid token'",
		}
	}
	return nil
}
