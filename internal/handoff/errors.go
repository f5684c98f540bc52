package handoff

import (
	"errors"
	"fmt"
	"strings"
)

// Rule names reported in audit entries and events.
const (
	RuleAgentName           = "agent_name"
	RuleDescriptionLength   = "description_length"
	RuleVaguePhrase         = "vague_phrase"
	RuleEmptyPath           = "empty_path"
	RuleForbiddenPath       = "forbidden_path"
	RulePathTraversal       = "path_traversal"
	RuleMixedSeparators     = "mixed_separators"
	RuleProtectedPath       = "protected_path"
	RuleShortCriterion      = "criterion_too_short"
	RuleVagueCriterion      = "vague_criterion"
	RuleNoWriteAgent        = "no_write_agent"
	RuleCriteriaRequired    = "criteria_required"
	RuleFilePathsRequired   = "file_paths_required"
	RuleImplementationNeeds = "implementation_needs_criteria"
	RuleCapability          = "capability"
	RulePromptInjection     = "prompt_injection"
)

// FieldError rejects one field, or a combination of fields, of a handoff.
type FieldError struct {
	Field    string
	Rule     string
	Message  string
	Guidance string
}

func (e *FieldError) Error() string {
	if e.Guidance == "" {
		return fmt.Sprintf("%s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("%s: %s. %s", e.Field, e.Message, e.Guidance)
}

// CapabilityError means the spawning agent may not spawn the target.
type CapabilityError struct {
	Spawner string
	Target  string
	Allowed []string
}

func (e *CapabilityError) Error() string {
	if e.Spawner == "" {
		return fmt.Sprintf("capability violation: no spawning agent given for %q. "+
			"Every spawn must name the agent requesting it", e.Target)
	}
	allowed := "nothing"
	if len(e.Allowed) > 0 {
		allowed = strings.Join(e.Allowed, ", ")
	}
	return fmt.Sprintf("capability violation: %q may not spawn %q (it may spawn: %s). "+
		"Agents can only delegate inside their capability set to prevent privilege escalation; "+
		"route the request through the planning agent", e.Spawner, e.Target, allowed)
}

// Injection sources.
const (
	SourcePattern = "pattern"
	SourceScanner = "scanner"
)

// InjectionError means the task description looks like a prompt injection.
// Pattern is set for pattern hits, RiskScore for scanner hits.
type InjectionError struct {
	Source    string
	Pattern   string
	RiskScore float64
	Threshold float64
}

func (e *InjectionError) Error() string {
	const guidance = "Task descriptions must describe work, not instruct the agent; " +
		"rephrase the task without instruction overrides or role changes"
	if e.Source == SourceScanner {
		return fmt.Sprintf("task_description: prompt injection detected (risk score %.2f > %.2f). %s",
			e.RiskScore, e.Threshold, guidance)
	}
	return fmt.Sprintf("task_description: prompt injection detected (pattern %q). %s", e.Pattern, guidance)
}

// RuleOf names the rule behind a handoff error, or "" if err is not one.
func RuleOf(err error) string {
	var (
		fe *FieldError
		ce *CapabilityError
		ie *InjectionError
	)
	switch {
	case errors.As(err, &ie):
		return RulePromptInjection
	case errors.As(err, &ce):
		return RuleCapability
	case errors.As(err, &fe):
		return fe.Rule
	}
	return ""
}
