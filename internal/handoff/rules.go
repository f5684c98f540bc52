package handoff

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

const (
	minDescriptionLen = 20
	minCriterionLen   = 5
)

var vaguePhrases = []string{
	"do something",
	"fix stuff",
	"fix things",
	"update things",
	"update stuff",
	"make it work",
	"handle it",
	"deal with",
}

var vagueTerms = map[string]bool{
	"works":    true,
	"done":     true,
	"fixed":    true,
	"complete": true,
	"good":     true,
}

var injectionPatterns = []*regexp.Regexp{
	regexp.MustCompile(`(?i)\b(?:ignore|disregard|forget)\s+(?:all\s+)?(?:the\s+|your\s+)?(?:previous|prior|above|earlier)\s+(?:instructions|prompts|rules|messages)`),
	regexp.MustCompile(`(?i)\breveal\s+(?:the\s+|your\s+)?(?:system\s+prompt|hidden\s+instructions|instructions)`),
	regexp.MustCompile(`(?i)\byou\s+are\s+now\s+(?:a|an|the|in)\b`),
	regexp.MustCompile(`(?i)\bnew\s+instructions\s*:`),
	regexp.MustCompile(`(?i)\boverride\s+(?:your|the|all)\s+(?:instructions|rules|safety|guardrails)`),
	regexp.MustCompile(`(?i)\bact\s+as\s+(?:an?\s+)?(?:admin|administrator|root|system|developer mode)\b`),
	regexp.MustCompile(`(?i)<\|?(?:im_start|im_end|system)\|?>`),
	regexp.MustCompile(`(?i)^\s*system\s*:`),
}

var implementationVerbs = regexp.MustCompile(`(?i)\b(?:implement|create|build|develop|add|write)\b`)

var vaguePhraseRE = buildPhraseRE(vaguePhrases)

// Repo-relative paths only; these prefixes point at user or server roots.
var forbiddenPrefixes = []string{
	"/home/", "/users/", "/root", "/etc/", "/var/", "/usr/", "/opt/", "/srv/", "/tmp/",
	"~", "$home", `c:\users`, `c:/users`, `\\`,
}

// DefaultProtectedPaths are doublestar globs no handoff may target.
var DefaultProtectedPaths = []string{".git/**", "**/.env", "**/*.pem", "**/id_rsa*"}

var (
	noWriteAgents      = map[string]bool{"research": true, "tracking": true}
	fileWritingAgents  = map[string]bool{"action": true, "frontend": true, "backend": true, "devops": true, "debug": true, "seo": true}
	criteriaOnlyAgents = map[string]bool{"test-writer": true}
)

func buildPhraseRE(phrases []string) *regexp.Regexp {
	alts := make([]string, len(phrases))
	for i, p := range phrases {
		alts[i] = strings.Join(strings.Fields(regexp.QuoteMeta(p)), `\s+`)
	}
	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(alts, "|") + `)\b`)
}

func checkDescriptionShape(desc string) error {
	if n := len([]rune(desc)); n < minDescriptionLen {
		return &FieldError{
			Field:    "task_description",
			Rule:     RuleDescriptionLength,
			Message:  fmt.Sprintf("too short (%d chars, need at least %d)", n, minDescriptionLen),
			Guidance: "Describe what to change, where, and how to tell it is done",
		}
	}
	if m := vaguePhraseRE.FindString(desc); m != "" {
		return &FieldError{
			Field:    "task_description",
			Rule:     RuleVaguePhrase,
			Message:  fmt.Sprintf("contains vague phrase %q", strings.ToLower(m)),
			Guidance: "Name the concrete change, for example the function, endpoint or file to touch",
		}
	}
	return nil
}

func matchInjectionPattern(desc string) string {
	for _, re := range injectionPatterns {
		if m := re.FindString(desc); m != "" {
			return strings.TrimSpace(m)
		}
	}
	return ""
}

func (v *Validator) checkPath(p string) error {
	fail := func(rule, msg, guidance string) error {
		return &FieldError{Field: "file_paths", Rule: rule, Message: msg, Guidance: guidance}
	}
	if p == "" {
		return fail(RuleEmptyPath, "contains an empty path", "Drop blank entries")
	}
	lower := strings.ToLower(p)
	for _, prefix := range forbiddenPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return fail(RuleForbiddenPath,
				fmt.Sprintf("%q points outside the repository", p),
				"Use a path relative to the repository root, such as src/app/main.go")
		}
	}
	if strings.Contains(p, "..") {
		return fail(RulePathTraversal,
			fmt.Sprintf("%q contains '..'", p),
			"Parent traversal is not allowed; use a path relative to the repository root")
	}
	if strings.Contains(p, `\`) && strings.Contains(p, "/") {
		return fail(RuleMixedSeparators,
			fmt.Sprintf("%q mixes '\\' and '/' separators", p),
			"Use forward slashes only")
	}
	slashed := strings.ReplaceAll(p, `\`, "/")
	for _, pattern := range v.protected {
		if ok, _ := doublestar.Match(pattern, slashed); ok {
			return fail(RuleProtectedPath,
				fmt.Sprintf("%q matches protected pattern %q", p, pattern),
				"Secrets and repository metadata cannot be handed to agents")
		}
	}
	return nil
}

func checkCriterion(c string) error {
	if len([]rune(c)) < minCriterionLen {
		return &FieldError{
			Field:    "acceptance_criteria",
			Rule:     RuleShortCriterion,
			Message:  fmt.Sprintf("%q is too short (need at least %d chars)", c, minCriterionLen),
			Guidance: "Write a testable statement, for example 'Returns 401 on invalid token'",
		}
	}
	if vagueTerms[criterionCore(c)] {
		return &FieldError{
			Field:    "acceptance_criteria",
			Rule:     RuleVagueCriterion,
			Message:  fmt.Sprintf("%q is not testable", c),
			Guidance: "State the observable behaviour that proves the task is finished",
		}
	}
	return nil
}

// criterionCore strips checklist markup so "[ ] Done." compares as "done".
func criterionCore(c string) string {
	s := strings.ToLower(strings.TrimSpace(c))
	for _, marker := range []string{"- ", "* ", "[ ]", "[x]"} {
		s = strings.TrimSpace(strings.TrimPrefix(s, marker))
	}
	return strings.TrimRight(s, ".!")
}
