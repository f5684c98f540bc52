package registry

var builtinAgents = []Agent{
	{
		Name:        "planning",
		DisplayName: "Planning Agent",
		Description: "Reads issues and scraped content, breaks work into handoffs and delegates them",
		Model:       "opus",
		Tools:       []string{"Read", "Grep", "Glob", "WebFetch"},
		DelegatesTo: []string{"action", "frontend", "backend", "devops", "debug", "seo", "qa", "test-writer", "research", "tracking"},
		Forbidden:   []string{"writing source code"},
	},
	{
		Name:        "action",
		DisplayName: "Action Agent",
		Description: "General implementation work that does not fit a specialist",
		Model:       "sonnet",
		Tools:       []string{"Read", "Write", "Edit", "Bash"},
	},
	{
		Name:            "frontend",
		DisplayName:     "Frontend Agent",
		Description:     "UI components, styling and client-side state",
		Model:           "sonnet",
		Tools:           []string{"Read", "Write", "Edit", "Bash"},
		ExclusiveAccess: []string{"frontend/**"},
	},
	{
		Name:            "backend",
		DisplayName:     "Backend Agent",
		Description:     "APIs, services, persistence and server-side logic",
		Model:           "sonnet",
		Tools:           []string{"Read", "Write", "Edit", "Bash"},
		ExclusiveAccess: []string{"backend/**"},
	},
	{
		Name:        "devops",
		DisplayName: "DevOps Agent",
		Description: "CI pipelines, containers and deployment configuration",
		Model:       "sonnet",
		Tools:       []string{"Read", "Write", "Edit", "Bash"},
	},
	{
		Name:        "debug",
		DisplayName: "Debug Agent",
		Description: "Reproduces failures, finds root causes and applies minimal fixes",
		Model:       "sonnet",
		Tools:       []string{"Read", "Write", "Edit", "Bash"},
	},
	{
		Name:        "seo",
		DisplayName: "SEO Agent",
		Description: "Metadata, sitemaps and content structure for search",
		Model:       "haiku",
		Tools:       []string{"Read", "Write", "Edit"},
	},
	{
		Name:         "qa",
		DisplayName:  "QA Agent",
		Description:  "Reviews changes against acceptance criteria and runs the test suite",
		Model:        "sonnet",
		Tools:        []string{"Read", "Grep", "Bash"},
		CannotAccess: []string{"src/**"},
	},
	{
		Name:        "test-writer",
		DisplayName: "Test Writer Agent",
		Description: "Writes tests that pin down acceptance criteria before implementation",
		Model:       "sonnet",
		Tools:       []string{"Read", "Write", "Edit", "Bash"},
	},
	{
		Name:        "research",
		DisplayName: "Research Agent",
		Description: "Investigates libraries, patterns and prior art; produces notes, never code",
		Model:       "haiku",
		Tools:       []string{"Read", "WebFetch", "WebSearch"},
		Forbidden:   []string{"writing files"},
	},
	{
		Name:        "tracking",
		DisplayName: "Tracking Agent",
		Description: "Updates issue trackers and progress reports",
		Model:       "haiku",
		Tools:       []string{"Read"},
		Forbidden:   []string{"writing files"},
	},
}

var builtinCapabilities = map[string][]string{
	"planning":    {Universal},
	"action":      {"research", "test-writer"},
	"frontend":    {"research", "test-writer"},
	"backend":     {"research", "test-writer"},
	"devops":      {"research"},
	"debug":       {"research", "test-writer"},
	"seo":         {"research"},
	"qa":          {"test-writer"},
	"test-writer": {},
	"research":    {},
	"tracking":    {},
}

// The built-in registry is checked when the package loads; a mismatched
// matrix must never reach a running gateway.
var defaultRegistry = mustNew(builtinAgents, builtinCapabilities)

// Default returns the built-in registry.
func Default() *Registry {
	return defaultRegistry
}

// DefaultCapabilities returns a copy of the built-in capability matrix.
func DefaultCapabilities() map[string][]string {
	out := make(map[string][]string, len(builtinCapabilities))
	for k, v := range builtinCapabilities {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func mustNew(agents []Agent, caps map[string][]string) *Registry {
	r, err := New(agents, caps)
	if err != nil {
		panic("registry: " + err.Error())
	}
	return r
}
