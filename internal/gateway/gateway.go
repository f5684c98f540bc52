// Package gateway runs every spawn request through sanitizing, rate
// limiting, handoff validation and auditing before a backend sees it.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sort"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/jeanpaul/spawngate/internal/audit"
	"github.com/jeanpaul/spawngate/internal/backend"
	"github.com/jeanpaul/spawngate/internal/events"
	"github.com/jeanpaul/spawngate/internal/handoff"
	"github.com/jeanpaul/spawngate/internal/metrics"
	"github.com/jeanpaul/spawngate/internal/ratelimit"
	"github.com/jeanpaul/spawngate/internal/redact"
)

const (
	DefaultMaxPromptLength = 10000
	DefaultSourceApp       = "spawngate"

	maxEventError = 200

	// unknownAgent labels metrics and events for names missing from the
	// registry, which keeps label cardinality bounded.
	unknownAgent = "unknown"
)

// Spawn outcomes used as metric labels.
const (
	resultSuccess           = "success"
	resultValidationFailure = "validation_failure"
	resultRateLimited       = "rate_limited"
	resultBackendError      = "backend_error"
	resultAuditError        = "audit_error"
)

// Options wires a Gateway. Audit and Backend are required.
type Options struct {
	Limiter         ratelimit.Limiter
	Validator       *handoff.Validator
	Audit           *audit.Log
	Backend         backend.Backend
	Events          events.Publisher
	Metrics         metrics.Sink
	Logger          *slog.Logger
	Now             func() time.Time
	MaxPromptLength int
	SourceApp       string
}

// SpawnRequest asks for one agent session. The handoff fields beyond the
// prompt are optional.
type SpawnRequest struct {
	AgentType     string
	TaskID        string
	Prompt        string
	SpawningAgent string
	WaitForReady  bool

	AcceptanceCriteria []string
	FilePaths          []string
	Context            string
	Blockers           string
	Deliverables       string
}

// Session is a spawned agent the gateway still tracks.
type Session struct {
	ID        string    `json:"session_id"`
	AgentType string    `json:"agent_type"`
	TaskID    string    `json:"task_id,omitempty"`
	Started   time.Time `json:"started"`
}

// Gateway validates and spawns agents. Spawn requests are serialized.
type Gateway struct {
	limiter   ratelimit.Limiter
	validator *handoff.Validator
	audit     *audit.Log
	backend   backend.Backend
	events    events.Publisher
	metrics   metrics.Sink
	logger    *slog.Logger
	now       func() time.Time
	maxPrompt int
	sourceApp string

	spawnMu sync.Mutex

	mu       sync.Mutex
	sessions map[string]Session
}

// New returns a Gateway with defaults for every optional collaborator.
func New(opts Options) (*Gateway, error) {
	if opts.Audit == nil {
		return nil, errors.New("gateway: audit log is required")
	}
	if opts.Backend == nil {
		return nil, errors.New("gateway: spawn backend is required")
	}
	g := &Gateway{
		limiter:   opts.Limiter,
		validator: opts.Validator,
		audit:     opts.Audit,
		backend:   opts.Backend,
		events:    opts.Events,
		metrics:   opts.Metrics,
		logger:    opts.Logger,
		now:       opts.Now,
		maxPrompt: opts.MaxPromptLength,
		sourceApp: opts.SourceApp,
		sessions:  make(map[string]Session),
	}
	if g.limiter == nil {
		g.limiter = ratelimit.NewMemory(ratelimit.Config{})
	}
	if g.validator == nil {
		v, err := handoff.NewValidator(handoff.Options{})
		if err != nil {
			return nil, err
		}
		g.validator = v
	}
	if g.events == nil {
		g.events = events.Nop{}
	}
	if g.metrics == nil {
		g.metrics = metrics.Nop{}
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	if g.now == nil {
		g.now = time.Now
	}
	if g.maxPrompt <= 0 {
		g.maxPrompt = DefaultMaxPromptLength
	}
	if g.sourceApp == "" {
		g.sourceApp = DefaultSourceApp
	}
	return g, nil
}

// request carries per-call state through the pipeline.
type request struct {
	SpawnRequest
	agentType string
	known     bool
	// label is agentType when it is registered, otherwise unknownAgent.
	label   string
	spawner string
	start   time.Time
}

// SpawnWithValidation validates req and, when every check passes, starts the
// agent. It returns a *ValidationError, a *ratelimit.LimitError or an
// *OperationalError; the backend is only called after a success audit entry
// was written.
func (g *Gateway) SpawnWithValidation(ctx context.Context, req SpawnRequest) (string, error) {
	g.spawnMu.Lock()
	defer g.spawnMu.Unlock()

	r := &request{
		SpawnRequest: req,
		agentType:    strings.ToLower(strings.TrimSpace(req.AgentType)),
		spawner:      strings.ToLower(strings.TrimSpace(req.SpawningAgent)),
		start:        g.now(),
	}
	r.known = g.validator.Registry().Has(r.agentType)
	r.label = unknownAgent
	if r.known {
		r.label = r.agentType
	}

	prompt, err := sanitize(req.Prompt, g.maxPrompt)
	if err != nil {
		return "", g.rejectInvalid(ctx, r, req.Prompt, err)
	}
	r.Prompt = prompt

	ctx = handoff.WithSpawner(ctx, r.spawner)

	// Unregistered names fail the handoff below and leave no limiter state.
	if r.known {
		if err := g.limiter.CheckSpawnAllowed(ctx, r.agentType); err != nil {
			var le *ratelimit.LimitError
			if errors.As(err, &le) {
				return "", g.rejectRateLimited(ctx, r, le)
			}
			return "", &OperationalError{Op: "rate limiter", Err: err}
		}
	}

	h, err := g.validator.New(ctx, handoff.Draft{
		AgentName:          r.agentType,
		TaskDescription:    prompt,
		AcceptanceCriteria: req.AcceptanceCriteria,
		FilePaths:          req.FilePaths,
		Context:            req.Context,
		Blockers:           req.Blockers,
		Deliverables:       req.Deliverables,
	})
	if err != nil {
		return "", g.rejectInvalid(ctx, r, prompt, err)
	}

	latency := g.latencyMS(r.start)
	g.metrics.ValidationLatency(r.label, g.now().Sub(r.start))
	if _, err := g.audit.Log(audit.Record{
		Result:          audit.Success,
		AgentType:       r.agentType,
		TaskDescription: prompt,
		SpawningAgent:   r.spawner,
		LatencyMS:       &latency,
		TaskID:          req.TaskID,
	}); err != nil {
		g.metrics.SpawnAttempt(r.label, resultAuditError)
		return "", &OperationalError{Op: "audit", Err: err}
	}

	fields := map[string]any{}
	if v := h.Screening(); v.Scanned {
		fields["risk_score"] = v.RiskScore
	}
	g.publish(ctx, r, events.ValidationSuccess, latency, fields)

	id, err := g.backend.Spawn(ctx, r.agentType, req.TaskID, prompt, req.WaitForReady)
	if err != nil {
		g.metrics.SpawnAttempt(r.label, resultBackendError)
		g.logger.Error("spawn backend failed",
			slog.String("agent_type", r.agentType),
			slog.String("task_id", req.TaskID),
			slog.String("error", err.Error()))
		return "", &OperationalError{Op: "spawn", Err: err}
	}

	if err := g.limiter.RecordSpawn(ctx, r.agentType); err != nil {
		g.logger.Warn("recording spawn failed",
			slog.String("agent_type", r.agentType),
			slog.String("error", err.Error()))
	}
	g.mu.Lock()
	g.sessions[id] = Session{ID: id, AgentType: r.agentType, TaskID: req.TaskID, Started: g.now()}
	g.mu.Unlock()

	g.metrics.SpawnAttempt(r.label, resultSuccess)
	g.logger.Info("agent spawned",
		slog.String("session_id", id),
		slog.String("agent_type", r.agentType),
		slog.String("spawning_agent", r.spawner),
		slog.Int64("latency_ms", latency))
	return id, nil
}

func (g *Gateway) rejectRateLimited(ctx context.Context, r *request, le *ratelimit.LimitError) error {
	latency := g.latencyMS(r.start)
	g.metrics.RateLimited(r.label, string(le.Kind))
	g.metrics.SpawnAttempt(r.label, resultRateLimited)
	g.logger.Warn("spawn rate limited",
		slog.String("agent_type", r.agentType),
		slog.String("limit", string(le.Kind)),
		slog.Int("current", le.Current),
		slog.Int("max", le.Limit))

	auditErr := g.auditFailure(r, r.Prompt, le, latency)
	g.publish(ctx, r, events.RateLimitTriggered, latency, map[string]any{
		"limit":   string(le.Kind),
		"current": le.Current,
		"max":     le.Limit,
		"error":   truncate(le.Error(), maxEventError),
	})
	if auditErr != nil {
		return errors.Join(le, auditErr)
	}
	return le
}

func (g *Gateway) rejectInvalid(ctx context.Context, r *request, desc string, cause error) error {
	latency := g.latencyMS(r.start)
	rule := handoff.RuleOf(cause)
	g.metrics.ValidationLatency(r.label, g.now().Sub(r.start))
	g.metrics.SpawnAttempt(r.label, resultValidationFailure)
	g.logger.Warn("spawn rejected",
		slog.String("agent_type", r.label),
		slog.String("spawning_agent", truncate(redact.Redact(r.spawner), maxEventError)),
		slog.String("rule", rule),
		slog.String("error", truncate(redact.Redact(cause.Error()), maxEventError)))

	auditErr := g.auditFailure(r, desc, cause, latency)
	g.publish(ctx, r, events.ValidationFailure, latency, map[string]any{
		"rule":       rule,
		"error_type": errorType(cause),
		"error":      truncate(redact.Redact(cause.Error()), maxEventError),
	})

	var ie *handoff.InjectionError
	if errors.As(cause, &ie) {
		g.metrics.InjectionDetected(r.label, ie.Source)
		fields := map[string]any{"severity": "critical", "source": ie.Source}
		if ie.Source == handoff.SourceScanner {
			fields["risk_score"] = ie.RiskScore
			fields["threshold"] = ie.Threshold
		} else {
			fields["pattern"] = ie.Pattern
		}
		g.publish(ctx, r, events.PromptInjectionDetected, latency, fields)
	}

	verr := &ValidationError{Rule: rule, AgentType: r.agentType, Err: cause}
	if auditErr != nil {
		return errors.Join(verr, &OperationalError{Op: "audit", Err: auditErr})
	}
	return verr
}

func (g *Gateway) auditFailure(r *request, desc string, cause error, latency int64) error {
	_, err := g.audit.Log(audit.Record{
		Result:          audit.Failure,
		AgentType:       r.agentType,
		TaskDescription: desc,
		SpawningAgent:   r.spawner,
		Error:           cause.Error(),
		LatencyMS:       &latency,
		TaskID:          r.TaskID,
	})
	if err != nil {
		g.logger.Error("audit write failed", slog.String("error", err.Error()))
	}
	return err
}

func (g *Gateway) publish(ctx context.Context, r *request, eventType string, latency int64, fields map[string]any) {
	g.events.Publish(ctx, events.Event{
		Timestamp:     g.now(),
		SourceApp:     g.sourceApp,
		Type:          eventType,
		AgentType:     r.label,
		SpawningAgent: truncate(redact.Redact(r.spawner), maxEventError),
		TaskID:        r.TaskID,
		LatencyMS:     latency,
		Fields:        fields,
	})
}

// latencyMS rounds up so that any measured validation reports at least 1ms.
func (g *Gateway) latencyMS(start time.Time) int64 {
	d := g.now().Sub(start)
	ms := int64((d + time.Millisecond - 1) / time.Millisecond)
	if ms < 1 {
		ms = 1
	}
	return ms
}

// sanitize trims the prompt, enforces the length ceiling and collapses
// whitespace runs to single spaces.
func sanitize(prompt string, maxLen int) (string, error) {
	p := strings.TrimSpace(prompt)
	if p == "" {
		return "", &handoff.FieldError{
			Field:    "prompt",
			Rule:     RuleEmptyPrompt,
			Message:  "prompt is empty",
			Guidance: "Describe the task the agent should perform",
		}
	}
	if n := len([]rune(p)); n > maxLen {
		return "", &handoff.FieldError{
			Field:    "prompt",
			Rule:     RulePromptTooLong,
			Message:  fmt.Sprintf("prompt is %d chars, the limit is %d", n, maxLen),
			Guidance: "Split the work into smaller handoffs or link to a document instead of inlining it",
		}
	}
	return strings.Join(strings.Fields(p), " "), nil
}

func errorType(err error) string {
	t := reflect.TypeOf(err)
	if t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	return t.Name()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}

// WaitForCompletion waits on the backend and then frees the session's
// concurrency slot, whether or not the session finished in time. The session
// is forgotten afterwards.
func (g *Gateway) WaitForCompletion(ctx context.Context, sessionID string, timeout, poll time.Duration) (bool, error) {
	g.mu.Lock()
	s, ok := g.sessions[sessionID]
	g.mu.Unlock()
	if !ok {
		return false, fmt.Errorf("%w: %s", ErrUnknownSession, sessionID)
	}

	done := g.backend.Wait(ctx, []string{sessionID}, timeout, poll)

	g.mu.Lock()
	_, still := g.sessions[sessionID]
	delete(g.sessions, sessionID)
	g.mu.Unlock()
	if still {
		if err := g.limiter.RecordCompletion(ctx, s.AgentType); err != nil {
			return done, &OperationalError{Op: "rate limiter", Err: err}
		}
	}
	return done, nil
}

// GetResult returns the captured output of a session.
func (g *Gateway) GetResult(sessionID string) (string, bool) {
	return g.backend.Result(sessionID)
}

// Cleanup terminates every session, releases their concurrency slots and
// empties the session map.
func (g *Gateway) Cleanup(ctx context.Context) error {
	err := g.backend.Cleanup(ctx)

	g.mu.Lock()
	sessions := g.sessions
	g.sessions = make(map[string]Session)
	g.mu.Unlock()

	for _, s := range sessions {
		if rerr := g.limiter.RecordCompletion(ctx, s.AgentType); rerr != nil {
			err = errors.Join(err, rerr)
		}
	}
	return err
}

// Sessions lists tracked sessions, oldest first.
func (g *Gateway) Sessions() []Session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]Session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// ValidationStats summarizes the audit log over the last hours.
func (g *Gateway) ValidationStats(hours float64) (audit.Stats, error) {
	return g.audit.Stats(hours)
}

// RecentFailures returns the newest failure entries within hours.
func (g *Gateway) RecentFailures(hours float64, limit int) ([]audit.Entry, error) {
	return g.audit.RecentFailures(hours, limit)
}

// RateLimitStats reports current usage and headroom for an agent.
func (g *Gateway) RateLimitStats(ctx context.Context, agentType string) (ratelimit.Stats, error) {
	return g.limiter.Stats(ctx, strings.ToLower(strings.TrimSpace(agentType)))
}
