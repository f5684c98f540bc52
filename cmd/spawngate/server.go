package main

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/jeanpaul/spawngate/internal/gateway"
	"github.com/jeanpaul/spawngate/internal/handoff"
	"github.com/jeanpaul/spawngate/internal/ratelimit"
	"github.com/jeanpaul/spawngate/internal/schema"
)

const (
	maxBodyBytes       = 1 << 20
	defaultWaitTimeout = 5 * time.Minute
	defaultWaitPoll    = 2 * time.Second
)

var spawnBodySchema = map[string]any{
	"type":     "object",
	"required": []string{"agent_type", "prompt"},
	"properties": map[string]any{
		"agent_type":          map[string]any{"type": "string", "minLength": 1},
		"prompt":              map[string]any{"type": "string"},
		"task_id":             map[string]any{"type": "string"},
		"spawning_agent":      map[string]any{"type": "string"},
		"wait_for_ready":      map[string]any{"type": "boolean"},
		"acceptance_criteria": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"file_paths":          map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
		"context":             map[string]any{"type": "string"},
		"blockers":            map[string]any{"type": "string"},
		"deliverables":        map[string]any{"type": "string"},
	},
	"additionalProperties": false,
}

var waitBodySchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"timeout_seconds": map[string]any{"type": "number", "minimum": 0},
		"poll_seconds":    map[string]any{"type": "number", "minimum": 0},
	},
	"additionalProperties": false,
}

type spawnBody struct {
	AgentType          string   `json:"agent_type"`
	Prompt             string   `json:"prompt"`
	TaskID             string   `json:"task_id"`
	SpawningAgent      string   `json:"spawning_agent"`
	WaitForReady       bool     `json:"wait_for_ready"`
	AcceptanceCriteria []string `json:"acceptance_criteria"`
	FilePaths          []string `json:"file_paths"`
	Context            string   `json:"context"`
	Blockers           string   `json:"blockers"`
	Deliverables       string   `json:"deliverables"`
}

type waitBody struct {
	TimeoutSeconds float64 `json:"timeout_seconds"`
	PollSeconds    float64 `json:"poll_seconds"`
}

type errorBody struct {
	Error     string `json:"error"`
	Rule      string `json:"rule,omitempty"`
	AgentType string `json:"agent_type,omitempty"`
	Limit     string `json:"limit,omitempty"`
}

type server struct {
	gateway *gateway.Gateway
	metrics http.Handler
	schemas *schema.Validator
	logger  *slog.Logger
}

func newServer(gw *gateway.Gateway, metrics http.Handler, logger *slog.Logger) *server {
	if logger == nil {
		logger = slog.Default()
	}
	return &server{gateway: gw, metrics: metrics, schemas: schema.NewValidator(), logger: logger}
}

func (s *server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/v1", func(r chi.Router) {
		r.Post("/spawn", s.handleSpawn)
		r.Get("/sessions", s.handleSessions)
		r.Post("/sessions/{id}/wait", s.handleWait)
		r.Get("/sessions/{id}/result", s.handleResult)
		r.Get("/stats", s.handleStats)
		r.Get("/failures", s.handleFailures)
		r.Get("/ratelimit/{agent}", s.handleRateLimit)
	})
	return r
}

// decode reads a JSON body, checks it against sch and unmarshals it into v.
// An empty body is treated as {}.
func (s *server) decode(w http.ResponseWriter, r *http.Request, sch any, v any) bool {
	raw, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, errorBody{Error: err.Error()})
		return false
	}
	if len(raw) == 0 {
		raw = []byte("{}")
	}
	if !json.Valid(raw) {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "request body is not valid JSON"})
		return false
	}
	if err := s.schemas.Validate(sch, raw); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	if err := json.Unmarshal(raw, v); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return false
	}
	return true
}

func (s *server) handleSpawn(w http.ResponseWriter, r *http.Request) {
	var body spawnBody
	if !s.decode(w, r, spawnBodySchema, &body) {
		return
	}
	id, err := s.gateway.SpawnWithValidation(r.Context(), gateway.SpawnRequest{
		AgentType:          body.AgentType,
		TaskID:             body.TaskID,
		Prompt:             body.Prompt,
		SpawningAgent:      body.SpawningAgent,
		WaitForReady:       body.WaitForReady,
		AcceptanceCriteria: body.AcceptanceCriteria,
		FilePaths:          body.FilePaths,
		Context:            body.Context,
		Blockers:           body.Blockers,
		Deliverables:       body.Deliverables,
	})
	if err != nil {
		s.writeSpawnError(w, body.AgentType, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]string{"session_id": id})
}

func (s *server) writeSpawnError(w http.ResponseWriter, agentType string, err error) {
	var (
		verr   *gateway.ValidationError
		limErr *ratelimit.LimitError
	)
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, errorBody{
			Error:     verr.Err.Error(),
			Rule:      ruleOf(verr),
			AgentType: verr.AgentType,
		})
	case errors.As(err, &limErr):
		if limErr.Window > 0 {
			w.Header().Set("Retry-After", strconv.Itoa(int(limErr.Window.Seconds())))
		}
		writeJSON(w, http.StatusTooManyRequests, errorBody{
			Error:     limErr.Error(),
			AgentType: limErr.AgentType,
			Limit:     string(limErr.Kind),
		})
	default:
		s.logger.Error("spawn failed", slog.String("agent_type", agentType), slog.String("error", err.Error()))
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error(), AgentType: agentType})
	}
}

func ruleOf(verr *gateway.ValidationError) string {
	if verr.Rule != "" {
		return verr.Rule
	}
	return handoff.RuleOf(verr.Err)
}

func (s *server) handleSessions(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gateway.Sessions())
}

func (s *server) handleWait(w http.ResponseWriter, r *http.Request) {
	var body waitBody
	if !s.decode(w, r, waitBodySchema, &body) {
		return
	}
	timeout, poll := defaultWaitTimeout, defaultWaitPoll
	if body.TimeoutSeconds > 0 {
		timeout = time.Duration(body.TimeoutSeconds * float64(time.Second))
	}
	if body.PollSeconds > 0 {
		poll = time.Duration(body.PollSeconds * float64(time.Second))
	}

	id := chi.URLParam(r, "id")
	done, err := s.gateway.WaitForCompletion(r.Context(), id, timeout, poll)
	if errors.Is(err, gateway.ErrUnknownSession) {
		writeJSON(w, http.StatusNotFound, errorBody{Error: err.Error()})
		return
	}
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"session_id": id, "finished": done})
}

func (s *server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	out, ok := s.gateway.GetResult(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, errorBody{Error: "no result for session " + id})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"session_id": id, "output": out})
}

func (s *server) handleStats(w http.ResponseWriter, r *http.Request) {
	hours, ok := floatQuery(w, r, "hours", 24)
	if !ok {
		return
	}
	st, err := s.gateway.ValidationStats(hours)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *server) handleFailures(w http.ResponseWriter, r *http.Request) {
	hours, ok := floatQuery(w, r, "hours", 24)
	if !ok {
		return
	}
	limit, ok := floatQuery(w, r, "limit", 10)
	if !ok {
		return
	}
	entries, err := s.gateway.RecentFailures(hours, int(limit))
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *server) handleRateLimit(w http.ResponseWriter, r *http.Request) {
	st, err := s.gateway.RateLimitStats(r.Context(), chi.URLParam(r, "agent"))
	if err != nil {
		writeJSON(w, http.StatusBadGateway, errorBody{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func floatQuery(w http.ResponseWriter, r *http.Request, name string, def float64) (float64, bool) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, true
	}
	v, err := strconv.ParseFloat(raw, 64)
	if err != nil || v <= 0 {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: name + " must be a positive number"})
		return 0, false
	}
	return v, true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
