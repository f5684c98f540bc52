// Package events publishes gateway observability events.
package events

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Event types.
const (
	ValidationSuccess       = "validation_success"
	ValidationFailure       = "validation_failure"
	RateLimitTriggered      = "rate_limit_triggered"
	PromptInjectionDetected = "prompt_injection_detected"
)

// MaxTimeout caps how long a publish may block the gateway.
const MaxTimeout = 750 * time.Millisecond

// Event is flattened into a single JSON object; Fields must not reuse the
// names of the fixed fields.
type Event struct {
	ID            string
	Timestamp     time.Time
	SourceApp     string
	Type          string
	AgentType     string
	SpawningAgent string
	TaskID        string
	LatencyMS     int64
	Fields        map[string]any
}

func (e Event) MarshalJSON() ([]byte, error) {
	m := make(map[string]any, len(e.Fields)+8)
	for k, v := range e.Fields {
		m[k] = v
	}
	id := e.ID
	if id == "" {
		id = uuid.NewString()
	}
	m["event_id"] = id
	m["timestamp"] = float64(e.Timestamp.UnixNano()) / 1e9
	m["source_app"] = e.SourceApp
	m["event_type"] = e.Type
	m["agent_type"] = e.AgentType
	m["spawning_agent"] = e.SpawningAgent
	if e.TaskID != "" {
		m["task_id"] = e.TaskID
	}
	m["latency_ms"] = e.LatencyMS
	return json.Marshal(m)
}

// Publisher sends events somewhere. Publish never returns an error; delivery
// is best effort.
type Publisher interface {
	Publish(ctx context.Context, e Event)
}

// Nop drops events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) {}

// HTTP posts each event as JSON to a collector.
type HTTP struct {
	url    string
	client *http.Client
	logger *slog.Logger
}

// NewHTTP returns a publisher for url. Timeouts above MaxTimeout are capped.
func NewHTTP(url string, timeout time.Duration, logger *slog.Logger) *HTTP {
	if timeout <= 0 || timeout > MaxTimeout {
		timeout = MaxTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &HTTP{url: url, client: &http.Client{Timeout: timeout}, logger: logger}
}

func (h *HTTP) Publish(ctx context.Context, e Event) {
	if err := h.post(ctx, e); err != nil {
		h.logger.Debug("event publish failed",
			slog.String("event_type", e.Type),
			slog.String("error", err.Error()))
	}
}

func (h *HTTP) post(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, h.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := h.client.Do(req)
	if err != nil {
		return err
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("collector returned %s", resp.Status)
	}
	return nil
}

// Recorder keeps events in memory.
type Recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *Recorder) Publish(_ context.Context, e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

// Events returns a copy of everything published so far.
func (r *Recorder) Events() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// Types returns the event types in publish order.
func (r *Recorder) Types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, e := range r.events {
		out[i] = e.Type
	}
	return out
}
