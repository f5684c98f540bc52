package events

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEvent_MarshalFlattens(t *testing.T) {
	e := Event{
		Timestamp:     time.Unix(1700000000, 500_000_000),
		SourceApp:     "spawngate",
		Type:          RateLimitTriggered,
		AgentType:     "backend",
		SpawningAgent: "planning",
		Fields:        map[string]any{"limit": "spawn_rate"},
	}
	b, err := json.Marshal(e)
	require.NoError(t, err)

	var m map[string]any
	require.NoError(t, json.Unmarshal(b, &m))
	assert.Equal(t, "rate_limit_triggered", m["event_type"])
	assert.Equal(t, "spawn_rate", m["limit"])
	assert.Equal(t, 1700000000.5, m["timestamp"])
	assert.NotEmpty(t, m["event_id"])
	_, hasTask := m["task_id"]
	assert.False(t, hasTask)
}

func TestEvent_FixedFieldsWin(t *testing.T) {
	b, err := json.Marshal(Event{Type: ValidationSuccess, Fields: map[string]any{"event_type": "spoofed"}})
	require.NoError(t, err)
	assert.Contains(t, string(b), `"event_type":"validation_success"`)
}

func TestHTTP_Publish(t *testing.T) {
	got := make(chan map[string]any, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var m map[string]any
		_ = json.NewDecoder(r.Body).Decode(&m)
		got <- m
	}))
	defer srv.Close()

	NewHTTP(srv.URL, 0, nil).Publish(context.Background(), Event{ID: "e-1", Type: ValidationFailure, TaskID: "T-9"})

	m := <-got
	assert.Equal(t, "e-1", m["event_id"])
	assert.Equal(t, "T-9", m["task_id"])
}

func TestHTTP_SwallowsFailures(t *testing.T) {
	slow := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(300 * time.Millisecond)
	}))
	defer slow.Close()

	p := NewHTTP(slow.URL, 50*time.Millisecond, nil)
	start := time.Now()
	p.Publish(context.Background(), Event{Type: ValidationSuccess})
	assert.Less(t, time.Since(start), 250*time.Millisecond)

	NewHTTP("http://127.0.0.1:1", 0, nil).Publish(context.Background(), Event{Type: ValidationSuccess})
}

func TestNewHTTP_CapsTimeout(t *testing.T) {
	p := NewHTTP("http://example.invalid", time.Minute, nil)
	assert.Equal(t, MaxTimeout, p.client.Timeout)
	assert.Less(t, p.client.Timeout, time.Second)
}

func TestRecorder(t *testing.T) {
	r := &Recorder{}
	r.Publish(context.Background(), Event{Type: ValidationFailure})
	r.Publish(context.Background(), Event{Type: PromptInjectionDetected})

	assert.Equal(t, []string{ValidationFailure, PromptInjectionDetected}, r.Types())
	assert.Len(t, r.Events(), 2)

	Nop{}.Publish(context.Background(), Event{})
}
