package ratelimit

import (
	"context"
	"sync"
	"time"
)

type spawnEvent struct {
	at    time.Time
	count int
}

type bucket struct {
	events     []spawnEvent
	concurrent int
}

// Memory is an in-process Limiter with a sliding window per agent name.
type Memory struct {
	mu      sync.Mutex
	cfg     Config
	buckets map[string]*bucket
}

// NewMemory returns an in-memory limiter. Zero Config fields take the defaults.
func NewMemory(cfg Config) *Memory {
	return &Memory{
		cfg:     cfg.withDefaults(),
		buckets: make(map[string]*bucket),
	}
}

// Config returns the effective configuration.
func (m *Memory) Config() Config { return m.cfg }

// usage prunes the agent's window and reports its counts. It never creates
// a bucket, and drops one that has gone idle.
func (m *Memory) usage(agentType string) (spawns, concurrent int) {
	b, ok := m.buckets[agentType]
	if !ok {
		return 0, 0
	}
	spawns = m.prune(b)
	if spawns == 0 && b.concurrent == 0 {
		delete(m.buckets, agentType)
	}
	return spawns, b.concurrent
}

// prune drops events older than the window and returns the remaining count.
func (m *Memory) prune(b *bucket) int {
	cutoff := m.cfg.Now().Add(-m.cfg.Window)
	kept := b.events[:0]
	total := 0
	for _, ev := range b.events {
		if ev.at.After(cutoff) {
			kept = append(kept, ev)
			total += ev.count
		}
	}
	b.events = kept
	return total
}

// CheckSpawnAllowed implements Limiter. Checking an agent with no recorded
// spawns leaves no state behind.
func (m *Memory) CheckSpawnAllowed(_ context.Context, agentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	spawns, concurrent := m.usage(agentType)
	return check(m.cfg, agentType, spawns, concurrent)
}

// RecordSpawn implements Limiter. It is the only call that creates a bucket.
func (m *Memory) RecordSpawn(_ context.Context, agentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	b, ok := m.buckets[agentType]
	if !ok {
		b = &bucket{}
		m.buckets[agentType] = b
	}
	b.events = append(b.events, spawnEvent{at: m.cfg.Now(), count: 1})
	b.concurrent++
	return nil
}

// RecordCompletion implements Limiter.
func (m *Memory) RecordCompletion(_ context.Context, agentType string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[agentType]; ok && b.concurrent > 0 {
		b.concurrent--
	}
	return nil
}

// Stats implements Limiter.
func (m *Memory) Stats(_ context.Context, agentType string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	spawns, concurrent := m.usage(agentType)
	return newStats(m.cfg, agentType, spawns, concurrent), nil
}
