// Package ratelimit enforces per-agent spawn-rate and concurrency ceilings.
package ratelimit

import (
	"context"
	"fmt"
	"time"
)

// Defaults applied when a Config field is zero.
const (
	DefaultMaxSpawnsPerMinute   = 10
	DefaultMaxConcurrentPerType = 5
	DefaultWindow               = 60 * time.Second
)

// Limiter gates spawns for one agent name at a time. Buckets are independent
// per agent name.
type Limiter interface {
	// CheckSpawnAllowed prunes the agent's window and returns a *LimitError
	// when either ceiling is reached.
	CheckSpawnAllowed(ctx context.Context, agentType string) error
	RecordSpawn(ctx context.Context, agentType string) error
	// RecordCompletion frees one concurrent slot. The count never drops below zero.
	RecordCompletion(ctx context.Context, agentType string) error
	Stats(ctx context.Context, agentType string) (Stats, error)
}

// Config holds the ceilings shared by every Limiter implementation.
type Config struct {
	MaxSpawnsPerMinute   int
	MaxConcurrentPerType int
	Window               time.Duration
	Now                  func() time.Time
}

func (c Config) withDefaults() Config {
	if c.MaxSpawnsPerMinute <= 0 {
		c.MaxSpawnsPerMinute = DefaultMaxSpawnsPerMinute
	}
	if c.MaxConcurrentPerType <= 0 {
		c.MaxConcurrentPerType = DefaultMaxConcurrentPerType
	}
	if c.Window <= 0 {
		c.Window = DefaultWindow
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// Stats reports usage and remaining capacity for one agent.
type Stats struct {
	AgentType           string `json:"agent_type"`
	SpawnsInWindow      int    `json:"spawns_in_window"`
	MaxSpawnsPerMinute  int    `json:"max_spawns_per_minute"`
	RemainingSpawns     int    `json:"remaining_spawns"`
	Concurrent          int    `json:"concurrent"`
	MaxConcurrent       int    `json:"max_concurrent"`
	RemainingConcurrent int    `json:"remaining_concurrent"`
}

func newStats(cfg Config, agentType string, spawns, concurrent int) Stats {
	return Stats{
		AgentType:           agentType,
		SpawnsInWindow:      spawns,
		MaxSpawnsPerMinute:  cfg.MaxSpawnsPerMinute,
		RemainingSpawns:     max(0, cfg.MaxSpawnsPerMinute-spawns),
		Concurrent:          concurrent,
		MaxConcurrent:       cfg.MaxConcurrentPerType,
		RemainingConcurrent: max(0, cfg.MaxConcurrentPerType-concurrent),
	}
}

// check applies both ceilings in order: spawn rate, then concurrency.
func check(cfg Config, agentType string, spawns, concurrent int) error {
	if spawns >= cfg.MaxSpawnsPerMinute {
		return &LimitError{
			AgentType: agentType,
			Kind:      KindSpawnRate,
			Limit:     cfg.MaxSpawnsPerMinute,
			Current:   spawns,
			Window:    cfg.Window,
		}
	}
	if concurrent >= cfg.MaxConcurrentPerType {
		return &LimitError{
			AgentType: agentType,
			Kind:      KindConcurrent,
			Limit:     cfg.MaxConcurrentPerType,
			Current:   concurrent,
			Window:    cfg.Window,
		}
	}
	return nil
}

// LimitKind names the ceiling that tripped.
type LimitKind string

const (
	KindSpawnRate  LimitKind = "spawn_rate"
	KindConcurrent LimitKind = "concurrent"
)

// LimitError is returned when an agent has exhausted its spawn budget.
type LimitError struct {
	AgentType string
	Kind      LimitKind
	Limit     int
	Current   int
	Window    time.Duration
}

func (e *LimitError) Error() string {
	if e.Kind == KindConcurrent {
		return fmt.Sprintf(
			"concurrent agent limit reached for %s: %d/%d running agents. "+
				"Wait for a running %s agent to complete, or raise IW_MAX_CONCURRENT",
			e.AgentType, e.Current, e.Limit, e.AgentType)
	}
	return fmt.Sprintf(
		"spawn rate limit reached for %s: %d/%d spawns/minute. "+
			"Wait for the %s window to roll over, or raise IW_MAX_SPAWNS_PER_MIN",
		e.AgentType, e.Current, e.Limit, e.Window)
}
