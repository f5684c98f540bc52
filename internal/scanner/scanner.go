// Package scanner screens task text for prompt injection with an ML model.
//
// The model is reached through a Scanner. Guard wraps a Scanner so callers
// get a verdict even when the model is down: it builds the scanner once,
// records every failure and lets the text through.
package scanner

import (
	"context"
	"log/slog"
	"os"
	"sync"
)

// Result is one scan outcome.
type Result struct {
	Sanitized string
	Valid     bool
	RiskScore float64
}

// Scanner returns a risk score in [0,1] for a piece of text.
type Scanner interface {
	Scan(ctx context.Context, text string) (Result, error)
}

// Factory builds a Scanner. It runs at most once per Guard.
type Factory func() (Scanner, error)

// Telemetry receives scanner health signals.
type Telemetry interface {
	ScannerFailure(errorType string)
	ScannerSuccess()
}

// Verdict is what a Guard tells the caller. Scanned is false when the scanner
// is disabled or failed; RiskScore is then zero.
type Verdict struct {
	Scanned   bool
	RiskScore float64
	Err       error
}

// Guard memoizes the scanner and fails open.
type Guard struct {
	factory   Factory
	forceCPU  bool
	telemetry Telemetry
	logger    *slog.Logger

	once    sync.Once
	scanner Scanner
	initErr error
}

// GuardOptions configures a Guard.
type GuardOptions struct {
	// Factory is nil when scanning is turned off.
	Factory   Factory
	ForceCPU  bool
	Telemetry Telemetry
	Logger    *slog.Logger
}

// NewGuard returns a guard. Nothing is loaded until the first Check.
func NewGuard(opts GuardOptions) *Guard {
	g := &Guard{
		factory:   opts.Factory,
		forceCPU:  opts.ForceCPU,
		telemetry: opts.Telemetry,
		logger:    opts.Logger,
	}
	if g.logger == nil {
		g.logger = slog.Default()
	}
	return g
}

// Static wraps an existing scanner in a guard.
func Static(s Scanner, opts GuardOptions) *Guard {
	opts.Factory = func() (Scanner, error) { return s, nil }
	return NewGuard(opts)
}

// Enabled reports whether the guard has a scanner to consult.
func (g *Guard) Enabled() bool {
	return g != nil && g.factory != nil
}

// Check scans text. Errors never propagate: the failure is logged, counted
// and returned in Verdict.Err with Scanned=false.
func (g *Guard) Check(ctx context.Context, text string) Verdict {
	if !g.Enabled() {
		return Verdict{}
	}

	s, err := g.load()
	if err != nil {
		return g.failOpen(&LoadError{Err: err})
	}

	res, err := s.Scan(ctx, text)
	if err != nil {
		return g.failOpen(err)
	}
	if g.telemetry != nil {
		g.telemetry.ScannerSuccess()
	}
	return Verdict{Scanned: true, RiskScore: res.RiskScore}
}

func (g *Guard) load() (Scanner, error) {
	g.once.Do(func() {
		if g.forceCPU {
			// Must be set before any model runtime initialises.
			_ = os.Setenv("CUDA_VISIBLE_DEVICES", "")
		}
		g.scanner, g.initErr = g.factory()
	})
	return g.scanner, g.initErr
}

func (g *Guard) failOpen(err error) Verdict {
	kind := ErrorType(err)
	g.logger.Warn("injection scanner failed, allowing request",
		slog.String("error_type", kind),
		slog.String("error", err.Error()))
	if g.telemetry != nil {
		g.telemetry.ScannerFailure(kind)
	}
	return Verdict{Err: err}
}
