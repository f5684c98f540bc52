package main

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/jeanpaul/spawngate/internal/audit"
	"github.com/jeanpaul/spawngate/internal/backend"
	"github.com/jeanpaul/spawngate/internal/config"
	"github.com/jeanpaul/spawngate/internal/events"
	"github.com/jeanpaul/spawngate/internal/gateway"
	"github.com/jeanpaul/spawngate/internal/handoff"
	"github.com/jeanpaul/spawngate/internal/metrics"
	"github.com/jeanpaul/spawngate/internal/ratelimit"
	"github.com/jeanpaul/spawngate/internal/registry"
	"github.com/jeanpaul/spawngate/internal/scanner"
)

// app is everything a command needs, built from the loaded config.
type app struct {
	gateway  *gateway.Gateway
	registry *registry.Registry
	audit    *audit.Log
	metrics  *metrics.Prometheus
	closers  []func() error
}

func (a *app) Close() error {
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func newApp(c *config.Config, b backend.Backend, logger *slog.Logger) (*app, error) {
	a := &app{metrics: metrics.NewPrometheus()}

	reg, err := loadRegistry(c)
	if err != nil {
		return nil, err
	}
	a.registry = reg

	limiter, closeLimiter, err := newLimiter(c)
	if err != nil {
		return nil, err
	}
	if closeLimiter != nil {
		a.closers = append(a.closers, closeLimiter)
	}

	validator, err := handoff.NewValidator(handoff.Options{
		Registry:       reg,
		Guard:          newGuard(c, a.metrics, logger),
		Threshold:      c.InjectionThreshold,
		ProtectedPaths: c.ProtectedPaths,
	})
	if err != nil {
		a.Close()
		return nil, err
	}

	a.audit = newAuditLog(c, logger)

	if b == nil {
		b, err = backend.NewProcess(backend.ProcessOptions{
			Command: c.Command(),
			Logger:  logger,
		})
		if err != nil {
			a.Close()
			return nil, err
		}
	}

	a.gateway, err = gateway.New(gateway.Options{
		Limiter:         limiter,
		Validator:       validator,
		Audit:           a.audit,
		Backend:         b,
		Events:          newPublisher(c, logger),
		Metrics:         a.metrics,
		Logger:          logger,
		MaxPromptLength: c.MaxPromptLength,
		SourceApp:       c.SourceApp,
	})
	if err != nil {
		a.Close()
		return nil, err
	}
	return a, nil
}

func loadRegistry(c *config.Config) (*registry.Registry, error) {
	if c.RegistryFile == "" {
		return registry.Default(), nil
	}
	return registry.Load(c.RegistryFile)
}

func newAuditLog(c *config.Config, logger *slog.Logger) *audit.Log {
	return audit.New(audit.Options{
		Dir:           c.AuditDir,
		RetentionDays: c.AuditRetentionDays,
		Logger:        logger,
	})
}

func newLimiter(c *config.Config) (ratelimit.Limiter, func() error, error) {
	rcfg := ratelimit.Config{
		MaxSpawnsPerMinute:   c.MaxSpawnsPerMin,
		MaxConcurrentPerType: c.MaxConcurrent,
	}
	if c.RedisURL == "" {
		return ratelimit.NewMemory(rcfg), nil, nil
	}
	opts, err := redis.ParseURL(c.RedisURL)
	if err != nil {
		return nil, nil, fmt.Errorf("redis_url: %w", err)
	}
	client := redis.NewClient(opts)
	return ratelimit.NewRedis(client, rcfg), client.Close, nil
}

func newGuard(c *config.Config, telemetry scanner.Telemetry, logger *slog.Logger) *scanner.Guard {
	opts := scanner.GuardOptions{
		ForceCPU:  c.ScannerForceCPU,
		Telemetry: telemetry,
		Logger:    logger,
	}
	switch c.Scanner {
	case config.ScannerClassifier:
		opts.Factory = func() (scanner.Scanner, error) {
			return scanner.NewClassifier(scanner.ClassifierConfig{
				BaseURL: c.ScannerURL,
				Model:   c.ScannerModel,
				Token:   c.ScannerToken,
				UseGPU:  !c.ScannerForceCPU,
			})
		}
	case config.ScannerJudge:
		opts.Factory = func() (scanner.Scanner, error) {
			return scanner.NewJudge(scanner.JudgeConfig{
				BaseURL: c.ScannerURL,
				Model:   c.ScannerModel,
				APIKey:  c.ScannerToken,
			})
		}
	}
	return scanner.NewGuard(opts)
}

func newPublisher(c *config.Config, logger *slog.Logger) events.Publisher {
	if c.EventsURL == "" {
		return events.Nop{}
	}
	return events.NewHTTP(c.EventsURL, events.MaxTimeout, logger)
}

// scannerProbeURL is the endpoint doctor checks for the configured scanner.
func scannerProbeURL(c *config.Config) string {
	switch c.Scanner {
	case config.ScannerClassifier:
		return strings.TrimRight(c.ScannerURL, "/") + "/" + c.ScannerModel
	case config.ScannerJudge:
		return strings.TrimRight(c.ScannerURL, "/") + "/models"
	}
	return ""
}
