package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"strings"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/jeanpaul/spawngate/internal/config"
)

var (
	cfgFile  string
	logLevel string
	jsonOut  bool

	cfg *config.Config
)

var rootCmd = &cobra.Command{
	Use:   "spawngate",
	Short: "Validated agent spawning",
	Long: `spawngate checks every agent spawn request before an agent process starts.

Requests are sanitized, rate limited, validated as a structured handoff
(field rules, prompt injection screening, spawn capabilities) and written
to a daily audit log. Only then is the agent started.

Commands:
  spawn      Validate and start one agent
  serve      Run the HTTP gateway
  stats      Summarize recent validations
  failures   List recent rejected requests
  registry   Inspect the agent registry
  doctor     Check configured dependencies
  redact     Redact PII from text
  audit      Maintain the audit log`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return err
		}
		loaded, err := config.Load(cfgFile)
		if err != nil {
			return err
		}
		cfg = loaded

		level := logLevel
		if level == "" {
			level = cfg.LogLevel
		}
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: parseLevel(level),
		})))
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Config file (default: ./spawngate.yaml or ~/.config/spawngate/spawngate.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "Log level: debug, info, warn or error (default: log_level from config)")
	rootCmd.PersistentFlags().BoolVar(&jsonOut, "json", false, "Print results as JSON")
}

func parseLevel(s string) slog.Level {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// reportedError has already been explained to the user.
type reportedError struct{ error }

func (e reportedError) Unwrap() error { return e.error }

func main() {
	if err := rootCmd.Execute(); err != nil {
		var reported reportedError
		if !errors.As(err, &reported) {
			fmt.Fprintf(os.Stderr, "%s %v\n", errorStyle.Render("error:"), err)
		}
		os.Exit(1)
	}
}
