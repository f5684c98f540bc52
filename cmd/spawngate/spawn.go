package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeanpaul/spawngate/internal/gateway"
	"github.com/jeanpaul/spawngate/internal/handoff"
	"github.com/jeanpaul/spawngate/internal/ratelimit"
)

var (
	spawnFrom         string
	spawnTaskID       string
	spawnCriteria     []string
	spawnFiles        []string
	spawnContext      string
	spawnBlockers     string
	spawnDeliverables string
	spawnTimeout      time.Duration
	spawnPoll         time.Duration
)

var spawnCmd = &cobra.Command{
	Use:   "spawn <agent> [prompt]",
	Short: "Validate and start one agent",
	Long: `Validate a spawn request and, if it passes, run the agent until it finishes.

The prompt is read from stdin when it is omitted or "-". The spawning agent
defaults to $IW_SPAWNING_AGENT.

Examples:
  spawngate spawn backend --from planning "Implement the /users endpoint" \
      --criteria "GET /users returns 200" --files internal/api/users.go
  echo "Summarize the auth module design" | spawngate spawn research --from backend`,
	Args: cobra.RangeArgs(1, 2),
	RunE: runSpawn,
}

func init() {
	f := spawnCmd.Flags()
	f.StringVar(&spawnFrom, "from", os.Getenv("IW_SPAWNING_AGENT"), "Spawning agent")
	f.StringVar(&spawnTaskID, "task-id", "", "Tracking id passed to the agent")
	f.StringArrayVar(&spawnCriteria, "criteria", nil, "Acceptance criterion (repeatable)")
	f.StringArrayVar(&spawnFiles, "files", nil, "Relative file path the agent may touch (repeatable)")
	f.StringVar(&spawnContext, "context", "", "Background for the agent")
	f.StringVar(&spawnBlockers, "blockers", "", "Known blockers")
	f.StringVar(&spawnDeliverables, "deliverables", "", "Expected deliverables")
	f.DurationVar(&spawnTimeout, "timeout", 30*time.Minute, "How long to wait for the agent")
	f.DurationVar(&spawnPoll, "poll", 2*time.Second, "Session poll interval")
	rootCmd.AddCommand(spawnCmd)
}

func readPrompt(args []string, stdin io.Reader) (string, error) {
	if len(args) > 1 && args[1] != "-" {
		return args[1], nil
	}
	b, err := io.ReadAll(stdin)
	if err != nil {
		return "", fmt.Errorf("read prompt: %w", err)
	}
	return string(b), nil
}

func runSpawn(cmd *cobra.Command, args []string) error {
	prompt, err := readPrompt(args, cmd.InOrStdin())
	if err != nil {
		return err
	}

	a, err := newApp(cfg, nil, nil)
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	defer a.gateway.Cleanup(context.Background())

	req := gateway.SpawnRequest{
		AgentType:          args[0],
		TaskID:             spawnTaskID,
		Prompt:             prompt,
		SpawningAgent:      spawnFrom,
		WaitForReady:       true,
		AcceptanceCriteria: spawnCriteria,
		FilePaths:          spawnFiles,
		Context:            spawnContext,
		Blockers:           spawnBlockers,
		Deliverables:       spawnDeliverables,
	}
	id, err := a.gateway.SpawnWithValidation(ctx, req)
	if err != nil {
		printSpawnError(cmd.ErrOrStderr(), err)
		return reportedError{err}
	}
	fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %s\n", okStyle.Render("✓ spawned"), labelStyle.Render(args[0]), dimStyle.Render(id))

	done, err := a.gateway.WaitForCompletion(ctx, id, spawnTimeout, spawnPoll)
	if err != nil {
		return err
	}
	out, _ := a.gateway.GetResult(id)

	if jsonOut {
		return json.NewEncoder(cmd.OutOrStdout()).Encode(map[string]any{
			"session_id": id,
			"finished":   done,
			"output":     out,
		})
	}
	fmt.Fprint(cmd.OutOrStdout(), out)
	if !done {
		return fmt.Errorf("agent did not finish within %s", spawnTimeout)
	}
	return nil
}

// printSpawnError explains a rejection and, for handoff rules, how to fix it.
func printSpawnError(w io.Writer, err error) {
	var (
		limitErr *ratelimit.LimitError
		fieldErr *handoff.FieldError
		capErr   *handoff.CapabilityError
		injErr   *handoff.InjectionError
	)
	switch {
	case errors.As(err, &limitErr):
		fmt.Fprintf(w, "%s %s\n", warnStyle.Render("✗ rate limited:"), limitErr.Error())
	case errors.As(err, &injErr):
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("✗ prompt injection:"), injErr.Error())
	case errors.As(err, &capErr):
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("✗ capability:"), capErr.Error())
	case errors.As(err, &fieldErr):
		fmt.Fprintf(w, "%s %s\n", errorStyle.Render("✗ "+fieldErr.Field+":"), fieldErr.Message)
		if fieldErr.Guidance != "" {
			fmt.Fprintf(w, "  %s\n", helpStyle.Render(fieldErr.Guidance))
		}
	default:
		fmt.Fprintf(w, "%s %v\n", errorStyle.Render("✗"), err)
	}
}
