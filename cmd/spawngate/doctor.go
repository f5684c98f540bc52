package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/jeanpaul/spawngate/internal/config"
	"github.com/jeanpaul/spawngate/internal/health"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check configured dependencies",
	Long: `Check everything the gateway depends on: the agent registry, the audit
directory, the injection scanner endpoint, the events endpoint and the
redis rate limit store. Scanner and events problems are warnings because the
gateway keeps working without them.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		checks := gatherDoctorChecks(cmd.Context(), cfg)
		if jsonOut {
			if err := json.NewEncoder(cmd.OutOrStdout()).Encode(checks); err != nil {
				return err
			}
		} else {
			printDoctor(cmd.OutOrStdout(), checks)
		}
		if failed := countFailures(checks); failed > 0 {
			return reportedError{fmt.Errorf("%d required checks failed", failed)}
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type doctorCheck struct {
	Name     string        `json:"name"`
	Target   string        `json:"target,omitempty"`
	OK       bool          `json:"ok"`
	Detail   string        `json:"detail,omitempty"`
	Required bool          `json:"required"`
	Latency  time.Duration `json:"latency_ns"`
}

func fromStatus(s health.Status, required bool) doctorCheck {
	return doctorCheck{
		Name:     s.Name,
		Target:   s.Target,
		OK:       s.OK(),
		Detail:   s.Error,
		Required: required,
		Latency:  s.Latency,
	}
}

func gatherDoctorChecks(ctx context.Context, c *config.Config) []doctorCheck {
	var checks []doctorCheck

	reg := doctorCheck{Name: "registry", Target: orDash(c.RegistryFile), Required: true, OK: true}
	if r, err := loadRegistry(c); err != nil {
		reg.OK = false
		reg.Detail = err.Error()
	} else {
		reg.Detail = fmt.Sprintf("%d agents", len(r.Names()))
	}
	checks = append(checks, reg)

	checks = append(checks, fromStatus(health.Writable("audit_dir", c.AuditDir), true))

	if url := scannerProbeURL(c); url != "" {
		checks = append(checks, fromStatus(health.Endpoint(ctx, "scanner", url, c.ScannerToken), false))
	} else {
		checks = append(checks, doctorCheck{Name: "scanner", OK: true, Detail: "disabled"})
	}

	if c.EventsURL != "" {
		checks = append(checks, fromStatus(health.Endpoint(ctx, "events", c.EventsURL, ""), false))
	}

	if c.RedisURL != "" {
		checks = append(checks, fromStatus(health.Redis(ctx, c.RedisURL), true))
	} else {
		checks = append(checks, doctorCheck{Name: "rate limiter", OK: true, Detail: "in-memory"})
	}
	return checks
}

func countFailures(checks []doctorCheck) int {
	n := 0
	for _, c := range checks {
		if c.Required && !c.OK {
			n++
		}
	}
	return n
}

func printDoctor(w io.Writer, checks []doctorCheck) {
	fmt.Fprintln(w, titleStyle.Render("spawngate doctor"))
	fmt.Fprintln(w)
	for _, c := range checks {
		fmt.Fprintf(w, "  %s %s ", bulletStyle.Render("●"), labelStyle.Render(c.Name))
		if c.Target != "" {
			fmt.Fprintf(w, "%s ", dimStyle.Render(c.Target))
		}
		switch {
		case c.OK:
			line := okStyle.Render("✓ OK")
			if c.Detail != "" {
				line += " " + helpStyle.Render(c.Detail)
			}
			if c.Latency > 0 {
				line += " " + helpStyle.Render(c.Latency.Round(time.Millisecond).String())
			}
			fmt.Fprintln(w, line)
		case c.Required:
			fmt.Fprintln(w, errorStyle.Render("✗ "+c.Detail))
		default:
			fmt.Fprintln(w, warnStyle.Render("! "+c.Detail+" (optional)"))
		}
	}
}
