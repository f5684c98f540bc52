package main

import (
	"encoding/json"
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"github.com/jeanpaul/spawngate/internal/audit"
)

var (
	statsHours    float64
	failuresHours float64
	failuresLimit int
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Summarize recent validations",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		st, err := newAuditLog(cfg, nil).Stats(statsHours)
		if err != nil {
			return err
		}
		if jsonOut {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(st)
		}
		printStats(cmd.OutOrStdout(), st)
		return nil
	},
}

var failuresCmd = &cobra.Command{
	Use:   "failures",
	Short: "List recent rejected requests, newest first",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		entries, err := newAuditLog(cfg, nil).RecentFailures(failuresHours, failuresLimit)
		if err != nil {
			return err
		}
		if jsonOut {
			return json.NewEncoder(cmd.OutOrStdout()).Encode(entries)
		}
		printFailures(cmd.OutOrStdout(), entries)
		return nil
	},
}

func init() {
	statsCmd.Flags().Float64Var(&statsHours, "hours", 24, "Window to summarize")
	failuresCmd.Flags().Float64Var(&failuresHours, "hours", 24, "Window to search")
	failuresCmd.Flags().IntVar(&failuresLimit, "limit", 10, "Maximum entries to show")
	rootCmd.AddCommand(statsCmd, failuresCmd)
}

func printStats(w io.Writer, st audit.Stats) {
	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("Validations in the last %gh", st.Hours)))
	fmt.Fprintf(w, "  total %d  %s  %s  success rate %.1f%%  avg retries %.2f\n",
		st.Total,
		okStyle.Render(fmt.Sprintf("✓ %d", st.Successes)),
		errorStyle.Render(fmt.Sprintf("✗ %d", st.Failures)),
		st.SuccessRate, st.AvgRetries)

	if len(st.ByAgent) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, labelStyle.Render("By agent"))
		for _, name := range sortedKeys(st.ByAgent) {
			c := st.ByAgent[name]
			fmt.Fprintf(w, "  %s %-14s %4d total %4d ok %4d failed\n", bulletStyle.Render("●"), name, c.Total, c.Successes, c.Failures)
		}
	}
	if len(st.ByError) > 0 {
		fmt.Fprintln(w)
		fmt.Fprintln(w, labelStyle.Render("By error"))
		for _, msg := range sortedKeys(st.ByError) {
			fmt.Fprintf(w, "  %s %4d  %s\n", bulletStyle.Render("●"), st.ByError[msg], msg)
		}
	}
}

func printFailures(w io.Writer, entries []audit.Entry) {
	if len(entries) == 0 {
		fmt.Fprintln(w, helpStyle.Render("No failures recorded."))
		return
	}
	for _, e := range entries {
		msg := ""
		if e.Error != nil {
			msg = *e.Error
		}
		fmt.Fprintf(w, "%s %s %s %s\n",
			dimStyle.Render(e.ISOTime),
			labelStyle.Render(e.AgentType),
			helpStyle.Render("from "+orDash(e.SpawningAgent)),
			errorStyle.Render(msg))
		fmt.Fprintf(w, "  %s\n", e.TaskDescription)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
