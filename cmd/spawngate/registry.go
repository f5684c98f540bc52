package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeanpaul/spawngate/internal/registry"
)

var registryCmd = &cobra.Command{
	Use:   "registry",
	Short: "Inspect the agent registry",
}

var registryListCmd = &cobra.Command{
	Use:   "list",
	Short: "List agents and who they may spawn",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(cfg)
		if err != nil {
			return err
		}
		w := cmd.OutOrStdout()
		if jsonOut {
			type row struct {
				registry.Agent
				CanSpawn []string `json:"can_spawn"`
			}
			rows := make([]row, 0, len(reg.Names()))
			for _, a := range reg.Agents() {
				rows = append(rows, row{Agent: a, CanSpawn: reg.Capabilities(a.Name)})
			}
			return json.NewEncoder(w).Encode(rows)
		}
		for _, a := range reg.Agents() {
			targets := reg.Capabilities(a.Name)
			spawns := helpStyle.Render("spawns nothing")
			if len(targets) > 0 {
				spawns = "spawns " + strings.Join(targets, ", ")
			}
			fmt.Fprintf(w, "%s %s %s\n", bulletStyle.Render("●"), labelStyle.Render(a.Name), dimStyle.Render(a.Model))
			if a.Description != "" {
				fmt.Fprintf(w, "  %s\n", a.Description)
			}
			fmt.Fprintf(w, "  %s\n", spawns)
		}
		return nil
	},
}

var registryExportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the active registry as YAML",
	Long: `Write the active registry as YAML. The output is a valid registry_file,
which makes it a starting point for a custom registry.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(cfg)
		if err != nil {
			return err
		}
		return reg.Export(cmd.OutOrStdout())
	},
}

var registryCheckCmd = &cobra.Command{
	Use:   "check <spawner> <target>",
	Short: "Tell whether one agent may spawn another",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		reg, err := loadRegistry(cfg)
		if err != nil {
			return err
		}
		if reg.CanSpawn(args[0], args[1]) {
			fmt.Fprintln(cmd.OutOrStdout(), okStyle.Render(fmt.Sprintf("✓ %s may spawn %s", args[0], args[1])))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), errorStyle.Render(fmt.Sprintf("✗ %s may not spawn %s", args[0], args[1])))
		return reportedError{fmt.Errorf("%s may not spawn %s", args[0], args[1])}
	},
}

func init() {
	registryCmd.AddCommand(registryListCmd, registryExportCmd, registryCheckCmd)
	rootCmd.AddCommand(registryCmd)
}
