package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var auditCmd = &cobra.Command{
	Use:   "audit",
	Short: "Maintain the audit log",
}

var auditPruneCmd = &cobra.Command{
	Use:   "prune",
	Short: "Delete audit files older than audit_retention_days",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		log := newAuditLog(cfg, nil)
		removed, err := log.Cleanup()
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s removed %d audit files from %s\n",
			okStyle.Render("✓"), removed, log.Dir())
		return nil
	},
}

func init() {
	auditCmd.AddCommand(auditPruneCmd)
	rootCmd.AddCommand(auditCmd)
}
