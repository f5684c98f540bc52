package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jeanpaul/spawngate/internal/redact"
)

var redactRules bool

var redactCmd = &cobra.Command{
	Use:   "redact [text]",
	Short: "Redact PII from text",
	Long: `Print text with emails, API keys, card numbers, SSNs, phone numbers and
IPv4 addresses replaced by placeholders, exactly as audit entries store it.
Reads stdin when no text is given.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		w := cmd.OutOrStdout()
		if redactRules {
			for _, r := range redact.Rules() {
				fmt.Fprintf(w, "%s %-12s %s\n", bulletStyle.Render("●"), labelStyle.Render(r.Name), r.Placeholder)
			}
			return nil
		}
		text := strings.Join(args, " ")
		if len(args) == 0 {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return err
			}
			text = string(b)
		}
		fmt.Fprint(w, redact.Redact(text))
		if len(args) > 0 {
			fmt.Fprintln(w)
		}
		return nil
	},
}

func init() {
	redactCmd.Flags().BoolVar(&redactRules, "rules", false, "List the redaction rules in the order they apply")
	rootCmd.AddCommand(redactCmd)
}
