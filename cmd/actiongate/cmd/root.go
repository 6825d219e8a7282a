// Package cmd provides the CLI commands for the actiongate runtime.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "actiongate",
	Short: "actiongate - governed action runtime",
	Long: `actiongate is a governed action runtime for operational workflows.

It receives typed action requests against cases, admits them through a
hot-reloadable governance policy (RBAC, card state machine, payload rules,
approval gates), and either validates, proposes, approves, or executes
them, producing a tamper-evident audit trail correlated by request id.

Configuration is environment-first (DB_URL, GOV_POLICY_PATH, API_HOST,
API_PORT, ...); a .env file in the working directory is honored.

Commands:
  serve            Start the HTTP runtime
  validate-policy  Structurally validate a policy document
  cleanup          Run the materialization TTL cleanup once
  version          Print version information`,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
