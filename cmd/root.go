// Package cmd wires configuration, storage tiers, and the HTTP server
// into the parley binary.
package cmd

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "parley",
	Short: "Parley - conversational session state service",
	Long: `Parley manages conversation session state across two storage tiers:
a TTL-bound cache for live sessions and a durable relational store for
permanent history. It serves a JSON API for recording turns, restoring
expired sessions, and archiving transcripts.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runServe(cmd.Context())
	},
}

// Execute runs the root command. Subcommands register themselves in
// their own files' init functions.
func Execute() error {
	return rootCmd.Execute()
}
