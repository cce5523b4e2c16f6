// Package cmd implements the foreman CLI commands.
package cmd

import (
	"github.com/spf13/cobra"
)

// rootFlags are the persistent flags shared by every subcommand.
type rootFlags struct {
	configPath string
	logLevel   string
}

// NewRootCommand builds the foreman command tree.
func NewRootCommand(version string) *cobra.Command {
	flags := &rootFlags{}

	root := &cobra.Command{
		Use:           "foreman",
		Short:         "Run DAGs of build jobs in isolated git worktrees",
		Long:          "Foreman executes a plan of dependent jobs, each in its own git worktree. Dependency work is merged forward before a job runs; leaf results are merged back into the target branch.",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	root.PersistentFlags().StringVar(&flags.configPath, "config", "foreman.yaml", "path to the configuration file")
	root.PersistentFlags().StringVar(&flags.logLevel, "log-level", "", "log level (debug, info, warn, error)")

	root.AddCommand(newRunCommand(flags))
	root.AddCommand(newValidateCommand())
	root.AddCommand(newStatusCommand(flags))
	root.AddCommand(newHistoryCommand(flags))

	return root
}
