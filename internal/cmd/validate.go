package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/parser"
)

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <plan.yaml|plan.md>",
		Short: "Parse and validate a plan file without executing it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			spec, err := parser.ParseFile(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: valid (%d jobs, base %s", args[0], len(spec.Jobs), spec.BaseBranch)
			if spec.TargetBranch != "" {
				fmt.Fprintf(cmd.OutOrStdout(), ", target %s", spec.TargetBranch)
			}
			fmt.Fprintln(cmd.OutOrStdout(), ")")
			return nil
		},
	}
}
