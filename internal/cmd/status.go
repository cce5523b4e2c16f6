package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/models"
	"github.com/harrison/foreman/internal/store"
)

func newStatusCommand(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the persisted state of stored plans",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			st, err := store.New(cfg.StoragePath)
			if err != nil {
				return err
			}

			plans, problems := st.LoadAll()
			for _, problem := range problems {
				fmt.Fprintf(cmd.ErrOrStderr(), "warning: %v\n", problem)
			}
			if len(plans) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no stored plans")
				return nil
			}
			sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.Before(plans[j].CreatedAt) })

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLAN\tID\tJOBS\tSUCCEEDED\tFAILED\tCREATED")
			for _, plan := range plans {
				var succeeded, failed int
				for _, state := range plan.NodeStates {
					switch state.Status {
					case models.StatusSucceeded:
						succeeded++
					case models.StatusFailed, models.StatusBlocked:
						failed++
					}
				}
				fmt.Fprintf(w, "%s\t%.8s\t%d\t%d\t%d\t%s\n",
					plan.Name, plan.ID, len(plan.Nodes), succeeded, failed,
					plan.CreatedAt.Format("2006-01-02 15:04"))
			}
			return w.Flush()
		},
	}
}
