package cmd

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/harrison/foreman/internal/config"
	"github.com/harrison/foreman/internal/store"
)

func newHistoryCommand(flags *rootFlags) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "history [plan-id]",
		Short: "List recorded attempts from the run-history database",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(flags.configPath)
			if err != nil {
				return err
			}
			history, err := store.OpenHistory(cfg.History.DBPath)
			if err != nil {
				return err
			}
			defer history.Close()

			var rows []store.AttemptRow
			if len(args) == 1 {
				rows, err = history.ListAttempts(cmd.Context(), args[0], limit)
			} else {
				rows, err = history.ListRecent(cmd.Context(), limit)
			}
			if err != nil {
				return err
			}
			if len(rows) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no recorded attempts")
				return nil
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "PLAN\tJOB\tATTEMPT\tTRIGGER\tSTATUS\tPHASE\tDURATION\tRECORDED")
			for _, row := range rows {
				fmt.Fprintf(w, "%s\t%s\t%d\t%s\t%s\t%s\t%s\t%s\n",
					row.PlanName, row.ProducerID, row.AttemptNumber, row.TriggerType,
					row.Status, row.FailedPhase,
					(time.Duration(row.DurationMs) * time.Millisecond).String(),
					row.RecordedAt.Format("2006-01-02 15:04:05"))
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum attempts to list")
	return cmd
}
