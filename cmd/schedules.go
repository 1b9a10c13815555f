package main

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/sells-group/rankgrid/internal/schedule"
)

var schedulesCmd = &cobra.Command{
	Use:   "schedules",
	Short: "Inspect recurring scan schedules",
}

var schedulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "List active scan schedules",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		schedules, err := st.ListActiveSchedules(ctx)
		if err != nil {
			return err
		}
		if len(schedules) == 0 {
			fmt.Fprintln(os.Stderr, "No active schedules.")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "ID\tCRON\tAREAS\tCATEGORIES\tENGINES\tGRID\tLAST RUN\tNEXT RUN")
		for _, s := range schedules {
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\t%s\t%s\n",
				s.ID,
				s.CronExpression,
				idList(s.ServiceAreaIDs),
				idList(s.CategoryIDs),
				idList(s.EngineIDs),
				s.GridSize,
				fmtTime(s.LastRunAt),
				fmtTime(s.NextRunAt),
			)
		}
		return w.Flush()
	},
}

func idList(ids []string) string {
	if len(ids) == 0 {
		return "all"
	}
	return strings.Join(ids, ",")
}

func fmtTime(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

var reloadScheduleID string

var schedulesReloadCmd = &cobra.Command{
	Use:   "reload",
	Short: "Re-register schedules and refresh their next-run stamps",
	Long:  "Reloads schedule rows into a registrar, recomputing next_run_at from each cron expression. With --id, reloads a single schedule.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		ctx := cmd.Context()

		st, err := initStore(ctx)
		if err != nil {
			return err
		}
		defer st.Close()

		// Registration alone recomputes and persists next_run_at; the cron
		// runner is never started here, so nothing fires.
		s := schedule.New(st, nil)
		if reloadScheduleID != "" {
			err = s.ReloadSchedule(ctx, reloadScheduleID)
		} else {
			err = s.ReloadAll(ctx)
		}
		if err != nil {
			return err
		}

		fmt.Printf("registered %d schedule(s)\n", s.EntryCount())
		return nil
	},
}

func init() {
	schedulesReloadCmd.Flags().StringVar(&reloadScheduleID, "id", "", "reload a single schedule")
	schedulesCmd.AddCommand(schedulesListCmd, schedulesReloadCmd)
	rootCmd.AddCommand(schedulesCmd)
}
