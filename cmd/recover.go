package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/rankgrid/internal/model"
)

var recoverNoWait bool

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Re-enqueue scans orphaned by a crash",
	Long:  "Finds scans stuck in queued or running, re-enqueues their unfinished points, and waits for them to drain.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		n, err := env.Orchestrator.RecoverOrphanedScans(ctx)
		if err != nil {
			return err
		}
		if n == 0 {
			fmt.Println("no orphaned scans")
			return nil
		}
		fmt.Printf("recovered %d scan(s)\n", n)

		if recoverNoWait {
			return nil
		}

		active, err := env.Store.ListScansByStatus(ctx, model.ScanQueued, model.ScanRunning)
		if err != nil {
			return err
		}
		ids := make([]string, 0, len(active))
		for _, sc := range active {
			ids = append(ids, sc.ID)
		}
		return waitForScans(ctx, env, ids)
	},
}

func init() {
	recoverCmd.Flags().BoolVar(&recoverNoWait, "no-wait", false, "exit after re-enqueueing")
	rootCmd.AddCommand(recoverCmd)
}
