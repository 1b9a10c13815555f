package main

import (
	"fmt"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/sells-group/rankgrid/internal/scan"
)

var fullscanFlags struct {
	areaIDs     []string
	categoryIDs []string
	engineIDs   []string
	gridSize    int
	noWait      bool
}

var fullscanCmd = &cobra.Command{
	Use:   "fullscan",
	Short: "Run the full scan matrix",
	Long:  "Expands active service areas, categories, keywords, and engines into individual scans and runs them. Empty filters mean all active rows.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		ids, err := env.Orchestrator.CreateFullScan(ctx, scan.FullScanRequest{
			ServiceAreaIDs: fullscanFlags.areaIDs,
			CategoryIDs:    fullscanFlags.categoryIDs,
			EngineIDs:      fullscanFlags.engineIDs,
			GridSize:       fullscanFlags.gridSize,
		})
		if err != nil {
			return err
		}

		fmt.Printf("created %d scans\n", len(ids))
		if fullscanFlags.noWait {
			for _, id := range ids {
				fmt.Println(id)
			}
			return nil
		}
		return waitForScans(ctx, env, ids)
	},
}

func init() {
	fullscanCmd.Flags().StringSliceVar(&fullscanFlags.areaIDs, "areas", nil, "service area IDs (default all active)")
	fullscanCmd.Flags().StringSliceVar(&fullscanFlags.categoryIDs, "categories", nil, "category IDs (default all active)")
	fullscanCmd.Flags().StringSliceVar(&fullscanFlags.engineIDs, "engines", nil, "engine IDs (default all registered)")
	fullscanCmd.Flags().IntVar(&fullscanFlags.gridSize, "grid", 0, "grid size: 3, 5, 7, or 9")
	fullscanCmd.Flags().BoolVar(&fullscanFlags.noWait, "no-wait", false, "exit after creating the scans")
	rootCmd.AddCommand(fullscanCmd)
}
