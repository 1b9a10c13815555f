package main

import (
	"context"
	"fmt"
	"os/signal"
	"syscall"
	"time"

	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rankgrid/internal/model"
	"github.com/sells-group/rankgrid/internal/scan"
)

var scanFlags struct {
	areaID     string
	categoryID string
	keyword    string
	engineID   string
	gridSize   int
	radius     float64
	priority   int
	noWait     bool
}

var scanCmd = &cobra.Command{
	Use:   "scan",
	Short: "Run a single grid scan",
	Long:  "Creates one scan for a keyword, engine, and service area, and waits for it to finish.",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		gridSize := scanFlags.gridSize
		if gridSize == 0 {
			gridSize = cfg.Scan.DefaultGridSize
		}

		sc, err := env.Orchestrator.CreateScan(ctx, scan.CreateScanRequest{
			ServiceAreaID: scanFlags.areaID,
			CategoryID:    scanFlags.categoryID,
			Keyword:       scanFlags.keyword,
			EngineID:      scanFlags.engineID,
			GridSize:      gridSize,
			RadiusMiles:   scanFlags.radius,
			Priority:      scanFlags.priority,
		})
		if err != nil {
			return err
		}

		fmt.Printf("scan %s created: %q on %s, %dx%d grid (%d points)\n",
			sc.ID, scanFlags.keyword, scanFlags.engineID, gridSize, gridSize, sc.PointsTotal)

		if scanFlags.noWait {
			return nil
		}
		return waitForScans(ctx, env, []string{sc.ID})
	},
}

// waitForScans polls until every scan reaches a terminal status. Ctrl-C
// leaves the scans running server-side; they are recovered on next start.
func waitForScans(ctx context.Context, env *scanEnv, ids []string) error {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	remaining := make(map[string]bool, len(ids))
	for _, id := range ids {
		remaining[id] = true
	}
	failed := 0

	for len(remaining) > 0 {
		select {
		case <-ctx.Done():
			return eris.New("interrupted; scans continue in the background")
		case <-ticker.C:
		}

		for id := range remaining {
			sc, err := env.Store.GetScan(ctx, id)
			if err != nil {
				zap.L().Warn("poll failed", zap.String("scan_id", id), zap.Error(err))
				continue
			}
			switch sc.Status {
			case model.ScanCompleted:
				fmt.Printf("scan %s completed: %d/%d points\n", id, sc.PointsCompleted, sc.PointsTotal)
				delete(remaining, id)
			case model.ScanFailed, model.ScanCancelled:
				msg := ""
				if sc.ErrorMessage != "" {
					msg = " (" + sc.ErrorMessage + ")"
				}
				fmt.Printf("scan %s %s%s\n", id, sc.Status, msg)
				delete(remaining, id)
				failed++
			}
		}
	}

	if failed > 0 {
		return eris.Errorf("%d scan(s) did not complete", failed)
	}
	return nil
}

func init() {
	scanCmd.Flags().StringVar(&scanFlags.areaID, "area", "", "service area ID (required)")
	scanCmd.Flags().StringVar(&scanFlags.categoryID, "category", "", "category ID (required)")
	scanCmd.Flags().StringVar(&scanFlags.keyword, "keyword", "", "search keyword (required)")
	scanCmd.Flags().StringVar(&scanFlags.engineID, "engine", "google_search", "engine ID")
	scanCmd.Flags().IntVar(&scanFlags.gridSize, "grid", 0, "grid size: 3, 5, 7, or 9 (default from config)")
	scanCmd.Flags().Float64Var(&scanFlags.radius, "radius", 0, "grid radius in miles (default from service area)")
	scanCmd.Flags().IntVar(&scanFlags.priority, "priority", 0, "queue priority (higher runs first)")
	scanCmd.Flags().BoolVar(&scanFlags.noWait, "no-wait", false, "exit after creating the scan")
	_ = scanCmd.MarkFlagRequired("area")
	_ = scanCmd.MarkFlagRequired("category")
	_ = scanCmd.MarkFlagRequired("keyword")
	rootCmd.AddCommand(scanCmd)
}
