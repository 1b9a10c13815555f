package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rotisserie/eris"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/sells-group/rankgrid/internal/scan"
	"github.com/sells-group/rankgrid/internal/store"
)

var servePort int

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the scan API server",
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		env, err := initEnv(ctx)
		if err != nil {
			return err
		}
		defer env.Close()

		if n, err := env.Orchestrator.RecoverOrphanedScans(ctx); err != nil {
			zap.L().Warn("orphan recovery failed", zap.Error(err))
		} else if n > 0 {
			zap.L().Info("recovered orphaned scans", zap.Int("count", n))
		}

		if cfg.Schedule.Enabled {
			if err := env.Scheduler.Start(ctx); err != nil {
				return err
			}
			defer env.Scheduler.Stop()
		}

		r := newRouter(env)

		port := servePort
		if port == 0 {
			port = cfg.Server.Port
		}

		srv := &http.Server{
			Addr:    fmt.Sprintf(":%d", port),
			Handler: r,
		}

		// Graceful shutdown
		go func() {
			<-ctx.Done()
			zap.L().Info("shutting down server")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			_ = srv.Shutdown(shutdownCtx)
		}()

		zap.L().Info("starting server", zap.Int("port", port))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			return eris.Wrap(err, "server listen")
		}

		return nil
	},
}

func newRouter(env *scanEnv) chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	if cfg.Server.CORSOrigin != "" {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: []string{cfg.Server.CORSOrigin},
			AllowedMethods: []string{"GET", "POST", "OPTIONS"},
			AllowedHeaders: []string{"Content-Type"},
		}))
	}

	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Post("/scans", handleCreateScan(env))
		r.Get("/scans/{id}", handleGetScan(env))
		r.Post("/scans/{id}/cancel", handleCancelScan(env))
		r.Post("/fullscans", handleCreateFullScan(env))
		r.Get("/status", handleStatus(env))
		r.Post("/engines/{id}/clear", handleClearEngine(env))
		r.Post("/schedules/reload", handleReloadSchedules(env))
	})
	return r
}

func handleCreateScan(env *scanEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scan.CreateScanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		sc, err := env.Orchestrator.CreateScan(r.Context(), req)
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, eris.Cause(err).Error())
				return
			}
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, sc)
	}
}

func handleGetScan(env *scanEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sc, err := env.Store.GetScan(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			if errors.Is(err, store.ErrNotFound) {
				writeError(w, http.StatusNotFound, "scan not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "lookup failed")
			return
		}
		writeJSON(w, http.StatusOK, sc)
	}
}

func handleCancelScan(env *scanEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := env.Orchestrator.CancelScan(r.Context(), id); err != nil {
			writeError(w, http.StatusConflict, err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"scan_id": id, "status": "cancelled"})
	}
}

func handleCreateFullScan(env *scanEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req scan.FullScanRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}

		ids, err := env.Orchestrator.CreateFullScan(r.Context(), req)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"scan_ids": ids,
			"count":    len(ids),
		})
	}
}

func handleClearEngine(env *scanEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		eng, err := env.Registry.Get(id)
		if err != nil {
			writeError(w, http.StatusNotFound, "unknown engine")
			return
		}
		eng.ClearBlock()
		zap.L().Info("engine block cleared by operator", zap.String("engine_id", id))
		writeJSON(w, http.StatusOK, map[string]any{
			"engine_id": id,
			"status":    eng.Status(),
		})
	}
}

func handleStatus(env *scanEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		lookback := 24 * time.Hour
		if h := r.URL.Query().Get("hours"); h != "" {
			n, err := strconv.Atoi(h)
			if err != nil || n <= 0 {
				writeError(w, http.StatusBadRequest, "hours must be a positive integer")
				return
			}
			lookback = time.Duration(n) * time.Hour
		}

		snap, err := env.Collector.Snapshot(r.Context(), lookback)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "snapshot failed")
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

func handleReloadSchedules(env *scanEnv) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !cfg.Schedule.Enabled {
			writeError(w, http.StatusConflict, "scheduler is disabled")
			return
		}
		if err := env.Scheduler.ReloadAll(r.Context()); err != nil {
			writeError(w, http.StatusInternalServerError, "reload failed")
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"entries": env.Scheduler.EntryCount()})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func init() {
	serveCmd.Flags().IntVar(&servePort, "port", 0, "server port (default from config)")
	rootCmd.AddCommand(serveCmd)
}
