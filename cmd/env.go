package main

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/rankgrid/internal/engine"
	"github.com/sells-group/rankgrid/internal/match"
	"github.com/sells-group/rankgrid/internal/monitoring"
	"github.com/sells-group/rankgrid/internal/scan"
	"github.com/sells-group/rankgrid/internal/schedule"
	"github.com/sells-group/rankgrid/internal/stealth"
	"github.com/sells-group/rankgrid/internal/store"
)

// scanEnv holds the wired store, engines, queue, and orchestrator shared by
// the serve/scan/fullscan/recover commands.
type scanEnv struct {
	Store        store.Store
	Registry     *engine.Registry
	Matcher      *match.Matcher
	Orchestrator *scan.Orchestrator
	Queue        *scan.Queue
	Scheduler    *schedule.Scheduler
	Collector    *monitoring.Collector
}

// Close drains the queue workers and releases the store. The scheduler, when
// started, must be stopped by the caller before Close.
func (e *scanEnv) Close() {
	if e.Queue != nil {
		e.Queue.Stop()
	}
	if e.Store != nil {
		e.Store.Close()
	}
}

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		return store.OpenSQLite(cfg.Store.SQLitePath)
	case "postgres":
		if cfg.Store.DatabaseURL == "" {
			return nil, eris.New("store.database_url is required (DATABASE_URL)")
		}
		pool, err := pgxpool.New(ctx, cfg.Store.DatabaseURL)
		if err != nil {
			return nil, eris.Wrap(err, "connect postgres")
		}
		st := store.NewPostgres(pool)
		if err := st.Migrate(ctx); err != nil {
			st.Close()
			return nil, eris.Wrap(err, "migrate store")
		}
		return st, nil
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// initRegistry builds every engine from the built-in throttle profiles and
// registers it. Engines named in engines.disabled, and the Bing API engine
// when no key is configured, register disabled so their status is visible.
func initRegistry() (*engine.Registry, error) {
	configs, err := engine.LoadConfigs(cfg.Engines.ConfigFile)
	if err != nil {
		return nil, err
	}

	proxies, err := stealth.LoadProxies(cfg.Proxy.List, cfg.Proxy.File)
	if err != nil {
		return nil, err
	}

	disabled := make(map[string]bool, len(cfg.Engines.Disabled))
	for _, id := range cfg.Engines.Disabled {
		disabled[id] = true
	}

	reg := engine.NewRegistry()
	for id, ec := range configs {
		var eng engine.Engine
		switch id {
		case "google_search":
			eng = engine.NewGoogleSearch(ec, proxies)
		case "google_local_finder":
			eng = engine.NewGoogleLocalFinder(ec, proxies)
		case "google_maps":
			eng = engine.NewGoogleMaps(ec, proxies)
		case "bing_api":
			eng = engine.NewBingAPI(ec, cfg.Engines.BingAPIKey)
		case "duckduckgo":
			eng = engine.NewDuckDuckGo(ec, proxies)
		default:
			zap.L().Warn("no constructor for configured engine", zap.String("engine_id", id))
			continue
		}

		if disabled[id] {
			if d, ok := eng.(interface{ Disable() }); ok {
				d.Disable()
				zap.L().Info("engine disabled by config", zap.String("engine_id", id))
			}
		}
		reg.Register(eng)
	}
	return reg, nil
}

// initEnv wires the store, registry, matcher, orchestrator, queue, scheduler,
// and monitoring collector. Callers should defer env.Close().
func initEnv(ctx context.Context) (*scanEnv, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}

	reg, err := initRegistry()
	if err != nil {
		st.Close()
		return nil, err
	}

	matcher := match.New(st)
	orch := scan.NewOrchestrator(st, reg, matcher, nil)

	queueOpts := []scan.QueueOption{
		scan.WithRetryDelay(time.Duration(cfg.Scan.QueueRetrySecs) * time.Second),
		scan.WithGroupDailyCap(cfg.Scan.GroupDailyCap),
	}
	q := scan.NewQueue(reg, orch.HandleTask, reg.GroupRequestsToday, queueOpts...)
	orch.SetQueue(q)

	return &scanEnv{
		Store:        st,
		Registry:     reg,
		Matcher:      matcher,
		Orchestrator: orch,
		Queue:        q,
		Scheduler:    schedule.New(st, orch),
		Collector:    monitoring.NewCollector(st, reg, q),
	}, nil
}
