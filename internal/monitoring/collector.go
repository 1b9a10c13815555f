// Package monitoring assembles operational snapshots of the scan engine for
// the status endpoint and the ops CLI.
package monitoring

import (
	"context"
	"time"

	"github.com/rotisserie/eris"

	"github.com/sells-group/rankgrid/internal/engine"
	"github.com/sells-group/rankgrid/internal/model"
)

// ScanCounter is the slice of the store the collector needs.
type ScanCounter interface {
	CountScansByStatus(ctx context.Context, since time.Time) (map[model.ScanStatus]int, error)
}

// QueueStats is the slice of the scan queue the collector needs.
type QueueStats interface {
	QueueDepth(engineID string) int
	TotalDepth() int
	PausedReason(engineID string) string
}

// EngineSnapshot is one engine's health at snapshot time.
type EngineSnapshot struct {
	EngineID      string        `json:"engine_id"`
	Status        engine.Status `json:"status"`
	RequestsToday int           `json:"requests_today"`
	QueueDepth    int           `json:"queue_depth"`
	PausedReason  string        `json:"paused_reason,omitempty"`
}

// Snapshot is a point-in-time view of scan throughput and engine health.
type Snapshot struct {
	GeneratedAt   time.Time                `json:"generated_at"`
	LookbackHours float64                  `json:"lookback_hours"`
	Scans         map[model.ScanStatus]int `json:"scans"`
	Engines       []EngineSnapshot         `json:"engines"`
	QueueTotal    int                      `json:"queue_total"`
	GroupTotals   map[string]int           `json:"group_totals,omitempty"`
}

// Collector builds snapshots from the store, the registry, and the queue.
type Collector struct {
	store    ScanCounter
	registry *engine.Registry
	queue    QueueStats
	nowFunc  func() time.Time
}

// NewCollector wires a collector.
func NewCollector(st ScanCounter, reg *engine.Registry, q QueueStats) *Collector {
	return &Collector{store: st, registry: reg, queue: q, nowFunc: time.Now}
}

// Snapshot assembles the current view. lookback bounds the scan counts.
func (c *Collector) Snapshot(ctx context.Context, lookback time.Duration) (*Snapshot, error) {
	now := c.nowFunc()

	counts, err := c.store.CountScansByStatus(ctx, now.Add(-lookback))
	if err != nil {
		return nil, eris.Wrap(err, "monitoring: scan counts")
	}

	snap := &Snapshot{
		GeneratedAt:   now,
		LookbackHours: lookback.Hours(),
		Scans:         counts,
		QueueTotal:    c.queue.TotalDepth(),
		GroupTotals:   make(map[string]int),
	}

	for _, e := range c.registry.All() {
		snap.Engines = append(snap.Engines, EngineSnapshot{
			EngineID:      e.ID(),
			Status:        e.Status(),
			RequestsToday: e.RequestsToday(),
			QueueDepth:    c.queue.QueueDepth(e.ID()),
			PausedReason:  c.queue.PausedReason(e.ID()),
		})
		if group := e.Config().ReputationGroup; group != "" {
			snap.GroupTotals[group] += e.RequestsToday()
		}
	}
	return snap, nil
}
