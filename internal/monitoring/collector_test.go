package monitoring

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rankgrid/internal/engine"
	"github.com/sells-group/rankgrid/internal/model"
)

type stubCounter struct {
	gotSince time.Time
	counts   map[model.ScanStatus]int
}

func (s *stubCounter) CountScansByStatus(_ context.Context, since time.Time) (map[model.ScanStatus]int, error) {
	s.gotSince = since
	return s.counts, nil
}

type stubQueue struct {
	depths map[string]int
	paused map[string]string
}

func (s *stubQueue) QueueDepth(engineID string) int { return s.depths[engineID] }
func (s *stubQueue) TotalDepth() int {
	n := 0
	for _, d := range s.depths {
		n += d
	}
	return n
}
func (s *stubQueue) PausedReason(engineID string) string { return s.paused[engineID] }

type stubEngine struct {
	id    string
	group string
	today int
}

func (s *stubEngine) ID() string { return s.id }
func (s *stubEngine) Config() engine.Config {
	return engine.Config{EngineID: s.id, ReputationGroup: s.group}
}
func (s *stubEngine) Status() engine.Status { return engine.StatusHealthy }
func (s *stubEngine) CanMakeRequest() bool  { return true }
func (s *stubEngine) RequestsToday() int    { return s.today }
func (s *stubEngine) ClearBlock()           {}
func (s *stubEngine) Search(_ context.Context, _ string, _ engine.Point, _, _ string) (*engine.SearchResult, error) {
	return &engine.SearchResult{}, nil
}

func TestSnapshot(t *testing.T) {
	reg := engine.NewRegistry()
	reg.Register(&stubEngine{id: "google_search", group: "google", today: 42})
	reg.Register(&stubEngine{id: "google_maps", group: "google", today: 8})
	reg.Register(&stubEngine{id: "duckduckgo"})

	counter := &stubCounter{counts: map[model.ScanStatus]int{
		model.ScanCompleted: 7,
		model.ScanRunning:   2,
	}}
	queue := &stubQueue{
		depths: map[string]int{"google_search": 3, "duckduckgo": 1},
		paused: map[string]string{"google_search": "engine throttled"},
	}

	c := NewCollector(counter, reg, queue)
	now := time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)
	c.nowFunc = func() time.Time { return now }

	snap, err := c.Snapshot(context.Background(), 24*time.Hour)
	require.NoError(t, err)

	assert.Equal(t, now, snap.GeneratedAt)
	assert.Equal(t, now.Add(-24*time.Hour), counter.gotSince)
	assert.Equal(t, 7, snap.Scans[model.ScanCompleted])
	assert.Equal(t, 4, snap.QueueTotal)
	assert.Equal(t, 50, snap.GroupTotals["google"])

	require.Len(t, snap.Engines, 3)
	assert.Equal(t, "google_search", snap.Engines[0].EngineID)
	assert.Equal(t, 3, snap.Engines[0].QueueDepth)
	assert.Equal(t, "engine throttled", snap.Engines[0].PausedReason)
}
