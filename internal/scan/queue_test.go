package scan

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sells-group/rankgrid/internal/engine"
)

// stubEngine is a controllable Engine for queue and orchestrator tests.
type stubEngine struct {
	mu       sync.Mutex
	id       string
	group    string
	status   engine.Status
	today    int
	searchFn func(ctx context.Context, query string, point engine.Point, city, state string) (*engine.SearchResult, error)
}

func (s *stubEngine) ID() string { return s.id }
func (s *stubEngine) Config() engine.Config {
	return engine.Config{EngineID: s.id, ReputationGroup: s.group}
}
func (s *stubEngine) Status() engine.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.status == "" {
		return engine.StatusHealthy
	}
	return s.status
}
func (s *stubEngine) CanMakeRequest() bool { return s.Status() == engine.StatusHealthy }
func (s *stubEngine) RequestsToday() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.today
}
func (s *stubEngine) ClearBlock() { s.setStatus(engine.StatusHealthy) }
func (s *stubEngine) setStatus(st engine.Status) {
	s.mu.Lock()
	s.status = st
	s.mu.Unlock()
}
func (s *stubEngine) setToday(n int) {
	s.mu.Lock()
	s.today = n
	s.mu.Unlock()
}
func (s *stubEngine) Search(ctx context.Context, query string, point engine.Point, city, state string) (*engine.SearchResult, error) {
	if s.searchFn != nil {
		return s.searchFn(ctx, query, point, city, state)
	}
	return &engine.SearchResult{EngineID: s.id, Query: query, Location: point, Timestamp: time.Now()}, nil
}

func singleEngineRegistry(e engine.Engine) *engine.Registry {
	reg := engine.NewRegistry()
	reg.Register(e)
	return reg
}

func collectQueries(t *testing.T, ch <-chan string, n int) []string {
	t.Helper()
	out := make([]string, 0, n)
	for i := 0; i < n; i++ {
		select {
		case q := <-ch:
			out = append(out, q)
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for task %d of %d", i+1, n)
		}
	}
	return out
}

func TestQueue_FIFOWithinPriority(t *testing.T) {
	reg := singleEngineRegistry(&stubEngine{id: "google_search"})
	got := make(chan string, 3)
	q := NewQueue(reg, func(_ context.Context, task Task) error {
		got <- task.Query
		return nil
	}, nil)
	defer q.Stop()

	q.EnqueueBatch([]Task{
		{EngineID: "google_search", Query: "a", Priority: 1},
		{EngineID: "google_search", Query: "b", Priority: 1},
		{EngineID: "google_search", Query: "c", Priority: 1},
	})

	assert.Equal(t, []string{"a", "b", "c"}, collectQueries(t, got, 3))
}

func TestQueue_HigherPriorityFirst(t *testing.T) {
	reg := singleEngineRegistry(&stubEngine{id: "google_search"})
	got := make(chan string, 3)
	q := NewQueue(reg, func(_ context.Context, task Task) error {
		got <- task.Query
		return nil
	}, nil)
	defer q.Stop()

	q.EnqueueBatch([]Task{
		{EngineID: "google_search", Query: "low", Priority: 0},
		{EngineID: "google_search", Query: "high", Priority: 5},
		{EngineID: "google_search", Query: "mid", Priority: 2},
	})

	assert.Equal(t, []string{"high", "mid", "low"}, collectQueries(t, got, 3))
}

func TestQueue_BlockedEnginePausesThenRetries(t *testing.T) {
	eng := &stubEngine{id: "google_search", status: engine.StatusBlocked}
	reg := singleEngineRegistry(eng)
	got := make(chan string, 1)
	q := NewQueue(reg, func(_ context.Context, task Task) error {
		got <- task.Query
		return nil
	}, nil, WithRetryDelay(20*time.Millisecond))
	defer q.Stop()

	q.Enqueue(Task{EngineID: "google_search", Query: "a"})

	require.Eventually(t, func() bool {
		return q.PausedReason("google_search") == "engine blocked"
	}, time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, q.QueueDepth("google_search"))
	assert.True(t, q.HasRetryTimer("google_search"))

	// Once the block clears, the retry timer resumes dispatch.
	eng.ClearBlock()
	assert.Equal(t, []string{"a"}, collectQueries(t, got, 1))
}

func TestQueue_GroupDailyCapHoldsDispatch(t *testing.T) {
	reg := engine.NewRegistry()
	gs := &stubEngine{id: "google_search", group: "google", today: 60}
	gm := &stubEngine{id: "google_maps", group: "google", today: 70}
	gl := &stubEngine{id: "google_local_finder", group: "google", today: 70}
	reg.Register(gs)
	reg.Register(gm)
	reg.Register(gl)

	got := make(chan string, 1)
	q := NewQueue(reg, func(_ context.Context, task Task) error {
		got <- task.Query
		return nil
	}, reg.GroupRequestsToday, WithRetryDelay(20*time.Millisecond))
	defer q.Stop()

	// Sum is exactly 200: the shared budget is spent.
	q.Enqueue(Task{EngineID: "google_maps", Query: "pizza"})

	require.Eventually(t, func() bool {
		return q.PausedReason("google_maps") == "reputation group daily cap reached"
	}, time.Second, 5*time.Millisecond)
	select {
	case <-got:
		t.Fatal("task dispatched despite spent group budget")
	case <-time.After(60 * time.Millisecond):
	}
	assert.Equal(t, 1, q.QueueDepth("google_maps"))

	// Headroom returns (sum 190); the retry timer dispatches the task.
	gs.setToday(50)
	assert.Equal(t, []string{"pizza"}, collectQueries(t, got, 1))
	assert.Equal(t, 0, q.QueueDepth("google_maps"))
}

func TestQueue_RemoveScan(t *testing.T) {
	eng := &stubEngine{id: "google_search", status: engine.StatusBlocked}
	reg := singleEngineRegistry(eng)
	q := NewQueue(reg, func(_ context.Context, _ Task) error { return nil }, nil,
		WithRetryDelay(time.Hour))
	defer q.Stop()

	q.EnqueueBatch([]Task{
		{EngineID: "google_search", ScanID: "s1", Query: "a"},
		{EngineID: "google_search", ScanID: "s2", Query: "b"},
		{EngineID: "google_search", ScanID: "s1", Query: "c"},
	})
	require.Eventually(t, func() bool {
		return q.PausedReason("google_search") != ""
	}, time.Second, 5*time.Millisecond)

	assert.Equal(t, 2, q.RemoveScan("s1"))
	assert.Equal(t, 1, q.QueueDepth("google_search"))
	assert.Equal(t, 1, q.TotalDepth())
}

func TestQueue_StopWaitsForInflight(t *testing.T) {
	reg := singleEngineRegistry(&stubEngine{id: "google_search"})
	started := make(chan struct{})
	var finished bool
	var ctxLiveAtFinish bool
	var mu sync.Mutex

	q := NewQueue(reg, func(ctx context.Context, _ Task) error {
		close(started)
		time.Sleep(30 * time.Millisecond)
		mu.Lock()
		finished = true
		ctxLiveAtFinish = ctx.Err() == nil
		mu.Unlock()
		return nil
	}, nil)

	q.Enqueue(Task{EngineID: "google_search", Query: "a"})
	<-started
	q.Stop()

	// Stop returns only after the in-flight handler ran to completion, with
	// its context still live.
	mu.Lock()
	defer mu.Unlock()
	assert.True(t, finished)
	assert.True(t, ctxLiveAtFinish)
	assert.Empty(t, q.ProcessingEngines())
}

func TestQueue_StopDrainsQueuedTasks(t *testing.T) {
	reg := singleEngineRegistry(&stubEngine{id: "google_search", status: engine.StatusBlocked})
	q := NewQueue(reg, func(_ context.Context, _ Task) error { return nil }, nil,
		WithRetryDelay(time.Hour))

	q.EnqueueBatch([]Task{
		{EngineID: "google_search", ScanID: "s1", Query: "a"},
		{EngineID: "google_search", ScanID: "s1", Query: "b"},
	})
	require.Eventually(t, func() bool {
		return q.PausedReason("google_search") != ""
	}, time.Second, 5*time.Millisecond)

	q.Stop()
	assert.Zero(t, q.TotalDepth())
	assert.False(t, q.HasRetryTimer("google_search"))
}

func TestQueue_EnqueueAfterStopIsNoop(t *testing.T) {
	reg := singleEngineRegistry(&stubEngine{id: "google_search"})
	q := NewQueue(reg, func(_ context.Context, _ Task) error { return nil }, nil)
	q.Stop()

	q.Enqueue(Task{EngineID: "google_search", Query: "a"})
	assert.Zero(t, q.TotalDepth())
}
