// Package scan runs grid scans: a per-engine task queue that respects
// throttle, block, and reputation-group state, and an orchestrator that
// expands scan requests, drives the queue, and finalizes results.
package scan

import (
	"context"
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/sells-group/rankgrid/internal/engine"
	"github.com/sells-group/rankgrid/internal/metrics"
)

// Task is one (scan point, engine) unit of work.
type Task struct {
	ScanID     string
	PointID    string
	EngineID   string
	CategoryID string
	Query      string
	Point      engine.Point
	City       string
	State      string
	Priority   int

	seq uint64 // FIFO tie-break within a priority
}

// Handler processes one task. Errors are the handler's to absorb (the point
// is marked failed there); the queue only logs them.
type Handler func(ctx context.Context, task Task) error

// GroupTotalFunc reports the summed requestsToday across a reputation group.
type GroupTotalFunc func(group string) int

const (
	defaultRetryDelay    = time.Minute
	defaultGroupDailyCap = 200
)

// Queue delivers tasks to engines, one worker per engine. Workers pause when
// their engine is blocked or throttled, or when the engine's reputation
// group has spent its shared daily budget, and retry on a one-shot timer.
type Queue struct {
	mu          sync.Mutex
	queues      map[string][]*Task
	running     map[string]bool
	paused      map[string]string // engine id -> reason
	retryTimers map[string]*time.Timer
	stopped     bool
	seq         uint64

	registry      *engine.Registry
	handler       Handler
	groupTotal    GroupTotalFunc
	groupDailyCap int
	retryDelay    time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	log    *zap.Logger
}

// QueueOption adjusts queue behavior.
type QueueOption func(*Queue)

// WithRetryDelay overrides the pause-retry interval.
func WithRetryDelay(d time.Duration) QueueOption {
	return func(q *Queue) { q.retryDelay = d }
}

// WithGroupDailyCap overrides the shared reputation-group daily budget.
func WithGroupDailyCap(n int) QueueOption {
	return func(q *Queue) { q.groupDailyCap = n }
}

// NewQueue builds a queue over the registry. groupTotal is consulted before
// dispatching to any engine with a reputation group; nil disables group
// budgeting.
func NewQueue(reg *engine.Registry, handler Handler, groupTotal GroupTotalFunc, opts ...QueueOption) *Queue {
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		queues:        make(map[string][]*Task),
		running:       make(map[string]bool),
		paused:        make(map[string]string),
		retryTimers:   make(map[string]*time.Timer),
		registry:      reg,
		handler:       handler,
		groupTotal:    groupTotal,
		groupDailyCap: defaultGroupDailyCap,
		retryDelay:    defaultRetryDelay,
		ctx:           ctx,
		cancel:        cancel,
		log:           zap.L().With(zap.String("component", "scan_queue")),
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

// Enqueue adds one task and wakes its engine's worker.
func (q *Queue) Enqueue(t Task) {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.insertLocked(&t)
	q.mu.Unlock()
	q.EnsureProcessing(t.EngineID)
}

// EnqueueBatch adds tasks and wakes every engine that received work.
func (q *Queue) EnqueueBatch(tasks []Task) {
	engines := make(map[string]bool)
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	for i := range tasks {
		t := tasks[i]
		q.insertLocked(&t)
		engines[t.EngineID] = true
	}
	q.mu.Unlock()

	for id := range engines {
		q.EnsureProcessing(id)
	}
}

// insertLocked places the task after every queued task of equal or higher
// priority, preserving FIFO order within a priority.
func (q *Queue) insertLocked(t *Task) {
	t.seq = q.seq
	q.seq++
	list := q.queues[t.EngineID]
	i := sort.Search(len(list), func(i int) bool { return list[i].Priority < t.Priority })
	list = append(list, nil)
	copy(list[i+1:], list[i:])
	list[i] = t
	q.queues[t.EngineID] = list
	metrics.QueueDepth.WithLabelValues(t.EngineID).Set(float64(len(list)))
}

// EnsureProcessing starts the engine's worker if it has work and none is
// running.
func (q *Queue) EnsureProcessing(engineID string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.stopped || q.running[engineID] || len(q.queues[engineID]) == 0 {
		return
	}
	if _, ok := q.paused[engineID]; ok {
		return
	}
	q.running[engineID] = true
	q.wg.Add(1)
	go q.worker(engineID)
}

// worker drains one engine's queue. It exits when the queue empties, the
// engine becomes unavailable (after scheduling a retry), or Stop is called.
func (q *Queue) worker(engineID string) {
	defer q.wg.Done()
	for {
		q.mu.Lock()
		if q.stopped || len(q.queues[engineID]) == 0 {
			delete(q.running, engineID)
			q.mu.Unlock()
			return
		}

		if reason := q.unavailableReasonLocked(engineID); reason != "" {
			q.pauseLocked(engineID, reason)
			delete(q.running, engineID)
			q.mu.Unlock()
			return
		}
		// The availability check drops the whole queue for unknown engines.
		if len(q.queues[engineID]) == 0 {
			delete(q.running, engineID)
			q.mu.Unlock()
			return
		}

		task := q.queues[engineID][0]
		q.queues[engineID] = q.queues[engineID][1:]
		metrics.QueueDepth.WithLabelValues(engineID).Set(float64(len(q.queues[engineID])))
		q.mu.Unlock()

		if err := q.handler(q.ctx, *task); err != nil {
			q.log.Warn("task handler failed",
				zap.String("engine_id", engineID),
				zap.String("scan_id", task.ScanID),
				zap.String("point_id", task.PointID),
				zap.Error(err))
		}
	}
}

// unavailableReasonLocked returns "" when the engine may dispatch now.
func (q *Queue) unavailableReasonLocked(engineID string) string {
	eng, err := q.registry.Get(engineID)
	if err != nil {
		// Unknown engines never recover; the tasks are dropped.
		q.log.Error("dropping tasks for unknown engine", zap.String("engine_id", engineID))
		q.queues[engineID] = nil
		return ""
	}

	switch eng.Status() {
	case engine.StatusBlocked:
		return "engine blocked"
	case engine.StatusThrottled:
		return "engine throttled"
	}

	if q.groupTotal != nil {
		if group := eng.Config().ReputationGroup; group != "" {
			if q.groupTotal(group) >= q.groupDailyCap {
				return "reputation group daily cap reached"
			}
		}
	}
	return ""
}

// pauseLocked records the pause reason and arms a single retry timer.
func (q *Queue) pauseLocked(engineID, reason string) {
	q.paused[engineID] = reason
	if _, ok := q.retryTimers[engineID]; ok {
		return
	}
	q.log.Info("engine worker paused",
		zap.String("engine_id", engineID),
		zap.String("reason", reason),
		zap.Duration("retry_in", q.retryDelay))
	metrics.WorkerPauses.WithLabelValues(engineID, reason).Inc()
	q.retryTimers[engineID] = time.AfterFunc(q.retryDelay, func() {
		q.mu.Lock()
		delete(q.retryTimers, engineID)
		delete(q.paused, engineID)
		stopped := q.stopped
		q.mu.Unlock()
		if !stopped {
			q.EnsureProcessing(engineID)
		}
	})
}

// RemoveScan discards every queued task belonging to a scan. In-flight tasks
// finish.
func (q *Queue) RemoveScan(scanID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	removed := 0
	for engineID, list := range q.queues {
		kept := list[:0]
		for _, t := range list {
			if t.ScanID == scanID {
				removed++
				continue
			}
			kept = append(kept, t)
		}
		q.queues[engineID] = kept
	}
	return removed
}

// Stop drains the queues, clears retry timers, and waits for in-flight tasks
// to run to completion before releasing the worker context. Discarded tasks
// are re-enqueued by orphan recovery on the next start.
func (q *Queue) Stop() {
	q.mu.Lock()
	if q.stopped {
		q.mu.Unlock()
		return
	}
	q.stopped = true
	for id, timer := range q.retryTimers {
		timer.Stop()
		delete(q.retryTimers, id)
	}
	for id := range q.queues {
		q.queues[id] = nil
		metrics.QueueDepth.WithLabelValues(id).Set(0)
	}
	q.mu.Unlock()

	// In-flight handlers keep a live context; the engines' per-request HTTP
	// timeout bounds how long this wait can take.
	q.wg.Wait()
	q.cancel()
	q.log.Info("queue stopped")
}

// QueueDepth reports queued (not in-flight) tasks for one engine.
func (q *Queue) QueueDepth(engineID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.queues[engineID])
}

// TotalDepth reports queued tasks across all engines.
func (q *Queue) TotalDepth() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	n := 0
	for _, list := range q.queues {
		n += len(list)
	}
	return n
}

// ProcessingEngines lists engines with an active worker.
func (q *Queue) ProcessingEngines() []string {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]string, 0, len(q.running))
	for id := range q.running {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// WorkerRunning reports whether the engine's worker is active (dispatching
// or mid-handler).
func (q *Queue) WorkerRunning(engineID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running[engineID]
}

// PausedReason returns why an engine's worker is paused, or "".
func (q *Queue) PausedReason(engineID string) string {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused[engineID]
}

// HasRetryTimer reports whether a pause-retry is pending for the engine.
func (q *Queue) HasRetryTimer(engineID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.retryTimers[engineID]
	return ok
}
