package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/promptarena/internal/eval"
	"github.com/kiliankoe/promptarena/internal/events"
)

// Config tunes the evaluation queue. Zero values fall back to the defaults
// documented on each field.
type Config struct {
	MaxWorkers          int           // registration cap, default 5
	MaxRetries          int           // attempts per item before terminal failure, default 3
	Retention           time.Duration // completed items stay queryable this long, default 1h
	MaintenanceInterval time.Duration // default 60s
	HeartbeatTTL        time.Duration // worker staleness threshold, default 30s
	PollInterval        time.Duration // idle worker wait, default 200ms
}

func (c Config) withDefaults() Config {
	if c.MaxWorkers <= 0 {
		c.MaxWorkers = 5
	}
	if c.MaxRetries <= 0 {
		c.MaxRetries = 3
	}
	if c.Retention <= 0 {
		c.Retention = time.Hour
	}
	if c.MaintenanceInterval <= 0 {
		c.MaintenanceInterval = 60 * time.Second
	}
	if c.HeartbeatTTL <= 0 {
		c.HeartbeatTTL = 30 * time.Second
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 200 * time.Millisecond
	}
	return c
}

// Queue is a priority-ordered evaluation queue with a pool of concurrent
// worker loops. The pending list, processing map, completed map and worker
// map form one shared resource guarded by a single mutex; the mutex is never
// held across an engine call, so no operation blocks on worker activity.
type Queue struct {
	cfg      Config
	engine   eval.Engine
	notifier events.Notifier

	mu         sync.Mutex
	pending    []*Item
	processing map[string]*Item
	completed  map[string]*Item
	workers    map[string]*WorkerStats
	stops      map[string]chan struct{}
	metrics    Metrics
	closed     bool

	wg sync.WaitGroup
}

func New(cfg Config, engine eval.Engine, notifier events.Notifier) *Queue {
	return &Queue{
		cfg:        cfg.withDefaults(),
		engine:     engine,
		notifier:   notifier,
		processing: make(map[string]*Item),
		completed:  make(map[string]*Item),
		workers:    make(map[string]*WorkerStats),
		stops:      make(map[string]chan struct{}),
	}
}

// Submit enqueues a new evaluation item and returns its id immediately.
// Submission always succeeds; admission control, if needed, is layered on
// top by callers using Status().QueueLength.
func (q *Queue) Submit(playerID, sessionID string, round int, game, prompt string, prio Priority, meta map[string]string) string {
	it := &Item{
		ID:          uuid.NewString(),
		PlayerID:    playerID,
		SessionID:   sessionID,
		Round:       round,
		Game:        game,
		Prompt:      prompt,
		Priority:    prio,
		SubmittedAt: time.Now().UTC(),
		Status:      StatusQueued,
		MaxRetries:  q.cfg.MaxRetries,
		Metadata:    meta,
	}

	q.mu.Lock()
	q.insertLocked(it)
	pos := q.positionLocked(it.ID)
	length := len(q.pending)
	q.metrics.Submitted++
	q.mu.Unlock()

	q.notifier.Publish(events.ItemQueued, events.Payload{
		"item_id":      it.ID,
		"player_id":    playerID,
		"session_id":   sessionID,
		"round":        round,
		"game":         game,
		"priority":     prio.String(),
		"position":     pos,
		"queue_length": length,
	})
	return it.ID
}

// insertLocked places the item before the first pending item of strictly
// lower priority. Equal-priority items keep submission order.
func (q *Queue) insertLocked(it *Item) {
	idx := len(q.pending)
	for i, p := range q.pending {
		if p.Priority < it.Priority {
			idx = i
			break
		}
	}
	q.pending = append(q.pending, nil)
	copy(q.pending[idx+1:], q.pending[idx:])
	q.pending[idx] = it
}

func (q *Queue) positionLocked(id string) int {
	for i, p := range q.pending {
		if p.ID == id {
			return i
		}
	}
	return -1
}

// Cancel removes a pending item (returns true) or flags an in-flight item as
// cancelled so the worker discards its result at the next checkpoint (also
// true). Completed or unknown ids return false; no error is ever raised.
func (q *Queue) Cancel(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if i := q.positionLocked(id); i >= 0 {
		it := q.pending[i]
		q.pending = append(q.pending[:i], q.pending[i+1:]...)
		now := time.Now().UTC()
		it.Status = StatusCancelled
		it.CompletedAt = &now
		q.completed[id] = it
		q.metrics.Cancelled++
		return true
	}
	if it, ok := q.processing[id]; ok && it.Status != StatusCancelled {
		it.Status = StatusCancelled
		q.metrics.Cancelled++
		return true
	}
	return false
}

// RegisterWorker adds a worker to the pool and starts its loop. Returns
// false when the pool is at its configured maximum or the id is taken.
func (q *Queue) RegisterWorker(id string) bool {
	q.mu.Lock()
	if q.closed || len(q.workers) >= q.cfg.MaxWorkers {
		q.mu.Unlock()
		return false
	}
	if _, taken := q.workers[id]; taken {
		q.mu.Unlock()
		return false
	}
	now := time.Now().UTC()
	q.workers[id] = &WorkerStats{ID: id, Status: WorkerIdle, LastHeartbeat: now, RegisteredAt: now}
	stop := make(chan struct{})
	q.stops[id] = stop
	count := len(q.workers)
	q.wg.Add(1)
	go q.workerLoop(id, stop)
	q.mu.Unlock()

	q.notifier.Publish(events.WorkerRegistered, events.Payload{
		"worker_id":    id,
		"worker_count": count,
	})
	log.Info().Str("worker", id).Int("pool", count).Msg("worker registered")
	return true
}

func (q *Queue) workerLoop(id string, stop <-chan struct{}) {
	defer q.wg.Done()
	for {
		select {
		case <-stop:
			return
		default:
		}
		q.heartbeat(id)

		it := q.popNext(id)
		if it == nil {
			select {
			case <-stop:
				return
			case <-time.After(q.cfg.PollInterval):
			}
			continue
		}
		q.process(id, it)
	}
}

func (q *Queue) heartbeat(id string) {
	q.mu.Lock()
	if ws, ok := q.workers[id]; ok {
		ws.LastHeartbeat = time.Now().UTC()
	}
	q.mu.Unlock()
}

// popNext atomically claims the highest-priority pending item for a worker.
func (q *Queue) popNext(workerID string) *Item {
	q.mu.Lock()
	if len(q.pending) == 0 {
		q.mu.Unlock()
		return nil
	}
	it := q.pending[0]
	q.pending = q.pending[1:]
	now := time.Now().UTC()
	it.Status = StatusAssigned
	it.WorkerID = workerID
	it.StartedAt = &now
	q.processing[it.ID] = it
	if ws, ok := q.workers[workerID]; ok {
		ws.Status = WorkerBusy
		ws.CurrentTask = it.ID
	}
	q.metrics.recordWait(now.Sub(it.SubmittedAt))
	snap := it.clone()
	q.mu.Unlock()

	q.notifier.Publish(events.ItemAssigned, events.Payload{
		"item_id":    snap.ID,
		"player_id":  snap.PlayerID,
		"session_id": snap.SessionID,
		"round":      snap.Round,
		"worker_id":  workerID,
	})
	return snap
}

func (q *Queue) process(workerID string, it *Item) {
	q.mu.Lock()
	live, inFlight := q.processing[it.ID]
	inFlight = inFlight && live.WorkerID == workerID
	cancelled := inFlight && live.Status == StatusCancelled
	if inFlight && !cancelled {
		live.Status = StatusProcessing
	}
	q.mu.Unlock()

	if !inFlight {
		// maintenance reassigned it while we were between checkpoints
		return
	}
	if cancelled {
		q.finishCancelled(workerID, it.ID)
		return
	}

	q.notifier.Publish(events.ItemProcessing, events.Payload{
		"item_id":    it.ID,
		"player_id":  it.PlayerID,
		"session_id": it.SessionID,
		"round":      it.Round,
		"worker_id":  workerID,
	})

	res, err := q.engine.Evaluate(context.Background(), it.Game, it.Prompt, it.Metadata)
	if err != nil {
		q.fail(workerID, it.ID, err)
		return
	}
	q.complete(workerID, it.ID, res)
}

func (q *Queue) complete(workerID, id string, res *eval.Result) {
	q.mu.Lock()
	it, ok := q.processing[id]
	if !ok || it.WorkerID != workerID {
		// stale completion: maintenance already handed the item elsewhere
		q.mu.Unlock()
		return
	}
	delete(q.processing, id)
	now := time.Now().UTC()
	it.CompletedAt = &now
	q.workerIdleLocked(workerID)

	if it.Status == StatusCancelled {
		// result discarded at the post-evaluation checkpoint
		q.completed[id] = it
		q.mu.Unlock()
		return
	}

	it.Status = StatusCompleted
	it.Result = res
	q.completed[id] = it
	var dur time.Duration
	if it.StartedAt != nil {
		dur = now.Sub(*it.StartedAt)
	}
	if ws, ok := q.workers[workerID]; ok {
		ws.Completed++
		ws.AvgProcessing = runningAvg(ws.AvgProcessing, ws.Completed, dur)
	}
	q.metrics.recordCompletion(now, dur)
	q.mu.Unlock()

	q.notifier.Publish(events.ItemCompleted, events.Payload{
		"item_id":          id,
		"player_id":        it.PlayerID,
		"session_id":       it.SessionID,
		"round":            it.Round,
		"game":             it.Game,
		"worker_id":        workerID,
		"raw_score":        res.RawScore,
		"normalized_score": res.NormalizedScore,
		"duration_ms":      dur.Milliseconds(),
	})
}

func (q *Queue) fail(workerID, id string, evalErr error) {
	q.mu.Lock()
	it, ok := q.processing[id]
	if !ok || it.WorkerID != workerID {
		q.mu.Unlock()
		return
	}
	delete(q.processing, id)
	q.workerIdleLocked(workerID)
	if ws, ok := q.workers[workerID]; ok {
		ws.Failed++
	}

	if it.Status == StatusCancelled {
		now := time.Now().UTC()
		it.CompletedAt = &now
		q.completed[id] = it
		q.mu.Unlock()
		return
	}

	it.Retries++
	it.Error = evalErr.Error()
	willRetry := it.Retries < it.MaxRetries
	if willRetry {
		// reinsertion keeps the original submission timestamp; it is not a
		// new submission
		it.Status = StatusQueued
		it.WorkerID = ""
		it.StartedAt = nil
		q.insertLocked(it)
		q.metrics.Retries++
	} else {
		now := time.Now().UTC()
		it.Status = StatusFailed
		it.CompletedAt = &now
		q.completed[id] = it
		q.metrics.recordFailure()
	}
	retries := it.Retries
	q.mu.Unlock()

	q.notifier.Publish(events.ItemFailed, events.Payload{
		"item_id":    id,
		"player_id":  it.PlayerID,
		"session_id": it.SessionID,
		"round":      it.Round,
		"worker_id":  workerID,
		"error":      evalErr.Error(),
		"will_retry": willRetry,
		"retries":    retries,
	})
	log.Warn().Str("item", id).Str("worker", workerID).Bool("retry", willRetry).Err(evalErr).Msg("evaluation failed")
}

func (q *Queue) finishCancelled(workerID, id string) {
	q.mu.Lock()
	if it, ok := q.processing[id]; ok && it.WorkerID == workerID {
		delete(q.processing, id)
		now := time.Now().UTC()
		it.CompletedAt = &now
		q.completed[id] = it
	}
	q.workerIdleLocked(workerID)
	q.mu.Unlock()
}

func (q *Queue) workerIdleLocked(workerID string) {
	if ws, ok := q.workers[workerID]; ok {
		ws.Status = WorkerIdle
		ws.CurrentTask = ""
	}
}

// Status returns a best-effort snapshot. The lock is only ever held for
// bookkeeping, never across evaluation, so this cannot stall the pool.
func (q *Queue) Status() Status {
	q.mu.Lock()
	defer q.mu.Unlock()

	workers := make([]WorkerStats, 0, len(q.workers))
	for _, ws := range q.workers {
		workers = append(workers, *ws)
	}
	sort.Slice(workers, func(i, j int) bool { return workers[i].ID < workers[j].ID })

	return Status{
		QueueLength:   len(q.pending),
		Processing:    len(q.processing),
		Completed:     len(q.completed),
		Workers:       workers,
		EstimatedWait: q.estimatedWaitLocked(),
		Metrics:       q.metrics.snapshot(),
	}
}

// EstimatedWait approximates how long a submission made now would sit in the
// queue: pending length over worker count, times average processing time.
func (q *Queue) EstimatedWait() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.estimatedWaitLocked()
}

func (q *Queue) estimatedWaitLocked() time.Duration {
	avg := q.metrics.AvgProcessing
	if avg <= 0 {
		return 0
	}
	n := len(q.pending)
	if w := len(q.workers); w > 0 {
		return time.Duration(int64(avg) * int64(n) / int64(w))
	}
	return time.Duration(int64(avg) * int64(n))
}

// ItemStatus returns a copy of the item wherever it currently lives.
func (q *Queue) ItemStatus(id string) (*Item, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.positionLocked(id); i >= 0 {
		return q.pending[i].clone(), true
	}
	if it, ok := q.processing[id]; ok {
		return it.clone(), true
	}
	if it, ok := q.completed[id]; ok {
		return it.clone(), true
	}
	return nil, false
}

// Position returns the item's index in the pending list, or -1.
func (q *Queue) Position(id string) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.positionLocked(id)
}

// Shutdown stops all worker loops and waits for them to exit. In-flight
// evaluations run to completion.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	for id, stop := range q.stops {
		close(stop)
		delete(q.stops, id)
	}
	q.mu.Unlock()
	q.wg.Wait()
}
