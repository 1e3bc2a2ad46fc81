package queue

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/promptarena/internal/events"
)

// StartMaintenance runs the periodic maintenance loop until ctx is
// cancelled. Call it on its own goroutine from the composition root.
func (q *Queue) StartMaintenance(ctx context.Context) {
	ticker := time.NewTicker(q.cfg.MaintenanceInterval)
	defer ticker.Stop()

	log.Info().Dur("interval", q.cfg.MaintenanceInterval).Msg("queue maintenance started")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("queue maintenance stopped")
			return
		case <-ticker.C:
			q.maintain(time.Now().UTC())
		}
	}
}

type removedWorker struct {
	id       string
	requeued string
}

// maintain evicts aged completed items, removes stale workers (requeueing
// their in-flight item at the front of the queue) and refreshes aggregates.
func (q *Queue) maintain(now time.Time) {
	q.mu.Lock()

	evicted := 0
	cutoff := now.Add(-q.cfg.Retention)
	for id, it := range q.completed {
		if it.CompletedAt != nil && it.CompletedAt.Before(cutoff) {
			delete(q.completed, id)
			evicted++
		}
	}

	var removed []removedWorker
	for id, ws := range q.workers {
		if now.Sub(ws.LastHeartbeat) < q.cfg.HeartbeatTTL {
			continue
		}
		rm := removedWorker{id: id}
		if ws.CurrentTask != "" {
			if it, ok := q.processing[ws.CurrentTask]; ok {
				delete(q.processing, ws.CurrentTask)
				// front of the queue regardless of priority, to bound
				// recovery latency; retry count is untouched
				it.Status = StatusQueued
				it.WorkerID = ""
				it.StartedAt = nil
				q.pending = append([]*Item{it}, q.pending...)
				rm.requeued = it.ID
			}
		}
		delete(q.workers, id)
		if stop, ok := q.stops[id]; ok {
			close(stop)
			delete(q.stops, id)
		}
		removed = append(removed, rm)
	}

	q.metrics.refresh(now)
	q.mu.Unlock()

	if evicted > 0 {
		log.Debug().Int("evicted", evicted).Msg("evicted aged completed items")
	}
	for _, rm := range removed {
		q.notifier.Publish(events.WorkerRemoved, events.Payload{
			"worker_id":     rm.id,
			"requeued_item": rm.requeued,
		})
		log.Warn().Str("worker", rm.id).Str("requeued", rm.requeued).Msg("removed stale worker")
	}
}
