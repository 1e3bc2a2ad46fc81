package events

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// Event names published by the scheduler and flow manager.
const (
	ItemQueued          = "item_queued"
	ItemAssigned        = "item_assigned"
	ItemProcessing      = "item_processing"
	ItemCompleted       = "item_completed"
	ItemFailed          = "item_failed"
	WorkerRegistered    = "worker_registered"
	WorkerRemoved       = "worker_removed"
	RoundStarted        = "round_started"
	PromptSubmitted     = "prompt_submitted"
	EvaluationCompleted = "evaluation_completed"
	RoundCompleted      = "round_completed"
	PlayerAdvance       = "player_advance"
)

// Wildcard subscribes a handler to every event.
const Wildcard = "*"

// Payload is a flat map of primitive values describing one event.
type Payload map[string]any

// Handler receives a single event. Handlers run on their own goroutine and
// must not assume ordering relative to other handlers.
type Handler func(event string, payload Payload)

// Notifier is a fire-and-forget publish/subscribe capability. Delivery is
// at-most-once; a failing handler never blocks or crashes the publisher.
type Notifier interface {
	Subscribe(event string, h Handler)
	Publish(event string, payload Payload)
}

// InProc is the in-process Notifier used by the scheduler and flow manager.
type InProc struct {
	mu       sync.RWMutex
	handlers map[string][]Handler
}

func NewInProc() *InProc {
	return &InProc{handlers: make(map[string][]Handler)}
}

func (n *InProc) Subscribe(event string, h Handler) {
	if h == nil {
		return
	}
	n.mu.Lock()
	n.handlers[event] = append(n.handlers[event], h)
	n.mu.Unlock()
}

// Publish stamps the payload with an RFC3339 timestamp (unless the caller
// already set one) and dispatches it to all matching handlers concurrently.
func (n *InProc) Publish(event string, payload Payload) {
	if payload == nil {
		payload = Payload{}
	}
	if _, ok := payload["timestamp"]; !ok {
		payload["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	}

	n.mu.RLock()
	hs := make([]Handler, 0, len(n.handlers[event])+len(n.handlers[Wildcard]))
	hs = append(hs, n.handlers[event]...)
	hs = append(hs, n.handlers[Wildcard]...)
	n.mu.RUnlock()

	for _, h := range hs {
		go func(h Handler) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Str("event", event).Interface("panic", r).Msg("event handler panicked")
				}
			}()
			h(event, payload)
		}(h)
	}
}
