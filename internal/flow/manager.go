package flow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/promptarena/internal/events"
	"github.com/kiliankoe/promptarena/internal/queue"
)

var (
	ErrUnknownPlayer     = errors.New("no state for player in round")
	ErrRoundActive       = errors.New("round already started")
	ErrInvalidTransition = errors.New("invalid state transition")
	ErrUnknownActivity   = errors.New("unknown activity")
	ErrEmptyRoster       = errors.New("empty roster")
)

// Directory supplies the ordered player roster and the configured flow mode
// when a round starts.
type Directory interface {
	Roster(sessionCode string) (players []string, mode Mode, err error)
}

// Enqueuer is the slice of the evaluation queue the flow manager needs.
// *queue.Queue satisfies it.
type Enqueuer interface {
	Submit(playerID, sessionID string, round int, game, prompt string, prio queue.Priority, meta map[string]string) string
	EstimatedWait() time.Duration
}

type stateKey struct {
	session string
	player  string
	round   int
}

type roundKey struct {
	session string
	round   int
}

type roundInfo struct {
	StartedAt time.Time
	TimeLimit time.Duration
	Mode      Mode
	Players   []string
	emitted   bool
}

// Manager drives each participant through the write → submit → evaluate →
// complete lifecycle and decides when a round may advance. It owns all
// PlayerRoundState storage; queue internals are only touched through the
// queue's public operations.
type Manager struct {
	enq      Enqueuer
	notifier events.Notifier
	dir      Directory

	mu         sync.Mutex
	states     map[stateKey]*PlayerRoundState
	rounds     map[roundKey]*roundInfo
	activities []Activity
}

func NewManager(enq Enqueuer, dir Directory, notifier events.Notifier) *Manager {
	m := &Manager{
		enq:        enq,
		notifier:   notifier,
		dir:        dir,
		states:     make(map[stateKey]*PlayerRoundState),
		rounds:     make(map[roundKey]*roundInfo),
		activities: defaultActivities,
	}
	notifier.Subscribe(events.ItemProcessing, m.onItemProcessing)
	notifier.Subscribe(events.ItemCompleted, m.onItemCompleted)
	notifier.Subscribe(events.ItemFailed, m.onItemFailed)
	return m
}

// StartRound initializes one PlayerRoundState per roster player in WRITING
// and records the round start time. timeLimit of zero means unlimited.
func (m *Manager) StartRound(sessionCode string, round int, timeLimit time.Duration) error {
	players, mode, err := m.dir.Roster(sessionCode)
	if err != nil {
		return err
	}
	if len(players) == 0 {
		return ErrEmptyRoster
	}

	rk := roundKey{sessionCode, round}
	m.mu.Lock()
	if _, active := m.rounds[rk]; active {
		m.mu.Unlock()
		return fmt.Errorf("%w: session %s round %d", ErrRoundActive, sessionCode, round)
	}
	now := time.Now().UTC()
	m.rounds[rk] = &roundInfo{StartedAt: now, TimeLimit: timeLimit, Mode: mode, Players: players}
	for _, p := range players {
		m.states[stateKey{sessionCode, p, round}] = &PlayerRoundState{
			PlayerID:  p,
			SessionID: sessionCode,
			Round:     round,
			Status:    StatusWriting,
		}
	}
	m.mu.Unlock()

	m.notifier.Publish(events.RoundStarted, events.Payload{
		"session_id":   sessionCode,
		"round":        round,
		"mode":         string(mode),
		"players":      strings.Join(players, ","),
		"player_count": len(players),
		"time_limit_s": int(timeLimit.Seconds()),
	})
	log.Info().Str("session", sessionCode).Int("round", round).Int("players", len(players)).Msg("round started")
	return nil
}

// SubmitPrompt accepts a player's submission, forwards it to the evaluation
// queue at normal priority, and tells the player what to do while waiting.
// Valid only while the player is WRITING; anything else is rejected with an
// explicit error and no state change.
func (m *Manager) SubmitPrompt(sessionCode, playerID string, round int, game, prompt string, gameCtx map[string]string) (*SubmitResult, error) {
	sk := stateKey{sessionCode, playerID, round}
	m.mu.Lock()
	st, ok := m.states[sk]
	if !ok {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: %s round %d", ErrUnknownPlayer, playerID, round)
	}
	if st.Status != StatusWriting {
		m.mu.Unlock()
		return nil, fmt.Errorf("%w: submit while %s", ErrInvalidTransition, st.Status)
	}
	now := time.Now().UTC()
	st.Prompt = prompt
	st.SubmittedAt = &now
	st.Status = StatusSubmitted
	mode := m.rounds[roundKey{sessionCode, round}].Mode
	m.mu.Unlock()

	itemID := m.enq.Submit(playerID, sessionCode, round, game, prompt, queue.PriorityNormal, gameCtx)

	m.mu.Lock()
	st.ItemID = itemID
	m.mu.Unlock()

	m.notifier.Publish(events.PromptSubmitted, events.Payload{
		"session_id": sessionCode,
		"player_id":  playerID,
		"round":      round,
		"item_id":    itemID,
	})

	res := &SubmitResult{ItemID: itemID}
	if mode.perPlayer() {
		res.NextAction = "watch_live"
	} else {
		res.Activities = selectActivities(m.activities, m.enq.EstimatedWait())
	}
	return res, nil
}

// MarkViewing moves a COMPLETED player into the VIEWING state while the rest
// of the round is still in progress.
func (m *Manager) MarkViewing(sessionCode, playerID string, round int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey{sessionCode, playerID, round}]
	if !ok {
		return fmt.Errorf("%w: %s round %d", ErrUnknownPlayer, playerID, round)
	}
	if st.Status != StatusCompleted {
		return fmt.Errorf("%w: view while %s", ErrInvalidTransition, st.Status)
	}
	st.Status = StatusViewing
	return nil
}

// RecordEngagement awards activity points scaled by the completed fraction.
// It never affects round-completion logic.
func (m *Manager) RecordEngagement(sessionCode, playerID string, round int, activityID string, fraction float64) error {
	var points float64
	found := false
	for _, a := range m.activities {
		if a.ID == activityID {
			points = a.EngagementPoints
			found = true
			break
		}
	}
	if !found {
		return fmt.Errorf("%w: %s", ErrUnknownActivity, activityID)
	}
	if fraction < 0 {
		fraction = 0
	} else if fraction > 1 {
		fraction = 1
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey{sessionCode, playerID, round}]
	if !ok {
		return fmt.Errorf("%w: %s round %d", ErrUnknownPlayer, playerID, round)
	}
	st.Engagement += points * fraction
	return nil
}

// RoundStates returns copies of all player states for a round, in roster
// order, for showcase/summary reads.
func (m *Manager) RoundStates(sessionCode string, round int) []PlayerRoundState {
	m.mu.Lock()
	defer m.mu.Unlock()
	ri, ok := m.rounds[roundKey{sessionCode, round}]
	if !ok {
		return nil
	}
	out := make([]PlayerRoundState, 0, len(ri.Players))
	for _, p := range ri.Players {
		if st, ok := m.states[stateKey{sessionCode, p, round}]; ok {
			out = append(out, *st)
		}
	}
	return out
}

// PlayerState returns a copy of one player's state.
func (m *Manager) PlayerState(sessionCode, playerID string, round int) (PlayerRoundState, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.states[stateKey{sessionCode, playerID, round}]
	if !ok {
		return PlayerRoundState{}, false
	}
	return *st, true
}

// ── queue event reactions ──

func (m *Manager) onItemProcessing(_ string, p events.Payload) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stateForLocked(p)
	if !ok || st.Status != StatusSubmitted {
		return
	}
	now := time.Now().UTC()
	st.Status = StatusEvaluating
	st.EvalStartedAt = &now
}

func (m *Manager) onItemCompleted(_ string, p events.Payload) {
	session := pstr(p, "session_id")
	round := pint(p, "round")

	m.mu.Lock()
	st, ok := m.stateForLocked(p)
	if !ok || st.Status.terminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	if st.EvalStartedAt == nil {
		// completion can outrun the processing event; keep timestamps ordered
		st.EvalStartedAt = &now
	}
	st.Status = StatusCompleted
	st.EvalCompletedAt = &now
	st.ItemID = pstr(p, "item_id")
	st.Score = pfloat(p, "normalized_score")
	perPlayer := m.rounds[roundKey{session, round}].Mode.perPlayer()
	player := st.PlayerID
	score := st.Score
	m.mu.Unlock()

	m.notifier.Publish(events.EvaluationCompleted, events.Payload{
		"session_id":       session,
		"player_id":        player,
		"round":            round,
		"item_id":          pstr(p, "item_id"),
		"normalized_score": score,
	})
	if perPlayer {
		m.notifier.Publish(events.PlayerAdvance, events.Payload{
			"session_id":       session,
			"player_id":        player,
			"round":            round,
			"normalized_score": score,
		})
	}
	m.checkRoundComplete(session, round)
}

func (m *Manager) onItemFailed(_ string, p events.Payload) {
	if pbool(p, "will_retry") {
		return // still evaluating from the player's perspective
	}
	session := pstr(p, "session_id")
	round := pint(p, "round")

	m.mu.Lock()
	st, ok := m.stateForLocked(p)
	if !ok || st.Status.terminal() {
		m.mu.Unlock()
		return
	}
	now := time.Now().UTC()
	if st.EvalStartedAt == nil {
		st.EvalStartedAt = &now
	}
	st.Status = StatusError
	st.Error = pstr(p, "error")
	st.EvalCompletedAt = &now
	m.mu.Unlock()

	m.checkRoundComplete(session, round)
}

func (m *Manager) stateForLocked(p events.Payload) (*PlayerRoundState, bool) {
	st, ok := m.states[stateKey{pstr(p, "session_id"), pstr(p, "player_id"), pint(p, "round")}]
	return st, ok
}

// checkRoundComplete fires round_completed exactly once, when every tracked
// player state for the round is terminal.
func (m *Manager) checkRoundComplete(sessionCode string, round int) {
	rk := roundKey{sessionCode, round}
	m.mu.Lock()
	ri, ok := m.rounds[rk]
	if !ok || ri.emitted {
		m.mu.Unlock()
		return
	}
	breakdown := make([]map[string]any, 0, len(ri.Players))
	for _, p := range ri.Players {
		st, ok := m.states[stateKey{sessionCode, p, round}]
		if !ok || !st.Status.terminal() {
			m.mu.Unlock()
			return
		}
		entry := map[string]any{
			"player_id":  p,
			"status":     string(st.Status),
			"score":      st.Score,
			"engagement": st.Engagement,
		}
		if st.SubmittedAt != nil {
			entry["writing_ms"] = st.SubmittedAt.Sub(ri.StartedAt).Milliseconds()
		}
		if st.EvalStartedAt != nil && st.EvalCompletedAt != nil {
			entry["evaluating_ms"] = st.EvalCompletedAt.Sub(*st.EvalStartedAt).Milliseconds()
		}
		breakdown = append(breakdown, entry)
	}
	ri.emitted = true
	m.mu.Unlock()

	data, _ := json.Marshal(breakdown)
	m.notifier.Publish(events.RoundCompleted, events.Payload{
		"session_id": sessionCode,
		"round":      round,
		"players":    string(data),
	})
	log.Info().Str("session", sessionCode).Int("round", round).Msg("round completed")
}

// ── payload helpers ──

func pstr(p events.Payload, k string) string {
	s, _ := p[k].(string)
	return s
}

func pint(p events.Payload, k string) int {
	switch v := p[k].(type) {
	case int:
		return v
	case int64:
		return int(v)
	case float64:
		return int(v)
	}
	return 0
}

func pfloat(p events.Payload, k string) float64 {
	switch v := p[k].(type) {
	case float64:
		return v
	case int:
		return float64(v)
	}
	return 0
}

func pbool(p events.Payload, k string) bool {
	b, _ := p[k].(bool)
	return b
}
