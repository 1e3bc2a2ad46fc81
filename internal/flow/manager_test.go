package flow

import (
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/kiliankoe/promptarena/internal/events"
	"github.com/kiliankoe/promptarena/internal/queue"
)

type fakeQueue struct {
	mu      sync.Mutex
	submits int
	wait    time.Duration
}

func (f *fakeQueue) Submit(playerID, sessionID string, round int, game, prompt string, prio queue.Priority, meta map[string]string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submits++
	return fmt.Sprintf("item-%d", f.submits)
}

func (f *fakeQueue) EstimatedWait() time.Duration { return f.wait }

type fakeDir struct {
	players []string
	mode    Mode
}

func (d fakeDir) Roster(string) ([]string, Mode, error) {
	if len(d.players) == 0 {
		return nil, d.mode, errors.New("session not found")
	}
	return d.players, d.mode, nil
}

type recorder struct {
	mu   sync.Mutex
	seen []string
}

func (r *recorder) handle(event string, _ events.Payload) {
	r.mu.Lock()
	r.seen = append(r.seen, event)
	r.mu.Unlock()
}

func (r *recorder) count(event string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, e := range r.seen {
		if e == event {
			n++
		}
	}
	return n
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func setup(mode Mode, players ...string) (*Manager, *events.InProc, *recorder) {
	n := events.NewInProc()
	rec := &recorder{}
	n.Subscribe(events.Wildcard, rec.handle)
	m := NewManager(&fakeQueue{}, fakeDir{players: players, mode: mode}, n)
	return m, n, rec
}

func completedPayload(session, player string, round int) events.Payload {
	return events.Payload{
		"session_id":       session,
		"player_id":        player,
		"round":            round,
		"item_id":          "item-x",
		"normalized_score": 0.8,
	}
}

func TestStartRoundInitializesWriting(t *testing.T) {
	m, _, rec := setup(ModeSynchronous, "alice", "bob")

	if err := m.StartRound("ROOM1", 1, time.Minute); err != nil {
		t.Fatalf("start round: %v", err)
	}
	for _, p := range []string{"alice", "bob"} {
		st, ok := m.PlayerState("ROOM1", p, 1)
		if !ok || st.Status != StatusWriting {
			t.Fatalf("expected %s in writing, got %+v", p, st)
		}
	}
	waitFor(t, "round_started event", func() bool { return rec.count(events.RoundStarted) == 1 })

	if err := m.StartRound("ROOM1", 1, 0); !errors.Is(err, ErrRoundActive) {
		t.Fatalf("expected ErrRoundActive, got %v", err)
	}
}

func TestStartRoundEmptyRoster(t *testing.T) {
	n := events.NewInProc()
	m := NewManager(&fakeQueue{}, fakeDir{}, n)
	if err := m.StartRound("NOPE", 1, 0); err == nil {
		t.Fatal("expected error for unknown session")
	}
}

func TestSubmitPromptTransitions(t *testing.T) {
	m, _, _ := setup(ModeSynchronous, "alice")
	m.StartRound("ROOM1", 1, 0)

	res, err := m.SubmitPrompt("ROOM1", "alice", 1, "haiku", "an autumn evening", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.ItemID == "" {
		t.Fatal("expected an item id")
	}
	if res.NextAction != "" {
		t.Fatal("synchronous mode should suggest activities, not watch_live")
	}

	st, _ := m.PlayerState("ROOM1", "alice", 1)
	if st.Status != StatusSubmitted || st.SubmittedAt == nil || st.Prompt == "" {
		t.Fatalf("unexpected state after submit: %+v", st)
	}

	// duplicate submission is rejected explicitly, never silently ignored
	if _, err := m.SubmitPrompt("ROOM1", "alice", 1, "haiku", "again", nil); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("expected ErrInvalidTransition, got %v", err)
	}
	st, _ = m.PlayerState("ROOM1", "alice", 1)
	if st.Prompt != "an autumn evening" {
		t.Fatal("rejected submission must not mutate state")
	}

	if _, err := m.SubmitPrompt("ROOM1", "nobody", 1, "haiku", "x", nil); !errors.Is(err, ErrUnknownPlayer) {
		t.Fatalf("expected ErrUnknownPlayer, got %v", err)
	}
}

func TestContinuousModeWatchLive(t *testing.T) {
	m, _, _ := setup(ModeContinuous, "alice")
	m.StartRound("ROOM1", 1, 0)

	res, err := m.SubmitPrompt("ROOM1", "alice", 1, "haiku", "x", nil)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if res.NextAction != "watch_live" {
		t.Fatalf("continuous mode should return watch_live, got %q", res.NextAction)
	}
	if len(res.Activities) != 0 {
		t.Fatal("continuous mode should not suggest waiting activities")
	}
}

func TestEvaluationLifecycle(t *testing.T) {
	m, n, rec := setup(ModeSynchronous, "alice")
	m.StartRound("ROOM1", 1, 0)
	m.SubmitPrompt("ROOM1", "alice", 1, "haiku", "x", nil)

	n.Publish(events.ItemProcessing, events.Payload{
		"session_id": "ROOM1", "player_id": "alice", "round": 1, "worker_id": "w1",
	})
	waitFor(t, "evaluating", func() bool {
		st, _ := m.PlayerState("ROOM1", "alice", 1)
		return st.Status == StatusEvaluating && st.EvalStartedAt != nil
	})

	n.Publish(events.ItemCompleted, completedPayload("ROOM1", "alice", 1))
	waitFor(t, "completed", func() bool {
		st, _ := m.PlayerState("ROOM1", "alice", 1)
		return st.Status == StatusCompleted
	})

	st, _ := m.PlayerState("ROOM1", "alice", 1)
	if st.Score != 0.8 {
		t.Fatalf("expected score 0.8, got %f", st.Score)
	}
	if st.EvalCompletedAt.Before(*st.EvalStartedAt) {
		t.Fatal("timestamps must be monotonically non-decreasing")
	}
	waitFor(t, "evaluation_completed event", func() bool { return rec.count(events.EvaluationCompleted) == 1 })
	waitFor(t, "round_completed event", func() bool { return rec.count(events.RoundCompleted) == 1 })
}

func TestRoundCompletionRequiresAllTerminal(t *testing.T) {
	m, n, rec := setup(ModeSynchronous, "a", "b", "c")
	m.StartRound("ROOM1", 1, 0)
	for _, p := range []string{"a", "b", "c"} {
		m.SubmitPrompt("ROOM1", p, 1, "haiku", "x", nil)
	}

	n.Publish(events.ItemCompleted, completedPayload("ROOM1", "a", 1))
	n.Publish(events.ItemCompleted, completedPayload("ROOM1", "b", 1))
	waitFor(t, "two completions", func() bool {
		sa, _ := m.PlayerState("ROOM1", "a", 1)
		sb, _ := m.PlayerState("ROOM1", "b", 1)
		return sa.Status == StatusCompleted && sb.Status == StatusCompleted
	})
	if rec.count(events.RoundCompleted) != 0 {
		t.Fatal("round_completed must not fire before all players are terminal")
	}

	// a terminal failure still counts towards completion
	n.Publish(events.ItemFailed, events.Payload{
		"session_id": "ROOM1", "player_id": "c", "round": 1,
		"error": "model unavailable", "will_retry": false,
	})
	waitFor(t, "round_completed", func() bool { return rec.count(events.RoundCompleted) == 1 })

	sc, _ := m.PlayerState("ROOM1", "c", 1)
	if sc.Status != StatusError || sc.Error == "" {
		t.Fatalf("expected error state with message, got %+v", sc)
	}
}

func TestRetryingFailureKeepsEvaluating(t *testing.T) {
	m, n, _ := setup(ModeSynchronous, "alice")
	m.StartRound("ROOM1", 1, 0)
	m.SubmitPrompt("ROOM1", "alice", 1, "haiku", "x", nil)
	n.Publish(events.ItemProcessing, events.Payload{
		"session_id": "ROOM1", "player_id": "alice", "round": 1,
	})
	waitFor(t, "evaluating", func() bool {
		st, _ := m.PlayerState("ROOM1", "alice", 1)
		return st.Status == StatusEvaluating
	})

	n.Publish(events.ItemFailed, events.Payload{
		"session_id": "ROOM1", "player_id": "alice", "round": 1,
		"error": "transient", "will_retry": true,
	})
	// give the handler a moment; the state must not move to error
	time.Sleep(50 * time.Millisecond)
	st, _ := m.PlayerState("ROOM1", "alice", 1)
	if st.Status != StatusEvaluating {
		t.Fatalf("retrying failure must keep the player evaluating, got %s", st.Status)
	}
}

func TestContinuousModePlayerAdvance(t *testing.T) {
	m, n, rec := setup(ModeContinuous, "a", "b")
	m.StartRound("ROOM1", 1, 0)
	m.SubmitPrompt("ROOM1", "a", 1, "haiku", "x", nil)
	m.SubmitPrompt("ROOM1", "b", 1, "haiku", "y", nil)

	n.Publish(events.ItemCompleted, completedPayload("ROOM1", "a", 1))
	waitFor(t, "player_advance for a", func() bool { return rec.count(events.PlayerAdvance) == 1 })
	if rec.count(events.RoundCompleted) != 0 {
		t.Fatal("cohort completion must wait for all players")
	}

	n.Publish(events.ItemCompleted, completedPayload("ROOM1", "b", 1))
	waitFor(t, "player_advance for b", func() bool { return rec.count(events.PlayerAdvance) == 2 })
	waitFor(t, "round_completed", func() bool { return rec.count(events.RoundCompleted) == 1 })
}

func TestMarkViewing(t *testing.T) {
	m, n, _ := setup(ModeSynchronous, "a", "b")
	m.StartRound("ROOM1", 1, 0)
	m.SubmitPrompt("ROOM1", "a", 1, "haiku", "x", nil)

	if err := m.MarkViewing("ROOM1", "a", 1); !errors.Is(err, ErrInvalidTransition) {
		t.Fatalf("viewing before completion should be rejected, got %v", err)
	}

	n.Publish(events.ItemCompleted, completedPayload("ROOM1", "a", 1))
	waitFor(t, "completed", func() bool {
		st, _ := m.PlayerState("ROOM1", "a", 1)
		return st.Status == StatusCompleted
	})
	if err := m.MarkViewing("ROOM1", "a", 1); err != nil {
		t.Fatalf("viewing after completion: %v", err)
	}
	st, _ := m.PlayerState("ROOM1", "a", 1)
	if st.Status != StatusViewing {
		t.Fatalf("expected viewing, got %s", st.Status)
	}
}

func TestRecordEngagement(t *testing.T) {
	m, _, _ := setup(ModeSynchronous, "alice")
	m.StartRound("ROOM1", 1, 0)

	if err := m.RecordEngagement("ROOM1", "alice", 1, "trivia-sprint", 0.5); err != nil {
		t.Fatalf("record engagement: %v", err)
	}
	st, _ := m.PlayerState("ROOM1", "alice", 1)
	if st.Engagement != 2.5 {
		t.Fatalf("expected 2.5 engagement points, got %f", st.Engagement)
	}

	// fraction is clamped
	if err := m.RecordEngagement("ROOM1", "alice", 1, "trivia-sprint", 7); err != nil {
		t.Fatalf("record engagement: %v", err)
	}
	st, _ = m.PlayerState("ROOM1", "alice", 1)
	if st.Engagement != 7.5 {
		t.Fatalf("expected 7.5 after clamped full completion, got %f", st.Engagement)
	}

	if err := m.RecordEngagement("ROOM1", "alice", 1, "nope", 1); !errors.Is(err, ErrUnknownActivity) {
		t.Fatalf("expected ErrUnknownActivity, got %v", err)
	}
}

func TestSelectActivitiesFitsWait(t *testing.T) {
	got := selectActivities(defaultActivities, 40*time.Second)
	for _, a := range got {
		if a.Seconds > 40 {
			t.Fatalf("activity %s (%ds) exceeds the 40s wait", a.ID, a.Seconds)
		}
	}
	if len(got) != 3 {
		t.Fatalf("expected 3 activities under 40s, got %d", len(got))
	}

	cold := selectActivities(defaultActivities, 0)
	for _, a := range cold {
		if a.Seconds > 30 {
			t.Fatalf("cold queue should only offer quick fillers, got %s", a.ID)
		}
	}
	if len(cold) == 0 {
		t.Fatal("cold queue should still offer something")
	}
}
