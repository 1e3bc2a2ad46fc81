package session

import (
	"errors"
	"testing"

	"github.com/kiliankoe/promptarena/internal/flow"
)

func TestCreateAndGet(t *testing.T) {
	r := NewRegistry(flow.ModeSynchronous)
	code, hostToken := r.Create(Config{Game: "haiku", Mode: flow.ModeContinuous, RoundCount: 3})
	if len(code) != 5 {
		t.Fatalf("expected a 5-char code, got %q", code)
	}
	if hostToken == "" {
		t.Fatal("expected a host token")
	}

	sess, err := r.Get(code)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sess.Config.Game != "haiku" || sess.Config.Mode != flow.ModeContinuous {
		t.Fatalf("config not stored: %+v", sess.Config)
	}
	if sess.HostToken != hostToken {
		t.Fatal("host token mismatch")
	}

	if _, err := r.Get("NOPE1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestCreateDefaultsMode(t *testing.T) {
	r := NewRegistry("")
	code, _ := r.Create(Config{Game: "haiku"})
	sess, _ := r.Get(code)
	if sess.Config.Mode != flow.ModeSynchronous {
		t.Fatalf("expected synchronous default, got %q", sess.Config.Mode)
	}
}

func TestCreateUsesConfiguredDefaultMode(t *testing.T) {
	r := NewRegistry(flow.ModeContinuous)

	// hosts who pick no mode inherit the registry's default
	code, _ := r.Create(Config{Game: "haiku"})
	sess, _ := r.Get(code)
	if sess.Config.Mode != flow.ModeContinuous {
		t.Fatalf("expected configured continuous default, got %q", sess.Config.Mode)
	}

	// an explicit host choice still wins
	code, _ = r.Create(Config{Game: "haiku", Mode: flow.ModePaced})
	sess, _ = r.Get(code)
	if sess.Config.Mode != flow.ModePaced {
		t.Fatalf("expected explicit paced mode, got %q", sess.Config.Mode)
	}
}

func TestAuthorizeHost(t *testing.T) {
	r := NewRegistry(flow.ModeSynchronous)
	code, hostToken := r.Create(Config{Game: "haiku"})
	sess, _ := r.Get(code)

	if err := sess.AuthorizeHost(hostToken); err != nil {
		t.Fatalf("valid host token rejected: %v", err)
	}
	if err := sess.AuthorizeHost("bogus"); !errors.Is(err, ErrNotHost) {
		t.Fatalf("expected ErrNotHost, got %v", err)
	}
}

func TestJoinKeepsOrderAndRejectsDuplicateNames(t *testing.T) {
	r := NewRegistry(flow.ModeSynchronous)
	code, _ := r.Create(Config{Game: "haiku"})
	sess, _ := r.Get(code)

	ids := make([]string, 0, 3)
	for _, name := range []string{"alice", "bob", "carol"} {
		id, token, err := sess.Join(name)
		if err != nil {
			t.Fatalf("join %s: %v", name, err)
		}
		if id == "" || token == "" {
			t.Fatalf("join %s returned empty credentials", name)
		}
		ids = append(ids, id)
	}

	if _, _, err := sess.Join("bob"); !errors.Is(err, ErrNameTaken) {
		t.Fatalf("expected ErrNameTaken, got %v", err)
	}

	players := sess.Players()
	if len(players) != 3 {
		t.Fatalf("expected 3 players, got %d", len(players))
	}
	for i, name := range []string{"alice", "bob", "carol"} {
		if players[i].Name != name || players[i].ID != ids[i] {
			t.Fatalf("roster order broken at %d: %+v", i, players[i])
		}
	}
}

func TestRosterMatchesJoinOrder(t *testing.T) {
	r := NewRegistry(flow.ModeSynchronous)
	code, _ := r.Create(Config{Game: "haiku", Mode: flow.ModeStaggered})
	sess, _ := r.Get(code)
	a, _, _ := sess.Join("alice")
	b, _, _ := sess.Join("bob")

	ids, mode, err := r.Roster(code)
	if err != nil {
		t.Fatalf("roster: %v", err)
	}
	if mode != flow.ModeStaggered {
		t.Fatalf("expected staggered mode, got %q", mode)
	}
	if len(ids) != 2 || ids[0] != a || ids[1] != b {
		t.Fatalf("roster order broken: %v", ids)
	}

	if _, _, err := r.Roster("NOPE1"); !errors.Is(err, ErrSessionNotFound) {
		t.Fatalf("expected ErrSessionNotFound, got %v", err)
	}
}

func TestPlayerIDByToken(t *testing.T) {
	r := NewRegistry(flow.ModeSynchronous)
	code, _ := r.Create(Config{Game: "haiku"})
	sess, _ := r.Get(code)
	id, token, _ := sess.Join("alice")

	if got := sess.PlayerIDByToken(token); got != id {
		t.Fatalf("token resolved to %q, want %q", got, id)
	}
	if got := sess.PlayerIDByToken("bogus"); got != "" {
		t.Fatalf("bogus token resolved to %q", got)
	}
}
