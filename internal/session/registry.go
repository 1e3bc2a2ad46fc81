package session

import (
	"errors"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiliankoe/promptarena/internal/flow"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrNotHost         = errors.New("not host")
	ErrNameTaken       = errors.New("player name taken")
)

// Config is the host-chosen setup for one session.
type Config struct {
	Game       string    `json:"game"`
	Mode       flow.Mode `json:"mode"`
	RoundCount int       `json:"roundCount"`
}

type Player struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	JoinedAt time.Time `json:"joinedAt"`
}

// Session holds the participant roster for one competition. Players keep
// join order; the flow manager relies on that ordering.
type Session struct {
	Code      string
	CreatedAt time.Time
	Config    Config

	HostToken string

	mu             sync.Mutex
	players        []*Player // join order
	playersByToken map[string]*Player
}

// Registry tracks all live sessions. It implements flow.Directory.
type Registry struct {
	defaultMode flow.Mode

	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewRegistry creates a registry whose sessions fall back to defaultMode
// when the host does not choose one.
func NewRegistry(defaultMode flow.Mode) *Registry {
	if defaultMode == "" {
		defaultMode = flow.ModeSynchronous
	}
	return &Registry{defaultMode: defaultMode, sessions: make(map[string]*Session)}
}

func (r *Registry) Create(cfg Config) (code string, hostToken string) {
	if cfg.Mode == "" {
		cfg.Mode = r.defaultMode
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	code = randomCode(5)
	for r.sessions[code] != nil {
		code = randomCode(5)
	}
	hostToken = uuid.NewString()
	r.sessions[code] = &Session{
		Code:           code,
		CreatedAt:      time.Now().UTC(),
		Config:         cfg,
		HostToken:      hostToken,
		playersByToken: make(map[string]*Player),
	}
	return code, hostToken
}

func (r *Registry) Get(code string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s := r.sessions[code]
	if s == nil {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Roster supplies the ordered player ids and the configured flow mode.
func (r *Registry) Roster(code string) ([]string, flow.Mode, error) {
	s, err := r.Get(code)
	if err != nil {
		return nil, "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, len(s.players))
	for i, p := range s.players {
		ids[i] = p.ID
	}
	return ids, s.Config.Mode, nil
}

// Join adds a player and returns their id and reconnect token.
func (s *Session) Join(name string) (playerID, playerToken string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.players {
		if p.Name == name {
			return "", "", ErrNameTaken
		}
	}
	p := &Player{ID: uuid.NewString(), Name: name, JoinedAt: time.Now().UTC()}
	token := uuid.NewString()
	s.players = append(s.players, p)
	s.playersByToken[token] = p
	return p.ID, token, nil
}

// AuthorizeHost verifies a host token.
func (s *Session) AuthorizeHost(token string) error {
	if token != s.HostToken {
		return ErrNotHost
	}
	return nil
}

// PlayerIDByToken resolves a reconnect token, returning "" when unknown.
func (s *Session) PlayerIDByToken(token string) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p := s.playersByToken[token]; p != nil {
		return p.ID
	}
	return ""
}

// Players returns a copy of the roster in join order.
func (s *Session) Players() []Player {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Player, len(s.players))
	for i, p := range s.players {
		out[i] = *p
	}
	return out
}

func randomCode(n int) string {
	letters := []rune("ABCDEFGHJKLMNPQRSTUVWXYZ23456789")
	b := make([]rune, n)
	for i := range b {
		b[i] = letters[rand.Intn(len(letters))]
	}
	return string(b)
}
