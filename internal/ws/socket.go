package ws

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	socketio "github.com/googollee/go-socket.io"
	"github.com/rs/zerolog/log"

	"github.com/kiliankoe/promptarena/internal/events"
	"github.com/kiliankoe/promptarena/internal/flow"
	"github.com/kiliankoe/promptarena/internal/session"
)

type ConnCtx struct {
	Code     string
	Token    string
	PlayerID string
	Role     string // "host" | "player"
}

// Server bridges the scheduler's event stream onto socket.io rooms (one room
// per session code) and accepts round actions from connected players.
type Server struct {
	registry *session.Registry
	flow     *flow.Manager
	notifier events.Notifier

	mu      sync.Mutex
	members map[string]map[string]socketio.Conn // sessionCode -> socketID -> Conn
}

func New(registry *session.Registry, fm *flow.Manager, notifier events.Notifier) *Server {
	return &Server{
		registry: registry,
		flow:     fm,
		notifier: notifier,
		members:  make(map[string]map[string]socketio.Conn),
	}
}

// Mount attaches the socket.io server to the Gin engine and subscribes to
// the scheduler's events.
func (srv *Server) Mount(r *gin.Engine) *socketio.Server {
	io := socketio.NewServer(nil)

	io.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&ConnCtx{})
		log.Info().Str("sid", s.ID()).Msg("socket connected")
		return nil
	})

	// session:create (host)
	io.OnEvent("/", "session:create", func(s socketio.Conn, payload struct {
		Config session.Config `json:"config"`
	}) map[string]any {
		code, hostToken := srv.registry.Create(payload.Config)
		s.SetContext(&ConnCtx{Code: code, Token: hostToken, Role: "host"})
		s.Join(code)
		srv.addMember(code, s)
		log.Info().Str("sid", s.ID()).Str("code", code).Msg("session:create")
		return map[string]any{"sessionCode": code, "hostToken": hostToken}
	})

	// session:join
	io.OnEvent("/", "session:join", func(s socketio.Conn, payload struct {
		SessionCode string `json:"sessionCode"`
		Name        string `json:"name"`
	}) map[string]any {
		sess, err := srv.registry.Get(payload.SessionCode)
		if err != nil {
			return srv.err(s, "session_not_found", "Session not found")
		}
		playerID, playerToken, err := sess.Join(payload.Name)
		if err != nil {
			return srv.err(s, "bad_request", err.Error())
		}
		s.SetContext(&ConnCtx{Code: payload.SessionCode, Token: playerToken, PlayerID: playerID, Role: "player"})
		s.Join(payload.SessionCode)
		srv.addMember(payload.SessionCode, s)
		log.Info().Str("sid", s.ID()).Str("code", payload.SessionCode).Str("playerId", playerID).Msg("session:join")
		return map[string]any{"playerToken": playerToken, "playerId": playerID}
	})

	// session:resume (reconnection)
	io.OnEvent("/", "session:resume", func(s socketio.Conn, payload struct {
		SessionCode string `json:"sessionCode"`
		Role        string `json:"role"`
		Token       string `json:"token"`
	}) map[string]any {
		sess, err := srv.registry.Get(payload.SessionCode)
		if err != nil {
			return srv.err(s, "session_not_found", "Session not found")
		}
		ctx := &ConnCtx{Code: payload.SessionCode, Token: payload.Token, Role: payload.Role}
		if payload.Role == "host" {
			if err := sess.AuthorizeHost(payload.Token); err != nil {
				return srv.err(s, "unauthorized", "Invalid host token")
			}
		} else {
			id := sess.PlayerIDByToken(payload.Token)
			if id == "" {
				return srv.err(s, "unauthorized", "Invalid player token")
			}
			ctx.PlayerID = id
		}
		s.SetContext(ctx)
		s.Join(payload.SessionCode)
		srv.addMember(payload.SessionCode, s)
		log.Info().Str("sid", s.ID()).Str("code", payload.SessionCode).Str("role", payload.Role).Msg("session:resume")
		return map[string]any{"ok": true, "playerId": ctx.PlayerID}
	})

	// round:start (host)
	io.OnEvent("/", "round:start", func(s socketio.Conn, payload struct {
		Round      int `json:"round"`
		TimeLimitS int `json:"timeLimitS"`
	}) map[string]any {
		ctx := s.Context().(*ConnCtx)
		sess, err := srv.registry.Get(ctx.Code)
		if err != nil {
			return srv.err(s, "session_not_found", "Session not found")
		}
		if err := sess.AuthorizeHost(ctx.Token); err != nil {
			return srv.err(s, "unauthorized", "Not host")
		}
		if err := srv.flow.StartRound(ctx.Code, payload.Round, time.Duration(payload.TimeLimitS)*time.Second); err != nil {
			return srv.err(s, "bad_request", err.Error())
		}
		return map[string]any{"ok": true}
	})

	// round:submit
	io.OnEvent("/", "round:submit", func(s socketio.Conn, payload struct {
		Round   int               `json:"round"`
		Prompt  string            `json:"prompt"`
		Context map[string]string `json:"context"`
	}) map[string]any {
		ctx := s.Context().(*ConnCtx)
		sess, err := srv.registry.Get(ctx.Code)
		if err != nil {
			return srv.err(s, "session_not_found", "Session not found")
		}
		res, err := srv.flow.SubmitPrompt(ctx.Code, ctx.PlayerID, payload.Round, sess.Config.Game, payload.Prompt, payload.Context)
		if err != nil {
			return srv.err(s, "bad_request", err.Error())
		}
		log.Info().Str("code", ctx.Code).Str("playerId", ctx.PlayerID).Int("round", payload.Round).Msg("round:submit")
		return map[string]any{"itemId": res.ItemID, "activities": res.Activities, "nextAction": res.NextAction}
	})

	// round:viewing
	io.OnEvent("/", "round:viewing", func(s socketio.Conn, payload struct {
		Round int `json:"round"`
	}) map[string]any {
		ctx := s.Context().(*ConnCtx)
		if err := srv.flow.MarkViewing(ctx.Code, ctx.PlayerID, payload.Round); err != nil {
			return srv.err(s, "bad_request", err.Error())
		}
		return map[string]any{"ok": true}
	})

	// activity:complete
	io.OnEvent("/", "activity:complete", func(s socketio.Conn, payload struct {
		Round      int     `json:"round"`
		ActivityID string  `json:"activityId"`
		Fraction   float64 `json:"fraction"`
	}) map[string]any {
		ctx := s.Context().(*ConnCtx)
		if err := srv.flow.RecordEngagement(ctx.Code, ctx.PlayerID, payload.Round, payload.ActivityID, payload.Fraction); err != nil {
			return srv.err(s, "bad_request", err.Error())
		}
		return map[string]any{"ok": true}
	})

	io.OnError("/", func(s socketio.Conn, e error) {
		log.Error().Str("sid", s.ID()).Err(e).Msg("socket error")
	})
	io.OnDisconnect("/", func(s socketio.Conn, reason string) {
		if ctx, ok := s.Context().(*ConnCtx); ok && ctx.Code != "" {
			srv.removeMember(ctx.Code, s)
		}
		log.Info().Str("sid", s.ID()).Str("reason", reason).Msg("socket disconnected")
	})

	// mirror every scheduler event to the relevant room, or to everyone when
	// the event names no session (worker lifecycle)
	srv.notifier.Subscribe(events.Wildcard, func(event string, payload events.Payload) {
		if code, ok := payload["session_id"].(string); ok && code != "" {
			io.BroadcastToRoom("/", code, event, map[string]any(payload))
			return
		}
		srv.emitAll(event, payload)
	})

	go io.Serve()

	r.GET("/socket.io/*any", gin.WrapH(io))
	r.POST("/socket.io/*any", gin.WrapH(io))
	r.OPTIONS("/socket.io/*any", func(c *gin.Context) {
		c.Header("Access-Control-Allow-Origin", "*")
		c.Header("Access-Control-Allow-Methods", "GET,POST,OPTIONS")
		c.Header("Access-Control-Allow-Headers", "Content-Type")
		c.Status(http.StatusNoContent)
	})

	return io
}

func (srv *Server) addMember(code string, c socketio.Conn) {
	srv.mu.Lock()
	if srv.members[code] == nil {
		srv.members[code] = make(map[string]socketio.Conn)
	}
	srv.members[code][c.ID()] = c
	srv.mu.Unlock()
}

func (srv *Server) removeMember(code string, c socketio.Conn) {
	srv.mu.Lock()
	if m := srv.members[code]; m != nil {
		delete(m, c.ID())
	}
	srv.mu.Unlock()
}

func (srv *Server) emitAll(event string, payload events.Payload) {
	srv.mu.Lock()
	conns := make([]socketio.Conn, 0)
	for _, m := range srv.members {
		for _, c := range m {
			conns = append(conns, c)
		}
	}
	srv.mu.Unlock()
	for _, c := range conns {
		c.Emit(event, map[string]any(payload))
	}
}

func (srv *Server) err(s socketio.Conn, code, message string) map[string]any {
	s.Emit("error", map[string]any{"code": code, "message": message})
	return map[string]any{"error": message}
}
