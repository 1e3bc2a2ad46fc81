package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	zerologlog "github.com/rs/zerolog/log"

	"github.com/kiliankoe/promptarena/internal/config"
	"github.com/kiliankoe/promptarena/internal/eval/openai"
	"github.com/kiliankoe/promptarena/internal/events"
	"github.com/kiliankoe/promptarena/internal/flow"
	"github.com/kiliankoe/promptarena/internal/queue"
	"github.com/kiliankoe/promptarena/internal/session"
	"github.com/kiliankoe/promptarena/internal/ws"
)

const version = "v0.3.0-dev"

func main() {
	var (
		showHelp    = flag.Bool("help", false, "Show help message")
		showVersion = flag.Bool("version", false, "Show version information")
		portFlag    = flag.String("port", "", "Port to listen on (overrides PORT env var)")
		configFlag  = flag.String("config", "", "Path to YAML config file")
	)
	flag.BoolVar(showHelp, "h", false, "Show help message (shorthand)")
	flag.BoolVar(showVersion, "v", false, "Show version information (shorthand)")
	flag.Parse()

	if *showHelp {
		fmt.Printf(`promptarena - Real-time prompt-duel backend

Usage: %s [options]

Options:
  -h, --help      Show this help message
  -v, --version   Show version information
  --port PORT     Port to listen on (default: 8080 or PORT env var)
  --config PATH   YAML config file (env vars override file values)

Environment Variables:
  PORT                  Port to listen on (default: 8080)
  WORKER_COUNT          Evaluation worker pool size (default: 5)
  MAX_RETRIES           Attempts per item before terminal failure (default: 3)
  RETENTION_WINDOW      How long completed items stay queryable (default: 1h)
  MAINTENANCE_INTERVAL  Queue maintenance period (default: 60s)
  HEARTBEAT_TTL         Worker staleness threshold (default: 30s)
  FLOW_MODE             synchronous|staggered|continuous|paced (default: synchronous)
  OPENAI_API_KEY        OpenAI API key for the scoring engine
  OPENAI_BASE_URL       Custom OpenAI API base URL (optional)
  EVAL_MODEL            Scoring model (default: gpt-4o-mini)
  REDIS_ADDR            Enable the Redis event mirror (optional)
  REDIS_CHANNEL         Redis pub channel (default: promptarena:events)
`, os.Args[0])
		return
	}

	if *showVersion {
		fmt.Printf("promptarena %s\n", version)
		return
	}

	// zerolog setup (human-friendly console)
	zerolog.TimeFieldFormat = time.RFC3339
	cw := zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.RFC3339}
	zerologlog.Logger = zerologlog.Output(cw)

	cfg, err := config.Load(*configFlag)
	if err != nil {
		zerologlog.Fatal().Err(err).Msg("config")
	}
	if *portFlag != "" {
		cfg.Port = *portFlag
	}

	// Gin setup with custom logger (skip /socket.io noise)
	gin.SetMode(gin.ReleaseMode)
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(func(c *gin.Context) {
		start := time.Now()
		c.Next()
		path := c.Request.URL.Path
		if strings.HasPrefix(path, "/socket.io") {
			return
		}
		zerologlog.Info().Str("path", path).Int("status", c.Writer.Status()).Dur("dur", time.Since(start)).Msg("http")
	})

	r.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"ok": true, "time": time.Now().UTC()})
	})

	notifier := events.NewInProc()

	if cfg.RedisAddr != "" {
		rdb := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
		events.NewRedisSink(rdb, cfg.RedisChannel).Attach(notifier)
		zerologlog.Info().Str("addr", cfg.RedisAddr).Str("channel", cfg.RedisChannel).Msg("redis event mirror enabled")
	}

	engine := openai.New(cfg.OpenAIKey, cfg.OpenAIBaseURL, cfg.EvalModel)

	q := queue.New(queue.Config{
		MaxWorkers:          cfg.WorkerCount,
		MaxRetries:          cfg.MaxRetries,
		Retention:           cfg.RetentionWindow,
		MaintenanceInterval: cfg.MaintenanceInterval,
		HeartbeatTTL:        cfg.HeartbeatTTL,
		PollInterval:        cfg.PollInterval,
	}, engine, notifier)
	defer q.Shutdown()

	for i := 1; i <= cfg.WorkerCount; i++ {
		q.RegisterWorker(fmt.Sprintf("worker-%d", i))
	}

	maintCtx, cancelMaint := context.WithCancel(context.Background())
	defer cancelMaint()
	go q.StartMaintenance(maintCtx)

	registry := session.NewRegistry(flow.ParseMode(cfg.FlowMode))
	fm := flow.NewManager(q, registry, notifier)

	sock := ws.New(registry, fm, notifier)
	io := sock.Mount(r)
	defer io.Close()

	// Minimal status/admin API; the real surface is socket.io
	r.GET("/api/queue/status", func(c *gin.Context) {
		c.JSON(http.StatusOK, q.Status())
	})
	r.GET("/api/queue/items/:id", func(c *gin.Context) {
		it, ok := q.ItemStatus(c.Param("id"))
		if !ok {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown item"})
			return
		}
		c.JSON(http.StatusOK, it)
	})
	r.POST("/api/sessions", func(c *gin.Context) {
		var req struct {
			Config session.Config `json:"config"`
		}
		if err := c.BindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_config"})
			return
		}
		req.Config.Mode = flow.ParseMode(string(req.Config.Mode))
		code, hostToken := registry.Create(req.Config)
		c.JSON(http.StatusOK, gin.H{"sessionCode": code, "hostToken": hostToken})
	})
	r.GET("/api/sessions/:code/rounds/:round", func(c *gin.Context) {
		var round int
		if _, err := fmt.Sscanf(c.Param("round"), "%d", &round); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_round"})
			return
		}
		states := fm.RoundStates(c.Param("code"), round)
		if states == nil {
			c.JSON(http.StatusNotFound, gin.H{"error": "unknown round"})
			return
		}
		c.JSON(http.StatusOK, gin.H{"players": states})
	})

	zerologlog.Info().Str("port", cfg.Port).Int("workers", cfg.WorkerCount).Msg("listening")
	if err := r.Run(":" + cfg.Port); err != nil {
		zerologlog.Fatal().Err(err).Msg("server")
	}
}
