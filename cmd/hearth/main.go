// Command hearth is the main entry point for the Hearth AI orchestrator.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/emberworks/hearth/internal/agent"
	"github.com/emberworks/hearth/internal/config"
	"github.com/emberworks/hearth/internal/engine"
	"github.com/emberworks/hearth/internal/event"
	"github.com/emberworks/hearth/internal/gate"
	"github.com/emberworks/hearth/internal/health"
	"github.com/emberworks/hearth/internal/observe"
	"github.com/emberworks/hearth/internal/orchestrator"
	"github.com/emberworks/hearth/internal/recovery"
	"github.com/emberworks/hearth/internal/resilience"
	"github.com/emberworks/hearth/internal/session"
	"github.com/emberworks/hearth/internal/store"
	"github.com/emberworks/hearth/internal/tool"
	"github.com/emberworks/hearth/internal/transport"
	"github.com/emberworks/hearth/pkg/types"
	"github.com/emberworks/hearth/pkg/voice"
)

// version is stamped at build time with -ldflags "-X main.version=...".
var version = "dev"

const (
	gcInterval      = time.Minute
	shutdownTimeout = 15 * time.Second
)

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "config.yaml", "path to the YAML configuration file")
	flag.Parse()

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "hearth: config file %q not found\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "hearth: %v\n", err)
		}
		return 1
	}
	if len(cfg.Models) == 0 {
		fmt.Fprintln(os.Stderr, "hearth: at least one model must be configured")
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	slog.Info("hearth starting",
		"version", version,
		"config", *configPath,
		"listen_addr", cfg.Server.ListenAddr,
		"log_level", cfg.Server.LogLevel,
	)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Metrics provider ──────────────────────────────────────────────────────
	metricsShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "hearth",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise metrics", "err", err)
		return 1
	}
	metrics := observe.DefaultMetrics()

	// ── Store ─────────────────────────────────────────────────────────────────
	st, err := store.New(ctx, store.Config{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err != nil {
		slog.Error("failed to connect to redis", "err", err)
		return 1
	}
	defer func() {
		if err := st.Close(); err != nil {
			slog.Warn("store close error", "err", err)
		}
	}()

	// ── Resilience primitives ─────────────────────────────────────────────────
	breakers := resilience.NewBreakerSet(resilience.CircuitBreakerConfig{
		Threshold: cfg.Breaker.Threshold,
		Cooldown:  cfg.Breaker.Cooldown(),
		OnStateChange: func(name string, state resilience.State) {
			// Mirrored asynchronously so breaker transitions never wait on Redis.
			go func() {
				wctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
				defer cancel()
				if err := st.SetBreakerState(wctx, name, state.String()); err != nil {
					slog.Warn("breaker state mirror failed", "breaker", name, "err", err)
				}
			}()
		},
	})

	// ── Core components ───────────────────────────────────────────────────────
	bus := event.NewBus(cfg.Event, logger)

	sessions := session.NewManager(st, cfg.Session, cfg.Privacy,
		breakers.Get(resilience.BreakerSessionCreation), bus, logger)
	go sessions.RunGC(ctx, gcInterval)

	g := gate.New(st, cfg.Quota, cfg.RateLimit, logger)
	router := agent.NewRouter(agent.NewRegistry())

	tools := tool.NewDispatcher(
		resilience.NewBulkhead(resilience.BulkheadToolExecution, cfg.Bulkhead.ToolExecution, cfg.Bulkhead.WaitTimeout()),
		breakers.Get(resilience.BreakerToolExecution),
		st, cfg.Tool.DefaultTimeout(), logger)

	mcp := tool.NewMCPConnector()
	defer func() {
		if err := mcp.Close(); err != nil {
			slog.Warn("mcp close error", "err", err)
		}
	}()
	if err := mcp.ConnectAll(ctx, cfg.MCP, tools); err != nil {
		slog.Warn("some mcp servers are unavailable", "err", err)
	}

	eng, err := engine.New(engine.Options{
		Models:   cfg.Models,
		Cache:    cfg.Cache,
		Retry:    cfg.Retry,
		Breakers: breakers,
		Bulkhead: resilience.NewBulkhead(resilience.BulkheadModelInference, cfg.Bulkhead.ModelInference, cfg.Bulkhead.WaitTimeout()),
		Factory:  engine.BuildProvider,
		Logger:   logger,
	})
	if err != nil {
		slog.Error("failed to build the model engine", "err", err)
		return 1
	}
	eng.Warmup(ctx)

	// ── Voice (optional) ──────────────────────────────────────────────────────
	var stt voice.Transcriber
	var tts voice.Synthesizer
	if cfg.Voice.STTEndpoint != "" && cfg.Voice.TTSEndpoint != "" {
		sttClient, err := voice.NewSTT(cfg.Voice.STTEndpoint)
		if err != nil {
			slog.Error("failed to build stt client", "err", err)
			return 1
		}
		ttsClient, err := voice.NewTTS(cfg.Voice.TTSEndpoint)
		if err != nil {
			slog.Error("failed to build tts client", "err", err)
			return 1
		}
		stt, tts = sttClient, ttsClient
	}

	coordinator := recovery.NewCoordinator(sessions,
		recovery.DefaultStrategies(sessions, eng, bus), logger)

	orch, err := orchestrator.New(orchestrator.Options{
		Gate:          g,
		Sessions:      sessions,
		Router:        router,
		Engine:        eng,
		Tools:         tools,
		Bus:           bus,
		Recovery:      coordinator,
		Store:         st,
		STT:           stt,
		TTS:           tts,
		VoiceBulkhead: resilience.NewBulkhead(resilience.BulkheadVoiceProcessing, cfg.Bulkhead.VoiceProcessing, cfg.Bulkhead.WaitTimeout()),
		Breakers:      breakers,
		Model:         cfg.Models[0].Name,
		Metrics:       metrics,
		Logger:        logger,
	})
	if err != nil {
		slog.Error("failed to build the orchestrator", "err", err)
		return 1
	}

	ws, err := transport.NewServer(transport.Options{
		Orchestrator: orch,
		Sessions:     sessions,
		Auth:         staticAuth(cfg.Auth),
		Metrics:      metrics,
		Logger:       logger,
	})
	if err != nil {
		slog.Error("failed to build the transport", "err", err)
		return 1
	}

	// ── HTTP server ───────────────────────────────────────────────────────────
	mux := http.NewServeMux()
	ws.Register(mux)
	health.New(health.StoreChecker(st), health.EngineChecker(eng)).Register(mux)
	mux.Handle("GET /metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:              cfg.Server.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	printStartupSummary(cfg)

	serveErr := make(chan error, 1)
	go func() {
		if cfg.Server.TLS != nil {
			serveErr <- srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			serveErr <- srv.ListenAndServe()
		}
	}()

	slog.Info("server ready", "listen_addr", cfg.Server.ListenAddr)

	select {
	case <-ctx.Done():
		slog.Info("shutdown signal received, stopping")
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			slog.Error("serve error", "err", err)
			return 1
		}
	}

	// ── Graceful shutdown ─────────────────────────────────────────────────────
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	if err := ws.Shutdown(shutdownCtx); err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("transport shutdown error", "err", err)
	}
	if err := srv.Shutdown(shutdownCtx); err != nil {
		slog.Warn("http shutdown error", "err", err)
	}
	if err := metricsShutdown(shutdownCtx); err != nil {
		slog.Warn("metrics shutdown error", "err", err)
	}

	slog.Info("goodbye")
	return 0
}

// staticAuth resolves bearer tokens against the configured token table.
func staticAuth(cfg config.AuthConfig) transport.Authenticator {
	return func(ctx context.Context, token string) (types.UserContext, error) {
		u, ok := cfg.Tokens[token]
		if !ok {
			return types.UserContext{}, errors.New("unknown token")
		}
		return types.UserContext{
			UserID:      u.UserID,
			Roles:       u.Roles,
			Permissions: u.Permissions,
			Families:    u.Families,
			Workspaces:  u.Workspaces,
		}, nil
	}
}

// ── Startup summary ───────────────────────────────────────────────────────────

func printStartupSummary(cfg *config.Config) {
	fmt.Println("╔═══════════════════════════════════════╗")
	fmt.Println("║          Hearth — startup summary     ║")
	fmt.Println("╠═══════════════════════════════════════╣")
	for _, m := range cfg.Models {
		name := m.Name
		if len(name) > 19 {
			name = name[:16] + "…"
		}
		fmt.Printf("║  Model           : %-19s ║\n", name)
	}
	voiceState := "(disabled)"
	if cfg.Voice.STTEndpoint != "" && cfg.Voice.TTSEndpoint != "" {
		voiceState = "enabled"
	}
	fmt.Printf("║  Voice           : %-19s ║\n", voiceState)
	fmt.Printf("║  MCP servers     : %-19d ║\n", len(cfg.MCP.Servers))
	fmt.Printf("║  Auth tokens     : %-19d ║\n", len(cfg.Auth.Tokens))
	fmt.Printf("║  Listen addr     : %-19s ║\n", cfg.Server.ListenAddr)
	fmt.Println("╚═══════════════════════════════════════╝")
}

// ── Logger ─────────────────────────────────────────────────────────────────────

func newLogger(level config.LogLevel) *slog.Logger {
	var lvl slog.Level
	switch level {
	case config.LogDebug:
		lvl = slog.LevelDebug
	case config.LogWarn:
		lvl = slog.LevelWarn
	case config.LogError:
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}
