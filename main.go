// Command nevermore runs the group-chat moderation bot.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres, runs idempotent migrations, and seeds the roster.
//   - Runs the long-poll event loop: command dispatch, content filters,
//     cross-chat propagation, and the mute expiry sweeper.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/antarber/nevermore/bot"
	"github.com/antarber/nevermore/config"
	"github.com/antarber/nevermore/db"
	"github.com/antarber/nevermore/moderation"
	"github.com/antarber/nevermore/server"
	"github.com/antarber/nevermore/store"
	"github.com/antarber/nevermore/telemetry"
	"github.com/antarber/nevermore/vkapi"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))
	slog.Info("logger initialized", slog.String("level", lvl.String()))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateBotReady(); err != nil {
		slog.Error("config incomplete", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("nevermore", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// DB
	database, err := db.Connect()
	if err != nil {
		slog.Error("failed to open db", slog.Any("err", err))
		os.Exit(1)
	}
	defer func() {
		if err := database.Close(); err != nil {
			slog.Error("failed to close database", slog.Any("err", err))
		}
	}()

	// Migrations: versioned (golang-migrate) first, embedded SQL as the
	// fallback for deployments without a schema_migrations table.
	slog.Info("running database migrations", slog.String("component", "db_migrate"))
	if err := db.RunMigrations(database); err != nil {
		slog.Warn("versioned migrations failed, attempting embedded SQL fallback",
			slog.Any("err", err), slog.String("component", "db_migrate"))
		if err := db.Migrate(context.Background(), database); err != nil {
			slog.Error("failed to migrate db", slog.Any("err", err))
			os.Exit(1)
		}
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Roster store, seeded from config. Runtime promotions and demotions go
	// through the store only; the environment is never written back.
	st := store.NewPostgres(database)
	if err := st.SeedRoster(ctx, cfg.AdminIDs, cfg.ModeratorIDs); err != nil {
		slog.Error("roster seed failed", slog.Any("err", err))
		os.Exit(1)
	}

	// One HTTP client for API calls and long polling; the timeout must
	// comfortably exceed the long-poll hold.
	client := &vkapi.Client{
		Token:      cfg.VKToken,
		GroupID:    cfg.VKGroupID,
		HTTPClient: &http.Client{Timeout: time.Duration(cfg.LongPollWait+20) * time.Second},
	}
	engine := moderation.NewEngine(st, client, moderation.Policy{
		GroupID:           cfg.VKGroupID,
		SuperAdmins:       cfg.SuperAdmins(),
		MuteDuration:      cfg.MuteDuration,
		KickDuration:      cfg.KickDuration,
		MaxWarnings:       cfg.MaxWarnings,
		FloodMaxMessages:  cfg.FloodMaxMessages,
		FloodWindow:       cfg.FloodWindow,
		FloodMuteDuration: cfg.FloodMuteDuration,
		AutoDeleteLinks:   cfg.AutoDeleteLinks,
		BadWords:          cfg.BadWords,
		MaxMentions:       cfg.MaxMentions,
	})
	b := &bot.Bot{
		LP:     &vkapi.LongPoll{Client: client, Wait: cfg.LongPollWait},
		Engine: engine,
		Cfg:    cfg,
		DB:     database,
	}

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	// HTTP server (health/status/metrics)
	go func() {
		if err := server.Start(ctx, database, st, b, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Event loop. Exit on anything other than a shutdown signal so the
	// supervisor restarts the process with fresh state.
	if err := b.Run(ctx); err != nil && ctx.Err() == nil {
		slog.Error("event loop failed", slog.Any("err", err))
		os.Exit(1)
	}
	slog.Info("shutting down")
}
