// Command channelwatch is the main entrypoint for the channel state service.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Loads the bot and broadcaster tokens and starts their refreshers.
//   - Runs the polling scheduler: stream state, followers, subscribers,
//     moderators, channel metadata, tags, and clip rechecks.
//   - Connects the chat listener feeding line counts and follow prechecks.
//   - Exposes an HTTP server with /healthz, /readyz, /status, and /metrics.
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
	"github.com/onnwee/channelwatch/chat"
	"github.com/onnwee/channelwatch/config"
	"github.com/onnwee/channelwatch/db"
	"github.com/onnwee/channelwatch/events"
	"github.com/onnwee/channelwatch/oauth"
	"github.com/onnwee/channelwatch/ratelimit"
	"github.com/onnwee/channelwatch/reconcile"
	"github.com/onnwee/channelwatch/scheduler"
	"github.com/onnwee/channelwatch/server"
	"github.com/onnwee/channelwatch/stream"
	"github.com/onnwee/channelwatch/telemetry"
	"github.com/onnwee/channelwatch/twitchapi"
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

	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateTwitchReady(); err != nil {
		slog.Warn("twitch not fully configured, api polling will idle", slog.Any("err", err))
	}

	telemetry.Init()

	// OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("channelwatch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdownTracing()

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
	if err := db.Migrate(context.Background(), database); err != nil {
		slog.Error("failed to migrate db", slog.Any("err", err))
		os.Exit(1)
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Credentials
	tokens := oauth.NewManager(database, *cfg)
	if err := tokens.Load(ctx); err != nil {
		slog.Warn("token load incomplete", slog.Any("err", err))
	}
	tokens.StartRefresher(ctx, 5*time.Minute, 15*time.Minute)

	bus := events.NewBus()
	budget := ratelimit.NewBudget()
	calls := telemetry.NewCallLog()
	warnings := telemetry.NewWarnings()
	api := &twitchapi.Client{Tokens: tokens, Budget: budget, Calls: calls}
	store := db.NewStore(database)

	// The chat listener and the stream machine reference each other: the
	// machine reads the line counter, the listener reads the online state.
	var listener *chat.Listener
	machine := stream.NewMachine(store, store, bus, cfg.MaxOfflineRetries, func() int64 {
		if listener == nil {
			return 0
		}
		return listener.LineCount()
	})
	machine.Restore(ctx)

	title := stream.NewTitleSync(api, store, nil, bus, warnings, cfg.ForceTitle, cfg.TitlePlaceholder)

	followers := reconcile.NewFollowers(api, store, bus, machine, tokens.BotUserID)
	subscribers := reconcile.NewSubscribers(api, store, bus, machine, tokens, warnings)
	moderators := reconcile.NewModerators(api, store, warnings, tokens.BotUserID)
	channel := reconcile.NewChannel(api, tokens, store)
	channel.Restore(ctx)
	tags := reconcile.NewTags(api, store)
	clips := reconcile.NewClips(api, store, machine.Online)

	listener = chat.NewListener(cfg.TwitchChannel, cfg.TwitchBotUsername, func() string {
		return tokens.AccessToken(ratelimit.IdentityBot)
	}, followers, store, machine)
	machine.OnStreamStart(func(context.Context) { listener.ResetSession() })
	go listener.Run(ctx)

	sched := scheduler.New(tokens, cfg.TickInterval, cfg.TaskTimeout)

	// Wraps the plain bool syncs into scheduler results carrying opts.
	asTask := func(fn func(ctx context.Context, opts map[string]any) bool) scheduler.TaskFunc {
		return func(ctx context.Context, opts map[string]any) scheduler.Result {
			return scheduler.Result{State: fn(ctx, opts), Opts: opts}
		}
	}

	sched.Register("streams", cfg.TickInterval, stream.PollTask(api, machine, title))
	sched.Register("followers", time.Minute, asTask(func(ctx context.Context, _ map[string]any) bool {
		return followers.SyncLatest(ctx)
	}))
	sched.Register("followers-full", 24*time.Hour, asTask(func(ctx context.Context, _ map[string]any) bool {
		return followers.SyncAll(ctx)
	}))
	sched.Register("subscribers", time.Minute, asTask(subscribers.Sync))
	sched.Register("moderators", 10*time.Minute, asTask(moderators.Sync))
	sched.Register("channel", time.Hour, asTask(func(ctx context.Context, _ map[string]any) bool {
		return channel.Sync(ctx)
	}))
	sched.Register("tags", time.Minute, asTask(func(ctx context.Context, _ map[string]any) bool {
		return tags.SyncCurrent(ctx)
	}))
	sched.Register("tags-full", 24*time.Hour, asTask(func(ctx context.Context, _ map[string]any) bool {
		return tags.SyncAll(ctx)
	}))
	sched.Register("clips-check", time.Minute, asTask(func(ctx context.Context, _ map[string]any) bool {
		return clips.Check(ctx)
	}))
	go sched.Run(ctx)

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

	addr := os.Getenv("HTTP_ADDR")
	if addr == "" {
		addr = ":8080"
	}
	go func() {
		err := server.Start(ctx, server.Deps{
			DB:          database,
			Auth:        tokens,
			Machine:     machine,
			Tasks:       sched,
			Budget:      budget,
			Warnings:    warnings,
			Calls:       calls,
			Channel:     channel,
			Subscribers: subscribers,
			Moderators:  moderators,
			Tags:        tags,
			Clips:       clips,
			ClipAPI:     api,
			Title:       title,
		}, addr)
		if err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	<-ctx.Done()
	slog.Info("shutting down")
}
