// Command streamwatch is the main entrypoint for the live broadcast monitor.
// It:
//   - Loads configuration and initializes structured logging.
//   - Connects to Postgres and runs idempotent migrations.
//   - Starts one discovery supervisor per configured channel, each owning the
//     chat monitor workers for that channel's live broadcasts.
//   - Runs the classification pipeline and the counter aggregator.
//   - Exposes a minimal HTTP server with /healthz, /readyz, /status, /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/tvlabs/streamwatch/classifier"
	"github.com/tvlabs/streamwatch/config"
	"github.com/tvlabs/streamwatch/db"
	"github.com/tvlabs/streamwatch/discovery"
	"github.com/tvlabs/streamwatch/monitor"
	"github.com/tvlabs/streamwatch/pipeline"
	"github.com/tvlabs/streamwatch/server"
	"github.com/tvlabs/streamwatch/telemetry"
	"github.com/tvlabs/streamwatch/transport"
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
	slog.Info("logger initialized", slog.String("level", lvl.String()), slog.String("format", map[bool]string{true: "json", false: "text"}[format == "json"]))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}
	if err := cfg.ValidateClassifierReady(); err != nil {
		slog.Error("config invalid", slog.Any("err", err))
		os.Exit(1)
	}
	if len(cfg.Channels) == 0 {
		slog.Error("no channels configured (set CHANNELS, e.g. CAZETV=@CazeTV)")
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("streamwatch", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	// Best-effort: probe the classifier so a misconfigured URL is visible at startup.
	classify := classifier.New(cfg.ClassifierURL, cfg.ClassifierTimeout)
	{
		ctx2, cancel := context.WithTimeout(context.Background(), 8*time.Second)
		if health, err := classify.CheckHealth(ctx2); err != nil {
			slog.Warn("classifier health check failed", slog.Any("err", err))
		} else {
			slog.Info("classifier ready", slog.String("device", health.Device), slog.String("model", health.Model))
		}
		cancel()
	}

	// DB
	database, err := db.Connect(cfg.DBDsn)
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
	store := db.NewStore(database)

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Shared event queue feeding the classification pipeline
	queue := monitor.NewQueue(cfg.EventQueueSize)

	aggregator := pipeline.NewAggregator(store, cfg.CounterFlushInterval)
	go aggregator.Run(ctx)

	// Titles is only used to fill missing YouTube titles; a bare source works
	// for any video id.
	titles := discovery.NewYouTubeSource("", "", 0)

	pipe := &pipeline.Pipeline{
		Queue:               queue,
		Store:               store,
		Classifier:          classify,
		Counters:            aggregator,
		Titles:              titles,
		BatchSize:           cfg.BatchSize,
		BatchMaxWait:        cfg.BatchMaxWait,
		WorkQueueSize:       cfg.WorkQueueSize,
		ConfidenceThreshold: cfg.ConfidenceThreshold,
		MaxCommentLength:    cfg.MaxCommentLength,
	}
	go pipe.Run(ctx)

	slog.Info("starting supervisors", slog.Int("channel_count", len(cfg.Channels)))
	for _, ch := range cfg.Channels {
		sup, err := buildSupervisor(cfg, ch, store, queue)
		if err != nil {
			slog.Error("supervisor setup failed", slog.String("channel", ch.Display), slog.Any("err", err))
			os.Exit(1)
		}
		go sup.Run(ctx)
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
		if err := server.Start(ctx, database, cfg.ClassifierURL, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")
}

// buildSupervisor assembles the discovery source, transport factory and live
// checker for one configured channel.
func buildSupervisor(cfg *config.Config, ch config.Channel, store *db.Store, queue *monitor.Queue) (*monitor.Supervisor, error) {
	supCfg := monitor.SupervisorConfig{
		Channel:       ch.Display,
		Store:         store,
		Queue:         queue,
		PollInterval:  cfg.DiscoveryPollInterval,
		RetryInterval: cfg.ChatRetryInterval,
		MissTolerance: cfg.MissTolerance,
		IdleWarn:      cfg.ChatIdleWarn,
		IdleRecreate:  cfg.ChatIdleRecreate,
		HardWatchdog:  cfg.ChatHardWatchdog,
		DedupWindow:   cfg.DedupWindow,
	}

	switch ch.Platform {
	case "twitch":
		if cfg.TwitchClientID == "" || cfg.TwitchClientSecret == "" {
			return nil, fmt.Errorf("channel %s: twitch platform requires TWITCH_CLIENT_ID and TWITCH_CLIENT_SECRET", ch.Display)
		}
		supCfg.Source = discovery.NewTwitchSource(cfg.TwitchClientID, cfg.TwitchClientSecret, ch.Handle)
		login := ch.Handle
		supCfg.Factory = func(ctx context.Context, _ string) (transport.Reader, error) {
			return transport.NewTwitchReader(ctx, login)
		}
	default:
		src := discovery.NewYouTubeSource(ch.Handle, ch.ChannelID, cfg.MaxLiveResults)
		src.APIKey = cfg.YTAPIKey
		supCfg.Source = src
		supCfg.Live = src
		supCfg.Factory = func(ctx context.Context, videoID string) (transport.Reader, error) {
			return transport.NewYouTubeReader(ctx, videoID)
		}
	}
	return monitor.NewSupervisor(supCfg), nil
}
