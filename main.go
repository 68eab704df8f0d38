// Command voice-relay keeps a Discord bot in one voice channel, relaying an
// internet radio stream. It:
//   - Loads configuration (.env for local runs) and initializes structured logging.
//   - Logs in to the Discord gateway and, on first readiness, runs the
//     bounded startup connect loop.
//   - Supervises the watchdog and the status/admin HTTP server with suture.
//   - Reconnects with capped exponential backoff after drops and stalls.
//
// Shutdown is graceful on SIGINT/SIGTERM: the bot leaves the channel before exiting.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/config"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/discord"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/relay"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/server"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/stream"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/supervisor"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/telemetry"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/voice"
)

const version = "1.0.0"

func main() {
	os.Exit(run())
}

func run() int {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Config
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config load failed: %v\n", err)
		return 1
	}

	logger, closeLog := telemetry.NewLogger(os.Stdout, telemetry.LogOptions{
		Level:      os.Getenv("LOG_LEVEL"),
		Format:     os.Getenv("LOG_FORMAT"),
		File:       cfg.LogFile,
		MaxSizeMB:  cfg.LogFileMaxMB,
		MaxBackups: cfg.LogFileMaxBackups,
		MaxAgeDays: cfg.LogFileMaxAgeDays,
	})
	defer closeLog()
	slog.SetDefault(logger)
	if _, ok := telemetry.ParseLevel(os.Getenv("LOG_LEVEL")); !ok {
		slog.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}

	if err := cfg.Validate(); err != nil {
		printConfigHelp(err)
		return 1
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdownTracing, err := telemetry.InitTracing("voice-relay", version)
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		return 1
	}
	defer shutdownTracing()

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target := voice.Target{GuildID: cfg.GuildID, ChannelID: cfg.VoiceChannelID}
	client := discord.NewClient()
	launcher := stream.NewLauncher(stream.Options{
		FFmpegPath:    cfg.FFmpegPath,
		BeforeOptions: config.ArgList(cfg.FFmpegBeforeOptions),
		Options:       config.ArgList(cfg.FFmpegOptions),
		Bitrate:       cfg.OpusBitrate,
	})
	mgr := relay.NewManager(client, launcher, target, relay.Options{
		StreamURL:          cfg.StreamURL,
		MaxAttempts:        cfg.MaxAttempts,
		Backoff:            relay.Backoff{Initial: cfg.BackoffInitial, Ceiling: cfg.BackoffCeiling},
		StalenessThreshold: cfg.StalenessThreshold,
		ConnectTimeout:     cfg.ConnectTimeout,
		DisconnectTimeout:  cfg.DisconnectTimeout,
		LaunchTimeout:      cfg.LaunchTimeout,
		Jitter:             relay.UniformJitter(cfg.BackoffJitter),
	})

	tree := supervisor.NewTree(logger.With(slog.String("component", "supervisor")), supervisor.DefaultTreeConfig())
	watchdog := relay.NewWatchdog(client, mgr, target, cfg.WatchdogInterval, mgr.PlaybackEnded())
	listener := relay.NewListener(ctx, mgr, target, tree.StartOnce(watchdog), relay.ListenerOptions{
		ReadyGrace:        cfg.ReadyGrace,
		InitialAttempts:   cfg.InitialAttempts,
		InitialRetryDelay: cfg.InitialRetryDelay,
		DropDelay:         cfg.DropReconnectDelay,
	})
	client.Subscribe(listener)

	tree.AddAPIService(supervisor.NewHTTPService(func(ctx context.Context) error {
		return server.Start(ctx, mgr, server.Options{
			Addr:           cfg.HTTPAddr,
			AdminToken:     cfg.AdminToken,
			AdminUsername:  cfg.AdminUsername,
			AdminPassword:  cfg.AdminPassword,
			RateLimitRPS:   cfg.AdminRateLimitRPS,
			RateLimitBurst: cfg.AdminRateLimitBurst,
		})
	}))
	treeErr := tree.ServeBackground(ctx)

	loginCtx, cancelLogin := context.WithTimeout(ctx, cfg.ConnectTimeout)
	self, err := client.Login(loginCtx, cfg.DiscordToken)
	cancelLogin()
	if err != nil {
		var authErr *voice.AuthError
		if errors.As(err, &authErr) {
			slog.Error("discord rejected the bot token; check DISCORD_TOKEN", slog.Any("err", err))
		} else {
			slog.Error("discord login failed", slog.Any("err", err))
		}
		stop()
		<-treeErr
		return 1
	}
	slog.Info("logged in",
		slog.String("user", self.Username),
		slog.String("user_id", self.ID),
		slog.String("guild_id", target.GuildID),
		slog.String("channel_id", target.ChannelID),
		slog.String("stream_url", cfg.StreamURL))

	// Block until shutdown signal
	<-ctx.Done()
	slog.Info("shutting down")

	if err := <-treeErr; err != nil && !errors.Is(err, context.Canceled) {
		slog.Warn("supervisor stopped with error", slog.Any("err", err))
	}
	if unstopped, _ := tree.UnstoppedServiceReport(); len(unstopped) > 0 {
		slog.Warn("services did not stop in time", slog.Int("count", len(unstopped)))
	}
	listener.Wait()

	closeCtx, cancel := context.WithTimeout(context.Background(), cfg.DisconnectTimeout+5*time.Second)
	defer cancel()
	if err := mgr.Close(closeCtx); err != nil {
		slog.Warn("leaving voice channel failed", slog.Any("err", err))
	}
	if err := client.Close(); err != nil {
		slog.Warn("closing discord session failed", slog.Any("err", err))
	}
	slog.Info("shutdown complete")
	return 0
}

// printConfigHelp explains how to supply a missing setting.
func printConfigHelp(err error) {
	var ce *voice.ConfigError
	if !errors.As(err, &ce) {
		slog.Error("invalid configuration", slog.Any("err", err))
		return
	}
	slog.Error("invalid configuration", slog.String("field", ce.Field), slog.String("reason", ce.Reason))
	if ce.Reason != "not set" {
		return
	}
	fmt.Fprintf(os.Stderr, "ERROR: %s not found!\n", ce.Field)
	fmt.Fprintln(os.Stderr, "Please set it in one of these ways:")
	fmt.Fprintf(os.Stderr, "1. Create a .env file with: %s=...  (go run ./cmd/setup writes one)\n", ce.Field)
	fmt.Fprintf(os.Stderr, "2. Set environment variable: export %s=...\n", ce.Field)
	fmt.Fprintf(os.Stderr, "3. Run with: %s=... voice-relay\n", ce.Field)
}
