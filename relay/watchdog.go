package relay

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/telemetry"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/voice"
)

// DefaultWatchdogInterval is the sanity-sweep period. It is independent of,
// and much coarser than, the connection backoff.
const DefaultWatchdogInterval = 3 * time.Minute

// Reconnector is the only way components other than the Manager may ask for
// a (re)connect.
type Reconnector interface {
	EnsureConnectedAndPlaying(ctx context.Context) Outcome
}

// Tick results, also used as metric labels.
const (
	TickHealthy      = "healthy"
	TickNoSession    = "no_session"
	TickDisconnected = "disconnected"
	TickWrongChannel = "wrong_channel"
	TickNotPlaying   = "not_playing"
	TickPanic        = "panic"
)

// Watchdog periodically samples session health and requests a reconnect
// through the Reconnector when the session is gone, elsewhere, or silent.
// It implements suture.Service.
type Watchdog struct {
	client   voice.SessionClient
	rc       Reconnector
	target   voice.Target
	interval time.Duration
	ended    <-chan PlaybackResult
	running  atomic.Bool
}

// NewWatchdog returns a stopped watchdog. ended may be nil; when set, the end
// of a playback pipeline triggers an out-of-cycle check.
func NewWatchdog(client voice.SessionClient, rc Reconnector, target voice.Target, interval time.Duration, ended <-chan PlaybackResult) *Watchdog {
	if interval <= 0 {
		interval = DefaultWatchdogInterval
	}
	return &Watchdog{
		client:   client,
		rc:       rc,
		target:   target,
		interval: interval,
		ended:    ended,
	}
}

// Running reports whether Serve is active.
func (w *Watchdog) Running() bool { return w.running.Load() }

// Serve runs the watchdog until ctx is done.
func (w *Watchdog) Serve(ctx context.Context) error {
	if !w.running.CompareAndSwap(false, true) {
		return fmt.Errorf("watchdog already running")
	}
	defer w.running.Store(false)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	slog.Info("watchdog started", slog.Duration("interval", w.interval), slog.String("component", "watchdog"))

	for {
		select {
		case <-ctx.Done():
			slog.Info("watchdog stopped", slog.String("component", "watchdog"))
			return ctx.Err()
		case <-ticker.C:
			w.Tick(ctx)
		case res := <-w.ended:
			slog.Info("playback ended; checking session now", slog.Any("err", res.Err), slog.String("component", "watchdog"))
			w.Tick(ctx)
		}
	}
}

// String implements fmt.Stringer for supervisor logs.
func (w *Watchdog) String() string { return "watchdog" }

// Tick performs one health check and returns its result label. A panic in a
// collaborator is recovered so the loop keeps running.
func (w *Watchdog) Tick(ctx context.Context) (result string) {
	logger := slog.Default().With(slog.String("component", "watchdog"))
	defer func() {
		if r := recover(); r != nil {
			logger.Error("error in watchdog", slog.Any("err", fmt.Errorf("panic: %v", r)))
			result = TickPanic
		}
		telemetry.IncVec(telemetry.WatchdogTicks, result)
	}()

	sess := w.client.CurrentSession(w.target.GuildID)
	switch {
	case sess == nil:
		logger.Warn("no voice client found; attempting to connect")
		result = TickNoSession
	case !w.client.IsConnected(sess):
		logger.Warn("voice client disconnected; attempting to reconnect")
		result = TickDisconnected
	case sess.ChannelID() != w.target.ChannelID:
		logger.Warn("voice client in another channel; attempting to move back", slog.String("channel", sess.ChannelID()))
		result = TickWrongChannel
	case !w.client.IsPlaying(sess):
		logger.Warn("stream not playing; attempting to restart")
		result = TickNotPlaying
	default:
		logger.Info("voice connection healthy")
		return TickHealthy
	}

	out := w.rc.EnsureConnectedAndPlaying(ctx)
	logger.Info("watchdog recovery finished", slog.String("outcome", out.String()), slog.String("reason", result))
	return result
}
