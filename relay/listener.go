package relay

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/time/rate"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/telemetry"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/voice"
)

// Controller is what the Listener needs from the Manager.
type Controller interface {
	Reconnector
	LeftDeliberately(channelID string) bool
}

// ListenerOptions tunes the Listener. Zero values fall back to
// DefaultListenerOptions.
type ListenerOptions struct {
	// ReadyGrace lets the platform finish its own setup after readiness.
	ReadyGrace time.Duration
	// InitialAttempts bounds the startup connect loop.
	InitialAttempts   int
	InitialRetryDelay time.Duration
	// DropDelay is the pause before reconnecting after an unexpected drop.
	DropDelay time.Duration

	Sleep func(ctx context.Context, d time.Duration) error
}

// DefaultListenerOptions returns the production defaults.
func DefaultListenerOptions() ListenerOptions {
	return ListenerOptions{
		ReadyGrace:        2 * time.Second,
		InitialAttempts:   5,
		InitialRetryDelay: 5 * time.Second,
		DropDelay:         5 * time.Second,
		Sleep:             Sleep,
	}
}

func (o ListenerOptions) withDefaults() ListenerOptions {
	def := DefaultListenerOptions()
	if o.ReadyGrace < 0 {
		o.ReadyGrace = 0
	}
	if o.InitialAttempts <= 0 {
		o.InitialAttempts = def.InitialAttempts
	}
	if o.InitialRetryDelay < 0 {
		o.InitialRetryDelay = 0
	}
	if o.DropDelay < 0 {
		o.DropDelay = 0
	}
	if o.Sleep == nil {
		o.Sleep = def.Sleep
	}
	return o
}

// Listener turns session lifecycle notifications into reconnect requests. It
// implements voice.Notifier.
type Listener struct {
	ctx           context.Context
	ctrl          Controller
	target        voice.Target
	startWatchdog func()
	opts          ListenerOptions

	readyOnce sync.Once
	readyDone atomic.Bool
	drops     *rate.Limiter

	// mu orders wg.Add against Wait; no work starts once stopped is set.
	mu      sync.Mutex
	stopped bool
	wg      sync.WaitGroup
}

// NewListener returns a Listener whose background work is bound to ctx.
// startWatchdog is called once the initial connect loop has finished.
func NewListener(ctx context.Context, ctrl Controller, target voice.Target, startWatchdog func(), opts ListenerOptions) *Listener {
	opts = opts.withDefaults()
	if startWatchdog == nil {
		startWatchdog = func() {}
	}
	return &Listener{
		ctx:           ctx,
		ctrl:          ctrl,
		target:        target,
		startWatchdog: startWatchdog,
		opts:          opts,
		// one drop reconnect per delay window; bursts of leave events collapse
		drops: rate.NewLimiter(rate.Every(max(opts.DropDelay, time.Second)), 1),
	}
}

var _ voice.Notifier = (*Listener)(nil)

// OnSessionReady runs the initial connect loop on first readiness. Later
// readiness events (gateway re-identify) request a single check instead.
func (l *Listener) OnSessionReady() {
	first := false
	l.readyOnce.Do(func() { first = true })
	if !first {
		slog.Info("session ready again; scheduling a single check", slog.String("component", "listener"))
		l.later(l.opts.ReadyGrace)
		return
	}

	l.spawn(l.bootstrap)
}

func (l *Listener) bootstrap() {
	logger := slog.Default().With(slog.String("component", "listener"))
	if err := l.opts.Sleep(l.ctx, l.opts.ReadyGrace); err != nil {
		return
	}

	out := OutcomeSkipped
	for i := 1; i <= l.opts.InitialAttempts; i++ {
		logger.Info("initial connection attempt", slog.Int("attempt", i), slog.Int("of", l.opts.InitialAttempts))
		out = l.ctrl.EnsureConnectedAndPlaying(l.ctx)
		if out.Healthy() || out == OutcomeGaveUp {
			break
		}
		if i < l.opts.InitialAttempts {
			if err := l.opts.Sleep(l.ctx, l.opts.InitialRetryDelay); err != nil {
				return
			}
		}
	}
	if !out.Healthy() {
		logger.Error("failed to establish initial connection",
			slog.Int("attempts", l.opts.InitialAttempts), slog.String("outcome", out.String()))
	}

	if l.ctx.Err() != nil {
		return
	}
	l.startWatchdog()
	l.readyDone.Store(true)
}

// OnMembershipChanged reacts to the relay identity's voice membership. An
// unexpected departure schedules exactly one reconnect after DropDelay.
func (l *Listener) OnMembershipChanged(before, after voice.Membership) {
	if before.GuildID != l.target.GuildID && after.GuildID != l.target.GuildID {
		return
	}
	logger := slog.Default().With(slog.String("component", "listener"))

	switch {
	case before.ChannelID != "" && after.ChannelID == "":
		if l.ctrl.LeftDeliberately(before.ChannelID) {
			logger.Info("left voice channel deliberately", slog.String("channel", before.ChannelID))
			return
		}
		logger.Warn("bot was disconnected from voice channel", slog.String("channel", before.ChannelID))
		if !l.drops.Allow() {
			logger.Info("reconnect already scheduled for a recent drop")
			return
		}
		telemetry.Inc(telemetry.DropReconnects)
		l.later(l.opts.DropDelay)
	case before.ChannelID == "" && after.ChannelID != "":
		logger.Info("bot connected to voice channel", slog.String("channel", after.ChannelID))
	}
}

// later requests one ensure after delay, in the background.
func (l *Listener) later(delay time.Duration) {
	l.spawn(func() {
		if err := l.opts.Sleep(l.ctx, delay); err != nil {
			return
		}
		out := l.ctrl.EnsureConnectedAndPlaying(l.ctx)
		slog.Info("scheduled reconnect finished", slog.String("outcome", out.String()), slog.String("component", "listener"))
	})
}

// spawn runs fn in a tracked goroutine unless the listener is shutting down.
func (l *Listener) spawn(fn func()) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.stopped || l.ctx.Err() != nil {
		slog.Debug("listener stopping; event ignored", slog.String("component", "listener"))
		return
	}
	l.wg.Add(1)
	go func() {
		defer l.wg.Done()
		fn()
	}()
}

// Bootstrapped reports whether the initial connect loop has completed.
func (l *Listener) Bootstrapped() bool { return l.readyDone.Load() }

// Wait blocks until all background work started by the listener returns.
// Events delivered after ctx is cancelled start no new work.
func (l *Listener) Wait() {
	if l.ctx.Err() != nil {
		l.mu.Lock()
		l.stopped = true
		l.mu.Unlock()
	}
	l.wg.Wait()
}
