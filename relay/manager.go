package relay

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/telemetry"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/voice"
)

// deliberateLeaveWindow is how long after a manager-initiated disconnect a
// "left the channel" notification for that channel is attributed to the
// manager.
const deliberateLeaveWindow = 15 * time.Second

// Options tunes the Manager. Zero values fall back to DefaultOptions.
type Options struct {
	StreamURL string

	MaxAttempts        int
	Backoff            Backoff
	StalenessThreshold time.Duration

	ConnectTimeout    time.Duration
	DisconnectTimeout time.Duration
	LaunchTimeout     time.Duration

	// Now, Sleep and Jitter are injectable for deterministic tests.
	Now    func() time.Time
	Sleep  func(ctx context.Context, d time.Duration) error
	Jitter func() time.Duration
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MaxAttempts:        10,
		Backoff:            DefaultBackoff(),
		StalenessThreshold: 5 * time.Minute,
		ConnectTimeout:     30 * time.Second,
		DisconnectTimeout:  10 * time.Second,
		LaunchTimeout:      20 * time.Second,
		Now:                time.Now,
		Sleep:              Sleep,
		Jitter:             UniformJitter(2 * time.Second),
	}
}

func (o Options) withDefaults() Options {
	def := DefaultOptions()
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = def.MaxAttempts
	}
	if o.Backoff.Initial <= 0 {
		o.Backoff.Initial = def.Backoff.Initial
	}
	if o.Backoff.Ceiling < o.Backoff.Initial {
		o.Backoff.Ceiling = max(def.Backoff.Ceiling, o.Backoff.Initial)
	}
	if o.StalenessThreshold <= 0 {
		o.StalenessThreshold = def.StalenessThreshold
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = def.ConnectTimeout
	}
	if o.DisconnectTimeout <= 0 {
		o.DisconnectTimeout = def.DisconnectTimeout
	}
	if o.LaunchTimeout <= 0 {
		o.LaunchTimeout = def.LaunchTimeout
	}
	if o.Now == nil {
		o.Now = def.Now
	}
	if o.Sleep == nil {
		o.Sleep = def.Sleep
	}
	if o.Jitter == nil {
		o.Jitter = def.Jitter
	}
	return o
}

// Sleep waits for d or until ctx is done.
func Sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// Manager is the single authority over the voice session. It decides whether
// to (re)connect, drives the session client and the launcher, and keeps the
// attempt budget. Concurrent callers never race: one attempt runs, the others
// return OutcomeSkipped.
type Manager struct {
	client   voice.SessionClient
	launcher voice.Launcher
	target   voice.Target
	opts     Options

	inflight atomic.Bool
	wg       sync.WaitGroup
	ended    chan PlaybackResult

	mu              sync.Mutex
	ref             *voice.ChannelRef
	state           State
	attempts        int
	backoff         time.Duration
	lastAttempt     time.Time
	lastSuccess     time.Time
	lastOutcome     Outcome
	lastErr         error
	session         voice.Session
	playback        voice.Playback
	deliberateUntil time.Time
	deliberateLeft  string
	closed          bool
}

// NewManager returns a Manager for target in StateIdle.
func NewManager(client voice.SessionClient, launcher voice.Launcher, target voice.Target, opts Options) *Manager {
	opts = opts.withDefaults()
	m := &Manager{
		client:      client,
		launcher:    launcher,
		target:      target,
		opts:        opts,
		ended:       make(chan PlaybackResult, 1),
		backoff:     opts.Backoff.Initial,
		lastOutcome: -1,
	}
	telemetry.SetConnectionState(int(StateIdle))
	telemetry.SetAttemptBudget(0, m.backoff)
	return m
}

// PlaybackEnded delivers the most recent end of a playback pipeline. Results
// are dropped when nobody is listening.
func (m *Manager) PlaybackEnded() <-chan PlaybackResult {
	return m.ended
}

// EnsureConnectedAndPlaying brings the relay to connected-and-playing if it
// is not there already. It never self-schedules a retry: the caller owns the
// next trigger.
func (m *Manager) EnsureConnectedAndPlaying(ctx context.Context) (out Outcome) {
	if !m.inflight.CompareAndSwap(false, true) {
		slog.Debug("connection attempt already in progress; skipping", slog.String("component", "relay"))
		telemetry.ObserveOutcome(OutcomeSkipped.String())
		return OutcomeSkipped
	}
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		m.inflight.Store(false)
		return OutcomeSkipped
	}
	m.wg.Add(1)
	m.mu.Unlock()
	defer m.wg.Done()
	defer m.inflight.Store(false)

	ctx = telemetry.WithCorrelation(ctx, uuid.NewString())
	ctx, span := telemetry.StartSpan(ctx, "relay", "ensure_connected_and_playing",
		telemetry.GuildAttr(m.target.GuildID), telemetry.ChannelAttr(m.target.ChannelID))
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "relay"))

	attempt := 0
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic: %v", r)
			logger.Error("unexpected error in connect attempt", slog.Any("err", err), slog.String("stack", string(debug.Stack())))
			m.mu.Lock()
			m.lastErr = err
			if m.state == StateConnecting {
				m.setStateLocked(StateIdle)
			}
			m.mu.Unlock()
			telemetry.RecordError(span, err)
			out = OutcomeTransientFailure
		}
		m.mu.Lock()
		m.lastOutcome = out
		m.mu.Unlock()
		telemetry.ObserveOutcome(out.String())
		telemetry.SetOutcome(span, out.String(), attempt)
		if out.Healthy() {
			telemetry.SetSpanSuccess(span)
		}
		span.End()
	}()

	return m.ensure(ctx, logger, &attempt)
}

func (m *Manager) ensure(ctx context.Context, logger *slog.Logger, attemptOut *int) Outcome {
	now := m.opts.Now()

	m.mu.Lock()
	if m.state == StateFailed {
		m.mu.Unlock()
		logger.Warn("attempt budget exhausted; waiting for external reset")
		return OutcomeGaveUp
	}
	if !m.lastAttempt.IsZero() && now.Sub(m.lastAttempt) > m.opts.StalenessThreshold && m.attempts > 0 {
		logger.Info("last attempt is stale; resetting attempt budget",
			slog.Duration("since_last_attempt", now.Sub(m.lastAttempt)),
			slog.Int("forgiven_attempts", m.attempts))
		m.resetBudgetLocked()
	}
	m.lastAttempt = now
	if m.attempts >= m.opts.MaxAttempts {
		m.lastErr = ErrBudgetExhausted
		m.setStateLocked(StateFailed)
		attempts := m.attempts
		m.mu.Unlock()
		logger.Error("maximum connection attempts reached; giving up",
			slog.Int("attempts", attempts),
			slog.Int("max_attempts", m.opts.MaxAttempts),
			slog.Any("err", ErrBudgetExhausted))
		return OutcomeGaveUp
	}
	m.attempts++
	attempt := m.attempts
	telemetry.SetAttemptBudget(m.attempts, m.backoff)
	m.mu.Unlock()
	*attemptOut = attempt

	logger = logger.With(slog.Int("attempt", attempt), slog.Int("max_attempts", m.opts.MaxAttempts))
	logger.Info("connection attempt")

	ref, err := m.resolve(ctx)
	if err != nil {
		if voice.IsFatal(err) {
			return m.giveUp(logger, err)
		}
		logger.Error("failed to resolve voice channel", slog.Any("err", err))
		return m.transient(ctx, logger, err)
	}

	current := m.client.CurrentSession(ref.GuildID)
	var sess voice.Session
	if current != nil && current.ChannelID() == ref.ChannelID && m.client.IsConnected(current) {
		if m.client.IsPlaying(current) {
			m.mu.Lock()
			m.session = current
			m.setStateLocked(StateConnectedPlaying)
			m.markSuccessLocked(now)
			m.mu.Unlock()
			logger.Info("already connected and playing; nothing to do")
			return OutcomeAlreadyHealthy
		}
		logger.Info("connected but not playing; starting stream")
		sess = current
		m.mu.Lock()
		m.session = current
		m.setStateLocked(StateConnectedIdle)
		m.mu.Unlock()
	} else {
		if current != nil {
			m.disconnect(ctx, logger, current)
		}
		m.mu.Lock()
		m.setStateLocked(StateConnecting)
		m.mu.Unlock()

		logger.Info("connecting to voice channel", slog.String("channel", ref.Name))
		telemetry.Inc(telemetry.ConnectAttempts)
		var connErr error
		telemetry.TimeFunc(telemetry.ConnectDuration, func() {
			sess, connErr = callWithTimeout(ctx, m.opts.ConnectTimeout, func(cctx context.Context) (voice.Session, error) {
				return m.client.Connect(cctx, ref)
			}, nil)
		})
		if connErr != nil {
			return m.connectFailed(ctx, logger, connErr)
		}
		m.mu.Lock()
		m.session = sess
		m.setStateLocked(StateConnectedIdle)
		// from here on a leave of the target channel is a real drop
		if m.deliberateLeft == ref.ChannelID {
			m.deliberateUntil = time.Time{}
			m.deliberateLeft = ""
		}
		m.mu.Unlock()
		logger.Info("connected to voice channel")
	}

	return m.startPlayback(ctx, logger, sess)
}

func (m *Manager) resolve(ctx context.Context) (voice.ChannelRef, error) {
	m.mu.Lock()
	if m.ref != nil {
		ref := *m.ref
		m.mu.Unlock()
		return ref, nil
	}
	m.mu.Unlock()

	ref, err := callWithTimeout(ctx, m.opts.ConnectTimeout, func(cctx context.Context) (voice.ChannelRef, error) {
		return m.client.ResolveChannel(cctx, m.target.GuildID, m.target.ChannelID)
	}, nil)
	if err != nil {
		return voice.ChannelRef{}, err
	}
	m.mu.Lock()
	m.ref = &ref
	m.mu.Unlock()
	return ref, nil
}

func (m *Manager) connectFailed(ctx context.Context, logger *slog.Logger, err error) Outcome {
	var connErr *voice.ConnectError
	if !errors.As(err, &connErr) {
		err = &voice.ConnectError{Reason: err.Error(), Err: err}
		errors.As(err, &connErr)
	}
	class := voice.Classify(err)
	telemetry.IncVec(telemetry.ConnectFailures, class.String())

	switch {
	case class == voice.ErrorClassFatal:
		return m.giveUp(logger, err)
	case connErr.SessionInvalidated():
		logger.Error("voice websocket closed with code 4006 (session no longer valid); this is usually a network issue",
			slog.Any("err", err))
	case connErr.Code != 0:
		logger.Error("voice connection closed", slog.Int("code", connErr.Code), slog.Any("err", err))
	default:
		logger.Error("failed to connect to voice channel", slog.Any("err", err))
	}
	return m.transient(ctx, logger, err)
}

// transient records err, waits out the backoff plus jitter and doubles it.
func (m *Manager) transient(ctx context.Context, logger *slog.Logger, err error) Outcome {
	m.mu.Lock()
	m.lastErr = err
	if m.state == StateConnecting {
		m.setStateLocked(StateIdle)
	}
	base := m.backoff
	m.mu.Unlock()

	wait := base + m.opts.Jitter()
	logger.Info("waiting before next connection attempt", slog.Duration("wait", wait), slog.Duration("backoff", base))
	if serr := m.opts.Sleep(ctx, wait); serr != nil {
		logger.Debug("backoff wait interrupted", slog.Any("err", serr))
	}

	m.mu.Lock()
	m.backoff = m.opts.Backoff.Next(base)
	telemetry.SetAttemptBudget(m.attempts, m.backoff)
	m.mu.Unlock()
	return OutcomeTransientFailure
}

func (m *Manager) giveUp(logger *slog.Logger, err error) Outcome {
	logger.Error("unrecoverable error; abandoning connection attempts", slog.Any("err", err))
	m.mu.Lock()
	m.lastErr = err
	m.setStateLocked(StateFailed)
	m.mu.Unlock()
	return OutcomeGaveUp
}

func (m *Manager) startPlayback(ctx context.Context, logger *slog.Logger, sess voice.Session) Outcome {
	m.stopPlayback()

	var pb voice.Playback
	var err error
	telemetry.TimeFunc(telemetry.LaunchDuration, func() {
		pb, err = callWithTimeout(ctx, m.opts.LaunchTimeout, func(lctx context.Context) (voice.Playback, error) {
			return m.launcher.Start(lctx, sess, m.opts.StreamURL)
		}, func(late voice.Playback) {
			if late != nil {
				late.Stop()
			}
		})
	})
	if err != nil {
		telemetry.Inc(telemetry.LaunchFailures)
		logger.Error("error starting audio stream", slog.Any("err", err))
		m.mu.Lock()
		m.lastErr = err
		m.setStateLocked(StateConnectedIdle)
		m.mu.Unlock()
		return OutcomeTransientFailure
	}

	m.mu.Lock()
	m.playback = pb
	m.setStateLocked(StateConnectedPlaying)
	m.markSuccessLocked(m.opts.Now())
	m.mu.Unlock()

	go m.watchPlayback(pb)
	logger.Info("successfully started streaming")
	return OutcomeSuccess
}

func (m *Manager) watchPlayback(pb voice.Playback) {
	err := <-pb.Done()
	if err != nil {
		slog.Error("player error", slog.Any("err", err), slog.String("component", "relay"))
		telemetry.IncVec(telemetry.PlaybackEnded, "error")
	} else {
		slog.Info("stream ended normally", slog.String("component", "relay"))
		telemetry.IncVec(telemetry.PlaybackEnded, "normal")
	}

	m.mu.Lock()
	if m.playback == pb {
		m.playback = nil
		if m.state == StateConnectedPlaying {
			m.setStateLocked(StateConnectedIdle)
		}
	}
	m.mu.Unlock()

	res := PlaybackResult{Err: err, Ended: m.opts.Now()}
	select {
	case m.ended <- res:
	default:
		// replace the stale unread result with the newest one
		select {
		case <-m.ended:
		default:
		}
		select {
		case m.ended <- res:
		default:
		}
	}
}

func (m *Manager) stopPlayback() {
	m.mu.Lock()
	pb := m.playback
	m.playback = nil
	m.mu.Unlock()
	if pb != nil {
		pb.Stop()
	}
}

// disconnect tears a session down. Failures are logged, never returned.
func (m *Manager) disconnect(ctx context.Context, logger *slog.Logger, s voice.Session) {
	m.stopPlayback()
	m.mu.Lock()
	m.deliberateUntil = m.opts.Now().Add(deliberateLeaveWindow)
	m.deliberateLeft = s.ChannelID()
	if m.session == s {
		m.session = nil
	}
	m.mu.Unlock()

	_, err := callWithTimeout(ctx, m.opts.DisconnectTimeout, func(dctx context.Context) (struct{}, error) {
		return struct{}{}, m.client.Disconnect(dctx, s, true)
	}, nil)
	if err != nil {
		logger.Warn("error disconnecting existing voice client", slog.Any("err", err))
	}
}

func (m *Manager) markSuccessLocked(now time.Time) {
	m.resetBudgetLocked()
	m.lastSuccess = now
	m.lastErr = nil
}

func (m *Manager) resetBudgetLocked() {
	m.attempts = 0
	m.backoff = m.opts.Backoff.Initial
	telemetry.SetAttemptBudget(m.attempts, m.backoff)
}

func (m *Manager) setStateLocked(s State) {
	m.state = s
	telemetry.SetConnectionState(int(s))
}

// Reset is the external reset out of StateFailed: the attempt budget and
// backoff return to their initial values.
func (m *Manager) Reset() {
	m.mu.Lock()
	prev := m.state
	m.resetBudgetLocked()
	m.lastAttempt = time.Time{}
	m.lastErr = nil
	if m.state == StateFailed {
		m.setStateLocked(StateIdle)
	}
	m.mu.Unlock()
	slog.Info("connection manager reset", slog.String("previous_state", prev.String()), slog.String("component", "relay"))
}

// LeftDeliberately reports whether a recent departure from channelID was
// caused by the manager itself or by shutdown.
func (m *Manager) LeftDeliberately(channelID string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return true
	}
	return channelID != "" && channelID == m.deliberateLeft && m.opts.Now().Before(m.deliberateUntil)
}

// State returns the current connection state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Attempts returns the consecutive failed attempt count.
func (m *Manager) Attempts() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.attempts
}

// Status returns a snapshot for the status endpoint.
func (m *Manager) Status() Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := Status{
		State:       m.state.String(),
		GuildID:     m.target.GuildID,
		ChannelID:   m.target.ChannelID,
		Attempts:    m.attempts,
		MaxAttempts: m.opts.MaxAttempts,
		BackoffSecs: m.backoff.Seconds(),
		InFlight:    m.inflight.Load(),
		LastAttempt: m.lastAttempt,
		LastSuccess: m.lastSuccess,
	}
	if m.lastOutcome >= 0 {
		st.LastOutcome = m.lastOutcome.String()
	}
	if m.lastErr != nil {
		st.LastError = m.lastErr.Error()
	}
	return st
}

// Close stops accepting attempts, waits for the in-flight one to finish or
// time out, then stops playback and leaves the channel.
func (m *Manager) Close(ctx context.Context) error {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil
	}
	m.closed = true
	m.mu.Unlock()

	m.wg.Wait()
	m.stopPlayback()

	m.mu.Lock()
	sess := m.session
	m.session = nil
	m.setStateLocked(StateIdle)
	m.mu.Unlock()

	if sess == nil {
		return nil
	}
	_, err := callWithTimeout(ctx, m.opts.DisconnectTimeout, func(dctx context.Context) (struct{}, error) {
		return struct{}{}, m.client.Disconnect(dctx, sess, false)
	}, nil)
	if err != nil {
		return fmt.Errorf("disconnect on close: %w", err)
	}
	return nil
}

// callWithTimeout runs fn with a deadline and returns as soon as either fn
// returns or the deadline passes, so a collaborator that ignores ctx cannot
// hold the caller. A result that arrives after the deadline is handed to
// late, when non-nil.
func callWithTimeout[T any](ctx context.Context, d time.Duration, fn func(context.Context) (T, error), late func(T)) (T, error) {
	cctx, cancel := context.WithTimeout(ctx, d)

	type result struct {
		v   T
		err error
	}
	ch := make(chan result, 1)
	go func() {
		defer cancel()
		defer func() {
			if r := recover(); r != nil {
				ch <- result{err: fmt.Errorf("panic: %v", r)}
			}
		}()
		v, err := fn(cctx)
		ch <- result{v: v, err: err}
	}()

	select {
	case r := <-ch:
		return r.v, r.err
	case <-cctx.Done():
		// fn may have finished right before its own cancel fired
		select {
		case r := <-ch:
			return r.v, r.err
		default:
		}
		go func() {
			r := <-ch
			if late != nil && r.err == nil {
				late(r.v)
			}
		}()
		var zero T
		return zero, fmt.Errorf("timed out after %s: %w", d, cctx.Err())
	}
}
