package relay

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/testutil"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/voice"
)

var testTarget = voice.Target{GuildID: "guild-1", ChannelID: "chan-1"}

const testJitter = 500 * time.Millisecond

type harness struct {
	m        *Manager
	client   *testutil.FakeClient
	launcher *testutil.FakeLauncher
	clock    *testutil.Clock
	sleeper  *testutil.Sleeper
}

func newHarness(t *testing.T, tweak func(*Options)) *harness {
	t.Helper()
	clock := testutil.NewClock()
	h := &harness{
		client:   testutil.NewFakeClient(),
		launcher: &testutil.FakeLauncher{},
		clock:    clock,
		sleeper:  &testutil.Sleeper{Clock: clock},
	}
	opts := Options{
		StreamURL:          "https://example.test/radio.mp3",
		MaxAttempts:        10,
		Backoff:            DefaultBackoff(),
		StalenessThreshold: 5 * time.Minute,
		ConnectTimeout:     time.Second,
		DisconnectTimeout:  time.Second,
		LaunchTimeout:      time.Second,
		Now:                clock.Now,
		Sleep:              h.sleeper.Sleep,
		Jitter:             func() time.Duration { return testJitter },
	}
	if tweak != nil {
		tweak(&opts)
	}
	h.m = NewManager(h.client, h.launcher, testTarget, opts)
	return h
}

func TestEnsureFreshStartSuccess(t *testing.T) {
	h := newHarness(t, nil)

	out := h.m.EnsureConnectedAndPlaying(context.Background())
	if out != OutcomeSuccess {
		t.Fatalf("expected success, got %v", out)
	}
	if got := h.m.Attempts(); got != 0 {
		t.Fatalf("expected attempt counter 0, got %d", got)
	}
	if got := h.m.State(); got != StateConnectedPlaying {
		t.Fatalf("expected connected-playing, got %v", got)
	}
	if got := h.client.Calls("connect"); got != 1 {
		t.Fatalf("expected 1 connect, got %d", got)
	}
	if got := h.client.Calls("disconnect"); got != 0 {
		t.Fatalf("expected no disconnect, got %d", got)
	}
	if urls := h.launcher.URLs(); len(urls) != 1 || urls[0] != "https://example.test/radio.mp3" {
		t.Fatalf("unexpected launcher urls %v", urls)
	}
	if len(h.sleeper.Waits()) != 0 {
		t.Fatalf("success must not wait, got %v", h.sleeper.Waits())
	}
}

func TestEnsureAlreadyHealthyIsIdempotent(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()

	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeSuccess {
		t.Fatalf("expected success, got %v", out)
	}
	mutations := h.client.Mutations()
	starts := h.launcher.Starts()

	for i := 0; i < 3; i++ {
		if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeAlreadyHealthy {
			t.Fatalf("call %d: expected already healthy, got %v", i, out)
		}
	}
	if got := h.client.Mutations(); got != mutations {
		t.Fatalf("expected no further mutations, got %d (was %d)", got, mutations)
	}
	if got := h.launcher.Starts(); got != starts {
		t.Fatalf("expected no further launches, got %d (was %d)", got, starts)
	}
	if got := h.m.Attempts(); got != 0 {
		t.Fatalf("expected attempt counter 0, got %d", got)
	}
}

func TestEnsureConnectedButNotPlayingOnlyStartsLauncher(t *testing.T) {
	h := newHarness(t, nil)
	h.client.SetCurrent(testutil.NewFakeSession(testTarget.GuildID, testTarget.ChannelID))

	out := h.m.EnsureConnectedAndPlaying(context.Background())
	if out != OutcomeSuccess {
		t.Fatalf("expected success, got %v", out)
	}
	if got := h.client.Mutations(); got != 0 {
		t.Fatalf("expected no connect/disconnect, got %d", got)
	}
	if got := h.launcher.Starts(); got != 1 {
		t.Fatalf("expected exactly one launcher start, got %d", got)
	}
}

func TestEnsureBackoffDoublesThenResets(t *testing.T) {
	h := newHarness(t, nil)
	h.client.ConnectErrs = []error{
		errors.New("network down"),
		&voice.ConnectError{Reason: "closed", Code: voice.CloseSessionNoLongerValid},
		errors.New("network down"),
	}
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeTransientFailure {
			t.Fatalf("attempt %d: expected transient failure, got %v", i, out)
		}
		if got := h.m.Attempts(); got != i {
			t.Fatalf("attempt %d: expected counter %d, got %d", i, i, got)
		}
	}
	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeSuccess {
		t.Fatalf("expected success on fourth attempt, got %v", out)
	}

	want := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	waits := h.sleeper.Waits()
	if len(waits) != len(want) {
		t.Fatalf("expected %d waits, got %v", len(want), waits)
	}
	for i, w := range want {
		if waits[i] < w || waits[i] > w+2*time.Second {
			t.Fatalf("wait %d = %v, want %v plus jitter <= 2s", i, waits[i], w)
		}
	}
	if got := h.m.Attempts(); got != 0 {
		t.Fatalf("expected counter reset to 0, got %d", got)
	}
	if got := h.m.Status().BackoffSecs; got != 1 {
		t.Fatalf("expected backoff reset to 1s, got %vs", got)
	}
}

func TestEnsureGivesUpAfterMaxAttempts(t *testing.T) {
	const maxAttempts = 4
	h := newHarness(t, func(o *Options) { o.MaxAttempts = maxAttempts })
	for i := 0; i < 10; i++ {
		h.client.ConnectErrs = append(h.client.ConnectErrs, errors.New("refused"))
	}
	ctx := context.Background()

	for i := 1; i <= maxAttempts; i++ {
		if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeTransientFailure {
			t.Fatalf("attempt %d: expected transient failure, got %v", i, out)
		}
	}
	for i := 0; i < 3; i++ {
		if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeGaveUp {
			t.Fatalf("expected gave up, got %v", out)
		}
	}

	if got := h.client.Calls("connect"); got != maxAttempts {
		t.Fatalf("expected exactly %d connects, got %d", maxAttempts, got)
	}
	if got := h.m.Attempts(); got > maxAttempts {
		t.Fatalf("attempt counter %d exceeds max %d", got, maxAttempts)
	}
	if got := h.m.State(); got != StateFailed {
		t.Fatalf("expected failed state, got %v", got)
	}
	if st := h.m.Status(); st.LastError != ErrBudgetExhausted.Error() {
		t.Fatalf("expected budget exhausted error, got %q", st.LastError)
	}

	// Failed is sticky even across a long quiet period.
	h.clock.Advance(time.Hour)
	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeGaveUp {
		t.Fatalf("expected gave up after idle gap, got %v", out)
	}
	if got := h.client.Calls("connect"); got != maxAttempts {
		t.Fatalf("no connect expected while failed, got %d", got)
	}
}

func TestResetLeavesFailedState(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxAttempts = 1 })
	h.client.ConnectErrs = []error{errors.New("refused")}
	ctx := context.Background()

	h.m.EnsureConnectedAndPlaying(ctx)
	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeGaveUp {
		t.Fatalf("expected gave up, got %v", out)
	}

	h.m.Reset()
	if got := h.m.State(); got != StateIdle {
		t.Fatalf("expected idle after reset, got %v", got)
	}
	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeSuccess {
		t.Fatalf("expected success after reset, got %v", out)
	}
}

func TestEnsureStalenessResetsBudgetBeforeAttempt(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.MaxAttempts = 3 })
	h.client.ConnectErrs = []error{errors.New("a"), errors.New("b"), errors.New("c")}
	ctx := context.Background()

	h.m.EnsureConnectedAndPlaying(ctx)
	h.m.EnsureConnectedAndPlaying(ctx)
	if got := h.m.Attempts(); got != 2 {
		t.Fatalf("expected 2 attempts, got %d", got)
	}

	h.clock.Advance(6 * time.Minute)
	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeTransientFailure {
		t.Fatalf("expected transient failure, got %v", out)
	}
	// the stale budget is forgiven, the attempt just made is not
	if got := h.m.Attempts(); got != 1 {
		t.Fatalf("expected counter 1 after staleness reset, got %d", got)
	}
	waits := h.sleeper.Waits()
	if last := waits[len(waits)-1]; last != time.Second+testJitter {
		t.Fatalf("expected backoff back at initial, waited %v", last)
	}
}

func TestConcurrentEnsureIssuesSingleConnect(t *testing.T) {
	h := newHarness(t, nil)
	started := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	h.client.ConnectHook = func(ctx context.Context) {
		once.Do(func() { close(started) })
		<-release
	}
	ctx := context.Background()

	first := make(chan Outcome, 1)
	go func() { first <- h.m.EnsureConnectedAndPlaying(ctx) }()
	<-started

	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeSkipped {
		t.Fatalf("expected concurrent call to be skipped, got %v", out)
	}
	close(release)

	if out := <-first; out != OutcomeSuccess {
		t.Fatalf("expected first call to succeed, got %v", out)
	}
	if got := h.client.Calls("connect"); got != 1 {
		t.Fatalf("expected exactly one connect, got %d", got)
	}
}

func TestManyConcurrentTriggers(t *testing.T) {
	h := newHarness(t, nil)
	h.client.ConnectHook = func(ctx context.Context) { time.Sleep(20 * time.Millisecond) }
	ctx := context.Background()

	var wg sync.WaitGroup
	var successes atomic.Int32
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if h.m.EnsureConnectedAndPlaying(ctx) == OutcomeSuccess {
				successes.Add(1)
			}
		}()
	}
	wg.Wait()

	if got := h.client.Calls("connect"); got != 1 {
		t.Fatalf("expected exactly one connect, got %d", got)
	}
	if got := successes.Load(); got != 1 {
		t.Fatalf("expected exactly one success, got %d", got)
	}
}

func TestStuckConnectDoesNotWedgeGuard(t *testing.T) {
	h := newHarness(t, func(o *Options) { o.ConnectTimeout = 20 * time.Millisecond })
	stuck := make(chan struct{})
	t.Cleanup(func() { close(stuck) })
	var calls atomic.Int32
	h.client.ConnectHook = func(ctx context.Context) {
		if calls.Add(1) == 1 {
			<-stuck // ignores ctx
		}
	}
	ctx := context.Background()

	done := make(chan Outcome, 1)
	go func() { done <- h.m.EnsureConnectedAndPlaying(ctx) }()
	select {
	case out := <-done:
		if out != OutcomeTransientFailure {
			t.Fatalf("expected transient failure on timeout, got %v", out)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("ensure did not return after connect timeout")
	}

	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeSuccess {
		t.Fatalf("expected guard released and success, got %v", out)
	}
}

func TestLaunchFailureKeepsSession(t *testing.T) {
	h := newHarness(t, nil)
	h.launcher.Errs = []error{errors.New("ffmpeg exited")}
	ctx := context.Background()

	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeTransientFailure {
		t.Fatalf("expected transient failure, got %v", out)
	}
	if got := h.m.State(); got != StateConnectedIdle {
		t.Fatalf("expected connected-idle, got %v", got)
	}
	if got := h.client.Calls("disconnect"); got != 0 {
		t.Fatalf("launch failure must not tear down the session, got %d disconnects", got)
	}

	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeSuccess {
		t.Fatalf("expected success on retry, got %v", out)
	}
	if got := h.client.Calls("connect"); got != 1 {
		t.Fatalf("retry must reuse the session, got %d connects", got)
	}
	if got := h.launcher.Starts(); got != 2 {
		t.Fatalf("expected 2 launcher starts, got %d", got)
	}
}

func TestStaleSessionIsForceDisconnected(t *testing.T) {
	h := newHarness(t, nil)
	other := testutil.NewFakeSession(testTarget.GuildID, "other-channel")
	h.client.SetCurrent(other)
	h.client.DisconnectErr = errors.New("already gone")

	if out := h.m.EnsureConnectedAndPlaying(context.Background()); out != OutcomeSuccess {
		t.Fatalf("expected success, got %v", out)
	}
	if got := h.client.Calls("disconnect"); got != 1 {
		t.Fatalf("expected one disconnect, got %d", got)
	}
	if got := h.client.Calls("connect"); got != 1 {
		t.Fatalf("expected one connect, got %d", got)
	}
	if !h.m.LeftDeliberately("other-channel") {
		t.Fatal("manager-initiated disconnect should be reported as deliberate")
	}
	if h.m.LeftDeliberately(testTarget.ChannelID) {
		t.Fatal("leaving the target channel was not requested by the manager")
	}
	h.clock.Advance(time.Minute)
	if h.m.LeftDeliberately("other-channel") {
		t.Fatal("deliberate window should expire")
	}
}

func TestReconnectToTargetClearsDeliberateLeave(t *testing.T) {
	h := newHarness(t, nil)
	stale := testutil.NewFakeSession(testTarget.GuildID, testTarget.ChannelID)
	stale.SetConnected(false)
	h.client.SetCurrent(stale)

	if out := h.m.EnsureConnectedAndPlaying(context.Background()); out != OutcomeSuccess {
		t.Fatalf("expected success, got %v", out)
	}
	if got := h.client.Calls("disconnect"); got != 1 {
		t.Fatalf("expected the stale session to be dropped, got %d disconnects", got)
	}
	if h.m.LeftDeliberately(testTarget.ChannelID) {
		t.Fatal("a leave of the rejoined target channel must count as a drop")
	}
}

func TestFatalErrorsGiveUp(t *testing.T) {
	tests := []struct {
		name  string
		setup func(h *harness)
		conns int
	}{
		{"channel not found", func(h *harness) {
			h.client.ResolveErr = &voice.NotFoundError{Kind: "channel", ID: testTarget.ChannelID}
		}, 0},
		{"auth close code", func(h *harness) {
			h.client.ConnectErrs = []error{&voice.ConnectError{Reason: "closed", Code: voice.CloseAuthenticationFailed}}
		}, 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t, nil)
			tt.setup(h)
			if out := h.m.EnsureConnectedAndPlaying(context.Background()); out != OutcomeGaveUp {
				t.Fatalf("expected gave up, got %v", out)
			}
			if got := h.m.State(); got != StateFailed {
				t.Fatalf("expected failed, got %v", got)
			}
			if got := h.client.Calls("connect"); got != tt.conns {
				t.Fatalf("expected %d connects, got %d", tt.conns, got)
			}
			if len(h.sleeper.Waits()) != 0 {
				t.Fatal("fatal errors must not back off")
			}
		})
	}
}

func TestTransientResolveErrorBacksOff(t *testing.T) {
	h := newHarness(t, nil)
	h.client.ResolveErr = errors.New("rest: 502 bad gateway")

	if out := h.m.EnsureConnectedAndPlaying(context.Background()); out != OutcomeTransientFailure {
		t.Fatalf("expected transient failure, got %v", out)
	}
	if len(h.sleeper.Waits()) != 1 {
		t.Fatalf("expected one backoff wait, got %v", h.sleeper.Waits())
	}
}

type panickyClient struct {
	*testutil.FakeClient
	panics atomic.Bool
}

func (p *panickyClient) CurrentSession(guildID string) voice.Session {
	if p.panics.Load() {
		panic("boom")
	}
	return p.FakeClient.CurrentSession(guildID)
}

func TestPanicMapsToTransientFailure(t *testing.T) {
	client := &panickyClient{FakeClient: testutil.NewFakeClient()}
	client.panics.Store(true)
	m := NewManager(client, &testutil.FakeLauncher{}, testTarget, Options{
		Sleep:  (&testutil.Sleeper{}).Sleep,
		Jitter: func() time.Duration { return 0 },
	})
	ctx := context.Background()

	if out := m.EnsureConnectedAndPlaying(ctx); out != OutcomeTransientFailure {
		t.Fatalf("expected transient failure, got %v", out)
	}
	client.panics.Store(false)
	if out := m.EnsureConnectedAndPlaying(ctx); out != OutcomeSuccess {
		t.Fatalf("expected guard released after panic, got %v", out)
	}
}

func TestPlaybackEndedIsPublished(t *testing.T) {
	h := newHarness(t, nil)
	if out := h.m.EnsureConnectedAndPlaying(context.Background()); out != OutcomeSuccess {
		t.Fatalf("expected success, got %v", out)
	}

	cause := errors.New("stream eof")
	h.launcher.Last().Finish(cause)

	select {
	case res := <-h.m.PlaybackEnded():
		if !errors.Is(res.Err, cause) {
			t.Fatalf("expected %v, got %v", cause, res.Err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("playback end was not published")
	}
	if got := h.m.State(); got != StateConnectedIdle {
		t.Fatalf("expected connected-idle after playback end, got %v", got)
	}

	// the next check restarts playback only
	if out := h.m.EnsureConnectedAndPlaying(context.Background()); out != OutcomeSuccess {
		t.Fatalf("expected success, got %v", out)
	}
	if got := h.client.Calls("connect"); got != 1 {
		t.Fatalf("expected no reconnect, got %d connects", got)
	}
}

func TestCloseLeavesChannelAndRejectsAttempts(t *testing.T) {
	h := newHarness(t, nil)
	ctx := context.Background()
	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeSuccess {
		t.Fatalf("expected success, got %v", out)
	}

	if err := h.m.Close(ctx); err != nil {
		t.Fatalf("close: %v", err)
	}
	if got := h.client.Calls("disconnect"); got != 1 {
		t.Fatalf("expected one disconnect on close, got %d", got)
	}
	if !h.m.LeftDeliberately(testTarget.ChannelID) {
		t.Fatal("closed manager should report deliberate departure")
	}
	if out := h.m.EnsureConnectedAndPlaying(ctx); out != OutcomeSkipped {
		t.Fatalf("expected skipped after close, got %v", out)
	}
	if err := h.m.Close(ctx); err != nil {
		t.Fatalf("second close: %v", err)
	}
}

func TestStatusSnapshot(t *testing.T) {
	h := newHarness(t, nil)
	st := h.m.Status()
	if st.State != "idle" || st.LastOutcome != "" || st.MaxAttempts != 10 {
		t.Fatalf("unexpected initial status %+v", st)
	}

	h.client.ConnectErrs = []error{errors.New("refused")}
	h.m.EnsureConnectedAndPlaying(context.Background())
	st = h.m.Status()
	if st.State != "idle" || st.Attempts != 1 || st.LastOutcome != "transient_failure" || st.LastError == "" {
		t.Fatalf("unexpected status after failure %+v", st)
	}
	if st.BackoffSecs != 2 {
		t.Fatalf("expected backoff doubled to 2s, got %v", st.BackoffSecs)
	}
	if st.GuildID != testTarget.GuildID || st.ChannelID != testTarget.ChannelID {
		t.Fatalf("unexpected target in status %+v", st)
	}
}

func TestOutcomeAndStateStrings(t *testing.T) {
	if OutcomeAlreadyHealthy.String() != "already_healthy" || Outcome(99).String() != "unknown" {
		t.Fatal("unexpected outcome names")
	}
	if StateConnectedIdle.String() != "connected-idle" || State(99).String() != "unknown" {
		t.Fatal("unexpected state names")
	}
	if !OutcomeSuccess.Healthy() || OutcomeSkipped.Healthy() {
		t.Fatal("unexpected Healthy() results")
	}
}
