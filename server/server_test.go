package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/relay"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/testutil"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/voice"
)

var testTarget = voice.Target{GuildID: "guild-1", ChannelID: "chan-1"}

func newTestRelay(t *testing.T, maxAttempts int) (*relay.Manager, *testutil.FakeClient) {
	t.Helper()
	client := testutil.NewFakeClient()
	m := relay.NewManager(client, &testutil.FakeLauncher{}, testTarget, relay.Options{
		StreamURL:   "https://example.test/radio.mp3",
		MaxAttempts: maxAttempts,
		Sleep:       (&testutil.Sleeper{}).Sleep,
		Jitter:      func() time.Duration { return 0 },
	})
	return m, client
}

func newTestMux(t *testing.T, rl Relay, opts Options) (http.Handler, *Handlers) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return NewMux(ctx, rl, opts)
}

func do(h http.Handler, method, path string, mutate func(*http.Request)) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	if mutate != nil {
		mutate(req)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestHealthzOK(t *testing.T) {
	m, _ := newTestRelay(t, 10)
	h, _ := newTestMux(t, m, Options{})

	rr := do(h, http.MethodGet, "/healthz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d, body=%s", rr.Code, rr.Body.String())
	}
	if got := rr.Body.String(); got != "ok" {
		t.Fatalf("expected ok body, got %q", got)
	}
}

func TestReadyzFollowsConnectionState(t *testing.T) {
	m, _ := newTestRelay(t, 10)
	h, _ := newTestMux(t, m, Options{})

	rr := do(h, http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503 before connecting, got %d", rr.Code)
	}
	var resp map[string]string
	if err := json.NewDecoder(rr.Body).Decode(&resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp["status"] != "not_ready" || resp["state"] != "idle" {
		t.Fatalf("unexpected body %v", resp)
	}

	if out := m.EnsureConnectedAndPlaying(context.Background()); out != relay.OutcomeSuccess {
		t.Fatalf("expected success, got %v", out)
	}
	rr = do(h, http.MethodGet, "/readyz", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200 while playing, got %d, body=%s", rr.Code, rr.Body.String())
	}
}

func TestStatusSnapshot(t *testing.T) {
	m, client := newTestRelay(t, 10)
	client.ConnectErrs = []error{errors.New("refused")}
	m.EnsureConnectedAndPlaying(context.Background())
	h, _ := newTestMux(t, m, Options{})

	rr := do(h, http.MethodGet, "/status", nil)
	if rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
	if ct := rr.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("unexpected content type %q", ct)
	}
	var st relay.Status
	if err := json.NewDecoder(rr.Body).Decode(&st); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if st.GuildID != testTarget.GuildID || st.Attempts != 1 || st.LastOutcome != "transient_failure" || st.LastError == "" {
		t.Fatalf("unexpected status %+v", st)
	}

	if rr := do(h, http.MethodPost, "/status", nil); rr.Code != http.StatusMethodNotAllowed {
		t.Fatalf("expected 405 for POST /status, got %d", rr.Code)
	}
}

func TestAdminResetRecoversFromFailed(t *testing.T) {
	m, client := newTestRelay(t, 1)
	client.ConnectErrs = []error{errors.New("refused")}
	ctx := context.Background()
	m.EnsureConnectedAndPlaying(ctx)
	if out := m.EnsureConnectedAndPlaying(ctx); out != relay.OutcomeGaveUp {
		t.Fatalf("expected gave up, got %v", out)
	}
	h, handlers := newTestMux(t, m, Options{})

	rr := do(h, http.MethodPost, "/admin/reset", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d, body=%s", rr.Code, rr.Body.String())
	}
	handlers.Wait()

	if got := m.State(); got != relay.StateConnectedPlaying {
		t.Fatalf("expected connected-playing after reset, got %v", got)
	}
}

func TestAdminReconnectRequestsOneAttempt(t *testing.T) {
	m, client := newTestRelay(t, 10)
	h, handlers := newTestMux(t, m, Options{})

	rr := do(h, http.MethodPost, "/admin/reconnect", nil)
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d", rr.Code)
	}
	handlers.Wait()

	if got := client.Calls("connect"); got != 1 {
		t.Fatalf("expected one connect, got %d", got)
	}
}

func TestAdminRejectsGet(t *testing.T) {
	m, client := newTestRelay(t, 10)
	h, handlers := newTestMux(t, m, Options{})

	for _, path := range []string{"/admin/reset", "/admin/reconnect"} {
		if rr := do(h, http.MethodGet, path, nil); rr.Code != http.StatusMethodNotAllowed {
			t.Fatalf("GET %s: expected 405, got %d", path, rr.Code)
		}
	}
	handlers.Wait()
	if client.Calls("connect") != 0 {
		t.Fatal("rejected requests must not trigger attempts")
	}
}

func TestAdminRequiresAuthWhenConfigured(t *testing.T) {
	m, _ := newTestRelay(t, 10)
	h, handlers := newTestMux(t, m, Options{AdminToken: "s3cret"})
	defer handlers.Wait()

	if rr := do(h, http.MethodPost, "/admin/reconnect", nil); rr.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without token, got %d", rr.Code)
	}
	rr := do(h, http.MethodPost, "/admin/reconnect", func(r *http.Request) {
		r.Header.Set("X-Admin-Token", "s3cret")
	})
	if rr.Code != http.StatusAccepted {
		t.Fatalf("expected 202 with token, got %d", rr.Code)
	}
	if rr := do(h, http.MethodGet, "/status", nil); rr.Code != http.StatusOK {
		t.Fatalf("status must stay public, got %d", rr.Code)
	}
}

func TestAdminRateLimited(t *testing.T) {
	m, _ := newTestRelay(t, 10)
	h, handlers := newTestMux(t, m, Options{RateLimitRPS: 0.001, RateLimitBurst: 1})
	defer handlers.Wait()

	if rr := do(h, http.MethodPost, "/admin/reconnect", nil); rr.Code != http.StatusAccepted {
		t.Fatalf("first request: expected 202, got %d", rr.Code)
	}
	rr := do(h, http.MethodPost, "/admin/reconnect", nil)
	if rr.Code != http.StatusTooManyRequests {
		t.Fatalf("second request: expected 429, got %d", rr.Code)
	}
	// non-admin routes are never limited
	for i := 0; i < 5; i++ {
		if rr := do(h, http.MethodGet, "/healthz", nil); rr.Code != http.StatusOK {
			t.Fatalf("healthz %d: expected 200, got %d", i, rr.Code)
		}
	}
}

func TestCorrelationHeader(t *testing.T) {
	m, _ := newTestRelay(t, 10)
	h, _ := newTestMux(t, m, Options{})

	rr := do(h, http.MethodGet, "/healthz", func(r *http.Request) {
		r.Header.Set("X-Correlation-ID", "abc-123")
	})
	if got := rr.Header().Get("X-Correlation-ID"); got != "abc-123" {
		t.Fatalf("expected echoed correlation id, got %q", got)
	}
	rr = do(h, http.MethodGet, "/healthz", nil)
	if rr.Header().Get("X-Correlation-ID") == "" {
		t.Fatal("expected a generated correlation id")
	}
}

func TestMetricsEndpoint(t *testing.T) {
	m, _ := newTestRelay(t, 10)
	h, _ := newTestMux(t, m, Options{})

	if rr := do(h, http.MethodGet, "/metrics", nil); rr.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rr.Code)
	}
}

func TestStartAndShutdown(t *testing.T) {
	m, _ := newTestRelay(t, 10)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- Start(ctx, m, Options{Addr: "127.0.0.1:0"}) }()

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("server returned error: %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("server did not shut down")
	}
}
