package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/relay"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/telemetry"
)

// Handlers holds dependencies for all HTTP handlers.
type Handlers struct {
	ctx   context.Context
	relay Relay
	wg    sync.WaitGroup
}

// NewHandlers creates a new Handlers instance with the given dependencies.
// Admin-triggered attempts run on ctx, not on the request context.
func NewHandlers(ctx context.Context, rl Relay) *Handlers {
	return &Handlers{ctx: ctx, relay: rl}
}

// Wait blocks until admin-triggered attempts have returned.
func (h *Handlers) Wait() { h.wg.Wait() }

// HandleHealthz responds to liveness probes. The process is alive as long as
// it can answer.
func (h *Handlers) HandleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

// HandleReadyz reports ready only while the relay is connected and playing.
func (h *Handlers) HandleReadyz(w http.ResponseWriter, r *http.Request) {
	state := h.relay.State()
	if state != relay.StateConnectedPlaying {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not_ready",
			"state":  state.String(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready", "state": state.String()})
}

// HandleStatus returns the manager's bookkeeping snapshot.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.relay.Status())
}

// HandleAdminReset leaves the failed state and requests one attempt.
func (h *Handlers) HandleAdminReset(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	telemetry.IncVec(telemetry.AdminRequests, "reset")
	telemetry.LoggerWithCorr(r.Context()).Info("admin reset requested", slog.String("component", "http"))
	h.relay.Reset()
	h.trigger(r.Context(), "reset")
	writeJSON(w, http.StatusAccepted, h.relay.Status())
}

// HandleAdminReconnect requests one attempt without touching the budget.
func (h *Handlers) HandleAdminReconnect(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	telemetry.IncVec(telemetry.AdminRequests, "reconnect")
	telemetry.LoggerWithCorr(r.Context()).Info("admin reconnect requested", slog.String("component", "http"))
	h.trigger(r.Context(), "reconnect")
	writeJSON(w, http.StatusAccepted, h.relay.Status())
}

// trigger runs one ensure in the background; an attempt can outlast the
// request's write timeout.
func (h *Handlers) trigger(reqCtx context.Context, action string) {
	ctx := telemetry.WithCorrelation(h.ctx, telemetry.GetCorrelation(reqCtx))
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		out := h.relay.EnsureConnectedAndPlaying(ctx)
		telemetry.LoggerWithCorr(ctx).Info("admin-triggered attempt finished",
			slog.String("action", action), slog.String("outcome", out.String()), slog.String("component", "http"))
	}()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
