// Package server exposes the relay's HTTP surface: liveness, readiness, a JSON
// status snapshot, metrics, and admin actions to reset or nudge the connection
// manager. It injects correlation IDs into request contexts for consistent logging.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/relay"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/telemetry"
)

// Relay is the part of *relay.Manager the HTTP surface needs.
type Relay interface {
	relay.Reconnector
	State() relay.State
	Status() relay.Status
	Reset()
}

// Options configures the HTTP surface.
type Options struct {
	Addr string

	AdminToken    string
	AdminUsername string
	AdminPassword string

	// RateLimitRPS and RateLimitBurst bound admin requests per client IP.
	// A non-positive RateLimitRPS disables limiting.
	RateLimitRPS   float64
	RateLimitBurst int
}

// NewMux returns the HTTP handler with all routes, plus the Handlers so the
// caller can wait for admin-triggered work on shutdown.
// The provided context bounds background work and the limiter cleanup loop.
func NewMux(ctx context.Context, rl Relay, opts Options) (http.Handler, *Handlers) {
	authCfg := newAuthConfig(opts.AdminUsername, opts.AdminPassword, opts.AdminToken)
	limiter := newIPRateLimiter(ctx, &rateLimiterConfig{
		enabled: opts.RateLimitRPS > 0,
		rps:     opts.RateLimitRPS,
		burst:   opts.RateLimitBurst,
	})
	corsCfg := loadCORSConfig()

	handlers := NewHandlers(ctx, rl)

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", handlers.HandleHealthz)
	mux.HandleFunc("/readyz", handlers.HandleReadyz)
	mux.HandleFunc("/status", handlers.HandleStatus)
	mux.HandleFunc("/admin/reset", handlers.HandleAdminReset)
	mux.HandleFunc("/admin/reconnect", handlers.HandleAdminReconnect)

	// auth first, then rate limiting, on admin routes only
	admin := adminAuth(rateLimitMiddleware(mux, limiter), authCfg)
	selectiveHandler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if strings.HasPrefix(r.URL.Path, "/admin/") {
			admin.ServeHTTP(w, r)
			return
		}
		mux.ServeHTTP(w, r)
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Reuse corr header if provided else generate
		corr := r.Header.Get("X-Correlation-ID")
		if corr == "" {
			corr = uuid.New().String()
		}
		ctx := telemetry.WithCorrelation(r.Context(), corr)
		w.Header().Set("X-Correlation-ID", corr)

		ctx, span := telemetry.StartSpan(ctx, "http-server", r.Method+" "+r.URL.Path,
			telemetry.HTTPMethodAttr(r.Method),
			telemetry.HTTPRouteAttr(r.URL.Path),
		)
		defer span.End()

		telemetry.LoggerWithCorr(ctx).Debug("request start", slog.String("method", r.Method), slog.String("path", r.URL.Path), slog.String("component", "http"))

		wrappedWriter := &statusRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		selectiveHandler.ServeHTTP(wrappedWriter, r.WithContext(ctx))

		telemetry.SetSpanHTTPStatus(span, wrappedWriter.statusCode)
		if wrappedWriter.statusCode >= 400 {
			code, msg := telemetry.ErrorStatus(fmt.Sprintf("HTTP %d", wrappedWriter.statusCode))
			span.SetStatus(code, msg)
		}
	})
	return withCORSConfig(handler, corsCfg), handlers
}

// statusRecorder wraps ResponseWriter to capture status code
type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}

// Start runs the HTTP server and shuts down gracefully on context cancellation.
// It returns once the server has stopped and admin-triggered work has finished.
func Start(ctx context.Context, rl Relay, opts Options) error {
	handler, handlers := NewMux(ctx, rl, opts)
	srv := &http.Server{
		Addr:              opts.Addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		<-ctx.Done()
		// Use WithoutCancel to inherit context values but allow shutdown to complete
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			slog.Error("http server shutdown error", slog.Any("err", err))
		}
	}()

	slog.Info("http server listening", slog.String("addr", opts.Addr), slog.String("component", "http"))
	err := srv.ListenAndServe()
	handlers.Wait()
	if err != nil && err != http.ErrServerClosed {
		slog.Error("http server error", slog.Any("err", err))
		return err
	}
	return nil
}
