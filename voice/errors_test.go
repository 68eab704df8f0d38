package voice

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/gorilla/websocket"
)

func TestErrorClassString(t *testing.T) {
	tests := []struct {
		class ErrorClass
		want  string
	}{
		{ErrorClassRetryable, "retryable"},
		{ErrorClassFatal, "fatal"},
		{ErrorClassUnknown, "unknown"},
		{ErrorClass(999), "unknown"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			if got := tt.class.String(); got != tt.want {
				t.Errorf("ErrorClass.String() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ErrorClass
	}{
		{"nil", nil, ErrorClassUnknown},
		{"config", &ConfigError{Field: "DISCORD_TOKEN", Reason: "missing"}, ErrorClassFatal},
		{"auth", &AuthError{Err: errors.New("bad token")}, ErrorClassFatal},
		{"wrapped auth", fmt.Errorf("login: %w", &AuthError{Err: errors.New("bad token")}), ErrorClassFatal},
		{"channel not found", &NotFoundError{Kind: "channel", ID: "42"}, ErrorClassFatal},
		{"connect", &ConnectError{Reason: "timeout"}, ErrorClassRetryable},
		{"session invalidated", &ConnectError{Reason: "closed", Code: CloseSessionNoLongerValid}, ErrorClassRetryable},
		{"connect with auth close", &ConnectError{Reason: "closed", Code: CloseAuthenticationFailed}, ErrorClassFatal},
		{"raw close 4006", &websocket.CloseError{Code: 4006, Text: "Session no longer valid"}, ErrorClassRetryable},
		{"raw close 4004", fmt.Errorf("open: %w", &websocket.CloseError{Code: 4004}), ErrorClassFatal},
		{"raw close 4014", &websocket.CloseError{Code: 4014}, ErrorClassFatal},
		{"launch", &LaunchError{Err: errors.New("ffmpeg: not found")}, ErrorClassRetryable},
		{"deadline", context.DeadlineExceeded, ErrorClassRetryable},
		{"unknown", errors.New("something odd"), ErrorClassRetryable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.err); got != tt.want {
				t.Errorf("Classify(%v) = %v, want %v", tt.err, got, tt.want)
			}
		})
	}
}

func TestCloseCode(t *testing.T) {
	if _, ok := CloseCode(errors.New("plain")); ok {
		t.Fatal("plain error should carry no close code")
	}
	code, ok := CloseCode(&ConnectError{Reason: "x", Code: 4006, Err: &websocket.CloseError{Code: 1000}})
	if !ok || code != 4006 {
		t.Fatalf("ConnectError code should win, got %d ok=%v", code, ok)
	}
	code, ok = CloseCode(&ConnectError{Reason: "x", Err: &websocket.CloseError{Code: 4009}})
	if !ok || code != 4009 {
		t.Fatalf("expected wrapped close code 4009, got %d ok=%v", code, ok)
	}
}

func TestConnectErrorSessionInvalidated(t *testing.T) {
	if !(&ConnectError{Code: CloseSessionNoLongerValid}).SessionInvalidated() {
		t.Fatal("4006 should report session invalidated")
	}
	if (&ConnectError{Code: 4009}).SessionInvalidated() {
		t.Fatal("4009 should not report session invalidated")
	}
	err := &ConnectError{Reason: "closed", Code: 4006}
	if err.Error() != "voice connect failed (code 4006): closed" {
		t.Fatalf("unexpected message %q", err.Error())
	}
}
