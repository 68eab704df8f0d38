package relay

import (
	"errors"
	"time"
)

// ErrBudgetExhausted is recorded as the last error once the attempt budget is
// spent. The manager stays in StateFailed until Reset is called.
var ErrBudgetExhausted = errors.New("connection attempt budget exhausted")

// State is the process-wide connection state. Only the Manager mutates it.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnectedPlaying
	StateConnectedIdle
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnectedPlaying:
		return "connected-playing"
	case StateConnectedIdle:
		return "connected-idle"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Outcome is the result of one EnsureConnectedAndPlaying call.
type Outcome int

const (
	OutcomeSuccess Outcome = iota
	OutcomeAlreadyHealthy
	OutcomeGaveUp
	OutcomeTransientFailure
	// OutcomeSkipped means no attempt was made: another one was in flight or
	// the manager is closed.
	OutcomeSkipped
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeAlreadyHealthy:
		return "already_healthy"
	case OutcomeGaveUp:
		return "gave_up"
	case OutcomeTransientFailure:
		return "transient_failure"
	case OutcomeSkipped:
		return "skipped"
	default:
		return "unknown"
	}
}

// Healthy reports whether the session is connected and playing after the call.
func (o Outcome) Healthy() bool {
	return o == OutcomeSuccess || o == OutcomeAlreadyHealthy
}

// PlaybackResult is published when a playback pipeline ends.
type PlaybackResult struct {
	Err   error
	Ended time.Time
}

// Status is a point-in-time copy of the manager's bookkeeping.
type Status struct {
	State       string    `json:"state"`
	GuildID     string    `json:"guild_id"`
	ChannelID   string    `json:"channel_id"`
	Attempts    int       `json:"attempts"`
	MaxAttempts int       `json:"max_attempts"`
	BackoffSecs float64   `json:"backoff_seconds"`
	InFlight    bool      `json:"in_flight"`
	LastAttempt time.Time `json:"last_attempt,omitempty"`
	LastSuccess time.Time `json:"last_success,omitempty"`
	LastOutcome string    `json:"last_outcome,omitempty"`
	LastError   string    `json:"last_error,omitempty"`
}
