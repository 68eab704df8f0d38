// Package voice defines the contracts between the relay core and the outside
// world: the chat-platform session client that owns voice connections, and the
// launcher that feeds a live stream into an open session.
//
// Production adapters live in the discord and stream packages; tests use the
// fakes in testutil.
package voice

import (
	"context"
)

// Identity is the account the session client logged in as.
type Identity struct {
	ID       string
	Username string
}

// Target names the group (guild) and channel the relay keeps a presence in.
// It is resolved once at startup and never mutated.
type Target struct {
	GuildID   string
	ChannelID string
}

// ChannelRef is a resolved, existing voice channel.
type ChannelRef struct {
	GuildID   string
	ChannelID string
	Name      string
}

// Session is an open voice connection. Only the relay manager holds and
// mutates sessions; everything else observes them through SessionClient.
type Session interface {
	GuildID() string
	ChannelID() string
}

// OpusSink is implemented by sessions that accept 20ms Opus frames.
type OpusSink interface {
	Session
	// Speaking toggles the speaking indicator. A session that is speaking is
	// reported as playing by its client.
	Speaking(on bool) error
	// SendOpus blocks until the frame is handed to the transport, ctx ends,
	// or the transport stops draining frames.
	SendOpus(ctx context.Context, frame []byte) error
}

// SessionClient is the chat-platform gateway client.
type SessionClient interface {
	Login(ctx context.Context, credential string) (Identity, error)
	ResolveChannel(ctx context.Context, guildID, channelID string) (ChannelRef, error)
	// Connect joins ref. Implementations honour ctx as the connect timeout.
	Connect(ctx context.Context, ref ChannelRef) (Session, error)
	Disconnect(ctx context.Context, s Session, force bool) error
	// CurrentSession returns the live session for guildID, or nil.
	CurrentSession(guildID string) Session
	IsConnected(s Session) bool
	IsPlaying(s Session) bool
}

// Membership is the relay identity's channel membership at one point in time.
// An empty ChannelID means "not in any voice channel".
type Membership struct {
	GuildID   string
	ChannelID string
}

// Notifier receives session lifecycle notifications from a SessionClient.
type Notifier interface {
	OnSessionReady()
	OnMembershipChanged(before, after Membership)
}

// Playback is one running stream-to-session pipeline.
type Playback interface {
	// Done receives exactly one value when the pipeline ends: nil when the
	// stream finished normally, the cause otherwise. It is then closed.
	Done() <-chan error
	// Stop terminates the pipeline. It is safe to call more than once.
	Stop()
}

// Launcher starts playback pipelines. ctx bounds the start-up only; the
// returned Playback runs until the stream ends or Stop is called.
type Launcher interface {
	Start(ctx context.Context, s Session, streamURL string) (Playback, error)
}
