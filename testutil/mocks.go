// Package testutil provides in-memory fakes of the voice collaborators so the
// relay core can be exercised without a chat platform or a decoder process.
package testutil

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/voice"
)

// FakeSession is a voice.OpusSink held in memory.
type FakeSession struct {
	Guild   string
	Channel string

	connected atomic.Bool
	speaking  atomic.Bool
	frames    atomic.Int64
}

// NewFakeSession returns a connected, silent session.
func NewFakeSession(guildID, channelID string) *FakeSession {
	s := &FakeSession{Guild: guildID, Channel: channelID}
	s.connected.Store(true)
	return s
}

func (s *FakeSession) GuildID() string   { return s.Guild }
func (s *FakeSession) ChannelID() string { return s.Channel }

// SetConnected flips the connected flag reported by FakeClient.IsConnected.
func (s *FakeSession) SetConnected(v bool) { s.connected.Store(v) }

// SetPlaying flips the flag reported by FakeClient.IsPlaying.
func (s *FakeSession) SetPlaying(v bool) { s.speaking.Store(v) }

func (s *FakeSession) Speaking(on bool) error {
	s.speaking.Store(on)
	return nil
}

func (s *FakeSession) SendOpus(ctx context.Context, frame []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if !s.connected.Load() {
		return errors.New("session closed")
	}
	s.frames.Add(1)
	return nil
}

// Frames returns how many frames were sent.
func (s *FakeSession) Frames() int64 { return s.frames.Load() }

// FakeClient is a scripted voice.SessionClient that counts every call.
type FakeClient struct {
	mu sync.Mutex

	// Current is the session reported by CurrentSession.
	Current *FakeSession
	// ConnectErrs are returned by successive Connect calls; once drained,
	// Connect succeeds.
	ConnectErrs []error
	// ConnectHook, when set, runs at the start of every Connect.
	ConnectHook   func(ctx context.Context)
	ResolveErr    error
	LoginErr      error
	DisconnectErr error
	// ChannelName is reported on resolved channels.
	ChannelName string

	calls map[string]int
}

// NewFakeClient returns a client with no current session.
func NewFakeClient() *FakeClient {
	return &FakeClient{calls: make(map[string]int), ChannelName: "radio"}
}

var _ voice.SessionClient = (*FakeClient)(nil)

func (c *FakeClient) count(name string) {
	c.mu.Lock()
	if c.calls == nil {
		c.calls = make(map[string]int)
	}
	c.calls[name]++
	c.mu.Unlock()
}

// Calls returns how often the named method was called: login, resolve,
// connect, disconnect, current, is_connected, is_playing.
func (c *FakeClient) Calls(name string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls[name]
}

// Mutations returns the number of connect and disconnect calls.
func (c *FakeClient) Mutations() int {
	return c.Calls("connect") + c.Calls("disconnect")
}

// SetCurrent replaces the current session.
func (c *FakeClient) SetCurrent(s *FakeSession) {
	c.mu.Lock()
	c.Current = s
	c.mu.Unlock()
}

func (c *FakeClient) Login(ctx context.Context, credential string) (voice.Identity, error) {
	c.count("login")
	if c.LoginErr != nil {
		return voice.Identity{}, c.LoginErr
	}
	return voice.Identity{ID: "1", Username: "relay"}, nil
}

func (c *FakeClient) ResolveChannel(ctx context.Context, guildID, channelID string) (voice.ChannelRef, error) {
	c.count("resolve")
	if c.ResolveErr != nil {
		return voice.ChannelRef{}, c.ResolveErr
	}
	return voice.ChannelRef{GuildID: guildID, ChannelID: channelID, Name: c.ChannelName}, nil
}

func (c *FakeClient) Connect(ctx context.Context, ref voice.ChannelRef) (voice.Session, error) {
	c.count("connect")
	if c.ConnectHook != nil {
		c.ConnectHook(ctx)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.ConnectErrs) > 0 {
		err := c.ConnectErrs[0]
		c.ConnectErrs = c.ConnectErrs[1:]
		return nil, err
	}
	s := NewFakeSession(ref.GuildID, ref.ChannelID)
	c.Current = s
	return s, nil
}

func (c *FakeClient) Disconnect(ctx context.Context, s voice.Session, force bool) error {
	c.count("disconnect")
	c.mu.Lock()
	defer c.mu.Unlock()
	if fs, ok := s.(*FakeSession); ok {
		fs.SetConnected(false)
		fs.SetPlaying(false)
		if c.Current == fs {
			c.Current = nil
		}
	}
	return c.DisconnectErr
}

func (c *FakeClient) CurrentSession(guildID string) voice.Session {
	c.count("current")
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.Current == nil || c.Current.Guild != guildID {
		return nil
	}
	return c.Current
}

func (c *FakeClient) IsConnected(s voice.Session) bool {
	c.count("is_connected")
	fs, ok := s.(*FakeSession)
	return ok && fs.connected.Load()
}

func (c *FakeClient) IsPlaying(s voice.Session) bool {
	c.count("is_playing")
	fs, ok := s.(*FakeSession)
	return ok && fs.connected.Load() && fs.speaking.Load()
}

// FakePlayback is a voice.Playback driven by the test.
type FakePlayback struct {
	sess voice.Session
	done chan error
	once sync.Once
}

func newFakePlayback(s voice.Session) *FakePlayback {
	return &FakePlayback{sess: s, done: make(chan error, 1)}
}

func (p *FakePlayback) Done() <-chan error { return p.done }

// Stop ends playback normally.
func (p *FakePlayback) Stop() { p.Finish(nil) }

// Finish ends playback with err.
func (p *FakePlayback) Finish(err error) {
	p.once.Do(func() {
		if sink, ok := p.sess.(voice.OpusSink); ok {
			_ = sink.Speaking(false)
		}
		p.done <- err
		close(p.done)
	})
}

// FakeLauncher is a scripted voice.Launcher.
type FakeLauncher struct {
	mu sync.Mutex

	// Errs are returned by successive Start calls; once drained, Start
	// succeeds and marks the session as speaking.
	Errs []error
	// StartHook, when set, runs at the start of every Start.
	StartHook func(ctx context.Context)

	starts    int
	urls      []string
	playbacks []*FakePlayback
}

var _ voice.Launcher = (*FakeLauncher)(nil)

func (l *FakeLauncher) Start(ctx context.Context, s voice.Session, streamURL string) (voice.Playback, error) {
	l.mu.Lock()
	l.starts++
	l.urls = append(l.urls, streamURL)
	hook := l.StartHook
	l.mu.Unlock()

	if hook != nil {
		hook(ctx)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.Errs) > 0 {
		err := l.Errs[0]
		l.Errs = l.Errs[1:]
		return nil, &voice.LaunchError{Err: err}
	}
	if sink, ok := s.(voice.OpusSink); ok {
		_ = sink.Speaking(true)
	}
	pb := newFakePlayback(s)
	l.playbacks = append(l.playbacks, pb)
	return pb, nil
}

// Starts returns how many times Start was called.
func (l *FakeLauncher) Starts() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.starts
}

// URLs returns the stream URLs passed to Start.
func (l *FakeLauncher) URLs() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.urls...)
}

// Last returns the most recent successful playback, or nil.
func (l *FakeLauncher) Last() *FakePlayback {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.playbacks) == 0 {
		return nil
	}
	return l.playbacks[len(l.playbacks)-1]
}
