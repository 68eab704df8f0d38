// Package discord adapts a discordgo session to voice.SessionClient and turns
// gateway events into voice.Notifier calls.
package discord

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/bwmarrin/discordgo"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/voice"
)

// Intents are the only gateway intents the relay needs.
const Intents = discordgo.IntentsGuilds | discordgo.IntentsGuildVoiceStates

var errNotLoggedIn = errors.New("discord: not logged in")

// Client implements voice.SessionClient on top of discordgo.
type Client struct {
	mu        sync.Mutex
	sess      *discordgo.Session
	self      voice.Identity
	notifiers []voice.Notifier
	// wrappers keeps one voiceSession per connection so callers can compare
	// sessions by identity.
	wrappers map[*discordgo.VoiceConnection]*voiceSession
}

var _ voice.SessionClient = (*Client)(nil)

// NewClient returns a client that is not yet logged in.
func NewClient() *Client {
	return &Client{wrappers: make(map[*discordgo.VoiceConnection]*voiceSession)}
}

// Subscribe registers n for readiness and membership notifications. Call it
// before Login so the first readiness event is not missed.
func (c *Client) Subscribe(n voice.Notifier) {
	c.mu.Lock()
	c.notifiers = append(c.notifiers, n)
	c.mu.Unlock()
}

// Login opens the gateway with the bot token. A rejected token is reported as
// *voice.AuthError.
func (c *Client) Login(ctx context.Context, credential string) (voice.Identity, error) {
	s, err := discordgo.New(botToken(credential))
	if err != nil {
		return voice.Identity{}, fmt.Errorf("discord: new session: %w", err)
	}
	s.Identify.Intents = Intents
	s.AddHandler(c.onReady)
	s.AddHandler(c.onVoiceStateUpdate)

	// a REST round trip rejects bad tokens with a clear 401 before the
	// gateway gets a chance to retry them
	if _, err := s.User("@me", discordgo.WithContext(ctx)); err != nil {
		return voice.Identity{}, loginError(err)
	}

	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()

	if err := s.Open(); err != nil {
		return voice.Identity{}, loginError(err)
	}

	id := voice.Identity{}
	if s.State != nil && s.State.User != nil {
		id = voice.Identity{ID: s.State.User.ID, Username: s.State.User.Username}
	}
	c.mu.Lock()
	if c.self.ID == "" {
		c.self = id
	}
	id = c.self
	c.mu.Unlock()
	slog.Info("logged in", slog.String("user", id.Username), slog.String("id", id.ID), slog.String("component", "discord"))
	return id, nil
}

// Close closes the gateway connection.
func (c *Client) Close() error {
	s := c.session()
	if s == nil {
		return nil
	}
	return s.Close()
}

func (c *Client) session() *discordgo.Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *Client) selfID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.self.ID
}

// ResolveChannel confirms the guild is reachable and the channel is a voice
// channel inside it.
func (c *Client) ResolveChannel(ctx context.Context, guildID, channelID string) (voice.ChannelRef, error) {
	s := c.session()
	if s == nil {
		return voice.ChannelRef{}, errNotLoggedIn
	}

	if _, err := s.State.Guild(guildID); err != nil {
		if _, err := s.Guild(guildID, discordgo.WithContext(ctx)); err != nil {
			if isMissing(err) {
				return voice.ChannelRef{}, &voice.NotFoundError{Kind: "guild", ID: guildID}
			}
			return voice.ChannelRef{}, fmt.Errorf("discord: fetch guild %s: %w", guildID, err)
		}
	}

	ch, err := s.State.Channel(channelID)
	if err != nil {
		ch, err = s.Channel(channelID, discordgo.WithContext(ctx))
		if err != nil {
			if isMissing(err) {
				return voice.ChannelRef{}, &voice.NotFoundError{Kind: "channel", ID: channelID}
			}
			return voice.ChannelRef{}, fmt.Errorf("discord: fetch channel %s: %w", channelID, err)
		}
	}
	return voiceChannelRef(ch, guildID, channelID)
}

// voiceChannelRef checks that ch is a voice channel in guildID.
func voiceChannelRef(ch *discordgo.Channel, guildID, channelID string) (voice.ChannelRef, error) {
	if ch == nil || ch.GuildID != guildID {
		return voice.ChannelRef{}, &voice.NotFoundError{Kind: "channel", ID: channelID}
	}
	switch ch.Type {
	case discordgo.ChannelTypeGuildVoice, discordgo.ChannelTypeGuildStageVoice:
		return voice.ChannelRef{GuildID: guildID, ChannelID: ch.ID, Name: ch.Name}, nil
	default:
		return voice.ChannelRef{}, &voice.NotFoundError{Kind: "channel", ID: channelID}
	}
}

// Connect joins ref self-deafened. discordgo's join has its own internal
// timeout; ctx bounds the wait on our side and a late connection is closed.
func (c *Client) Connect(ctx context.Context, ref voice.ChannelRef) (voice.Session, error) {
	s := c.session()
	if s == nil {
		return nil, errNotLoggedIn
	}

	type joined struct {
		vc  *discordgo.VoiceConnection
		err error
	}
	ch := make(chan joined, 1)
	go func() {
		vc, err := s.ChannelVoiceJoin(ref.GuildID, ref.ChannelID, false, true)
		ch <- joined{vc: vc, err: err}
	}()

	select {
	case j := <-ch:
		if j.err != nil {
			return nil, connectError(j.err)
		}
		return c.wrap(j.vc), nil
	case <-ctx.Done():
		go func() {
			if j := <-ch; j.err == nil && j.vc != nil {
				_ = j.vc.Disconnect()
			}
		}()
		return nil, &voice.ConnectError{Reason: "timed out joining voice channel", Err: ctx.Err()}
	}
}

// Disconnect leaves the voice channel. force additionally clears the
// gateway's voice state for the guild, which also removes a half-open
// connection discordgo still tracks.
func (c *Client) Disconnect(ctx context.Context, sess voice.Session, force bool) error {
	vs, ok := sess.(*voiceSession)
	if !ok {
		return fmt.Errorf("discord: foreign session %T", sess)
	}
	s := c.session()
	vs.speaking.Store(false)

	done := make(chan error, 1)
	go func() { done <- vs.vc.Disconnect() }()

	var err error
	select {
	case err = <-done:
	case <-ctx.Done():
		err = ctx.Err()
	}

	if force && s != nil {
		if ferr := s.ChannelVoiceJoinManual(vs.GuildID(), "", false, false); ferr != nil && err == nil {
			err = ferr
		}
	}

	c.mu.Lock()
	delete(c.wrappers, vs.vc)
	c.mu.Unlock()
	if err != nil {
		return fmt.Errorf("discord: disconnect: %w", err)
	}
	return nil
}

// CurrentSession returns the connection discordgo tracks for guildID.
func (c *Client) CurrentSession(guildID string) voice.Session {
	s := c.session()
	if s == nil {
		return nil
	}
	s.RLock()
	vc := s.VoiceConnections[guildID]
	s.RUnlock()
	if vc == nil {
		return nil
	}
	return c.wrap(vc)
}

func (c *Client) IsConnected(sess voice.Session) bool {
	vs, ok := sess.(*voiceSession)
	if !ok {
		return false
	}
	if s := c.session(); s != nil {
		s.RLock()
		current := s.VoiceConnections[vs.GuildID()]
		s.RUnlock()
		if current != vs.vc {
			return false
		}
	}
	return vs.ready()
}

func (c *Client) IsPlaying(sess voice.Session) bool {
	vs, ok := sess.(*voiceSession)
	return ok && c.IsConnected(vs) && vs.speaking.Load()
}

func (c *Client) wrap(vc *discordgo.VoiceConnection) *voiceSession {
	c.mu.Lock()
	defer c.mu.Unlock()
	if vs, ok := c.wrappers[vc]; ok {
		return vs
	}
	vs := &voiceSession{vc: vc}
	c.wrappers[vc] = vs
	return vs
}

func (c *Client) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	c.mu.Lock()
	if r.User != nil {
		c.self = voice.Identity{ID: r.User.ID, Username: r.User.Username}
	}
	notifiers := append([]voice.Notifier(nil), c.notifiers...)
	c.mu.Unlock()

	slog.Info("gateway ready", slog.Int("guilds", len(r.Guilds)), slog.String("component", "discord"))
	for _, n := range notifiers {
		n.OnSessionReady()
	}
}

func (c *Client) onVoiceStateUpdate(_ *discordgo.Session, v *discordgo.VoiceStateUpdate) {
	before, after, ok := membershipChange(c.selfID(), v)
	if !ok {
		return
	}
	c.mu.Lock()
	notifiers := append([]voice.Notifier(nil), c.notifiers...)
	c.mu.Unlock()
	for _, n := range notifiers {
		n.OnMembershipChanged(before, after)
	}
}

// membershipChange extracts the relay's own before/after membership from a
// voice state update. Updates about other users are ignored.
func membershipChange(self string, v *discordgo.VoiceStateUpdate) (before, after voice.Membership, ok bool) {
	if self == "" || v == nil || v.VoiceState == nil || v.UserID != self {
		return before, after, false
	}
	after = voice.Membership{GuildID: v.GuildID, ChannelID: v.ChannelID}
	before = voice.Membership{GuildID: v.GuildID}
	if v.BeforeUpdate != nil {
		before.ChannelID = v.BeforeUpdate.ChannelID
	}
	return before, after, true
}

func botToken(credential string) string {
	credential = strings.TrimSpace(credential)
	if strings.HasPrefix(credential, "Bot ") {
		return credential
	}
	return "Bot " + credential
}

func restStatus(err error) int {
	var re *discordgo.RESTError
	if errors.As(err, &re) && re.Response != nil {
		return re.Response.StatusCode
	}
	return 0
}

func isMissing(err error) bool {
	switch restStatus(err) {
	case http.StatusNotFound, http.StatusForbidden:
		return true
	}
	return false
}

// loginError maps a rejected token, by HTTP status or gateway close code, to
// *voice.AuthError.
func loginError(err error) error {
	if restStatus(err) == http.StatusUnauthorized {
		return &voice.AuthError{Err: err}
	}
	if code, ok := voice.CloseCode(err); ok && code == voice.CloseAuthenticationFailed {
		return &voice.AuthError{Err: err}
	}
	if strings.Contains(err.Error(), "Authentication failed") {
		return &voice.AuthError{Err: err}
	}
	return fmt.Errorf("discord: open gateway: %w", err)
}

// connectError wraps a join failure, keeping a websocket close code if one
// is present.
func connectError(err error) error {
	ce := &voice.ConnectError{Reason: err.Error(), Err: err}
	if code, ok := voice.CloseCode(err); ok {
		ce.Code = code
	}
	return ce
}

// voiceSession implements voice.OpusSink over a discordgo voice connection.
type voiceSession struct {
	vc       *discordgo.VoiceConnection
	speaking atomic.Bool
}

func (s *voiceSession) GuildID() string {
	s.vc.RLock()
	defer s.vc.RUnlock()
	return s.vc.GuildID
}

func (s *voiceSession) ChannelID() string {
	s.vc.RLock()
	defer s.vc.RUnlock()
	return s.vc.ChannelID
}

func (s *voiceSession) ready() bool {
	s.vc.RLock()
	defer s.vc.RUnlock()
	return s.vc.Ready
}

func (s *voiceSession) Speaking(on bool) error {
	s.speaking.Store(on)
	if err := s.vc.Speaking(on); err != nil {
		if on {
			s.speaking.Store(false)
		}
		return err
	}
	return nil
}

// SendOpus hands frame to discordgo's sender, which paces frames at 20ms.
func (s *voiceSession) SendOpus(ctx context.Context, frame []byte) error {
	if !s.ready() {
		return errors.New("voice connection not ready")
	}
	select {
	case s.vc.OpusSend <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
