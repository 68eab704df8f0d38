// Package config loads environment variables and provides a typed Config used across the relay.
// It applies sensible defaults so the binary runs with only the credential and target set.
// Use Validate before connecting anywhere.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/voice"
)

// DefaultHTTPAddr keeps the status and admin server off external interfaces
// unless HTTP_ADDR says otherwise.
const DefaultHTTPAddr = "127.0.0.1:8080"

// DefaultStreamURL is the audio source relayed when STREAM_URL is unset.
const DefaultStreamURL = "https://audio.junctionnow.com:8000/radio.mp3"

type Config struct {
	// Discord
	DiscordToken   string
	GuildID        string
	VoiceChannelID string

	// Stream
	StreamURL           string
	FFmpegPath          string
	FFmpegBeforeOptions string
	FFmpegOptions       string
	OpusBitrate         string

	// Reconnect policy
	WatchdogInterval   time.Duration
	MaxAttempts        int
	BackoffInitial     time.Duration
	BackoffCeiling     time.Duration
	BackoffJitter      time.Duration
	StalenessThreshold time.Duration
	ConnectTimeout     time.Duration
	DisconnectTimeout  time.Duration
	LaunchTimeout      time.Duration

	// Lifecycle
	ReadyGrace         time.Duration
	InitialAttempts    int
	InitialRetryDelay  time.Duration
	DropReconnectDelay time.Duration

	// HTTP status/admin surface
	HTTPAddr            string
	AdminToken          string
	AdminUsername       string
	AdminPassword       string
	AdminRateLimitRPS   float64
	AdminRateLimitBurst int

	// Log file rotation (stdout logging is always on)
	LogFile           string
	LogFileMaxMB      int
	LogFileMaxBackups int
	LogFileMaxAgeDays int
}

// Load reads environment variables and applies defaults. It only fails on
// values that are present but malformed; missing credentials are reported by
// Validate so the caller can print a full diagnostic.
func Load() (*Config, error) {
	cfg := &Config{}
	p := &parser{}

	cfg.DiscordToken = strings.TrimSpace(os.Getenv("DISCORD_TOKEN"))
	cfg.GuildID = strings.TrimSpace(os.Getenv("GUILD_ID"))
	cfg.VoiceChannelID = strings.TrimSpace(os.Getenv("VOICE_CHANNEL_ID"))

	cfg.StreamURL = str("STREAM_URL", DefaultStreamURL)
	cfg.FFmpegPath = str("FFMPEG_PATH", "ffmpeg")
	cfg.FFmpegBeforeOptions = str("FFMPEG_BEFORE_OPTIONS", "-reconnect 1 -reconnect_streamed 1 -reconnect_delay_max 5")
	cfg.FFmpegOptions = str("FFMPEG_OPTIONS", "-vn")
	cfg.OpusBitrate = str("OPUS_BITRATE", "96k")

	cfg.WatchdogInterval = p.duration("WATCHDOG_INTERVAL", 180*time.Second)
	cfg.MaxAttempts = p.integer("MAX_CONNECTION_ATTEMPTS", 10)
	cfg.BackoffInitial = p.duration("BACKOFF_INITIAL", time.Second)
	cfg.BackoffCeiling = p.duration("BACKOFF_CEILING", 60*time.Second)
	cfg.BackoffJitter = p.duration("BACKOFF_JITTER", 2*time.Second)
	cfg.StalenessThreshold = p.duration("STALENESS_THRESHOLD", 5*time.Minute)
	cfg.ConnectTimeout = p.duration("CONNECT_TIMEOUT", 30*time.Second)
	cfg.DisconnectTimeout = p.duration("DISCONNECT_TIMEOUT", 10*time.Second)
	cfg.LaunchTimeout = p.duration("LAUNCH_TIMEOUT", 20*time.Second)

	cfg.ReadyGrace = p.duration("READY_GRACE", 2*time.Second)
	cfg.InitialAttempts = p.integer("INITIAL_ATTEMPTS", 5)
	cfg.InitialRetryDelay = p.duration("INITIAL_RETRY_DELAY", 5*time.Second)
	cfg.DropReconnectDelay = p.duration("DROP_RECONNECT_DELAY", 5*time.Second)

	cfg.HTTPAddr = str("HTTP_ADDR", DefaultHTTPAddr)
	cfg.AdminToken = os.Getenv("ADMIN_TOKEN")
	cfg.AdminUsername = os.Getenv("ADMIN_USERNAME")
	cfg.AdminPassword = os.Getenv("ADMIN_PASSWORD")
	cfg.AdminRateLimitRPS = p.float("ADMIN_RATE_LIMIT_RPS", 1)
	cfg.AdminRateLimitBurst = p.integer("ADMIN_RATE_LIMIT_BURST", 3)

	cfg.LogFile = os.Getenv("LOG_FILE")
	cfg.LogFileMaxMB = p.integer("LOG_FILE_MAX_MB", 10)
	cfg.LogFileMaxBackups = p.integer("LOG_FILE_MAX_BACKUPS", 3)
	cfg.LogFileMaxAgeDays = p.integer("LOG_FILE_MAX_AGE_DAYS", 28)

	if p.err != nil {
		return nil, p.err
	}
	return cfg, nil
}

// Validate checks the fields the relay cannot run without and the ranges of
// the reconnect policy.
func (c *Config) Validate() error {
	switch {
	case c.DiscordToken == "":
		return &voice.ConfigError{Field: "DISCORD_TOKEN", Reason: "not set"}
	case c.GuildID == "":
		return &voice.ConfigError{Field: "GUILD_ID", Reason: "not set"}
	case c.VoiceChannelID == "":
		return &voice.ConfigError{Field: "VOICE_CHANNEL_ID", Reason: "not set"}
	case c.StreamURL == "":
		return &voice.ConfigError{Field: "STREAM_URL", Reason: "empty"}
	case c.MaxAttempts < 1:
		return &voice.ConfigError{Field: "MAX_CONNECTION_ATTEMPTS", Reason: "must be at least 1"}
	case c.BackoffInitial <= 0:
		return &voice.ConfigError{Field: "BACKOFF_INITIAL", Reason: "must be positive"}
	case c.BackoffCeiling < c.BackoffInitial:
		return &voice.ConfigError{Field: "BACKOFF_CEILING", Reason: "must not be below BACKOFF_INITIAL"}
	case c.BackoffJitter < 0:
		return &voice.ConfigError{Field: "BACKOFF_JITTER", Reason: "must not be negative"}
	case c.WatchdogInterval <= 0:
		return &voice.ConfigError{Field: "WATCHDOG_INTERVAL", Reason: "must be positive"}
	case c.StalenessThreshold <= 0:
		return &voice.ConfigError{Field: "STALENESS_THRESHOLD", Reason: "must be positive"}
	}
	return nil
}

// ArgList splits a flag string such as FFMPEG_BEFORE_OPTIONS into arguments.
func ArgList(s string) []string {
	return strings.Fields(s)
}

func str(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

// parser keeps the first malformed value so Load reports one clear error.
type parser struct {
	err error
}

func (p *parser) fail(key, v string, err error) {
	if p.err == nil {
		p.err = fmt.Errorf("invalid %s=%q: %w", key, v, err)
	}
}

// duration accepts Go durations ("90s", "3m") and bare integers as seconds.
func (p *parser) duration(key string, def time.Duration) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Second
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return d
}

func (p *parser) integer(key string, def int) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return n
}

func (p *parser) float(key string, def float64) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		p.fail(key, v, err)
		return def
	}
	return f
}
