// Package stream feeds a live audio URL into a voice session. It runs ffmpeg
// to decode the source and re-encode it as 48 kHz stereo Opus in an Ogg
// container, demuxes the pages with pion's oggreader and hands each 20ms
// frame to the session.
package stream

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/telemetry"
	"github.com/joshdeansavv/DiscordVoiceChannelScannerBot/voice"
)

// DefaultSendStall bounds a single frame hand-off. A transport that stops
// draining for longer ends playback with an error.
const DefaultSendStall = 2 * time.Second

var opusTags = []byte("OpusTags")

// Options configures the decoder process.
type Options struct {
	FFmpegPath    string
	BeforeOptions []string
	Options       []string
	Bitrate       string
	SendStall     time.Duration
}

// Launcher implements voice.Launcher on top of an ffmpeg process.
type Launcher struct {
	opts Options
	// command builds the decoder process.
	command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

var _ voice.Launcher = (*Launcher)(nil)

// NewLauncher returns a launcher with defaults applied.
func NewLauncher(opts Options) *Launcher {
	if opts.FFmpegPath == "" {
		opts.FFmpegPath = "ffmpeg"
	}
	if opts.Bitrate == "" {
		opts.Bitrate = "96k"
	}
	if opts.SendStall <= 0 {
		opts.SendStall = DefaultSendStall
	}
	return &Launcher{opts: opts, command: exec.CommandContext}
}

// Args returns the ffmpeg arguments for streamURL.
func (l *Launcher) Args(streamURL string) []string {
	args := []string{"-hide_banner", "-loglevel", "warning", "-nostdin"}
	args = append(args, l.opts.BeforeOptions...)
	args = append(args, "-i", streamURL)
	args = append(args, l.opts.Options...)
	return append(args,
		"-map", "0:a:0",
		"-c:a", "libopus",
		"-ar", "48000",
		"-ac", "2",
		"-b:a", l.opts.Bitrate,
		"-frame_duration", "20",
		"-application", "audio",
		// one 20ms packet per page
		"-page_duration", "20000",
		"-f", "ogg",
		"pipe:1",
	)
}

// Start launches the decoder and returns once the Opus header has been read,
// or fails with a *voice.LaunchError. ctx bounds only the start; the running
// playback lives until the stream ends or Stop is called.
func (l *Launcher) Start(ctx context.Context, sess voice.Session, streamURL string) (voice.Playback, error) {
	sink, ok := sess.(voice.OpusSink)
	if !ok {
		return nil, &voice.LaunchError{Err: fmt.Errorf("session %T cannot carry opus audio", sess)}
	}
	logger := telemetry.LoggerWithCorr(ctx).With(slog.String("component", "stream"))

	pctx, cancel := context.WithCancel(context.Background())
	cmd := l.command(pctx, l.opts.FFmpegPath, l.Args(streamURL)...)
	cmd.WaitDelay = time.Second
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, &voice.LaunchError{Err: err}
	}
	stderr := &tailBuffer{max: 2048}
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, &voice.LaunchError{Err: fmt.Errorf("start %s: %w", l.opts.FFmpegPath, err)}
	}
	logger.Info("decoder started", slog.Int("pid", cmd.Process.Pid), slog.String("url", streamURL))

	type opened struct {
		r   *oggreader.OggReader
		err error
	}
	ch := make(chan opened, 1)
	go func() {
		r, _, err := oggreader.NewWith(stdout)
		ch <- opened{r: r, err: err}
	}()

	var reader *oggreader.OggReader
	select {
	case o := <-ch:
		if o.err != nil {
			cancel()
			werr := cmd.Wait()
			return nil, &voice.LaunchError{Err: decoderError(fmt.Errorf("read opus header: %w", o.err), werr, stderr)}
		}
		reader = o.r
	case <-ctx.Done():
		cancel()
		<-ch
		_ = cmd.Wait()
		return nil, &voice.LaunchError{Err: fmt.Errorf("waiting for opus header: %w", ctx.Err())}
	}

	if err := sink.Speaking(true); err != nil {
		cancel()
		_ = cmd.Wait()
		return nil, &voice.LaunchError{Err: fmt.Errorf("set speaking: %w", err)}
	}

	pb := &playback{done: make(chan error, 1), cancel: cancel}
	go l.run(pctx, pb, cmd, reader, sink, stderr, logger)
	return pb, nil
}

func (l *Launcher) run(ctx context.Context, pb *playback, cmd *exec.Cmd, r pageReader, sink voice.OpusSink, stderr *tailBuffer, logger *slog.Logger) {
	err := pump(ctx, r, sink, l.opts.SendStall)
	_ = sink.Speaking(false)

	if err == nil {
		// decoder reached end of stream on its own; collect its exit status
		if werr := cmd.Wait(); werr != nil {
			err = decoderError(errors.New("decoder exited"), werr, stderr)
		}
		pb.cancel()
	} else {
		pb.cancel()
		_ = cmd.Wait()
	}

	if pb.stopped.Load() {
		err = nil
	}
	logger.Debug("decoder finished", slog.Any("err", err))
	pb.finish(err)
}

// pageReader is the part of *oggreader.OggReader pump needs.
type pageReader interface {
	ParseNextPage() ([]byte, *oggreader.OggPageHeader, error)
}

// pump copies Opus packets from r to sink until the stream ends (nil), ctx
// ends, or the sink fails or stalls for longer than stall.
func pump(ctx context.Context, r pageReader, sink voice.OpusSink, stall time.Duration) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		payload, _, err := r.ParseNextPage()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return fmt.Errorf("read ogg page: %w", err)
		}
		if len(payload) == 0 || bytes.HasPrefix(payload, opusTags) {
			continue
		}

		sctx, cancel := context.WithTimeout(ctx, stall)
		err = sink.SendOpus(sctx, payload)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("voice transport stalled for %s: %w", stall, err)
			}
			return fmt.Errorf("send opus frame: %w", err)
		}
	}
}

func decoderError(cause, waitErr error, stderr *tailBuffer) error {
	msg := strings.TrimSpace(stderr.String())
	switch {
	case waitErr != nil && msg != "":
		return fmt.Errorf("%w (%v): %s", cause, waitErr, msg)
	case waitErr != nil:
		return fmt.Errorf("%w (%v)", cause, waitErr)
	case msg != "":
		return fmt.Errorf("%w: %s", cause, msg)
	default:
		return cause
	}
}

type playback struct {
	done    chan error
	cancel  context.CancelFunc
	stopped atomic.Bool
	once    sync.Once
}

func (p *playback) Done() <-chan error { return p.done }

// Stop kills the decoder. The playback then ends with a nil result.
func (p *playback) Stop() {
	p.stopped.Store(true)
	p.cancel()
}

func (p *playback) finish(err error) {
	p.once.Do(func() {
		p.done <- err
		close(p.done)
	})
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	max int
	buf []byte
}

func (b *tailBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.buf = append(b.buf, p...)
	if over := len(b.buf) - b.max; over > 0 {
		b.buf = b.buf[over:]
	}
	return len(p), nil
}

func (b *tailBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return string(b.buf)
}
