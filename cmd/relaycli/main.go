package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/sync/errgroup"

	"github.com/ent0n29/voicerelay/internal/audio"
	"github.com/ent0n29/voicerelay/internal/mirror"
	"github.com/ent0n29/voicerelay/internal/protocol"
)

type options struct {
	baseURL      string
	instructions string
	wavPath      string
	silence      time.Duration
	text         string
	turns        int
	chunkMS      int
	realtime     float64
	turnTimeout  time.Duration
	outPath      string
	verbose      bool
}

func main() {
	cfg, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "relaycli: %v\n", err)
		os.Exit(2)
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()
	if err := run(ctx, cfg, os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "relaycli: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	var cfg options
	var silenceMS int
	var turnTimeoutMS int

	fs := flag.NewFlagSet("relaycli", flag.ContinueOnError)
	fs.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:3000", "voicerelay base URL")
	fs.StringVar(&cfg.instructions, "instructions", "", "instructions sent before start-session (optional)")
	fs.StringVar(&cfg.wavPath, "wav", "", "PCM16 WAV file at 24kHz to stream as the user turn (optional)")
	fs.IntVar(&silenceMS, "silence-ms", 500, "milliseconds of generated silence when no WAV is given")
	fs.StringVar(&cfg.text, "text", "", "send a text message instead of audio")
	fs.IntVar(&cfg.turns, "turns", 1, "number of turns")
	fs.IntVar(&cfg.chunkMS, "chunk-ms", 100, "audio chunk size in milliseconds")
	fs.Float64Var(&cfg.realtime, "realtime", 1.0, "pacing multiplier for sending and playback (0 disables pacing)")
	fs.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout waiting for each turn to finish in milliseconds")
	fs.StringVar(&cfg.outPath, "out", "", "write the played bot audio to this WAV file (optional)")
	fs.BoolVar(&cfg.verbose, "verbose", false, "print status lines")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	if cfg.chunkMS < 10 || cfg.chunkMS > 2000 {
		return options{}, fmt.Errorf("chunk-ms must be in [10,2000]")
	}
	if cfg.realtime < 0 {
		return options{}, fmt.Errorf("realtime must be >= 0")
	}
	if silenceMS < 0 {
		silenceMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.silence = time.Duration(silenceMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	return cfg, nil
}

func run(ctx context.Context, cfg options, stdout io.Writer) error {
	clip, err := loadClip(cfg)
	if err != nil {
		return fmt.Errorf("prepare audio: %w", err)
	}

	wsURL, err := relayWSURL(cfg.baseURL)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	sink := &wavSink{realtime: cfg.realtime}
	var view *mirror.Mirror
	queue := mirror.NewPlaybackQueue(sink, func(err *mirror.PlaybackError) {
		view.ReportPlaybackError(err)
	})
	view = mirror.New(queue, mirror.DefaultRecencyWindow)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(runCtx)

	var stopping atomic.Bool
	connected := make(chan struct{})
	turnEnded := make(chan struct{}, 8)

	g.Go(func() error {
		return readLoop(conn, view, &stopping, connected, turnEnded)
	})
	g.Go(func() error {
		if err := queue.Run(gctx); err != nil && !errors.Is(err, context.Canceled) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		// Unblocks the reader.
		_ = conn.Close()
		return nil
	})
	g.Go(func() error {
		defer cancel()
		return converse(gctx, conn, cfg, clip, view, queue, &stopping, connected, turnEnded)
	})

	if err := g.Wait(); err != nil {
		return err
	}

	for _, b := range view.Transcript().Bubbles() {
		fmt.Fprintf(stdout, "%s: %s\n", b.Speaker, b.Text)
	}
	if cfg.verbose {
		for _, line := range view.StatusLines() {
			fmt.Fprintf(os.Stderr, "relaycli: %s %s\n", line.At.Format(time.TimeOnly), line.Text)
		}
	}
	if cfg.outPath != "" {
		if err := audio.WriteWAVPCM16LEFile(cfg.outPath, sink.bytes(), audio.SampleRate); err != nil {
			return fmt.Errorf("write output wav: %w", err)
		}
	}
	return nil
}

func converse(ctx context.Context, conn *websocket.Conn, cfg options, clip []byte, view *mirror.Mirror, queue *mirror.PlaybackQueue, stopping *atomic.Bool, connected <-chan struct{}, turnEnded <-chan struct{}) error {
	if cfg.instructions != "" {
		if err := conn.WriteJSON(protocol.SetInstructions{Type: protocol.TypeSetInstructions, Instructions: cfg.instructions}); err != nil {
			return fmt.Errorf("send instructions: %w", err)
		}
	}
	if err := conn.WriteJSON(protocol.StartSession{Type: protocol.TypeStartSession}); err != nil {
		return fmt.Errorf("send start-session: %w", err)
	}
	select {
	case <-connected:
	case <-ctx.Done():
		return ctx.Err()
	case <-time.After(cfg.turnTimeout):
		return fmt.Errorf("timeout waiting for upstream connection")
	}

	for i := 0; i < cfg.turns; i++ {
		if cfg.text != "" {
			if err := conn.WriteJSON(protocol.UserTextMessage{Type: protocol.TypeUserTextMessage, Text: cfg.text}); err != nil {
				return fmt.Errorf("turn %d send text: %w", i+1, err)
			}
		} else {
			if err := sendTurnAudio(ctx, conn, clip, cfg.chunkMS, cfg.realtime); err != nil {
				return fmt.Errorf("turn %d send audio: %w", i+1, err)
			}
			if err := conn.WriteJSON(protocol.CommitAudio{Type: protocol.TypeCommitAudio}); err != nil {
				return fmt.Errorf("turn %d send commit: %w", i+1, err)
			}
		}
		view.Committed()

		if err := awaitTurnEnd(ctx, turnEnded, cfg.turnTimeout); err != nil {
			return fmt.Errorf("turn %d await end of response: %w", i+1, err)
		}
		if err := queue.Wait(ctx); err != nil {
			return err
		}
	}

	stopping.Store(true)
	if err := conn.WriteJSON(protocol.StopSession{Type: protocol.TypeStopSession}); err != nil {
		return fmt.Errorf("send stop-session: %w", err)
	}
	_ = conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
	return nil
}

// readLoop feeds the mirror and signals turnEnded once per finished turn:
// a final bot text, a failed response or a response timeout.
func readLoop(conn *websocket.Conn, view *mirror.Mirror, stopping *atomic.Bool, connected chan<- struct{}, turnEnded chan<- struct{}) error {
	var connectedOnce sync.Once
	endTurn := func() {
		select {
		case turnEnded <- struct{}{}:
		default:
		}
	}
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if stopping.Load() {
				return nil
			}
			return fmt.Errorf("ws read: %w", err)
		}
		msg, err := protocol.ParseServerMessage(data)
		if err != nil {
			continue
		}
		view.Apply(msg)

		switch m := msg.(type) {
		case protocol.StatusEvent:
			switch m.State {
			case protocol.StateConnected:
				connectedOnce.Do(func() { close(connected) })
			case protocol.StateConnectionFailed:
				return fmt.Errorf("connection failed: %s %s", m.Code, m.Detail)
			case protocol.StateDisconnected:
				if !stopping.Load() {
					return fmt.Errorf("disconnected: %s %s", m.Code, m.Detail)
				}
			case protocol.StateResponseError, protocol.StateResponseTimeout:
				endTurn()
			}
		case protocol.TextEvent:
			if m.Type == protocol.TypeBotResponseFinal {
				endTurn()
			}
		}
	}
}

func sendTurnAudio(ctx context.Context, conn *websocket.Conn, clip []byte, chunkMS int, realtime float64) error {
	size := audio.BytesFor(time.Duration(chunkMS)*time.Millisecond, audio.SampleRate)
	for _, chunk := range audio.Chunk(clip, size) {
		if err := conn.WriteMessage(websocket.BinaryMessage, chunk); err != nil {
			return err
		}
		if realtime <= 0 {
			continue
		}
		pace := time.Duration(float64(audio.Duration(chunk, audio.SampleRate)) / realtime)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(pace):
		}
	}
	return nil
}

func awaitTurnEnd(ctx context.Context, turnEnded <-chan struct{}, timeout time.Duration) error {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-turnEnded:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return fmt.Errorf("timeout after %s", timeout)
	}
}

func loadClip(cfg options) ([]byte, error) {
	if cfg.wavPath == "" {
		return audio.Silence(cfg.silence, audio.SampleRate), nil
	}
	data, err := os.ReadFile(cfg.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAVPCM16(data)
	if err != nil {
		return nil, err
	}
	if rate != audio.SampleRate {
		return nil, fmt.Errorf("%s is %dHz; the relay expects %dHz mono PCM16", cfg.wavPath, rate, audio.SampleRate)
	}
	return pcm, nil
}

func relayWSURL(baseURL string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/relay/ws"
	return u.String(), nil
}

// wavSink "plays" audio by holding for its duration and keeping the samples.
type wavSink struct {
	realtime float64

	mu  sync.Mutex
	pcm []byte
}

func (s *wavSink) Play(ctx context.Context, pcm []byte) error {
	if s.realtime > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(float64(audio.Duration(pcm, audio.SampleRate)) / s.realtime)):
		}
	}
	s.mu.Lock()
	s.pcm = append(s.pcm, pcm...)
	s.mu.Unlock()
	return nil
}

func (s *wavSink) bytes() []byte {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]byte(nil), s.pcm...)
}
