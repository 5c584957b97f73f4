// Command callsim plays the telephony side of a media-streaming call against
// a running aida-voice: it dials /voice-v2, streams caller audio in the
// platform's frame format and reports what the assistant sent back.
package main

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/audio"
	"github.com/ent0n29/aida-voice/internal/logging"
	"github.com/ent0n29/aida-voice/internal/protocol"
)

type options struct {
	baseURL          string
	binding          string
	callConnectionID string
	participant      string
	wavPath          string
	toneMS           int
	turns            int
	chunkMS          int
	realtime         float64
	listen           time.Duration
	hangup           bool
	verbose          bool
}

// inboundFrame is what the platform sends us; the server parses the same
// shape with protocol.ParseFrame.
type inboundFrame struct {
	Kind          protocol.Kind           `json:"kind"`
	AudioMetadata *protocol.AudioMetadata `json:"audioMetadata,omitempty"`
	AudioData     *protocol.AudioData     `json:"audioData,omitempty"`
}

// stats counts what came back over the socket.
type stats struct {
	mu          sync.Mutex
	audioFrames int
	audioBytes  int
	stopAudio   int
	firstAudio  time.Duration
	turnStarted time.Time
}

func (s *stats) markTurn() {
	s.mu.Lock()
	s.turnStarted = time.Now()
	s.mu.Unlock()
}

func (s *stats) observe(raw []byte) {
	var env protocol.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	switch env.Kind {
	case protocol.KindAudioData:
		var frame protocol.OutboundAudio
		if err := json.Unmarshal(raw, &frame); err != nil {
			return
		}
		s.audioFrames++
		s.audioBytes += base64.StdEncoding.DecodedLen(len(frame.AudioData.Data))
		if s.firstAudio == 0 && !s.turnStarted.IsZero() {
			s.firstAudio = time.Since(s.turnStarted)
		}
	case protocol.KindStopAudio:
		s.stopAudio++
	}
}

func main() {
	opts, err := parseFlags(os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	level := "warn"
	if opts.verbose {
		level = "debug"
	}
	logger, err := logging.New(level, "console")
	if err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(2)
	}
	defer func() { _ = logger.Sync() }()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, opts, logger); err != nil {
		fmt.Fprintf(os.Stderr, "callsim: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags(args []string) (options, error) {
	fs := flag.NewFlagSet("callsim", flag.ContinueOnError)
	var opts options
	fs.StringVar(&opts.baseURL, "base-url", "http://127.0.0.1:3979", "aida-voice base URL")
	fs.StringVar(&opts.binding, "binding", "", "binding token issued when the call was answered")
	fs.StringVar(&opts.callConnectionID, "call-connection-id", "", "call connection id sent in the x-ms-call-connection-id header")
	fs.StringVar(&opts.participant, "participant", "8:acs:callsim", "participantRawId stamped on caller audio")
	fs.StringVar(&opts.wavPath, "wav", "", "16-bit PCM WAV to play as the caller (default: synthetic tone)")
	fs.IntVar(&opts.toneMS, "tone-ms", 1200, "synthetic tone length per turn when no WAV is given")
	fs.IntVar(&opts.turns, "turns", 1, "number of caller turns")
	fs.IntVar(&opts.chunkMS, "chunk-ms", 20, "audio frame size in milliseconds")
	fs.Float64Var(&opts.realtime, "realtime", 1.0, "pacing multiplier (1.0=realtime, 2.0=2x)")
	fs.DurationVar(&opts.listen, "listen", 5*time.Second, "how long to wait for the reply after each turn")
	fs.BoolVar(&opts.hangup, "hangup", true, "send StoppedMediaStreaming at the end")
	fs.BoolVar(&opts.verbose, "verbose", false, "log every frame")
	if err := fs.Parse(args); err != nil {
		return options{}, err
	}

	opts.baseURL = strings.TrimRight(strings.TrimSpace(opts.baseURL), "/")
	switch {
	case opts.baseURL == "":
		return options{}, errors.New("base-url is required")
	case opts.turns <= 0:
		return options{}, errors.New("turns must be > 0")
	case opts.chunkMS < 10 || opts.chunkMS > 1000:
		return options{}, errors.New("chunk-ms must be in [10,1000]")
	case opts.realtime <= 0:
		return options{}, errors.New("realtime must be > 0")
	}
	return opts, nil
}

func run(ctx context.Context, opts options, logger *zap.Logger) error {
	pcm, err := callerAudio(opts)
	if err != nil {
		return err
	}
	wsURL, err := mediaURL(opts.baseURL, opts.binding)
	if err != nil {
		return fmt.Errorf("build media url: %w", err)
	}

	header := http.Header{}
	if opts.callConnectionID != "" {
		header.Set("x-ms-call-connection-id", opts.callConnectionID)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial %s: %w", wsURL, err)
	}
	defer conn.Close()
	logger.Info("media socket open", zap.String("url", wsURL))

	st := &stats{}
	readDone := make(chan error, 1)
	go func() {
		for {
			_, raw, err := conn.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			logger.Debug("frame from server", zap.String("frame", logging.Truncate(string(raw), 160)))
			st.observe(raw)
		}
	}()

	if err := conn.WriteJSON(inboundFrame{
		Kind: protocol.KindAudioMetadata,
		AudioMetadata: &protocol.AudioMetadata{
			SubscriptionID: "callsim",
			Encoding:       "PCM",
			SampleRate:     audio.StreamSampleRate,
			Channels:       1,
			Length:         audio.StreamSampleRate * 2 * opts.chunkMS / 1000,
		},
	}); err != nil {
		return fmt.Errorf("send metadata: %w", err)
	}

	for turn := 1; turn <= opts.turns; turn++ {
		st.markTurn()
		if err := streamTurn(ctx, conn, pcm, opts); err != nil {
			return fmt.Errorf("turn %d: %w", turn, err)
		}
		// Silence lets server-side VAD close the turn.
		if err := streamFrames(ctx, conn, make([]byte, audio.StreamSampleRate*2*800/1000), opts, true); err != nil {
			return fmt.Errorf("turn %d trailing silence: %w", turn, err)
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-readDone:
			return fmt.Errorf("server closed the socket: %w", err)
		case <-time.After(opts.listen):
		}
	}

	if opts.hangup {
		if err := conn.WriteJSON(inboundFrame{Kind: protocol.KindStoppedMediaStreaming}); err != nil {
			return fmt.Errorf("send hangup: %w", err)
		}
		select {
		case <-readDone:
		case <-time.After(opts.listen):
		}
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	fmt.Printf("callsim: turns=%d audio_frames=%d audio_ms=%d stop_audio=%d first_audio=%s\n",
		opts.turns, st.audioFrames, st.audioBytes/2*1000/audio.StreamSampleRate, st.stopAudio, st.firstAudio)
	return nil
}

func callerAudio(opts options) ([]byte, error) {
	if opts.wavPath == "" {
		return audio.Tone(220, opts.toneMS, audio.StreamSampleRate, 0.3), nil
	}
	data, err := os.ReadFile(opts.wavPath)
	if err != nil {
		return nil, err
	}
	pcm, rate, err := audio.DecodeWAV(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", opts.wavPath, err)
	}
	return audio.Resample(pcm, rate, audio.StreamSampleRate), nil
}

func streamTurn(ctx context.Context, conn *websocket.Conn, pcm []byte, opts options) error {
	return streamFrames(ctx, conn, pcm, opts, false)
}

// streamFrames paces pcm onto the socket in chunkMS frames.
func streamFrames(ctx context.Context, conn *websocket.Conn, pcm []byte, opts options, silent bool) error {
	chunk := audio.StreamSampleRate * 2 * opts.chunkMS / 1000
	pause := time.Duration(float64(time.Duration(opts.chunkMS)*time.Millisecond) / opts.realtime)
	ticker := time.NewTicker(pause)
	defer ticker.Stop()

	for off := 0; off < len(pcm); off += chunk {
		end := min(off+chunk, len(pcm))
		frame := inboundFrame{
			Kind: protocol.KindAudioData,
			AudioData: &protocol.AudioData{
				Data:             base64.StdEncoding.EncodeToString(pcm[off:end]),
				Timestamp:        time.Now().UTC().Format(time.RFC3339Nano),
				ParticipantRawID: opts.participant,
				Silent:           silent,
			},
		}
		if err := conn.WriteJSON(frame); err != nil {
			return err
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
	return nil
}

func mediaURL(baseURL, binding string) (string, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "ws":
		u.Scheme = "ws"
	case "https", "wss":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", errors.New("host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/voice-v2"
	if binding != "" {
		q := u.Query()
		q.Set("binding", binding)
		u.RawQuery = q.Encode()
	}
	return u.String(), nil
}
