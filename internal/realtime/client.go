// Package realtime is a thin websocket client for a realtime speech model:
// it streams caller audio up and surfaces model events down.
package realtime

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

var (
	ErrNotConfigured = errors.New("realtime endpoint not configured")
	ErrClosed        = errors.New("realtime session closed")
)

// Config describes how to reach the model endpoint.
type Config struct {
	URL              string
	APIKey           string
	Model            string
	AuthMode         string // "bearer" or "api-key"
	HandshakeTimeout time.Duration
	Logger           *zap.Logger
}

// ToolDefinition is a function tool exposed to the model.
type ToolDefinition struct {
	Type        string `json:"type"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Parameters  any    `json:"parameters"`
}

// SessionConfig is sent as the first session.update after connecting.
type SessionConfig struct {
	Instructions string
	Voice        string
	Tools        []ToolDefinition
}

// Session is one open model connection.
type Session interface {
	Events() <-chan ServerEvent
	AppendAudio(pcm []byte) error
	SendFunctionOutput(callID, output string) error
	CreateResponse() error
	CancelResponse(responseID string) error
	TruncateItem(itemID string, contentIndex, audioEndMS int) error
	UpdateInstructions(instructions string) error
	Close() error
}

type Client struct {
	cfg    Config
	dialer websocket.Dialer
	logger *zap.Logger
}

func NewClient(cfg Config) *Client {
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 10 * time.Second
	}
	if cfg.AuthMode == "" {
		cfg.AuthMode = "bearer"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		cfg:    cfg,
		dialer: websocket.Dialer{HandshakeTimeout: cfg.HandshakeTimeout},
		logger: logger.With(zap.String("component", "realtime")),
	}
}

// Connect dials the model and configures the session for telephone audio.
func (c *Client) Connect(ctx context.Context, sc SessionConfig) (Session, error) {
	if strings.TrimSpace(c.cfg.URL) == "" {
		return nil, ErrNotConfigured
	}
	u, err := url.Parse(c.cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("invalid realtime url: %w", err)
	}
	if c.cfg.Model != "" && u.Query().Get("model") == "" && u.Query().Get("deployment") == "" {
		q := u.Query()
		q.Set("model", c.cfg.Model)
		u.RawQuery = q.Encode()
	}

	headers := http.Header{}
	switch c.cfg.AuthMode {
	case "api-key":
		headers.Set("api-key", c.cfg.APIKey)
	default:
		headers.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	headers.Set("OpenAI-Beta", "realtime=v1")

	conn, resp, err := c.dialer.DialContext(ctx, u.String(), headers)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("realtime dial failed with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("realtime dial failed: %w", err)
	}

	s := &wsSession{
		conn:   conn,
		events: make(chan ServerEvent, 256),
		done:   make(chan struct{}),
		logger: c.logger,
	}
	go s.readLoop()

	if err := s.send(sessionUpdate(sc)); err != nil {
		_ = s.Close()
		return nil, fmt.Errorf("realtime session.update failed: %w", err)
	}
	return s, nil
}

func sessionUpdate(sc SessionConfig) map[string]any {
	session := map[string]any{
		"modalities":          []string{"audio", "text"},
		"instructions":        sc.Instructions,
		"input_audio_format":  "pcm16",
		"output_audio_format": "pcm16",
		"input_audio_transcription": map[string]any{
			"model": "whisper-1",
		},
		"turn_detection": map[string]any{
			"type": "server_vad",
		},
	}
	if sc.Voice != "" {
		session["voice"] = sc.Voice
	}
	if len(sc.Tools) > 0 {
		session["tools"] = sc.Tools
		session["tool_choice"] = "auto"
	}
	return map[string]any{
		"event_id": eventID(),
		"type":     "session.update",
		"session":  session,
	}
}

type wsSession struct {
	conn   *websocket.Conn
	events chan ServerEvent
	logger *zap.Logger

	writeMu   sync.Mutex
	closeOnce sync.Once
	done      chan struct{}
}

func (s *wsSession) Events() <-chan ServerEvent { return s.events }

func (s *wsSession) AppendAudio(pcm []byte) error {
	return s.send(map[string]any{
		"type":  "input_audio_buffer.append",
		"audio": base64.StdEncoding.EncodeToString(pcm),
	})
}

func (s *wsSession) SendFunctionOutput(callID, output string) error {
	return s.send(map[string]any{
		"event_id": eventID(),
		"type":     "conversation.item.create",
		"item": map[string]any{
			"type":    "function_call_output",
			"call_id": callID,
			"output":  output,
		},
	})
}

func (s *wsSession) CreateResponse() error {
	return s.send(map[string]any{
		"event_id": eventID(),
		"type":     "response.create",
	})
}

func (s *wsSession) CancelResponse(responseID string) error {
	payload := map[string]any{
		"event_id": eventID(),
		"type":     "response.cancel",
	}
	if responseID != "" {
		payload["response_id"] = responseID
	}
	return s.send(payload)
}

func (s *wsSession) TruncateItem(itemID string, contentIndex, audioEndMS int) error {
	return s.send(map[string]any{
		"event_id":      eventID(),
		"type":          "conversation.item.truncate",
		"item_id":       itemID,
		"content_index": contentIndex,
		"audio_end_ms":  audioEndMS,
	})
}

func (s *wsSession) UpdateInstructions(instructions string) error {
	return s.send(map[string]any{
		"event_id": eventID(),
		"type":     "session.update",
		"session": map[string]any{
			"instructions": instructions,
		},
	})
}

func (s *wsSession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.done)
		s.writeMu.Lock()
		_ = s.conn.WriteControl(
			websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, "bye"),
			time.Now().Add(time.Second),
		)
		s.writeMu.Unlock()
		err = s.conn.Close()
	})
	return err
}

func (s *wsSession) send(payload map[string]any) error {
	select {
	case <-s.done:
		return ErrClosed
	default:
	}
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	_ = s.conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
	return s.conn.WriteJSON(payload)
}

func (s *wsSession) readLoop() {
	defer close(s.events)
	for {
		_, raw, err := s.conn.ReadMessage()
		if err != nil {
			select {
			case <-s.done:
			default:
				s.logger.Warn("realtime read loop ended", zap.Error(err))
			}
			return
		}
		ev, err := ParseServerEvent(raw)
		if err != nil {
			s.logger.Debug("dropping malformed realtime event", zap.Error(err))
			continue
		}
		select {
		case s.events <- ev:
		case <-s.done:
			return
		}
	}
}

func eventID() string {
	return "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:20]
}
