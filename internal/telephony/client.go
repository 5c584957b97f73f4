// Package telephony is a small Call Automation REST client: it answers
// incoming calls and places outbound ones with bidirectional media
// streaming pointed at the voice gateway.
package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/ent0n29/aida-voice/internal/observability"
	"github.com/ent0n29/aida-voice/internal/reliability"
)

var ErrNotConfigured = errors.New("telephony endpoint or access key not configured")

type Config struct {
	Endpoint   string
	AccessKey  string // base64, as issued by the portal
	APIVersion string
	Timeout    time.Duration
	Retry      reliability.Policy
	Logger     *zap.Logger
	Metrics    *observability.Metrics
}

// MediaStreaming points the platform at our media websocket.
type MediaStreaming struct {
	TransportURL string
}

type AnswerRequest struct {
	IncomingCallContext string
	CallbackURI         string
	Media               *MediaStreaming
	OperationContext    string
}

type CreateRequest struct {
	Target           string
	CallbackURI      string
	Media            *MediaStreaming
	OperationContext string
}

// CallConnection is the platform's view of an established call leg.
type CallConnection struct {
	CallConnectionID string `json:"callConnectionId"`
	ServerCallID     string `json:"serverCallId"`
	State            string `json:"callConnectionState"`
}

// APIError is a non-2xx answer from the platform.
type APIError struct {
	Operation  string
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("telephony %s failed with status %d: %s", e.Operation, e.StatusCode, e.Body)
}

type Client struct {
	endpoint   *url.URL
	key        []byte
	apiVersion string
	http       *http.Client
	retry      reliability.Policy
	logger     *zap.Logger
	metrics    *observability.Metrics
	now        func() time.Time
}

func NewClient(cfg Config) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" || strings.TrimSpace(cfg.AccessKey) == "" {
		return nil, ErrNotConfigured
	}
	endpoint, err := url.Parse(strings.TrimRight(cfg.Endpoint, "/"))
	if err != nil || endpoint.Host == "" {
		return nil, fmt.Errorf("invalid telephony endpoint %q", cfg.Endpoint)
	}
	key, err := base64.StdEncoding.DecodeString(cfg.AccessKey)
	if err != nil {
		return nil, fmt.Errorf("decode telephony access key: %w", err)
	}
	if cfg.APIVersion == "" {
		cfg.APIVersion = "2023-10-15"
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	if cfg.Retry.Attempts <= 0 {
		cfg.Retry = reliability.Policy{Attempts: 3, Base: 200 * time.Millisecond, Cap: 2 * time.Second}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		endpoint:   endpoint,
		key:        key,
		apiVersion: cfg.APIVersion,
		http:       &http.Client{Timeout: cfg.Timeout},
		retry:      cfg.Retry,
		logger:     logger.With(zap.String("component", "telephony")),
		metrics:    cfg.Metrics,
		now:        func() time.Time { return time.Now().UTC() },
	}, nil
}

func mediaStreamingOptions(m *MediaStreaming) map[string]any {
	if m == nil || m.TransportURL == "" {
		return nil
	}
	return map[string]any{
		"transportUrl":        m.TransportURL,
		"transportType":       "websocket",
		"contentType":         "audio",
		"audioChannelType":    "mixed",
		"startMediaStreaming": true,
		"enableBidirectional": true,
		"audioFormat":         "Pcm24KMono",
	}
}

// AnswerCall accepts an incoming call.
func (c *Client) AnswerCall(ctx context.Context, req AnswerRequest) (CallConnection, error) {
	if req.IncomingCallContext == "" {
		return CallConnection{}, errors.New("incoming call context is required")
	}
	body := map[string]any{
		"incomingCallContext": req.IncomingCallContext,
		"callbackUri":         req.CallbackURI,
	}
	if opts := mediaStreamingOptions(req.Media); opts != nil {
		body["mediaStreamingOptions"] = opts
	}
	if req.OperationContext != "" {
		body["operationContext"] = req.OperationContext
	}
	var out CallConnection
	err := c.post(ctx, "answer_call", "/calling/callConnections:answer", body, &out)
	return out, err
}

// CreateCall places an outbound call. Targets starting with "+" are phone
// numbers; anything else is treated as a raw communication identifier.
func (c *Client) CreateCall(ctx context.Context, req CreateRequest) (CallConnection, error) {
	if strings.TrimSpace(req.Target) == "" {
		return CallConnection{}, errors.New("call target is required")
	}
	body := map[string]any{
		"targets":     []any{targetIdentifier(req.Target)},
		"callbackUri": req.CallbackURI,
	}
	if opts := mediaStreamingOptions(req.Media); opts != nil {
		body["mediaStreamingOptions"] = opts
	}
	if req.OperationContext != "" {
		body["operationContext"] = req.OperationContext
	}
	var out CallConnection
	err := c.post(ctx, "create_call", "/calling/callConnections", body, &out)
	return out, err
}

func targetIdentifier(target string) map[string]any {
	target = strings.TrimSpace(target)
	if strings.HasPrefix(target, "+") {
		return map[string]any{
			"kind":        "phoneNumber",
			"rawId":       "4:" + target,
			"phoneNumber": map[string]any{"value": target},
		}
	}
	return map[string]any{
		"kind":              "communicationUser",
		"rawId":             target,
		"communicationUser": map[string]any{"id": target},
	}
}

func (c *Client) post(ctx context.Context, op, path string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("telephony %s: marshal request: %w", op, err)
	}
	u := *c.endpoint
	u.Path = strings.TrimRight(u.Path, "/") + path
	u.RawQuery = url.Values{"api-version": {c.apiVersion}}.Encode()

	// Retries of one logical request share the repeatability headers so the
	// platform can deduplicate them.
	requestID := uuid.NewString()
	firstSent := c.now().Format(http.TimeFormat)

	return c.retry.Do(ctx, func(attempt int) (bool, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(payload))
		if err != nil {
			return false, fmt.Errorf("telephony %s: create request: %w", op, err)
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Repeatability-Request-ID", requestID)
		req.Header.Set("Repeatability-First-Sent", firstSent)
		signRequest(req, payload, c.key, c.now())

		start := time.Now()
		res, err := c.http.Do(req)
		if c.metrics != nil {
			c.metrics.ObserveCollaborator("telephony", op, time.Since(start))
		}
		if err != nil {
			c.logger.Warn("telephony request failed", zap.String("op", op), zap.Int("attempt", attempt), zap.Error(err))
			return ctx.Err() == nil, fmt.Errorf("telephony %s: send request: %w", op, err)
		}
		defer res.Body.Close()

		if res.StatusCode < 200 || res.StatusCode >= 300 {
			excerpt, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
			apiErr := &APIError{Operation: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(excerpt))}
			retry := reliability.IsRetryableHTTPStatus(res.StatusCode)
			c.logger.Warn("telephony request rejected",
				zap.String("op", op),
				zap.Int("status", res.StatusCode),
				zap.Int("attempt", attempt),
				zap.Bool("retry", retry),
			)
			return retry, apiErr
		}
		if out == nil {
			return false, nil
		}
		if err := json.NewDecoder(io.LimitReader(res.Body, 1<<20)).Decode(out); err != nil {
			return false, fmt.Errorf("telephony %s: decode response: %w", op, err)
		}
		return false, nil
	})
}
