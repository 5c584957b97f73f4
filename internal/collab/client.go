// Package collab holds HTTP clients for the services this one reports to:
// the data service (meetings, transcripts, lookups) and the intelligence
// service (post-processing, tool backends).
package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ent0n29/aida-voice/internal/observability"
)

// StatusError is returned when a collaborator answers outside the accepted
// status set. Body holds at most 4 KiB of the response.
type StatusError struct {
	Service    string
	Operation  string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s %s: http status %d: %s", e.Service, e.Operation, e.StatusCode, e.Body)
}

type httpClient struct {
	service string
	baseURL string
	client  *http.Client
	metrics *observability.Metrics
}

func newHTTPClient(service, baseURL string, timeout time.Duration, metrics *observability.Metrics) httpClient {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return httpClient{
		service: service,
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		client:  &http.Client{Timeout: timeout},
		metrics: metrics,
	}
}

// do sends one JSON request. accepted lists the statuses treated as success;
// when empty any 2xx is accepted. out may be nil.
func (c httpClient) do(ctx context.Context, op, method, path string, query url.Values, body any, out any, accepted ...int) error {
	if c.baseURL == "" {
		return fmt.Errorf("%s %s: base url not configured", c.service, op)
	}
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("%s %s: marshal request: %w", c.service, op, err)
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("%s %s: create request: %w", c.service, op, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	start := time.Now()
	res, err := c.client.Do(req)
	if c.metrics != nil {
		c.metrics.ObserveCollaborator(c.service, op, time.Since(start))
	}
	if err != nil {
		return fmt.Errorf("%s %s: send request: %w", c.service, op, err)
	}
	defer res.Body.Close()

	if !statusAccepted(res.StatusCode, accepted) {
		excerpt, _ := io.ReadAll(io.LimitReader(res.Body, 4<<10))
		return &StatusError{Service: c.service, Operation: op, StatusCode: res.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 64<<10))
		return nil
	}
	data, err := io.ReadAll(io.LimitReader(res.Body, 4<<20))
	if err != nil {
		return fmt.Errorf("%s %s: read response: %w", c.service, op, err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	if raw, ok := out.(*json.RawMessage); ok {
		*raw = append((*raw)[:0], data...)
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", c.service, op, err)
	}
	return nil
}

func statusAccepted(code int, accepted []int) bool {
	if len(accepted) == 0 {
		return code >= 200 && code < 300
	}
	for _, c := range accepted {
		if c == code {
			return true
		}
	}
	return false
}
