package reliability

import (
	"context"
	"time"
)

// IsRetryableHTTPStatus classifies retryable HTTP status codes.
func IsRetryableHTTPStatus(code int) bool {
	switch code {
	case 408, 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

// IsTransientModelError classifies realtime model error codes that clear up
// on their own, as opposed to errors caused by what the bridge sent.
func IsTransientModelError(code string) bool {
	switch code {
	case "rate_limit_exceeded", "rate_limited", "resource_exhausted", "server_error", "queue_overflow":
		return true
	default:
		return false
	}
}

// ExponentialBackoff computes a deterministic capped backoff duration.
func ExponentialBackoff(attempt int, base, cap time.Duration) time.Duration {
	if attempt <= 0 {
		return base
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= cap {
			return cap
		}
	}
	return d
}

// Policy bounds a retry loop.
type Policy struct {
	Attempts int
	Base     time.Duration
	Cap      time.Duration
}

// Do calls fn until it succeeds, reports the error as permanent, the attempts
// run out, or ctx is cancelled. fn returns retry=true for transient failures.
func (p Policy) Do(ctx context.Context, fn func(attempt int) (retry bool, err error)) error {
	attempts := p.Attempts
	if attempts <= 0 {
		attempts = 1
	}
	var err error
	for attempt := 0; attempt < attempts; attempt++ {
		var retry bool
		retry, err = fn(attempt)
		if err == nil || !retry || attempt == attempts-1 {
			return err
		}
		timer := time.NewTimer(ExponentialBackoff(attempt, p.Base, p.Cap))
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
	return err
}
