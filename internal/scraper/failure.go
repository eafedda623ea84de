package scraper

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"
)

// Sentinel errors that terminate an item without retry.
var (
	// ErrBodyTooLarge is returned when the streamed body exceeds the
	// configured size cap. Partial output is discarded by the fetcher.
	ErrBodyTooLarge = errors.New("body exceeds size limit")

	// ErrRobotsDenied is returned when the origin's robots policy forbids
	// fetching the page.
	ErrRobotsDenied = errors.New("denied by robots.txt")
)

// HTTPError carries a non-success status code so the orchestrator can decide
// retry policy from the code itself rather than from error type identity.
type HTTPError struct {
	Status int
}

func (e *HTTPError) Error() string {
	return fmt.Sprintf("http status %d", e.Status)
}

// Severity tags an error as retryable or terminal.
type Severity int

const (
	// Transient failures re-enter the same pipeline stage until its retry
	// budget is exhausted.
	Transient Severity = iota
	// Permanent failures dead-letter the item immediately.
	Permanent
)

// Classify maps an error from any pipeline stage to a retry severity.
//
// HTTP 5xx and 429, connection failures and timeouts are transient; other
// 4xx are permanent. Size-cap and robots violations are permanent. Context
// cancellation is permanent (shutdown must not spin on retries). Deadline
// expiry is deliberately not permanent: the HTTP client surfaces its
// per-request timeout as context.DeadlineExceeded, and a slow origin must
// stay retryable. Callers detect shutdown via their own ctx.Err(). Anything
// unclassifiable is treated as transient, the optimistic default.
func Classify(err error) Severity {
	if err == nil {
		return Transient
	}
	if errors.Is(err, context.Canceled) {
		return Permanent
	}
	if errors.Is(err, ErrBodyTooLarge) || errors.Is(err, ErrRobotsDenied) {
		return Permanent
	}
	var httpErr *HTTPError
	if errors.As(err, &httpErr) {
		if httpErr.Status >= 500 || httpErr.Status == 429 {
			return Transient
		}
		if httpErr.Status >= 400 {
			return Permanent
		}
		return Transient
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return Transient
	}
	return Transient
}

// BackoffPolicy computes exponential delays between retry attempts.
type BackoffPolicy struct {
	Base time.Duration
	Cap  time.Duration
}

// NewBackoffPolicy applies the default 1s base and 30s cap when unset.
func NewBackoffPolicy(base, cap time.Duration) BackoffPolicy {
	if base <= 0 {
		base = time.Second
	}
	if cap <= 0 {
		cap = 30 * time.Second
	}
	return BackoffPolicy{Base: base, Cap: cap}
}

// Delay returns min(base * 2^attempt, cap) for a 0-indexed attempt.
func (p BackoffPolicy) Delay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	delay := p.Base
	for i := 0; i < attempt; i++ {
		delay *= 2
		if delay >= p.Cap || delay <= 0 {
			return p.Cap
		}
	}
	if delay > p.Cap {
		return p.Cap
	}
	return delay
}

// Sleep blocks for the attempt's delay or until the context is done.
func (p BackoffPolicy) Sleep(ctx context.Context, attempt int) error {
	timer := time.NewTimer(p.Delay(attempt))
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
