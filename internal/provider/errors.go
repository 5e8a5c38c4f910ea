package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/kingrea/council/internal/retry"
)

var (
	// ErrTransientGateway covers 5xx responses and transport failures. It is
	// retried by the client's policy before being surfaced.
	ErrTransientGateway = errors.New("provider: gateway unavailable")
	// ErrRateLimited is surfaced immediately and never retried automatically.
	ErrRateLimited = errors.New("provider: rate limited")
	// ErrQuotaExceeded is terminal.
	ErrQuotaExceeded = errors.New("provider: quota exceeded")
	// ErrMalformedResponse reports a body that could not be decoded.
	ErrMalformedResponse = errors.New("provider: malformed response")
	// ErrRequestRejected covers the remaining 4xx responses.
	ErrRequestRejected = errors.New("provider: request rejected")
)

// StatusError carries the HTTP status behind a classified failure.
type StatusError struct {
	Status int
	Body   string
	Class  error
}

func (e *StatusError) Error() string {
	body := strings.TrimSpace(e.Body)
	if len(body) > 200 {
		body = body[:200] + "..."
	}
	if body == "" {
		return fmt.Sprintf("%v (http %d)", e.Class, e.Status)
	}
	return fmt.Sprintf("%v (http %d): %s", e.Class, e.Status, body)
}

func (e *StatusError) Unwrap() error { return e.Class }

// classifyStatus maps a non-2xx response onto the error taxonomy.
func classifyStatus(status int, body string) error {
	lowered := strings.ToLower(body)
	var class error
	switch {
	case status == http.StatusTooManyRequests && strings.Contains(lowered, "quota"):
		class = ErrQuotaExceeded
	case status == http.StatusTooManyRequests:
		class = ErrRateLimited
	case status == http.StatusPaymentRequired:
		class = ErrQuotaExceeded
	case status >= 500:
		class = ErrTransientGateway
	default:
		class = ErrRequestRejected
	}
	return &StatusError{Status: status, Body: body, Class: class}
}

// Classify is the retry classifier for model calls: only transient gateway
// failures are retried.
func Classify(err error) retry.Decision {
	if errors.Is(err, ErrTransientGateway) {
		return retry.Retry
	}
	return retry.Stop
}

// UserVisible reports whether err should be shown to the user verbatim
// instead of being absorbed as a degraded result.
func UserVisible(err error) bool {
	return errors.Is(err, ErrRateLimited) || errors.Is(err, ErrQuotaExceeded)
}

// UserMessage renders a short notice for user-visible failures.
func UserMessage(err error) string {
	switch {
	case errors.Is(err, ErrQuotaExceeded):
		return "The council has used up its model quota. Please try again later."
	case errors.Is(err, ErrRateLimited):
		return "The council is getting too many requests right now. Give it a moment and try again."
	default:
		return ""
	}
}

func transportError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return fmt.Errorf("%w: %v", ErrTransientGateway, err)
}
