package agent

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/openai/openai-go"
)

// ErrorKind classifies backend failures.
type ErrorKind string

const (
	ErrRateLimit      ErrorKind = "rate_limit"
	ErrInvalidRequest ErrorKind = "invalid_request"
	ErrAuthentication ErrorKind = "authentication"
	ErrServer         ErrorKind = "server"
	ErrTransport      ErrorKind = "transport"
	ErrAborted        ErrorKind = "aborted"
)

// ClientError is a classified backend failure.
type ClientError struct {
	Kind       ErrorKind
	Backend    string
	StatusCode int
	Err        error
}

func (e *ClientError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("%s backend %s error (status %d): %v", e.Backend, e.Kind, e.StatusCode, e.Err)
	}
	return fmt.Sprintf("%s backend %s error: %v", e.Backend, e.Kind, e.Err)
}

func (e *ClientError) Unwrap() error { return e.Err }

// Classify wraps err in a ClientError. Already classified errors pass through.
func Classify(backend string, err error) error {
	if err == nil {
		return nil
	}
	var ce *ClientError
	if errors.As(err, &ce) {
		return err
	}

	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return &ClientError{Kind: ErrAborted, Backend: backend, Err: err}
	}

	var anthropicErr *anthropic.Error
	if errors.As(err, &anthropicErr) {
		return &ClientError{Kind: kindForStatus(anthropicErr.StatusCode), Backend: backend, StatusCode: anthropicErr.StatusCode, Err: err}
	}
	var openaiErr *openai.Error
	if errors.As(err, &openaiErr) {
		return &ClientError{Kind: kindForStatus(openaiErr.StatusCode), Backend: backend, StatusCode: openaiErr.StatusCode, Err: err}
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return &ClientError{Kind: ErrTransport, Backend: backend, Err: err}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "rate limit") || strings.Contains(msg, "429"):
		return &ClientError{Kind: ErrRateLimit, Backend: backend, Err: err}
	case strings.Contains(msg, "econnreset") || strings.Contains(msg, "etimedout") || strings.Contains(msg, "connection reset") || strings.Contains(msg, "eof"):
		return &ClientError{Kind: ErrTransport, Backend: backend, Err: err}
	case strings.Contains(msg, "authentication") || strings.Contains(msg, "api key"):
		return &ClientError{Kind: ErrAuthentication, Backend: backend, Err: err}
	}
	return &ClientError{Kind: ErrServer, Backend: backend, Err: err}
}

func kindForStatus(status int) ErrorKind {
	switch {
	case status == 429:
		return ErrRateLimit
	case status == 401 || status == 403:
		return ErrAuthentication
	case status >= 500:
		return ErrServer
	case status >= 400:
		return ErrInvalidRequest
	default:
		return ErrTransport
	}
}

// KindOf returns the kind of a classified error, or "" when err is not one.
func KindOf(err error) ErrorKind {
	var ce *ClientError
	if errors.As(err, &ce) {
		return ce.Kind
	}
	return ""
}

// IsRetryable reports whether retrying the same request may succeed.
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case ErrRateLimit, ErrServer, ErrTransport:
		return true
	default:
		return false
	}
}

// IsAborted reports whether err stems from cancellation.
func IsAborted(err error) bool {
	return KindOf(err) == ErrAborted || errors.Is(err, context.Canceled)
}
