package scanner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"strings"
)

// ErrNoScore is returned when a model reply carries no usable risk score.
var ErrNoScore = errors.New("scanner reply has no risk score")

// LoadError means the scanner could not be constructed.
type LoadError struct {
	Err error
}

func (e *LoadError) Error() string { return "load scanner: " + e.Err.Error() }
func (e *LoadError) Unwrap() error { return e.Err }

// StatusError is a non-2xx reply from a model endpoint.
type StatusError struct {
	Service    string
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s: %s", e.Service, e.Message)
}

func newStatusError(service string, status int, body []byte) *StatusError {
	return &StatusError{Service: service, StatusCode: status, Message: describeStatus(status, body)}
}

// describeStatus extracts a readable message from an error reply.
func describeStatus(status int, body []byte) string {
	var reply struct {
		Error any    `json:"error"`
		Msg   string `json:"message"`
	}
	if json.Unmarshal(body, &reply) == nil {
		switch e := reply.Error.(type) {
		case string:
			if e != "" {
				return e
			}
		case map[string]any:
			if m, ok := e["message"].(string); ok && m != "" {
				return m
			}
		}
		if reply.Msg != "" {
			return reply.Msg
		}
	}

	switch status {
	case 401:
		return "authentication failed, check the scanner token"
	case 403:
		return "access denied for the scanner token"
	case 404:
		return "model or endpoint not found"
	case 429:
		return "rate limited by the model endpoint"
	case 503:
		return "model is loading or unavailable"
	}

	s := string(body)
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return fmt.Sprintf("HTTP %d: %s", status, s)
}

// ErrorType buckets an error into a small label set for metrics.
func ErrorType(err error) string {
	var (
		loadErr   *LoadError
		statusErr *StatusError
		netErr    net.Error
	)
	switch {
	case errors.As(err, &loadErr):
		return "load"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &netErr) && netErr.Timeout():
		return "timeout"
	case errors.As(err, &statusErr):
		return "http"
	case errors.Is(err, ErrNoScore):
		return "decode"
	}

	msg := err.Error()
	switch {
	case strings.Contains(msg, "connection refused"), strings.Contains(msg, "no such host"),
		strings.Contains(msg, "reset by peer"), strings.Contains(msg, "EOF"):
		return "connection"
	case strings.Contains(msg, "invalid character"), strings.Contains(msg, "cannot unmarshal"):
		return "decode"
	}
	return "unknown"
}
