package retry

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/emperorhan/tbm-forecaster/internal/circuitbreaker"
	"github.com/emperorhan/tbm-forecaster/internal/vendor"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		class  Class
		reason string
	}{
		{"nil", nil, ClassTerminal, "nil_error"},
		{"bad gateway", fmt.Errorf("query: %w", &vendor.StatusError{StatusCode: 502, Body: "bad gateway"}), ClassTransient, "http_5xx"},
		{"service unavailable", &vendor.StatusError{StatusCode: 503}, ClassTransient, "http_5xx"},
		{"throttled", &vendor.StatusError{StatusCode: 429}, ClassTransient, "http_throttled"},
		{"request timeout", &vendor.StatusError{StatusCode: 408}, ClassTransient, "http_timeout"},
		{"bad token", &vendor.StatusError{StatusCode: 401, Body: "invalid token"}, ClassTransient, "http_auth"},
		{"forbidden", &vendor.StatusError{StatusCode: 403}, ClassTransient, "http_auth"},
		{"unknown machine", &vendor.StatusError{StatusCode: 404}, ClassTransient, "http_4xx"},
		{"bad request", &vendor.StatusError{StatusCode: 400}, ClassTransient, "http_4xx"},
		{"application code", &vendor.APIError{Code: 500, Msg: "busy"}, ClassTransient, "vendor_api_code"},
		{"no data", fmt.Errorf("latest: %w", vendor.ErrNoData), ClassTerminal, "vendor_no_data"},
		{"breaker open", fmt.Errorf("vendor: %w", circuitbreaker.ErrOpen), ClassTerminal, "circuit_open"},
		{"deadline", context.DeadlineExceeded, ClassTransient, "context_deadline_exceeded"},
		{"canceled", fmt.Errorf("http request: %w", context.Canceled), ClassTerminal, "context_canceled"},
		{"net timeout", &net.OpError{Op: "dial", Err: timeoutErr{}}, ClassTransient, "net_timeout"},
		{"connection refused", &net.OpError{Op: "dial", Net: "tcp", Err: errors.New("connection refused")}, ClassTransient, "net_error"},
		{"truncated body", errors.New("unmarshal response: unexpected end of JSON input"), ClassTransient, "message_transient"},
		{"Upper-case message", errors.New("Service Unavailable"), ClassTransient, "message_transient"},
		{"bad endpoint", errors.New("create request: parse \"::\": missing protocol scheme"), ClassTerminal, "message_terminal"},
		{"unknown", errors.New("unexpected failure"), ClassTerminal, "unknown_terminal_default"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := Classify(tt.err)
			assert.Equal(t, tt.class, d.Class)
			assert.Equal(t, tt.reason, d.Reason)
			assert.Equal(t, tt.class == ClassTransient, d.IsTransient())
		})
	}
}

func TestClassify_CanceledBeatsTransientMessage(t *testing.T) {
	err := fmt.Errorf("connection reset while waiting: %w", context.Canceled)
	assert.Equal(t, Decision{Class: ClassTerminal, Reason: "context_canceled"}, Classify(err))
}
