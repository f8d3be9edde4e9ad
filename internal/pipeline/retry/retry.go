// Package retry decides which vendor fetch failures are worth another
// attempt.
package retry

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	"github.com/emperorhan/tbm-forecaster/internal/circuitbreaker"
	"github.com/emperorhan/tbm-forecaster/internal/vendor"
)

type Class string

const (
	ClassTerminal  Class = "terminal"
	ClassTransient Class = "transient"
)

// Decision is the outcome of Classify. Reason is a stable label used in
// logs, metrics and FetchError.
type Decision struct {
	Class  Class
	Reason string
}

func (d Decision) IsTransient() bool {
	return d.Class == ClassTransient
}

func transient(reason string) Decision { return Decision{Class: ClassTransient, Reason: reason} }
func terminal(reason string) Decision  { return Decision{Class: ClassTerminal, Reason: reason} }

// rule returns ok=false when it does not apply to err.
type rule func(err error) (Decision, bool)

// rules are evaluated in order; the first match wins.
var rules = []rule{
	func(err error) (Decision, bool) {
		return terminal("context_canceled"), errors.Is(err, context.Canceled)
	},
	func(err error) (Decision, bool) {
		return terminal("circuit_open"), errors.Is(err, circuitbreaker.ErrOpen)
	},
	func(err error) (Decision, bool) {
		return terminal("vendor_no_data"), errors.Is(err, vendor.ErrNoData)
	},
	func(err error) (Decision, bool) {
		return transient("context_deadline_exceeded"), errors.Is(err, context.DeadlineExceeded)
	},
	classifyStatus,
	func(err error) (Decision, bool) {
		// The vendor reports overload and maintenance through codes inside
		// a 200 response.
		var apiErr *vendor.APIError
		return transient("vendor_api_code"), errors.As(err, &apiErr)
	},
	func(err error) (Decision, bool) {
		var netErr net.Error
		if !errors.As(err, &netErr) {
			return Decision{}, false
		}
		if netErr.Timeout() {
			return transient("net_timeout"), true
		}
		return transient("net_error"), true
	},
	func(err error) (Decision, bool) {
		return terminal("message_terminal"), containsAny(err.Error(), terminalMessageTokens)
	},
	func(err error) (Decision, bool) {
		return transient("message_transient"), containsAny(err.Error(), transientMessageTokens)
	},
}

// Classify maps a fetch error to a retry decision. Unknown errors are
// terminal.
func Classify(err error) Decision {
	if err == nil {
		return terminal("nil_error")
	}
	for _, r := range rules {
		if d, ok := r(err); ok {
			return d
		}
	}
	return terminal("unknown_terminal_default")
}

// classifyStatus retries every non-200 answer. The reasons split the codes
// for metrics only.
func classifyStatus(err error) (Decision, bool) {
	var statusErr *vendor.StatusError
	if !errors.As(err, &statusErr) {
		return Decision{}, false
	}
	switch code := statusErr.StatusCode; {
	case code == http.StatusTooManyRequests:
		return transient("http_throttled"), true
	case code == http.StatusRequestTimeout:
		return transient("http_timeout"), true
	case code >= 500:
		return transient("http_5xx"), true
	case code == http.StatusUnauthorized, code == http.StatusForbidden:
		return transient("http_auth"), true
	default:
		return transient("http_4xx"), true
	}
}

func containsAny(msg string, tokens []string) bool {
	msg = strings.ToLower(msg)
	for _, token := range tokens {
		if strings.Contains(msg, token) {
			return true
		}
	}
	return false
}

var transientMessageTokens = []string{
	"timeout",
	"timed out",
	"temporar",
	"unavailable",
	"connection reset",
	"connection refused",
	"broken pipe",
	"no such host",
	"unexpected eof",
	"eof",
	"server closed idle connection",
	"unmarshal response",
}

var terminalMessageTokens = []string{
	"create request",
	"parse endpoint",
	"marshal request",
	"unsupported protocol scheme",
	"invalid url",
}
