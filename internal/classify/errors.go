// Package classify tags execution errors as retryable/non-retryable with a
// suggested delay (C9, §4.6, §7).
package classify

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
)

// Kind names one row of the classification table in §4.6.
type Kind string

const (
	KindNetwork       Kind = "NETWORK"
	KindRateLimit     Kind = "RATE_LIMIT"
	KindAuthN         Kind = "AUTHENTICATION"
	KindConfiguration Kind = "CONFIGURATION"
	KindQuota         Kind = "QUOTA"
	KindCircuit       Kind = "CIRCUIT"
	KindExternal5xx   Kind = "EXTERNAL_5XX"
	KindValidation    Kind = "VALIDATION"
	KindUnknown       Kind = "UNKNOWN"
)

// Classification is the retry/no-retry verdict for a Kind.
type Classification struct {
	Kind       Kind
	Retryable  bool
	BaseDelay  int // milliseconds; zero when not retryable
}

// substringRule is one row of the §4.6 table, matched in order.
type substringRule struct {
	patterns  []string
	classification Classification
}

var rules = []substringRule{
	{
		patterns:       []string{"fetch failed", "enotfound", "econnrefused", "etimedout"},
		classification: Classification{Kind: KindNetwork, Retryable: true, BaseDelay: 2000},
	},
	{
		patterns:       []string{"rate limit", "429", "too many requests"},
		classification: Classification{Kind: KindRateLimit, Retryable: true, BaseDelay: 5000},
	},
	{
		patterns:       []string{"unauthorized", "401", "403", "invalid token"},
		classification: Classification{Kind: KindAuthN, Retryable: false},
	},
	{
		patterns:       []string{"missing", "required", "invalid configuration"},
		classification: Classification{Kind: KindConfiguration, Retryable: false},
	},
	{
		patterns:       []string{"quota exceeded", "limit exceeded"},
		classification: Classification{Kind: KindQuota, Retryable: false},
	},
	{
		patterns:       []string{"circuit breaker is open"},
		classification: Classification{Kind: KindCircuit, Retryable: true, BaseDelay: 30000},
	},
	{
		patterns:       []string{"http 5", "internal server error"},
		classification: Classification{Kind: KindExternal5xx, Retryable: true, BaseDelay: 3000},
	},
}

// Classify maps an error message to a Kind/retryable/baseDelay triple
// following the substring table in §4.6. Unmatched errors default to
// UNKNOWN, retryable, 1s.
func Classify(err error) Classification {
	if err == nil {
		return Classification{Kind: KindUnknown, Retryable: false}
	}

	msg := strings.ToLower(err.Error())
	for _, rule := range rules {
		for _, p := range rule.patterns {
			if strings.Contains(msg, p) {
				return rule.classification
			}
		}
	}

	return Classification{Kind: KindUnknown, Retryable: true, BaseDelay: 1000}
}

// IsTransportTransient inspects the Go error chain for network/context
// conditions that are transient regardless of message text. Classify does
// not call it; Classify matches message text only.
func IsTransportTransient(err error) bool {
	if err == nil {
		return false
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if errors.Is(err, context.Canceled) {
		return false
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}

	if errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.ETIMEDOUT) ||
		errors.Is(err, syscall.ENETUNREACH) {
		return true
	}

	return false
}

// ExecutionError wraps an underlying error with its classification and the
// node/attempt context it occurred in.
type ExecutionError struct {
	Err            error
	Classification Classification
	NodeID         string
	NodeType       string
	RetryCount     int
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution error in node %s (%s): %v", e.NodeID, e.NodeType, e.Err)
}

func (e *ExecutionError) Unwrap() error {
	return e.Err
}

// IsRetryable reports whether the wrapped error's classification permits a
// retry.
func (e *ExecutionError) IsRetryable() bool {
	return e.Classification.Retryable
}

// New classifies err and wraps it with node/attempt context.
func New(err error, nodeID, nodeType string, retryCount int) *ExecutionError {
	return &ExecutionError{
		Err:            err,
		Classification: Classify(err),
		NodeID:         nodeID,
		NodeType:       nodeType,
		RetryCount:     retryCount,
	}
}

// Wrap classifies err if it is not already an *ExecutionError, otherwise it
// just refreshes the retry count.
func Wrap(err error, nodeID, nodeType string, retryCount int) error {
	if err == nil {
		return nil
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		execErr.RetryCount = retryCount
		return execErr
	}

	return New(err, nodeID, nodeType, retryCount)
}

// RetryDelayMS computes the queue-level delay for the given retry count
// following §4.6 step 10: baseDelay * 2^retryCount + jitter, capped at 30s.
// jitter is supplied by the caller so this function stays deterministic and
// testable.
func RetryDelayMS(baseDelayMS, retryCount, jitterMS int) int {
	delay := baseDelayMS
	for i := 0; i < retryCount; i++ {
		delay *= 2
	}
	delay += jitterMS
	const cap = 30000
	if delay > cap {
		return cap
	}
	return delay
}

// Sentinel error kinds referenced directly by C6/C8 control flow (§7).
var (
	ErrCircuitOpen        = errors.New("circuit breaker is open")
	ErrQuotaExceeded      = errors.New("quota exceeded")
	ErrResumePointMissing = errors.New("resume point missing")
	ErrClaimConflict      = errors.New("claim conflict")
)
