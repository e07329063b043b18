package nlu

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"strings"
)

// ErrorAction is what the fallback chain does after a failed parse.
type ErrorAction int

const (
	// ActionRetry retries the same parser after a backoff.
	ActionRetry ErrorAction = iota
	// ActionFallback moves on to the next parser in the chain.
	ActionFallback
	// ActionFail stops the chain.
	ActionFail
)

func (a ErrorAction) String() string {
	switch a {
	case ActionRetry:
		return "retry"
	case ActionFallback:
		return "fallback"
	case ActionFail:
		return "fail"
	default:
		return "unknown"
	}
}

// LLMError carries the provider and HTTP status of a failed call.
type LLMError struct {
	Err        error
	StatusCode int
	Provider   Provider
}

func (e *LLMError) Error() string {
	if e.StatusCode > 0 {
		return e.Err.Error() + " (status: " + strconv.Itoa(e.StatusCode) + ")"
	}
	return e.Err.Error()
}

func (e *LLMError) Unwrap() error {
	return e.Err
}

// WrapError attaches provider and status information to err.
func WrapError(err error, provider Provider, statusCode int) error {
	if err == nil {
		return nil
	}
	return &LLMError{Err: err, StatusCode: statusCode, Provider: provider}
}

// ClassifyError decides how the chain reacts to err:
//   - transient failures (429, 5xx, timeouts, network) are retried
//   - quota exhaustion and permanent client errors (400, 401, 403, 404)
//     move on to the next provider, which has its own key and limits
//   - a cancelled context stops everything
func ClassifyError(err error) ErrorAction {
	if err == nil || errors.Is(err, context.Canceled) {
		return ActionFail
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ActionRetry
	}

	var llmErr *LLMError
	if errors.As(err, &llmErr) && llmErr.StatusCode > 0 {
		return classifyStatusCode(llmErr.StatusCode)
	}

	msg := strings.ToLower(err.Error())
	switch {
	case containsAny(msg, "quota", "daily limit", "billing"):
		return ActionFallback
	case containsAny(msg, "429", "rate limit", "too many requests", "resource_exhausted"):
		return ActionRetry
	case containsAny(msg, "500", "502", "503", "504", "unavailable", "overloaded", "internal server error", "bad gateway"):
		return ActionRetry
	case containsAny(msg, "timeout", "deadline", "connection reset", "connection refused", "eof"):
		return ActionRetry
	case containsAny(msg, "401", "403", "unauthorized", "unauthenticated", "permission denied", "api key"):
		return ActionFallback
	default:
		// Malformed model output and unknown failures: another provider may
		// do better.
		return ActionFallback
	}
}

func classifyStatusCode(status int) ErrorAction {
	switch {
	case status == http.StatusTooManyRequests,
		status == http.StatusRequestTimeout,
		status >= http.StatusInternalServerError:
		return ActionRetry
	default:
		return ActionFallback
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// errorLabel maps an error to a metric status label.
func errorLabel(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.Is(err, context.Canceled):
		return "canceled"
	}
	var llmErr *LLMError
	if errors.As(err, &llmErr) {
		switch {
		case llmErr.StatusCode == http.StatusTooManyRequests:
			return "rate_limit"
		case llmErr.StatusCode >= 500:
			return "server_error"
		case llmErr.StatusCode == http.StatusUnauthorized || llmErr.StatusCode == http.StatusForbidden:
			return "auth_error"
		}
	}
	return "error"
}
