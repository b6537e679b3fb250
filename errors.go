package main

import (
	"errors"
	"fmt"
	"strings"
)

// ========================================
// Bridge Error Taxonomy
// ========================================

// Error kinds for specific failure types
const (
	ErrSessionNotInitialized = "SESSION_NOT_INITIALIZED"
	ErrSessionExpired        = "SESSION_EXPIRED"
	ErrElementNotFound       = "ELEMENT_NOT_FOUND"
	ErrActionRejected        = "ACTION_REJECTED"
	ErrInvalidArgument       = "INVALID_ARGUMENT"
	ErrExtractionFailure     = "EXTRACTION_FAILURE"
	ErrConnection            = "CONNECTION_ERROR"
	ErrTimeout               = "TIMEOUT"
)

// BridgeError is the error type used across the bridge. Kind is machine
// readable; Strategies lists the locator strategies attempted before an
// element lookup gave up.
type BridgeError struct {
	Kind       string   // machine-readable kind (e.g. ErrElementNotFound)
	Message    string   // human-readable message
	Strategies []string // attempted locator strategies, if any
	Cause      error    // underlying error, if any
}

// Error implements the error interface.
func (e *BridgeError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "[%s] %s", e.Kind, e.Message)
	if len(e.Strategies) > 0 {
		fmt.Fprintf(&b, " (tried: %s)", strings.Join(e.Strategies, ", "))
	}
	if e.Cause != nil {
		fmt.Fprintf(&b, ": %v", e.Cause)
	}
	return b.String()
}

// Unwrap returns the underlying cause, allowing errors.Is/As chaining.
func (e *BridgeError) Unwrap() error {
	return e.Cause
}

// NewBridgeError creates a BridgeError with the given kind.
func NewBridgeError(kind, message string, cause error) *BridgeError {
	return &BridgeError{Kind: kind, Message: message, Cause: cause}
}

// Specific constructors

func NewSessionNotInitializedError() *BridgeError {
	return NewBridgeError(ErrSessionNotInitialized, "no active session, call /session/initialize first", nil)
}

func NewSessionExpiredError(sessionID string, cause error) *BridgeError {
	return NewBridgeError(ErrSessionExpired, fmt.Sprintf("session '%s' is no longer responsive", sessionID), cause)
}

func NewElementNotFoundError(locator Locator, strategies []string) *BridgeError {
	return &BridgeError{
		Kind:       ErrElementNotFound,
		Message:    fmt.Sprintf("element not found for %s=%q", locator.Strategy, truncateValue(locator.Value, 120)),
		Strategies: strategies,
	}
}

func NewActionRejectedError(action string, cause error) *BridgeError {
	return NewBridgeError(ErrActionRejected, fmt.Sprintf("device rejected action '%s'", action), cause)
}

func NewInvalidArgumentError(message string) *BridgeError {
	return NewBridgeError(ErrInvalidArgument, message, nil)
}

func NewExtractionFailureError(cause error) *BridgeError {
	return NewBridgeError(ErrExtractionFailure, "visual text extraction failed", cause)
}

func NewConnectionError(endpoint string, cause error) *BridgeError {
	return NewBridgeError(ErrConnection, fmt.Sprintf("cannot reach automation endpoint %s", endpoint), cause)
}

func NewTimeoutError(operation string, cause error) *BridgeError {
	return NewBridgeError(ErrTimeout, fmt.Sprintf("operation '%s' timed out", operation), cause)
}

// IsRecoverable reports whether the error indicates a dead session that a
// fresh session may fix. Connection errors are not recoverable this way: the
// endpoint itself is gone. Wrapped errors are unwrapped first so context
// added along the way does not hide the kind.
func IsRecoverable(err error) bool {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Kind == ErrSessionExpired
	}
	return false
}

// ErrorKind extracts the kind from an error's BridgeError, unwrapping as
// needed, or "" for foreign errors.
func ErrorKind(err error) string {
	var be *BridgeError
	if errors.As(err, &be) {
		return be.Kind
	}
	return ""
}

// crashIndicators are substrings in driver error messages that mean the
// underlying automation session has died rather than a single action failing.
var crashIndicators = []string{
	"instrumentation process is not running",
	"cannot be proxied to uiautomator2",
	"probably crashed",
	"session is either terminated or not started",
	"invalid session id",
	"session not found",
	"socket hang up",
}

// isSessionCrashError classifies a raw driver error message.
func isSessionCrashError(message string) bool {
	lower := strings.ToLower(message)
	for _, indicator := range crashIndicators {
		if strings.Contains(lower, indicator) {
			return true
		}
	}
	return false
}

func truncateValue(s string, max int) string {
	if len(s) <= max {
		return s
	}
	return s[:max] + "..."
}
