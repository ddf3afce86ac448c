package domain

import (
	"errors"
	"fmt"
)

// Category sentinels, used with NewSubSystemError for subsystem-specific errors.
var (
	ErrNotFound      = fmt.Errorf("not found")
	ErrTimeout       = fmt.Errorf("operation timed out")
	ErrLimitReached  = fmt.Errorf("limit reached")
	ErrInvalidInput  = fmt.Errorf("invalid input")
	ErrProviderError = fmt.Errorf("provider error")
)

// Sentinel errors for the domain layer.
var (
	// Bridge lifecycle errors.
	ErrSpawnFailed     = fmt.Errorf("subprocess spawn failed")
	ErrProtocol        = fmt.Errorf("protocol frame invalid")
	ErrHandshakeFailed = fmt.Errorf("handshake failed")
	ErrSessionNotReady = fmt.Errorf("session not ready")
	ErrSessionClosed   = fmt.Errorf("session closed")
	ErrToolExecution   = fmt.Errorf("tool execution failed")
	ErrConfigLoad      = fmt.Errorf("failed to load configuration")

	// Gateway errors.
	ErrAuthInvalid       = fmt.Errorf("authentication failed")
	ErrGatewayAuthFailed = fmt.Errorf("gateway: %w", ErrAuthInvalid)
	ErrRateLimit         = fmt.Errorf("rate limit exceeded")
)

// DomainError wraps a sentinel error with context.
type DomainError struct {
	Op        string // operation name (e.g., "Session.Call")
	Err       error  // underlying sentinel or wrapped error
	Detail    string // human-readable detail
	SubSystem string // subsystem identifier (e.g., "session", "search"); used for ErrorCode dispatch
}

func (e *DomainError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("%s: %s: %s", e.Op, e.Detail, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Op, e.Err)
}

func (e *DomainError) Unwrap() error { return e.Err }

// NewDomainError creates a new DomainError.
func NewDomainError(op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail}
}

// NewSubSystemError creates a DomainError tagged with a subsystem for ErrorCode dispatch.
// Use this with category sentinels (ErrTimeout, ErrLimitReached, etc.) so that ErrorCodeOf
// can map the combination of sentinel + subsystem to a specific ErrorCode.
func NewSubSystemError(subsystem, op string, err error, detail string) *DomainError {
	return &DomainError{Op: op, Err: err, Detail: detail, SubSystem: subsystem}
}

// WrapOp adds operation context to an error using fmt.Errorf wrapping.
// Returns nil if err is nil, enabling idiomatic use: return domain.WrapOp("op", err)
func WrapOp(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", op, err)
}

// IsRetryableError reports whether err may succeed after the session is rebuilt.
// Only a session that died mid-flight qualifies; provider errors, timeouts, and
// caller mistakes are surfaced as-is.
func IsRetryableError(err error) bool {
	return errors.Is(err, ErrSessionClosed)
}

// ErrorCode is a machine-parseable error category for monitoring and alerting.
type ErrorCode string

// Error codes. Every sentinel error maps to exactly one code.
const (
	CodeUnknown         ErrorCode = "UNKNOWN"
	CodeSpawnFailed     ErrorCode = "SPAWN_FAILED"
	CodeProtocol        ErrorCode = "PROTOCOL_ERROR"
	CodeHandshakeFailed ErrorCode = "HANDSHAKE_FAILED"
	CodeSessionNotReady ErrorCode = "SESSION_NOT_READY"
	CodeSessionClosed   ErrorCode = "SESSION_CLOSED"
	CodeToolExecution   ErrorCode = "TOOL_EXECUTION"
	CodeConfigLoad      ErrorCode = "CONFIG_LOAD"
	CodeGatewayAuth     ErrorCode = "GATEWAY_AUTH"
	CodeAuthInvalid     ErrorCode = "AUTH_INVALID"
	CodeRateLimit       ErrorCode = "RATE_LIMIT"

	// Subsystem-specific codes used by subSystemCodeMap.
	CodeFrameTooLarge  ErrorCode = "FRAME_TOO_LARGE"
	CodeSearchProvider ErrorCode = "SEARCH_PROVIDER"

	// Category error codes, the fallback when no subsystem-specific code matches.
	CodeNotFound      ErrorCode = "NOT_FOUND"
	CodeTimeout       ErrorCode = "TIMEOUT"
	CodeLimitReached  ErrorCode = "LIMIT_REACHED"
	CodeInvalidInput  ErrorCode = "INVALID_INPUT"
	CodeProviderError ErrorCode = "PROVIDER_ERROR"
)

// errorCodeMap maps sentinel errors to their machine-parseable codes.
var errorCodeMap = map[error]ErrorCode{
	// Category sentinels (fallback codes).
	ErrNotFound:      CodeNotFound,
	ErrTimeout:       CodeTimeout,
	ErrLimitReached:  CodeLimitReached,
	ErrInvalidInput:  CodeInvalidInput,
	ErrProviderError: CodeProviderError,

	// Active sentinels.
	ErrSpawnFailed:       CodeSpawnFailed,
	ErrProtocol:          CodeProtocol,
	ErrHandshakeFailed:   CodeHandshakeFailed,
	ErrSessionNotReady:   CodeSessionNotReady,
	ErrSessionClosed:     CodeSessionClosed,
	ErrToolExecution:     CodeToolExecution,
	ErrConfigLoad:        CodeConfigLoad,
	ErrGatewayAuthFailed: CodeGatewayAuth,
	ErrAuthInvalid:       CodeAuthInvalid,
	ErrRateLimit:         CodeRateLimit,
}

// subSystemCodeMap maps (category sentinel, subsystem) pairs to specific ErrorCodes.
var subSystemCodeMap = map[error]map[string]ErrorCode{
	ErrLimitReached: {
		"protocol": CodeFrameTooLarge,
	},
	ErrProviderError: {
		"search": CodeSearchProvider,
	},
}

// ErrorCodeOf returns the machine-parseable error code for the given error.
// It unwraps DomainError and uses errors.Is to match sentinel errors.
// For DomainErrors with a SubSystem, it also checks the subSystemCodeMap
// to resolve category sentinels to specific codes.
// Returns CodeUnknown if no matching sentinel is found.
func ErrorCodeOf(err error) ErrorCode {
	if err == nil {
		return CodeUnknown
	}

	// Fast path: direct sentinel lookup.
	if code, ok := errorCodeMap[err]; ok {
		return code
	}

	// Unwrap DomainError to check its inner sentinel and subsystem.
	var de *DomainError
	if errors.As(err, &de) {
		// Check subsystem-specific mapping first (higher specificity).
		if de.SubSystem != "" {
			if subsysMap, ok := subSystemCodeMap[de.Err]; ok {
				if code, ok := subsysMap[de.SubSystem]; ok {
					return code
				}
			}
		}
		if code, ok := errorCodeMap[de.Err]; ok {
			return code
		}
	}

	// Walk the error chain with errors.Is.
	for sentinel, code := range errorCodeMap {
		if errors.Is(err, sentinel) {
			return code
		}
	}

	return CodeUnknown
}

// Code returns the ErrorCode for this DomainError's underlying sentinel.
// If SubSystem is set, checks the subSystemCodeMap for a specific code.
func (e *DomainError) Code() ErrorCode {
	if e.SubSystem != "" {
		if subsysMap, ok := subSystemCodeMap[e.Err]; ok {
			if code, ok := subsysMap[e.SubSystem]; ok {
				return code
			}
		}
	}
	if code, ok := errorCodeMap[e.Err]; ok {
		return code
	}
	return CodeUnknown
}
