// Package errors provides structured error types for the probe debug server.
// Every error carries a machine-readable code, a message and an optional hint,
// and knows the RSP error number it is reported as ("Exx") when it surfaces on
// the GDB wire.
package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

// ErrorCode represents a category of error for programmatic handling
type ErrorCode string

const (
	// Protocol errors
	CodeProtocol    ErrorCode = "PROTOCOL_ERROR"
	CodeUnsupported ErrorCode = "UNSUPPORTED_COMMAND"
	CodeTransport   ErrorCode = "TRANSPORT_ERROR"

	// Parameter errors
	CodeMissingParameter ErrorCode = "MISSING_PARAMETER"
	CodeInvalidParameter ErrorCode = "INVALID_PARAMETER"
	CodeOutOfRange       ErrorCode = "OUT_OF_RANGE"

	// Target state errors
	CodeNotHalted     ErrorCode = "NOT_HALTED"
	CodeNoSuchCore    ErrorCode = "NO_SUCH_CORE"
	CodeHardwareLimit ErrorCode = "HARDWARE_LIMIT"
	CodeHardware      ErrorCode = "HARDWARE_ERROR"
	CodeTimeout       ErrorCode = "TIMEOUT"

	// Flash errors
	CodeFlashSequence ErrorCode = "FLASH_SEQUENCE"
	CodeFlashFailed   ErrorCode = "FLASH_FAILED"

	// Session errors
	CodeSessionNotFound     ErrorCode = "SESSION_NOT_FOUND"
	CodeSessionLimitReached ErrorCode = "SESSION_LIMIT_REACHED"

	// Configuration errors
	CodeConfigInvalid     ErrorCode = "CONFIG_INVALID"
	CodeTargetDescription ErrorCode = "TARGET_DESCRIPTION"
	CodeChipNotFound      ErrorCode = "CHIP_NOT_FOUND"

	// Permission errors
	CodePermissionDenied ErrorCode = "PERMISSION_DENIED"
)

// rspCodes maps error codes to the errno-style numbers sent in "Exx" replies.
var rspCodes = map[ErrorCode]uint8{
	CodeInvalidParameter: 0x16, // EINVAL
	CodeMissingParameter: 0x16,
	CodeFlashSequence:    0x16,
	CodeOutOfRange:       0x0e, // EFAULT
	CodeNotHalted:        0x10, // EBUSY
	CodeNoSuchCore:       0x03, // ESRCH
	CodeHardwareLimit:    0x1c, // ENOSPC
	CodeHardware:         0x05, // EIO
	CodeFlashFailed:      0x05,
	CodeTimeout:          0x6e, // ETIMEDOUT
	CodePermissionDenied: 0x01, // EPERM
}

// DebugError is a structured error type that includes a hint on how to
// recover from the failure.
type DebugError struct {
	// Code is a machine-readable error category
	Code ErrorCode `json:"code"`

	// Message is a human-readable description of what went wrong
	Message string `json:"message"`

	// Hint provides actionable guidance on how to fix the error
	Hint string `json:"hint,omitempty"`

	// Details contains additional context (e.g., the address, the core)
	Details map[string]interface{} `json:"details,omitempty"`

	// Cause is the underlying error, if any
	Cause error `json:"-"`
}

// Error implements the error interface
func (e *DebugError) Error() string {
	var sb strings.Builder
	sb.WriteString(e.Message)

	if e.Hint != "" {
		sb.WriteString(" | Hint: ")
		sb.WriteString(e.Hint)
	}

	return sb.String()
}

// Unwrap returns the underlying error for error chaining
func (e *DebugError) Unwrap() error {
	return e.Cause
}

// WithDetails adds details to the error
func (e *DebugError) WithDetails(key string, value interface{}) *DebugError {
	if e.Details == nil {
		e.Details = make(map[string]interface{})
	}
	e.Details[key] = value
	return e
}

// WithCause sets the underlying cause
func (e *DebugError) WithCause(err error) *DebugError {
	e.Cause = err
	return e
}

// RSPCode returns the error number used in an "Exx" reply.
func (e *DebugError) RSPCode() uint8 {
	if c, ok := rspCodes[e.Code]; ok {
		return c
	}
	return 0x01
}

// Is matches on the error code so sentinel comparisons work with errors.Is.
func (e *DebugError) Is(target error) bool {
	var other *DebugError
	if !stderrors.As(target, &other) {
		return false
	}
	return other.Code == e.Code && other.Message == ""
}

// Sentinel values for errors.Is checks. They carry only a code.
var (
	ErrNotHalted     = &DebugError{Code: CodeNotHalted}
	ErrNoSuchCore    = &DebugError{Code: CodeNoSuchCore}
	ErrHardwareLimit = &DebugError{Code: CodeHardwareLimit}
	ErrOutOfRange    = &DebugError{Code: CodeOutOfRange}
	ErrFlashSequence = &DebugError{Code: CodeFlashSequence}
	ErrTransport     = &DebugError{Code: CodeTransport}
)

// --- Protocol Errors ---

// Malformed creates an error for a packet whose arguments could not be parsed
func Malformed(packet string, err error) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("malformed packet %q: %v", truncate(packet, 32), err),
		Cause:   err,
		Details: map[string]interface{}{
			"packet": truncate(packet, 64),
		},
	}
}

// TransportFailed creates an error for a broken connection. These end the session.
func TransportFailed(op string, err error) *DebugError {
	return &DebugError{
		Code:    CodeTransport,
		Message: fmt.Sprintf("transport %s failed: %v", op, err),
		Cause:   err,
	}
}

// --- Parameter Errors ---

// MissingParameter creates an error for missing required parameters
func MissingParameter(paramName, description string) *DebugError {
	return &DebugError{
		Code:    CodeMissingParameter,
		Message: fmt.Sprintf("required parameter '%s' is missing", paramName),
		Hint:    description,
		Details: map[string]interface{}{
			"parameter": paramName,
		},
	}
}

// InvalidParameter creates an error for invalid parameter values
func InvalidParameter(paramName string, value interface{}, expected string) *DebugError {
	return &DebugError{
		Code:    CodeInvalidParameter,
		Message: fmt.Sprintf("invalid value for parameter '%s': %v", paramName, value),
		Hint:    fmt.Sprintf("Expected: %s", expected),
		Details: map[string]interface{}{
			"parameter": paramName,
			"value":     value,
			"expected":  expected,
		},
	}
}

// OutOfRange creates an error for an access outside every mapped memory region
func OutOfRange(address uint64, length int) *DebugError {
	return &DebugError{
		Code:    CodeOutOfRange,
		Message: fmt.Sprintf("access of %d bytes at %#x is outside the memory map", length, address),
		Hint:    "Check the memory map of the selected chip.",
		Details: map[string]interface{}{
			"address": address,
			"length":  length,
		},
	}
}

// --- Target State Errors ---

// NotHalted creates an error for an operation that needs a halted core
func NotHalted(core int, operation string) *DebugError {
	return &DebugError{
		Code:    CodeNotHalted,
		Message: fmt.Sprintf("core %d is running; %s requires a halted core", core, operation),
		Hint:    "Interrupt the target before inspecting it.",
		Details: map[string]interface{}{
			"core":      core,
			"operation": operation,
		},
	}
}

// NoSuchCore creates an error for an unknown core id
func NoSuchCore(core, count int) *DebugError {
	return &DebugError{
		Code:    CodeNoSuchCore,
		Message: fmt.Sprintf("no such core %d (target has %d)", core, count),
		Details: map[string]interface{}{
			"core":  core,
			"count": count,
		},
	}
}

// HardwareLimit creates an error when all comparator units of a kind are in use
func HardwareLimit(kind string, units int) *DebugError {
	return &DebugError{
		Code:    CodeHardwareLimit,
		Message: fmt.Sprintf("all %d %s units are in use", units, kind),
		Hint:    "Remove an existing breakpoint or watchpoint first.",
		Details: map[string]interface{}{
			"kind":  kind,
			"units": units,
		},
	}
}

// Hardware wraps a probe or target failure
func Hardware(operation string, err error) *DebugError {
	return &DebugError{
		Code:    CodeHardware,
		Message: fmt.Sprintf("%s failed: %v", operation, err),
		Cause:   err,
		Details: map[string]interface{}{
			"operation": operation,
		},
	}
}

// Timeout creates an error for an operation that did not complete in time
func Timeout(operation string, seconds float64) *DebugError {
	return &DebugError{
		Code:    CodeTimeout,
		Message: fmt.Sprintf("%s timed out after %.3gs", operation, seconds),
		Details: map[string]interface{}{
			"operation": operation,
			"seconds":   seconds,
		},
	}
}

// --- Flash Errors ---

// FlashSequence creates an error for vFlash commands issued out of order
func FlashSequence(reason string) *DebugError {
	return &DebugError{
		Code:    CodeFlashSequence,
		Message: fmt.Sprintf("flash sequence error: %s", reason),
		Hint:    "Flash writes must follow vFlashErase and end with vFlashDone.",
	}
}

// FlashFailed wraps a flash algorithm failure
func FlashFailed(algorithm string, err error) *DebugError {
	return &DebugError{
		Code:    CodeFlashFailed,
		Message: fmt.Sprintf("flash algorithm %s failed: %v", algorithm, err),
		Cause:   err,
		Details: map[string]interface{}{
			"algorithm": algorithm,
		},
	}
}

// --- Session Errors ---

// SessionNotFound creates an error for when a session ID doesn't exist
func SessionNotFound(sessionID string) *DebugError {
	return &DebugError{
		Code:    CodeSessionNotFound,
		Message: fmt.Sprintf("session '%s' not found", sessionID),
		Hint:    "Use probe_list_sessions to see active sessions.",
		Details: map[string]interface{}{
			"sessionId": sessionID,
		},
	}
}

// SessionLimitReached creates an error when max sessions is reached
func SessionLimitReached(maxSessions int) *DebugError {
	return &DebugError{
		Code:    CodeSessionLimitReached,
		Message: fmt.Sprintf("maximum number of sessions (%d) reached", maxSessions),
		Hint:    "Disconnect the existing debugger before attaching another one.",
		Details: map[string]interface{}{
			"maxSessions": maxSessions,
		},
	}
}

// --- Configuration Errors ---

// ConfigInvalid creates an error for invalid configuration
func ConfigInvalid(field, reason string) *DebugError {
	return &DebugError{
		Code:    CodeConfigInvalid,
		Message: fmt.Sprintf("configuration field '%s' is invalid: %s", field, reason),
		Details: map[string]interface{}{
			"field":  field,
			"reason": reason,
		},
	}
}

// TargetDescription creates an error for a chip family that fails validation
func TargetDescription(family, reason string) *DebugError {
	return &DebugError{
		Code:    CodeTargetDescription,
		Message: fmt.Sprintf("target description '%s' is invalid: %s", family, reason),
		Details: map[string]interface{}{
			"family": family,
			"reason": reason,
		},
	}
}

// ChipNotFound creates an error for an unknown chip name
func ChipNotFound(chip string, known []string) *DebugError {
	var hint string
	if len(known) > 0 {
		if len(known) > 8 {
			known = append(known[:8:8], "...")
		}
		hint = fmt.Sprintf("Known chips: %s", strings.Join(known, ", "))
	} else {
		hint = "No target descriptions are loaded. Check target.searchPaths."
	}
	return &DebugError{
		Code:    CodeChipNotFound,
		Message: fmt.Sprintf("chip '%s' not found", chip),
		Hint:    hint,
		Details: map[string]interface{}{
			"chip": chip,
		},
	}
}

// --- Permission Errors ---

// PermissionDenied creates an error for permission denied
func PermissionDenied(operation, mode string) *DebugError {
	return &DebugError{
		Code:    CodePermissionDenied,
		Message: fmt.Sprintf("%s is not allowed in current server mode", operation),
		Hint:    fmt.Sprintf("This operation is not allowed in '%s' mode.", mode),
		Details: map[string]interface{}{
			"operation": operation,
			"mode":      mode,
		},
	}
}

// --- Helper for wrapping generic errors ---

// Wrap wraps a generic error with context
func Wrap(code ErrorCode, message string, hint string, err error) *DebugError {
	return &DebugError{
		Code:    code,
		Message: message,
		Hint:    hint,
		Cause:   err,
	}
}

// FromError creates a DebugError from a generic error, attempting to preserve any existing structure
func FromError(err error) *DebugError {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de
	}
	return &DebugError{
		Code:    CodeHardware,
		Message: err.Error(),
		Cause:   err,
	}
}

// IsFatal reports whether err means the connection itself is gone.
func IsFatal(err error) bool {
	var de *DebugError
	if stderrors.As(err, &de) {
		return de.Code == CodeTransport
	}
	return false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// As is the standard library errors.As.
func As(err error, target any) bool {
	return stderrors.As(err, target)
}

// Is is the standard library errors.Is.
func Is(err, target error) bool {
	return stderrors.Is(err, target)
}
