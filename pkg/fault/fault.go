// Package fault defines the error taxonomy shared by every Hlekkr stage.
//
// Handlers classify failures into a small set of codes so that transport
// boundaries, retry policy and metrics all agree on what a failure means.
package fault

import (
	"errors"
	"fmt"
	"net/http"
)

// Code identifies a failure class.
type Code string

const (
	// CodeInputInvalid — missing or malformed input fields. Fail fast.
	CodeInputInvalid Code = "INPUT_INVALID"
	// CodeNotFound — the referenced record does not exist.
	CodeNotFound Code = "NOT_FOUND"
	// CodeConflict — compare-and-set lost the race. Retryable.
	CodeConflict Code = "CONFLICT"
	// CodeExtractionFailed — non-fatal; recorded so downstream can proceed.
	CodeExtractionFailed Code = "EXTRACTION_FAILED"
	// CodeModelFailed — a model invocation failed; a neutral result is
	// synthesized into the ensemble instead of aborting.
	CodeModelFailed Code = "MODEL_FAILED"
	// CodeStoreError — the document or object store misbehaved. Retryable;
	// persistent failure aborts the stage.
	CodeStoreError Code = "STORE_ERROR"
	// CodeSignatureError — integrity proof could not be computed; the proof
	// is marked UNKNOWN rather than silently succeeding.
	CodeSignatureError Code = "SIGNATURE_ERROR"
	// CodeTimeout — a stage deadline elapsed; a synthetic failure event is
	// recorded and the custody chain stays intact.
	CodeTimeout Code = "TIMEOUT"
)

// Fault is a classified error. It wraps the underlying cause so callers can
// errors.Is/As through it.
type Fault struct {
	Code    Code
	Message string
	Cause   error
}

func (f *Fault) Error() string {
	if f.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", f.Code, f.Message, f.Cause)
	}
	return fmt.Sprintf("%s: %s", f.Code, f.Message)
}

func (f *Fault) Unwrap() error { return f.Cause }

// New creates a fault with a formatted message.
func New(code Code, format string, args ...any) *Fault {
	return &Fault{Code: code, Message: fmt.Sprintf(format, args...)}
}

// Wrap classifies err under code. Returns nil when err is nil.
func Wrap(code Code, err error, message string) *Fault {
	if err == nil {
		return nil
	}
	return &Fault{Code: code, Message: message, Cause: err}
}

// CodeOf extracts the fault code from err, unwrapping as needed. Unclassified
// errors report CodeStoreError semantics only when the caller says so; here
// they report an empty code.
func CodeOf(err error) Code {
	var f *Fault
	if errors.As(err, &f) {
		return f.Code
	}
	return ""
}

// Is reports whether err carries the given code.
func Is(err error, code Code) bool {
	return CodeOf(err) == code
}

// Retryable reports whether the failure class is worth retrying.
func Retryable(err error) bool {
	switch CodeOf(err) {
	case CodeConflict, CodeStoreError:
		return true
	}
	return false
}

// HTTPStatus maps a fault code to its transport-equivalent status.
func HTTPStatus(err error) int {
	switch CodeOf(err) {
	case CodeInputInvalid:
		return http.StatusBadRequest
	case CodeNotFound:
		return http.StatusNotFound
	case CodeConflict:
		return http.StatusConflict
	case CodeTimeout:
		return http.StatusGatewayTimeout
	case CodeExtractionFailed, CodeModelFailed:
		return http.StatusUnprocessableEntity
	case CodeStoreError:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
