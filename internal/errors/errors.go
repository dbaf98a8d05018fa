package errors

import (
	stderrors "errors"
	"fmt"
)

// ErrorCode represents stable error codes for all failure modes
type ErrorCode string

const (
	// AuthFailed indicates the repository rejected our credentials
	AuthFailed ErrorCode = "AUTH_FAILED"
	// RateLimited indicates the repository asked us to slow down
	RateLimited ErrorCode = "RATE_LIMITED"
	// TransportError indicates a network or HTTP failure that survived retries
	TransportError ErrorCode = "TRANSPORT_ERROR"
	// NotFound indicates the entity or relationship no longer exists
	NotFound ErrorCode = "NOT_FOUND"
	// DataIntegrity indicates the server-reported modification time moved backward
	DataIntegrity ErrorCode = "DATA_INTEGRITY"
	// ConfigInvalid indicates a configuration value the run cannot proceed with
	ConfigInvalid ErrorCode = "CONFIG_INVALID"
	// TargetsNotFound indicates target discovery produced an empty set
	TargetsNotFound ErrorCode = "TARGETS_NOT_FOUND"
	// Cancelled indicates the run was stopped before completion
	Cancelled ErrorCode = "CANCELLED"
	// InternalError indicates unexpected error
	InternalError ErrorCode = "INTERNAL_ERROR"
)

// FixAction represents a suggested fix for an error
type FixAction struct {
	Command     string `json:"command"`
	Safe        bool   `json:"safe,omitempty"`
	Description string `json:"description,omitempty"`
}

// AdoError carries a stable code, a message and optional remediation hints.
type AdoError struct {
	Code           ErrorCode   `json:"code"`
	Message        string      `json:"message"`
	Details        interface{} `json:"details,omitempty"`
	SuggestedFixes []FixAction `json:"suggestedFixes,omitempty"`
	cause          error       // Underlying error (not exported to JSON)
}

// New creates an AdoError with the default fixes for its code.
func New(code ErrorCode, message string) *AdoError {
	return &AdoError{
		Code:           code,
		Message:        message,
		SuggestedFixes: GetSuggestedFixes(code),
	}
}

// Wrap creates an AdoError around cause.
func Wrap(code ErrorCode, message string, cause error) *AdoError {
	e := New(code, message)
	e.cause = cause
	return e
}

// Error implements the error interface
func (e *AdoError) Error() string {
	if e.cause != nil {
		return fmt.Sprintf("[%s] %s: %v", e.Code, e.Message, e.cause)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error
func (e *AdoError) Unwrap() error {
	return e.cause
}

// WithDetails adds details to the error
func (e *AdoError) WithDetails(details interface{}) *AdoError {
	e.Details = details
	return e
}

// CodeOf returns the code of the first AdoError in err's chain, or "" if none.
func CodeOf(err error) ErrorCode {
	var ae *AdoError
	if stderrors.As(err, &ae) {
		return ae.Code
	}
	return ""
}

// Is reports whether err carries the given code anywhere in its chain.
func Is(err error, code ErrorCode) bool {
	for err != nil {
		var ae *AdoError
		if !stderrors.As(err, &ae) {
			return false
		}
		if ae.Code == code {
			return true
		}
		err = ae.cause
	}
	return false
}

// IsFatal reports whether err must abort a mapping run rather than being
// isolated to a single entity.
func IsFatal(err error) bool {
	return Is(err, DataIntegrity) || Is(err, ConfigInvalid) || Is(err, TargetsNotFound)
}

// ErrorActions maps error codes to suggested fix actions
var ErrorActions = map[ErrorCode][]FixAction{
	AuthFailed: {
		{
			Command:     "adocheck config env",
			Safe:        true,
			Description: "Check ADOIT_API_ID and ADOIT_API_SECRET",
		},
	},
	RateLimited: {
		{
			Command:     "adocheck map --workers 4",
			Safe:        true,
			Description: "Retry with fewer parallel workers",
		},
	},
	DataIntegrity: {
		{
			Command:     "adocheck cache invalidate --id ${entity_id}",
			Safe:        true,
			Description: "Drop the cached record and refetch it",
		},
	},
	ConfigInvalid: {
		{
			Command:     "adocheck config show",
			Safe:        true,
			Description: "Inspect the effective configuration",
		},
	},
	TargetsNotFound: {
		{
			Command:     "adocheck map --target-ids <id1,id2,...>",
			Safe:        true,
			Description: "Specify the target entities explicitly",
		},
	},
}

// GetSuggestedFixes returns suggested fixes for an error code
func GetSuggestedFixes(code ErrorCode) []FixAction {
	if fixes, ok := ErrorActions[code]; ok {
		return fixes
	}
	return nil
}
