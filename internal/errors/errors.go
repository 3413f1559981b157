package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
)

type AppError struct {
	Code    string
	Message string
	Cause   error
	// Details carries per-item diagnostics, e.g. one line per failed schedule slot.
	Details []string
}

func (e *AppError) Error() string {
	msg := fmt.Sprintf("[%s] %s", e.Code, e.Message)
	if len(e.Details) > 0 {
		msg += " (" + strings.Join(e.Details, "; ") + ")"
	}
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

// Is matches any AppError carrying the same code, so sentinels work with
// errors.Is even after New/Wrap created a fresh value.
func (e *AppError) Is(target error) bool {
	t, ok := target.(*AppError)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

func New(code, message string, cause ...error) *AppError {
	var c error
	if len(cause) > 0 {
		c = cause[0]
	}
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   c,
	}
}

const (
	CodeValidation        = "DW_001"
	CodeNotFound          = "DW_002"
	CodePermissionDenied  = "DW_003"
	CodeSchedulingPartial = "DW_004"
	CodeNotifyFailed      = "DW_005"
	CodeStorage           = "DW_006"
	CodeConfig            = "DW_007"
)

var (
	ErrValidation        = &AppError{Code: CodeValidation, Message: "invalid medication schedule"}
	ErrNotFound          = &AppError{Code: CodeNotFound, Message: "medication not found"}
	ErrPermissionDenied  = &AppError{Code: CodePermissionDenied, Message: "alert permission denied"}
	ErrSchedulingPartial = &AppError{Code: CodeSchedulingPartial, Message: "some alerts could not be scheduled"}
	ErrNotifyFailed      = &AppError{Code: CodeNotifyFailed, Message: "emergency notification failed"}
	ErrStorage           = &AppError{Code: CodeStorage, Message: "storage failure"}
	ErrConfigInvalid     = &AppError{Code: CodeConfig, Message: "invalid configuration"}
)

// Validation builds a validation error for the given reason.
func Validation(format string, args ...any) *AppError {
	return New(CodeValidation, fmt.Sprintf(format, args...))
}

// NotFound reports an unknown medication id.
func NotFound(medicationID string) *AppError {
	return New(CodeNotFound, fmt.Sprintf("medication %q not found", medicationID))
}

// PartialFailure reports slots that failed to schedule while others succeeded.
func PartialFailure(scheduled int, details []string) *AppError {
	e := New(CodeSchedulingPartial, fmt.Sprintf("scheduled %d alerts, %d slots failed", scheduled, len(details)))
	e.Details = details
	return e
}

func IsAppError(err error) bool {
	var appErr *AppError
	return stderrors.As(err, &appErr)
}

func GetCode(err error) string {
	var appErr *AppError
	if stderrors.As(err, &appErr) {
		return appErr.Code
	}
	return "UNKNOWN"
}

func Wrap(err error, code, message string) *AppError {
	return &AppError{
		Code:    code,
		Message: message,
		Cause:   err,
	}
}
