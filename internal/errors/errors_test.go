package errors

import (
	stderrors "errors"
	"fmt"
	"strings"
	"testing"
)

func TestAppError(t *testing.T) {
	err := New("TEST_001", "test error")

	if err.Code != "TEST_001" {
		t.Errorf("expected code TEST_001, got %s", err.Code)
	}
	if err.Message != "test error" {
		t.Errorf("expected message 'test error', got %s", err.Message)
	}
}

func TestAppErrorWithCause(t *testing.T) {
	cause := fmt.Errorf("disk full")
	err := Wrap(cause, CodeStorage, "persist history")

	if err.Unwrap() != cause {
		t.Errorf("expected unwrap to return cause")
	}
	if !strings.Contains(err.Error(), "disk full") {
		t.Errorf("expected error string to contain cause, got %s", err.Error())
	}
}

func TestIsMatchesByCode(t *testing.T) {
	err := fmt.Errorf("add medication: %w", NotFound("med-1"))

	if !stderrors.Is(err, ErrNotFound) {
		t.Errorf("expected wrapped NotFound to match sentinel")
	}
	if stderrors.Is(err, ErrValidation) {
		t.Errorf("did not expect NotFound to match validation sentinel")
	}
	if GetCode(err) != CodeNotFound {
		t.Errorf("expected code %s, got %s", CodeNotFound, GetCode(err))
	}
}

func TestPartialFailureDetails(t *testing.T) {
	err := PartialFailure(2, []string{"08:00: platform busy", "20:00: platform busy"})

	if len(err.Details) != 2 {
		t.Fatalf("expected 2 details, got %d", len(err.Details))
	}
	if !strings.Contains(err.Error(), "20:00: platform busy") {
		t.Errorf("expected details in message, got %s", err.Error())
	}
	if !stderrors.Is(err, ErrSchedulingPartial) {
		t.Errorf("expected partial failure to match sentinel")
	}
}

func TestGetCodeUnknown(t *testing.T) {
	if GetCode(fmt.Errorf("plain")) != "UNKNOWN" {
		t.Errorf("expected UNKNOWN code for plain error")
	}
	if IsAppError(fmt.Errorf("plain")) {
		t.Errorf("plain error is not an AppError")
	}
}
