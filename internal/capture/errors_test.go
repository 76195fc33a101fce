package capture

import (
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"
)

func TestIndexErrorMessage(t *testing.T) {
	err := &IndexError{Kind: "display", Requested: 5, Count: 2}
	if !strings.Contains(err.Error(), "0-1") {
		t.Fatalf("message %q does not cite the valid range 0-1", err.Error())
	}
	if !strings.Contains(err.Error(), "5") {
		t.Fatalf("message %q does not cite the requested index", err.Error())
	}

	empty := &IndexError{Kind: "window", Requested: 0, Count: 0}
	if !strings.Contains(empty.Error(), "none") {
		t.Fatalf("message %q should report that no entries exist", empty.Error())
	}
}

func TestTypedErrorsMatchWithIs(t *testing.T) {
	wrapped := fmt.Errorf("capturing screen: %w", &IndexError{Kind: "display", Requested: 3, Count: 1})
	if !errors.Is(wrapped, &IndexError{}) {
		t.Fatal("wrapped IndexError not matched by errors.Is")
	}

	var idx *IndexError
	if !errors.As(wrapped, &idx) || idx.Requested != 3 {
		t.Fatal("errors.As did not recover the IndexError fields")
	}

	timeout := fmt.Errorf("attempt: %w", &TimeoutError{Op: "nextFrame", Duration: 5 * time.Second})
	if !errors.Is(timeout, &TimeoutError{}) {
		t.Fatal("wrapped TimeoutError not matched by errors.Is")
	}

	capErr := &CaptureError{Reason: "stream start failed", Err: errors.New("pipeline exited")}
	if !errors.Is(fmt.Errorf("x: %w", capErr), &CaptureError{}) {
		t.Fatal("wrapped CaptureError not matched by errors.Is")
	}
	if !strings.Contains(capErr.Error(), "pipeline exited") {
		t.Fatalf("CaptureError message %q should include the cause", capErr.Error())
	}
}

func TestCallerErrorClassification(t *testing.T) {
	callerErrs := []error{
		&IndexError{Kind: "display", Requested: 9, Count: 1},
		&WindowNotFoundError{Criteria: `app "firefox"`},
		ErrPermissionDenied,
		ErrCancelled,
		fmt.Errorf("wrapped: %w", ErrPermissionDenied),
	}
	for _, err := range callerErrs {
		if !IsCallerError(err) {
			t.Errorf("IsCallerError(%v) = false, want true", err)
		}
	}

	engineErrs := []error{
		&CaptureError{Reason: "no image data"},
		&TimeoutError{Op: "startStream", Duration: time.Second},
		ErrNoDisplays,
		errors.New("plain"),
	}
	for _, err := range engineErrs {
		if IsCallerError(err) {
			t.Errorf("IsCallerError(%v) = true, want false", err)
		}
	}
}

func TestTransientClassification(t *testing.T) {
	if !IsTransient(&CaptureError{Reason: "buffer unavailable"}) {
		t.Error("CaptureError should be transient")
	}
	if !IsTransient(&TimeoutError{Op: "nextFrame", Duration: time.Second}) {
		t.Error("TimeoutError should be transient")
	}
	if IsTransient(&IndexError{Kind: "display", Requested: 2, Count: 1}) {
		t.Error("IndexError should not be transient")
	}
	if IsTransient(ErrCancelled) {
		t.Error("cancellation should not be transient")
	}
}
