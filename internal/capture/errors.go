package capture

import (
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for conditions that carry no extra context.
var (
	// ErrPermissionDenied means the display session refused capture access.
	// It is checked once per call and never retried or fallen back from.
	ErrPermissionDenied = errors.New("screen capture permission denied")

	// ErrNoDisplays means display enumeration found nothing to capture.
	ErrNoDisplays = errors.New("no displays available")

	// ErrCancelled means the caller abandoned the capture before it resolved.
	ErrCancelled = errors.New("capture cancelled")
)

// IndexError reports a display or window index outside the enumerated set.
// It is a caller error: identical for every engine, never fallback-eligible.
type IndexError struct {
	Kind      string // "display" or "window"
	Requested int
	Count     int // number of entries that exist
}

func (e *IndexError) Error() string {
	return fmt.Sprintf("invalid %s index %d: valid range is %s", e.Kind, e.Requested, e.ValidRange())
}

// ValidRange renders the acceptable index range, e.g. "0-1" for two entries.
func (e *IndexError) ValidRange() string {
	if e.Count <= 0 {
		return "none"
	}
	return fmt.Sprintf("0-%d", e.Count-1)
}

func (e *IndexError) Is(target error) bool {
	_, ok := target.(*IndexError)
	return ok
}

// WindowNotFoundError reports that no window matched the caller's criteria.
type WindowNotFoundError struct {
	Criteria string
}

func (e *WindowNotFoundError) Error() string {
	return fmt.Sprintf("no window found matching %s", e.Criteria)
}

func (e *WindowNotFoundError) Is(target error) bool {
	_, ok := target.(*WindowNotFoundError)
	return ok
}

// CaptureError reports a native-layer failure: a stream that could not
// start, an unavailable image buffer, a failed encode.
type CaptureError struct {
	Reason string
	Err    error
}

func (e *CaptureError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("capture failed: %s: %v", e.Reason, e.Err)
	}
	return fmt.Sprintf("capture failed: %s", e.Reason)
}

func (e *CaptureError) Unwrap() error {
	return e.Err
}

func (e *CaptureError) Is(target error) bool {
	_, ok := target.(*CaptureError)
	return ok
}

// TimeoutError reports that a named operation exceeded its bound.
type TimeoutError struct {
	Op       string
	Duration time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("%s timed out after %s", e.Op, e.Duration)
}

func (e *TimeoutError) Is(target error) bool {
	_, ok := target.(*TimeoutError)
	return ok
}

// IsCallerError reports whether err is caused by the request itself rather
// than by an engine, so trying another engine cannot change the outcome.
// ErrNoDisplays is deliberately absent: the engines enumerate displays
// through different APIs, so one engine coming up empty does not mean the
// other will.
func IsCallerError(err error) bool {
	return errors.Is(err, &IndexError{}) ||
		errors.Is(err, &WindowNotFoundError{}) ||
		errors.Is(err, ErrPermissionDenied) ||
		errors.Is(err, ErrCancelled)
}

// IsTransient reports whether err may clear up on an immediate retry of the
// same engine (stream start hiccups, missed frame deadlines).
func IsTransient(err error) bool {
	return errors.Is(err, &CaptureError{}) || errors.Is(err, &TimeoutError{})
}
