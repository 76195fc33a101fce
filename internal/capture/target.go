// Package capture implements the screen-capture acquisition engine: target
// and result model, engine selection with ordered fallback, the one-shot
// frame synchronizer, and the service that ties them to the native backends.
package capture

import (
	"fmt"
	"image"
	"time"

	"github.com/google/uuid"

	"github.com/bryanchriswhite/framegrab/internal/geometry"
)

// Target identifies what a capture request points at. The variant set is
// closed; construct values with the exported structs below.
type Target interface {
	fmt.Stringer
	isTarget()
}

// ScreenTarget captures one whole display. A nil Index selects the main
// display.
type ScreenTarget struct {
	Index *int
}

func (ScreenTarget) isTarget() {}

func (t ScreenTarget) String() string {
	if t.Index == nil {
		return "screen"
	}
	return fmt.Sprintf("screen[%d]", *t.Index)
}

// FrontmostTarget captures the currently focused window.
type FrontmostTarget struct{}

func (FrontmostTarget) isTarget() {}

func (FrontmostTarget) String() string { return "frontmost" }

// WindowTarget captures a window of the application matching App. A nil
// Index auto-selects the first renderable window in z-order.
type WindowTarget struct {
	App   string
	Index *int
}

func (WindowTarget) isTarget() {}

func (t WindowTarget) String() string {
	if t.Index == nil {
		return fmt.Sprintf("window app=%q", t.App)
	}
	return fmt.Sprintf("window app=%q index=%d", t.App, *t.Index)
}

// WindowIDTarget captures the window with a known platform identifier.
type WindowIDTarget struct {
	ID uint32
}

func (WindowIDTarget) isTarget() {}

func (t WindowIDTarget) String() string { return fmt.Sprintf("window-id 0x%x", t.ID) }

// AreaTarget captures an arbitrary rectangle in global desktop coordinates.
type AreaTarget struct {
	Rect geometry.Rect
}

func (AreaTarget) isTarget() {}

func (t AreaTarget) String() string {
	return fmt.Sprintf("area %g,%g %gx%g", t.Rect.X, t.Rect.Y, t.Rect.Width, t.Rect.Height)
}

// Index wraps an int for the optional index fields of ScreenTarget and
// WindowTarget.
func Index(i int) *int {
	return &i
}

// ScalePref selects the pixel density of the captured image.
type ScalePref string

const (
	// ScaleNative captures at the display's device pixel density.
	ScaleNative ScalePref = "native"
	// ScaleLogical1x captures at one pixel per logical point.
	ScaleLogical1x ScalePref = "logical1x"
)

// ParseScalePref maps user-facing tokens onto a ScalePref.
func ParseScalePref(s string) (ScalePref, error) {
	switch s {
	case "", "native":
		return ScaleNative, nil
	case "1x", "logical", "logical1x":
		return ScaleLogical1x, nil
	default:
		return "", fmt.Errorf("unknown scale %q: use native or 1x", s)
	}
}

// Factor resolves the preference to a concrete scale factor for a display
// with the given pixel and logical point widths.
func (p ScalePref) Factor(pixelWidth, pointWidth float64) float64 {
	if p == ScaleNative {
		return geometry.NativeScale(pixelWidth, pointWidth)
	}
	return 1.0
}

// FeedbackMode selects the visual confirmation shown after a capture.
type FeedbackMode string

const (
	FeedbackOff   FeedbackMode = "off"
	FeedbackShot  FeedbackMode = "shot"
	FeedbackWatch FeedbackMode = "watch"
)

// Request describes one capture call. It is owned by that call and never
// shared across concurrent captures.
type Request struct {
	Target        Target
	Scale         ScalePref
	Feedback      FeedbackMode
	CorrelationID uuid.UUID
}

// NewRequest builds a Request with a fresh correlation id and default
// native scale.
func NewRequest(target Target) Request {
	return Request{
		Target:        target,
		Scale:         ScaleNative,
		Feedback:      FeedbackOff,
		CorrelationID: uuid.New(),
	}
}

// DisplayInfo describes one display in the global desktop space.
type DisplayInfo struct {
	Index  int           `json:"index"`
	ID     uint32        `json:"id"`
	Name   string        `json:"name"`
	Bounds geometry.Rect `json:"bounds"`
	Scale  float64       `json:"scale"`
}

// WindowInfo describes one on-screen window as enumerated by a backend.
type WindowInfo struct {
	ID         uint32        `json:"id"`
	Title      string        `json:"title"`
	PID        int           `json:"pid"`
	Bounds     geometry.Rect `json:"bounds"`
	Minimized  bool          `json:"minimized"`
	OnScreen   bool          `json:"on_screen"`
	Main       bool          `json:"main"`
	Layer      int           `json:"layer"`
	Capturable bool          `json:"capturable"`
	// Index within the owning application's window list, front to back.
	Index int `json:"index"`
}

// AppInfo describes an application owning one or more windows.
type AppInfo struct {
	Name        string `json:"name"`
	PID         int    `json:"pid"`
	WindowCount int    `json:"window_count"`
}

// Metadata accompanies the encoded image in a Result.
type Metadata struct {
	PixelWidth  int          `json:"pixel_width"`
	PixelHeight int          `json:"pixel_height"`
	Mode        string       `json:"mode"`
	Engine      Kind         `json:"engine"`
	Display     *DisplayInfo `json:"display,omitempty"`
	Window      *WindowInfo  `json:"window,omitempty"`
	App         *AppInfo     `json:"application,omitempty"`
	CapturedAt  time.Time    `json:"captured_at"`
}

// Result is the outcome of a successful capture: encoded PNG bytes plus
// metadata. Immutable, owned by the caller.
type Result struct {
	PNG  []byte   `json:"-"`
	Meta Metadata `json:"meta"`
}

// Frame is one decoded image as delivered by a native stream, together with
// the geometry context active when it arrived.
type Frame struct {
	Image      *image.RGBA
	Timestamp  time.Time
	SourceRect geometry.Rect
	Scale      float64
}

// Age returns how old the frame is at time now.
func (f *Frame) Age(now time.Time) time.Duration {
	return now.Sub(f.Timestamp)
}
