// Package x11 implements the legacy capture engine: direct X11 pixel
// grabs, window enumeration through the EWMH manager, and a borrowed
// portal screenshot when the X server cannot serve pixels at all.
package x11

import (
	"bytes"
	"context"
	"image"
	"image/png"
	"time"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/kbinani/screenshot"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/display"
	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/window"
)

// SnapshotFunc supplies a full-desktop screenshot from somewhere else,
// used when direct X capture is refused. The portal's one-shot Screenshot
// is the production implementation.
type SnapshotFunc func(ctx context.Context) (*image.RGBA, error)

// Engine captures with the direct pixel APIs: kbinani/screenshot for
// display and area grabs, GetImage (with composite redirection) for
// windows. Captures come back at native pixel density; logical-resolution
// requests are downscaled after the fact.
type Engine struct {
	displays *display.Manager
	windows  *window.Manager
	grab     *grabber
	snapshot SnapshotFunc
	log      *zerolog.Logger
}

func NewEngine(displays *display.Manager, windows *window.Manager, snapshot SnapshotFunc) *Engine {
	e := &Engine{
		displays: displays,
		windows:  windows,
		snapshot: snapshot,
		log:      logger.WithComponent("x11-engine"),
	}
	g, err := newGrabber()
	if err != nil {
		e.log.Warn().Err(err).Msg("direct window capture unavailable")
	} else {
		e.grab = g
	}
	return e
}

// Close releases the X connection. The display and window managers are
// shared and stay open.
func (e *Engine) Close() {
	if e.grab != nil {
		e.grab.close()
	}
}

func (e *Engine) Kind() capture.Kind { return capture.KindLegacy }

func (e *Engine) CaptureScreen(ctx context.Context, displayIndex int, pref capture.ScalePref) (*capture.Result, error) {
	disp, err := e.displays.ByIndex(displayIndex)
	if err != nil {
		return nil, err
	}
	img, err := e.grabGlobal(ctx, disp.Bounds)
	if err != nil {
		return nil, err
	}
	img = applyScalePref(img, disp.Scale, pref)
	d := *disp
	return encodeResult(img, capture.Metadata{Mode: "screen", Display: &d})
}

func (e *Engine) CaptureArea(ctx context.Context, rect geometry.Rect, pref capture.ScalePref) (*capture.Result, error) {
	disp, err := e.displays.At(rect)
	if err != nil {
		return nil, err
	}
	clipped := rect.Intersect(disp.Bounds)
	if clipped.IsEmpty() {
		return nil, &capture.CaptureError{Reason: "area lies outside every display"}
	}
	img, err := e.grabGlobal(ctx, clipped)
	if err != nil {
		return nil, err
	}
	img = applyScalePref(img, disp.Scale, pref)
	d := *disp
	return encodeResult(img, capture.Metadata{Mode: "area", Display: &d})
}

func (e *Engine) CaptureWindow(ctx context.Context, app string, windowIndex int, pref capture.ScalePref) (*capture.Result, error) {
	entry, err := e.windows.Resolve(app, windowIndex)
	if err != nil {
		return nil, err
	}
	return e.captureEntry(ctx, entry, pref)
}

func (e *Engine) CaptureWindowByID(ctx context.Context, id uint32, pref capture.ScalePref) (*capture.Result, error) {
	entry, err := e.windows.ByID(id)
	if err != nil {
		return nil, err
	}
	return e.captureEntry(ctx, entry, pref)
}

func (e *Engine) captureEntry(ctx context.Context, entry *window.Entry, pref capture.ScalePref) (*capture.Result, error) {
	disp, err := e.displays.At(entry.Bounds)
	if err != nil {
		return nil, err
	}

	img, err := e.grabEntry(ctx, entry, disp)
	if err != nil {
		return nil, err
	}
	img = applyScalePref(img, disp.Scale, pref)

	info := entry.WindowInfo
	d := *disp
	meta := capture.Metadata{Mode: "window", Display: &d, Window: &info}
	if entry.App != "" {
		meta.App = &capture.AppInfo{Name: entry.App, PID: entry.PID, WindowCount: 1}
	}
	return encodeResult(img, meta)
}

// grabEntry prefers reading the window's own drawable, which sees content
// even when overlapped; failing that it cuts the window's bounds out of
// the root.
func (e *Engine) grabEntry(ctx context.Context, entry *window.Entry, disp *capture.DisplayInfo) (*image.RGBA, error) {
	if e.grab != nil {
		img, err := e.grab.window(xproto.Window(entry.ID))
		if err == nil {
			return img, nil
		}
		e.log.Debug().Err(err).Uint32("window_id", entry.ID).
			Msg("drawable capture failed, grabbing window bounds from root")
	}

	clipped := entry.Bounds.Intersect(disp.Bounds)
	if clipped.IsEmpty() {
		return nil, &capture.CaptureError{Reason: "window has no visible area on any display"}
	}
	return e.grabGlobal(ctx, clipped)
}

// grabGlobal reads a rectangle of the desktop in global coordinates,
// borrowing a portal snapshot as the last resort when the direct grab is
// refused (typical under Wayland without XWayland root access).
func (e *Engine) grabGlobal(ctx context.Context, global geometry.Rect) (*image.RGBA, error) {
	img, err := screenshot.CaptureRect(global.ImageRect())
	if err == nil {
		return img, nil
	}
	grabErr := err

	if e.snapshot != nil {
		if ctx.Err() != nil {
			return nil, capture.ErrCancelled
		}
		full, snapErr := e.snapshot(ctx)
		if snapErr == nil {
			out := cropImage(full, global.ImageRect())
			if out.Rect.Dx() > 0 && out.Rect.Dy() > 0 {
				return out, nil
			}
		} else {
			e.log.Debug().Err(snapErr).Msg("snapshot fallback failed")
		}
	}
	return nil, &capture.CaptureError{Reason: "failed to grab screen pixels", Err: grabErr}
}

// applyScalePref downscales a native-density grab when the caller asked
// for logical resolution on a scaled display.
func applyScalePref(img *image.RGBA, displayScale float64, pref capture.ScalePref) *image.RGBA {
	if pref != capture.ScaleLogical1x {
		return img
	}
	return scaleDown(img, displayScale)
}

func encodeResult(img *image.RGBA, meta capture.Metadata) (*capture.Result, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, &capture.CaptureError{Reason: "failed to encode png", Err: err}
	}
	meta.PixelWidth = img.Rect.Dx()
	meta.PixelHeight = img.Rect.Dy()
	meta.Engine = capture.KindLegacy
	meta.CapturedAt = time.Now()
	return &capture.Result{PNG: buf.Bytes(), Meta: meta}, nil
}
