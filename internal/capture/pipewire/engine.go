package pipewire

import (
	"bytes"
	"context"
	"image/png"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/display"
	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/runloop"
	"github.com/bryanchriswhite/framegrab/internal/window"
)

// Config tunes the engine's acquisition behavior. Zero values take the
// defaults.
type Config struct {
	// FrameTimeout bounds how long a capture waits on a frame, both during
	// stream warm-up and on each acquisition.
	FrameTimeout  time.Duration
	MaxFrameAge   time.Duration
	RetryAttempts int
	RetryDelay    time.Duration
}

const (
	defaultRetryAttempts = 3
	defaultRetryDelay    = 200 * time.Millisecond
)

// Engine captures through portal ScreenCast streams. Window targets are
// resolved to their global bounds and cropped out of the owning display's
// stream; it never attaches to individual window surfaces.
type Engine struct {
	loop     *runloop.Loop
	portal   *Portal
	displays *display.Manager
	windows  *window.Manager
	registry *Registry
	cfg      Config
	log      *zerolog.Logger
}

func NewEngine(loop *runloop.Loop, portal *Portal, displays *display.Manager, windows *window.Manager, registry *Registry, cfg Config) *Engine {
	if cfg.FrameTimeout <= 0 {
		cfg.FrameTimeout = frameWaitBound
	}
	if cfg.MaxFrameAge <= 0 {
		cfg.MaxFrameAge = DefaultMaxFrameAge
	}
	if cfg.RetryAttempts <= 0 {
		cfg.RetryAttempts = defaultRetryAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultRetryDelay
	}
	return &Engine{
		loop:     loop,
		portal:   portal,
		displays: displays,
		windows:  windows,
		registry: registry,
		cfg:      cfg,
		log:      logger.WithComponent("pipewire-engine"),
	}
}

func (e *Engine) Kind() capture.Kind { return capture.KindModern }

func (e *Engine) CaptureScreen(ctx context.Context, displayIndex int, pref capture.ScalePref) (*capture.Result, error) {
	disp, err := e.displays.ByIndex(displayIndex)
	if err != nil {
		return nil, err
	}
	res, err := e.grab(ctx, disp, geometry.Rect{}, pref)
	if err != nil {
		return nil, err
	}
	res.Meta.Mode = "screen"
	return res, nil
}

func (e *Engine) CaptureArea(ctx context.Context, rect geometry.Rect, pref capture.ScalePref) (*capture.Result, error) {
	disp, err := e.displays.At(rect)
	if err != nil {
		return nil, err
	}
	local := clampToDisplay(rect, disp)
	if local.IsEmpty() {
		return nil, &capture.CaptureError{Reason: "area lies outside every display"}
	}
	res, err := e.grab(ctx, disp, local, pref)
	if err != nil {
		return nil, err
	}
	res.Meta.Mode = "area"
	return res, nil
}

func (e *Engine) CaptureWindow(ctx context.Context, app string, windowIndex int, pref capture.ScalePref) (*capture.Result, error) {
	entry, err := e.windows.Resolve(app, windowIndex)
	if err != nil {
		return nil, err
	}
	return e.grabWindow(ctx, entry, pref)
}

func (e *Engine) CaptureWindowByID(ctx context.Context, id uint32, pref capture.ScalePref) (*capture.Result, error) {
	entry, err := e.windows.ByID(id)
	if err != nil {
		return nil, err
	}
	return e.grabWindow(ctx, entry, pref)
}

func (e *Engine) grabWindow(ctx context.Context, entry *window.Entry, pref capture.ScalePref) (*capture.Result, error) {
	disp, err := e.displays.At(entry.Bounds)
	if err != nil {
		return nil, err
	}
	local := clampToDisplay(entry.Bounds, disp)
	if local.IsEmpty() {
		return nil, &capture.CaptureError{Reason: "window has no visible area on its display"}
	}
	res, err := e.grab(ctx, disp, local, pref)
	if err != nil {
		return nil, err
	}
	res.Meta.Mode = "window"
	info := entry.WindowInfo
	res.Meta.Window = &info
	if entry.App != "" {
		res.Meta.App = &capture.AppInfo{Name: entry.App, PID: entry.PID, WindowCount: 1}
	}
	return res, nil
}

// grab acquires one frame of the display cropped to local (empty = whole
// display) and encodes it. Transient failures evict the session and retry
// on a fresh stream; caller-input errors surface immediately.
func (e *Engine) grab(ctx context.Context, disp *capture.DisplayInfo, local geometry.Rect, pref capture.ScalePref) (*capture.Result, error) {
	key := StreamKey{DisplayID: disp.ID, Scale: pref}
	var lastErr error
	for attempt := 0; attempt < e.cfg.RetryAttempts; attempt++ {
		if attempt > 0 {
			e.log.Debug().Int("attempt", attempt+1).Err(lastErr).Msg("retrying acquisition")
			select {
			case <-ctx.Done():
				return nil, capture.ErrCancelled
			case <-time.After(e.cfg.RetryDelay):
			}
		}
		frame, err := e.acquire(ctx, key, disp, local, pref)
		if err == nil {
			return encodeFrame(frame, disp)
		}
		if !capture.IsTransient(err) {
			return nil, err
		}
		lastErr = err
	}
	return nil, lastErr
}

func (e *Engine) acquire(ctx context.Context, key StreamKey, disp *capture.DisplayInfo, local geometry.Rect, pref capture.ScalePref) (*capture.Frame, error) {
	sess, err := e.registry.Acquire(ctx, key, func(ctx context.Context) (*Session, error) {
		sc, err := e.portal.OpenScreenCast(ctx)
		if err != nil {
			return nil, err
		}
		s := NewSession(e.loop, key, *disp, NewStream(sc.NodeID, disp.Bounds.Size()), sc.Close)
		s.warmup = e.cfg.FrameTimeout
		s.waitBound = e.cfg.FrameTimeout
		return s, nil
	})
	if err != nil {
		return nil, err
	}

	if err := sess.Start(ctx); err != nil {
		e.registry.Remove(key, sess)
		return nil, err
	}

	var size geometry.Size
	if pref == capture.ScaleLogical1x {
		if local.IsEmpty() {
			size = disp.Bounds.Size()
		} else {
			size = local.Size()
		}
	}
	if err := sess.EnsureConfiguration(ctx, local, size); err != nil {
		e.registry.Remove(key, sess)
		return nil, err
	}

	frame, err := sess.NextFrame(ctx, e.cfg.MaxFrameAge)
	if err != nil {
		// A stream that yields no acceptable frame is not going to improve;
		// evict so the retry warms up a fresh one.
		if capture.IsTransient(err) {
			e.registry.Remove(key, sess)
		}
		return nil, err
	}
	return frame, nil
}

func clampToDisplay(global geometry.Rect, disp *capture.DisplayInfo) geometry.Rect {
	local := geometry.ToDisplayLocal(global, disp.Bounds.Origin())
	return local.Intersect(geometry.Rect{Width: disp.Bounds.Width, Height: disp.Bounds.Height})
}

func encodeFrame(frame *capture.Frame, disp *capture.DisplayInfo) (*capture.Result, error) {
	var buf bytes.Buffer
	if err := png.Encode(&buf, frame.Image); err != nil {
		return nil, &capture.CaptureError{Reason: "failed to encode png", Err: err}
	}
	d := *disp
	return &capture.Result{
		PNG: buf.Bytes(),
		Meta: capture.Metadata{
			PixelWidth:  frame.Image.Rect.Dx(),
			PixelHeight: frame.Image.Rect.Dy(),
			Engine:      capture.KindModern,
			Display:     &d,
			CapturedAt:  frame.Timestamp,
		},
	}, nil
}
