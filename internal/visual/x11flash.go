package visual

import (
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

const (
	shotFlashPixel  = 0xFFFFFF
	watchFlashPixel = 0xFFA000

	shotFlashDuration  = 150 * time.Millisecond
	watchFlashDuration = 300 * time.Millisecond

	flashBorder = 4
)

// X11Flasher draws a short-lived highlight border around the captured
// region using override-redirect windows, so no window manager gets a
// say and no focus moves.
type X11Flasher struct {
	conn   *xgb.Conn
	screen *xproto.ScreenInfo
	mu     sync.Mutex
	log    *zerolog.Logger
}

func NewX11Flasher() (*X11Flasher, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	screen := xproto.Setup(conn).DefaultScreen(conn)
	return &X11Flasher{
		conn:   conn,
		screen: screen,
		log:    logger.WithComponent("flash"),
	}, nil
}

func (f *X11Flasher) FlashShot(rect geometry.Rect, id uuid.UUID) {
	f.flash(rect, id, shotFlashPixel, shotFlashDuration)
}

func (f *X11Flasher) FlashWatch(rect geometry.Rect, id uuid.UUID) {
	f.flash(rect, id, watchFlashPixel, watchFlashDuration)
}

// Close waits for a flash in progress and drops the X connection. A
// flash that has not reached the lock yet fails silently afterwards,
// which is the contract anyway.
func (f *X11Flasher) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.conn.Close()
}

// flash maps the border windows, holds them for the given duration, and
// tears them down. One flash at a time keeps window lifetimes simple
// when captures overlap.
func (f *X11Flasher) flash(rect geometry.Rect, id uuid.UUID, pixel uint32, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()

	windows, err := f.createBorder(rect, pixel)
	if err != nil {
		f.log.Debug().Err(err).Str("correlation_id", id.String()).Msg("flash skipped")
		f.destroy(windows)
		return
	}
	f.conn.Sync()

	time.Sleep(d)

	f.destroy(windows)
}

// createBorder creates and maps four bars around the rect, or one solid
// window when the rect is too small to frame.
func (f *X11Flasher) createBorder(rect geometry.Rect, pixel uint32) ([]xproto.Window, error) {
	x := int(math.Round(rect.X))
	y := int(math.Round(rect.Y))
	w := int(math.Round(rect.Width))
	h := int(math.Round(rect.Height))

	t := flashBorder
	var bars [][4]int
	if w <= 2*t || h <= 2*t {
		bars = [][4]int{{x, y, w, h}}
	} else {
		bars = [][4]int{
			{x, y, w, t},
			{x, y + h - t, w, t},
			{x, y + t, t, h - 2*t},
			{x + w - t, y + t, t, h - 2*t},
		}
	}

	var windows []xproto.Window
	for _, bar := range bars {
		if bar[2] <= 0 || bar[3] <= 0 {
			continue
		}

		id, err := xproto.NewWindowId(f.conn)
		if err != nil {
			return windows, fmt.Errorf("failed to create window ID: %w", err)
		}

		mask := uint32(xproto.CwBackPixel | xproto.CwOverrideRedirect)
		values := []uint32{pixel, 1}

		err = xproto.CreateWindowChecked(
			f.conn,
			f.screen.RootDepth,
			id,
			f.screen.Root,
			int16(bar[0]), int16(bar[1]),
			uint16(bar[2]), uint16(bar[3]),
			0, // border width
			xproto.WindowClassInputOutput,
			f.screen.RootVisual,
			mask,
			values,
		).Check()
		if err != nil {
			return windows, fmt.Errorf("failed to create window: %w", err)
		}
		windows = append(windows, id)

		if err := xproto.MapWindowChecked(f.conn, id).Check(); err != nil {
			return windows, fmt.Errorf("failed to map window: %w", err)
		}
	}

	return windows, nil
}

func (f *X11Flasher) destroy(windows []xproto.Window) {
	for _, id := range windows {
		xproto.DestroyWindow(f.conn, id)
	}
	f.conn.Sync()
}
