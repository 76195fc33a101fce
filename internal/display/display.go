// Package display enumerates the desktop's displays: global bounds from the
// virtual-screen layout, names and physical sizes from RandR when an X
// connection is available.
package display

import (
	"fmt"
	"math"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/randr"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/kbinani/screenshot"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// Manager answers display enumeration queries. Safe for concurrent use.
type Manager struct {
	mu      sync.Mutex
	conn    *xgb.Conn
	root    xproto.Window
	randrOK bool
	log     *zerolog.Logger
}

// NewManager connects to the X server for RandR metadata. Enumeration still
// works without it, with generic names and a 1.0 scale.
func NewManager() *Manager {
	m := &Manager{log: logger.WithComponent("display")}

	conn, err := xgb.NewConn()
	if err != nil {
		m.log.Debug().Err(err).Msg("no X connection, display names unavailable")
		return m
	}
	m.conn = conn
	m.root = xproto.Setup(conn).DefaultScreen(conn).Root

	if err := randr.Init(conn); err != nil {
		m.log.Debug().Err(err).Msg("RandR unavailable")
	} else {
		m.randrOK = true
	}
	return m
}

// Close releases the X connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.conn != nil {
		m.conn.Close()
		m.conn = nil
	}
}

// List enumerates displays in index order. Index 0 is the primary display.
func (m *Manager) List() ([]capture.DisplayInfo, error) {
	n := screenshot.NumActiveDisplays()
	if n == 0 {
		return nil, capture.ErrNoDisplays
	}

	displays := make([]capture.DisplayInfo, 0, n)
	for i := 0; i < n; i++ {
		bounds := screenshot.GetDisplayBounds(i)
		displays = append(displays, capture.DisplayInfo{
			Index:  i,
			ID:     uint32(i + 1),
			Name:   fmt.Sprintf("display-%d", i),
			Bounds: geometry.FromImageRect(bounds),
			Scale:  1.0,
		})
	}

	m.enrichFromRandR(displays)
	return displays, nil
}

// ByIndex returns one display; -1 selects the primary. An out-of-range
// index fails with a range-citing IndexError.
func (m *Manager) ByIndex(index int) (*capture.DisplayInfo, error) {
	displays, err := m.List()
	if err != nil {
		return nil, err
	}
	if index < 0 {
		return &displays[0], nil
	}
	if index >= len(displays) {
		return nil, &capture.IndexError{Kind: "display", Requested: index, Count: len(displays)}
	}
	return &displays[index], nil
}

// Primary returns the main display.
func (m *Manager) Primary() (*capture.DisplayInfo, error) {
	return m.ByIndex(-1)
}

// At returns the display with the largest overlap with rect in global
// coordinates, falling back to the primary display when nothing overlaps.
func (m *Manager) At(rect geometry.Rect) (*capture.DisplayInfo, error) {
	displays, err := m.List()
	if err != nil {
		return nil, err
	}

	best := 0
	bestArea := 0.0
	for i, d := range displays {
		if area := d.Bounds.Intersect(rect).Area(); area > bestArea {
			best, bestArea = i, area
		}
	}
	if bestArea == 0 {
		m.log.Warn().
			Float64("x", rect.X).
			Float64("y", rect.Y).
			Msg("rect overlaps no display, using primary")
	}
	return &displays[best], nil
}

// enrichFromRandR fills in output names, identifiers, and DPI-derived scale
// factors by matching CRTC geometry against the enumerated bounds.
func (m *Manager) enrichFromRandR(displays []capture.DisplayInfo) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.conn == nil || !m.randrOK {
		return
	}

	res, err := randr.GetScreenResourcesCurrent(m.conn, m.root).Reply()
	if err != nil {
		m.log.Debug().Err(err).Msg("RandR screen resources query failed")
		return
	}

	for _, output := range res.Outputs {
		info, err := randr.GetOutputInfo(m.conn, output, res.ConfigTimestamp).Reply()
		if err != nil || info.Connection != randr.ConnectionConnected || info.Crtc == 0 {
			continue
		}
		crtc, err := randr.GetCrtcInfo(m.conn, info.Crtc, res.ConfigTimestamp).Reply()
		if err != nil {
			continue
		}

		crtcBounds := geometry.NewRect(
			float64(crtc.X), float64(crtc.Y),
			float64(crtc.Width), float64(crtc.Height),
		)
		for i := range displays {
			if displays[i].Bounds != crtcBounds {
				continue
			}
			displays[i].Name = string(info.Name)
			displays[i].ID = uint32(output)
			displays[i].Scale = dpiScale(float64(crtc.Width), float64(info.MmWidth))
		}
	}
}

// dpiScale derives a scale factor from pixel and physical width, snapped to
// quarter steps the way desktop environments expose fractional scaling.
func dpiScale(pixelWidth, mmWidth float64) float64 {
	if mmWidth <= 0 || pixelWidth <= 0 {
		return 1.0
	}
	dpi := pixelWidth * 25.4 / mmWidth
	scale := math.Round(dpi/96.0*4) / 4
	if scale < 1.0 {
		return 1.0
	}
	return scale
}
