package x11

import (
	"fmt"
	"image"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/composite"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// grabber reads window pixels straight off the X server. With the
// composite extension the window is redirected to an offscreen pixmap
// first, so obscured windows still produce current content; without it,
// GetImage on the window returns whatever the server has, which may be
// stale or clipped.
type grabber struct {
	mu        sync.Mutex
	conn      *xgb.Conn
	root      xproto.Window
	depth     uint8
	composite bool
	log       *zerolog.Logger
}

func newGrabber() (*grabber, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	screen := xproto.Setup(conn).DefaultScreen(conn)
	g := &grabber{
		conn:  conn,
		root:  screen.Root,
		depth: screen.RootDepth,
		log:   logger.WithComponent("x11-grab"),
	}
	if err := composite.Init(conn); err != nil {
		g.log.Debug().Err(err).Msg("composite extension unavailable, obscured windows may capture stale pixels")
	} else {
		g.composite = true
	}
	return g, nil
}

func (g *grabber) close() {
	g.conn.Close()
}

// window captures the current pixels of one X window. Unmapped or
// input-only windows are descended into, looking for a viewable child
// carrying the actual content (reparenting window managers wrap clients
// in frame windows).
func (g *grabber) window(win xproto.Window) (*image.RGBA, error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	attrs, err := xproto.GetWindowAttributes(g.conn, win).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get window attributes: %w", err)
	}
	if attrs.Class != xproto.WindowClassInputOutput || attrs.MapState != xproto.MapStateViewable {
		child, err := g.capturableChild(win)
		if err != nil {
			return nil, fmt.Errorf("window 0x%x not capturable: %w", uint32(win), err)
		}
		g.log.Debug().Uint32("window_id", uint32(win)).Uint32("child_id", uint32(child)).
			Msg("capturing child window instead")
		win = child
	}

	geom, err := xproto.GetGeometry(g.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to get window geometry: %w", err)
	}
	return g.drawableImage(win, geom.Width, geom.Height)
}

func (g *grabber) capturableChild(parent xproto.Window) (xproto.Window, error) {
	tree, err := xproto.QueryTree(g.conn, parent).Reply()
	if err != nil {
		return 0, fmt.Errorf("failed to query window tree: %w", err)
	}
	for _, child := range tree.Children {
		attrs, err := xproto.GetWindowAttributes(g.conn, child).Reply()
		if err != nil {
			continue
		}
		if attrs.Class == xproto.WindowClassInputOutput && attrs.MapState == xproto.MapStateViewable {
			geom, err := xproto.GetGeometry(g.conn, xproto.Drawable(child)).Reply()
			if err == nil && geom.Width > 10 && geom.Height > 10 {
				return child, nil
			}
		}
		if grandchild, err := g.capturableChild(child); err == nil {
			return grandchild, nil
		}
	}
	return 0, fmt.Errorf("no viewable child window")
}

func (g *grabber) drawableImage(win xproto.Window, width, height uint16) (*image.RGBA, error) {
	drawable := xproto.Drawable(win)
	if g.composite {
		if err := composite.RedirectWindowChecked(g.conn, win, composite.RedirectAutomatic).Check(); err == nil {
			defer composite.UnredirectWindow(g.conn, win, composite.RedirectAutomatic)
			if pixmap, err := xproto.NewPixmapId(g.conn); err == nil {
				if composite.NameWindowPixmapChecked(g.conn, win, pixmap).Check() == nil {
					drawable = xproto.Drawable(pixmap)
					defer xproto.FreePixmap(g.conn, pixmap)
				}
			}
		}
	}

	reply, err := xproto.GetImage(g.conn, xproto.ImageFormatZPixmap, drawable,
		0, 0, width, height, 0xffffffff).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to read window image: %w", err)
	}
	if g.depth != 24 && g.depth != 32 {
		return nil, fmt.Errorf("unsupported root depth %d", g.depth)
	}
	return bgraToRGBA(reply.Data, int(width), int(height)), nil
}
