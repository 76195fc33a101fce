package window

import (
	"fmt"
	"os"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb"
	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// x11conn wraps one X connection for window enumeration. Atoms are interned
// once and cached; every query goes through the cache.
type x11conn struct {
	conn *xgb.Conn
	root xproto.Window
	log  *zerolog.Logger

	mu    sync.Mutex
	atoms map[string]xproto.Atom
}

func connectX11() (*x11conn, error) {
	conn, err := xgb.NewConn()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to X server: %w", err)
	}
	screen := xproto.Setup(conn).DefaultScreen(conn)
	return &x11conn{
		conn:  conn,
		root:  screen.Root,
		log:   logger.WithComponent("window-x11"),
		atoms: make(map[string]xproto.Atom),
	}, nil
}

func (x *x11conn) close() {
	x.conn.Close()
}

func (x *x11conn) atom(name string) (xproto.Atom, error) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if a, ok := x.atoms[name]; ok {
		return a, nil
	}
	reply, err := xproto.InternAtom(x.conn, false, uint16(len(name)), name).Reply()
	if err != nil {
		return 0, err
	}
	x.atoms[name] = reply.Atom
	return reply.Atom, nil
}

// listStacking returns client windows bottom-to-top from
// _NET_CLIENT_LIST_STACKING, falling back to _NET_CLIENT_LIST and finally
// to QueryTree on window managers without EWMH support.
func (x *x11conn) listStacking() ([]xproto.Window, error) {
	for _, prop := range []string{"_NET_CLIENT_LIST_STACKING", "_NET_CLIENT_LIST"} {
		wins, err := x.windowListProperty(prop)
		if err == nil && len(wins) > 0 {
			x.log.Debug().Str("property", prop).Int("count", len(wins)).Msg("enumerated client windows")
			return wins, nil
		}
	}

	tree, err := xproto.QueryTree(x.conn, x.root).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to query window tree: %w", err)
	}
	x.log.Debug().Int("count", len(tree.Children)).Msg("enumerated via QueryTree fallback")
	return tree.Children, nil
}

func (x *x11conn) windowListProperty(name string) ([]xproto.Window, error) {
	atom, err := x.atom(name)
	if err != nil {
		return nil, err
	}
	reply, err := xproto.GetProperty(
		x.conn, false, x.root, atom,
		xproto.GetPropertyTypeAny, 0, (1<<32)-1,
	).Reply()
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", name, err)
	}

	wins := make([]xproto.Window, 0, len(reply.Value)/4)
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		wins = append(wins, xproto.Window(uint32(reply.Value[i])|
			uint32(reply.Value[i+1])<<8|
			uint32(reply.Value[i+2])<<16|
			uint32(reply.Value[i+3])<<24))
	}
	return wins, nil
}

// activeWindow returns the focused client window from _NET_ACTIVE_WINDOW.
func (x *x11conn) activeWindow() (xproto.Window, error) {
	wins, err := x.windowListProperty("_NET_ACTIVE_WINDOW")
	if err != nil {
		return 0, err
	}
	if len(wins) == 0 || wins[0] == 0 {
		return 0, fmt.Errorf("no active window")
	}
	return wins[0], nil
}

// windowInfo assembles the capture-facing description of one window.
func (x *x11conn) windowInfo(win xproto.Window) (capture.WindowInfo, error) {
	info := capture.WindowInfo{ID: uint32(win)}

	attrs, err := xproto.GetWindowAttributes(x.conn, win).Reply()
	if err != nil {
		return info, fmt.Errorf("failed to get window attributes: %w", err)
	}
	viewable := attrs.MapState == xproto.MapStateViewable
	info.Capturable = viewable && attrs.Class == xproto.WindowClassInputOutput

	geom, err := xproto.GetGeometry(x.conn, xproto.Drawable(win)).Reply()
	if err != nil {
		return info, fmt.Errorf("failed to get window geometry: %w", err)
	}
	// GetGeometry is parent-relative; translate to root coordinates so the
	// bounds live in the same global space as display bounds.
	gx, gy := int(geom.X), int(geom.Y)
	if trans, err := xproto.TranslateCoordinates(x.conn, win, x.root, 0, 0).Reply(); err == nil {
		gx, gy = int(trans.DstX), int(trans.DstY)
	}
	info.Bounds = geometry.NewRect(float64(gx), float64(gy), float64(geom.Width), float64(geom.Height))

	info.Title = x.windowTitle(win)
	info.Minimized = x.hasState(win, "_NET_WM_STATE_HIDDEN")
	info.OnScreen = viewable && !info.Minimized
	info.PID = x.windowPID(win)

	return info, nil
}

func (x *x11conn) windowTitle(win xproto.Window) string {
	for _, prop := range []string{"_NET_WM_NAME", "WM_NAME"} {
		if s, err := x.stringProperty(win, prop); err == nil && s != "" {
			return s
		}
	}
	return ""
}

// windowClass returns the WM_CLASS class name (the second of the two
// null-terminated strings), falling back to the instance name.
func (x *x11conn) windowClass(win xproto.Window) string {
	raw, err := x.stringProperty(win, "WM_CLASS")
	if err != nil {
		return ""
	}
	parts := strings.Split(raw, "\x00")
	if len(parts) >= 2 && parts[1] != "" {
		return parts[1]
	}
	if len(parts) >= 1 {
		return parts[0]
	}
	return ""
}

func (x *x11conn) windowPID(win xproto.Window) int {
	atom, err := x.atom("_NET_WM_PID")
	if err != nil {
		return 0
	}
	reply, err := xproto.GetProperty(x.conn, false, win, atom, xproto.AtomCardinal, 0, 1).Reply()
	if err != nil || len(reply.Value) < 4 {
		return 0
	}
	return int(uint32(reply.Value[0]) |
		uint32(reply.Value[1])<<8 |
		uint32(reply.Value[2])<<16 |
		uint32(reply.Value[3])<<24)
}

// hasState reports whether stateName is present in the window's
// _NET_WM_STATE atom list.
func (x *x11conn) hasState(win xproto.Window, stateName string) bool {
	stateAtom, err := x.atom("_NET_WM_STATE")
	if err != nil {
		return false
	}
	wanted, err := x.atom(stateName)
	if err != nil {
		return false
	}
	reply, err := xproto.GetProperty(
		x.conn, false, win, stateAtom,
		xproto.AtomAtom, 0, (1<<32)-1,
	).Reply()
	if err != nil {
		return false
	}
	for i := 0; i+4 <= len(reply.Value); i += 4 {
		a := xproto.Atom(uint32(reply.Value[i]) |
			uint32(reply.Value[i+1])<<8 |
			uint32(reply.Value[i+2])<<16 |
			uint32(reply.Value[i+3])<<24)
		if a == wanted {
			return true
		}
	}
	return false
}

// isDecorative reports whether the window is a dock, desktop, or other
// chrome that should never be auto-selected for capture.
func (x *x11conn) isDecorative(win xproto.Window) bool {
	typeAtom, err := x.atom("_NET_WM_WINDOW_TYPE")
	if err != nil {
		return false
	}
	reply, err := xproto.GetProperty(
		x.conn, false, win, typeAtom,
		xproto.AtomAtom, 0, (1<<32)-1,
	).Reply()
	if err != nil || len(reply.Value) < 4 {
		return false
	}

	decorative := map[string]bool{
		"_NET_WM_WINDOW_TYPE_DESKTOP":      true,
		"_NET_WM_WINDOW_TYPE_DOCK":         true,
		"_NET_WM_WINDOW_TYPE_TOOLBAR":      true,
		"_NET_WM_WINDOW_TYPE_MENU":         true,
		"_NET_WM_WINDOW_TYPE_SPLASH":       true,
		"_NET_WM_WINDOW_TYPE_NOTIFICATION": true,
	}
	first := xproto.Atom(uint32(reply.Value[0]) |
		uint32(reply.Value[1])<<8 |
		uint32(reply.Value[2])<<16 |
		uint32(reply.Value[3])<<24)
	for name := range decorative {
		if a, err := x.atom(name); err == nil && a == first {
			return true
		}
	}
	return false
}

func (x *x11conn) stringProperty(win xproto.Window, name string) (string, error) {
	atom, err := x.atom(name)
	if err != nil {
		return "", err
	}
	reply, err := xproto.GetProperty(
		x.conn, false, win, atom,
		xproto.GetPropertyTypeAny, 0, (1<<32)-1,
	).Reply()
	if err != nil {
		return "", err
	}
	if reply.ValueLen == 0 {
		return "", fmt.Errorf("empty property %s", name)
	}
	return string(reply.Value), nil
}

// processName reads the short command name for a PID, used when a window
// has no usable WM_CLASS.
func processName(pid int) string {
	if pid <= 0 {
		return ""
	}
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/comm", pid))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}
