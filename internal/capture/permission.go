package capture

import (
	"os"

	"github.com/BurntSushi/xgb"
)

// EnvPermission is the production permission check: capture is possible
// when the session has a Wayland display, or an X display that actually
// accepts connections. Portal-level consent is handled per stream by the
// portal itself.
type EnvPermission struct{}

func (EnvPermission) Granted() bool {
	if os.Getenv("WAYLAND_DISPLAY") != "" {
		return true
	}
	if os.Getenv("DISPLAY") == "" {
		return false
	}
	conn, err := xgb.NewConn()
	if err != nil {
		return false
	}
	conn.Close()
	return true
}

// PermissionFunc adapts a function to the Permission interface.
type PermissionFunc func() bool

func (f PermissionFunc) Granted() bool { return f() }
