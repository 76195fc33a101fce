// Package pipewire implements the modern capture engine: xdg-desktop-portal
// ScreenCast sessions feeding PipeWire streams, one persistent streaming
// session per (display, scale) pair.
package pipewire

import (
	"context"
	"encoding/json"
	"fmt"
	"image"
	_ "image/png" // portal screenshots arrive as PNG files
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

const (
	portalService   = "org.freedesktop.portal.Desktop"
	portalPath      = "/org/freedesktop/portal/desktop"
	screenCastIface = "org.freedesktop.portal.ScreenCast"
	screenshotIface = "org.freedesktop.portal.Screenshot"
	requestIface    = "org.freedesktop.portal.Request"
	sessionIface    = "org.freedesktop.portal.Session"
)

// SelectSources source types.
const (
	sourceTypeMonitor = 1 << 0
)

// SelectSources cursor modes.
const (
	cursorModeEmbedded = 1 << 1
)

// SelectSources persist modes.
const (
	persistModeSession = 2
)

// Portal is a client for the desktop portal's capture interfaces. One
// Portal serves any number of ScreenCast streams plus one-shot screenshots.
type Portal struct {
	conn *dbus.Conn
	log  *zerolog.Logger

	mu           sync.Mutex
	seq          int
	restoreToken string
	tokenPath    string
}

// NewPortal connects to the session bus.
func NewPortal() (*Portal, error) {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return nil, fmt.Errorf("failed to connect to session bus: %w", err)
	}

	configDir, err := os.UserConfigDir()
	if err != nil {
		configDir = os.Getenv("HOME")
	}

	p := &Portal{
		conn:      conn,
		log:       logger.WithComponent("portal"),
		tokenPath: filepath.Join(configDir, "framegrab", "portal_token"),
	}
	p.loadRestoreToken()
	return p, nil
}

// Close closes the bus connection. Open streams keep their own session
// handles and must be closed first.
func (p *Portal) Close() error {
	return p.conn.Close()
}

// Available reports whether a ScreenCast portal backend answers on the bus.
func (p *Portal) Available() bool {
	variant, err := p.conn.Object(portalService, portalPath).GetProperty(screenCastIface + ".version")
	if err != nil {
		return false
	}
	_, ok := variant.Value().(uint32)
	return ok
}

// nextToken returns a bus-unique handle token. The portal correlates
// request objects by token, so every request in this process needs its own.
func (p *Portal) nextToken(prefix string) string {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.seq++
	return fmt.Sprintf("framegrab_%s_%d_%d", prefix, os.Getpid(), p.seq)
}

// request performs one portal request/response round trip: subscribe to
// Response signals, invoke method with options, and wait for the response
// matching the returned request path. The portal replies 0 for success,
// 1 for user cancellation, 2 for other failure.
func (p *Portal) request(ctx context.Context, method string, timeout time.Duration, args ...interface{}) (map[string]dbus.Variant, error) {
	signals := make(chan *dbus.Signal, 16)

	matchRule := fmt.Sprintf("type='signal',interface='%s',member='Response'", requestIface)
	if err := p.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, matchRule).Err; err != nil {
		p.log.Warn().Err(err).Msg("failed to add signal match rule")
	}
	p.conn.Signal(signals)
	defer p.conn.RemoveSignal(signals)

	var requestPath dbus.ObjectPath
	call := p.conn.Object(portalService, portalPath).Call(method, 0, args...)
	if err := call.Store(&requestPath); err != nil {
		return nil, fmt.Errorf("%s call failed: %w", method, err)
	}
	p.log.Debug().Str("method", method).Str("request", string(requestPath)).Msg("waiting for portal response")

	deadline := time.After(timeout)
	for {
		select {
		case <-ctx.Done():
			return nil, capture.ErrCancelled
		case <-deadline:
			return nil, &capture.TimeoutError{Op: method, Duration: timeout}
		case sig := <-signals:
			if sig.Path != requestPath || sig.Name != requestIface+".Response" {
				continue
			}
			if len(sig.Body) < 2 {
				return nil, &capture.CaptureError{Reason: fmt.Sprintf("malformed portal response to %s", method)}
			}
			code, _ := sig.Body[0].(uint32)
			results, _ := sig.Body[1].(map[string]dbus.Variant)
			switch code {
			case 0:
				return results, nil
			case 1:
				return nil, capture.ErrPermissionDenied
			default:
				return nil, &capture.CaptureError{Reason: fmt.Sprintf("portal denied %s (code %d)", method, code)}
			}
		}
	}
}

// ScreenCastStream is one live portal ScreenCast session bound to a
// PipeWire node.
type ScreenCastStream struct {
	portal  *Portal
	session dbus.ObjectPath
	NodeID  uint32
}

// Close ends the portal session, stopping the PipeWire node.
func (s *ScreenCastStream) Close() {
	if s.session != "" {
		s.portal.conn.Object(portalService, s.session).Call(sessionIface+".Close", 0)
		s.session = ""
	}
}

// OpenScreenCast runs the CreateSession / SelectSources / Start handshake
// and returns the resulting stream. With a saved restore token the portal
// skips the interactive source picker; the first run may pop a dialog,
// which is why source selection gets a generous timeout.
func (p *Portal) OpenScreenCast(ctx context.Context) (*ScreenCastStream, error) {
	sessionResults, err := p.request(ctx, screenCastIface+".CreateSession", 30*time.Second,
		map[string]dbus.Variant{
			"handle_token":         dbus.MakeVariant(p.nextToken("req")),
			"session_handle_token": dbus.MakeVariant(p.nextToken("session")),
		})
	if err != nil {
		return nil, fmt.Errorf("failed to create portal session: %w", err)
	}
	session, err := sessionHandle(sessionResults)
	if err != nil {
		return nil, err
	}

	selectOpts := map[string]dbus.Variant{
		"handle_token": dbus.MakeVariant(p.nextToken("select")),
		"types":        dbus.MakeVariant(uint32(sourceTypeMonitor)),
		"multiple":     dbus.MakeVariant(false),
		"cursor_mode":  dbus.MakeVariant(uint32(cursorModeEmbedded)),
		"persist_mode": dbus.MakeVariant(uint32(persistModeSession)),
	}
	p.mu.Lock()
	if p.restoreToken != "" {
		selectOpts["restore_token"] = dbus.MakeVariant(p.restoreToken)
	}
	p.mu.Unlock()

	if _, err := p.request(ctx, screenCastIface+".SelectSources", 60*time.Second, session, selectOpts); err != nil {
		return nil, fmt.Errorf("failed to select capture source: %w", err)
	}

	startResults, err := p.request(ctx, screenCastIface+".Start", 30*time.Second, session, "",
		map[string]dbus.Variant{"handle_token": dbus.MakeVariant(p.nextToken("start"))})
	if err != nil {
		return nil, fmt.Errorf("failed to start portal session: %w", err)
	}

	if tok, ok := startResults["restore_token"]; ok {
		if s, ok := tok.Value().(string); ok && s != "" {
			p.mu.Lock()
			p.restoreToken = s
			p.mu.Unlock()
			p.saveRestoreToken()
		}
	}

	nodeID, err := streamNodeID(startResults)
	if err != nil {
		return nil, err
	}
	p.log.Info().Uint32("node_id", nodeID).Msg("screencast stream opened")

	return &ScreenCastStream{portal: p, session: session, NodeID: nodeID}, nil
}

func sessionHandle(results map[string]dbus.Variant) (dbus.ObjectPath, error) {
	handle, ok := results["session_handle"]
	if !ok {
		return "", &capture.CaptureError{Reason: "portal response carried no session handle"}
	}
	switch v := handle.Value().(type) {
	case dbus.ObjectPath:
		return v, nil
	case string:
		return dbus.ObjectPath(v), nil
	}
	return "", &capture.CaptureError{Reason: fmt.Sprintf("unexpected session handle type %T", handle.Value())}
}

// streamNodeID digs the PipeWire node id out of the Start response. The
// streams field is a(ua{sv}); dbus decodes it with varying shapes.
func streamNodeID(results map[string]dbus.Variant) (uint32, error) {
	streams, ok := results["streams"]
	if !ok {
		return 0, &capture.CaptureError{Reason: "portal response carried no streams"}
	}
	switch v := streams.Value().(type) {
	case [][]interface{}:
		if len(v) > 0 && len(v[0]) > 0 {
			if id, ok := v[0][0].(uint32); ok {
				return id, nil
			}
		}
	case []interface{}:
		if len(v) > 0 {
			if stream, ok := v[0].([]interface{}); ok && len(stream) > 0 {
				if id, ok := stream[0].(uint32); ok {
					return id, nil
				}
			}
		}
	}
	return 0, &capture.CaptureError{Reason: "could not parse stream node id from portal response"}
}

// Screenshot takes a one-shot full-desktop screenshot through the portal's
// Screenshot interface. The legacy engine borrows this as its last resort
// when direct X capture is unavailable.
func (p *Portal) Screenshot(ctx context.Context) (*image.RGBA, error) {
	results, err := p.request(ctx, screenshotIface+".Screenshot", 60*time.Second, "",
		map[string]dbus.Variant{
			"handle_token": dbus.MakeVariant(p.nextToken("shot")),
			"interactive":  dbus.MakeVariant(false),
		})
	if err != nil {
		return nil, err
	}

	uriVariant, ok := results["uri"]
	if !ok {
		return nil, &capture.CaptureError{Reason: "portal screenshot returned no uri"}
	}
	uri, _ := uriVariant.Value().(string)

	img, err := loadImageURI(uri)
	if err != nil {
		return nil, &capture.CaptureError{Reason: "failed to load portal screenshot", Err: err}
	}
	return img, nil
}

// loadImageURI reads a portal-provided file:// uri and deletes the file
// after decoding; the portal leaves it for the caller to clean up.
func loadImageURI(uri string) (*image.RGBA, error) {
	u, err := url.Parse(uri)
	if err != nil || u.Scheme != "file" {
		return nil, fmt.Errorf("unexpected screenshot uri %q", uri)
	}
	path := u.Path
	defer os.Remove(path)

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	img, _, err := image.Decode(f)
	if err != nil {
		return nil, fmt.Errorf("failed to decode screenshot: %w", err)
	}
	if rgba, ok := img.(*image.RGBA); ok {
		return rgba, nil
	}
	bounds := img.Bounds()
	rgba := image.NewRGBA(bounds)
	for y := bounds.Min.Y; y < bounds.Max.Y; y++ {
		for x := bounds.Min.X; x < bounds.Max.X; x++ {
			rgba.Set(x, y, img.At(x, y))
		}
	}
	return rgba, nil
}

func (p *Portal) loadRestoreToken() {
	data, err := os.ReadFile(p.tokenPath)
	if err != nil {
		return
	}
	var stored struct {
		Token string `json:"token"`
	}
	if err := json.Unmarshal(data, &stored); err != nil {
		return
	}
	p.restoreToken = strings.TrimSpace(stored.Token)
}

func (p *Portal) saveRestoreToken() {
	p.mu.Lock()
	token := p.restoreToken
	p.mu.Unlock()
	if token == "" {
		return
	}

	if err := os.MkdirAll(filepath.Dir(p.tokenPath), 0755); err != nil {
		return
	}
	data, err := json.Marshal(struct {
		Token string `json:"token"`
	}{Token: token})
	if err != nil {
		return
	}
	if err := os.WriteFile(p.tokenPath, data, 0600); err != nil {
		p.log.Debug().Err(err).Msg("failed to persist restore token")
	}
}
