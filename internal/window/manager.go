// Package window enumerates on-screen windows and resolves capture targets
// (application name, window index, window id) against the live window list.
package window

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/BurntSushi/xgb/xproto"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// Entry is one enumerated window together with its owning application.
type Entry struct {
	capture.WindowInfo
	App string `json:"app"`

	decorative bool
}

// Renderable reports whether the window qualifies for auto-selection: on
// screen, capturable, not chrome, and larger than a grip handle.
func (e *Entry) Renderable() bool {
	return e.OnScreen && e.Capturable && !e.decorative &&
		e.Bounds.Width > 10 && e.Bounds.Height > 10
}

// Manager answers window queries. Enumeration requires an X connection
// (native or XWayland); without one every method returns a descriptive
// error instead of an empty result.
type Manager struct {
	mu  sync.Mutex
	x   *x11conn
	log *zerolog.Logger
}

// NewManager connects to the window system best-effort.
func NewManager() *Manager {
	m := &Manager{log: logger.WithComponent("window")}
	x, err := connectX11()
	if err != nil {
		m.log.Warn().Err(err).Msg("window enumeration unavailable")
		return m
	}
	m.x = x
	return m
}

// Available reports whether window enumeration works in this session.
func (m *Manager) Available() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.x != nil
}

// Close releases the X connection.
func (m *Manager) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.x != nil {
		m.x.close()
		m.x = nil
	}
}

// ListWindows enumerates client windows front-to-back. Layer is the
// absolute z-position (0 is frontmost); Index counts front-to-back within
// each owning application.
func (m *Manager) ListWindows() ([]Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.listLocked()
}

func (m *Manager) listLocked() ([]Entry, error) {
	if m.x == nil {
		return nil, &capture.CaptureError{Reason: "window enumeration unavailable in this session"}
	}

	stacking, err := m.x.listStacking()
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(stacking))
	perApp := make(map[string]int)

	// The stacking list is bottom-to-top; walk it in reverse so entries
	// come out front-to-back.
	for i := len(stacking) - 1; i >= 0; i-- {
		win := stacking[i]
		info, err := m.x.windowInfo(win)
		if err != nil {
			continue
		}

		app := m.x.windowClass(win)
		if app == "" {
			app = processName(info.PID)
		}
		// Windows with neither title nor identifiable owner are not user
		// windows.
		if info.Title == "" && app == "" {
			continue
		}

		key := appKey(app, info.PID)
		info.Layer = len(entries)
		info.Index = perApp[key]
		info.Main = info.Index == 0 && info.OnScreen
		perApp[key]++

		entries = append(entries, Entry{
			WindowInfo: info,
			App:        app,
			decorative: m.x.isDecorative(win),
		})
	}
	return entries, nil
}

func appKey(app string, pid int) string {
	if pid > 0 {
		return fmt.Sprintf("pid:%d", pid)
	}
	return "app:" + strings.ToLower(app)
}

// ListApplications aggregates windows into their owning applications,
// sorted by name. Only applications that own at least one window appear.
func (m *Manager) ListApplications() ([]capture.AppInfo, error) {
	entries, err := m.ListWindows()
	if err != nil {
		return nil, err
	}
	return groupApplications(entries), nil
}

func groupApplications(entries []Entry) []capture.AppInfo {
	byKey := make(map[string]*capture.AppInfo)
	var order []string
	for i := range entries {
		e := &entries[i]
		key := appKey(e.App, e.PID)
		app, ok := byKey[key]
		if !ok {
			name := e.App
			if name == "" {
				name = fmt.Sprintf("pid-%d", e.PID)
			}
			app = &capture.AppInfo{Name: name, PID: e.PID}
			byKey[key] = app
			order = append(order, key)
		}
		app.WindowCount++
	}

	apps := make([]capture.AppInfo, 0, len(order))
	for _, key := range order {
		apps = append(apps, *byKey[key])
	}
	sort.Slice(apps, func(i, j int) bool {
		return strings.ToLower(apps[i].Name) < strings.ToLower(apps[j].Name)
	})
	return apps
}

// Frontmost returns the focused window.
func (m *Manager) Frontmost() (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.x == nil {
		return nil, &capture.CaptureError{Reason: "window enumeration unavailable in this session"}
	}

	entries, err := m.listLocked()
	if err != nil {
		return nil, err
	}

	if active, err := m.x.activeWindow(); err == nil {
		for i := range entries {
			if entries[i].ID == uint32(active) {
				return &entries[i], nil
			}
		}
	}

	// No EWMH active-window hint; the frontmost on-screen entry is the
	// best answer the stacking order gives.
	for i := range entries {
		if entries[i].OnScreen {
			return &entries[i], nil
		}
	}
	return nil, &capture.WindowNotFoundError{Criteria: "frontmost window"}
}

// ByID returns the window with the given platform identifier.
func (m *Manager) ByID(id uint32) (*Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.x == nil {
		return nil, &capture.CaptureError{Reason: "window enumeration unavailable in this session"}
	}

	entries, err := m.listLocked()
	if err != nil {
		return nil, err
	}
	for i := range entries {
		if entries[i].ID == id {
			return &entries[i], nil
		}
	}

	// Not a client window the WM tracks; it may still be a valid X window.
	info, err := m.x.windowInfo(xproto.Window(id))
	if err != nil {
		return nil, &capture.WindowNotFoundError{Criteria: fmt.Sprintf("id 0x%x", id)}
	}
	app := m.x.windowClass(xproto.Window(id))
	if app == "" {
		app = processName(info.PID)
	}
	return &Entry{WindowInfo: info, App: app}, nil
}

// Resolve locates a window by application identifier and optional index
// (front-to-back within the application; -1 auto-selects). Auto-selection
// takes the first renderable window and falls back to index 0 with a
// warning when none qualifies.
func (m *Manager) Resolve(app string, index int) (*Entry, error) {
	entries, err := m.ListWindows()
	if err != nil {
		return nil, err
	}

	matched, err := MatchApp(groupApplications(entries), app)
	if err != nil {
		return nil, err
	}

	var windows []*Entry
	for i := range entries {
		if appKey(entries[i].App, entries[i].PID) == appKey(matched.Name, matched.PID) {
			windows = append(windows, &entries[i])
		}
	}
	if len(windows) == 0 {
		return nil, &capture.WindowNotFoundError{Criteria: fmt.Sprintf("app %q", app)}
	}

	if index >= 0 {
		if index >= len(windows) {
			return nil, &capture.IndexError{Kind: "window", Requested: index, Count: len(windows)}
		}
		return windows[index], nil
	}

	for _, w := range windows {
		if w.Renderable() {
			return w, nil
		}
	}
	m.log.Warn().
		Str("app", matched.Name).
		Int("windows", len(windows)).
		Msg("no renderable window, using first")
	return windows[0], nil
}
