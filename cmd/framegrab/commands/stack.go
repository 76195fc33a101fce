package commands

import (
	"fmt"

	"github.com/spf13/viper"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/capture/pipewire"
	"github.com/bryanchriswhite/framegrab/internal/capture/x11"
	"github.com/bryanchriswhite/framegrab/internal/config"
	"github.com/bryanchriswhite/framegrab/internal/display"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/runloop"
	"github.com/bryanchriswhite/framegrab/internal/visual"
	"github.com/bryanchriswhite/framegrab/internal/window"
)

// frontmostAdapter narrows the window manager to the resolver the
// capture service needs.
type frontmostAdapter struct {
	windows *window.Manager
}

func (a frontmostAdapter) FrontmostID() (uint32, error) {
	entry, err := a.windows.Frontmost()
	if err != nil {
		return 0, err
	}
	return entry.ID, nil
}

// captureStack is the assembled capture machinery behind the shot and
// serve commands.
type captureStack struct {
	cfgMgr   *config.Manager
	cfg      *config.Config
	loop     *runloop.Loop
	portal   *pipewire.Portal
	displays *display.Manager
	windows  *window.Manager
	service  *capture.Service
	legacy   *x11.Engine
	x11Flash *visual.X11Flasher
}

// stackOptions carries per-command overrides into the wiring.
type stackOptions struct {
	// engine overrides capture.engine from the settings file when
	// non-empty (the --engine flag).
	engine string
	// publishFlash, when set, additionally routes flash events to a
	// publisher (the serve command's websocket hub).
	publishFlash func(visual.Event)
	observer     capture.AttemptObserver
}

// buildStack wires the full capture path: settings, run loop, display
// and window managers, both engines, and the service. The modern engine
// is skipped with a warning when no portal answers on the session bus;
// capture then runs on the X11 engine alone.
func buildStack(opts stackOptions) (*captureStack, error) {
	log := logger.WithComponent("wiring")

	cfgMgr, err := config.NewManager(GetConfigFile())
	if err != nil {
		return nil, fmt.Errorf("failed to load settings: %w", err)
	}
	cfg := cfgMgr.Get()

	// Engine selection honors FRAMEGRAB_CAPTURE_ENGINE and
	// FRAMEGRAB_CAPTURE_DISABLE_LEGACY over the settings file; the
	// --engine flag beats both.
	engineToken := viper.GetString("capture.engine")
	if engineToken == "" {
		engineToken = cfg.Capture.Engine
	}
	if opts.engine != "" {
		engineToken = opts.engine
	}
	disableLegacy := cfg.Capture.DisableLegacy || viper.GetBool("capture.disable_legacy")

	loop := runloop.New("capture")
	displays := display.NewManager()
	windows := window.NewManager()

	var engines capture.EngineSet
	var registry *pipewire.Registry
	var serviceRegistry capture.SessionRegistry

	portal, err := pipewire.NewPortal()
	if err != nil {
		log.Warn().Err(err).Msg("session bus unavailable, streaming capture disabled")
		portal = nil
	} else if !portal.Available() {
		log.Warn().Msg("no ScreenCast portal on this session, streaming capture disabled")
	} else {
		registry = pipewire.NewRegistry(loop)
		serviceRegistry = registry
		engines.Modern = pipewire.NewEngine(loop, portal, displays, windows, registry, pipewire.Config{
			FrameTimeout:  cfg.Capture.FrameTimeout.Std(),
			MaxFrameAge:   cfg.Capture.MaxFrameAge.Std(),
			RetryAttempts: cfg.Capture.RetryAttempts,
			RetryDelay:    cfg.Capture.RetryDelay.Std(),
		})
	}

	var snapshot x11.SnapshotFunc
	if portal != nil {
		snapshot = portal.Screenshot
	}
	legacy := x11.NewEngine(displays, windows, snapshot)
	engines.Legacy = legacy

	order := capture.ResolveEngines(engineToken, disableLegacy)
	log.Debug().Str("engine", engineToken).Interface("order", order).Msg("engine order resolved")

	flashers := visual.Multi{visual.NewLogFlasher()}
	x11Flash, err := visual.NewX11Flasher()
	if err != nil {
		log.Debug().Err(err).Msg("no X server for capture flashes")
		x11Flash = nil
	} else {
		flashers = append(flashers, x11Flash)
	}
	if opts.publishFlash != nil {
		flashers = append(flashers, visual.NewEventFlasher(opts.publishFlash))
	}

	service := capture.NewService(capture.ServiceConfig{
		Engines:   engines,
		Order:     order,
		Loop:      loop,
		Flasher:   flashers,
		Frontmost: frontmostAdapter{windows: windows},
		Observer:  opts.observer,
		Registry:  serviceRegistry,
	})

	return &captureStack{
		cfgMgr:   cfgMgr,
		cfg:      cfg,
		loop:     loop,
		portal:   portal,
		displays: displays,
		windows:  windows,
		service:  service,
		legacy:   legacy,
		x11Flash: x11Flash,
	}, nil
}

// close tears the stack down: sessions and loop first, then the native
// connections.
func (s *captureStack) close() {
	s.service.Close()
	s.legacy.Close()
	s.windows.Close()
	s.displays.Close()
	if s.x11Flash != nil {
		s.x11Flash.Close()
	}
	if s.portal != nil {
		s.portal.Close()
	}
}
