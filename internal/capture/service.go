package capture

import (
	"context"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/runloop"
)

// Permission answers whether screen capture is available to this session
// at all. Checked once per capture call, before any engine runs.
type Permission interface {
	Granted() bool
}

// Flasher shows visual confirmation of a capture. Implementations swallow
// their own failures; the capture result never depends on them.
type Flasher interface {
	FlashShot(rect geometry.Rect, correlationID uuid.UUID)
	FlashWatch(rect geometry.Rect, correlationID uuid.UUID)
}

// WindowResolver names the frontmost window for frontmost captures.
type WindowResolver interface {
	FrontmostID() (uint32, error)
}

// SessionRegistry is the service's handle on the modern engine's stream
// registry, for shutdown ordering.
type SessionRegistry interface {
	Shutdown()
}

// ServiceConfig assembles a Service. Engines and Order are required; the
// rest defaults to production implementations or no-ops.
type ServiceConfig struct {
	Engines    EngineSet
	Order      []Kind
	Loop       *runloop.Loop
	Permission Permission
	Flasher    Flasher
	Frontmost  WindowResolver
	Observer   AttemptObserver
	Registry   SessionRegistry
}

// Service is the capture facade: permission gate, target dispatch, engine
// fallback, metadata stamping, and fire-and-forget visual feedback. Every
// call returns either a non-empty PNG or a typed error from the capture
// taxonomy.
type Service struct {
	engines   EngineSet
	order     []Kind
	loop      *runloop.Loop
	runner    *Runner
	perm      Permission
	flasher   Flasher
	frontmost WindowResolver
	registry  SessionRegistry
	log       *zerolog.Logger
}

func NewService(cfg ServiceConfig) *Service {
	if cfg.Permission == nil {
		cfg.Permission = EnvPermission{}
	}
	return &Service{
		engines:   cfg.Engines,
		order:     cfg.Order,
		loop:      cfg.Loop,
		runner:    NewRunner(cfg.Observer),
		perm:      cfg.Permission,
		flasher:   cfg.Flasher,
		frontmost: cfg.Frontmost,
		registry:  cfg.Registry,
		log:       logger.WithComponent("capture-service"),
	}
}

// Close shuts down the streaming sessions and then the run loop. Engines
// and managers are owned by the caller that wired them.
func (s *Service) Close() {
	if s.registry != nil {
		s.registry.Shutdown()
	}
	if s.loop != nil {
		s.loop.Close()
	}
}

// Capture performs one acquisition for req.
func (s *Service) Capture(ctx context.Context, req Request) (*Result, error) {
	if req.Target == nil {
		return nil, &CaptureError{Reason: "capture request has no target"}
	}
	if req.CorrelationID == uuid.Nil {
		req.CorrelationID = uuid.New()
	}
	if req.Scale == "" {
		req.Scale = ScaleNative
	}
	log := logger.WithCorrelation("capture-service", req.CorrelationID.String())
	log.Info().Str("target", req.Target.String()).Str("scale", string(req.Scale)).Msg("capture requested")

	if !s.perm.Granted() {
		return nil, ErrPermissionDenied
	}

	op, attempt, err := s.plan(ctx, req)
	if err != nil {
		return nil, err
	}

	res, err := s.runner.Run(ctx, op, s.engines.Select(s.order), attempt)
	if err != nil {
		return nil, err
	}
	if res == nil || len(res.PNG) == 0 {
		return nil, &CaptureError{Reason: "capture produced no image data"}
	}
	res.Meta.Mode = modeFor(req.Target)

	s.feedback(req, res)
	return res, nil
}

// CaptureScreen captures a display by index; nil means the main display.
func (s *Service) CaptureScreen(ctx context.Context, index *int, scale ScalePref) (*Result, error) {
	req := NewRequest(ScreenTarget{Index: index})
	req.Scale = scale
	return s.Capture(ctx, req)
}

// CaptureFrontmost captures the currently frontmost window.
func (s *Service) CaptureFrontmost(ctx context.Context, scale ScalePref) (*Result, error) {
	req := NewRequest(FrontmostTarget{})
	req.Scale = scale
	return s.Capture(ctx, req)
}

// CaptureWindow captures a window of the named application; a nil index
// auto-selects the application's best window.
func (s *Service) CaptureWindow(ctx context.Context, app string, index *int, scale ScalePref) (*Result, error) {
	req := NewRequest(WindowTarget{App: app, Index: index})
	req.Scale = scale
	return s.Capture(ctx, req)
}

// CaptureWindowByID captures a window by its native id.
func (s *Service) CaptureWindowByID(ctx context.Context, id uint32, scale ScalePref) (*Result, error) {
	req := NewRequest(WindowIDTarget{ID: id})
	req.Scale = scale
	return s.Capture(ctx, req)
}

// CaptureArea captures a rectangle in global desktop coordinates.
func (s *Service) CaptureArea(ctx context.Context, rect geometry.Rect, scale ScalePref) (*Result, error) {
	req := NewRequest(AreaTarget{Rect: rect})
	req.Scale = scale
	return s.Capture(ctx, req)
}

// plan maps the request target onto an operation name and the per-engine
// attempt. Frontmost targets are pinned to a concrete window id up front
// so each engine in the fallback chain captures the same window.
func (s *Service) plan(ctx context.Context, req Request) (string, func(Engine) (*Result, error), error) {
	switch t := req.Target.(type) {
	case ScreenTarget:
		index := -1
		if t.Index != nil {
			index = *t.Index
		}
		return "captureScreen", func(e Engine) (*Result, error) {
			return e.CaptureScreen(ctx, index, req.Scale)
		}, nil

	case FrontmostTarget:
		if s.frontmost == nil {
			return "", nil, &WindowNotFoundError{Criteria: "frontmost window (no window service)"}
		}
		id, err := s.frontmost.FrontmostID()
		if err != nil {
			return "", nil, err
		}
		return "captureFrontmost", func(e Engine) (*Result, error) {
			return e.CaptureWindowByID(ctx, id, req.Scale)
		}, nil

	case WindowTarget:
		index := -1
		if t.Index != nil {
			index = *t.Index
		}
		return "captureWindow", func(e Engine) (*Result, error) {
			return e.CaptureWindow(ctx, t.App, index, req.Scale)
		}, nil

	case WindowIDTarget:
		return "captureWindow", func(e Engine) (*Result, error) {
			return e.CaptureWindowByID(ctx, t.ID, req.Scale)
		}, nil

	case AreaTarget:
		return "captureArea", func(e Engine) (*Result, error) {
			return e.CaptureArea(ctx, t.Rect, req.Scale)
		}, nil
	}
	return "", nil, &CaptureError{Reason: "unsupported capture target"}
}

func modeFor(t Target) string {
	switch t.(type) {
	case ScreenTarget:
		return "screen"
	case FrontmostTarget:
		return "frontmost"
	case AreaTarget:
		return "area"
	default:
		return "window"
	}
}

// feedback fires the visual confirmation without ever blocking or failing
// the capture that triggered it.
func (s *Service) feedback(req Request, res *Result) {
	if s.flasher == nil {
		return
	}
	var rect geometry.Rect
	switch {
	case res.Meta.Window != nil:
		rect = res.Meta.Window.Bounds
	case res.Meta.Display != nil:
		rect = res.Meta.Display.Bounds
	}
	switch req.Feedback {
	case FeedbackShot:
		go s.flasher.FlashShot(rect, req.CorrelationID)
	case FeedbackWatch:
		go s.flasher.FlashWatch(rect, req.CorrelationID)
	}
}
