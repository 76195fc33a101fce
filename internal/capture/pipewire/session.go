package pipewire

import (
	"context"
	"errors"
	"image"
	"math"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/runloop"
)

const (
	framePollInterval = 50 * time.Millisecond
	frameWaitBound    = 5 * time.Second
	warmupTimeout     = 5 * time.Second

	// DefaultMaxFrameAge is how stale a cached frame may be and still
	// satisfy a capture, when the caller does not say otherwise.
	DefaultMaxFrameAge = 500 * time.Millisecond
)

// StreamKey identifies one streaming session: captures of the same display
// at the same scale share a stream, everything else gets its own.
type StreamKey struct {
	DisplayID uint32
	Scale     capture.ScalePref
}

// sessionBackend is the subprocess pipeline behind a session. *Stream is
// the production implementation; tests substitute a scripted fake.
type sessionBackend interface {
	Start(ctx context.Context, onFrame func(*image.RGBA), onStop func(error)) error
	Reconfigure(ctx context.Context, sourceRect geometry.Rect, outW, outH int) error
	Stop()
}

// Session is one live capture stream for a (display, scale) pair. All of
// its mutable state is confined to the capture run loop: frame deliveries
// are posted onto it, and the public methods hop onto it per touch so a
// poller never wedges the loop.
type Session struct {
	key     StreamKey
	display capture.DisplayInfo
	loop    *runloop.Loop
	backend sessionBackend
	onClose func()
	log     *zerolog.Logger

	warmup    time.Duration
	waitBound time.Duration

	// Loop-confined.
	started    bool
	startErr   error
	closed     bool
	confSource geometry.Rect
	confSize   geometry.Size
	confValid  bool
	frame      *capture.Frame
	waiter     *capture.FrameWait
}

// NewSession wires a session around a backend stream. onClose runs during
// Close, after the backend stops; the portal session teardown goes there.
func NewSession(loop *runloop.Loop, key StreamKey, display capture.DisplayInfo, backend sessionBackend, onClose func()) *Session {
	log := logger.WithComponent("session")
	l := log.With().Uint32("display_id", key.DisplayID).Str("scale", string(key.Scale)).Logger()
	return &Session{
		key:       key,
		display:   display,
		loop:      loop,
		backend:   backend,
		onClose:   onClose,
		log:       &l,
		warmup:    warmupTimeout,
		waitBound: frameWaitBound,
	}
}

// Start launches the stream and blocks until its first frame arrives.
// Idempotent: repeat calls return the latched outcome of the first, so a
// session that failed to start keeps failing fast until it is replaced.
func (s *Session) Start(ctx context.Context) error {
	var warmup *capture.FrameWait
	err := s.loop.Do(ctx, func() error {
		if s.started {
			return s.startErr
		}
		s.started = true
		if err := s.backend.Start(ctx, s.deliverFrame, s.streamStopped); err != nil {
			s.startErr = &capture.CaptureError{Reason: "failed to start stream", Err: err}
			return s.startErr
		}
		warmup = capture.NewFrameWait(s.loop, "startStream", s.warmup)
		s.waiter = warmup
		return nil
	})
	if err != nil || warmup == nil {
		return err
	}

	if _, err := warmup.Wait(ctx); err != nil {
		s.log.Warn().Err(err).Msg("stream produced no first frame")
		s.loop.Do(context.Background(), func() error {
			if s.startErr == nil {
				s.startErr = err
			}
			if s.waiter == warmup {
				s.waiter = nil
			}
			return nil
		})
		return err
	}
	return nil
}

// EnsureConfiguration applies the wanted crop and output size, restarting
// the pipeline only when they differ from what is already applied. An
// empty size means native pixel density, no scaling past the crop.
func (s *Session) EnsureConfiguration(ctx context.Context, sourceRect geometry.Rect, size geometry.Size) error {
	return s.loop.Do(ctx, func() error {
		if s.startErr != nil {
			return s.startErr
		}
		if s.confValid && s.confSource == sourceRect && s.confSize == size {
			return nil
		}
		outW := int(math.Round(size.Width))
		outH := int(math.Round(size.Height))
		if err := s.backend.Reconfigure(ctx, sourceRect, outW, outH); err != nil {
			return &capture.CaptureError{Reason: "failed to reconfigure stream", Err: err}
		}
		s.log.Debug().
			Float64("x", sourceRect.X).Float64("y", sourceRect.Y).
			Float64("w", sourceRect.Width).Float64("h", sourceRect.Height).
			Int("out_w", outW).Int("out_h", outH).
			Msg("stream reconfigured")
		s.confSource = sourceRect
		s.confSize = size
		s.confValid = true
		// The cached frame shows the previous geometry.
		s.frame = nil
		return nil
	})
}

// NextFrame returns a frame that is either newer than this call or younger
// than maxAge (DefaultMaxFrameAge when zero), polling the cache until the
// wait bound elapses.
func (s *Session) NextFrame(ctx context.Context, maxAge time.Duration) (*capture.Frame, error) {
	if maxAge <= 0 {
		maxAge = DefaultMaxFrameAge
	}
	requestTime := time.Now()
	deadline := requestTime.Add(s.waitBound)

	ticker := time.NewTicker(framePollInterval)
	defer ticker.Stop()
	for {
		var frame *capture.Frame
		err := s.loop.Do(ctx, func() error {
			if s.startErr != nil {
				return s.startErr
			}
			if s.frame == nil {
				return nil
			}
			if !s.frame.Timestamp.Before(requestTime) || s.frame.Age(time.Now()) <= maxAge {
				frame = s.frame
			}
			return nil
		})
		switch {
		case err == nil:
		case errors.Is(err, runloop.ErrClosed):
			return nil, &capture.CaptureError{Reason: "capture loop stopped"}
		case ctx.Err() != nil:
			return nil, capture.ErrCancelled
		default:
			return nil, err
		}
		if frame != nil {
			return frame, nil
		}
		if time.Now().After(deadline) {
			return nil, &capture.TimeoutError{Op: "nextFrame", Duration: s.waitBound}
		}
		select {
		case <-ctx.Done():
			return nil, capture.ErrCancelled
		case <-ticker.C:
		}
	}
}

// Close stops the backend and the portal session and fails any pending
// waiter. Safe to call more than once.
func (s *Session) Close() {
	s.loop.Do(context.Background(), func() error {
		if s.closed {
			return nil
		}
		s.closed = true
		if s.startErr == nil {
			s.startErr = &capture.CaptureError{Reason: "session closed"}
		}
		if s.waiter != nil {
			s.waiter.Close()
			s.waiter = nil
		}
		return nil
	})
	s.backend.Stop()
	if s.onClose != nil {
		s.onClose()
	}
}

// deliverFrame is handed to the backend as its frame callback; it runs on
// the reader goroutine and posts the cache update onto the loop.
func (s *Session) deliverFrame(img *image.RGBA) {
	s.loop.Post(func() {
		if s.closed {
			return
		}
		f := s.stampFrame(img)
		s.frame = f
		if s.waiter != nil {
			s.waiter.Deliver(f)
			s.waiter = nil
		}
	})
}

// streamStopped is the backend's death callback: latch the failure so
// every current and future caller sees it instead of waiting out a poll.
func (s *Session) streamStopped(cause error) {
	s.loop.Post(func() {
		if s.closed {
			return
		}
		if s.startErr == nil {
			s.startErr = &capture.CaptureError{Reason: "stream stopped", Err: cause}
		}
		if s.waiter != nil {
			s.waiter.Abort(cause)
			s.waiter = nil
		}
	})
}

// stampFrame attaches capture context to a raw image: the source rect it
// shows (display-local points) and the resolved pixel-per-point scale.
func (s *Session) stampFrame(img *image.RGBA) *capture.Frame {
	src := s.confSource
	if !s.confValid || src.IsEmpty() {
		src = geometry.Rect{Width: s.display.Bounds.Width, Height: s.display.Bounds.Height}
	}
	scale := s.key.Scale.Factor(float64(img.Rect.Dx()), src.Width)
	return &capture.Frame{
		Image:      img,
		Timestamp:  time.Now(),
		SourceRect: src,
		Scale:      scale,
	}
}
