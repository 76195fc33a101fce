package capture

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/bryanchriswhite/framegrab/internal/geometry"
)

type fakeResolver struct {
	id  uint32
	err error
}

func (f fakeResolver) FrontmostID() (uint32, error) { return f.id, f.err }

type recordingFlasher struct {
	events chan uuid.UUID
}

func (r *recordingFlasher) FlashShot(_ geometry.Rect, id uuid.UUID)  { r.events <- id }
func (r *recordingFlasher) FlashWatch(_ geometry.Rect, id uuid.UUID) { r.events <- id }

func testService(set EngineSet, order []Kind, mutate func(*ServiceConfig)) *Service {
	cfg := ServiceConfig{
		Engines:    set,
		Order:      order,
		Permission: PermissionFunc(func() bool { return true }),
		Frontmost:  fakeResolver{id: 42},
	}
	if mutate != nil {
		mutate(&cfg)
	}
	return NewService(cfg)
}

func TestServicePermissionDeniedShortCircuits(t *testing.T) {
	modern := &fakeEngine{kind: KindModern}
	s := testService(EngineSet{Modern: modern}, []Kind{KindModern}, func(c *ServiceConfig) {
		c.Permission = PermissionFunc(func() bool { return false })
	})

	_, err := s.CaptureScreen(context.Background(), nil, ScaleNative)
	if !errors.Is(err, ErrPermissionDenied) {
		t.Fatalf("err = %v, want ErrPermissionDenied", err)
	}
	if modern.calls != 0 {
		t.Errorf("engine ran %d times despite denied permission", modern.calls)
	}
}

func TestServiceEveryTargetYieldsImage(t *testing.T) {
	modern := &fakeEngine{kind: KindModern}
	s := testService(EngineSet{Modern: modern}, []Kind{KindModern}, nil)
	ctx := context.Background()

	cases := []struct {
		name     string
		invoke   func() (*Result, error)
		wantMode string
	}{
		{"screen", func() (*Result, error) { return s.CaptureScreen(ctx, nil, ScaleNative) }, "screen"},
		{"screen-indexed", func() (*Result, error) { return s.CaptureScreen(ctx, Index(1), ScaleNative) }, "screen"},
		{"frontmost", func() (*Result, error) { return s.CaptureFrontmost(ctx, ScaleNative) }, "frontmost"},
		{"window", func() (*Result, error) { return s.CaptureWindow(ctx, "kitty", nil, ScaleNative) }, "window"},
		{"window-id", func() (*Result, error) { return s.CaptureWindowByID(ctx, 7, ScaleNative) }, "window"},
		{"area", func() (*Result, error) { return s.CaptureArea(ctx, geometry.NewRect(0, 0, 10, 10), ScaleNative) }, "area"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			res, err := tc.invoke()
			if err != nil {
				t.Fatalf("capture: %v", err)
			}
			if len(res.PNG) == 0 {
				t.Fatal("empty PNG")
			}
			if res.Meta.Mode != tc.wantMode {
				t.Errorf("mode = %q, want %q", res.Meta.Mode, tc.wantMode)
			}
		})
	}
}

func TestServiceFallsBackOnModernFailure(t *testing.T) {
	modern := &fakeEngine{kind: KindModern, err: &CaptureError{Reason: "stream refused"}}
	legacy := &fakeEngine{kind: KindLegacy}
	s := testService(EngineSet{Modern: modern, Legacy: legacy}, []Kind{KindModern, KindLegacy}, nil)

	res, err := s.CaptureScreen(context.Background(), nil, ScaleNative)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if res.Meta.Engine != KindLegacy {
		t.Errorf("result engine = %q, want legacy", res.Meta.Engine)
	}
	if modern.calls != 1 || legacy.calls != 1 {
		t.Errorf("calls modern=%d legacy=%d, want 1 and 1", modern.calls, legacy.calls)
	}
}

func TestServiceCallerErrorsSkipFallback(t *testing.T) {
	modern := &fakeEngine{kind: KindModern, err: &IndexError{Kind: "display", Requested: 5, Count: 2}}
	legacy := &fakeEngine{kind: KindLegacy}
	s := testService(EngineSet{Modern: modern, Legacy: legacy}, []Kind{KindModern, KindLegacy}, nil)

	_, err := s.CaptureScreen(context.Background(), Index(5), ScaleNative)
	var ie *IndexError
	if !errors.As(err, &ie) {
		t.Fatalf("err = %v, want IndexError", err)
	}
	if ie.Requested != 5 || ie.Count != 2 {
		t.Errorf("IndexError = %+v, want requested 5 of 2", ie)
	}
	if legacy.calls != 0 {
		t.Errorf("legacy ran %d times on a caller error", legacy.calls)
	}
}

func TestServiceFrontmostResolutionError(t *testing.T) {
	modern := &fakeEngine{kind: KindModern}
	s := testService(EngineSet{Modern: modern}, []Kind{KindModern}, func(c *ServiceConfig) {
		c.Frontmost = fakeResolver{err: &WindowNotFoundError{Criteria: "frontmost window"}}
	})

	_, err := s.CaptureFrontmost(context.Background(), ScaleNative)
	var wnf *WindowNotFoundError
	if !errors.As(err, &wnf) {
		t.Fatalf("err = %v, want WindowNotFoundError", err)
	}
	if modern.calls != 0 {
		t.Errorf("engine ran %d times with no frontmost window", modern.calls)
	}
}

type idRecordingEngine struct {
	fakeEngine
	lastID uint32
}

func (e *idRecordingEngine) CaptureWindowByID(ctx context.Context, id uint32, pref ScalePref) (*Result, error) {
	e.lastID = id
	return e.fakeEngine.CaptureWindowByID(ctx, id, pref)
}

func TestServiceFrontmostPinsWindowID(t *testing.T) {
	modern := &idRecordingEngine{fakeEngine: fakeEngine{kind: KindModern}}
	s := testService(EngineSet{Modern: modern}, []Kind{KindModern}, func(c *ServiceConfig) {
		c.Frontmost = fakeResolver{id: 0xbeef}
	})

	res, err := s.CaptureFrontmost(context.Background(), ScaleNative)
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if modern.lastID != 0xbeef {
		t.Errorf("engine captured window 0x%x, want 0xbeef", modern.lastID)
	}
	if res.Meta.Mode != "frontmost" {
		t.Errorf("mode = %q, want frontmost", res.Meta.Mode)
	}
}

type emptyResultEngine struct {
	fakeEngine
}

func (e *emptyResultEngine) CaptureScreen(context.Context, int, ScalePref) (*Result, error) {
	return &Result{}, nil
}

func TestServiceEmptyResultBecomesTypedError(t *testing.T) {
	modern := &emptyResultEngine{fakeEngine: fakeEngine{kind: KindModern}}
	s := testService(EngineSet{Modern: modern}, []Kind{KindModern}, nil)

	_, err := s.CaptureScreen(context.Background(), nil, ScaleNative)
	var ce *CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CaptureError for empty result", err)
	}
}

func TestServiceNoEnginesConfigured(t *testing.T) {
	s := testService(EngineSet{}, nil, nil)
	_, err := s.CaptureScreen(context.Background(), nil, ScaleNative)
	var ce *CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("err = %v, want CaptureError", err)
	}
}

func TestServiceFeedbackCarriesCorrelation(t *testing.T) {
	modern := &fakeEngine{kind: KindModern}
	fl := &recordingFlasher{events: make(chan uuid.UUID, 1)}
	s := testService(EngineSet{Modern: modern}, []Kind{KindModern}, func(c *ServiceConfig) {
		c.Flasher = fl
	})

	req := NewRequest(ScreenTarget{})
	req.Feedback = FeedbackShot
	if _, err := s.Capture(context.Background(), req); err != nil {
		t.Fatalf("capture: %v", err)
	}

	select {
	case got := <-fl.events:
		if got != req.CorrelationID {
			t.Errorf("flash correlation = %s, want %s", got, req.CorrelationID)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("flash never fired")
	}
}

func TestServiceFeedbackNeverBlocksCapture(t *testing.T) {
	modern := &fakeEngine{kind: KindModern}
	// Unbuffered: the flash call blocks until this test reads the event.
	fl := &recordingFlasher{events: make(chan uuid.UUID)}
	s := testService(EngineSet{Modern: modern}, []Kind{KindModern}, func(c *ServiceConfig) {
		c.Flasher = fl
	})

	req := NewRequest(ScreenTarget{})
	req.Feedback = FeedbackShot
	done := make(chan struct{})
	go func() {
		defer close(done)
		if _, err := s.Capture(context.Background(), req); err != nil {
			t.Errorf("capture: %v", err)
		}
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("capture blocked on the flasher")
	}
	<-fl.events
}

func TestServiceNoFeedbackWhenOff(t *testing.T) {
	modern := &fakeEngine{kind: KindModern}
	fl := &recordingFlasher{events: make(chan uuid.UUID, 1)}
	s := testService(EngineSet{Modern: modern}, []Kind{KindModern}, func(c *ServiceConfig) {
		c.Flasher = fl
	})

	if _, err := s.CaptureScreen(context.Background(), nil, ScaleNative); err != nil {
		t.Fatalf("capture: %v", err)
	}
	time.Sleep(50 * time.Millisecond)
	if len(fl.events) != 0 {
		t.Error("flash fired for a request with feedback off")
	}
}
