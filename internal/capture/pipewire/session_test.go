package pipewire

import (
	"context"
	"errors"
	"image"
	"sync"
	"testing"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/runloop"
)

type reconfCall struct {
	rect geometry.Rect
	w, h int
}

// fakeBackend stands in for the gst subprocess: frames and deaths are
// injected by the test.
type fakeBackend struct {
	mu         sync.Mutex
	startErr   error
	reconfErr  error
	startCalls int
	reconf     []reconfCall
	onFrame    func(*image.RGBA)
	onStop     func(error)
	stopped    int
}

func (f *fakeBackend) Start(_ context.Context, onFrame func(*image.RGBA), onStop func(error)) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.startCalls++
	if f.startErr != nil {
		return f.startErr
	}
	f.onFrame = onFrame
	f.onStop = onStop
	return nil
}

func (f *fakeBackend) Reconfigure(_ context.Context, rect geometry.Rect, w, h int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reconf = append(f.reconf, reconfCall{rect, w, h})
	return f.reconfErr
}

func (f *fakeBackend) Stop() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped++
}

func (f *fakeBackend) emit(w, h int) {
	f.mu.Lock()
	onFrame := f.onFrame
	f.mu.Unlock()
	if onFrame != nil {
		onFrame(image.NewRGBA(image.Rect(0, 0, w, h)))
	}
}

func (f *fakeBackend) die(err error) {
	f.mu.Lock()
	onStop := f.onStop
	f.mu.Unlock()
	if onStop != nil {
		onStop(err)
	}
}

func (f *fakeBackend) reconfigures() []reconfCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]reconfCall(nil), f.reconf...)
}

func testDisplay() capture.DisplayInfo {
	return capture.DisplayInfo{
		Index:  0,
		ID:     1,
		Name:   "display-0",
		Bounds: geometry.NewRect(0, 0, 1920, 1080),
		Scale:  1.0,
	}
}

func newTestSession(t *testing.T, b sessionBackend) *Session {
	t.Helper()
	loop := runloop.New("session-test")
	t.Cleanup(loop.Close)
	key := StreamKey{DisplayID: 1, Scale: capture.ScaleNative}
	return NewSession(loop, key, testDisplay(), b, nil)
}

// startSession starts s, feeding one warm-up frame shortly after.
func startSession(t *testing.T, s *Session, b *fakeBackend) {
	t.Helper()
	go func() {
		time.Sleep(20 * time.Millisecond)
		b.emit(64, 48)
	}()
	if err := s.Start(context.Background()); err != nil {
		t.Fatalf("Start() = %v", err)
	}
}

func TestStartWaitsForFirstFrame(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSession(t, b)
	startSession(t, s, b)

	frame, err := s.NextFrame(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("NextFrame() = %v", err)
	}
	if frame.Image.Rect.Dx() != 64 {
		t.Errorf("frame width = %d, want 64", frame.Image.Rect.Dx())
	}
}

func TestStartIdempotentLatchesFailure(t *testing.T) {
	b := &fakeBackend{startErr: errors.New("spawn failed")}
	s := newTestSession(t, b)

	err1 := s.Start(context.Background())
	if err1 == nil {
		t.Fatal("Start() succeeded with failing backend")
	}
	err2 := s.Start(context.Background())
	if err2 == nil {
		t.Fatal("second Start() succeeded after latched failure")
	}
	if err1.Error() != err2.Error() {
		t.Errorf("latched error changed: %v vs %v", err1, err2)
	}

	b.mu.Lock()
	calls := b.startCalls
	b.mu.Unlock()
	if calls != 1 {
		t.Errorf("backend started %d times, want 1", calls)
	}
}

func TestStartTimesOutWithoutFrames(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSession(t, b)
	s.warmup = 80 * time.Millisecond

	err := s.Start(context.Background())
	var te *capture.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("Start() = %v, want TimeoutError", err)
	}
	if te.Op != "startStream" {
		t.Errorf("timeout op = %q, want startStream", te.Op)
	}
}

func TestEnsureConfigurationSkipsUnchanged(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSession(t, b)
	startSession(t, s, b)
	ctx := context.Background()

	r1 := geometry.NewRect(10, 20, 300, 200)
	size1 := geometry.Size{Width: 300, Height: 200}
	for i := 0; i < 3; i++ {
		if err := s.EnsureConfiguration(ctx, r1, size1); err != nil {
			t.Fatalf("EnsureConfiguration() = %v", err)
		}
	}
	if got := len(b.reconfigures()); got != 1 {
		t.Fatalf("identical configuration reconfigured %d times, want 1", got)
	}

	r2 := geometry.NewRect(0, 0, 500, 400)
	if err := s.EnsureConfiguration(ctx, r2, size1); err != nil {
		t.Fatalf("EnsureConfiguration() = %v", err)
	}
	if got := len(b.reconfigures()); got != 2 {
		t.Fatalf("changed rect reconfigured %d times total, want 2", got)
	}

	if err := s.EnsureConfiguration(ctx, r2, geometry.Size{Width: 250, Height: 200}); err != nil {
		t.Fatalf("EnsureConfiguration() = %v", err)
	}
	calls := b.reconfigures()
	if len(calls) != 3 {
		t.Fatalf("changed size reconfigured %d times total, want 3", len(calls))
	}
	if calls[2].w != 250 || calls[2].h != 200 {
		t.Errorf("output size = %dx%d, want 250x200", calls[2].w, calls[2].h)
	}
}

func TestNextFrameAcceptsYoungCachedFrame(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSession(t, b)
	startSession(t, s, b)

	// The warm-up frame is older than this call but well within maxAge.
	frame, err := s.NextFrame(context.Background(), time.Second)
	if err != nil {
		t.Fatalf("NextFrame() = %v", err)
	}
	if frame == nil || frame.Image == nil {
		t.Fatal("NextFrame() returned no image")
	}
}

func TestNextFrameWaitsForNewerFrame(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSession(t, b)
	startSession(t, s, b)

	time.Sleep(30 * time.Millisecond)
	go func() {
		time.Sleep(60 * time.Millisecond)
		b.emit(80, 60)
	}()

	// maxAge too small for the warm-up frame, so only the new one counts.
	start := time.Now()
	frame, err := s.NextFrame(context.Background(), time.Nanosecond)
	if err != nil {
		t.Fatalf("NextFrame() = %v", err)
	}
	if frame.Image.Rect.Dx() != 80 {
		t.Errorf("got stale frame (width %d), want the fresh 80px frame", frame.Image.Rect.Dx())
	}
	if frame.Timestamp.Before(start) {
		t.Errorf("frame timestamp %v predates the request %v", frame.Timestamp, start)
	}
}

func TestNextFrameTimesOut(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSession(t, b)
	startSession(t, s, b)
	s.waitBound = 150 * time.Millisecond

	time.Sleep(30 * time.Millisecond)
	_, err := s.NextFrame(context.Background(), time.Nanosecond)
	var te *capture.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("NextFrame() = %v, want TimeoutError", err)
	}
	if te.Op != "nextFrame" {
		t.Errorf("timeout op = %q, want nextFrame", te.Op)
	}
}

func TestStreamDeathFailsFastAndLatches(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSession(t, b)
	startSession(t, s, b)

	b.die(errors.New("pipeline crashed"))

	_, err := s.NextFrame(context.Background(), time.Second)
	var ce *capture.CaptureError
	if !errors.As(err, &ce) {
		t.Fatalf("NextFrame() after death = %v, want CaptureError", err)
	}
	if ce.Reason != "stream stopped" {
		t.Errorf("reason = %q, want %q", ce.Reason, "stream stopped")
	}

	if err := s.Start(context.Background()); err == nil {
		t.Error("Start() after stream death succeeded, want latched error")
	}
}

func TestFrameCarriesConfiguredContext(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSession(t, b)
	startSession(t, s, b)
	ctx := context.Background()

	src := geometry.NewRect(100, 50, 400, 300)
	if err := s.EnsureConfiguration(ctx, src, geometry.Size{}); err != nil {
		t.Fatalf("EnsureConfiguration() = %v", err)
	}
	b.emit(800, 600)

	frame, err := s.NextFrame(ctx, time.Second)
	if err != nil {
		t.Fatalf("NextFrame() = %v", err)
	}
	if frame.SourceRect != src {
		t.Errorf("SourceRect = %+v, want %+v", frame.SourceRect, src)
	}
	if frame.Scale != 2.0 {
		t.Errorf("Scale = %v, want 2.0 (800px over 400pt)", frame.Scale)
	}
}

func TestFrameScaleLogical1x(t *testing.T) {
	b := &fakeBackend{}
	loop := runloop.New("session-test")
	t.Cleanup(loop.Close)
	key := StreamKey{DisplayID: 1, Scale: capture.ScaleLogical1x}
	s := NewSession(loop, key, testDisplay(), b, nil)
	startSession(t, s, b)
	ctx := context.Background()

	src := geometry.NewRect(0, 0, 400, 300)
	if err := s.EnsureConfiguration(ctx, src, geometry.Size{Width: 400, Height: 300}); err != nil {
		t.Fatalf("EnsureConfiguration() = %v", err)
	}
	b.emit(400, 300)

	frame, err := s.NextFrame(ctx, time.Second)
	if err != nil {
		t.Fatalf("NextFrame() = %v", err)
	}
	if frame.Scale != 1.0 {
		t.Errorf("Scale = %v, want 1.0 for a logical1x session", frame.Scale)
	}
}

func TestReconfigureInvalidatesCachedFrame(t *testing.T) {
	b := &fakeBackend{}
	s := newTestSession(t, b)
	startSession(t, s, b)
	ctx := context.Background()

	if err := s.EnsureConfiguration(ctx, geometry.NewRect(0, 0, 100, 100), geometry.Size{}); err != nil {
		t.Fatalf("EnsureConfiguration() = %v", err)
	}
	s.waitBound = 150 * time.Millisecond

	// The warm-up frame shows pre-reconfiguration geometry and must not be
	// served, even though it is young enough.
	_, err := s.NextFrame(ctx, time.Minute)
	var te *capture.TimeoutError
	if !errors.As(err, &te) {
		t.Fatalf("NextFrame() = %v, want TimeoutError for invalidated cache", err)
	}
}

func TestRegistryReusesSessionPerKey(t *testing.T) {
	loop := runloop.New("registry-test")
	t.Cleanup(loop.Close)
	reg := NewRegistry(loop)
	ctx := context.Background()

	created := 0
	create := func(context.Context) (*Session, error) {
		created++
		key := StreamKey{DisplayID: 1, Scale: capture.ScaleNative}
		return NewSession(loop, key, testDisplay(), &fakeBackend{}, nil), nil
	}

	key := StreamKey{DisplayID: 1, Scale: capture.ScaleNative}
	s1, err := reg.Acquire(ctx, key, create)
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	s2, err := reg.Acquire(ctx, key, create)
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if s1 != s2 {
		t.Error("same key produced distinct sessions")
	}
	if created != 1 {
		t.Errorf("create ran %d times, want 1", created)
	}

	other := StreamKey{DisplayID: 1, Scale: capture.ScaleLogical1x}
	s3, err := reg.Acquire(ctx, other, create)
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if s3 == s1 {
		t.Error("different scale shared a session")
	}
	if created != 2 {
		t.Errorf("create ran %d times, want 2", created)
	}
}

func TestRegistryRemoveEvictsAndCloses(t *testing.T) {
	loop := runloop.New("registry-test")
	t.Cleanup(loop.Close)
	reg := NewRegistry(loop)
	ctx := context.Background()

	key := StreamKey{DisplayID: 7, Scale: capture.ScaleNative}
	backend := &fakeBackend{}
	closed := false
	s1, err := reg.Acquire(ctx, key, func(context.Context) (*Session, error) {
		return NewSession(loop, key, testDisplay(), backend, func() { closed = true }), nil
	})
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}

	reg.Remove(key, s1)
	if !closed {
		t.Error("Remove() did not close the session")
	}

	// Removing a session that is no longer registered must not re-close.
	closed = false
	reg.Remove(key, s1)
	if closed {
		t.Error("second Remove() closed the session again")
	}

	s2, err := reg.Acquire(ctx, key, func(context.Context) (*Session, error) {
		return NewSession(loop, key, testDisplay(), &fakeBackend{}, nil), nil
	})
	if err != nil {
		t.Fatalf("Acquire() = %v", err)
	}
	if s2 == s1 {
		t.Error("Acquire() after Remove() returned the evicted session")
	}
}

func TestRegistryShutdownClosesAll(t *testing.T) {
	loop := runloop.New("registry-test")
	t.Cleanup(loop.Close)
	reg := NewRegistry(loop)
	ctx := context.Background()

	var closes int
	for id := uint32(1); id <= 3; id++ {
		key := StreamKey{DisplayID: id, Scale: capture.ScaleNative}
		_, err := reg.Acquire(ctx, key, func(context.Context) (*Session, error) {
			return NewSession(loop, key, testDisplay(), &fakeBackend{}, func() { closes++ }), nil
		})
		if err != nil {
			t.Fatalf("Acquire() = %v", err)
		}
	}

	reg.Shutdown()
	if closes != 3 {
		t.Errorf("Shutdown() closed %d sessions, want 3", closes)
	}
}
