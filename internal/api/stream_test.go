package api

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/bryanchriswhite/framegrab/internal/capture"
)

// testPNG encodes a small solid image for the fake capture backend.
func testPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 8, 8))
	for i := range img.Pix {
		img.Pix[i] = 0xff
	}
	img.Set(0, 0, color.RGBA{R: 0xff, A: 0xff})
	buf := new(bytes.Buffer)
	if err := png.Encode(buf, img); err != nil {
		t.Fatalf("encoding fixture: %v", err)
	}
	return buf.Bytes()
}

func TestGrabJPEGTranscodes(t *testing.T) {
	svc := &fakeService{result: &capture.Result{PNG: testPNG(t)}}
	set := newStreamSet(svc, 10)

	data, err := set.grabJPEG(context.Background(), streamKey{display: 3, scale: capture.ScaleLogical1x})
	if err != nil {
		t.Fatalf("grabJPEG: %v", err)
	}
	if _, err := jpeg.Decode(bytes.NewReader(data)); err != nil {
		t.Fatalf("output is not a JPEG: %v", err)
	}

	target, ok := svc.lastReq.Target.(capture.ScreenTarget)
	if !ok || target.Index == nil || *target.Index != 3 {
		t.Errorf("display not forwarded: %+v", svc.lastReq.Target)
	}
	if svc.lastReq.Scale != capture.ScaleLogical1x {
		t.Errorf("scale = %q, want logical1x", svc.lastReq.Scale)
	}
}

func TestPumpSharedPerKeyAndStoppedOnLastRelease(t *testing.T) {
	svc := &fakeService{result: &capture.Result{PNG: testPNG(t)}}
	set := newStreamSet(svc, 50)
	defer set.close()

	key := streamKey{display: 0, scale: capture.ScaleNative}
	first := set.acquire(key)
	second := set.acquire(key)
	if first != second {
		t.Fatal("same key produced two pumps")
	}
	if other := set.acquire(streamKey{display: 1, scale: capture.ScaleNative}); other == first {
		t.Fatal("different displays share a pump")
	} else {
		set.release(other)
	}

	set.release(first)
	select {
	case <-first.done:
		t.Fatal("pump stopped while a client remained")
	case <-time.After(50 * time.Millisecond):
	}

	set.release(second)
	select {
	case <-first.done:
	case <-time.After(2 * time.Second):
		t.Fatal("pump kept running after the last client left")
	}
}

func TestStreamSetCloseRejectsNewClients(t *testing.T) {
	set := newStreamSet(&fakeService{result: &capture.Result{PNG: nil}}, 10)
	set.close()
	if p := set.acquire(streamKey{}); p != nil {
		t.Error("acquire succeeded after close")
	}
}

func TestServeWritesMultipartFrames(t *testing.T) {
	svc := &fakeService{result: &capture.Result{PNG: testPNG(t)}}
	set := newStreamSet(svc, 50)

	ctx, cancel := context.WithTimeout(context.Background(), 300*time.Millisecond)
	defer cancel()
	req := httptest.NewRequest("GET", "/api/stream?display=0", nil).WithContext(ctx)
	rec := httptest.NewRecorder()

	set.serve(rec, req, 0, capture.ScaleNative)
	set.close()

	if ct := rec.Header().Get("Content-Type"); !strings.HasPrefix(ct, "multipart/x-mixed-replace") {
		t.Fatalf("Content-Type = %q", ct)
	}
	body := rec.Body.String()
	if !strings.Contains(body, "--frame\r\nContent-Type: image/jpeg") {
		t.Errorf("no multipart frame in body (%d bytes)", len(body))
	}
}
