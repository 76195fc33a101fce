package pipewire

import (
	"image"
	"strings"
	"testing"

	"github.com/bryanchriswhite/framegrab/internal/geometry"
)

func TestBuildPipelineFullDisplay(t *testing.T) {
	s := &Stream{
		nodeID:      42,
		streamW:     1920,
		streamH:     1080,
		displaySize: geometry.Size{Width: 1920, Height: 1080},
	}
	pipeline, w, h := s.buildPipeline()

	if !strings.HasPrefix(pipeline, "pipewiresrc path=42 do-timestamp=true ! videoconvert") {
		t.Errorf("pipeline does not start with the source stage: %s", pipeline)
	}
	if strings.Contains(pipeline, "videocrop") {
		t.Errorf("full-display pipeline should not crop: %s", pipeline)
	}
	if !strings.Contains(pipeline, "video/x-raw,format=RGBA,width=1920,height=1080") {
		t.Errorf("pipeline caps missing or wrong: %s", pipeline)
	}
	if !strings.HasSuffix(pipeline, "fdsink fd=1 sync=false") {
		t.Errorf("pipeline does not end at the fd sink: %s", pipeline)
	}
	if w != 1920 || h != 1080 {
		t.Errorf("frame size = %dx%d, want 1920x1080", w, h)
	}
}

func TestBuildPipelineCropOnScaledStream(t *testing.T) {
	// 2x panel: 3840x2160 stream pixels over a 1920x1080 point display.
	s := &Stream{
		nodeID:      7,
		streamW:     3840,
		streamH:     2160,
		displaySize: geometry.Size{Width: 1920, Height: 1080},
		sourceRect:  geometry.Rect{X: 100, Y: 50, Width: 400, Height: 300},
	}
	pipeline, w, h := s.buildPipeline()

	if !strings.Contains(pipeline, "videocrop left=200 right=2840 top=100 bottom=1460") {
		t.Errorf("crop stage wrong: %s", pipeline)
	}
	if w != 800 || h != 600 {
		t.Errorf("cropped frame size = %dx%d, want 800x600", w, h)
	}

	// An explicit output size rescales past the crop.
	s.outW, s.outH = 400, 300
	pipeline, w, h = s.buildPipeline()
	if !strings.Contains(pipeline, "width=400,height=300") {
		t.Errorf("output caps ignore the requested size: %s", pipeline)
	}
	if w != 400 || h != 300 {
		t.Errorf("scaled frame size = %dx%d, want 400x300", w, h)
	}
}

func TestCropPixelsClampsToStream(t *testing.T) {
	s := &Stream{
		streamW:     1920,
		streamH:     1080,
		displaySize: geometry.Size{Width: 1920, Height: 1080},
		sourceRect:  geometry.Rect{X: 1800, Y: 1000, Width: 400, Height: 300},
	}
	if got, want := s.cropPixels(), image.Rect(1800, 1000, 1920, 1080); got != want {
		t.Errorf("cropPixels = %v, want clamped %v", got, want)
	}

	// A rect entirely off the display falls back to the full stream.
	s.sourceRect = geometry.Rect{X: 5000, Y: 5000, Width: 100, Height: 100}
	if got, want := s.cropPixels(), image.Rect(0, 0, 1920, 1080); got != want {
		t.Errorf("off-display cropPixels = %v, want full stream %v", got, want)
	}
}

func TestExtractCapsInt(t *testing.T) {
	line := "/GstPipeline:pipeline0/GstFakeSink:fakesink0.GstPad:sink: caps = video/x-raw, " +
		"format=(string)BGRx, width=(int)3840, height=(int)2160, framerate=(fraction)60/1"
	if got := extractCapsInt(line, "width"); got != 3840 {
		t.Errorf("width = %d, want 3840", got)
	}
	if got := extractCapsInt(line, "height"); got != 2160 {
		t.Errorf("height = %d, want 2160", got)
	}
	if got := extractCapsInt(line, "depth"); got != 0 {
		t.Errorf("missing key = %d, want 0", got)
	}
	if got := extractCapsInt("width=(int)", "width"); got != 0 {
		t.Errorf("truncated value = %d, want 0", got)
	}
}
