package pipewire

import (
	"bufio"
	"context"
	"fmt"
	"image"
	"io"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// Stream runs a gst-launch-1.0 subprocess that pulls raw RGBA frames off a
// PipeWire node and writes them to stdout. Cropping and scaling happen
// inside the pipeline, so reconfiguration restarts the subprocess with a
// new pipeline string.
type Stream struct {
	nodeID      uint32
	displaySize geometry.Size
	log         *zerolog.Logger

	mu       sync.Mutex
	cmd      *exec.Cmd
	gen      int
	stopping bool

	streamW int
	streamH int

	sourceRect geometry.Rect
	outW       int
	outH       int

	onFrame func(*image.RGBA)
	onStop  func(error)
}

// NewStream prepares a stream for the given PipeWire node. displaySize is
// the captured display's size in points, used to map point-space source
// rectangles onto stream pixels.
func NewStream(nodeID uint32, displaySize geometry.Size) *Stream {
	return &Stream{
		nodeID:      nodeID,
		displaySize: displaySize,
		log:         logger.WithComponent("gst-stream"),
	}
}

// Start probes the stream's native dimensions and launches the pipeline.
// onFrame is invoked for every decoded frame; onStop is invoked once if
// the subprocess dies without Stop or Reconfigure being called.
func (s *Stream) Start(ctx context.Context, onFrame func(*image.RGBA), onStop func(error)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cmd != nil {
		return nil
	}
	s.onFrame = onFrame
	s.onStop = onStop

	if s.streamW == 0 {
		w, h, err := s.probeDimensions(ctx)
		if err != nil {
			w = int(s.displaySize.Width)
			h = int(s.displaySize.Height)
			s.log.Warn().Err(err).Int("width", w).Int("height", h).
				Msg("dimension probe failed, assuming point-sized stream")
		}
		s.streamW, s.streamH = w, h
	}

	return s.launchLocked()
}

// Reconfigure changes the crop region and output size, restarting the
// subprocess. sourceRect is in display-local points; an empty rect means
// the full display. outW/outH of zero means no scaling past the crop.
func (s *Stream) Reconfigure(ctx context.Context, sourceRect geometry.Rect, outW, outH int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.sourceRect = sourceRect
	s.outW = outW
	s.outH = outH
	if s.cmd == nil {
		return nil
	}

	s.stopLocked()
	return s.launchLocked()
}

// Stop kills the subprocess. Safe to call repeatedly.
func (s *Stream) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopLocked()
}

func (s *Stream) stopLocked() {
	if s.cmd == nil {
		return
	}
	s.stopping = true
	s.gen++
	if s.cmd.Process != nil {
		s.cmd.Process.Kill()
	}
	s.cmd = nil
}

func (s *Stream) launchLocked() error {
	pipeline, frameW, frameH := s.buildPipeline()
	args := append([]string{"-q"}, strings.Fields(pipeline)...)
	cmd := exec.Command("gst-launch-1.0", args...)

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("failed to open pipeline stdout: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("failed to open pipeline stderr: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("failed to start gst-launch-1.0: %w", err)
	}
	s.log.Info().Uint32("node_id", s.nodeID).Int("width", frameW).Int("height", frameH).
		Str("pipeline", pipeline).Msg("pipeline started")

	s.cmd = cmd
	s.stopping = false
	gen := s.gen

	go s.readFrames(stdout, frameW, frameH)
	go s.logStderr(stderr)
	go func() {
		err := cmd.Wait()
		s.mu.Lock()
		deliberate := s.stopping || gen != s.gen
		if gen == s.gen {
			s.cmd = nil
		}
		onStop := s.onStop
		s.mu.Unlock()
		if deliberate || onStop == nil {
			return
		}
		if err == nil {
			err = fmt.Errorf("gst-launch-1.0 exited")
		}
		s.log.Warn().Err(err).Msg("pipeline died")
		onStop(err)
	}()

	return nil
}

// buildPipeline renders the gst-launch pipeline string plus the pixel
// dimensions of the frames it will emit.
func (s *Stream) buildPipeline() (string, int, int) {
	var b strings.Builder
	fmt.Fprintf(&b, "pipewiresrc path=%d do-timestamp=true ! videoconvert", s.nodeID)

	frameW, frameH := s.streamW, s.streamH
	if !s.sourceRect.IsEmpty() {
		crop := s.cropPixels()
		left := crop.Min.X
		top := crop.Min.Y
		right := s.streamW - crop.Max.X
		bottom := s.streamH - crop.Max.Y
		fmt.Fprintf(&b, " ! videocrop left=%d right=%d top=%d bottom=%d", left, right, top, bottom)
		frameW = crop.Dx()
		frameH = crop.Dy()
	}

	if s.outW > 0 && s.outH > 0 {
		frameW, frameH = s.outW, s.outH
	}
	fmt.Fprintf(&b, " ! videoscale ! video/x-raw,format=RGBA,width=%d,height=%d ! fdsink fd=1 sync=false",
		frameW, frameH)

	return b.String(), frameW, frameH
}

// cropPixels maps the point-space source rect onto stream pixels, clamped
// to the stream bounds.
func (s *Stream) cropPixels() image.Rectangle {
	scaleX := float64(s.streamW) / s.displaySize.Width
	scaleY := float64(s.streamH) / s.displaySize.Height
	crop := image.Rect(
		int(s.sourceRect.X*scaleX),
		int(s.sourceRect.Y*scaleY),
		int((s.sourceRect.X+s.sourceRect.Width)*scaleX),
		int((s.sourceRect.Y+s.sourceRect.Height)*scaleY),
	).Intersect(image.Rect(0, 0, s.streamW, s.streamH))
	if crop.Empty() {
		return image.Rect(0, 0, s.streamW, s.streamH)
	}
	return crop
}

func (s *Stream) readFrames(stdout io.Reader, width, height int) {
	frameSize := width * height * 4
	buf := make([]byte, frameSize)
	for {
		if _, err := io.ReadFull(stdout, buf); err != nil {
			return
		}
		s.mu.Lock()
		onFrame := s.onFrame
		s.mu.Unlock()
		if onFrame == nil {
			continue
		}
		img := &image.RGBA{
			Pix:    append([]byte(nil), buf...),
			Stride: width * 4,
			Rect:   image.Rect(0, 0, width, height),
		}
		onFrame(img)
	}
}

func (s *Stream) logStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		s.log.Debug().Str("gst", line).Msg("pipeline stderr")
	}
}

// probeDimensions runs a single-buffer verbose pipeline and scrapes the
// negotiated caps for the stream's native pixel size.
func (s *Stream) probeDimensions(ctx context.Context) (int, int, error) {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	cmd := exec.CommandContext(probeCtx, "gst-launch-1.0", "-v",
		"pipewiresrc", fmt.Sprintf("path=%d", s.nodeID), "num-buffers=1", "!", "fakesink")
	output, _ := cmd.CombinedOutput()

	width, height := 0, 0
	for _, line := range strings.Split(string(output), "\n") {
		if !strings.Contains(line, "video/x-raw") {
			continue
		}
		if w := extractCapsInt(line, "width"); w > 0 {
			width = w
		}
		if h := extractCapsInt(line, "height"); h > 0 {
			height = h
		}
		if width > 0 && height > 0 {
			return width, height, nil
		}
	}
	return 0, 0, fmt.Errorf("no caps with dimensions in probe output")
}

// extractCapsInt pulls `key=(int)N` out of a gst caps line.
func extractCapsInt(line, key string) int {
	marker := key + "=(int)"
	idx := strings.Index(line, marker)
	if idx < 0 {
		return 0
	}
	rest := line[idx+len(marker):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return n
}
