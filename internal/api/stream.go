package api

import (
	"bytes"
	"context"
	"fmt"
	"image/jpeg"
	"image/png"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/logger"
)

// streamKey identifies one MJPEG pump. Clients asking for the same
// display and scale share a pump, and through it one capture session.
type streamKey struct {
	display int
	scale   capture.ScalePref
}

// streamSet owns the MJPEG pumps, one per (display, scale), refcounted
// by connected clients. The last client leaving stops the pump.
type streamSet struct {
	service CaptureBackend
	fps     int
	log     *zerolog.Logger

	mu     sync.Mutex
	pumps  map[streamKey]*pump
	closed bool
}

func newStreamSet(service CaptureBackend, fps int) *streamSet {
	return &streamSet{
		service: service,
		fps:     fps,
		log:     logger.WithComponent("stream"),
		pumps:   make(map[streamKey]*pump),
	}
}

// pump polls one display at the stream rate and broadcasts the frames
// as JPEG to its clients.
type pump struct {
	key    streamKey
	refs   int
	cancel context.CancelFunc
	done   chan struct{}

	clientsMu sync.RWMutex
	clients   map[chan []byte]struct{}
	stopped   bool
}

func (s *streamSet) acquire(key streamKey) *pump {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if p, ok := s.pumps[key]; ok {
		p.refs++
		return p
	}
	ctx, cancel := context.WithCancel(context.Background())
	p := &pump{
		key:     key,
		refs:    1,
		cancel:  cancel,
		done:    make(chan struct{}),
		clients: make(map[chan []byte]struct{}),
	}
	s.pumps[key] = p
	go s.run(ctx, p)
	return p
}

func (s *streamSet) release(p *pump) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p.refs--
	if p.refs > 0 || s.closed {
		return
	}
	delete(s.pumps, p.key)
	p.cancel()
}

// close stops every pump and waits for them to exit. Connected clients
// see their frame channels close and unwind.
func (s *streamSet) close() {
	s.mu.Lock()
	pumps := make([]*pump, 0, len(s.pumps))
	for _, p := range s.pumps {
		pumps = append(pumps, p)
	}
	s.pumps = make(map[streamKey]*pump)
	s.closed = true
	s.mu.Unlock()

	for _, p := range pumps {
		p.cancel()
		<-p.done
	}
}

func (s *streamSet) run(ctx context.Context, p *pump) {
	defer func() {
		p.clientsMu.Lock()
		p.stopped = true
		for ch := range p.clients {
			close(ch)
		}
		p.clients = make(map[chan []byte]struct{})
		p.clientsMu.Unlock()
		close(p.done)
	}()

	ticker := time.NewTicker(time.Second / time.Duration(s.fps))
	defer ticker.Stop()

	for {
		jpegData, err := s.grabJPEG(ctx, p.key)
		switch {
		case err != nil && ctx.Err() != nil:
			return
		case err != nil:
			s.log.Warn().Err(err).Int("display", p.key.display).Msg("stream capture failed")
		default:
			p.broadcast(jpegData)
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// grabJPEG captures the pump's display and transcodes the result for the
// multipart stream.
func (s *streamSet) grabJPEG(ctx context.Context, key streamKey) ([]byte, error) {
	req := capture.NewRequest(capture.ScreenTarget{Index: capture.Index(key.display)})
	req.Scale = key.scale

	res, err := s.service.Capture(ctx, req)
	if err != nil {
		return nil, err
	}
	img, err := png.Decode(bytes.NewReader(res.PNG))
	if err != nil {
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}
	buf := new(bytes.Buffer)
	if err := jpeg.Encode(buf, img, &jpeg.Options{Quality: 90}); err != nil {
		return nil, fmt.Errorf("failed to encode JPEG: %w", err)
	}
	return buf.Bytes(), nil
}

func (p *pump) broadcast(jpegData []byte) {
	p.clientsMu.RLock()
	defer p.clientsMu.RUnlock()
	for ch := range p.clients {
		select {
		case ch <- jpegData:
			// Sent successfully
		default:
			// Client is slow, skip this frame
		}
	}
}

func (p *pump) addClient() chan []byte {
	ch := make(chan []byte, 2) // Buffer 2 frames
	p.clientsMu.Lock()
	if p.stopped {
		close(ch)
	} else {
		p.clients[ch] = struct{}{}
	}
	p.clientsMu.Unlock()
	return ch
}

func (p *pump) removeClient(ch chan []byte) {
	p.clientsMu.Lock()
	delete(p.clients, ch)
	p.clientsMu.Unlock()
}

// serve streams MJPEG frames for one display until the client goes away
// or the server shuts down.
func (s *streamSet) serve(w http.ResponseWriter, r *http.Request, display int, scale capture.ScalePref) {
	p := s.acquire(streamKey{display: display, scale: scale})
	if p == nil {
		writeJSON(w, http.StatusServiceUnavailable, errorEnvelope{Error: "server is shutting down"})
		return
	}
	defer s.release(p)

	frames := p.addClient()
	defer p.removeClient(frames)

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Header().Set("Pragma", "no-cache")
	w.Header().Set("Expires", "0")
	w.Header().Set("Connection", "close")

	s.log.Info().Int("display", display).Str("scale", string(scale)).Msg("stream client connected")
	defer func() {
		s.log.Info().Int("display", display).Msg("stream client disconnected")
	}()

	for {
		select {
		case <-r.Context().Done():
			return
		case jpegData, ok := <-frames:
			if !ok {
				return
			}
			if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(jpegData)); err != nil {
				return
			}
			if _, err := w.Write(jpegData); err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "\r\n"); err != nil {
				return
			}
			if f, ok := w.(http.Flusher); ok {
				f.Flush()
			}
		}
	}
}
