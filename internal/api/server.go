// Package api exposes capture over HTTP: JSON endpoints for enumeration
// and one-shot captures, an MJPEG preview stream, and a websocket event
// feed.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/bryanchriswhite/framegrab/internal/capture"
	"github.com/bryanchriswhite/framegrab/internal/geometry"
	"github.com/bryanchriswhite/framegrab/internal/logger"
	"github.com/bryanchriswhite/framegrab/internal/window"
)

// CaptureBackend is what the server needs from the capture service.
type CaptureBackend interface {
	Capture(ctx context.Context, req capture.Request) (*capture.Result, error)
}

// WindowLister enumerates windows and applications.
type WindowLister interface {
	ListWindows() ([]window.Entry, error)
	ListApplications() ([]capture.AppInfo, error)
}

// DisplayLister enumerates displays.
type DisplayLister interface {
	List() ([]capture.DisplayInfo, error)
}

// Config carries the server's tunables. A pre-built Hub lets the wiring
// layer publish into the event feed before the server starts; left nil,
// the server creates its own.
type Config struct {
	Addr      string
	StreamFPS int
	Hub       *Hub
}

// Server is the HTTP API server.
type Server struct {
	router   *mux.Router
	service  CaptureBackend
	windows  WindowLister
	displays DisplayLister
	hub      *Hub
	streams  *streamSet
	cfg      Config
	srv      *http.Server
	log      *zerolog.Logger
}

// NewServer wires the routes. The hub is exposed so the wiring layer can
// publish capture lifecycle and flash events into /api/events.
func NewServer(service CaptureBackend, windows WindowLister, displays DisplayLister, cfg Config) *Server {
	if cfg.StreamFPS <= 0 {
		cfg.StreamFPS = 10
	}
	if cfg.Hub == nil {
		cfg.Hub = NewHub()
	}
	s := &Server{
		router:   mux.NewRouter(),
		service:  service,
		windows:  windows,
		displays: displays,
		hub:      cfg.Hub,
		cfg:      cfg,
		log:      logger.WithComponent("api"),
	}
	s.streams = newStreamSet(service, cfg.StreamFPS)
	s.setupRoutes()
	return s
}

// Hub returns the server's event hub.
func (s *Server) Hub() *Hub {
	return s.hub
}

// Handler returns the root handler, CORS included. Exposed for tests.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/displays", s.handleDisplays).Methods("GET")
	api.HandleFunc("/windows", s.handleWindows).Methods("GET")
	api.HandleFunc("/apps", s.handleApps).Methods("GET")
	api.HandleFunc("/capture", s.handleCapture).Methods("POST")
	api.HandleFunc("/stream", s.handleStream).Methods("GET")
	api.HandleFunc("/events", s.hub.handleWebsocket)
}

// Start serves until Shutdown. A closed-server error is reported as a
// clean exit.
func (s *Server) Start() error {
	s.srv = &http.Server{Addr: s.cfg.Addr, Handler: s.enableCORS(s.router)}
	s.log.Info().Str("addr", s.cfg.Addr).Msg("api server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and closes streams and websockets.
func (s *Server) Shutdown(ctx context.Context) error {
	s.streams.close()
	s.hub.close()
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}

func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (s *Server) handleDisplays(w http.ResponseWriter, _ *http.Request) {
	displays, err := s.displays.List()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, displays)
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	entries, err := s.windows.ListWindows()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if app := r.URL.Query().Get("app"); app != "" {
		filtered := entries[:0]
		for _, e := range entries {
			if strings.Contains(strings.ToLower(e.App), strings.ToLower(app)) {
				filtered = append(filtered, e)
			}
		}
		entries = filtered
	}
	writeJSON(w, http.StatusOK, entries)
}

func (s *Server) handleApps(w http.ResponseWriter, _ *http.Request) {
	apps, err := s.windows.ListApplications()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, apps)
}

// captureRequest is the POST /api/capture body.
type captureRequest struct {
	Target       string         `json:"target"`
	DisplayIndex *int           `json:"display_index,omitempty"`
	App          string         `json:"app,omitempty"`
	WindowIndex  *int           `json:"window_index,omitempty"`
	WindowID     uint32         `json:"window_id,omitempty"`
	Area         *geometry.Rect `json:"area,omitempty"`
	Scale        string         `json:"scale,omitempty"`
	Feedback     string         `json:"feedback,omitempty"`
}

func (cr *captureRequest) toTarget() (capture.Target, error) {
	switch cr.Target {
	case "screen", "":
		return capture.ScreenTarget{Index: cr.DisplayIndex}, nil
	case "frontmost":
		return capture.FrontmostTarget{}, nil
	case "window":
		if cr.App == "" {
			return nil, errors.New("window target requires app")
		}
		return capture.WindowTarget{App: cr.App, Index: cr.WindowIndex}, nil
	case "window-id":
		if cr.WindowID == 0 {
			return nil, errors.New("window-id target requires window_id")
		}
		return capture.WindowIDTarget{ID: cr.WindowID}, nil
	case "area":
		if cr.Area == nil {
			return nil, errors.New("area target requires area")
		}
		return capture.AreaTarget{Rect: *cr.Area}, nil
	}
	return nil, fmt.Errorf("unknown target %q", cr.Target)
}

// handleCapture runs one capture and answers with the PNG bytes. The
// correlation id rides in a response header either way; failures get a
// JSON envelope with a taxonomy-mapped status.
func (s *Server) handleCapture(w http.ResponseWriter, r *http.Request) {
	var body captureRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "invalid request body: " + err.Error()})
		return
	}

	target, err := body.toTarget()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	scale, err := capture.ParseScalePref(body.Scale)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}

	req := capture.NewRequest(target)
	req.Scale = scale
	if body.Feedback == "shot" {
		req.Feedback = capture.FeedbackShot
	}
	w.Header().Set("X-Correlation-ID", req.CorrelationID.String())

	res, err := s.service.Capture(r.Context(), req)
	if err != nil {
		s.hub.Publish(Event{Kind: "capture.failed", Correlation: req.CorrelationID.String(), Error: err.Error()})
		s.writeError(w, err)
		return
	}

	s.hub.Publish(Event{
		Kind:        "capture.done",
		Correlation: req.CorrelationID.String(),
		Mode:        res.Meta.Mode,
		Engine:      string(res.Meta.Engine),
	})
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Content-Length", strconv.Itoa(len(res.PNG)))
	w.WriteHeader(http.StatusOK)
	w.Write(res.PNG)
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	displayIndex := -1
	if v := r.URL.Query().Get("display"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: "display must be an integer"})
			return
		}
		displayIndex = n
	}
	scale, err := capture.ParseScalePref(r.URL.Query().Get("scale"))
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorEnvelope{Error: err.Error()})
		return
	}
	s.streams.serve(w, r, displayIndex, scale)
}

type errorEnvelope struct {
	Error string `json:"error"`
}

// writeError maps the capture taxonomy onto HTTP statuses.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), errorEnvelope{Error: err.Error()})
}

func statusFor(err error) int {
	var ie *capture.IndexError
	var wnf *capture.WindowNotFoundError
	var te *capture.TimeoutError
	switch {
	case errors.Is(err, capture.ErrPermissionDenied):
		return http.StatusForbidden
	case errors.Is(err, capture.ErrNoDisplays):
		return http.StatusServiceUnavailable
	case errors.As(err, &ie):
		return http.StatusBadRequest
	case errors.As(err, &wnf):
		return http.StatusNotFound
	case errors.As(err, &te):
		return http.StatusGatewayTimeout
	case errors.Is(err, capture.ErrCancelled):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
