package api

import (
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/wildlifecam/camserver/internal/camera"
	"github.com/wildlifecam/camserver/internal/database"
	"github.com/wildlifecam/camserver/internal/fleet"
	"github.com/wildlifecam/camserver/internal/logging"
)

//go:embed web/index.html
var webFS embed.FS

// CameraController is the slice of the camera manager the API needs.
type CameraController interface {
	StreamFrames(ctx context.Context) <-chan []byte
	CaptureStill(ctx context.Context) (string, error)
	StartClip(durationSeconds int) bool
	SetMotion(enabled bool)
	Status() camera.Status
	MediaDir() string
}

// FleetController is the slice of the fleet runner the API needs.
type FleetController interface {
	Cameras() []fleet.Camera
	RestartAll(ctx context.Context) []fleet.Result
	RestartCamera(ctx context.Context, name string) (fleet.Result, error)
	UpdateAll(ctx context.Context) ([]fleet.Result, error)
	LastRuns(ctx context.Context, action string) ([]database.FleetRun, error)
}

// Config holds API server settings.
type Config struct {
	Host string
	Port int
	// DefaultClipSeconds is used when a clip request carries no duration.
	DefaultClipSeconds int
}

// Server is the HTTP front end: dashboard page, MJPEG stream, control API,
// media files, log streaming and the WebSocket event push.
type Server struct {
	cfg     Config
	manager CameraController
	fleet   FleetController
	db      *database.DB
	hub     *Hub
	logger  *slog.Logger

	httpServer *http.Server
	started    time.Time
}

// NewServer creates the API server. The fleet controller and database are
// optional; nil disables the corresponding endpoints' functionality.
func NewServer(cfg Config, manager CameraController, fleetCtl FleetController, db *database.DB, hub *Hub) *Server {
	if cfg.DefaultClipSeconds <= 0 {
		cfg.DefaultClipSeconds = 30
	}

	s := &Server{
		cfg:     cfg,
		manager: manager,
		fleet:   fleetCtl,
		db:      db,
		hub:     hub,
		logger:  slog.Default().With("component", "api"),
	}

	s.httpServer = &http.Server{
		Addr:        fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:     s.router(),
		ReadTimeout: 15 * time.Second,
		// WriteTimeout stays unset: the MJPEG and SSE endpoints hold
		// their response open indefinitely.
		IdleTimeout: 60 * time.Second,
	}

	return s
}

// Start begins serving. It returns when the listener fails or the server is
// shut down.
func (s *Server) Start() error {
	s.started = time.Now()
	s.logger.Info("Server starting", "address", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the listener.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) router() *chi.Mux {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"http://localhost:*", "http://127.0.0.1:*"},
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	r.Get("/", s.handleIndex)
	r.Get("/stream.mjpg", s.handleStream)
	r.Get("/health", s.handleHealth)

	r.Route("/api", func(r chi.Router) {
		r.Get("/status", s.handleStatus)
		r.Post("/capture_still", s.handleCaptureStill)
		r.Post("/record_clip", s.handleRecordClip)
		r.Post("/motion", s.handleMotion)
		r.Get("/media", s.handleListMedia)
		r.Get("/logs", s.handleLogs)
		r.Get("/logs/stream", s.handleLogStream)
		r.Get("/ws", s.hub.HandleWebSocket)

		r.Route("/fleet", func(r chi.Router) {
			r.Get("/cameras", s.handleFleetCameras)
			r.Post("/restart", s.handleFleetRestart)
			r.Post("/restart/{name}", s.handleFleetRestartOne)
			r.Post("/update", s.handleFleetUpdate)
			r.Get("/runs", s.handleFleetRuns)
		})
	})

	// Raw media files (stills and clips)
	fileServer := http.FileServer(http.Dir(s.manager.MediaDir()))
	r.Handle("/media/*", http.StripPrefix("/media/", fileServer))

	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	page, err := webFS.ReadFile("web/index.html")
	if err != nil {
		InternalError(w, "dashboard page unavailable")
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	_, _ = w.Write(page)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if !s.manager.Status().Ready {
		status = "degraded"
	}
	if s.db != nil {
		if err := s.db.Health(r.Context()); err != nil {
			status = "degraded"
		}
	}
	w.Header().Set("Content-Type", "application/json")
	fmt.Fprintf(w, `{"status":%q}`, status)
}

// handleStream serves the live preview as multipart MJPEG. Each consumer
// gets its own paced frame sequence; the handler returns when the client
// disconnects.
func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "multipart/x-mixed-replace; boundary=frame")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "close")

	for frame := range s.manager.StreamFrames(r.Context()) {
		if _, err := fmt.Fprintf(w, "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: %d\r\n\r\n", len(frame)); err != nil {
			return
		}
		if _, err := w.Write(frame); err != nil {
			return
		}
		if _, err := io.WriteString(w, "\r\n"); err != nil {
			return
		}
		flusher.Flush()
	}
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	st := s.manager.Status()
	OK(w, map[string]interface{}{
		"ready":          st.Ready,
		"recording":      st.Recording,
		"motion_enabled": st.MotionEnabled,
		"media_dir":      st.MediaDir,
		"ws_clients":     s.hub.ClientCount(),
		"uptime_seconds": int(time.Since(s.started).Seconds()),
	})
}

func (s *Server) handleCaptureStill(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	path, err := s.manager.CaptureStill(ctx)
	if err != nil {
		s.logger.Error("Still capture failed", "error", err)
		InternalError(w, "still capture failed")
		return
	}

	OK(w, map[string]string{"path": path})
}

func (s *Server) handleRecordClip(w http.ResponseWriter, r *http.Request) {
	seconds := s.cfg.DefaultClipSeconds

	if r.Body != nil {
		var req struct {
			Seconds int `json:"seconds"`
		}
		// An empty body keeps the default duration.
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil && err != io.EOF {
			BadRequest(w, "invalid request body")
			return
		}
		if req.Seconds > 0 {
			seconds = req.Seconds
		}
	}

	// Busy is a normal outcome: the single recording slot is taken.
	accepted := s.manager.StartClip(seconds)
	OK(w, map[string]interface{}{
		"accepted": accepted,
		"seconds":  seconds,
	})
}

func (s *Server) handleMotion(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Enabled == nil {
		BadRequest(w, "body must be {\"enabled\": true|false}")
		return
	}

	s.manager.SetMotion(*req.Enabled)
	OK(w, map[string]bool{"motion_enabled": *req.Enabled})
}

func (s *Server) handleListMedia(w http.ResponseWriter, r *http.Request) {
	if s.db == nil {
		ServiceUnavailable(w, "media catalog unavailable")
		return
	}

	kind := r.URL.Query().Get("kind")
	if kind != "" && kind != "still" && kind != "clip" {
		BadRequest(w, "kind must be 'still' or 'clip'")
		return
	}

	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			BadRequest(w, "limit must be a positive integer")
			return
		}
		limit = n
	}

	records, err := s.db.ListMedia(r.Context(), kind, limit)
	if err != nil {
		s.logger.Error("Failed to list media", "error", err)
		InternalError(w, "failed to list media")
		return
	}
	if records == nil {
		records = []database.MediaRecord{}
	}

	OK(w, records)
}

func (s *Server) handleLogs(w http.ResponseWriter, r *http.Request) {
	n := 100
	if v := r.URL.Query().Get("n"); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			BadRequest(w, "n must be a positive integer")
			return
		}
		n = parsed
	}

	OK(w, logging.GetLogBuffer().GetRecent(n))
}

// handleLogStream serves live log entries over SSE.
func (s *Server) handleLogStream(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "streaming not supported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	buffer := logging.GetLogBuffer()
	ch := buffer.Subscribe()
	defer buffer.Unsubscribe(ch)

	// Replay a short tail so a fresh client has context.
	for _, entry := range buffer.GetRecent(50) {
		fmt.Fprintf(w, "data: %s\n\n", logging.LogEntryToJSON(entry))
	}
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry, ok := <-ch:
			if !ok {
				return
			}
			fmt.Fprintf(w, "data: %s\n\n", logging.LogEntryToJSON(entry))
			flusher.Flush()
		}
	}
}

func (s *Server) handleFleetCameras(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		ServiceUnavailable(w, "fleet management not configured")
		return
	}
	OK(w, s.fleet.Cameras())
}

func (s *Server) handleFleetRestart(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		ServiceUnavailable(w, "fleet management not configured")
		return
	}
	OK(w, s.fleet.RestartAll(r.Context()))
}

func (s *Server) handleFleetRestartOne(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		ServiceUnavailable(w, "fleet management not configured")
		return
	}

	name := chi.URLParam(r, "name")
	result, err := s.fleet.RestartCamera(r.Context(), name)
	if err != nil {
		NotFound(w, err.Error())
		return
	}
	OK(w, result)
}

func (s *Server) handleFleetUpdate(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		ServiceUnavailable(w, "fleet management not configured")
		return
	}

	results, err := s.fleet.UpdateAll(r.Context())
	if err != nil {
		BadRequest(w, err.Error())
		return
	}
	OK(w, results)
}

func (s *Server) handleFleetRuns(w http.ResponseWriter, r *http.Request) {
	if s.fleet == nil {
		ServiceUnavailable(w, "fleet management not configured")
		return
	}

	action := r.URL.Query().Get("action")
	if action == "" {
		action = fleet.ActionRestart
	}
	if action != fleet.ActionRestart && action != fleet.ActionUpdate {
		BadRequest(w, "action must be 'restart' or 'update'")
		return
	}

	runs, err := s.fleet.LastRuns(r.Context(), action)
	if err != nil {
		s.logger.Error("Failed to load fleet runs", "error", err)
		InternalError(w, "failed to load fleet runs")
		return
	}
	if runs == nil {
		runs = []database.FleetRun{}
	}

	OK(w, runs)
}
