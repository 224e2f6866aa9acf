// Package web serves the JSON API, the live viewer WebSocket and /metrics.
package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"dustrak-core/internal/automation"
	"dustrak-core/internal/broker"
	"dustrak-core/internal/fanout"
	"dustrak-core/internal/metrics"
	"dustrak-core/internal/payload"
	"dustrak-core/internal/store"
)

// Controller is the control surface used by the device endpoints.
type Controller interface {
	UpdateThresholds(ctx context.Context, dev *store.Device, u *payload.ThresholdUpdate) (*store.ThresholdSet, error)
	SetRelay(ctx context.Context, dev *store.Device, state string) error
	RelayState(ctx context.Context, dev *store.Device) string
	Forget(deviceID int64)
}

// ViewComposer builds the live view of a device.
type ViewComposer interface {
	Compose(ctx context.Context, dev *store.Device) (*fanout.View, error)
}

// Sources starts and stops data source connections.
type Sources interface {
	Add(ds *store.DataSource) error
	Remove(id int64)
	States() []broker.SourceState
}

// ServerOption configures the web server.
type ServerOption func(*Server)

// WithAPIKey enables API key authentication.
func WithAPIKey(key string) ServerOption {
	return func(s *Server) {
		s.apiKey = key
	}
}

// WithAllowedOrigins sets allowed WebSocket and CORS origin patterns.
func WithAllowedOrigins(origins []string) ServerOption {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithSources lets the data source endpoints start and stop connections.
func WithSources(src Sources) ServerOption {
	return func(s *Server) {
		s.sources = src
	}
}

// WithMetrics serves the metrics registry on /metrics.
func WithMetrics(m *metrics.Metrics) ServerOption {
	return func(s *Server) {
		s.metrics = m
	}
}

// WithAutomation sets the automation engine and script manager.
func WithAutomation(engine *automation.Engine, mgr *automation.Manager) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
		s.scriptMgr = mgr
	}
}

// WithVersion sets the version reported by /api/health.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server. It owns the fan-out hub's run loop.
type Server struct {
	store          store.Store
	ctrl           Controller
	views          ViewComposer
	hub            *fanout.Hub
	sources        Sources
	metrics        *metrics.Metrics
	logger         *slog.Logger
	mux            *http.ServeMux
	apiKey         string
	allowedOrigins []string
	scriptMgr      *automation.Manager
	autoEngine     *automation.Engine
	version        string
	started        time.Time
	wg             sync.WaitGroup
}

// NewServer creates the server and starts the hub.
func NewServer(st store.Store, ctrl Controller, views ViewComposer, hub *fanout.Hub, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		store:   st,
		ctrl:    ctrl,
		views:   views,
		hub:     hub,
		logger:  logger.With("component", "web"),
		mux:     http.NewServeMux(),
		started: time.Now(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.hub.Run()
	}()

	s.routes()
	return s
}

// Stop shuts down the hub, closing every viewer, and waits for it.
func (s *Server) Stop() {
	s.hub.Stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/health", s.handleAPIHealth)

	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)
	s.mux.HandleFunc("POST /api/devices", s.handleAPICreateDevice)
	s.mux.HandleFunc("GET /api/devices/{id}", s.handleAPIGetDevice)
	s.mux.HandleFunc("DELETE /api/devices/{id}", s.handleAPIDeleteDevice)
	s.mux.HandleFunc("GET /api/devices/{id}/view", s.handleAPIDeviceView)
	s.mux.HandleFunc("GET /api/devices/{id}/alerts", s.handleAPIDeviceAlerts)
	s.mux.HandleFunc("POST /api/devices/{id}/thresholds", s.handleAPIUpdateThresholds)
	s.mux.HandleFunc("POST /api/devices/{id}/relay", s.handleAPISetRelay)

	s.mux.HandleFunc("GET /api/data-sources", s.handleAPIListDataSources)
	s.mux.HandleFunc("POST /api/data-sources", s.handleAPICreateDataSource)
	s.mux.HandleFunc("PATCH /api/data-sources/{id}", s.handleAPIUpdateDataSource)
	s.mux.HandleFunc("DELETE /api/data-sources/{id}", s.handleAPIDeleteDataSource)

	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("POST /api/scripts", s.handleAPICreateScript)
	s.mux.HandleFunc("POST /api/scripts/run", s.handleAPIRunCode)
	s.mux.HandleFunc("GET /api/scripts/{id}", s.handleAPIGetScript)
	s.mux.HandleFunc("PUT /api/scripts/{id}", s.handleAPIUpdateScript)
	s.mux.HandleFunc("DELETE /api/scripts/{id}", s.handleAPIDeleteScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/toggle", s.handleAPIToggleScript)
	s.mux.HandleFunc("POST /api/scripts/{id}/run", s.handleAPIRunScript)

	if s.metrics != nil {
		s.mux.Handle("GET /metrics", s.metrics.Handler())
	}

	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, PUT, DELETE, OPTIONS")
					w.Header().Set("Access-Control-Allow-Headers", "Content-Type, X-API-Key")
					w.Header().Set("Access-Control-Max-Age", "3600")
					w.WriteHeader(http.StatusNoContent)
					return
				}
				http.Error(w, "Forbidden", http.StatusForbidden)
				return
			}

			if r.Method != http.MethodGet {
				if !s.isOriginAllowed(origin) {
					http.Error(w, "Forbidden", http.StatusForbidden)
					return
				}
				w.Header().Set("Access-Control-Allow-Origin", origin)
			}
		}
	}

	// Browsers cannot send custom headers on a WS upgrade, so only /api/ is key protected.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") && r.URL.Path != "/api/health" {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			s.writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

type healthResponse struct {
	Status  string               `json:"status"`
	Version string               `json:"version,omitempty"`
	Uptime  string               `json:"uptime"`
	Viewers int                  `json:"viewers"`
	Scripts int                  `json:"scripts"`
	Sources []broker.SourceState `json:"sources"`
}

func (s *Server) handleAPIHealth(w http.ResponseWriter, r *http.Request) {
	resp := healthResponse{
		Status:  "ok",
		Version: s.version,
		Uptime:  time.Since(s.started).Truncate(time.Second).String(),
		Viewers: s.hub.Clients(),
		Sources: []broker.SourceState{},
	}
	if s.autoEngine != nil {
		resp.Scripts = s.autoEngine.Running()
	}
	if s.sources != nil {
		resp.Sources = s.sources.States()
		for _, st := range resp.Sources {
			if !st.Connected {
				resp.Status = "degraded"
			}
		}
	}
	s.writeJSON(w, http.StatusOK, resp)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

// decodeBody reads a JSON request body of at most 1 MB into v.
func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	return json.NewDecoder(r.Body).Decode(v)
}
