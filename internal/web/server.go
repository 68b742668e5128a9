// Package web serves the JSON API, the websocket feed of light changes and
// the Prometheus metrics endpoint.
package web

import (
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"zwave-go-home/internal/automation"
	"zwave-go-home/internal/coordinator"
)

var metricRequests = promauto.NewCounterVec(prometheus.CounterOpts{
	Namespace: "zwave_home",
	Name:      "http_requests_total",
	Help:      "HTTP requests by status code and method.",
}, []string{"code", "method"})

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

// WithAutomation sets the automation engine.
func WithAutomation(engine *automation.Engine) ServerOption {
	return func(s *Server) {
		s.autoEngine = engine
	}
}

// WithVersion sets the application version string.
func WithVersion(v string) ServerOption {
	return func(s *Server) {
		s.version = v
	}
}

// Server is the HTTP server.
type Server struct {
	coord          *coordinator.Coordinator
	feed           *feed
	logger         *slog.Logger
	mux            *http.ServeMux
	handler        http.Handler
	apiKey         string
	allowedOrigins []string
	autoEngine     *automation.Engine
	version        string
	wg             sync.WaitGroup
	unsubEvents    []func()
}

// NewServer creates a new web server.
func NewServer(coord *coordinator.Coordinator, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		coord:  coord,
		logger: logger.With("component", "web"),
		mux:    http.NewServeMux(),
	}
	for _, opt := range opts {
		opt(s)
	}

	s.feed = newFeed(s.logger)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.feed.run()
	}()

	// Raw value reports stay on the bus.
	events := coord.Events()
	for _, t := range []string{coordinator.EventLightAdded, coordinator.EventLightState} {
		s.unsubEvents = append(s.unsubEvents, events.On(t, s.feed.publish))
	}

	s.routes()
	s.handler = promhttp.InstrumentHandlerCounter(metricRequests, http.HandlerFunc(s.serve))
	return s
}

// Stop disconnects websocket clients and waits for the feed to exit.
func (s *Server) Stop() {
	for _, unsub := range s.unsubEvents {
		unsub()
	}
	s.feed.stop()
	s.wg.Wait()
}

func (s *Server) routes() {
	s.mux.HandleFunc("GET /api/version", s.handleAPIVersion)

	// Lights
	s.mux.HandleFunc("GET /api/lights", s.handleAPIListLights)
	s.mux.HandleFunc("GET /api/lights/{id}", s.handleAPIGetLight)
	s.mux.HandleFunc("GET /api/lights/{id}/values", s.handleAPILightValues)
	s.mux.HandleFunc("POST /api/lights/{id}/on", s.handleAPITurnOn)
	s.mux.HandleFunc("POST /api/lights/{id}/off", s.handleAPITurnOff)

	// Node inventory
	s.mux.HandleFunc("GET /api/nodes", s.handleAPIListNodes)
	s.mux.HandleFunc("GET /api/nodes/{id}", s.handleAPIGetNode)
	s.mux.HandleFunc("PATCH /api/nodes/{id}", s.handleAPIRenameNode)
	s.mux.HandleFunc("GET /api/devices", s.handleAPIListDevices)

	// Automations
	s.mux.HandleFunc("GET /api/scripts", s.handleAPIListScripts)
	s.mux.HandleFunc("POST /api/scripts/{id}/reload", s.handleAPIReloadScript)
	s.mux.HandleFunc("POST /api/scripts/run", s.handleAPIRunScript)

	s.mux.Handle("GET /metrics", promhttp.Handler())
	s.mux.HandleFunc("GET /ws", s.handleWS)
}

// ServeHTTP implements http.Handler, applying auth and CORS middleware.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.handler.ServeHTTP(w, r)
}

func (s *Server) serve(w http.ResponseWriter, r *http.Request) {
	// CORS: check Origin on mutating requests to prevent CSRF.
	if len(s.allowedOrigins) > 0 {
		origin := r.Header.Get("Origin")
		if origin != "" {
			if r.Method == http.MethodOptions {
				if s.isOriginAllowed(origin) {
					w.Header().Set("Access-Control-Allow-Origin", origin)
					w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, OPTIONS")
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

	// Only /api/ needs the key: browsers cannot send custom headers on a
	// websocket upgrade, and scrapers hit /metrics.
	if s.apiKey != "" && strings.HasPrefix(r.URL.Path, "/api/") {
		key := r.Header.Get("X-API-Key")
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
	}
	s.mux.ServeHTTP(w, r)
}

// isOriginAllowed checks if the origin matches any allowed origin pattern.
func (s *Server) isOriginAllowed(origin string) bool {
	for _, allowed := range s.allowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

func (s *Server) handleAPIVersion(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"version": s.version})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.Error("writeJSON encode failed", "err", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
