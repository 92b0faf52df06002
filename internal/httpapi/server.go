// Package httpapi implements the read-only introspection surface §6
// describes: health, Prometheus scrape, the built middleware stack per
// connector, active streaming sessions per kind, and a websocket relay of
// live quote updates.
//
// Grounded on interfaces/http.Server: the same net.Listen-then-mux.Router
// construction, requestID/logging/timeout/CORS middleware chain, and
// graceful Start/Shutdown pair, adapted from a single-purpose scan-results
// API to borsa's router/streaming introspection surface. The websocket
// upgrade path has no teacher analogue in interfaces/http, so it's
// grounded instead on providers/kraken/websocket.go's gorilla/websocket
// connection-and-pump idiom.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/sawpanic/borsa/internal/borsatypes"
	"github.com/sawpanic/borsa/internal/connector"
	"github.com/sawpanic/borsa/internal/metrics"
	"github.com/sawpanic/borsa/internal/middleware"
	"github.com/sawpanic/borsa/internal/orchestrator"
	"github.com/sawpanic/borsa/internal/streaming"
)

// ServerConfig mirrors the teacher's local-only-by-default shape.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "127.0.0.1",
		Port:         8080,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// StreamManagers exposes each live kind's streaming.Manager for the
// /streams and /ws/stream endpoints.
type StreamManagers interface {
	ManagerFor(kind borsatypes.AssetKind) (*streaming.Manager, bool)
}

// Server is the read-only introspection HTTP+WS surface.
type Server struct {
	router  *mux.Router
	server  *http.Server
	config  ServerConfig
	log     zerolog.Logger
	bo      *orchestrator.Borsa
	stacks  map[string]middleware.StackConfig
	metrics *metrics.Registry
	streams StreamManagers
	upgrader websocket.Upgrader
}

func NewServer(config ServerConfig, bo *orchestrator.Borsa, stacks map[string]middleware.StackConfig, reg *metrics.Registry, streams StreamManagers, log zerolog.Logger) (*Server, error) {
	addr := fmt.Sprintf("%s:%d", config.Host, config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("port %d is busy or unavailable: %w", config.Port, err)
	}
	listener.Close()

	s := &Server{
		router:  mux.NewRouter(),
		config:  config,
		log:     log,
		bo:      bo,
		stacks:  stacks,
		metrics: reg,
		streams: streams,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(r *http.Request) bool { return true },
		},
	}
	s.setupRoutes()
	s.server = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
		IdleTimeout:  config.IdleTimeout,
	}
	return s, nil
}

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.corsMiddleware)

	s.router.HandleFunc("/healthz", s.handleHealthz).Methods("GET")
	s.router.Handle("/metrics", s.metrics.Handler()).Methods("GET")
	s.router.HandleFunc("/routes", s.handleRoutes).Methods("GET")
	s.router.HandleFunc("/streams/{kind}", s.handleStreams).Methods("GET")
	s.router.HandleFunc("/ws/stream", s.handleWSStream).Methods("GET")

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "not found"})
	})
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := uuid.New().String()[:8]
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, id)))
	})
}

type requestIDKey struct{}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(wrapped, r)
		s.log.Info().
			Str("request_id", fmt.Sprint(r.Context().Value(requestIDKey{}))).
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", wrapped.status).
			Dur("duration", time.Since(start)).
			Msg("http request")
	})
}

func (s *Server) corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if strings.Contains(origin, "localhost") || strings.Contains(origin, "127.0.0.1") {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// handleRoutes reports, per registered connector, its serialized
// middleware stack — the §6 "build validation" surface made inspectable
// at runtime. Priority positions and the routing policy are not included.
func (s *Server) handleRoutes(w http.ResponseWriter, r *http.Request) {
	type routeInfo struct {
		Connector string                      `json:"connector"`
		Stack     []middleware.LayerDescriptor `json:"middleware_stack"`
	}
	out := make([]routeInfo, 0, len(s.bo.Connectors()))
	for _, c := range s.bo.Connectors() {
		stack := s.stacks[c.Name()]
		out = append(out, routeInfo{Connector: c.Name(), Stack: middleware.Describe(stack)})
	}
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(out)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	kind := borsatypes.AssetKind(mux.Vars(r)["kind"])
	mgr, ok := s.streams.ManagerFor(kind)
	w.Header().Set("Content-Type", "application/json")
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		json.NewEncoder(w).Encode(map[string]string{"error": "no active manager for kind " + string(kind)})
		return
	}
	json.NewEncoder(w).Encode(map[string]interface{}{"kind": string(kind), "active": mgr != nil})
}

// handleWSStream upgrades to a websocket and relays the Updates channel of
// the one kind named by the ?kind= query parameter, closing cleanly when
// the client disconnects.
func (s *Server) handleWSStream(w http.ResponseWriter, r *http.Request) {
	kind := borsatypes.AssetKind(r.URL.Query().Get("kind"))
	mgr, ok := s.streams.ManagerFor(kind)
	if !ok {
		http.Error(w, "no active manager for kind "+string(kind), http.StatusNotFound)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}
	defer conn.Close()

	var writeMu sync.Mutex
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case u, ok := <-mgr.Updates:
			if !ok {
				return
			}
			writeMu.Lock()
			err := conn.WriteJSON(connector.StreamUpdate{Symbol: u.Symbol, Timestamp: u.Timestamp, Price: u.Price})
			writeMu.Unlock()
			if err != nil {
				return
			}
		case <-done:
			return
		}
	}
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("starting http server")
	return s.server.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("shutting down http server")
	return s.server.Shutdown(ctx)
}

func (s *Server) Address() string { return s.server.Addr }
