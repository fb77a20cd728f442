// Package httpapi serves the local JSON API: synchronous sends, gateway
// status, metrics and a WebSocket stream of delivery events. Every route
// except /api/healthz requires the bearer token whose argon2id hash lives
// in the config (`sigcourier token hash` prints one).
package httpapi

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/roelfdiedericks/sigcourier/internal/bus"
	"github.com/roelfdiedericks/sigcourier/internal/config"
	"github.com/roelfdiedericks/sigcourier/internal/courier"
	. "github.com/roelfdiedericks/sigcourier/internal/logging"
)

// Deliverer is the delivery surface the API exposes.
type Deliverer interface {
	SendVerificationMessage(ctx context.Context, phone, message string) courier.Receipt
}

// Server represents the local API server
type Server struct {
	server      *http.Server
	hub         *Hub
	rateLimiter *RateLimiter
	deliverer   Deliverer
	version     string
	started     time.Time

	mu   sync.RWMutex
	cfg  *config.Config
	subs []bus.SubscriptionID

	wg sync.WaitGroup
}

// NewServer creates a new API server instance
func NewServer(deliverer Deliverer, cfg *config.Config, version string) (*Server, error) {
	if cfg.HTTP.TokenHash == "" {
		return nil, fmt.Errorf("HTTP API requires http.token_hash (use 'sigcourier token hash')")
	}

	listen := cfg.HTTP.Listen
	if listen == "" {
		listen = "127.0.0.1:8787"
	}

	s := &Server{
		hub:         NewHub(),
		rateLimiter: NewRateLimiter(10 * time.Second),
		deliverer:   deliverer,
		version:     version,
		started:     time.Now(),
		cfg:         cfg,
	}

	s.server = &http.Server{
		Addr:         listen,
		Handler:      s.setupRoutes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	return s, nil
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() http.Handler {
	mux := http.NewServeMux()

	// Apply middleware chain: logging -> strip headers -> token auth
	wrap := func(h http.HandlerFunc) http.HandlerFunc {
		return s.logRequest(s.stripHeaders(s.requireToken(h)))
	}

	mux.HandleFunc("/api/send", wrap(s.handleSend))
	mux.HandleFunc("/api/status", wrap(s.handleStatus))
	mux.HandleFunc("/api/metrics", wrap(s.handleMetrics))
	mux.HandleFunc("/api/events", wrap(s.handleEvents))

	// Liveness stays unauthenticated so init systems can poll it.
	mux.HandleFunc("/api/healthz", s.logRequest(s.stripHeaders(s.handleHealthz)))

	return mux
}

// streamedTopics are re-broadcast to event stream clients.
var streamedTopics = []string{
	"delivery.attempt",
	"delivery.sent",
	"delivery.failed",
	"transport.up",
	"transport.down",
}

// subscribeBusEvents wires the event stream and config reload handling.
func (s *Server) subscribeBusEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, topic := range streamedTopics {
		s.subs = append(s.subs, bus.SubscribeEvent(topic, s.forwardEvent))
	}
	s.subs = append(s.subs, bus.SubscribeEvent("config.http.applied", s.onConfigApplied))
}

func (s *Server) unsubscribeBusEvents() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.subs {
		bus.UnsubscribeEvent(id)
	}
	s.subs = nil
}

// forwardEvent pushes a bus event to every connected stream client.
func (s *Server) forwardEvent(ev bus.Event) {
	payload, err := json.Marshal(streamFrame{
		Topic:     ev.Topic,
		Data:      ev.Data,
		Timestamp: ev.Timestamp,
	})
	if err != nil {
		L_warn("httpapi: event marshal failed", "topic", ev.Topic, "error", err)
		return
	}
	s.hub.Broadcast(payload)
}

// onConfigApplied swaps the active config. The token hash takes effect on
// the next request; a listen change needs a rebind, which means a restart.
func (s *Server) onConfigApplied(ev bus.Event) {
	cfg, ok := ev.Data.(*config.Config)
	if !ok {
		return
	}

	s.mu.Lock()
	old := s.cfg
	s.cfg = cfg
	s.mu.Unlock()

	if old != nil && old.HTTP.Listen != cfg.HTTP.Listen {
		L_warn("httpapi: listen address changed, restart required",
			"current", old.HTTP.Listen, "new", cfg.HTTP.Listen)
	}
}

func (s *Server) tokenHash() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg.HTTP.TokenHash
}

// Start starts the API server
func (s *Server) Start() error {
	go s.hub.Run()
	s.subscribeBusEvents()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		L_info("httpapi: server starting", "addr", s.server.Addr)

		err := s.server.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			L_error("httpapi: server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the API server
func (s *Server) Stop() error {
	s.unsubscribeBusEvents()
	s.hub.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		L_error("httpapi: shutdown error", "error", err)
		return err
	}

	s.wg.Wait()
	L_info("httpapi: server stopped")
	return nil
}

// logRequest wraps an HTTP handler to log requests
func (s *Server) logRequest(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		lw := &loggingResponseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		handler(lw, r)

		L_trace("httpapi: request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", lw.statusCode,
			"duration", time.Since(start))
	}
}

// loggingResponseWriter wraps ResponseWriter to capture status code
type loggingResponseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (lw *loggingResponseWriter) WriteHeader(code int) {
	lw.statusCode = code
	lw.ResponseWriter.WriteHeader(code)
}

// Hijack implements http.Hijacker; the WebSocket upgrade on /api/events
// needs it through the middleware wrapper.
func (lw *loggingResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	hj, ok := lw.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("response writer does not support hijacking")
	}
	return hj.Hijack()
}

// stripHeaders removes fingerprinting headers
func (s *Server) stripHeaders(handler http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Del("Server")
		w.Header().Del("X-Powered-By")

		handler(w, r)
	}
}
