// Package server exposes the review agents over HTTP: a WebSocket message
// channel and a direct-call endpoint per identity, plus health and metrics.
package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/easeaico/code-review-agent/internal/protocol"
	"github.com/easeaico/code-review-agent/internal/service"
)

const (
	maxMessageSize  = 1 << 20
	defaultPongWait = 60 * time.Second
	writeWait       = 10 * time.Second
)

// Server routes HTTP requests to the dispatcher.
type Server struct {
	dispatcher *protocol.Dispatcher
	gatherer   prometheus.Gatherer
	logger     *zap.Logger
	upgrader   websocket.Upgrader

	// pongWait is how long a session may stay silent while it is waiting
	// for the peer. Time spent handling a message does not count.
	pongWait time.Duration
}

// New creates a server. gatherer backs /metrics; nil disables the route.
func New(d *protocol.Dispatcher, gatherer prometheus.Gatherer, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		dispatcher: d,
		gatherer:   gatherer,
		logger:     logger,
		pongWait:   defaultPongWait,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  4096,
			WriteBufferSize: 4096,
			// Identity is the only access key; origin is not checked.
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Handler returns the routed handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	if s.gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods(http.MethodGet)
	}

	v1 := r.PathPrefix("/v1/agents/{identity}").Subrouter()
	v1.HandleFunc("/ws", s.handleWebSocket).Methods(http.MethodGet)
	v1.HandleFunc("/{op}", s.handleCall).Methods(http.MethodPost)

	r.Use(s.loggingMiddleware)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.respondJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// handleCall runs one operation and answers with its reply message.
func (s *Server) handleCall(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	identity, op := vars["identity"], vars["op"]

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxMessageSize))
	if err != nil {
		s.respondError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}

	reply, err := s.dispatcher.Call(r.Context(), identity, op, body)
	if err != nil {
		switch {
		case errors.Is(err, protocol.ErrUnknownMessage),
			errors.Is(err, protocol.ErrMalformedMessage),
			errors.Is(err, service.ErrEmptyIdentity):
			s.respondError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, service.ErrClosed):
			s.respondError(w, http.StatusServiceUnavailable, err.Error())
		default:
			s.logger.Error("Call failed",
				zap.String("identity", identity),
				zap.String("op", op),
				zap.Error(err))
			s.respondError(w, http.StatusInternalServerError, err.Error())
		}
		return
	}

	s.respondJSON(w, http.StatusOK, reply)
}

// handleWebSocket upgrades the request and runs a protocol session until
// the peer goes away.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	identity := mux.Vars(r)["identity"]

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the HTTP error.
		s.logger.Warn("WebSocket upgrade failed", zap.String("identity", identity), zap.Error(err))
		return
	}
	defer conn.Close()

	conn.SetReadLimit(maxMessageSize)
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(s.pongWait))
	})

	done := make(chan struct{})
	defer close(done)
	go keepAlive(conn, s.pongWait*9/10, done)

	session := &deadlineConn{Conn: conn, wait: s.pongWait}
	if err := s.dispatcher.Serve(r.Context(), identity, session); err != nil {
		s.logger.Debug("Session ended", zap.String("identity", identity), zap.Error(err))
	}
}

// deadlineConn restarts the read deadline each time the session starts
// waiting for the next message, so a long-running operation between reads
// cannot expire it.
type deadlineConn struct {
	*websocket.Conn
	wait time.Duration
}

func (c *deadlineConn) ReadMessage() (int, []byte, error) {
	if err := c.Conn.SetReadDeadline(time.Now().Add(c.wait)); err != nil {
		return 0, nil, err
	}
	return c.Conn.ReadMessage()
}

// keepAlive pings conn every period until done is closed or a ping fails.
func keepAlive(conn *websocket.Conn, period time.Duration, done <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				return
			}
		}
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Duration("elapsed", time.Since(start)))
	})
}

func (s *Server) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Failed to encode response", zap.Error(err))
	}
}

func (s *Server) respondError(w http.ResponseWriter, status int, message string) {
	s.respondJSON(w, status, map[string]string{"error": message})
}
