package rpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"slices"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"github.com/ftupas/kakarot-rpc/internal/logging"
)

const defaultMaxBody = 5 << 20

type ServerOptions struct {
	CORSOrigins  []string
	WSEnabled    bool
	MaxBodyBytes int64
	ProbeTimeout time.Duration
	// Health reports whether the backend answers; nil means always healthy.
	Health   func(ctx context.Context) error
	Registry *prometheus.Registry
}

// Server routes HTTP and WebSocket traffic to a Dispatcher.
type Server struct {
	d        *Dispatcher
	hub      *Hub
	opts     ServerOptions
	upgrader websocket.Upgrader
	handler  http.Handler
}

func NewServer(d *Dispatcher, hub *Hub, opts ServerOptions) *Server {
	if opts.MaxBodyBytes <= 0 {
		opts.MaxBodyBytes = defaultMaxBody
	}
	if opts.ProbeTimeout <= 0 {
		opts.ProbeTimeout = 2 * time.Second
	}
	if len(opts.CORSOrigins) == 0 {
		opts.CORSOrigins = []string{"*"}
	}
	s := &Server{d: d, hub: hub, opts: opts}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     s.checkOrigin,
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Post("/", s.serveHTTP)
	r.Get("/", s.serveWS)
	r.Get("/health", s.serveHealth)
	if opts.Registry != nil {
		r.Handle("/metrics", promhttp.HandlerFor(opts.Registry, promhttp.HandlerOpts{}))
	}
	s.handler = cors.New(cors.Options{
		AllowedOrigins: opts.CORSOrigins,
		AllowedMethods: []string{http.MethodPost, http.MethodGet, http.MethodOptions},
		AllowedHeaders: []string{"*"},
	}).Handler(r)
	return s
}

func (s *Server) Handler() http.Handler { return s.handler }

func (s *Server) checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" || slices.Contains(s.opts.CORSOrigins, "*") {
		return true
	}
	return slices.Contains(s.opts.CORSOrigins, origin)
}

func (s *Server) serveHTTP(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, s.opts.MaxBodyBytes))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse(nil, &Error{Code: CodeInvalidRequest, Message: "request body too large"}))
			return
		}
		writeJSON(w, http.StatusBadRequest, errorResponse(nil, &Error{Code: CodeParse, Message: "failed to read request body"}))
		return
	}
	resp, err := s.d.Handle(r.Context(), body)
	if err != nil {
		logging.Logger().Error("response_encode_failed", "component", "rpc", "err", err)
		writeJSON(w, http.StatusInternalServerError, errorResponse(nil, &Error{Code: CodeInternal, Message: "internal error"}))
		return
	}
	if resp == nil {
		w.WriteHeader(http.StatusOK)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write(resp)
}

func (s *Server) serveWS(w http.ResponseWriter, r *http.Request) {
	if !s.opts.WSEnabled || !websocket.IsWebSocketUpgrade(r) {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already replied to the client.
		logging.Logger().Debug("ws_upgrade_failed", "component", "rpc", "err", err)
		return
	}
	newWSConn(ws, s.d, s.hub).serve(r.Context())
}

type health struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}

func (s *Server) serveHealth(w http.ResponseWriter, r *http.Request) {
	if s.opts.Health == nil {
		writeJSON(w, http.StatusOK, health{Status: "ok"})
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), s.opts.ProbeTimeout)
	defer cancel()
	if err := s.opts.Health(ctx); err != nil {
		logging.Logger().Warn("health_check_failed", "component", "rpc", "err", err)
		writeJSON(w, http.StatusServiceUnavailable, health{Status: "unavailable", Error: "backend unreachable"})
		return
	}
	writeJSON(w, http.StatusOK, health{Status: "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	b, err := jsonc.Marshal(v)
	if err != nil {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(b)
}
