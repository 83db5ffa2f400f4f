package admin

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"sendimg/internal/bus"
	"sendimg/internal/metrics"
	"sendimg/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

const maxListLimit = 500

// DeliveryLog is the read side of the delivery store.
type DeliveryLog interface {
	ListDeliveries(ctx context.Context, limit int) ([]store.Delivery, error)
	GetDelivery(ctx context.Context, id string) (*store.Delivery, error)
	RecentExchanges(ctx context.Context, limit int) ([]store.Exchange, error)
	Stats(ctx context.Context) (store.Stats, error)
}

// EventLog is the in-memory history of recent bot events.
type EventLog interface {
	Since(t time.Time, types ...string) []bus.Event
}

// Config configures the admin server. Log, Events and Webhook are optional.
type Config struct {
	Host   string
	Port   int
	APIKey string // empty disables auth on the read endpoints
	Log    DeliveryLog
	Events EventLog
	// Webhook serves inbound webhook messages at WebhookPath.
	Webhook     http.Handler
	WebhookPath string
	Logger      *slog.Logger

	// AllowedOrigins enables CORS for browser dashboards.
	AllowedOrigins []string
}

// Server exposes health, metrics and the delivery log over HTTP.
type Server struct {
	addr    string
	apiKey  string
	log     DeliveryLog
	events  EventLog
	router  chi.Router
	server  *http.Server
	logger  *slog.Logger
	started time.Time
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Server{
		addr:    net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		apiKey:  cfg.APIKey,
		log:     cfg.Log,
		events:  cfg.Events,
		logger:  cfg.Logger,
		started: time.Now(),
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	if len(cfg.AllowedOrigins) > 0 {
		r.Use(cors.Handler(cors.Options{
			AllowedOrigins: cfg.AllowedOrigins,
			AllowedMethods: []string{"GET", "OPTIONS"},
			AllowedHeaders: []string{"Accept", "Authorization", "X-API-Key"},
			MaxAge:         300,
		}))
	}

	r.Get("/healthz", s.handleHealth)
	if cfg.Webhook != nil {
		path := cfg.WebhookPath
		if path == "" {
			path = "/webhook/inbound"
		}
		r.Method(http.MethodPost, path, cfg.Webhook)
	}

	r.Group(func(r chi.Router) {
		r.Use(s.requireKey)
		r.Use(middleware.Timeout(30 * time.Second))
		r.Get("/metrics", metrics.Collector.Handler())
		r.Get("/stats", s.handleStats)
		r.Get("/deliveries", s.handleListDeliveries)
		r.Get("/deliveries/{id}", s.handleGetDelivery)
		r.Get("/exchanges", s.handleExchanges)
		r.Get("/events", s.handleEvents)
	})

	s.router = r
	return s
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler { return s.router }

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()
	s.logger.Info("admin server listening", "addr", s.addr)

	select {
	case <-ctx.Done():
		s.logger.Info("admin server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("admin server: %w", err)
	}
}

func (s *Server) requireKey(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if s.apiKey == "" {
			next.ServeHTTP(w, r)
			return
		}
		key := r.Header.Get("X-API-Key")
		if key == "" {
			key = strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
		}
		if subtle.ConstantTimeCompare([]byte(key), []byte(s.apiKey)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status": "ok",
		"uptime": time.Since(s.started).Round(time.Second).String(),
		"store":  s.log != nil,
	})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	if !s.haveLog(w) {
		return
	}
	st, err := s.log.Stats(r.Context())
	if err != nil {
		s.internalError(w, "stats", err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (s *Server) handleListDeliveries(w http.ResponseWriter, r *http.Request) {
	if !s.haveLog(w) {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := s.log.ListDeliveries(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list deliveries", err)
		return
	}
	if list == nil {
		list = []store.Delivery{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"deliveries": list})
}

func (s *Server) handleGetDelivery(w http.ResponseWriter, r *http.Request) {
	if !s.haveLog(w) {
		return
	}
	id := chi.URLParam(r, "id")
	d, err := s.log.GetDelivery(r.Context(), id)
	if err != nil {
		s.internalError(w, "get delivery", err)
		return
	}
	if d == nil {
		writeError(w, http.StatusNotFound, "delivery not found")
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func (s *Server) handleExchanges(w http.ResponseWriter, r *http.Request) {
	if !s.haveLog(w) {
		return
	}
	limit, ok := parseLimit(w, r)
	if !ok {
		return
	}
	list, err := s.log.RecentExchanges(r.Context(), limit)
	if err != nil {
		s.internalError(w, "list exchanges", err)
		return
	}
	if list == nil {
		list = []store.Exchange{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"exchanges": list})
}

type eventView struct {
	Type    string    `json:"type"`
	Channel string    `json:"channel,omitempty"`
	ChatID  string    `json:"chat_id,omitempty"`
	Error   string    `json:"error,omitempty"`
	Time    time.Time `json:"time"`
}

// handleEvents lists events from the last ?since= window (default 1h),
// optionally filtered by one or more ?type= values.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusServiceUnavailable, "event history unavailable")
		return
	}
	window := time.Hour
	if raw := r.URL.Query().Get("since"); raw != "" {
		d, err := time.ParseDuration(raw)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "since must be a positive duration")
			return
		}
		window = d
	}

	events := s.events.Since(time.Now().Add(-window), r.URL.Query()["type"]...)
	out := make([]eventView, 0, len(events))
	for _, e := range events {
		v := eventView{Type: e.Type, Channel: e.Channel, ChatID: e.ChatID, Time: e.Timestamp}
		if e.Err != nil {
			v.Error = e.Err.Error()
		}
		out = append(out, v)
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": out})
}

func (s *Server) haveLog(w http.ResponseWriter) bool {
	if s.log == nil {
		writeError(w, http.StatusServiceUnavailable, "delivery log disabled")
		return false
	}
	return true
}

func (s *Server) internalError(w http.ResponseWriter, op string, err error) {
	s.logger.Error("admin request failed", "op", op, "err", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

// parseLimit reads ?limit=N, defaulting to 20 and capping at maxListLimit.
func parseLimit(w http.ResponseWriter, r *http.Request) (int, bool) {
	raw := r.URL.Query().Get("limit")
	if raw == "" {
		return 20, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		writeError(w, http.StatusBadRequest, "limit must be a positive integer")
		return 0, false
	}
	return min(n, maxListLimit), true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
