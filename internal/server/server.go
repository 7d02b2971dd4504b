// Package server provides the HTTP and WebSocket surface over SommOS's
// core: chi routing, the {success, data, error, code, timestamp} response
// envelope, and the inventory/pairing/sync/vintage/experiment endpoint
// handlers. Authentication and role gating are an external middleware
// collaborator's concern; handlers here take the caller's identity from
// the X-User-Id request header and read or check no role.
package server

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rs/zerolog"

	"github.com/thijssvd/sommos/internal/backup"
	"github.com/thijssvd/sommos/internal/domain"
	"github.com/thijssvd/sommos/internal/experiment"
	"github.com/thijssvd/sommos/internal/inventory"
	"github.com/thijssvd/sommos/internal/metrics"
	"github.com/thijssvd/sommos/internal/pairing"
	"github.com/thijssvd/sommos/internal/realtime"
	"github.com/thijssvd/sommos/internal/sync"
	"github.com/thijssvd/sommos/internal/weather"
)

// Config wires every collaborator the server dispatches to. Everything
// here is built and owned by cmd/server/main.go's startup sequence; the
// server holds references, not lifecycles (except its own http.Server).
type Config struct {
	Port int
	Log  zerolog.Logger

	DB *sql.DB

	Inventory  *inventory.Manager
	Reconciler *sync.Reconciler
	Pairing    *pairing.Orchestrator
	Weather    *weather.Enricher
	Hub        *realtime.Hub
	Metrics    *metrics.Tracker
	Allocator  *experiment.Allocator // optional, may be nil
	Backup     *backup.Service       // optional, may be nil

	DevMode bool
}

// Server is SommOS's HTTP/WebSocket entrypoint.
type Server struct {
	router *chi.Mux
	server *http.Server
	log    zerolog.Logger

	db         *sql.DB
	inventory  *inventory.Manager
	reconciler *sync.Reconciler
	pairing    *pairing.Orchestrator
	weather    *weather.Enricher
	hub        *realtime.Hub
	metrics    *metrics.Tracker
	allocator  *experiment.Allocator
	backup     *backup.Service
}

// New builds a Server with routes and middleware already wired; call
// Start to begin listening.
func New(cfg Config) *Server {
	s := &Server{
		router:     chi.NewRouter(),
		log:        cfg.Log.With().Str("component", "server").Logger(),
		db:         cfg.DB,
		inventory:  cfg.Inventory,
		reconciler: cfg.Reconciler,
		pairing:    cfg.Pairing,
		weather:    cfg.Weather,
		hub:        cfg.Hub,
		metrics:    cfg.Metrics,
		allocator:  cfg.Allocator,
		backup:     cfg.Backup,
	}

	s.setupMiddleware(cfg.DevMode)
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         portAddr(cfg.Port),
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func portAddr(port int) string {
	if port <= 0 {
		port = 3001
	}
	return fmt.Sprintf(":%d", port)
}

func (s *Server) setupMiddleware(devMode bool) {
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.loggingMiddleware)
	s.router.Use(middleware.Timeout(60 * time.Second))
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
	if !devMode {
		s.router.Use(middleware.Compress(5))
	}
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", ww.Status()).
			Dur("elapsed", time.Since(start)).
			Msg("request")
	})
}

func (s *Server) setupRoutes() {
	s.router.Get("/health", s.handleHealth)
	s.router.Get("/healthz", s.handleHealth)
	s.router.Get("/readyz", s.handleReady)
	s.router.Get("/ws", s.hub.HandleWS)

	s.router.Route("/api", func(r chi.Router) {
		r.Get("/system/health", s.handleSystemHealth)
		r.Get("/system/metrics", s.handleSystemMetrics)
		r.Get("/backup/status", s.handleBackupStatus)

		r.Route("/inventory", func(r chi.Router) {
			r.Get("/stock", s.handleGetStock)
			r.Post("/consume", s.handleConsume)
			r.Post("/move", s.handleMove)
			r.Post("/reserve", s.handleReserve)
			r.Post("/unreserve", s.handleUnreserve)
			r.Post("/intake", s.handleIntake)
			r.Post("/intake/{orderID}/receive", s.handleReceive)
			r.Get("/intake/{orderID}/status", s.handleIntakeStatus)
		})

		r.Route("/pairing", func(r chi.Router) {
			r.Post("/recommend", s.handlePairingRecommend)
			r.Post("/feedback", s.handlePairingFeedback)
		})

		r.Route("/sync", func(r chi.Router) {
			r.Post("/apply", s.handleSyncApply)
		})

		r.Get("/vintage/analysis/{wineID}", s.handleVintageAnalysis)

		if s.allocator != nil {
			r.Route("/experiment", func(r chi.Router) {
				r.Post("/{name}/assign", s.handleExperimentAssign)
				r.Post("/{name}/outcome", s.handleExperimentOutcome)
			})
		}
	})
}

// Handler exposes the router as an http.Handler, for tests that mount
// the full middleware-and-routes stack on an httptest server instead of
// binding a real port.
func (s *Server) Handler() http.Handler { return s.router }

// Start begins serving. It blocks until the listener stops.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.server.Addr).Msg("server listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown drains in-flight requests within ctx's deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// envelope is every response's shape.
type envelope struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     string      `json:"error,omitempty"`
	Code      string      `json:"code,omitempty"`
	Timestamp int64       `json:"timestamp"`
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(envelope{Success: true, Data: data, Timestamp: time.Now().Unix()}); err != nil {
		s.log.Error().Err(err).Msg("failed to encode json response")
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	kind := domain.KindOf(err)
	status := statusForKind(kind)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(envelope{
		Success:   false,
		Error:     err.Error(),
		Code:      string(kind),
		Timestamp: time.Now().Unix(),
	})
}

func statusForKind(kind domain.Kind) int {
	switch kind {
	case domain.KindInvalidArgument:
		return http.StatusBadRequest
	case domain.KindNotFound:
		return http.StatusNotFound
	case domain.KindInventoryConflict:
		return http.StatusConflict
	case domain.KindPairingFailed:
		return http.StatusServiceUnavailable
	case domain.KindCapacityExceeded:
		return http.StatusServiceUnavailable
	case domain.KindCancelled:
		return http.StatusRequestTimeout
	case domain.KindSyncDuplicate:
		return http.StatusOK
	default:
		return http.StatusInternalServerError
	}
}

func decodeJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return domain.NewError(domain.KindInvalidArgument, "malformed request body", err)
	}
	return nil
}

// requestUser returns the created_by label from the X-User-Id request
// header, or "unknown" when the header is absent. The core does not
// authenticate; it just needs a label for ledger/audit columns.
func requestUser(r *http.Request) string {
	if v := r.Header.Get("X-User-Id"); v != "" {
		return v
	}
	return "unknown"
}
