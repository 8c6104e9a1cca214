// Package server is the HTTP surface of the harvest engine: account
// actions, inbound event feeds, privileged pipeline control, and a
// rate-limited read-only query surface.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/seedcommons/harvest/engine/pkg/metrics"
)

type Server struct {
	log     *slog.Logger
	cfg     Config
	router  *chi.Mux
	httpSrv *http.Server
}

func New(log *slog.Logger, cfg Config) (*Server, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	s := &Server{
		log:    log,
		cfg:    cfg,
		router: chi.NewRouter(),
	}
	s.setupRoutes()
	s.httpSrv = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           s.router,
		ReadHeaderTimeout: cfg.ReadHeaderTimeout,
		ReadTimeout:       60 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1MB
	}
	metrics.BuildInfo.WithLabelValues(cfg.Version, cfg.Commit, cfg.Date).Set(1)
	return s, nil
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: s.cfg.AllowedOrigins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
		MaxAge:         300,
	}))
	s.router.Use(s.observeRequests)

	s.router.Get("/healthz", s.handleHealthz)
	s.router.Get("/readyz", s.handleReadyz)
	s.router.Get("/version", s.handleVersion)
	s.router.Handle("/metrics", promhttp.Handler())

	s.router.Route("/v1", func(r chi.Router) {
		// Account actions and event feeds.
		r.Post("/plant", s.handlePlant)
		r.Post("/unplant", s.handleUnplant)
		r.Post("/sow", s.handleSow)
		r.Post("/claimrefund", s.handleClaimRefund)
		r.Post("/cancelrefund", s.handleCancelRefund)
		r.Post("/claimreward", s.handleClaimReward)

		r.Post("/deposits", s.handleDeposit)
		r.Post("/events/transfer", s.handleTransferEvent)
		r.Post("/events/reputation", s.handleReputationEvent)
		r.Post("/events/cbs", s.handleCBSEvent)
		r.Post("/events/regenvote", s.handleRegenVoteEvent)

		// Privileged pipeline control.
		r.Group(func(r chi.Router) {
			r.Use(s.requireSystemToken)
			r.Post("/stages/{stage}", s.handleRunStage)
			r.Post("/reset", s.handleReset)
		})

		// Read-only query surface.
		r.Group(func(r chi.Router) {
			r.Use(NewRateLimiter(s.cfg.QueryRate, s.cfg.QueryBurst).Middleware)
			r.Get("/balances", s.handleBalances)
			r.Get("/refunds/{account}", s.handleRefunds)
			r.Get("/txpoints", s.handleTxPoints)
			r.Get("/harvest", s.handleHarvest)
			r.Get("/cbs", s.handleCBS)
			r.Get("/regens", s.handleRegens)
			r.Get("/stages/{stage}", s.handleStageStatus)
		})
	})
}

func (s *Server) observeRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		route := chi.RouteContext(r.Context()).RoutePattern()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(route, http.StatusText(ww.Status())).Inc()
		metrics.HTTPRequestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// requireSystemToken guards the privileged surface with a constant-time
// bearer token check.
func (s *Server) requireSystemToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		auth := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(auth, "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(token), []byte(s.cfg.SystemToken)) != 1 {
			writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized"})
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealthz(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ok\n")); err != nil {
		s.log.Error("failed to write healthz response", "error", err)
	}
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	// Ready once the store answers a trivial read.
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()
	if _, err := s.cfg.Engine.StageStatus(ctx, "calcplanted"); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, errorBody{Error: "store unavailable"})
		return
	}
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write([]byte("ready\n")); err != nil {
		s.log.Error("failed to write readyz response", "error", err)
	}
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"version": s.cfg.Version,
		"commit":  s.cfg.Commit,
		"date":    s.cfg.Date,
	})
}

// Run serves until the context is cancelled, then drains connections.
func (s *Server) Run(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api: listening", "addr", s.cfg.ListenAddr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpSrv.Shutdown(shutdownCtx)
}

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}
