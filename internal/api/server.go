// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package api serves the fastpath status surface: Prometheus metrics, a
// health probe and the registered hook table.
package api

import (
	"context"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/logging"
)

// ServerConfig holds HTTP server timeouts.
type ServerConfig struct {
	ReadHeaderTimeout time.Duration
	ReadTimeout       time.Duration
	WriteTimeout      time.Duration
	IdleTimeout       time.Duration
	MaxHeaderBytes    int
}

// DefaultServerConfig returns conservative server timeouts.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		ReadHeaderTimeout: 10 * time.Second, // Slowloris prevention
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 16,
	}
}

// StatusSource reports what the daemon currently has registered.
type StatusSource interface {
	Status() Status
}

// StatusFunc adapts a function to StatusSource.
type StatusFunc func() Status

// Status implements StatusSource.
func (f StatusFunc) Status() Status { return f() }

// Options holds the server dependencies.
type Options struct {
	Listen   string
	Gatherer prometheus.Gatherer
	Status   StatusSource
	Logger   *logging.Logger
	Server   *ServerConfig
}

// Server is the status HTTP server.
type Server struct {
	router   *mux.Router
	status   StatusSource
	gatherer prometheus.Gatherer
	logger   *logging.Logger
	started  time.Time

	listen string
	cfg    ServerConfig

	mu   sync.Mutex
	srv  *http.Server
	addr net.Addr
	done chan struct{}
}

// NewServer builds the router. Nothing listens until Start.
func NewServer(opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = logging.WithComponent("api")
	}
	cfg := DefaultServerConfig()
	if opts.Server != nil {
		cfg = *opts.Server
	}
	gatherer := opts.Gatherer
	if gatherer == nil {
		gatherer = prometheus.NewRegistry()
	}
	s := &Server{
		router:   mux.NewRouter(),
		status:   opts.Status,
		gatherer: gatherer,
		logger:   logger,
		started:  time.Now(),
		listen:   opts.Listen,
		cfg:      cfg,
	}
	s.initRoutes()
	return s
}

func (s *Server) initRoutes() {
	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{
		ErrorLog: promLogger{s.logger},
	})).Methods(http.MethodGet)
	s.router.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)

	v1 := s.router.PathPrefix("/v1").Subrouter()
	v1.HandleFunc("/hooks", s.handleHooks).Methods(http.MethodGet)
	v1.HandleFunc("/hooks/{hook}", s.handleHook).Methods(http.MethodGet)

	s.router.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusNotFound, "not found")
	})
	s.router.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respondWithError(w, http.StatusMethodNotAllowed, "method not allowed")
	})
}

// Handler returns the router, for tests and embedding.
func (s *Server) Handler() http.Handler { return s.router }

// Start binds the listener and serves in the background. It returns once
// the address is bound.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.srv != nil {
		return errors.New(errors.KindConflict, "api server already started")
	}

	ln, err := net.Listen("tcp", s.listen)
	if err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "api listen"), "listen", s.listen)
	}
	srv := &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: s.cfg.ReadHeaderTimeout,
		ReadTimeout:       s.cfg.ReadTimeout,
		WriteTimeout:      s.cfg.WriteTimeout,
		IdleTimeout:       s.cfg.IdleTimeout,
		MaxHeaderBytes:    s.cfg.MaxHeaderBytes,
	}
	s.srv = srv
	s.addr = ln.Addr()
	s.done = make(chan struct{})

	go func(done chan struct{}) {
		defer close(done)
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("api server stopped")
		}
	}(s.done)

	s.logger.Info("api listening", "addr", s.addr.String())
	return nil
}

// Addr returns the bound address, or nil before Start.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Shutdown stops accepting requests and waits for in-flight ones until
// ctx ends.
func (s *Server) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	srv, done := s.srv, s.done
	s.srv = nil
	s.mu.Unlock()
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	<-done
	if err != nil {
		return errors.Wrap(err, errors.KindTimeout, "api shutdown")
	}
	return nil
}

type promLogger struct{ l *logging.Logger }

func (p promLogger) Println(v ...any) {
	p.l.Error("metrics handler error", "detail", v)
}
