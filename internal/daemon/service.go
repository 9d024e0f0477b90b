// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package daemon assembles the fastpath service from its configuration:
// classifier, hook registry, host adapter, namespace watcher and status API.
package daemon

import (
	"context"
	stderrors "errors"
	"net"
	"sync"
	"sync/atomic"

	"grimm.is/fastpath/internal/api"
	"grimm.is/fastpath/internal/config"
	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/kernel"
	"grimm.is/fastpath/internal/logging"
	"grimm.is/fastpath/internal/metrics"
	"grimm.is/fastpath/internal/netns"
)

// Host is the host stack the service drives.
type Host interface {
	kernel.Kernel
	netns.Binder
	metrics.CounterSource
}

// Options override the service dependencies. The zero value runs on the
// Linux host adapter.
type Options struct {
	Host     Host
	Logger   *logging.Logger
	Resolver netns.Resolver
}

// Service is one fastpath daemon instance. Run may be called once.
type Service struct {
	cfg      *config.Config
	logger   *logging.Logger
	host     Host
	ownsHost bool

	classifier *fastpath.Classifier
	metrics    *metrics.Metrics

	global    *hooks.GlobalRegistry
	netreg    *hooks.NamespaceRegistry
	lifecycle *netns.RegistryLifecycle
	watcher   *netns.Watcher
	api       *api.Server

	running atomic.Bool
	ready   atomic.Bool
	readyCh chan struct{}
	once    sync.Once
}

// New builds the service. cfg must be defaulted and valid.
func New(cfg *config.Config, opts Options) (*Service, error) {
	logger := opts.Logger
	if logger == nil {
		logger = logging.New(cfg.LoggerConfig())
	}

	host := opts.Host
	owns := false
	if host == nil {
		lk, err := kernel.NewLinuxKernel(cfg.LinuxConfig(), logger.WithComponent("kernel"))
		if err != nil {
			return nil, err
		}
		host, owns = lk, true
	}

	s := &Service{
		cfg:      cfg,
		logger:   logger.WithComponent("daemon"),
		host:     host,
		ownsHost: owns,
		metrics:  metrics.NewMetrics(),
		readyCh:  make(chan struct{}),
	}

	s.classifier = fastpath.New(cfg.ClassifierOptions(host.RootNamespace()))
	table := hooks.Table(s.metrics.Instrument(s.classifier), cfg.TableConfig())
	hooksLogger := logger.WithComponent("hooks")

	switch cfg.Mode {
	case config.ModeGlobal:
		s.global = hooks.NewGlobalRegistry(host, table, hooksLogger)
		s.global.SetObserver(s.metrics)
		s.metrics.SetNamespaceSource(func() int {
			if len(s.global.Attached()) > 0 {
				return 1
			}
			return 0
		})
	default:
		s.netreg = hooks.NewNamespaceRegistry(host, table, hooksLogger)
		s.netreg.SetObserver(s.metrics)
		s.metrics.SetNamespaceSource(func() int { return len(s.netreg.Namespaces()) })

		nsLogger := logger.WithComponent("netns")
		s.lifecycle = netns.NewRegistryLifecycle(s.netreg, host, nsLogger)
		s.watcher = netns.NewWatcher(cfg.Namespaces.WatchDir, s.lifecycle, netns.Options{
			Resolver: opts.Resolver,
			Logger:   nsLogger,
		})
	}

	if err := s.metrics.RegisterChains(host, logger.WithComponent("metrics")); err != nil {
		s.closeHost()
		return nil, errors.Wrap(err, errors.KindInternal, "register chain collector")
	}

	if *cfg.API.Enabled {
		s.api = api.NewServer(api.Options{
			Listen:   cfg.API.Listen,
			Gatherer: s.metrics.Registry(),
			Status:   s,
			Logger:   logger.WithComponent("api"),
		})
	}

	s.logger.Info("service configured",
		"mode", cfg.Mode,
		"strategy", s.classifier.Strategy().Name(),
		"root", host.RootNamespace().String(),
		"points", cfg.Hooks.Points)
	return s, nil
}

// Run registers the hooks, starts the watcher and API, and blocks until
// ctx ends. It then stops everything in reverse order. A startup failure
// is returned after undoing what had already started.
func (s *Service) Run(ctx context.Context) error {
	if !s.running.CompareAndSwap(false, true) {
		return errors.New(errors.KindConflict, "service already ran")
	}
	defer s.closeHost()

	if err := s.registerRoot(); err != nil {
		return err
	}

	if s.watcher != nil {
		if err := s.watcher.Start(ctx); err != nil {
			s.teardown()
			return err
		}
	}

	if s.api != nil {
		if err := s.api.Start(); err != nil {
			s.stopWatcher()
			s.teardown()
			return err
		}
	}

	s.ready.Store(true)
	s.once.Do(func() { close(s.readyCh) })
	s.logger.Info("fastpath running")

	<-ctx.Done()
	s.logger.Info("shutting down")
	s.ready.Store(false)

	var errs []error
	if s.api != nil {
		sctx, cancel := context.WithTimeout(context.Background(), s.cfg.APIShutdownTimeout())
		if err := s.api.Shutdown(sctx); err != nil {
			errs = append(errs, err)
		}
		cancel()
	}
	s.stopWatcher()
	if err := s.teardown(); err != nil {
		errs = append(errs, err)
	}
	if len(errs) > 0 {
		return errors.Wrap(stderrors.Join(errs...), errors.KindTeardown, "shutdown incomplete")
	}
	return nil
}

func (s *Service) registerRoot() error {
	if s.global != nil {
		return s.global.Init()
	}
	return s.netreg.Init(s.host.RootNamespace())
}

func (s *Service) stopWatcher() {
	if s.watcher != nil {
		s.watcher.Stop()
	}
}

// teardown detaches every hook the service owns and logs what happened.
func (s *Service) teardown() error {
	var reports []*hooks.TeardownReport
	if s.global != nil {
		reports = append(reports, s.global.Teardown())
	} else {
		reports = s.netreg.Close()
	}

	var errs []error
	for _, r := range reports {
		if err := r.Err(); err != nil {
			s.logger.WithError(err).Error("teardown incomplete",
				"scope", r.Scope, "namespace", r.Namespace.String(), "removed", len(r.Removed))
			errs = append(errs, err)
			continue
		}
		s.logger.Info("teardown complete",
			"scope", r.Scope, "namespace", r.Namespace.String(), "removed", len(r.Removed))
	}
	return stderrors.Join(errs...)
}

func (s *Service) closeHost() {
	if !s.ownsHost {
		return
	}
	if err := s.host.Close(); err != nil {
		s.logger.WithError(err).Warn("host close failed")
	}
}

// Ready is closed once Run has registered hooks and started serving.
func (s *Service) Ready() <-chan struct{} { return s.readyCh }

// Metrics returns the service metrics.
func (s *Service) Metrics() *metrics.Metrics { return s.metrics }

// APIAddr returns the bound API address, or nil when the API is off or
// not started.
func (s *Service) APIAddr() net.Addr {
	if s.api == nil {
		return nil
	}
	return s.api.Addr()
}

// Status implements api.StatusSource.
func (s *Service) Status() api.Status {
	st := api.Status{
		Mode:     s.cfg.Mode,
		Strategy: s.classifier.Strategy().Name(),
		Ready:    s.ready.Load(),
		Scopes:   []api.Scope{},
	}
	if s.global != nil {
		st.Registry = s.global.ID()
		if attached := s.global.Attached(); len(attached) > 0 {
			st.Scopes = append(st.Scopes, api.NewScope(hooks.ScopeGlobal, fastpath.NamespaceID{}, attached))
		}
		return st
	}
	st.Registry = s.netreg.ID()
	for _, ns := range s.netreg.Namespaces() {
		st.Scopes = append(st.Scopes, api.NewScope(hooks.ScopeNamespace, ns, s.netreg.Attached(ns)))
	}
	return st
}
