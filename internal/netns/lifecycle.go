// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package netns

import (
	"sync"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/logging"
)

// Binder opens a namespace on the host so hooks can be placed in it. Each
// successful BindNamespace takes a reference that one ReleaseNamespace
// gives back; the host drops the namespace's hooks with the last reference.
type Binder interface {
	BindNamespace(path string) (fastpath.NamespaceID, error)
	ReleaseNamespace(id fastpath.NamespaceID)
}

// RegistryLifecycle connects a Watcher to a NamespaceRegistry. Paths that
// name the same namespace share one registration, removed with the last of
// them.
type RegistryLifecycle struct {
	registry *hooks.NamespaceRegistry
	binder   Binder
	logger   *logging.Logger

	mu    sync.Mutex
	bound map[string]fastpath.NamespaceID // path -> identity used for registration
	paths map[fastpath.NamespaceID]int    // identity -> bound paths
}

// NewRegistryLifecycle creates a Lifecycle registering hooks through registry.
func NewRegistryLifecycle(registry *hooks.NamespaceRegistry, binder Binder, logger *logging.Logger) *RegistryLifecycle {
	if logger == nil {
		logger = logging.WithComponent("netns")
	}
	return &RegistryLifecycle{
		registry: registry,
		binder:   binder,
		logger:   logger,
		bound:    make(map[string]fastpath.NamespaceID),
		paths:    make(map[fastpath.NamespaceID]int),
	}
}

// Init binds the namespace and registers the hook table in it. A path whose
// namespace is already registered under another name joins that
// registration.
func (l *RegistryLifecycle) Init(ns Namespace) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if _, ok := l.bound[ns.Path]; ok {
		return errors.Attr(errors.New(errors.KindConflict, "namespace path already initialised"), "path", ns.Path)
	}
	id, err := l.binder.BindNamespace(ns.Path)
	if err != nil {
		return err
	}
	if !ns.ID.IsZero() && id != ns.ID {
		l.logger.Warn("namespace identity changed between resolve and bind",
			"name", ns.Name, "resolved", ns.ID.String(), "bound", id.String())
	}

	if l.paths[id] > 0 {
		l.bound[ns.Path] = id
		l.paths[id]++
		l.logger.Info("namespace already registered under another name",
			"name", ns.Name, "namespace", id.String(), "paths", l.paths[id])
		return nil
	}

	if err := l.registry.Init(id); err != nil {
		// Gives back only this call's reference; other holders keep the
		// namespace bound.
		l.binder.ReleaseNamespace(id)
		return err
	}
	l.bound[ns.Path] = id
	l.paths[id]++
	return nil
}

// Exit releases the path. The hook table is unregistered when no other path
// names the namespace.
func (l *RegistryLifecycle) Exit(ns Namespace) *hooks.TeardownReport {
	l.mu.Lock()
	defer l.mu.Unlock()

	id, ok := l.bound[ns.Path]
	if !ok {
		return &hooks.TeardownReport{Scope: hooks.ScopeNamespace, Namespace: ns.ID, NotRegistered: true}
	}
	delete(l.bound, ns.Path)

	if l.paths[id] > 1 {
		l.paths[id]--
		l.binder.ReleaseNamespace(id)
		return &hooks.TeardownReport{Scope: hooks.ScopeNamespace, Namespace: id}
	}
	delete(l.paths, id)

	report := l.registry.Exit(id)
	l.binder.ReleaseNamespace(id)
	return report
}
