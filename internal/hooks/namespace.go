// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hooks

import (
	"sort"
	"sync"

	"github.com/google/uuid"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/logging"
)

// NamespaceRegistry registers the hook table once per network namespace.
type NamespaceRegistry struct {
	host  NetHost
	table []*HookOps

	mu     sync.Mutex
	scopes map[fastpath.NamespaceID][]*AttachedHook
	leaked map[fastpath.NamespaceID][]*AttachedHook

	id       string
	logger   *logging.Logger
	observer Observer
}

// NewNamespaceRegistry creates a per-namespace registry for table on host.
func NewNamespaceRegistry(host NetHost, table []*HookOps, logger *logging.Logger) *NamespaceRegistry {
	if logger == nil {
		logger = logging.WithComponent("hooks")
	}
	id := uuid.NewString()
	return &NamespaceRegistry{
		host:     host,
		table:    table,
		scopes:   make(map[fastpath.NamespaceID][]*AttachedHook),
		leaked:   make(map[fastpath.NamespaceID][]*AttachedHook),
		id:       id,
		logger:   logger.With("registry", id, "scope", ScopeNamespace),
		observer: nopObserver{},
	}
}

// SetObserver installs a lifecycle observer.
func (r *NamespaceRegistry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	r.observer = o
}

// ID identifies this registry instance in logs and the status API.
func (r *NamespaceRegistry) ID() string { return r.id }

// Init registers the hook table in ns. Registration is all-or-nothing, and
// initialising a namespace twice without Exit fails.
func (r *NamespaceRegistry) Init(ns fastpath.NamespaceID) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.scopes[ns]; ok {
		r.observer.RegistrationFailed(ScopeNamespace)
		err := errors.Wrapf(errors.New(errors.KindConflict, "hooks already registered"),
			errors.KindRegistration, "register hooks in %s", ns)
		return errors.Attr(err, "namespace", ns.String())
	}

	if left := r.leaked[ns]; len(left) > 0 {
		still, err := reclaim(r.binder(ns), left, r.logger)
		if err != nil {
			r.leaked[ns] = still
			r.observer.RegistrationFailed(ScopeNamespace)
			r.logger.WithError(err).Error("hook registration failed", "namespace", ns.String())
			return errors.Attr(err, "namespace", ns.String())
		}
		delete(r.leaked, ns)
	}

	attached, leaked, err := attachAll(r.binder(ns), r.table, r.logger)
	if err != nil {
		if len(leaked) > 0 {
			r.leaked[ns] = leaked
		}
		r.observer.RegistrationFailed(ScopeNamespace)
		r.logger.WithError(err).Error("hook registration failed", "namespace", ns.String())
		return errors.Attr(err, "namespace", ns.String())
	}
	r.scopes[ns] = attached
	r.observer.HooksAttached(ScopeNamespace, len(attached))
	r.logger.Info("hooks registered", "namespace", ns.String(), "count", len(attached))
	return nil
}

// Exit unregisters the hooks of ns, including any a failed rollback left
// behind. Exiting a namespace with nothing registered is a reported no-op.
func (r *NamespaceRegistry) Exit(ns fastpath.NamespaceID) *TeardownReport {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.exitLocked(ns)
}

func (r *NamespaceRegistry) exitLocked(ns fastpath.NamespaceID) *TeardownReport {
	attached := r.scopes[ns]
	owned := append(append([]*AttachedHook(nil), attached...), r.leaked[ns]...)
	report := detachAll(r.binder(ns), owned, r.logger)
	delete(r.scopes, ns)
	delete(r.leaked, ns)

	if report.NotRegistered {
		r.logger.Debug("exit: namespace not registered", "namespace", ns.String())
		return report
	}
	r.observer.HooksAttached(ScopeNamespace, -len(attached))
	if !report.OK() {
		r.observer.TeardownFailed(ScopeNamespace)
	}
	r.logger.Info("hooks unregistered", "namespace", ns.String(),
		"removed", len(report.Removed), "failed", len(report.Failures))
	return report
}

// Close exits every registered namespace.
func (r *NamespaceRegistry) Close() []*TeardownReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	pending := r.namespacesLocked()
	for ns := range r.leaked {
		if _, ok := r.scopes[ns]; !ok {
			pending = append(pending, ns)
		}
	}
	reports := make([]*TeardownReport, 0, len(pending))
	for _, ns := range pending {
		reports = append(reports, r.exitLocked(ns))
	}
	return reports
}

// Namespaces lists the namespaces with registered hooks, in a stable order.
func (r *NamespaceRegistry) Namespaces() []fastpath.NamespaceID {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.namespacesLocked()
}

func (r *NamespaceRegistry) namespacesLocked() []fastpath.NamespaceID {
	out := make([]fastpath.NamespaceID, 0, len(r.scopes))
	for ns := range r.scopes {
		out = append(out, ns)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Dev != out[j].Dev {
			return out[i].Dev < out[j].Dev
		}
		return out[i].Ino < out[j].Ino
	})
	return out
}

// Attached returns a snapshot of the hooks registered in ns.
func (r *NamespaceRegistry) Attached(ns fastpath.NamespaceID) []AttachedHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.scopes[ns])
}

func (r *NamespaceRegistry) binder(ns fastpath.NamespaceID) binder {
	return binder{
		scope:  ScopeNamespace,
		ns:     ns,
		attach: func(ops *HookOps) error { return r.host.RegisterNetHook(ns, ops) },
		detach: func(ops *HookOps) error { return r.host.UnregisterNetHook(ns, ops) },
	}
}
