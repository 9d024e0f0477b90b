// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hooks

import (
	"sync"

	"github.com/google/uuid"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/logging"
)

// GlobalRegistry owns one process-wide registration of the hook table.
type GlobalRegistry struct {
	host  GlobalHost
	table []*HookOps

	mu       sync.Mutex
	attached []*AttachedHook
	leaked   []*AttachedHook // rollback could not remove these

	id       string
	logger   *logging.Logger
	observer Observer
}

// NewGlobalRegistry creates a registry for table on host.
func NewGlobalRegistry(host GlobalHost, table []*HookOps, logger *logging.Logger) *GlobalRegistry {
	if logger == nil {
		logger = logging.WithComponent("hooks")
	}
	id := uuid.NewString()
	return &GlobalRegistry{
		host:     host,
		table:    table,
		id:       id,
		logger:   logger.With("registry", id, "scope", ScopeGlobal),
		observer: nopObserver{},
	}
}

// SetObserver installs a lifecycle observer.
func (r *GlobalRegistry) SetObserver(o Observer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if o == nil {
		o = nopObserver{}
	}
	r.observer = o
}

// ID identifies this registry instance in logs and the status API.
func (r *GlobalRegistry) ID() string { return r.id }

// Init registers every hook in the table. Either all hooks end up registered
// or none are; a second Init without Teardown fails.
func (r *GlobalRegistry) Init() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.attached) > 0 {
		r.observer.RegistrationFailed(ScopeGlobal)
		err := errors.Wrap(errors.New(errors.KindConflict, "hooks already registered"),
			errors.KindRegistration, "register global hooks")
		return errors.Attr(err, "registered", len(r.attached))
	}

	if len(r.leaked) > 0 {
		still, err := reclaim(r.binder(), r.leaked, r.logger)
		r.leaked = still
		if err != nil {
			r.observer.RegistrationFailed(ScopeGlobal)
			r.logger.WithError(err).Error("hook registration failed")
			return err
		}
	}

	attached, leaked, err := attachAll(r.binder(), r.table, r.logger)
	if err != nil {
		r.leaked = leaked
		r.observer.RegistrationFailed(ScopeGlobal)
		r.logger.WithError(err).Error("hook registration failed")
		return err
	}
	r.attached = attached
	r.observer.HooksAttached(ScopeGlobal, len(attached))
	r.logger.Info("hooks registered", "count", len(attached))
	return nil
}

// Teardown unregisters every hook this registry owns, including any a failed
// rollback left behind, and reports what was removed. It is safe to call
// when Init never succeeded.
func (r *GlobalRegistry) Teardown() *TeardownReport {
	r.mu.Lock()
	defer r.mu.Unlock()

	owned := append(append([]*AttachedHook(nil), r.attached...), r.leaked...)
	report := detachAll(r.binder(), owned, r.logger)
	r.observer.HooksAttached(ScopeGlobal, -len(r.attached))
	if !report.OK() {
		r.observer.TeardownFailed(ScopeGlobal)
	}
	r.attached = nil
	r.leaked = nil

	if report.NotRegistered {
		r.logger.Info("teardown: no hooks registered")
	} else {
		r.logger.Info("hooks unregistered", "removed", len(report.Removed), "failed", len(report.Failures))
	}
	return report
}

// Attached returns a snapshot of the registered hooks.
func (r *GlobalRegistry) Attached() []AttachedHook {
	r.mu.Lock()
	defer r.mu.Unlock()
	return snapshot(r.attached)
}

func (r *GlobalRegistry) binder() binder {
	return binder{
		scope:  ScopeGlobal,
		attach: r.host.RegisterHook,
		detach: r.host.UnregisterHook,
	}
}
