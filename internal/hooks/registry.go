// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hooks

import (
	"time"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/logging"
)

// AttachedHook represents one hook the host accepted.
type AttachedHook struct {
	Ops        *HookOps
	Namespace  fastpath.NamespaceID
	AttachedAt time.Time
}

// binder is the register/unregister pair for one scope.
type binder struct {
	scope  string
	ns     fastpath.NamespaceID
	attach func(*HookOps) error
	detach func(*HookOps) error
}

// attachAll registers table in order. On the first failure every hook
// attached so far is detached again, in reverse order, and the registration
// error is returned. attached is nil unless all hooks attached; leaked holds
// the hooks the host refused to give back during rollback.
func attachAll(b binder, table []*HookOps, logger *logging.Logger) (attached, leaked []*AttachedHook, err error) {
	attached = make([]*AttachedHook, 0, len(table))
	for _, ops := range table {
		if err := b.attach(ops); err != nil {
			regErr := errors.Wrapf(err, errors.KindRegistration, "register %s hook %s", b.scope, ops.Hook)
			regErr = errors.Attr(regErr, "hook", ops.Hook.String())
			regErr = errors.Attr(regErr, "attached_before_failure", len(attached))

			var stuck []string
			for i := len(attached) - 1; i >= 0; i-- {
				h := attached[i]
				if derr := b.detach(h.Ops); derr != nil {
					logger.WithError(derr).Error("rollback failed to unregister hook",
						"hook", h.Ops.Hook.String(), "namespace", b.ns.String())
					leaked = append(leaked, h)
					stuck = append(stuck, h.Ops.Hook.String())
				}
			}
			if len(stuck) > 0 {
				regErr = errors.Attr(regErr, "rollback_failed", stuck)
			}
			return nil, leaked, regErr
		}
		attached = append(attached, &AttachedHook{
			Ops:        ops,
			Namespace:  b.ns,
			AttachedAt: time.Now(),
		})
		logger.Debug("hook registered", "hook", ops.Hook.String(), "priority", ops.Priority, "namespace", b.ns.String())
	}
	return attached, nil, nil
}

// reclaim retries the detach of hooks left behind by a failed rollback and
// returns those still registered, with an error naming them.
func reclaim(b binder, leaked []*AttachedHook, logger *logging.Logger) ([]*AttachedHook, error) {
	var (
		still []*AttachedHook
		names []string
		last  error
	)
	for _, h := range leaked {
		if err := b.detach(h.Ops); err != nil {
			still = append(still, h)
			names = append(names, h.Ops.Hook.String())
			last = err
			continue
		}
		logger.Info("reclaimed hook left by failed rollback", "hook", h.Ops.Hook.String(), "namespace", b.ns.String())
	}
	if len(still) == 0 {
		return nil, nil
	}
	err := errors.Wrapf(last, errors.KindRegistration, "%s hooks from a failed rollback are still registered", b.scope)
	return still, errors.Attr(err, "rollback_failed", names)
}

// detachAll unregisters every hook, continuing past failures.
func detachAll(b binder, attached []*AttachedHook, logger *logging.Logger) *TeardownReport {
	report := &TeardownReport{Scope: b.scope, Namespace: b.ns}
	if len(attached) == 0 {
		report.NotRegistered = true
		return report
	}
	for _, h := range attached {
		if err := b.detach(h.Ops); err != nil {
			report.Failures = append(report.Failures, HookFailure{Hook: h.Ops.Hook, Err: err})
			logger.WithError(err).Warn("failed to unregister hook", "hook", h.Ops.Hook.String(), "namespace", b.ns.String())
			continue
		}
		report.Removed = append(report.Removed, h.Ops.Hook)
		logger.Debug("hook unregistered", "hook", h.Ops.Hook.String(), "namespace", b.ns.String())
	}
	return report
}

func snapshot(attached []*AttachedHook) []AttachedHook {
	out := make([]AttachedHook, 0, len(attached))
	for _, h := range attached {
		out = append(out, *h)
	}
	return out
}
