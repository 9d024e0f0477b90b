// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package hooks

import (
	"strings"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
)

const (
	ScopeGlobal    = "global"
	ScopeNamespace = "namespace"
)

// HookFailure records one hook that could not be detached.
type HookFailure struct {
	Hook fastpath.HookPoint
	Err  error
}

// TeardownReport describes what a teardown actually removed.
type TeardownReport struct {
	Scope     string
	Namespace fastpath.NamespaceID

	Removed  []fastpath.HookPoint
	Failures []HookFailure

	// NotRegistered is set when nothing was registered for the scope; no
	// host call was made.
	NotRegistered bool
}

// OK reports whether every registered hook was removed.
func (r *TeardownReport) OK() bool {
	return r == nil || len(r.Failures) == 0
}

// Err folds the failures into one KindTeardown error, or nil.
func (r *TeardownReport) Err() error {
	if r.OK() {
		return nil
	}
	msgs := make([]string, 0, len(r.Failures))
	hooks := make([]string, 0, len(r.Failures))
	for _, f := range r.Failures {
		msgs = append(msgs, f.Hook.String()+": "+f.Err.Error())
		hooks = append(hooks, f.Hook.String())
	}
	err := errors.Errorf(errors.KindTeardown, "%s teardown: %s", r.Scope, strings.Join(msgs, "; "))
	err = errors.Attr(err, "hooks", hooks)
	if !r.Namespace.IsZero() {
		err = errors.Attr(err, "namespace", r.Namespace.String())
	}
	return err
}
