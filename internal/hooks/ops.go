// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package hooks attaches the fast-path classifier to the host's interception
// points and keeps the bookkeeping needed to detach it again.
//
// Two registration models are supported:
//
//   - GlobalRegistry registers one hook per interception point directly with
//     the host stack, once per process.
//   - NamespaceRegistry registers the same hook table once per network
//     namespace as namespaces come and go.
package hooks

import (
	"fmt"
	"math"

	"grimm.is/fastpath/internal/fastpath"
)

// PriorityFirst places a hook ahead of every other hook at its point (NF_IP_PRI_FIRST).
const PriorityFirst int32 = math.MinInt32

// Family is the protocol family a hook is registered for.
type Family uint8

const (
	FamilyIPv4 Family = iota
	FamilyInet
)

func (f Family) String() string {
	switch f {
	case FamilyIPv4:
		return "ipv4"
	case FamilyInet:
		return "inet"
	default:
		return fmt.Sprintf("family(%d)", uint8(f))
	}
}

// ParseFamily maps a config string to a Family.
func ParseFamily(s string) (Family, error) {
	switch s {
	case "", "ipv4", "ip":
		return FamilyIPv4, nil
	case "inet":
		return FamilyInet, nil
	}
	return 0, fmt.Errorf("unknown family %q", s)
}

// HookOps describes one hook: where it runs, in which order, and what it calls.
type HookOps struct {
	Name     string
	Hook     fastpath.HookPoint
	Family   Family
	Priority int32
	Fn       fastpath.HookFunc
}

func (o *HookOps) String() string {
	return fmt.Sprintf("%s(%s/%s prio=%d)", o.Name, o.Family, o.Hook, o.Priority)
}

// TableConfig parameterizes the hook table.
type TableConfig struct {
	Points   []fastpath.HookPoint
	Priority int32
	Family   Family
}

// DefaultTableConfig covers the four interception points at PriorityFirst.
func DefaultTableConfig() TableConfig {
	return TableConfig{
		Points:   fastpath.HookPoints,
		Priority: PriorityFirst,
		Family:   FamilyIPv4,
	}
}

// Table builds the fixed hook table, one entry per configured point, all
// calling fn.
func Table(fn fastpath.HookFunc, cfg TableConfig) []*HookOps {
	points := cfg.Points
	if len(points) == 0 {
		points = fastpath.HookPoints
	}
	table := make([]*HookOps, 0, len(points))
	for _, p := range points {
		table = append(table, &HookOps{
			Name:     "fastpath_" + p.String(),
			Hook:     p,
			Family:   cfg.Family,
			Priority: cfg.Priority,
			Fn:       fn,
		})
	}
	return table
}

// GlobalHost is a host stack with process-wide hook registration.
type GlobalHost interface {
	RegisterHook(ops *HookOps) error
	UnregisterHook(ops *HookOps) error
}

// NetHost is a host stack with per-namespace hook registration.
type NetHost interface {
	RegisterNetHook(ns fastpath.NamespaceID, ops *HookOps) error
	UnregisterNetHook(ns fastpath.NamespaceID, ops *HookOps) error
}

// Observer receives registry lifecycle events, typically for metrics.
type Observer interface {
	HooksAttached(scope string, delta int)
	RegistrationFailed(scope string)
	TeardownFailed(scope string)
}

type nopObserver struct{}

func (nopObserver) HooksAttached(string, int) {}
func (nopObserver) RegistrationFailed(string) {}
func (nopObserver) TeardownFailed(string) {}
