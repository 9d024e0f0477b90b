// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package kernel provides the host stacks the hook registry attaches to.
// On Linux, LinuxKernel places hooks on real netfilter through nftables and
// NFQUEUE. SimKernel is a stateful in-memory model of the same hook
// machinery, used by tests and PCAP replay.
package kernel

import (
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
)

// Kernel abstracts the host network stack.
// Components interact with this interface instead of making direct syscalls.
type Kernel interface {
	hooks.GlobalHost
	hooks.NetHost

	// RootNamespace is the identity of the namespace the process started in.
	RootNamespace() fastpath.NamespaceID

	// Close releases every hook still registered.
	Close() error
}

// PernetOps receives namespace creation and destruction events, the way
// per-namespace subsystems do in the host stack.
type PernetOps interface {
	Init(ns fastpath.NamespaceID) error
	Exit(ns fastpath.NamespaceID) *hooks.TeardownReport
}

// LinuxConfig configures the netfilter host adapter.
type LinuxConfig struct {
	// Table is the nftables table created in every namespace with hooks.
	Table string
	// Queue is the NFQUEUE number the base chains hand packets to.
	Queue uint16
	// MaxQueueLen bounds packets waiting for a verdict.
	MaxQueueLen uint32
	// FailOpen lets the kernel accept packets when the queue is full.
	FailOpen bool
}

// DefaultLinuxConfig returns the adapter defaults.
func DefaultLinuxConfig() LinuxConfig {
	return LinuxConfig{
		Table:       "fastpath",
		Queue:       100,
		MaxQueueLen: 1024,
		FailOpen:    true,
	}
}

var (
	_ Kernel = (*SimKernel)(nil)
	_ Kernel = (*LinuxKernel)(nil)

	_ PernetOps = (*hooks.NamespaceRegistry)(nil)
)
