// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build !linux
// +build !linux

package kernel

import (
	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/logging"
)

// LinuxKernel is unavailable on this platform; use SimKernel.
type LinuxKernel struct{}

var errNotLinux = errors.New(errors.KindUnavailable, "netfilter host adapter requires linux")

// NewLinuxKernel always fails off Linux.
func NewLinuxKernel(cfg LinuxConfig, logger *logging.Logger) (*LinuxKernel, error) {
	return nil, errNotLinux
}

func (k *LinuxKernel) RootNamespace() fastpath.NamespaceID { return fastpath.NamespaceID{} }

func (k *LinuxKernel) BindNamespace(path string) (fastpath.NamespaceID, error) {
	return fastpath.NamespaceID{}, errNotLinux
}

func (k *LinuxKernel) ReleaseNamespace(id fastpath.NamespaceID) {}

func (k *LinuxKernel) RegisterHook(ops *hooks.HookOps) error   { return errNotLinux }
func (k *LinuxKernel) UnregisterHook(ops *hooks.HookOps) error { return errNotLinux }

func (k *LinuxKernel) RegisterNetHook(ns fastpath.NamespaceID, ops *hooks.HookOps) error {
	return errNotLinux
}

func (k *LinuxKernel) UnregisterNetHook(ns fastpath.NamespaceID, ops *hooks.HookOps) error {
	return errNotLinux
}

func (k *LinuxKernel) ChainCounters() ([]ChainCounter, error) { return nil, errNotLinux }

func (k *LinuxKernel) Close() error { return nil }
