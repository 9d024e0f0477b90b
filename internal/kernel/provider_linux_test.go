// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package kernel

import (
	"runtime"
	"testing"

	"github.com/google/nftables"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vishvananda/netns"

	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/testutil"
)

func tableNames(t *testing.T, h netns.NsHandle) []string {
	t.Helper()
	conn, err := nftables.New(nftables.WithNetNSFd(int(h)))
	require.NoError(t, err)
	tables, err := conn.ListTables()
	require.NoError(t, err)
	var names []string
	for _, tb := range tables {
		names = append(names, tb.Name)
	}
	return names
}

func TestLinuxKernel_NamespaceLifecycle(t *testing.T) {
	testutil.RequireVM(t)
	testutil.RequireRoot(t)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	require.NoError(t, err)
	defer origin.Close()

	// Work in a scratch namespace so the host's ruleset is untouched.
	scratch, err := netns.New()
	require.NoError(t, err)
	defer scratch.Close()
	defer netns.Set(origin)

	cfg := DefaultLinuxConfig()
	cfg.Table = "fastpath_test"
	k, err := NewLinuxKernel(cfg, quietLogger())
	require.NoError(t, err)
	defer k.Close()

	c := fastpath.New(fastpath.Options{Strategy: fastpath.NewNamespaceStrategy(k.RootNamespace())})
	reg := hooks.NewNamespaceRegistry(k, hooks.Table(c.Hook(), hooks.DefaultTableConfig()), quietLogger())

	require.NoError(t, reg.Init(k.RootNamespace()))
	assert.Contains(t, tableNames(t, scratch), "fastpath_test")

	err = reg.Init(k.RootNamespace())
	require.Error(t, err)

	report := reg.Exit(k.RootNamespace())
	assert.True(t, report.OK(), "teardown: %v", report.Err())
	assert.NotContains(t, tableNames(t, scratch), "fastpath_test")
}

func TestLinuxKernel_ModelsDoNotMix(t *testing.T) {
	testutil.RequireVM(t)
	testutil.RequireRoot(t)

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	origin, err := netns.Get()
	require.NoError(t, err)
	defer origin.Close()
	scratch, err := netns.New()
	require.NoError(t, err)
	defer scratch.Close()
	defer netns.Set(origin)

	k, err := NewLinuxKernel(DefaultLinuxConfig(), quietLogger())
	require.NoError(t, err)
	defer k.Close()

	fn := fastpath.New(fastpath.DefaultOptions()).Hook()
	table := hooks.Table(fn, hooks.DefaultTableConfig())
	require.NoError(t, k.RegisterHook(table[0]))
	assert.Error(t, k.RegisterNetHook(k.RootNamespace(), table[1]))
	require.NoError(t, k.UnregisterHook(table[0]))
}
