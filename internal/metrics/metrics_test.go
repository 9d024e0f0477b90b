// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package metrics

import (
	"bytes"
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/kernel"
	"grimm.is/fastpath/internal/logging"
	"grimm.is/fastpath/internal/packet"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
}

func TestInstrumentCountsDecisions(t *testing.T) {
	m := NewMetrics()
	c := fastpath.New(fastpath.DefaultOptions())
	fn := m.Instrument(c)

	resumed := 0
	ctx := &fastpath.Context{Hook: fastpath.HookPreRouting, Resume: func() { resumed++ }}
	assert.Equal(t, fastpath.Bypass, fn(packet.UDP(1234, 6081), ctx))
	assert.Equal(t, fastpath.Bypass, fn(packet.UDP(6081, 1234), ctx))
	assert.Equal(t, 2, resumed, "continuation still runs through the instrumented hook")

	assert.Equal(t, fastpath.ContinueNormal, fn([]byte{0x99}, ctx))
	assert.Equal(t, fastpath.ContinueNormal, fn(nil, &fastpath.Context{Hook: fastpath.HookLocalIn}))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.Packets.WithLabelValues("pre_routing", "bypass", "geneve")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Packets.WithLabelValues("pre_routing", "continue", "parse-failure")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Packets.WithLabelValues("local_in", "continue", "nil-packet")))
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Packets.WithLabelValues("local_in", "bypass", "stt")))
}

func TestInstrumentNilContext(t *testing.T) {
	m := NewMetrics()
	fn := m.Instrument(fastpath.New(fastpath.DefaultOptions()))
	assert.NotPanics(t, func() {
		assert.Equal(t, fastpath.Bypass, fn(packet.UDP(1, 6081), nil))
	})
}

func TestObserverWithRegistry(t *testing.T) {
	m := NewMetrics()
	k := kernel.NewSimKernel()
	c := fastpath.New(fastpath.DefaultOptions())

	reg := hooks.NewGlobalRegistry(k, hooks.Table(m.Instrument(c), hooks.DefaultTableConfig()), quietLogger())
	reg.SetObserver(m)
	require.NoError(t, reg.Init())
	assert.Equal(t, 4.0, testutil.ToFloat64(m.HooksRegistered.WithLabelValues(hooks.ScopeGlobal)))

	err := reg.Init()
	require.True(t, errors.HasKind(err, errors.KindConflict))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.RegistrationErrors.WithLabelValues(StageRegister, hooks.ScopeGlobal)))

	_, err = k.Inject(kernel.Injection{Hook: fastpath.HookLocalOut, Data: packet.TCP(1, 7471)})
	require.NoError(t, err)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.Packets.WithLabelValues("local_out", "bypass", "stt")))

	reg.Teardown()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.HooksRegistered.WithLabelValues(hooks.ScopeGlobal)))
}

func TestNamespaceGauge(t *testing.T) {
	m := NewMetrics()
	assert.Equal(t, 0.0, testutil.ToFloat64(m.Namespaces))

	n := 3
	m.SetNamespaceSource(func() int { return n })
	assert.Equal(t, 3.0, testutil.ToFloat64(m.Namespaces))
	n = 5
	assert.Equal(t, 5.0, testutil.ToFloat64(m.Namespaces))
}

func TestChainCollector(t *testing.T) {
	m := NewMetrics()
	k := kernel.NewSimKernel()
	reg := hooks.NewGlobalRegistry(k, hooks.Table(fastpath.New(fastpath.DefaultOptions()).Hook(), hooks.DefaultTableConfig()), quietLogger())
	require.NoError(t, reg.Init())
	require.NoError(t, m.RegisterChains(k, quietLogger()))

	for i := 0; i < 3; i++ {
		_, err := k.Inject(kernel.Injection{Hook: fastpath.HookLocalIn, Data: packet.UDP(1, 2)})
		require.NoError(t, err)
	}

	root := k.RootNamespace().String()
	expected := `
# HELP fastpath_chain_packets_total Packets that entered a fastpath hook chain
# TYPE fastpath_chain_packets_total counter
fastpath_chain_packets_total{hook="local_in",namespace="` + root + `"} 3
`
	require.NoError(t, testutil.GatherAndCompare(m.Registry(), strings.NewReader(expected), "fastpath_chain_packets_total"))
}

type failingSource struct{}

func (failingSource) ChainCounters() ([]kernel.ChainCounter, error) {
	return nil, errors.New(errors.KindUnavailable, "no netfilter")
}

func TestChainCollectorSourceError(t *testing.T) {
	c := NewChainCollector(failingSource{}, quietLogger())
	assert.Equal(t, 0, testutil.CollectAndCount(c))
}

func TestRegistryExposesAll(t *testing.T) {
	m := NewMetrics()
	m.HooksAttached(hooks.ScopeNamespace, 4)
	m.TeardownFailed(hooks.ScopeNamespace)

	families, err := m.Registry().Gather()
	require.NoError(t, err)
	names := map[string]bool{}
	for _, f := range families {
		names[f.GetName()] = true
	}
	for _, want := range []string{
		"fastpath_hooks_registered",
		"fastpath_registration_errors_total",
		"fastpath_namespaces",
		"go_goroutines",
	} {
		assert.True(t, names[want], "missing %s", want)
	}
}
