// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package api

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/kernel"
	"grimm.is/fastpath/internal/logging"
	"grimm.is/fastpath/internal/metrics"
	"grimm.is/fastpath/internal/packet"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
}

// fixture registers the default table per namespace on a SimKernel and
// serves its status.
type fixture struct {
	k      *kernel.SimKernel
	reg    *hooks.NamespaceRegistry
	m      *metrics.Metrics
	server *Server
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	k := kernel.NewSimKernel()
	m := metrics.NewMetrics()
	c := fastpath.New(fastpath.Options{Strategy: fastpath.NewNamespaceStrategy(k.RootNamespace())})
	reg := hooks.NewNamespaceRegistry(k, hooks.Table(m.Instrument(c), hooks.DefaultTableConfig()), quietLogger())
	reg.SetObserver(m)

	f := &fixture{k: k, reg: reg, m: m}
	f.server = NewServer(Options{
		Listen:   "127.0.0.1:0",
		Gatherer: m.Registry(),
		Logger:   quietLogger(),
		Status: StatusFunc(func() Status {
			st := Status{Mode: "namespace", Registry: reg.ID(), Strategy: c.Strategy().Name()}
			for _, ns := range reg.Namespaces() {
				st.Scopes = append(st.Scopes, NewScope(hooks.ScopeNamespace, ns, reg.Attached(ns)))
			}
			st.Ready = len(st.Scopes) > 0
			return st
		}),
	})
	return f
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func TestHealthz(t *testing.T) {
	f := newFixture(t)

	rec := get(t, f.server.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	require.NoError(t, f.reg.Init(f.k.RootNamespace()))
	rec = get(t, f.server.Handler(), "/healthz")
	assert.Equal(t, http.StatusOK, rec.Code)

	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["scopes"])
}

func TestHealthzWithoutStatusSource(t *testing.T) {
	s := NewServer(Options{Logger: quietLogger()})
	rec := get(t, s.Handler(), "/healthz")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestHooks(t *testing.T) {
	f := newFixture(t)
	root := f.k.RootNamespace()
	require.NoError(t, f.reg.Init(root))
	tenant, err := f.k.CreateNamespace()
	require.NoError(t, err)
	require.NoError(t, f.reg.Init(tenant))

	rec := get(t, f.server.Handler(), "/v1/hooks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var st Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.Equal(t, "namespace", st.Mode)
	assert.Equal(t, f.reg.ID(), st.Registry)
	assert.Equal(t, "namespace", st.Strategy)
	assert.True(t, st.Ready)
	require.Len(t, st.Scopes, 2)

	byNS := map[string]Scope{}
	for _, sc := range st.Scopes {
		byNS[sc.Namespace] = sc
	}
	require.Contains(t, byNS, tenant.String())
	hooksSeen := byNS[tenant.String()].Hooks
	require.Len(t, hooksSeen, 4)
	assert.Equal(t, "fastpath_local_in", hooksSeen[0].Name)
	assert.Equal(t, "local_in", hooksSeen[0].Point)
	assert.Equal(t, "ipv4", hooksSeen[0].Family)
	assert.Equal(t, hooks.PriorityFirst, hooksSeen[0].Priority)
	assert.False(t, hooksSeen[0].AttachedAt.IsZero())
}

func TestHooksEmpty(t *testing.T) {
	f := newFixture(t)
	rec := get(t, f.server.Handler(), "/v1/hooks")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"scopes":[]`)
}

func TestHookByPoint(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Init(f.k.RootNamespace()))

	rec := get(t, f.server.Handler(), "/v1/hooks/PRE_ROUTING")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Point  string  `json:"point"`
		Scopes []Scope `json:"scopes"`
		Count  int     `json:"count"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "pre_routing", body.Point)
	require.Equal(t, 1, body.Count)
	require.Len(t, body.Scopes[0].Hooks, 1)
	assert.Equal(t, "pre_routing", body.Scopes[0].Hooks[0].Point)

	rec = get(t, f.server.Handler(), "/v1/hooks/forward")
	require.Equal(t, http.StatusOK, rec.Code)
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, 0, body.Count)

	rec = get(t, f.server.Handler(), "/v1/hooks/ingress")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestRoutingErrors(t *testing.T) {
	f := newFixture(t)

	rec := get(t, f.server.Handler(), "/v2/nothing")
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = httptest.NewRecorder()
	f.server.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/hooks", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t)
	root := f.k.RootNamespace()
	require.NoError(t, f.reg.Init(root))
	tenant, err := f.k.CreateNamespace()
	require.NoError(t, err)
	require.NoError(t, f.reg.Init(tenant))

	_, err = f.k.Inject(kernel.Injection{Hook: fastpath.HookPreRouting, Data: packet.UDP(40000, 6081)})
	require.NoError(t, err)
	_, err = f.k.Inject(kernel.Injection{Namespace: tenant, Hook: fastpath.HookLocalOut, Data: packet.TCP(1, 80)})
	require.NoError(t, err)

	rec := get(t, f.server.Handler(), "/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	body := rec.Body.String()
	assert.Contains(t, body, `fastpath_packets_total{hook="pre_routing",reason="geneve",verdict="bypass"} 1`)
	assert.Contains(t, body, `fastpath_packets_total{hook="local_out",reason="tenant-namespace",verdict="bypass"} 1`)
	assert.Contains(t, body, `fastpath_hooks_registered{scope="namespace"} 8`)
}

func TestStartShutdown(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.reg.Init(f.k.RootNamespace()))

	require.NoError(t, f.server.Start())
	err := f.server.Start()
	assert.True(t, errors.HasKind(err, errors.KindConflict))

	addr := f.server.Addr()
	require.NotNil(t, addr)

	client := &http.Client{Timeout: 2 * time.Second}
	resp, err := client.Get("http://" + addr.String() + "/healthz")
	require.NoError(t, err)
	_, _ = io.Copy(io.Discard, resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, f.server.Shutdown(ctx))
	assert.NoError(t, f.server.Shutdown(ctx), "second shutdown is a no-op")
}

func TestStartListenError(t *testing.T) {
	s := NewServer(Options{Listen: "256.0.0.1:1", Logger: quietLogger()})
	err := s.Start()
	require.Error(t, err)
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
}
