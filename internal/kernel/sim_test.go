// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"bytes"
	"fmt"
	"net"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/logging"
	"grimm.is/fastpath/internal/packet"
)

func quietLogger() *logging.Logger {
	return logging.New(logging.Config{Level: logging.LevelError, Output: &bytes.Buffer{}})
}

func recordingOps(name string, point fastpath.HookPoint, prio int32, trace *[]string, v fastpath.Verdict) *hooks.HookOps {
	return &hooks.HookOps{
		Name:     name,
		Hook:     point,
		Priority: prio,
		Fn: func(data []byte, ctx *fastpath.Context) fastpath.Verdict {
			*trace = append(*trace, name)
			return v
		},
	}
}

func TestSimKernel_PriorityOrder(t *testing.T) {
	k := NewSimKernel()
	var trace []string

	require.NoError(t, k.RegisterHook(recordingOps("late", fastpath.HookLocalIn, 100, &trace, fastpath.ContinueNormal)))
	require.NoError(t, k.RegisterHook(recordingOps("first", fastpath.HookLocalIn, hooks.PriorityFirst, &trace, fastpath.ContinueNormal)))
	require.NoError(t, k.RegisterNetHook(k.RootNamespace(), recordingOps("mid", fastpath.HookLocalIn, 0, &trace, fastpath.ContinueNormal)))

	out, err := k.Inject(Injection{Hook: fastpath.HookLocalIn, Data: packet.UDP(1, 2)})
	require.NoError(t, err)
	assert.Equal(t, []string{"first", "mid", "late"}, trace)
	assert.Equal(t, 3, out.HooksRun)
	assert.True(t, out.Filtered)
	assert.True(t, out.Forwarded)
}

func TestSimKernel_BypassStopsChain(t *testing.T) {
	k := NewSimKernel()
	var trace []string
	require.NoError(t, k.RegisterHook(recordingOps("bypass", fastpath.HookForward, -10, &trace, fastpath.Bypass)))
	require.NoError(t, k.RegisterHook(recordingOps("never", fastpath.HookForward, 10, &trace, fastpath.ContinueNormal)))

	filtered := false
	k.Filter = func(*Injection) bool { filtered = true; return true }

	out, err := k.Inject(Injection{Hook: fastpath.HookForward})
	require.NoError(t, err)
	assert.Equal(t, []string{"bypass"}, trace)
	assert.Equal(t, fastpath.Bypass, out.Verdict)
	assert.True(t, out.Forwarded, "global bypass is translated to stop")
	assert.False(t, out.Filtered)
	assert.False(t, filtered)
	assert.Zero(t, out.ResumeCalls)
}

func TestSimKernel_RegistrationErrors(t *testing.T) {
	k := NewSimKernel()
	var trace []string
	ops := recordingOps("a", fastpath.HookLocalOut, 0, &trace, fastpath.ContinueNormal)

	require.NoError(t, k.RegisterHook(ops))
	err := k.RegisterHook(ops)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))

	err = k.UnregisterHook(recordingOps("b", fastpath.HookLocalOut, 0, &trace, fastpath.ContinueNormal))
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	err = k.RegisterNetHook(fastpath.NamespaceID{Dev: 1, Ino: 1}, ops)
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	err = k.RegisterHook(&hooks.HookOps{Name: "nofn", Hook: fastpath.HookLocalOut})
	assert.Equal(t, errors.KindValidation, errors.GetKind(err))

	require.NoError(t, k.UnregisterHook(ops))
	assert.Equal(t, 0, k.HookCount(k.RootNamespace(), fastpath.HookLocalOut))
}

func TestSimKernel_SlotLimit(t *testing.T) {
	k := NewSimKernel()
	k.SlotLimit = 1
	var trace []string

	require.NoError(t, k.RegisterHook(recordingOps("a", fastpath.HookPreRouting, 0, &trace, fastpath.ContinueNormal)))
	err := k.RegisterHook(recordingOps("b", fastpath.HookPreRouting, 0, &trace, fastpath.ContinueNormal))
	assert.Equal(t, errors.KindUnavailable, errors.GetKind(err))
}

func TestSimKernel_GlobalRegistryRollsBackOnFullSlot(t *testing.T) {
	k := NewSimKernel()
	k.SlotLimit = 1
	var trace []string
	// Occupy post_routing so the third table entry fails.
	require.NoError(t, k.RegisterHook(recordingOps("other", fastpath.HookPostRouting, 0, &trace, fastpath.ContinueNormal)))

	c := fastpath.New(fastpath.DefaultOptions())
	reg := hooks.NewGlobalRegistry(k, hooks.Table(c.Hook(), hooks.DefaultTableConfig()), quietLogger())

	err := reg.Init()
	require.Error(t, err)
	assert.Equal(t, errors.KindRegistration, errors.GetKind(err))
	assert.True(t, errors.HasKind(err, errors.KindUnavailable))

	root := k.RootNamespace()
	assert.Equal(t, 0, k.HookCount(root, fastpath.HookLocalIn))
	assert.Equal(t, 0, k.HookCount(root, fastpath.HookLocalOut))
	assert.Equal(t, 1, k.HookCount(root, fastpath.HookPostRouting))

	report := reg.Teardown()
	assert.True(t, report.NotRegistered)
}

func TestSimKernel_GlobalModelEndToEnd(t *testing.T) {
	k := NewSimKernel()
	c := fastpath.New(fastpath.DefaultOptions())
	reg := hooks.NewGlobalRegistry(k, hooks.Table(c.Hook(), hooks.DefaultTableConfig()), quietLogger())
	require.NoError(t, reg.Init())

	for _, point := range fastpath.HookPoints {
		t.Run(point.String(), func(t *testing.T) {
			out, err := k.Inject(Injection{Hook: point, Data: packet.UDP(40000, 6081)})
			require.NoError(t, err)
			assert.Equal(t, fastpath.Bypass, out.Verdict)
			assert.True(t, out.Forwarded)
			assert.False(t, out.Filtered)
			assert.Zero(t, out.ResumeCalls)

			out, err = k.Inject(Injection{Hook: point, Data: packet.TCP(40000, 443)})
			require.NoError(t, err)
			assert.Equal(t, fastpath.ContinueNormal, out.Verdict)
			assert.True(t, out.Filtered)
		})
	}

	out, err := k.Inject(Injection{Hook: fastpath.HookLocalIn, Data: packet.TCP(40000, 7471)})
	require.NoError(t, err)
	assert.True(t, out.Filtered, "stt delivered locally is filtered")

	// Legacy hooks are visible from every namespace.
	ns, err := k.CreateNamespace()
	require.NoError(t, err)
	out, err = k.Inject(Injection{Namespace: ns, Hook: fastpath.HookPreRouting, Data: packet.UDP(6081, 1)})
	require.NoError(t, err)
	assert.Equal(t, fastpath.Bypass, out.Verdict)

	require.True(t, reg.Teardown().OK())
	assert.Equal(t, 0, k.HookCount(k.RootNamespace(), fastpath.HookLocalIn))
}

func TestSimKernel_NamespaceModelEndToEnd(t *testing.T) {
	k := NewSimKernel()
	c := fastpath.New(fastpath.Options{Strategy: fastpath.NewNamespaceStrategy(k.RootNamespace())})
	reg := hooks.NewNamespaceRegistry(k, hooks.Table(c.Hook(), hooks.DefaultTableConfig()), quietLogger())

	require.NoError(t, k.RegisterPernet(reg))
	assert.Equal(t, []fastpath.NamespaceID{k.RootNamespace()}, reg.Namespaces())

	pod, err := k.CreateNamespace()
	require.NoError(t, err)
	assert.Equal(t, 1, k.HookCount(pod, fastpath.HookLocalIn))
	assert.Len(t, reg.Namespaces(), 2)

	out, err := k.Inject(Injection{Namespace: pod, Hook: fastpath.HookLocalOut, Data: packet.TCP(5000, 80)})
	require.NoError(t, err)
	assert.Equal(t, fastpath.Bypass, out.Verdict)
	assert.Equal(t, 1, out.ResumeCalls)
	assert.True(t, out.Forwarded)
	assert.False(t, out.Filtered)

	out, err = k.Inject(Injection{Hook: fastpath.HookLocalOut, Data: packet.TCP(5000, 80)})
	require.NoError(t, err)
	assert.Equal(t, fastpath.ContinueNormal, out.Verdict)
	assert.Zero(t, out.ResumeCalls)
	assert.True(t, out.Filtered)

	reports, err := k.DestroyNamespace(pod)
	require.NoError(t, err)
	require.Len(t, reports, 1)
	assert.Len(t, reports[0].Removed, 4)
	assert.Equal(t, []fastpath.NamespaceID{k.RootNamespace()}, reg.Namespaces())

	_, err = k.Inject(Injection{Namespace: pod, Hook: fastpath.HookLocalOut})
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))

	reports = k.UnregisterPernet(reg)
	require.Len(t, reports, 1)
	assert.True(t, reports[0].OK())
	assert.Empty(t, reg.Namespaces())
}

type fakePernet struct {
	fail  bool
	inits []fastpath.NamespaceID
	exits []fastpath.NamespaceID
}

func (p *fakePernet) Init(ns fastpath.NamespaceID) error {
	if p.fail {
		return errors.New(errors.KindRegistration, "refused")
	}
	p.inits = append(p.inits, ns)
	return nil
}

func (p *fakePernet) Exit(ns fastpath.NamespaceID) *hooks.TeardownReport {
	p.exits = append(p.exits, ns)
	return &hooks.TeardownReport{Namespace: ns}
}

func TestSimKernel_CreateNamespaceFailureUnwinds(t *testing.T) {
	k := NewSimKernel()
	good := &fakePernet{}
	require.NoError(t, k.RegisterPernet(good))
	bad := &fakePernet{}
	require.NoError(t, k.RegisterPernet(bad))
	bad.fail = true

	_, err := k.CreateNamespace()
	require.Error(t, err)
	assert.Equal(t, errors.KindRegistration, errors.GetKind(err))
	require.Len(t, good.exits, 1, "earlier subscriber is unwound")
	assert.Equal(t, good.inits[len(good.inits)-1], good.exits[0])
	assert.Len(t, k.Namespaces(), 1)
}

func TestSimKernel_RegisterPernetFailure(t *testing.T) {
	k := NewSimKernel()
	_, err := k.CreateNamespace()
	require.NoError(t, err)

	bad := &fakePernet{fail: true}
	require.Error(t, k.RegisterPernet(bad))

	// The failed subscriber no longer receives events.
	_, err = k.CreateNamespace()
	require.NoError(t, err)
}

func TestSimKernel_DestroyRoot(t *testing.T) {
	k := NewSimKernel()
	_, err := k.DestroyNamespace(k.RootNamespace())
	assert.Equal(t, errors.KindPermission, errors.GetKind(err))

	_, err = k.DestroyNamespace(fastpath.NamespaceID{Dev: 9, Ino: 9})
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}

func TestSimKernel_BypassWithoutResumeIsLost(t *testing.T) {
	k := NewSimKernel()
	ops := &hooks.HookOps{
		Name: "steal",
		Hook: fastpath.HookLocalIn,
		Fn:   func([]byte, *fastpath.Context) fastpath.Verdict { return fastpath.Bypass },
	}
	require.NoError(t, k.RegisterNetHook(k.RootNamespace(), ops))

	out, err := k.Inject(Injection{Hook: fastpath.HookLocalIn, Data: packet.UDP(1, 2)})
	require.NoError(t, err)
	assert.Equal(t, fastpath.Bypass, out.Verdict)
	assert.False(t, out.Forwarded)
	assert.Equal(t, uint64(1), k.Stats().Dropped)
}

func TestSimKernel_FilterDrops(t *testing.T) {
	k := NewSimKernel()
	k.Filter = func(inj *Injection) bool { return inj.Hook != fastpath.HookLocalIn }

	out, err := k.Inject(Injection{Hook: fastpath.HookLocalIn, Data: packet.UDP(1, 2)})
	require.NoError(t, err)
	assert.True(t, out.Filtered)
	assert.False(t, out.Forwarded)

	st := k.Stats()
	assert.Equal(t, uint64(1), st.Injected)
	assert.Equal(t, uint64(1), st.Dropped)
	assert.Equal(t, uint64(1), st.PerHook[fastpath.HookLocalIn].Packets)
}

func TestSimKernel_InjectPacketTracksFlows(t *testing.T) {
	k := NewSimKernel()
	c := fastpath.New(fastpath.DefaultOptions())
	reg := hooks.NewGlobalRegistry(k, hooks.Table(c.Hook(), hooks.DefaultTableConfig()), quietLogger())
	require.NoError(t, reg.Init())

	geneve := gopacket.NewPacket(packet.UDP(50000, 6081), layers.LayerTypeIPv4, gopacket.Default)
	plain := gopacket.NewPacket(packet.TCP(50000, 22), layers.LayerTypeIPv4, gopacket.Default)

	tmpl := Injection{Hook: fastpath.HookPreRouting}
	for i := 0; i < 3; i++ {
		out, err := k.InjectPacket(geneve, tmpl)
		require.NoError(t, err)
		assert.Equal(t, fastpath.Bypass, out.Verdict)
	}
	out, err := k.InjectPacket(plain, tmpl)
	require.NoError(t, err)
	assert.True(t, out.Filtered)

	flows := k.Flows()
	require.Len(t, flows, 2)
	byProto := map[string]Flow{}
	for _, f := range flows {
		byProto[f.Protocol] = f
	}
	assert.Equal(t, uint64(3), byProto["udp"].Packets)
	assert.Equal(t, uint64(3), byProto["udp"].Bypassed)
	assert.Equal(t, uint16(6081), byProto["udp"].DstPort)
	assert.Equal(t, "10.0.0.1", byProto["udp"].Src.String())
	assert.Equal(t, uint64(1), byProto["tcp"].Filtered)
	assert.Equal(t, k.RootNamespace(), byProto["tcp"].Namespace)
}

func TestSimKernel_InjectPacketSkipsNonIP(t *testing.T) {
	k := NewSimKernel()

	buf := gopacket.NewSerializeBuffer()
	hw := net.HardwareAddr{0x02, 0, 0, 0, 0, 1}
	require.NoError(t, gopacket.SerializeLayers(buf, gopacket.SerializeOptions{FixLengths: true},
		&layers.Ethernet{SrcMAC: hw, DstMAC: layers.EthernetBroadcast, EthernetType: layers.EthernetTypeARP},
		&layers.ARP{
			AddrType:          layers.LinkTypeEthernet,
			Protocol:          layers.EthernetTypeIPv4,
			HwAddressSize:     6,
			ProtAddressSize:   4,
			Operation:         layers.ARPRequest,
			SourceHwAddress:   hw,
			SourceProtAddress: net.IPv4(10, 0, 0, 1).To4(),
			DstHwAddress:      make([]byte, 6),
			DstProtAddress:    net.IPv4(10, 0, 0, 2).To4(),
		},
	))
	arp := gopacket.NewPacket(buf.Bytes(), layers.LayerTypeEthernet, gopacket.Default)

	out, err := k.InjectPacket(arp, Injection{Hook: fastpath.HookPreRouting})
	require.NoError(t, err)
	assert.True(t, out.Skipped)
	assert.Equal(t, uint64(1), k.Stats().Skipped)
	assert.Empty(t, k.Flows())
}

func TestSimKernel_ConcurrentInject(t *testing.T) {
	k := NewSimKernel()
	c := fastpath.New(fastpath.DefaultOptions())
	reg := hooks.NewGlobalRegistry(k, hooks.Table(c.Hook(), hooks.DefaultTableConfig()), quietLogger())
	require.NoError(t, reg.Init())

	done := make(chan error, 8)
	for g := 0; g < 8; g++ {
		go func(g int) {
			for i := 0; i < 200; i++ {
				out, err := k.Inject(Injection{Hook: fastpath.HookPostRouting, Data: packet.UDP(uint16(1000+g), 6081)})
				if err != nil {
					done <- err
					return
				}
				if out.Verdict != fastpath.Bypass {
					done <- fmt.Errorf("goroutine %d: unexpected verdict %s", g, out.Verdict)
					return
				}
			}
			done <- nil
		}(g)
	}
	for g := 0; g < 8; g++ {
		require.NoError(t, <-done)
	}
	assert.Equal(t, uint64(1600), k.Stats().Bypassed)
}

func TestSimKernel_Close(t *testing.T) {
	k := NewSimKernel()
	var trace []string
	require.NoError(t, k.RegisterHook(recordingOps("a", fastpath.HookLocalIn, 0, &trace, fastpath.ContinueNormal)))
	require.NoError(t, k.Close())
	assert.Equal(t, 0, k.HookCount(k.RootNamespace(), fastpath.HookLocalIn))
}

func TestSimKernel_BindNamespace(t *testing.T) {
	k := NewSimKernel()

	a, err := k.BindNamespace("/var/run/netns/a")
	require.NoError(t, err)
	again, err := k.BindNamespace("/var/run/netns/a")
	require.NoError(t, err)
	assert.Equal(t, a, again, "same path, same namespace")

	b, err := k.BindNamespace("/var/run/netns/b")
	require.NoError(t, err)
	assert.NotEqual(t, a, b)
	assert.Len(t, k.Namespaces(), 3)

	k.ReleaseNamespace(a)
	still, err := k.BindNamespace("/var/run/netns/a")
	require.NoError(t, err)
	assert.Equal(t, a, still, "one reference left keeps the binding")

	k.ReleaseNamespace(a)
	k.ReleaseNamespace(a)
	assert.Len(t, k.Namespaces(), 3, "release keeps the namespace alive")
	fresh, err := k.BindNamespace("/var/run/netns/a")
	require.NoError(t, err)
	assert.NotEqual(t, a, fresh, "a released path binds a new namespace")
}

func TestSimKernel_ReleaseNamespaceDropsHooks(t *testing.T) {
	k := NewSimKernel()
	var trace []string

	ns, err := k.BindNamespace("/var/run/netns/tenant")
	require.NoError(t, err)
	_, err = k.BindNamespace("/var/run/netns/tenant")
	require.NoError(t, err)
	require.NoError(t, k.RegisterNetHook(ns, recordingOps("a", fastpath.HookLocalIn, 0, &trace, fastpath.ContinueNormal)))

	k.ReleaseNamespace(ns)
	assert.Equal(t, 1, k.HookCount(ns, fastpath.HookLocalIn), "another reference is still held")
	k.ReleaseNamespace(ns)
	assert.Equal(t, 0, k.HookCount(ns, fastpath.HookLocalIn))

	// Namespaces that were never bound are not affected.
	other, err := k.CreateNamespace()
	require.NoError(t, err)
	require.NoError(t, k.RegisterNetHook(other, recordingOps("b", fastpath.HookLocalIn, 0, &trace, fastpath.ContinueNormal)))
	k.ReleaseNamespace(other)
	assert.Equal(t, 1, k.HookCount(other, fastpath.HookLocalIn))
}

func TestSimKernel_MountNamespace(t *testing.T) {
	k := NewSimKernel()
	a, err := k.BindNamespace("/var/run/netns/a")
	require.NoError(t, err)

	require.NoError(t, k.MountNamespace("/var/run/netns/alias", a))
	got, err := k.BindNamespace("/var/run/netns/alias")
	require.NoError(t, err)
	assert.Equal(t, a, got)

	err = k.MountNamespace("/var/run/netns/a", a)
	assert.Equal(t, errors.KindConflict, errors.GetKind(err))
	err = k.MountNamespace("/var/run/netns/x", fastpath.NamespaceID{Dev: 1, Ino: 1})
	assert.Equal(t, errors.KindNotFound, errors.GetKind(err))
}
