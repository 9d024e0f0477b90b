// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"net/netip"
	"sort"
	"sync"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
)

const (
	simNsfsDev = 4
	simRootIno = 4026531840
)

// FilterChain stands in for the host's filtering chain. It returns false
// when the packet is dropped.
type FilterChain func(inj *Injection) bool

// Injection is one packet presented at one hook point.
type Injection struct {
	Namespace fastpath.NamespaceID // zero means the root namespace
	Hook      fastpath.HookPoint
	In        *fastpath.Interface
	Out       *fastpath.Interface
	Data      []byte
}

// Outcome is what the simulated stack did with an injected packet.
type Outcome struct {
	Verdict fastpath.Verdict
	// Filtered is set when the packet reached the filter chain.
	Filtered bool
	// Forwarded is set when the packet left the hook point alive.
	Forwarded bool
	// ResumeCalls counts continuation invocations by hooks.
	ResumeCalls int
	HooksRun    int
	// Skipped is set by InjectPacket for packets no IP hook would see.
	Skipped bool
}

type simHook struct {
	ops    *hooks.HookOps
	global bool
	seq    uint64
}

type simNamespace struct {
	id    fastpath.NamespaceID
	hooks map[fastpath.HookPoint][]*simHook
}

// SimKernel is a stateful in-memory model of the host's hook machinery.
// It keeps a priority-ordered hook list per namespace and hook point, runs
// injected packets through them, and tracks replayed flows.
type SimKernel struct {
	mu sync.RWMutex

	// SlotLimit caps the hooks per namespace and point. Zero is unlimited.
	SlotLimit int
	// Filter decides the fate of packets no hook bypassed. Nil accepts all.
	Filter FilterChain
	// Now is the time source for flow bookkeeping.
	Now func() time.Time

	root       fastpath.NamespaceID
	nextIno    uint64
	seq        uint64
	namespaces map[fastpath.NamespaceID]*simNamespace
	global     map[fastpath.HookPoint][]*simHook
	pernet     []PernetOps
	bound      map[string]fastpath.NamespaceID
	refs       map[fastpath.NamespaceID]int

	flows  map[string]*Flow
	chains map[chainKey]Counter
	stats  SimStats
}

type chainKey struct {
	ns   fastpath.NamespaceID
	hook fastpath.HookPoint
}

// SimStats holds simulation statistics.
type SimStats struct {
	Injected    uint64
	Bypassed    uint64
	Filtered    uint64
	Dropped     uint64
	ResumeCalls uint64
	Skipped     uint64
	PerHook     map[fastpath.HookPoint]Counter
}

// NewSimKernel creates a simulated stack holding only the root namespace.
func NewSimKernel() *SimKernel {
	root := fastpath.NamespaceID{Dev: simNsfsDev, Ino: simRootIno}
	s := &SimKernel{
		Now:        time.Now,
		root:       root,
		namespaces: make(map[fastpath.NamespaceID]*simNamespace),
		global:     make(map[fastpath.HookPoint][]*simHook),
		bound:      make(map[string]fastpath.NamespaceID),
		refs:       make(map[fastpath.NamespaceID]int),
		flows:      make(map[string]*Flow),
		chains:     make(map[chainKey]Counter),
		stats:      SimStats{PerHook: make(map[fastpath.HookPoint]Counter)},
	}
	s.namespaces[root] = newSimNamespace(root)
	return s
}

func newSimNamespace(id fastpath.NamespaceID) *simNamespace {
	return &simNamespace{id: id, hooks: make(map[fastpath.HookPoint][]*simHook)}
}

// RootNamespace returns the identity of the initial namespace.
func (s *SimKernel) RootNamespace() fastpath.NamespaceID { return s.root }

// RegisterHook attaches ops to every namespace, legacy style.
func (s *SimKernel) RegisterHook(ops *hooks.HookOps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.insertLocked(s.global, ops, true)
}

// UnregisterHook detaches a hook added with RegisterHook.
func (s *SimKernel) UnregisterHook(ops *hooks.HookOps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return removeHook(s.global, ops)
}

// RegisterNetHook attaches ops in one namespace.
func (s *SimKernel) RegisterNetHook(ns fastpath.NamespaceID, ops *hooks.HookOps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.namespaces[ns]
	if !ok {
		return errors.Attr(errors.New(errors.KindNotFound, "no such namespace"), "namespace", ns.String())
	}
	return s.insertLocked(n.hooks, ops, false)
}

// UnregisterNetHook detaches a hook added with RegisterNetHook.
func (s *SimKernel) UnregisterNetHook(ns fastpath.NamespaceID, ops *hooks.HookOps) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, ok := s.namespaces[ns]
	if !ok {
		return errors.Attr(errors.New(errors.KindNotFound, "no such namespace"), "namespace", ns.String())
	}
	return removeHook(n.hooks, ops)
}

func (s *SimKernel) insertLocked(table map[fastpath.HookPoint][]*simHook, ops *hooks.HookOps, global bool) error {
	if ops == nil || ops.Fn == nil {
		return errors.New(errors.KindValidation, "hook ops without a function")
	}
	list := table[ops.Hook]
	for _, h := range list {
		if h.ops == ops {
			return errors.Attr(errors.Errorf(errors.KindConflict, "hook %s already registered", ops.Name),
				"hook", ops.Hook.String())
		}
	}
	if s.SlotLimit > 0 && len(list) >= s.SlotLimit {
		return errors.Attr(errors.Errorf(errors.KindUnavailable, "no free slot at %s", ops.Hook),
			"limit", s.SlotLimit)
	}
	s.seq++
	list = append(list, &simHook{ops: ops, global: global, seq: s.seq})
	sortHooks(list)
	table[ops.Hook] = list
	return nil
}

func removeHook(table map[fastpath.HookPoint][]*simHook, ops *hooks.HookOps) error {
	if ops == nil {
		return errors.New(errors.KindValidation, "nil hook ops")
	}
	list := table[ops.Hook]
	for i, h := range list {
		if h.ops == ops {
			table[ops.Hook] = append(list[:i:i], list[i+1:]...)
			return nil
		}
	}
	return errors.Attr(errors.Errorf(errors.KindNotFound, "hook %s not registered", ops.Name),
		"hook", ops.Hook.String())
}

// sortHooks orders by priority, then by registration order.
func sortHooks(list []*simHook) {
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].ops.Priority != list[j].ops.Priority {
			return list[i].ops.Priority < list[j].ops.Priority
		}
		return list[i].seq < list[j].seq
	})
}

// HookCount returns how many hooks would run at point in ns, global
// hooks included.
func (s *SimKernel) HookCount(ns fastpath.NamespaceID, point fastpath.HookPoint) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n, ok := s.namespaces[ns]
	if !ok {
		return 0
	}
	return len(s.global[point]) + len(n.hooks[point])
}

// CreateNamespace mints a new namespace and runs every pernet Init on it.
// If any Init fails the earlier ones are exited and the namespace is not
// created.
func (s *SimKernel) CreateNamespace() (fastpath.NamespaceID, error) {
	s.mu.Lock()
	s.nextIno++
	id := fastpath.NamespaceID{Dev: simNsfsDev, Ino: s.root.Ino + s.nextIno}
	s.namespaces[id] = newSimNamespace(id)
	subs := append([]PernetOps(nil), s.pernet...)
	s.mu.Unlock()

	// Subscribers register hooks, so they run without the lock held.
	for i, p := range subs {
		if err := p.Init(id); err != nil {
			for j := i - 1; j >= 0; j-- {
				subs[j].Exit(id)
			}
			s.mu.Lock()
			delete(s.namespaces, id)
			s.mu.Unlock()
			return fastpath.NamespaceID{}, errors.Attr(
				errors.Wrap(err, errors.GetKind(err), "create namespace"), "namespace", id.String())
		}
	}
	return id, nil
}

// DestroyNamespace runs every pernet Exit, in reverse subscription order,
// and removes the namespace. Hooks left behind are discarded with it.
func (s *SimKernel) DestroyNamespace(ns fastpath.NamespaceID) ([]*hooks.TeardownReport, error) {
	if ns == s.root {
		return nil, errors.New(errors.KindPermission, "cannot destroy the root namespace")
	}
	s.mu.RLock()
	_, ok := s.namespaces[ns]
	subs := append([]PernetOps(nil), s.pernet...)
	s.mu.RUnlock()
	if !ok {
		return nil, errors.Attr(errors.New(errors.KindNotFound, "no such namespace"), "namespace", ns.String())
	}

	reports := make([]*hooks.TeardownReport, 0, len(subs))
	for i := len(subs) - 1; i >= 0; i-- {
		reports = append(reports, subs[i].Exit(ns))
	}

	s.mu.Lock()
	delete(s.namespaces, ns)
	s.mu.Unlock()
	return reports, nil
}

// BindNamespace returns the namespace bound to path, creating it on first
// use the way a named namespace appears under /var/run/netns. Every bind
// takes a reference that ReleaseNamespace gives back.
func (s *SimKernel) BindNamespace(path string) (fastpath.NamespaceID, error) {
	s.mu.Lock()
	if id, ok := s.bound[path]; ok {
		s.refs[id]++
		s.mu.Unlock()
		return id, nil
	}
	s.mu.Unlock()

	id, err := s.CreateNamespace()
	if err != nil {
		return fastpath.NamespaceID{}, errors.Attr(err, "path", path)
	}
	s.mu.Lock()
	s.bound[path] = id
	s.refs[id]++
	s.mu.Unlock()
	return id, nil
}

// MountNamespace makes an existing namespace reachable under a second path,
// as `ip netns attach` does.
func (s *SimKernel) MountNamespace(path string, id fastpath.NamespaceID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.namespaces[id]; !ok {
		return errors.Attr(errors.New(errors.KindNotFound, "no such namespace"), "namespace", id.String())
	}
	if _, ok := s.bound[path]; ok {
		return errors.Attr(errors.New(errors.KindConflict, "path already bound"), "path", path)
	}
	s.bound[path] = id
	return nil
}

// ReleaseNamespace gives back one reference taken by BindNamespace and does
// nothing without one. When the last reference goes, the path bindings are
// dropped and hooks still registered in the namespace are removed, as the
// Linux adapter does when it closes the namespace. The namespace itself
// lives until DestroyNamespace.
func (s *SimKernel) ReleaseNamespace(id fastpath.NamespaceID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch n := s.refs[id]; {
	case n == 0:
		return
	case n > 1:
		s.refs[id]--
		return
	}
	delete(s.refs, id)
	if id == s.root {
		return
	}
	for path, b := range s.bound {
		if b == id {
			delete(s.bound, path)
		}
	}
	if n, ok := s.namespaces[id]; ok {
		n.hooks = make(map[fastpath.HookPoint][]*simHook)
	}
}

// Namespaces lists live namespaces, root first.
func (s *SimKernel) Namespaces() []fastpath.NamespaceID {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.namespacesLocked()
}

func (s *SimKernel) namespacesLocked() []fastpath.NamespaceID {
	out := make([]fastpath.NamespaceID, 0, len(s.namespaces))
	for id := range s.namespaces {
		out = append(out, id)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ino < out[j].Ino })
	return out
}

// RegisterPernet subscribes ops to namespace events and runs Init for every
// existing namespace. On failure the namespaces already initialised are
// exited and the subscription is dropped.
func (s *SimKernel) RegisterPernet(ops PernetOps) error {
	s.mu.Lock()
	s.pernet = append(s.pernet, ops)
	existing := s.namespacesLocked()
	s.mu.Unlock()

	for i, ns := range existing {
		if err := ops.Init(ns); err != nil {
			for j := i - 1; j >= 0; j-- {
				ops.Exit(existing[j])
			}
			s.dropPernet(ops)
			return err
		}
	}
	return nil
}

// UnregisterPernet runs Exit for every live namespace and drops the
// subscription.
func (s *SimKernel) UnregisterPernet(ops PernetOps) []*hooks.TeardownReport {
	s.dropPernet(ops)
	var reports []*hooks.TeardownReport
	for _, ns := range s.Namespaces() {
		reports = append(reports, ops.Exit(ns))
	}
	return reports
}

func (s *SimKernel) dropPernet(ops PernetOps) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, p := range s.pernet {
		if p == ops {
			s.pernet = append(s.pernet[:i:i], s.pernet[i+1:]...)
			return
		}
	}
}

// Inject runs the hooks registered at inj.Hook, in priority order, until
// one bypasses. A bypassing namespace hook forwards through its
// continuation; a bypassing global hook is translated to "stop" and the
// packet forwarded by the stack. Packets no hook bypassed go through the
// filter chain.
func (s *SimKernel) Inject(inj Injection) (Outcome, error) {
	ns := inj.Namespace
	if ns.IsZero() {
		ns = s.root
	}

	s.mu.RLock()
	n, ok := s.namespaces[ns]
	var chain []*simHook
	if ok {
		chain = make([]*simHook, 0, len(s.global[inj.Hook])+len(n.hooks[inj.Hook]))
		chain = append(chain, s.global[inj.Hook]...)
		chain = append(chain, n.hooks[inj.Hook]...)
	}
	filter := s.Filter
	s.mu.RUnlock()
	if !ok {
		return Outcome{}, errors.Attr(errors.New(errors.KindNotFound, "no such namespace"), "namespace", ns.String())
	}
	sortHooks(chain)

	var out Outcome
	for _, h := range chain {
		ctx := &fastpath.Context{Hook: inj.Hook, In: inj.In, Out: inj.Out, Namespace: ns}
		if !h.global {
			ctx.Resume = func() { out.ResumeCalls++ }
		}
		out.HooksRun++
		if h.ops.Fn(inj.Data, ctx) == fastpath.Bypass {
			out.Verdict = fastpath.Bypass
			out.Forwarded = h.global || out.ResumeCalls > 0
			break
		}
	}
	if out.Verdict != fastpath.Bypass {
		out.Filtered = true
		out.Forwarded = filter == nil || filter(&inj)
	}

	s.record(ns, inj, out)
	return out, nil
}

func (s *SimKernel) record(ns fastpath.NamespaceID, inj Injection, out Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if out.HooksRun > 0 {
		k := chainKey{ns: ns, hook: inj.Hook}
		cc := s.chains[k]
		cc.add(len(inj.Data))
		s.chains[k] = cc
	}
	s.stats.Injected++
	s.stats.ResumeCalls += uint64(out.ResumeCalls)
	if out.Verdict == fastpath.Bypass {
		s.stats.Bypassed++
	}
	if out.Filtered {
		s.stats.Filtered++
	}
	if !out.Forwarded {
		s.stats.Dropped++
	}
	c := s.stats.PerHook[inj.Hook]
	c.add(len(inj.Data))
	s.stats.PerHook[inj.Hook] = c
}

// InjectPacket feeds a decoded packet through Inject using the namespace,
// hook point and devices from tmpl, and accounts it to its flow. Packets
// without an IP layer are skipped.
func (s *SimKernel) InjectPacket(pkt gopacket.Packet, tmpl Injection) (Outcome, error) {
	var (
		data     []byte
		src, dst netip.Addr
	)
	switch {
	case pkt.Layer(layers.LayerTypeIPv4) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv4).(*layers.IPv4)
		data = joinLayer(ip.Contents, ip.Payload)
		src, _ = netip.AddrFromSlice(ip.SrcIP.To4())
		dst, _ = netip.AddrFromSlice(ip.DstIP.To4())
	case pkt.Layer(layers.LayerTypeIPv6) != nil:
		ip := pkt.Layer(layers.LayerTypeIPv6).(*layers.IPv6)
		data = joinLayer(ip.Contents, ip.Payload)
		src, _ = netip.AddrFromSlice(ip.SrcIP)
		dst, _ = netip.AddrFromSlice(ip.DstIP)
	default:
		s.mu.Lock()
		s.stats.Skipped++
		s.mu.Unlock()
		return Outcome{Forwarded: true, Skipped: true}, nil
	}

	var sport, dport uint16
	proto := "other"
	if tcp, ok := pkt.Layer(layers.LayerTypeTCP).(*layers.TCP); ok {
		sport, dport, proto = uint16(tcp.SrcPort), uint16(tcp.DstPort), "tcp"
	} else if udp, ok := pkt.Layer(layers.LayerTypeUDP).(*layers.UDP); ok {
		sport, dport, proto = uint16(udp.SrcPort), uint16(udp.DstPort), "udp"
	} else if pkt.Layer(layers.LayerTypeICMPv4) != nil || pkt.Layer(layers.LayerTypeICMPv6) != nil {
		proto = "icmp"
	}

	inj := tmpl
	inj.Data = data
	out, err := s.Inject(inj)
	if err != nil {
		return out, err
	}

	ns := inj.Namespace
	if ns.IsZero() {
		ns = s.root
	}
	s.trackFlow(ns, src, dst, sport, dport, proto, len(data), out)
	return out, nil
}

func joinLayer(contents, payload []byte) []byte {
	data := make([]byte, 0, len(contents)+len(payload))
	data = append(data, contents...)
	return append(data, payload...)
}

func (s *SimKernel) trackFlow(ns fastpath.NamespaceID, src, dst netip.Addr, sport, dport uint16, proto string, n int, out Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.Now()
	key := flowKey(ns, src, dst, sport, dport, proto)
	flow, exists := s.flows[key]
	if !exists {
		flow = &Flow{
			ID:        key,
			Namespace: ns,
			Src:       src,
			Dst:       dst,
			SrcPort:   sport,
			DstPort:   dport,
			Protocol:  proto,
			StartTime: now,
		}
		s.flows[key] = flow
	}
	flow.LastSeen = now
	flow.Packets++
	flow.Bytes += uint64(n)
	if out.Verdict == fastpath.Bypass {
		flow.Bypassed++
	}
	if out.Filtered {
		flow.Filtered++
	}
	if !out.Forwarded {
		flow.Dropped++
	}
}

// Flows returns a copy of the flow table, ordered by first appearance.
func (s *SimKernel) Flows() []Flow {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Flow, 0, len(s.flows))
	for _, f := range s.flows {
		out = append(out, *f)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].StartTime.Equal(out[j].StartTime) {
			return out[i].StartTime.Before(out[j].StartTime)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// ChainCounters reports, per namespace and hook point, the packets that
// reached at least one hook.
func (s *SimKernel) ChainCounters() ([]ChainCounter, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]ChainCounter, 0, len(s.chains))
	for k, c := range s.chains {
		out = append(out, ChainCounter{Namespace: k.ns, Hook: k.hook, Counter: c})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Namespace != out[j].Namespace {
			return out[i].Namespace.Ino < out[j].Namespace.Ino
		}
		return out[i].Hook < out[j].Hook
	})
	return out, nil
}

// Stats returns simulation statistics.
func (s *SimKernel) Stats() SimStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := s.stats
	st.PerHook = make(map[fastpath.HookPoint]Counter, len(s.stats.PerHook))
	for k, v := range s.stats.PerHook {
		st.PerHook[k] = v
	}
	return st
}

// Close drops every registered hook.
func (s *SimKernel) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.global = make(map[fastpath.HookPoint][]*simHook)
	for _, n := range s.namespaces {
		n.hooks = make(map[fastpath.HookPoint][]*simHook)
	}
	return nil
}
