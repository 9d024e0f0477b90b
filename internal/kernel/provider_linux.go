// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

//go:build linux
// +build linux

package kernel

import (
	"context"
	"sync"
	"time"

	"github.com/florianl/go-nfqueue/v2"
	"github.com/google/nftables"
	"github.com/google/nftables/expr"
	"github.com/vishvananda/netlink"
	"github.com/vishvananda/netns"
	"golang.org/x/sys/unix"

	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/logging"
)

// nfStop is NF_STOP: accept and skip the remaining hooks at this point.
// go-nfqueue only exports the common verdicts.
const nfStop = 5

const aliasTTL = 10 * time.Second

// LinuxKernel implements Kernel on netfilter. Every namespace with hooks
// gets an nftables table holding one base chain per hook point; each chain
// queues packets to an NFQUEUE reader that runs the registered HookFunc and
// issues the verdict.
type LinuxKernel struct {
	cfg    LinuxConfig
	logger *logging.Logger

	mu      sync.Mutex
	root    fastpath.NamespaceID
	handles map[fastpath.NamespaceID]netns.NsHandle
	refs    map[fastpath.NamespaceID]int
	scopes  map[fastpath.NamespaceID]*linuxScope
}

// linuxScope is the netfilter state of one namespace.
type linuxScope struct {
	ns      fastpath.NamespaceID
	handle  netns.NsHandle
	global  bool
	table   *nftables.Table
	nl      *netlink.Handle
	nf      *nfqueue.Nfqueue
	cancel  context.CancelFunc
	logger  *logging.Logger
	opsMu   sync.RWMutex
	ops     map[fastpath.HookPoint]*hooks.HookOps
	chains  map[fastpath.HookPoint]*nftables.Chain
	ifMu    sync.Mutex
	ifCache map[uint32]cachedInterface
}

type cachedInterface struct {
	iface   *fastpath.Interface
	fetched time.Time
}

// NewLinuxKernel opens the adapter in the calling thread's namespace, which
// becomes the root namespace.
func NewLinuxKernel(cfg LinuxConfig, logger *logging.Logger) (*LinuxKernel, error) {
	if cfg.Table == "" {
		cfg.Table = DefaultLinuxConfig().Table
	}
	if logger == nil {
		logger = logging.WithComponent("kernel")
	}
	h, err := netns.Get()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "open root namespace")
	}
	root, err := handleID(h)
	if err != nil {
		h.Close()
		return nil, err
	}
	return &LinuxKernel{
		cfg:     cfg,
		logger:  logger,
		root:    root,
		handles: map[fastpath.NamespaceID]netns.NsHandle{root: h},
		refs:    make(map[fastpath.NamespaceID]int),
		scopes:  make(map[fastpath.NamespaceID]*linuxScope),
	}, nil
}

func handleID(h netns.NsHandle) (fastpath.NamespaceID, error) {
	var st unix.Stat_t
	if err := unix.Fstat(int(h), &st); err != nil {
		return fastpath.NamespaceID{}, errors.Wrap(err, errors.KindInternal, "stat namespace handle")
	}
	return fastpath.NamespaceID{Dev: uint64(st.Dev), Ino: st.Ino}, nil
}

// RootNamespace returns the identity of the namespace the adapter was opened in.
func (k *LinuxKernel) RootNamespace() fastpath.NamespaceID { return k.root }

// BindNamespace opens the namespace mounted at path so hooks can be
// registered in it, and returns its identity. Two paths naming the same
// namespace share one handle; every bind takes a reference.
func (k *LinuxKernel) BindNamespace(path string) (fastpath.NamespaceID, error) {
	h, err := netns.GetFromPath(path)
	if err != nil {
		return fastpath.NamespaceID{}, errors.Attr(
			errors.Wrap(err, errors.KindNotFound, "open namespace"), "path", path)
	}
	id, err := handleID(h)
	if err != nil {
		h.Close()
		return fastpath.NamespaceID{}, err
	}

	k.mu.Lock()
	defer k.mu.Unlock()
	k.refs[id]++
	if _, ok := k.handles[id]; ok {
		h.Close()
		return id, nil
	}
	k.handles[id] = h
	return id, nil
}

// ReleaseNamespace gives back a reference taken by BindNamespace. The last
// release closes the handle after removing hooks still registered in the
// namespace.
func (k *LinuxKernel) ReleaseNamespace(id fastpath.NamespaceID) {
	k.mu.Lock()
	defer k.mu.Unlock()
	switch n := k.refs[id]; {
	case n == 0:
		return
	case n > 1:
		k.refs[id]--
		return
	}
	delete(k.refs, id)
	if id == k.root {
		return
	}
	if sc, ok := k.scopes[id]; ok {
		k.destroyScopeLocked(sc)
	}
	if h, ok := k.handles[id]; ok {
		h.Close()
		delete(k.handles, id)
	}
}

// RegisterHook attaches ops in the root namespace without a continuation;
// a Bypass is turned into NF_STOP by the adapter.
func (k *LinuxKernel) RegisterHook(ops *hooks.HookOps) error {
	return k.register(k.root, ops, true)
}

// UnregisterHook detaches a hook added with RegisterHook.
func (k *LinuxKernel) UnregisterHook(ops *hooks.HookOps) error {
	return k.unregister(k.root, ops)
}

// RegisterNetHook attaches ops in ns. The hook receives a continuation that
// issues NF_STOP.
func (k *LinuxKernel) RegisterNetHook(ns fastpath.NamespaceID, ops *hooks.HookOps) error {
	return k.register(ns, ops, false)
}

// UnregisterNetHook detaches a hook added with RegisterNetHook.
func (k *LinuxKernel) UnregisterNetHook(ns fastpath.NamespaceID, ops *hooks.HookOps) error {
	return k.unregister(ns, ops)
}

func (k *LinuxKernel) register(ns fastpath.NamespaceID, ops *hooks.HookOps, global bool) error {
	if ops == nil || ops.Fn == nil {
		return errors.New(errors.KindValidation, "hook ops without a function")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	sc, ok := k.scopes[ns]
	if !ok {
		var err error
		if sc, err = k.openScopeLocked(ns, ops.Family, global); err != nil {
			return err
		}
	}
	if sc.global != global {
		return errors.Attr(errors.New(errors.KindConflict, "namespace already hooked by the other registration model"),
			"namespace", ns.String())
	}

	sc.opsMu.Lock()
	defer sc.opsMu.Unlock()
	if _, taken := sc.ops[ops.Hook]; taken {
		return errors.Attr(errors.Errorf(errors.KindConflict, "hook point %s already in use", ops.Hook),
			"namespace", ns.String())
	}

	conn, err := sc.conn()
	if err != nil {
		return err
	}
	chain := conn.AddChain(&nftables.Chain{
		Name:     ops.Name,
		Table:    sc.table,
		Type:     nftables.ChainTypeFilter,
		Hooknum:  chainHook(ops.Hook),
		Priority: nftables.ChainPriorityRef(nftables.ChainPriority(ops.Priority)),
	})
	conn.AddRule(&nftables.Rule{
		Table: sc.table,
		Chain: chain,
		Exprs: []expr.Any{
			&expr.Counter{},
			&expr.Queue{Num: k.cfg.Queue, Flag: expr.QueueFlagBypass},
		},
	})
	if err := conn.Flush(); err != nil {
		if len(sc.ops) == 0 {
			k.destroyScopeLocked(sc)
		}
		return errors.Attr(errors.Wrapf(err, errors.KindUnavailable, "add %s chain", ops.Hook),
			"namespace", ns.String())
	}
	sc.ops[ops.Hook] = ops
	sc.chains[ops.Hook] = chain
	return nil
}

func (k *LinuxKernel) unregister(ns fastpath.NamespaceID, ops *hooks.HookOps) error {
	if ops == nil {
		return errors.New(errors.KindValidation, "nil hook ops")
	}
	k.mu.Lock()
	defer k.mu.Unlock()

	sc, ok := k.scopes[ns]
	if !ok {
		return errors.Attr(errors.Errorf(errors.KindNotFound, "hook %s not registered", ops.Name),
			"namespace", ns.String())
	}

	sc.opsMu.Lock()
	if sc.ops[ops.Hook] != ops {
		sc.opsMu.Unlock()
		return errors.Attr(errors.Errorf(errors.KindNotFound, "hook %s not registered", ops.Name),
			"namespace", ns.String())
	}
	delete(sc.ops, ops.Hook)
	chain := sc.chains[ops.Hook]
	delete(sc.chains, ops.Hook)
	remaining := len(sc.ops)
	sc.opsMu.Unlock()

	if remaining == 0 {
		return k.destroyScopeLocked(sc)
	}

	conn, err := sc.conn()
	if err != nil {
		return err
	}
	conn.DelChain(chain)
	if err := conn.Flush(); err != nil {
		return errors.Attr(errors.Wrapf(err, errors.KindUnavailable, "delete %s chain", ops.Hook),
			"namespace", ns.String())
	}
	return nil
}

func (k *LinuxKernel) openScopeLocked(ns fastpath.NamespaceID, family hooks.Family, global bool) (*linuxScope, error) {
	h, ok := k.handles[ns]
	if !ok {
		return nil, errors.Attr(errors.New(errors.KindNotFound, "namespace not bound"), "namespace", ns.String())
	}

	sc := &linuxScope{
		ns:      ns,
		handle:  h,
		global:  global,
		logger:  k.logger.With("namespace", ns.String()),
		ops:     make(map[fastpath.HookPoint]*hooks.HookOps),
		chains:  make(map[fastpath.HookPoint]*nftables.Chain),
		ifCache: make(map[uint32]cachedInterface),
		table:   &nftables.Table{Name: k.cfg.Table, Family: tableFamily(family)},
	}

	conn, err := sc.conn()
	if err != nil {
		return nil, err
	}
	conn.AddTable(sc.table)
	if err := conn.Flush(); err != nil {
		return nil, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "create nftables table"),
			"namespace", ns.String())
	}

	nl, err := netlink.NewHandleAt(h)
	if err != nil {
		sc.dropTable()
		return nil, errors.Wrap(err, errors.KindUnavailable, "open netlink handle")
	}
	sc.nl = nl

	qcfg := nfqueue.Config{
		NfQueue:      k.cfg.Queue,
		MaxPacketLen: 0xFFFF,
		MaxQueueLen:  k.cfg.MaxQueueLen,
		Copymode:     nfqueue.NfQnlCopyPacket,
		WriteTimeout: 15 * time.Millisecond,
		NetNS:        int(h),
	}
	if k.cfg.FailOpen {
		qcfg.Flags = nfqueue.NfQaCfgFlagFailOpen
	}
	nf, err := nfqueue.Open(&qcfg)
	if err != nil {
		nl.Close()
		sc.dropTable()
		return nil, errors.Attr(errors.Wrap(err, errors.KindUnavailable, "open nfqueue"), "queue", k.cfg.Queue)
	}
	sc.nf = nf

	ctx, cancel := context.WithCancel(context.Background())
	sc.cancel = cancel
	errFn := func(e error) int {
		if ctx.Err() != nil {
			return 1
		}
		sc.logger.WithError(e).Warn("nfqueue receive error")
		return 0
	}
	if err := nf.RegisterWithErrorFunc(ctx, sc.handlePacket, errFn); err != nil {
		cancel()
		nf.Close()
		nl.Close()
		sc.dropTable()
		return nil, errors.Wrap(err, errors.KindUnavailable, "register nfqueue callback")
	}

	k.scopes[ns] = sc
	sc.logger.Info("netfilter scope opened", "table", k.cfg.Table, "queue", k.cfg.Queue, "global", global)
	return sc, nil
}

func (k *LinuxKernel) destroyScopeLocked(sc *linuxScope) error {
	delete(k.scopes, sc.ns)
	sc.cancel()
	sc.nf.Close()
	sc.nl.Close()
	if err := sc.dropTable(); err != nil {
		return err
	}
	sc.logger.Info("netfilter scope closed")
	return nil
}

// Close removes every table and stops every reader.
func (k *LinuxKernel) Close() error {
	k.mu.Lock()
	defer k.mu.Unlock()

	var first error
	for _, sc := range k.scopes {
		if err := k.destroyScopeLocked(sc); err != nil && first == nil {
			first = err
		}
	}
	for id, h := range k.handles {
		h.Close()
		delete(k.handles, id)
		delete(k.refs, id)
	}
	return first
}

// ChainCounters reads the counter of every fastpath chain.
func (k *LinuxKernel) ChainCounters() ([]ChainCounter, error) {
	k.mu.Lock()
	defer k.mu.Unlock()

	var out []ChainCounter
	for _, sc := range k.scopes {
		conn, err := sc.conn()
		if err != nil {
			return nil, err
		}
		sc.opsMu.RLock()
		chains := make(map[fastpath.HookPoint]*nftables.Chain, len(sc.chains))
		for p, c := range sc.chains {
			chains[p] = c
		}
		sc.opsMu.RUnlock()

		for point, chain := range chains {
			rules, err := conn.GetRules(sc.table, chain)
			if err != nil {
				continue // chain vanished between listing and reading
			}
			cc := ChainCounter{Namespace: sc.ns, Hook: point}
			for _, rule := range rules {
				for _, e := range rule.Exprs {
					if counter, ok := e.(*expr.Counter); ok {
						cc.Packets += counter.Packets
						cc.Bytes += counter.Bytes
					}
				}
			}
			out = append(out, cc)
		}
	}
	return out, nil
}

func (sc *linuxScope) conn() (*nftables.Conn, error) {
	conn, err := nftables.New(nftables.WithNetNSFd(int(sc.handle)))
	if err != nil {
		return nil, errors.Wrap(err, errors.KindUnavailable, "failed to create nftables connection")
	}
	return conn, nil
}

func (sc *linuxScope) dropTable() error {
	conn, err := sc.conn()
	if err != nil {
		return err
	}
	conn.DelTable(sc.table)
	if err := conn.Flush(); err != nil {
		return errors.Attr(errors.Wrap(err, errors.KindUnavailable, "delete nftables table"),
			"namespace", sc.ns.String())
	}
	return nil
}

// handlePacket runs on the nfqueue reader goroutine. Every queued packet
// gets exactly one verdict.
func (sc *linuxScope) handlePacket(a nfqueue.Attribute) int {
	if a.PacketID == nil {
		return 0
	}
	id := *a.PacketID
	if a.Hook == nil {
		sc.verdict(id, nfqueue.NfAccept)
		return 0
	}
	point := fastpath.HookPoint(*a.Hook)

	sc.opsMu.RLock()
	ops := sc.ops[point]
	sc.opsMu.RUnlock()
	if ops == nil {
		sc.verdict(id, nfqueue.NfAccept)
		return 0
	}

	var data []byte
	if a.Payload != nil {
		data = *a.Payload
	}
	ctx := &fastpath.Context{
		Hook:      point,
		In:        sc.lookupInterface(a.InDev),
		Out:       sc.lookupInterface(a.OutDev),
		Namespace: sc.ns,
	}
	resumed := false
	if !sc.global {
		ctx.Resume = func() {
			resumed = true
			sc.verdict(id, nfStop)
		}
	}

	v := ops.Fn(data, ctx)
	switch {
	case resumed:
	case v == fastpath.Bypass:
		sc.verdict(id, nfStop)
	default:
		sc.verdict(id, nfqueue.NfAccept)
	}
	return 0
}

func (sc *linuxScope) verdict(id uint32, v int) {
	if err := sc.nf.SetVerdict(id, v); err != nil {
		sc.logger.WithError(err).Debug("set verdict failed", "packet", id, "verdict", v)
	}
}

// lookupInterface resolves a device index to its name and alias, caching
// the answer for aliasTTL.
func (sc *linuxScope) lookupInterface(idx *uint32) *fastpath.Interface {
	if idx == nil || *idx == 0 {
		return nil
	}
	sc.ifMu.Lock()
	defer sc.ifMu.Unlock()

	if c, ok := sc.ifCache[*idx]; ok && time.Since(c.fetched) < aliasTTL {
		return c.iface
	}
	link, err := sc.nl.LinkByIndex(int(*idx))
	if err != nil {
		sc.logger.WithError(err).Debug("link lookup failed", "index", *idx)
		return &fastpath.Interface{Index: int(*idx)}
	}
	attrs := link.Attrs()
	iface := &fastpath.Interface{Index: attrs.Index, Name: attrs.Name, Alias: attrs.Alias}
	sc.ifCache[*idx] = cachedInterface{iface: iface, fetched: time.Now()}
	return iface
}

func tableFamily(f hooks.Family) nftables.TableFamily {
	if f == hooks.FamilyInet {
		return nftables.TableFamilyINet
	}
	return nftables.TableFamilyIPv4
}

func chainHook(p fastpath.HookPoint) *nftables.ChainHook {
	switch p {
	case fastpath.HookPreRouting:
		return nftables.ChainHookPrerouting
	case fastpath.HookLocalIn:
		return nftables.ChainHookInput
	case fastpath.HookForward:
		return nftables.ChainHookForward
	case fastpath.HookLocalOut:
		return nftables.ChainHookOutput
	default:
		return nftables.ChainHookPostrouting
	}
}
