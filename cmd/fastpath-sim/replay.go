// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package main

import (
	"bufio"
	"bytes"
	"io"
	"sort"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	dto "github.com/prometheus/client_model/go"

	"grimm.is/fastpath/internal/config"
	"grimm.is/fastpath/internal/errors"
	"grimm.is/fastpath/internal/fastpath"
	"grimm.is/fastpath/internal/hooks"
	"grimm.is/fastpath/internal/kernel"
	"grimm.is/fastpath/internal/logging"
	"grimm.is/fastpath/internal/metrics"
)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

// Replayer feeds captured packets through a SimKernel with the classifier
// registered the way the daemon would register it.
type Replayer struct {
	kernel  *kernel.SimKernel
	metrics *metrics.Metrics
	mode    string
	tmpl    kernel.Injection

	global *hooks.GlobalRegistry
	netreg *hooks.NamespaceRegistry

	now time.Time
}

// ReplayOptions selects where replayed packets are presented.
type ReplayOptions struct {
	Hook fastpath.HookPoint
	// Tenant injects into a freshly created non-root namespace.
	Tenant bool
	// InAlias, when set, is the alias of the ingress device.
	InAlias string
}

// NewReplayer registers the classifier described by cfg on a new SimKernel.
func NewReplayer(cfg *config.Config, opts ReplayOptions, logger *logging.Logger) (*Replayer, error) {
	k := kernel.NewSimKernel()
	r := &Replayer{
		kernel:  k,
		metrics: metrics.NewMetrics(),
		mode:    cfg.Mode,
		tmpl:    kernel.Injection{Hook: opts.Hook},
	}
	k.Now = func() time.Time { return r.now }

	c := fastpath.New(cfg.ClassifierOptions(k.RootNamespace()))
	table := hooks.Table(r.metrics.Instrument(c), cfg.TableConfig())

	switch cfg.Mode {
	case config.ModeGlobal:
		r.global = hooks.NewGlobalRegistry(k, table, logger)
		if err := r.global.Init(); err != nil {
			return nil, err
		}
	default:
		r.netreg = hooks.NewNamespaceRegistry(k, table, logger)
		if err := k.RegisterPernet(r.netreg); err != nil {
			return nil, err
		}
	}

	if opts.Tenant {
		ns, err := k.CreateNamespace()
		if err != nil {
			return nil, err
		}
		r.tmpl.Namespace = ns
	}
	if opts.InAlias != "" {
		r.tmpl.In = &fastpath.Interface{Index: 2, Name: "sim0", Alias: opts.InAlias}
	}
	return r, nil
}

// Replay reads a pcap or pcapng stream and injects every packet.
func (r *Replayer) Replay(src io.Reader) error {
	br := bufio.NewReader(src)
	magic, err := br.Peek(4)
	if err != nil {
		return errors.Wrap(err, errors.KindValidation, "read capture header")
	}

	var (
		source gopacket.PacketDataSource
		link   layers.LinkType
	)
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return errors.Wrap(err, errors.KindValidation, "open pcapng")
		}
		source, link = ng, ng.LinkType()
	} else {
		pr, err := pcapgo.NewReader(br)
		if err != nil {
			return errors.Wrap(err, errors.KindValidation, "open pcap")
		}
		source, link = pr, pr.LinkType()
	}

	ps := gopacket.NewPacketSource(source, link)
	for pkt := range ps.Packets() {
		if md := pkt.Metadata(); md != nil {
			r.now = md.Timestamp
		}
		if _, err := r.kernel.InjectPacket(pkt, r.tmpl); err != nil {
			return err
		}
	}
	return nil
}

// Close unregisters the classifier.
func (r *Replayer) Close() []*hooks.TeardownReport {
	if r.global != nil {
		return []*hooks.TeardownReport{r.global.Teardown()}
	}
	return r.kernel.UnregisterPernet(r.netreg)
}

// ReasonCount is the number of packets one rule decided.
type ReasonCount struct {
	Hook    string `json:"hook"`
	Verdict string `json:"verdict"`
	Reason  string `json:"reason"`
	Packets uint64 `json:"packets"`
}

// Summary is the result of a replay.
type Summary struct {
	Mode      string          `json:"mode"`
	Namespace string          `json:"namespace"`
	Stats     kernel.SimStats `json:"stats"`
	Reasons   []ReasonCount   `json:"reasons"`
	Flows     []kernel.Flow   `json:"flows"`
}

// Summary collects the per-reason counters and flow table.
func (r *Replayer) Summary() (*Summary, error) {
	ns := r.tmpl.Namespace
	if ns.IsZero() {
		ns = r.kernel.RootNamespace()
	}
	s := &Summary{
		Mode:      r.mode,
		Namespace: ns.String(),
		Stats:     r.kernel.Stats(),
		Flows:     r.kernel.Flows(),
	}

	families, err := r.metrics.Registry().Gather()
	if err != nil {
		return nil, errors.Wrap(err, errors.KindInternal, "gather metrics")
	}
	for _, f := range families {
		if f.GetName() != "fastpath_packets_total" {
			continue
		}
		for _, m := range f.GetMetric() {
			v := uint64(m.GetCounter().GetValue())
			if v == 0 {
				continue
			}
			rc := ReasonCount{Packets: v}
			for _, lp := range m.GetLabel() {
				setLabel(&rc, lp)
			}
			s.Reasons = append(s.Reasons, rc)
		}
	}
	sort.Slice(s.Reasons, func(i, j int) bool {
		if s.Reasons[i].Packets != s.Reasons[j].Packets {
			return s.Reasons[i].Packets > s.Reasons[j].Packets
		}
		return s.Reasons[i].Reason < s.Reasons[j].Reason
	})
	return s, nil
}

func setLabel(rc *ReasonCount, lp *dto.LabelPair) {
	switch lp.GetName() {
	case "hook":
		rc.Hook = lp.GetValue()
	case "verdict":
		rc.Verdict = lp.GetValue()
	case "reason":
		rc.Reason = lp.GetValue()
	}
}
