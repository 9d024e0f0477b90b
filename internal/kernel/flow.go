// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package kernel

import (
	"fmt"
	"net/netip"
	"time"

	"grimm.is/fastpath/internal/fastpath"
)

// Flow is a replayed 5-tuple with the outcome of every packet seen on it.
type Flow struct {
	ID        string
	Namespace fastpath.NamespaceID
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Protocol  string // "tcp", "udp", "icmp", "other"

	Packets  uint64
	Bytes    uint64
	Bypassed uint64 // skipped the filter chain
	Filtered uint64 // went through the filter chain
	Dropped  uint64 // rejected by the filter chain

	StartTime time.Time
	LastSeen  time.Time
}

func flowKey(ns fastpath.NamespaceID, src, dst netip.Addr, sport, dport uint16, proto string) string {
	return fmt.Sprintf("%s %s:%d->%s:%d/%s", ns, src, sport, dst, dport, proto)
}

// ChainCounter is the packet count of the fastpath chain at one hook point
// in one namespace.
type ChainCounter struct {
	Namespace fastpath.NamespaceID
	Hook      fastpath.HookPoint
	Counter
}

// Counter holds packet and byte totals.
type Counter struct {
	Packets uint64
	Bytes   uint64
}

func (c *Counter) add(n int) {
	c.Packets++
	c.Bytes += uint64(n)
}
