// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package fastpath decides, per packet and per interception point, whether
// the host's filtering chain can be skipped for overlay tunnel traffic
// (Geneve, STT) and for traffic that belongs to a container.
//
// The decision is a pure function of the packet and its Context. When the
// classifier bypasses a packet it invokes the Context's continuation once,
// so the host keeps forwarding the packet without filtering it.
package fastpath

import (
	"fmt"
	"strings"
)

// HookPoint is a stage in the forwarding pipeline where packets are intercepted.
type HookPoint uint8

const (
	HookPreRouting HookPoint = iota
	HookLocalIn
	HookForward
	HookLocalOut
	HookPostRouting
)

// HookPoints lists the interception points the classifier is attached to.
// The order matches the registration order of the hook table.
var HookPoints = []HookPoint{HookLocalIn, HookLocalOut, HookPostRouting, HookPreRouting}

func (h HookPoint) String() string {
	switch h {
	case HookPreRouting:
		return "pre_routing"
	case HookLocalIn:
		return "local_in"
	case HookForward:
		return "forward"
	case HookLocalOut:
		return "local_out"
	case HookPostRouting:
		return "post_routing"
	default:
		return fmt.Sprintf("hook(%d)", uint8(h))
	}
}

// ParseHookPoint accepts the names produced by String, plus the upper-case
// netfilter spellings (PRE_ROUTING, LOCAL_IN, ...).
func ParseHookPoint(s string) (HookPoint, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "pre_routing", "prerouting":
		return HookPreRouting, nil
	case "local_in", "input":
		return HookLocalIn, nil
	case "forward":
		return HookForward, nil
	case "local_out", "output":
		return HookLocalOut, nil
	case "post_routing", "postrouting":
		return HookPostRouting, nil
	}
	return 0, fmt.Errorf("unknown hook point %q", s)
}

// Verdict is the classification result.
type Verdict uint8

const (
	// ContinueNormal hands the packet to the host's filtering chain.
	ContinueNormal Verdict = iota
	// Bypass means the packet has been handed back to forwarding and the
	// filtering chain must not see it.
	Bypass
)

func (v Verdict) String() string {
	switch v {
	case ContinueNormal:
		return "continue"
	case Bypass:
		return "bypass"
	default:
		return fmt.Sprintf("verdict(%d)", uint8(v))
	}
}

// Reason says which rule produced a Decision.
type Reason uint8

const (
	ReasonNoMatch Reason = iota
	ReasonNilPacket
	ReasonParseFailure
	ReasonContainerInterface
	ReasonTenantNamespace
	ReasonGeneve
	ReasonSTT
)

// Reasons lists every Reason, for metric pre-registration and reports.
var Reasons = []Reason{
	ReasonNoMatch, ReasonNilPacket, ReasonParseFailure,
	ReasonContainerInterface, ReasonTenantNamespace, ReasonGeneve, ReasonSTT,
}

func (r Reason) String() string {
	switch r {
	case ReasonNoMatch:
		return "no-match"
	case ReasonNilPacket:
		return "nil-packet"
	case ReasonParseFailure:
		return "parse-failure"
	case ReasonContainerInterface:
		return "container-interface"
	case ReasonTenantNamespace:
		return "tenant-namespace"
	case ReasonGeneve:
		return "geneve"
	case ReasonSTT:
		return "stt"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Decision is a verdict together with the rule that produced it.
type Decision struct {
	Verdict Verdict
	Reason  Reason
}

// Interface identifies a network device as seen by the host.
type Interface struct {
	Index int
	Name  string
	Alias string
}

// NamespaceID is the kernel identity of a network namespace: the device and
// inode of its nsfs entry. Two handles on the same namespace compare equal;
// two namespaces with identical contents do not.
type NamespaceID struct {
	Dev uint64
	Ino uint64
}

// IsZero reports whether the identity is unset.
func (n NamespaceID) IsZero() bool { return n == NamespaceID{} }

func (n NamespaceID) String() string {
	return fmt.Sprintf("netns:[%d:%d]", n.Dev, n.Ino)
}

// Continuation resumes normal forwarding of the packet being classified.
type Continuation func()

// Context is the read-only descriptor the host passes with each packet.
type Context struct {
	Hook      HookPoint
	In        *Interface // nil when the packet has no ingress device
	Out       *Interface // nil when the packet has no egress device
	Namespace NamespaceID

	// Resume is nil when the host treats Bypass as "stop" on its own.
	Resume Continuation
}

// HookFunc is the signature the host stack calls at each interception point.
type HookFunc func(data []byte, ctx *Context) Verdict
