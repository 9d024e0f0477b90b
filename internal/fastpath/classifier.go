// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package fastpath

import (
	"grimm.is/fastpath/internal/packet"
)

const (
	// DefaultGenevePort is the IANA-assigned Geneve UDP port.
	DefaultGenevePort uint16 = 6081
	// DefaultSTTPort is the STT TCP port used by Open vSwitch.
	DefaultSTTPort uint16 = 7471
)

// Options configures a Classifier.
type Options struct {
	GenevePort uint16
	STTPort    uint16
	Strategy   DetectionStrategy
}

// DefaultOptions returns the standard tunnel ports with no container detection.
func DefaultOptions() Options {
	return Options{
		GenevePort: DefaultGenevePort,
		STTPort:    DefaultSTTPort,
		Strategy:   NoStrategy{},
	}
}

// Classifier is the fast-path decision function. It is immutable after New
// and safe for concurrent use from any number of goroutines.
type Classifier struct {
	geneve   uint16
	stt      uint16
	strategy DetectionStrategy
}

// New builds a classifier. Zero ports fall back to the defaults and a nil
// strategy means NoStrategy.
func New(opts Options) *Classifier {
	c := &Classifier{
		geneve:   opts.GenevePort,
		stt:      opts.STTPort,
		strategy: opts.Strategy,
	}
	if c.geneve == 0 {
		c.geneve = DefaultGenevePort
	}
	if c.stt == 0 {
		c.stt = DefaultSTTPort
	}
	if c.strategy == nil {
		c.strategy = NoStrategy{}
	}
	return c
}

// Strategy returns the detection strategy in use.
func (c *Classifier) Strategy() DetectionStrategy { return c.strategy }

// Evaluate returns the decision for one packet without side effects.
//
// Rules, first match wins: container strategy, nil packet, header parse,
// Geneve (either port, any hook), STT (destination port, any hook except
// LOCAL_IN), otherwise continue.
func (c *Classifier) Evaluate(data []byte, ctx *Context) Decision {
	hasPacket := len(data) > 0

	if reason, ok := c.strategy.Shortcut(ctx, hasPacket); ok {
		return Decision{Verdict: Bypass, Reason: reason}
	}
	if !hasPacket {
		return Decision{Verdict: ContinueNormal, Reason: ReasonNilPacket}
	}

	h, err := packet.Parse(data)
	if err != nil {
		return Decision{Verdict: ContinueNormal, Reason: ReasonParseFailure}
	}
	if !h.HasPorts {
		return Decision{Verdict: ContinueNormal, Reason: ReasonNoMatch}
	}

	switch {
	case h.IsUDP():
		if h.SrcPort == c.geneve || h.DstPort == c.geneve {
			return Decision{Verdict: Bypass, Reason: ReasonGeneve}
		}
	case h.IsTCP():
		// STT delivered locally still goes through the filter chain.
		if ctx != nil && ctx.Hook != HookLocalIn && h.DstPort == c.stt {
			return Decision{Verdict: Bypass, Reason: ReasonSTT}
		}
	}
	return Decision{Verdict: ContinueNormal, Reason: ReasonNoMatch}
}

// Decide is Classify returning the full Decision.
func (c *Classifier) Decide(data []byte, ctx *Context) Decision {
	d := c.Evaluate(data, ctx)
	if d.Verdict == Bypass && ctx != nil && ctx.Resume != nil {
		ctx.Resume()
	}
	return d
}

// Classify evaluates the packet and, on Bypass, invokes ctx.Resume exactly
// once before returning. ContinueNormal never touches Resume.
func (c *Classifier) Classify(data []byte, ctx *Context) Verdict {
	return c.Decide(data, ctx).Verdict
}

// Hook returns Classify as a HookFunc.
func (c *Classifier) Hook() HookFunc {
	return c.Classify
}
