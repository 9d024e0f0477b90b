// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

// Package packet decodes the network and transport headers the fast-path
// classifier inspects. Decoding never retains the input buffer.
package packet

import (
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"

	"grimm.is/fastpath/internal/errors"
)

// Headers is the parsed view of one packet.
type Headers struct {
	Version  uint8
	Protocol layers.IPProtocol
	Src      netip.Addr
	Dst      netip.Addr

	// SrcPort and DstPort are in host byte order and only valid when HasPorts is set.
	SrcPort  uint16
	DstPort  uint16
	HasPorts bool
}

// IsUDP reports whether the transport protocol is UDP.
func (h Headers) IsUDP() bool { return h.Protocol == layers.IPProtocolUDP }

// IsTCP reports whether the transport protocol is TCP.
func (h Headers) IsTCP() bool { return h.Protocol == layers.IPProtocolTCP }

// Parse decodes an IPv4 or IPv6 header at the start of data and, for UDP
// and TCP, the transport header that follows it. Decoder state lives on the
// caller's stack so concurrent calls share nothing.
//
// Any failure is returned as an errors.KindParse error.
func Parse(data []byte) (Headers, error) {
	var h Headers
	if len(data) == 0 {
		return h, errors.New(errors.KindParse, "empty packet")
	}

	var payload []byte
	switch data[0] >> 4 {
	case 4:
		var ip4 layers.IPv4
		if err := ip4.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return h, errors.Wrap(err, errors.KindParse, "decode ipv4 header")
		}
		h.Version = 4
		h.Protocol = ip4.Protocol
		h.Src, _ = netip.AddrFromSlice(ip4.SrcIP.To4())
		h.Dst, _ = netip.AddrFromSlice(ip4.DstIP.To4())
		// Only the first fragment carries the transport header.
		if ip4.FragOffset != 0 {
			return h, nil
		}
		payload = ip4.Payload
	case 6:
		var ip6 layers.IPv6
		if err := ip6.DecodeFromBytes(data, gopacket.NilDecodeFeedback); err != nil {
			return h, errors.Wrap(err, errors.KindParse, "decode ipv6 header")
		}
		h.Version = 6
		h.Protocol = ip6.NextHeader
		h.Src, _ = netip.AddrFromSlice(ip6.SrcIP.To16())
		h.Dst, _ = netip.AddrFromSlice(ip6.DstIP.To16())
		payload = ip6.Payload
	default:
		return h, errors.Errorf(errors.KindParse, "unknown ip version %d", data[0]>>4)
	}

	switch h.Protocol {
	case layers.IPProtocolUDP:
		var udp layers.UDP
		if err := udp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return h, errors.Wrap(err, errors.KindParse, "decode udp header")
		}
		h.SrcPort, h.DstPort, h.HasPorts = uint16(udp.SrcPort), uint16(udp.DstPort), true
	case layers.IPProtocolTCP:
		var tcp layers.TCP
		if err := tcp.DecodeFromBytes(payload, gopacket.NilDecodeFeedback); err != nil {
			return h, errors.Wrap(err, errors.KindParse, "decode tcp header")
		}
		h.SrcPort, h.DstPort, h.HasPorts = uint16(tcp.SrcPort), uint16(tcp.DstPort), true
	}
	return h, nil
}
