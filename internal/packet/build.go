// Copyright (C) 2026 Ben Grimm. Licensed under AGPL-3.0 (https://www.gnu.org/licenses/agpl-3.0.txt)

package packet

import (
	"net"
	"net/netip"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
)

// Template describes a packet to synthesize with Build.
type Template struct {
	Protocol layers.IPProtocol
	Src      netip.Addr
	Dst      netip.Addr
	SrcPort  uint16
	DstPort  uint16
	Payload  []byte
}

// Build serializes tmpl as IPv4 or IPv6 (chosen by Src) with a UDP or TCP
// header when Protocol asks for one. Used by the simulator and tests.
func Build(tmpl Template) ([]byte, error) {
	src, dst := tmpl.Src, tmpl.Dst
	if !src.IsValid() {
		src = netip.MustParseAddr("10.0.0.1")
	}
	if !dst.IsValid() {
		if src.Is4() {
			dst = netip.MustParseAddr("10.0.0.2")
		} else {
			dst = netip.MustParseAddr("fd00::2")
		}
	}

	var network gopacket.NetworkLayer
	var netLayer gopacket.SerializableLayer
	if src.Is4() {
		ip := &layers.IPv4{
			Version:  4,
			IHL:      5,
			TTL:      64,
			Protocol: tmpl.Protocol,
			SrcIP:    net.IP(src.AsSlice()),
			DstIP:    net.IP(dst.AsSlice()),
		}
		network, netLayer = ip, ip
	} else {
		ip := &layers.IPv6{
			Version:    6,
			HopLimit:   64,
			NextHeader: tmpl.Protocol,
			SrcIP:      net.IP(src.AsSlice()),
			DstIP:      net.IP(dst.AsSlice()),
		}
		network, netLayer = ip, ip
	}

	stack := []gopacket.SerializableLayer{netLayer}
	switch tmpl.Protocol {
	case layers.IPProtocolUDP:
		udp := &layers.UDP{SrcPort: layers.UDPPort(tmpl.SrcPort), DstPort: layers.UDPPort(tmpl.DstPort)}
		if err := udp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		stack = append(stack, udp)
	case layers.IPProtocolTCP:
		tcp := &layers.TCP{
			SrcPort: layers.TCPPort(tmpl.SrcPort),
			DstPort: layers.TCPPort(tmpl.DstPort),
			Seq:     1,
			SYN:     true,
			Window:  65535,
		}
		if err := tcp.SetNetworkLayerForChecksum(network); err != nil {
			return nil, err
		}
		stack = append(stack, tcp)
	}
	stack = append(stack, gopacket.Payload(tmpl.Payload))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	if err := gopacket.SerializeLayers(buf, opts, stack...); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// UDP builds an IPv4 UDP packet between the given ports.
func UDP(srcPort, dstPort uint16) []byte {
	return mustBuild(Template{Protocol: layers.IPProtocolUDP, SrcPort: srcPort, DstPort: dstPort})
}

// TCP builds an IPv4 TCP SYN between the given ports.
func TCP(srcPort, dstPort uint16) []byte {
	return mustBuild(Template{Protocol: layers.IPProtocolTCP, SrcPort: srcPort, DstPort: dstPort})
}

func mustBuild(tmpl Template) []byte {
	b, err := Build(tmpl)
	if err != nil {
		panic(err)
	}
	return b
}
