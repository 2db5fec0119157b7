// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

// Package testutil builds Ethernet frames for tests.
package testutil

import (
	"net"
	"net/netip"
	"testing"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/stretchr/testify/require"
)

// FrameOpts describes an Ethernet/IPv4/UDP frame. Zero values are replaced
// with a RoCEv2 frame from 10.0.0.1 to 10.0.0.2.
type FrameOpts struct {
	EtherType layers.EthernetType
	Protocol  layers.IPProtocol
	Src       netip.Addr
	Dst       netip.Addr
	SrcPort   uint16
	DstPort   uint16
	Payload   []byte
}

// Frame serializes the frame described by o. Short frames are padded to the
// Ethernet minimum of 60 bytes.
func Frame(t testing.TB, o FrameOpts) []byte {
	t.Helper()
	if o.EtherType == 0 {
		o.EtherType = layers.EthernetTypeIPv4
	}
	if o.Protocol == 0 {
		o.Protocol = layers.IPProtocolUDP
	}
	if !o.Src.IsValid() {
		o.Src = netip.MustParseAddr("10.0.0.1")
	}
	if !o.Dst.IsValid() {
		o.Dst = netip.MustParseAddr("10.0.0.2")
	}
	if o.SrcPort == 0 {
		o.SrcPort = 49152
	}
	if o.DstPort == 0 {
		o.DstPort = 4791
	}

	eth := &layers.Ethernet{
		SrcMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 1},
		DstMAC:       net.HardwareAddr{0x02, 0, 0, 0, 0, 2},
		EthernetType: o.EtherType,
	}
	ip := &layers.IPv4{
		Version:  4,
		IHL:      5,
		TTL:      64,
		Protocol: o.Protocol,
		SrcIP:    net.IP(o.Src.AsSlice()),
		DstIP:    net.IP(o.Dst.AsSlice()),
	}
	udp := &layers.UDP{
		SrcPort: layers.UDPPort(o.SrcPort),
		DstPort: layers.UDPPort(o.DstPort),
	}
	require.NoError(t, udp.SetNetworkLayerForChecksum(ip))

	buf := gopacket.NewSerializeBuffer()
	opts := gopacket.SerializeOptions{FixLengths: true, ComputeChecksums: true}
	// The Ethernet layer always announces IPv4 here so that the IP header is
	// still laid out at offset 14; the EtherType is patched afterwards.
	eth.EthernetType = layers.EthernetTypeIPv4
	require.NoError(t, gopacket.SerializeLayers(buf, opts, eth, ip, udp, gopacket.Payload(o.Payload)))

	b := append([]byte(nil), buf.Bytes()...)
	b[12] = byte(o.EtherType >> 8)
	b[13] = byte(o.EtherType)
	return b
}

// RoCE returns a RoCEv2 frame from src carrying payloadLen bytes of UDP payload.
func RoCE(t testing.TB, src string, payloadLen int) []byte {
	t.Helper()
	return Frame(t, FrameOpts{
		Src:     netip.MustParseAddr(src),
		Payload: make([]byte, payloadLen),
	})
}
