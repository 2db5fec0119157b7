// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

// Package frame classifies raw Ethernet frames as RoCEv2 traffic.
//
// Headers are read through views that can only be obtained from a
// constructor which has already checked the frame is long enough, so no
// accessor can read past the end of the frame.
package frame

import (
	"encoding/binary"

	"github.com/gopacket/gopacket/layers"
	"github.com/rdma-exporter-ebpf/internal/types"
)

const (
	EthernetHeaderLen = 14
	IPv4HeaderLen     = 20
	UDPHeaderLen      = 8

	// MinFrameLen is the shortest frame that can classify as a match.
	MinFrameLen = EthernetHeaderLen + IPv4HeaderLen + UDPHeaderLen
)

// Match is the attribution extracted from a matching frame.
type Match struct {
	Source types.SourceKey
	// Bytes is the IPv4 total length plus the Ethernet header, not the
	// captured length.
	Bytes uint64
}

type ethernetHeader []byte

type ipv4Header []byte

type udpHeader []byte

// view returns b[off:off+n] capped at n, or false if fewer than n bytes remain.
func view(b []byte, off, n int) ([]byte, bool) {
	if off < 0 || len(b)-off < n {
		return nil, false
	}
	return b[off : off+n : off+n], true
}

func ethernetAt(b []byte, off int) (ethernetHeader, bool) {
	v, ok := view(b, off, EthernetHeaderLen)
	return ethernetHeader(v), ok
}

func ipv4At(b []byte, off int) (ipv4Header, bool) {
	v, ok := view(b, off, IPv4HeaderLen)
	return ipv4Header(v), ok
}

func udpAt(b []byte, off int) (udpHeader, bool) {
	v, ok := view(b, off, UDPHeaderLen)
	return udpHeader(v), ok
}

func (h ethernetHeader) etherType() layers.EthernetType {
	return layers.EthernetType(binary.BigEndian.Uint16(h[12:14]))
}

func (h ipv4Header) totalLength() uint16 { return binary.BigEndian.Uint16(h[2:4]) }

func (h ipv4Header) protocol() layers.IPProtocol { return layers.IPProtocol(h[9]) }

func (h ipv4Header) source() types.SourceKey {
	return types.SourceKeyFromBytes([4]byte(h[12:16]))
}

func (h udpHeader) dstPort() uint16 { return binary.BigEndian.Uint16(h[2:4]) }

// Classify reports whether b is an Ethernet/IPv4/UDP frame addressed to the
// RoCEv2 port and, if so, which source to credit with how many bytes.
// Truncated or malformed frames simply don't match. Classify does not
// allocate or retain b.
func Classify(b []byte) (Match, bool) {
	eth, ok := ethernetAt(b, 0)
	if !ok || eth.etherType() != layers.EthernetTypeIPv4 {
		return Match{}, false
	}
	ip, ok := ipv4At(b, EthernetHeaderLen)
	if !ok || ip.protocol() != layers.IPProtocolUDP {
		return Match{}, false
	}
	udp, ok := udpAt(b, EthernetHeaderLen+IPv4HeaderLen)
	if !ok || udp.dstPort() != types.RoCEv2Port {
		return Match{}, false
	}
	return Match{
		Source: ip.source(),
		Bytes:  uint64(ip.totalLength()) + EthernetHeaderLen,
	}, true
}
