// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

package types

import (
	"encoding/binary"
	"net/netip"
)

// SourceKey is an IPv4 source address whose in-memory bytes are in network
// order. It matches the __u32 key of the packet_cnt map, which stores
// ip->saddr verbatim.
type SourceKey uint32

// SourceKeyFromBytes reads four address bytes verbatim.
func SourceKeyFromBytes(b [4]byte) SourceKey {
	return SourceKey(binary.NativeEndian.Uint32(b[:]))
}

// SourceKeyFromAddr returns the key for an IPv4 (or 4in6) address.
func SourceKeyFromAddr(addr netip.Addr) (SourceKey, bool) {
	addr = addr.Unmap()
	if !addr.Is4() {
		return 0, false
	}
	return SourceKeyFromBytes(addr.As4()), true
}

// Bytes returns the address bytes in network order.
func (k SourceKey) Bytes() [4]byte {
	var b [4]byte
	binary.NativeEndian.PutUint32(b[:], uint32(k))
	return b
}

func (k SourceKey) Addr() netip.Addr {
	return netip.AddrFrom4(k.Bytes())
}

func (k SourceKey) String() string {
	return k.Addr().String()
}

// Counters matches struct counters in the packet_cnt map value.
type Counters struct {
	Packets uint64
	Bytes   uint64
}

// Record is one key/value pair read from a counting table.
type Record struct {
	Key SourceKey
	Counters
}

const (
	// TableCapacity is the default number of distinct source addresses tracked.
	TableCapacity = 1024

	// RoCEv2Port is the UDP destination port of RDMA over Converged Ethernet v2.
	RoCEv2Port = 4791
)
