// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

// Package bpf contains the XDP program that counts RoCEv2 traffic per IPv4
// source address. The program is assembled here rather than compiled from C,
// so the module needs no clang toolchain to build.
package bpf

import (
	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/asm"
	"github.com/gopacket/gopacket/layers"

	"github.com/rdma-exporter-ebpf/internal/types"
)

const (
	MapName     = "packet_cnt"
	ProgramName = "packet_monitor"

	xdpPass = 2

	ethHLen = 14
	ipHLen  = 20
	udpHLen = 8

	// Offsets from the start of the frame.
	offEtherType = 12
	offIPTotLen  = ethHLen + 2
	offIPProto   = ethHLen + 9
	offIPSaddr   = ethHLen + 12
	offUDPDport  = ethHLen + ipHLen + 2

	// Stack layout: 4-byte key, 16-byte struct counters.
	stackKey     = -4
	stackPackets = -24
	stackBytes   = -16
)

// packetMonitor returns the instructions of the XDP program. Every header
// is bounds checked against data_end before it is read. Multi-byte fields
// are compared a byte at a time so the program does not depend on host
// endianness, except the source address, which is copied verbatim.
//
//	R6 = data, R3 = data_end, R7 = attributed bytes
func packetMonitor() asm.Instructions {
	ethType := uint16(layers.EthernetTypeIPv4)
	return asm.Instructions{
		asm.LoadMem(asm.R6, asm.R1, 0, asm.Word), // ctx->data
		asm.LoadMem(asm.R3, asm.R1, 4, asm.Word), // ctx->data_end

		// Ethernet.
		asm.Mov.Reg(asm.R4, asm.R6),
		asm.Add.Imm(asm.R4, ethHLen),
		asm.JGT.Reg(asm.R4, asm.R3, "pass"),
		asm.LoadMem(asm.R5, asm.R6, offEtherType, asm.Byte),
		asm.JNE.Imm(asm.R5, int32(ethType>>8), "pass"),
		asm.LoadMem(asm.R5, asm.R6, offEtherType+1, asm.Byte),
		asm.JNE.Imm(asm.R5, int32(ethType&0xff), "pass"),

		// IPv4, fixed header only.
		asm.Mov.Reg(asm.R4, asm.R6),
		asm.Add.Imm(asm.R4, ethHLen+ipHLen),
		asm.JGT.Reg(asm.R4, asm.R3, "pass"),
		asm.LoadMem(asm.R5, asm.R6, offIPProto, asm.Byte),
		asm.JNE.Imm(asm.R5, int32(layers.IPProtocolUDP), "pass"),

		// UDP.
		asm.Mov.Reg(asm.R4, asm.R6),
		asm.Add.Imm(asm.R4, ethHLen+ipHLen+udpHLen),
		asm.JGT.Reg(asm.R4, asm.R3, "pass"),
		asm.LoadMem(asm.R5, asm.R6, offUDPDport, asm.Byte),
		asm.JNE.Imm(asm.R5, types.RoCEv2Port>>8, "pass"),
		asm.LoadMem(asm.R5, asm.R6, offUDPDport+1, asm.Byte),
		asm.JNE.Imm(asm.R5, types.RoCEv2Port&0xff, "pass"),

		// key = ip->saddr
		asm.LoadMem(asm.R5, asm.R6, offIPSaddr, asm.Word),
		asm.StoreMem(asm.RFP, stackKey, asm.R5, asm.Word),

		// R7 = ntohs(ip->tot_len) + ETH_HLEN
		asm.LoadMem(asm.R7, asm.R6, offIPTotLen, asm.Byte),
		asm.LSh.Imm(asm.R7, 8),
		asm.LoadMem(asm.R5, asm.R6, offIPTotLen+1, asm.Byte),
		asm.Or.Reg(asm.R7, asm.R5),
		asm.Add.Imm(asm.R7, ethHLen),

		// c = bpf_map_lookup_elem(&packet_cnt, &key)
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackKey),
		asm.FnMapLookupElem.Call(),
		asm.JEq.Imm(asm.R0, 0, "miss"),

		// Hit: __sync_fetch_and_add on each field.
		asm.Mov.Imm(asm.R1, 1),
		asm.StoreXAdd(asm.R0, asm.R1, asm.DWord),
		asm.Add.Imm(asm.R0, 8),
		asm.StoreXAdd(asm.R0, asm.R7, asm.DWord),
		asm.Ja.Label("pass"),

		// Miss: bpf_map_update_elem(&packet_cnt, &key, &{1, bytes}, BPF_ANY).
		// The LRU map evicts on its own when full.
		asm.StoreImm(asm.RFP, stackPackets, 1, asm.DWord).WithSymbol("miss"),
		asm.StoreMem(asm.RFP, stackBytes, asm.R7, asm.DWord),
		asm.LoadMapPtr(asm.R1, 0).WithReference(MapName),
		asm.Mov.Reg(asm.R2, asm.RFP),
		asm.Add.Imm(asm.R2, stackKey),
		asm.Mov.Reg(asm.R3, asm.RFP),
		asm.Add.Imm(asm.R3, stackPackets),
		asm.Mov.Imm(asm.R4, int32(ebpf.UpdateAny)),
		asm.FnMapUpdateElem.Call(),

		asm.Mov.Imm(asm.R0, xdpPass).WithSymbol("pass"),
		asm.Return(),
	}
}

// PacketCounterSpec returns the collection holding the packet_cnt map and
// the packet_monitor program. Callers may change the map's MaxEntries
// before loading.
func PacketCounterSpec() *ebpf.CollectionSpec {
	return &ebpf.CollectionSpec{
		Maps: map[string]*ebpf.MapSpec{
			MapName: {
				Name:       MapName,
				Type:       ebpf.LRUHash,
				KeySize:    4,
				ValueSize:  16,
				MaxEntries: types.TableCapacity,
			},
		},
		Programs: map[string]*ebpf.ProgramSpec{
			ProgramName: {
				Name:         ProgramName,
				Type:         ebpf.XDP,
				License:      "Dual MIT/GPL",
				Instructions: packetMonitor(),
			},
		},
	}
}
