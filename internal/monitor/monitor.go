// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

// Package monitor is the userspace counterpart of the packet_monitor XDP
// program: classify a received frame and credit RoCEv2 traffic to its source.
package monitor

import (
	"sync/atomic"

	"github.com/rdma-exporter-ebpf/internal/frame"
	"github.com/rdma-exporter-ebpf/internal/table"
)

// Disposition tells the receive path what to do with a frame. Values match
// the XDP action codes; Aborted and Drop exist only to keep that numbering,
// Handle returns Pass for every frame.
type Disposition uint32

const (
	Aborted Disposition = iota
	Drop
	Pass
)

func (d Disposition) String() string {
	switch d {
	case Aborted:
		return "aborted"
	case Drop:
		return "drop"
	case Pass:
		return "pass"
	default:
		return "unknown"
	}
}

// Monitor feeds frames into a counting table.
type Monitor struct {
	table   *table.Table
	frames  atomic.Uint64
	matched atomic.Uint64
}

func New(t *table.Table) *Monitor {
	return &Monitor{table: t}
}

// Handle classifies b and, on a match, updates the table. The frame is
// never modified or retained, and the result is always Pass.
func (m *Monitor) Handle(b []byte) Disposition {
	m.frames.Add(1)
	if match, ok := frame.Classify(b); ok {
		m.matched.Add(1)
		m.table.Upsert(match.Source, match.Bytes)
	}
	return Pass
}

// Table returns the table frames are counted into.
func (m *Monitor) Table() *table.Table { return m.table }

// Frames returns how many frames Handle has seen.
func (m *Monitor) Frames() uint64 { return m.frames.Load() }

// Matched returns how many of them were RoCEv2.
func (m *Monitor) Matched() uint64 { return m.matched.Load() }
