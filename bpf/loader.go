// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

package bpf

import (
	"errors"
	"fmt"

	"github.com/cilium/ebpf"

	"github.com/rdma-exporter-ebpf/internal/types"
)

// Objects holds the loaded map and program.
type Objects struct {
	PacketMonitor *ebpf.Program `ebpf:"packet_monitor"`
	PacketCnt     *ebpf.Map     `ebpf:"packet_cnt"`
}

func (o *Objects) Close() error {
	var errs []error
	if o.PacketMonitor != nil {
		errs = append(errs, o.PacketMonitor.Close())
	}
	if o.PacketCnt != nil {
		errs = append(errs, o.PacketCnt.Close())
	}
	return errors.Join(errs...)
}

// LoadPacketCounter loads the program with a packet_cnt map of maxEntries
// keys (types.TableCapacity if maxEntries <= 0).
func LoadPacketCounter(maxEntries int) (*Objects, error) {
	spec := PacketCounterSpec()
	if maxEntries > 0 {
		spec.Maps[MapName].MaxEntries = uint32(maxEntries)
	}
	var objs Objects
	if err := spec.LoadAndAssign(&objs, nil); err != nil {
		var verr *ebpf.VerifierError
		if errors.As(err, &verr) {
			return nil, fmt.Errorf("load %s: %+v", ProgramName, verr)
		}
		return nil, fmt.Errorf("load %s: %w", ProgramName, err)
	}
	return &objs, nil
}

// ReadCounters reads every record of a packet_cnt map. It uses batch lookups
// of batchSize keys when the kernel supports them and falls back to
// iteration otherwise.
func ReadCounters(m *ebpf.Map, batchSize int) ([]types.Record, error) {
	if batchSize <= 0 {
		batchSize = types.TableCapacity
	}
	out, err := batchRead(m, batchSize)
	if errors.Is(err, ebpf.ErrNotSupported) {
		return iterRead(m)
	}
	return out, err
}

func batchRead(m *ebpf.Map, batchSize int) ([]types.Record, error) {
	keys := make([]types.SourceKey, batchSize)
	values := make([]types.Counters, batchSize)
	var out []types.Record
	var cursor ebpf.MapBatchCursor
	for {
		n, err := m.BatchLookup(&cursor, keys, values, nil)
		if err != nil && !errors.Is(err, ebpf.ErrKeyNotExist) {
			return nil, fmt.Errorf("batch lookup %s: %w", MapName, err)
		}
		for i := 0; i < n; i++ {
			out = append(out, types.Record{Key: keys[i], Counters: values[i]})
		}
		if n == 0 || errors.Is(err, ebpf.ErrKeyNotExist) {
			return out, nil
		}
	}
}

func iterRead(m *ebpf.Map) ([]types.Record, error) {
	var (
		out []types.Record
		key types.SourceKey
		val types.Counters
	)
	iter := m.Iterate()
	for iter.Next(&key, &val) {
		out = append(out, types.Record{Key: key, Counters: val})
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("iterate %s: %w", MapName, err)
	}
	return out, nil
}
