// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

//go:build linux

package collector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/cilium/ebpf/link"

	"github.com/rdma-exporter-ebpf/bpf"
	"github.com/rdma-exporter-ebpf/internal/capture"
	"github.com/rdma-exporter-ebpf/internal/config"
	"github.com/rdma-exporter-ebpf/internal/monitor"
	"github.com/rdma-exporter-ebpf/internal/table"
	"github.com/rdma-exporter-ebpf/internal/types"
)

// datapath counts RoCEv2 traffic received on one interface.
type datapath interface {
	// Read returns the current contents of the counting table.
	Read() ([]types.Record, error)
	Close() error
}

// frameCounter is implemented by datapaths that see every frame in
// userspace.
type frameCounter interface {
	Frames() (seen, matched uint64)
}

// errStopped is returned by Read once a datapath can no longer count. The
// collector closes it and opens a new one on the next poll.
var errStopped = errors.New("datapath stopped")

type openFunc func(iface ifaceInfo) (datapath, error)

func opener(cfg config.Config) openFunc {
	if cfg.Datapath == config.DatapathSocket {
		return func(iface ifaceInfo) (datapath, error) { return openSocket(iface, cfg) }
	}
	return func(iface ifaceInfo) (datapath, error) { return openXDP(iface, cfg) }
}

// xdpDatapath is the packet_monitor program attached to one interface with
// its own packet_cnt map.
type xdpDatapath struct {
	objs      *bpf.Objects
	link      link.Link
	batchSize int
}

func xdpFlags(mode string) link.XDPAttachFlags {
	switch mode {
	case config.XDPModeGeneric:
		return link.XDPGenericMode
	case config.XDPModeDriver:
		return link.XDPDriverMode
	case config.XDPModeOffload:
		return link.XDPOffloadMode
	default:
		return 0
	}
}

func openXDP(iface ifaceInfo, cfg config.Config) (datapath, error) {
	objs, err := bpf.LoadPacketCounter(cfg.TableCapacity)
	if err != nil {
		return nil, err
	}
	slog.Debug("attach XDP", "iface", iface.Name, "index", iface.Index, "mode", cfg.XDPMode)
	l, err := link.AttachXDP(link.XDPOptions{
		Program:   objs.PacketMonitor,
		Interface: iface.Index,
		Flags:     xdpFlags(cfg.XDPMode),
	})
	if err != nil {
		objs.Close()
		return nil, fmt.Errorf("attach XDP %s (index %d): %w", iface.Name, iface.Index, err)
	}
	return &xdpDatapath{objs: objs, link: l, batchSize: cfg.BatchSize}, nil
}

func (d *xdpDatapath) Read() ([]types.Record, error) {
	return bpf.ReadCounters(d.objs.PacketCnt, d.batchSize)
}

func (d *xdpDatapath) Close() error {
	return errors.Join(d.link.Close(), d.objs.Close())
}

// socketDatapath runs the userspace monitor on frames read from an
// AF_PACKET socket.
type socketDatapath struct {
	mon    *monitor.Monitor
	sock   *capture.Socket
	cancel context.CancelFunc
	done   chan struct{} // closed when the reader returns
	err    error         // reader result; valid after done is closed
}

func openSocket(iface ifaceInfo, cfg config.Config) (datapath, error) {
	sock, err := capture.Listen(iface.netInterface())
	if err != nil {
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &socketDatapath{
		mon:    monitor.New(table.New(cfg.TableCapacity)),
		sock:   sock,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	go func() {
		defer close(d.done)
		d.err = sock.Serve(ctx, func(b []byte) { d.mon.Handle(b) })
		if d.err != nil {
			slog.Error("socket datapath stopped", "iface", iface.Name, "err", d.err)
		}
	}()
	return d, nil
}

// Read fails with errStopped once the reader has returned, so that the
// collector replaces the datapath instead of exporting a frozen table.
func (d *socketDatapath) Read() ([]types.Record, error) {
	select {
	case <-d.done:
		if d.err != nil {
			return nil, fmt.Errorf("%w: %w", errStopped, d.err)
		}
		return nil, errStopped
	default:
	}
	return d.mon.Table().Snapshot(), nil
}

func (d *socketDatapath) Frames() (uint64, uint64) {
	return d.mon.Frames(), d.mon.Matched()
}

// Close stops the reader, which notices cancellation within one read
// timeout, then closes the socket.
func (d *socketDatapath) Close() error {
	d.cancel()
	<-d.done
	return d.sock.Close()
}
