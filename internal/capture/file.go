// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

// Package capture delivers received Ethernet frames to a handler, either
// from a live AF_PACKET socket or from a pcap/pcapng file.
package capture

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
)

// Handler receives one frame. The slice is only valid during the call.
type Handler func(frame []byte)

var pcapngMagic = []byte{0x0a, 0x0d, 0x0d, 0x0a}

type packetReader interface {
	ReadPacketData() ([]byte, gopacket.CaptureInfo, error)
	LinkType() layers.LinkType
}

// ReadFile replays the capture at path. See Replay.
func ReadFile(ctx context.Context, path string, fn Handler) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("open capture: %w", err)
	}
	defer f.Close()
	slog.Debug("replaying capture", "path", path)
	return Replay(ctx, f, fn)
}

// Replay calls fn for every frame of a pcap or pcapng stream with an
// Ethernet link type and returns the number of frames delivered.
func Replay(ctx context.Context, r io.Reader, fn Handler) (int, error) {
	br := bufio.NewReader(r)
	magic, err := br.Peek(4)
	if err != nil {
		return 0, fmt.Errorf("read capture header: %w", err)
	}

	var pr packetReader
	if bytes.Equal(magic, pcapngMagic) {
		ng, err := pcapgo.NewNgReader(br, pcapgo.DefaultNgReaderOptions)
		if err != nil {
			return 0, fmt.Errorf("pcapng reader: %w", err)
		}
		pr = ng
	} else {
		pc, err := pcapgo.NewReader(br)
		if err != nil {
			return 0, fmt.Errorf("pcap reader: %w", err)
		}
		pr = pc
	}
	if lt := pr.LinkType(); lt != layers.LinkTypeEthernet {
		return 0, fmt.Errorf("unsupported link type %s", lt)
	}

	n := 0
	for {
		if err := ctx.Err(); err != nil {
			return n, err
		}
		data, _, err := pr.ReadPacketData()
		if errors.Is(err, io.EOF) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("read frame %d: %w", n+1, err)
		}
		fn(data)
		n++
	}
}
