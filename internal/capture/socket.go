// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

//go:build linux

package capture

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"time"

	"github.com/mdlayher/packet"
	"golang.org/x/net/bpf"
	"golang.org/x/sys/unix"
)

const (
	// Large enough for a jumbo frame; longer frames are truncated, which
	// does not matter since only the first 42 bytes are inspected.
	snapLen = 9216

	readTimeout = 500 * time.Millisecond
)

// linkDownRetry is how long Serve waits before reading again after the
// interface went down.
var linkDownRetry = readTimeout

// incomingOnly is a socket filter that drops frames the host itself sends,
// so only the receive path is counted, as with XDP.
var incomingOnly = []bpf.Instruction{
	bpf.LoadExtension{Num: bpf.ExtType},
	bpf.JumpIf{Cond: bpf.JumpEqual, Val: unix.PACKET_OUTGOING, SkipTrue: 1},
	bpf.RetConstant{Val: snapLen},
	bpf.RetConstant{Val: 0},
}

// frameConn is the part of *packet.Conn that Serve uses.
type frameConn interface {
	SetReadDeadline(t time.Time) error
	ReadFrom(b []byte) (int, net.Addr, error)
	Close() error
}

// Socket is a raw AF_PACKET socket bound to one interface.
type Socket struct {
	iface string
	conn  frameConn
}

// Listen opens a raw socket receiving every protocol on iface.
func Listen(iface *net.Interface) (*Socket, error) {
	filter, err := bpf.Assemble(incomingOnly)
	if err != nil {
		return nil, fmt.Errorf("assemble socket filter: %w", err)
	}
	conn, err := packet.Listen(iface, packet.Raw, unix.ETH_P_ALL, &packet.Config{Filter: filter})
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", iface.Name, err)
	}
	slog.Debug("AF_PACKET socket opened", "iface", iface.Name, "index", iface.Index)
	return &Socket{iface: iface.Name, conn: conn}, nil
}

// Serve reads frames and passes them to fn until ctx is done or the socket
// is closed. It returns nil on cancellation. The interface going down is
// not an error: the socket receives again once the link is back up.
func (s *Socket) Serve(ctx context.Context, fn Handler) error {
	buf := make([]byte, snapLen)
	down := false
	for {
		if ctx.Err() != nil {
			return nil
		}
		if err := s.conn.SetReadDeadline(time.Now().Add(readTimeout)); err != nil {
			return fmt.Errorf("set read deadline on %s: %w", s.iface, err)
		}
		n, _, err := s.conn.ReadFrom(buf)
		if err != nil {
			if errors.Is(err, os.ErrDeadlineExceeded) {
				continue
			}
			if errors.Is(err, net.ErrClosed) || errors.Is(err, os.ErrClosed) {
				return nil
			}
			if errors.Is(err, unix.ENETDOWN) {
				if !down {
					slog.Warn("interface down, waiting for link", "iface", s.iface)
					down = true
				}
				select {
				case <-ctx.Done():
					return nil
				case <-time.After(linkDownRetry):
				}
				continue
			}
			return fmt.Errorf("read from %s: %w", s.iface, err)
		}
		if down {
			slog.Info("interface up, receiving again", "iface", s.iface)
			down = false
		}
		fn(buf[:n])
	}
}

func (s *Socket) Close() error {
	return s.conn.Close()
}
