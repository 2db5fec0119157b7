// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

package capture

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdma-exporter-ebpf/internal/testutil"
)

func writePcap(t *testing.T, frames ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000, int64(i)),
			CaptureLength: len(f),
			Length:        len(f),
		}
		require.NoError(t, w.WritePacket(ci, f))
	}
	return buf.Bytes()
}

func writePcapng(t *testing.T, frames ...[]byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := pcapgo.NewNgWriter(&buf, layers.LinkTypeEthernet)
	require.NoError(t, err)
	for i, f := range frames {
		ci := gopacket.CaptureInfo{
			Timestamp:     time.Unix(1700000000, int64(i)),
			CaptureLength: len(f),
			Length:        len(f),
		}
		require.NoError(t, w.WritePacket(ci, f))
	}
	require.NoError(t, w.Flush())
	return buf.Bytes()
}

func TestReplayPcap(t *testing.T) {
	a := testutil.RoCE(t, "10.0.0.1", 10)
	b := testutil.Frame(t, testutil.FrameOpts{DstPort: 53})

	var got [][]byte
	n, err := Replay(context.Background(), bytes.NewReader(writePcap(t, a, b)), func(f []byte) {
		got = append(got, append([]byte(nil), f...))
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, [][]byte{a, b}, got)
}

func TestReplayPcapng(t *testing.T) {
	a := testutil.RoCE(t, "10.0.0.2", 10)

	n, err := Replay(context.Background(), bytes.NewReader(writePcapng(t, a, a, a)), func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestReplayRejectsNonEthernet(t *testing.T) {
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeRaw))

	_, err := Replay(context.Background(), &buf, func([]byte) {})
	assert.ErrorContains(t, err, "unsupported link type")
}

func TestReplayGarbage(t *testing.T) {
	_, err := Replay(context.Background(), bytes.NewReader([]byte("definitely not a capture")), func([]byte) {})
	assert.Error(t, err)

	_, err = Replay(context.Background(), bytes.NewReader(nil), func([]byte) {})
	assert.Error(t, err)
}

func TestReplayCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := Replay(ctx, bytes.NewReader(writePcap(t, testutil.RoCE(t, "10.0.0.1", 0))), func([]byte) {})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Zero(t, n)
}

func TestReadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "roce.pcap")
	require.NoError(t, os.WriteFile(path, writePcap(t, testutil.RoCE(t, "10.0.0.1", 0)), 0o600))

	n, err := ReadFile(context.Background(), path, func([]byte) {})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	_, err = ReadFile(context.Background(), filepath.Join(t.TempDir(), "missing.pcap"), func([]byte) {})
	assert.ErrorIs(t, err, os.ErrNotExist)
}
