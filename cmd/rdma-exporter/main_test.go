// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

package main

import (
	"bytes"
	"context"
	"flag"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gopacket/gopacket"
	"github.com/gopacket/gopacket/layers"
	"github.com/gopacket/gopacket/pcapgo"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdma-exporter-ebpf/internal/config"
	"github.com/rdma-exporter-ebpf/internal/testutil"
)

func newFlagSet() *flag.FlagSet {
	fs := flag.NewFlagSet("rdma-exporter", flag.ContinueOnError)
	fs.SetOutput(io.Discard)
	return fs
}

func TestParseFlagsDefaults(t *testing.T) {
	cfg, opts, err := parseFlags(newFlagSet(), nil)
	require.NoError(t, err)
	assert.Equal(t, config.Default(), cfg)
	assert.Empty(t, opts.configFile)
	assert.Empty(t, opts.pcapFile)
}

func TestParseFlagsOverrideFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdma.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
interfaces: mlx0
datapath: socket
poll_interval: 30s
log_level: debug
`), 0o600))

	cfg, opts, err := parseFlags(newFlagSet(), []string{
		"-config", path,
		"-poll-interval", "1s",
		"-interfaces", "mlx1",
	})
	require.NoError(t, err)
	assert.Equal(t, path, opts.configFile)
	assert.Equal(t, "mlx1", cfg.Interfaces, "explicit flag wins")
	assert.Equal(t, time.Second, cfg.PollInterval, "explicit flag wins")
	assert.Equal(t, config.DatapathSocket, cfg.Datapath, "file value kept")
	assert.Equal(t, "debug", cfg.LogLevel, "file value kept")
	assert.Equal(t, config.Default().ListenAddress, cfg.ListenAddress, "default kept")
}

func TestParseFlagsBadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "rdma.yaml")
	require.NoError(t, os.WriteFile(path, []byte("no_such_key: 1\n"), 0o600))
	_, _, err := parseFlags(newFlagSet(), []string{"-config", path})
	assert.Error(t, err)
}

func TestReplay(t *testing.T) {
	frames := [][]byte{
		testutil.RoCE(t, "10.0.0.1", 0),
		testutil.RoCE(t, "10.0.0.2", 10),
		testutil.RoCE(t, "10.0.0.2", 10),
		testutil.Frame(t, testutil.FrameOpts{DstPort: 53}),
	}
	var buf bytes.Buffer
	w := pcapgo.NewWriter(&buf)
	require.NoError(t, w.WriteFileHeader(65535, layers.LinkTypeEthernet))
	for i, f := range frames {
		ci := gopacket.CaptureInfo{Timestamp: time.Unix(1700000000, int64(i)), CaptureLength: len(f), Length: len(f)}
		require.NoError(t, w.WritePacket(ci, f))
	}
	path := filepath.Join(t.TempDir(), "roce.pcap")
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0o600))

	var out bytes.Buffer
	require.NoError(t, replay(context.Background(), path, 16, &out))

	lines := strings.Split(strings.TrimSpace(out.String()), "\n")
	require.Len(t, lines, 3)
	assert.Equal(t, []string{"SOURCE_IP", "PACKETS", "BYTES"}, strings.Fields(lines[0]))
	assert.Equal(t, []string{"10.0.0.2", "2", "104"}, strings.Fields(lines[1]))
	assert.Equal(t, []string{"10.0.0.1", "1", "42"}, strings.Fields(lines[2]))
}

func TestReplayMissingFile(t *testing.T) {
	err := replay(context.Background(), filepath.Join(t.TempDir(), "none.pcap"), 16, io.Discard)
	assert.Error(t, err)
}
