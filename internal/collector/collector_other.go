// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

//go:build !linux

package collector

import (
	"context"
	"errors"
	"log/slog"
	"runtime"

	"github.com/rdma-exporter-ebpf/internal/config"
)

var errUnsupportedPlatform = errors.New("rdma-exporter only counts live traffic on linux")

// Run reports that live counting is unavailable. Capture files can still be
// replayed with -pcap.
func Run(ctx context.Context, cfg config.Config) error {
	slog.Warn("current platform is not supported", "os", runtime.GOOS, "datapath", cfg.Datapath)
	return errUnsupportedPlatform
}
