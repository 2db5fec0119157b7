// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

//go:build !linux

package collector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/rdma-exporter-ebpf/internal/config"
)

func TestRunUnsupportedPlatform(t *testing.T) {
	assert.ErrorIs(t, Run(context.Background(), config.Default()), errUnsupportedPlatform)
}
