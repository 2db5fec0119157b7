// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

// Package config holds the exporter settings. Values come from flags and,
// optionally, a YAML file that explicitly set flags override.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/rdma-exporter-ebpf/internal/types"
)

const (
	DatapathXDP    = "xdp"
	DatapathSocket = "socket"
)

// XDP attach modes.
const (
	XDPModeAuto    = "auto"
	XDPModeGeneric = "generic"
	XDPModeDriver  = "driver"
	XDPModeOffload = "offload"
)

// Config is read-only after collector.Run is called.
type Config struct {
	Interfaces     string        `yaml:"interfaces"`
	Datapath       string        `yaml:"datapath"`
	XDPMode        string        `yaml:"xdp_mode"`
	TableCapacity  int           `yaml:"table_capacity"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	ListenAddress  string        `yaml:"listen_address"`
	MetricsPath    string        `yaml:"metrics_path"`
	BatchSize      int           `yaml:"batch_size"`
	GeoIPDB        string        `yaml:"geoip_db"`
	GeoIPCacheSize int           `yaml:"geoip_cache_size"`
	LogLevel       string        `yaml:"log_level"`
	LogFormat      string        `yaml:"log_format"`
}

func Default() Config {
	return Config{
		Interfaces:     "any",
		Datapath:       DatapathXDP,
		XDPMode:        XDPModeAuto,
		TableCapacity:  types.TableCapacity,
		PollInterval:   5 * time.Second,
		ListenAddress:  "0.0.0.0:9101",
		MetricsPath:    "/metrics",
		BatchSize:      types.TableCapacity,
		GeoIPDB:        "",
		GeoIPCacheSize: 4096,
		LogLevel:       "info",
		LogFormat:      "text",
	}
}

// LoadFile decodes the YAML file at path over cfg. Unknown keys are an error.
func LoadFile(path string, cfg *Config) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config: %w", err)
	}
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return fmt.Errorf("parse config %s: %w", path, err)
	}
	return nil
}

// Validate checks cfg and normalizes enum values to lower case.
func (c *Config) Validate() error {
	c.Datapath = strings.ToLower(strings.TrimSpace(c.Datapath))
	c.XDPMode = strings.ToLower(strings.TrimSpace(c.XDPMode))

	var errs []error
	if strings.TrimSpace(c.Interfaces) == "" {
		errs = append(errs, errors.New("interfaces must not be empty"))
	}
	switch c.Datapath {
	case DatapathXDP, DatapathSocket:
	default:
		errs = append(errs, fmt.Errorf("datapath must be %q or %q, got %q", DatapathXDP, DatapathSocket, c.Datapath))
	}
	switch c.XDPMode {
	case XDPModeAuto, XDPModeGeneric, XDPModeDriver, XDPModeOffload:
	default:
		errs = append(errs, fmt.Errorf("xdp mode must be one of auto, generic, driver, offload, got %q", c.XDPMode))
	}
	if c.TableCapacity <= 0 {
		errs = append(errs, fmt.Errorf("table capacity must be > 0, got %d", c.TableCapacity))
	}
	if c.PollInterval <= 0 {
		errs = append(errs, fmt.Errorf("poll interval must be > 0, got %v", c.PollInterval))
	}
	if !strings.HasPrefix(c.MetricsPath, "/") {
		errs = append(errs, fmt.Errorf("metrics path must start with /, got %q", c.MetricsPath))
	}
	if c.BatchSize < 0 {
		errs = append(errs, fmt.Errorf("batch size must be >= 0, got %d", c.BatchSize))
	}
	return errors.Join(errs...)
}
