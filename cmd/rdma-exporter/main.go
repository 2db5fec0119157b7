// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"sort"
	"syscall"
	"text/tabwriter"

	"github.com/rdma-exporter-ebpf/internal/capture"
	"github.com/rdma-exporter-ebpf/internal/collector"
	"github.com/rdma-exporter-ebpf/internal/config"
	"github.com/rdma-exporter-ebpf/internal/log"
	"github.com/rdma-exporter-ebpf/internal/monitor"
	"github.com/rdma-exporter-ebpf/internal/table"
	"github.com/rdma-exporter-ebpf/internal/types"
)

// options are the flags that are not part of config.Config.
type options struct {
	configFile string
	pcapFile   string
}

// parseFlags builds the effective config: defaults, then the YAML file if
// -config is given, then every flag set explicitly on the command line.
func parseFlags(fs *flag.FlagSet, args []string) (config.Config, options, error) {
	var (
		opts options
		fl   = config.Default()
	)
	fs.StringVar(&opts.configFile, "config", "", "Optional YAML config file; explicitly set flags override it")
	fs.StringVar(&opts.pcapFile, "pcap", "", "Replay a pcap/pcapng file through the userspace datapath, print the table and exit")
	fs.StringVar(&fl.Interfaces, "interfaces", fl.Interfaces, "Comma-separated interface names; 'any' = all non-loopback")
	fs.StringVar(&fl.Datapath, "datapath", fl.Datapath, "Receive hook: xdp (kernel) or socket (AF_PACKET, userspace)")
	fs.StringVar(&fl.XDPMode, "xdp-mode", fl.XDPMode, "XDP attach mode: auto, generic, driver, offload")
	fs.IntVar(&fl.TableCapacity, "table-capacity", fl.TableCapacity, "Maximum source addresses per counting table")
	fs.DurationVar(&fl.PollInterval, "poll-interval", fl.PollInterval, "Interval to read counting tables and update metrics")
	fs.StringVar(&fl.ListenAddress, "listen-address", fl.ListenAddress, "HTTP server listen address for metrics")
	fs.StringVar(&fl.MetricsPath, "metrics-path", fl.MetricsPath, "HTTP path for Prometheus metrics")
	fs.IntVar(&fl.BatchSize, "batch-size", fl.BatchSize, "Keys per batch lookup syscall (xdp datapath)")
	fs.StringVar(&fl.GeoIPDB, "geoip-db", fl.GeoIPDB, "Optional path to GeoLite2-Country.mmdb for the country label")
	fs.IntVar(&fl.GeoIPCacheSize, "geoip-cache-size", fl.GeoIPCacheSize, "GeoIP LRU cache size (address -> country)")
	fs.StringVar(&fl.LogLevel, "log-level", fl.LogLevel, "Log level: debug, info, warn, error")
	fs.StringVar(&fl.LogFormat, "log-format", fl.LogFormat, "Log format: text, json")
	if err := fs.Parse(args); err != nil {
		return config.Config{}, options{}, err
	}

	if opts.configFile == "" {
		return fl, opts, nil
	}
	cfg := config.Default()
	if err := config.LoadFile(opts.configFile, &cfg); err != nil {
		return config.Config{}, options{}, err
	}
	fs.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "interfaces":
			cfg.Interfaces = fl.Interfaces
		case "datapath":
			cfg.Datapath = fl.Datapath
		case "xdp-mode":
			cfg.XDPMode = fl.XDPMode
		case "table-capacity":
			cfg.TableCapacity = fl.TableCapacity
		case "poll-interval":
			cfg.PollInterval = fl.PollInterval
		case "listen-address":
			cfg.ListenAddress = fl.ListenAddress
		case "metrics-path":
			cfg.MetricsPath = fl.MetricsPath
		case "batch-size":
			cfg.BatchSize = fl.BatchSize
		case "geoip-db":
			cfg.GeoIPDB = fl.GeoIPDB
		case "geoip-cache-size":
			cfg.GeoIPCacheSize = fl.GeoIPCacheSize
		case "log-level":
			cfg.LogLevel = fl.LogLevel
		case "log-format":
			cfg.LogFormat = fl.LogFormat
		}
	})
	return cfg, opts, nil
}

func main() {
	cfg, opts, err := parseFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		fmt.Fprintf(os.Stderr, "%v\n", err)
		os.Exit(2)
	}

	if err := log.Configure(cfg.LogLevel, cfg.LogFormat); err != nil {
		fmt.Fprintf(os.Stderr, "invalid logging config: %v\n", err)
		os.Exit(1)
	}
	slog.Debug("logging configured", "level", cfg.LogLevel, "format", cfg.LogFormat)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if opts.pcapFile != "" {
		if err := replay(ctx, opts.pcapFile, cfg.TableCapacity, os.Stdout); err != nil {
			slog.Error("replay failed", "file", opts.pcapFile, "err", err)
			os.Exit(1)
		}
		return
	}

	slog.Info("starting rdma-exporter",
		"interfaces", cfg.Interfaces,
		"datapath", cfg.Datapath,
		"listen", cfg.ListenAddress,
		"poll_interval", cfg.PollInterval,
	)
	slog.Debug("config",
		"xdp_mode", cfg.XDPMode,
		"table_capacity", cfg.TableCapacity,
		"metrics_path", cfg.MetricsPath,
		"geoip_db", cfg.GeoIPDB,
	)

	// Run collector (blocks until context is canceled)
	if err := collector.Run(ctx, cfg); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("collector run failed", "err", err)
		os.Exit(1)
	}

	slog.Info("shutdown complete")
}

// replay feeds every frame of a capture file through a fresh monitor and
// writes the resulting table, busiest source first.
func replay(ctx context.Context, path string, capacity int, w io.Writer) error {
	if capacity <= 0 {
		return fmt.Errorf("table capacity must be > 0, got %d", capacity)
	}
	mon := monitor.New(table.New(capacity))
	n, err := capture.ReadFile(ctx, path, func(b []byte) { mon.Handle(b) })
	if err != nil {
		return err
	}
	slog.Info("replay done", "file", path, "frames", n, "matched", mon.Matched(), "evictions", mon.Table().Evictions())
	return printTable(w, mon.Table().Snapshot())
}

func printTable(w io.Writer, recs []types.Record) error {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Bytes != recs[j].Bytes {
			return recs[i].Bytes > recs[j].Bytes
		}
		return recs[i].Key.Addr().Less(recs[j].Key.Addr())
	})
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "SOURCE_IP\tPACKETS\tBYTES")
	for _, r := range recs {
		fmt.Fprintf(tw, "%s\t%d\t%d\n", r.Key, r.Packets, r.Bytes)
	}
	return tw.Flush()
}
