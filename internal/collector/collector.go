// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

//go:build linux

package collector

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cilium/ebpf/rlimit"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sys/unix"

	"github.com/rdma-exporter-ebpf/internal/config"
	"github.com/rdma-exporter-ebpf/internal/geoip"
	"github.com/rdma-exporter-ebpf/internal/types"
)

type Collector struct {
	cfg     config.Config
	geo     *geoip.Lookup
	metrics *metrics
	open    openFunc
	list    func() ([]ifaceInfo, error)

	mu       sync.Mutex
	attached map[int]*attachment // ifindex -> datapath; protected by mu
}

// attachment is a datapath on one interface plus what the previous poll
// read from it.
type attachment struct {
	iface       ifaceInfo
	dp          datapath
	shadow      map[types.SourceKey]types.Counters
	prevSeen    uint64
	prevMatched uint64
}

func newCollector(cfg config.Config, geo *geoip.Lookup, open openFunc, list func() ([]ifaceInfo, error)) *Collector {
	c := &Collector{
		cfg:      cfg,
		geo:      geo,
		metrics:  newMetrics(),
		open:     open,
		list:     list,
		attached: make(map[int]*attachment),
	}
	c.metrics.configTableCapacity.Set(float64(cfg.TableCapacity))
	c.metrics.configPollInterval.Set(cfg.PollInterval.Seconds())
	return c
}

// Run attaches to the configured interfaces, serves metrics and polls the
// counting tables until ctx is canceled.
func Run(ctx context.Context, cfg config.Config) error {
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config: %w", err)
	}

	if cfg.Datapath == config.DatapathXDP {
		if err := checkKernelVersion(5, 9); err != nil {
			slog.Error("kernel version check failed", "err", err)
			return err
		}
		// Kernels before 5.11 account BPF memory against RLIMIT_MEMLOCK.
		if err := rlimit.RemoveMemlock(); err != nil {
			slog.Warn("remove memlock rlimit failed", "err", err)
		}
	}

	var geo *geoip.Lookup
	if cfg.GeoIPDB != "" {
		var err error
		geo, err = geoip.NewWithCacheSize(cfg.GeoIPDB, cfg.GeoIPCacheSize)
		if err != nil {
			slog.Warn("geoip db open failed, using UNKNOWN for all", "path", cfg.GeoIPDB, "err", err)
		} else {
			defer geo.Close()
		}
	}

	c := newCollector(cfg, geo, opener(cfg), listInterfaces)
	c.metrics.register(prometheus.DefaultRegisterer)

	all, err := c.list()
	if err != nil {
		return fmt.Errorf("interfaces: %w", err)
	}
	// skipMissing=true allows startup even if configured interfaces don't exist yet
	interfaces, err := selectInterfaces(all, cfg.Interfaces, true)
	if err != nil {
		return fmt.Errorf("interfaces: %w", err)
	}
	if len(interfaces) == 0 {
		slog.Info("no interfaces found yet", "config", cfg.Interfaces)
	}
	if err := c.attachAll(interfaces); err != nil {
		c.detachAll()
		return err
	}
	defer c.detachAll()

	mux := http.NewServeMux()
	mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(
		prometheus.DefaultGatherer,
		promhttp.HandlerOpts{EnableOpenMetrics: true},
	))
	srv := &http.Server{Addr: cfg.ListenAddress, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
	slog.Info("HTTP server starting", "listen", cfg.ListenAddress, "metrics_path", cfg.MetricsPath)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("http server", "err", err)
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	ticker := time.NewTicker(cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Debug("context canceled, exiting poll loop")
			return ctx.Err()
		case <-ticker.C:
			if err := c.poll(ctx); err != nil {
				if errors.Is(err, context.Canceled) {
					return err
				}
				slog.Error("poll", "err", err)
			}
		}
	}
}

func (c *Collector) attachAll(interfaces []ifaceInfo) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, iface := range interfaces {
		if err := c.attachLocked(iface); err != nil {
			return err
		}
	}
	if len(interfaces) > 0 {
		names := make([]string, len(interfaces))
		for i, iface := range interfaces {
			names[i] = iface.String()
		}
		slog.Info("datapath attached", "datapath", c.cfg.Datapath, "interfaces", names)
	}
	return nil
}

// attachLocked opens a datapath on iface. Caller must hold c.mu.
func (c *Collector) attachLocked(iface ifaceInfo) error {
	dp, err := c.open(iface)
	if err != nil {
		return fmt.Errorf("attach %s: %w", iface, err)
	}
	c.attached[iface.Index] = &attachment{
		iface:  iface,
		dp:     dp,
		shadow: make(map[types.SourceKey]types.Counters),
	}
	c.metrics.attached.Set(float64(len(c.attached)))
	return nil
}

// detachLocked closes the datapath on ifindex and forgets its series.
// Caller must hold c.mu.
func (c *Collector) detachLocked(ifindex int, reason string) {
	att, ok := c.attached[ifindex]
	if !ok {
		return
	}
	if err := att.dp.Close(); err != nil {
		slog.Warn("detach failed", "iface", att.iface.Name, "index", ifindex, "err", err)
	}
	delete(c.attached, ifindex)
	c.metrics.forgetInterface(stableInterfaceName(att.iface))
	c.metrics.attached.Set(float64(len(c.attached)))
	slog.Info("detached from interface", "iface", att.iface.Name, "index", ifindex, "reason", reason)
}

// reopenLocked replaces a stopped datapath on the same interface. The
// shadow is kept, so counts in the fresh table read as reinserted keys.
// If the datapath cannot be reopened the interface is detached and
// syncInterfaces retries on the next poll. Caller must hold c.mu.
func (c *Collector) reopenLocked(ifindex int, att *attachment) {
	if err := att.dp.Close(); err != nil {
		slog.Warn("close stopped datapath failed", "iface", att.iface.Name, "index", ifindex, "err", err)
	}
	dp, err := c.open(att.iface)
	if err != nil {
		slog.Warn("reopen datapath failed", "iface", att.iface.Name, "index", ifindex, "err", err)
		delete(c.attached, ifindex)
		c.metrics.forgetInterface(stableInterfaceName(att.iface))
		c.metrics.attached.Set(float64(len(c.attached)))
		return
	}
	att.dp = dp
	att.prevSeen, att.prevMatched = 0, 0
	slog.Info("datapath reopened", "iface", att.iface.Name, "index", ifindex)
}

func (c *Collector) detachAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := len(c.attached)
	for ifindex := range c.attached {
		c.detachLocked(ifindex, "shutdown")
	}
	slog.Info("datapath detached", "interfaces", n)
}

// syncInterfaces detaches from removed or renamed interfaces and attaches
// to new matching ones.
func (c *Collector) syncInterfaces(all []ifaceInfo) {
	wanted, err := selectInterfaces(all, c.cfg.Interfaces, true)
	if err != nil {
		slog.Error("resolve interfaces failed", "interfaces", c.cfg.Interfaces, "err", err)
		return
	}
	byIndex := make(map[int]ifaceInfo, len(wanted))
	for _, iface := range wanted {
		byIndex[iface.Index] = iface
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for ifindex, att := range c.attached {
		iface, ok := byIndex[ifindex]
		switch {
		case !ok:
			c.detachLocked(ifindex, "removed or no longer matches config")
		case iface.Name != att.iface.Name:
			// Renames are treated as deletions; it is reattached below
			// if the new name still matches.
			c.detachLocked(ifindex, "renamed")
		}
	}
	for _, iface := range wanted {
		if _, ok := c.attached[iface.Index]; ok {
			continue
		}
		if err := c.attachLocked(iface); err != nil {
			slog.Warn("attach to new interface failed", "iface", iface.Name, "index", iface.Index, "err", err)
			continue
		}
		slog.Info("attached to new interface", "iface", iface.Name, "index", iface.Index)
	}
}

func (c *Collector) updateInterfaceStatusMetric(all []ifaceInfo) {
	if c.cfg.Interfaces == "any" {
		// Drop labels for interfaces that disappear (no 2 in any mode).
		c.metrics.interfaceStatus.Reset()
	}
	for name, status := range interfaceStatuses(all, c.cfg.Interfaces) {
		c.metrics.interfaceStatus.WithLabelValues(name).Set(float64(status))
	}
}

func (c *Collector) poll(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if all, err := c.list(); err != nil {
		slog.Warn("list interfaces", "err", err)
	} else {
		c.syncInterfaces(all)
		c.updateInterfaceStatusMetric(all)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	start := time.Now()
	var errs []error
	for ifindex, att := range c.attached {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		recs, err := att.dp.Read()
		if err != nil {
			c.metrics.readErrors.WithLabelValues(stableInterfaceName(att.iface)).Inc()
			errs = append(errs, fmt.Errorf("read %s: %w", att.iface, err))
			if errors.Is(err, errStopped) {
				c.reopenLocked(ifindex, att)
			}
			continue
		}
		c.account(att, recs)
	}
	d := time.Since(start).Seconds()
	c.metrics.mapReadDurationSeconds.Set(d)
	slog.Debug("poll done", "interfaces", len(c.attached), "duration_sec", d)
	return errors.Join(errs...)
}

// account turns absolute table counters into metric increments. A record
// whose counters went down was evicted and reinserted since the last poll,
// so all of its current value is new.
func (c *Collector) account(att *attachment, recs []types.Record) {
	ifName := stableInterfaceName(att.iface)

	current := make(map[types.SourceKey]types.Counters, len(recs))
	for _, r := range recs {
		// A key can be returned twice if the table changed during the read;
		// keep the newer view.
		if prev, seen := current[r.Key]; seen && prev.Packets > r.Packets {
			continue
		}
		current[r.Key] = r.Counters
	}

	evicted := 0
	for k := range att.shadow {
		if _, in := current[k]; in {
			continue
		}
		delete(att.shadow, k)
		c.metrics.rxPackets.DeleteLabelValues(ifName, k.String(), c.country(k))
		c.metrics.rxBytes.DeleteLabelValues(ifName, k.String(), c.country(k))
		evicted++
	}

	for k, cur := range current {
		delta := cur
		if prev, had := att.shadow[k]; had && cur.Packets >= prev.Packets && cur.Bytes >= prev.Bytes {
			delta = types.Counters{Packets: cur.Packets - prev.Packets, Bytes: cur.Bytes - prev.Bytes}
		}
		att.shadow[k] = cur
		country := c.country(k)
		c.metrics.rxPackets.WithLabelValues(ifName, k.String(), country).Add(float64(delta.Packets))
		c.metrics.rxBytes.WithLabelValues(ifName, k.String(), country).Add(float64(delta.Bytes))
	}

	c.metrics.tableEntries.WithLabelValues(ifName).Set(float64(len(current)))
	c.metrics.evictionsObserved.WithLabelValues(ifName).Add(float64(evicted))

	if fc, ok := att.dp.(frameCounter); ok {
		seen, matched := fc.Frames()
		c.metrics.framesSeen.WithLabelValues(ifName).Add(float64(seen - att.prevSeen))
		c.metrics.framesMatched.WithLabelValues(ifName).Add(float64(matched - att.prevMatched))
		att.prevSeen, att.prevMatched = seen, matched
	}
	slog.Debug("table read", "iface", ifName, "entries", len(current), "evicted", evicted)
}

func (c *Collector) country(k types.SourceKey) string {
	return c.geo.Country(k)
}

// checkKernelVersion verifies the running kernel is at least major.minor.
func checkKernelVersion(wantMajor, wantMinor int) error {
	var uname unix.Utsname
	if err := unix.Uname(&uname); err != nil {
		return fmt.Errorf("failed to get kernel version: %w", err)
	}
	release := string(uname.Release[:bytes.IndexByte(uname.Release[:], 0)])

	major, minor, err := parseKernelRelease(release)
	if err != nil {
		return err
	}
	if major < wantMajor || (major == wantMajor && minor < wantMinor) {
		return fmt.Errorf("kernel %d.%d (from %q): XDP links require kernel %d.%d or newer", major, minor, release, wantMajor, wantMinor)
	}
	slog.Info("kernel version check passed", "version", release, "major", major, "minor", minor)
	return nil
}

func parseKernelRelease(release string) (major, minor int, err error) {
	parts := strings.SplitN(release, ".", 3)
	if len(parts) < 2 {
		return 0, 0, fmt.Errorf("kernel version %q: invalid format (expected X.Y.Z)", release)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("kernel version %q: invalid major version", release)
	}
	minorStr := parts[1]
	// Strip anything after first non-digit (e.g., "12+deb13" -> "12")
	for i, ch := range minorStr {
		if ch < '0' || ch > '9' {
			minorStr = minorStr[:i]
			break
		}
	}
	minor, err = strconv.Atoi(minorStr)
	if err != nil {
		return 0, 0, fmt.Errorf("kernel version %q: invalid minor version", release)
	}
	return major, minor, nil
}
