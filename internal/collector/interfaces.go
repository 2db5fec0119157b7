// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

//go:build linux

package collector

import (
	"fmt"
	"log/slog"
	"net"
	"sort"
	"strings"

	"github.com/vishvananda/netlink"
)

type ifaceInfo struct {
	Name     string
	Index    int
	MTU      int
	HWAddr   net.HardwareAddr
	Flags    net.Flags
	OperUp   bool
	Loopback bool
}

func (i ifaceInfo) netInterface() *net.Interface {
	return &net.Interface{
		Index:        i.Index,
		MTU:          i.MTU,
		Name:         i.Name,
		HardwareAddr: i.HWAddr,
		Flags:        i.Flags,
	}
}

func (i ifaceInfo) String() string {
	return fmt.Sprintf("%s (index %d)", stableInterfaceName(i), i.Index)
}

// listInterfaces returns every link of the current network namespace.
func listInterfaces() ([]ifaceInfo, error) {
	links, err := netlink.LinkList()
	if err != nil {
		return nil, fmt.Errorf("list links: %w", err)
	}
	out := make([]ifaceInfo, 0, len(links))
	for _, l := range links {
		a := l.Attrs()
		out = append(out, ifaceInfo{
			Name:     a.Name,
			Index:    a.Index,
			MTU:      a.MTU,
			HWAddr:   a.HardwareAddr,
			Flags:    a.Flags,
			OperUp:   a.OperState == netlink.OperUp || (a.OperState == netlink.OperUnknown && a.Flags&net.FlagUp != 0),
			Loopback: a.Flags&net.FlagLoopback != 0,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out, nil
}

// configuredNames splits an explicit interface list, dropping blanks and
// duplicates. It returns nil for "any".
func configuredNames(cfg string) []string {
	if cfg == "any" {
		return nil
	}
	var names []string
	seen := make(map[string]struct{})
	for _, name := range strings.Split(cfg, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}
		names = append(names, name)
	}
	return names
}

// selectInterfaces converts the config string to an interface list.
// "any" selects all non-loopback interfaces. For explicit names,
// skipMissing controls whether an absent interface is an error.
func selectInterfaces(all []ifaceInfo, cfg string, skipMissing bool) ([]ifaceInfo, error) {
	if cfg == "any" {
		var out []ifaceInfo
		for _, iface := range all {
			if !iface.Loopback {
				out = append(out, iface)
			}
		}
		return out, nil
	}
	byName := make(map[string]ifaceInfo, len(all))
	for _, iface := range all {
		byName[iface.Name] = iface
	}
	var out []ifaceInfo
	for _, name := range configuredNames(cfg) {
		iface, ok := byName[name]
		if !ok {
			if skipMissing {
				slog.Debug("interface not found, skipping", "name", name)
				continue
			}
			return nil, fmt.Errorf("interface %q not found", name)
		}
		out = append(out, iface)
	}
	return out, nil
}

// interfaceStatuses maps each interface to report to its status metric value.
// In "any" mode only existing non-loopback interfaces are reported.
func interfaceStatuses(all []ifaceInfo, cfg string) map[string]int {
	out := make(map[string]int)
	if cfg == "any" {
		for _, iface := range all {
			if iface.Loopback {
				continue
			}
			out[iface.Name] = statusOf(iface)
		}
		return out
	}
	byName := make(map[string]ifaceInfo, len(all))
	for _, iface := range all {
		byName[iface.Name] = iface
	}
	for _, name := range configuredNames(cfg) {
		iface, ok := byName[name]
		if !ok {
			out[name] = InterfaceStatusNotFound
			continue
		}
		out[name] = statusOf(iface)
	}
	return out
}

func statusOf(iface ifaceInfo) int {
	if iface.Flags&net.FlagUp != 0 && iface.OperUp {
		return InterfaceStatusUp
	}
	return InterfaceStatusDown
}

func stableInterfaceName(iface ifaceInfo) string {
	if iface.Name != "" {
		return iface.Name
	}
	return fmt.Sprintf("%d", iface.Index)
}
