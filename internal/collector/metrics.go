// SPDX-License-Identifier: GPL-3.0
// Copyright (C) 2026 RDMA Exporter Contributors

package collector

import (
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	InterfaceStatusUp       = 0
	InterfaceStatusDown     = 1
	InterfaceStatusNotFound = 2
)

var sourceLabels = []string{"interface", "source_ip", "country"}

type metrics struct {
	rxPackets              *prometheus.CounterVec
	rxBytes                *prometheus.CounterVec
	tableEntries           *prometheus.GaugeVec
	evictionsObserved      *prometheus.CounterVec
	framesSeen             *prometheus.CounterVec
	framesMatched          *prometheus.CounterVec
	mapReadDurationSeconds prometheus.Gauge
	readErrors             *prometheus.CounterVec
	interfaceStatus        *prometheus.GaugeVec
	attached               prometheus.Gauge
	configTableCapacity    prometheus.Gauge
	configPollInterval     prometheus.Gauge
}

func newMetrics() *metrics {
	return &metrics{
		rxPackets: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdma_rx_packets_total",
				Help: "RoCEv2 packets received, by interface and IPv4 source address.",
			},
			sourceLabels,
		),
		rxBytes: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdma_rx_bytes_total",
				Help: "RoCEv2 bytes received (IP total length plus Ethernet header), by interface and IPv4 source address.",
			},
			sourceLabels,
		),
		tableEntries: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rdma_table_entries",
				Help: "Source addresses currently held in the counting table.",
			},
			[]string{"interface"},
		),
		evictionsObserved: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdma_table_evictions_observed_total",
				Help: "Source addresses that disappeared from the counting table between two polls. Traffic they received after the previous poll is lost.",
			},
			[]string{"interface"},
		),
		framesSeen: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdma_socket_frames_total",
				Help: "Frames inspected by the userspace (socket) datapath.",
			},
			[]string{"interface"},
		),
		framesMatched: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdma_socket_matched_frames_total",
				Help: "Frames classified as RoCEv2 by the userspace (socket) datapath.",
			},
			[]string{"interface"},
		),
		mapReadDurationSeconds: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rdma_table_read_duration_seconds",
				Help: "Time in seconds to read all counting tables in the last poll.",
			},
		),
		readErrors: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "rdma_table_read_errors_total",
				Help: "Failed reads of a counting table.",
			},
			[]string{"interface"},
		),
		interfaceStatus: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Name: "rdma_interface_status",
				Help: "Interface status: 0=up, 1=down, 2=not found. Reported for configured interfaces (explicit list) or all non-loopback (any mode).",
			},
			[]string{"interface"},
		),
		attached: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rdma_attached_interfaces",
				Help: "Interfaces the datapath is currently attached to.",
			},
		),
		configTableCapacity: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rdma_config_table_capacity",
				Help: "Configured maximum source addresses per counting table.",
			},
		),
		configPollInterval: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "rdma_config_poll_interval_seconds",
				Help: "Configured poll interval in seconds.",
			},
		),
	}
}

func (m *metrics) register(reg prometheus.Registerer) {
	reg.MustRegister(
		m.rxPackets,
		m.rxBytes,
		m.tableEntries,
		m.evictionsObserved,
		m.framesSeen,
		m.framesMatched,
		m.mapReadDurationSeconds,
		m.readErrors,
		m.interfaceStatus,
		m.attached,
		m.configTableCapacity,
		m.configPollInterval,
	)
	slog.Info("Prometheus metrics registered")
}

// forgetInterface drops every per-interface series of ifName.
func (m *metrics) forgetInterface(ifName string) {
	l := prometheus.Labels{"interface": ifName}
	m.rxPackets.DeletePartialMatch(l)
	m.rxBytes.DeletePartialMatch(l)
	m.tableEntries.DeletePartialMatch(l)
	m.evictionsObserved.DeletePartialMatch(l)
	m.framesSeen.DeletePartialMatch(l)
	m.framesMatched.DeletePartialMatch(l)
	m.readErrors.DeletePartialMatch(l)
}
