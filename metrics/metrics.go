// Copyright (c) Microsoft Corporation.
// Licensed under the MIT License.

// Package metrics exposes the monitor core's Prometheus collectors. All
// collectors are registered on the default registry; the daemon serves them
// via promhttp.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// EventsPublished counts events accepted onto the bus, by topic.
	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cribwatch_events_published_total",
			Help: "Total events published onto the event bus",
		},
		[]string{"topic"},
	)

	// EventsDropped counts events a subscriber could not accept.
	EventsDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cribwatch_events_dropped_total",
			Help: "Total events dropped before delivery to a subscriber",
		},
		[]string{"topic"},
	)

	// FusionEmitted counts fused signals published, by channel.
	FusionEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cribwatch_fusion_emitted_total",
			Help: "Total fused signals emitted",
		},
		[]string{"channel"},
	)

	// FusionAgreement reports the latest agreement score per channel.
	FusionAgreement = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cribwatch_fusion_agreement",
			Help: "Inter-source agreement of the latest fused signal",
		},
		[]string{"channel"},
	)

	// AlertsTriggered counts alerts raised, by rule and severity.
	AlertsTriggered = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cribwatch_alerts_triggered_total",
			Help: "Total alerts triggered",
		},
		[]string{"rule", "severity"},
	)

	// AlertsActive reports the current number of unresolved alerts.
	AlertsActive = promauto.NewGauge(
		prometheus.GaugeOpts{
			Name: "cribwatch_alerts_active",
			Help: "Number of currently active alerts",
		},
	)

	// DetectorOnline reports per-detector liveness (1 online, 0 offline).
	DetectorOnline = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "cribwatch_detector_online",
			Help: "Whether a detector has reported within its timeout",
		},
		[]string{"detector"},
	)

	// BridgeRelayed counts events relayed across the MQTT bridge.
	BridgeRelayed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cribwatch_bridge_relayed_total",
			Help: "Total events relayed across the MQTT bridge",
		},
		[]string{"direction"},
	)

	// BridgeDropped counts bridge payloads that could not be relayed.
	BridgeDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Name: "cribwatch_bridge_dropped_total",
			Help: "Total bridge payloads dropped (malformed or undeliverable)",
		},
		[]string{"direction"},
	)
)
