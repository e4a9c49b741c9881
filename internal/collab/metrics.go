package collab

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	metricConnections = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "drawbridge",
		Subsystem: "collab",
		Name:      "connections",
		Help:      "Live websocket connections.",
	})
	metricRooms = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "drawbridge",
		Subsystem: "collab",
		Name:      "rooms",
		Help:      "Document rooms with at least one member.",
	})
	metricJoins = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drawbridge",
		Subsystem: "collab",
		Name:      "joins_total",
		Help:      "Join attempts by outcome.",
	}, []string{"outcome"})
	metricChanges = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drawbridge",
		Subsystem: "collab",
		Name:      "changes_total",
		Help:      "Document change attempts by outcome.",
	}, []string{"outcome"})
	metricSheetPatches = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drawbridge",
		Subsystem: "collab",
		Name:      "sheet_patches_total",
		Help:      "Sheet patch attempts by outcome.",
	}, []string{"outcome"})
	metricBroadcasts = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "drawbridge",
		Subsystem: "collab",
		Name:      "broadcasts_total",
		Help:      "Events fanned out to room members.",
	}, []string{"event"})
	metricDroppedConns = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "drawbridge",
		Subsystem: "collab",
		Name:      "dropped_connections_total",
		Help:      "Connections closed because their send buffer filled.",
	})
)
