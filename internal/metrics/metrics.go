// Package metrics exposes Prometheus counters for the entitlement engine.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// SyncTotal counts sync attempts by terminal result.
	SyncTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcana",
		Subsystem: "subscription",
		Name:      "sync_total",
		Help:      "Subscription sync attempts by result (success, failed, stale_discarded).",
	}, []string{"result"})

	// DowngradesTotal counts graceful downgrades triggered by expiration.
	DowngradesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "arcana",
		Subsystem: "subscription",
		Name:      "downgrades_total",
		Help:      "Graceful downgrades to the free tier after expiration.",
	})

	// DecisionsTotal counts entitlement decisions by outcome.
	DecisionsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcana",
		Subsystem: "entitlements",
		Name:      "decisions_total",
		Help:      "Entitlement evaluations by decision.",
	}, []string{"decision"})

	// UsageIncrementsTotal counts consumed usage by feature.
	UsageIncrementsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "arcana",
		Subsystem: "usage",
		Name:      "increments_total",
		Help:      "Usage counter increments by feature.",
	}, []string{"feature"})
)
