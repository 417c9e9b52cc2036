// Package metrics exposes the Prometheus instrumentation for the billing
// ledger and the render lifecycle. Served at GET /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	CreditDeductions = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelforge_credit_deductions_total",
		Help: "Number of successful credit deductions.",
	})

	InsufficientFunds = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelforge_insufficient_funds_total",
		Help: "Number of deductions rejected for insufficient balance.",
	})

	WebhookEvents = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "reelforge_render_webhook_events_total",
		Help: "Render webhook deliveries by event type and outcome.",
	}, []string{"type", "outcome"})

	RendersRequested = promauto.NewCounter(prometheus.CounterOpts{
		Name: "reelforge_renders_requested_total",
		Help: "Number of render jobs accepted for processing.",
	})
)
