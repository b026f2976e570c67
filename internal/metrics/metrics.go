/*
Copyright 2026.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0
*/

// Package metrics defines Prometheus metrics for the Otto runtime.
//
// All metrics are registered with the default registry and served on the
// external control plane's metrics endpoint.
//
// Metric naming follows Prometheus conventions:
//   - otto_ prefix for all custom metrics
//   - _total suffix for counters
//   - _seconds suffix for duration histograms
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	// JobRunsTotal counts job runs by job type and terminal status.
	JobRunsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otto_job_runs_total",
			Help: "Total number of job runs by type and status.",
		},
		[]string{"type", "status"},
	)

	// JobRunDurationSeconds is a histogram of run duration by job type.
	JobRunDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "otto_job_run_duration_seconds",
			Help:    "Duration of job runs in seconds.",
			Buckets: []float64{0.1, 0.5, 1, 5, 15, 30, 60, 120, 300},
		},
		[]string{"type"},
	)

	// JobsClaimedTotal counts jobs claimed by the scheduler per tick.
	JobsClaimedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "otto_jobs_claimed_total",
			Help: "Total jobs claimed by the scheduler.",
		},
	)

	// LeaseExpiredTotal counts finalizations rejected because the lease
	// had already been reclaimed by another worker.
	LeaseExpiredTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "otto_lease_expired_total",
			Help: "Total lease-guarded updates rejected as expired.",
		},
	)

	// ScheduleLagSeconds is the delay between a job's due time and claim.
	ScheduleLagSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "otto_schedule_lag_seconds",
			Help: "Seconds between a job's due time and its claim.",
		},
		[]string{"type"},
	)

	// ActiveRuns is the number of currently executing job runs.
	ActiveRuns = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "otto_active_runs",
			Help: "Number of job runs currently executing.",
		},
	)

	// OutboundDeliveriesTotal counts delivery outcomes by result
	// (sent, retried, failed, deduped).
	OutboundDeliveriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otto_outbound_deliveries_total",
			Help: "Total outbound delivery attempts by outcome.",
		},
		[]string{"outcome"},
	)

	// OutboundQueueDepth is the number of messages awaiting delivery.
	OutboundQueueDepth = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "otto_outbound_queue_depth",
			Help: "Number of queued outbound messages.",
		},
	)

	// APIRequestsTotal counts control plane requests by plane, route and code.
	APIRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otto_api_requests_total",
			Help: "Total control plane HTTP requests.",
		},
		[]string{"plane", "route", "code"},
	)

	// AgentTurnsTotal counts agent loop turns by outcome.
	AgentTurnsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "otto_agent_turns_total",
			Help: "Total agent loop turns by outcome.",
		},
		[]string{"outcome"},
	)
)

func init() {
	prometheus.MustRegister(
		JobRunsTotal,
		JobRunDurationSeconds,
		JobsClaimedTotal,
		LeaseExpiredTotal,
		ScheduleLagSeconds,
		ActiveRuns,
		OutboundDeliveriesTotal,
		OutboundQueueDepth,
		APIRequestsTotal,
		AgentTurnsTotal,
	)
}

// RecordRunComplete records metrics for one finished job run.
func RecordRunComplete(jobType, status string, duration time.Duration) {
	JobRunsTotal.WithLabelValues(jobType, status).Inc()
	JobRunDurationSeconds.WithLabelValues(jobType).Observe(duration.Seconds())
}

// RecordScheduleLag records how late a job was claimed relative to its due time.
func RecordScheduleLag(jobType string, lag time.Duration) {
	ScheduleLagSeconds.WithLabelValues(jobType).Set(lag.Seconds())
}

// RecordDelivery records one outbound delivery outcome.
func RecordDelivery(outcome string) {
	OutboundDeliveriesTotal.WithLabelValues(outcome).Inc()
}
