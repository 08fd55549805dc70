// Copyright 2026 The AMI Authors
// SPDX-License-Identifier: Apache-2.0

package controlplane

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ami-project/ami/lib/ingest"
)

// Handshake phase labels.
const (
	PhaseCountQuery  = "count_query"
	PhaseCountGather = "count_gather"
	PhaseQuota       = "quota"
	PhaseGraph       = "graph"
)

// Metrics holds the manager's Prometheus collectors. A nil *Metrics
// records nothing.
type Metrics struct {
	requests           *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	phaseDuration      *prometheus.HistogramVec
	graphDistributions *prometheus.CounterVec
	graphVersion       prometheus.Gauge
	messagesIngested   *prometheus.CounterVec
	resultNames        prometheus.Gauge
}

var _ ingest.Recorder = (*Metrics)(nil)

// NewMetrics creates the collectors and registers them with
// registerer.
func NewMetrics(registerer prometheus.Registerer) *Metrics {
	factory := promauto.With(registerer)
	return &Metrics{
		requests: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ami",
			Name:      "control_requests_total",
			Help:      "Control-plane requests by command and reply status.",
		}, []string{"command", "status"}),

		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ami",
			Name:      "control_request_duration_seconds",
			Help:      "Time to dispatch a control-plane request.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10), // 0.1ms to ~26s
		}, []string{"command"}),

		phaseDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "ami",
			Name:      "collective_phase_duration_seconds",
			Help:      "Duration of collective phases by phase and outcome.",
			Buckets:   prometheus.ExponentialBuckets(0.0001, 4, 10),
		}, []string{"phase", "outcome"}),

		graphDistributions: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ami",
			Name:      "graph_distributions_total",
			Help:      "Graph distributions to the worker pool by outcome.",
		}, []string{"outcome"}),

		graphVersion: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ami",
			Name:      "graph_version",
			Help:      "Version counter of the current graph.",
		}),

		messagesIngested: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "ami",
			Name:      "ingest_messages_total",
			Help:      "Worker messages processed by type.",
		}, []string{"type"}),

		resultNames: factory.NewGauge(prometheus.GaugeOpts{
			Namespace: "ami",
			Name:      "result_store_names",
			Help:      "Number of names in the result store.",
		}),
	}
}

func outcome(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}

func (m *Metrics) observeRequest(command string, status Status, duration time.Duration) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(command, string(status)).Inc()
	m.requestDuration.WithLabelValues(command).Observe(duration.Seconds())
}

func (m *Metrics) observePhase(phase string, err error, duration time.Duration) {
	if m == nil {
		return
	}
	m.phaseDuration.WithLabelValues(phase, outcome(err)).Observe(duration.Seconds())
}

func (m *Metrics) observeDistribution(version uint64, err error) {
	if m == nil {
		return
	}
	m.graphDistributions.WithLabelValues(outcome(err)).Inc()
	m.graphVersion.Set(float64(version))
}

// MessageProcessed implements ingest.Recorder.
func (m *Metrics) MessageProcessed(messageType ingest.MessageType) {
	if m == nil {
		return
	}
	m.messagesIngested.WithLabelValues(string(messageType)).Inc()
}

// ResultsStored implements ingest.Recorder.
func (m *Metrics) ResultsStored(count int) {
	if m == nil {
		return
	}
	m.resultNames.Set(float64(count))
}
