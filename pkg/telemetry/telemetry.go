// SPDX-FileCopyrightText: Copyright 2025 Rivet Framework Authors
// SPDX-License-Identifier: Apache-2.0

// Package telemetry exposes the framework's Prometheus instrumentation:
// request and method counters, in-flight gauges, and latency histograms,
// plus the /metrics handler that serves them.
package telemetry

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics instruments one service instance.
type Metrics struct {
	registry *prometheus.Registry

	methodCalls    *prometheus.CounterVec
	methodDuration *prometheus.HistogramVec
	inFlight       prometheus.Gauge
	workerInvokes  *prometheus.CounterVec
	eventsSent     *prometheus.CounterVec
}

// NewMetrics returns a metrics set on a fresh Prometheus registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	m := &Metrics{
		registry: reg,
		methodCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rivet",
			Name:      "method_calls_total",
			Help:      "Method invocations by method name and error code (0 for success).",
		}, []string{"method", "code"}),
		methodDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "rivet",
			Name:      "method_duration_seconds",
			Help:      "Method handler latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"method"}),
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: "rivet",
			Name:      "requests_in_flight",
			Help:      "Requests currently being served.",
		}),
		workerInvokes: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rivet",
			Name:      "worker_invocations_total",
			Help:      "Worker fabric invocations by outcome.",
		}, []string{"outcome"}),
		eventsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "rivet",
			Name:      "events_sent_total",
			Help:      "Event bus sends by delivery mode.",
		}, []string{"mode"}),
	}
	reg.MustRegister(m.methodCalls, m.methodDuration, m.inFlight, m.workerInvokes, m.eventsSent)
	return m
}

// Handler serves the Prometheus exposition endpoint.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// ObserveMethod records one method invocation.
func (m *Metrics) ObserveMethod(method string, code int, elapsed time.Duration) {
	m.methodCalls.WithLabelValues(method, strconv.Itoa(code)).Inc()
	m.methodDuration.WithLabelValues(method).Observe(elapsed.Seconds())
}

// RequestStarted marks a request in flight and returns its completion
// callback.
func (m *Metrics) RequestStarted() func() {
	m.inFlight.Inc()
	return m.inFlight.Dec
}

// ObserveWorkerInvocation records a worker dispatch outcome.
func (m *Metrics) ObserveWorkerInvocation(outcome string) {
	m.workerInvokes.WithLabelValues(outcome).Inc()
}

// ObserveEvent records an event bus send.
func (m *Metrics) ObserveEvent(mode string) {
	m.eventsSent.WithLabelValues(mode).Inc()
}
