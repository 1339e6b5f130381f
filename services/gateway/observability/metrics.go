// Copyright (C) 2025 Verdalis AI (oss@verdalis.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

// Package observability holds the gateway's Prometheus instrumentation.
package observability

import (
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics bundles the gateway's Prometheus collectors. A nil *Metrics is
// valid and records nothing, so wiring stays optional in tests.
type Metrics struct {
	requestsTotal      *prometheus.CounterVec
	requestDuration    *prometheus.HistogramVec
	streamDuration     *prometheus.HistogramVec
	timeToFirstToken   *prometheus.HistogramVec
	activeStreams      *prometheus.GaugeVec
	errorsTotal        *prometheus.CounterVec
	retrievalFallbacks prometheus.Counter
	retrievalDegraded  prometheus.Counter
	modelFallbacks     *prometheus.CounterVec
}

// NewMetrics registers the gateway collectors on the given registerer.
// Pass prometheus.DefaultRegisterer in production.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		requestsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verdalis_gateway_requests_total",
			Help: "Completed HTTP requests by route and status code.",
		}, []string{"route", "status"}),
		requestDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verdalis_gateway_request_duration_seconds",
			Help:    "HTTP request latency by route.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
		streamDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verdalis_gateway_stream_duration_seconds",
			Help:    "Wall time of streamed completions by provider.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}, []string{"provider"}),
		timeToFirstToken: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "verdalis_gateway_time_to_first_token_seconds",
			Help:    "Latency from stream start to first token by provider.",
			Buckets: []float64{0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		}, []string{"provider"}),
		activeStreams: factory.NewGaugeVec(prometheus.GaugeOpts{
			Name: "verdalis_gateway_active_streams",
			Help: "Streams currently being relayed by provider.",
		}, []string{"provider"}),
		errorsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verdalis_gateway_errors_total",
			Help: "Gateway errors by kind.",
		}, []string{"kind"}),
		retrievalFallbacks: factory.NewCounter(prometheus.CounterOpts{
			Name: "verdalis_gateway_retrieval_fallbacks_total",
			Help: "Times a retrieval endpoint failed and the next was tried.",
		}),
		retrievalDegraded: factory.NewCounter(prometheus.CounterOpts{
			Name: "verdalis_gateway_retrieval_degraded_total",
			Help: "Completions that proceeded with no retrieval context after exhaustion.",
		}),
		modelFallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "verdalis_gateway_model_fallbacks_total",
			Help: "Completions retried on the provider default after a model miss.",
		}, []string{"provider"}),
	}
}

func (m *Metrics) ObserveRequest(route string, status int, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.requestsTotal.WithLabelValues(route, strconv.Itoa(status)).Inc()
	m.requestDuration.WithLabelValues(route).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveStream(provider string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.streamDuration.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) ObserveFirstToken(provider string, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.timeToFirstToken.WithLabelValues(provider).Observe(elapsed.Seconds())
}

func (m *Metrics) StreamStarted(provider string) {
	if m == nil {
		return
	}
	m.activeStreams.WithLabelValues(provider).Inc()
}

func (m *Metrics) StreamEnded(provider string) {
	if m == nil {
		return
	}
	m.activeStreams.WithLabelValues(provider).Dec()
}

func (m *Metrics) CountError(kind string) {
	if m == nil {
		return
	}
	m.errorsTotal.WithLabelValues(kind).Inc()
}

func (m *Metrics) CountRetrievalFallback() {
	if m == nil {
		return
	}
	m.retrievalFallbacks.Inc()
}

func (m *Metrics) CountRetrievalDegraded() {
	if m == nil {
		return
	}
	m.retrievalDegraded.Inc()
}

func (m *Metrics) CountModelFallback(provider string) {
	if m == nil {
		return
	}
	m.modelFallbacks.WithLabelValues(provider).Inc()
}
