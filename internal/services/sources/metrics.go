// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package sources

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// ServiceMetrics contains Prometheus metrics for the aggregator
type ServiceMetrics struct {
	QueriesTotal      *prometheus.CounterVec
	QueryDuration     *prometheus.HistogramVec
	ResultsTotal      *prometheus.CounterVec
	InFlight          prometheus.Gauge
	PeerCacheHits     prometheus.Counter
	PeerCacheMisses   prometheus.Counter
	ScrapeDuration    prometheus.Histogram
	ScrapeTimeouts    prometheus.Counter
	FilterEvalFailure prometheus.Counter
	ExtensionsLoaded  prometheus.Gauge
}

// NewServiceMetrics creates the aggregator metrics. A nil registerer leaves them unregistered.
func NewServiceMetrics(reg prometheus.Registerer) *ServiceMetrics {
	factory := promauto.With(reg)
	return &ServiceMetrics{
		QueriesTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tsuki_sources_queries_total",
			Help: "Total number of source queries by outcome",
		}, []string{"source", "status"}),
		QueryDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tsuki_sources_query_duration_seconds",
			Help:    "Time spent resolving one source",
			Buckets: prometheus.DefBuckets,
		}, []string{"source"}),
		ResultsTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "tsuki_sources_results_total",
			Help: "Total number of deduplicated results returned by source",
		}, []string{"source"}),
		InFlight: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tsuki_sources_in_flight",
			Help: "Number of source queries currently running",
		}),
		PeerCacheHits: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsuki_peer_cache_hits_total",
			Help: "Peer count lookups served from cache",
		}),
		PeerCacheMisses: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsuki_peer_cache_misses_total",
			Help: "Peer count lookups that issued a scrape",
		}),
		ScrapeDuration: factory.NewHistogram(prometheus.HistogramOpts{
			Name:    "tsuki_scrape_duration_seconds",
			Help:    "Time spent waiting for tracker scrapes",
			Buckets: prometheus.DefBuckets,
		}),
		ScrapeTimeouts: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsuki_scrape_timeouts_total",
			Help: "Scrapes abandoned at the timeout",
		}),
		FilterEvalFailure: factory.NewCounter(prometheus.CounterOpts{
			Name: "tsuki_result_filter_failures_total",
			Help: "Results the result filter could not be evaluated on",
		}),
		ExtensionsLoaded: factory.NewGauge(prometheus.GaugeOpts{
			Name: "tsuki_extensions_loaded",
			Help: "Extensions currently loaded and callable",
		}),
	}
}
