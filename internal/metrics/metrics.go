// Package metrics defines Prometheus metrics for notegraph.
package metrics

import "github.com/prometheus/client_golang/prometheus"

// Metrics groups the collectors. Each index, scanner and query engine takes a
// *Metrics so tests can register against an isolated registry.
type Metrics struct {
	IndexMutations    *prometheus.CounterVec
	CitationScans     *prometheus.CounterVec
	CitationCacheHits prometheus.Counter
	CitationMatchRuns prometheus.Counter
	QueryDuration     *prometheus.HistogramVec
	IndexedNodes      prometheus.Gauge
}

// New creates the collectors and registers them with reg. A nil reg leaves
// them unregistered.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		IndexMutations: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notegraph_index_mutations_total",
				Help: "Committed graph index mutations by operation",
			},
			[]string{"op"},
		),
		CitationScans: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "notegraph_citation_scans_total",
				Help: "Citation scans by outcome status",
			},
			[]string{"status"},
		),
		CitationCacheHits: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "notegraph_citation_cache_hits_total",
				Help: "Citation scans answered from the fingerprint cache",
			},
		),
		CitationMatchRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "notegraph_citation_match_runs_total",
				Help: "Citation match runs against the note pool",
			},
		),
		QueryDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "notegraph_query_duration_seconds",
				Help:    "Graph query and stats duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"kind"},
		),
		IndexedNodes: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "notegraph_indexed_nodes",
				Help: "Indexed nodes seen by the last stats computation",
			},
		),
	}

	if reg != nil {
		reg.MustRegister(
			m.IndexMutations,
			m.CitationScans,
			m.CitationCacheHits,
			m.CitationMatchRuns,
			m.QueryDuration,
			m.IndexedNodes,
		)
	}
	return m
}
