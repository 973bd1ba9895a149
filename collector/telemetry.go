package collector

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// telemetry holds the exporter's own operational metrics. Unlike the domain
// families these live in a real prometheus registry, because they genuinely
// accumulate across scrapes; their families are appended after all domain
// groups so the document ordering contract is unaffected.
type telemetry struct {
	registry       *prometheus.Registry
	scrapes        prometheus.Counter
	scrapeDuration prometheus.Histogram
	collectionErrs *prometheus.CounterVec
}

func newTelemetry(includeRuntime bool) *telemetry {
	t := &telemetry{
		registry: prometheus.NewRegistry(),
		scrapes: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "dispatcharr",
			Subsystem: "exporter",
			Name:      "scrapes_total",
			Help:      "Total number of scrapes served",
		}),
		scrapeDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: "dispatcharr",
			Subsystem: "exporter",
			Name:      "scrape_duration_seconds",
			Help:      "Time spent collecting one scrape",
			Buckets:   prometheus.DefBuckets,
		}),
		collectionErrs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "dispatcharr",
			Subsystem: "exporter",
			Name:      "collection_errors_total",
			Help:      "Collaborator query failures by metric group",
		}, []string{"group"}),
	}

	t.registry.MustRegister(t.scrapes, t.scrapeDuration, t.collectionErrs)
	if includeRuntime {
		t.registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	return t
}
