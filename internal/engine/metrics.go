package engine

import "github.com/prometheus/client_golang/prometheus"

var (
	cyclesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesweep",
		Subsystem: "engine",
		Name:      "cycles_total",
		Help:      "Number of resolution cycles run, labeled by result.",
	}, []string{"result"})

	cycleDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "ridesweep",
		Subsystem: "engine",
		Name:      "cycle_duration_seconds",
		Help:      "Wall time of one fetch-match-hide cycle.",
		Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
	})

	activitiesFetched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesweep",
		Subsystem: "engine",
		Name:      "activities_fetched_total",
		Help:      "Activities returned by the remote listing endpoint.",
	})

	pairsMatched = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesweep",
		Subsystem: "engine",
		Name:      "pairs_matched_total",
		Help:      "Candidate duplicate pairs produced by the matcher.",
	})

	hidesCounter = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ridesweep",
		Subsystem: "engine",
		Name:      "hides_total",
		Help:      "Hide decisions recorded, labeled by outcome.",
	}, []string{"outcome"})

	decisionsPruned = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "ridesweep",
		Subsystem: "engine",
		Name:      "decisions_pruned_total",
		Help:      "Processed-decision cache entries dropped by age.",
	})
)

func init() {
	prometheus.MustRegister(cyclesCounter, cycleDuration, activitiesFetched, pairsMatched, hidesCounter, decisionsPruned)
}
