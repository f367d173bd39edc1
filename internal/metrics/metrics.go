package metrics

import (
	"errors"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const (
	// OutcomeSuccess labels runs that completed, possibly with skipped or failed units.
	OutcomeSuccess = "success"
	// OutcomeError labels runs that aborted.
	OutcomeError = "error"
)

var (
	runsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patent_signals",
			Name:      "runs_total",
			Help:      "Total number of batch runs, partitioned by run kind and outcome.",
		},
		[]string{"run", "outcome"},
	)

	runDurationSeconds = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "patent_signals",
			Name:      "run_seconds",
			Help:      "Batch run latency in seconds.",
			Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 120, 300, 900},
		},
		[]string{"run"},
	)

	unitsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patent_signals",
			Name:      "units_total",
			Help:      "Units of work per run kind, partitioned by result (processed, skipped, failed).",
		},
		[]string{"run", "result"},
	)

	alertsCreatedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patent_signals",
			Name:      "alerts_created_total",
			Help:      "Alerts created, partitioned by alert type.",
		},
		[]string{"type"},
	)

	alertsSuppressedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "patent_signals",
			Name:      "alerts_suppressed_total",
			Help:      "Candidate alerts suppressed by the debounce window, partitioned by alert type.",
		},
		[]string{"type"},
	)

	noveltyScores = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: "patent_signals",
			Name:      "novelty_score",
			Help:      "Distribution of produced novelty scores.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		},
	)

	lateContributionsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: "patent_signals",
			Name:      "late_contributions_total",
			Help:      "Bin contributions for weeks older than the lateness window.",
		},
	)
)

// Register attaches patent-signals collectors to the supplied Prometheus registerer.
func Register(reg prometheus.Registerer) error {
	collectors := []prometheus.Collector{
		runsTotal,
		runDurationSeconds,
		unitsTotal,
		alertsCreatedTotal,
		alertsSuppressedTotal,
		noveltyScores,
		lateContributionsTotal,
	}

	for _, collector := range collectors {
		if err := reg.Register(collector); err != nil {
			var already prometheus.AlreadyRegisteredError
			if errors.As(err, &already) {
				continue
			}
			return err
		}
	}
	return nil
}

// ObserveRun records a run duration and outcome label.
func ObserveRun(run string, duration time.Duration, outcome string) {
	label := outcome
	if label != OutcomeError {
		label = OutcomeSuccess
	}
	runsTotal.WithLabelValues(run, label).Inc()
	if duration < 0 {
		duration = 0
	}
	runDurationSeconds.WithLabelValues(run).Observe(duration.Seconds())
}

// ObserveUnits adds per-result unit counts for a run.
func ObserveUnits(run string, processed, skipped, failed int) {
	unitsTotal.WithLabelValues(run, "processed").Add(float64(processed))
	unitsTotal.WithLabelValues(run, "skipped").Add(float64(skipped))
	unitsTotal.WithLabelValues(run, "failed").Add(float64(failed))
}

func AlertCreated(alertType string) { alertsCreatedTotal.WithLabelValues(alertType).Inc() }

func AlertSuppressed(alertType string) { alertsSuppressedTotal.WithLabelValues(alertType).Inc() }

func ObserveNoveltyScore(score float64) { noveltyScores.Observe(score) }

func LateContributions(n int) { lateContributionsTotal.Add(float64(n)) }
