package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Engines label values.
const (
	EngineSequence   = "sequence"
	EngineAutomation = "automation"
)

var (
	initOnce sync.Once

	runPassesCounter       *prometheus.CounterVec
	runItemsCounter        *prometheus.CounterVec
	outcomesCounter        *prometheus.CounterVec
	messagesSentCounter    *prometheus.CounterVec
	engagementEventCounter *prometheus.CounterVec
	passDurationMetric     *prometheus.HistogramVec
	runDurationMetric      *prometheus.HistogramVec
)

// Init registers metrics on the default Prometheus registry exactly once.
func Init() {
	initOnce.Do(func() {
		runPassesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loumass_runs_total",
				Help: "Total number of scheduler runs by engine.",
			},
			[]string{"engine"},
		)

		runItemsCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loumass_run_items_total",
				Help: "Total number of records processed by scheduler runs, by engine and result.",
			},
			[]string{"engine", "result"},
		)

		outcomesCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loumass_pass_outcomes_total",
				Help: "Total number of interpreter passes by engine and outcome.",
			},
			[]string{"engine", "outcome"},
		)

		messagesSentCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loumass_messages_sent_total",
				Help: "Total number of messages handed to a transport, by channel.",
			},
			[]string{"channel"},
		)

		engagementEventCounter = prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "loumass_engagement_events_total",
				Help: "Total number of engagement events recorded, by type.",
			},
			[]string{"type"},
		)

		passDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loumass_pass_duration_seconds",
				Help:    "Duration of a single enrollment or execution pass in seconds.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"engine"},
		)

		runDurationMetric = prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "loumass_run_duration_seconds",
				Help:    "Duration of a full scheduler run in seconds.",
				Buckets: []float64{.05, .1, .5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"engine"},
		)

		prometheus.MustRegister(
			runPassesCounter,
			runItemsCounter,
			outcomesCounter,
			messagesSentCounter,
			engagementEventCounter,
			passDurationMetric,
			runDurationMetric,
		)

		// Ensure counter vectors are visible at /metrics before first increment.
		for _, engine := range []string{EngineSequence, EngineAutomation} {
			runPassesCounter.WithLabelValues(engine)
			runItemsCounter.WithLabelValues(engine, "successful")
			runItemsCounter.WithLabelValues(engine, "failed")
		}
		for _, channel := range []string{"email", "sms", "webhook"} {
			messagesSentCounter.WithLabelValues(channel)
		}
	})
}

// ObserveRun records one scheduler run and its aggregate result.
func ObserveRun(engine string, successful, failed int, d time.Duration) {
	Init()
	runPassesCounter.WithLabelValues(engine).Inc()
	runItemsCounter.WithLabelValues(engine, "successful").Add(float64(successful))
	runItemsCounter.WithLabelValues(engine, "failed").Add(float64(failed))
	runDurationMetric.WithLabelValues(engine).Observe(d.Seconds())
}

func ObservePass(engine, outcome string, d time.Duration) {
	Init()
	outcomesCounter.WithLabelValues(engine, outcome).Inc()
	passDurationMetric.WithLabelValues(engine).Observe(d.Seconds())
}

func IncMessagesSent(channel string) {
	Init()
	messagesSentCounter.WithLabelValues(channel).Inc()
}

func IncEngagementEvent(eventType string) {
	Init()
	engagementEventCounter.WithLabelValues(eventType).Inc()
}
