package delivery

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "alertcourier"

var (
	queueSize = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "queue",
			Name:      "size",
			Help:      "Number of messages held by the delivery queue by state",
		},
		[]string{"state"},
	)

	deliveriesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "sends_total",
			Help:      "Total per-recipient send attempts by channel and outcome",
		},
		[]string{"channel", "status"},
	)

	sendDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "delivery",
			Name:      "send_duration_seconds",
			Help:      "Time spent in a single provider send",
			Buckets:   []float64{.01, .025, .05, .1, .25, .5, 1, 2.5, 5, 10},
		},
		[]string{"channel"},
	)

	rateLimitedTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "limited_total",
			Help:      "Total dispatch attempts delayed by the rate limiter",
		},
		[]string{"channel"},
	)

	rateLimitWait = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ratelimit",
			Name:      "wait_seconds_total",
			Help:      "Cumulative time spent waiting on the rate limiter",
		},
		[]string{"channel"},
	)

	trackerTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "tracker",
			Name:      "transitions_total",
			Help:      "Delivery record state transitions by channel and status",
		},
		[]string{"channel", "status"},
	)
)

func recordQueueSize(pending, failed int) {
	queueSize.WithLabelValues("pending").Set(float64(pending))
	queueSize.WithLabelValues("failed").Set(float64(failed))
}

func recordSend(channel, status string, duration time.Duration) {
	deliveriesTotal.WithLabelValues(channel, status).Inc()
	sendDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func recordRateLimited(channel string, wait time.Duration) {
	rateLimitedTotal.WithLabelValues(channel).Inc()
	rateLimitWait.WithLabelValues(channel).Add(wait.Seconds())
}

func recordTrackerStatus(channel, status string) {
	trackerTransitions.WithLabelValues(channel, status).Inc()
}
