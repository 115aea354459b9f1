// Package metrics holds the portal's Prometheus collectors.
package metrics

import (
	"database/sql"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "portal"

var (
	OTPSent = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "sent_total",
			Help:      "One-time codes issued, by purpose.",
		},
		[]string{"purpose"},
	)

	OTPVerifications = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "otp",
			Name:      "verifications_total",
			Help:      "One-time code verification attempts, by purpose and result.",
		},
		[]string{"purpose", "result"},
	)

	Allocations = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "allocation_events_total",
			Help:      "Port lifecycle operations, by action.",
		},
		[]string{"action"},
	)

	AllocationConflicts = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ports",
			Name:      "allocation_conflicts_total",
			Help:      "Assignments refused because the port was no longer assignable.",
		},
	)

	SubscriptionsExpired = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "subscriptions",
			Name:      "expired_total",
			Help:      "Subscriptions moved to EXPIRED by the sweep.",
		},
	)

	RateLimited = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the rate limiter, by route group.",
		},
		[]string{"group"},
	)

	RequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "HTTP request latency by method and status class.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "status"},
	)

	Backups = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "runs_total",
			Help:      "Database backup runs, by result.",
		},
		[]string{"result"},
	)

	LastBackup = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "backup",
			Name:      "last_success_timestamp_seconds",
			Help:      "Unix time of the last completed backup.",
		},
	)

	LiveFeedClients = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "clients",
			Help:      "Connected admin live feed clients.",
		},
	)

	LiveFeedDropped = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "feed",
			Name:      "dropped_events_total",
			Help:      "Feed events dropped because a client's buffer was full.",
		},
	)
)

// RegisterPortGauge exports the current count of ports per status, read on
// every scrape.
func RegisterPortGauge(count func() (map[string]int, error)) {
	statuses := []string{"AVAILABLE", "RESERVED", "ASSIGNED", "DISABLED"}
	for _, status := range statuses {
		promauto.NewGaugeFunc(
			prometheus.GaugeOpts{
				Namespace:   namespace,
				Subsystem:   "ports",
				Name:        "by_status",
				Help:        "Ports per status.",
				ConstLabels: prometheus.Labels{"status": status},
			},
			func() float64 {
				counts, err := count()
				if err != nil {
					return 0
				}
				return float64(counts[status])
			},
		)
	}
}

// RegisterDBStats exports connection pool gauges for db.
func RegisterDBStats(db *sql.DB) {
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "db", Name: "connections_open", Help: "Open database connections."},
		func() float64 { return float64(db.Stats().OpenConnections) },
	)
	promauto.NewGaugeFunc(
		prometheus.GaugeOpts{Namespace: namespace, Subsystem: "db", Name: "connections_in_use", Help: "Database connections in use."},
		func() float64 { return float64(db.Stats().InUse) },
	)
}

func Handler() http.Handler {
	return promhttp.Handler()
}
