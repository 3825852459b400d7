package coordinator

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	pollsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enocoosync_dashboard_polls_total",
		Help: "Total dashboard polls by result",
	}, []string{"result"})

	pollDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "enocoosync_dashboard_poll_duration_seconds",
		Help:    "Dashboard poll duration in seconds",
		Buckets: prometheus.DefBuckets,
	})

	lastPollTimestamp = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "enocoosync_dashboard_last_poll_timestamp_seconds",
		Help: "Unix time of the last successful dashboard poll",
	})
)
