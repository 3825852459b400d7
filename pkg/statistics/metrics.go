package statistics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	passesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enocoosync_statistics_passes_total",
		Help: "Total statistics insertion passes by result",
	}, []string{"result"})

	passDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Name:    "enocoosync_statistics_pass_duration_seconds",
		Help:    "Statistics insertion pass duration in seconds",
		Buckets: []float64{1, 5, 15, 30, 60, 120, 300, 900, 1800},
	})

	triggersDroppedTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "enocoosync_statistics_triggers_dropped_total",
		Help: "Total insertion triggers dropped because a pass was running",
	})

	pointsWrittenTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enocoosync_statistics_points_written_total",
		Help: "Total statistic points written by statistic kind",
	}, []string{"kind"})

	datesSkippedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "enocoosync_statistics_dates_skipped_total",
		Help: "Total backfill dates skipped because fetching them failed",
	}, []string{"kind"})
)
