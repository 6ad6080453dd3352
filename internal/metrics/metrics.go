package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

var (
	DownloadsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m3ufetch",
		Name:      "downloads_total",
		Help:      "Total finished downloads by terminal status.",
	}, []string{"status"})

	DownloadBytesTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "m3ufetch",
		Name:      "download_bytes_total",
		Help:      "Total bytes written to disk by downloads.",
	})

	DownloadAttemptsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m3ufetch",
		Name:      "download_attempts_total",
		Help:      "Total transfer attempts by outcome (ok, retry, expired, failed).",
	}, []string{"outcome"})

	DownloadDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "m3ufetch",
		Name:      "download_duration_seconds",
		Help:      "Wall-clock duration of a download including retries.",
		Buckets:   []float64{0.5, 1, 5, 15, 30, 60, 300, 900, 1800},
	})

	TokenRefreshesTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "m3ufetch",
		Name:      "token_refreshes_total",
		Help:      "Total stream token refresh exchanges by result.",
	}, []string{"status"})

	PoolSlotsInUse = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "m3ufetch",
		Name:      "pool_slots_in_use",
		Help:      "Connection pool slots currently held.",
	})
)

func Register(reg prometheus.Registerer) {
	reg.MustRegister(
		DownloadsTotal,
		DownloadBytesTotal,
		DownloadAttemptsTotal,
		DownloadDuration,
		TokenRefreshesTotal,
		PoolSlotsInUse,
	)
}
