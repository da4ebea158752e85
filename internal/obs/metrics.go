package obs

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	identityOpsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "identity_operations_total",
			Help: "Identity lifecycle operations by outcome.",
		},
		[]string{"op", "outcome"},
	)

	revocationLastSync = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "revocation_last_sync_timestamp_seconds",
		Help: "Unix time of the last successful revocation mirror sync.",
	})

	revocationFailures = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "revocation_sync_consecutive_failures",
		Help: "Consecutive failed revocation sync cycles.",
	})

	revocationMirrorSize = prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "revocation_mirror_entries",
		Help: "Entries currently held in the local revoked-token mirror.",
	})

	revocationSyncTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "revocation_sync_total",
			Help: "Revocation sync cycles by outcome.",
		},
		[]string{"outcome"},
	)

	jobsProcessedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "jobs_processed_total",
			Help: "Delayed jobs processed by the worker.",
		},
		[]string{"name", "outcome"},
	)
)

// Init registers metrics in the default registry.
func Init() {
	prometheus.MustRegister(
		identityOpsTotal,
		revocationLastSync,
		revocationFailures,
		revocationMirrorSize,
		revocationSyncTotal,
		jobsProcessedTotal,
	)
}

// Handler exposes the default prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

func IdentityOp(op, outcome string) {
	identityOpsTotal.WithLabelValues(op, outcome).Inc()
}

func RevocationSynced(at time.Time, mirrorSize int) {
	revocationLastSync.Set(float64(at.Unix()))
	revocationFailures.Set(0)
	revocationMirrorSize.Set(float64(mirrorSize))
	revocationSyncTotal.WithLabelValues("ok").Inc()
}

func RevocationSyncFailed(consecutive int) {
	revocationFailures.Set(float64(consecutive))
	revocationSyncTotal.WithLabelValues("error").Inc()
}

func JobProcessed(name, outcome string) {
	jobsProcessedTotal.WithLabelValues(name, outcome).Inc()
}
