package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "trust"

var (
	// SecondFactorChecksTotal counts code checks by operation, method and outcome.
	// method: totp | backup | none
	SecondFactorChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "twofactor",
			Name:      "checks_total",
			Help:      "Second factor code checks by operation, method and outcome.",
		},
		[]string{"operation", "method", "outcome"},
	)

	// VaultFailuresTotal counts seed decryption failures. Any increase is an
	// operational alert, not a user error.
	VaultFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "vault",
			Name:      "decrypt_failures_total",
			Help:      "TOTP seed decryption failures.",
		},
	)

	// RevocationChecksTotal counts hot-path revocation lookups.
	// result: allowed | revoked | unavailable
	RevocationChecksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revocation",
			Name:      "checks_total",
			Help:      "Session revocation checks by result.",
		},
		[]string{"result"},
	)

	RevocationChangesTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "revocation",
			Name:      "changes_total",
			Help:      "Revoke and restore operations by action and outcome.",
		},
		[]string{"action", "outcome"},
	)

	AuditDroppedTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "dropped_total",
			Help:      "Audit entries dropped because the buffer was full or closed.",
		},
	)

	AuditWriteFailuresTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "audit",
			Name:      "write_failures_total",
			Help:      "Audit entries that could not be persisted.",
		},
	)

	MaintenanceRunsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "maintenance",
			Name:      "runs_total",
			Help:      "Maintenance task runs by task and outcome.",
		},
		[]string{"task", "outcome"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "HTTP requests by route pattern and status class.",
		},
		[]string{"route", "status"},
	)
)

func MetricsHandler() http.Handler {
	return promhttp.Handler()
}
