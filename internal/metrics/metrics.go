package metrics

import "github.com/prometheus/client_golang/prometheus"

// Prometheus metrics for the fulfillment bridge
var (
	WebhookEventsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mintbridge_webhook_events_total",
			Help: "Total number of webhook events received",
		},
	)

	WebhookEventsInvalidTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mintbridge_webhook_events_invalid_total",
			Help: "Total number of webhook events rejected as invalid",
		},
	)

	WebhookEventsDuplicateTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mintbridge_webhook_events_duplicate_total",
			Help: "Total number of redelivered webhook events deduplicated on admission",
		},
	)

	MintsSubmittedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mintbridge_mints_submitted_total",
			Help: "Total number of issuance transactions broadcast",
		},
	)

	MintsConfirmedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mintbridge_mints_confirmed_total",
			Help: "Total number of mint requests confirmed at depth",
		},
	)

	MintsFailedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mintbridge_mints_failed_total",
			Help: "Total number of mint requests that reached FAILED",
		},
	)

	MintsAbandonedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mintbridge_mints_abandoned_total",
			Help: "Total number of mint requests abandoned for manual remediation",
		},
	)

	ReplacementsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mintbridge_replacements_total",
			Help: "Total number of fee-bump replacement transactions broadcast",
		},
	)

	ReorgsDetectedTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mintbridge_reorgs_detected_total",
			Help: "Total number of inclusions lost to ledger reorganizations",
		},
	)

	OperatorAlertsTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "mintbridge_operator_alerts_total",
			Help: "Total number of operator alerts emitted",
		},
	)

	InFlightNonces = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "mintbridge_in_flight_nonces",
			Help: "Number of submitted-but-unconfirmed nonces per signing key",
		},
		[]string{"signing_key"},
	)
)

// Register registers all bridge metrics with the default registry
func Register() {
	prometheus.MustRegister(
		WebhookEventsTotal,
		WebhookEventsInvalidTotal,
		WebhookEventsDuplicateTotal,
		MintsSubmittedTotal,
		MintsConfirmedTotal,
		MintsFailedTotal,
		MintsAbandonedTotal,
		ReplacementsTotal,
		ReorgsDetectedTotal,
		OperatorAlertsTotal,
		InFlightNonces,
	)
}
