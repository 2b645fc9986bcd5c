package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// PaymentsInitiated counts initiation attempts by plan and outcome.
	PaymentsInitiated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gflix",
		Subsystem: "payments",
		Name:      "initiated_total",
		Help:      "Payment initiations by plan kind and outcome.",
	}, []string{"plan_kind", "outcome"})

	// PaymentsResolved counts pending-to-terminal transitions won by this process.
	PaymentsResolved = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gflix",
		Subsystem: "payments",
		Name:      "resolved_total",
		Help:      "Payment transitions to a terminal state by plan kind and state.",
	}, []string{"plan_kind", "state"})

	// VerifyRequests counts verify calls by how they ended.
	VerifyRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gflix",
		Subsystem: "payments",
		Name:      "verify_total",
		Help:      "Verify calls by result (completed, failed, already_terminal, gateway_error, lost_race).",
	}, []string{"result"})

	// GatewayDuration tracks gateway call latency.
	GatewayDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gflix",
		Subsystem: "gateway",
		Name:      "request_duration_seconds",
		Help:      "Payment gateway call duration in seconds.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"gateway", "operation"})

	// CallbacksRejected counts gateway callbacks refused for a bad signature.
	CallbacksRejected = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gflix",
		Subsystem: "payments",
		Name:      "callbacks_rejected_total",
		Help:      "Gateway callbacks rejected for an invalid signature.",
	})

	// DeviceAcquisitions counts login slot requests by outcome.
	DeviceAcquisitions = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gflix",
		Subsystem: "devices",
		Name:      "acquisitions_total",
		Help:      "Device slot acquisitions by outcome (granted, at_capacity).",
	}, []string{"outcome"})

	// SessionsReaped counts expired sessions whose slot was freed by the reaper.
	SessionsReaped = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: "gflix",
		Subsystem: "devices",
		Name:      "sessions_reaped_total",
		Help:      "Expired device sessions reaped.",
	})

	// WebsocketClients tracks connected entitlement event subscribers.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: "gflix",
		Subsystem: "ws",
		Name:      "clients",
		Help:      "Connected websocket clients.",
	})

	// HTTPRequests counts served requests by method and status code.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gflix",
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "HTTP requests by method and status code.",
	}, []string{"method", "code"})

	HTTPDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "gflix",
		Subsystem: "http",
		Name:      "request_duration_seconds",
		Help:      "HTTP request duration in seconds by method.",
		Buckets:   prometheus.DefBuckets,
	}, []string{"method"})

	// RateLimited counts requests refused with 429, by path.
	RateLimited = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "gflix",
		Subsystem: "http",
		Name:      "rate_limited_total",
		Help:      "Requests rejected by the rate limiter, by path.",
	}, []string{"path"})
)
