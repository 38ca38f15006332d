package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Registry holds every collector the service exports. Each Registry owns a
// private prometheus.Registry so tests can build as many as they like.
type Registry struct {
	reg *prometheus.Registry

	OTPRequests             *prometheus.CounterVec
	OTPVerifications        *prometheus.CounterVec
	SMSDispatchFailures     prometheus.Counter
	SubscriptionTransitions *prometheus.CounterVec
	PaymentConfirmations    *prometheus.CounterVec
	SweepDuration           *prometheus.HistogramVec
	HTTPRequestsTotal       *prometheus.CounterVec
	HTTPRequestDuration     *prometheus.HistogramVec
}

func NewRegistry() *Registry {
	r := &Registry{
		reg: prometheus.NewRegistry(),
		OTPRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_requests_total",
			Help: "OTP requests by purpose and result",
		}, []string{"purpose", "result"}),
		OTPVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "otp_verifications_total",
			Help: "OTP verifications by purpose and result",
		}, []string{"purpose", "result"}),
		SMSDispatchFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "sms_dispatch_failures_total",
			Help: "SMS messages the dispatcher failed to hand off",
		}),
		SubscriptionTransitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "subscription_transitions_total",
			Help: "Applied subscription state transitions",
		}, []string{"category", "to"}),
		PaymentConfirmations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "payment_confirmations_total",
			Help: "Payment confirmations by outcome and handling result",
		}, []string{"outcome", "result"}),
		SweepDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "deadline_sweep_duration_seconds",
			Help:    "Duration of deadline sweeps",
			Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
		}, []string{"kind"}),
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "http_requests_total",
			Help: "Total number of HTTP requests",
		}, []string{"method", "route", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "http_request_duration_seconds",
			Help:    "HTTP request duration in seconds",
			Buckets: []float64{0.001, 0.01, 0.1, 0.5, 1, 2, 5, 10},
		}, []string{"method", "route"}),
	}

	r.reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		r.OTPRequests,
		r.OTPVerifications,
		r.SMSDispatchFailures,
		r.SubscriptionTransitions,
		r.PaymentConfirmations,
		r.SweepDuration,
		r.HTTPRequestsTotal,
		r.HTTPRequestDuration,
	)
	return r
}

func (r *Registry) Handler() http.Handler {
	return promhttp.HandlerFor(r.reg, promhttp.HandlerOpts{Registry: r.reg})
}

func (r *Registry) Gatherer() prometheus.Gatherer {
	return r.reg
}
