package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "accessride"

var (
	OffersSent            = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offers_sent_total", Help: "Offers handed to the notification sink"})
	OfferDeliveryFailures = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "offer_delivery_failures_total", Help: "Offers the notification sink failed to deliver"})
	RaceLosses            = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "accept_race_losses_total", Help: "Accepts rejected because the ride was already assigned"})
	RoutingFallbacks      = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "routing_fallbacks_total", Help: "Routing calls that fell back to great-circle estimates"})
	CandidatePoolDegraded = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "candidate_pool_degraded_total", Help: "Eligibility lookups that hit the time budget and returned a partial set"})
	DriversOnline         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "drivers_online", Help: "Number of online drivers"})

	DispatchOutcomes = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "dispatch_outcomes_total", Help: "Dispatch attempts by outcome and reason"},
		[]string{"outcome", "reason"},
	)
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_latency_seconds",
		Help:      "Time from dispatch start to resolution",
		Buckets:   []float64{.05, .25, 1, 5, 15, 30, 60, 120, 300},
	})
	BatchesPerDispatch = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "dispatch_batches",
		Help:      "Offer batches sent per dispatch attempt",
		Buckets:   []float64{0, 1, 2, 3, 4, 5},
	})
	OfferResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "offer_resolutions_total", Help: "Offers by terminal status"},
		[]string{"status"},
	)
	EligibleCandidates = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Name:      "eligible_candidates",
		Help:      "Eligible drivers per lookup",
		Buckets:   []float64{0, 1, 2, 5, 10, 20, 50},
	})
	RideTransitions = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_transitions_total", Help: "Ride status transitions"},
		[]string{"from", "to"},
	)

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
