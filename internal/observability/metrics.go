package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	DispatchTotal   = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "dispatch_total", Help: "Dispatch attempts by outcome"}, []string{"outcome"})
	DispatchLatency = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "dispatch_latency_seconds", Help: "Time from dispatch start to fan-out completion"})
	OfferCandidates = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: "ride_dispatch", Name: "offer_candidates", Help: "Drivers offered per dispatch", Buckets: []float64{0, 1, 2, 4, 8, 16, 32}})
	DeliveriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "deliveries_total", Help: "Notification deliveries by event and result"}, []string{"event", "result"})

	TransitionsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "ride_transitions_total", Help: "Ride state transitions by action and result"},
		[]string{"action", "result"},
	)

	DriversOnline         = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "drivers_online", Help: "Active drivers holding a live connection"})
	ConnectedParticipants = promauto.NewGauge(prometheus.GaugeOpts{Namespace: "ride_dispatch", Name: "connected_participants", Help: "Participants bound to a live connection"})
	LocationUpdatesTotal  = promauto.NewCounterVec(prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "location_updates_total", Help: "Driver location updates by sink and result"}, []string{"sink", "result"})

	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: "ride_dispatch", Name: "http_requests_total", Help: "Total HTTP requests handled"},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ride_dispatch",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request latency distribution",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path", "status"},
	)
)
