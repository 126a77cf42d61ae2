package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/example/commute-pool/internal/apperr"
)

const namespace = "commute_pool"

var (
	TripOffersCreated = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "trip_offers_created_total", Help: "Trip offer rows created"})
	RequestsSubmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_submitted_total", Help: "Ride request submissions by outcome"},
		[]string{"outcome"},
	)
	RequestsDecided = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "ride_requests_decided_total", Help: "Ride request decisions by outcome"},
		[]string{"outcome"},
	)
	ConversationsOpened = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "conversations_opened_total", Help: "Start-or-get conversation calls"})
	MessagesSent        = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "messages_sent_total", Help: "Messages appended"})
	SearchLatency       = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "search_latency_seconds", Help: "Multi-date ride search latency"})

	FeedSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "feed_subscribers", Help: "Live conversation feed subscriptions"})
	FeedDropped     = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "feed_dropped_subscribers_total", Help: "Subscriptions ended for falling behind"})

	EventsPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "events_published_total", Help: "Domain events written to the event log"},
		[]string{"type", "result"},
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

// Outcome labels a mutation result for the counters above.
func Outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return apperr.Code(err)
}
