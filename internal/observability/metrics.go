package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "rideshare"

var (
	MatchesCreated   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_created_total", Help: "Matches created"})
	MatchConflicts   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "match_conflicts_total", Help: "Match attempts rejected because another match won"})
	MatchesCompleted = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "matches_completed_total", Help: "Matches completed"})
	MatchLatency     = promauto.NewHistogram(prometheus.HistogramOpts{Namespace: namespace, Name: "match_latency_seconds", Help: "CreateMatch latency seconds", Buckets: prometheus.DefBuckets})

	MessagesAppended   = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "messages_appended_total", Help: "Chat messages appended"})
	MessagesMarkedRead = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "messages_marked_read_total", Help: "Chat messages flipped to read"})

	SOSRaised              = promauto.NewCounter(prometheus.CounterOpts{Namespace: namespace, Name: "sos_raised_total", Help: "Emergencies raised"})
	EmergencyStatusUpdates = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "emergency_status_updates_total", Help: "Emergency status transitions"},
		[]string{"status"},
	)

	BusPublished = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_published_total", Help: "Events published on the bus"},
		[]string{"topic_kind"},
	)
	BusDropped = promauto.NewCounterVec(
		prometheus.CounterOpts{Namespace: namespace, Name: "bus_dropped_total", Help: "Events dropped for a slow subscriber or full sink"},
		[]string{"topic_kind"},
	)
	BusSubscribers = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "bus_subscribers", Help: "Live bus subscriptions"})
	WSSessions     = promauto.NewGauge(prometheus.GaugeOpts{Namespace: namespace, Name: "ws_sessions", Help: "Open websocket sessions"})

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
