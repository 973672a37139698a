// internal/metrics/metrics.go
package metrics

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

var (
	once sync.Once

	// --- pipeline ---

	// BackfillBars — число баров, опубликованных на этапе backfill.
	BackfillBars = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "pipeline", Name: "backfill_bars_total",
		Help: "Bars published during backfill",
	}, []string{"venue"})

	// LiveEvents — число live-событий, отданных в sink.
	LiveEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "pipeline", Name: "live_events_total",
		Help: "Live events published",
	}, []string{"venue", "kind"})

	// RequestFailures — запросы, прерванные на init/backfill/subscribe.
	RequestFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "pipeline", Name: "request_failures_total",
		Help: "Pipeline requests aborted by stage",
	}, []string{"venue", "stage"})

	// StaleDropped — live-бары старше watermark backfill.
	StaleDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "pipeline", Name: "stale_dropped_total",
		Help: "Live bars dropped because they predate the backfill watermark",
	}, []string{"venue"})

	// Gaps — обнаруженные разрывы между backfill и live.
	Gaps = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "pipeline", Name: "gaps_total",
		Help: "Detected gaps between the last backfilled bar and the first live bar",
	}, []string{"venue"})

	// PublishErrors — ошибки постановки в очередь sink или кодирования.
	PublishErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "pipeline", Name: "publish_errors_total",
		Help: "Errors while encoding or enqueueing a message",
	}, []string{"venue"})

	// --- adapters ---

	VenueRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "adapter", Name: "venue_requests_total",
		Help: "Venue REST requests by outcome",
	}, []string{"venue", "status"})

	VenueLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ohlcv", Subsystem: "adapter", Name: "venue_request_seconds",
		Help:    "Venue REST request latency (seconds)",
		Buckets: prometheus.DefBuckets,
	}, []string{"venue"})

	ParseErrors = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "adapter", Name: "parse_errors_total",
		Help: "Venue payloads that could not be parsed",
	}, []string{"venue"})

	UnroutedEvents = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "adapter", Name: "unrouted_events_total",
		Help: "Push events dropped because no callback was registered",
	}, []string{"venue"})

	IntervalPassthrough = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "adapter", Name: "interval_passthrough_total",
		Help: "Intervals sent to a venue unmapped",
	}, []string{"venue", "interval"})

	UnsupportedCapability = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "adapter", Name: "unsupported_capability_total",
		Help: "Subscriptions ignored because the venue lacks the capability",
	}, []string{"venue", "kind"})

	// --- sink ---

	SinkDeliveries = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "sink", Name: "deliveries_total",
		Help: "Asynchronous delivery results",
	}, []string{"sink", "status"})

	SinkPending = prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace: "ohlcv", Subsystem: "sink", Name: "pending",
		Help: "Messages enqueued but not yet acknowledged",
	}, []string{"sink"})

	SinkLatency = prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "ohlcv", Subsystem: "sink", Name: "delivery_latency_seconds",
		Help:    "Latency from enqueue to delivery result (seconds)",
		Buckets: prometheus.DefBuckets,
	}, []string{"sink"})
)

// Register регистрирует все метрики в заданном реестре.
// Без аргументов используется DefaultRegisterer.
func Register(registerers ...prometheus.Registerer) {
	once.Do(func() {
		var reg prometheus.Registerer
		if len(registerers) > 0 && registerers[0] != nil {
			reg = registerers[0]
		} else {
			reg = prometheus.DefaultRegisterer
		}
		reg.MustRegister(
			BackfillBars,
			LiveEvents,
			RequestFailures,
			StaleDropped,
			Gaps,
			PublishErrors,
			VenueRequests,
			VenueLatency,
			ParseErrors,
			UnroutedEvents,
			IntervalPassthrough,
			UnsupportedCapability,
			SinkDeliveries,
			SinkPending,
			SinkLatency,
		)
	})
}
