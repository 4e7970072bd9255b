package metrics

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Engine-side collectors. Label cardinality stays bounded: kinds and
// event types are fixed enums, reasons are the rejection taxonomy.
var (
	EventsAppended = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lems_events_appended_total",
		Help: "Events appended to the division log.",
	}, []string{"kind", "type"})

	CommandsRejected = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "lems_commands_rejected_total",
		Help: "Commands rejected by the lifecycle machines.",
	}, []string{"reason"})

	StreamSubscribers = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "lems_stream_subscribers",
		Help: "Live subscription channels.",
	})

	StreamDropped = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lems_stream_subscribers_dropped_total",
		Help: "Subscribers disconnected for falling behind.",
	})

	StreamReplayEvents = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lems_stream_replay_events_total",
		Help: "Events served from catch-up replay.",
	})

	RelayPublished = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lems_relay_events_published_total",
		Help: "Events relayed to JetStream.",
	})

	RelayResyncs = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lems_relay_resyncs_total",
		Help: "Relay drop-and-resync cycles.",
	})

	SinkEventsPersisted = promauto.NewCounter(prometheus.CounterOpts{
		Name: "lems_sink_events_persisted_total",
		Help: "Events persisted by the data sink.",
	})
)

func Handler() http.Handler {
	return promhttp.Handler()
}
