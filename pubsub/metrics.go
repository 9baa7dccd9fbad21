package pubsub

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// MetricsCollector receives pub/sub observability events. The default
// implementation discards them; NewPrometheusCollector exports them.
type MetricsCollector interface {
	// ObservePublish records one publish attempt and its latency.
	ObservePublish(channel string, duration time.Duration, err error)

	// ObserveProcessing records one message-processing outcome and its latency.
	ObserveProcessing(channel string, success bool, duration time.Duration)

	// IncDeadLettered records one message routed to the dead-letter channel.
	IncDeadLettered(channel string)

	// IncAck records one acknowledgement attempt. deleted reports whether the
	// processing marker was actually removed.
	IncAck(deleted bool)
}

type noopCollector struct{}

func (noopCollector) ObservePublish(string, time.Duration, error)   {}
func (noopCollector) ObserveProcessing(string, bool, time.Duration) {}
func (noopCollector) IncDeadLettered(string)                        {}
func (noopCollector) IncAck(bool)                                   {}

// NoopCollector returns a collector that discards all events.
func NoopCollector() MetricsCollector {
	return noopCollector{}
}

// PrometheusCollector exports pub/sub metrics through a Prometheus registry.
type PrometheusCollector struct {
	publishTotal      *prometheus.CounterVec
	publishDuration   *prometheus.HistogramVec
	processedTotal    *prometheus.CounterVec
	processingSeconds *prometheus.HistogramVec
	deadLetteredTotal *prometheus.CounterVec
	ackTotal          *prometheus.CounterVec
}

// NewPrometheusCollector registers the pub/sub metric families with reg.
// Pass prometheus.DefaultRegisterer for the process-wide registry.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	factory := promauto.With(reg)

	return &PrometheusCollector{
		publishTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redrelay",
			Name:      "publish_total",
			Help:      "Publish attempts by channel and status.",
		}, []string{"channel", "status"}),
		publishDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "redrelay",
			Name:      "publish_duration_seconds",
			Help:      "Publish latency by channel.",
			Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, .5, 1},
		}, []string{"channel"}),
		processedTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redrelay",
			Name:      "messages_processed_total",
			Help:      "Processed messages by channel and outcome.",
		}, []string{"channel", "outcome"}),
		processingSeconds: factory.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "redrelay",
			Name:      "message_processing_seconds",
			Help:      "Message processing latency by channel.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"channel"}),
		deadLetteredTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redrelay",
			Name:      "messages_dead_lettered_total",
			Help:      "Messages routed to the dead-letter channel.",
		}, []string{"channel"}),
		ackTotal: factory.NewCounterVec(prometheus.CounterOpts{
			Namespace: "redrelay",
			Name:      "acknowledgements_total",
			Help:      "Acknowledgement attempts by result.",
		}, []string{"result"}),
	}
}

func (c *PrometheusCollector) ObservePublish(channel string, duration time.Duration, err error) {
	status := "success"
	if err != nil {
		status = "error"
	}
	c.publishTotal.WithLabelValues(channel, status).Inc()
	c.publishDuration.WithLabelValues(channel).Observe(duration.Seconds())
}

func (c *PrometheusCollector) ObserveProcessing(channel string, success bool, duration time.Duration) {
	outcome := "success"
	if !success {
		outcome = "failure"
	}
	c.processedTotal.WithLabelValues(channel, outcome).Inc()
	c.processingSeconds.WithLabelValues(channel).Observe(duration.Seconds())
}

func (c *PrometheusCollector) IncDeadLettered(channel string) {
	c.deadLetteredTotal.WithLabelValues(channel).Inc()
}

func (c *PrometheusCollector) IncAck(deleted bool) {
	result := "deleted"
	if !deleted {
		result = "missing"
	}
	c.ackTotal.WithLabelValues(result).Inc()
}
