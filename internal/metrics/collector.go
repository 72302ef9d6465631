package metrics

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/capnplanet/codespaces-infusion-pump/internal/audit"
	"github.com/capnplanet/codespaces-infusion-pump/internal/ingest"
	"github.com/capnplanet/codespaces-infusion-pump/internal/retry"
)

var (
	_ retry.Reporter  = (*Collector)(nil)
	_ ingest.Recorder = (*Collector)(nil)
	_ audit.Recorder  = (*Collector)(nil)
)

// Outcome labels for telemetry_safety_alarms_total.
const (
	AlarmForwarded = "forwarded"
	AlarmFailed    = "failed"
)

// Collector exports gateway counters to Prometheus. It is the metrics
// recorder for the ingest coordinator, the retry executor and the alarm
// forwarder.
type Collector struct {
	reg prometheus.Registerer

	accepted  prometheus.Counter
	duplicate prometheus.Counter
	streams   *prometheus.CounterVec
	retries   *prometheus.CounterVec
	exhausted *prometheus.CounterVec
	backoff   prometheus.Histogram
	alarms    *prometheus.CounterVec
}

func New(reg prometheus.Registerer) *Collector {
	c := &Collector{
		reg: reg,
		accepted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_envelopes_accepted_total",
			Help: "Envelopes published to the broker.",
		}),
		duplicate: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "telemetry_envelopes_duplicate_total",
			Help: "Envelopes skipped as replays.",
		}),
		streams: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_streams_total",
			Help: "Finished telemetry streams by outcome.",
		}, []string{"outcome"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_publish_retries_total",
			Help: "Failed publish attempts followed by a retry.",
		}, []string{"topic"}),
		exhausted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_publish_exhausted_total",
			Help: "Publishes that failed after every retry.",
		}, []string{"topic"}),
		backoff: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "telemetry_publish_backoff_seconds",
			Help:    "Backoff waited before a publish retry.",
			Buckets: prometheus.ExponentialBuckets(0.05, 2, 8),
		}),
		alarms: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "telemetry_safety_alarms_total",
			Help: "Safety alarm audit forwards by result.",
		}, []string{"result"}),
	}

	reg.MustRegister(c.accepted, c.duplicate, c.streams, c.retries, c.exhausted, c.backoff, c.alarms)
	return c
}

// TrackDedup exports the live key count of the dedup cache.
func (c *Collector) TrackDedup(size func() int) {
	c.reg.MustRegister(prometheus.NewGaugeFunc(prometheus.GaugeOpts{
		Name: "telemetry_dedup_keys",
		Help: "Session/device keys held by the dedup cache.",
	}, func() float64 { return float64(size()) }))
}

func (c *Collector) EnvelopeAccepted()  { c.accepted.Inc() }
func (c *Collector) EnvelopeDuplicate() { c.duplicate.Inc() }

func (c *Collector) StreamFinished(outcome string) {
	c.streams.WithLabelValues(outcome).Inc()
}

func (c *Collector) PublishRetry(topic string, attempt int, backoff time.Duration, err error) {
	c.retries.WithLabelValues(topic).Inc()
	c.backoff.Observe(backoff.Seconds())
	slog.Warn("publish failed, retrying",
		"topic", topic,
		"attempt", attempt,
		"backoff", backoff,
		"error", err,
	)
}

func (c *Collector) PublishExhausted(topic string, attempts int, err error) {
	c.exhausted.WithLabelValues(topic).Inc()
	slog.Error("publish retries exhausted",
		"topic", topic,
		"attempts", attempts,
		"error", err,
	)
}

func (c *Collector) AlarmForwarded()     { c.alarms.WithLabelValues(AlarmForwarded).Inc() }
func (c *Collector) AlarmForwardFailed() { c.alarms.WithLabelValues(AlarmFailed).Inc() }
