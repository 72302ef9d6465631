package metrics

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestCollector_EnvelopeCounters(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.EnvelopeAccepted()
	c.EnvelopeAccepted()
	c.EnvelopeDuplicate()

	if got := testutil.ToFloat64(c.accepted); got != 2 {
		t.Errorf("expected accepted 2, got %f", got)
	}
	if got := testutil.ToFloat64(c.duplicate); got != 1 {
		t.Errorf("expected duplicate 1, got %f", got)
	}
}

func TestCollector_StreamOutcomes(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.StreamFinished("completed")
	c.StreamFinished("completed")
	c.StreamFinished("unauthenticated")

	if got := testutil.ToFloat64(c.streams.WithLabelValues("completed")); got != 2 {
		t.Errorf("expected 2 completed, got %f", got)
	}
	if got := testutil.ToFloat64(c.streams.WithLabelValues("unauthenticated")); got != 1 {
		t.Errorf("expected 1 unauthenticated, got %f", got)
	}
}

func TestCollector_PublishRetries(t *testing.T) {
	c := New(prometheus.NewRegistry())
	cause := errors.New("broker down")

	c.PublishRetry("telemetry.events", 1, 100*time.Millisecond, cause)
	c.PublishRetry("telemetry.events", 2, 200*time.Millisecond, cause)
	c.PublishExhausted("telemetry.events", 3, cause)

	if got := testutil.ToFloat64(c.retries.WithLabelValues("telemetry.events")); got != 2 {
		t.Errorf("expected 2 retries, got %f", got)
	}
	if got := testutil.ToFloat64(c.exhausted.WithLabelValues("telemetry.events")); got != 1 {
		t.Errorf("expected 1 exhaustion, got %f", got)
	}
	if samples := testutil.CollectAndCount(c.backoff); samples != 1 {
		t.Errorf("expected backoff histogram to export 1 metric, got %d", samples)
	}
}

func TestCollector_Alarms(t *testing.T) {
	c := New(prometheus.NewRegistry())

	c.AlarmForwarded()
	c.AlarmForwardFailed()
	c.AlarmForwardFailed()

	if got := testutil.ToFloat64(c.alarms.WithLabelValues(AlarmForwarded)); got != 1 {
		t.Errorf("expected 1 forwarded, got %f", got)
	}
	if got := testutil.ToFloat64(c.alarms.WithLabelValues(AlarmFailed)); got != 2 {
		t.Errorf("expected 2 failed, got %f", got)
	}
}

func TestCollector_TrackDedup(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := New(reg)

	size := 3
	c.TrackDedup(func() int { return size })

	expected := `
# HELP telemetry_dedup_keys Session/device keys held by the dedup cache.
# TYPE telemetry_dedup_keys gauge
telemetry_dedup_keys 3
`
	if err := testutil.GatherAndCompare(reg, strings.NewReader(expected), "telemetry_dedup_keys"); err != nil {
		t.Fatalf("unexpected gauge output: %v", err)
	}

	size = 5
	if err := testutil.GatherAndCompare(reg, strings.NewReader(strings.Replace(expected, " 3\n", " 5\n", 1)), "telemetry_dedup_keys"); err != nil {
		t.Fatalf("expected gauge to follow cache size: %v", err)
	}
}

func TestCollector_DoubleRegistrationPanics(t *testing.T) {
	reg := prometheus.NewRegistry()
	New(reg)

	defer func() {
		if recover() == nil {
			t.Error("expected panic on duplicate registration")
		}
	}()
	New(reg)
}
