package audit

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/capnplanet/codespaces-infusion-pump/internal/telemetry"
)

// ActionSafetyAlarm is the audit action for a pump alarm seen in telemetry.
const ActionSafetyAlarm = "safety_alarm_triggered"

// Event is the audit record posted for a safety alarm.
type Event struct {
	Actor    string        `json:"actor"`
	Action   string        `json:"action"`
	Resource string        `json:"resource"`
	Metadata EventMetadata `json:"metadata"`
}

type EventMetadata struct {
	Sequence        uint64  `json:"sequence"`
	FallbackActive  bool    `json:"fallback_active"`
	AlarmTriggered  bool    `json:"alarm_triggered"`
	RateMcgPerKgMin float64 `json:"rate_mcg_per_kg_min"`
}

// NewAlarmEvent builds the audit record for env.
func NewAlarmEvent(env *telemetry.Envelope) Event {
	return Event{
		Actor:    env.DeviceID,
		Action:   ActionSafetyAlarm,
		Resource: "sessions/" + env.SessionID,
		Metadata: EventMetadata{
			Sequence:        env.Sequence,
			FallbackActive:  env.PumpStatus.FallbackActive,
			AlarmTriggered:  env.PumpStatus.AlarmTriggered,
			RateMcgPerKgMin: env.PumpStatus.RateMcgPerKgMin,
		},
	}
}

// Recorder counts forwarding outcomes.
type Recorder interface {
	AlarmForwarded()
	AlarmForwardFailed()
}

// Forwarder is the best-effort safety alarm side channel. Forward never
// fails from the caller's point of view and never retries.
type Forwarder struct {
	sink     Sink
	recorder Recorder
}

func NewForwarder(sink Sink, recorder Recorder) *Forwarder {
	return &Forwarder{sink: sink, recorder: recorder}
}

// Forward posts the alarm event for env. The post is detached from ctx
// cancellation so a gateway disconnecting right after an alarm does not
// drop the record; the sink's own timeout still bounds it.
func (f *Forwarder) Forward(ctx context.Context, env *telemetry.Envelope) {
	if f == nil || f.sink == nil {
		return
	}

	err := f.send(context.WithoutCancel(ctx), NewAlarmEvent(env))
	if err != nil {
		slog.Error("safety alarm forward failed",
			"session_id", env.SessionID,
			"device_id", env.DeviceID,
			"sequence", env.Sequence,
			"error", err,
		)
		if f.recorder != nil {
			f.recorder.AlarmForwardFailed()
		}
		return
	}

	slog.Info("safety alarm forwarded",
		"session_id", env.SessionID,
		"device_id", env.DeviceID,
		"sequence", env.Sequence,
	)
	if f.recorder != nil {
		f.recorder.AlarmForwarded()
	}
}

// send converts a sink panic into an error so the stream never sees it.
func (f *Forwarder) send(ctx context.Context, e Event) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("audit sink panic: %v", r)
		}
	}()
	return f.sink.Send(ctx, e)
}
