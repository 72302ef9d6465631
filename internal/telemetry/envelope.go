package telemetry

import "errors"

// Envelope is one reading batch sent by a bedside gateway. Sequence is
// assigned by the gateway and increases per (session_id, device_id).
type Envelope struct {
	SessionID   string             `json:"session_id" cbor:"session_id"`
	DeviceID    string             `json:"device_id" cbor:"device_id"`
	Sequence    uint64             `json:"sequence" cbor:"sequence"`
	Vitals      []VitalReading     `json:"vitals" cbor:"vitals"`
	PumpStatus  PumpStatus         `json:"pump_status" cbor:"pump_status"`
	Predictions map[string]float64 `json:"predictions" cbor:"predictions"`
}

// VitalReading is a single named vital sign sample. Order within an
// envelope is the gateway's insertion order.
type VitalReading struct {
	Name        string  `json:"name" cbor:"name"`
	Value       float64 `json:"value" cbor:"value"`
	TimestampMS int64   `json:"timestamp_ms" cbor:"timestamp_ms"`
}

type PumpStatus struct {
	RateMcgPerKgMin float64 `json:"rate_mcg_per_kg_min" cbor:"rate_mcg_per_kg_min"`
	FallbackActive  bool    `json:"fallback_active" cbor:"fallback_active"`
	AlarmTriggered  bool    `json:"alarm_triggered" cbor:"alarm_triggered"`
}

// Ack is the single terminal response of a telemetry stream.
type Ack struct {
	Accepted bool `json:"accepted"`
}

// Key identifies the dedup record for an envelope.
type Key struct {
	SessionID string
	DeviceID  string
}

var (
	ErrMissingSession = errors.New("envelope missing session_id")
	ErrMissingDevice  = errors.New("envelope missing device_id")
)

// Validate checks the identity fields every envelope must carry.
func (e *Envelope) Validate() error {
	if e.SessionID == "" {
		return ErrMissingSession
	}
	if e.DeviceID == "" {
		return ErrMissingDevice
	}
	return nil
}

// DedupKey returns the (session_id, device_id) pair for replay tracking.
func (e *Envelope) DedupKey() Key {
	return Key{SessionID: e.SessionID, DeviceID: e.DeviceID}
}
