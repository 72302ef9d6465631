package ingest

import "log/slog"

// State is the position of one stream in the ingest pipeline.
type State int

const (
	StateIdle State = iota
	StateAuthenticating
	StateDeduping
	StatePublishing
	StateAlarmForwarding
	StateCompleted
	StateAborted
)

var stateNames = [...]string{
	StateIdle:            "idle",
	StateAuthenticating:  "authenticating",
	StateDeduping:        "deduping",
	StatePublishing:      "publishing",
	StateAlarmForwarding: "alarm_forwarding",
	StateCompleted:       "completed",
	StateAborted:         "aborted",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition is allowed.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateAborted
}

// streamRun is the per-call state owned by a single stream goroutine.
type streamRun struct {
	id        string
	deviceID  string
	state     State
	published int
}

func (r *streamRun) transition(to State) {
	if r.state.Terminal() {
		return
	}
	slog.Debug("telemetry stream state", "stream_id", r.id, "from", r.state.String(), "to", to.String())
	r.state = to
}
