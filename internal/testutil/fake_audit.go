package testutil

import (
	"context"
	"sync"

	"github.com/capnplanet/codespaces-infusion-pump/internal/audit"
)

// FakeAuditSink records audit events; Err makes every Send fail.
type FakeAuditSink struct {
	mu     sync.Mutex
	Err    error
	events []audit.Event
}

func (s *FakeAuditSink) Send(_ context.Context, e audit.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events = append(s.events, e)
	return s.Err
}

// Events returns a copy of every event handed to the sink.
func (s *FakeAuditSink) Events() []audit.Event {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]audit.Event, len(s.events))
	copy(out, s.events)
	return out
}
