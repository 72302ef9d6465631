package testutil

import (
	"context"
	"io"
	"sync"

	"google.golang.org/grpc/metadata"

	"github.com/capnplanet/codespaces-infusion-pump/internal/telemetry"
)

// FakeStream replays a fixed list of envelopes as an inbound telemetry
// stream and captures the terminal ack.
type FakeStream struct {
	ctx       context.Context
	envelopes []*telemetry.Envelope

	mu    sync.Mutex
	reads int
	ack   *telemetry.Ack
}

// NewFakeStream builds a stream whose incoming metadata holds the given
// key/value pairs.
func NewFakeStream(ctx context.Context, md map[string]string, envelopes ...*telemetry.Envelope) *FakeStream {
	if len(md) > 0 {
		ctx = metadata.NewIncomingContext(ctx, metadata.New(md))
	}
	return &FakeStream{ctx: ctx, envelopes: envelopes}
}

func (s *FakeStream) Context() context.Context { return s.ctx }

func (s *FakeStream) Recv() (*telemetry.Envelope, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.ctx.Err(); err != nil {
		return nil, err
	}
	if s.reads >= len(s.envelopes) {
		return nil, io.EOF
	}
	e := s.envelopes[s.reads]
	s.reads++
	return e, nil
}

func (s *FakeStream) SendAndClose(ack *telemetry.Ack) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ack = ack
	return nil
}

// Reads returns how many envelopes were pulled from the stream.
func (s *FakeStream) Reads() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads
}

// Ack returns the ack sent by the server, or nil if none was sent.
func (s *FakeStream) Ack() *telemetry.Ack {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ack
}
