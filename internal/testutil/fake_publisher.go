package testutil

import (
	"context"
	"errors"
	"sync"
)

// ErrTransient is the default failure returned by FakePublisher.
var ErrTransient = errors.New("transient broker failure")

// Published is one successful call recorded by FakePublisher.
type Published struct {
	Topic   string
	Key     []byte
	Payload []byte
}

// FakePublisher is a thread-safe in-memory broker for testing. It fails
// its first FailTimes calls, or every call when AlwaysFail is set.
type FakePublisher struct {
	mu sync.Mutex

	FailTimes  int
	AlwaysFail bool
	Err        error

	attempts int
	sent     []Published
}

func NewFakePublisher(failTimes int) *FakePublisher {
	return &FakePublisher{FailTimes: failTimes}
}

func (p *FakePublisher) Publish(ctx context.Context, topic string, key, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.attempts++
	if err := ctx.Err(); err != nil {
		return err
	}
	if p.AlwaysFail || p.attempts <= p.FailTimes {
		if p.Err != nil {
			return p.Err
		}
		return ErrTransient
	}
	p.sent = append(p.sent, Published{
		Topic:   topic,
		Key:     append([]byte(nil), key...),
		Payload: append([]byte(nil), payload...),
	})
	return nil
}

// Attempts returns how many times Publish was called.
func (p *FakePublisher) Attempts() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.attempts
}

// Sent returns a copy of the successful publishes in call order.
func (p *FakePublisher) Sent() []Published {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]Published, len(p.sent))
	copy(out, p.sent)
	return out
}
