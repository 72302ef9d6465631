package broker

import (
	"context"
	"encoding/hex"
	"fmt"

	"github.com/zeebo/blake3"
)

const (
	DriverNATS = "nats"
	DriverAMQP = "amqp"

	// KeyHeader carries the partition key (the session id) on every message.
	KeyHeader = "Telemetry-Key"
)

// Publisher is a broker connection the retry executor publishes through.
type Publisher interface {
	Publish(ctx context.Context, topic string, key, payload []byte) error
	Connected() bool
	Close() error
}

type Config struct {
	Driver  string
	NATSURL string
	AMQPURL string
	Topic   string
}

// New connects to the broker selected by cfg.Driver.
func New(ctx context.Context, cfg Config) (Publisher, error) {
	switch cfg.Driver {
	case DriverNATS, "":
		return NewNATSPublisher(ctx, cfg.NATSURL, cfg.Topic)
	case DriverAMQP:
		return NewAMQPPublisher(cfg.AMQPURL, cfg.Topic)
	default:
		return nil, fmt.Errorf("unknown broker driver %q", cfg.Driver)
	}
}

// MessageID derives a stable id for one (key, payload) pair. A publish that
// is retried after its first attempt actually landed carries the same id, so
// brokers with duplicate detection drop the second copy.
func MessageID(key, payload []byte) string {
	h := blake3.New()
	_, _ = h.Write(key)
	_, _ = h.Write([]byte{0})
	_, _ = h.Write(payload)
	return hex.EncodeToString(h.Sum(nil))
}
