package broker

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

const (
	StreamName = "TELEMETRY"

	streamMaxAge     = 7 * 24 * time.Hour
	duplicatesWindow = 2 * time.Minute
)

// NATSPublisher publishes envelopes to a JetStream stream. Publishes wait
// for the stream's ack, so a nil error means the message is stored.
type NATSPublisher struct {
	nc *nats.Conn
	js jetstream.JetStream
}

func NewNATSPublisher(ctx context.Context, natsURL, topic string) (*NATSPublisher, error) {
	nc, err := nats.Connect(natsURL,
		nats.Name("telemetry-gateway"),
		nats.RetryOnFailedConnect(true),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			slog.Warn("NATS disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(_ *nats.Conn) {
			slog.Info("NATS reconnected")
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	p := &NATSPublisher{nc: nc, js: js}
	if err := p.ensureStream(ctx, topic); err != nil {
		nc.Close()
		return nil, err
	}
	return p, nil
}

func (p *NATSPublisher) ensureStream(ctx context.Context, subject string) error {
	stream, err := p.js.Stream(ctx, StreamName)
	if err == nil {
		info := stream.CachedInfo()
		for _, s := range info.Config.Subjects {
			if s == subject {
				return nil
			}
		}
		cfg := info.Config
		cfg.Subjects = append(cfg.Subjects, subject)
		if _, err := p.js.UpdateStream(ctx, cfg); err != nil {
			return fmt.Errorf("add subject %s to stream %s: %w", subject, StreamName, err)
		}
		slog.Info("updated stream", "name", StreamName, "subjects", cfg.Subjects)
		return nil
	}
	if !errors.Is(err, jetstream.ErrStreamNotFound) {
		return fmt.Errorf("lookup stream %s: %w", StreamName, err)
	}

	_, err = p.js.CreateStream(ctx, jetstream.StreamConfig{
		Name:       StreamName,
		Subjects:   []string{subject},
		Retention:  jetstream.LimitsPolicy,
		MaxAge:     streamMaxAge,
		Storage:    jetstream.FileStorage,
		Replicas:   1,
		Duplicates: duplicatesWindow,
	})
	if err != nil {
		return fmt.Errorf("create stream %s: %w", StreamName, err)
	}

	slog.Info("created stream", "name", StreamName, "subjects", []string{subject})
	return nil
}

// Publish stores payload on subject topic. The key travels in KeyHeader
// and, combined with the payload, as the JetStream message id.
func (p *NATSPublisher) Publish(ctx context.Context, topic string, key, payload []byte) error {
	msg := nats.NewMsg(topic)
	msg.Data = payload
	msg.Header.Set(KeyHeader, string(key))

	ack, err := p.js.PublishMsg(ctx, msg, jetstream.WithMsgID(MessageID(key, payload)))
	if err != nil {
		return fmt.Errorf("jetstream publish %s: %w", topic, err)
	}
	if ack.Duplicate {
		slog.Debug("broker dropped duplicate publish", "subject", topic, "seq", ack.Sequence)
	}
	return nil
}

func (p *NATSPublisher) Connected() bool {
	return p.nc.IsConnected()
}

// Close drains in-flight publishes and closes the connection.
func (p *NATSPublisher) Close() error {
	return p.nc.Drain()
}
