package ingest

import (
	"context"
	"crypto/tls"
	"fmt"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/metadata"

	"github.com/capnplanet/codespaces-infusion-pump/internal/auth"
	"github.com/capnplanet/codespaces-infusion-pump/internal/telemetry"
)

type ClientConfig struct {
	Target   string
	APIKey   string
	DeviceID string
	// TLS enables (m)TLS; nil dials in plaintext.
	TLS *tls.Config
}

// Client is the gateway side of the telemetry stream.
type Client struct {
	conn     *grpc.ClientConn
	apiKey   string
	deviceID string
}

func Dial(cfg ClientConfig, opts ...grpc.DialOption) (*Client, error) {
	creds := insecure.NewCredentials()
	if cfg.TLS != nil {
		creds = credentials.NewTLS(cfg.TLS)
	}
	opts = append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithDefaultCallOptions(grpc.CallContentSubtype(CodecName)),
	}, opts...)

	conn, err := grpc.NewClient(cfg.Target, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", cfg.Target, err)
	}
	return &Client{conn: conn, apiKey: cfg.APIKey, deviceID: cfg.DeviceID}, nil
}

// Send streams envelopes in order and waits for the terminal ack. Abort
// statuses come back as gRPC status errors.
func (c *Client) Send(ctx context.Context, envelopes []*telemetry.Envelope) (*telemetry.Ack, error) {
	var kv []string
	if c.apiKey != "" {
		kv = append(kv, auth.HeaderAPIKey, c.apiKey)
	}
	if c.deviceID != "" {
		kv = append(kv, auth.HeaderDeviceID, c.deviceID)
	}
	if len(kv) > 0 {
		ctx = metadata.AppendToOutgoingContext(ctx, kv...)
	}

	cs, err := c.conn.NewStream(ctx, &ServiceDesc.Streams[0], MethodStreamTelemetry)
	if err != nil {
		return nil, err
	}
	for _, env := range envelopes {
		if err := cs.SendMsg(env); err != nil {
			// The server closed the stream; the real status comes from RecvMsg.
			break
		}
	}
	if err := cs.CloseSend(); err != nil {
		return nil, err
	}

	ack := new(telemetry.Ack)
	if err := cs.RecvMsg(ack); err != nil {
		return nil, err
	}
	return ack, nil
}

func (c *Client) Close() error {
	return c.conn.Close()
}
