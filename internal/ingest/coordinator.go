package ingest

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/metadata"
	"google.golang.org/grpc/status"

	"github.com/capnplanet/codespaces-infusion-pump/internal/auth"
	"github.com/capnplanet/codespaces-infusion-pump/internal/retry"
	"github.com/capnplanet/codespaces-infusion-pump/internal/telemetry"
)

// Status messages returned to gateways on abort.
const (
	MsgPublishFailed   = "Failed to publish telemetry"
	MsgEncodeFailed    = "Failed to encode telemetry"
	MsgInvalidEnvelope = "Envelope missing session or device id"
)

// EnvelopeStream is the server side of one client-streaming call.
type EnvelopeStream interface {
	Context() context.Context
	Recv() (*telemetry.Envelope, error)
	SendAndClose(*telemetry.Ack) error
}

type Authenticator interface {
	Authenticate(md metadata.MD, deviceID string) error
	Enforcing() bool
}

type Deduper interface {
	CheckAndRecord(key telemetry.Key, seq uint64) bool
	Rollback(key telemetry.Key, seq uint64)
}

type Publisher interface {
	PublishWithRetry(ctx context.Context, topic string, key, payload []byte) error
}

type AlarmForwarder interface {
	Forward(ctx context.Context, env *telemetry.Envelope)
}

// Recorder counts per-envelope and per-stream outcomes.
type Recorder interface {
	EnvelopeAccepted()
	EnvelopeDuplicate()
	StreamFinished(outcome string)
}

type Options struct {
	Topic     string
	Codec     telemetry.Codec
	Auth      Authenticator
	Dedup     Deduper
	Publisher Publisher
	Alarms    AlarmForwarder
	Recorder  Recorder
}

// Coordinator runs the ingest pipeline for each telemetry stream:
// authenticate once, then dedup, publish and (on alarm) forward every
// envelope in arrival order. The dependencies are shared by all streams.
type Coordinator struct {
	topic     string
	codec     telemetry.Codec
	auth      Authenticator
	dedup     Deduper
	publisher Publisher
	alarms    AlarmForwarder
	recorder  Recorder
}

func NewCoordinator(opts Options) *Coordinator {
	codec := opts.Codec
	if codec == nil {
		codec = telemetry.JSONCodec{}
	}
	return &Coordinator{
		topic:     opts.Topic,
		codec:     codec,
		auth:      opts.Auth,
		dedup:     opts.Dedup,
		publisher: opts.Publisher,
		alarms:    opts.Alarms,
		recorder:  opts.Recorder,
	}
}

// StreamTelemetry consumes stream until it ends and returns the terminal
// ack, or a status error when the stream is aborted.
func (c *Coordinator) StreamTelemetry(stream EnvelopeStream) error {
	ctx := stream.Context()
	md, _ := metadata.FromIncomingContext(ctx)
	run := &streamRun{id: uuid.New().String(), state: StateIdle}

	// The first envelope names the device being authenticated. A stream
	// that ends before sending anything is checked against its header.
	env, err := stream.Recv()
	if errors.Is(err, io.EOF) {
		run.transition(StateAuthenticating)
		if err := c.auth.Authenticate(md, firstValue(md, auth.HeaderDeviceID)); err != nil {
			return c.abortAuth(run, err)
		}
		return c.complete(stream, run)
	}
	if err != nil {
		return c.abortRecv(ctx, run, err)
	}

	run.transition(StateAuthenticating)
	if err := c.auth.Authenticate(md, env.DeviceID); err != nil {
		return c.abortAuth(run, err)
	}
	run.deviceID = env.DeviceID
	slog.Info("telemetry stream authenticated", "stream_id", run.id, "device_id", run.deviceID)

	for {
		if err := c.process(ctx, run, env); err != nil {
			return err
		}

		env, err = stream.Recv()
		if errors.Is(err, io.EOF) {
			return c.complete(stream, run)
		}
		if err != nil {
			return c.abortRecv(ctx, run, err)
		}
	}
}

func (c *Coordinator) process(ctx context.Context, run *streamRun, env *telemetry.Envelope) error {
	if err := env.Validate(); err != nil {
		return c.abort(run, codes.InvalidArgument, MsgInvalidEnvelope, err)
	}
	if c.auth.Enforcing() && env.DeviceID != run.deviceID {
		return c.abort(run, codes.Unauthenticated, auth.ReasonIdentityMismatch, nil)
	}

	run.transition(StateDeduping)
	key := env.DedupKey()
	if !c.dedup.CheckAndRecord(key, env.Sequence) {
		slog.Info("duplicate envelope skipped",
			"stream_id", run.id,
			"session_id", env.SessionID,
			"device_id", env.DeviceID,
			"sequence", env.Sequence,
		)
		if c.recorder != nil {
			c.recorder.EnvelopeDuplicate()
		}
		return nil
	}

	run.transition(StatePublishing)
	payload, err := c.codec.Encode(env)
	if err != nil {
		c.dedup.Rollback(key, env.Sequence)
		return c.abort(run, codes.Internal, MsgEncodeFailed, err)
	}

	if err := c.publisher.PublishWithRetry(ctx, c.topic, []byte(env.SessionID), payload); err != nil {
		// Not published, so not accepted: a resend of this sequence must pass.
		c.dedup.Rollback(key, env.Sequence)
		if !retry.IsExhausted(err) && ctx.Err() != nil {
			return c.abortContext(run, ctx.Err())
		}
		return c.abort(run, codes.Internal, MsgPublishFailed, err)
	}

	run.published++
	if c.recorder != nil {
		c.recorder.EnvelopeAccepted()
	}
	slog.Info("telemetry ingested",
		"stream_id", run.id,
		"session_id", env.SessionID,
		"device_id", env.DeviceID,
		"sequence", env.Sequence,
	)

	if env.PumpStatus.AlarmTriggered && c.alarms != nil {
		run.transition(StateAlarmForwarding)
		c.alarms.Forward(ctx, env)
	}
	return nil
}

func (c *Coordinator) complete(stream EnvelopeStream, run *streamRun) error {
	run.transition(StateCompleted)
	c.finish("completed")
	slog.Info("telemetry stream completed",
		"stream_id", run.id,
		"device_id", run.deviceID,
		"published", run.published,
	)
	return stream.SendAndClose(&telemetry.Ack{Accepted: true})
}

func (c *Coordinator) abortAuth(run *streamRun, err error) error {
	var authErr *auth.Error
	if errors.As(err, &authErr) {
		return c.abort(run, codes.Unauthenticated, authErr.Reason, nil)
	}
	return c.abort(run, codes.Unauthenticated, err.Error(), nil)
}

func (c *Coordinator) abortRecv(ctx context.Context, run *streamRun, err error) error {
	if ctx.Err() != nil {
		return c.abortContext(run, ctx.Err())
	}
	if _, ok := status.FromError(err); !ok {
		err = status.Error(codes.Unknown, err.Error())
	}
	run.transition(StateAborted)
	c.finish("recv_error")
	slog.Warn("telemetry stream receive failed", "stream_id", run.id, "error", err)
	return err
}

func (c *Coordinator) abortContext(run *streamRun, err error) error {
	st := status.FromContextError(err)
	return c.abort(run, st.Code(), st.Message(), err)
}

func (c *Coordinator) abort(run *streamRun, code codes.Code, msg string, cause error) error {
	from := run.state
	run.transition(StateAborted)
	c.finish(outcomeFor(code))
	slog.Warn("telemetry stream aborted",
		"stream_id", run.id,
		"device_id", run.deviceID,
		"state", from.String(),
		"code", code.String(),
		"reason", msg,
		"error", cause,
		"published", run.published,
	)
	return status.Error(code, msg)
}

func (c *Coordinator) finish(outcome string) {
	if c.recorder != nil {
		c.recorder.StreamFinished(outcome)
	}
}

// outcomeFor turns a status code into a metric label, e.g. Unauthenticated
// becomes "unauthenticated".
func outcomeFor(code codes.Code) string {
	return strings.ToLower(code.String())
}

func firstValue(md metadata.MD, key string) string {
	if vals := md.Get(key); len(vals) > 0 {
		return vals[0]
	}
	return ""
}
