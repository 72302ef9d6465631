package ingest

import (
	"encoding/json"

	"google.golang.org/grpc"
	"google.golang.org/grpc/encoding"

	"github.com/capnplanet/codespaces-infusion-pump/internal/telemetry"
)

const (
	ServiceName           = "telemetry.TelemetryIngestion"
	MethodStreamTelemetry = "/" + ServiceName + "/StreamTelemetry"

	// CodecName is the gRPC content-subtype carrying JSON-encoded messages.
	CodecName = "json"
)

func init() {
	encoding.RegisterCodec(jsonCodec{})
}

type jsonCodec struct{}

func (jsonCodec) Marshal(v any) ([]byte, error)      { return json.Marshal(v) }
func (jsonCodec) Unmarshal(data []byte, v any) error { return json.Unmarshal(data, v) }
func (jsonCodec) Name() string                       { return CodecName }

// TelemetryIngestionServer is the service implemented by *Coordinator.
type TelemetryIngestionServer interface {
	StreamTelemetry(EnvelopeStream) error
}

var ServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*TelemetryIngestionServer)(nil),
	Methods:     []grpc.MethodDesc{},
	Streams: []grpc.StreamDesc{
		{
			StreamName:    "StreamTelemetry",
			Handler:       streamTelemetryHandler,
			ClientStreams: true,
		},
	},
	Metadata: "telemetry.proto",
}

func RegisterTelemetryIngestionServer(s grpc.ServiceRegistrar, srv TelemetryIngestionServer) {
	s.RegisterService(&ServiceDesc, srv)
}

func streamTelemetryHandler(srv any, stream grpc.ServerStream) error {
	return srv.(TelemetryIngestionServer).StreamTelemetry(&serverStream{stream})
}

type serverStream struct {
	grpc.ServerStream
}

func (s *serverStream) Recv() (*telemetry.Envelope, error) {
	m := new(telemetry.Envelope)
	if err := s.ServerStream.RecvMsg(m); err != nil {
		return nil, err
	}
	return m, nil
}

func (s *serverStream) SendAndClose(ack *telemetry.Ack) error {
	return s.ServerStream.SendMsg(ack)
}
