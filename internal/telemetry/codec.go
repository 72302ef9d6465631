package telemetry

import (
	"encoding/json"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

// Codec serializes envelopes into broker payloads.
type Codec interface {
	Encode(e *Envelope) ([]byte, error)
	Name() string
}

const (
	EncodingJSON = "json"
	EncodingCBOR = "cbor"
)

// CodecFor returns the codec registered under name.
func CodecFor(name string) (Codec, error) {
	switch name {
	case "", EncodingJSON:
		return JSONCodec{}, nil
	case EncodingCBOR:
		return NewCBORCodec()
	default:
		return nil, fmt.Errorf("unknown payload encoding %q", name)
	}
}

type JSONCodec struct{}

func (JSONCodec) Encode(e *Envelope) ([]byte, error) {
	return json.Marshal(e)
}

func (JSONCodec) Name() string { return EncodingJSON }

// CBORCodec encodes with core deterministic options, so two equal
// envelopes always produce the same bytes regardless of map order.
type CBORCodec struct {
	enc cbor.EncMode
}

func NewCBORCodec() (*CBORCodec, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, fmt.Errorf("cbor enc mode: %w", err)
	}
	return &CBORCodec{enc: enc}, nil
}

func (c *CBORCodec) Encode(e *Envelope) ([]byte, error) {
	return c.enc.Marshal(e)
}

func (c *CBORCodec) Name() string { return EncodingCBOR }
