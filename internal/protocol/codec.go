package protocol

import (
	"reflect"

	"mdbroker/pkg/exception"

	"github.com/bytedance/sonic"
	"github.com/fxamacker/cbor/v2"
	"github.com/yanun0323/errors"
)

// Codec turns messages into frames and back. Decode errors mean the peer
// sent a malformed frame and the connection must be closed.
type Codec interface {
	Name() string
	Encode(msg Message) ([]byte, error)
	Decode(frame []byte) (Message, error)
}

// JSON is the text codec used on websocket connections.
type JSON struct{}

func (JSON) Name() string {
	return "json"
}

func (JSON) Encode(msg Message) ([]byte, error) {
	env, err := toEnvelope(msg)
	if err != nil {
		return nil, err
	}
	b, err := sonic.ConfigFastest.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "marshal json").With("type", env.Type)
	}
	return b, nil
}

func (JSON) Decode(frame []byte) (Message, error) {
	var env envelope
	if err := sonic.ConfigStd.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrapf(exception.ErrMalformedMessage, "json: %v", err)
	}
	return fromEnvelope(env)
}

// CBOR is the binary codec used on unix socket connections. Encoding is
// core deterministic, so equal messages give equal frames.
type CBOR struct {
	enc cbor.EncMode
	dec cbor.DecMode
}

func NewCBOR() (*CBOR, error) {
	enc, err := cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		return nil, errors.Wrap(err, "cbor encoder")
	}
	dec, err := cbor.DecOptions{
		DefaultMapType: reflect.TypeOf(map[string]any(nil)),
	}.DecMode()
	if err != nil {
		return nil, errors.Wrap(err, "cbor decoder")
	}
	return &CBOR{enc: enc, dec: dec}, nil
}

func (c *CBOR) Name() string {
	return "cbor"
}

func (c *CBOR) Encode(msg Message) ([]byte, error) {
	env, err := toEnvelope(msg)
	if err != nil {
		return nil, err
	}
	b, err := c.enc.Marshal(env)
	if err != nil {
		return nil, errors.Wrap(err, "marshal cbor").With("type", env.Type)
	}
	return b, nil
}

func (c *CBOR) Decode(frame []byte) (Message, error) {
	var env envelope
	if err := c.dec.Unmarshal(frame, &env); err != nil {
		return nil, errors.Wrapf(exception.ErrMalformedMessage, "cbor: %v", err)
	}
	return fromEnvelope(env)
}
