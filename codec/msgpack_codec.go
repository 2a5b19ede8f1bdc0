package codec

import (
	"bytes"
	"fmt"

	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/vmihailenco/msgpack/v5"
)

// envelopeArity is the number of elements in the envelope tuple.
const envelopeArity = 4

// MsgpackCodec encodes the envelope as the ordered msgpack array
// (Kind, TargetPath, ProcedureName, Payload). It is the default codec.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(env *message.Envelope) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgpack.NewEncoder(&buf)
	if err := enc.EncodeArrayLen(envelopeArity); err != nil {
		return nil, err
	}
	if err := enc.EncodeUint8(uint8(env.Kind)); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(env.TargetPath); err != nil {
		return nil, err
	}
	if err := enc.EncodeString(env.ProcedureName); err != nil {
		return nil, err
	}
	if err := enc.EncodeBytes(env.Payload); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (c *MsgpackCodec) Decode(data []byte, env *message.Envelope) error {
	r := bytes.NewReader(data)
	dec := msgpack.NewDecoder(r)

	n, err := dec.DecodeArrayLen()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if n != envelopeArity {
		return fmt.Errorf("%w: envelope has %d elements, want %d", ErrMalformed, n, envelopeArity)
	}
	kind, err := dec.DecodeUint8()
	if err != nil {
		return fmt.Errorf("%w: kind: %v", ErrMalformed, err)
	}
	path, err := dec.DecodeString()
	if err != nil {
		return fmt.Errorf("%w: target path: %v", ErrMalformed, err)
	}
	proc, err := dec.DecodeString()
	if err != nil {
		return fmt.Errorf("%w: procedure name: %v", ErrMalformed, err)
	}
	payload, err := dec.DecodeBytes()
	if err != nil {
		return fmt.Errorf("%w: payload: %v", ErrMalformed, err)
	}
	if r.Len() != 0 {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, r.Len())
	}

	env.Kind = message.Kind(kind)
	env.TargetPath = path
	env.ProcedureName = proc
	env.Payload = payload
	return nil
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
