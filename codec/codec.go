// Package codec serializes envelopes and the argument tuples they carry.
//
// Two layers live here:
//
//   - Envelope codecs (Codec) turn a message.Envelope into bytes. Marshal prefixes
//     the output with a single codec-type byte so the receiver can pick the codec.
//   - Tuple packing (Writer, Reader, Registry) turns procedure arguments and return
//     values into the envelope payload. Tuples do not describe their own arity: the
//     receiver decodes them using only the procedure's static signature.
package codec

import (
	"errors"
	"fmt"

	"github.com/Joy-less/RemSend-sub000/message"
)

type CodecType byte

const (
	CodecTypeJSON    CodecType = 0
	CodecTypeBinary  CodecType = 1
	CodecTypeMsgpack CodecType = 2
)

var (
	// ErrSerialization is returned when a value does not match its declared shape.
	ErrSerialization = errors.New("codec: serialization error")
	// ErrMalformed is returned when envelope bytes cannot be decoded.
	ErrMalformed = errors.New("codec: malformed envelope")
)

type Codec interface {
	Encode(env *message.Envelope) ([]byte, error)
	Decode(data []byte, env *message.Envelope) error
	Type() CodecType // 0=JSON, 1=Binary, 2=Msgpack
}

// GetCodec returns the envelope codec registered for codecType.
func GetCodec(codecType CodecType) (Codec, error) {
	switch codecType {
	case CodecTypeJSON:
		return &JSONCodec{}, nil
	case CodecTypeBinary:
		return &BinaryCodec{}, nil
	case CodecTypeMsgpack:
		return &MsgpackCodec{}, nil
	}
	return nil, fmt.Errorf("%w: unsupported codec type %d", ErrMalformed, codecType)
}

// Marshal encodes env with c and prefixes the codec type.
func Marshal(c Codec, env *message.Envelope) ([]byte, error) {
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: invalid kind %d", ErrMalformed, env.Kind)
	}
	body, err := c.Encode(env)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, len(body)+1)
	out = append(out, byte(c.Type()))
	return append(out, body...), nil
}

// Unmarshal decodes bytes produced by Marshal.
func Unmarshal(data []byte) (*message.Envelope, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty packet", ErrMalformed)
	}
	c, err := GetCodec(CodecType(data[0]))
	if err != nil {
		return nil, err
	}
	env := &message.Envelope{}
	if err := c.Decode(data[1:], env); err != nil {
		return nil, err
	}
	if !env.Kind.Valid() {
		return nil, fmt.Errorf("%w: invalid kind %d", ErrMalformed, env.Kind)
	}
	return env, nil
}
