package codec

import (
	"encoding/binary"
	"fmt"
	"math"

	"github.com/Joy-less/RemSend-sub000/message"
)

// BinaryCodec lays the envelope out as length-prefixed big-endian fields:
//
//	kind(1) | pathLen(2) path | procLen(2) proc | payloadLen(4) payload
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(env *message.Envelope) ([]byte, error) {
	if len(env.TargetPath) > math.MaxUint16 || len(env.ProcedureName) > math.MaxUint16 {
		return nil, fmt.Errorf("%w: path or procedure name too long", ErrSerialization)
	}
	// Calculate the length of message
	total := 1 + 2 + len(env.TargetPath) + 2 + len(env.ProcedureName) + 4 + len(env.Payload)
	buf := make([]byte, total)

	offset := 0
	// Kind -- 1 byte
	buf[offset] = byte(env.Kind)
	offset++

	// TargetPath -- 2 bytes length + n bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(env.TargetPath)))
	offset += 2
	offset += copy(buf[offset:], env.TargetPath)

	// ProcedureName -- 2 bytes length + n bytes
	binary.BigEndian.PutUint16(buf[offset:offset+2], uint16(len(env.ProcedureName)))
	offset += 2
	offset += copy(buf[offset:], env.ProcedureName)

	// Payload -- 4 bytes length + n bytes
	binary.BigEndian.PutUint32(buf[offset:offset+4], uint32(len(env.Payload)))
	offset += 4
	copy(buf[offset:], env.Payload)
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte, env *message.Envelope) error {
	offset := 0
	need := func(n int) error {
		if len(data)-offset < n {
			return fmt.Errorf("%w: truncated at offset %d", ErrMalformed, offset)
		}
		return nil
	}

	// Read Kind
	if err := need(1); err != nil {
		return err
	}
	env.Kind = message.Kind(data[offset])
	offset++

	// Read TargetPath
	if err := need(2); err != nil {
		return err
	}
	pathLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if err := need(pathLen); err != nil {
		return err
	}
	env.TargetPath = string(data[offset : offset+pathLen])
	offset += pathLen

	// Read ProcedureName
	if err := need(2); err != nil {
		return err
	}
	procLen := int(binary.BigEndian.Uint16(data[offset : offset+2]))
	offset += 2
	if err := need(procLen); err != nil {
		return err
	}
	env.ProcedureName = string(data[offset : offset+procLen])
	offset += procLen

	// Read Payload
	if err := need(4); err != nil {
		return err
	}
	payloadLen := int(binary.BigEndian.Uint32(data[offset : offset+4]))
	offset += 4
	if err := need(payloadLen); err != nil {
		return err
	}
	env.Payload = make([]byte, payloadLen)
	copy(env.Payload, data[offset:offset+payloadLen])
	offset += payloadLen

	if offset != len(data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrMalformed, len(data)-offset)
	}
	return nil
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}
