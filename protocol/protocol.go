// Package protocol implements the binary frame protocol spoken on stream
// transports (TCP, QUIC streams).
//
// A stream is a byte stream, so every packet is wrapped in a fixed-size
// 12-byte header followed by a variable-length body. The receiver reads the
// header first to learn the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6     8         12
//	┌──────┬──┬──┬──┬─────┬─────────┬───────────────┐
//	│magic │v │ft│md│ chan│ bodyLen │    body ...    │
//	│ rsp  │01│  │  │ u16 │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────┴─────────┴───────────────┘
//
// The first frame in each direction is a Hello carrying the peer id and the
// protocol version; Data frames carry one codec-prefixed envelope each.
package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Magic number bytes: "rsp" (RemSend protocol).
// Used to quickly identify whether the incoming data is a valid frame,
// rejecting non-protocol connections (e.g., HTTP clients hitting the wrong port).
const (
	MagicNumber byte = 0x72 // 'r'
	MagicByte2  byte = 0x73 // 's'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 12 // 3 (magic) + 1 (version) + 1 (frameType) + 1 (mode) + 2 (channel) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation a single header can trigger.
	MaxBodyLen uint32 = 16 << 20
)

var ErrFrame = errors.New("protocol: invalid frame")

// FrameType distinguishes handshake, data and heartbeat frames.
type FrameType byte

const (
	FrameHello     FrameType = 0 // First frame on a connection, body is a Hello
	FrameData      FrameType = 1 // One packet for the receiver
	FrameHeartbeat FrameType = 2 // KeepAlive probe (no body)
)

func (t FrameType) valid() bool {
	return t <= FrameHeartbeat
}

// Header represents the fixed 12-byte frame header.
type Header struct {
	FrameType FrameType
	Mode      byte   // Delivery mode the sender requested
	Channel   uint16 // Ordering channel
	BodyLen   uint32 // Body length in bytes
}

// Encode writes a complete frame (header + body) to w.
// The caller must hold a write lock if multiple goroutines share the same writer,
// otherwise frames from different packets will interleave and corrupt the stream.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return fmt.Errorf("%w: body of %d bytes exceeds %d", ErrFrame, len(body), MaxBodyLen)
	}
	buf := make([]byte, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = byte(h.FrameType)
	buf[5] = h.Mode
	binary.BigEndian.PutUint16(buf[6:8], h.Channel)
	binary.BigEndian.PutUint32(buf[8:12], uint32(len(body)))
	copy(buf[HeaderSize:], body)

	// One Write per frame, so a frame is never split across writers.
	_, err := w.Write(buf)
	return err
}

// Decode reads a complete frame (header + body) from r.
// Uses io.ReadFull to guarantee exactly N bytes are read, preventing partial reads.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, err
	}

	// Reject non-protocol connections
	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, fmt.Errorf("%w: invalid magic number: %x", ErrFrame, headerBuf[0:3])
	}
	if headerBuf[3] != Version {
		return nil, nil, fmt.Errorf("%w: unsupported version: %d", ErrFrame, headerBuf[3])
	}
	frameType := FrameType(headerBuf[4])
	if !frameType.valid() {
		return nil, nil, fmt.Errorf("%w: unsupported frame type: %d", ErrFrame, frameType)
	}

	h := &Header{
		FrameType: frameType,
		Mode:      headerBuf[5],
		Channel:   binary.BigEndian.Uint16(headerBuf[6:8]),
		BodyLen:   binary.BigEndian.Uint32(headerBuf[8:12]),
	}
	if h.BodyLen > MaxBodyLen {
		return nil, nil, fmt.Errorf("%w: body of %d bytes exceeds %d", ErrFrame, h.BodyLen, MaxBodyLen)
	}

	body := make([]byte, h.BodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, err
	}
	return h, body, nil
}
