package protocol

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeDecode(t *testing.T) {
	header := Header{
		FrameType: FrameData,
		Mode:      1,
		Channel:   7,
	}
	body := []byte("hello world")

	var buf bytes.Buffer
	if err := Encode(&buf, &header, body); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}
	if buf.Len() != HeaderSize+len(body) {
		t.Fatalf("frame size %d, want %d", buf.Len(), HeaderSize+len(body))
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}

	if decodedHeader.FrameType != header.FrameType {
		t.Errorf("FrameType mismatch: got %d, want %d", decodedHeader.FrameType, header.FrameType)
	}
	if decodedHeader.Mode != header.Mode {
		t.Errorf("Mode mismatch: got %d, want %d", decodedHeader.Mode, header.Mode)
	}
	if decodedHeader.Channel != header.Channel {
		t.Errorf("Channel mismatch: got %d, want %d", decodedHeader.Channel, header.Channel)
	}
	if decodedHeader.BodyLen != uint32(len(body)) {
		t.Errorf("BodyLen mismatch: got %d, want %d", decodedHeader.BodyLen, len(body))
	}
	if !bytes.Equal(decodedBody, body) {
		t.Errorf("Body mismatch: got %s, want %s", string(decodedBody), string(body))
	}
}

func TestDecodeInvalidMagic(t *testing.T) {
	invalidHeader := []byte{0x00, 0x00, 0x00, Version, byte(FrameData), 0, 0, 0, 0, 0, 0, 0x0B}
	var buf bytes.Buffer
	buf.Write(invalidHeader)
	buf.Write([]byte("hello world"))

	_, _, err := Decode(&buf)
	if !errors.Is(err, ErrFrame) {
		t.Fatalf("Expected ErrFrame for invalid magic number, got %v", err)
	}
	if !bytes.Contains([]byte(err.Error()), []byte("invalid magic number")) {
		t.Errorf("Error message should contain 'invalid magic', instead: %v", err)
	}
}

func TestDecodeEmptyBody(t *testing.T) {
	var buf bytes.Buffer
	if err := Encode(&buf, &Header{FrameType: FrameHeartbeat}, nil); err != nil {
		t.Fatalf("Encode failed: %v", err)
	}

	decodedHeader, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode failed: %v", err)
	}
	if decodedHeader.FrameType != FrameHeartbeat {
		t.Errorf("FrameType mismatch: got %d, want %d", decodedHeader.FrameType, FrameHeartbeat)
	}
	if len(decodedBody) != 0 {
		t.Errorf("Expected empty body, got length %d", len(decodedBody))
	}
}

func TestDecodeInvalidVersion(t *testing.T) {
	var buf bytes.Buffer

	// 手动构造错误 Version 的帧
	invalidFrame := []byte{
		MagicNumber, MagicByte2, MagicByte3, // 正确的 Magic
		0xFF, // 错误的 Version
		byte(FrameData),
		0,
		0, 1, // Channel
		0, 0, 0, 0, // BodyLen
	}
	buf.Write(invalidFrame)

	_, _, err := Decode(&buf)
	if err == nil {
		t.Fatal("期待返回错误，但 Decode 成功了")
	}
	if !bytes.Contains([]byte(err.Error()), []byte("unsupported version")) {
		t.Errorf("错误信息应该包含 'unsupported version', 实际: %v", err)
	}
}

func TestDecodeOversizedBody(t *testing.T) {
	frame := []byte{MagicNumber, MagicByte2, MagicByte3, Version, byte(FrameData), 0, 0, 0, 0xff, 0xff, 0xff, 0xff}
	if _, _, err := Decode(bytes.NewReader(frame)); !errors.Is(err, ErrFrame) {
		t.Fatalf("expect ErrFrame for oversized body, got %v", err)
	}
}

func TestDecodeLargeBody(t *testing.T) {
	var buf bytes.Buffer

	// 1MB 的消息体
	largeBody := make([]byte, 1024*1024)
	for i := range largeBody {
		largeBody[i] = byte(i % 256)
	}

	if err := Encode(&buf, &Header{FrameType: FrameData}, largeBody); err != nil {
		t.Fatalf("Encode 失败: %v", err)
	}
	_, decodedBody, err := Decode(&buf)
	if err != nil {
		t.Fatalf("Decode 失败: %v", err)
	}
	if !bytes.Equal(decodedBody, largeBody) {
		t.Errorf("大消息体内容不匹配")
	}
}

func TestHelloRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	if err := WriteHello(&buf, Hello{PeerID: 3, Version: ProtocolVersion}); err != nil {
		t.Fatal(err)
	}
	h, err := ReadHello(&buf)
	if err != nil {
		t.Fatal(err)
	}
	if h.PeerID != 3 || h.Version != ProtocolVersion {
		t.Fatalf("unexpected hello %+v", h)
	}
}

func TestHelloIncompatible(t *testing.T) {
	var buf bytes.Buffer
	WriteHello(&buf, Hello{PeerID: 3, Version: "2.1.0"})
	if _, err := ReadHello(&buf); !errors.Is(err, ErrIncompatible) {
		t.Fatalf("expect ErrIncompatible, got %v", err)
	}

	// A data frame where a hello is expected.
	buf.Reset()
	Encode(&buf, &Header{FrameType: FrameData}, []byte("x"))
	if _, err := ReadHello(&buf); !errors.Is(err, ErrFrame) {
		t.Fatalf("expect ErrFrame, got %v", err)
	}
}

func TestCompatible(t *testing.T) {
	tests := []struct {
		local, remote string
		ok            bool
	}{
		{"1.0.0", "1.0.0", true},
		{"1.0.0", "1.4.2", true},
		{"1.3.0", "1.0.1", true},
		{"1.0.0", "2.0.0", false},
		{"2.0.0", "1.9.9", false},
		{"1.0.0", "garbage", false},
	}
	for _, tt := range tests {
		err := Compatible(tt.local, tt.remote)
		if (err == nil) != tt.ok {
			t.Errorf("Compatible(%s, %s) = %v, want ok=%v", tt.local, tt.remote, err, tt.ok)
		}
	}
}
