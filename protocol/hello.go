package protocol

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/Masterminds/semver/v3"
)

// ProtocolVersion is the semantic version of the envelope and frame format.
// Peers interoperate when their major versions match.
const ProtocolVersion = "1.0.0"

var ErrIncompatible = errors.New("protocol: incompatible peer version")

// Hello is the handshake each side sends first.
type Hello struct {
	PeerID  int32
	Version string
}

// MarshalBinary lays out peerID(4) | versionLen(1) | version.
func (h Hello) MarshalBinary() ([]byte, error) {
	if len(h.Version) > 255 {
		return nil, fmt.Errorf("%w: version string too long", ErrFrame)
	}
	buf := make([]byte, 5+len(h.Version))
	binary.BigEndian.PutUint32(buf[0:4], uint32(h.PeerID))
	buf[4] = byte(len(h.Version))
	copy(buf[5:], h.Version)
	return buf, nil
}

func (h *Hello) UnmarshalBinary(data []byte) error {
	if len(data) < 5 || len(data) != 5+int(data[4]) {
		return fmt.Errorf("%w: malformed hello of %d bytes", ErrFrame, len(data))
	}
	h.PeerID = int32(binary.BigEndian.Uint32(data[0:4]))
	h.Version = string(data[5:])
	return nil
}

// Compatible checks that remote can talk to a peer running local.
func Compatible(local, remote string) error {
	lv, err := semver.NewVersion(local)
	if err != nil {
		return fmt.Errorf("%w: local version %q: %v", ErrIncompatible, local, err)
	}
	rv, err := semver.NewVersion(remote)
	if err != nil {
		return fmt.Errorf("%w: remote version %q: %v", ErrIncompatible, remote, err)
	}
	c, err := semver.NewConstraint(fmt.Sprintf(">= %d.0.0-0, < %d.0.0-0", lv.Major(), lv.Major()+1))
	if err != nil {
		return err
	}
	if !c.Check(rv) {
		return fmt.Errorf("%w: %s does not satisfy %s", ErrIncompatible, rv, c)
	}
	return nil
}

// WriteHello sends a Hello frame.
func WriteHello(w io.Writer, h Hello) error {
	body, err := h.MarshalBinary()
	if err != nil {
		return err
	}
	return Encode(w, &Header{FrameType: FrameHello}, body)
}

// ReadHello reads the first frame of a connection, which must be a Hello with
// a compatible version.
func ReadHello(r io.Reader) (Hello, error) {
	var h Hello
	header, body, err := Decode(r)
	if err != nil {
		return h, err
	}
	if header.FrameType != FrameHello {
		return h, fmt.Errorf("%w: expected hello, got frame type %d", ErrFrame, header.FrameType)
	}
	if err := h.UnmarshalBinary(body); err != nil {
		return h, err
	}
	return h, Compatible(ProtocolVersion, h.Version)
}
