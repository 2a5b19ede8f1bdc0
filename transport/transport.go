// Package transport defines the boundary between the RPC core and the network,
// plus adapters for in-memory, TCP, QUIC and AMQP delivery.
//
// The core only ever hands a transport an opaque byte slice, a destination
// peer, a delivery mode and a channel. Adapters are responsible for actually
// honoring the mode: ordering within a (peer pair, channel) stream for Reliable
// and UnreliableOrdered, best effort for Unreliable.
package transport

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/Joy-less/RemSend-sub000/message"
)

var (
	ErrClosed      = errors.New("transport: closed")
	ErrUnknownPeer = errors.New("transport: unknown peer")
	ErrChannel     = errors.New("transport: channel out of range")
)

// MaxChannel is the highest channel a frame header can carry.
const MaxChannel = math.MaxUint16

// CheckChannel rejects channels that do not fit a frame header.
func CheckChannel(channel int) error {
	if channel < 0 || channel > MaxChannel {
		return fmt.Errorf("%w: %d", ErrChannel, channel)
	}
	return nil
}

// Mode is the delivery guarantee requested for a packet.
type Mode uint8

const (
	Reliable          Mode = 0
	UnreliableOrdered Mode = 1
	Unreliable        Mode = 2
)

func (m Mode) String() string {
	switch m {
	case Reliable:
		return "Reliable"
	case UnreliableOrdered:
		return "UnreliableOrdered"
	case Unreliable:
		return "Unreliable"
	}
	return fmt.Sprintf("Mode(%d)", uint8(m))
}

// Ordered reports whether packets on one channel arrive in send order.
func (m Mode) Ordered() bool {
	return m == Reliable || m == UnreliableOrdered
}

func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "reliable":
		return Reliable, nil
	case "unreliableordered", "unreliable_ordered":
		return UnreliableOrdered, nil
	case "unreliable":
		return Unreliable, nil
	}
	return Reliable, fmt.Errorf("transport: unknown mode %q", s)
}

func (m Mode) MarshalText() ([]byte, error) {
	if m > Unreliable {
		return nil, fmt.Errorf("transport: invalid mode %d", uint8(m))
	}
	return []byte(m.String()), nil
}

func (m *Mode) UnmarshalText(text []byte) error {
	v, err := ParseMode(string(text))
	if err != nil {
		return err
	}
	*m = v
	return nil
}

// Receiver is called for every inbound packet. Sender 0 means the packet came
// from the local peer itself.
type Receiver func(sender message.PeerID, data []byte)

// Transport moves packets between peers.
//
//go:generate mockgen -destination=transportmock/transport.go -package=transportmock . Transport
type Transport interface {
	// LocalID returns the id of this peer.
	LocalID() message.PeerID
	// Peers returns the currently reachable remote peers, excluding LocalID.
	Peers() []message.PeerID
	// Send delivers data to a single peer.
	Send(peer message.PeerID, mode Mode, channel int, data []byte) error
	// Start begins delivering inbound packets to recv.
	Start(ctx context.Context, recv Receiver) error
	Close() error
}
