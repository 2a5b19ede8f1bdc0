// Package message defines the envelope exchanged between peers.
//
// An Envelope is the unit of wire transmission. It gets serialized by the codec
// layer and handed to a transport as an opaque byte slice.
//
//   - Send / Message: Payload is the packed argument tuple.
//   - Request:        Payload is (CorrelationID, args...).
//   - Result:         Payload is (CorrelationID, returnValue).
package message

import "fmt"

// Kind distinguishes the four envelope types.
type Kind byte

const (
	KindSend    Kind = 0 // Fire-and-forget, no reply expected
	KindRequest Kind = 1 // Expects exactly one Result
	KindResult  Kind = 2 // Reply to a prior Request
	KindMessage Kind = 3 // Fire-and-forget to a procedure with no return channel
)

func (k Kind) String() string {
	switch k {
	case KindSend:
		return "Send"
	case KindRequest:
		return "Request"
	case KindResult:
		return "Result"
	case KindMessage:
		return "Message"
	}
	return fmt.Sprintf("Kind(%d)", byte(k))
}

// Valid reports whether k is one of the defined kinds.
func (k Kind) Valid() bool {
	return k <= KindMessage
}

// Correlated reports whether envelopes of this kind carry a CorrelationID
// as the first element of their payload.
func (k Kind) Correlated() bool {
	return k == KindRequest || k == KindResult
}

// PeerID identifies a process in the session.
type PeerID int32

const (
	// Broadcast addresses every peer; as a sender it means "from myself".
	Broadcast PeerID = 0
	// Authority is the conventional id of the privileged peer.
	Authority PeerID = 1
)

// CorrelationID links a Request to its eventual Result.
type CorrelationID uint64

// Envelope carries a single procedure call, request or result.
type Envelope struct {
	Kind          Kind   `json:"kind"`
	TargetPath    string `json:"target"`    // Resolved only by the receiver
	ProcedureName string `json:"procedure"` // Unique per entity type
	Payload       []byte `json:"payload"`
}

func (e *Envelope) String() string {
	return fmt.Sprintf("%s %s.%s (%d bytes)", e.Kind, e.TargetPath, e.ProcedureName, len(e.Payload))
}
