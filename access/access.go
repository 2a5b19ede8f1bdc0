// Package access decides whether a sender may invoke a procedure.
package access

import (
	"fmt"
	"strings"

	"github.com/Joy-less/RemSend-sub000/message"
)

// Level is the access rule attached to a procedure.
type Level uint8

const (
	None            Level = 0 // Nobody may invoke
	AuthorityOnly   Level = 1 // Only the authority (or a local call) may invoke
	PeerToAuthority Level = 2 // Only runs on the authority, whoever sent it
	Any             Level = 3 // Everybody may invoke
)

func (l Level) String() string {
	switch l {
	case None:
		return "None"
	case AuthorityOnly:
		return "AuthorityOnly"
	case PeerToAuthority:
		return "PeerToAuthority"
	case Any:
		return "Any"
	}
	return fmt.Sprintf("Level(%d)", uint8(l))
}

// ParseLevel accepts the names returned by String, case-insensitively.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "none":
		return None, nil
	case "authorityonly", "authority_only", "authority":
		return AuthorityOnly, nil
	case "peertoauthority", "peer_to_authority":
		return PeerToAuthority, nil
	case "any":
		return Any, nil
	}
	return None, fmt.Errorf("access: unknown level %q", s)
}

func (l Level) MarshalText() ([]byte, error) {
	if l > Any {
		return nil, fmt.Errorf("access: invalid level %d", uint8(l))
	}
	return []byte(l.String()), nil
}

func (l *Level) UnmarshalText(text []byte) error {
	v, err := ParseLevel(string(text))
	if err != nil {
		return err
	}
	*l = v
	return nil
}

// Policy evaluates access levels against a designated authority peer.
type Policy struct {
	Authority message.PeerID
}

// DefaultPolicy treats peer 1 as the authority.
var DefaultPolicy = Policy{Authority: message.Authority}

// Authorize reports whether sender may run a procedure with the given level
// on the peer identified by local. Sender 0 means the call originated locally
// and is treated as coming from the authority.
func (p Policy) Authorize(level Level, sender, local message.PeerID) bool {
	switch level {
	case AuthorityOnly:
		return sender == message.Broadcast || sender == p.authority()
	case PeerToAuthority:
		return local == p.authority()
	case Any:
		return true
	}
	return false
}

func (p Policy) authority() message.PeerID {
	if p.Authority == message.Broadcast {
		return message.Authority
	}
	return p.Authority
}

// Authorize evaluates level with DefaultPolicy.
func Authorize(level Level, sender, local message.PeerID) bool {
	return DefaultPolicy.Authorize(level, sender, local)
}
