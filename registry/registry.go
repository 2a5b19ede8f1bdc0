// Package registry is the session peer directory: which peers take part in a
// session, where they listen and which protocol version they speak.
package registry

import (
	"context"
	"errors"
	"fmt"

	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/google/uuid"
)

var ErrInvalidPeer = errors.New("registry: invalid peer")

// Peer describes one running peer process.
type Peer struct {
	ID         message.PeerID `json:"id"`
	Addr       string         `json:"addr"`
	Weight     int            `json:"weight"` // Weight for load balancing
	Version    string         `json:"version"`
	InstanceID string         `json:"instance_id"` // Changes every time the process restarts
}

func (p Peer) String() string {
	return fmt.Sprintf("peer %d at %s (v%s, %s)", p.ID, p.Addr, p.Version, p.InstanceID)
}

// NewInstanceID returns a fresh random instance id.
func NewInstanceID() string {
	return uuid.NewString()
}

func (p Peer) validate() error {
	if p.ID <= message.Broadcast {
		return fmt.Errorf("%w: id %d", ErrInvalidPeer, p.ID)
	}
	if p.InstanceID != "" {
		if _, err := uuid.Parse(p.InstanceID); err != nil {
			return fmt.Errorf("%w: instance id %q: %v", ErrInvalidPeer, p.InstanceID, err)
		}
	}
	return nil
}

type Registry interface {
	// Register announces peer in session. The entry disappears ttl seconds
	// after the process stops renewing it.
	Register(ctx context.Context, session string, peer Peer, ttl int64) error
	Deregister(ctx context.Context, session string, id message.PeerID) error
	Discover(ctx context.Context, session string) ([]Peer, error)
	// Watch emits the full peer list of session whenever it changes, until
	// ctx is done.
	Watch(ctx context.Context, session string) <-chan []Peer
	Close() error
}

// IDs extracts the peer ids, skipping exclude.
func IDs(peers []Peer, exclude message.PeerID) []message.PeerID {
	ids := make([]message.PeerID, 0, len(peers))
	for _, p := range peers {
		if p.ID != exclude {
			ids = append(ids, p.ID)
		}
	}
	return ids
}
