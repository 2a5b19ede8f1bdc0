package planner

import (
	"fmt"

	"github.com/Joy-less/RemSend-sub000/loadbalance"
	"github.com/Joy-less/RemSend-sub000/message"
	"github.com/Joy-less/RemSend-sub000/registry"
)

type selectorKind uint8

const (
	selectSingle selectorKind = iota
	selectSet
	selectBroadcast
	selectAuthority
	selectBalanced
)

// Selector chooses the peers an outbound call is addressed to.
type Selector struct {
	kind       selectorKind
	peers      []message.PeerID
	balancer   loadbalance.Balancer
	key        string
	candidates []registry.Peer
}

// To addresses a single peer. To(0) is the same as Broadcast().
func To(peer message.PeerID) Selector {
	if peer == message.Broadcast {
		return Broadcast()
	}
	return Selector{kind: selectSingle, peers: []message.PeerID{peer}}
}

// ToPeers addresses an explicit set of peers.
func ToPeers(peers ...message.PeerID) Selector {
	return Selector{kind: selectSet, peers: peers}
}

// Broadcast addresses every known peer.
func Broadcast() Selector {
	return Selector{kind: selectBroadcast}
}

// ToAuthority addresses the authority peer of the session.
func ToAuthority() Selector {
	return Selector{kind: selectAuthority}
}

// Balanced addresses exactly one of candidates, chosen by b. key is passed
// to key-affine balancers.
func Balanced(b loadbalance.Balancer, key string, candidates ...registry.Peer) Selector {
	return Selector{kind: selectBalanced, balancer: b, key: key, candidates: candidates}
}

func (s Selector) String() string {
	switch s.kind {
	case selectSingle:
		if len(s.peers) == 1 {
			return fmt.Sprintf("peer %d", s.peers[0])
		}
	case selectSet:
		return fmt.Sprintf("peers %v", s.peers)
	case selectBroadcast:
		return "broadcast"
	case selectAuthority:
		return "authority"
	case selectBalanced:
		if s.balancer != nil {
			return fmt.Sprintf("%s(%q)", s.balancer.Name(), s.key)
		}
	}
	return "invalid selector"
}

// targets is the outcome of planning one call.
type targets struct {
	remote []message.PeerID // wire fan-out, never contains local
	local  bool             // run once through the local bypass
	single bool             // exactly one addressee, so its Result sender is known
}

// plan resolves s against the current peer list.
func (s Selector) plan(local, authority message.PeerID, peers func() []message.PeerID, callLocal bool) (targets, error) {
	var t targets

	addOne := func(id message.PeerID) error {
		if id == local {
			if !callLocal {
				return fmt.Errorf("%w: peer %d", ErrSelfCall, id)
			}
			t.local = true
			return nil
		}
		t.remote = append(t.remote, id)
		return nil
	}

	switch s.kind {
	case selectSingle:
		if len(s.peers) != 1 || s.peers[0] < 0 {
			return t, fmt.Errorf("%w: %v", ErrInvalidSelector, s.peers)
		}
		t.single = true
		return t, addOne(s.peers[0])

	case selectAuthority:
		t.single = true
		return t, addOne(authority)

	case selectSet:
		if len(s.peers) == 0 {
			return t, fmt.Errorf("%w: empty peer set", ErrInvalidSelector)
		}
		seen := make(map[message.PeerID]bool, len(s.peers))
		for _, id := range s.peers {
			if id <= message.Broadcast {
				return t, fmt.Errorf("%w: peer %d in set", ErrInvalidSelector, id)
			}
			if seen[id] {
				continue
			}
			seen[id] = true
			if err := addOne(id); err != nil {
				return t, err
			}
		}
		t.single = len(seen) == 1
		return t, nil

	case selectBroadcast:
		for _, id := range peers() {
			if id != local && id > message.Broadcast {
				t.remote = append(t.remote, id)
			}
		}
		t.local = callLocal
		return t, nil

	case selectBalanced:
		if s.balancer == nil {
			return t, fmt.Errorf("%w: no balancer", ErrInvalidSelector)
		}
		p, err := s.balancer.Pick(s.candidates, s.key)
		if err != nil {
			return t, fmt.Errorf("%w: %w", ErrInvalidSelector, err)
		}
		if p.ID <= message.Broadcast {
			return t, fmt.Errorf("%w: balancer picked peer %d", ErrInvalidSelector, p.ID)
		}
		t.single = true
		return t, addOne(p.ID)
	}
	return t, ErrInvalidSelector
}
