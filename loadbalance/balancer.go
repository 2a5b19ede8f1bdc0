// Package loadbalance picks one peer out of a candidate set, for calls that
// need exactly one of several equivalent peers to handle them.
//
// Three strategies are implemented:
//   - RoundRobin:      equal-capacity peers
//   - WeightedRandom:  heterogeneous peers (Peer.Weight)
//   - ConsistentHash:  the same key always lands on the same peer
package loadbalance

import (
	"errors"

	"github.com/Joy-less/RemSend-sub000/registry"
)

var ErrNoPeers = errors.New("loadbalance: no peers available")

// Balancer is the interface for load balancing strategies.
type Balancer interface {
	// Pick selects one peer from the candidates. key is only used by
	// key-affine strategies. Must be goroutine-safe.
	Pick(peers []registry.Peer, key string) (*registry.Peer, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "RoundRobin", "roundrobin", "":
		return &RoundRobinBalancer{}, nil
	case "WeightedRandom", "weighted":
		return &WeightedRandomBalancer{}, nil
	case "ConsistentHash", "hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.New("loadbalance: unknown strategy " + name)
}
