package loadbalance

import (
	"math/rand/v2"

	"github.com/Joy-less/RemSend-sub000/registry"
)

// WeightedRandomBalancer picks a peer with probability proportional to its
// weight. Peers with a weight <= 0 count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(peers []registry.Peer, key string) (*registry.Peer, error) {
	if len(peers) == 0 {
		return nil, ErrNoPeers
	}

	// 计算总权重
	totalWeight := 0
	for _, p := range peers {
		totalWeight += weight(p)
	}

	// 生成一个随机数，范围是0到总权重
	r := rand.IntN(totalWeight)
	for i := range peers {
		r -= weight(peers[i])
		if r < 0 {
			return &peers[i], nil
		}
	}
	return &peers[len(peers)-1], nil
}

func weight(p registry.Peer) int {
	if p.Weight <= 0 {
		return 1
	}
	return p.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
