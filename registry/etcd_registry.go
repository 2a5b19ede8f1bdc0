package registry

// etcd is used as a "distributed phonebook" for sessions:
//
//	Key:   /remsend/{session}/{peer id}
//	Value: JSON-encoded Peer
//
// Registration uses TTL-based leases: if a peer crashes, the lease expires
// and the entry is automatically removed, so no ghost peers stay behind.

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/Joy-less/RemSend-sub000/message"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"
)

const keyPrefix = "/remsend/"

// EtcdRegistry implements Registry using etcd v3.
type EtcdRegistry struct {
	client *clientv3.Client // thread-safe, shared across goroutines
	logger *zap.Logger

	mu     sync.Mutex
	leases map[string]clientv3.LeaseID // key → lease, revoked on Deregister
}

// NewEtcdRegistry creates a new registry connected to the given etcd endpoints.
func NewEtcdRegistry(endpoints []string, logger *zap.Logger) (*EtcdRegistry, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	c, err := clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: 5 * time.Second,
		Logger:      logger,
	})
	if err != nil {
		return nil, err
	}
	return &EtcdRegistry{client: c, logger: logger, leases: make(map[string]clientv3.LeaseID)}, nil
}

func peerKey(session string, id message.PeerID) string {
	return fmt.Sprintf("%s%s/%d", keyPrefix, session, id)
}

func sessionPrefix(session string) string {
	return keyPrefix + session + "/"
}

// Register stores peer with a TTL lease and keeps renewing it in the
// background until Deregister or Close.
func (r *EtcdRegistry) Register(ctx context.Context, session string, peer Peer, ttl int64) error {
	if err := peer.validate(); err != nil {
		return err
	}

	// Create a TTL-based lease; if KeepAlive stops, the entry auto-expires.
	lease, err := r.client.Grant(ctx, ttl)
	if err != nil {
		return err
	}

	val, err := json.Marshal(peer)
	if err != nil {
		return err
	}

	key := peerKey(session, peer.ID)
	if _, err := r.client.Put(ctx, key, string(val), clientv3.WithLease(lease.ID)); err != nil {
		return err
	}

	// KeepAlive outlives the registration call, so it must not use ctx.
	ch, err := r.client.KeepAlive(context.Background(), lease.ID)
	if err != nil {
		return err
	}

	r.mu.Lock()
	r.leases[key] = lease.ID
	r.mu.Unlock()

	// Consume KeepAlive responses to prevent the channel from filling up
	go func() {
		for range ch {
		}
		r.logger.Debug("lease keepalive stopped", zap.String("key", key))
	}()
	return nil
}

// Deregister removes a peer and revokes its lease.
func (r *EtcdRegistry) Deregister(ctx context.Context, session string, id message.PeerID) error {
	key := peerKey(session, id)

	r.mu.Lock()
	lease, ok := r.leases[key]
	delete(r.leases, key)
	r.mu.Unlock()

	if ok {
		// Revoking the lease deletes the key and stops KeepAlive.
		if _, err := r.client.Revoke(ctx, lease); err == nil {
			return nil
		}
	}
	_, err := r.client.Delete(ctx, key)
	return err
}

// Watch monitors the session prefix and emits the updated peer list whenever
// something changes (registration, deregistration, lease expiry).
func (r *EtcdRegistry) Watch(ctx context.Context, session string) <-chan []Peer {
	ch := make(chan []Peer, 1)

	go func() {
		defer close(ch)
		watchChan := r.client.Watch(ctx, sessionPrefix(session), clientv3.WithPrefix())
		for resp := range watchChan {
			if err := resp.Err(); err != nil {
				r.logger.Warn("registry watch failed", zap.String("session", session), zap.Error(err))
				return
			}
			// Re-fetch the full list; simpler than applying individual events.
			peers, err := r.Discover(ctx, session)
			if err != nil {
				r.logger.Warn("registry discover failed", zap.String("session", session), zap.Error(err))
				continue
			}
			select {
			case ch <- peers:
			case <-ctx.Done():
				return
			}
		}
	}()

	return ch
}

// Discover returns the peers currently registered in session, ordered by id.
func (r *EtcdRegistry) Discover(ctx context.Context, session string) ([]Peer, error) {
	resp, err := r.client.Get(ctx, sessionPrefix(session), clientv3.WithPrefix())
	if err != nil {
		return nil, err
	}

	peers := make([]Peer, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		var peer Peer
		if err := json.Unmarshal(kv.Value, &peer); err != nil {
			r.logger.Debug("skipping malformed peer entry", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		peers = append(peers, peer)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers, nil
}

func (r *EtcdRegistry) Close() error {
	return r.client.Close()
}
