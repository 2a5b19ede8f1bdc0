package registry

import (
	"context"
	"sort"
	"sync"

	"github.com/Joy-less/RemSend-sub000/message"
)

// MemoryRegistry is an in-process Registry for tests and single-process
// sessions. TTLs are not enforced.
type MemoryRegistry struct {
	mu       sync.Mutex
	sessions map[string]map[message.PeerID]Peer
	watchers map[string][]chan []Peer
}

func NewMemoryRegistry() *MemoryRegistry {
	return &MemoryRegistry{
		sessions: make(map[string]map[message.PeerID]Peer),
		watchers: make(map[string][]chan []Peer),
	}
}

func (r *MemoryRegistry) Register(ctx context.Context, session string, peer Peer, ttl int64) error {
	if err := peer.validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	peers, ok := r.sessions[session]
	if !ok {
		peers = make(map[message.PeerID]Peer)
		r.sessions[session] = peers
	}
	peers[peer.ID] = peer
	r.notify(session)
	return nil
}

func (r *MemoryRegistry) Deregister(ctx context.Context, session string, id message.PeerID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.sessions[session][id]; ok {
		delete(r.sessions[session], id)
		r.notify(session)
	}
	return nil
}

func (r *MemoryRegistry) Discover(ctx context.Context, session string) ([]Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.list(session), nil
}

// Watch emits the latest list only; a slow reader skips intermediate states.
func (r *MemoryRegistry) Watch(ctx context.Context, session string) <-chan []Peer {
	ch := make(chan []Peer, 1)
	r.mu.Lock()
	r.watchers[session] = append(r.watchers[session], ch)
	r.mu.Unlock()

	go func() {
		<-ctx.Done()
		r.mu.Lock()
		defer r.mu.Unlock()
		ws := r.watchers[session]
		for i, w := range ws {
			if w == ch {
				r.watchers[session] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		close(ch)
	}()
	return ch
}

func (r *MemoryRegistry) Close() error {
	return nil
}

// list must be called with r.mu held.
func (r *MemoryRegistry) list(session string) []Peer {
	peers := make([]Peer, 0, len(r.sessions[session]))
	for _, p := range r.sessions[session] {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool { return peers[i].ID < peers[j].ID })
	return peers
}

// notify must be called with r.mu held.
func (r *MemoryRegistry) notify(session string) {
	peers := r.list(session)
	for _, ch := range r.watchers[session] {
		// Replace a stale, unread list with the current one.
		select {
		case <-ch:
		default:
		}
		ch <- peers
	}
}
