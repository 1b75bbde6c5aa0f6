package broadcast

import (
	"io"
	"sync"

	"github.com/pkg/errors"
)

// MaxPeers is the size of the protocol id space: pid is a signed byte with
// -1 reserved for "self"/"system", leaving [0,128) for live peers.
const MaxPeers = 128

// ErrFull is returned by Join when all 128 peer ids are in use.
var ErrFull = errors.New("peer registry full")

// Registry tracks every live peer under one id, the unique-among-live-peers
// invariant enforced by a free-id stack handed out and reclaimed under a
// single mutex.
type Registry struct {
	mu    sync.RWMutex
	peers map[int8]*Peer
	free  []int8
}

// NewRegistry returns an empty registry with all 128 ids available.
func NewRegistry() *Registry {
	free := make([]int8, 0, MaxPeers)
	for i := MaxPeers - 1; i >= 0; i-- {
		free = append(free, int8(i))
	}
	return &Registry{peers: make(map[int8]*Peer, MaxPeers), free: free}
}

// Join allocates the next free id and registers conn under it.
func (r *Registry) Join(conn io.WriteCloser) (*Peer, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if len(r.free) == 0 {
		return nil, ErrFull
	}
	id := r.free[len(r.free)-1]
	r.free = r.free[:len(r.free)-1]
	p := newPeer(id, conn)
	r.peers[id] = p
	return p, nil
}

// Leave removes p from the registry and returns its id to the free pool. A
// peer already removed (e.g. evicted by a prior failed broadcast write) is
// a no-op.
func (r *Registry) Leave(p *Peer) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.peers[p.ID]; !ok {
		return
	}
	delete(r.peers, p.ID)
	r.free = append(r.free, p.ID)
}

// Snapshot returns every currently registered peer. Callers must not mutate
// the returned slice's backing peers' registry membership while iterating;
// Fabric.Broadcast/Fabric.Send handle eviction themselves after the
// snapshot is taken.
func (r *Registry) Snapshot() []*Peer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*Peer, 0, len(r.peers))
	for _, p := range r.peers {
		out = append(out, p)
	}
	return out
}

// Find returns the peer registered under id, if any.
func (r *Registry) Find(id int8) (*Peer, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.peers[id]
	return p, ok
}

// FindByUsername returns the peer whose Username matches name exactly
// (case-sensitive, matching the handshake-supplied name as given).
func (r *Registry) FindByUsername(name string) (*Peer, bool) {
	for _, p := range r.Snapshot() {
		if p.Username() == name {
			return p, true
		}
	}
	return nil, false
}

// Len reports the number of currently registered peers.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}
