// client_manager.go
// The Registry is the only shared mutable state in the relay. Handlers add and
// remove themselves; Broadcast only ever sees a copied Snapshot, so a client
// dropping out mid-broadcast cannot disturb the iteration.

package relay

import (
	"cmp"
	"slices"
	"sync"
)

// Peer is a registered connection as seen from the broadcast path.
type Peer interface {
	ID() string
	Send(message []byte) error
	Close(code int, reason string)
}

type registration struct {
	peer Peer
	seq  uint64
}

// Registry tracks the set of open connections keyed by id.
type Registry struct {
	mu     sync.RWMutex
	peers  map[string]registration
	seq    uint64
	closed bool
}

func NewRegistry() *Registry {
	return &Registry{peers: make(map[string]registration)}
}

// Add registers p. It fails if the id is taken or the registry was closed.
func (r *Registry) Add(p Peer) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return ErrRegistryClosed
	}
	if _, exists := r.peers[p.ID()]; exists {
		return ErrDuplicateID
	}
	r.seq++
	r.peers[p.ID()] = registration{peer: p, seq: r.seq}
	return nil
}

// Remove deletes id and reports whether it was present. Removing an unknown
// id is a no-op.
func (r *Registry) Remove(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.peers[id]; !exists {
		return false
	}
	delete(r.peers, id)
	return true
}

// Snapshot returns the registered peers in registration order. The slice is
// owned by the caller.
func (r *Registry) Snapshot() []Peer {
	r.mu.RLock()
	regs := make([]registration, 0, len(r.peers))
	for _, reg := range r.peers {
		regs = append(regs, reg)
	}
	r.mu.RUnlock()

	return inOrder(regs)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.peers)
}

// Close refuses further registrations, empties the set and hands back what
// was registered so the caller can shut it down.
func (r *Registry) Close() []Peer {
	r.mu.Lock()
	regs := make([]registration, 0, len(r.peers))
	for _, reg := range r.peers {
		regs = append(regs, reg)
	}
	r.peers = make(map[string]registration)
	r.closed = true
	r.mu.Unlock()

	return inOrder(regs)
}

func inOrder(regs []registration) []Peer {
	slices.SortFunc(regs, func(a, b registration) int {
		return cmp.Compare(a.seq, b.seq)
	})

	peers := make([]Peer, len(regs))
	for i, reg := range regs {
		peers[i] = reg.peer
	}
	return peers
}
