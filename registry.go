package netsync

import (
	"slices"
	"sync"
)

// PeerID identifies a peer within a session.
type PeerID uint32

// HostPeerID is the id the host uses for itself. Clients are numbered from 1.
const HostPeerID PeerID = 0

// Registry tracks the active connections of a session and hands out peer and
// entity ids. Ids are monotonic and never reused until Reset.
type Registry struct {
	mu         sync.Mutex
	peers      map[PeerID]*Conn
	nextPeer   PeerID
	nextEntity uint32
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	r := &Registry{}
	r.Reset()
	return r
}

// Register assigns the next peer id to conn and makes it active.
func (r *Registry) Register(conn *Conn) PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	id := r.nextPeer
	r.nextPeer++
	r.peers[id] = conn
	conn.setID(id)
	return id
}

// Unregister removes a peer. Other peers keep their ids.
func (r *Registry) Unregister(id PeerID) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.peers[id]
	if ok {
		delete(r.peers, id)
	}
	return conn, ok
}

// Get returns the connection of an active peer.
func (r *Registry) Get(id PeerID) (*Conn, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	conn, ok := r.peers[id]
	return conn, ok
}

// ListActive returns the ids of the active peers in ascending order. The
// result is a copy and does not follow later changes.
func (r *Registry) ListActive() []PeerID {
	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]PeerID, 0, len(r.peers))
	for id := range r.peers {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Len returns the number of active peers.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.peers)
}

// AllocateEntities reserves n fresh entity ids.
func (r *Registry) AllocateEntities(n int) []uint32 {
	if n <= 0 {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	ids := make([]uint32, n)
	for i := range ids {
		ids[i] = r.nextEntity
		r.nextEntity++
	}
	return ids
}

// Reset forgets every peer and restarts id assignment. It starts a new session.
func (r *Registry) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.peers = make(map[PeerID]*Conn)
	r.nextPeer = HostPeerID + 1
	r.nextEntity = 1
}
