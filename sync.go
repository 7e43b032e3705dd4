package netsync

import (
	"slices"

	"github.com/pkg/errors"

	"github.com/Zereker/netsync/wire"
)

// Synchronizer holds the world view of one peer and decides which snapshots
// may change it.
//
// Every entity has one owner. A snapshot is applied only when it comes from
// the entity's owner and its sequence is strictly greater than the last one
// applied. Entities of a departed peer are orphaned: they stay in the world
// with their last state and accept no snapshots until adopted.
//
// A Synchronizer is not safe for concurrent use. Hosts and clients only touch
// it from Tick.
type Synchronizer struct {
	self    PeerID
	logger  Logger
	metrics *Metrics

	owners   map[uint32]PeerID
	orphaned map[uint32]PeerID
	world    map[uint32]wire.EntitySnapshot
	applied  map[uint32]uint32
}

// NewSynchronizer returns an empty world view for peer self.
func NewSynchronizer(self PeerID, logger Logger, metrics *Metrics) *Synchronizer {
	if logger == nil {
		logger = defaultLogger()
	}
	return &Synchronizer{
		self:     self,
		logger:   logger,
		metrics:  metrics,
		owners:   make(map[uint32]PeerID),
		orphaned: make(map[uint32]PeerID),
		world:    make(map[uint32]wire.EntitySnapshot),
		applied:  make(map[uint32]uint32),
	}
}

// Self returns the peer this world view belongs to.
func (s *Synchronizer) Self() PeerID {
	return s.self
}

// Claim records owner as the authority for an entity.
func (s *Synchronizer) Claim(id uint32, owner PeerID) {
	delete(s.orphaned, id)
	s.owners[id] = owner
}

// Owner returns the owner of an entity. Orphaned and unknown entities have none.
func (s *Synchronizer) Owner(id uint32) (PeerID, bool) {
	owner, ok := s.owners[id]
	return owner, ok
}

// Orphaned reports whether an entity lost its owner.
func (s *Synchronizer) Orphaned(id uint32) bool {
	_, ok := s.orphaned[id]
	return ok
}

// LastApplied returns the sequence of the snapshot currently in the world.
func (s *Synchronizer) LastApplied(id uint32) (uint32, bool) {
	seq, ok := s.applied[id]
	return seq, ok
}

// SetLocal stores snapshots of entities this peer owns. Snapshots for
// entities owned by someone else are rejected. Like remote snapshots, a
// local one only replaces the stored state when its sequence is newer.
func (s *Synchronizer) SetLocal(snaps []wire.EntitySnapshot) {
	for _, snap := range snaps {
		if owner, ok := s.owners[snap.ID]; !ok || owner != s.self {
			s.metrics.dropped(dropUnauthorized)
			s.logger.Warn("ignoring local snapshot for entity owned elsewhere",
				"entity", snap.ID, "owner", owner, "known", ok)
			continue
		}
		if last, ok := s.applied[snap.ID]; ok && snap.Sequence <= last {
			if snap.Sequence < last {
				s.logger.Debug("ignoring local snapshot behind applied sequence",
					"entity", snap.ID, "sequence", snap.Sequence, "applied", last)
			}
			continue
		}
		s.world[snap.ID] = snap
		s.applied[snap.ID] = snap.Sequence
	}
}

// Apply merges snapshots received from peer from. It returns how many were
// applied. Snapshots from a non-owner are logged and dropped; stale and
// duplicate snapshots are dropped silently.
func (s *Synchronizer) Apply(from PeerID, snaps []wire.EntitySnapshot) int {
	n := 0
	for _, snap := range snaps {
		owner, ok := s.owners[snap.ID]
		if !ok {
			if _, orphan := s.orphaned[snap.ID]; orphan {
				s.metrics.dropped(dropOrphaned)
			} else {
				s.metrics.dropped(dropUnknown)
				s.logger.Debug("ignoring snapshot for unknown entity", "peer", from, "entity", snap.ID)
			}
			continue
		}

		if owner != from {
			s.metrics.dropped(dropUnauthorized)
			s.logger.Warn("ignoring snapshot from non-owner",
				"peer", from, "entity", snap.ID, "owner", owner)
			continue
		}

		if s.store(snap) {
			n++
		}
	}
	s.metrics.applied(n)
	return n
}

// ApplyRelayed merges a batch relayed by the host. The host is trusted for
// every entity except the ones this peer owns, which it ignores. Entities
// first seen here are recorded as owned by the relaying peer.
func (s *Synchronizer) ApplyRelayed(from PeerID, snaps []wire.EntitySnapshot) int {
	n := 0
	for _, snap := range snaps {
		if owner, ok := s.owners[snap.ID]; ok && owner == s.self {
			continue
		}
		if _, orphan := s.orphaned[snap.ID]; orphan {
			s.metrics.dropped(dropOrphaned)
			continue
		}

		s.owners[snap.ID] = from
		if s.store(snap) {
			n++
		}
	}
	s.metrics.applied(n)
	return n
}

// store writes snap into the world if it is newer than what was applied.
func (s *Synchronizer) store(snap wire.EntitySnapshot) bool {
	if last, ok := s.applied[snap.ID]; ok && snap.Sequence <= last {
		s.metrics.dropped(dropStale)
		return false
	}
	s.world[snap.ID] = snap
	s.applied[snap.ID] = snap.Sequence
	return true
}

// Orphan releases every entity owned by peer and returns their ids in
// ascending order. The entities stay in the world, frozen.
func (s *Synchronizer) Orphan(peer PeerID) []uint32 {
	var ids []uint32
	for id, owner := range s.owners {
		if owner != peer {
			continue
		}
		delete(s.owners, id)
		s.orphaned[id] = peer
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Adopt hands an orphaned entity to a new owner and returns the sequence
// the owner's next snapshot must carry. The applied sequence survives the
// handover, so every peer that saw the old owner's last snapshot accepts
// the new owner's next one.
func (s *Synchronizer) Adopt(id uint32, owner PeerID) (uint32, error) {
	if _, ok := s.orphaned[id]; !ok {
		return 0, errors.Errorf("entity %d is not orphaned", id)
	}
	delete(s.orphaned, id)
	s.owners[id] = owner
	return s.applied[id] + 1, nil
}

// Remove drops an entity from the world entirely.
func (s *Synchronizer) Remove(id uint32) {
	delete(s.owners, id)
	delete(s.orphaned, id)
	delete(s.world, id)
	delete(s.applied, id)
}

// World returns every entity in the world, ordered by id.
func (s *Synchronizer) World() []wire.EntitySnapshot {
	return s.collect(func(uint32) bool { return true })
}

// Remote returns every entity not owned by this peer, ordered by id.
func (s *Synchronizer) Remote() []wire.EntitySnapshot {
	return s.collect(func(id uint32) bool {
		owner, ok := s.owners[id]
		return !ok || owner != s.self
	})
}

// Local returns the entities this peer owns, ordered by id.
func (s *Synchronizer) Local() []wire.EntitySnapshot {
	return s.collect(func(id uint32) bool {
		owner, ok := s.owners[id]
		return ok && owner == s.self
	})
}

func (s *Synchronizer) collect(keep func(uint32) bool) []wire.EntitySnapshot {
	out := make([]wire.EntitySnapshot, 0, len(s.world))
	for id, snap := range s.world {
		if keep(id) {
			out = append(out, snap)
		}
	}
	slices.SortFunc(out, func(a, b wire.EntitySnapshot) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
