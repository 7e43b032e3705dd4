package netsync

import (
	"math/rand"
	"reflect"
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Zereker/netsync/wire"
)

func snap(id, seq uint32, x float32) wire.EntitySnapshot {
	return wire.EntitySnapshot{ID: id, PosX: x, Health: 100, Sequence: seq}
}

func TestSynchronizer_Apply(t *testing.T) {
	s := NewSynchronizer(HostPeerID, nil, nil)
	s.Claim(1, 7)

	if n := s.Apply(7, []wire.EntitySnapshot{snap(1, 1, 10)}); n != 1 {
		t.Fatalf("applied %d, want 1", n)
	}

	world := s.World()
	if len(world) != 1 || world[0].PosX != 10 {
		t.Errorf("World() = %+v", world)
	}
	if seq, _ := s.LastApplied(1); seq != 1 {
		t.Errorf("LastApplied = %d, want 1", seq)
	}
}

func TestSynchronizer_DuplicateSequence(t *testing.T) {
	metrics := NewMetrics(nil, "")
	s := NewSynchronizer(HostPeerID, nil, metrics)
	s.Claim(1, 7)

	s.Apply(7, []wire.EntitySnapshot{snap(1, 5, 10)})
	if n := s.Apply(7, []wire.EntitySnapshot{snap(1, 5, 99)}); n != 0 {
		t.Errorf("duplicate applied")
	}

	if got := s.World()[0].PosX; got != 10 {
		t.Errorf("PosX = %v after duplicate, want 10", got)
	}
	if got := testutil.ToFloat64(metrics.snapshotsDropped.WithLabelValues(dropStale)); got != 1 {
		t.Errorf("stale drops = %v, want 1", got)
	}
}

func TestSynchronizer_ReorderedNeverRegresses(t *testing.T) {
	s := NewSynchronizer(HostPeerID, nil, nil)
	s.Claim(1, 7)

	rng := rand.New(rand.NewSource(1))
	seqs := rng.Perm(200)

	var last uint32
	for _, seq := range seqs {
		s.Apply(7, []wire.EntitySnapshot{snap(1, uint32(seq), float32(seq))})

		applied, _ := s.LastApplied(1)
		if applied < last {
			t.Fatalf("applied sequence went from %d to %d", last, applied)
		}
		last = applied

		if got := s.World()[0]; got.Sequence != applied || got.PosX != float32(applied) {
			t.Fatalf("world holds %+v, last applied %d", got, applied)
		}
	}

	if last != 199 {
		t.Errorf("final sequence = %d, want 199", last)
	}
}

func TestSynchronizer_AuthorityIsolation(t *testing.T) {
	logger := &mockLogger{}
	metrics := NewMetrics(nil, "")
	s := NewSynchronizer(HostPeerID, logger, metrics)
	s.Claim(1, 1)
	s.Claim(2, 2)

	s.Apply(1, []wire.EntitySnapshot{snap(1, 1, 10)})
	if n := s.Apply(2, []wire.EntitySnapshot{snap(1, 2, 99), snap(2, 1, 20)}); n != 1 {
		t.Errorf("applied %d, want only peer 2's own entity", n)
	}

	world := s.World()
	if world[0].PosX != 10 || world[0].Sequence != 1 {
		t.Errorf("entity 1 changed by non-owner: %+v", world[0])
	}
	if world[1].PosX != 20 {
		t.Errorf("entity 2 = %+v", world[1])
	}
	if logger.count("warn") != 1 {
		t.Errorf("warnings = %d, want 1", logger.count("warn"))
	}
	if got := testutil.ToFloat64(metrics.snapshotsDropped.WithLabelValues(dropUnauthorized)); got != 1 {
		t.Errorf("unauthorized drops = %v, want 1", got)
	}
}

func TestSynchronizer_UnknownEntity(t *testing.T) {
	s := NewSynchronizer(HostPeerID, nil, nil)

	if n := s.Apply(1, []wire.EntitySnapshot{snap(42, 1, 0)}); n != 0 {
		t.Error("snapshot for unknown entity applied")
	}
	if len(s.World()) != 0 {
		t.Error("unknown entity entered the world")
	}
}

func TestSynchronizer_SetLocal(t *testing.T) {
	logger := &mockLogger{}
	s := NewSynchronizer(HostPeerID, logger, nil)
	s.Claim(1, HostPeerID)
	s.Claim(2, 5)

	s.SetLocal([]wire.EntitySnapshot{snap(1, 1, 3), snap(2, 1, 4)})

	if local := s.Local(); len(local) != 1 || local[0].ID != 1 {
		t.Errorf("Local() = %+v", local)
	}
	if remote := s.Remote(); len(remote) != 0 {
		t.Errorf("Remote() = %+v, want empty", remote)
	}
	if logger.count("warn") != 1 {
		t.Errorf("warnings = %d, want 1", logger.count("warn"))
	}
}

func TestSynchronizer_OrphanFreezes(t *testing.T) {
	s := NewSynchronizer(HostPeerID, nil, nil)
	s.Claim(1, 3)
	s.Claim(2, 3)
	s.Claim(3, 4)
	s.Apply(3, []wire.EntitySnapshot{snap(1, 1, 10), snap(2, 1, 20)})

	orphaned := s.Orphan(3)
	if !reflect.DeepEqual(orphaned, []uint32{1, 2}) {
		t.Fatalf("Orphan() = %v, want [1 2]", orphaned)
	}
	if !s.Orphaned(1) {
		t.Error("entity 1 not orphaned")
	}
	if _, ok := s.Owner(1); ok {
		t.Error("orphaned entity still has an owner")
	}
	if owner, _ := s.Owner(3); owner != 4 {
		t.Error("other peer's entity lost its owner")
	}

	if n := s.Apply(3, []wire.EntitySnapshot{snap(1, 2, 99)}); n != 0 {
		t.Error("orphaned entity accepted a snapshot")
	}
	if len(s.World()) != 2 || s.World()[0].PosX != 10 {
		t.Errorf("orphan not frozen: %+v", s.World())
	}
}

func TestSynchronizer_Adopt(t *testing.T) {
	s := NewSynchronizer(HostPeerID, nil, nil)
	s.Claim(1, 3)
	s.Apply(3, []wire.EntitySnapshot{snap(1, 50, 10)})
	s.Orphan(3)

	next, err := s.Adopt(1, 4)
	if err != nil {
		t.Fatalf("Adopt failed: %v", err)
	}
	if next != 51 {
		t.Errorf("next sequence = %d, want 51", next)
	}
	if _, err := s.Adopt(1, 4); err == nil {
		t.Error("adopting an owned entity succeeded")
	}

	// Restarting from 1 would move the entity backwards.
	if n := s.Apply(4, []wire.EntitySnapshot{snap(1, 1, 30)}); n != 0 {
		t.Error("snapshot behind the applied sequence accepted")
	}
	if seq, _ := s.LastApplied(1); seq != 50 {
		t.Errorf("LastApplied = %d after adopt, want 50", seq)
	}

	if n := s.Apply(4, []wire.EntitySnapshot{snap(1, next, 30)}); n != 1 {
		t.Error("new owner's snapshot not applied")
	}
	if got := s.World()[0]; got.PosX != 30 || got.Sequence != 51 {
		t.Errorf("world = %+v, want PosX 30 at sequence 51", got)
	}
}

func TestSynchronizer_SetLocalNeverRegresses(t *testing.T) {
	s := NewSynchronizer(HostPeerID, nil, nil)
	s.Claim(1, HostPeerID)

	s.SetLocal([]wire.EntitySnapshot{snap(1, 5, 10)})
	s.SetLocal([]wire.EntitySnapshot{snap(1, 2, 99)})
	s.SetLocal([]wire.EntitySnapshot{snap(1, 5, 98)})

	if got := s.Local()[0]; got.PosX != 10 || got.Sequence != 5 {
		t.Errorf("Local() = %+v, want the sequence 5 snapshot", got)
	}

	s.SetLocal([]wire.EntitySnapshot{snap(1, 6, 11)})
	if got := s.Local()[0]; got.PosX != 11 {
		t.Errorf("Local() = %+v, want the sequence 6 snapshot", got)
	}
}

func TestSynchronizer_ApplyRelayed(t *testing.T) {
	s := NewSynchronizer(2, nil, nil)
	s.Claim(5, 2)
	s.SetLocal([]wire.EntitySnapshot{snap(5, 9, 1)})

	n := s.ApplyRelayed(HostPeerID, []wire.EntitySnapshot{
		snap(1, 1, 10),
		snap(5, 100, 99), // our own entity echoed back
	})
	if n != 1 {
		t.Errorf("applied %d, want 1", n)
	}

	if owner, _ := s.Owner(1); owner != HostPeerID {
		t.Errorf("relayed entity owner = %d", owner)
	}
	if local := s.Local(); local[0].PosX != 1 {
		t.Errorf("own entity overwritten by relay: %+v", local[0])
	}

	if n = s.ApplyRelayed(HostPeerID, []wire.EntitySnapshot{snap(1, 1, 50)}); n != 0 {
		t.Error("duplicate relayed snapshot applied")
	}

	remote := s.Remote()
	if len(remote) != 1 || remote[0].ID != 1 || remote[0].PosX != 10 {
		t.Errorf("Remote() = %+v", remote)
	}
}

func TestSynchronizer_Remove(t *testing.T) {
	s := NewSynchronizer(HostPeerID, nil, nil)
	s.Claim(1, 3)
	s.Apply(3, []wire.EntitySnapshot{snap(1, 1, 10)})
	s.Orphan(3)

	s.Remove(1)

	if len(s.World()) != 0 || s.Orphaned(1) {
		t.Error("entity still present after Remove")
	}
}
