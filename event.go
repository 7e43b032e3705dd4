package netsync

import "fmt"

// EventKind identifies a session event.
type EventKind int

const (
	// PeerJoined is reported when a peer finished negotiation and its
	// snapshots start being applied.
	PeerJoined EventKind = iota
	// PeerLeft is reported when a peer disconnected. Its entities are frozen.
	PeerLeft
	// ResourceMissing is reported by a client for every resource the host
	// had to send it.
	ResourceMissing
)

func (k EventKind) String() string {
	switch k {
	case PeerJoined:
		return "peer joined"
	case PeerLeft:
		return "peer left"
	case ResourceMissing:
		return "resource missing"
	default:
		return fmt.Sprintf("EventKind(%d)", int(k))
	}
}

// Event is handed to the game layer by Tick.
type Event struct {
	Kind EventKind
	Peer PeerID
	// Name is the peer name for join events.
	Name string
	// Resource is set for ResourceMissing.
	Resource string
	// Entities are the ids the peer owns on join, or the ids orphaned on leave.
	Entities []uint32
	// Err is why the peer left, if it did not say goodbye.
	Err error
}

func (e Event) String() string {
	switch e.Kind {
	case ResourceMissing:
		return fmt.Sprintf("%s: %s", e.Kind, e.Resource)
	case PeerLeft:
		if e.Err != nil {
			return fmt.Sprintf("%s: peer %d (%v)", e.Kind, e.Peer, e.Err)
		}
		fallthrough
	default:
		return fmt.Sprintf("%s: peer %d", e.Kind, e.Peer)
	}
}
