package netsync

import (
	"context"
	"net"
	"slices"
	"sync"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Zereker/netsync/assets"
	"github.com/Zereker/netsync/wire"
)

// inboundKind says what a connection goroutine is reporting to the tick.
type inboundKind int

const (
	inboundJoin inboundKind = iota
	inboundLeave
	inboundBatch
)

// inbound is the single handoff between connection goroutines and the tick.
type inbound struct {
	kind     inboundKind
	peer     PeerID
	conn     *Conn
	name     string
	entities []uint32
	snaps    []wire.EntitySnapshot
	err      error
}

// TickResult is what a tick hands back to the game layer.
type TickResult struct {
	// Remote holds every entity this peer does not own, ordered by id.
	// Orphaned entities keep their last known state.
	Remote []wire.EntitySnapshot
	// Events happened since the previous tick, in order.
	Events []Event
}

// Host is the authoritative side of a session. It accepts clients in
// Serve and exchanges snapshots with them in Tick.
//
// Serve and the connection goroutines only queue what they receive; Tick
// must be called from a single goroutine, which owns the world view.
type Host struct {
	listener *Listener
	store    assets.Store
	registry *Registry
	state    *Synchronizer
	inbox    chan inbound

	opts    options
	logger  Logger
	metrics *Metrics

	wg     sync.WaitGroup
	done   chan struct{}
	mu     sync.Mutex
	conns  map[*Conn]struct{}
	joined map[PeerID]*Conn
	closed bool
}

// NewHost listens on address and serves resources from store. A nil store
// offers no resources.
func NewHost(address string, store assets.Store, opt ...Option) (*Host, error) {
	opts, err := newOptions(opt)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = assets.NewMemStore()
	}

	listener, err := listen(address, opts)
	if err != nil {
		return nil, errors.Wrap(err, "listen")
	}

	return &Host{
		listener: listener,
		store:    store,
		registry: NewRegistry(),
		state:    NewSynchronizer(HostPeerID, opts.logger, opts.metrics),
		inbox:    make(chan inbound, opts.queueSize),
		opts:     opts,
		logger:   opts.logger,
		metrics:  opts.metrics,
		done:     make(chan struct{}),
		conns:    make(map[*Conn]struct{}),
		joined:   make(map[PeerID]*Conn),
	}, nil
}

// Serve accepts clients until ctx is canceled or the host is closed. Each
// client is negotiated and then served on its own goroutines.
func (h *Host) Serve(ctx context.Context) error {
	h.logger.Info("host started", "addr", h.listener.Addr())

	for {
		conn, err := h.listener.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				h.logger.Info("host stopped", "addr", h.listener.Addr())
				return ctx.Err()
			}
			if errors.Is(err, net.ErrClosed) {
				h.logger.Info("host stopped", "addr", h.listener.Addr())
				return nil
			}
			return err
		}

		if !h.track(conn) {
			_ = conn.Disconnect(wire.ReasonShutdown, "")
			return nil
		}

		go func() {
			defer h.wg.Done()
			defer h.untrack(conn)
			h.handle(ctx, conn)
		}()
	}
}

// track records conn and counts its goroutine before Close can start
// waiting for it.
func (h *Host) track(conn *Conn) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return false
	}
	h.conns[conn] = struct{}{}
	h.wg.Add(1)
	return true
}

func (h *Host) untrack(conn *Conn) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.conns, conn)
}

// handle drives one client from negotiation to departure.
func (h *Host) handle(ctx context.Context, conn *Conn) {
	j, err := h.negotiate(ctx, conn)
	if err != nil {
		h.logger.Warn("negotiation failed", "addr", conn.Addr(), "error", err)
		h.release(conn)
		conn.Close()
		return
	}

	id := conn.ID()
	h.logger.Info("peer joined", "peer", id, "name", j.name, "addr", conn.Addr(),
		"entities", j.entities, "resources", len(j.served))

	if !h.post(ctx, inbound{kind: inboundJoin, peer: id, conn: conn, name: j.name, entities: j.entities}) {
		h.release(conn)
		conn.Close()
		return
	}

	err = conn.Run(ctx, func(c *Conn, msg wire.Message) error {
		switch m := msg.(type) {
		case *wire.SnapshotBatch:
			if !h.post(ctx, inbound{kind: inboundBatch, peer: c.ID(), snaps: m.Entities}) {
				return ErrConnectionClosed
			}
			return nil
		case *wire.Disconnect:
			return errors.WithMessagef(ErrPeerDisconnected, "%s", m.Reason)
		default:
			return errors.WithMessagef(ErrUnexpectedMessage, "%s after negotiation", m.Tag())
		}
	})

	h.release(conn)
	if errors.Is(err, ErrPeerDisconnected) {
		h.logger.Info("peer left", "peer", id, "name", j.name, "reason", err)
		err = nil
	} else {
		h.logger.Warn("peer lost", "peer", id, "name", j.name, "error", err)
	}
	h.post(ctx, inbound{kind: inboundLeave, peer: id, err: err})
}

// release unregisters conn if negotiation got as far as registering it.
func (h *Host) release(conn *Conn) {
	if registered, ok := h.registry.Get(conn.ID()); ok && registered == conn {
		h.registry.Unregister(conn.ID())
	}
}

// post hands an event to the tick. It blocks while the queue is full and
// gives up when the host shuts down.
func (h *Host) post(ctx context.Context, ev inbound) bool {
	select {
	case h.inbox <- ev:
		return true
	case <-ctx.Done():
		return false
	case <-h.done:
		return false
	}
}

// AllocateEntities reserves n entity ids owned by the host. Call it from the
// goroutine that calls Tick.
func (h *Host) AllocateEntities(n int) []uint32 {
	ids := h.registry.AllocateEntities(n)
	for _, id := range ids {
		h.state.Claim(id, HostPeerID)
	}
	return ids
}

// Adopt makes the host the owner of an orphaned entity and returns the
// sequence to put on its next local snapshot. Snapshots with a lower
// sequence are ignored. Call it from the goroutine that calls Tick.
func (h *Host) Adopt(id uint32) (uint32, error) {
	next, err := h.state.Adopt(id, HostPeerID)
	if err != nil {
		return 0, err
	}
	h.logger.Info("entity adopted", "entity", id, "next_sequence", next)
	return next, nil
}

// Tick runs one simulation step: it applies everything clients sent since
// the last tick, merges the host's own snapshots, and broadcasts the whole
// world to every client. Sends never block; a client whose queue is full
// misses this tick's batch.
func (h *Host) Tick(ctx context.Context, local []wire.EntitySnapshot) (result TickResult, err error) {
	start := time.Now()
	_, span := h.opts.tracer.Start(ctx, "netsync.host.tick")
	defer func() { endSpan(span, err) }()

	// Only this goroutine receives, so everything counted here is waiting.
	for n := len(h.inbox); n > 0; n-- {
		result.Events = h.apply(<-h.inbox, result.Events)
	}

	h.state.SetLocal(local)

	world := h.state.World()
	frame, err := h.opts.codec.Encode(&wire.SnapshotBatch{Entities: world})
	if err != nil {
		return result, errors.Wrapf(err, "encode world of %d entities", len(world))
	}

	h.mu.Lock()
	peers := make(map[PeerID]*Conn, len(h.joined))
	for id, conn := range h.joined {
		peers[id] = conn
	}
	h.mu.Unlock()

	for id, conn := range peers {
		if err := conn.SendFrame(frame); err != nil {
			h.logger.Debug("snapshot not queued", "peer", id, "error", err)
		}
	}

	span.SetAttributes(
		attribute.Int("netsync.peers", len(peers)),
		attribute.Int("netsync.entities", len(world)),
		attribute.Int("netsync.events", len(result.Events)),
	)
	h.metrics.peers(len(peers))
	h.metrics.tick(start)

	result.Remote = h.state.Remote()
	return result, nil
}

// apply folds one queued event into the world view.
func (h *Host) apply(ev inbound, events []Event) []Event {
	switch ev.kind {
	case inboundJoin:
		for _, id := range ev.entities {
			h.state.Claim(id, ev.peer)
		}
		h.mu.Lock()
		h.joined[ev.peer] = ev.conn
		h.mu.Unlock()
		events = append(events, Event{Kind: PeerJoined, Peer: ev.peer, Name: ev.name, Entities: ev.entities})
	case inboundLeave:
		h.mu.Lock()
		delete(h.joined, ev.peer)
		h.mu.Unlock()
		orphaned := h.state.Orphan(ev.peer)
		events = append(events, Event{Kind: PeerLeft, Peer: ev.peer, Entities: orphaned, Err: ev.err})
	case inboundBatch:
		h.state.Apply(ev.peer, ev.snaps)
	}
	return events
}

// Peers returns the ids of the clients that finished negotiating and have
// been reported by Tick as joined, in ascending order.
func (h *Host) Peers() []PeerID {
	h.mu.Lock()
	defer h.mu.Unlock()
	ids := make([]PeerID, 0, len(h.joined))
	for id := range h.joined {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Addr returns the address the host listens on.
func (h *Host) Addr() net.Addr {
	return h.listener.Addr()
}

// Close stops accepting, says goodbye to every client and waits for their
// goroutines to finish.
func (h *Host) Close() error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil
	}
	h.closed = true
	close(h.done)
	conns := make([]*Conn, 0, len(h.conns))
	for conn := range h.conns {
		conns = append(conns, conn)
	}
	h.mu.Unlock()

	err := h.listener.Close()
	for _, conn := range conns {
		_ = conn.Disconnect(wire.ReasonShutdown, "host closing")
	}

	h.wg.Wait()
	return err
}
