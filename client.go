package netsync

import (
	"context"
	"net"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"

	"github.com/Zereker/netsync/assets"
	"github.com/Zereker/netsync/wire"
)

// Client is one player's side of a session. Connect negotiates with the
// host; Tick then sends the client's own entities and applies the host's
// broadcast. Tick must be called from a single goroutine.
type Client struct {
	conn     *Conn
	store    assets.Store
	state    *Synchronizer
	entities []uint32
	events   []Event
	inbox    chan inbound

	opts    options
	logger  Logger
	metrics *Metrics

	cancel  context.CancelFunc
	done    chan struct{}
	closing atomic.Bool
	err     error
	left    bool
}

// Connect dials the host, joins the session and downloads every resource
// store lacks. It returns once the client is ready to tick. A nil store
// keeps resources in memory.
func Connect(ctx context.Context, address string, store assets.Store, opt ...Option) (*Client, error) {
	opts, err := newOptions(opt)
	if err != nil {
		return nil, err
	}
	if store == nil {
		store = assets.NewMemStore()
	}
	if opts.entities == 0 {
		opts.entities = defaultEntities
	}

	conn, err := dial(ctx, address, opts)
	if err != nil {
		return nil, err
	}

	c := &Client{
		conn:    conn,
		store:   store,
		inbox:   make(chan inbound, opts.queueSize),
		opts:    opts,
		logger:  opts.logger,
		metrics: opts.metrics,
		done:    make(chan struct{}),
	}

	// Negotiation reads synchronously; closing the socket is how ctx aborts it.
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	err = c.negotiate(ctx)
	stop()
	if err != nil {
		conn.Close()
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, err
	}

	c.state = NewSynchronizer(conn.ID(), opts.logger, opts.metrics)
	for _, id := range c.entities {
		c.state.Claim(id, conn.ID())
	}

	c.logger.Info("joined session", "peer", conn.ID(), "host", conn.Name(), "addr", conn.Addr(), "entities", c.entities)

	runCtx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel
	go c.run(runCtx)

	return c, nil
}

func (c *Client) run(ctx context.Context) {
	defer close(c.done)

	err := c.conn.Run(ctx, func(_ *Conn, msg wire.Message) error {
		switch m := msg.(type) {
		case *wire.SnapshotBatch:
			select {
			case c.inbox <- inbound{kind: inboundBatch, peer: HostPeerID, snaps: m.Entities}:
				return nil
			case <-ctx.Done():
				return ctx.Err()
			}
		case *wire.Disconnect:
			return errors.WithMessagef(ErrPeerDisconnected, "%s", m.Reason)
		default:
			return errors.WithMessagef(ErrUnexpectedMessage, "%s after negotiation", m.Tag())
		}
	})
	if c.closing.Load() || errors.Is(err, ErrPeerDisconnected) || errors.Is(err, context.Canceled) {
		err = nil
	}
	c.err = err
}

// ID returns the peer id the host assigned.
func (c *Client) ID() PeerID {
	return c.conn.ID()
}

// Entities returns the entity ids this client owns.
func (c *Client) Entities() []uint32 {
	return c.entities
}

// Addr returns the host address.
func (c *Client) Addr() net.Addr {
	return c.conn.Addr()
}

// Done is closed when the connection to the host is gone.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

// Err returns why the connection ended, once Done is closed. It is nil
// when the host said goodbye or the client closed.
func (c *Client) Err() error {
	select {
	case <-c.done:
		return c.err
	default:
		return nil
	}
}

// Tick applies the host broadcasts received since the last tick, stores the
// client's own snapshots and sends them to the host. The first tick also
// reports the resources that had to be downloaded. Once the host is gone,
// a PeerLeft event is reported and the host's entities are frozen.
func (c *Client) Tick(ctx context.Context, local []wire.EntitySnapshot) (result TickResult, err error) {
	start := time.Now()
	_, span := c.opts.tracer.Start(ctx, "netsync.client.tick")
	defer func() { endSpan(span, err) }()

	result.Events, c.events = c.events, nil

	for n := len(c.inbox); n > 0; n-- {
		ev := <-c.inbox
		c.state.ApplyRelayed(ev.peer, ev.snaps)
	}

	if !c.left {
		select {
		case <-c.done:
			c.left = true
			orphaned := c.state.Orphan(HostPeerID)
			result.Events = append(result.Events, Event{Kind: PeerLeft, Peer: HostPeerID, Entities: orphaned, Err: c.err})
			c.logger.Info("host left", "error", c.err)
		default:
		}
	}

	c.state.SetLocal(local)

	if !c.left {
		err = c.conn.Send(&wire.SnapshotBatch{Entities: c.state.Local()})
		if err != nil && !errors.Is(err, ErrBufferFull) && !IsClosed(err) {
			return result, err
		}
		if err != nil {
			c.logger.Debug("snapshot not queued", "error", err)
			err = nil
		}
	}

	span.SetAttributes(attribute.Int("netsync.events", len(result.Events)))
	c.metrics.tick(start)

	result.Remote = c.state.Remote()
	return result, nil
}

// Close says goodbye to the host and waits for the connection to wind down.
func (c *Client) Close() error {
	if c.closing.Swap(true) {
		<-c.done
		return nil
	}
	err := c.conn.Disconnect(wire.ReasonNormal, "")
	c.cancel()
	<-c.done
	if IsClosed(err) {
		return nil
	}
	return err
}
