// Package netsync synchronizes entity state between one authoritative host
// and its clients over TCP.
//
// A host accepts clients, negotiates the resources they are missing, and then
// exchanges one SnapshotBatch per tick with every client. Each entity has a
// single owning peer; only the owner's snapshots are applied, and only when
// they are newer than what was applied before.
package netsync

import (
	"bufio"
	"context"
	"errors"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Zereker/netsync/wire"
)

// Role is the side of the session a connection belongs to.
type Role int

const (
	// RoleHost is a connection accepted by a host.
	RoleHost Role = iota
	// RoleClient is a connection dialed by a client.
	RoleClient
)

func (r Role) String() string {
	if r == RoleHost {
		return "host"
	}
	return "client"
}

// limitedReader wraps a reader and returns ErrMessageTooLarge when the limit is exceeded.
type limitedReader struct {
	r         io.Reader
	remaining int64
}

func newLimitedReader(r io.Reader, limit int64) *limitedReader {
	return &limitedReader{r: r, remaining: limit}
}

func (l *limitedReader) Read(p []byte) (n int, err error) {
	if l.remaining <= 0 {
		return 0, ErrMessageTooLarge
	}
	if int64(len(p)) > l.remaining {
		p = p[:l.remaining]
	}
	n, err = l.r.Read(p)
	l.remaining -= int64(n)
	return
}

// reset resets the limit counter for the next frame. The bufio.Reader
// underneath keeps its own buffered bytes across frames.
func (l *limitedReader) reset(limit int64) {
	l.remaining = limit
}

// Conn is one peer link. The host holds one Conn per client; a client holds
// a single Conn to the host.
//
// Before Run is called a Conn is used synchronously (Receive, WriteMessage)
// for the handshake and resource negotiation. Run then starts a read loop
// and a write loop; Send queues frames without blocking.
type Conn struct {
	rawConn       net.Conn
	reader        *bufio.Reader
	limitedReader *limitedReader
	logger        Logger
	metrics       *Metrics

	opts options

	id          atomic.Uint32
	role        Role
	name        string
	connectedAt time.Time
	lastSeq     atomic.Uint32

	writeMu sync.Mutex
	sendMsg chan []byte
	running atomic.Bool
	closed  atomic.Bool
}

func newConn(c net.Conn, role Role, opts options) *Conn {
	reader := bufio.NewReader(c)
	return &Conn{
		rawConn:       c,
		reader:        reader,
		limitedReader: newLimitedReader(reader, int64(opts.maxFrameSize+wire.FrameHeaderSize)),
		logger:        opts.logger,
		metrics:       opts.metrics,
		opts:          opts,
		role:          role,
		connectedAt:   time.Now(),
		sendMsg:       make(chan []byte, opts.bufferSize),
	}
}

// ID returns the peer id assigned by the registry, or by the host for a
// client's own connection.
func (c *Conn) ID() PeerID {
	return PeerID(c.id.Load())
}

func (c *Conn) setID(id PeerID) {
	c.id.Store(uint32(id))
}

// Role reports which side accepted or dialed the connection.
func (c *Conn) Role() Role {
	return c.role
}

// Name returns the name the remote peer announced in its handshake.
func (c *Conn) Name() string {
	return c.name
}

// ConnectedAt returns when the connection was established.
func (c *Conn) ConnectedAt() time.Time {
	return c.connectedAt
}

// LastReceivedSequence returns the highest snapshot sequence seen on this
// connection.
func (c *Conn) LastReceivedSequence() uint32 {
	return c.lastSeq.Load()
}

// Addr returns the remote address of the connection.
func (c *Conn) Addr() net.Addr {
	return c.rawConn.RemoteAddr()
}

// IsClosed returns true if the connection has been closed.
func (c *Conn) IsClosed() bool {
	return c.closed.Load()
}

// Close closes the connection and unblocks any pending read. Safe to call
// multiple times.
func (c *Conn) Close() error {
	if c.closed.Swap(true) {
		return nil
	}
	return c.rawConn.Close()
}

// Disconnect writes a Disconnect message and closes the connection. Frames
// still queued for the write loop are dropped.
func (c *Conn) Disconnect(reason wire.DisconnectReason, detail string) error {
	err := c.WriteMessage(&wire.Disconnect{Reason: reason, Detail: detail})
	c.Close()
	return err
}

// Receive blocks until one full frame has arrived and returns the decoded
// message. It fails with an *IOError when the stream breaks or the read
// timeout expires, and with a wire decode error when the frame is invalid.
// Either way the connection should be abandoned.
func (c *Conn) Receive() (wire.Message, error) {
	if c.closed.Load() {
		return nil, &IOError{Kind: ConnectionClosed, Peer: c.ID(), Err: ErrConnectionClosed}
	}

	_ = c.rawConn.SetReadDeadline(time.Now().Add(c.opts.readTimeout))
	c.limitedReader.reset(int64(c.opts.maxFrameSize + wire.FrameHeaderSize))

	msg, err := c.opts.codec.Decode(c.limitedReader)
	if err != nil {
		if wire.IsDecodeError(err) || errors.Is(err, ErrMessageTooLarge) {
			c.metrics.decodeError()
			c.logger.Warn("discarding undecodable frame", "peer", c.ID(), "addr", c.Addr(), "error", err)
			return nil, err
		}
		return nil, classifyReadError(c.ID(), err)
	}

	c.metrics.frameReceived(msg.Tag())
	if batch, ok := msg.(*wire.SnapshotBatch); ok {
		c.observe(batch)
	}
	return msg, nil
}

// observe records the highest sequence in batch. Only the reading goroutine
// calls it.
func (c *Conn) observe(batch *wire.SnapshotBatch) {
	last := c.lastSeq.Load()
	for _, e := range batch.Entities {
		if e.Sequence > last {
			last = e.Sequence
		}
	}
	c.lastSeq.Store(last)
}

// WriteMessage encodes and writes a message synchronously.
func (c *Conn) WriteMessage(msg wire.Message) error {
	if c.closed.Load() {
		return &IOError{Kind: ConnectionClosed, Peer: c.ID(), Err: ErrConnectionClosed}
	}

	frame, err := c.opts.codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.write(frame)
}

// Send encodes a message and queues it for the write loop without blocking.
//
// Returns:
//   - nil: the frame was queued (not yet sent)
//   - ErrBufferFull: the queue is full and the frame was dropped
//   - *IOError: the connection is closed
//   - encoding error: if the codec rejects the message
func (c *Conn) Send(msg wire.Message) error {
	frame, err := c.opts.codec.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendFrame(frame)
}

// SendFrame queues an already encoded frame. Hosts encode a broadcast once
// and hand the same frame to every connection.
func (c *Conn) SendFrame(frame []byte) error {
	if c.closed.Load() {
		return &IOError{Kind: ConnectionClosed, Peer: c.ID(), Err: ErrConnectionClosed}
	}

	select {
	case c.sendMsg <- frame:
		return nil
	default:
		c.metrics.sendDrop()
		return ErrBufferFull
	}
}

// SendBlocking queues a message, waiting for queue space until ctx is done.
func (c *Conn) SendBlocking(ctx context.Context, msg wire.Message) error {
	if c.closed.Load() {
		return &IOError{Kind: ConnectionClosed, Peer: c.ID(), Err: ErrConnectionClosed}
	}

	frame, err := c.opts.codec.Encode(msg)
	if err != nil {
		return err
	}

	select {
	case c.sendMsg <- frame:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run starts the read and write loops and blocks until one of them fails or
// ctx is canceled. Every decoded message is passed to onMessage on the read
// goroutine; a non-nil return stops the connection. The connection is
// closed when Run returns.
func (c *Conn) Run(ctx context.Context, onMessage func(*Conn, wire.Message) error) error {
	if !c.running.CompareAndSwap(false, true) {
		return errors.New("connection already running")
	}

	c.logger.Debug("connection loops started", "peer", c.ID(), "addr", c.Addr(),
		"role", c.role,
		"buffer_size", c.opts.bufferSize,
		"max_frame_size", c.opts.maxFrameSize,
		"read_timeout", c.opts.readTimeout)

	group, child := errgroup.WithContext(ctx)

	// Closing the socket is the only way to interrupt a blocked read.
	stop := context.AfterFunc(child, func() {
		_ = c.rawConn.Close()
	})
	defer stop()

	group.Go(func() error {
		return c.readLoop(child, onMessage)
	})

	group.Go(func() error {
		return c.writeLoop(child)
	})

	err := group.Wait()
	c.closeConn()

	switch {
	case err == nil, errors.Is(err, context.Canceled):
		c.logger.Info("connection closed", "peer", c.ID(), "addr", c.Addr())
	case errors.Is(err, ErrPeerDisconnected):
		c.logger.Info("connection closed by peer", "peer", c.ID(), "addr", c.Addr(), "reason", err.Error())
	default:
		c.logger.Info("connection closed with error", "peer", c.ID(), "addr", c.Addr(), "error", err)
	}

	return err
}

// readLoop receives messages until the connection fails or onMessage
// returns an error.
func (c *Conn) readLoop(ctx context.Context, onMessage func(*Conn, wire.Message) error) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
			msg, err := c.Receive()
			if err != nil {
				c.logger.Debug("read error", "peer", c.ID(), "addr", c.Addr(), "error", err)
				return err
			}

			if err = onMessage(c, msg); err != nil {
				return err
			}
		}
	}
}

// writeLoop drains the send queue into the connection.
func (c *Conn) writeLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case data := <-c.sendMsg:
			if err := c.write(data); err != nil {
				c.logger.Debug("write error", "peer", c.ID(), "addr", c.Addr(), "error", err)
				return err
			}
		}
	}
}

// write sends one frame under the write deadline. net.Conn.Write only
// returns early with an error, so a nil error means the whole frame went out.
func (c *Conn) write(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	_ = c.rawConn.SetWriteDeadline(time.Now().Add(c.opts.writeTimeout))

	if _, err := c.rawConn.Write(data); err != nil {
		return classifyWriteError(c.ID(), err)
	}

	if len(data) > wire.FrameHeaderSize {
		c.metrics.frameSent(wire.Tag(data[wire.FrameHeaderSize]), len(data))
	}
	return nil
}

// closeConn marks the connection as closed and closes the underlying socket.
func (c *Conn) closeConn() {
	c.closed.Store(true)
	c.rawConn.Close()
}
