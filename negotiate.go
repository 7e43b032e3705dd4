package netsync

import (
	"context"

	"github.com/pkg/errors"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/time/rate"

	"github.com/Zereker/netsync/assets"
	"github.com/Zereker/netsync/wire"
)

// A session opens with a fixed exchange, all of it before the connection's
// read and write loops start:
//
//	client                         host
//	Handshake{name, n}        ->
//	                          <-   Handshake{peer id, n entity ids}
//	ManifestOffer{have}       ->
//	                          <-   ManifestOffer{missing}
//	ResourceRequest{name}     ->   (once per missing resource)
//	                          <-   ResourceChunk ... ResourceChunk{last}
//
// Snapshots flow only after the last missing resource has been sent.

// joined is what the host learned about a client during negotiation.
type joined struct {
	name     string
	entities []uint32
	served   []string
}

// negotiate runs the host side of the opening exchange on conn. The peer is
// registered once its handshake is accepted.
func (h *Host) negotiate(ctx context.Context, conn *Conn) (j joined, err error) {
	ctx, span := h.opts.tracer.Start(ctx, "netsync.negotiate",
		trace.WithSpanKind(trace.SpanKindServer),
		trace.WithAttributes(attribute.String("netsync.remote_addr", conn.Addr().String())),
	)
	defer func() { endSpan(span, err) }()

	hello, err := expect[*wire.Handshake](conn)
	if err != nil {
		return j, err
	}
	if hello.Version != wire.ProtocolVersion {
		_ = conn.Disconnect(wire.ReasonVersionMismatch, "")
		return j, errors.Wrapf(ErrVersionMismatch, "client speaks %d, host %d", hello.Version, wire.ProtocolVersion)
	}

	id := h.registry.Register(conn)
	conn.name = hello.Name
	j.name = hello.Name
	j.entities = h.registry.AllocateEntities(int(hello.Entities))
	span.SetAttributes(attribute.Int("netsync.peer", int(id)), attribute.Int("netsync.entities", len(j.entities)))

	err = conn.WriteMessage(&wire.Handshake{
		Version:   wire.ProtocolVersion,
		PeerID:    uint32(id),
		Name:      h.opts.name,
		Entities:  uint16(len(j.entities)),
		EntityIDs: j.entities,
	})
	if err != nil {
		return j, err
	}

	offer, err := expect[*wire.ManifestOffer](conn)
	if err != nil {
		return j, err
	}

	have, err := h.store.Manifest()
	if err != nil {
		return j, errors.Wrap(err, "read host manifest")
	}
	missing := have.Missing(assets.FromEntries(offer.Entries))
	if err = conn.WriteMessage(&wire.ManifestOffer{Entries: missing.Entries()}); err != nil {
		return j, err
	}
	span.SetAttributes(attribute.Int("netsync.missing", len(missing)))

	for len(missing) > 0 {
		req, err := expect[*wire.ResourceRequest](conn)
		if err != nil {
			return j, err
		}
		if _, ok := missing[req.Name]; !ok {
			_ = conn.Disconnect(wire.ReasonProtocol, "resource not offered")
			return j, errors.Wrapf(ErrUnexpectedMessage, "request for %q", req.Name)
		}
		if err = h.serve(ctx, conn, req.Name); err != nil {
			return j, err
		}
		delete(missing, req.Name)
		j.served = append(j.served, req.Name)
	}

	return j, nil
}

// serve streams one resource to conn, paced by the chunk rate.
func (h *Host) serve(ctx context.Context, conn *Conn, name string) error {
	h.metrics.resourceRequest()

	data, err := h.store.Get(name)
	if err != nil {
		_ = conn.Disconnect(wire.ReasonTransfer, "resource unavailable")
		return errors.Wrapf(err, "load %s", name)
	}

	chunks, err := assets.Split(name, data, h.opts.chunkSize, h.opts.compress)
	if err != nil {
		return err
	}

	limiter := rate.NewLimiter(h.opts.chunkRate, h.opts.maxFrameSize)
	for _, c := range chunks {
		if err = limiter.WaitN(ctx, len(c.Data)); err != nil {
			return err
		}
		if err = conn.WriteMessage(c); err != nil {
			h.metrics.transferFailed()
			return &TransferError{Kind: Incomplete, Resource: name, Err: err}
		}
		h.metrics.resourceChunk(len(c.Data))
	}

	h.logger.Debug("resource sent", "peer", conn.ID(), "resource", name, "bytes", len(data), "chunks", len(chunks))
	return nil
}

// negotiate runs the client side of the opening exchange. Every missing
// resource is downloaded, verified and stored before it returns.
func (c *Client) negotiate(ctx context.Context) (err error) {
	_, span := c.opts.tracer.Start(ctx, "netsync.negotiate",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("netsync.remote_addr", c.conn.Addr().String())),
	)
	defer func() { endSpan(span, err) }()

	err = c.conn.WriteMessage(&wire.Handshake{
		Version:  wire.ProtocolVersion,
		Name:     c.opts.name,
		Entities: uint16(c.opts.entities),
	})
	if err != nil {
		return err
	}

	reply, err := expect[*wire.Handshake](c.conn)
	if err != nil {
		return err
	}
	if reply.Version != wire.ProtocolVersion {
		return errors.Wrapf(ErrVersionMismatch, "host speaks %d, client %d", reply.Version, wire.ProtocolVersion)
	}
	c.conn.setID(PeerID(reply.PeerID))
	c.conn.name = reply.Name
	c.entities = reply.EntityIDs
	span.SetAttributes(attribute.Int("netsync.peer", int(reply.PeerID)))

	have, err := c.store.Manifest()
	if err != nil {
		return errors.Wrap(err, "read client manifest")
	}
	if err = c.conn.WriteMessage(&wire.ManifestOffer{Entries: have.Entries()}); err != nil {
		return err
	}

	offer, err := expect[*wire.ManifestOffer](c.conn)
	if err != nil {
		return err
	}
	missing := assets.FromEntries(offer.Entries)
	span.SetAttributes(attribute.Int("netsync.missing", len(missing)))

	for _, name := range missing.Names() {
		c.events = append(c.events, Event{Kind: ResourceMissing, Peer: HostPeerID, Resource: name})
	}

	for _, name := range missing.Names() {
		if err = c.fetch(name, missing[name]); err != nil {
			c.metrics.transferFailed()
			return err
		}
	}
	return nil
}

// fetch requests one resource and assembles it from its chunks.
func (c *Client) fetch(name string, want assets.Fingerprint) error {
	if !assets.ValidName(name) {
		return errors.Wrapf(assets.ErrInvalidName, "host offered %q", name)
	}

	c.metrics.resourceRequest()
	if err := c.conn.WriteMessage(&wire.ResourceRequest{Name: name}); err != nil {
		return &TransferError{Kind: Incomplete, Resource: name, Err: err}
	}

	asm := assets.NewAssembler(name, want)
	for {
		chunk, err := expect[*wire.ResourceChunk](c.conn)
		if err != nil {
			return &TransferError{Kind: Incomplete, Resource: name, Err: err}
		}
		c.metrics.resourceChunk(len(chunk.Data))

		done, err := asm.Add(chunk)
		if err != nil {
			return &TransferError{Kind: Corrupt, Resource: name, Err: err}
		}
		if done {
			break
		}
	}

	if err := c.store.Put(name, asm.Bytes()); err != nil {
		return errors.Wrapf(err, "store %s", name)
	}

	c.logger.Debug("resource received", "resource", name, "bytes", want.Size, "chunks", asm.Received())
	return nil
}

// expect receives the next message and requires it to be a T. A Disconnect
// from the peer becomes ErrPeerDisconnected.
func expect[T wire.Message](conn *Conn) (T, error) {
	var zero T

	msg, err := conn.Receive()
	if err != nil {
		return zero, err
	}

	switch m := msg.(type) {
	case T:
		return m, nil
	case *wire.Disconnect:
		conn.Close()
		if m.Reason == wire.ReasonVersionMismatch {
			return zero, errors.WithMessage(ErrVersionMismatch, "rejected by peer")
		}
		return zero, errors.WithMessagef(ErrPeerDisconnected, "%s: %s", m.Reason, m.Detail)
	default:
		_ = conn.Disconnect(wire.ReasonProtocol, "unexpected "+msg.Tag().String())
		return zero, errors.WithMessagef(ErrUnexpectedMessage, "got %s, want %s", msg.Tag(), zero.Tag())
	}
}
