package netsync

import (
	"context"
	"errors"
	"net"
	"sync"
	"time"
)

// Listener accepts client connections for a host.
type Listener struct {
	listener *net.TCPListener
	logger   Logger
	opts     options

	mu     sync.Mutex
	closed bool
}

// Listen binds address (DefaultAddress if empty). Returns an error if the
// address cannot be bound.
func Listen(address string, opt ...Option) (*Listener, error) {
	opts, err := newOptions(opt)
	if err != nil {
		return nil, err
	}
	return listen(address, opts)
}

func listen(address string, opts options) (*Listener, error) {
	if address == "" {
		address = DefaultAddress
	}

	addr, err := net.ResolveTCPAddr("tcp", address)
	if err != nil {
		return nil, err
	}

	listener, err := net.ListenTCP("tcp", addr)
	if err != nil {
		return nil, err
	}

	opts.logger.Info("listening", "addr", listener.Addr())
	return &Listener{listener: listener, logger: opts.logger, opts: opts}, nil
}

// Accept blocks until a client connects, ctx is canceled, or the listener is
// closed. It may be called repeatedly to accept several clients.
func (l *Listener) Accept(ctx context.Context) (*Conn, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	_ = l.listener.SetDeadline(time.Time{})

	// A past deadline is what unblocks AcceptTCP when ctx is canceled.
	stop := context.AfterFunc(ctx, func() {
		_ = l.listener.SetDeadline(time.Now())
	})
	defer stop()

	for {
		conn, err := l.listener.AcceptTCP()
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			if l.isClosed() {
				return nil, net.ErrClosed
			}

			var netErr net.Error
			if errors.As(err, &netErr) && netErr.Timeout() {
				continue
			}
			l.logger.Error("accept error", "error", err)
			return nil, err
		}

		l.logger.Debug("accepted connection", "remote_addr", conn.RemoteAddr())
		_ = conn.SetNoDelay(true)
		return newConn(conn, RoleHost, l.opts), nil
	}
}

func (l *Listener) isClosed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}

// Close stops the listener. Any blocked Accept returns net.ErrClosed.
func (l *Listener) Close() error {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return nil
	}
	l.closed = true
	l.mu.Unlock()

	return l.listener.Close()
}

// Addr returns the listener's network address.
func (l *Listener) Addr() net.Addr {
	return l.listener.Addr()
}
