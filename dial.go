package netsync

import (
	"context"
	"net"
)

// Dial connects to a host. It fails with a *ConnectionError classified as
// Unreachable, Timeout or Refused when the host is not available within the
// dial timeout. There is no automatic retry.
func Dial(ctx context.Context, address string, opt ...Option) (*Conn, error) {
	opts, err := newOptions(opt)
	if err != nil {
		return nil, err
	}
	return dial(ctx, address, opts)
}

func dial(ctx context.Context, address string, opts options) (*Conn, error) {
	ctx, cancel := context.WithTimeout(ctx, opts.dialTimeout)
	defer cancel()

	var d net.Dialer
	raw, err := d.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, classifyDialError(address, err)
	}

	if tcp, ok := raw.(*net.TCPConn); ok {
		_ = tcp.SetNoDelay(true)
	}

	opts.logger.Debug("connected", "addr", raw.RemoteAddr())
	return newConn(raw, RoleClient, opts), nil
}
