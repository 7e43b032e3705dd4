package netsync

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"syscall"
)

// Errors returned by connection and session operations.
var (
	// ErrConnectionClosed is returned when operating on a closed connection.
	ErrConnectionClosed = errors.New("connection closed")
	// ErrBufferFull is returned when the send queue cannot take another frame.
	// Sends are fire-and-forget, so callers normally log and drop.
	ErrBufferFull = errors.New("send buffer full")
	// ErrMessageTooLarge is returned when a frame exceeds the configured limit.
	ErrMessageTooLarge = errors.New("message too large")
	// ErrVersionMismatch is returned when the peer speaks another protocol version.
	ErrVersionMismatch = errors.New("protocol version mismatch")
	// ErrUnexpectedMessage is returned when a peer sends a message that is not
	// valid at this point of the session.
	ErrUnexpectedMessage = errors.New("unexpected message")
	// ErrPeerDisconnected is returned when the peer said goodbye with a
	// Disconnect message.
	ErrPeerDisconnected = errors.New("peer disconnected")
	// ErrInvalidChunkSize is returned when the chunk size cannot fit a frame.
	ErrInvalidChunkSize = errors.New("invalid chunk size")
)

// ConnectionErrorKind classifies a failed connection attempt.
type ConnectionErrorKind int

const (
	Unreachable ConnectionErrorKind = iota
	Timeout
	Refused
)

func (k ConnectionErrorKind) String() string {
	switch k {
	case Unreachable:
		return "unreachable"
	case Timeout:
		return "timeout"
	case Refused:
		return "refused"
	default:
		return fmt.Sprintf("ConnectionErrorKind(%d)", int(k))
	}
}

// ConnectionError is returned by Dial and Connect. It is fatal to the
// attempt; nothing retries automatically.
type ConnectionError struct {
	Kind ConnectionErrorKind
	Addr string
	Err  error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: %s: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IOErrorKind classifies a transport failure on an established connection.
type IOErrorKind int

const (
	ReadFailed IOErrorKind = iota
	WriteFailed
	ConnectionClosed
)

func (k IOErrorKind) String() string {
	switch k {
	case ReadFailed:
		return "read failed"
	case WriteFailed:
		return "write failed"
	case ConnectionClosed:
		return "connection closed"
	default:
		return fmt.Sprintf("IOErrorKind(%d)", int(k))
	}
}

// IOError reports a read or write failure. The peer is considered gone.
type IOError struct {
	Kind IOErrorKind
	Peer PeerID
	Err  error
}

func (e *IOError) Error() string {
	return fmt.Sprintf("peer %d: %s: %v", e.Peer, e.Kind, e.Err)
}

func (e *IOError) Unwrap() error { return e.Err }

// TransferErrorKind classifies a failed resource transfer.
type TransferErrorKind int

const (
	// Incomplete means the connection dropped before the last chunk.
	Incomplete TransferErrorKind = iota
	// Corrupt means the content did not match the announced fingerprint.
	Corrupt
)

func (k TransferErrorKind) String() string {
	switch k {
	case Incomplete:
		return "incomplete"
	case Corrupt:
		return "corrupt"
	default:
		return fmt.Sprintf("TransferErrorKind(%d)", int(k))
	}
}

// TransferError aborts negotiation. The resource restarts from its first
// chunk on the next connection attempt.
type TransferError struct {
	Kind     TransferErrorKind
	Resource string
	Err      error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("transfer %s: %s: %v", e.Resource, e.Kind, e.Err)
}

func (e *TransferError) Unwrap() error { return e.Err }

// IsClosed reports whether err means the connection is gone, as opposed to a
// single failed operation.
func IsClosed(err error) bool {
	var ioErr *IOError
	if errors.As(err, &ioErr) {
		return ioErr.Kind == ConnectionClosed
	}
	return errors.Is(err, ErrConnectionClosed)
}

func classifyDialError(addr string, err error) error {
	kind := Unreachable
	var netErr net.Error
	switch {
	case errors.Is(err, syscall.ECONNREFUSED):
		kind = Refused
	case errors.Is(err, context.DeadlineExceeded),
		errors.As(err, &netErr) && netErr.Timeout():
		kind = Timeout
	}
	return &ConnectionError{Kind: kind, Addr: addr, Err: err}
}

func isClosedError(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrUnexpectedEOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) ||
		errors.Is(err, syscall.EPIPE) ||
		errors.Is(err, ErrConnectionClosed)
}

func classifyReadError(peer PeerID, err error) error {
	kind := ReadFailed
	if isClosedError(err) {
		kind = ConnectionClosed
	}
	return &IOError{Kind: kind, Peer: peer, Err: err}
}

func classifyWriteError(peer PeerID, err error) error {
	kind := WriteFailed
	if errors.Is(err, net.ErrClosed) || errors.Is(err, ErrConnectionClosed) {
		kind = ConnectionClosed
	}
	return &IOError{Kind: kind, Peer: peer, Err: err}
}
