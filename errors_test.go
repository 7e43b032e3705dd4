package netsync

import (
	"context"
	"errors"
	"io"
	"net"
	"os"
	"syscall"
	"testing"

	pkgerrors "github.com/pkg/errors"
)

func TestClassifyDialError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want ConnectionErrorKind
	}{
		{"refused", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ECONNREFUSED)}, Refused},
		{"deadline", context.DeadlineExceeded, Timeout},
		{"net timeout", &net.OpError{Op: "dial", Err: os.ErrDeadlineExceeded}, Timeout},
		{"no such host", &net.DNSError{Err: "no such host", Name: "nowhere", IsNotFound: true}, Unreachable},
		{"unreachable", &net.OpError{Op: "dial", Err: os.NewSyscallError("connect", syscall.ENETUNREACH)}, Unreachable},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyDialError("host:1", tt.err)

			var connErr *ConnectionError
			if !errors.As(err, &connErr) {
				t.Fatalf("expected ConnectionError, got %T", err)
			}
			if connErr.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", connErr.Kind, tt.want)
			}
			if !errors.Is(err, tt.err) {
				t.Error("cause not wrapped")
			}
		})
	}
}

func TestClassifyReadError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want IOErrorKind
	}{
		{"eof", io.EOF, ConnectionClosed},
		{"unexpected eof", pkgerrors.Wrap(io.ErrUnexpectedEOF, "read frame payload"), ConnectionClosed},
		{"closed", net.ErrClosed, ConnectionClosed},
		{"reset", &net.OpError{Op: "read", Err: os.NewSyscallError("read", syscall.ECONNRESET)}, ConnectionClosed},
		{"timeout", &net.OpError{Op: "read", Err: os.ErrDeadlineExceeded}, ReadFailed},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := classifyReadError(3, tt.err)

			var ioErr *IOError
			if !errors.As(err, &ioErr) {
				t.Fatalf("expected IOError, got %T", err)
			}
			if ioErr.Kind != tt.want {
				t.Errorf("Kind = %v, want %v", ioErr.Kind, tt.want)
			}
			if ioErr.Peer != 3 {
				t.Errorf("Peer = %d, want 3", ioErr.Peer)
			}
		})
	}
}

func TestClassifyWriteError(t *testing.T) {
	if err := classifyWriteError(1, net.ErrClosed); !IsClosed(err) {
		t.Errorf("write on closed socket = %v, want closed", err)
	}

	err := classifyWriteError(1, &net.OpError{Op: "write", Err: os.ErrDeadlineExceeded})
	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Kind != WriteFailed {
		t.Errorf("expected WriteFailed, got %v", err)
	}
}

func TestIsClosed(t *testing.T) {
	if !IsClosed(ErrConnectionClosed) {
		t.Error("IsClosed(ErrConnectionClosed) = false")
	}
	if IsClosed(ErrBufferFull) {
		t.Error("IsClosed(ErrBufferFull) = true")
	}
	if IsClosed(nil) {
		t.Error("IsClosed(nil) = true")
	}
}

func TestErrorStrings(t *testing.T) {
	errs := []error{
		&ConnectionError{Kind: Timeout, Addr: "a:1", Err: context.DeadlineExceeded},
		&IOError{Kind: WriteFailed, Peer: 2, Err: io.ErrShortWrite},
		&TransferError{Kind: Corrupt, Resource: "map.bin", Err: errors.New("digest")},
	}
	for _, err := range errs {
		if err.Error() == "" {
			t.Errorf("%T has empty message", err)
		}
	}
}
