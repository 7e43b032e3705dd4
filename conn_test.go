package netsync

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"reflect"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/Zereker/netsync/wire"
)

// createTestTCPPair creates a connected pair of TCP connections for testing
func createTestTCPPair(t *testing.T) (*net.TCPConn, *net.TCPConn) {
	t.Helper()

	listener, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	if err != nil {
		t.Fatalf("failed to create listener: %v", err)
	}
	defer listener.Close()

	// Connect client in goroutine
	clientChan := make(chan *net.TCPConn, 1)
	errChan := make(chan error, 1)
	go func() {
		conn, err := net.DialTCP("tcp", nil, listener.Addr().(*net.TCPAddr))
		if err != nil {
			errChan <- err
			return
		}
		clientChan <- conn
	}()

	// Accept server side
	serverConn, err := listener.AcceptTCP()
	if err != nil {
		t.Fatalf("failed to accept: %v", err)
	}

	select {
	case clientConn := <-clientChan:
		return serverConn, clientConn
	case err := <-errChan:
		serverConn.Close()
		t.Fatalf("client dial failed: %v", err)
		return nil, nil
	case <-time.After(5 * time.Second):
		serverConn.Close()
		t.Fatal("timeout waiting for client connection")
		return nil, nil
	}
}

func testOptions(t *testing.T, opt ...Option) options {
	t.Helper()
	opts, err := newOptions(opt)
	if err != nil {
		t.Fatalf("newOptions failed: %v", err)
	}
	return opts
}

// createTestConnPair wraps both ends of a TCP pair in a Conn.
func createTestConnPair(t *testing.T, opt ...Option) (*Conn, *Conn) {
	t.Helper()

	serverConn, clientConn := createTestTCPPair(t)
	opts := testOptions(t, opt...)
	host := newConn(serverConn, RoleHost, opts)
	client := newConn(clientConn, RoleClient, opts)
	t.Cleanup(func() {
		host.Close()
		client.Close()
	})
	return host, client
}

func testBatch(seqs ...uint32) *wire.SnapshotBatch {
	batch := &wire.SnapshotBatch{}
	for i, seq := range seqs {
		batch.Entities = append(batch.Entities, wire.EntitySnapshot{
			ID:       uint32(i + 1),
			PosX:     10,
			PosY:     20,
			Health:   100,
			Sequence: seq,
		})
	}
	return batch
}

func TestNewConn(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer serverConn.Close()
	defer clientConn.Close()

	conn := newConn(serverConn, RoleHost, testOptions(t))

	if conn.rawConn != serverConn {
		t.Error("rawConn not set correctly")
	}
	if conn.Role() != RoleHost {
		t.Errorf("Role() = %v, want host", conn.Role())
	}
	if conn.ID() != HostPeerID {
		t.Errorf("ID() = %d before registration, want %d", conn.ID(), HostPeerID)
	}
	if conn.ConnectedAt().IsZero() {
		t.Error("ConnectedAt not set")
	}
	if cap(conn.sendMsg) != defaultBufferSize {
		t.Errorf("send queue capacity = %d, want %d", cap(conn.sendMsg), defaultBufferSize)
	}
	if conn.Addr().String() != clientConn.LocalAddr().String() {
		t.Errorf("Addr() = %v, want %v", conn.Addr(), clientConn.LocalAddr())
	}
}

func TestConn_WriteMessage_Receive(t *testing.T) {
	host, client := createTestConnPair(t)

	sent := testBatch(3, 7)
	if err := host.WriteMessage(sent); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	msg, err := client.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !reflect.DeepEqual(msg, sent) {
		t.Errorf("received %+v, want %+v", msg, sent)
	}
	if client.LastReceivedSequence() != 7 {
		t.Errorf("LastReceivedSequence() = %d, want 7", client.LastReceivedSequence())
	}
}

func TestConn_Receive_PartialWrites(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newConn(serverConn, RoleHost, testOptions(t))
	defer conn.Close()

	frame, err := wire.MarshalFrame(testBatch(1))
	if err != nil {
		t.Fatalf("MarshalFrame failed: %v", err)
	}
	go func() {
		for _, b := range frame {
			_, _ = clientConn.Write([]byte{b})
			time.Sleep(time.Millisecond)
		}
	}()

	msg, err := conn.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	if !reflect.DeepEqual(msg, testBatch(1)) {
		t.Errorf("received %+v", msg)
	}
}

func TestConn_Receive_ClosedMidFrame(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)

	conn := newConn(serverConn, RoleHost, testOptions(t, ReadTimeoutOption(2*time.Second)))
	defer conn.Close()

	header := make([]byte, wire.FrameHeaderSize)
	binary.BigEndian.PutUint32(header, 64)
	if _, err := clientConn.Write(append(header, byte(wire.TagSnapshotBatch))); err != nil {
		t.Fatalf("client write failed: %v", err)
	}
	clientConn.Close()

	start := time.Now()
	_, err := conn.Receive()

	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Kind != ConnectionClosed {
		t.Fatalf("expected IOError ConnectionClosed, got %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Receive took %v", elapsed)
	}
}

func TestConn_Close_UnblocksReceive(t *testing.T) {
	host, _ := createTestConnPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := host.Receive()
		done <- err
	}()

	time.Sleep(50 * time.Millisecond)
	if err := host.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}

	select {
	case err := <-done:
		if !IsClosed(err) {
			t.Errorf("expected closed error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Receive still blocked after Close")
	}

	if err := host.Close(); err != nil {
		t.Errorf("second Close returned %v", err)
	}
	if !host.IsClosed() {
		t.Error("IsClosed() = false after Close")
	}
}

func TestConn_Receive_Timeout(t *testing.T) {
	host, _ := createTestConnPair(t, ReadTimeoutOption(50*time.Millisecond))

	_, err := host.Receive()

	var ioErr *IOError
	if !errors.As(err, &ioErr) || ioErr.Kind != ReadFailed {
		t.Fatalf("expected IOError ReadFailed, got %v", err)
	}
}

func TestConn_Receive_DecodeError(t *testing.T) {
	metrics := NewMetrics(nil, "")
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newConn(serverConn, RoleHost, testOptions(t, MetricsOption(metrics)))
	defer conn.Close()

	frame := wire.AppendFrame(nil, []byte{0xee, 1, 2, 3})
	if _, err := clientConn.Write(frame); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	_, err := conn.Receive()
	if !errors.Is(err, wire.ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.decodeErrors); got != 1 {
		t.Errorf("decode errors = %v, want 1", got)
	}
}

func TestConn_Receive_FrameTooLarge(t *testing.T) {
	serverConn, clientConn := createTestTCPPair(t)
	defer clientConn.Close()

	conn := newConn(serverConn, RoleHost, testOptions(t))
	defer conn.Close()

	header := make([]byte, wire.FrameHeaderSize)
	binary.BigEndian.PutUint32(header, uint32(wire.DefaultMaxFrameSize+1))
	if _, err := clientConn.Write(header); err != nil {
		t.Fatalf("client write failed: %v", err)
	}

	_, err := conn.Receive()
	if !errors.Is(err, wire.ErrFrameTooLarge) {
		t.Fatalf("expected ErrFrameTooLarge, got %v", err)
	}
}

func TestConn_Send_BufferFull(t *testing.T) {
	metrics := NewMetrics(nil, "")
	host, _ := createTestConnPair(t, BufferSizeOption(1), MetricsOption(metrics))

	if err := host.Send(testBatch(1)); err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
	if err := host.Send(testBatch(2)); err != ErrBufferFull {
		t.Errorf("expected ErrBufferFull, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.sendDropped); got != 1 {
		t.Errorf("send drops = %v, want 1", got)
	}
}

func TestConn_Send_Closed(t *testing.T) {
	host, _ := createTestConnPair(t)
	host.Close()

	err := host.Send(testBatch(1))
	if !IsClosed(err) {
		t.Errorf("expected closed error, got %v", err)
	}
	if err := host.WriteMessage(testBatch(1)); !IsClosed(err) {
		t.Errorf("expected closed error from WriteMessage, got %v", err)
	}
}

func TestConn_Send_MessageTooLarge(t *testing.T) {
	host, _ := createTestConnPair(t, MessageMaxSize(128*1024), ChunkSizeOption(1024))

	seqs := make([]uint32, 128*1024/wire.RecordSize+1)
	if err := host.Send(testBatch(seqs...)); err != ErrMessageTooLarge {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}

func TestConn_SendBlocking(t *testing.T) {
	host, _ := createTestConnPair(t, BufferSizeOption(1))

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := host.SendBlocking(ctx, testBatch(1)); err != nil {
		t.Fatalf("first SendBlocking failed: %v", err)
	}
	if err := host.SendBlocking(ctx, testBatch(2)); err != context.DeadlineExceeded {
		t.Errorf("expected context.DeadlineExceeded, got %v", err)
	}
}

func TestConn_Run_ContextCanceled(t *testing.T) {
	host, _ := createTestConnPair(t)

	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- host.Run(ctx, func(*Conn, wire.Message) error { return nil })
	}()

	// Cancel context
	cancel()

	select {
	case err := <-done:
		if err != context.Canceled {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
	}

	if !host.IsClosed() {
		t.Error("connection not closed after Run returned")
	}
}

func TestConn_Run_ReadWrite(t *testing.T) {
	host, client := createTestConnPair(t)

	received := make(chan wire.Message, 1)
	done := make(chan error, 1)
	go func() {
		done <- host.Run(context.Background(), func(_ *Conn, msg wire.Message) error {
			received <- msg
			return nil
		})
	}()

	go func() {
		_ = client.Run(context.Background(), func(*Conn, wire.Message) error { return nil })
	}()

	if err := client.Send(testBatch(4)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	select {
	case msg := <-received:
		if !reflect.DeepEqual(msg, testBatch(4)) {
			t.Errorf("received %+v", msg)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for message")
	}

	// Closing the peer ends the host's read loop.
	client.Close()

	select {
	case err := <-done:
		if !IsClosed(err) {
			t.Errorf("expected closed error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
	}
}

func TestConn_Run_OnMessageError(t *testing.T) {
	host, client := createTestConnPair(t)

	stop := errors.New("stop")
	done := make(chan error, 1)
	go func() {
		done <- host.Run(context.Background(), func(*Conn, wire.Message) error { return stop })
	}()

	if err := client.WriteMessage(testBatch(1)); err != nil {
		t.Fatalf("WriteMessage failed: %v", err)
	}

	select {
	case err := <-done:
		if err != stop {
			t.Errorf("expected onMessage error, got %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timeout waiting for Run to complete")
	}
}

func TestConn_Run_Twice(t *testing.T) {
	host, _ := createTestConnPair(t)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		_ = host.Run(ctx, func(*Conn, wire.Message) error { return nil })
	}()
	time.Sleep(20 * time.Millisecond)

	if err := host.Run(ctx, func(*Conn, wire.Message) error { return nil }); err == nil {
		t.Error("expected error from second Run")
	}
}

func TestConn_Disconnect(t *testing.T) {
	host, client := createTestConnPair(t)

	if err := host.Disconnect(wire.ReasonShutdown, "bye"); err != nil {
		t.Fatalf("Disconnect failed: %v", err)
	}
	if !host.IsClosed() {
		t.Error("connection not closed after Disconnect")
	}

	msg, err := client.Receive()
	if err != nil {
		t.Fatalf("Receive failed: %v", err)
	}
	want := &wire.Disconnect{Reason: wire.ReasonShutdown, Detail: "bye"}
	if !reflect.DeepEqual(msg, want) {
		t.Errorf("received %+v, want %+v", msg, want)
	}

	if _, err := client.Receive(); !IsClosed(err) {
		t.Errorf("expected closed error after goodbye, got %v", err)
	}
}

func TestLimitedReader(t *testing.T) {
	r := newLimitedReader(&infiniteReader{}, 10)

	buf := make([]byte, 16)
	n, err := r.Read(buf)
	if err != nil || n != 10 {
		t.Fatalf("Read = %d, %v; want 10, nil", n, err)
	}
	if _, err = r.Read(buf); err != ErrMessageTooLarge {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}

	r.reset(4)
	if n, _ = r.Read(buf); n != 4 {
		t.Errorf("Read after reset = %d, want 4", n)
	}
}

type infiniteReader struct{}

func (infiniteReader) Read(p []byte) (int, error) {
	for i := range p {
		p[i] = 'x'
	}
	return len(p), nil
}

var _ io.Reader = infiniteReader{}
