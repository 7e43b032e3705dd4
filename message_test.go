package netsync

import (
	"bytes"
	"reflect"
	"testing"
	"testing/iotest"

	"github.com/Zereker/netsync/wire"
)

func TestFrameCodec_RoundTrip(t *testing.T) {
	codec := NewFrameCodec(0)

	var buf bytes.Buffer
	msgs := []wire.Message{
		&wire.Handshake{Version: wire.ProtocolVersion, Name: "bob", Entities: 2},
		testBatch(1, 2, 3),
		&wire.Disconnect{Reason: wire.ReasonNormal},
	}
	for _, m := range msgs {
		frame, err := codec.Encode(m)
		if err != nil {
			t.Fatalf("Encode failed: %v", err)
		}
		buf.Write(frame)
	}

	r := iotest.HalfReader(&buf)
	for i, want := range msgs {
		got, err := codec.Decode(r)
		if err != nil {
			t.Fatalf("message %d: Decode failed: %v", i, err)
		}
		if !reflect.DeepEqual(got, want) {
			t.Errorf("message %d = %+v, want %+v", i, got, want)
		}
	}
}

func TestFrameCodec_EncodeTooLarge(t *testing.T) {
	codec := NewFrameCodec(64)

	if _, err := codec.Encode(testBatch(1, 2, 3)); err != ErrMessageTooLarge {
		t.Errorf("expected ErrMessageTooLarge, got %v", err)
	}
}
