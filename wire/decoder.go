package wire

import (
	"encoding/binary"
	"math"

	"github.com/pkg/errors"
)

// Decoder reads little-endian fields from a byte slice. Every read is bounds
// checked and fails with ErrTruncated instead of panicking.
type Decoder struct {
	buf []byte
	pos int
}

// NewDecoder creates a decoder over data. The slice is not copied.
func NewDecoder(data []byte) *Decoder {
	return &Decoder{buf: data}
}

// Remaining returns the number of unread bytes.
func (d *Decoder) Remaining() int {
	return len(d.buf) - d.pos
}

// Done returns ErrMalformed if unread bytes remain.
func (d *Decoder) Done() error {
	if n := d.Remaining(); n != 0 {
		return errors.Wrapf(ErrMalformed, "%d trailing bytes", n)
	}
	return nil
}

func (d *Decoder) need(n int) error {
	if n < 0 || d.Remaining() < n {
		return errors.Wrapf(ErrTruncated, "need %d bytes at offset %d, have %d", n, d.pos, d.Remaining())
	}
	return nil
}

func (d *Decoder) ReadByte() (byte, error) {
	if err := d.need(1); err != nil {
		return 0, err
	}
	b := d.buf[d.pos]
	d.pos++
	return b, nil
}

// ReadBool reads a byte and rejects anything other than 0x00 and 0x01.
func (d *Decoder) ReadBool() (bool, error) {
	b, err := d.ReadByte()
	if err != nil {
		return false, err
	}
	switch b {
	case 0x00:
		return false, nil
	case 0x01:
		return true, nil
	default:
		return false, errors.Wrapf(ErrMalformed, "invalid bool 0x%02x", b)
	}
}

func (d *Decoder) ReadUint16() (uint16, error) {
	if err := d.need(2); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint16(d.buf[d.pos:])
	d.pos += 2
	return v, nil
}

func (d *Decoder) ReadUint32() (uint32, error) {
	if err := d.need(4); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint32(d.buf[d.pos:])
	d.pos += 4
	return v, nil
}

func (d *Decoder) ReadUint64() (uint64, error) {
	if err := d.need(8); err != nil {
		return 0, err
	}
	v := binary.LittleEndian.Uint64(d.buf[d.pos:])
	d.pos += 8
	return v, nil
}

func (d *Decoder) ReadFloat32() (float32, error) {
	v, err := d.ReadUint32()
	if err != nil {
		return 0, err
	}
	return math.Float32frombits(v), nil
}

// ReadBytes returns a copy of the next n bytes.
func (d *Decoder) ReadBytes(n int) ([]byte, error) {
	if err := d.need(n); err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, d.buf[d.pos:d.pos+n])
	d.pos += n
	return out, nil
}

// ReadString reads a u16 length-prefixed string.
func (d *Decoder) ReadString() (string, error) {
	n, err := d.ReadUint16()
	if err != nil {
		return "", err
	}
	if err := d.need(int(n)); err != nil {
		return "", err
	}
	s := string(d.buf[d.pos : d.pos+int(n)])
	d.pos += int(n)
	return s, nil
}

// ReadLenBytes reads a u32 length-prefixed byte slice.
func (d *Decoder) ReadLenBytes() ([]byte, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	if uint64(n) > uint64(d.Remaining()) {
		return nil, errors.Wrapf(ErrTruncated, "byte field declares %d bytes, have %d", n, d.Remaining())
	}
	return d.ReadBytes(int(n))
}
