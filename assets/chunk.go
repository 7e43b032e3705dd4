package assets

import (
	"bytes"
	"io"

	"github.com/pierrec/lz4/v4"
	"github.com/pkg/errors"

	"github.com/Zereker/netsync/wire"
)

// DefaultChunkSize is the largest uncompressed slice of a resource carried
// by one ResourceChunk.
const DefaultChunkSize = 64 * 1024

var (
	// ErrUnexpectedChunk is returned for chunks that belong to another
	// resource, arrive out of order, or follow the last chunk.
	ErrUnexpectedChunk = errors.New("assets: unexpected chunk")
	// ErrCorrupt is returned when reassembled content does not match the
	// announced fingerprint.
	ErrCorrupt = errors.New("assets: content does not match fingerprint")
)

// Split cuts data into chunks of at most size bytes. Each chunk is lz4
// compressed when compress is set and compression makes it smaller. An
// empty resource still yields one chunk so the receiver sees Last.
func Split(name string, data []byte, size int, compress bool) ([]*wire.ResourceChunk, error) {
	if size <= 0 {
		size = DefaultChunkSize
	}

	n := (len(data) + size - 1) / size
	if n == 0 {
		n = 1
	}

	chunks := make([]*wire.ResourceChunk, 0, n)
	for i := 0; i < n; i++ {
		start := i * size
		end := min(start+size, len(data))

		c := &wire.ResourceChunk{
			Name:  name,
			Index: uint32(i),
			Last:  i == n-1,
			Data:  data[start:end],
		}
		if compress && len(c.Data) > 0 {
			packed, err := compressBlock(c.Data)
			if err != nil {
				return nil, errors.Wrapf(err, "compress %s chunk %d", name, i)
			}
			if len(packed) < len(c.Data) {
				c.Data = packed
				c.Compressed = true
			}
		}
		chunks = append(chunks, c)
	}
	return chunks, nil
}

func compressBlock(src []byte) ([]byte, error) {
	var buf bytes.Buffer
	zw := lz4.NewWriter(&buf)
	if _, err := zw.Write(src); err != nil {
		return nil, err
	}
	if err := zw.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompressBlock(src []byte, limit int64) ([]byte, error) {
	zr := lz4.NewReader(bytes.NewReader(src))
	// Read one byte past the limit so oversized content is detected.
	out, err := io.ReadAll(io.LimitReader(zr, limit+1))
	if err != nil {
		return nil, err
	}
	if int64(len(out)) > limit {
		return nil, errors.Wrapf(ErrCorrupt, "chunk expands beyond %d bytes", limit)
	}
	return out, nil
}

// Assembler reassembles one resource from its chunks and verifies it
// against the fingerprint the host announced.
type Assembler struct {
	name string
	want Fingerprint
	next uint32
	done bool
	buf  bytes.Buffer
}

// NewAssembler prepares to receive name with the expected fingerprint.
func NewAssembler(name string, want Fingerprint) *Assembler {
	return &Assembler{name: name, want: want}
}

// Add appends one chunk. It returns true once the last chunk has arrived and
// the content matches the expected fingerprint.
func (a *Assembler) Add(c *wire.ResourceChunk) (bool, error) {
	if a.done || c.Name != a.name || c.Index != a.next {
		return false, errors.Wrapf(ErrUnexpectedChunk, "%s: got %s chunk %d, want chunk %d", a.name, c.Name, c.Index, a.next)
	}

	remaining := int64(a.want.Size) - int64(a.buf.Len())
	data := c.Data
	if c.Compressed {
		var err error
		if data, err = decompressBlock(c.Data, remaining); err != nil {
			return false, errors.WithMessagef(err, "%s chunk %d", a.name, c.Index)
		}
	}
	if int64(len(data)) > remaining {
		return false, errors.Wrapf(ErrCorrupt, "%s: more than %d bytes received", a.name, a.want.Size)
	}

	a.buf.Write(data)
	a.next++

	if !c.Last {
		return false, nil
	}

	a.done = true
	if got := FingerprintOf(a.buf.Bytes()); got != a.want {
		return false, errors.Wrapf(ErrCorrupt, "%s: got %s/%d, want %s/%d", a.name, got, got.Size, a.want, a.want.Size)
	}
	return true, nil
}

// Bytes returns the content received so far.
func (a *Assembler) Bytes() []byte {
	return a.buf.Bytes()
}

// Received returns the number of chunks accepted.
func (a *Assembler) Received() uint32 {
	return a.next
}
