package wire

import (
	"fmt"

	"github.com/pkg/errors"
)

// ProtocolVersion is carried in every Handshake. Peers with different
// versions refuse each other.
const ProtocolVersion uint16 = 1

// DigestSize is the size of a resource content digest.
const DigestSize = 32

// Tag identifies the message variant carried in a frame.
type Tag uint8

const (
	TagHandshake       Tag = 0
	TagManifestOffer   Tag = 1
	TagResourceRequest Tag = 2
	TagResourceChunk   Tag = 3
	TagSnapshotBatch   Tag = 4
	TagDisconnect      Tag = 5
)

func (t Tag) String() string {
	switch t {
	case TagHandshake:
		return "Handshake"
	case TagManifestOffer:
		return "ManifestOffer"
	case TagResourceRequest:
		return "ResourceRequest"
	case TagResourceChunk:
		return "ResourceChunk"
	case TagSnapshotBatch:
		return "SnapshotBatch"
	case TagDisconnect:
		return "Disconnect"
	default:
		return fmt.Sprintf("Unknown(%d)", uint8(t))
	}
}

// Message is one of the wire variants below.
type Message interface {
	Tag() Tag
	encode(e *Encoder)
}

// Handshake opens a session. The client sends its name and how many entity
// ids it wants; the host answers with the peer id and entity ids it assigned.
type Handshake struct {
	Version   uint16
	PeerID    uint32
	Name      string
	Entities  uint16
	EntityIDs []uint32
}

func (*Handshake) Tag() Tag { return TagHandshake }

func (m *Handshake) encode(e *Encoder) {
	e.WriteUint16(m.Version)
	e.WriteUint32(m.PeerID)
	e.WriteString(m.Name)
	e.WriteUint16(m.Entities)
	e.WriteUint16(uint16(len(m.EntityIDs)))
	for _, id := range m.EntityIDs {
		e.WriteUint32(id)
	}
}

func decodeHandshake(d *Decoder) (*Handshake, error) {
	var (
		m   Handshake
		err error
	)
	if m.Version, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	if m.PeerID, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	if m.Name, err = d.ReadString(); err != nil {
		return nil, err
	}
	if m.Entities, err = d.ReadUint16(); err != nil {
		return nil, err
	}
	n, err := d.ReadUint16()
	if err != nil {
		return nil, err
	}
	if int(n)*4 > d.Remaining() {
		return nil, errors.Wrapf(ErrTruncated, "handshake declares %d entity ids", n)
	}
	if n > 0 {
		m.EntityIDs = make([]uint32, n)
		for i := range m.EntityIDs {
			if m.EntityIDs[i], err = d.ReadUint32(); err != nil {
				return nil, err
			}
		}
	}
	return &m, nil
}

// ManifestEntry is one resource fingerprint.
type ManifestEntry struct {
	Name   string
	Digest [DigestSize]byte
	Size   uint64
}

// ManifestOffer lists resources. Sent by the client to describe what it has
// and by the host to describe what the client is missing.
type ManifestOffer struct {
	Entries []ManifestEntry
}

func (*ManifestOffer) Tag() Tag { return TagManifestOffer }

func (m *ManifestOffer) encode(e *Encoder) {
	e.WriteUint32(uint32(len(m.Entries)))
	for _, entry := range m.Entries {
		e.WriteString(entry.Name)
		e.WriteBytes(entry.Digest[:])
		e.WriteUint64(entry.Size)
	}
}

func decodeManifestOffer(d *Decoder) (*ManifestOffer, error) {
	n, err := d.ReadUint32()
	if err != nil {
		return nil, err
	}
	// Smallest entry: empty name (2) + digest + size.
	if uint64(n)*(2+DigestSize+8) > uint64(d.Remaining()) {
		return nil, errors.Wrapf(ErrTruncated, "manifest declares %d entries", n)
	}
	m := &ManifestOffer{}
	if n > 0 {
		m.Entries = make([]ManifestEntry, n)
	}
	for i := range m.Entries {
		entry := &m.Entries[i]
		if entry.Name, err = d.ReadString(); err != nil {
			return nil, err
		}
		digest, err := d.ReadBytes(DigestSize)
		if err != nil {
			return nil, err
		}
		copy(entry.Digest[:], digest)
		if entry.Size, err = d.ReadUint64(); err != nil {
			return nil, err
		}
	}
	return m, nil
}

// ResourceRequest asks the host to stream one resource.
type ResourceRequest struct {
	Name string
}

func (*ResourceRequest) Tag() Tag { return TagResourceRequest }

func (m *ResourceRequest) encode(e *Encoder) {
	e.WriteString(m.Name)
}

func decodeResourceRequest(d *Decoder) (*ResourceRequest, error) {
	name, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	return &ResourceRequest{Name: name}, nil
}

// Chunk flags.
const (
	ChunkLast       uint8 = 1 << 0
	ChunkCompressed uint8 = 1 << 1
)

// ResourceChunk carries one slice of a resource. Index starts at zero and
// increases by one per chunk; the final chunk has Last set.
type ResourceChunk struct {
	Name       string
	Index      uint32
	Last       bool
	Compressed bool
	Data       []byte
}

func (*ResourceChunk) Tag() Tag { return TagResourceChunk }

func (m *ResourceChunk) encode(e *Encoder) {
	var flags uint8
	if m.Last {
		flags |= ChunkLast
	}
	if m.Compressed {
		flags |= ChunkCompressed
	}
	e.WriteString(m.Name)
	e.WriteUint32(m.Index)
	e.WriteByte(flags)
	e.WriteLenBytes(m.Data)
}

func decodeResourceChunk(d *Decoder) (*ResourceChunk, error) {
	var (
		m   ResourceChunk
		err error
	)
	if m.Name, err = d.ReadString(); err != nil {
		return nil, err
	}
	if m.Index, err = d.ReadUint32(); err != nil {
		return nil, err
	}
	flags, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	if flags&^(ChunkLast|ChunkCompressed) != 0 {
		return nil, errors.Wrapf(ErrMalformed, "unknown chunk flags 0x%02x", flags)
	}
	m.Last = flags&ChunkLast != 0
	m.Compressed = flags&ChunkCompressed != 0
	if m.Data, err = d.ReadLenBytes(); err != nil {
		return nil, err
	}
	return &m, nil
}

// SnapshotBatch carries entity snapshots for one tick.
type SnapshotBatch struct {
	Entities []EntitySnapshot
}

func (*SnapshotBatch) Tag() Tag { return TagSnapshotBatch }

func (m *SnapshotBatch) encode(e *Encoder) {
	e.WriteBytes(EncodeSnapshotBatch(m.Entities))
}

// DisconnectReason explains why a peer is leaving.
type DisconnectReason uint8

const (
	ReasonNormal DisconnectReason = iota
	ReasonShutdown
	ReasonVersionMismatch
	ReasonProtocol
	ReasonTransfer
)

func (r DisconnectReason) String() string {
	switch r {
	case ReasonNormal:
		return "normal"
	case ReasonShutdown:
		return "shutdown"
	case ReasonVersionMismatch:
		return "version mismatch"
	case ReasonProtocol:
		return "protocol violation"
	case ReasonTransfer:
		return "resource transfer failed"
	default:
		return fmt.Sprintf("reason(%d)", uint8(r))
	}
}

// Disconnect is the last message a peer sends before closing.
type Disconnect struct {
	Reason DisconnectReason
	Detail string
}

func (*Disconnect) Tag() Tag { return TagDisconnect }

func (m *Disconnect) encode(e *Encoder) {
	e.WriteByte(byte(m.Reason))
	e.WriteString(m.Detail)
}

func decodeDisconnect(d *Decoder) (*Disconnect, error) {
	reason, err := d.ReadByte()
	if err != nil {
		return nil, err
	}
	detail, err := d.ReadString()
	if err != nil {
		return nil, err
	}
	return &Disconnect{Reason: DisconnectReason(reason), Detail: detail}, nil
}

// Encode serializes m as a tag byte followed by its payload. The result is
// not framed; see AppendFrame. It fails with ErrTooLong when a string field
// exceeds 65535 bytes.
func Encode(m Message) ([]byte, error) {
	e := NewEncoder(64)
	e.WriteByte(byte(m.Tag()))
	m.encode(e)
	if err := e.Err(); err != nil {
		return nil, errors.WithMessagef(err, "encode %s", m.Tag())
	}
	return e.Bytes(), nil
}

// Decode parses a payload produced by Encode.
func Decode(data []byte) (Message, error) {
	d := NewDecoder(data)
	tag, err := d.ReadByte()
	if err != nil {
		return nil, err
	}

	var msg Message
	switch Tag(tag) {
	case TagHandshake:
		msg, err = decodeHandshake(d)
	case TagManifestOffer:
		msg, err = decodeManifestOffer(d)
	case TagResourceRequest:
		msg, err = decodeResourceRequest(d)
	case TagResourceChunk:
		msg, err = decodeResourceChunk(d)
	case TagSnapshotBatch:
		var entities []EntitySnapshot
		entities, err = DecodeSnapshotBatch(data[1:])
		if err == nil {
			return &SnapshotBatch{Entities: entities}, nil
		}
		return nil, err
	case TagDisconnect:
		msg, err = decodeDisconnect(d)
	default:
		return nil, errors.Wrapf(ErrMalformed, "unknown tag %d", tag)
	}
	if err != nil {
		return nil, errors.WithMessagef(err, "decode %s", Tag(tag))
	}
	if err := d.Done(); err != nil {
		return nil, errors.WithMessagef(err, "decode %s", Tag(tag))
	}
	return msg, nil
}
