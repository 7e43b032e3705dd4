package wire

import (
	"math"

	"github.com/pkg/errors"
	crunch "github.com/superwhiskers/crunch/v3"
)

const (
	// BatchHeaderSize is the size of the entity count prefix.
	BatchHeaderSize = 4
	// RecordSize is the size of one encoded EntitySnapshot: seven 4-byte fields.
	RecordSize = 28
)

// EntitySnapshot is the networked state of one entity at one tick.
type EntitySnapshot struct {
	ID       uint32
	PosX     float32
	PosY     float32
	VelX     float32
	VelY     float32
	Health   float32
	Sequence uint32
}

// Same reports whether s and o are bit-for-bit identical, which differs from
// == for NaN payloads and signed zeros.
func (s EntitySnapshot) Same(o EntitySnapshot) bool {
	return s.ID == o.ID && s.Sequence == o.Sequence &&
		math.Float32bits(s.PosX) == math.Float32bits(o.PosX) &&
		math.Float32bits(s.PosY) == math.Float32bits(o.PosY) &&
		math.Float32bits(s.VelX) == math.Float32bits(o.VelX) &&
		math.Float32bits(s.VelY) == math.Float32bits(o.VelY) &&
		math.Float32bits(s.Health) == math.Float32bits(o.Health)
}

// Validate rejects non-finite numbers and negative health.
func (s EntitySnapshot) Validate() error {
	for _, f := range [...]struct {
		name string
		v    float32
	}{
		{"pos_x", s.PosX}, {"pos_y", s.PosY},
		{"vel_x", s.VelX}, {"vel_y", s.VelY},
		{"health", s.Health},
	} {
		v := float64(f.v)
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return errors.Wrapf(ErrMalformed, "entity %d: %s is %v", s.ID, f.name, f.v)
		}
	}
	if s.Health < 0 {
		return errors.Wrapf(ErrMalformed, "entity %d: negative health %v", s.ID, s.Health)
	}
	return nil
}

// EncodeSnapshotBatch encodes entities as a count prefix followed by one
// fixed-size record per entity.
func EncodeSnapshotBatch(entities []EntitySnapshot) []byte {
	buf := crunch.NewBuffer(make([]byte, BatchHeaderSize+len(entities)*RecordSize))
	buf.WriteU32LENext([]uint32{uint32(len(entities))})
	for _, e := range entities {
		buf.WriteU32LENext([]uint32{e.ID})
		buf.WriteF32LENext([]float32{e.PosX, e.PosY, e.VelX, e.VelY, e.Health})
		buf.WriteU32LENext([]uint32{e.Sequence})
	}
	return buf.Bytes()
}

// DecodeSnapshotBatch decodes a payload produced by EncodeSnapshotBatch.
// It fails with ErrTruncated when data is shorter than the count implies and
// with ErrMalformed on trailing bytes or invalid field values.
func DecodeSnapshotBatch(data []byte) ([]EntitySnapshot, error) {
	if len(data) < BatchHeaderSize {
		return nil, errors.Wrapf(ErrTruncated, "batch header needs %d bytes, have %d", BatchHeaderSize, len(data))
	}

	buf := crunch.NewBuffer(data)
	count := buf.ReadU32LENext(1)[0]

	want := uint64(BatchHeaderSize) + uint64(count)*RecordSize
	switch {
	case uint64(len(data)) < want:
		return nil, errors.Wrapf(ErrTruncated, "batch of %d entities needs %d bytes, have %d", count, want, len(data))
	case uint64(len(data)) > want:
		return nil, errors.Wrapf(ErrMalformed, "%d trailing bytes after batch", uint64(len(data))-want)
	}

	entities := make([]EntitySnapshot, count)
	for i := range entities {
		id := buf.ReadU32LENext(1)[0]
		f := buf.ReadF32LENext(5)
		seq := buf.ReadU32LENext(1)[0]

		e := EntitySnapshot{
			ID:       id,
			PosX:     f[0],
			PosY:     f[1],
			VelX:     f[2],
			VelY:     f[3],
			Health:   f[4],
			Sequence: seq,
		}
		if err := e.Validate(); err != nil {
			return nil, err
		}
		entities[i] = e
	}

	return entities, nil
}
