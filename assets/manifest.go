// Package assets tracks the resources (maps, weapon definitions) a peer has
// and moves missing ones between peers in bounded chunks.
package assets

import (
	"encoding/hex"
	"sort"

	"lukechampine.com/blake3"

	"github.com/Zereker/netsync/wire"
)

// Fingerprint identifies resource content by digest and size.
type Fingerprint struct {
	Digest [wire.DigestSize]byte
	Size   uint64
}

// FingerprintOf hashes data with BLAKE3-256.
func FingerprintOf(data []byte) Fingerprint {
	return Fingerprint{Digest: blake3.Sum256(data), Size: uint64(len(data))}
}

func (f Fingerprint) String() string {
	return hex.EncodeToString(f.Digest[:8])
}

// Manifest maps resource names to fingerprints.
type Manifest map[string]Fingerprint

// Add records a resource. Callers add only after a transfer was verified.
func (m Manifest) Add(name string, fp Fingerprint) {
	m[name] = fp
}

// Missing returns the entries of m that other lacks or holds with a
// different fingerprint.
func (m Manifest) Missing(other Manifest) Manifest {
	out := make(Manifest)
	for name, fp := range m {
		if have, ok := other[name]; !ok || have != fp {
			out[name] = fp
		}
	}
	return out
}

// Names returns the resource names in sorted order.
func (m Manifest) Names() []string {
	names := make([]string, 0, len(m))
	for name := range m {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Entries converts m to its wire form, sorted by name.
func (m Manifest) Entries() []wire.ManifestEntry {
	if len(m) == 0 {
		return nil
	}
	entries := make([]wire.ManifestEntry, 0, len(m))
	for _, name := range m.Names() {
		fp := m[name]
		entries = append(entries, wire.ManifestEntry{Name: name, Digest: fp.Digest, Size: fp.Size})
	}
	return entries
}

// FromEntries builds a manifest from its wire form. Later duplicates win.
func FromEntries(entries []wire.ManifestEntry) Manifest {
	m := make(Manifest, len(entries))
	for _, e := range entries {
		m[e.Name] = Fingerprint{Digest: e.Digest, Size: e.Size}
	}
	return m
}
