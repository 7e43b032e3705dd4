// Package wire implements the binary encoding used between a netsync host
// and its clients.
//
// Every message travels in a frame:
//
//	┌──────────────────────────────┬───────────┬──────────────────────┐
//	│ Length (4 bytes, big-endian) │ Tag (1 B) │ Payload (Length - 1) │
//	└──────────────────────────────┴───────────┴──────────────────────┘
//
// The length covers the tag and payload. Payload fields are little-endian.
//
// # Tags
//
//   - TagHandshake (0): protocol version, peer id, entity id assignment
//   - TagManifestOffer (1): resource name → fingerprint list
//   - TagResourceRequest (2): request for one named resource
//   - TagResourceChunk (3): one bounded slice of a resource
//   - TagSnapshotBatch (4): entity snapshots for one tick
//   - TagDisconnect (5): graceful close with a reason
//
// # Snapshot records
//
// A SnapshotBatch payload is a 4-byte count followed by fixed-size records:
//
//	id u32 | pos_x f32 | pos_y f32 | vel_x f32 | vel_y f32 | health f32 | sequence u32
//
// Floats are stored as raw IEEE-754 bits so a decode of an encode is
// bit-exact.
package wire
