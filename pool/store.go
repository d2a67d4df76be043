/*
store.go - Persistence interface for the pool snapshot

PURPOSE:
  Defines the contract between the engine and the persistence
  collaborator. The engine only requires atomic whole-snapshot
  durability: Load once at startup, Save after every mutation that
  changed anything. Implementations may use SQLite, a flat file, or
  an embedded KV store without the engine noticing.

CONTRACT:
  - Save is called while the Gateway holds exclusivity, so it must be
    a fast local write, not a network round trip.
  - Save either persists the complete snapshot or fails with no
    partial effect; the Gateway maps failures to ErrIO and rolls the
    in-memory state back.
  - Load on an empty backing store returns an empty snapshot, not an
    error.

IMPLEMENTATIONS:
  - store/sqlite: Production SQLite store (whole-snapshot rewrite in
    one transaction)
  - store/memory: In-memory store for tests and dev, with fault
    injection

SEE ALSO:
  - gateway.go: The only caller
*/
package pool

import "context"

// Store persists and restores complete snapshots.
type Store interface {
	// Load returns the last saved snapshot, or an empty one if nothing
	// was ever saved.
	Load(ctx context.Context) (*Snapshot, error)

	// Save atomically replaces the persisted snapshot.
	Save(ctx context.Context, snap *Snapshot) error

	Close() error
}
