/*
store.go - Persistence interface for session state

PURPOSE:
  Defines the interface between the session service and durable storage.
  Session state is a single serialized document per slot: the store does not
  understand its shape, it only keeps the latest bytes under a key.

KEY INTERFACES:
  StateStore: Named-slot persistence (load, save, delete)

SLOT CONTRACT:
  - Save(): Replaces the whole slot atomically. No partial writes.
  - Load(): Returns ErrSlotNotFound when nothing was saved under the key.
  - Delete(): Idempotent; deleting a missing slot is not an error.

IMPLEMENTATIONS:
  - store/sqlite/sqlite.go: Default durable store
  - store/postgres/postgres.go: Shared database deployments
  - generic/store/memory.go: In-memory for testing

EXAMPLE:
  store := sqlite.New("./data/accident.db")
  err := store.Save(ctx, "accidente_calculadora_data", payload)

SEE ALSO:
  - accident/session.go: Best-effort load/save lifecycle on top of StateStore
*/
package generic

import "context"

// =============================================================================
// STATE STORE - Interface for slot persistence
// =============================================================================

// StateStore persists one opaque document per key.
type StateStore interface {
	// Load returns the latest payload saved under key, or ErrSlotNotFound.
	Load(ctx context.Context, key string) ([]byte, error)

	// Save replaces the payload under key.
	Save(ctx context.Context, key string, payload []byte) error

	// Delete removes the slot. Missing slots are ignored.
	Delete(ctx context.Context, key string) error
}
