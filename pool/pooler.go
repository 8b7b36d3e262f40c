package pool

import (
	"context"

	clusterkv "github.com/ice-blockchain/go-clusterkv"
)

// Pooler is the external contract a NodeRouter or executor uses to borrow
// and return connections to one cluster node, keeping callers decoupled
// from ConnectionPool's reconnection-probe internals (§6 External
// Interfaces).
type Pooler interface {
	// Acquire borrows a connection for the given role preference. Master
	// and Replica both try entries whose recorded role matches first and
	// then fall back to any other live entry; UnknownRole applies no
	// preference.
	Acquire(ctx context.Context, role Role) (*clusterkv.Connection, *ConnectionEntry, error)
	// Release returns a connection borrowed from Acquire.
	Release(entry *ConnectionEntry, conn *clusterkv.Connection)
	// Stats snapshots every entry's current Stats, keyed by address.
	Stats() map[string]Stats
	// Close shuts every entry's connections down and stops the
	// reconnection probes.
	Close()
	// CloseGraceful waits for in-flight acquisitions to drain before
	// shutting down, instead of closing immediately.
	CloseGraceful()
}
