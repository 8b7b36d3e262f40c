// Package pool implements the per-node connection pool described in §4.B:
// a bounded set of ConnectionEntry objects (§4.A), health-based freeze, and
// an automatic reconnection probe.
package pool

import (
	"sync"
	"sync/atomic"

	clusterkv "github.com/ice-blockchain/go-clusterkv"
)

// Role identifies whether an entry's node is currently acting as a master
// or a replica, per the cluster's topology.
type Role int

const (
	UnknownRole Role = iota
	Master
	Replica
)

func (r Role) String() string {
	switch r {
	case Master:
		return "master"
	case Replica:
		return "replica"
	default:
		return "unknown"
	}
}

// FreezeReason distinguishes why an entry is excluded from acquisition
// (§3 ConnectionEntry attributes, invariant I2).
type FreezeReason int

const (
	FreezeNone FreezeReason = iota
	// FreezeSystem is set on administrative/shutdown-driven freeze. A
	// master under FreezeSystem still accepts acquisitions (§4.B
	// master-specific rule) -- deliberately preserved, see DESIGN.md.
	FreezeSystem
	FreezeReconnect
	FreezeManual
)

func (r FreezeReason) String() string {
	switch r {
	case FreezeSystem:
		return "system-shutdown"
	case FreezeReconnect:
		return "reconnect"
	case FreezeManual:
		return "manual"
	default:
		return "none"
	}
}

// ConnectionEntry tracks one remote endpoint: its live connection set,
// in-flight count, failed-attempt counter, and freeze state (§4.A). All
// counter and freeze mutations happen under entry.mu -- never under the
// owning pool's lock (§5: "freeze transitions require a CAS or a mutex on
// the entry — never on the pool").
type ConnectionEntry struct {
	Addr   string
	Dialer clusterkv.Dialer

	mu   sync.Mutex
	role Role

	available []*clusterkv.Connection
	inUse     int
	maxConns  int
	minIdle   int

	frozen       bool
	freezeReason FreezeReason

	failedAttempts uint32
	threshold      uint32
}

// NewConnectionEntry builds an entry in the live, unfrozen state.
func NewConnectionEntry(addr string, dialer clusterkv.Dialer, role Role, maxConns, minIdle int, threshold uint32) *ConnectionEntry {
	return &ConnectionEntry{
		Addr:      addr,
		Dialer:    dialer,
		role:      role,
		maxConns:  maxConns,
		minIdle:   minIdle,
		threshold: threshold,
	}
}

// Role returns the entry's current role.
func (e *ConnectionEntry) Role() Role {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.role
}

// SetRole updates the entry's role, e.g. after topology informs the pool
// a replica was promoted.
func (e *ConnectionEntry) SetRole(role Role) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.role = role
}

// TryAcquire atomically checks failed-attempts < threshold and pool
// headroom, then increments in-use-count and returns true; otherwise it
// returns false with no state change (§4.A try-acquire).
//
// A master frozen for FreezeSystem is still eligible (§4.B master-specific
// rule): a master under administrative freeze must still accept routed
// writes until topology change completes.
func (e *ConnectionEntry) TryAcquire() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.frozen && !(e.role == Master && e.freezeReason == FreezeSystem) {
		return false
	}
	if atomic.LoadUint32(&e.failedAttempts) >= e.threshold {
		return false
	}
	if e.inUse+len(e.available) >= e.maxConns {
		return false
	}
	e.inUse++
	return true
}

// Poll removes and returns one idle connection from the available set
// without touching in-use-count, which try-acquire already reserved
// (§4.A poll). Returns (nil, false) if none are idle.
func (e *ConnectionEntry) Poll() (*clusterkv.Connection, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	n := len(e.available)
	for n > 0 {
		n--
		conn := e.available[n]
		e.available = e.available[:n]
		if conn.ConnectedNow() {
			return conn, true
		}
		// Stale entry found during poll; discard and keep looking.
	}
	return nil, false
}

// Release returns conn to the available set if still healthy; otherwise it
// is discarded and closed (§4.A release). Either way in-use-count is
// decremented, matching the contract that every acquired connection is
// released through exactly one of Release/ReleaseSlot on every exit path
// (§3 I6).
func (e *ConnectionEntry) Release(conn *clusterkv.Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.inUse--
	if e.inUse < 0 {
		e.inUse = 0
	}
	if conn != nil && conn.ConnectedNow() {
		e.available = append(e.available, conn)
	} else if conn != nil {
		conn.Close()
	}
}

// ReleaseSlot decrements in-use-count without returning a connection,
// used when a reservation from TryAcquire was never fulfilled (e.g. dial
// failed) (§4.A release-slot).
func (e *ConnectionEntry) ReleaseSlot() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inUse--
	if e.inUse < 0 {
		e.inUse = 0
	}
}

// AddIdle registers a freshly opened, healthy connection as available
// without affecting in-use-count. Used by warm-up (§4.B init-connections)
// to fill min-idle, outside any TryAcquire reservation.
func (e *ConnectionEntry) AddIdle(conn *clusterkv.Connection) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.available = append(e.available, conn)
}

// IncFailed increments the failed-attempts counter and returns the new
// value (§4.A inc-failed). The pool compares the return value against the
// threshold to decide whether to initiate quarantine.
func (e *ConnectionEntry) IncFailed() uint32 {
	return atomic.AddUint32(&e.failedAttempts, 1)
}

// ResetFailed resets the failed-attempts counter to zero -- a single
// write, satisfying the monotonic-between-resets guarantee §4.A relies on
// for lock-free readers.
func (e *ConnectionEntry) ResetFailed() {
	atomic.StoreUint32(&e.failedAttempts, 0)
}

// FailedAttempts returns the current counter value without synchronizing
// with in-flight freeze transitions; callers needing linearizable freeze
// state should check IsFrozen instead.
func (e *ConnectionEntry) FailedAttempts() uint32 {
	return atomic.LoadUint32(&e.failedAttempts)
}

// Threshold returns the configured failed-attempts-threshold.
func (e *ConnectionEntry) Threshold() uint32 { return e.threshold }

// MinIdle returns the configured min-idle-per-entry.
func (e *ConnectionEntry) MinIdle() int { return e.minIdle }

// Freeze sets frozen iff not already frozen, recording reason; idempotent
// per reason (§4.A freeze). Returns whether this call performed the
// transition.
func (e *ConnectionEntry) Freeze(reason FreezeReason) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.frozen {
		return false
	}
	e.frozen = true
	e.freezeReason = reason
	return true
}

// Unfreeze clears frozen state unconditionally. Only a successful
// reconnection probe or an explicit force-unfreeze may call this (§3
// ConnectionEntry lifecycle).
func (e *ConnectionEntry) Unfreeze() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.frozen = false
	e.freezeReason = FreezeNone
}

// IsFrozen reports the current freeze state and reason together, so
// callers never observe frozen=true with an inconsistent FreezeNone
// reason (§3 I2).
func (e *ConnectionEntry) IsFrozen() (bool, FreezeReason) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.frozen, e.freezeReason
}

// Stats is a point-in-time snapshot for health checks and tests exercising
// P2 (at-most-one-release) and P3 (freeze monotonicity).
type Stats struct {
	InUse     int
	Available int
	MaxConns  int
	Frozen    bool
	Reason    FreezeReason
	Failed    uint32
}

func (e *ConnectionEntry) Stats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Stats{
		InUse:     e.inUse,
		Available: len(e.available),
		MaxConns:  e.maxConns,
		Frozen:    e.frozen,
		Reason:    e.freezeReason,
		Failed:    atomic.LoadUint32(&e.failedAttempts),
	}
}

// CloseAll closes every idle connection and drops them from the available
// set. Used during pool shutdown.
func (e *ConnectionEntry) CloseAll() {
	e.mu.Lock()
	idle := e.available
	e.available = nil
	e.mu.Unlock()
	for _, conn := range idle {
		conn.Close()
	}
}
