// Package batch implements the Batch Accumulator (§4.C): a slot-partitioned,
// concurrently-fillable container of Commands that the executor package
// later drains with one consumer per slot, all slots in parallel.
package batch

import (
	"sync"

	clusterkv "github.com/ice-blockchain/go-clusterkv"
)

// SlotBucket is the per-slot `{ read-only-flag, ordered list of Commands }`
// pair from §3. The read-only-flag starts true and latches to false the
// first time a write command is appended, governing whether the executor
// may target a replica for this slot.
//
// Each bucket supports concurrent append from multiple producers until the
// batch executes; after that it has exactly one consumer (the executor's
// slot state machine), matching the multi-producer/single-consumer
// contract in §4.C.
type SlotBucket struct {
	Slot uint32

	mu       sync.Mutex
	readOnly bool
	commands []*clusterkv.Command
}

func newSlotBucket(slot uint32) *SlotBucket {
	return &SlotBucket{Slot: slot, readOnly: true}
}

// append adds cmd to the bucket and latches read-only to false if the
// command is a write. Not exported: only the owning Accumulator appends,
// under its own insert-if-absent bookkeeping.
func (b *SlotBucket) append(cmd *clusterkv.Command, readOnly bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if !readOnly {
		b.readOnly = false
	}
	b.commands = append(b.commands, cmd)
}

// ReadOnly reports whether every command appended so far was read-only,
// i.e. whether the executor may route this slot to a replica.
func (b *SlotBucket) ReadOnly() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.readOnly
}

// Commands returns the bucket's command list. The slice is shared;
// callers must not mutate it, matching the single-consumer contract once
// the batch has executed (no further producers run concurrently with the
// executor by that point).
func (b *SlotBucket) Commands() []*clusterkv.Command {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.commands
}

// ResetErrors clears every not-yet-successful command's promise back to
// pending, used by the executor on MOVED/ASK/loading so a re-dispatched
// attempt doesn't see stale failure state from the prior address (§4.D
// AwaitingResponse terminal handling).
func (b *SlotBucket) ResetErrors() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, cmd := range b.commands {
		if !cmd.Promise().IsSuccess() {
			cmd.Promise().Reset()
		}
	}
}
