package batch

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	clusterkv "github.com/ice-blockchain/go-clusterkv"
)

// Accumulator is the Batch Accumulator (§4.C): a concurrently-fillable set
// of SlotBuckets, keyed by slot id, that the executor drains exactly once.
// ID distinguishes one Accumulator from another in logs spanning many
// concurrent batches, a correlation id for tracing a batch across retries
// and redirects.
type Accumulator struct {
	ID uuid.UUID

	mu      sync.RWMutex
	buckets map[uint32]*SlotBucket
	order   []uint32 // first-seen slot order, for deterministic iteration

	executed int32 // 0 = open, 1 = executed; CAS-guarded (§3 I5)
	seq      uint64
}

// New returns an empty, open Accumulator.
func New() *Accumulator {
	return &Accumulator{
		ID:      uuid.New(),
		buckets: make(map[uint32]*SlotBucket),
	}
}

// Enqueue appends one command to the bucket for slot, creating the bucket
// on first use (atomic insert-if-absent). It fails with
// ErrBatchAlreadyExecuted once the batch has executed (§4.C enqueue, §3 I5).
func (a *Accumulator) Enqueue(readOnly bool, slot uint32, codec clusterkv.Codec, opcode string, args []interface{}) (*clusterkv.Command, error) {
	if atomic.LoadInt32(&a.executed) != 0 {
		return nil, clusterkv.ErrBatchAlreadyExecuted
	}

	cmd := clusterkv.NewCommand(codec, opcode, args)
	cmd.Sequence = atomic.AddUint64(&a.seq, 1)

	bucket := a.bucketFor(slot)

	// Re-check executed after acquiring the bucket: a concurrent
	// execute-async may have flipped the flag between the load above and
	// this point. The bucket itself is safe to append to regardless, but
	// we must not let a straggling enqueue silently join a batch that is
	// already being drained.
	if atomic.LoadInt32(&a.executed) != 0 {
		return nil, clusterkv.ErrBatchAlreadyExecuted
	}

	bucket.append(cmd, readOnly)
	return cmd, nil
}

// bucketFor performs the atomic insert-if-absent lookup, taking the write
// lock only on the slow path where the bucket doesn't exist yet.
func (a *Accumulator) bucketFor(slot uint32) *SlotBucket {
	a.mu.RLock()
	b, ok := a.buckets[slot]
	a.mu.RUnlock()
	if ok {
		return b
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if b, ok = a.buckets[slot]; ok {
		return b
	}
	b = newSlotBucket(slot)
	a.buckets[slot] = b
	a.order = append(a.order, slot)
	return b
}

// TryExecute performs the CAS transition to executed (§4.D step 1),
// returning false if the batch was already executed by a concurrent
// caller.
func (a *Accumulator) TryExecute() bool {
	return atomic.CompareAndSwapInt32(&a.executed, 0, 1)
}

// Buckets returns every slot bucket in first-seen order. Safe to call only
// after TryExecute has succeeded, once no further producers are enqueuing.
func (a *Accumulator) Buckets() []*SlotBucket {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]*SlotBucket, len(a.order))
	for i, slot := range a.order {
		out[i] = a.buckets[slot]
	}
	return out
}

// Len returns the number of distinct slot buckets, i.e. N in §4.D step 3.
func (a *Accumulator) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.buckets)
}

// Result is one command's outcome in the final ordered-result list,
// carrying its original Sequence for the stable sort in §4.D step 5.
type Result struct {
	Sequence uint64
	Value    interface{}
	Err      error
}

// CollectOrdered gathers every command's resolved promise across all
// buckets and stable-sorts by Sequence, restoring enqueue order regardless
// of which slot executed first (§3 I4, §5 "Result list: stable-sorted by
// enqueue sequence-number").
func (a *Accumulator) CollectOrdered() []Result {
	buckets := a.Buckets()
	var results []Result
	for _, b := range buckets {
		for _, cmd := range b.Commands() {
			val, err := cmd.Promise().Get()
			results = append(results, Result{Sequence: cmd.Sequence, Value: val, Err: err})
		}
	}
	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Sequence < results[j].Sequence
	})
	return results
}
