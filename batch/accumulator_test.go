package batch_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clusterkv "github.com/ice-blockchain/go-clusterkv"
	"github.com/ice-blockchain/go-clusterkv/batch"
)

func TestEnqueueLatchesReadOnlyFlag(t *testing.T) {
	a := batch.New()
	_, err := a.Enqueue(true, 7, nil, "GET", []interface{}{"k"})
	require.NoError(t, err)

	bucket := a.Buckets()[0]
	assert.True(t, bucket.ReadOnly())

	_, err = a.Enqueue(false, 7, nil, "SET", []interface{}{"k", "v"})
	require.NoError(t, err)
	assert.False(t, bucket.ReadOnly(), "a write command must latch read-only to false")
}

func TestEnqueueAfterExecuteFails(t *testing.T) {
	a := batch.New()
	_, err := a.Enqueue(true, 0, nil, "GET", nil)
	require.NoError(t, err)

	require.True(t, a.TryExecute())
	_, err = a.Enqueue(true, 0, nil, "GET", nil)
	assert.Equal(t, clusterkv.ErrBatchAlreadyExecuted, err)
}

func TestTryExecuteIsSingleUse(t *testing.T) {
	a := batch.New()
	assert.True(t, a.TryExecute())
	assert.False(t, a.TryExecute(), "a second TryExecute must not also succeed")
}

// TestConcurrentEnqueueNoLostEntries exercises §4.C's "concurrent
// insert-if-absent without losing entries" requirement: many producers
// enqueuing into a shared set of slots must all land.
func TestConcurrentEnqueueNoLostEntries(t *testing.T) {
	a := batch.New()
	const producers = 50
	const slots = 5

	var wg sync.WaitGroup
	for i := 0; i < producers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := a.Enqueue(true, uint32(i%slots), nil, "GET", nil)
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	total := 0
	for _, b := range a.Buckets() {
		total += len(b.Commands())
	}
	assert.Equal(t, producers, total)
}

func TestCollectOrderedRestoresSequenceOrder(t *testing.T) {
	a := batch.New()
	first, err := a.Enqueue(true, 9, nil, "GET", []interface{}{"a"})
	require.NoError(t, err)
	second, err := a.Enqueue(true, 1, nil, "GET", []interface{}{"b"})
	require.NoError(t, err)

	require.True(t, a.TryExecute())

	// Resolve out of enqueue order: slot 1's bucket (second command)
	// finishes before slot 9's (first command).
	second.Promise().Set("b-value")
	first.Promise().Set("a-value")

	results := a.CollectOrdered()
	require.Len(t, results, 2)
	assert.Equal(t, "a-value", results[0].Value)
	assert.Equal(t, "b-value", results[1].Value)
}
