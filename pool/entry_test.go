package pool

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTryAcquireRespectsMaxConns(t *testing.T) {
	e := NewConnectionEntry("node-a:1111", nil, Master, 2, 0, 3)
	require.True(t, e.TryAcquire())
	require.True(t, e.TryAcquire())
	assert.False(t, e.TryAcquire(), "third acquire should be rejected once max-conns is reached")
}

func TestTryAcquireRejectsWhenFrozenUnlessMasterSystemFreeze(t *testing.T) {
	replica := NewConnectionEntry("node-b:1111", nil, Replica, 4, 0, 3)
	replica.Freeze(FreezeReconnect)
	assert.False(t, replica.TryAcquire())

	master := NewConnectionEntry("node-c:1111", nil, Master, 4, 0, 3)
	master.Freeze(FreezeSystem)
	assert.True(t, master.TryAcquire(), "a master frozen for FreezeSystem must still accept acquisitions")
}

func TestTryAcquireRejectsAtFailureThreshold(t *testing.T) {
	e := NewConnectionEntry("node-d:1111", nil, Replica, 4, 0, 2)
	e.IncFailed()
	e.IncFailed()
	assert.False(t, e.TryAcquire())
}

func TestFreezeIsIdempotent(t *testing.T) {
	e := NewConnectionEntry("node-e:1111", nil, Replica, 4, 0, 3)
	assert.True(t, e.Freeze(FreezeReconnect))
	assert.False(t, e.Freeze(FreezeManual), "a second freeze call must not overwrite an existing freeze reason")
	frozen, reason := e.IsFrozen()
	assert.True(t, frozen)
	assert.Equal(t, FreezeReconnect, reason)
}

// TestReleaseNeverUnderflows runs concurrent TryAcquire/ReleaseSlot pairs:
// in-use must settle back at zero, never below, regardless of
// interleaving.
func TestReleaseNeverUnderflows(t *testing.T) {
	e := NewConnectionEntry("node-f:1111", nil, Master, 10, 0, 100)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if e.TryAcquire() {
				e.ReleaseSlot()
			}
		}()
	}
	wg.Wait()
	stats := e.Stats()
	assert.Equal(t, 0, stats.InUse)
}
