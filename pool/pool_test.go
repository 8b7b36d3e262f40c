package pool_test

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clusterkv "github.com/ice-blockchain/go-clusterkv"
	"github.com/ice-blockchain/go-clusterkv/pool"
)

// failingDialer never succeeds, modeling an unreachable node for exercising
// the failed-attempts/quarantine path without a real server.
type failingDialer struct{}

func (failingDialer) Dial(address string, opts clusterkv.DialOpts) (net.Conn, error) {
	return nil, errors.New("simulated dial failure")
}

func TestAcquireReturnsExhaustedErrorWhenNoEntries(t *testing.T) {
	p := pool.New(pool.Config{})
	defer p.Close()

	_, _, err := p.Acquire(context.Background(), pool.Master)
	require.Error(t, err)
	var exh *pool.ExhaustedError
	assert.ErrorAs(t, err, &exh)
}

// TestAcquireFreezesEntryAfterThresholdFailures exercises P3 (freeze
// monotonicity): once failed-attempts reaches the configured threshold,
// the entry must be frozen before the next acquisition attempt can
// succeed on it.
func TestAcquireFreezesEntryAfterThresholdFailures(t *testing.T) {
	p := pool.New(pool.Config{
		MaxConns:      4,
		FailThreshold: 2,
		DialTimeout:   50 * time.Millisecond,
		Dialer:        failingDialer{},
	})
	defer p.Close()

	entry := p.AddEntry(context.Background(), "unreachable:1111", pool.Replica)

	for i := 0; i < 2; i++ {
		_, _, err := p.Acquire(context.Background(), pool.Replica)
		assert.Error(t, err)
	}

	frozen, reason := entry.IsFrozen()
	assert.True(t, frozen, "entry must be frozen once failed-attempts reaches threshold")
	assert.Equal(t, pool.FreezeReconnect, reason)

	_, _, err := p.Acquire(context.Background(), pool.Replica)
	assert.Error(t, err, "a frozen replica must be excluded from further acquisition")
}

func TestCloseStopsOutstandingProbes(t *testing.T) {
	p := pool.New(pool.Config{
		MaxConns:          4,
		FailThreshold:     1,
		DialTimeout:       20 * time.Millisecond,
		ProbeInitialDelay: 5 * time.Millisecond,
		Dialer:            failingDialer{},
	})

	entry := p.AddEntry(context.Background(), "unreachable:1111", pool.Master)
	_, _, _ = p.Acquire(context.Background(), pool.Master)
	frozen, _ := entry.IsFrozen()
	require.True(t, frozen, "the failed dial must freeze the entry and start its probe")

	done := make(chan struct{})
	go func() {
		p.Close()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not return promptly; probe loop may not be stopping on stopCh")
	}
}
