package router_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	clusterkv "github.com/ice-blockchain/go-clusterkv"
	"github.com/ice-blockchain/go-clusterkv/pool"
	"github.com/ice-blockchain/go-clusterkv/router"
)

type stubPooler struct{ name string }

func (s *stubPooler) Acquire(ctx context.Context, role pool.Role) (*clusterkv.Connection, *pool.ConnectionEntry, error) {
	return nil, nil, nil
}
func (s *stubPooler) Release(entry *pool.ConnectionEntry, conn *clusterkv.Connection) {}
func (s *stubPooler) Stats() map[string]pool.Stats                                   { return nil }
func (s *stubPooler) Close()                                                         {}
func (s *stubPooler) CloseGraceful()                                                 {}

func TestStaticRouterResolvesBySlot(t *testing.T) {
	r := router.NewStaticRouter()
	a := &stubPooler{name: "a"}
	r.AddSlot(5, a)

	resolved, err := r.Resolve(router.NodeSource{Slot: 5})
	require.NoError(t, err)
	assert.Same(t, a, resolved)
}

func TestStaticRouterHonorsMovedAddressOverride(t *testing.T) {
	r := router.NewStaticRouter()
	oldOwner := &stubPooler{name: "old"}
	newOwner := &stubPooler{name: "new"}
	r.AddSlot(5, oldOwner)
	r.AddAddress("10.0.0.2:1111", newOwner)

	resolved, err := r.Resolve(router.NodeSource{Slot: 5, Addr: "10.0.0.2:1111", Redirect: router.RedirectMoved})
	require.NoError(t, err)
	assert.Same(t, newOwner, resolved, "a MOVED source must resolve to the redirect address, not the stale slot owner")
}

func TestStaticRouterReturnsErrorForUnknownSlot(t *testing.T) {
	r := router.NewStaticRouter()
	_, err := r.Resolve(router.NodeSource{Slot: 999})
	require.Error(t, err)
	assert.Equal(t, router.ErrNoPoolForSlot{Slot: 999}, err)
}
