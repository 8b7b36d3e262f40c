// Package router defines the NodeRouter contract the executor consults to
// turn a slot (plus any redirect hint) into a Pooler to acquire a
// connection from (§4.E, §6). The cluster topology manager that actually
// discovers slot ownership lives outside this module; StaticRouter below
// is a reference implementation sufficient to exercise the executor and
// pool end to end, not a substitute for it.
package router

import (
	"fmt"
	"sync"

	"github.com/ice-blockchain/go-clusterkv/pool"
)

// RedirectKind distinguishes the three ways a NodeSource can point the
// executor at a node (§3 NodeSource, GLOSSARY).
type RedirectKind int

const (
	RedirectNone RedirectKind = iota
	RedirectMoved
	RedirectAsk
)

func (k RedirectKind) String() string {
	switch k {
	case RedirectMoved:
		return "MOVED"
	case RedirectAsk:
		return "ASK"
	default:
		return "none"
	}
}

// NodeSource is the input the executor hands the router on every
// (re-)dispatch of a slot (§3 NodeSource data model).
type NodeSource struct {
	Slot     uint32
	Addr     string // set only when Redirect != RedirectNone
	Redirect RedirectKind
}

// NodeRouter maps a NodeSource to the Pooler the executor should acquire a
// connection from. MOVED/ASK sources carry an explicit address that takes
// precedence over the router's own slot table (§4.E: "must accept address
// overrides from redirects").
type NodeRouter interface {
	Resolve(source NodeSource) (pool.Pooler, error)
}

// ErrNoPoolForSlot is returned by StaticRouter when a slot has no
// registered pool and the source carries no redirect override either.
type ErrNoPoolForSlot struct {
	Slot uint32
}

func (e ErrNoPoolForSlot) Error() string {
	return fmt.Sprintf("router: no pool registered for slot %d", e.Slot)
}

// StaticRouter is a fixed slot-to-pool table plus a by-address lookup for
// honoring redirect overrides. It performs no slot discovery and no
// master-election -- the minimum the NodeRouter contract requires to be
// exercisable, deliberately not the topology manager this module treats
// as an external collaborator (§6).
type StaticRouter struct {
	mu        sync.RWMutex
	bySlot    map[uint32]pool.Pooler
	byAddress map[string]pool.Pooler
}

// NewStaticRouter returns an empty router; populate it with AddSlot/AddAddress.
func NewStaticRouter() *StaticRouter {
	return &StaticRouter{
		bySlot:    make(map[uint32]pool.Pooler),
		byAddress: make(map[string]pool.Pooler),
	}
}

// AddSlot registers p as the owner of slot under the fixed table.
func (r *StaticRouter) AddSlot(slot uint32, p pool.Pooler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.bySlot[slot] = p
}

// AddAddress registers p as reachable by addr, so a MOVED/ASK NodeSource
// naming addr resolves to it regardless of which slot it was originally
// filed under.
func (r *StaticRouter) AddAddress(addr string, p pool.Pooler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byAddress[addr] = p
}

// Resolve honors an explicit redirect address first; otherwise it falls
// back to the fixed slot table (§4.E). An address set on source always
// wins regardless of whether it came from MOVED (permanent, expected to
// persist across an executor's retries of the slot) or ASK (one-shot --
// the executor itself is responsible for dropping the address again after
// the single attempt it was valid for).
func (r *StaticRouter) Resolve(source NodeSource) (pool.Pooler, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if source.Addr != "" {
		if p, ok := r.byAddress[source.Addr]; ok {
			return p, nil
		}
		return nil, fmt.Errorf("router: no pool registered for redirect address %q", source.Addr)
	}

	if p, ok := r.bySlot[source.Slot]; ok {
		return p, nil
	}
	return nil, ErrNoPoolForSlot{Slot: source.Slot}
}
