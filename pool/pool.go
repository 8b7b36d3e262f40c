package pool

import (
	"context"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	clusterkv "github.com/ice-blockchain/go-clusterkv"
)

// Config configures a ConnectionPool: dial/connection knobs generalized to
// a per-node pool with health-based quarantine (§4.B).
type Config struct {
	MaxConns      int
	MinIdle       int
	FailThreshold uint32
	DialTimeout   time.Duration
	IoTimeout     time.Duration
	Password      string
	Transport     string
	Ssl           clusterkv.SslOpts
	Dialer        clusterkv.Dialer
	Logger        clusterkv.Logger
	Hub           *clusterkv.EventHub

	WarmupConcurrency int
	ProbeInitialDelay time.Duration
	ProbeMaxDelay     time.Duration
}

func (c *Config) withDefaults() {
	if c.MaxConns <= 0 {
		c.MaxConns = 8
	}
	if c.FailThreshold == 0 {
		c.FailThreshold = 3
	}
	if c.DialTimeout <= 0 {
		c.DialTimeout = 5 * time.Second
	}
	if c.Logger == nil {
		c.Logger = clusterkv.NopLogger{}
	}
	if c.WarmupConcurrency <= 0 {
		c.WarmupConcurrency = 50
	}
	if c.ProbeInitialDelay <= 0 {
		c.ProbeInitialDelay = 200 * time.Millisecond
	}
	if c.ProbeMaxDelay <= 0 {
		c.ProbeMaxDelay = 30 * time.Second
	}
}

// ConnectionPool is Component B: a bounded set of ConnectionEntry objects
// behind a round-robin load balancer, with health-based quarantine and a
// self-rearming reconnection probe per entry (§4.B). Entries are an
// address-keyed set the router populates dynamically as topology is
// discovered, rather than a fixed master/replica pair per deployment.
type ConnectionPool struct {
	cfg Config

	mu       sync.RWMutex
	lb       *roundRobinStrategy
	closed   bool
	probeWG  sync.WaitGroup
	inFlight sync.WaitGroup
	stopCh   chan struct{}
}

// New builds an empty pool. Entries are added via AddEntry as the router
// discovers cluster topology (§4.E integration point).
func New(cfg Config) *ConnectionPool {
	cfg.withDefaults()
	return &ConnectionPool{
		cfg:    cfg,
		lb:     newRoundRobinStrategy(),
		stopCh: make(chan struct{}),
	}
}

// AddEntry registers a node under addr with the given role and immediately
// performs init-connections warm-up up to MinIdle, bounded by
// WarmupConcurrency outstanding dials at a time (§4.B init-connections).
func (p *ConnectionPool) AddEntry(ctx context.Context, addr string, role Role) *ConnectionEntry {
	dialer := p.cfg.Dialer
	if dialer == nil {
		dialer = clusterkv.TCPDialer{}
	}
	entry := NewConnectionEntry(addr, dialer, role, p.cfg.MaxConns, p.cfg.MinIdle, p.cfg.FailThreshold)
	p.lb.Add(entry)
	p.warmup(ctx, entry)
	return entry
}

// RemoveEntry drops addr from the load balancer and closes its idle
// connections. In-flight acquisitions already holding a connection from
// this entry are unaffected; they release normally and the entry is simply
// no longer a candidate for new acquisitions.
func (p *ConnectionPool) RemoveEntry(addr string) {
	if e := p.lb.Remove(addr); e != nil {
		e.CloseAll()
	}
}

func (p *ConnectionPool) warmup(ctx context.Context, entry *ConnectionEntry) {
	if entry.MinIdle() <= 0 {
		return
	}
	sem := make(chan struct{}, p.cfg.WarmupConcurrency)
	var wg sync.WaitGroup
	for i := 0; i < entry.MinIdle(); i++ {
		sem <- struct{}{}
		wg.Add(1)
		go func() {
			defer wg.Done()
			defer func() { <-sem }()
			conn, err := p.dial(ctx, entry)
			if err != nil {
				p.cfg.Logger.Report(clusterkv.ProbeFailedEvent{Err: err})
				return
			}
			entry.AddIdle(conn)
		}()
	}
	wg.Wait()
}

func (p *ConnectionPool) dial(ctx context.Context, entry *ConnectionEntry) (*clusterkv.Connection, error) {
	return clusterkv.Dial(ctx, entry.Addr, clusterkv.Opts{
		DialTimeout: p.cfg.DialTimeout,
		IoTimeout:   p.cfg.IoTimeout,
		Password:    p.cfg.Password,
		Transport:   p.cfg.Transport,
		Ssl:         p.cfg.Ssl,
		Dialer:      entry.Dialer,
		Logger:      p.cfg.Logger,
		Hub:         p.cfg.Hub,
	})
}

// Acquire implements the §4.B acquisition algorithm:
//  1. Iterate up to |entries| candidates from the load balancer, preferring
//     ones matching role.
//  2. For the first candidate whose TryAcquire succeeds, Poll an idle
//     connection or dial a fresh one.
//  3. On dial failure, ReleaseSlot, IncFailed, and move to the next
//     candidate; once a candidate's failed-attempts crosses threshold,
//     freeze it and fire a quarantine event.
//  4. If every candidate is exhausted, return ExhaustedError.
func (p *ConnectionPool) Acquire(ctx context.Context, role Role) (*clusterkv.Connection, *ConnectionEntry, error) {
	p.mu.RLock()
	closed := p.closed
	p.mu.RUnlock()
	if closed {
		return nil, nil, clusterkv.ErrShuttingDown
	}

	candidates := p.orderedCandidates(role)
	if len(candidates) == 0 {
		return nil, nil, newExhaustedError(0)
	}

	exh := newExhaustedError(len(candidates))
	for _, entry := range candidates {
		if !entry.TryAcquire() {
			if frozen, reason := entry.IsFrozen(); frozen {
				exh.add(entry.Addr, "frozen ("+reason.String()+")")
			} else {
				exh.add(entry.Addr, "saturated")
			}
			continue
		}

		conn, ok := entry.Poll()
		if ok {
			p.inFlight.Add(1)
			return conn, entry, nil
		}

		conn, err := p.dial(ctx, entry)
		if err != nil {
			entry.ReleaseSlot()
			p.onDialFailure(entry, err)
			exh.add(entry.Addr, err.Error())
			continue
		}
		p.inFlight.Add(1)
		return conn, entry, nil
	}

	return nil, nil, exh
}

// orderedCandidates returns round-robin candidates with role-matching
// entries ordered first, so a Replica request prefers replicas but still
// falls back to any live entry when none are available (§4.B fallback).
func (p *ConnectionPool) orderedCandidates(role Role) []*ConnectionEntry {
	all := p.lb.Candidates()
	if role == UnknownRole {
		return all
	}
	preferred := make([]*ConnectionEntry, 0, len(all))
	rest := make([]*ConnectionEntry, 0, len(all))
	for _, e := range all {
		if e.Role() == role {
			preferred = append(preferred, e)
		} else {
			rest = append(rest, e)
		}
	}
	return append(preferred, rest...)
}

// Release returns a borrowed connection and, on a healthy release, resets
// the entry's failed-attempts counter -- a successful round trip is
// evidence of liveness independent of the reconnection probe (§4.A/§4.B).
func (p *ConnectionPool) Release(entry *ConnectionEntry, conn *clusterkv.Connection) {
	if entry == nil {
		return
	}
	entry.Release(conn)
	if conn != nil && conn.ConnectedNow() {
		entry.ResetFailed()
	}
	p.inFlight.Done()
}

// onDialFailure increments the entry's failed-attempts counter and, once
// the configured threshold is crossed, freezes the entry for reconnect and
// starts its probe loop (§4.B health/step 5).
func (p *ConnectionPool) onDialFailure(entry *ConnectionEntry, err error) {
	if entry.IncFailed() < entry.Threshold() {
		return
	}
	if !entry.Freeze(FreezeReconnect) {
		return // another caller already froze/started the probe
	}
	p.cfg.Logger.Report(clusterkv.DisconnectedEvent{Reason: err})
	if p.cfg.Hub != nil {
		p.cfg.Hub.Fire(clusterkv.DisconnectedEvent{Reason: err})
	}
	if entry.Role() == Replica {
		p.cfg.Logger.Report(clusterkv.SlaveDownEvent{})
		if p.cfg.Hub != nil {
			p.cfg.Hub.Fire(clusterkv.SlaveDownEvent{})
		}
	}
	p.startProbe(entry)
}

// startProbe launches the self-rearming reconnection probe for a
// newly-frozen entry. Exactly one probe goroutine exists per frozen entry
// (§3 I3) because Freeze is the single CAS-like gate that only the
// transitioning caller passes.
func (p *ConnectionPool) startProbe(entry *ConnectionEntry) {
	p.probeWG.Add(1)
	go p.runProbe(entry)
}

// probeState is the 3-step reconnection probe machine from §4.B step 5:
// open a fresh connection, authenticate if configured, then ping. Any step
// failing reschedules the whole sequence via backoff.
type probeState int

const (
	probeOpening probeState = iota
	probeAuthenticating
	probePinging
)

func (p *ConnectionPool) runProbe(entry *ConnectionEntry) {
	defer p.probeWG.Done()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.cfg.ProbeInitialDelay
	b.MaxInterval = p.cfg.ProbeMaxDelay
	b.MaxElapsedTime = 0 // retry indefinitely until unfrozen or pool closes

	for {
		if frozen, reason := entry.IsFrozen(); !frozen || reason != FreezeReconnect {
			return // someone else already unfroze or re-purposed this entry
		}

		delay := b.NextBackOff()
		select {
		case <-time.After(delay):
		case <-p.stopCh:
			return
		}

		if frozen, reason := entry.IsFrozen(); !frozen || reason != FreezeReconnect {
			return
		}

		if err := p.probeOnce(entry); err != nil {
			p.cfg.Logger.Report(clusterkv.ProbeFailedEvent{Err: err})
			continue
		}

		entry.Unfreeze()
		entry.ResetFailed()
		// Re-run warm-up now that the entry is unfrozen (§4.B probe step
		// 4: "re-run warm-up bypassing the freeze check").
		p.warmup(context.Background(), entry)
		p.cfg.Logger.Report(clusterkv.ConnectedEvent{})
		if entry.Role() == Replica {
			p.cfg.Logger.Report(clusterkv.SlaveUpEvent{})
			if p.cfg.Hub != nil {
				p.cfg.Hub.Fire(clusterkv.SlaveUpEvent{})
			}
		}
		return
	}
}

func (p *ConnectionPool) probeOnce(entry *ConnectionEntry) error {
	ctx, cancel := context.WithTimeout(context.Background(), p.cfg.DialTimeout)
	defer cancel()

	state := probeOpening
	conn, err := p.dial(ctx, entry)
	if err != nil {
		return err
	}
	state = probeAuthenticating
	if p.cfg.Password != "" {
		// Dial already performs AUTH when Password is set; this state
		// exists to mirror §4.B's 3-step probe shape even though the
		// transport-level Dial folds steps 1-2 together.
		_ = state
	}
	state = probePinging
	if err := conn.Ping(ctx); err != nil {
		conn.Close()
		return err
	}
	// The probe connection itself is closed after the check; warm-up opens
	// fresh idle connections separately (§4.B probe step 4).
	conn.Close()
	return nil
}

// Stats returns a per-address snapshot of every registered entry.
func (p *ConnectionPool) Stats() map[string]Stats {
	out := make(map[string]Stats)
	for _, e := range p.lb.All() {
		out[e.Addr] = e.Stats()
	}
	return out
}

// Close stops every reconnection probe and closes every entry's idle
// connections. In-flight acquisitions are not interrupted; callers should
// drain outstanding batches before calling Close.
func (p *ConnectionPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	close(p.stopCh)
	p.probeWG.Wait()

	for _, e := range p.lb.All() {
		e.CloseAll()
	}
}

// CloseGraceful marks the pool as closed to new acquisitions, then waits
// for every in-flight acquisition to be released before closing entries --
// distinct from the hard Close above, which tears down immediately without
// waiting out requests already in flight.
func (p *ConnectionPool) CloseGraceful() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.inFlight.Wait()

	close(p.stopCh)
	p.probeWG.Wait()

	for _, e := range p.lb.All() {
		e.CloseAll()
	}
}
