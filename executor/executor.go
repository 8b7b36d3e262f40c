// Package executor implements the Batch Executor (§4.D), the heart of the
// module: for each slot-sub-queue accumulated by package batch, it
// acquires a connection via a router.NodeRouter + pool.Pooler, writes the
// command pipeline, awaits responses, follows MOVED/ASK/loading redirects,
// retries under timeout, and joins every slot's outcome into one ordered
// result list.
package executor

import (
	"context"
	"errors"
	"sync/atomic"
	"time"

	clusterkv "github.com/ice-blockchain/go-clusterkv"
	"github.com/ice-blockchain/go-clusterkv/batch"
	"github.com/ice-blockchain/go-clusterkv/pool"
	"github.com/ice-blockchain/go-clusterkv/router"
)

// defaultRetryIntervalUnit mirrors the root package's own default for the
// retry-interval multiplier (§9 Open Questions: "the retry-interval
// multiplier of 100 appears load-bearing but undocumented; treat it as a
// configurable with that default").
const defaultRetryIntervalUnit = 100 * time.Millisecond

// Config configures a BatchExecutor. RetryInterval is the raw multiplier
// from configuration (§6: "retry-interval-ms ... effective timeout is this
// × 100"); the effective per-attempt deadline is
// RetryInterval * RetryIntervalUnit.
type Config struct {
	RetryAttempts     int
	RetryInterval     int
	RetryIntervalUnit time.Duration
	ResponseTimeout   time.Duration
}

func (c *Config) withDefaults() {
	if c.RetryIntervalUnit <= 0 {
		c.RetryIntervalUnit = defaultRetryIntervalUnit
	}
	if c.RetryInterval <= 0 {
		c.RetryInterval = 1
	}
	if c.ResponseTimeout <= 0 {
		c.ResponseTimeout = 5 * time.Second
	}
}

func (c Config) retryDuration() time.Duration {
	return time.Duration(c.RetryInterval) * c.RetryIntervalUnit
}

// BatchExecutor is Component E.
type BatchExecutor struct {
	Router router.NodeRouter
	Cfg    Config
	Logger clusterkv.Logger
	Hub    *clusterkv.EventHub
}

// New builds a BatchExecutor. logger/hub may be nil.
func New(r router.NodeRouter, cfg Config, logger clusterkv.Logger, hub *clusterkv.EventHub) *BatchExecutor {
	cfg.withDefaults()
	if logger == nil {
		logger = clusterkv.NopLogger{}
	}
	return &BatchExecutor{Router: r, Cfg: cfg, Logger: logger, Hub: hub}
}

// ExecuteAsync is the §4.D entry point. It transitions acc to executed
// (rejecting re-entry per §3 I5), dispatches one execute-slot state
// machine per bucket, and returns a Future resolving to the batch's
// ordered []batch.Result once every slot has either succeeded or the
// first fatal cause has terminated the join.
func (ex *BatchExecutor) ExecuteAsync(ctx context.Context, acc *batch.Accumulator) *clusterkv.Future {
	result := clusterkv.NewFuture()

	if !acc.TryExecute() {
		result.SetError(clusterkv.ErrBatchAlreadyExecuted)
		return result
	}

	buckets := acc.Buckets()
	if len(buckets) == 0 {
		result.Set([]batch.Result{})
		return result
	}

	execCtx, cancel := context.WithCancel(ctx)
	joined := clusterkv.NewFuture()
	counter := int64(len(buckets))

	for _, b := range buckets {
		bucket := b
		go ex.executeSlot(execCtx, bucket, router.NodeSource{Slot: bucket.Slot}, &counter, joined)
	}

	go func() {
		_, err := joined.Get()
		cancel()
		if err != nil {
			result.SetError(err)
			return
		}
		result.Set(acc.CollectOrdered())
	}()

	return result
}

// executeSlot is the execute-slot state machine from §4.D: Idle is implicit
// (the loop body starts there), AcquiringConnection/Writing/AwaitingResponse
// are inlined per iteration, and Done/Retrying/Redirecting are expressed as
// `return` / `attempt++; continue` / `continue` respectively -- a loop
// driven by an explicit attempt counter rather than recursive re-entry (§9
// Design Notes: "Self-referential retry via re-entry: replace with a loop").
func (ex *BatchExecutor) executeSlot(ctx context.Context, bucket *batch.SlotBucket, initial router.NodeSource, counter *int64, joined *clusterkv.Future) {
	source := initial
	attempt := 0

	for {
		if ctx.Err() != nil {
			ex.failSlot(bucket.Slot, ctx.Err(), joined)
			return
		}

		role := pool.Master
		if bucket.ReadOnly() {
			role = pool.Replica
		}

		// ASK is valid for the immediately following command only: resolve
		// against it one last time, then drop it so the next iteration
		// falls back to the slot's ordinary owner (§4.D Writing, GLOSSARY
		// "ASK").
		useAsking := source.Redirect == router.RedirectAsk
		pooler, err := ex.Router.Resolve(source)
		if useAsking {
			source = router.NodeSource{Slot: bucket.Slot}
		}
		if err != nil {
			if attempt >= ex.Cfg.RetryAttempts {
				ex.failSlot(bucket.Slot, clusterkv.WrapClientError(clusterkv.ErrOperationTimeout, "no route for slot", err), joined)
				return
			}
			attempt++
			continue
		}

		acquireCtx, cancelAcquire := context.WithTimeout(ctx, ex.Cfg.retryDuration())
		conn, entry, err := pooler.Acquire(acquireCtx, role)
		cancelAcquire()
		if err != nil {
			if attempt >= ex.Cfg.RetryAttempts {
				ex.failSlot(bucket.Slot, err, joined)
				return
			}
			attempt++
			continue
		}

		released := false
		release := func() {
			if !released {
				pooler.Release(entry, conn)
				released = true
			}
		}

		pipeline, awaited := buildPipeline(bucket, useAsking)
		if len(pipeline) == 0 {
			// Every command in this bucket already succeeded on a prior
			// attempt (§4.D "filtered to exclude any command whose promise
			// is already successful").
			release()
			ex.onSlotSuccess(counter, joined)
			return
		}

		writeCtx, cancelWrite := context.WithTimeout(ctx, ex.Cfg.retryDuration())
		writeErr := conn.Send(pipeline).Wait(writeCtx)
		cancelWrite()

		if writeErr != nil {
			release()
			if attempt >= ex.Cfg.RetryAttempts {
				ex.failSlot(bucket.Slot, clusterkv.WrapClientError(clusterkv.ErrOperationTimeout, "write failed", writeErr), joined)
				return
			}
			attempt++
			continue
		}

		// Write succeeded: cancel the retry timer (implicit -- writeCtx is
		// already done being used) and release the connection now;
		// responses keep arriving on the read loop independent of pool
		// occupancy (§4.D write-completion).
		release()

		respCtx, cancelResp := context.WithTimeout(ctx, ex.Cfg.ResponseTimeout)
		cause := awaitResponses(respCtx, awaited)
		cancelResp()

		if cause == nil {
			ex.onSlotSuccess(counter, joined)
			return
		}

		var serverErr clusterkv.ServerError
		if errors.As(cause, &serverErr) {
			switch serverErr.Code {
			case clusterkv.ReplyMoved:
				bucket.ResetErrors()
				source = router.NodeSource{Slot: bucket.Slot, Addr: serverErr.Addr, Redirect: router.RedirectMoved}
				ex.fireRedirect("MOVED", bucket.Slot, serverErr.Addr)
				continue // same attempt, no budget consumed
			case clusterkv.ReplyAsk:
				bucket.ResetErrors()
				source = router.NodeSource{Slot: bucket.Slot, Addr: serverErr.Addr, Redirect: router.RedirectAsk}
				ex.fireRedirect("ASK", bucket.Slot, serverErr.Addr)
				continue
			case clusterkv.ReplyLoading:
				bucket.ResetErrors()
				continue // same source, same attempt: server is warming up
			}
			// Any other server reply is passed through unchanged and fails
			// the slot at once; it is not retried.
			ex.failSlot(bucket.Slot, serverErr, joined)
			return
		}

		if attempt >= ex.Cfg.RetryAttempts {
			ex.failSlot(bucket.Slot, clusterkv.WrapClientError(clusterkv.ErrOperationTimeout, "response timeout", cause), joined)
			return
		}
		attempt++
	}
}

// buildPipeline assembles the wire pipeline for one attempt: the commands
// not yet successfully resolved (§4.D Writing: "filtered to exclude any
// command whose promise is already successful"), optionally prefixed by a
// one-shot ASKING probe. awaited excludes the probe -- callers never wait
// on its reply.
func buildPipeline(bucket *batch.SlotBucket, useAsking bool) (pipeline, awaited []*clusterkv.Command) {
	cmds := bucket.Commands()
	awaited = make([]*clusterkv.Command, 0, len(cmds))
	for _, cmd := range cmds {
		if cmd.Promise().IsSuccess() {
			continue
		}
		awaited = append(awaited, cmd)
	}
	if len(awaited) == 0 {
		return nil, nil
	}
	pipeline = make([]*clusterkv.Command, 0, len(awaited)+1)
	if useAsking {
		pipeline = append(pipeline, clusterkv.NewCommand(clusterkv.MsgpackCodec{}, clusterkv.AskingOpcode, nil))
	}
	pipeline = append(pipeline, awaited...)
	return pipeline, awaited
}

// awaitResponses blocks until every command in awaited has resolved (or ctx
// expires) and returns the first error encountered, nil if all succeeded.
func awaitResponses(ctx context.Context, awaited []*clusterkv.Command) error {
	var first error
	for _, cmd := range awaited {
		_, err := cmd.Promise().GetContext(ctx)
		if err != nil && first == nil {
			if errors.Is(err, context.DeadlineExceeded) {
				err = clusterkv.NewClientError(clusterkv.ErrResponseTimeout, "response timeout")
			}
			first = err
		}
	}
	return first
}

func (ex *BatchExecutor) onSlotSuccess(counter *int64, joined *clusterkv.Future) {
	if atomic.AddInt64(counter, -1) == 0 {
		joined.Set(nil)
	}
}

// failSlot completes joined with the first fatal cause from any slot
// (§4.D step 6, §7 "the first fatal cause from any slot terminates the
// joined batch"). Future.SetError is a no-op past the first resolution, so
// later slot failures are silently dropped here -- exactly the semantics
// §4.D AwaitingResponse wants ("peer slots may still be in flight").
func (ex *BatchExecutor) failSlot(slot uint32, cause error, joined *clusterkv.Future) {
	joined.SetError(newBatchError(slot, cause))
}

func (ex *BatchExecutor) fireRedirect(kind string, slot uint32, addr string) {
	event := clusterkv.NewRedirectEvent(addr, kind, slot)
	ex.Logger.Report(event)
	if ex.Hub != nil {
		ex.Hub.Fire(event)
	}
}
