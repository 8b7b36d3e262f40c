// Package clusterkv implements the correctness-critical core of a clustered
// key-value-store client: the per-node connection with health-based freeze
// and reconnection (see package pool), the slot-partitioned batch
// accumulator (see package batch), and the batch executor that fans a batch
// out across the cluster, retries under timeout, and follows cluster
// redirects (see package executor).
//
// This package holds the pieces every other package depends on: the wire
// Connection to a single node, the pluggable command Codec, per-command
// Futures, and the ambient logging and event-notification stack.
package clusterkv
