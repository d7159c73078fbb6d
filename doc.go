// Package realtime implements the live event distribution layer for the
// OpenCivic platform: a connection manager that owns a single shared
// transport handle and fans change events out to per-scope subscriptions.
//
// Between the transport and the consumer callback every event passes a
// fixed pipeline: row filter, per-scope rate limiter, per-subscription
// deduplicator, bounded dispatch queue. Connection loss is recovered with
// capped exponential backoff and jitter; exhausting the attempt budget
// parks the manager in a terminal ERROR state until Reinitialize is
// called.
package realtime
