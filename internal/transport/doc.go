// Package transport owns peer connectivity and message delivery.
//
// Ownership boundary:
// - connection table (sole writer; readable by any component)
//
// - send/broadcast with explicit deadlines
//
// - retry backoff primitives
//
// A failed send is never retried here; retry policy belongs to the
// caller (replication, guardian). Timeouts always surface as
// mesh.ErrTimeout, sends without a prior connection as mesh.ErrUnreachable.
package transport
