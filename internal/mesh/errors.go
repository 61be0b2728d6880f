package mesh

import "errors"

// Shared error taxonomy. Transient network errors (ErrUnreachable,
// ErrTimeout) may be retried by owning components within a bounded
// budget; contention and routing errors are contractual signals returned
// to the caller and never retried automatically.
var (
	ErrUnreachable       = errors.New("mesh: node unreachable")
	ErrTimeout           = errors.New("mesh: operation timed out")
	ErrConflict          = errors.New("mesh: version conflict")
	ErrStaleVersion      = errors.New("mesh: stale parent version")
	ErrNoEligibleNode    = errors.New("mesh: no eligible node")
	ErrReplicationFailed = errors.New("mesh: replication failed")
	ErrCancelled         = errors.New("mesh: cancelled")
	ErrDraining          = errors.New("mesh: coordinator draining")
	ErrQuorumNotReached  = errors.New("mesh: startup quorum not reached")
	ErrUnknownNode       = errors.New("mesh: unknown node")

	ErrInvalidNode     = errors.New("mesh: invalid node")
	ErrInvalidNodeType = errors.New("mesh: invalid node type")
	ErrInvalidRecord   = errors.New("mesh: invalid file record")
)
