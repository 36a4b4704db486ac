package replica

import (
	"github.com/pkg/errors"
	"github.com/vadiminshakov/pbft/core/proposal"
)

var (
	// ErrRoleViolation is returned when an operation requires a role the node
	// or the message origin lacks. No state changes.
	ErrRoleViolation = errors.New("role violation")
	// ErrStale is returned for messages that are valid but no longer actionable:
	// duplicates of a stage already completed, or messages for finalized keys.
	ErrStale = errors.New("stale message")
	// ErrQuorumTimeout marks proposals evicted after their soft deadline.
	ErrQuorumTimeout = errors.New("quorum timeout")
	// ErrStageContract is matched by transitions attempted from the wrong stage.
	ErrStageContract = proposal.ErrStageContract
)
