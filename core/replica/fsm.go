package replica

import (
	"github.com/vadiminshakov/pbft/core/proposal"
)

// none marks a tracker that has only buffered votes so far.
const none proposal.StageKind = -1

// localTransitions lists the stage changes a tracker may make. A secondary
// enters at Prepare (the PrePrepare is consumed on arrival), the primary walks
// every stage, and any node may adopt a Result announced by the primary.
var localTransitions = map[proposal.StageKind]map[proposal.StageKind]struct{}{
	none: {
		proposal.RequestFromClient: struct{}{},
		proposal.Prepare:           struct{}{},
		proposal.Result:            struct{}{},
	},
	proposal.RequestFromClient: {
		proposal.PrePrepare: struct{}{},
	},
	proposal.PrePrepare: {
		proposal.Prepare: struct{}{},
		proposal.Result:  struct{}{},
	},
	proposal.Prepare: {
		proposal.Commit: struct{}{},
		proposal.Result: struct{}{},
	},
	proposal.Commit: {
		proposal.Result: struct{}{},
	},
}

func canAdvance(current *proposal.Proposal, next proposal.StageKind) bool {
	from := none
	if current != nil {
		from = current.Stage.Kind
	}

	allowed, ok := localTransitions[from]
	if !ok {
		return false
	}
	_, ok = allowed[next]
	return ok
}
