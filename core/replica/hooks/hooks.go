// Package hooks provides an extensible hook system for the consensus state machine.
//
// Hooks decide this node's commit vote when a proposal enters Prepare and
// observe decisions and timeouts, so validation, metrics and persistence can be
// added without touching the state machine.
package hooks

import (
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/pbft/core/proposal"
)

// DefaultHook provides the default logging behavior
type DefaultHook struct{}

// NewDefaultHook creates a new default hook instance
func NewDefaultHook() *DefaultHook {
	return &DefaultHook{}
}

// OnPrepare implements the Hook interface for prepare operations
func (h *DefaultHook) OnPrepare(p *proposal.Proposal) bool {
	log.Infof("prepare hook on proposal %s is OK", p.Key)
	return true
}

// OnResult implements the Hook interface for decisions
func (h *DefaultHook) OnResult(p *proposal.Proposal) {
	log.Infof("proposal %s finalized with %s", p.Key, p.Stage.Outcome)
}

// OnAbandon implements the Hook interface for timeouts
func (h *DefaultHook) OnAbandon(a Abandonment) {
	log.Warnf("proposal %s abandoned at stage %s", a.Key, a.Stage)
}
