package hooks

import (
	"github.com/vadiminshakov/pbft/core/proposal"
)

// Abandonment describes a proposal evicted because its quorum deadline elapsed.
type Abandonment struct {
	Key      string
	Client   string
	Stage    string // "buffered" when the PrePrepare never arrived
	Prepares int
	InFavor  int
	Opposed  int
}

// Hook defines the interface for consensus hooks.
type Hook interface {
	// OnPrepare validates a proposal as it enters Prepare. The node commits in
	// favor only if every hook returns true.
	OnPrepare(p *proposal.Proposal) bool
	// OnResult observes a finalized proposal.
	OnResult(p *proposal.Proposal)
	// OnAbandon observes a proposal evicted after its deadline.
	OnAbandon(a Abandonment)
}

// Registry manages a collection of hooks.
type Registry struct {
	hooks []Hook
}

// NewRegistry creates a new hook registry.
func NewRegistry() *Registry {
	return &Registry{
		hooks: make([]Hook, 0),
	}
}

// Register adds a new hook to the registry.
func (r *Registry) Register(hook Hook) {
	r.hooks = append(r.hooks, hook)
}

// ExecutePrepare runs all registered prepare hooks.
// Returns false if any hook returns false. Every hook is called.
func (r *Registry) ExecutePrepare(p *proposal.Proposal) bool {
	ok := true
	for _, hook := range r.hooks {
		if !hook.OnPrepare(p) {
			ok = false
		}
	}
	return ok
}

// ExecuteResult notifies all hooks of a decision.
func (r *Registry) ExecuteResult(p *proposal.Proposal) {
	for _, hook := range r.hooks {
		hook.OnResult(p)
	}
}

// ExecuteAbandon notifies all hooks of an abandoned proposal.
func (r *Registry) ExecuteAbandon(a Abandonment) {
	for _, hook := range r.hooks {
		hook.OnAbandon(a)
	}
}

// Count returns the number of registered hooks
func (r *Registry) Count() int {
	return len(r.hooks)
}
