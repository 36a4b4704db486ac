// Package dto provides data transfer objects exchanged between the consensus
// loop and its clients.
//
// These structures cross the goroutine boundary of the reactor loop and the
// client gateway, so they carry copies and never pointers into loop state.
package dto

// DecisionStatus describes where a proposal key stands on this node.
type DecisionStatus string

const (
	// DecisionUnknown means the node has never seen the key or has forgotten it.
	DecisionUnknown DecisionStatus = "unknown"
	// DecisionPending means the key is in flight.
	DecisionPending DecisionStatus = "pending"
	// DecisionAccepted means the round finished with Accepted(valid).
	DecisionAccepted DecisionStatus = "accepted"
	// DecisionRejected means the round finished with Rejected.
	DecisionRejected DecisionStatus = "rejected"
	// DecisionAbandoned means the quorum deadline elapsed before a decision.
	DecisionAbandoned DecisionStatus = "abandoned"
)

// Decision is the state of one proposal key.
type Decision struct {
	ProposalKey string
	Status      DecisionStatus
	Valid       bool   // Meaningful only for DecisionAccepted
	Stage       string // Local stage while pending
}

// NodeInfo summarizes the node's role and load.
type NodeInfo struct {
	PeerID         string
	Primary        string
	IsPrimary      bool
	PeerCount      uint32
	FaultTolerance uint32
	Quorum         int
	InFlight       int
	Decided        int
}
