// Package proposal provides the value type that carries one client request
// through the consensus stages.
//
// A Proposal never changes in place: every transition returns a new value, so
// the full stage history of a request can be kept for auditing.
package proposal

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/hex"
	"fmt"

	"github.com/pkg/errors"
)

// ErrStageContract is matched by every error returned from a transition that was
// called on a proposal in the wrong stage.
var ErrStageContract = errors.New("stage contract violation")

// StageKind enumerates consensus stages in their only legal order.
type StageKind int

const (
	RequestFromClient StageKind = iota
	PrePrepare
	Prepare
	Commit
	Result
)

func (k StageKind) String() string {
	switch k {
	case RequestFromClient:
		return "RequestFromClient"
	case PrePrepare:
		return "PrePrepare"
	case Prepare:
		return "Prepare"
	case Commit:
		return "Commit"
	case Result:
		return "Result"
	default:
		return fmt.Sprintf("StageKind(%d)", int(k))
	}
}

// OutcomeKind is the terminal decision of a round.
type OutcomeKind int

const (
	OutcomeAccepted OutcomeKind = iota
	OutcomeRejected
)

// Outcome is Accepted(valid) or Rejected.
type Outcome struct {
	Kind  OutcomeKind
	Valid bool
}

// Accepted returns the Accepted(valid) outcome.
func Accepted(valid bool) Outcome {
	return Outcome{Kind: OutcomeAccepted, Valid: valid}
}

// Rejected returns the Rejected outcome.
func Rejected() Outcome {
	return Outcome{Kind: OutcomeRejected}
}

func (o Outcome) String() string {
	if o.Kind == OutcomeRejected {
		return "Rejected"
	}
	return fmt.Sprintf("Accepted(%t)", o.Valid)
}

// Stage is a tagged variant: Vote is meaningful only for Commit and Outcome only
// for Result.
type Stage struct {
	Kind    StageKind
	Vote    bool
	Outcome Outcome
}

// Before reports whether s precedes other in the stage order. Payloads are not
// compared.
func (s Stage) Before(other Stage) bool {
	return s.Kind < other.Kind
}

func (s Stage) String() string {
	switch s.Kind {
	case Commit:
		return fmt.Sprintf("Commit(%t)", s.Vote)
	case Result:
		return fmt.Sprintf("Result(%s)", s.Outcome)
	default:
		return s.Kind.String()
	}
}

// Proposal identifies one client request under consensus.
type Proposal struct {
	Key     string
	Client  string
	Content string
	Stage   Stage
}

// New creates a proposal in the RequestFromClient stage.
func New(client, content string) Proposal {
	return Proposal{
		Key:     KeyOf(client, content),
		Client:  client,
		Content: content,
		Stage:   Stage{Kind: RequestFromClient},
	}
}

// KeyOf derives the proposal key from the client identifier and the content.
// Both parts are length-prefixed so that ("ab","c") and ("a","bc") differ.
func KeyOf(client, content string) string {
	h := sha256.New()
	var size [8]byte
	binary.BigEndian.PutUint64(size[:], uint64(len(client)))
	h.Write(size[:])
	h.Write([]byte(client))
	binary.BigEndian.PutUint64(size[:], uint64(len(content)))
	h.Write(size[:])
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// ToPrePrepare moves a RequestFromClient proposal to PrePrepare.
func (p Proposal) ToPrePrepare() (Proposal, error) {
	return p.advance("to_pre_prepare", RequestFromClient, Stage{Kind: PrePrepare})
}

// ToPrepare moves a PrePrepare proposal to Prepare.
func (p Proposal) ToPrepare() (Proposal, error) {
	return p.advance("to_prepare", PrePrepare, Stage{Kind: Prepare})
}

// ToCommit moves a Prepare proposal to Commit carrying this node's vote.
func (p Proposal) ToCommit(vote bool) (Proposal, error) {
	return p.advance("to_commit", Prepare, Stage{Kind: Commit, Vote: vote})
}

// ToAccept moves a Commit proposal to Result(Accepted(valid)).
func (p Proposal) ToAccept(valid bool) (Proposal, error) {
	return p.advance("to_accept", Commit, Stage{Kind: Result, Outcome: Accepted(valid)})
}

// ToReject moves a Commit proposal to Result(Rejected).
func (p Proposal) ToReject() (Proposal, error) {
	return p.advance("to_reject", Commit, Stage{Kind: Result, Outcome: Rejected()})
}

// ToResult picks ToAccept or ToReject for the given outcome.
func (p Proposal) ToResult(outcome Outcome) (Proposal, error) {
	if outcome.Kind == OutcomeRejected {
		return p.ToReject()
	}
	return p.ToAccept(outcome.Valid)
}

func (p Proposal) advance(transition string, from StageKind, next Stage) (Proposal, error) {
	if p.Stage.Kind != from {
		return Proposal{}, &ContractError{Transition: transition, Key: p.Key, Expected: from, Actual: p.Stage}
	}

	p.Stage = next
	return p, nil
}

// ContractError describes a transition invoked from the wrong predecessor stage.
type ContractError struct {
	Transition string
	Key        string
	Expected   StageKind
	Actual     Stage
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("%s: %s on proposal %s requires stage %s, got %s",
		ErrStageContract, e.Transition, e.Key, e.Expected, e.Actual)
}

// Is makes errors.Is(err, ErrStageContract) hold.
func (e *ContractError) Is(target error) bool {
	return target == ErrStageContract
}
