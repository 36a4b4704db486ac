// Package quorum keeps per-proposal vote bookkeeping and decides when a stage
// has gathered enough distinct votes to advance.
//
// Votes are counted by peer identity, never by message: a peer that resends
// its Prepare N times contributes one vote, and a peer's commit vote is
// whatever it sent last.
package quorum

import (
	"sort"
	"time"

	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/core/role"
)

// Threshold provides the current 2f+1 value. *role.Role satisfies it.
type Threshold interface {
	QuorumThreshold() int
}

// PrepareOutcome is the result of recording a Prepare vote.
type PrepareOutcome struct {
	Count   int
	Reached bool
}

// CommitOutcome is the result of recording a Commit vote. Reached holds when
// either side of the vote has a quorum.
type CommitOutcome struct {
	Reached bool
	InFavor int
	Opposed int
}

// Tracker is the live state of one proposal key.
type Tracker struct {
	// Proposal is the latest stage this node reached for the key; nil while only
	// votes have been seen (they are buffered until the PrePrepare arrives).
	Proposal *proposal.Proposal
	// Vote is this node's own commit vote, fixed when it enters Prepare.
	Vote     bool
	Deadline time.Time

	history  []proposal.Proposal
	prepares map[role.PeerID]struct{}
	commits  map[role.PeerID]bool
}

func newTracker(deadline time.Time) *Tracker {
	return &Tracker{
		Deadline: deadline,
		prepares: make(map[role.PeerID]struct{}),
		commits:  make(map[role.PeerID]bool),
	}
}

// Advance replaces the current proposal with its next stage value and keeps
// the previous one in the history.
func (t *Tracker) Advance(p proposal.Proposal, deadline time.Time) {
	t.history = append(t.history, p)
	t.Proposal = &t.history[len(t.history)-1]
	t.Deadline = deadline
}

// Stage returns the local stage, or false while the tracker only buffers votes.
func (t *Tracker) Stage() (proposal.Stage, bool) {
	if t.Proposal == nil {
		return proposal.Stage{}, false
	}
	return t.Proposal.Stage, true
}

// History returns every stage value this node produced for the key, oldest first.
func (t *Tracker) History() []proposal.Proposal {
	out := make([]proposal.Proposal, len(t.history))
	copy(out, t.history)
	return out
}

func (t *Tracker) PrepareCount() int {
	return len(t.prepares)
}

// Tally returns the number of commit votes in favor and against.
func (t *Tracker) Tally() (inFavor, opposed int) {
	for _, v := range t.commits {
		if v {
			inFavor++
		} else {
			opposed++
		}
	}
	return inFavor, opposed
}

// Book owns one Tracker per in-flight proposal key.
type Book struct {
	threshold Threshold
	trackers  map[string]*Tracker
}

func NewBook(threshold Threshold) *Book {
	return &Book{
		threshold: threshold,
		trackers:  make(map[string]*Tracker),
	}
}

// Track returns the tracker for key, creating it with the given deadline on
// first sighting.
func (b *Book) Track(key string, deadline time.Time) *Tracker {
	t, ok := b.trackers[key]
	if !ok {
		t = newTracker(deadline)
		b.trackers[key] = t
	}
	return t
}

// Get returns the tracker for key if one is live.
func (b *Book) Get(key string) (*Tracker, bool) {
	t, ok := b.trackers[key]
	return t, ok
}

// RecordPrepare adds peer's Prepare vote for key. Recording the same peer twice
// is a no-op that still reports the current count.
func (b *Book) RecordPrepare(key string, peer role.PeerID, deadline time.Time) PrepareOutcome {
	t := b.Track(key, deadline)
	t.prepares[peer] = struct{}{}
	return b.prepareOutcome(t)
}

// RecordCommit stores peer's commit vote for key, overwriting any earlier vote
// from the same peer.
func (b *Book) RecordCommit(key string, peer role.PeerID, vote bool, deadline time.Time) CommitOutcome {
	t := b.Track(key, deadline)
	t.commits[peer] = vote
	return b.commitOutcome(t)
}

// PrepareStatus re-evaluates the Prepare quorum against the current threshold.
func (b *Book) PrepareStatus(key string) PrepareOutcome {
	t, ok := b.trackers[key]
	if !ok {
		return PrepareOutcome{}
	}
	return b.prepareOutcome(t)
}

// CommitStatus re-evaluates the Commit quorum against the current threshold.
func (b *Book) CommitStatus(key string) CommitOutcome {
	t, ok := b.trackers[key]
	if !ok {
		return CommitOutcome{}
	}
	return b.commitOutcome(t)
}

// Finalize turns the commit tally into an outcome: Accepted(true) iff the votes
// in favor reach the threshold, Accepted(false) iff the votes against do, and
// Rejected otherwise.
func (b *Book) Finalize(key string) proposal.Outcome {
	t, ok := b.trackers[key]
	if !ok {
		return proposal.Rejected()
	}

	q := b.threshold.QuorumThreshold()
	inFavor, opposed := t.Tally()
	switch {
	case inFavor >= q:
		return proposal.Accepted(true)
	case opposed >= q:
		return proposal.Accepted(false)
	default:
		return proposal.Rejected()
	}
}

// Evict drops the tracker for key.
func (b *Book) Evict(key string) {
	delete(b.trackers, key)
}

// Expired returns the keys whose deadline is before now, sorted.
func (b *Book) Expired(now time.Time) []string {
	var keys []string
	for key, t := range b.trackers {
		if t.Deadline.Before(now) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	return keys
}

// Keys returns all live keys, sorted.
func (b *Book) Keys() []string {
	keys := make([]string, 0, len(b.trackers))
	for key := range b.trackers {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}

func (b *Book) Len() int {
	return len(b.trackers)
}

func (b *Book) prepareOutcome(t *Tracker) PrepareOutcome {
	count := t.PrepareCount()
	return PrepareOutcome{Count: count, Reached: count >= b.threshold.QuorumThreshold()}
}

func (b *Book) commitOutcome(t *Tracker) CommitOutcome {
	q := b.threshold.QuorumThreshold()
	inFavor, opposed := t.Tally()
	return CommitOutcome{
		Reached: inFavor >= q || opposed >= q,
		InFavor: inFavor,
		Opposed: opposed,
	}
}
