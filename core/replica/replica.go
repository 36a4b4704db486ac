// Package replica implements the PBFT consensus state machine of one node.
//
// A Replica is not safe for concurrent use. It is owned by a single reactor
// goroutine (see package node) which feeds it one event at a time; every
// method returns the envelopes the node must broadcast as a result.
package replica

import (
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/pbft/core/dto"
	"github.com/vadiminshakov/pbft/core/envelope"
	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/core/quorum"
	"github.com/vadiminshakov/pbft/core/replica/hooks"
	"github.com/vadiminshakov/pbft/core/role"
)

const (
	DefaultTimeout   = 6 * time.Second
	DefaultRetention = 10 * time.Minute
)

// Journal receives every proposal value the replica produces.
type Journal interface {
	Append(p proposal.Proposal) error
}

// Archive answers for keys this node decided before its in-memory record of
// them was lost to a restart or to retention.
type Archive interface {
	Decision(key string) (dto.Decision, error)
	History(key string) ([]proposal.Proposal, error)
}

type Option func(*Replica)

// WithTimeout sets the soft deadline for each stage of a proposal.
func WithTimeout(d time.Duration) Option {
	return func(r *Replica) {
		r.timeout = d
	}
}

// WithRetention sets how long finalized and abandoned keys are remembered.
func WithRetention(d time.Duration) Option {
	return func(r *Replica) {
		r.retention = d
	}
}

// WithHooks registers hooks. Without any, the default logging hook is used.
func WithHooks(hs ...hooks.Hook) Option {
	return func(r *Replica) {
		for _, h := range hs {
			r.hooks.Register(h)
		}
	}
}

// WithJournal records the stage history of every proposal.
func WithJournal(j Journal) Option {
	return func(r *Replica) {
		r.journal = j
	}
}

// WithArchive consults a for keys the replica no longer remembers.
func WithArchive(a Archive) Option {
	return func(r *Replica) {
		r.archive = a
	}
}

type closed struct {
	outcome   proposal.Outcome
	abandoned bool
	at        time.Time
}

// Replica is the consensus state machine keyed by proposal key.
type Replica struct {
	role      *role.Role
	book      *quorum.Book
	hooks     *hooks.Registry
	journal   Journal
	archive   Archive
	timeout   time.Duration
	retention time.Duration
	closed    map[string]closed
}

// New creates a replica for the given role.
func New(r *role.Role, opts ...Option) *Replica {
	rep := &Replica{
		role:      r,
		book:      quorum.NewBook(r),
		hooks:     hooks.NewRegistry(),
		timeout:   DefaultTimeout,
		retention: DefaultRetention,
		closed:    make(map[string]closed),
	}

	for _, opt := range opts {
		opt(rep)
	}

	if rep.hooks.Count() == 0 {
		rep.hooks.Register(hooks.NewDefaultHook())
	}

	return rep
}

func (r *Replica) Role() *role.Role {
	return r.role
}

// Submit seeds a fresh proposal from a client request. Only the primary may
// submit; a request already in flight or decided produces no new round.
func (r *Replica) Submit(client, content string, now time.Time) (string, []envelope.Envelope, error) {
	if !r.role.IsPrimary() {
		return "", nil, errors.Wrapf(ErrRoleViolation, "node %s is not primary and cannot accept client requests", r.role.Self())
	}

	p := proposal.New(client, content)
	out, err := r.seed(p, now)
	return p.Key, out, err
}

// HandleMessage applies one inbound envelope received from origin.
func (r *Replica) HandleMessage(env envelope.Envelope, origin role.PeerID, now time.Time) ([]envelope.Envelope, error) {
	switch env.Stage.Kind {
	case proposal.RequestFromClient:
		return r.onRequest(env, origin, now)
	case proposal.PrePrepare:
		return r.onPrePrepare(env, origin, now)
	case proposal.Prepare:
		return r.onPrepare(env, origin, now)
	case proposal.Commit:
		return r.onCommit(env, origin, now)
	case proposal.Result:
		return nil, r.onResult(env, origin, now)
	default:
		return nil, errors.Errorf("unhandled stage %s", env.Stage.Kind)
	}
}

// PeerJoined grows the live peer set and re-evaluates in-flight proposals
// against the new threshold.
func (r *Replica) PeerJoined(id role.PeerID, now time.Time) []envelope.Envelope {
	if !r.role.Join(id) {
		return nil
	}
	log.WithFields(log.Fields{"peer": id, "n": r.role.PeerCount(), "quorum": r.role.QuorumThreshold()}).Info("peer count changed")
	return r.reevaluate(now)
}

// PeerLeft shrinks the live peer set and re-evaluates in-flight proposals.
func (r *Replica) PeerLeft(id role.PeerID, now time.Time) []envelope.Envelope {
	if !r.role.Leave(id) {
		return nil
	}
	log.WithFields(log.Fields{"peer": id, "n": r.role.PeerCount(), "quorum": r.role.QuorumThreshold()}).Info("peer count changed")
	return r.reevaluate(now)
}

// Expire evicts every proposal whose deadline passed and forgets closed keys
// older than the retention period.
func (r *Replica) Expire(now time.Time) []hooks.Abandonment {
	var abandoned []hooks.Abandonment
	for _, key := range r.book.Expired(now) {
		t, _ := r.book.Get(key)
		a := abandonment(key, t)
		r.book.Evict(key)
		r.closed[key] = closed{abandoned: true, at: now}

		log.WithFields(log.Fields{
			"proposal": key,
			"stage":    a.Stage,
			"prepares": a.Prepares,
			"in_favor": a.InFavor,
			"opposed":  a.Opposed,
		}).Warn(ErrQuorumTimeout.Error())
		r.hooks.ExecuteAbandon(a)
		abandoned = append(abandoned, a)
	}

	for key, c := range r.closed {
		if now.Sub(c.at) > r.retention {
			delete(r.closed, key)
		}
	}

	return abandoned
}

// Decision reports the state of key on this node.
func (r *Replica) Decision(key string) dto.Decision {
	if c, ok := r.closed[key]; ok {
		switch {
		case c.abandoned:
			return dto.Decision{ProposalKey: key, Status: dto.DecisionAbandoned}
		case c.outcome.Kind == proposal.OutcomeRejected:
			return dto.Decision{ProposalKey: key, Status: dto.DecisionRejected}
		default:
			return dto.Decision{ProposalKey: key, Status: dto.DecisionAccepted, Valid: c.outcome.Valid}
		}
	}

	if t, ok := r.book.Get(key); ok {
		stage := "buffered"
		if s, ok := t.Stage(); ok {
			stage = s.String()
		}
		return dto.Decision{ProposalKey: key, Status: dto.DecisionPending, Stage: stage}
	}

	if r.archive != nil {
		d, err := r.archive.Decision(key)
		if err == nil {
			return d
		}
		log.WithField("proposal", key).Errorf("failed to read archived decision: %v", err)
	}

	return dto.Decision{ProposalKey: key, Status: dto.DecisionUnknown}
}

// History returns the stage values this node produced for key. Keys no longer
// in flight are answered from the archive.
func (r *Replica) History(key string) []proposal.Proposal {
	if t, ok := r.book.Get(key); ok {
		return t.History()
	}
	if r.archive == nil {
		return nil
	}

	history, err := r.archive.History(key)
	if err != nil {
		log.WithField("proposal", key).Errorf("failed to read archived history: %v", err)
		return nil
	}
	return history
}

// Info summarizes role and load.
func (r *Replica) Info() dto.NodeInfo {
	return dto.NodeInfo{
		PeerID:         string(r.role.Self()),
		Primary:        string(r.role.Primary()),
		IsPrimary:      r.role.IsPrimary(),
		PeerCount:      r.role.PeerCount(),
		FaultTolerance: r.role.FaultTolerance(),
		Quorum:         r.role.QuorumThreshold(),
		InFlight:       r.book.Len(),
		Decided:        len(r.closed),
	}
}

func (r *Replica) onRequest(env envelope.Envelope, origin role.PeerID, now time.Time) ([]envelope.Envelope, error) {
	if !r.role.IsPrimary() {
		return nil, errors.Wrapf(ErrRoleViolation, "secondary %s got a client request for %s from %s", r.role.Self(), env.ProposalKey, origin)
	}
	return r.seed(env.Proposal(), now)
}

func (r *Replica) seed(p proposal.Proposal, now time.Time) ([]envelope.Envelope, error) {
	if r.isClosed(p.Key) {
		return nil, errors.Wrapf(ErrStale, "proposal %s is already closed", p.Key)
	}
	t := r.book.Track(p.Key, r.deadline(now))
	if t.Proposal != nil {
		return nil, errors.Wrapf(ErrStale, "proposal %s is already in flight", p.Key)
	}

	if err := r.advance(t, p, now); err != nil {
		return nil, err
	}
	next, err := p.ToPrePrepare()
	if err != nil {
		return nil, r.contractViolation(p, err)
	}
	if err := r.advance(t, next, now); err != nil {
		return nil, err
	}

	log.WithFields(log.Fields{"proposal": p.Key, "client": p.Client}).Info("[REQUEST STAGE]: primary sends pre-prepared proposal")
	return []envelope.Envelope{envelope.FromProposal(next)}, nil
}

func (r *Replica) onPrePrepare(env envelope.Envelope, origin role.PeerID, now time.Time) ([]envelope.Envelope, error) {
	key := env.ProposalKey
	if r.isClosed(key) {
		return nil, errors.Wrapf(ErrStale, "pre-prepare for closed proposal %s", key)
	}
	if primary := r.role.Primary(); primary != "" && origin != primary {
		return nil, errors.Wrapf(ErrRoleViolation, "pre-prepare for %s from %s, primary is %s", key, origin, primary)
	}

	t := r.book.Track(key, r.deadline(now))
	if !canAdvance(t.Proposal, proposal.Prepare) {
		return nil, errors.Wrapf(ErrStale, "proposal %s already past pre-prepare", key)
	}
	if r.role.LearnPrimary(origin) {
		log.WithField("primary", origin).Info("learned primary from pre-prepare")
	}

	next, err := env.Proposal().ToPrepare()
	if err != nil {
		return nil, r.contractViolation(env.Proposal(), err)
	}

	vote := r.hooks.ExecutePrepare(&next)
	if err := r.advance(t, next, now); err != nil {
		return nil, err
	}
	t.Vote = vote
	r.book.RecordPrepare(key, r.role.Self(), r.deadline(now))

	log.WithFields(log.Fields{"proposal": key, "vote": vote}).Info("[PRE-PREPARE STAGE]: sending prepare")
	out := []envelope.Envelope{envelope.FromProposal(next)}
	return append(out, r.evaluate(key, t, now)...), nil
}

func (r *Replica) onPrepare(env envelope.Envelope, origin role.PeerID, now time.Time) ([]envelope.Envelope, error) {
	key := env.ProposalKey
	if r.isClosed(key) {
		return nil, errors.Wrapf(ErrStale, "prepare for closed proposal %s", key)
	}

	res := r.book.RecordPrepare(key, origin, r.deadline(now))
	log.WithFields(log.Fields{"proposal": key, "from": origin, "prepares": res.Count}).Debug("[PREPARE STAGE]: vote recorded")

	t, _ := r.book.Get(key)
	return r.evaluate(key, t, now), nil
}

func (r *Replica) onCommit(env envelope.Envelope, origin role.PeerID, now time.Time) ([]envelope.Envelope, error) {
	key := env.ProposalKey
	if r.isClosed(key) {
		return nil, errors.Wrapf(ErrStale, "commit for closed proposal %s", key)
	}

	res := r.book.RecordCommit(key, origin, env.Stage.Vote, r.deadline(now))
	log.WithFields(log.Fields{
		"proposal": key,
		"from":     origin,
		"vote":     env.Stage.Vote,
		"in_favor": res.InFavor,
		"opposed":  res.Opposed,
	}).Debug("[COMMIT STAGE]: vote recorded")

	t, _ := r.book.Get(key)
	return r.evaluate(key, t, now), nil
}

func (r *Replica) onResult(env envelope.Envelope, origin role.PeerID, now time.Time) error {
	key := env.ProposalKey
	if r.isClosed(key) {
		return errors.Wrapf(ErrStale, "result for closed proposal %s", key)
	}
	primary := r.role.Primary()
	if primary == "" {
		return errors.Wrapf(ErrRoleViolation, "result for %s from %s, primary is unknown", key, origin)
	}
	if origin != primary {
		return errors.Wrapf(ErrRoleViolation, "result for %s from %s, primary is %s", key, origin, primary)
	}

	t := r.book.Track(key, r.deadline(now))
	final := env.Proposal()
	if err := r.advance(t, final, now); err != nil {
		return err
	}

	r.finalize(key, final, now)
	return nil
}

// isClosed reports whether key was finalized or abandoned here. Keys the book
// does not track are also looked up in the archive, so a decision survives
// restarts and retention.
func (r *Replica) isClosed(key string) bool {
	if _, ok := r.closed[key]; ok {
		return true
	}
	if r.archive == nil {
		return false
	}
	if _, ok := r.book.Get(key); ok {
		return false
	}

	d, err := r.archive.Decision(key)
	if err != nil {
		log.WithField("proposal", key).Errorf("failed to read archived decision: %v", err)
		return false
	}
	return d.Status == dto.DecisionAccepted || d.Status == dto.DecisionRejected
}

// evaluate advances a tracker as far as its buffered votes allow.
func (r *Replica) evaluate(key string, t *quorum.Tracker, now time.Time) []envelope.Envelope {
	var out []envelope.Envelope
	for {
		stage, ok := t.Stage()
		if !ok {
			return out
		}

		switch stage.Kind {
		case proposal.Prepare:
			if !r.book.PrepareStatus(key).Reached {
				return out
			}
			next, err := t.Proposal.ToCommit(t.Vote)
			if err != nil {
				_ = r.contractViolation(*t.Proposal, err)
				return out
			}
			if err := r.advance(t, next, now); err != nil {
				return out
			}
			r.book.RecordCommit(key, r.role.Self(), t.Vote, r.deadline(now))

			log.WithFields(log.Fields{"proposal": key, "vote": t.Vote}).Info("[PREPARE STAGE]: quorum reached, sending commit")
			out = append(out, envelope.FromProposal(next))

		case proposal.Commit:
			if !r.book.CommitStatus(key).Reached {
				return out
			}
			final, err := t.Proposal.ToResult(r.book.Finalize(key))
			if err != nil {
				_ = r.contractViolation(*t.Proposal, err)
				return out
			}
			if err := r.advance(t, final, now); err != nil {
				return out
			}
			r.finalize(key, final, now)

			if r.role.IsPrimary() {
				log.WithFields(log.Fields{"proposal": key, "outcome": final.Stage.Outcome.String()}).Info("[COMMIT STAGE]: primary sends result")
				out = append(out, envelope.FromProposal(final))
			}
			return out

		case proposal.RequestFromClient, proposal.PrePrepare, proposal.Result:
			return out
		}
	}
}

func (r *Replica) reevaluate(now time.Time) []envelope.Envelope {
	var out []envelope.Envelope
	for _, key := range r.book.Keys() {
		if t, ok := r.book.Get(key); ok {
			out = append(out, r.evaluate(key, t, now)...)
		}
	}
	return out
}

func (r *Replica) advance(t *quorum.Tracker, p proposal.Proposal, now time.Time) error {
	if !canAdvance(t.Proposal, p.Stage.Kind) {
		from := "none"
		if t.Proposal != nil {
			from = t.Proposal.Stage.String()
		}
		err := errors.Wrapf(ErrStageContract, "proposal %s cannot move from %s to %s", p.Key, from, p.Stage)
		return r.contractViolation(p, err)
	}

	t.Advance(p, r.deadline(now))
	if r.journal != nil {
		if err := r.journal.Append(p); err != nil {
			log.WithFields(log.Fields{"proposal": p.Key, "stage": p.Stage.String()}).Errorf("failed to journal proposal: %v", err)
		}
	}
	return nil
}

func (r *Replica) finalize(key string, final proposal.Proposal, now time.Time) {
	r.book.Evict(key)
	r.closed[key] = closed{outcome: final.Stage.Outcome, at: now}
	r.hooks.ExecuteResult(&final)

	log.WithFields(log.Fields{"proposal": key, "outcome": final.Stage.Outcome.String()}).Info("[RESULT STAGE]: proposal finalized")
}

func (r *Replica) contractViolation(p proposal.Proposal, err error) error {
	log.WithFields(log.Fields{
		"proposal": p.Key,
		"client":   p.Client,
		"stage":    p.Stage.String(),
		"node":     r.role.Self(),
	}).Errorf("stage contract violation: %v", err)
	return err
}

func (r *Replica) deadline(now time.Time) time.Time {
	return now.Add(r.timeout)
}

func abandonment(key string, t *quorum.Tracker) hooks.Abandonment {
	a := hooks.Abandonment{Key: key, Stage: "buffered"}
	if t == nil {
		return a
	}
	if stage, ok := t.Stage(); ok {
		a.Stage = stage.String()
		a.Client = t.Proposal.Client
	}
	a.Prepares = t.PrepareCount()
	a.InFavor, a.Opposed = t.Tally()
	return a
}
