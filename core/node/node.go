// Package node runs the consensus reactor: a single goroutine that owns the
// replica and consumes network messages, discovery notices and client calls
// from one mailbox.
package node

import (
	"context"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/pbft/core/dto"
	"github.com/vadiminshakov/pbft/core/envelope"
	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/core/replica"
	"github.com/vadiminshakov/pbft/core/role"
	"github.com/vadiminshakov/pbft/io/metrics"
)

const (
	defaultMailbox = 1024
	defaultOutbox  = 1024
	defaultSweep   = time.Second
)

//go:generate mockgen -destination=../../mocks/mock_broadcaster.go -package=mocks . Broadcaster

// Broadcaster publishes one envelope to every peer.
type Broadcaster interface {
	Broadcast(ctx context.Context, env envelope.Envelope) error
}

type Option func(*Node)

// WithSweepInterval sets how often expired proposals are evicted.
func WithSweepInterval(d time.Duration) Option {
	return func(n *Node) {
		n.sweep = d
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(n *Node) {
		n.metrics = m
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(n *Node) {
		n.now = now
	}
}

// WithMailboxSize sets the inbound and outbound queue capacity.
func WithMailboxSize(size int) Option {
	return func(n *Node) {
		n.mailbox = make(chan event, size)
		n.outbox = make(chan envelope.Envelope, size)
	}
}

type event interface{}

type messageEvent struct {
	raw    []byte
	origin role.PeerID
}

type peerEvent struct {
	id     role.PeerID
	joined bool
}

type submitEvent struct {
	client  string
	content string
	reply   chan submitReply
}

type submitReply struct {
	key string
	err error
}

type decisionEvent struct {
	key   string
	reply chan dto.Decision
}

type historyEvent struct {
	key   string
	reply chan []proposal.Proposal
}

type infoEvent struct {
	reply chan dto.NodeInfo
}

// Node serializes every access to the replica through its mailbox.
type Node struct {
	replica     *replica.Replica
	broadcaster Broadcaster
	metrics     *metrics.Metrics
	sweep       time.Duration
	now         func() time.Time

	mailbox chan event
	outbox  chan envelope.Envelope
	done    chan struct{}
}

// New creates a node around r. Nothing runs until Run is called.
func New(r *replica.Replica, b Broadcaster, opts ...Option) *Node {
	n := &Node{
		replica:     r,
		broadcaster: b,
		sweep:       defaultSweep,
		now:         time.Now,
		mailbox:     make(chan event, defaultMailbox),
		outbox:      make(chan envelope.Envelope, defaultOutbox),
		done:        make(chan struct{}),
	}

	for _, opt := range opts {
		opt(n)
	}

	return n
}

// Run processes events until ctx is cancelled.
func (n *Node) Run(ctx context.Context) {
	defer close(n.done)

	sendCtx, cancel := context.WithCancel(ctx)
	sent := make(chan struct{})
	go func() {
		defer close(sent)
		n.send(sendCtx)
	}()
	defer func() {
		cancel()
		<-sent
	}()

	ticker := time.NewTicker(n.sweep)
	defer ticker.Stop()

	n.publishState()
	log.WithFields(log.Fields{
		"node":    n.replica.Role().Self(),
		"primary": n.replica.Role().IsPrimary(),
	}).Info("consensus loop started")

	for {
		select {
		case <-ctx.Done():
			log.Info("consensus loop stopped")
			return
		case <-ticker.C:
			n.expire()
		case ev := <-n.mailbox:
			n.handle(ev)
		}
		n.publishState()
	}
}

// Deliver hands a raw message received from origin to the loop.
func (n *Node) Deliver(raw []byte, origin role.PeerID) {
	n.enqueue(messageEvent{raw: raw, origin: origin})
}

// OnPeerJoined reports a newly discovered peer.
func (n *Node) OnPeerJoined(id role.PeerID) {
	n.enqueue(peerEvent{id: id, joined: true})
}

// OnPeerLeft reports a peer that is no longer reachable.
func (n *Node) OnPeerLeft(id role.PeerID) {
	n.enqueue(peerEvent{id: id})
}

// Submit starts consensus on a client request and returns its proposal key.
// It fails with replica.ErrRoleViolation on a secondary.
func (n *Node) Submit(ctx context.Context, client, content string) (string, error) {
	reply := make(chan submitReply, 1)
	if err := n.call(ctx, submitEvent{client: client, content: content, reply: reply}); err != nil {
		return "", err
	}

	select {
	case r := <-reply:
		return r.key, r.err
	case <-ctx.Done():
		return "", ctx.Err()
	case <-n.done:
		return "", ErrStopped
	}
}

// Decision reports the state of a proposal key on this node.
func (n *Node) Decision(ctx context.Context, key string) (dto.Decision, error) {
	reply := make(chan dto.Decision, 1)
	if err := n.call(ctx, decisionEvent{key: key, reply: reply}); err != nil {
		return dto.Decision{}, err
	}

	select {
	case d := <-reply:
		return d, nil
	case <-ctx.Done():
		return dto.Decision{}, ctx.Err()
	case <-n.done:
		return dto.Decision{}, ErrStopped
	}
}

// History returns the stage values this node produced for key, oldest first.
func (n *Node) History(ctx context.Context, key string) ([]proposal.Proposal, error) {
	reply := make(chan []proposal.Proposal, 1)
	if err := n.call(ctx, historyEvent{key: key, reply: reply}); err != nil {
		return nil, err
	}

	select {
	case h := <-reply:
		return h, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-n.done:
		return nil, ErrStopped
	}
}

func (n *Node) Info(ctx context.Context) (dto.NodeInfo, error) {
	reply := make(chan dto.NodeInfo, 1)
	if err := n.call(ctx, infoEvent{reply: reply}); err != nil {
		return dto.NodeInfo{}, err
	}

	select {
	case info := <-reply:
		return info, nil
	case <-ctx.Done():
		return dto.NodeInfo{}, ctx.Err()
	case <-n.done:
		return dto.NodeInfo{}, ErrStopped
	}
}

func (n *Node) call(ctx context.Context, ev event) error {
	select {
	case n.mailbox <- ev:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-n.done:
		return ErrStopped
	}
}

func (n *Node) enqueue(ev event) {
	select {
	case n.mailbox <- ev:
	case <-n.done:
	}
}

func (n *Node) handle(ev event) {
	now := n.now()

	switch ev := ev.(type) {
	case messageEvent:
		env, err := envelope.Decode(ev.raw)
		if err != nil {
			n.metrics.RecordDropped("decode")
			log.WithField("origin", ev.origin).Warnf("dropping message: %v", err)
			return
		}
		n.metrics.RecordReceived(env.Stage.Kind.String())

		out, err := n.replica.HandleMessage(env, ev.origin, now)
		if err != nil {
			n.reject(env, ev.origin, err)
		}
		n.dispatch(out, now)

	case peerEvent:
		var out []envelope.Envelope
		if ev.joined {
			out = n.replica.PeerJoined(ev.id, now)
		} else {
			out = n.replica.PeerLeft(ev.id, now)
		}
		n.dispatch(out, now)

	case submitEvent:
		key, out, err := n.replica.Submit(ev.client, ev.content, now)
		if err == nil {
			n.metrics.RecordSubmitted()
		}
		ev.reply <- submitReply{key: key, err: err}
		n.dispatch(out, now)

	case decisionEvent:
		ev.reply <- n.replica.Decision(ev.key)

	case historyEvent:
		ev.reply <- n.replica.History(ev.key)

	case infoEvent:
		ev.reply <- n.replica.Info()

	default:
		log.Errorf("unknown event %T", ev)
	}
}

// dispatch queues envelopes for broadcast and applies each one locally as the
// node's own echo, which may produce further envelopes.
func (n *Node) dispatch(out []envelope.Envelope, now time.Time) {
	self := n.replica.Role().Self()

	for len(out) > 0 {
		env := out[0]
		out = out[1:]

		if env.Stage.Kind == proposal.Commit {
			n.metrics.RecordCommitVote(env.Stage.Vote)
		}

		select {
		case n.outbox <- env:
		default:
			n.dispatchFailed(&DispatchError{Envelope: env, Err: errors.New("outbox is full")})
		}

		next, err := n.replica.HandleMessage(env, self, now)
		if err != nil && !errors.Is(err, replica.ErrStale) {
			n.reject(env, self, err)
		}
		out = append(out, next...)
	}
}

func (n *Node) send(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case env := <-n.outbox:
			if err := n.broadcaster.Broadcast(ctx, env); err != nil {
				n.dispatchFailed(&DispatchError{Envelope: env, Err: err})
			}
		}
	}
}

func (n *Node) dispatchFailed(err *DispatchError) {
	n.metrics.RecordBroadcastFailed()
	log.WithFields(log.Fields{
		"proposal": err.Envelope.ProposalKey,
		"stage":    err.Envelope.Stage.String(),
	}).Warn(err.Error())
}

func (n *Node) reject(env envelope.Envelope, origin role.PeerID, err error) {
	fields := log.Fields{
		"proposal": env.ProposalKey,
		"stage":    env.Stage.String(),
		"origin":   origin,
	}

	switch {
	case errors.Is(err, replica.ErrStale):
		n.metrics.RecordDropped("stale")
		log.WithFields(fields).Debug(err.Error())
	case errors.Is(err, replica.ErrRoleViolation):
		n.metrics.RecordDropped("role")
		log.WithFields(fields).Warn(err.Error())
	case errors.Is(err, replica.ErrStageContract):
		n.metrics.RecordDropped("contract")
		log.WithFields(fields).Error(err.Error())
	default:
		n.metrics.RecordDropped("invalid")
		log.WithFields(fields).Error(err.Error())
	}
}

func (n *Node) expire() {
	abandoned := n.replica.Expire(n.now())
	if len(abandoned) > 0 {
		log.Warnf("%d proposal(s) abandoned: %s", len(abandoned), replica.ErrQuorumTimeout)
	}
}

func (n *Node) publishState() {
	info := n.replica.Info()
	n.metrics.UpdateState(info.InFlight, info.PeerCount, info.Quorum)
}
