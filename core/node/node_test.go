package node

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/pbft/core/dto"
	"github.com/vadiminshakov/pbft/core/envelope"
	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/core/replica"
	"github.com/vadiminshakov/pbft/core/role"
	"github.com/vadiminshakov/pbft/io/metrics"
	"github.com/vadiminshakov/pbft/mocks"
	"go.uber.org/mock/gomock"
)

const primaryID role.PeerID = "p0"

func newReplica(t *testing.T, self role.PeerID, n uint32, opts ...replica.Option) *replica.Replica {
	r, err := role.New(self, self == primaryID, primaryID, n)
	require.NoError(t, err)
	return replica.New(r, opts...)
}

func start(t *testing.T, n *Node) {
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(stopped)
	}()
	t.Cleanup(func() {
		cancel()
		<-stopped
	})
}

func TestNode_PrimarySubmitBroadcasts(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	sent := make(chan envelope.Envelope, 16)
	b := mocks.NewMockBroadcaster(ctrl)
	b.EXPECT().Broadcast(gomock.Any(), gomock.Any()).DoAndReturn(func(_ context.Context, env envelope.Envelope) error {
		sent <- env
		return nil
	}).AnyTimes()

	reg := prometheus.NewRegistry()
	m := metrics.New("test", reg)
	n := New(newReplica(t, primaryID, 4), b, WithMetrics(m))
	start(t, n)

	key, err := n.Submit(context.Background(), "alice", "transfer 10")
	require.NoError(t, err)
	require.Equal(t, proposal.KeyOf("alice", "transfer 10"), key)

	// the primary echoes its own PrePrepare and casts its Prepare
	for _, want := range []proposal.StageKind{proposal.PrePrepare, proposal.Prepare} {
		select {
		case env := <-sent:
			require.Equal(t, want, env.Stage.Kind)
			require.Equal(t, key, env.ProposalKey)
		case <-time.After(time.Second):
			t.Fatalf("no %s broadcast", want)
		}
	}

	d, err := n.Decision(context.Background(), key)
	require.NoError(t, err)
	require.Equal(t, dto.DecisionPending, d.Status)
	require.Equal(t, 1.0, testutil.ToFloat64(m.Submitted))

	info, err := n.Info(context.Background())
	require.NoError(t, err)
	require.True(t, info.IsPrimary)
	require.Equal(t, 1, info.InFlight)
	require.Equal(t, 3, info.Quorum)

	history, err := n.History(context.Background(), key)
	require.NoError(t, err)
	require.Len(t, history, 3)
	require.Equal(t, proposal.RequestFromClient, history[0].Stage.Kind)
	require.Equal(t, proposal.Prepare, history[2].Stage.Kind)

	none, err := n.History(context.Background(), "missing")
	require.NoError(t, err)
	require.Empty(t, none)
}

func TestNode_SecondarySubmitIsRoleViolation(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	// no broadcast may happen
	b := mocks.NewMockBroadcaster(ctrl)
	n := New(newReplica(t, "p1", 4), b)
	start(t, n)

	key, err := n.Submit(context.Background(), "alice", "x")
	require.ErrorIs(t, err, replica.ErrRoleViolation)
	require.Empty(t, key)

	info, err := n.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, info.InFlight)
}

func TestNode_MalformedMessageIsDropped(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	b := mocks.NewMockBroadcaster(ctrl)
	m := metrics.New("test", prometheus.NewRegistry())
	n := New(newReplica(t, "p1", 4), b, WithMetrics(m))
	start(t, n)

	n.Deliver([]byte(`{"stage":"Bogus"}`), "p2")
	n.Deliver([]byte(`not json`), "p2")

	// queries go through the same mailbox, so both messages are handled by now
	info, err := n.Info(context.Background())
	require.NoError(t, err)
	require.Equal(t, 0, info.InFlight)
	require.Equal(t, 2.0, testutil.ToFloat64(m.MessagesDropped.WithLabelValues("decode")))
}

func TestNode_BroadcastFailureDoesNotStopLoop(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	b := mocks.NewMockBroadcaster(ctrl)
	b.EXPECT().Broadcast(gomock.Any(), gomock.Any()).Return(errors.New("network down")).AnyTimes()

	m := metrics.New("test", prometheus.NewRegistry())
	n := New(newReplica(t, primaryID, 4), b, WithMetrics(m))
	start(t, n)

	_, err := n.Submit(context.Background(), "alice", "x")
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(m.BroadcastsFailed) == 2
	}, time.Second, 10*time.Millisecond)

	_, err = n.Submit(context.Background(), "alice", "y")
	require.NoError(t, err)
}

func TestNode_ExpiresStaleProposals(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	var offset atomic.Int64
	base := time.Now()
	clock := func() time.Time { return base.Add(time.Duration(offset.Load())) }

	b := mocks.NewMockBroadcaster(ctrl)
	r := newReplica(t, "p1", 4, replica.WithTimeout(time.Second))
	n := New(r, b, WithClock(clock), WithSweepInterval(5*time.Millisecond))
	start(t, n)

	p := proposal.New("alice", "x")
	raw, err := envelope.Encode(envelope.Envelope{
		Stage:       proposal.Stage{Kind: proposal.Prepare},
		ProposalKey: p.Key,
		Client:      p.Client,
		Content:     p.Content,
	})
	require.NoError(t, err)
	n.Deliver(raw, "p2")

	d, err := n.Decision(context.Background(), p.Key)
	require.NoError(t, err)
	require.Equal(t, dto.DecisionPending, d.Status)

	offset.Store(int64(2 * time.Second))
	require.Eventually(t, func() bool {
		d, err := n.Decision(context.Background(), p.Key)
		return err == nil && d.Status == dto.DecisionAbandoned
	}, time.Second, 10*time.Millisecond)
}

func TestNode_StoppedCallsFail(t *testing.T) {
	ctrl := gomock.NewController(t)
	defer ctrl.Finish()

	n := New(newReplica(t, primaryID, 4), mocks.NewMockBroadcaster(ctrl))
	ctx, cancel := context.WithCancel(context.Background())
	stopped := make(chan struct{})
	go func() {
		n.Run(ctx)
		close(stopped)
	}()
	cancel()
	<-stopped

	_, err := n.Info(context.Background())
	require.ErrorIs(t, err, ErrStopped)
}

func TestDispatchError(t *testing.T) {
	cause := errors.New("socket closed")
	err := error(&DispatchError{Envelope: envelope.Envelope{ProposalKey: "k"}, Err: cause})

	require.ErrorIs(t, err, ErrDispatch)
	require.ErrorIs(t, err, cause)
	require.Contains(t, err.Error(), "k")
}

// bus delivers every broadcast to all other nodes.
type bus struct {
	mu    sync.Mutex
	nodes map[role.PeerID]*Node
}

type busBroadcaster struct {
	bus  *bus
	self role.PeerID
}

func (b *busBroadcaster) Broadcast(_ context.Context, env envelope.Envelope) error {
	raw, err := envelope.Encode(env)
	if err != nil {
		return err
	}

	b.bus.mu.Lock()
	defer b.bus.mu.Unlock()
	for id, n := range b.bus.nodes {
		if id != b.self {
			n.Deliver(raw, b.self)
		}
	}
	return nil
}

func TestNode_FourPeerCluster(t *testing.T) {
	net := &bus{nodes: make(map[role.PeerID]*Node)}

	var ids []role.PeerID
	for i := 0; i < 4; i++ {
		id := role.PeerID(fmt.Sprintf("p%d", i))
		ids = append(ids, id)
		net.nodes[id] = New(newReplica(t, id, 4), &busBroadcaster{bus: net, self: id})
	}
	for _, id := range ids {
		start(t, net.nodes[id])
	}

	key, err := net.nodes[primaryID].Submit(context.Background(), "clientA", "do-X")
	require.NoError(t, err)

	for _, id := range ids {
		n := net.nodes[id]
		require.Eventually(t, func() bool {
			d, err := n.Decision(context.Background(), key)
			return err == nil && d.Status == dto.DecisionAccepted && d.Valid
		}, 2*time.Second, 10*time.Millisecond, "replica %s", id)
	}
}
