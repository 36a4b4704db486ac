package quorum

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/core/role"
)

type fixedThreshold int

func (f fixedThreshold) QuorumThreshold() int { return int(f) }

type mutableThreshold struct{ q int }

func (m *mutableThreshold) QuorumThreshold() int { return m.q }

var deadline = time.Unix(100, 0)

func TestRecordPrepare_DedupPerPeer(t *testing.T) {
	b := NewBook(fixedThreshold(3))

	for i := 0; i < 10; i++ {
		out := b.RecordPrepare("k", "p1", deadline)
		require.Equal(t, PrepareOutcome{Count: 1, Reached: false}, out)
	}

	out := b.RecordPrepare("k", "p2", deadline)
	require.Equal(t, PrepareOutcome{Count: 2}, out)

	out = b.RecordPrepare("k", "p3", deadline)
	require.Equal(t, PrepareOutcome{Count: 3, Reached: true}, out)

	// duplicates after quorum keep reporting the same count
	out = b.RecordPrepare("k", "p1", deadline)
	require.Equal(t, PrepareOutcome{Count: 3, Reached: true}, out)
}

func TestPrepareQuorum_ByPeerCount(t *testing.T) {
	for f := 0; f <= 4; f++ {
		n := uint32(3*f + 1)
		r, err := role.New("self", false, "", n)
		require.NoError(t, err)
		b := NewBook(r)

		for i := 1; i <= int(n); i++ {
			out := b.RecordPrepare("k", role.PeerID(fmt.Sprintf("p%d", i)), deadline)
			require.Equal(t, i >= 2*f+1, out.Reached, "n=%d votes=%d", n, i)
		}
	}
}

func TestRecordCommit_LastVoteWins(t *testing.T) {
	b := NewBook(fixedThreshold(3))

	out := b.RecordCommit("k", "p1", false, deadline)
	require.Equal(t, CommitOutcome{Opposed: 1}, out)

	out = b.RecordCommit("k", "p1", true, deadline)
	require.Equal(t, CommitOutcome{InFavor: 1}, out)

	b.RecordCommit("k", "p2", true, deadline)
	out = b.RecordCommit("k", "p3", true, deadline)
	require.Equal(t, CommitOutcome{Reached: true, InFavor: 3}, out)
}

func TestRecordCommit_SplitNeverReaches(t *testing.T) {
	b := NewBook(fixedThreshold(3))

	b.RecordCommit("k", "p1", true, deadline)
	b.RecordCommit("k", "p2", true, deadline)
	b.RecordCommit("k", "p3", false, deadline)
	out := b.RecordCommit("k", "p4", false, deadline)

	require.Equal(t, CommitOutcome{Reached: false, InFavor: 2, Opposed: 2}, out)
	require.Equal(t, proposal.Rejected(), b.Finalize("k"))
}

func TestFinalize(t *testing.T) {
	tests := []struct {
		name  string
		votes map[role.PeerID]bool
		want  proposal.Outcome
	}{
		{"all in favor", map[role.PeerID]bool{"a": true, "b": true, "c": true, "d": true}, proposal.Accepted(true)},
		{"quorum in favor", map[role.PeerID]bool{"a": true, "b": true, "c": true, "d": false}, proposal.Accepted(true)},
		{"quorum against", map[role.PeerID]bool{"a": false, "b": false, "c": false}, proposal.Accepted(false)},
		{"split", map[role.PeerID]bool{"a": true, "b": false}, proposal.Rejected()},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBook(fixedThreshold(3))
			for peer, vote := range tt.votes {
				b.RecordCommit("k", peer, vote, deadline)
			}
			require.Equal(t, tt.want, b.Finalize("k"))
		})
	}

	require.Equal(t, proposal.Rejected(), NewBook(fixedThreshold(1)).Finalize("unknown"))
}

func TestStatus_FollowsThreshold(t *testing.T) {
	threshold := &mutableThreshold{q: 3}
	b := NewBook(threshold)

	b.RecordPrepare("k", "a", deadline)
	b.RecordPrepare("k", "b", deadline)
	require.False(t, b.PrepareStatus("k").Reached)

	threshold.q = 2
	require.True(t, b.PrepareStatus("k").Reached)
	require.False(t, b.PrepareStatus("missing").Reached)
	require.False(t, b.CommitStatus("missing").Reached)
}


func TestTracker_AdvanceAndHistory(t *testing.T) {
	b := NewBook(fixedThreshold(1))
	tr := b.Track("k", deadline)

	_, ok := tr.Stage()
	require.False(t, ok, "vote-only tracker has no stage")

	p := proposal.New("c", "x")
	pp, err := p.ToPrePrepare()
	require.NoError(t, err)
	prep, err := pp.ToPrepare()
	require.NoError(t, err)

	tr.Advance(pp, deadline)
	tr.Advance(prep, deadline.Add(time.Second))

	stage, ok := tr.Stage()
	require.True(t, ok)
	require.Equal(t, proposal.Prepare, stage.Kind)
	require.Equal(t, deadline.Add(time.Second), tr.Deadline)
	require.Equal(t, []proposal.Proposal{pp, prep}, tr.History())

	same := b.Track("k", deadline.Add(time.Hour))
	require.Same(t, tr, same)
}

func TestExpiredAndEvict(t *testing.T) {
	b := NewBook(fixedThreshold(1))
	b.Track("b", deadline)
	b.Track("a", deadline)
	b.Track("c", deadline.Add(time.Minute))

	require.Equal(t, []string{"a", "b"}, b.Expired(deadline.Add(time.Second)))
	require.Empty(t, b.Expired(deadline))

	b.Evict("a")
	_, ok := b.Get("a")
	require.False(t, ok)
	require.Equal(t, 2, b.Len())
	require.Equal(t, []string{"b", "c"}, b.Keys())
}
