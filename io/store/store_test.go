package store

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/pbft/core/dto"
	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/core/replica/hooks"
)

func openWAL(t *testing.T, dir string) *gowal.Wal {
	w, err := gowal.NewWAL(gowal.Config{
		Dir:              dir,
		Prefix:           "wal_",
		SegmentThreshold: 1024 * 1024,
		MaxSegments:      10,
	})
	require.NoError(t, err)
	return w
}

func stages(t *testing.T, client, content string, vote bool) []proposal.Proposal {
	p := proposal.New(client, content)
	pp, err := p.ToPrePrepare()
	require.NoError(t, err)
	prep, err := pp.ToPrepare()
	require.NoError(t, err)
	commit, err := prep.ToCommit(vote)
	require.NoError(t, err)
	result, err := commit.ToAccept(vote)
	require.NoError(t, err)
	return []proposal.Proposal{p, pp, prep, commit, result}
}

func TestStore_JournalAndHistory(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "wal")
	dbDir := filepath.Join(t.TempDir(), "badger")

	w := openWAL(t, walDir)
	defer w.Close()
	s, state, err := New(w, dbDir)
	require.NoError(t, err)
	defer s.Close()
	require.Equal(t, uint64(0), state.NextIndex)

	a := stages(t, "alice", "one", true)
	b := stages(t, "bob", "two", true)
	for i := range a {
		require.NoError(t, s.Append(a[i]))
		require.NoError(t, s.Append(b[i]))
	}

	history, err := s.History(a[0].Key)
	require.NoError(t, err)
	require.Equal(t, a, history)

	empty, err := s.History("missing")
	require.NoError(t, err)
	require.Empty(t, empty)
}

func TestStore_Hooks(t *testing.T) {
	w := openWAL(t, filepath.Join(t.TempDir(), "wal"))
	defer w.Close()
	s, _, err := New(w, filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	defer s.Close()

	var _ hooks.Hook = s

	accepted := stages(t, "alice", "one", true)[4]
	require.True(t, s.OnPrepare(&accepted))
	s.OnResult(&accepted)

	rec, err := s.Record(accepted.Key)
	require.NoError(t, err)
	assert.Equal(t, dto.DecisionAccepted, rec.Status)
	assert.True(t, rec.Valid)
	assert.Equal(t, "alice", rec.Client)

	s.OnAbandon(hooks.Abandonment{Key: "k2", Client: "bob", Stage: "Commit(true)", Prepares: 4, InFavor: 2, Opposed: 2})
	rec, err = s.Record("k2")
	require.NoError(t, err)
	assert.Equal(t, dto.DecisionAbandoned, rec.Status)
	assert.Equal(t, 2, rec.Opposed)

	_, err = s.Record("unknown")
	require.ErrorIs(t, err, ErrNotFound)
	require.Equal(t, 2, s.Size())

	d, err := s.Decision(accepted.Key)
	require.NoError(t, err)
	assert.Equal(t, dto.Decision{ProposalKey: accepted.Key, Status: dto.DecisionAccepted, Valid: true, Stage: accepted.Stage.String()}, d)

	d, err = s.Decision("unknown")
	require.NoError(t, err)
	assert.Equal(t, dto.Decision{ProposalKey: "unknown", Status: dto.DecisionUnknown}, d)
}

func TestStore_AbandonAfterDecision(t *testing.T) {
	w := openWAL(t, filepath.Join(t.TempDir(), "wal"))
	defer w.Close()
	s, _, err := New(w, filepath.Join(t.TempDir(), "badger"))
	require.NoError(t, err)
	defer s.Close()

	accepted := stages(t, "alice", "one", true)[4]
	s.OnResult(&accepted)
	s.OnAbandon(hooks.Abandonment{Key: accepted.Key, Client: "alice", Stage: "Commit(true)", Prepares: 4, InFavor: 1})

	rec, err := s.Record(accepted.Key)
	require.NoError(t, err)
	assert.Equal(t, dto.DecisionAccepted, rec.Status)
	assert.True(t, rec.Valid)

	// a late Result still replaces an earlier abandonment
	late := stages(t, "bob", "two", false)[4]
	s.OnAbandon(hooks.Abandonment{Key: late.Key, Client: "bob", Stage: "Prepare"})
	s.OnResult(&late)
	rec, err = s.Record(late.Key)
	require.NoError(t, err)
	assert.Equal(t, dto.DecisionAccepted, rec.Status)
	assert.False(t, rec.Valid)
	require.Equal(t, 2, s.Size())
}

func TestStore_Recovery(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "wal")
	dbDir := filepath.Join(t.TempDir(), "badger")

	// journal a full round but never record the decision, as if the process
	// crashed right after the Result stage was written
	w := openWAL(t, walDir)
	s, _, err := New(w, dbDir)
	require.NoError(t, err)
	rejected := stages(t, "carol", "three", true)
	rejected[4], err = rejected[3].ToReject()
	require.NoError(t, err)
	for _, p := range rejected {
		require.NoError(t, s.Append(p))
	}
	pending := stages(t, "dave", "four", true)[:3]
	for _, p := range pending {
		require.NoError(t, s.Append(p))
	}
	require.NoError(t, s.Close())
	require.NoError(t, w.Close())

	w2 := openWAL(t, walDir)
	defer w2.Close()
	s2, state, err := New(w2, dbDir)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, uint64(8), state.NextIndex)
	assert.Equal(t, 8, state.Entries)
	assert.Equal(t, 1, state.Restored)

	rec, err := s2.Record(rejected[0].Key)
	require.NoError(t, err)
	assert.Equal(t, dto.DecisionRejected, rec.Status)

	_, err = s2.Record(pending[0].Key)
	require.ErrorIs(t, err, ErrNotFound)

	history, err := s2.History(rejected[0].Key)
	require.NoError(t, err)
	require.Equal(t, rejected, history)

	// appends continue after the recovered index
	require.NoError(t, s2.Append(pending[0]))
	history, err = s2.History(pending[0].Key)
	require.NoError(t, err)
	require.Len(t, history, 4)
	require.Equal(t, pending[0], history[3])
}

func TestStore_RecoveryReplacesAbandonment(t *testing.T) {
	walDir := filepath.Join(t.TempDir(), "wal")
	dbDir := filepath.Join(t.TempDir(), "badger")

	w := openWAL(t, walDir)
	s, _, err := New(w, dbDir)
	require.NoError(t, err)
	round := stages(t, "erin", "five", true)
	for _, p := range round {
		require.NoError(t, s.Append(p))
	}
	// the Result was journaled but only the abandonment reached the table
	s.OnAbandon(hooks.Abandonment{Key: round[0].Key, Client: "erin", Stage: "Commit(true)"})
	require.NoError(t, s.Close())
	require.NoError(t, w.Close())

	w2 := openWAL(t, walDir)
	defer w2.Close()
	s2, state, err := New(w2, dbDir)
	require.NoError(t, err)
	defer s2.Close()

	assert.Equal(t, 1, state.Restored)
	d, err := s2.Decision(round[0].Key)
	require.NoError(t, err)
	assert.Equal(t, dto.DecisionAccepted, d.Status)
	assert.True(t, d.Valid)
}

func TestStore_NewValidation(t *testing.T) {
	_, _, err := New(nil, t.TempDir())
	require.Error(t, err)

	w := openWAL(t, filepath.Join(t.TempDir(), "wal"))
	defer w.Close()
	_, _, err = New(w, "")
	require.Error(t, err)
}
