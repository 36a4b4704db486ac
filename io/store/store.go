// Package store persists what a replica decided and how it got there.
//
// Every proposal value the replica produces is appended to a write-ahead log
// keyed by proposal key; final decisions and abandonments are kept in BadgerDB
// for lookups. On startup the decision table is rebuilt from Result entries in
// the log, so a crash between the two writes loses nothing.
package store

import (
	"encoding/binary"
	"encoding/json"
	stdErrors "errors"
	"os"
	"sync"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"github.com/vadiminshakov/gowal"
	"github.com/vadiminshakov/pbft/core/dto"
	"github.com/vadiminshakov/pbft/core/envelope"
	"github.com/vadiminshakov/pbft/core/proposal"
	"github.com/vadiminshakov/pbft/core/replica/hooks"
)

// ErrNotFound returned when key does not exist in the store.
var ErrNotFound = errors.New("key not found")

const (
	decisionPrefix = "decision/"
	historyPrefix  = "history/"
)

// Record is the persisted outcome of one proposal.
type Record struct {
	ProposalKey string             `json:"proposal_key"`
	Client      string             `json:"client"`
	Content     string             `json:"content,omitempty"`
	Status      dto.DecisionStatus `json:"status"`
	Valid       bool               `json:"valid"`
	Stage       string             `json:"stage,omitempty"`
	Prepares    int                `json:"prepares,omitempty"`
	InFavor     int                `json:"in_favor,omitempty"`
	Opposed     int                `json:"opposed,omitempty"`
	At          time.Time          `json:"at"`
}

// Store journals proposal stages into the WAL and decisions into BadgerDB.
type Store struct {
	wal  *gowal.Wal
	db   *badger.DB
	mu   sync.Mutex
	next uint64
	now  func() time.Time
}

// RecoveryState contains information extracted from WAL during startup.
type RecoveryState struct {
	// NextIndex is the WAL index the next stage value is written at.
	NextIndex uint64
	// Entries is the number of stage values found in the WAL.
	Entries int
	// Restored is the number of decisions rebuilt from the WAL.
	Restored int
}

// New opens BadgerDB at dbPath and recovers the journal position from wal.
func New(wal *gowal.Wal, dbPath string) (*Store, *RecoveryState, error) {
	if wal == nil {
		return nil, nil, errors.New("wal is nil")
	}
	if dbPath == "" {
		return nil, nil, errors.New("db path is empty")
	}

	if err := os.MkdirAll(dbPath, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "create badger directory")
	}

	db, err := badger.Open(badger.DefaultOptions(dbPath).WithLogger(nil))
	if err != nil {
		return nil, nil, errors.Wrap(err, "open badger db")
	}

	s := &Store{
		wal: wal,
		db:  db,
		now: time.Now,
	}

	recovery, err := s.recover()
	if err != nil {
		_ = db.Close()
		return nil, nil, err
	}
	s.next = recovery.NextIndex

	return s, recovery, nil
}

// Append journals one proposal value.
func (s *Store) Append(p proposal.Proposal) error {
	payload, err := envelope.Encode(envelope.FromProposal(p))
	if err != nil {
		return errors.Wrap(err, "encode proposal")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.wal.Write(s.next, p.Key, payload); err != nil {
		return errors.Wrapf(err, "write wal entry %d", s.next)
	}
	if err := s.index(p.Key, s.next); err != nil {
		return errors.Wrapf(err, "index wal entry %d", s.next)
	}
	s.next++
	return nil
}

// OnPrepare never vetoes.
func (s *Store) OnPrepare(*proposal.Proposal) bool {
	return true
}

// OnResult persists the decision for p.
func (s *Store) OnResult(p *proposal.Proposal) {
	if err := s.put(resultRecord(*p, s.now())); err != nil {
		log.WithField("proposal", p.Key).Errorf("failed to persist decision: %v", err)
	}
}

// OnAbandon persists the abandonment unless the key already has a decision.
func (s *Store) OnAbandon(a hooks.Abandonment) {
	rec := Record{
		ProposalKey: a.Key,
		Client:      a.Client,
		Status:      dto.DecisionAbandoned,
		Stage:       a.Stage,
		Prepares:    a.Prepares,
		InFavor:     a.InFavor,
		Opposed:     a.Opposed,
		At:          s.now(),
	}
	kept, err := s.putUnlessDecided(rec)
	if err != nil {
		log.WithField("proposal", a.Key).Errorf("failed to persist abandonment: %v", err)
		return
	}
	if kept != nil {
		log.WithFields(log.Fields{"proposal": a.Key, "status": kept.Status}).Warn("abandonment ignored, proposal already decided")
	}
}

// Record returns the persisted record for key. Returns ErrNotFound if the key
// was never decided on this node.
func (s *Store) Record(key string) (Record, error) {
	var rec Record
	err := s.db.View(func(txn *badger.Txn) error {
		found, err := get(txn, key)
		if err != nil {
			return err
		}
		rec = *found
		return nil
	})
	return rec, err
}

// Decision reports the persisted state of key. A key without a record is
// DecisionUnknown.
func (s *Store) Decision(key string) (dto.Decision, error) {
	rec, err := s.Record(key)
	if stdErrors.Is(err, ErrNotFound) {
		return dto.Decision{ProposalKey: key, Status: dto.DecisionUnknown}, nil
	}
	if err != nil {
		return dto.Decision{}, err
	}
	return dto.Decision{ProposalKey: key, Status: rec.Status, Valid: rec.Valid, Stage: rec.Stage}, nil
}

// History returns every journaled stage value of key, oldest first.
func (s *Store) History(key string) ([]proposal.Proposal, error) {
	var positions []uint64
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(historyPrefix + key + "/")
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			k := it.Item().Key()
			positions = append(positions, binary.BigEndian.Uint64(k[len(k)-8:]))
		}
		return nil
	})
	if err != nil {
		return nil, errors.Wrap(err, "read history index")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	history := make([]proposal.Proposal, 0, len(positions))
	for _, idx := range positions {
		_, value, err := s.wal.Get(idx)
		if err != nil {
			return nil, errors.Wrapf(err, "read wal entry %d", idx)
		}
		env, err := envelope.Decode(value)
		if err != nil {
			return nil, errors.Wrapf(err, "decode wal entry %d", idx)
		}
		history = append(history, env.Proposal())
	}
	return history, nil
}

// Size returns current number of decisions in the store.
func (s *Store) Size() int {
	count := 0
	_ = s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(decisionPrefix)
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			count++
		}
		return nil
	})

	return count
}

// Close closes the underlying Badger database. The WAL is closed by its owner.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return errors.Wrap(err, "encode record")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(decisionKey(rec.ProposalKey), value)
	})
}

// putUnlessDecided writes rec unless an Accepted or Rejected record exists, in
// which case that record is returned untouched.
func (s *Store) putUnlessDecided(rec Record) (*Record, error) {
	value, err := json.Marshal(rec)
	if err != nil {
		return nil, errors.Wrap(err, "encode record")
	}

	var kept *Record
	err = s.db.Update(func(txn *badger.Txn) error {
		existing, err := get(txn, rec.ProposalKey)
		switch {
		case err == nil && decided(existing.Status):
			kept = existing
			return nil
		case err != nil && !stdErrors.Is(err, ErrNotFound):
			return err
		}
		return txn.Set(decisionKey(rec.ProposalKey), value)
	})
	return kept, err
}

func (s *Store) index(key string, idx uint64) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(historyKey(key, idx), nil)
	})
}

// hasDecision reports whether key has an Accepted or Rejected record.
func (s *Store) hasDecision(key string) (bool, error) {
	rec, err := s.Record(key)
	switch {
	case err == nil:
		return decided(rec.Status), nil
	case stdErrors.Is(err, ErrNotFound):
		return false, nil
	default:
		return false, err
	}
}

func (s *Store) recover() (*RecoveryState, error) {
	var (
		state      RecoveryState
		maxIndex   uint64
		hasEntries bool
	)

	for msg := range s.wal.Iterator() {
		hasEntries = true
		state.Entries++
		if msg.Idx > maxIndex {
			maxIndex = msg.Idx
		}

		env, err := envelope.Decode(msg.Value)
		if err != nil {
			log.Warnf("skipping unreadable wal entry %d: %v", msg.Idx, err)
			continue
		}
		if err := s.index(env.ProposalKey, msg.Idx); err != nil {
			return nil, errors.Wrap(err, "rebuild history index")
		}
		if env.Stage.Kind != proposal.Result {
			continue
		}

		ok, err := s.hasDecision(env.ProposalKey)
		if err != nil {
			return nil, errors.Wrap(err, "read decision")
		}
		if ok {
			continue
		}
		if err := s.put(resultRecord(env.Proposal(), s.now())); err != nil {
			return nil, errors.Wrap(err, "apply wal entry")
		}
		state.Restored++
	}

	if hasEntries {
		state.NextIndex = maxIndex + 1
	}

	return &state, nil
}

func resultRecord(p proposal.Proposal, at time.Time) Record {
	rec := Record{
		ProposalKey: p.Key,
		Client:      p.Client,
		Content:     p.Content,
		Stage:       p.Stage.String(),
		At:          at,
	}
	if p.Stage.Outcome.Kind == proposal.OutcomeRejected {
		rec.Status = dto.DecisionRejected
	} else {
		rec.Status = dto.DecisionAccepted
		rec.Valid = p.Stage.Outcome.Valid
	}
	return rec
}

func get(txn *badger.Txn, key string) (*Record, error) {
	item, err := txn.Get(decisionKey(key))
	if err != nil {
		if stdErrors.Is(err, badger.ErrKeyNotFound) {
			return nil, ErrNotFound
		}
		return nil, err
	}

	var rec Record
	if err := item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	}); err != nil {
		return nil, errors.Wrap(err, "decode record")
	}
	return &rec, nil
}

func decided(status dto.DecisionStatus) bool {
	return status == dto.DecisionAccepted || status == dto.DecisionRejected
}

func decisionKey(key string) []byte {
	return []byte(decisionPrefix + key)
}

// historyKey orders the index of one proposal by WAL position.
func historyKey(key string, idx uint64) []byte {
	k := make([]byte, 0, len(historyPrefix)+len(key)+9)
	k = append(k, historyPrefix...)
	k = append(k, key...)
	k = append(k, '/')
	return binary.BigEndian.AppendUint64(k, idx)
}
