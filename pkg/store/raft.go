package store

import (
	"errors"
	"fmt"
	"sync"

	"github.com/hashicorp/raft"
)

// Stable keys written by hashicorp/raft.
const (
	keyCurrentTerm  = "CurrentTerm"
	keyLastVoteTerm = "LastVoteTerm"
	keyLastVoteCand = "LastVoteCand"
)

// RaftStore exposes a LogStore through the hashicorp/raft LogStore and
// StableStore contracts. The raft stable keys are folded into the single
// vote record.
type RaftStore struct {
	logs *LogStore

	// serialises read-modify-write of the vote record
	voteMu sync.Mutex
}

var (
	_ raft.LogStore    = (*RaftStore)(nil)
	_ raft.StableStore = (*RaftStore)(nil)
)

// NewRaftStore wraps logs.
func NewRaftStore(logs *LogStore) *RaftStore {
	return &RaftStore{logs: logs}
}

// FirstIndex returns the first stored index, 0 for an empty log.
func (s *RaftStore) FirstIndex() (uint64, error) {
	return s.logs.FirstIndex()
}

// LastIndex returns the last stored index, 0 for an empty log.
func (s *RaftStore) LastIndex() (uint64, error) {
	return s.logs.LastIndex()
}

// GetLog fills log with the entry at index.
func (s *RaftStore) GetLog(index uint64, log *raft.Log) error {
	e, err := s.logs.Entry(index)
	if errors.Is(err, ErrEntryNotFound) {
		return raft.ErrLogNotFound
	}
	if err != nil {
		return err
	}
	*log = toRaftLog(e)
	return nil
}

// StoreLog stores a single entry.
func (s *RaftStore) StoreLog(log *raft.Log) error {
	return s.StoreLogs([]*raft.Log{log})
}

// StoreLogs stores entries and returns once they are durable.
func (s *RaftStore) StoreLogs(logs []*raft.Log) error {
	entries := make([]*Entry, len(logs))
	for i, l := range logs {
		entries[i] = FromRaftLog(l)
	}

	var flushErr error
	if err := s.logs.Append(entries, func(err error) { flushErr = err }); err != nil {
		return err
	}
	return flushErr
}

// DeleteRange removes [min, max]. A range starting at the head of the log is
// a purge and moves the watermark; a range ending at the tail is a
// truncation.
func (s *RaftStore) DeleteRange(min, max uint64) error {
	first, err := s.logs.FirstIndex()
	if err != nil {
		return err
	}
	last, err := s.logs.LastIndex()
	if err != nil {
		return err
	}
	if last == 0 || min > last {
		return nil
	}

	if min <= first {
		through := max
		if through > last {
			through = last
		}
		e, err := s.logs.Entry(through)
		if err != nil {
			return err
		}
		return s.logs.Purge(e.LogID())
	}
	if max >= last {
		return s.logs.Truncate(min)
	}
	return fmt.Errorf("%w: cannot delete [%d, %d] from the middle of [%d, %d]",
		ErrNotContiguous, min, max, first, last)
}

// IsMonotonic tells raft to clear the log after restoring a snapshot so the
// retained range stays contiguous.
func (s *RaftStore) IsMonotonic() bool {
	return true
}

// SetCommitIndex records index as the highest known committed index.
func (s *RaftStore) SetCommitIndex(index uint64) error {
	if index == 0 {
		return nil
	}
	id := LogID{Index: index}
	if e, err := s.logs.Entry(index); err == nil {
		id.Term = e.Term
	}
	return s.logs.SaveCommitted(id)
}

// GetCommitIndex returns the last recorded commit index.
func (s *RaftStore) GetCommitIndex() (uint64, error) {
	id, err := s.logs.ReadCommitted()
	if err != nil || id == nil {
		return 0, err
	}
	return id.Index, nil
}

// Set stores a byte value. Only the vote candidate is a byte key.
func (s *RaftStore) Set(key []byte, val []byte) error {
	if string(key) != keyLastVoteCand {
		return fmt.Errorf("%w: %q", ErrUnsupportedKey, key)
	}
	return s.updateVote(func(v *Vote) {
		v.Candidate = append([]byte(nil), val...)
	})
}

// Get returns a byte value or ErrNotFound.
func (s *RaftStore) Get(key []byte) ([]byte, error) {
	if string(key) != keyLastVoteCand {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedKey, key)
	}
	v, err := s.logs.ReadVote()
	if err != nil {
		return nil, err
	}
	if v == nil || v.Candidate == nil {
		return nil, ErrNotFound
	}
	return v.Candidate, nil
}

// SetUint64 stores the current term or the last vote term.
func (s *RaftStore) SetUint64(key []byte, val uint64) error {
	switch string(key) {
	case keyCurrentTerm:
		return s.updateVote(func(v *Vote) { v.Term = val })
	case keyLastVoteTerm:
		return s.updateVote(func(v *Vote) { v.CandidateTerm = val })
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedKey, key)
	}
}

// GetUint64 returns the current term or the last vote term, or ErrNotFound
// when no vote was ever stored.
func (s *RaftStore) GetUint64(key []byte) (uint64, error) {
	if k := string(key); k != keyCurrentTerm && k != keyLastVoteTerm {
		return 0, fmt.Errorf("%w: %q", ErrUnsupportedKey, key)
	}
	v, err := s.logs.ReadVote()
	if err != nil {
		return 0, err
	}
	if v == nil {
		return 0, ErrNotFound
	}
	if string(key) == keyCurrentTerm {
		return v.Term, nil
	}
	return v.CandidateTerm, nil
}

func (s *RaftStore) updateVote(fn func(v *Vote)) error {
	s.voteMu.Lock()
	defer s.voteMu.Unlock()

	v, err := s.logs.ReadVote()
	if err != nil {
		return err
	}
	if v == nil {
		v = &Vote{}
	}
	fn(v)
	return s.logs.SaveVote(v)
}

// FromRaftLog converts a raft log to an Entry.
func FromRaftLog(l *raft.Log) *Entry {
	return &Entry{
		Index:      l.Index,
		Term:       l.Term,
		Type:       entryType(l.Type),
		Data:       l.Data,
		Extensions: l.Extensions,
		AppendedAt: l.AppendedAt,
	}
}

func toRaftLog(e *Entry) raft.Log {
	return raft.Log{
		Index:      e.Index,
		Term:       e.Term,
		Type:       logType(e.Type),
		Data:       e.Data,
		Extensions: e.Extensions,
		AppendedAt: e.AppendedAt,
	}
}

func entryType(t raft.LogType) EntryType {
	switch t {
	case raft.LogNoop:
		return EntryBlank
	case raft.LogConfiguration:
		return EntryMembership
	case raft.LogBarrier:
		return EntryBarrier
	case raft.LogAddPeerDeprecated:
		return EntryAddPeer
	case raft.LogRemovePeerDeprecated:
		return EntryRemovePeer
	default:
		return EntryNormal
	}
}

func logType(t EntryType) raft.LogType {
	switch t {
	case EntryBlank:
		return raft.LogNoop
	case EntryMembership:
		return raft.LogConfiguration
	case EntryBarrier:
		return raft.LogBarrier
	case EntryAddPeer:
		return raft.LogAddPeerDeprecated
	case EntryRemovePeer:
		return raft.LogRemovePeerDeprecated
	default:
		return raft.LogCommand
	}
}

// MembershipFromConfiguration converts a raft configuration. API addresses
// are filled in by the caller.
func MembershipFromConfiguration(index uint64, cfg raft.Configuration) Membership {
	m := Membership{LogIndex: index}
	for _, srv := range cfg.Servers {
		m.Members = append(m.Members, Member{
			ID:       string(srv.ID),
			RaftAddr: string(srv.Address),
			Voter:    srv.Suffrage == raft.Voter,
		})
	}
	return m
}
