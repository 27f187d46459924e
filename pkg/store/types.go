// Package store implements durable raft storage: the ordered log, vote and
// commit bookkeeping, and the single current-snapshot slot.
package store

import (
	"fmt"
	"time"
)

// StorageEngine defines the storage contract consumed by the consensus layer.
type StorageEngine interface {
	// Log operations
	Append(entries []*Entry, done LogFlushed) error
	Truncate(from uint64) error
	Purge(through LogID) error
	Entries(lo, hi, maxSize uint64) ([]*Entry, error)
	LogState() (LogState, error)

	// Vote and commit bookkeeping
	SaveVote(v *Vote) error
	ReadVote() (*Vote, error)
	SaveCommitted(id LogID) error
	ReadCommitted() (*LogID, error)
}

// SnapshotSlot holds exactly one current snapshot.
type SnapshotSlot interface {
	SaveSnapshot(snap *Snapshot) error
	CurrentSnapshot() (*Snapshot, error)
}

// LogFlushed is invoked once an append is durable (or has failed).
type LogFlushed func(err error)

// LogID identifies a log entry by term and index.
type LogID struct {
	Term  uint64 `msgpack:"term" json:"term"`
	Index uint64 `msgpack:"index" json:"index"`
}

func (id LogID) String() string {
	return fmt.Sprintf("%d-%d", id.Term, id.Index)
}

// EntryType is the payload kind of a log entry.
type EntryType uint8

const (
	EntryNormal EntryType = iota
	EntryBlank
	EntryMembership
	EntryBarrier
	EntryAddPeer
	EntryRemovePeer
)

func (t EntryType) String() string {
	switch t {
	case EntryNormal:
		return "normal"
	case EntryBlank:
		return "blank"
	case EntryMembership:
		return "membership"
	case EntryBarrier:
		return "barrier"
	case EntryAddPeer:
		return "add_peer"
	case EntryRemovePeer:
		return "remove_peer"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(t))
	}
}

// Entry is a raft log entry
type Entry struct {
	Index      uint64    `msgpack:"index"`
	Term       uint64    `msgpack:"term"`
	Type       EntryType `msgpack:"type"`
	Data       []byte    `msgpack:"data,omitempty"`
	Extensions []byte    `msgpack:"ext,omitempty"`
	AppendedAt time.Time `msgpack:"appended_at"`

	// Membership is the decoded form of a membership entry. Not persisted.
	Membership *Membership `msgpack:"-"`
}

// LogID returns the id of the entry.
func (e *Entry) LogID() LogID {
	return LogID{Term: e.Term, Index: e.Index}
}

// Vote is the last durable vote of this node. The consensus layer owns its meaning.
type Vote struct {
	Term          uint64 `msgpack:"term"`
	Candidate     []byte `msgpack:"candidate,omitempty"`
	CandidateTerm uint64 `msgpack:"candidate_term"`
}

// Member is a node of the cluster configuration.
type Member struct {
	ID       string `msgpack:"id" json:"id"`
	RaftAddr string `msgpack:"raft_addr" json:"raft_addr"`
	APIAddr  string `msgpack:"api_addr,omitempty" json:"api_addr,omitempty"`
	Voter    bool   `msgpack:"voter" json:"voter"`
}

// Membership is a cluster configuration together with the log index it was
// committed at.
type Membership struct {
	LogIndex uint64   `msgpack:"log_index" json:"log_index"`
	Members  []Member `msgpack:"members" json:"members"`
}

// Member looks up a node by id.
func (m Membership) Member(id string) (Member, bool) {
	for _, mem := range m.Members {
		if mem.ID == id {
			return mem, true
		}
	}
	return Member{}, false
}

// Voters returns the ids of voting members.
func (m Membership) Voters() []string {
	var ids []string
	for _, mem := range m.Members {
		if mem.Voter {
			ids = append(ids, mem.ID)
		}
	}
	return ids
}

// LogState reports the bounds of the retained log.
type LogState struct {
	LastPurged *LogID `json:"last_purged_log_id"`
	Last       *LogID `json:"last_log_id"`
}

// SnapshotMeta describes a snapshot.
type SnapshotMeta struct {
	LastLogID      *LogID     `msgpack:"last_log_id" json:"last_log_id"`
	LastMembership Membership `msgpack:"last_membership" json:"last_membership"`
	SnapshotID     string     `msgpack:"snapshot_id" json:"snapshot_id"`
	Seq            uint64     `msgpack:"seq" json:"-"`

	// raft bookkeeping
	Version            int    `msgpack:"version" json:"-"`
	Configuration      []byte `msgpack:"configuration,omitempty" json:"-"`
	ConfigurationIndex uint64 `msgpack:"configuration_index" json:"-"`
}

// Snapshot is a full copy of the state machine as of Meta.LastLogID.
type Snapshot struct {
	Meta SnapshotMeta `msgpack:"meta"`
	Data []byte       `msgpack:"data"`
}

// SnapshotID formats a snapshot id from the last included log id and a
// local sequence number.
func SnapshotID(last *LogID, seq uint64) string {
	if last == nil {
		return fmt.Sprintf("--%d", seq)
	}
	return fmt.Sprintf("%d-%d-%d", last.Term, last.Index, seq)
}
