package cluster

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync/atomic"

	"github.com/hashicorp/raft"
	"github.com/lumadb/sqlcluster/pkg/statemachine"
	"github.com/lumadb/sqlcluster/pkg/store"
	"go.uber.org/zap"
)

// FSM adapts the state machine to hashicorp/raft.
type FSM struct {
	sm      *statemachine.StateMachine
	commits *store.RaftStore
	logger  *zap.Logger
	// onFatal is called once, off the FSM goroutine, after a storage failure.
	onFatal func(error)

	// last raft index handed to ApplyBatch and finished
	last atomic.Uint64
}

var (
	_ raft.FSM         = (*FSM)(nil)
	_ raft.BatchingFSM = (*FSM)(nil)
)

// NewFSM creates a new FSM
func NewFSM(sm *statemachine.StateMachine, commits *store.RaftStore, logger *zap.Logger, onFatal func(error)) *FSM {
	f := &FSM{sm: sm, commits: commits, logger: logger, onFatal: onFatal}
	if st := sm.AppliedState(); st.LastApplied != nil {
		f.last.Store(st.LastApplied.Index)
	}
	return f
}

// AppliedThrough reports whether every entry up to index that changes the
// state machine has been applied. raft advances its applied index when
// entries are queued for the FSM and never queues noops, so neither that
// index nor the last applied entry answers this alone.
func (f *FSM) AppliedThrough(index uint64) bool {
	last := f.last.Load()
	for idx := last + 1; idx <= index; idx++ {
		var l raft.Log
		err := f.commits.GetLog(idx, &l)
		if errors.Is(err, raft.ErrLogNotFound) {
			// compacted into a snapshot
			continue
		}
		if err != nil {
			return false
		}
		if l.Type == raft.LogCommand || l.Type == raft.LogConfiguration {
			return false
		}
	}
	return true
}

// Apply applies a single raft log entry.
func (f *FSM) Apply(l *raft.Log) interface{} {
	return f.ApplyBatch([]*raft.Log{l})[0]
}

// ApplyBatch applies committed entries in order. Every element of the result
// is either a *statemachine.ApplyResult or an error.
func (f *FSM) ApplyBatch(logs []*raft.Log) []interface{} {
	entries := make([]*store.Entry, len(logs))
	for i, l := range logs {
		e := store.FromRaftLog(l)
		if l.Type == raft.LogConfiguration {
			m := store.MembershipFromConfiguration(l.Index, raft.DecodeConfiguration(l.Data))
			e.Membership = &m
		}
		entries[i] = e
	}

	results, err := f.sm.Apply(context.Background(), entries)
	out := make([]interface{}, len(logs))
	for i := range out {
		if i < len(results) {
			out[i] = results[i]
		} else {
			out[i] = err
		}
	}

	if len(results) > 0 {
		last := results[len(results)-1].LogID.Index
		f.last.Store(last)
		if cerr := f.commits.SetCommitIndex(last); cerr != nil {
			f.logger.Warn("Failed to record commit index", zap.Uint64("index", last), zap.Error(cerr))
		}
	}
	if err != nil {
		f.logger.Error("Failed to apply entries, stopping", zap.Error(err))
		if f.onFatal != nil {
			go f.onFatal(err)
		}
	}
	return out
}

// Snapshot captures the database. raft calls it on the FSM goroutine, so no
// entry is applied while the file is read.
func (f *FSM) Snapshot() (raft.FSMSnapshot, error) {
	snap, err := f.sm.SnapshotBuilder().Capture(context.Background())
	if err != nil {
		return nil, fmt.Errorf("failed to capture snapshot: %w", err)
	}
	return &fsmSnapshot{snap: snap}, nil
}

// Restore installs a snapshot received from the leader. The raft snapshot
// store has already saved it to the slot.
func (f *FSM) Restore(rc io.ReadCloser) error {
	defer rc.Close()
	meta, err := store.ReadSnapshotHeader(rc)
	if err != nil {
		return store.NewStorageError(store.SubjectSnapshot, store.VerbRead, err)
	}
	buf := f.sm.BeginReceivingSnapshot()
	if _, err := buf.ReadFrom(rc); err != nil {
		return store.NewStorageError(store.SubjectSnapshot, store.VerbRead, fmt.Errorf("failed to read snapshot data: %w", err))
	}
	if err := f.sm.Restore(context.Background(), meta, buf.Bytes()); err != nil {
		return err
	}
	if meta.LastLogID != nil {
		f.last.Store(meta.LastLogID.Index)
	}
	return nil
}

type fsmSnapshot struct {
	snap *store.Snapshot
}

func (s *fsmSnapshot) Persist(sink raft.SnapshotSink) error {
	if err := store.WriteSnapshotStream(sink, s.snap.Meta, s.snap.Data); err != nil {
		sink.Cancel()
		return fmt.Errorf("failed to write snapshot: %w", err)
	}
	return sink.Close()
}

func (s *fsmSnapshot) Release() {}
