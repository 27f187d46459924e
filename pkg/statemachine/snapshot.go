package statemachine

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/lumadb/sqlcluster/pkg/sqlstore"
	"github.com/lumadb/sqlcluster/pkg/store"
	"go.uber.org/zap"
)

// SnapshotBuilder captures the state machine. Every builder carries its own
// sequence number, which keeps snapshot ids unique.
type SnapshotBuilder struct {
	sm  *StateMachine
	seq uint64
}

// SnapshotBuilder returns a new builder.
func (sm *StateMachine) SnapshotBuilder() *SnapshotBuilder {
	return &SnapshotBuilder{sm: sm, seq: sm.nextSeq()}
}

// Capture reads the database file after a clean checkpoint and tags it with
// the applied state. Nothing is stored.
func (b *SnapshotBuilder) Capture(ctx context.Context) (*store.Snapshot, error) {
	sm := b.sm
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.err != nil {
		return nil, sm.err
	}

	start := time.Now()
	data, err := sm.db.Capture(ctx)
	if err != nil {
		return nil, err
	}
	st := sm.AppliedState()
	snap := &store.Snapshot{
		Meta: store.SnapshotMeta{
			LastLogID:      st.LastApplied,
			LastMembership: st.Membership,
			SnapshotID:     store.SnapshotID(st.LastApplied, b.seq),
			Seq:            b.seq,
		},
		Data: data,
	}
	snapshotBuildDuration.UpdateDuration(start)
	sm.logger.Info("Built snapshot",
		zap.String("snapshot_id", snap.Meta.SnapshotID),
		zap.Int("bytes", len(data)))
	return snap, nil
}

// BuildSnapshot captures the state machine and stores the result as the
// current snapshot.
func (b *SnapshotBuilder) BuildSnapshot(ctx context.Context) (*store.Snapshot, error) {
	snap, err := b.Capture(ctx)
	if err != nil {
		return nil, err
	}
	if err := b.sm.slot.SaveSnapshot(snap); err != nil {
		return nil, err
	}
	return snap, nil
}

// BeginReceivingSnapshot returns the buffer an incoming snapshot file is
// read into before it is installed.
func (sm *StateMachine) BeginReceivingSnapshot() *bytes.Buffer {
	return new(bytes.Buffer)
}

// InstallSnapshot replaces the database with data, adopts the applied state
// from meta and stores the snapshot as the current one.
func (sm *StateMachine) InstallSnapshot(ctx context.Context, meta store.SnapshotMeta, data []byte) error {
	if err := sm.Restore(ctx, meta, data); err != nil {
		return err
	}
	return sm.slot.SaveSnapshot(&store.Snapshot{Meta: meta, Data: data})
}

// Restore replaces the database with data and adopts the applied state from
// meta without touching the snapshot slot. The applied state row is only
// rewritten when the installed file does not already hold it, so a file
// captured by this node is installed unchanged.
func (sm *StateMachine) Restore(ctx context.Context, meta store.SnapshotMeta, data []byte) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	start := time.Now()
	if err := sm.db.Replace(ctx, data); err != nil {
		return sm.fail(err)
	}

	// a fresh cluster snapshot may predate the state table
	if err := sm.db.Update(ctx, func(tx *sqlstore.Tx) error {
		_, err := tx.ExecContext(ctx, createStateTable)
		return err
	}); err != nil {
		return sm.fail(err)
	}

	installed, err := sm.readRecord(ctx)
	if err != nil {
		return sm.fail(err)
	}
	want := &record{
		LastApplied: meta.LastLogID,
		Membership:  meta.LastMembership,
		Nodes:       installed.Nodes,
	}
	if !sameRecord(installed, want) {
		if err := sm.db.Update(ctx, func(tx *sqlstore.Tx) error {
			return writeRecord(ctx, tx, want)
		}); err != nil {
			return sm.fail(err)
		}
	}

	sm.setState(want)
	sm.err = nil
	snapshotInstallDuration.UpdateDuration(start)
	sm.logger.Info("Installed snapshot",
		zap.String("snapshot_id", meta.SnapshotID),
		zap.Stringer("last_applied", logIDStringer{meta.LastLogID}),
		zap.Int("bytes", len(data)))
	return nil
}

// Rehydrate restores the current snapshot when the database is behind it,
// for example after the database file was lost.
func (sm *StateMachine) Rehydrate(ctx context.Context) error {
	snap, err := sm.slot.CurrentSnapshot()
	if err != nil || snap == nil || snap.Meta.LastLogID == nil {
		return err
	}
	cur := sm.AppliedState()
	if cur.LastApplied != nil && cur.LastApplied.Index >= snap.Meta.LastLogID.Index {
		return nil
	}
	sm.logger.Info("Database is behind the current snapshot, restoring",
		zap.String("snapshot_id", snap.Meta.SnapshotID))
	return sm.Restore(ctx, snap.Meta, snap.Data)
}

// CurrentSnapshot returns the stored snapshot, if any.
func (sm *StateMachine) CurrentSnapshot() (*store.Snapshot, error) {
	snap, err := sm.slot.CurrentSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to read current snapshot: %w", err)
	}
	return snap, nil
}
