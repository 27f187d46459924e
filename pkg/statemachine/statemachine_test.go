package statemachine

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/go-test/deep"
	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/sqlstore"
	"github.com/lumadb/sqlcluster/pkg/store"
	"go.uber.org/zap"
)

type testNode struct {
	dir  string
	db   *sqlstore.Database
	logs *store.LogStore
	sm   *StateMachine
}

func openNode(t *testing.T, dir string, opts Options) *testNode {
	t.Helper()
	if dir == "" {
		dir = t.TempDir()
	}
	db, err := sqlstore.Open(sqlstore.Options{Path: filepath.Join(dir, "sqlite.db"), Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	logs, err := store.Open(store.Options{Path: filepath.Join(dir, "raft.db"), Logger: zap.NewNop()})
	if err != nil {
		db.Close()
		t.Fatalf("Failed to open log store: %v", err)
	}
	opts.DB = db
	opts.Slot = logs
	opts.Logger = zap.NewNop()
	sm, err := New(context.Background(), opts)
	if err != nil {
		db.Close()
		logs.Close()
		t.Fatalf("Failed to open state machine: %v", err)
	}
	n := &testNode{dir: dir, db: db, logs: logs, sm: sm}
	t.Cleanup(n.close)
	return n
}

func (n *testNode) close() {
	n.db.Close()
	n.logs.Close()
}

func sqlEntry(t *testing.T, index uint64, msg *message.Message) *store.Entry {
	t.Helper()
	data, err := message.EncodeCommand(&message.Command{Type: message.CommandSQL, Message: msg})
	if err != nil {
		t.Fatal(err)
	}
	return &store.Entry{Index: index, Term: 1, Type: store.EntryNormal, Data: data}
}

func registerEntry(t *testing.T, index uint64, info message.NodeInfo) *store.Entry {
	t.Helper()
	data, err := message.EncodeCommand(&message.Command{Type: message.CommandRegisterNode, Node: &info})
	if err != nil {
		t.Fatal(err)
	}
	return &store.Entry{Index: index, Term: 1, Type: store.EntryNormal, Data: data}
}

func membershipEntry(index uint64, ids ...string) *store.Entry {
	m := store.Membership{LogIndex: index}
	for _, id := range ids {
		m.Members = append(m.Members, store.Member{ID: id, RaftAddr: id + ":7000", Voter: true})
	}
	return &store.Entry{Index: index, Term: 1, Type: store.EntryMembership, Membership: &m}
}

// counterLog is a log of five entries: schema, three inserts and an update.
func counterLog(t *testing.T) []*store.Entry {
	return []*store.Entry{
		sqlEntry(t, 1, message.Execute("CREATE TABLE c (id INTEGER PRIMARY KEY, n INTEGER NOT NULL)")),
		sqlEntry(t, 2, message.Execute("INSERT INTO c (n) VALUES (?)", message.Int(1))),
		sqlEntry(t, 3, message.Execute("INSERT INTO c (n) VALUES (?)", message.Int(2))),
		sqlEntry(t, 4, message.Execute("INSERT INTO c (n) VALUES (?)", message.Int(3))),
		sqlEntry(t, 5, message.Execute("UPDATE c SET n = n * 10")),
	}
}

func mustApply(t *testing.T, sm *StateMachine, entries ...*store.Entry) []*ApplyResult {
	t.Helper()
	res, err := sm.Apply(context.Background(), entries)
	if err != nil {
		t.Fatalf("Apply failed: %v", err)
	}
	return res
}

func sum(t *testing.T, sm *StateMachine) int64 {
	t.Helper()
	resp, err := sm.Query(context.Background(), message.FetchOne("SELECT coalesce(sum(n), 0) FROM c"))
	if err != nil || resp.Error != "" {
		t.Fatalf("Query failed: %v %+v", err, resp)
	}
	return resp.Rows[0][0].Int
}

func TestApplyAdvancesAndSkipsReplays(t *testing.T) {
	n := openNode(t, "", Options{})
	if st := n.sm.AppliedState(); st.LastApplied != nil {
		t.Fatalf("Expected a fresh state machine, got %v", st.LastApplied)
	}

	log := counterLog(t)
	res := mustApply(t, n.sm, log...)
	for i, r := range res {
		if r.Skipped || r.Response == nil || r.Response.Error != "" {
			t.Errorf("Entry %d: unexpected result %+v", i+1, r)
		}
	}
	if sum(t, n.sm) != 60 {
		t.Fatalf("Expected 60, got %d", sum(t, n.sm))
	}

	res = mustApply(t, n.sm, log[2:]...)
	for _, r := range res {
		if !r.Skipped {
			t.Errorf("Expected %s to be skipped", r.LogID)
		}
	}
	if got := sum(t, n.sm); got != 60 {
		t.Errorf("Replay changed the state: %d", got)
	}
	if diff := deep.Equal(n.sm.AppliedState().LastApplied, &store.LogID{Term: 1, Index: 5}); diff != nil {
		t.Error(diff)
	}
}

func TestResumeAfterRestartAppliesExactlyOnce(t *testing.T) {
	dir := t.TempDir()
	log := counterLog(t)

	n := openNode(t, dir, Options{})
	mustApply(t, n.sm, log[:3]...)
	n.close()

	n = openNode(t, dir, Options{})
	if diff := deep.Equal(n.sm.AppliedState().LastApplied, &store.LogID{Term: 1, Index: 3}); diff != nil {
		t.Fatalf("Applied state not restored: %v", diff)
	}
	res := mustApply(t, n.sm, log...)
	skipped := 0
	for _, r := range res {
		if r.Skipped {
			skipped++
		}
	}
	if skipped != 3 {
		t.Errorf("Expected 3 skipped entries, got %d", skipped)
	}
	if got := sum(t, n.sm); got != 60 {
		t.Errorf("Expected 60, got %d", got)
	}
}

func TestSQLErrorIsAReply(t *testing.T) {
	n := openNode(t, "", Options{})
	res := mustApply(t, n.sm,
		sqlEntry(t, 1, message.Execute("CREATE TABLE c (id INTEGER PRIMARY KEY, n INTEGER NOT NULL)")),
		sqlEntry(t, 2, message.Execute("INSERT INTO c (n) VALUES (NULL)")),
		sqlEntry(t, 3, message.FetchOne("SELECT n FROM c")),
		sqlEntry(t, 4, message.Execute("INSERT INTO c (n) VALUES (7)")),
	)
	if res[1].Response.Error == "" {
		t.Error("Expected a constraint error")
	}
	if res[2].Response.Error != message.ErrNoRow {
		t.Errorf("Expected %q, got %+v", message.ErrNoRow, res[2].Response)
	}
	if res[3].Response.Error != "" {
		t.Errorf("Unexpected error %s", res[3].Response.Error)
	}
	if n.sm.Err() != nil {
		t.Errorf("SQL errors must not stop the state machine: %v", n.sm.Err())
	}
	if st := n.sm.AppliedState(); st.LastApplied.Index != 4 {
		t.Errorf("Expected index 4, got %v", st.LastApplied)
	}
}

func TestTransactionRollbackIsAReply(t *testing.T) {
	n := openNode(t, "", Options{})
	res := mustApply(t, n.sm,
		sqlEntry(t, 1, message.Execute("CREATE TABLE t (id INTEGER PRIMARY KEY)")),
		sqlEntry(t, 2, message.Execute("INSERT INTO t VALUES (1)")),
		sqlEntry(t, 3, message.Execute("INSERT OR ROLLBACK INTO t VALUES (1)")),
		sqlEntry(t, 4, message.Execute(`CREATE TRIGGER no_big BEFORE INSERT ON t WHEN NEW.id > 100
			BEGIN SELECT RAISE(ROLLBACK, 'id too big'); END`)),
		sqlEntry(t, 5, message.Execute("INSERT INTO t VALUES (500)")),
		sqlEntry(t, 6, message.Execute("INSERT INTO t VALUES (2)")),
	)
	if res[2].Response.Error == "" {
		t.Error("Expected a conflict error from INSERT OR ROLLBACK")
	}
	if res[4].Response.Error == "" {
		t.Error("Expected the trigger to reject the insert")
	}
	if res[5].Response.Error != "" {
		t.Errorf("Unexpected error %s", res[5].Response.Error)
	}
	if n.sm.Err() != nil {
		t.Fatalf("Rolled back statements must not stop the state machine: %v", n.sm.Err())
	}
	if st := n.sm.AppliedState(); st.LastApplied.Index != 6 {
		t.Errorf("Expected index 6, got %v", st.LastApplied)
	}

	resp, err := n.sm.Query(context.Background(), message.Fetch("SELECT id FROM t ORDER BY id"))
	if err != nil || resp.Error != "" {
		t.Fatalf("Query failed: %v %+v", err, resp)
	}
	expected := []message.Row{{message.Int(1)}, {message.Int(2)}}
	if diff := deep.Equal(resp.Rows, expected); diff != nil {
		t.Error(diff)
	}

	// the applied index of the rolled back entries survives a reopen
	rec, err := n.sm.readRecord(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if rec.LastApplied == nil || rec.LastApplied.Index != 6 {
		t.Errorf("Expected persisted index 6, got %v", rec.LastApplied)
	}
}

func TestRejectedStatements(t *testing.T) {
	n := openNode(t, "", Options{})
	for i, sql := range []string{
		"BEGIN",
		"commit",
		"SAVEPOINT s1",
		"DELETE FROM _sqlcluster_state",
		"select * from _SQLCLUSTER_STATE",
	} {
		res := mustApply(t, n.sm, sqlEntry(t, uint64(i+1), message.Execute(sql)))
		if res[0].Response.Error == "" {
			t.Errorf("Expected %q to be rejected", sql)
		}
	}
	if st := n.sm.AppliedState(); st.LastApplied.Index != 5 {
		t.Errorf("Rejected entries still advance the applied state, got %v", st.LastApplied)
	}
}

func TestUndecodableEntryIsAReply(t *testing.T) {
	n := openNode(t, "", Options{})
	res := mustApply(t, n.sm, &store.Entry{Index: 1, Term: 1, Type: store.EntryNormal, Data: []byte{0xc1}})
	if res[0].Response == nil || res[0].Response.Error == "" {
		t.Fatalf("Expected a decode error reply, got %+v", res[0].Response)
	}
	if n.sm.AppliedState().LastApplied.Index != 1 {
		t.Error("Expected the entry to be applied")
	}
}

func TestMembershipAndRegistry(t *testing.T) {
	dir := t.TempDir()
	n := openNode(t, dir, Options{})
	mustApply(t, n.sm,
		membershipEntry(1, "n1", "n2"),
		registerEntry(t, 2, message.NodeInfo{ID: "n1", APIAddr: "http://n1:8080", RaftAddr: "n1:7000"}),
		&store.Entry{Index: 3, Term: 1, Type: store.EntryBlank},
	)

	st := n.sm.AppliedState()
	if st.Membership.LogIndex != 1 || len(st.Membership.Members) != 2 {
		t.Fatalf("Unexpected membership %+v", st.Membership)
	}
	if m, _ := st.Membership.Member("n1"); m.APIAddr != "http://n1:8080" {
		t.Errorf("Expected the API address to be merged, got %+v", m)
	}
	if _, ok := n.sm.Node("n2"); ok {
		t.Error("n2 never registered")
	}
	n.close()

	n = openNode(t, dir, Options{})
	info, ok := n.sm.Node("n1")
	if !ok || info.APIAddr != "http://n1:8080" {
		t.Errorf("Registry not restored: %+v", info)
	}
	if diff := deep.Equal(n.sm.Nodes(), []message.NodeInfo{{ID: "n1", APIAddr: "http://n1:8080", RaftAddr: "n1:7000"}}); diff != nil {
		t.Error(diff)
	}
}

func TestOnApply(t *testing.T) {
	var events []ApplyEvent
	n := openNode(t, "", Options{OnApply: func(ev ApplyEvent) { events = append(events, ev) }})
	mustApply(t, n.sm,
		membershipEntry(1, "n1"),
		sqlEntry(t, 2, message.Execute("CREATE TABLE t (x)")),
		registerEntry(t, 3, message.NodeInfo{ID: "n1"}),
	)
	if len(events) != 1 || events[0].LogID.Index != 2 || events[0].Message.SQL != "CREATE TABLE t (x)" {
		t.Errorf("Expected one event for the SQL entry, got %+v", events)
	}
}

func TestSnapshotRoundTrip(t *testing.T) {
	ctx := context.Background()
	src := openNode(t, "", Options{})
	mustApply(t, src.sm, membershipEntry(1, "n1"))
	mustApply(t, src.sm, registerEntry(t, 2, message.NodeInfo{ID: "n1", APIAddr: "http://n1:8080"}))
	log := counterLog(t)
	for i, e := range log {
		e.Index = uint64(i + 3)
	}
	mustApply(t, src.sm, log...)

	snap, err := src.sm.SnapshotBuilder().BuildSnapshot(ctx)
	if err != nil {
		t.Fatalf("BuildSnapshot failed: %v", err)
	}
	st := src.sm.AppliedState()
	if diff := deep.Equal(snap.Meta.LastLogID, st.LastApplied); diff != nil {
		t.Errorf("Snapshot meta does not match the applied state: %v", diff)
	}
	cur, err := src.sm.CurrentSnapshot()
	if err != nil || cur == nil || cur.Meta.SnapshotID != snap.Meta.SnapshotID {
		t.Fatalf("Expected the snapshot to be current, got %+v %v", cur, err)
	}

	dst := openNode(t, "", Options{})
	mustApply(t, dst.sm, sqlEntry(t, 1, message.Execute("CREATE TABLE stale (x)")))
	if err := dst.sm.InstallSnapshot(ctx, snap.Meta, snap.Data); err != nil {
		t.Fatalf("InstallSnapshot failed: %v", err)
	}

	if diff := deep.Equal(dst.sm.AppliedState(), st); diff != nil {
		t.Errorf("Applied state differs after install: %v", diff)
	}
	if got := sum(t, dst.sm); got != 60 {
		t.Errorf("Expected 60, got %d", got)
	}
	if info, ok := dst.sm.Node("n1"); !ok || info.APIAddr != "http://n1:8080" {
		t.Errorf("Registry not installed: %+v", info)
	}
	onDisk, err := os.ReadFile(dst.db.Path())
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(onDisk, snap.Data) {
		t.Error("Expected the installed database to be byte-identical to the snapshot")
	}

	// applying continues after the snapshot
	res := mustApply(t, dst.sm, sqlEntry(t, 8, message.Execute("INSERT INTO c (n) VALUES (1)")))
	if res[0].Skipped || sum(t, dst.sm) != 61 {
		t.Errorf("Expected entry 8 to apply on top of the snapshot, got %+v", res[0])
	}
}

func TestRestoreAdoptsMeta(t *testing.T) {
	ctx := context.Background()
	src := openNode(t, "", Options{})
	mustApply(t, src.sm, counterLog(t)...)
	snap, err := src.sm.SnapshotBuilder().Capture(ctx)
	if err != nil {
		t.Fatal(err)
	}

	// the consensus layer may snapshot past entries the state machine never sees
	meta := snap.Meta
	meta.LastLogID = &store.LogID{Term: 2, Index: 9}
	dst := openNode(t, "", Options{})
	if err := dst.sm.Restore(ctx, meta, snap.Data); err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(dst.sm.AppliedState().LastApplied, meta.LastLogID); diff != nil {
		t.Error(diff)
	}
	if cur, _ := dst.sm.CurrentSnapshot(); cur != nil {
		t.Error("Restore must not store the snapshot")
	}
	res := mustApply(t, dst.sm, sqlEntry(t, 9, message.Execute("DELETE FROM c")))
	if !res[0].Skipped {
		t.Error("Expected entry 9 to be covered by the snapshot")
	}
}

func TestRehydrate(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	n := openNode(t, dir, Options{})
	mustApply(t, n.sm, counterLog(t)...)
	if _, err := n.sm.SnapshotBuilder().BuildSnapshot(ctx); err != nil {
		t.Fatal(err)
	}
	path := n.db.Path()
	n.close()

	// lose the database, keep the log store
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			t.Fatal(err)
		}
	}

	n = openNode(t, dir, Options{})
	if n.sm.AppliedState().LastApplied != nil {
		t.Fatal("Expected an empty database")
	}
	if err := n.sm.Rehydrate(ctx); err != nil {
		t.Fatalf("Rehydrate failed: %v", err)
	}
	if got := sum(t, n.sm); got != 60 {
		t.Errorf("Expected 60, got %d", got)
	}
	if n.sm.AppliedState().LastApplied.Index != 5 {
		t.Errorf("Expected index 5, got %v", n.sm.AppliedState().LastApplied)
	}

	// a database ahead of the snapshot is left alone
	mustApply(t, n.sm, sqlEntry(t, 6, message.Execute("DELETE FROM c")))
	if err := n.sm.Rehydrate(ctx); err != nil {
		t.Fatal(err)
	}
	if got := sum(t, n.sm); got != 0 {
		t.Errorf("Rehydrate rolled the database back, got %d", got)
	}
}

func TestSnapshotIDsAreUnique(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	n := openNode(t, dir, Options{})
	mustApply(t, n.sm, counterLog(t)...)

	seen := make(map[string]bool)
	for i := 0; i < 3; i++ {
		snap, err := n.sm.SnapshotBuilder().BuildSnapshot(ctx)
		if err != nil {
			t.Fatal(err)
		}
		if seen[snap.Meta.SnapshotID] {
			t.Fatalf("Duplicate snapshot id %s", snap.Meta.SnapshotID)
		}
		seen[snap.Meta.SnapshotID] = true
	}
	n.close()

	// the sequence resumes from the stored snapshot
	n = openNode(t, dir, Options{})
	snap, err := n.sm.SnapshotBuilder().Capture(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if seen[snap.Meta.SnapshotID] {
		t.Errorf("Snapshot id %s reused after restart", snap.Meta.SnapshotID)
	}
}

func TestPurgeAfterSnapshot(t *testing.T) {
	ctx := context.Background()
	n := openNode(t, "", Options{})
	log := counterLog(t)
	if err := n.logs.Append(log, nil); err != nil {
		t.Fatal(err)
	}
	mustApply(t, n.sm, log...)

	snap, err := n.sm.SnapshotBuilder().BuildSnapshot(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := n.logs.Purge(*snap.Meta.LastLogID); err != nil {
		t.Fatal(err)
	}
	state, err := n.logs.LogState()
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(state.LastPurged, snap.Meta.LastLogID); diff != nil {
		t.Errorf("Unexpected purge watermark: %v", diff)
	}

	// a fresh node catches up from the snapshot alone
	late := openNode(t, "", Options{})
	if err := late.sm.InstallSnapshot(ctx, snap.Meta, snap.Data); err != nil {
		t.Fatal(err)
	}
	if got := sum(t, late.sm); got != 60 {
		t.Errorf("Expected 60, got %d", got)
	}
}

func TestFailedStateMachineRefusesWork(t *testing.T) {
	n := openNode(t, "", Options{})
	mustApply(t, n.sm, counterLog(t)[:1]...)
	n.db.Close()

	_, err := n.sm.Apply(context.Background(), []*store.Entry{sqlEntry(t, 2, message.Execute("INSERT INTO c (n) VALUES (1)"))})
	if err == nil {
		t.Fatal("Expected a storage error")
	}
	if !errors.Is(n.sm.Err(), ErrFailed) {
		t.Errorf("Expected ErrFailed, got %v", n.sm.Err())
	}
	if _, err := n.sm.Apply(context.Background(), nil); !errors.Is(err, ErrFailed) {
		t.Errorf("Expected later applies to fail with ErrFailed, got %v", err)
	}
	if _, err := n.sm.SnapshotBuilder().Capture(context.Background()); !errors.Is(err, ErrFailed) {
		t.Errorf("Expected capture to fail with ErrFailed, got %v", err)
	}
}
