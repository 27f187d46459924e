package store

import (
	"bytes"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/boltdb/bolt"
	"github.com/go-test/deep"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

func openTestStore(t *testing.T, path string, c Cipher) *LogStore {
	t.Helper()
	if path == "" {
		path = filepath.Join(t.TempDir(), "raft.db")
	}
	s, err := Open(Options{Path: path, Cipher: c, Logger: zap.NewNop()})
	if err != nil {
		t.Fatalf("Failed to open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func makeEntries(from, to, term uint64) []*Entry {
	var entries []*Entry
	for i := from; i <= to; i++ {
		entries = append(entries, &Entry{
			Index: i,
			Term:  term,
			Type:  EntryNormal,
			Data:  []byte(fmt.Sprintf("cmd-%d", i)),
		})
	}
	return entries
}

func logIDs(entries []*Entry) []LogID {
	ids := make([]LogID, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.LogID())
	}
	return ids
}

func mustAppend(t *testing.T, s *LogStore, entries []*Entry) {
	t.Helper()
	if err := s.Append(entries, nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
}

func TestAppendAndEntries(t *testing.T) {
	s := openTestStore(t, "", nil)

	flushed := false
	var flushErr error
	err := s.Append(makeEntries(1, 5, 1), func(err error) {
		flushed = true
		flushErr = err
	})
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if !flushed || flushErr != nil {
		t.Fatalf("Expected flush callback with nil error, got flushed=%v err=%v", flushed, flushErr)
	}

	got, err := s.Entries(1, 6, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	want := []LogID{{1, 1}, {1, 2}, {1, 3}, {1, 4}, {1, 5}}
	if diff := deep.Equal(logIDs(got), want); diff != nil {
		t.Error(diff)
	}
	if string(got[2].Data) != "cmd-3" {
		t.Errorf("Expected cmd-3, got %s", got[2].Data)
	}

	got, err = s.Entries(2, 4, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if diff := deep.Equal(logIDs(got), []LogID{{1, 2}, {1, 3}}); diff != nil {
		t.Error(diff)
	}
}

func TestEntriesMaxSize(t *testing.T) {
	s := openTestStore(t, "", nil)
	mustAppend(t, s, makeEntries(1, 5, 1))

	got, err := s.Entries(1, 6, 1)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	if len(got) != 1 {
		t.Fatalf("Expected a single entry under a tiny size limit, got %d", len(got))
	}
}

func TestAppendRejectsGap(t *testing.T) {
	s := openTestStore(t, "", nil)
	mustAppend(t, s, makeEntries(1, 3, 1))

	var flushErr error
	err := s.Append(makeEntries(5, 5, 1), func(err error) { flushErr = err })
	if !errors.Is(err, ErrNotContiguous) {
		t.Fatalf("Expected ErrNotContiguous, got %v", err)
	}
	if !errors.Is(flushErr, ErrNotContiguous) {
		t.Fatalf("Expected callback to receive the error, got %v", flushErr)
	}
	var se *StorageError
	if !errors.As(err, &se) || se.Subject != SubjectLogs || se.Verb != VerbWrite {
		t.Fatalf("Expected a logs write StorageError, got %#v", err)
	}

	last, _ := s.LastIndex()
	if last != 3 {
		t.Errorf("Expected failed append to leave last index 3, got %d", last)
	}
}

func TestTruncate(t *testing.T) {
	s := openTestStore(t, "", nil)
	mustAppend(t, s, makeEntries(1, 5, 1))

	if err := s.Truncate(3); err != nil {
		t.Fatalf("Truncate failed: %v", err)
	}
	got, _ := s.Entries(1, 100, 0)
	if diff := deep.Equal(logIDs(got), []LogID{{1, 1}, {1, 2}}); diff != nil {
		t.Error(diff)
	}

	// a new leader overwrites the suffix
	mustAppend(t, s, makeEntries(3, 4, 2))
	st, err := s.LogState()
	if err != nil {
		t.Fatalf("LogState failed: %v", err)
	}
	if st.Last == nil || *st.Last != (LogID{Term: 2, Index: 4}) {
		t.Errorf("Expected last 2-4, got %v", st.Last)
	}
}

func TestPurgeAndLogState(t *testing.T) {
	s := openTestStore(t, "", nil)

	st, err := s.LogState()
	if err != nil {
		t.Fatalf("LogState failed: %v", err)
	}
	if st.Last != nil || st.LastPurged != nil {
		t.Fatalf("Expected empty log state, got %+v", st)
	}

	mustAppend(t, s, makeEntries(1, 5, 1))
	if err := s.Purge(LogID{Term: 1, Index: 3}); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}

	got, _ := s.Entries(1, 4, 0)
	if len(got) != 0 {
		t.Errorf("Expected purged range to be empty, got %v", logIDs(got))
	}
	st, _ = s.LogState()
	if diff := deep.Equal(st, LogState{LastPurged: &LogID{1, 3}, Last: &LogID{1, 5}}); diff != nil {
		t.Error(diff)
	}

	if err := s.Purge(LogID{Term: 1, Index: 5}); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	st, _ = s.LogState()
	if diff := deep.Equal(st, LogState{LastPurged: &LogID{1, 5}, Last: &LogID{1, 5}}); diff != nil {
		t.Error(diff)
	}

	// the watermark never moves backwards
	if err := s.Purge(LogID{Term: 1, Index: 2}); err != nil {
		t.Fatalf("Purge failed: %v", err)
	}
	st, _ = s.LogState()
	if st.LastPurged.Index != 5 {
		t.Errorf("Expected watermark 5, got %d", st.LastPurged.Index)
	}

	if err := s.Append(makeEntries(4, 4, 1), nil); !errors.Is(err, ErrNotContiguous) {
		t.Errorf("Expected append below the watermark to fail, got %v", err)
	}
	mustAppend(t, s, makeEntries(6, 7, 2))
	st, _ = s.LogState()
	if diff := deep.Equal(st, LogState{LastPurged: &LogID{1, 5}, Last: &LogID{2, 7}}); diff != nil {
		t.Error(diff)
	}
}

func TestContiguityAfterMixedOperations(t *testing.T) {
	s := openTestStore(t, "", nil)

	mustAppend(t, s, makeEntries(1, 10, 1))
	if err := s.Truncate(8); err != nil {
		t.Fatal(err)
	}
	mustAppend(t, s, makeEntries(8, 12, 2))
	if err := s.Purge(LogID{Term: 1, Index: 4}); err != nil {
		t.Fatal(err)
	}
	if err := s.Truncate(11); err != nil {
		t.Fatal(err)
	}

	got, err := s.Entries(0, 100, 0)
	if err != nil {
		t.Fatalf("Entries failed: %v", err)
	}
	for i := 1; i < len(got); i++ {
		if got[i].Index != got[i-1].Index+1 {
			t.Fatalf("Gap between %d and %d", got[i-1].Index, got[i].Index)
		}
	}
	if got[0].Index != 5 || got[len(got)-1].Index != 10 {
		t.Errorf("Expected retained range [5, 10], got [%d, %d]", got[0].Index, got[len(got)-1].Index)
	}

	st, _ := s.LogState()
	if st.Last.Index < st.LastPurged.Index {
		t.Errorf("Last %v below purge watermark %v", st.Last, st.LastPurged)
	}
}

func TestEntriesDetectsIndexMismatch(t *testing.T) {
	s := openTestStore(t, "", nil)
	mustAppend(t, s, makeEntries(1, 3, 1))

	err := s.db.Update(func(tx *bolt.Tx) error {
		raw, err := msgpack.Marshal(&Entry{Index: 7, Term: 1})
		if err != nil {
			return err
		}
		return tx.Bucket(bucketLogs).Put(uint64ToBytes(2), raw)
	})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := s.Entries(1, 4, 0); !errors.Is(err, ErrIndexMismatch) {
		t.Fatalf("Expected ErrIndexMismatch, got %v", err)
	}
	if _, err := s.Entry(2); !errors.Is(err, ErrIndexMismatch) {
		t.Fatalf("Expected ErrIndexMismatch, got %v", err)
	}
}

func TestVoteAndCommitted(t *testing.T) {
	s := openTestStore(t, "", nil)

	v, err := s.ReadVote()
	if err != nil || v != nil {
		t.Fatalf("Expected no vote, got %v, %v", v, err)
	}
	want := &Vote{Term: 4, Candidate: []byte("node-2"), CandidateTerm: 4}
	if err := s.SaveVote(want); err != nil {
		t.Fatalf("SaveVote failed: %v", err)
	}
	v, err = s.ReadVote()
	if err != nil {
		t.Fatalf("ReadVote failed: %v", err)
	}
	if diff := deep.Equal(v, want); diff != nil {
		t.Error(diff)
	}

	if err := s.SaveCommitted(LogID{Term: 2, Index: 5}); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveCommitted(LogID{Term: 2, Index: 3}); err != nil {
		t.Fatal(err)
	}
	c, err := s.ReadCommitted()
	if err != nil {
		t.Fatal(err)
	}
	if c == nil || c.Index != 5 {
		t.Errorf("Expected committed index 5, got %v", c)
	}
}

func TestReopenPersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "raft.db")
	s, err := Open(Options{Path: path})
	if err != nil {
		t.Fatal(err)
	}
	mustAppend(t, s, makeEntries(1, 3, 1))
	if err := s.SaveVote(&Vote{Term: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.Purge(LogID{Term: 1, Index: 1}); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s = openTestStore(t, path, nil)
	st, err := s.LogState()
	if err != nil {
		t.Fatal(err)
	}
	if diff := deep.Equal(st, LogState{LastPurged: &LogID{1, 1}, Last: &LogID{1, 3}}); diff != nil {
		t.Error(diff)
	}
	if v, _ := s.ReadVote(); v == nil || v.Term != 1 {
		t.Errorf("Expected vote to survive reopen, got %v", v)
	}
}

func TestSnapshotSlotReplaces(t *testing.T) {
	s := openTestStore(t, "", nil)

	cur, err := s.CurrentSnapshot()
	if err != nil || cur != nil {
		t.Fatalf("Expected no snapshot, got %v, %v", cur, err)
	}

	first := &Snapshot{Meta: SnapshotMeta{SnapshotID: "1-5-1", LastLogID: &LogID{1, 5}}, Data: []byte("a")}
	second := &Snapshot{Meta: SnapshotMeta{SnapshotID: "1-9-2", LastLogID: &LogID{1, 9}}, Data: []byte("b")}
	if err := s.SaveSnapshot(first); err != nil {
		t.Fatal(err)
	}
	if err := s.SaveSnapshot(second); err != nil {
		t.Fatal(err)
	}

	cur, err = s.CurrentSnapshot()
	if err != nil {
		t.Fatal(err)
	}
	if cur.Meta.SnapshotID != "1-9-2" || string(cur.Data) != "b" {
		t.Errorf("Expected the second snapshot, got %s", cur.Meta.SnapshotID)
	}
}

func TestEncryptedStore(t *testing.T) {
	c, err := CipherFromHexKey("000102030405060708090a0b0c0d0e0f")
	if err != nil {
		t.Fatal(err)
	}
	s := openTestStore(t, "", c)
	mustAppend(t, s, makeEntries(1, 2, 1))

	err = s.db.View(func(tx *bolt.Tx) error {
		raw := tx.Bucket(bucketLogs).Get(uint64ToBytes(1))
		if bytes.Contains(raw, []byte("cmd-1")) {
			t.Error("Expected entry payload to be encrypted on disk")
		}
		return nil
	})
	if err != nil {
		t.Fatal(err)
	}

	e, err := s.Entry(1)
	if err != nil {
		t.Fatalf("Entry failed: %v", err)
	}
	if string(e.Data) != "cmd-1" {
		t.Errorf("Expected cmd-1, got %s", e.Data)
	}
}

func TestSnapshotID(t *testing.T) {
	if got := SnapshotID(nil, 3); got != "--3" {
		t.Errorf("Expected --3, got %s", got)
	}
	if got := SnapshotID(&LogID{Term: 2, Index: 40}, 7); got != "2-40-7" {
		t.Errorf("Expected 2-40-7, got %s", got)
	}
}
