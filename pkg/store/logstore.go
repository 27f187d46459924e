package store

import (
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/boltdb/bolt"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

var (
	bucketLogs  = []byte("logs")
	bucketStore = []byte("store")

	keyVote       = []byte("vote")
	keyCommitted  = []byte("committed")
	keyLastPurged = []byte("last_purged_log_id")
	keySnapshot   = []byte("snapshot")
)

// Options configures a LogStore.
type Options struct {
	Path    string
	Cipher  Cipher
	Timeout time.Duration
	Logger  *zap.Logger
}

// LogStore is the ordered log store on bolt. Log entries live in the "logs"
// bucket keyed by big-endian index; the "store" bucket holds the vote, the
// committed id, the purge watermark and the current snapshot.
//
// A single writer (the consensus layer) drives Append, Truncate and Purge;
// reads may run concurrently.
type LogStore struct {
	db     *bolt.DB
	cipher Cipher
	logger *zap.Logger
	path   string
}

var _ StorageEngine = (*LogStore)(nil)
var _ SnapshotSlot = (*LogStore)(nil)

// Open opens or creates the log store at opts.Path.
func Open(opts Options) (*LogStore, error) {
	if opts.Cipher == nil {
		opts.Cipher = NoEncrypt{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Timeout == 0 {
		opts.Timeout = time.Second
	}
	if err := os.MkdirAll(filepath.Dir(opts.Path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create log store dir: %w", err)
	}

	db, err := bolt.Open(opts.Path, 0600, &bolt.Options{Timeout: opts.Timeout})
	if err != nil {
		return nil, NewStorageError(SubjectStore, VerbRead, err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		if _, err := tx.CreateBucketIfNotExists(bucketLogs); err != nil {
			return err
		}
		_, err := tx.CreateBucketIfNotExists(bucketStore)
		return err
	})
	if err != nil {
		db.Close()
		return nil, NewStorageError(SubjectStore, VerbWrite, err)
	}

	opts.Logger.Info("Opened log store", zap.String("path", opts.Path))
	return &LogStore{db: db, cipher: opts.Cipher, logger: opts.Logger, path: opts.Path}, nil
}

// Close releases the underlying database.
func (s *LogStore) Close() error {
	return s.db.Close()
}

// Path returns the database file path.
func (s *LogStore) Path() string {
	return s.path
}

// Append durably persists entries at the tail of the log. done is called
// once the bolt transaction has been synced to disk, or with the error that
// prevented it. The first entry must directly follow the current tail, or
// the purge watermark when the log is empty.
func (s *LogStore) Append(entries []*Entry, done LogFlushed) error {
	err := s.append(entries)
	if done != nil {
		done(err)
	}
	return err
}

func (s *LogStore) append(entries []*Entry) error {
	if len(entries) == 0 {
		return nil
	}
	start := time.Now()

	err := s.db.Update(func(tx *bolt.Tx) error {
		logs := tx.Bucket(bucketLogs)

		var prev uint64
		if k, _ := logs.Cursor().Last(); k != nil {
			prev = bytesToUint64(k)
		} else {
			purged, err := s.getLogID(tx, keyLastPurged)
			if err != nil {
				return err
			}
			if purged != nil && entries[0].Index <= purged.Index {
				return fmt.Errorf("%w: index %d is at or below purge watermark %d",
					ErrNotContiguous, entries[0].Index, purged.Index)
			}
			prev = entries[0].Index - 1
		}

		for _, e := range entries {
			if e.Index != prev+1 {
				return fmt.Errorf("%w: expected index %d, got %d", ErrNotContiguous, prev+1, e.Index)
			}
			val, err := s.encode(e)
			if err != nil {
				return err
			}
			if err := logs.Put(uint64ToBytes(e.Index), val); err != nil {
				return err
			}
			prev = e.Index
		}
		return nil
	})
	if err != nil {
		return NewStorageError(SubjectLogs, VerbWrite, err)
	}

	logEntriesAppended.Add(len(entries))
	logAppendDuration.UpdateDuration(start)
	return nil
}

// Truncate deletes every entry with index >= from.
func (s *LogStore) Truncate(from uint64) error {
	var removed int
	err := s.db.Update(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		for k, _ := c.Seek(uint64ToBytes(from)); k != nil; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
			removed++
		}
		return nil
	})
	if err != nil {
		return NewStorageError(SubjectLogs, VerbDelete, err)
	}

	logTruncations.Inc()
	s.logger.Debug("Truncated log", zap.Uint64("from", from), zap.Int("removed", removed))
	return nil
}

// Purge deletes every entry with index <= through.Index and records through
// as the purge watermark. The watermark never moves backwards.
func (s *LogStore) Purge(through LogID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		purged, err := s.getLogID(tx, keyLastPurged)
		if err != nil {
			return err
		}
		if purged == nil || through.Index > purged.Index {
			if err := s.put(tx, keyLastPurged, &through); err != nil {
				return err
			}
		}

		c := tx.Bucket(bucketLogs).Cursor()
		for k, _ := c.First(); k != nil && bytesToUint64(k) <= through.Index; k, _ = c.Next() {
			if err := c.Delete(); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return NewStorageError(SubjectLogs, VerbDelete, err)
	}

	logPurges.Inc()
	s.logger.Debug("Purged log", zap.Stringer("through", through))
	return nil
}

// Entries returns the entries in [lo, hi) in index order. When maxSize is
// non-zero, entries stop once their encoded size exceeds it; at least one
// entry is returned if any is available. Purged ranges yield no entries.
func (s *LogStore) Entries(lo, hi, maxSize uint64) ([]*Entry, error) {
	var entries []*Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketLogs).Cursor()
		var size uint64
		var prev uint64
		for k, v := c.Seek(uint64ToBytes(lo)); k != nil; k, v = c.Next() {
			idx := bytesToUint64(k)
			if idx >= hi {
				break
			}
			if prev != 0 && idx != prev+1 {
				return fmt.Errorf("%w: gap between %d and %d", ErrNotContiguous, prev, idx)
			}
			e, err := s.decodeEntry(idx, v)
			if err != nil {
				return err
			}
			size += uint64(len(v))
			if maxSize > 0 && size > maxSize && len(entries) > 0 {
				break
			}
			entries = append(entries, e)
			prev = idx
		}
		return nil
	})
	if err != nil {
		s.logger.Error("Failed to read log entries",
			zap.Uint64("lo", lo), zap.Uint64("hi", hi), zap.Error(err))
		return nil, NewStorageError(SubjectLogs, VerbRead, err)
	}
	return entries, nil
}

// Entry returns the entry at index, or ErrEntryNotFound.
func (s *LogStore) Entry(index uint64) (*Entry, error) {
	var e *Entry
	err := s.db.View(func(tx *bolt.Tx) error {
		v := tx.Bucket(bucketLogs).Get(uint64ToBytes(index))
		if v == nil {
			return ErrEntryNotFound
		}
		var err error
		e, err = s.decodeEntry(index, v)
		return err
	})
	if errors.Is(err, ErrEntryNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, NewStorageError(SubjectLogs, VerbRead, err)
	}
	return e, nil
}

// FirstIndex returns the index of the first stored entry, 0 if none.
func (s *LogStore) FirstIndex() (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketLogs).Cursor().First(); k != nil {
			idx = bytesToUint64(k)
		}
		return nil
	})
	return idx, NewStorageError(SubjectLogs, VerbRead, err)
}

// LastIndex returns the index of the last stored entry, 0 if none.
func (s *LogStore) LastIndex() (uint64, error) {
	var idx uint64
	err := s.db.View(func(tx *bolt.Tx) error {
		if k, _ := tx.Bucket(bucketLogs).Cursor().Last(); k != nil {
			idx = bytesToUint64(k)
		}
		return nil
	})
	return idx, NewStorageError(SubjectLogs, VerbRead, err)
}

// LogState returns the purge watermark and the id of the last entry. When no
// entries remain the last id is the watermark.
func (s *LogStore) LogState() (LogState, error) {
	var st LogState
	err := s.db.View(func(tx *bolt.Tx) error {
		purged, err := s.getLogID(tx, keyLastPurged)
		if err != nil {
			return err
		}
		st.LastPurged = purged

		k, v := tx.Bucket(bucketLogs).Cursor().Last()
		if k == nil {
			st.Last = purged
			return nil
		}
		e, err := s.decodeEntry(bytesToUint64(k), v)
		if err != nil {
			return err
		}
		id := e.LogID()
		st.Last = &id
		return nil
	})
	if err != nil {
		return LogState{}, NewStorageError(SubjectLogs, VerbRead, err)
	}
	return st, nil
}

// SaveVote persists the vote, replacing any previous one.
func (s *LogStore) SaveVote(v *Vote) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx, keyVote, v)
	})
	return NewStorageError(SubjectVote, VerbWrite, err)
}

// ReadVote returns the stored vote, nil if none was saved.
func (s *LogStore) ReadVote() (*Vote, error) {
	var vote *Vote
	err := s.db.View(func(tx *bolt.Tx) error {
		var v Vote
		ok, err := s.get(tx, keyVote, &v)
		if ok {
			vote = &v
		}
		return err
	})
	if err != nil {
		return nil, NewStorageError(SubjectVote, VerbRead, err)
	}
	return vote, nil
}

// SaveCommitted persists the committed log id. Lower indexes than the one
// stored are ignored.
func (s *LogStore) SaveCommitted(id LogID) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		cur, err := s.getLogID(tx, keyCommitted)
		if err != nil {
			return err
		}
		if cur != nil && cur.Index >= id.Index {
			return nil
		}
		return s.put(tx, keyCommitted, &id)
	})
	return NewStorageError(SubjectCommitted, VerbWrite, err)
}

// ReadCommitted returns the committed log id, nil if none was saved.
func (s *LogStore) ReadCommitted() (*LogID, error) {
	var id *LogID
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		id, err = s.getLogID(tx, keyCommitted)
		return err
	})
	if err != nil {
		return nil, NewStorageError(SubjectCommitted, VerbRead, err)
	}
	return id, nil
}

// SaveSnapshot replaces the current snapshot.
func (s *LogStore) SaveSnapshot(snap *Snapshot) error {
	err := s.db.Update(func(tx *bolt.Tx) error {
		return s.put(tx, keySnapshot, snap)
	})
	if err != nil {
		return NewStorageError(SubjectSnapshot, VerbWrite, err)
	}
	snapshotsSaved.Inc()
	s.logger.Info("Saved snapshot",
		zap.String("snapshot_id", snap.Meta.SnapshotID),
		zap.Int("size", len(snap.Data)))
	return nil
}

// CurrentSnapshot returns the current snapshot, nil if none was saved.
func (s *LogStore) CurrentSnapshot() (*Snapshot, error) {
	var snap *Snapshot
	err := s.db.View(func(tx *bolt.Tx) error {
		var sn Snapshot
		ok, err := s.get(tx, keySnapshot, &sn)
		if ok {
			snap = &sn
		}
		return err
	})
	if err != nil {
		return nil, NewStorageError(SubjectSnapshot, VerbRead, err)
	}
	return snap, nil
}

func (s *LogStore) decodeEntry(idx uint64, v []byte) (*Entry, error) {
	plain, err := s.cipher.Decrypt(v)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt entry %d: %w", idx, err)
	}
	var e Entry
	if err := msgpack.Unmarshal(plain, &e); err != nil {
		return nil, fmt.Errorf("failed to decode entry %d: %w", idx, err)
	}
	if e.Index != idx {
		return nil, fmt.Errorf("%w: key %d holds entry %d", ErrIndexMismatch, idx, e.Index)
	}
	return &e, nil
}

func (s *LogStore) encode(v interface{}) ([]byte, error) {
	plain, err := msgpack.Marshal(v)
	if err != nil {
		return nil, err
	}
	return s.cipher.Encrypt(plain)
}

func (s *LogStore) put(tx *bolt.Tx, key []byte, v interface{}) error {
	val, err := s.encode(v)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketStore).Put(key, val)
}

// get decodes the value under key into v, reporting whether it was present.
func (s *LogStore) get(tx *bolt.Tx, key []byte, v interface{}) (bool, error) {
	raw := tx.Bucket(bucketStore).Get(key)
	if raw == nil {
		return false, nil
	}
	plain, err := s.cipher.Decrypt(raw)
	if err != nil {
		return false, fmt.Errorf("failed to decrypt %s: %w", key, err)
	}
	if err := msgpack.Unmarshal(plain, v); err != nil {
		return false, fmt.Errorf("failed to decode %s: %w", key, err)
	}
	return true, nil
}

func (s *LogStore) getLogID(tx *bolt.Tx, key []byte) (*LogID, error) {
	var id LogID
	ok, err := s.get(tx, key, &id)
	if err != nil || !ok {
		return nil, err
	}
	return &id, nil
}

func bytesToUint64(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func uint64ToBytes(u uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, u)
	return buf
}
