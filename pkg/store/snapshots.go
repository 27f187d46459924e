package store

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/raft"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

var errSnapshotNotFound = errors.New("snapshot not found")

// streamHeader travels in front of the database bytes when a snapshot is
// handed to raft, so the receiving side learns the membership with API
// addresses.
type streamHeader struct {
	LastLogID      *LogID     `msgpack:"last_log_id"`
	LastMembership Membership `msgpack:"last_membership"`
	SnapshotID     string     `msgpack:"snapshot_id"`
}

// WriteSnapshotStream writes meta and data as a length-prefixed header
// followed by the verbatim data.
func WriteSnapshotStream(w io.Writer, meta SnapshotMeta, data []byte) error {
	hdr, err := msgpack.Marshal(&streamHeader{
		LastLogID:      meta.LastLogID,
		LastMembership: meta.LastMembership,
		SnapshotID:     meta.SnapshotID,
	})
	if err != nil {
		return fmt.Errorf("failed to encode snapshot header: %w", err)
	}
	var n [4]byte
	binary.BigEndian.PutUint32(n[:], uint32(len(hdr)))
	if _, err := w.Write(n[:]); err != nil {
		return err
	}
	if _, err := w.Write(hdr); err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}

// ReadSnapshotStream is the inverse of WriteSnapshotStream.
func ReadSnapshotStream(r io.Reader) (SnapshotMeta, []byte, error) {
	meta, err := ReadSnapshotHeader(r)
	if err != nil {
		return SnapshotMeta{}, nil, err
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return SnapshotMeta{}, nil, fmt.Errorf("failed to read snapshot data: %w", err)
	}
	return meta, data, nil
}

// ReadSnapshotHeader reads the metadata of a snapshot stream, leaving r at
// the first byte of the database file.
func ReadSnapshotHeader(r io.Reader) (SnapshotMeta, error) {
	var n [4]byte
	if _, err := io.ReadFull(r, n[:]); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to read snapshot header length: %w", err)
	}
	hdr := make([]byte, binary.BigEndian.Uint32(n[:]))
	if _, err := io.ReadFull(r, hdr); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to read snapshot header: %w", err)
	}
	var h streamHeader
	if err := msgpack.Unmarshal(hdr, &h); err != nil {
		return SnapshotMeta{}, fmt.Errorf("failed to decode snapshot header: %w", err)
	}
	return SnapshotMeta{
		LastLogID:      h.LastLogID,
		LastMembership: h.LastMembership,
		SnapshotID:     h.SnapshotID,
	}, nil
}

// SnapshotStore implements raft.SnapshotStore on the single snapshot slot of
// a LogStore. Creating a snapshot replaces the previous one once the sink is
// closed.
type SnapshotStore struct {
	slot   SnapshotSlot
	logger *zap.Logger
	seq    atomic.Uint64
}

var _ raft.SnapshotStore = (*SnapshotStore)(nil)

// NewSnapshotStore creates a snapshot store over slot.
func NewSnapshotStore(slot SnapshotSlot, logger *zap.Logger) (*SnapshotStore, error) {
	s := &SnapshotStore{slot: slot, logger: logger}
	cur, err := slot.CurrentSnapshot()
	if err != nil {
		return nil, err
	}
	if cur != nil {
		s.seq.Store(cur.Meta.Seq)
	}
	return s, nil
}

// NextSeq hands out the next snapshot sequence number. The counter resumes
// from the stored snapshot after a restart.
func (s *SnapshotStore) NextSeq() uint64 {
	return s.seq.Add(1)
}

// Create starts a new snapshot at index/term.
func (s *SnapshotStore) Create(version raft.SnapshotVersion, index, term uint64,
	configuration raft.Configuration, configurationIndex uint64, trans raft.Transport) (raft.SnapshotSink, error) {
	if version != 1 {
		return nil, fmt.Errorf("unsupported snapshot version %d", version)
	}

	seq := s.NextSeq()
	last := &LogID{Term: term, Index: index}
	sink := &snapshotSink{
		store: s,
		meta: SnapshotMeta{
			LastLogID:          last,
			SnapshotID:         SnapshotID(last, seq),
			Seq:                seq,
			Version:            int(version),
			Configuration:      raft.EncodeConfiguration(configuration),
			ConfigurationIndex: configurationIndex,
		},
	}
	s.logger.Debug("Creating snapshot", zap.String("snapshot_id", sink.meta.SnapshotID))
	return sink, nil
}

// List returns the current snapshot, if any.
func (s *SnapshotStore) List() ([]*raft.SnapshotMeta, error) {
	snap, err := s.slot.CurrentSnapshot()
	if err != nil {
		return nil, err
	}
	if snap == nil {
		return []*raft.SnapshotMeta{}, nil
	}
	meta := raftMeta(snap)
	meta.Size = streamSize(snap)
	return []*raft.SnapshotMeta{meta}, nil
}

// Open returns a reader over the snapshot stream of id.
func (s *SnapshotStore) Open(id string) (*raft.SnapshotMeta, io.ReadCloser, error) {
	snap, err := s.slot.CurrentSnapshot()
	if err != nil {
		return nil, nil, err
	}
	if snap == nil || snap.Meta.SnapshotID != id {
		return nil, nil, fmt.Errorf("%w: %s", errSnapshotNotFound, id)
	}

	var buf bytes.Buffer
	if err := WriteSnapshotStream(&buf, snap.Meta, snap.Data); err != nil {
		return nil, nil, err
	}
	meta := raftMeta(snap)
	meta.Size = int64(buf.Len())
	return meta, io.NopCloser(&buf), nil
}

// streamSize is the number of bytes WriteSnapshotStream produces for snap.
func streamSize(snap *Snapshot) int64 {
	var w countingWriter
	_ = WriteSnapshotStream(&w, snap.Meta, nil)
	return w.n + int64(len(snap.Data))
}

type countingWriter struct{ n int64 }

func (w *countingWriter) Write(p []byte) (int, error) {
	w.n += int64(len(p))
	return len(p), nil
}

func raftMeta(snap *Snapshot) *raft.SnapshotMeta {
	m := &raft.SnapshotMeta{
		Version:            raft.SnapshotVersion(snap.Meta.Version),
		ID:                 snap.Meta.SnapshotID,
		ConfigurationIndex: snap.Meta.ConfigurationIndex,
	}
	if snap.Meta.LastLogID != nil {
		m.Index = snap.Meta.LastLogID.Index
		m.Term = snap.Meta.LastLogID.Term
	}
	if len(snap.Meta.Configuration) > 0 {
		m.Configuration = raft.DecodeConfiguration(snap.Meta.Configuration)
	}
	return m
}

type snapshotSink struct {
	store *SnapshotStore
	meta  SnapshotMeta

	mu     sync.Mutex
	buf    bytes.Buffer
	closed bool
}

func (s *snapshotSink) ID() string {
	return s.meta.SnapshotID
}

func (s *snapshotSink) Write(p []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	return s.buf.Write(p)
}

// Close decodes the stream and stores it as the current snapshot.
func (s *snapshotSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true

	hdr, data, err := ReadSnapshotStream(&s.buf)
	if err != nil {
		return NewStorageError(SubjectSnapshot, VerbRead, err)
	}
	meta := s.meta
	meta.LastMembership = hdr.LastMembership
	return s.store.slot.SaveSnapshot(&Snapshot{Meta: meta, Data: data})
}

func (s *snapshotSink) Cancel() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.buf.Reset()
	return nil
}
