// Package statemachine applies committed log entries to the node's SQLite
// database and produces and installs whole-database snapshots.
//
// The applied state (last applied log id, membership and the node registry)
// lives in the database itself, written in the same transaction as the
// statement an entry carries, so a restarted node resumes exactly after the
// last entry it applied.
package statemachine

import (
	"bytes"
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/query"
	"github.com/lumadb/sqlcluster/pkg/sqlstore"
	"github.com/lumadb/sqlcluster/pkg/store"
	"github.com/puzpuzpuz/xsync/v3"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
)

const stateTable = "_sqlcluster_state"

var createStateTable = `CREATE TABLE IF NOT EXISTS ` + stateTable + ` (
	id    INTEGER PRIMARY KEY CHECK (id = 1),
	state BLOB NOT NULL
)`

// ErrFailed is returned once a storage failure has stopped the state machine.
var ErrFailed = errors.New("state machine failed")

// AppliedState is the position of the state machine relative to the log.
type AppliedState struct {
	LastApplied *store.LogID     `json:"last_applied_log_id"`
	Membership  store.Membership `json:"last_membership"`
}

// ApplyResult is the outcome of one entry.
type ApplyResult struct {
	LogID store.LogID
	// Response is set for SQL and register_node commands.
	Response *message.Response
	// Skipped entries were applied before.
	Skipped bool
}

// ApplyEvent is handed to Options.OnApply after a command entry is applied.
type ApplyEvent struct {
	LogID    store.LogID
	Message  *message.Message
	Response *message.Response
}

// Options configures a StateMachine.
type Options struct {
	DB   *sqlstore.Database
	Slot store.SnapshotSlot
	// NextSeq supplies snapshot sequence numbers; when nil the state machine
	// keeps its own counter.
	NextSeq func() uint64
	// OnApply is called for every applied SQL command.
	OnApply func(ApplyEvent)
	Logger  *zap.Logger
}

// record is the row stored in the state table.
type record struct {
	LastApplied *store.LogID       `msgpack:"last_applied"`
	Membership  store.Membership   `msgpack:"membership"`
	Nodes       []message.NodeInfo `msgpack:"nodes"`
}

// StateMachine is the State Machine Store of a node.
type StateMachine struct {
	db      *sqlstore.Database
	slot    store.SnapshotSlot
	logger  *zap.Logger
	nextSeq func() uint64
	onApply func(ApplyEvent)
	seq     atomic.Uint64

	// serialises apply, capture and install
	mu  sync.Mutex
	err error

	stateMu sync.RWMutex
	state   AppliedState
	nodes   *xsync.MapOf[string, message.NodeInfo]
}

// New opens the state machine over an open database.
func New(ctx context.Context, opts Options) (*StateMachine, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	sm := &StateMachine{
		db:      opts.DB,
		slot:    opts.Slot,
		logger:  opts.Logger,
		onApply: opts.OnApply,
		nodes:   xsync.NewMapOf[string, message.NodeInfo](),
	}
	sm.nextSeq = opts.NextSeq
	if sm.nextSeq == nil {
		sm.nextSeq = func() uint64 { return sm.seq.Add(1) }
	}

	err := sm.db.Update(ctx, func(tx *sqlstore.Tx) error {
		_, err := tx.ExecContext(ctx, createStateTable)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create state table: %w", err)
	}
	rec, err := sm.readRecord(ctx)
	if err != nil {
		return nil, err
	}
	sm.setState(rec)

	cur, err := sm.slot.CurrentSnapshot()
	if err != nil {
		return nil, err
	}
	if cur != nil {
		sm.seq.Store(cur.Meta.Seq)
	}

	sm.logger.Info("State machine opened", zap.Stringer("last_applied", logIDStringer{rec.LastApplied}))
	return sm, nil
}

type logIDStringer struct{ id *store.LogID }

func (s logIDStringer) String() string {
	if s.id == nil {
		return "none"
	}
	return s.id.String()
}

// AppliedState returns the last applied log id and membership.
func (sm *StateMachine) AppliedState() AppliedState {
	sm.stateMu.RLock()
	defer sm.stateMu.RUnlock()
	st := sm.state
	if st.LastApplied != nil {
		id := *st.LastApplied
		st.LastApplied = &id
	}
	st.Membership.Members = append([]store.Member(nil), st.Membership.Members...)
	return st
}

// Node returns the registered addresses of a node.
func (sm *StateMachine) Node(id string) (message.NodeInfo, bool) {
	if info, ok := sm.nodes.Load(id); ok {
		return info, true
	}
	st := sm.AppliedState()
	if m, ok := st.Membership.Member(id); ok && m.APIAddr != "" {
		return message.NodeInfo{ID: m.ID, APIAddr: m.APIAddr, RaftAddr: m.RaftAddr}, true
	}
	return message.NodeInfo{}, false
}

// Nodes returns every registered node ordered by id.
func (sm *StateMachine) Nodes() []message.NodeInfo {
	var out []message.NodeInfo
	sm.nodes.Range(func(_ string, info message.NodeInfo) bool {
		out = append(out, info)
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Err returns the failure that stopped the state machine, if any.
func (sm *StateMachine) Err() error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	return sm.err
}

func (sm *StateMachine) fail(err error) error {
	if sm.err == nil {
		sm.err = fmt.Errorf("%w: %v", ErrFailed, err)
		sm.logger.Error("State machine failed", zap.Error(err))
	}
	return err
}

// Query runs a read against the local database.
func (sm *StateMachine) Query(ctx context.Context, msg *message.Message) (*message.Response, error) {
	return sm.db.Query(ctx, msg)
}

// Apply applies entries in the order given. Entries at or below the last
// applied index are skipped. Each entry is committed on its own, so a failure
// part way leaves the applied state at the last entry that made it to disk.
func (sm *StateMachine) Apply(ctx context.Context, entries []*store.Entry) ([]*ApplyResult, error) {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.err != nil {
		return nil, sm.err
	}

	results := make([]*ApplyResult, 0, len(entries))
	for _, e := range entries {
		res, err := sm.applyEntry(ctx, e)
		if err != nil {
			return results, sm.fail(err)
		}
		results = append(results, res)
	}
	return results, nil
}

func (sm *StateMachine) applyEntry(ctx context.Context, e *store.Entry) (*ApplyResult, error) {
	res := &ApplyResult{LogID: e.LogID()}
	cur := sm.currentRecord()
	if cur.LastApplied != nil && e.Index <= cur.LastApplied.Index {
		res.Skipped = true
		entriesSkipped.Inc()
		return res, nil
	}

	start := time.Now()
	next := cur
	id := e.LogID()
	next.LastApplied = &id

	var cmd *message.Command
	switch e.Type {
	case store.EntryNormal:
		var err error
		if cmd, err = message.DecodeCommand(e.Data); err != nil {
			// every replica reads the same bytes, so this is a reply
			res.Response = message.Failed(err.Error())
		}
	case store.EntryMembership:
		if e.Membership != nil {
			next.Membership = withAPIAddrs(*e.Membership, cur.Nodes)
		}
	}

	err := sm.db.Update(ctx, func(tx *sqlstore.Tx) error {
		if cmd != nil {
			resp, err := sm.runCommand(ctx, tx, cmd, &next)
			if err != nil {
				return err
			}
			res.Response = resp
		}
		return writeRecord(ctx, tx, &next)
	})
	var aborted *sqlstore.AbortedError
	if errors.As(err, &aborted) {
		// the statement failed on every replica alike; record the entry alone
		res.Response = message.Failed(aborted.Err.Error())
		statementErrors.Inc()
		err = sm.db.Update(ctx, func(tx *sqlstore.Tx) error {
			return writeRecord(ctx, tx, &next)
		})
	}
	if err != nil {
		return nil, fmt.Errorf("failed to apply entry %s: %w", id, err)
	}

	sm.setState(&next)
	entriesApplied.Inc()
	applyDuration.UpdateDuration(start)

	if cmd != nil && cmd.Type == message.CommandSQL && sm.onApply != nil {
		sm.onApply(ApplyEvent{LogID: id, Message: cmd.Message, Response: res.Response})
	}
	return res, nil
}

func (sm *StateMachine) runCommand(ctx context.Context, tx *sqlstore.Tx, cmd *message.Command, next *record) (*message.Response, error) {
	switch cmd.Type {
	case message.CommandSQL:
		if cmd.Message == nil {
			return message.Failed("empty command"), nil
		}
		if kw := query.TransactionControl(cmd.Message.SQL); kw != "" {
			return message.Failed(fmt.Sprintf("%s is not allowed: every command runs in its own transaction", kw)), nil
		}
		if strings.Contains(strings.ToLower(cmd.Message.SQL), stateTable) {
			return message.Failed(fmt.Sprintf("table %s is reserved", stateTable)), nil
		}
		resp, err := tx.Run(ctx, cmd.Message)
		if err != nil {
			return nil, err
		}
		if resp.Error != "" {
			statementErrors.Inc()
		}
		return resp, nil

	case message.CommandRegisterNode:
		if cmd.Node == nil || cmd.Node.ID == "" {
			return message.Failed("register_node without a node id"), nil
		}
		next.Nodes = upsertNode(next.Nodes, *cmd.Node)
		next.Membership = withAPIAddrs(next.Membership, next.Nodes)
		return message.Rows(nil), nil

	default:
		return message.Failed(fmt.Sprintf("unknown command type %d", cmd.Type)), nil
	}
}

func upsertNode(nodes []message.NodeInfo, info message.NodeInfo) []message.NodeInfo {
	out := make([]message.NodeInfo, 0, len(nodes)+1)
	for _, n := range nodes {
		if n.ID != info.ID {
			out = append(out, n)
		}
	}
	out = append(out, info)
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func withAPIAddrs(m store.Membership, nodes []message.NodeInfo) store.Membership {
	members := make([]store.Member, len(m.Members))
	for i, mem := range m.Members {
		for _, n := range nodes {
			if n.ID == mem.ID {
				mem.APIAddr = n.APIAddr
			}
		}
		members[i] = mem
	}
	m.Members = members
	return m
}

func (sm *StateMachine) currentRecord() record {
	sm.stateMu.RLock()
	defer sm.stateMu.RUnlock()
	rec := record{
		LastApplied: sm.state.LastApplied,
		Membership:  sm.state.Membership,
	}
	rec.Nodes = sm.Nodes()
	return rec
}

func (sm *StateMachine) setState(rec *record) {
	sm.stateMu.Lock()
	defer sm.stateMu.Unlock()
	sm.state = AppliedState{LastApplied: rec.LastApplied, Membership: rec.Membership}

	seen := make(map[string]bool, len(rec.Nodes))
	for _, n := range rec.Nodes {
		sm.nodes.Store(n.ID, n)
		seen[n.ID] = true
	}
	sm.nodes.Range(func(id string, _ message.NodeInfo) bool {
		if !seen[id] {
			sm.nodes.Delete(id)
		}
		return true
	})
}

func (sm *StateMachine) readRecord(ctx context.Context) (*record, error) {
	var raw []byte
	err := sm.db.View(ctx, func(q sqlstore.Querier) error {
		return q.QueryRowContext(ctx, "SELECT state FROM "+stateTable+" WHERE id = 1").Scan(&raw)
	})
	if errors.Is(err, sql.ErrNoRows) {
		return &record{}, nil
	}
	if err != nil {
		return nil, store.NewStorageError(store.SubjectStateMachine, store.VerbRead, err)
	}
	var rec record
	if err := msgpack.Unmarshal(raw, &rec); err != nil {
		return nil, store.NewStorageError(store.SubjectStateMachine, store.VerbRead, fmt.Errorf("failed to decode applied state: %w", err))
	}
	return &rec, nil
}

func writeRecord(ctx context.Context, q sqlstore.Querier, rec *record) error {
	raw, err := msgpack.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = q.ExecContext(ctx,
		"INSERT INTO "+stateTable+" (id, state) VALUES (1, ?) ON CONFLICT(id) DO UPDATE SET state = excluded.state", raw)
	return err
}

func sameRecord(a, b *record) bool {
	x, err1 := msgpack.Marshal(a)
	y, err2 := msgpack.Marshal(b)
	return err1 == nil && err2 == nil && bytes.Equal(x, y)
}
