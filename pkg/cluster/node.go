// Package cluster runs the replicated SQL database on a node: hashicorp/raft
// over the bolt log store, with the SQLite state machine as its FSM.
package cluster

import (
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/hashicorp/raft"
	"github.com/lumadb/sqlcluster/pkg/config"
	"github.com/lumadb/sqlcluster/pkg/events"
	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/sqlstore"
	"github.com/lumadb/sqlcluster/pkg/statemachine"
	"github.com/lumadb/sqlcluster/pkg/store"
	"go.uber.org/zap"
)

var (
	// ErrAlreadyInitialized is returned by Init on a node with raft state.
	ErrAlreadyInitialized = errors.New("cluster already initialized")
	// ErrUnknownNode is returned for membership changes naming a node that
	// was never added.
	ErrUnknownNode = errors.New("unknown node")
)

// Node represents a cluster node with Raft consensus
type Node struct {
	config    *config.Config
	logger    *zap.Logger
	logs      *store.LogStore
	raftStore *store.RaftStore
	snapshots *store.SnapshotStore
	db        *sqlstore.Database
	sm        *statemachine.StateMachine
	fsm       *FSM
	raft      *raft.Raft
	transport raft.Transport
	events    *events.LeaderGate
	scheduler *SnapshotScheduler

	self message.NodeInfo

	// leaderReady is set once a new leader has applied a barrier, so its
	// commit index covers every earlier term.
	leaderReady atomic.Bool

	// nodes handed to Init, registered by whichever node leads
	pendingMu sync.Mutex
	pending   []message.NodeInfo

	shutdownCh   chan struct{}
	shutdownOnce sync.Once
	wg           sync.WaitGroup
}

// NewNode creates a new cluster node listening for raft traffic on
// cfg.RaftAddr.
func NewNode(cfg *config.Config, logger *zap.Logger) (*Node, error) {
	addr, err := net.ResolveTCPAddr("tcp", cfg.AdvertisedRaftAddr())
	if err != nil {
		return nil, fmt.Errorf("failed to resolve raft address: %w", err)
	}
	transport, err := raft.NewTCPTransportWithLogger(cfg.RaftAddr, addr,
		cfg.Raft.TransportPool, cfg.Raft.TransportTimeout, raftLogger(cfg))
	if err != nil {
		return nil, fmt.Errorf("failed to create transport: %w", err)
	}
	n, err := NewNodeWithTransport(cfg, transport, logger)
	if err != nil {
		transport.Close()
		return nil, err
	}
	return n, nil
}

// NewNodeWithTransport creates a node on an existing transport.
func NewNodeWithTransport(cfg *config.Config, transport raft.Transport, logger *zap.Logger) (*Node, error) {
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	cipher, err := store.CipherFromHexKey(cfg.EncryptionKey)
	if err != nil {
		return nil, err
	}

	n := &Node{
		config:     cfg,
		logger:     logger.With(zap.String("node_id", cfg.NodeID)),
		transport:  transport,
		shutdownCh: make(chan struct{}),
		self: message.NodeInfo{
			ID:       cfg.NodeID,
			RaftAddr: string(transport.LocalAddr()),
			APIAddr:  cfg.AdvertisedAPIAddr(),
		},
	}
	if err := n.open(cipher); err != nil {
		n.closeStores()
		return nil, err
	}
	return n, nil
}

func (n *Node) open(cipher store.Cipher) error {
	cfg := n.config
	var err error

	n.logs, err = store.Open(store.Options{
		Path:   filepath.Join(cfg.DataDir, "raft.db"),
		Cipher: cipher,
		Logger: n.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open log store: %w", err)
	}
	n.raftStore = store.NewRaftStore(n.logs)
	n.snapshots, err = store.NewSnapshotStore(n.logs, n.logger)
	if err != nil {
		return fmt.Errorf("failed to open snapshot store: %w", err)
	}

	n.db, err = sqlstore.Open(sqlstore.Options{
		Path:              filepath.Join(cfg.DataDir, "sqlite.db"),
		BusyTimeout:       cfg.SQLite.BusyTimeout,
		CheckpointBackoff: cfg.SQLite.CheckpointBackoff,
		ReadConns:         cfg.SQLite.ReadConns,
		Logger:            n.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	var publisher events.Publisher = events.Nop{}
	if len(cfg.Events.Brokers) > 0 {
		if publisher, err = events.NewKafkaPublisher(cfg.Events.Brokers, cfg.Events.Topic, n.logger); err != nil {
			return fmt.Errorf("failed to create event publisher: %w", err)
		}
	}
	n.events = events.NewLeaderGate(publisher)

	ctx := context.Background()
	n.sm, err = statemachine.New(ctx, statemachine.Options{
		DB:      n.db,
		Slot:    n.logs,
		NextSeq: n.snapshots.NextSeq,
		OnApply: func(ev statemachine.ApplyEvent) {
			n.events.Publish(events.NewEvent(ev.LogID, ev.Message, ev.Response))
		},
		Logger: n.logger,
	})
	if err != nil {
		return fmt.Errorf("failed to open state machine: %w", err)
	}
	// raft skips the restore on start, so a lost database is rebuilt here
	if err := n.sm.Rehydrate(ctx); err != nil {
		return fmt.Errorf("failed to restore snapshot: %w", err)
	}

	n.fsm = NewFSM(n.sm, n.raftStore, n.logger, n.fatal)

	raftConfig := raft.DefaultConfig()
	raftConfig.LocalID = raft.ServerID(cfg.NodeID)
	raftConfig.HeartbeatTimeout = cfg.Raft.HeartbeatTimeout
	raftConfig.ElectionTimeout = cfg.Raft.ElectionTimeout
	raftConfig.LeaderLeaseTimeout = cfg.Raft.LeaderLeaseTimeout
	raftConfig.CommitTimeout = cfg.Raft.CommitTimeout
	raftConfig.MaxAppendEntries = cfg.Raft.MaxAppendEntries
	raftConfig.SnapshotInterval = cfg.Raft.SnapshotInterval
	raftConfig.SnapshotThreshold = cfg.Raft.SnapshotThreshold
	raftConfig.TrailingLogs = cfg.Raft.TrailingLogs
	raftConfig.BatchApplyCh = true
	raftConfig.NoSnapshotRestoreOnStart = true
	raftConfig.Logger = raftLogger(cfg)

	n.raft, err = raft.NewRaft(raftConfig, n.fsm, n.raftStore, n.raftStore, n.snapshots, n.transport)
	if err != nil {
		return fmt.Errorf("failed to create raft: %w", err)
	}

	if cfg.SnapshotSchedule != "" {
		if n.scheduler, err = NewSnapshotScheduler(n, cfg.SnapshotSchedule, n.logger); err != nil {
			n.raft.Shutdown()
			return err
		}
		n.scheduler.Start()
	}

	n.wg.Add(1)
	go n.monitorLeadership()

	n.logger.Info("Node started",
		zap.String("raft_addr", n.self.RaftAddr),
		zap.String("api_addr", n.self.APIAddr))
	return nil
}

func raftLogger(cfg *config.Config) hclog.Logger {
	return hclog.New(&hclog.LoggerOptions{
		Name:   "raft",
		Level:  hclog.LevelFromString(cfg.LogLevel),
		Output: os.Stderr,
	})
}

// Bootstrap starts a new cluster from the configured members, or with this
// node alone when none are configured. A node that already has raft state
// is left untouched.
func (n *Node) Bootstrap() error {
	members, err := n.config.ParseMembers()
	if err != nil {
		return err
	}
	err = n.Init(context.Background(), members)
	if errors.Is(err, ErrAlreadyInitialized) {
		n.logger.Info("Cluster already bootstrapped")
		return nil
	}
	return err
}

// Init bootstraps a fresh cluster with members as voters. An empty list means
// this node alone. Members must include this node.
func (n *Node) Init(ctx context.Context, members []message.NodeInfo) error {
	if len(members) == 0 {
		members = []message.NodeInfo{n.self}
	}
	configuration := raft.Configuration{}
	found := false
	for _, m := range members {
		if m.ID == "" || m.RaftAddr == "" {
			return fmt.Errorf("member %+v needs an id and a raft address", m)
		}
		if m.ID == n.self.ID {
			found = true
			if m.APIAddr == "" {
				m.APIAddr = n.self.APIAddr
			}
		}
		configuration.Servers = append(configuration.Servers, raft.Server{
			Suffrage: raft.Voter,
			ID:       raft.ServerID(m.ID),
			Address:  raft.ServerAddress(m.RaftAddr),
		})
	}
	if !found {
		return fmt.Errorf("members must include this node (%s)", n.self.ID)
	}

	n.logger.Info("Bootstrapping new cluster", zap.Int("members", len(members)))
	if err := waitFuture(ctx, n.raft.BootstrapCluster(configuration)); err != nil {
		if errors.Is(err, raft.ErrCantBootstrap) {
			return ErrAlreadyInitialized
		}
		return fmt.Errorf("failed to bootstrap: %w", err)
	}

	n.pendingMu.Lock()
	n.pending = append(n.pending, members...)
	n.pendingMu.Unlock()
	return nil
}

// Shutdown gracefully shuts down the node
func (n *Node) Shutdown() error {
	var err error
	n.shutdownOnce.Do(func() {
		n.logger.Info("Shutting down node")
		close(n.shutdownCh)
		if n.scheduler != nil {
			n.scheduler.Stop()
		}
		if n.raft != nil {
			if ferr := n.raft.Shutdown().Error(); ferr != nil {
				err = fmt.Errorf("raft shutdown failed: %w", ferr)
			}
		}
		n.wg.Wait()
		if c, ok := n.transport.(raft.WithClose); ok {
			c.Close()
		}
		n.closeStores()
	})
	return err
}

func (n *Node) closeStores() {
	if n.events != nil {
		if err := n.events.Close(); err != nil {
			n.logger.Warn("Failed to flush events", zap.Error(err))
		}
	}
	if n.db != nil {
		if err := n.db.Close(); err != nil {
			n.logger.Error("Failed to close database", zap.Error(err))
		}
	}
	if n.logs != nil {
		if err := n.logs.Close(); err != nil {
			n.logger.Error("Failed to close log store", zap.Error(err))
		}
	}
}

// fatal stops raft after the state machine failed to persist an entry.
func (n *Node) fatal(err error) {
	n.logger.Error("State machine failure, stopping raft", zap.Error(err))
	if ferr := n.raft.Shutdown().Error(); ferr != nil {
		n.logger.Error("Raft shutdown failed", zap.Error(ferr))
	}
}

// ID returns the node id.
func (n *Node) ID() string {
	return n.self.ID
}

// Self returns this node's addresses.
func (n *Node) Self() message.NodeInfo {
	return n.self
}

// IsLeader returns true if this node is the cluster leader
func (n *Node) IsLeader() bool {
	return n.raft.State() == raft.Leader
}

// Leader returns the id and API address of the current leader. Both are
// empty when no leader is known; the address is empty when the leader never
// registered one.
func (n *Node) Leader() (id, apiAddr string) {
	_, lid := n.raft.LeaderWithID()
	if lid == "" {
		return "", ""
	}
	if string(lid) == n.self.ID {
		return n.self.ID, n.self.APIAddr
	}
	info, _ := n.sm.Node(string(lid))
	return string(lid), info.APIAddr
}

// Err returns the failure that stopped the state machine, if any.
func (n *Node) Err() error {
	return n.sm.Err()
}

func (n *Node) forwardToLeader() *message.ForwardToLeader {
	id, addr := n.Leader()
	return message.NewForwardToLeader(id, addr)
}

// Apply replicates msg through the log and returns the reply produced when
// it was applied.
func (n *Node) Apply(ctx context.Context, msg *message.Message) (*message.Result, error) {
	res, err := n.applyCommand(ctx, &message.Command{Type: message.CommandSQL, Message: msg})
	if err != nil {
		return nil, err
	}
	id := res.LogID
	return &message.Result{LogID: &id, Data: res.Response}, nil
}

func (n *Node) applyCommand(ctx context.Context, cmd *message.Command) (*statemachine.ApplyResult, error) {
	if !n.IsLeader() {
		return nil, n.forwardToLeader()
	}
	data, err := message.EncodeCommand(cmd)
	if err != nil {
		return nil, err
	}

	f := n.raft.Apply(data, n.timeout(ctx))
	if err := waitFuture(ctx, f); err != nil {
		return nil, n.raftError(err)
	}
	switch r := f.Response().(type) {
	case *statemachine.ApplyResult:
		return r, nil
	case error:
		return nil, r
	default:
		return nil, fmt.Errorf("unexpected apply response %T", r)
	}
}

// ConsistentRead runs msg locally once this node has proven it still leads
// and has applied everything committed before the call.
func (n *Node) ConsistentRead(ctx context.Context, msg *message.Message) (*message.Response, error) {
	if !n.IsLeader() || !n.leaderReady.Load() {
		return nil, n.forwardToLeader()
	}
	readIndex := n.raft.CommitIndex()
	if err := waitFuture(ctx, n.raft.VerifyLeader()); err != nil {
		return nil, n.raftError(err)
	}
	if err := n.waitApplied(ctx, readIndex); err != nil {
		return nil, err
	}
	return n.sm.Query(ctx, msg)
}

// waitApplied blocks until the state machine reflects every entry up to
// index.
func (n *Node) waitApplied(ctx context.Context, index uint64) error {
	ticker := time.NewTicker(time.Millisecond)
	defer ticker.Stop()
	for n.raft.AppliedIndex() < index || !n.fsm.AppliedThrough(index) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-n.shutdownCh:
			return raft.ErrRaftShutdown
		case <-ticker.C:
		}
	}
	return nil
}

// Query runs msg against the local database without consulting the leader.
func (n *Node) Query(ctx context.Context, msg *message.Message) (*message.Response, error) {
	return n.sm.Query(ctx, msg)
}

// AddLearner records the addresses of info through the log and adds the
// node as a non-voting member.
func (n *Node) AddLearner(ctx context.Context, info message.NodeInfo) (*message.Result, error) {
	if info.ID == "" || info.RaftAddr == "" {
		return nil, errors.New("a learner needs an id and a raft address")
	}
	res, err := n.applyCommand(ctx, &message.Command{Type: message.CommandRegisterNode, Node: &info})
	if err != nil {
		return nil, err
	}
	f := n.raft.AddNonvoter(raft.ServerID(info.ID), raft.ServerAddress(info.RaftAddr), 0, n.timeout(ctx))
	if err := waitFuture(ctx, f); err != nil {
		return nil, n.raftError(err)
	}
	n.logger.Info("Added learner", zap.String("learner", info.ID), zap.String("raft_addr", info.RaftAddr))
	id := store.LogID{Index: f.Index(), Term: res.LogID.Term}
	return &message.Result{LogID: &id, Data: message.Rows(nil)}, nil
}

// ChangeMembership makes ids the voting members. Listed learners are
// promoted and voters not listed are removed.
func (n *Node) ChangeMembership(ctx context.Context, ids []string) (*message.Result, error) {
	if len(ids) == 0 {
		return nil, errors.New("at least one voter is required")
	}
	if !n.IsLeader() {
		return nil, n.forwardToLeader()
	}
	cf := n.raft.GetConfiguration()
	if err := waitFuture(ctx, cf); err != nil {
		return nil, n.raftError(err)
	}
	known := make(map[string]raft.Server)
	for _, srv := range cf.Configuration().Servers {
		known[string(srv.ID)] = srv
	}
	want := make(map[string]bool, len(ids))
	for _, id := range ids {
		if _, ok := known[id]; !ok {
			return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
		}
		want[id] = true
	}

	var last uint64
	for _, id := range ids {
		srv := known[id]
		if srv.Suffrage == raft.Voter {
			continue
		}
		f := n.raft.AddVoter(srv.ID, srv.Address, 0, n.timeout(ctx))
		if err := waitFuture(ctx, f); err != nil {
			return nil, n.raftError(err)
		}
		last = f.Index()
		n.logger.Info("Promoted to voter", zap.String("member", id))
	}
	for id, srv := range known {
		if want[id] || srv.Suffrage != raft.Voter {
			continue
		}
		f := n.raft.RemoveServer(srv.ID, 0, n.timeout(ctx))
		if err := waitFuture(ctx, f); err != nil {
			return nil, n.raftError(err)
		}
		last = f.Index()
		n.logger.Info("Removed voter", zap.String("member", id))
	}

	res := &message.Result{Data: message.Rows(nil)}
	if last > 0 {
		res.LogID = &store.LogID{Index: last, Term: n.raft.CurrentTerm()}
	}
	return res, nil
}

// Snapshot takes a snapshot now and returns the current snapshot meta.
func (n *Node) Snapshot(ctx context.Context) (*store.SnapshotMeta, error) {
	err := waitFuture(ctx, n.raft.Snapshot())
	if err != nil && !errors.Is(err, raft.ErrNothingNewToSnapshot) {
		return nil, fmt.Errorf("failed to take snapshot: %w", err)
	}
	snap, err := n.sm.CurrentSnapshot()
	if err != nil || snap == nil {
		return nil, err
	}
	meta := snap.Meta
	return &meta, nil
}

// Status reports the node's view of the cluster.
func (n *Node) Status() (*message.NodeStatus, error) {
	logState, err := n.logs.LogState()
	if err != nil {
		return nil, err
	}
	// raft starts from zero after a restart until a leader reaches it
	commit := n.raft.CommitIndex()
	persisted, err := n.raftStore.GetCommitIndex()
	if err != nil {
		return nil, err
	}
	if persisted > commit {
		commit = persisted
	}
	applied := n.sm.AppliedState()
	leaderID, leaderAddr := n.Leader()
	st := &message.NodeStatus{
		ID:            n.self.ID,
		State:         n.raft.State().String(),
		Term:          n.raft.CurrentTerm(),
		LeaderID:      leaderID,
		LeaderAPIAddr: leaderAddr,
		LastLogIndex:  n.raft.LastIndex(),
		CommitIndex:   commit,
		AppliedIndex:  n.raft.AppliedIndex(),
		LastApplied:   applied.LastApplied,
		LogState:      logState,
		Membership:    applied.Membership,
	}
	snap, err := n.sm.CurrentSnapshot()
	if err != nil {
		return nil, err
	}
	if snap != nil {
		meta := snap.Meta
		st.Snapshot = &meta
	}
	return st, nil
}

// Nodes returns the node registry.
func (n *Node) Nodes() []message.NodeInfo {
	return n.sm.Nodes()
}

// StateMachine returns the node's state machine.
func (n *Node) StateMachine() *statemachine.StateMachine {
	return n.sm
}

func (n *Node) monitorLeadership() {
	defer n.wg.Done()
	var cancel context.CancelFunc = func() {}
	defer func() { cancel() }()
	for {
		select {
		case <-n.shutdownCh:
			return
		case <-n.raft.LeaderCh():
			cancel()
			n.leaderReady.Store(false)
			n.events.SetLeader(false)
			if n.raft.State() != raft.Leader {
				_, lid := n.raft.LeaderWithID()
				n.logger.Info("Leadership lost", zap.String("leader", string(lid)))
				continue
			}
			n.logger.Info("This node is now the leader")
			var ctx context.Context
			ctx, cancel = context.WithCancel(context.Background())
			n.wg.Add(1)
			go func() {
				defer n.wg.Done()
				n.establishLeadership(ctx)
			}()
		}
	}
}

// establishLeadership waits for a barrier so reads see every committed
// entry, then registers the addresses this node knows about.
func (n *Node) establishLeadership(ctx context.Context) {
	for {
		err := waitFuture(ctx, n.raft.Barrier(n.config.ApplyTimeout))
		if err == nil {
			break
		}
		if ctx.Err() != nil || n.raft.State() != raft.Leader {
			return
		}
		n.logger.Warn("Leader barrier failed, retrying", zap.Error(err))
	}

	n.pendingMu.Lock()
	register := append([]message.NodeInfo{n.self}, n.pending...)
	n.pending = nil
	n.pendingMu.Unlock()
	var failed []message.NodeInfo
	for _, info := range register {
		if info.APIAddr == "" {
			continue
		}
		if cur, ok := n.sm.Node(info.ID); ok && cur == info {
			continue
		}
		info := info
		actx, cancel := context.WithTimeout(ctx, n.config.ApplyTimeout)
		_, err := n.applyCommand(actx, &message.Command{Type: message.CommandRegisterNode, Node: &info})
		cancel()
		if err != nil {
			n.logger.Warn("Failed to register node", zap.String("member", info.ID), zap.Error(err))
			if info.ID != n.self.ID {
				failed = append(failed, info)
			}
		}
	}
	if len(failed) > 0 {
		n.pendingMu.Lock()
		n.pending = append(n.pending, failed...)
		n.pendingMu.Unlock()
	}

	if ctx.Err() == nil && n.raft.State() == raft.Leader {
		n.leaderReady.Store(true)
		n.events.SetLeader(true)
		n.logger.Info("Leader ready")
	}
}

func (n *Node) timeout(ctx context.Context) time.Duration {
	if d, ok := ctx.Deadline(); ok {
		return time.Until(d)
	}
	return n.config.ApplyTimeout
}

// raftError turns leadership errors into a redirect.
func (n *Node) raftError(err error) error {
	if errors.Is(err, raft.ErrNotLeader) || errors.Is(err, raft.ErrLeadershipLost) ||
		errors.Is(err, raft.ErrLeadershipTransferInProgress) {
		return n.forwardToLeader()
	}
	return err
}

// waitFuture waits for f or ctx, whichever finishes first.
func waitFuture(ctx context.Context, f raft.Future) error {
	done := make(chan error, 1)
	go func() { done <- f.Error() }()
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}
