// Package client is a leader-tracking handle to a cluster. Requests go to
// the node believed to lead; "forward to leader" replies move that belief
// and the request is resent.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/store"
	"go.uber.org/zap"
)

// maxRedirects bounds how many redirects a single request follows.
const maxRedirects = 3

// ErrNoRow is returned by FetchOne when nothing matched.
var ErrNoRow = errors.New(message.ErrNoRow)

// Target names a node and its API address.
type Target struct {
	ID   string
	Addr string
}

// RemoteError is a non-200 reply. It unwraps to the redirect it carries, if
// any, so errors.As(err, **message.ForwardToLeader) works.
type RemoteError struct {
	StatusCode      int
	Message         string
	ForwardToLeader *message.ForwardToLeader
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote error (%d): %s", e.StatusCode, e.Message)
}

func (e *RemoteError) Unwrap() error {
	if e.ForwardToLeader == nil {
		return nil
	}
	return e.ForwardToLeader
}

// Option configures a Client.
type Option func(*Client)

// WithToken sends token as a bearer token.
func WithToken(token string) Option {
	return func(c *Client) { c.token = token }
}

// WithHTTPClient replaces the default http client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.hc = hc }
}

// WithLogger logs every request at debug level.
func WithLogger(logger *zap.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// Client talks to a cluster over HTTP. It is safe for concurrent use.
type Client struct {
	hc     *http.Client
	token  string
	logger *zap.Logger

	// node is the one the client was created with
	node Target

	mu     sync.Mutex
	leader Target
}

// New creates a client that starts out treating node id at addr as leader.
func New(id, addr string, opts ...Option) *Client {
	t := Target{ID: id, Addr: normalize(addr)}
	c := &Client{
		hc:     &http.Client{Timeout: 30 * time.Second},
		logger: zap.NewNop(),
		node:   t,
		leader: t,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func normalize(addr string) string {
	addr = strings.TrimRight(addr, "/")
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return addr
}

// Leader returns the node the client currently sends requests to.
func (c *Client) Leader() Target {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.leader
}

func (c *Client) setLeader(t Target) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.leader = t
}

// SQL sends msg down the fast path: writes are replicated, reads may be
// stale.
func (c *Client) SQL(ctx context.Context, msg *message.Message) (*message.Result, error) {
	var res message.Result
	if err := c.sendToLeader(ctx, http.MethodPost, "/api/sql", msg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ConsistentSQL sends msg down the linearizable path.
func (c *Client) ConsistentSQL(ctx context.Context, msg *message.Message) (*message.Result, error) {
	var res message.Result
	if err := c.sendToLeader(ctx, http.MethodPost, "/api/sql-consistent", msg, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// SQLWithRetries is SQL that also survives leaderless windows: a redirect
// naming no leader is retried after delay, up to retries more times. Any
// other error is returned at once.
func (c *Client) SQLWithRetries(ctx context.Context, msg *message.Message, retries int, delay time.Duration) (*message.Result, error) {
	for {
		res, err := c.SQL(ctx, msg)
		if err == nil {
			return res, nil
		}
		var fwd *message.ForwardToLeader
		if !errors.As(err, &fwd) || fwd.LeaderID != nil || retries <= 0 {
			return nil, err
		}
		retries--
		c.logger.Debug("No leader, retrying", zap.Duration("delay", delay), zap.Int("left", retries))
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(delay):
		}
	}
}

// Execute runs a statement on the consistent path and discards its rows.
func (c *Client) Execute(ctx context.Context, sql string, params ...message.Value) error {
	_, err := c.rows(ctx, message.Execute(sql, params...))
	return err
}

// FetchAll returns every row.
func (c *Client) FetchAll(ctx context.Context, sql string, params ...message.Value) ([]message.Row, error) {
	return c.rows(ctx, message.Fetch(sql, params...))
}

// FetchOne returns the first row, or ErrNoRow.
func (c *Client) FetchOne(ctx context.Context, sql string, params ...message.Value) (message.Row, error) {
	rows, err := c.rows(ctx, message.FetchOne(sql, params...))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, ErrNoRow
	}
	return rows[0], nil
}

// FetchOptional returns the first row, or nil when nothing matched.
func (c *Client) FetchOptional(ctx context.Context, sql string, params ...message.Value) (message.Row, error) {
	rows, err := c.rows(ctx, message.FetchOptional(sql, params...))
	if err != nil || len(rows) == 0 {
		return nil, err
	}
	return rows[0], nil
}

func (c *Client) rows(ctx context.Context, msg *message.Message) ([]message.Row, error) {
	res, err := c.ConsistentSQL(ctx, msg)
	if err != nil {
		return nil, err
	}
	if res.Data == nil {
		return nil, nil
	}
	if res.Data.Error == message.ErrNoRow {
		return nil, ErrNoRow
	}
	if err := res.Data.Err(); err != nil {
		return nil, err
	}
	return res.Data.Rows, nil
}

// Init bootstraps a cluster through the node the client was created with.
func (c *Client) Init(ctx context.Context, members []message.NodeInfo) error {
	return c.do(ctx, c.node, http.MethodPost, "/cluster/init", message.InitRequest{Members: members}, nil)
}

// AddLearner adds a non-voting member.
func (c *Client) AddLearner(ctx context.Context, info message.NodeInfo) (*message.Result, error) {
	var res message.Result
	if err := c.sendToLeader(ctx, http.MethodPost, "/cluster/add-learner", info, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ChangeMembership makes ids the voting members.
func (c *Client) ChangeMembership(ctx context.Context, ids []string) (*message.Result, error) {
	var res message.Result
	req := message.ChangeMembershipRequest{Members: ids}
	if err := c.sendToLeader(ctx, http.MethodPost, "/cluster/change-membership", req, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// Metrics returns the status reported by the believed leader. Redirects are
// not followed.
func (c *Client) Metrics(ctx context.Context) (*message.NodeStatus, error) {
	var st message.NodeStatus
	if err := c.do(ctx, c.Leader(), http.MethodGet, "/cluster/metrics", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// NodeMetrics returns the status reported by the node the client was
// created with.
func (c *Client) NodeMetrics(ctx context.Context) (*message.NodeStatus, error) {
	var st message.NodeStatus
	if err := c.do(ctx, c.node, http.MethodGet, "/cluster/metrics", nil, &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// TriggerSnapshot asks the node the client was created with to snapshot
// now. The meta is nil when the node has nothing to snapshot.
func (c *Client) TriggerSnapshot(ctx context.Context) (*store.SnapshotMeta, error) {
	var body struct {
		Snapshot *store.SnapshotMeta `json:"snapshot"`
	}
	if err := c.do(ctx, c.node, http.MethodPost, "/cluster/snapshot", nil, &body); err != nil {
		return nil, err
	}
	return body.Snapshot, nil
}

// sendToLeader sends to the believed leader and follows redirects that name
// one. A redirect without a leader is returned to the caller.
func (c *Client) sendToLeader(ctx context.Context, method, path string, in, out interface{}) error {
	left := maxRedirects
	for {
		err := c.do(ctx, c.Leader(), method, path, in, out)
		if err == nil {
			return nil
		}
		var fwd *message.ForwardToLeader
		if !errors.As(err, &fwd) {
			return err
		}
		id, addr, ok := fwd.Target()
		if !ok {
			return err
		}
		c.setLeader(Target{ID: id, Addr: normalize(addr)})
		left--
		if left <= 0 {
			return err
		}
		c.logger.Debug("Following redirect", zap.String("leader_id", id), zap.String("leader_addr", addr))
	}
}

func (c *Client) do(ctx context.Context, target Target, method, path string, in, out interface{}) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, target.Addr+path, body)
	if err != nil {
		return err
	}
	requestID := uuid.NewString()
	req.Header.Set("X-Request-ID", requestID)
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	c.logger.Debug("Sending request",
		zap.String("node_id", target.ID),
		zap.String("url", req.URL.String()),
		zap.String("request_id", requestID))

	// the client never follows 307s itself; the body says where to go
	hc := *c.hc
	hc.CheckRedirect = func(*http.Request, []*http.Request) error { return http.ErrUseLastResponse }
	resp, err := hc.Do(req)
	if err != nil {
		return fmt.Errorf("request to %s failed: %w", target.Addr, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read reply from %s: %w", target.Addr, err)
	}
	if resp.StatusCode != http.StatusOK {
		var eb message.ErrorBody
		if json.Unmarshal(data, &eb) != nil || eb.Error == "" {
			eb.Error = strings.TrimSpace(string(data))
		}
		return &RemoteError{StatusCode: resp.StatusCode, Message: eb.Error, ForwardToLeader: eb.ForwardToLeader}
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to decode reply from %s: %w", target.Addr, err)
	}
	return nil
}
