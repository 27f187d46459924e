package api

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/hashicorp/raft"
	"github.com/lumadb/sqlcluster/pkg/cluster"
	"github.com/lumadb/sqlcluster/pkg/config"
	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/router"
	"go.uber.org/zap"
)

func newTestServer(t *testing.T, auth *Authenticator) (*Server, *cluster.Node) {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.NodeID = "n1"
	cfg.DataDir = t.TempDir()
	cfg.APIAdvertise = "http://n1.test:8080"
	cfg.Raft.HeartbeatTimeout = 50 * time.Millisecond
	cfg.Raft.ElectionTimeout = 50 * time.Millisecond
	cfg.Raft.LeaderLeaseTimeout = 50 * time.Millisecond
	cfg.Raft.CommitTimeout = 5 * time.Millisecond

	_, trans := raft.NewInmemTransport("")
	node, err := cluster.NewNodeWithTransport(cfg, trans, zap.NewNop())
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { node.Shutdown() })

	opts := Options{ReadTimeout: 5 * time.Second, ApplyTimeout: 5 * time.Second, Auth: auth}
	return NewServer(node, router.NewRouter(node, zap.NewNop()), opts, zap.NewNop()), node
}

func do(t *testing.T, s *Server, method, path string, body interface{}, token string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("Failed to decode %q: %v", w.Body.String(), err)
	}
}

func waitLeader(t *testing.T, s *Server) {
	t.Helper()
	deadline := time.Now().Add(10 * time.Second)
	for {
		w := do(t, s, http.MethodPost, "/api/sql-consistent", message.Fetch("SELECT 1"), "")
		if w.Code == http.StatusOK {
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("No leader: %d %s", w.Code, w.Body.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestSQLEndpoints(t *testing.T) {
	s, _ := newTestServer(t, nil)
	if w := do(t, s, http.MethodPost, "/cluster/init", nil, ""); w.Code != http.StatusOK {
		t.Fatalf("Init failed: %d %s", w.Code, w.Body.String())
	}
	waitLeader(t, s)

	for _, msg := range []*message.Message{
		message.Execute("CREATE TABLE t (id INTEGER PRIMARY KEY, v TEXT)"),
		message.Execute("INSERT INTO t (v) VALUES (?)", message.Text("x")),
	} {
		w := do(t, s, http.MethodPost, "/api/sql", msg, "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", msg.SQL, w.Code, w.Body.String())
		}
		var res message.Result
		decode(t, w, &res)
		if res.LogID == nil || res.Data.Error != "" {
			t.Errorf("Expected a committed write, got %s", w.Body.String())
		}
	}

	for _, path := range []string{"/api/sql", "/api/sql-consistent"} {
		w := do(t, s, http.MethodPost, path, message.Fetch("SELECT v FROM t"), "")
		if w.Code != http.StatusOK {
			t.Fatalf("%s: %d %s", path, w.Code, w.Body.String())
		}
		var res message.Result
		decode(t, w, &res)
		if res.LogID != nil {
			t.Errorf("%s: reads must not carry a log id", path)
		}
		if diff := deep.Equal(res.Data.Rows, []message.Row{{message.Text("x")}}); diff != nil {
			t.Errorf("%s: %v", path, diff)
		}
	}

	// SQL errors are replies, not failures
	w := do(t, s, http.MethodPost, "/api/sql", message.Execute("INSERT INTO missing VALUES (1)"), "")
	var res message.Result
	decode(t, w, &res)
	if w.Code != http.StatusOK || res.Data.Error == "" || res.LogID == nil {
		t.Errorf("Expected an error reply, got %d %s", w.Code, w.Body.String())
	}

	if w := do(t, s, http.MethodPost, "/cluster/init", nil, ""); w.Code != http.StatusConflict {
		t.Errorf("Expected a second init to conflict, got %d", w.Code)
	}

	w = do(t, s, http.MethodGet, "/cluster/metrics", nil, "")
	var st message.NodeStatus
	decode(t, w, &st)
	if st.ID != "n1" || st.State != "Leader" || st.LastApplied == nil {
		t.Errorf("Unexpected status %s", w.Body.String())
	}

	w = do(t, s, http.MethodPost, "/cluster/snapshot", nil, "")
	if w.Code != http.StatusOK || !strings.Contains(w.Body.String(), "snapshot_id") {
		t.Errorf("Unexpected snapshot reply %d %s", w.Code, w.Body.String())
	}
}

func TestRedirectWithoutLeader(t *testing.T) {
	s, _ := newTestServer(t, nil)

	w := do(t, s, http.MethodPost, "/api/sql", message.Execute("CREATE TABLE t (x)"), "")
	if w.Code != http.StatusTemporaryRedirect {
		t.Fatalf("Expected 307, got %d %s", w.Code, w.Body.String())
	}
	if loc := w.Header().Get("Location"); loc != "" {
		t.Errorf("Redirects carry no Location, got %s", loc)
	}
	var body message.ErrorBody
	decode(t, w, &body)
	if body.ForwardToLeader == nil || body.ForwardToLeader.LeaderID != nil {
		t.Errorf("Expected a redirect with no leader, got %s", w.Body.String())
	}

	w = do(t, s, http.MethodPost, "/api/sql-consistent", message.Fetch("SELECT 1"), "")
	if w.Code != http.StatusTemporaryRedirect {
		t.Errorf("Expected consistent reads to redirect, got %d", w.Code)
	}

	// fast reads never need a leader
	w = do(t, s, http.MethodPost, "/api/sql", message.FetchOne("SELECT 1"), "")
	if w.Code != http.StatusOK {
		t.Errorf("Expected a local read, got %d %s", w.Code, w.Body.String())
	}
}

func TestBadRequests(t *testing.T) {
	s, _ := newTestServer(t, nil)
	tests := []struct {
		path string
		body interface{}
	}{
		{"/api/sql", "not a message"},
		{"/api/sql", map[string]string{"sql": "SELECT 1", "method": "stream"}},
		{"/cluster/add-learner", message.NodeInfo{APIAddr: "http://n2:8080"}},
		{"/cluster/change-membership", message.ChangeMembershipRequest{}},
	}
	for _, tt := range tests {
		w := do(t, s, http.MethodPost, tt.path, tt.body, "")
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s %v: expected 400, got %d", tt.path, tt.body, w.Code)
		}
	}
}

func TestAuthMiddleware(t *testing.T) {
	auth := NewAuthenticator("s3cret", time.Hour)
	s, _ := newTestServer(t, auth)

	if w := do(t, s, http.MethodGet, "/health", nil, ""); w.Code != http.StatusOK {
		t.Errorf("Health must stay open, got %d", w.Code)
	}
	if w := do(t, s, http.MethodPost, "/api/sql", message.Fetch("SELECT 1"), ""); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 without a token, got %d", w.Code)
	}
	if w := do(t, s, http.MethodGet, "/cluster/metrics", nil, "bogus"); w.Code != http.StatusUnauthorized {
		t.Errorf("Expected 401 for a bad token, got %d", w.Code)
	}

	token, err := auth.IssueToken("ops")
	if err != nil {
		t.Fatal(err)
	}
	if w := do(t, s, http.MethodPost, "/api/sql", message.Fetch("SELECT 1"), token); w.Code != http.StatusOK {
		t.Errorf("Expected a valid token to pass, got %d %s", w.Code, w.Body.String())
	}
}

func TestRequestIDAndMetrics(t *testing.T) {
	s, _ := newTestServer(t, nil)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(RequestIDHeader, "abc")
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	if got := w.Header().Get(RequestIDHeader); got != "abc" {
		t.Errorf("Expected the request id to be echoed, got %q", got)
	}

	w = do(t, s, http.MethodGet, "/health", nil, "")
	if w.Header().Get(RequestIDHeader) == "" {
		t.Error("Expected a generated request id")
	}

	w = do(t, s, http.MethodGet, "/metrics", nil, "")
	if !strings.Contains(w.Body.String(), "sqlcluster_http_requests_total") {
		t.Errorf("Expected http metrics, got %s", w.Body.String())
	}
}
