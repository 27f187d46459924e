package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-test/deep"
	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/store"
)

func TestParseParam(t *testing.T) {
	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	tests := []struct {
		in   string
		want message.Value
	}{
		{"null", message.Null()},
		{"true", message.Bool(true)},
		{"42", message.Int(42)},
		{"-1.5", message.Float64(-1.5)},
		{"x'00ff'", message.Blob([]byte{0, 255})},
		{"2024-05-01T12:00:00Z", message.Timestamp(ts)},
		{"hello", message.Text("hello")},
		{"x'zz'", message.Text("x'zz'")},
	}
	for _, tt := range tests {
		if diff := deep.Equal(parseParam(tt.in), tt.want); diff != nil {
			t.Errorf("parseParam(%q): %v", tt.in, diff)
		}
	}
}

func TestParseMembers(t *testing.T) {
	got, err := parseMembers([]string{"n1=10.0.0.1:10000@http://10.0.0.1:8080"})
	if err != nil {
		t.Fatal(err)
	}
	want := []message.NodeInfo{{ID: "n1", RaftAddr: "10.0.0.1:10000", APIAddr: "http://10.0.0.1:8080"}}
	if diff := deep.Equal(got, want); diff != nil {
		t.Error(diff)
	}
	if _, err := parseMembers([]string{"n1"}); err == nil {
		t.Error("Expected a member without an address to fail")
	}
}

func TestSQLCommand(t *testing.T) {
	type request struct {
		path string
		msg  message.Message
	}
	requests := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req request
		req.path = r.URL.Path
		json.NewDecoder(r.Body).Decode(&req.msg)
		requests <- req
		json.NewEncoder(w).Encode(message.Result{
			LogID: &store.LogID{Term: 2, Index: 9},
			Data:  message.Rows(nil),
		})
	}))
	defer srv.Close()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"consistent", "--addr", srv.URL, "-m", "execute",
		"INSERT INTO t VALUES (?, ?)", "7", "seven"})
	if err := rootCmd.Execute(); err != nil {
		t.Fatal(err)
	}

	req := <-requests
	if req.path != "/api/sql-consistent" {
		t.Errorf("Unexpected path %s", req.path)
	}
	want := message.Message{
		Method: message.MethodExecute,
		SQL:    "INSERT INTO t VALUES (?, ?)",
		Params: []message.Value{message.Int(7), message.Text("seven")},
	}
	if diff := deep.Equal(req.msg, want); diff != nil {
		t.Error(diff)
	}
	if !strings.Contains(out.String(), `"index": 9`) {
		t.Errorf("Unexpected output %s", out.String())
	}
}
