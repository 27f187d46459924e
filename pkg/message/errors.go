package message

import (
	"fmt"

	"github.com/lumadb/sqlcluster/pkg/store"
)

// ForwardToLeader tells the caller to resubmit to the leader. Both fields are
// nil while no leader is known.
type ForwardToLeader struct {
	LeaderID   *string `json:"leader_id"`
	LeaderAddr *string `json:"leader_address"`
}

// NewForwardToLeader builds a redirect; empty strings become nil.
func NewForwardToLeader(id, addr string) *ForwardToLeader {
	f := &ForwardToLeader{}
	if id != "" {
		f.LeaderID = &id
	}
	if addr != "" {
		f.LeaderAddr = &addr
	}
	return f
}

func (f *ForwardToLeader) Error() string {
	if f.LeaderID == nil {
		return "forward to leader: no leader known"
	}
	if f.LeaderAddr == nil {
		return fmt.Sprintf("forward to leader %s: address unknown", *f.LeaderID)
	}
	return fmt.Sprintf("forward to leader %s at %s", *f.LeaderID, *f.LeaderAddr)
}

// Target returns the leader to retry against, if both id and address are known.
func (f *ForwardToLeader) Target() (id, addr string, ok bool) {
	if f.LeaderID == nil || f.LeaderAddr == nil {
		return "", "", false
	}
	return *f.LeaderID, *f.LeaderAddr, true
}

// ErrorBody is the JSON body of a failed HTTP request.
type ErrorBody struct {
	Error           string           `json:"error"`
	ForwardToLeader *ForwardToLeader `json:"forward_to_leader,omitempty"`
}

// ChangeMembershipRequest lists the ids that must be voters afterwards.
type ChangeMembershipRequest struct {
	Members []string `json:"members"`
}

// InitRequest bootstraps a cluster.
type InitRequest struct {
	Members []NodeInfo `json:"members"`
}

// NodeStatus is reported by the metrics endpoint.
type NodeStatus struct {
	ID            string              `json:"id"`
	State         string              `json:"state"`
	Term          uint64              `json:"term"`
	LeaderID      string              `json:"leader_id,omitempty"`
	LeaderAPIAddr string              `json:"leader_api_addr,omitempty"`
	LastLogIndex  uint64              `json:"last_log_index"`
	CommitIndex   uint64              `json:"commit_index"`
	AppliedIndex  uint64              `json:"applied_index"`
	LastApplied   *store.LogID        `json:"last_applied,omitempty"`
	LogState      store.LogState      `json:"log_state"`
	Membership    store.Membership    `json:"membership"`
	Snapshot      *store.SnapshotMeta `json:"snapshot,omitempty"`
}
