package api

import (
	"context"
	"errors"
	"testing"

	"go.uber.org/zap"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

type fakeLeadership struct {
	leader string
	self   bool
	err    error
}

func (f *fakeLeadership) Leader() (string, string) { return f.leader, "" }
func (f *fakeLeadership) IsLeader() bool           { return f.self }
func (f *fakeLeadership) Err() error               { return f.err }

func TestHealthReporter(t *testing.T) {
	node := &fakeLeadership{}
	h := NewHealthReporter(node, zap.NewNop())

	check := func(service string) healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		resp, err := h.server.Check(context.Background(), &healthpb.HealthCheckRequest{Service: service})
		if err != nil {
			t.Fatal(err)
		}
		return resp.Status
	}

	h.update()
	if check("") != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Error("Expected NOT_SERVING without a leader")
	}

	node.leader = "n2"
	h.update()
	if check("") != healthpb.HealthCheckResponse_SERVING {
		t.Error("Expected SERVING once a leader is known")
	}
	if check(LeaderService) != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Error("Followers must not report the leader service")
	}

	node.leader, node.self = "n1", true
	h.update()
	if check(LeaderService) != healthpb.HealthCheckResponse_SERVING {
		t.Error("Expected the leader service on the leader")
	}

	node.err = errors.New("disk full")
	h.update()
	if check("") != healthpb.HealthCheckResponse_NOT_SERVING || check(LeaderService) != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Error("Expected NOT_SERVING once the state machine failed")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	h.Run(ctx)
	if check("") != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Error("Expected NOT_SERVING after Run returns")
	}
}
