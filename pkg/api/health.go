package api

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// LeaderService is SERVING only on the node that currently leads.
const LeaderService = "sqlcluster.Leader"

type leadership interface {
	Leader() (id, apiAddr string)
	IsLeader() bool
	Err() error
}

// HealthReporter keeps a grpc health server in step with the node's view
// of the cluster and the state of its state machine.
type HealthReporter struct {
	node     leadership
	server   *health.Server
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthReporter creates a reporter that starts NOT_SERVING.
func NewHealthReporter(node leadership, logger *zap.Logger) *HealthReporter {
	h := &HealthReporter{
		node:     node,
		server:   health.NewServer(),
		interval: 500 * time.Millisecond,
		logger:   logger,
	}
	h.server.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	h.server.SetServingStatus(LeaderService, healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// NewGRPCServer creates a gRPC server exposing the health service.
func NewGRPCServer(h *HealthReporter) *grpc.Server {
	server := grpc.NewServer()
	healthpb.RegisterHealthServer(server, h.server)
	return server
}

// Run updates the statuses until ctx is done, then marks everything
// NOT_SERVING.
func (h *HealthReporter) Run(ctx context.Context) {
	ticker := time.NewTicker(h.interval)
	defer ticker.Stop()
	for {
		h.update()
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return
		case <-ticker.C:
		}
	}
}

func (h *HealthReporter) update() {
	status := func(ok bool) healthpb.HealthCheckResponse_ServingStatus {
		if ok {
			return healthpb.HealthCheckResponse_SERVING
		}
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
	// a node whose state machine stopped serves nothing
	failed := h.node.Err() != nil
	id, _ := h.node.Leader()
	h.server.SetServingStatus("", status(id != "" && !failed))
	h.server.SetServingStatus(LeaderService, status(h.node.IsLeader() && !failed))
}
