package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/lumadb/sqlcluster/pkg/api"
	"github.com/lumadb/sqlcluster/pkg/client"
	"github.com/lumadb/sqlcluster/pkg/cluster"
	"github.com/lumadb/sqlcluster/pkg/config"
	"github.com/lumadb/sqlcluster/pkg/router"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start a cluster node",
	Long: `Start a cluster node. Settings come from the config file, .env files,
SQLCLUSTER_<KEY> environment variables (e.g. SQLCLUSTER_RAFT_ELECTION_TIMEOUT=2s)
and flags, later sources winning.`,
	RunE: runServe,
}

var serveFlags = map[string]string{
	"node-id":           "node_id",
	"data-dir":          "data_dir",
	"http-addr":         "http_addr",
	"grpc-addr":         "grpc_addr",
	"raft-addr":         "raft_addr",
	"raft-advertise":    "raft_advertise",
	"api-advertise":     "api_advertise",
	"bootstrap":         "bootstrap",
	"join":              "join",
	"members":           "members",
	"log-level":         "log_level",
	"snapshot-schedule": "snapshot_schedule",
}

func init() {
	f := serveCmd.Flags()
	f.String("node-id", "", "unique id of this node")
	f.String("data-dir", "./data", "directory for the raft log, snapshots and the database")
	f.String("http-addr", ":8080", "HTTP API listen address")
	f.String("grpc-addr", ":9090", "gRPC health listen address (empty disables)")
	f.String("raft-addr", ":10000", "raft listen address")
	f.String("raft-advertise", "", "raft address other nodes dial, if different from --raft-addr")
	f.String("api-advertise", "", "HTTP base URL handed to clients in redirects")
	f.Bool("bootstrap", false, "bootstrap a new cluster from --members, or alone")
	f.String("join", "", "API address of a cluster member to join as a learner")
	f.StringSlice("members", nil, "initial members as id=raft_addr@api_addr")
	f.String("log-level", "info", "debug, info, warn or error")
	f.String("snapshot-schedule", "", "cron schedule for snapshots, e.g. '@every 10m'")
}

func loadConfig(cmd *cobra.Command, keys map[string]string) (*config.Config, error) {
	v := viper.New()
	if err := bindFlags(v, cmd.Flags(), keys); err != nil {
		return nil, err
	}
	path, _ := cmd.Flags().GetString("config")
	return config.Load(v, path)
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig(cmd, serveFlags)
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	logger, err := config.NewLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if _, err := cfg.CheckInstance(); err != nil {
		return err
	}

	logger.Info("Starting node",
		zap.String("node_id", cfg.NodeID),
		zap.String("http_addr", cfg.HTTPAddr),
		zap.String("grpc_addr", cfg.GRPCAddr),
		zap.String("raft_addr", cfg.RaftAddr),
	)

	node, err := cluster.NewNode(cfg, logger)
	if err != nil {
		return err
	}
	defer node.Shutdown()

	if cfg.Bootstrap {
		if err := node.Bootstrap(); err != nil {
			return err
		}
	}

	auth := api.NewAuthenticator(cfg.Auth.Secret, cfg.Auth.TokenTTL)
	apiServer := api.NewServer(node, router.NewRouter(node, logger), api.Options{
		ReadTimeout:  cfg.ReadTimeout,
		ApplyTimeout: cfg.ApplyTimeout,
		Auth:         auth,
	}, logger)
	httpServer := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           apiServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	health := api.NewHealthReporter(node, logger)
	grpcServer := api.NewGRPCServer(health)

	var grpcLis net.Listener
	if cfg.GRPCAddr != "" {
		if grpcLis, err = net.Listen("tcp", cfg.GRPCAddr); err != nil {
			return err
		}
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		logger.Info("HTTP server starting", zap.String("addr", cfg.HTTPAddr))
		if err := httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	if grpcLis != nil {
		g.Go(func() error {
			logger.Info("gRPC server starting", zap.String("addr", cfg.GRPCAddr))
			return grpcServer.Serve(grpcLis)
		})
	}
	g.Go(func() error {
		health.Run(ctx)
		return nil
	})

	if cfg.Join != "" {
		g.Go(func() error { return join(ctx, cfg, auth, node, logger) })
	}

	g.Go(func() error {
		<-ctx.Done()
		logger.Info("Shutting down...")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		err := httpServer.Shutdown(shutdownCtx)
		grpcServer.GracefulStop()
		return err
	})

	err = g.Wait()
	if serr := node.Shutdown(); serr != nil {
		logger.Error("Node shutdown failed", zap.Error(serr))
	}
	logger.Info("Shutdown complete")
	return err
}

// join asks the cluster behind cfg.Join to add this node as a learner,
// retrying until it succeeds or ctx ends. Promotion to voter is left to an
// operator's change-membership call.
func join(ctx context.Context, cfg *config.Config, auth *api.Authenticator, node *cluster.Node, logger *zap.Logger) error {
	var opts []client.Option
	if auth != nil {
		token, err := auth.IssueToken(cfg.NodeID)
		if err != nil {
			return err
		}
		opts = append(opts, client.WithToken(token))
	}
	c := client.New("", cfg.Join, append(opts, client.WithLogger(logger))...)

	for {
		_, err := c.AddLearner(ctx, node.Self())
		if err == nil {
			logger.Info("Joined cluster", zap.String("via", cfg.Join))
			return nil
		}
		logger.Warn("Join failed, retrying", zap.String("via", cfg.Join), zap.Error(err))
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(time.Second):
		}
	}
}
