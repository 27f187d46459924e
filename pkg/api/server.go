// Package api implements the HTTP and gRPC APIs of a node
package api

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/lumadb/sqlcluster/pkg/cluster"
	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/router"
	"github.com/lumadb/sqlcluster/pkg/statemachine"
	"github.com/lumadb/sqlcluster/pkg/store"
	"go.uber.org/zap"
)

// RequestIDHeader carries the id used to correlate client and server logs.
const RequestIDHeader = "X-Request-ID"

var (
	httpRequests = metrics.NewCounter("sqlcluster_http_requests_total")
	httpErrors   = metrics.NewCounter("sqlcluster_http_errors_total")
)

// Options configures a Server.
type Options struct {
	// ReadTimeout bounds reads, ApplyTimeout everything that goes through
	// the log.
	ReadTimeout  time.Duration
	ApplyTimeout time.Duration
	// Auth protects /api and /cluster when set.
	Auth *Authenticator
}

// Server is the HTTP API server
type Server struct {
	node   *cluster.Node
	router *router.Router
	logger *zap.Logger
	engine *gin.Engine
	opts   Options
}

// NewServer creates a new API server
func NewServer(node *cluster.Node, rtr *router.Router, opts Options, logger *zap.Logger) *Server {
	gin.SetMode(gin.ReleaseMode)
	engine := gin.New()
	engine.Use(gin.Recovery())

	s := &Server{
		node:   node,
		router: rtr,
		logger: logger,
		engine: engine,
		opts:   opts,
	}
	engine.Use(s.requestLogger())

	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.engine.GET("/health", s.handleHealth)
	s.engine.GET("/metrics", s.handleMetrics)

	protected := []gin.HandlerFunc{}
	if s.opts.Auth != nil {
		protected = append(protected, s.opts.Auth.Middleware())
	}

	api := s.engine.Group("/api", protected...)
	{
		api.POST("/sql", s.handleSQL(router.Fast))
		api.POST("/sql-consistent", s.handleSQL(router.Consistent))
	}

	cl := s.engine.Group("/cluster", protected...)
	{
		cl.POST("/init", s.handleInit)
		cl.POST("/add-learner", s.handleAddLearner)
		cl.POST("/change-membership", s.handleChangeMembership)
		cl.POST("/snapshot", s.handleSnapshot)
		cl.GET("/metrics", s.handleStatus)
	}
}

// Handler returns the HTTP handler
func (s *Server) Handler() http.Handler {
	return s.engine
}

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Header(RequestIDHeader, id)
		httpRequests.Inc()

		c.Next()

		if c.Writer.Status() >= http.StatusBadRequest {
			httpErrors.Inc()
		}
		s.logger.Debug("HTTP request",
			zap.String("request_id", id),
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)))
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	leaderID, _ := s.node.Leader()
	if err := s.node.Err(); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"status":  "failed",
			"node_id": s.node.ID(),
			"error":   err.Error(),
		})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":    "healthy",
		"node_id":   s.node.ID(),
		"is_leader": s.node.IsLeader(),
		"leader_id": leaderID,
		"timestamp": time.Now().Unix(),
	})
}

func (s *Server) handleMetrics(c *gin.Context) {
	c.Header("Content-Type", "text/plain; version=0.0.4")
	metrics.WritePrometheus(c.Writer, true)
}

func (s *Server) handleSQL(mode router.Mode) gin.HandlerFunc {
	return func(c *gin.Context) {
		var msg message.Message
		if err := c.ShouldBindJSON(&msg); err != nil {
			s.badRequest(c, err)
			return
		}
		timeout := s.opts.ApplyTimeout
		if mode == router.Consistent && s.opts.ReadTimeout > 0 {
			timeout = s.opts.ReadTimeout
		}
		ctx, cancel := withTimeout(c.Request.Context(), timeout)
		defer cancel()

		res, err := s.router.Route(ctx, &msg, mode)
		if err != nil {
			s.fail(c, err)
			return
		}
		c.JSON(http.StatusOK, res)
	}
}

func (s *Server) handleInit(c *gin.Context) {
	var req message.InitRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			s.badRequest(c, err)
			return
		}
	}
	ctx, cancel := withTimeout(c.Request.Context(), s.opts.ApplyTimeout)
	defer cancel()
	if err := s.node.Init(ctx, req.Members); err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "initialized"})
}

func (s *Server) handleAddLearner(c *gin.Context) {
	var info message.NodeInfo
	if err := c.ShouldBindJSON(&info); err != nil {
		s.badRequest(c, err)
		return
	}
	if info.ID == "" || info.RaftAddr == "" {
		s.badRequest(c, errors.New("node_id and raft_addr are required"))
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), s.opts.ApplyTimeout)
	defer cancel()
	res, err := s.node.AddLearner(ctx, info)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleChangeMembership(c *gin.Context) {
	var req message.ChangeMembershipRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.badRequest(c, err)
		return
	}
	if len(req.Members) == 0 {
		s.badRequest(c, errors.New("members must not be empty"))
		return
	}
	ctx, cancel := withTimeout(c.Request.Context(), s.opts.ApplyTimeout)
	defer cancel()
	res, err := s.node.ChangeMembership(ctx, req.Members)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, res)
}

func (s *Server) handleSnapshot(c *gin.Context) {
	meta, err := s.node.Snapshot(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"snapshot": meta})
}

func (s *Server) handleStatus(c *gin.Context) {
	st, err := s.node.Status()
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, st)
}

func (s *Server) badRequest(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, message.ErrorBody{Error: err.Error()})
}

// fail maps err to a status code. Redirects are sent as 307 without a
// Location header; the body names the leader.
func (s *Server) fail(c *gin.Context, err error) {
	var fwd *message.ForwardToLeader
	status := http.StatusInternalServerError
	switch {
	case errors.As(err, &fwd):
		c.JSON(http.StatusTemporaryRedirect, message.ErrorBody{Error: err.Error(), ForwardToLeader: fwd})
		return
	case errors.Is(err, cluster.ErrAlreadyInitialized):
		status = http.StatusConflict
	case errors.Is(err, cluster.ErrUnknownNode):
		status = http.StatusBadRequest
	case errors.Is(err, statemachine.ErrFailed), errors.Is(err, store.ErrClosed):
		status = http.StatusServiceUnavailable
	case errors.Is(err, context.DeadlineExceeded):
		status = http.StatusGatewayTimeout
	}
	s.logger.Warn("Request failed",
		zap.String("path", c.FullPath()),
		zap.String("request_id", c.Writer.Header().Get(RequestIDHeader)),
		zap.Error(err))
	c.JSON(status, message.ErrorBody{Error: err.Error()})
}

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	if d <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, d)
}
