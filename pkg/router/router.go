// Package router sends each SQL message down the write path or one of the
// read paths, depending on what the statement does and the requested mode.
package router

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/VictoriaMetrics/metrics"
	"github.com/lumadb/sqlcluster/pkg/message"
	"github.com/lumadb/sqlcluster/pkg/query"
	"go.uber.org/zap"
)

// Mode selects how reads are served.
type Mode int

const (
	// Fast reads run against the local database and may be stale.
	Fast Mode = iota
	// Consistent reads are served by the leader after a quorum check.
	Consistent
)

func (m Mode) String() string {
	if m == Consistent {
		return "consistent"
	}
	return "fast"
}

// ParseMode accepts "fast" and "consistent".
func ParseMode(s string) (Mode, error) {
	switch strings.ToLower(s) {
	case "", "fast":
		return Fast, nil
	case "consistent":
		return Consistent, nil
	}
	return Fast, fmt.Errorf("unknown read mode %q", s)
}

// Backend is the node the router drives.
type Backend interface {
	Apply(ctx context.Context, msg *message.Message) (*message.Result, error)
	ConsistentRead(ctx context.Context, msg *message.Message) (*message.Response, error)
	Query(ctx context.Context, msg *message.Message) (*message.Response, error)
}

var (
	writes          = metrics.NewCounter(`sqlcluster_requests_total{path="write"}`)
	fastReads       = metrics.NewCounter(`sqlcluster_requests_total{path="fast_read"}`)
	consistentReads = metrics.NewCounter(`sqlcluster_requests_total{path="consistent_read"}`)
	redirects       = metrics.NewCounter(`sqlcluster_redirects_total`)
	writeDuration   = metrics.NewHistogram(`sqlcluster_request_duration_seconds{path="write"}`)
	readDuration    = metrics.NewHistogram(`sqlcluster_request_duration_seconds{path="read"}`)
)

// Router handles request routing between the write and read paths.
type Router struct {
	backend Backend
	logger  *zap.Logger
}

// NewRouter creates a new router
func NewRouter(backend Backend, logger *zap.Logger) *Router {
	return &Router{backend: backend, logger: logger}
}

// Route classifies msg and runs it. Writes always go through the log. Reads
// in consistent mode return a *message.ForwardToLeader error when this node
// cannot prove it leads.
func (r *Router) Route(ctx context.Context, msg *message.Message, mode Mode) (*message.Result, error) {
	start := time.Now()
	class := query.Classify(msg.SQL)
	r.logger.Debug("Routing statement",
		zap.Stringer("class", class),
		zap.Stringer("mode", mode),
		zap.Stringer("method", msg.Method))

	if class == query.Write {
		writes.Inc()
		res, err := r.backend.Apply(ctx, msg)
		writeDuration.UpdateDuration(start)
		return res, r.observe(err)
	}

	var resp *message.Response
	var err error
	if mode == Consistent {
		consistentReads.Inc()
		resp, err = r.backend.ConsistentRead(ctx, msg)
	} else {
		fastReads.Inc()
		resp, err = r.backend.Query(ctx, msg)
	}
	readDuration.UpdateDuration(start)
	if err != nil {
		return nil, r.observe(err)
	}
	return &message.Result{Data: resp}, nil
}

func (r *Router) observe(err error) error {
	var fwd *message.ForwardToLeader
	if errors.As(err, &fwd) {
		redirects.Inc()
	}
	return err
}
