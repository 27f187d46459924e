package sqlstore

import (
	"github.com/VictoriaMetrics/metrics"
)

var (
	readDuration       = metrics.NewHistogram("sqlcluster_sqlite_read_duration_seconds")
	sqlErrors          = metrics.NewCounter("sqlcluster_sqlite_statement_errors_total")
	checkpointRetries  = metrics.NewCounter("sqlcluster_sqlite_checkpoint_retries_total")
	checkpointDuration = metrics.NewHistogram("sqlcluster_sqlite_checkpoint_duration_seconds")
)
