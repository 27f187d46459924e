package statemachine

import (
	"github.com/VictoriaMetrics/metrics"
)

var (
	entriesApplied          = metrics.NewCounter("sqlcluster_entries_applied_total")
	entriesSkipped          = metrics.NewCounter("sqlcluster_entries_skipped_total")
	statementErrors         = metrics.NewCounter("sqlcluster_apply_sql_errors_total")
	applyDuration           = metrics.NewHistogram("sqlcluster_apply_duration_seconds")
	snapshotBuildDuration   = metrics.NewHistogram("sqlcluster_snapshot_build_duration_seconds")
	snapshotInstallDuration = metrics.NewHistogram("sqlcluster_snapshot_install_duration_seconds")
)
