package store

import "github.com/VictoriaMetrics/metrics"

var (
	logEntriesAppended = metrics.NewCounter(`sqlcluster_log_entries_appended_total`)
	logAppendDuration  = metrics.NewHistogram(`sqlcluster_log_append_duration_seconds`)
	logTruncations     = metrics.NewCounter(`sqlcluster_log_truncations_total`)
	logPurges          = metrics.NewCounter(`sqlcluster_log_purges_total`)
	snapshotsSaved     = metrics.NewCounter(`sqlcluster_snapshots_saved_total`)
)
