package sqlstore

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/lumadb/sqlcluster/pkg/store"
	"go.uber.org/zap"
)

// checkpoint forces a WAL checkpoint, retrying with a fixed backoff until the
// engine reports no pending frames. Only ctx bounds the wait. The caller holds
// the guard exclusively.
func (d *Database) checkpoint(ctx context.Context) error {
	start := time.Now()
	for attempt := 1; ; attempt++ {
		var busy, frames, checkpointed int
		err := d.writer.QueryRowContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)").Scan(&busy, &frames, &checkpointed)
		if err != nil {
			return fmt.Errorf("failed to checkpoint: %w", err)
		}
		if busy == 0 && frames == checkpointed {
			checkpointDuration.UpdateDuration(start)
			return nil
		}

		checkpointRetries.Inc()
		d.logger.Debug("Checkpoint incomplete, retrying",
			zap.Int("attempt", attempt),
			zap.Int("busy", busy),
			zap.Int("wal_frames", frames),
			zap.Int("checkpointed", checkpointed))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(d.opts.CheckpointBackoff):
		}
	}
}

// Capture returns the database file as of a clean checkpoint. The pools are
// closed while the file is read.
func (d *Database) Capture(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		return nil, store.ErrClosed
	}

	if err := d.checkpoint(ctx); err != nil {
		return nil, store.NewStorageError(store.SubjectSnapshot, store.VerbRead, err)
	}
	if err := d.close(); err != nil {
		return nil, store.NewStorageError(store.SubjectSnapshot, store.VerbRead, fmt.Errorf("failed to close database: %w", err))
	}

	data, readErr := os.ReadFile(d.opts.Path)
	if err := d.open(); err != nil {
		return nil, err
	}
	if readErr != nil {
		return nil, store.NewStorageError(store.SubjectSnapshot, store.VerbRead, readErr)
	}

	d.logger.Info("Captured database", zap.String("path", d.opts.Path), zap.Int("bytes", len(data)))
	return data, nil
}

// Replace swaps the database file for data and reopens it. Anything local is
// discarded.
func (d *Database) Replace(ctx context.Context, data []byte) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.writer == nil {
		return store.ErrClosed
	}

	if err := d.checkpoint(ctx); err != nil {
		return store.NewStorageError(store.SubjectSnapshot, store.VerbWrite, err)
	}
	if err := d.close(); err != nil {
		return store.NewStorageError(store.SubjectSnapshot, store.VerbWrite, fmt.Errorf("failed to close database: %w", err))
	}

	if err := writeFile(d.opts.Path, data); err != nil {
		// reopen whatever is on disk so the node can still report the failure
		if oerr := d.open(); oerr != nil {
			d.logger.Error("Failed to reopen database", zap.Error(oerr))
		}
		return store.NewStorageError(store.SubjectSnapshot, store.VerbWrite, err)
	}
	if err := d.open(); err != nil {
		return err
	}

	d.logger.Info("Replaced database", zap.String("path", d.opts.Path), zap.Int("bytes", len(data)))
	return nil
}

// writeFile removes path and its WAL companions and writes data through a
// synced temporary file.
func writeFile(path string, data []byte) error {
	for _, p := range []string{path, path + "-wal", path + "-shm"} {
		if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", p, err)
		}
	}

	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to create %s: %w", tmp, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", tmp, err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}
