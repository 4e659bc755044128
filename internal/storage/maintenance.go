package storage

import (
	"context"
	"fmt"
	"os"
	"syscall"
	"time"
)

func (s *Store) WALSizeBytes() int64 {
	fi, err := os.Stat(s.path + "-wal")
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *Store) SizeBytes() int64 {
	fi, err := os.Stat(s.path)
	if err != nil {
		return 0
	}
	return fi.Size()
}

func (s *Store) CheckpointIfWALExceeds(ctx context.Context, thresholdBytes int64) (bool, error) {
	if s.WALSizeBytes() <= thresholdBytes {
		return false, nil
	}
	if _, err := s.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(RESTART)"); err != nil {
		return false, fmt.Errorf("wal restart checkpoint: %w", err)
	}
	return true, nil
}

// Cleanup deletes payloads older than retention, then the oldest payloads
// until the stored bodies fit in maxBytes. A zero limit disables that rule.
func (s *Store) Cleanup(ctx context.Context, retention time.Duration, maxBytes int64) (int64, error) {
	var deleted int64
	if retention > 0 {
		cutoff := time.Now().Add(-retention).UnixMilli()
		res, err := s.writer.ExecContext(ctx, "DELETE FROM pending_payloads WHERE created_at < ?", cutoff)
		if err != nil {
			return 0, fmt.Errorf("delete expired payloads: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	if maxBytes > 0 {
		res, err := s.writer.ExecContext(ctx, `
DELETE FROM pending_payloads WHERE id IN (
  SELECT id FROM (
    SELECT id, SUM(size_bytes) OVER (ORDER BY created_at DESC, id) AS running
    FROM pending_payloads
  ) WHERE running > ?
)
`, maxBytes)
		if err != nil {
			return deleted, fmt.Errorf("trim payloads to size: %w", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}
	if deleted > 0 {
		_, _ = s.writer.ExecContext(ctx, "PRAGMA incremental_vacuum(1000)")
	}
	return deleted, nil
}

func diskUsagePercent(path string) float64 {
	var stat syscall.Statfs_t
	if err := syscall.Statfs(path, &stat); err != nil {
		return 0
	}
	total := float64(stat.Blocks) * float64(stat.Bsize)
	free := float64(stat.Bavail) * float64(stat.Bsize)
	if total <= 0 {
		return 0
	}
	used := total - free
	return (used / total) * 100
}
