// Package storage keeps payloads that could not be delivered in a local
// sqlite database until the resender gets them through.
package storage

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"modernc.org/sqlite"
	_ "modernc.org/sqlite"
)

type Store struct {
	path   string
	writer *sql.DB
	reader *sql.DB
}

type HealthStats struct {
	Status       string  `json:"status"`
	SizeBytes    int64   `json:"size_bytes"`
	WALSizeBytes int64   `json:"wal_size_bytes"`
	DiskUsedPct  float64 `json:"disk_used_pct"`
}

const pragmaSQL = `
PRAGMA journal_mode = WAL;
PRAGMA synchronous = NORMAL;
PRAGMA busy_timeout = 10000;
PRAGMA temp_store = MEMORY;
PRAGMA auto_vacuum = INCREMENTAL;
PRAGMA cache_size = -4000;
`

func init() {
	sqlite.RegisterConnectionHook(func(conn sqlite.ExecQuerierContext, _ string) error {
		_, err := conn.ExecContext(context.Background(), pragmaSQL, []driver.NamedValue{})
		return err
	})
}

// Open creates the database file and its directory when missing. Writes go
// through a single connection; reads use a small separate pool.
func Open(path string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}

	dsn := "file:" + path
	writer, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open writer db: %w", err)
	}
	writer.SetMaxOpenConns(1)
	writer.SetMaxIdleConns(1)
	writer.SetConnMaxLifetime(0)

	reader, err := sql.Open("sqlite", dsn)
	if err != nil {
		_ = writer.Close()
		return nil, fmt.Errorf("open reader db: %w", err)
	}
	reader.SetMaxOpenConns(2)
	reader.SetMaxIdleConns(2)

	closeBoth := func() {
		_ = writer.Close()
		_ = reader.Close()
	}
	if err := writer.PingContext(context.Background()); err != nil {
		closeBoth()
		return nil, fmt.Errorf("ping writer: %w", err)
	}
	if err := reader.PingContext(context.Background()); err != nil {
		closeBoth()
		return nil, fmt.Errorf("ping reader: %w", err)
	}
	if err := ensureAutoVacuum(writer); err != nil {
		closeBoth()
		return nil, fmt.Errorf("ensure auto_vacuum incremental: %w", err)
	}
	if _, err := writer.Exec(schemaDDL); err != nil {
		closeBoth()
		return nil, fmt.Errorf("apply schema: %w", err)
	}

	return &Store{path: path, writer: writer, reader: reader}, nil
}

func (s *Store) Path() string {
	return s.path
}

func (s *Store) Checkpoint(ctx context.Context) error {
	_, err := s.writer.ExecContext(ctx, "PRAGMA wal_checkpoint(TRUNCATE)")
	return err
}

func (s *Store) Close() error {
	var errs []error
	if err := s.writer.Close(); err != nil {
		errs = append(errs, err)
	}
	if err := s.reader.Close(); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (s *Store) Ping(ctx context.Context) error {
	return s.writer.PingContext(ctx)
}

func (s *Store) Stats(ctx context.Context) HealthStats {
	stats := HealthStats{
		Status:       "ok",
		SizeBytes:    s.SizeBytes(),
		WALSizeBytes: s.WALSizeBytes(),
		DiskUsedPct:  diskUsagePercent(filepath.Dir(s.path)),
	}
	if err := s.Ping(ctx); err != nil {
		stats.Status = "error"
	}
	return stats
}

func (s *Store) Pragmas(ctx context.Context) (journalMode string, busyTimeout int, autoVacuum int, err error) {
	if err = s.writer.QueryRowContext(ctx, "PRAGMA journal_mode").Scan(&journalMode); err != nil {
		return "", 0, 0, err
	}
	if err = s.writer.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&busyTimeout); err != nil {
		return "", 0, 0, err
	}
	if err = s.writer.QueryRowContext(ctx, "PRAGMA auto_vacuum").Scan(&autoVacuum); err != nil {
		return "", 0, 0, err
	}
	return journalMode, busyTimeout, autoVacuum, nil
}

func ensureAutoVacuum(writer *sql.DB) error {
	var mode int
	if err := writer.QueryRow("PRAGMA auto_vacuum").Scan(&mode); err != nil {
		return err
	}
	if mode == 2 {
		return nil
	}
	if _, err := writer.Exec("PRAGMA auto_vacuum = INCREMENTAL;"); err != nil {
		return err
	}
	if _, err := writer.Exec("VACUUM;"); err != nil {
		return err
	}
	return nil
}
