package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/emperorhan/cellsync/internal/metrics"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

const (
	DriverSQLite   = "sqlite3"
	DriverPostgres = "postgres"

	// DefaultQueryTimeout bounds individual non-transactional queries.
	DefaultQueryTimeout = 30 * time.Second
)

//go:embed migrations/*.up.sql
var migrationFS embed.FS

func withTimeout(ctx context.Context, d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, d)
}

// DB holds the write pool and a separate read pool. SQLite allows one
// writer at a time, so its write pool has a single connection and reads
// go through their own WAL readers. For Postgres both pools are the same.
type DB struct {
	*sql.DB
	read   *sql.DB
	driver string
}

type Config struct {
	Driver          string
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	ConnMaxIdleTime time.Duration
}

func Open(ctx context.Context, cfg Config) (*DB, error) {
	switch cfg.Driver {
	case "", DriverSQLite:
		return openSQLite(ctx, cfg)
	case DriverPostgres:
		return openPostgres(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported db driver %q", cfg.Driver)
	}
}

func openSQLite(ctx context.Context, cfg Config) (*DB, error) {
	path := strings.TrimPrefix(cfg.URL, "sqlite://")
	if path == "" {
		return nil, fmt.Errorf("sqlite path is required")
	}
	if path == ":memory:" {
		mdb, err := sql.Open(DriverSQLite, "file::memory:?_foreign_keys=on")
		if err != nil {
			return nil, fmt.Errorf("open memory db: %w", err)
		}
		// Every connection would get its own empty database.
		mdb.SetMaxOpenConns(1)
		return &DB{DB: mdb, read: mdb, driver: DriverSQLite}, nil
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	const pragmas = "_busy_timeout=5000&_foreign_keys=on"
	wdb, err := sql.Open(DriverSQLite, "file:"+path+"?"+pragmas+"&_journal_mode=WAL&_synchronous=NORMAL&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("open write db: %w", err)
	}
	wdb.SetMaxOpenConns(1)
	if err := wdb.PingContext(ctx); err != nil {
		wdb.Close()
		return nil, fmt.Errorf("ping write db: %w", err)
	}

	rdb, err := sql.Open(DriverSQLite, "file:"+path+"?"+pragmas+"&mode=ro")
	if err != nil {
		wdb.Close()
		return nil, fmt.Errorf("open read db: %w", err)
	}
	maxOpen := cfg.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 4
	}
	rdb.SetMaxOpenConns(maxOpen)
	rdb.SetMaxIdleConns(maxOpen)
	if err := rdb.PingContext(ctx); err != nil {
		wdb.Close()
		rdb.Close()
		return nil, fmt.Errorf("ping read db: %w", err)
	}

	return &DB{DB: wdb, read: rdb, driver: DriverSQLite}, nil
}

func openPostgres(ctx context.Context, cfg Config) (*DB, error) {
	db, err := sql.Open(DriverPostgres, cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(cfg.ConnMaxLifetime)
	if cfg.ConnMaxIdleTime > 0 {
		db.SetConnMaxIdleTime(cfg.ConnMaxIdleTime)
	} else {
		db.SetConnMaxIdleTime(2 * time.Minute)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &DB{DB: db, read: db, driver: DriverPostgres}, nil
}

// Reader returns the pool used for queries outside write transactions.
func (db *DB) Reader() *sql.DB {
	return db.read
}

func (db *DB) Driver() string {
	return db.driver
}

func (db *DB) Close() error {
	err := db.DB.Close()
	if db.read != db.DB {
		if rerr := db.read.Close(); err == nil {
			err = rerr
		}
	}
	return err
}

// RunMigrations applies the embedded *.up.sql files in name order, once
// each, recording them in schema_migrations.
func (db *DB) RunMigrations(ctx context.Context) error {
	if _, err := db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS schema_migrations (
			version    TEXT PRIMARY KEY,
			applied_at BIGINT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("create schema_migrations: %w", err)
	}

	files, err := fs.Glob(migrationFS, "migrations/*.up.sql")
	if err != nil {
		return fmt.Errorf("glob migrations: %w", err)
	}
	sort.Strings(files)

	for _, f := range files {
		version := filepath.Base(f)

		var applied int
		if err := db.QueryRowContext(ctx,
			"SELECT COUNT(*) FROM schema_migrations WHERE version = $1", version,
		).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		content, err := migrationFS.ReadFile(f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", version, err)
		}

		slog.Info("migration starting", "version", version, "driver", db.driver)
		started := time.Now()

		tx, err := db.BeginTx(ctx, nil)
		if err != nil {
			return fmt.Errorf("begin migration %s: %w", version, err)
		}
		for _, stmt := range splitStatements(string(content)) {
			if _, err := tx.ExecContext(ctx, stmt); err != nil {
				tx.Rollback()
				return fmt.Errorf("exec migration %s: %w", version, err)
			}
		}
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO schema_migrations (version, applied_at) VALUES ($1, $2)", version, nowMillis(),
		); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", version, err)
		}

		slog.Info("migration completed", "version", version, "elapsed", time.Since(started).String())
	}
	return nil
}

// splitStatements breaks a migration file on semicolons. Migrations do
// not contain string literals with semicolons.
func splitStatements(content string) []string {
	var out []string
	for _, part := range strings.Split(content, ";") {
		var lines []string
		for _, line := range strings.Split(part, "\n") {
			if strings.HasPrefix(strings.TrimSpace(line), "--") {
				continue
			}
			lines = append(lines, line)
		}
		if stmt := strings.TrimSpace(strings.Join(lines, "\n")); stmt != "" {
			out = append(out, stmt)
		}
	}
	return out
}

// ReportPoolStats publishes connection pool gauges.
func (db *DB) ReportPoolStats() {
	report := func(pool string, s sql.DBStats) {
		metrics.DBPoolOpen.WithLabelValues(pool).Set(float64(s.OpenConnections))
		metrics.DBPoolInUse.WithLabelValues(pool).Set(float64(s.InUse))
		metrics.DBPoolWaitCount.WithLabelValues(pool).Set(float64(s.WaitCount))
	}
	report("write", db.DB.Stats())
	if db.read != db.DB {
		report("read", db.read.Stats())
	}
}

// RunPoolStatsReporter reports pool stats every interval until ctx ends.
func (db *DB) RunPoolStatsReporter(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			db.ReportPoolStats()
		}
	}
}
