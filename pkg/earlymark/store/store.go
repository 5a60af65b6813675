// Package store is the SQLite persistence layer. It implements every
// domain collaborator the agent, triage and tools depend on, plus the
// memory entry source used by semantic search. The schema is managed with
// goose migrations embedded in the binary.
package store

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/pressly/goose/v3"

	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/domain"
	"github.com/michaelwu1407-droid/Assistantbot-sub003/pkg/earlymark/memory"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Config configures the SQLite database.
type Config struct {
	// Path to the database file (default: "./data/earlymark.db").
	Path string `yaml:"path"`

	// JournalMode (default: WAL).
	JournalMode string `yaml:"journal_mode"`

	// BusyTimeout in milliseconds (default: 5000).
	BusyTimeout int `yaml:"busy_timeout" validate:"gte=0"`

	// MaxOpenConns caps the connection pool (default: 4).
	MaxOpenConns int `yaml:"max_open_conns" validate:"gte=0"`
}

// DefaultConfig returns the defaults.
func DefaultConfig() Config {
	return Config{
		Path:         "./data/earlymark.db",
		JournalMode:  "WAL",
		BusyTimeout:  5000,
		MaxOpenConns: 4,
	}
}

// Store is a SQLite-backed implementation of the domain interfaces.
type Store struct {
	db     *sql.DB
	logger *slog.Logger
	now    func() time.Time
}

// Open opens or creates the database at cfg.Path. Call Migrate before use.
func Open(cfg Config, logger *slog.Logger) (*Store, error) {
	d := DefaultConfig()
	if cfg.Path == "" {
		cfg.Path = d.Path
	}
	if cfg.JournalMode == "" {
		cfg.JournalMode = d.JournalMode
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = d.BusyTimeout
	}
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = d.MaxOpenConns
	}
	if logger == nil {
		logger = slog.Default()
	}

	if cfg.Path != ":memory:" {
		dir := filepath.Dir(cfg.Path)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create database directory %q: %w", dir, err)
		}
	}

	dsn := fmt.Sprintf("%s?_journal_mode=%s&_busy_timeout=%d&_foreign_keys=ON", cfg.Path, cfg.JournalMode, cfg.BusyTimeout)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open database %q: %w", cfg.Path, err)
	}
	db.SetMaxOpenConns(cfg.MaxOpenConns)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{
		db:     db,
		logger: logger.With("component", "store"),
		now:    func() time.Time { return time.Now().UTC() },
	}, nil
}

// Migrate applies pending schema migrations and returns the schema version.
func (s *Store) Migrate(ctx context.Context) (int64, error) {
	fsys, err := fs.Sub(migrationsFS, "migrations")
	if err != nil {
		return 0, fmt.Errorf("migrations fs: %w", err)
	}
	provider, err := goose.NewProvider(goose.DialectSQLite3, s.db, fsys)
	if err != nil {
		return 0, fmt.Errorf("create migration provider: %w", err)
	}
	results, err := provider.Up(ctx)
	if err != nil {
		return 0, fmt.Errorf("apply migrations: %w", err)
	}
	for _, r := range results {
		s.logger.Info("migration applied", "version", r.Source.Version, "duration_ms", r.Duration.Milliseconds())
	}
	return provider.GetDBVersion(ctx)
}

// DB exposes the underlying handle.
func (s *Store) DB() *sql.DB { return s.db }

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// ── helpers ──

// timeLayout is fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string { return t.UTC().Format(timeLayout) }

func parseTime(s string) time.Time {
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}
	}
	return t
}

func nullTime(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func timePtr(ns sql.NullString) *time.Time {
	if !ns.Valid || ns.String == "" {
		return nil
	}
	t := parseTime(ns.String)
	return &t
}

func notFound(kind, key string) error {
	return fmt.Errorf("%s %q: %w", kind, key, domain.ErrNotFound)
}

func isNoRows(err error) bool { return errors.Is(err, sql.ErrNoRows) }

var (
	_ domain.WorkspaceReader = (*Store)(nil)
	_ domain.HistoryReader   = (*Store)(nil)
	_ domain.TurnWriter      = (*Store)(nil)
	_ domain.TriageRecorder  = (*Store)(nil)
	_ domain.Operations      = (*Store)(nil)
	_ memory.Source          = (*Store)(nil)
)
