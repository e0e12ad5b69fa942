package store

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	_ "modernc.org/sqlite"
)

// DefaultBatchSize is the number of rows written per upsert transaction.
const DefaultBatchSize = 500

// Options configures a Store.
type Options struct {
	// TargetAuthor is the tracked handle. Replies by this author (compared
	// case-insensitively) are flagged as target replies.
	TargetAuthor string
	BatchSize    int
	Logger       zerolog.Logger
}

// Store handles all database operations. Records and checkpoints share the
// same database handle.
type Store struct {
	db           *sql.DB
	targetAuthor string
	batchSize    int
	log          zerolog.Logger
}

// New opens (or creates) the SQLite database at dbPath and brings its
// schema up to date.
func New(dbPath string, opts Options) (*Store, error) {
	if dbPath != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
			return nil, errors.Wrap(err, "store: mkdir")
		}
	}

	db, err := sql.Open("sqlite", dsn(dbPath))
	if err != nil {
		return nil, errors.Wrap(err, "store: open")
	}
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	s := &Store{
		db:           db,
		targetAuthor: strings.TrimPrefix(strings.TrimSpace(opts.TargetAuthor), "@"),
		batchSize:    opts.BatchSize,
		log:          opts.Logger.With().Str("component", "store").Logger(),
	}
	if s.batchSize <= 0 {
		s.batchSize = DefaultBatchSize
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "store: ping")
	}
	if err := s.migrate(context.Background()); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// dsn applies the pragmas on every pooled connection.
func dsn(path string) string {
	pragmas := []string{
		"_pragma=busy_timeout(10000)",
		"_pragma=journal_mode(WAL)",
		"_pragma=synchronous(NORMAL)",
		"_pragma=foreign_keys(1)",
	}
	return fmt.Sprintf("file:%s?%s", path, strings.Join(pragmas, "&"))
}

// Close closes the database connection
func (s *Store) Close() error {
	return s.db.Close()
}

// TargetAuthor returns the handle used to flag target replies.
func (s *Store) TargetAuthor() string {
	return s.targetAuthor
}
