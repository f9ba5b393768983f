package cache

import (
	"database/sql"
	"errors"
	"fmt"
	"io"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sirupsen/logrus"

	"github.com/snapthumb/snapthumb/pkg/codec"
	"github.com/snapthumb/snapthumb/pkg/compress"
	"github.com/snapthumb/snapthumb/pkg/metrics"
)

const schema = `
CREATE TABLE IF NOT EXISTS exports (
	key TEXT PRIMARY KEY,
	format TEXT NOT NULL,
	quality REAL,
	similarity REAL,
	iterations INTEGER,
	width INTEGER,
	height INTEGER,
	original_width INTEGER,
	original_height INTEGER,
	resized INTEGER,
	target_met INTEGER,
	similarity_met INTEGER,
	complexity REAL,
	path TEXT,
	duration_ns INTEGER,
	data BLOB NOT NULL,
	created_at TEXT,
	last_used_at INTEGER
);
CREATE INDEX IF NOT EXISTS idx_exports_last_used ON exports(last_used_at);`

// SQLite persists results in a single table so they survive restarts.
type SQLite struct {
	db         *sql.DB
	maxEntries int
	log        logrus.FieldLogger
	clock      func() time.Time
}

// OpenSQLite opens or creates the database at path.
func OpenSQLite(path string, maxEntries int, log logrus.FieldLogger) (*SQLite, error) {
	if log == nil {
		l := logrus.New()
		l.SetOutput(io.Discard)
		log = l
	}
	if maxEntries <= 0 {
		maxEntries = 256
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open cache database: %w", err)
	}
	// sqlite serializes writers; one connection avoids SQLITE_BUSY under load
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("create cache schema: %w", err)
	}

	return &SQLite{db: db, maxEntries: maxEntries, log: log, clock: time.Now}, nil
}

// Get loads a result and bumps its last-used stamp.
func (s *SQLite) Get(key string) (*compress.Result, bool) {
	var (
		r                                 compress.Result
		format, path                      string
		resized, targetMet, similarityMet bool
		duration                          int64
	)
	err := s.db.QueryRow(`SELECT format, quality, similarity, iterations, width, height,
		original_width, original_height, resized, target_met, similarity_met,
		complexity, path, duration_ns, data FROM exports WHERE key = ?`, key).Scan(
		&format, &r.Quality, &r.Similarity, &r.Iterations, &r.Width, &r.Height,
		&r.OriginalWidth, &r.OriginalHeight, &resized, &targetMet, &similarityMet,
		&r.Complexity, &path, &duration, &r.Bytes)
	if errors.Is(err, sql.ErrNoRows) {
		metrics.RecordCacheLookup("sqlite", false)
		return nil, false
	}
	if err != nil {
		s.fail("get", key, err)
		return nil, false
	}

	f, err := codec.ParseFormat(format)
	if err != nil {
		s.fail("get", key, err)
		return nil, false
	}
	r.Format = f
	r.Path = compress.Path(path)
	r.Resized = resized
	r.TargetMet = targetMet
	r.SimilarityMet = similarityMet
	r.Duration = time.Duration(duration)
	r.SizeBytes = len(r.Bytes)
	r.IsDeterministic = true

	if _, err := s.db.Exec("UPDATE exports SET last_used_at = ? WHERE key = ?", s.clock().UnixNano(), key); err != nil {
		s.log.WithError(err).WithField("key", key).Warn("Failed to touch cache entry")
	}
	metrics.RecordCacheLookup("sqlite", true)
	return &r, true
}

// Set stores r and trims the table to the configured size.
func (s *SQLite) Set(key string, r *compress.Result) {
	tx, err := s.db.Begin()
	if err != nil {
		s.fail("set", key, err)
		return
	}
	defer tx.Rollback()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO exports (key, format, quality, similarity,
		iterations, width, height, original_width, original_height, resized, target_met,
		similarity_met, complexity, path, duration_ns, data, created_at, last_used_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		s.fail("set", key, err)
		return
	}
	defer stmt.Close()

	now := s.clock()
	_, err = stmt.Exec(key, r.Format.String(), r.Quality, r.Similarity, r.Iterations,
		r.Width, r.Height, r.OriginalWidth, r.OriginalHeight, r.Resized, r.TargetMet,
		r.SimilarityMet, r.Complexity, string(r.Path), int64(r.Duration), r.Bytes,
		now.Format(time.RFC3339), now.UnixNano())
	if err != nil {
		s.fail("set", key, err)
		return
	}

	_, err = tx.Exec(`DELETE FROM exports WHERE key NOT IN (
		SELECT key FROM exports ORDER BY last_used_at DESC LIMIT ?)`, s.maxEntries)
	if err != nil {
		s.fail("set", key, err)
		return
	}

	if err := tx.Commit(); err != nil {
		s.fail("set", key, err)
	}
}

// Len returns the number of stored results.
func (s *SQLite) Len() int {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM exports").Scan(&n); err != nil {
		s.log.WithError(err).Warn("Failed to count cache entries")
		return 0
	}
	return n
}

// Flush deletes every stored result.
func (s *SQLite) Flush() error {
	_, err := s.db.Exec("DELETE FROM exports")
	return err
}

// Close closes the database.
func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) fail(op, key string, err error) {
	metrics.RecordCacheError("sqlite")
	s.log.WithFields(logrus.Fields{
		"operation": op,
		"key":       key,
	}).WithError(err).Warn("Cache operation failed")
}
