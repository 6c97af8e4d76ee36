package memory

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore implements the Store interface using SQLite.
// A single connection is used so that ":memory:" databases are shared by all
// queries and writes are naturally serialized. A store handed out by WithTx
// has no db and runs every statement in the transaction.
type SQLiteStore struct {
	db *sql.DB
	q  querier
}

// NewSQLiteStore creates a new SQLiteStore connected to the given database path.
// The path should be a file path (e.g., "./reviews.db") or ":memory:" for an in-memory database.
// It opens the database connection and verifies connectivity with a ping.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath+"?_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{db: db, q: db}, nil
}

// InitSchema creates the necessary tables if they don't exist.
func (s *SQLiteStore) InitSchema(ctx context.Context) error {
	schema := `
		CREATE TABLE IF NOT EXISTS review_patterns (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			identity TEXT NOT NULL,
			pattern_type TEXT NOT NULL,
			pattern TEXT NOT NULL,
			frequency INTEGER NOT NULL DEFAULT 1,
			last_seen TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			user_feedback TEXT
		);

		CREATE INDEX IF NOT EXISTS idx_patterns_lookup
			ON review_patterns(identity, pattern_type, pattern);

		CREATE TABLE IF NOT EXISTS code_snippets (
			id TEXT PRIMARY KEY,
			identity TEXT NOT NULL,
			code TEXT NOT NULL,
			language TEXT NOT NULL,
			review TEXT NOT NULL,
			issues_found INTEGER NOT NULL DEFAULT 0,
			timestamp TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP,
			helpful INTEGER
		);

		CREATE INDEX IF NOT EXISTS idx_snippets_identity ON code_snippets(identity);

		CREATE TABLE IF NOT EXISTS agent_state (
			identity TEXT PRIMARY KEY,
			snapshot BLOB NOT NULL,
			updated_at TEXT NOT NULL DEFAULT CURRENT_TIMESTAMP
		);
	`

	if _, err := s.q.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("failed to initialize schema: %w", err)
	}
	return nil
}

// FindPattern looks up a pattern by exact text within a type.
func (s *SQLiteStore) FindPattern(ctx context.Context, identity string, patternType PatternType, text string) (Pattern, bool, error) {
	query := `
		SELECT id, pattern_type, pattern, frequency, last_seen, user_feedback
		FROM review_patterns
		WHERE identity = ? AND pattern_type = ? AND pattern = ?
		ORDER BY id
		LIMIT 1
	`

	row := s.q.QueryRowContext(ctx, query, identity, string(patternType), text)
	p, err := scanPattern(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Pattern{}, false, nil
	}
	if err != nil {
		return Pattern{}, false, fmt.Errorf("failed to find pattern: %w", err)
	}
	return p, true, nil
}

// InsertPattern always inserts a new pattern row.
func (s *SQLiteStore) InsertPattern(ctx context.Context, identity string, p Pattern) (Pattern, error) {
	if p.Frequency < 1 {
		p.Frequency = 1
	}

	query := `
		INSERT INTO review_patterns (identity, pattern_type, pattern, frequency, last_seen, user_feedback)
		VALUES (?, ?, ?, ?, ?, ?)
	`

	res, err := s.q.ExecContext(ctx, query, identity, string(p.Type), p.Text, p.Frequency,
		formatTimestamp(p.LastSeen), nullString(p.Feedback))
	if err != nil {
		return Pattern{}, fmt.Errorf("failed to insert pattern: %w", err)
	}

	p.ID, err = res.LastInsertId()
	if err != nil {
		return Pattern{}, fmt.Errorf("failed to read pattern id: %w", err)
	}
	return p, nil
}

// TouchPattern increments the frequency of a pattern and refreshes last_seen.
func (s *SQLiteStore) TouchPattern(ctx context.Context, identity string, id int64, seen time.Time) error {
	query := `
		UPDATE review_patterns
		SET frequency = frequency + 1, last_seen = ?
		WHERE identity = ? AND id = ?
	`

	res, err := s.q.ExecContext(ctx, query, formatTimestamp(seen), identity, id)
	if err != nil {
		return fmt.Errorf("failed to touch pattern: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("pattern %d not found", id)
	}
	return nil
}

// TopPatterns returns the most frequent patterns of a type.
func (s *SQLiteStore) TopPatterns(ctx context.Context, identity string, patternType PatternType, limit int) ([]Pattern, error) {
	query := `
		SELECT id, pattern_type, pattern, frequency, last_seen, user_feedback
		FROM review_patterns
		WHERE identity = ? AND pattern_type = ?
		ORDER BY frequency DESC, id ASC
		LIMIT ?
	`

	rows, err := s.q.QueryContext(ctx, query, identity, string(patternType), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query patterns: %w", err)
	}
	defer rows.Close()

	var patterns []Pattern
	for rows.Next() {
		p, err := scanPattern(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan pattern: %w", err)
		}
		patterns = append(patterns, p)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating patterns: %w", err)
	}
	return patterns, nil
}

// SaveSnippet stores a reviewed snippet.
func (s *SQLiteStore) SaveSnippet(ctx context.Context, identity string, sn Snippet) error {
	query := `
		INSERT INTO code_snippets (id, identity, code, language, review, issues_found, timestamp, helpful)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`

	var helpful sql.NullBool
	if sn.Helpful != nil {
		helpful = sql.NullBool{Bool: *sn.Helpful, Valid: true}
	}

	_, err := s.q.ExecContext(ctx, query, sn.ID, identity, sn.Code, sn.Language, sn.Review,
		sn.IssuesFound, formatTimestamp(sn.Timestamp), helpful)
	if err != nil {
		return fmt.Errorf("failed to save snippet: %w", err)
	}
	return nil
}

// SetSnippetHelpful records feedback on a snippet.
func (s *SQLiteStore) SetSnippetHelpful(ctx context.Context, identity, id string, helpful bool) (bool, error) {
	res, err := s.q.ExecContext(ctx,
		`UPDATE code_snippets SET helpful = ? WHERE identity = ? AND id = ?`,
		helpful, identity, id)
	if err != nil {
		return false, fmt.Errorf("failed to update snippet: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// GetSnippet loads one snippet by id.
func (s *SQLiteStore) GetSnippet(ctx context.Context, identity, id string) (Snippet, bool, error) {
	query := `
		SELECT id, code, language, review, issues_found, timestamp, helpful
		FROM code_snippets
		WHERE identity = ? AND id = ?
	`

	var sn Snippet
	var ts string
	var helpful sql.NullBool
	err := s.q.QueryRowContext(ctx, query, identity, id).Scan(
		&sn.ID, &sn.Code, &sn.Language, &sn.Review, &sn.IssuesFound, &ts, &helpful)
	if errors.Is(err, sql.ErrNoRows) {
		return Snippet{}, false, nil
	}
	if err != nil {
		return Snippet{}, false, fmt.Errorf("failed to load snippet: %w", err)
	}

	sn.Timestamp, _ = parseTimestamp(ts)
	if helpful.Valid {
		sn.Helpful = &helpful.Bool
	}
	return sn, true, nil
}

// CountSnippets returns the number of snippets stored for the identity.
func (s *SQLiteStore) CountSnippets(ctx context.Context, identity string) (int, error) {
	var n int
	err := s.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM code_snippets WHERE identity = ?`, identity).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count snippets: %w", err)
	}
	return n, nil
}

// LoadState returns the saved snapshot for the identity.
func (s *SQLiteStore) LoadState(ctx context.Context, identity string) ([]byte, bool, error) {
	var snapshot []byte
	err := s.q.QueryRowContext(ctx, `SELECT snapshot FROM agent_state WHERE identity = ?`, identity).Scan(&snapshot)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("failed to load state: %w", err)
	}
	return snapshot, true, nil
}

// SaveState replaces the snapshot for the identity.
func (s *SQLiteStore) SaveState(ctx context.Context, identity string, snapshot []byte, at time.Time) error {
	query := `
		INSERT INTO agent_state (identity, snapshot, updated_at)
		VALUES (?, ?, ?)
		ON CONFLICT(identity) DO UPDATE SET snapshot = excluded.snapshot, updated_at = excluded.updated_at
	`

	if _, err := s.q.ExecContext(ctx, query, identity, snapshot, formatTimestamp(at)); err != nil {
		return fmt.Errorf("failed to save state: %w", err)
	}
	return nil
}

// WithTx runs fn against a store bound to a single transaction. The
// transaction commits when fn returns nil and rolls back otherwise. Calling
// WithTx on a transaction-bound store runs fn in the same transaction.
func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	if s.db == nil {
		return fn(s)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if p := recover(); p != nil {
			_ = tx.Rollback()
			panic(p)
		}
	}()

	if err := fn(&SQLiteStore{q: tx}); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// Close releases the database connection. It is a no-op on a
// transaction-bound store.
func (s *SQLiteStore) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPattern(row rowScanner) (Pattern, error) {
	var p Pattern
	var patternType, lastSeen string
	var feedback sql.NullString
	if err := row.Scan(&p.ID, &patternType, &p.Text, &p.Frequency, &lastSeen, &feedback); err != nil {
		return Pattern{}, err
	}
	p.Type = PatternType(patternType)
	p.LastSeen, _ = parseTimestamp(lastSeen)
	p.Feedback = feedback.String
	return p, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func formatTimestamp(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// parseTimestamp parses a SQLite timestamp string to time.Time.
// Rows written by this package use RFC3339Nano; column defaults use
// SQLite's CURRENT_TIMESTAMP layout.
func parseTimestamp(s string) (time.Time, error) {
	formats := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05.000",
		"2006-01-02T15:04:05.000",
	}

	for _, format := range formats {
		if t, err := time.Parse(format, s); err == nil {
			return t, nil
		}
	}

	return time.Time{}, fmt.Errorf("unable to parse timestamp: %s", s)
}

var _ Store = (*SQLiteStore)(nil)
