// Package sqlite provides a SQLite-backed proposer state store.
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/pithecene-io/cairn/state"
	"github.com/pithecene-io/cairn/state/sqlite/migrations"
	"github.com/pithecene-io/cairn/types"
)

// Store persists proposer state in SQLite.
type Store struct {
	sqlDB *sql.DB
}

func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// Open opens a SQLite state store and applies embedded migrations.
func Open(ctx context.Context, path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	dsn := filepath.Clean(path) + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=synchronous(FULL)"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// A single connection serializes Advance transactions.
	sqlDB.SetMaxOpenConns(1)
	if err := sqlDB.PingContext(ctx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}
	if err := applyMigrations(ctx, sqlDB, migrations.FS); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return &Store{sqlDB: sqlDB}, nil
}

// Close closes the SQLite handle.
func (s *Store) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// Load implements state.Store.
func (s *Store) Load(ctx context.Context) (state.Snapshot, error) {
	if s == nil || s.sqlDB == nil {
		return state.Snapshot{}, fmt.Errorf("storage is not configured")
	}
	snap := state.Snapshot{Nonces: make(map[string]uint64)}

	var seq int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT sequence, content_id FROM proposer_state WHERE id = 1`,
	).Scan(&seq, &snap.ContentID)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return state.Snapshot{}, fmt.Errorf("read proposer state: %w", err)
	default:
		if seq < 0 {
			return state.Snapshot{}, fmt.Errorf("%w: negative sequence %d", types.ErrStateCorruption, seq)
		}
		snap.Sequence = uint64(seq)
	}

	rows, err := s.sqlDB.QueryContext(ctx, `SELECT writer, nonce FROM writer_nonces`)
	if err != nil {
		return state.Snapshot{}, fmt.Errorf("read writer nonces: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var writer string
		var nonce int64
		if err := rows.Scan(&writer, &nonce); err != nil {
			return state.Snapshot{}, fmt.Errorf("%w: scan writer nonce: %v", types.ErrStateCorruption, err)
		}
		if nonce < 0 {
			return state.Snapshot{}, fmt.Errorf("%w: negative nonce for %s", types.ErrStateCorruption, writer)
		}
		snap.Nonces[writer] = uint64(nonce)
	}
	if err := rows.Err(); err != nil {
		return state.Snapshot{}, fmt.Errorf("read writer nonces: %w", err)
	}
	return snap, nil
}

// Advance implements state.Store. The head check and all writes share one
// transaction.
func (s *Store) Advance(ctx context.Context, c state.Commit) error {
	if s == nil || s.sqlDB == nil {
		return fmt.Errorf("storage is not configured")
	}
	if c.Sequence > math.MaxInt64 {
		return fmt.Errorf("sequence %d out of range", c.Sequence)
	}
	for w, n := range c.NonceUpdates {
		if n > math.MaxInt64 {
			return fmt.Errorf("nonce %d for %s out of range", n, w)
		}
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin advance: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	var seq int64
	var head string
	err = tx.QueryRowContext(ctx, `SELECT sequence, content_id FROM proposer_state WHERE id = 1`).Scan(&seq, &head)
	if errors.Is(err, sql.ErrNoRows) {
		seq, head, err = 0, "", nil
	}
	if err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if uint64(seq)+1 != c.Sequence || head != c.PreviousContentID {
		return fmt.Errorf("%w: head is %d/%q, commit is %d on %q",
			state.ErrConflict, seq, head, c.Sequence, c.PreviousContentID)
	}

	now := toMillis(time.Now())
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO proposer_state (id, sequence, content_id, updated_at) VALUES (1, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET sequence = excluded.sequence, content_id = excluded.content_id, updated_at = excluded.updated_at`,
		int64(c.Sequence), c.ContentID, now,
	); err != nil {
		return fmt.Errorf("write head: %w", err)
	}

	for writer, nonce := range c.NonceUpdates {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO writer_nonces (writer, nonce, updated_at) VALUES (?, ?, ?)
			 ON CONFLICT(writer) DO UPDATE SET nonce = MAX(nonce, excluded.nonce), updated_at = excluded.updated_at`,
			writer, int64(nonce), now,
		); err != nil {
			return fmt.Errorf("write nonce for %s: %w", writer, err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO bundles (sequence, content_id, previous_content_id, intentions, committed_at) VALUES (?, ?, ?, ?, ?)`,
		int64(c.Sequence), c.ContentID, c.PreviousContentID, c.Intentions, toMillis(c.CommittedAt),
	); err != nil {
		return fmt.Errorf("record bundle %d: %w", c.Sequence, err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit advance: %w", err)
	}
	return nil
}

// History implements state.Store.
func (s *Store) History(ctx context.Context, limit int) ([]state.Record, error) {
	if s == nil || s.sqlDB == nil {
		return nil, fmt.Errorf("storage is not configured")
	}
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT sequence, content_id, previous_content_id, intentions, committed_at
		 FROM bundles ORDER BY sequence DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	defer rows.Close()

	var out []state.Record
	for rows.Next() {
		var rec state.Record
		var seq, committedAt int64
		if err := rows.Scan(&seq, &rec.ContentID, &rec.PreviousContentID, &rec.Intentions, &committedAt); err != nil {
			return nil, fmt.Errorf("scan bundle: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.CommittedAt = fromMillis(committedAt)
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ state.Store = (*Store)(nil)
