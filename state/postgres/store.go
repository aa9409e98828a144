// Package postgres provides a PostgreSQL-backed proposer state store.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pithecene-io/cairn/state"
	"github.com/pithecene-io/cairn/state/postgres/migrations"
	"github.com/pithecene-io/cairn/types"
)

// Store persists proposer state in PostgreSQL.
type Store struct {
	DB *pgxpool.Pool
}

// Open connects to dsn and applies embedded migrations.
func Open(ctx context.Context, dsn string) (*Store, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, errors.New("postgres dsn is required")
	}
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	cfg.MaxConns = 4
	cfg.MinConns = 1
	cfg.MaxConnLifetime = 30 * time.Minute
	cfg.HealthCheckPeriod = 30 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	s := &Store{DB: pool}
	if err := s.migrate(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	return s, nil
}

func (s *Store) migrate(ctx context.Context) error {
	entries, err := fs.ReadDir(migrations.FS, ".")
	if err != nil {
		return err
	}
	var files []string
	for _, e := range entries {
		if strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)
	for _, f := range files {
		sql, err := fs.ReadFile(migrations.FS, f)
		if err != nil {
			return err
		}
		if _, err := s.DB.Exec(ctx, string(sql)); err != nil {
			return fmt.Errorf("%s: %w", f, err)
		}
	}
	return nil
}

// Close releases the pool.
func (s *Store) Close() error {
	s.DB.Close()
	return nil
}

// Load implements state.Store.
func (s *Store) Load(ctx context.Context) (state.Snapshot, error) {
	snap := state.Snapshot{Nonces: make(map[string]uint64)}

	var seq int64
	err := s.DB.QueryRow(ctx, `SELECT sequence, content_id FROM proposer_state WHERE id = 1`).Scan(&seq, &snap.ContentID)
	switch {
	case errors.Is(err, pgx.ErrNoRows):
	case err != nil:
		return state.Snapshot{}, fmt.Errorf("read proposer state: %w", err)
	case seq < 0:
		return state.Snapshot{}, fmt.Errorf("%w: negative sequence %d", types.ErrStateCorruption, seq)
	default:
		snap.Sequence = uint64(seq)
	}

	rows, err := s.DB.Query(ctx, `SELECT writer, nonce FROM writer_nonces`)
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

// Advance implements state.Store. The head row is locked FOR UPDATE so
// concurrent proposers against the same database cannot both advance.
func (s *Store) Advance(ctx context.Context, c state.Commit) error {
	if c.Sequence > math.MaxInt64 {
		return fmt.Errorf("sequence %d out of range", c.Sequence)
	}

	tx, err := s.DB.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin advance: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	// Ensure the head row exists so it can be locked.
	if _, err := tx.Exec(ctx,
		`INSERT INTO proposer_state (id, sequence, content_id, updated_at) VALUES (1, 0, '', now())
		 ON CONFLICT (id) DO NOTHING`); err != nil {
		return fmt.Errorf("init head: %w", err)
	}

	var seq int64
	var head string
	if err := tx.QueryRow(ctx,
		`SELECT sequence, content_id FROM proposer_state WHERE id = 1 FOR UPDATE`,
	).Scan(&seq, &head); err != nil {
		return fmt.Errorf("read head: %w", err)
	}
	if uint64(seq)+1 != c.Sequence || head != c.PreviousContentID {
		return fmt.Errorf("%w: head is %d/%q, commit is %d on %q",
			state.ErrConflict, seq, head, c.Sequence, c.PreviousContentID)
	}

	if _, err := tx.Exec(ctx,
		`UPDATE proposer_state SET sequence = $1, content_id = $2, updated_at = now() WHERE id = 1`,
		int64(c.Sequence), c.ContentID,
	); err != nil {
		return fmt.Errorf("write head: %w", err)
	}

	batch := &pgx.Batch{}
	for writer, nonce := range c.NonceUpdates {
		if nonce > math.MaxInt64 {
			return fmt.Errorf("nonce %d for %s out of range", nonce, writer)
		}
		batch.Queue(
			`INSERT INTO writer_nonces (writer, nonce, updated_at) VALUES ($1, $2, now())
			 ON CONFLICT (writer) DO UPDATE SET nonce = GREATEST(writer_nonces.nonce, EXCLUDED.nonce), updated_at = now()`,
			writer, int64(nonce),
		)
	}
	batch.Queue(
		`INSERT INTO bundles (sequence, content_id, previous_content_id, intentions, committed_at) VALUES ($1, $2, $3, $4, $5)`,
		int64(c.Sequence), c.ContentID, c.PreviousContentID, c.Intentions, c.CommittedAt.UTC(),
	)
	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("write commit %d: %w", c.Sequence, err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit advance: %w", err)
	}
	return nil
}

// History implements state.Store.
func (s *Store) History(ctx context.Context, limit int) ([]state.Record, error) {
	query := `SELECT sequence, content_id, previous_content_id, intentions, committed_at FROM bundles ORDER BY sequence DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := s.DB.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list bundles: %w", err)
	}
	defer rows.Close()

	var out []state.Record
	for rows.Next() {
		var rec state.Record
		var seq int64
		if err := rows.Scan(&seq, &rec.ContentID, &rec.PreviousContentID, &rec.Intentions, &rec.CommittedAt); err != nil {
			return nil, fmt.Errorf("scan bundle: %w", err)
		}
		rec.Sequence = uint64(seq)
		rec.CommittedAt = rec.CommittedAt.UTC()
		out = append(out, rec)
	}
	return out, rows.Err()
}

var _ state.Store = (*Store)(nil)
