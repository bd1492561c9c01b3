// Package store is the Postgres-backed gateway onto push_requests and
// push_contents (spec §4.E). It is the engine's only source of truth for
// request and release state.
package store

import (
	"context"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"

	"github.com/rockdog/pushmanager/internal/model"
)

// Store wraps a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
}

// New constructs a Store from a pre-built pool. The caller owns the pool's
// lifecycle (Close).
func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// Open parses dsn and opens a pool against it.
func Open(ctx context.Context, dsn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errors.Wrap(err, "opening pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "pinging database")
	}
	return &Store{pool: pool}, nil
}

// Close releases the pool.
func (s *Store) Close() {
	s.pool.Close()
}

const requestColumns = `id, "user", title, repo, branch, revision, state, tags, conflicts, review_id`

func scanRequest(row pgx.Row) (*model.Request, error) {
	var r model.Request
	if err := row.Scan(&r.ID, &r.User, &r.Title, &r.Repo, &r.Branch, &r.Revision, &r.State, &r.Tags, &r.Conflicts, &r.ReviewID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "scanning push_requests row")
	}
	return &r, nil
}

// GetRequest loads a single request by id. Returns (nil, nil) if absent,
// mirroring `_get_request`'s None-on-miss behavior.
func (s *Store) GetRequest(ctx context.Context, id int64) (*model.Request, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM push_requests WHERE id = $1`, requestColumns), id)
	return scanRequest(row)
}

// GetRequestWithRevision loads the request currently recorded against sha,
// mirroring `_get_request_with_sha`.
func (s *Store) GetRequestWithRevision(ctx context.Context, sha string) (*model.Request, error) {
	row := s.pool.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM push_requests WHERE revision = $1`, requestColumns), sha)
	return scanRequest(row)
}

// GetActiveRequests loads every request in a state the reconciliation poller
// and conflict engine track (spec §4.I), mirroring `_get_active_requests`.
func (s *Store) GetActiveRequests(ctx context.Context) ([]model.Request, error) {
	rows, err := s.pool.Query(ctx, fmt.Sprintf(
		`SELECT %s FROM push_requests WHERE state IN ('requested', 'pickme', 'added') ORDER BY id`, requestColumns))
	if err != nil {
		return nil, errors.Wrap(err, "querying active requests")
	}
	defer rows.Close()

	var out []model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, err
		}
		if r != nil {
			out = append(out, *r)
		}
	}
	return out, rows.Err()
}

// UpdateRequest applies fields to request id inside a transaction, then
// reselects and returns the row as committed — mirroring `_update_request`'s
// use of `execute_transaction_cb` to avoid acting on stale in-memory state.
func (s *Store) UpdateRequest(ctx context.Context, id int64, fields map[string]interface{}) (*model.Request, error) {
	if len(fields) == 0 {
		return s.GetRequest(ctx, id)
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "beginning update transaction")
	}
	defer tx.Rollback(ctx) //nolint:errcheck // no-op once committed

	setClauses := make([]string, 0, len(fields))
	args := make([]interface{}, 0, len(fields)+1)
	i := 1
	for col, val := range fields {
		setClauses = append(setClauses, fmt.Sprintf(`%s = $%d`, quoteColumn(col), i))
		args = append(args, val)
		i++
	}
	args = append(args, id)

	query := fmt.Sprintf(`UPDATE push_requests SET %s WHERE id = $%d`, strings.Join(setClauses, ", "), i)
	if _, err := tx.Exec(ctx, query, args...); err != nil {
		return nil, errors.Wrap(err, "updating push_requests")
	}

	row := tx.QueryRow(ctx, fmt.Sprintf(`SELECT %s FROM push_requests WHERE id = $1`, requestColumns), id)
	r, err := scanRequest(row)
	if err != nil {
		return nil, err
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, errors.Wrap(err, "committing update transaction")
	}
	return r, nil
}

// GetReleaseForRequest loads the push a request currently belongs to, if
// any, mirroring `_get_push_for_request`.
func (s *Store) GetReleaseForRequest(ctx context.Context, requestID int64) (*model.Release, error) {
	row := s.pool.QueryRow(ctx,
		`SELECT push_id FROM push_contents WHERE request_id = $1 ORDER BY push_id DESC LIMIT 1`, requestID)
	var rel model.Release
	if err := row.Scan(&rel.PushID); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "scanning push_contents row")
	}
	return &rel, nil
}

// GetRequestIdsInRelease loads every request id that belongs to pushID,
// mirroring `_get_request_ids_in_push`.
func (s *Store) GetRequestIdsInRelease(ctx context.Context, pushID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT request_id FROM push_contents WHERE push_id = $1`, pushID)
	if err != nil {
		return nil, errors.Wrap(err, "querying push_contents")
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, errors.Wrap(err, "scanning request id")
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// quoteColumn defends UpdateRequest's dynamic SET clause against anything
// but the fixed column identifiers callers are expected to pass (the
// conflict engine, verify engine and reconciliation poller pass literal
// column names such as "tags", "conflicts" and "revision").
func quoteColumn(col string) string {
	return `"` + strings.ReplaceAll(col, `"`, ``) + `"`
}
