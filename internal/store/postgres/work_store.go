// Package postgres provides the Postgres-backed work-item store.
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/crawlkit/coordinator/internal/workqueue"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

const itemColumns = `id, kind, key, status, priority, attempts, claimed_at,
	last_error, payload, result, created_at, updated_at`

// Config controls the Postgres connection pool used for work items.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type dbPool interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
	Ping(ctx context.Context) error
	Close()
}

// WorkStore implements workqueue.Store on a pgx connection pool. Claims use
// FOR UPDATE SKIP LOCKED so concurrent callers never receive the same row;
// every other transition is a single conditional UPDATE guarded by the
// current status.
type WorkStore struct {
	pool  dbPool
	table string
	clock workqueue.Clock
	idGen workqueue.IDGenerator
}

// NewWorkStore creates a Postgres-backed WorkStore using the provided config.
func NewWorkStore(ctx context.Context, cfg Config, clock workqueue.Clock, idGen workqueue.IDGenerator) (*WorkStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("store.postgres.dsn is required")
	}
	table := cfg.Table
	if table == "" {
		table = "work_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &WorkStore{pool: pool, table: table, clock: clock, idGen: idGen}, nil
}

// NewWorkStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewWorkStoreWithPool(pool dbPool, table string, clock workqueue.Clock, idGen workqueue.IDGenerator) (*WorkStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "work_items"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &WorkStore{pool: pool, table: table, clock: clock, idGen: idGen}, nil
}

// EnsureSchema creates the work_items table and supporting indexes.
func (s *WorkStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id UUID PRIMARY KEY,
	kind TEXT NOT NULL,
	key TEXT NOT NULL,
	status TEXT NOT NULL,
	priority INT NOT NULL DEFAULT 0,
	attempts INT NOT NULL DEFAULT 0,
	claimed_at TIMESTAMPTZ,
	last_error TEXT,
	payload TEXT NOT NULL,
	result JSONB,
	score INT,
	language TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	UNIQUE (kind, key)
);
CREATE INDEX IF NOT EXISTS %[1]s_claim_idx
	ON %[1]s (kind, priority DESC, created_at ASC) WHERE status = 'pending';
CREATE INDEX IF NOT EXISTS %[1]s_status_idx ON %[1]s (kind, status);
`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

// Submit inserts the item, or returns the existing row unchanged when the
// (kind, key) pair is already present.
func (s *WorkStore) Submit(ctx context.Context, req workqueue.SubmitRequest) (workqueue.WorkItem, bool, error) {
	id, err := s.idGen.NewID()
	if err != nil {
		return workqueue.WorkItem{}, false, fmt.Errorf("generate item id: %w", err)
	}
	now := s.clock.Now()
	insert := fmt.Sprintf(`
INSERT INTO %s (id, kind, key, status, priority, attempts, payload, created_at, updated_at)
VALUES ($1, $2, $3, 'pending', $4, 0, $5, $6, $6)
ON CONFLICT (kind, key) DO NOTHING
RETURNING `+itemColumns, s.table)

	item, err := scanItem(s.pool.QueryRow(ctx, insert, id, req.Kind, req.Key, req.Priority, req.Payload, now))
	if err == nil {
		return item, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return workqueue.WorkItem{}, false, fmt.Errorf("insert work item: %w", err)
	}

	// Conflict path: another submit won the insert. Return its row.
	sel := fmt.Sprintf(`SELECT `+itemColumns+` FROM %s WHERE kind = $1 AND key = $2`, s.table)
	item, err = scanItem(s.pool.QueryRow(ctx, sel, req.Kind, req.Key))
	if errors.Is(err, pgx.ErrNoRows) {
		// The conflicting row vanished between the insert and the select.
		return workqueue.WorkItem{}, false, workqueue.ErrConflict
	}
	if err != nil {
		return workqueue.WorkItem{}, false, fmt.Errorf("select existing work item: %w", err)
	}
	return item, false, nil
}

// Get fetches an item by id.
func (s *WorkStore) Get(ctx context.Context, id string) (workqueue.WorkItem, error) {
	query := fmt.Sprintf(`SELECT `+itemColumns+` FROM %s WHERE id = $1`, s.table)
	item, err := scanItem(s.pool.QueryRow(ctx, query, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return workqueue.WorkItem{}, workqueue.ErrNotFound
	}
	if err != nil {
		return workqueue.WorkItem{}, fmt.Errorf("select work item: %w", err)
	}
	return item, nil
}

// Claim selects and leases the next eligible item inside one transaction.
// SKIP LOCKED makes concurrent claimers pass over rows another transaction
// already holds, so each row goes to at most one caller.
func (s *WorkStore) Claim(ctx context.Context, kind workqueue.Kind) (workqueue.WorkItem, bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workqueue.WorkItem{}, false, fmt.Errorf("begin claim transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	sel := fmt.Sprintf(`
SELECT `+itemColumns+`
FROM %s
WHERE kind = $1 AND status = 'pending'
ORDER BY priority DESC, created_at ASC
LIMIT 1
FOR UPDATE SKIP LOCKED`, s.table)

	item, err := scanItem(tx.QueryRow(ctx, sel, kind))
	if errors.Is(err, pgx.ErrNoRows) {
		return workqueue.WorkItem{}, false, nil
	}
	if err != nil {
		return workqueue.WorkItem{}, false, fmt.Errorf("select claimable item: %w", err)
	}

	now := s.clock.Now()
	update := fmt.Sprintf(`
UPDATE %s SET status = 'in_progress', claimed_at = $2, updated_at = $2 WHERE id = $1`, s.table)
	if _, err := tx.Exec(ctx, update, item.ID, now); err != nil {
		return workqueue.WorkItem{}, false, fmt.Errorf("update claimed item: %w", err)
	}
	if err := tx.Commit(ctx); err != nil {
		return workqueue.WorkItem{}, false, fmt.Errorf("commit claim transaction: %w", err)
	}

	item.Status = workqueue.StatusInProgress
	item.ClaimedAt = &now
	item.UpdatedAt = now
	return item, true, nil
}

// MarkInProgress moves a pending item to in_progress, guarded by the current
// status so it cannot race a concurrent reclaim.
func (s *WorkStore) MarkInProgress(ctx context.Context, id string) (workqueue.WorkItem, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET status = 'in_progress', claimed_at = $2, updated_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING `+itemColumns, s.table)
	item, err := scanItem(s.pool.QueryRow(ctx, query, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return workqueue.WorkItem{}, s.explainMiss(ctx, id)
	}
	if err != nil {
		return workqueue.WorkItem{}, fmt.Errorf("mark item in progress: %w", err)
	}
	return item, nil
}

// Complete moves an in_progress item to its terminal success status and
// stores the result. Double completion is rejected via the status guard. For
// a crawl item the follow-on evaluation insert shares the transaction, so a
// committed completion is never missing its evaluation item.
func (s *WorkStore) Complete(ctx context.Context, id string, result workqueue.Result) (workqueue.WorkItem, error) {
	resultJSON, err := json.Marshal(result)
	if err != nil {
		return workqueue.WorkItem{}, fmt.Errorf("marshal result: %w", err)
	}
	var language *string
	if result.Language != "" {
		language = &result.Language
	}
	now := s.clock.Now()

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return workqueue.WorkItem{}, fmt.Errorf("begin complete transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck // rollback after commit is a no-op

	query := fmt.Sprintf(`
UPDATE %s SET
	status = CASE kind WHEN 'evaluation' THEN 'evaluated' ELSE 'completed' END,
	result = $2,
	score = $3,
	language = $4,
	claimed_at = NULL,
	last_error = NULL,
	updated_at = $5
WHERE id = $1 AND status = 'in_progress'
RETURNING `+itemColumns, s.table)
	item, err := scanItem(tx.QueryRow(ctx, query, id, resultJSON, result.Score, language, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return workqueue.WorkItem{}, s.explainMiss(ctx, id)
	}
	if err != nil {
		return workqueue.WorkItem{}, fmt.Errorf("complete work item: %w", err)
	}

	if item.Kind == workqueue.KindCrawl {
		evalID, err := s.idGen.NewID()
		if err != nil {
			return workqueue.WorkItem{}, fmt.Errorf("generate item id: %w", err)
		}
		insert := fmt.Sprintf(`
INSERT INTO %s (id, kind, key, status, priority, attempts, payload, created_at, updated_at)
VALUES ($1, 'evaluation', $2, 'pending', 0, 0, $3, $4, $4)
ON CONFLICT (kind, key) DO NOTHING`, s.table)
		if _, err := tx.Exec(ctx, insert, evalID, item.ID, result.Content, now); err != nil {
			return workqueue.WorkItem{}, fmt.Errorf("insert evaluation item: %w", err)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return workqueue.WorkItem{}, fmt.Errorf("commit complete transaction: %w", err)
	}
	return item, nil
}

// Fail records a failed attempt. The retry decision is folded into the same
// UPDATE so the attempt bound is enforced atomically with the increment.
func (s *WorkStore) Fail(ctx context.Context, id string, errText string, maxAttempts int) (workqueue.WorkItem, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET
	attempts = attempts + 1,
	last_error = $2,
	claimed_at = NULL,
	status = CASE WHEN attempts + 1 >= $3 THEN 'failed' ELSE 'pending' END,
	updated_at = $4
WHERE id = $1 AND status = 'in_progress'
RETURNING `+itemColumns, s.table)
	item, err := scanItem(s.pool.QueryRow(ctx, query, id, errText, maxAttempts, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return workqueue.WorkItem{}, s.explainMiss(ctx, id)
	}
	if err != nil {
		return workqueue.WorkItem{}, fmt.Errorf("fail work item: %w", err)
	}
	return item, nil
}

// Skip moves a pending item to skipped.
func (s *WorkStore) Skip(ctx context.Context, id string) (workqueue.WorkItem, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET status = 'skipped', updated_at = $2
WHERE id = $1 AND status = 'pending'
RETURNING `+itemColumns, s.table)
	item, err := scanItem(s.pool.QueryRow(ctx, query, id, now))
	if errors.Is(err, pgx.ErrNoRows) {
		return workqueue.WorkItem{}, s.explainMiss(ctx, id)
	}
	if err != nil {
		return workqueue.WorkItem{}, fmt.Errorf("skip work item: %w", err)
	}
	return item, nil
}

// ReclaimStale returns every in_progress item claimed before cutoff to
// pending. The status predicate is re-checked inside the UPDATE, so a sweep
// racing a legitimate completion never resurrects finished work.
func (s *WorkStore) ReclaimStale(ctx context.Context, cutoff time.Time) (int, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET status = 'pending', attempts = attempts + 1, claimed_at = NULL, updated_at = $2
WHERE status = 'in_progress' AND claimed_at < $1`, s.table)
	tag, err := s.pool.Exec(ctx, query, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("reclaim stale items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// RequeueFailed re-admits failed items below the attempt bound, clearing
// last_error but never attempts.
func (s *WorkStore) RequeueFailed(ctx context.Context, kind workqueue.Kind, maxAttempts int) (int, error) {
	now := s.clock.Now()
	query := fmt.Sprintf(`
UPDATE %s SET status = 'pending', last_error = NULL, updated_at = $3
WHERE kind = $1 AND status = 'failed' AND attempts < $2`, s.table)
	tag, err := s.pool.Exec(ctx, query, kind, maxAttempts, now)
	if err != nil {
		return 0, fmt.Errorf("requeue failed items: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CountByStatus reports item counts per status for a kind.
func (s *WorkStore) CountByStatus(ctx context.Context, kind workqueue.Kind) (workqueue.StatusCounts, error) {
	query := fmt.Sprintf(`SELECT status, COUNT(*) FROM %s WHERE kind = $1 GROUP BY status`, s.table)
	rows, err := s.pool.Query(ctx, query, kind)
	if err != nil {
		return nil, fmt.Errorf("count items by status: %w", err)
	}
	defer rows.Close()
	counts := workqueue.StatusCounts{}
	for rows.Next() {
		var status workqueue.Status
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}
	return counts, nil
}

// EvaluationStats reports status counts, score buckets, and the top detected
// languages across evaluation items.
func (s *WorkStore) EvaluationStats(ctx context.Context) (workqueue.EvaluationStats, error) {
	stats := workqueue.EvaluationStats{
		ScoreDistribution: make(map[string]int, len(workqueue.ScoreBuckets)),
		Languages:         map[string]int{},
	}
	for _, bucket := range workqueue.ScoreBuckets {
		stats.ScoreDistribution[bucket] = 0
	}

	byStatus, err := s.CountByStatus(ctx, workqueue.KindEvaluation)
	if err != nil {
		return workqueue.EvaluationStats{}, err
	}
	stats.ByStatus = byStatus

	scoreQuery := fmt.Sprintf(`
SELECT CASE
	WHEN score < 20 THEN '0-20'
	WHEN score < 40 THEN '20-40'
	WHEN score < 60 THEN '40-60'
	WHEN score < 80 THEN '60-80'
	ELSE '80-100'
END AS bucket, COUNT(*)
FROM %s
WHERE kind = 'evaluation' AND score IS NOT NULL
GROUP BY bucket`, s.table)
	rows, err := s.pool.Query(ctx, scoreQuery)
	if err != nil {
		return workqueue.EvaluationStats{}, fmt.Errorf("count score buckets: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var bucket string
		var count int
		if err := rows.Scan(&bucket, &count); err != nil {
			return workqueue.EvaluationStats{}, fmt.Errorf("scan score bucket: %w", err)
		}
		stats.ScoreDistribution[bucket] = count
	}
	if err := rows.Err(); err != nil {
		return workqueue.EvaluationStats{}, fmt.Errorf("iterate score buckets: %w", err)
	}

	langQuery := fmt.Sprintf(`
SELECT language, COUNT(*)
FROM %s
WHERE kind = 'evaluation' AND language IS NOT NULL
GROUP BY language
ORDER BY COUNT(*) DESC
LIMIT 10`, s.table)
	langRows, err := s.pool.Query(ctx, langQuery)
	if err != nil {
		return workqueue.EvaluationStats{}, fmt.Errorf("count languages: %w", err)
	}
	defer langRows.Close()
	for langRows.Next() {
		var language string
		var count int
		if err := langRows.Scan(&language, &count); err != nil {
			return workqueue.EvaluationStats{}, fmt.Errorf("scan language count: %w", err)
		}
		stats.Languages[language] = count
	}
	if err := langRows.Err(); err != nil {
		return workqueue.EvaluationStats{}, fmt.Errorf("iterate language counts: %w", err)
	}
	return stats, nil
}

// Ping verifies the pool is reachable.
func (s *WorkStore) Ping(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

// Close releases the underlying pool resources.
func (s *WorkStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// explainMiss disambiguates a guarded UPDATE that matched no rows: the item
// either does not exist or is not in the required status.
func (s *WorkStore) explainMiss(ctx context.Context, id string) error {
	if _, err := s.Get(ctx, id); err != nil {
		return err
	}
	return workqueue.ErrInvalidState
}

func scanItem(row pgx.Row) (workqueue.WorkItem, error) {
	var (
		item       workqueue.WorkItem
		claimedAt  *time.Time
		lastError  *string
		resultJSON []byte
	)
	err := row.Scan(
		&item.ID,
		&item.Kind,
		&item.Key,
		&item.Status,
		&item.Priority,
		&item.Attempts,
		&claimedAt,
		&lastError,
		&item.Payload,
		&resultJSON,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	if err != nil {
		return workqueue.WorkItem{}, err
	}
	item.ClaimedAt = claimedAt
	if lastError != nil {
		item.LastError = *lastError
	}
	if len(resultJSON) > 0 {
		var result workqueue.Result
		if err := json.Unmarshal(resultJSON, &result); err != nil {
			return workqueue.WorkItem{}, fmt.Errorf("unmarshal result: %w", err)
		}
		item.Result = &result
	}
	return item, nil
}
