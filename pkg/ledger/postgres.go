package ledger

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	errs "followsync/pkg/errors"
	"followsync/pkg/logger"
	"followsync/pkg/models"
)

const schemaSQL = `
CREATE TABLE IF NOT EXISTS follow_edges (
  follower TEXT NOT NULL,
  followed TEXT NOT NULL,
  first_observed_at TIMESTAMPTZ NOT NULL,
  run_id TEXT NOT NULL DEFAULT '',
  PRIMARY KEY (follower, followed)
);
CREATE INDEX IF NOT EXISTS idx_follow_edges_followed ON follow_edges(followed);
`

const insertSQL = `
INSERT INTO follow_edges (follower, followed, first_observed_at, run_id)
VALUES ($1, $2, $3, $4)
ON CONFLICT (follower, followed) DO NOTHING`

const firstObservedSQL = `
SELECT first_observed_at FROM follow_edges WHERE follower = $1 AND followed = $2`

// PGLedger stores edges in Postgres
type PGLedger struct {
	pool   *pgxpool.Pool
	runID  string
	logger logger.Logger
}

var _ Ledger = (*PGLedger)(nil)

// Open connects to dsn and creates the follow_edges table if needed
func Open(ctx context.Context, dsn, runID string, log logger.Logger) (*PGLedger, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, errs.Wrap(errs.ErrorTypeConfig, "ledger.Open", err)
	}
	if _, err := pool.Exec(ctx, schemaSQL); err != nil {
		pool.Close()
		return nil, errs.Wrap(errs.ErrorTypeTransientNetwork, "ledger.Open", fmt.Errorf("create schema: %w", err))
	}
	return &PGLedger{pool: pool, runID: runID, logger: logger.OrNop(log).WithField("component", "ledger")}, nil
}

// Record inserts edges in one batch; existing edges are left untouched
func (l *PGLedger) Record(ctx context.Context, edges []models.FollowEdge) (int, error) {
	if len(edges) == 0 {
		return 0, nil
	}

	b := &pgx.Batch{}
	for _, e := range edges {
		b.Queue(insertSQL, models.Normalize(e.Follower), models.Normalize(e.Followed), e.FirstObservedAt.UTC(), l.runID)
	}
	br := l.pool.SendBatch(ctx, b)
	defer br.Close()

	added := 0
	for range edges {
		tag, err := br.Exec()
		if err != nil {
			return added, errs.Wrap(errs.ErrorTypeTransientNetwork, "ledger.Record", err)
		}
		added += int(tag.RowsAffected())
	}

	l.logger.DebugWithFields("edges recorded", map[string]interface{}{
		"submitted": len(edges),
		"new":       added,
	})
	return added, nil
}

func (l *PGLedger) FirstObserved(ctx context.Context, follower, followed string) (time.Time, bool, error) {
	var t time.Time
	err := l.pool.QueryRow(ctx, firstObservedSQL, models.Normalize(follower), models.Normalize(followed)).Scan(&t)
	if errors.Is(err, pgx.ErrNoRows) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, errs.Wrap(errs.ErrorTypeTransientNetwork, "ledger.FirstObserved", err)
	}
	return t, true, nil
}

func (l *PGLedger) Close() error {
	l.pool.Close()
	return nil
}

// OpenFromDSN returns a PGLedger for a non-empty dsn and a NopLedger
// otherwise
func OpenFromDSN(ctx context.Context, dsn, runID string, log logger.Logger) (Ledger, error) {
	if dsn == "" {
		return NopLedger{}, nil
	}
	l, err := Open(ctx, dsn, runID, log)
	if err != nil {
		return nil, err
	}
	return l, nil
}
