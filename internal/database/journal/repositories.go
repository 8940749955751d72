package journal

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
)

// ShareRepository handles bridge_shares operations
type ShareRepository struct {
	db *sqlx.DB
}

// NewShareRepository creates a new share repository
func NewShareRepository(db *sqlx.DB) *ShareRepository {
	return &ShareRepository{db: db}
}

// CreateShare inserts a pending share and sets share.ID.
func (r *ShareRepository) CreateShare(ctx context.Context, share *Share) error {
	if share.Status == "" {
		share.Status = StatusPending
	}
	query := r.db.Rebind(`
		INSERT INTO bridge_shares (submit_id, session, job_id, worker, extra_nonce2, ntime, nonce,
		                           hash, difficulty, placeholder, status, reason, submitted_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := r.db.QueryRowxContext(ctx, query,
		share.SubmitID, share.Session, share.JobID, share.Worker, share.ExtraNonce2,
		share.Ntime, share.Nonce, share.Hash, share.Difficulty, share.Placeholder,
		share.Status, share.Reason, share.SubmittedAt,
	).Scan(&share.ID)
	if err != nil {
		return fmt.Errorf("failed to create share: %w", err)
	}
	return nil
}

// RecordResult stores the pool's verdict on the most recent share sent
// with submitID. It reports whether a row was updated.
func (r *ShareRepository) RecordResult(ctx context.Context, submitID int64, accepted bool, reason string, at time.Time) (bool, error) {
	status := StatusRejected
	if accepted {
		status = StatusAccepted
	}
	query := r.db.Rebind(`
		UPDATE bridge_shares SET status = ?, reason = ?, answered_at = ?
		WHERE id = (SELECT MAX(id) FROM bridge_shares WHERE submit_id = ?)`)

	res, err := r.db.ExecContext(ctx, query, status, reason, at, submitID)
	if err != nil {
		return false, fmt.Errorf("failed to record share result: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to read affected rows: %w", err)
	}
	return n > 0, nil
}

// RecentShares returns up to limit shares, newest first.
func (r *ShareRepository) RecentShares(ctx context.Context, limit int) ([]Share, error) {
	query := r.db.Rebind(`
		SELECT id, submit_id, session, job_id, worker, extra_nonce2, ntime, nonce, hash,
		       difficulty, placeholder, status, reason, submitted_at, answered_at
		FROM bridge_shares
		ORDER BY id DESC
		LIMIT ?`)

	var shares []Share
	if err := r.db.SelectContext(ctx, &shares, query, limit); err != nil {
		return nil, fmt.Errorf("failed to query shares: %w", err)
	}
	return shares, nil
}

// CountByStatus tallies the journal by verdict.
func (r *ShareRepository) CountByStatus(ctx context.Context) (map[string]int64, error) {
	var rows []struct {
		Status string `db:"status"`
		N      int64  `db:"n"`
	}
	err := r.db.SelectContext(ctx, &rows,
		`SELECT status, COUNT(*) AS n FROM bridge_shares GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count shares: %w", err)
	}

	counts := make(map[string]int64, len(rows))
	for _, row := range rows {
		counts[row.Status] = row.N
	}
	return counts, nil
}
