// internal/database/database.go
package database

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	apperrors "commitboard/internal/errors"
	"commitboard/internal/model"
)

// DBTX is the subset of pgx connection behavior Queries needs. Both
// *pgxpool.Pool and pgx.Tx satisfy it.
type DBTX interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults
}

// Querier is the storage interface the rest of the application consumes.
// It covers the commit store plus the read-only subscription lookup owned by
// the registration collaborator.
type Querier interface {
	InsertCommits(ctx context.Context, params []InsertCommitParams) (int64, error)
	ListCommits(ctx context.Context) ([]model.CommitRecord, error)
	ListCommitsBySubject(ctx context.Context, subjectID string) ([]model.CommitRecord, error)
	GetSubscriptionByRepo(ctx context.Context, repoFullName string) (model.Subscription, error)
}

// Queries implements Querier against Postgres.
type Queries struct {
	db      DBTX
	timeout time.Duration
}

// New creates a Queries bound to db. Every call runs under timeout; a call
// that exceeds it fails with ErrStorageUnavailable.
func New(db DBTX, timeout time.Duration) *Queries {
	return &Queries{db: db, timeout: timeout}
}

// InsertCommitParams carries one commit row for InsertCommits.
type InsertCommitParams struct {
	SubjectID        string
	RepoFullName     string
	SHA              string
	Message          string
	AuthorName       string
	AuthorEmail      string
	OccurredAt       time.Time
	OccurredAtApprox bool
}

const insertCommit = `
INSERT INTO commits (subject_id, repo_full_name, sha, message, author_name, author_email, occurred_at, occurred_at_approx)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
ON CONFLICT (repo_full_name, sha) DO NOTHING
`

// InsertCommits persists the batch, silently skipping rows that collide with
// the (repo_full_name, sha) unique key, and returns how many rows were newly
// inserted. The constraint makes the call safe under concurrent deliveries of
// overlapping batches for the same repository: a shared sha lands exactly
// once no matter the interleaving.
func (q *Queries) InsertCommits(ctx context.Context, params []InsertCommitParams) (int64, error) {
	if len(params) == 0 {
		return 0, nil
	}

	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	batch := &pgx.Batch{}
	for _, p := range params {
		batch.Queue(insertCommit,
			p.SubjectID, p.RepoFullName, p.SHA, p.Message,
			p.AuthorName, p.AuthorEmail, p.OccurredAt, p.OccurredAtApprox)
	}

	br := q.db.SendBatch(ctx, batch)
	defer br.Close()

	var inserted int64
	for range params {
		tag, err := br.Exec()
		if err != nil {
			return inserted, storageErr(err)
		}
		inserted += tag.RowsAffected()
	}
	return inserted, nil
}

const listCommits = `
SELECT subject_id, repo_full_name, sha, message, author_name, author_email, occurred_at, occurred_at_approx, created_at
FROM commits
ORDER BY id
`

// ListCommits returns every commit record in insertion order.
func (q *Queries) ListCommits(ctx context.Context) ([]model.CommitRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	rows, err := q.db.Query(ctx, listCommits)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	return scanCommits(rows)
}

const listCommitsBySubject = `
SELECT subject_id, repo_full_name, sha, message, author_name, author_email, occurred_at, occurred_at_approx, created_at
FROM commits
WHERE subject_id = $1
ORDER BY occurred_at DESC, id DESC
`

// ListCommitsBySubject returns one subject's commit log, most recent first.
func (q *Queries) ListCommitsBySubject(ctx context.Context, subjectID string) ([]model.CommitRecord, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	rows, err := q.db.Query(ctx, listCommitsBySubject, subjectID)
	if err != nil {
		return nil, storageErr(err)
	}
	defer rows.Close()
	return scanCommits(rows)
}

const getSubscriptionByRepo = `
SELECT id, subject_id, repo_full_name, shared_secret, created_at
FROM subscriptions
WHERE repo_full_name = $1
`

// GetSubscriptionByRepo looks up the subscription registered for a repository
// identifier. Returns ErrUnknownRepository when none exists.
func (q *Queries) GetSubscriptionByRepo(ctx context.Context, repoFullName string) (model.Subscription, error) {
	ctx, cancel := context.WithTimeout(ctx, q.timeout)
	defer cancel()

	var sub model.Subscription
	err := q.db.QueryRow(ctx, getSubscriptionByRepo, repoFullName).
		Scan(&sub.ID, &sub.SubjectID, &sub.RepoFullName, &sub.SharedSecret, &sub.DBCreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.Subscription{}, fmt.Errorf("%w: %s", apperrors.ErrUnknownRepository, repoFullName)
	}
	if err != nil {
		return model.Subscription{}, storageErr(err)
	}
	return sub, nil
}

func scanCommits(rows pgx.Rows) ([]model.CommitRecord, error) {
	var commits []model.CommitRecord
	for rows.Next() {
		var c model.CommitRecord
		if err := rows.Scan(&c.SubjectID, &c.RepoFullName, &c.SHA, &c.Message,
			&c.AuthorName, &c.AuthorEmail, &c.OccurredAt, &c.OccurredAtApprox, &c.DBCreatedAt); err != nil {
			return nil, storageErr(err)
		}
		commits = append(commits, c)
	}
	if err := rows.Err(); err != nil {
		return nil, storageErr(err)
	}
	return commits, nil
}

// storageErr classifies a driver failure as transient storage unavailability.
// The schema is static and inserts are conflict-ignoring, so anything the
// driver reports here (deadline, broken connection, pool exhaustion) is worth
// retrying rather than a programming error.
func storageErr(err error) error {
	return fmt.Errorf("%w: %v", apperrors.ErrStorageUnavailable, err)
}
