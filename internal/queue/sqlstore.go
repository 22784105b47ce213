package queue

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	// Supported database drivers
	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
)

// SQLStore implements Store on database/sql. It supports sqlite3 (the
// embedded default), postgres, and mysql. The claim step is a conditional
// UPDATE checked by rows-affected, so a job can only move from pending to
// processing once no matter how many workers race for it.
type SQLStore struct {
	db     *sql.DB
	driver string
	logger *slog.Logger
}

var _ Store = (*SQLStore)(nil)

// OpenSQLStore opens a connection for the given driver ("sqlite3",
// "postgres", or "mysql") and ensures the schema exists.
func OpenSQLStore(driver, dsn string) (*SQLStore, error) {
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s store: %w", driver, err)
	}

	s := &SQLStore{
		db:     db,
		driver: driver,
		logger: slog.Default().With("component", "sql-store", "driver", driver),
	}

	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// NewSQLStore wraps an existing database handle. The caller owns the
// handle's lifecycle; Close is still safe to call.
func NewSQLStore(db *sql.DB, driver string) (*SQLStore, error) {
	s := &SQLStore{
		db:     db,
		driver: driver,
		logger: slog.Default().With("component", "sql-store", "driver", driver),
	}
	if err := s.initSchema(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLStore) initSchema() error {
	schema := `
		CREATE TABLE IF NOT EXISTS queue_jobs (
			id VARCHAR(64) PRIMARY KEY,
			campaign_id VARCHAR(128) NOT NULL DEFAULT '',
			contact_id VARCHAR(128) NOT NULL,
			account_id VARCHAR(128) NOT NULL,
			template_id VARCHAR(128) NOT NULL,
			template_params TEXT NOT NULL,
			priority INTEGER NOT NULL,
			status VARCHAR(16) NOT NULL,
			attempt_count INTEGER NOT NULL DEFAULT 0,
			last_error TEXT NOT NULL,
			created_at TIMESTAMP NOT NULL,
			updated_at TIMESTAMP NOT NULL,
			next_attempt_at TIMESTAMP NULL,
			attempts TEXT NOT NULL
		)`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("failed to create queue_jobs table: %w", err)
	}

	indexes := []string{
		`CREATE INDEX IF NOT EXISTS idx_queue_jobs_claim ON queue_jobs (status, priority, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_queue_jobs_campaign ON queue_jobs (campaign_id, status)`,
	}
	for _, idx := range indexes {
		if _, err := s.db.Exec(idx); err != nil {
			// MySQL has no IF NOT EXISTS for indexes; a duplicate is fine
			s.logger.Debug("index creation skipped", "error", err)
		}
	}
	return nil
}

// rebind converts ? placeholders to the $n form postgres expects.
func (s *SQLStore) rebind(query string) string {
	if s.driver != "postgres" {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// Enqueue inserts a pending job and returns its ID.
func (s *SQLStore) Enqueue(ctx context.Context, job *Job) (string, error) {
	id, err := s.insert(ctx, s.db, job)
	if err != nil {
		return "", err
	}
	return id, nil
}

// EnqueueBatch inserts all jobs in a single transaction.
func (s *SQLStore) EnqueueBatch(ctx context.Context, jobs []*Job) (int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, fmt.Errorf("failed to begin batch insert: %w", err)
	}
	defer tx.Rollback()

	inserted := 0
	for _, job := range jobs {
		if _, err := s.insert(ctx, tx, job); err != nil {
			return 0, err
		}
		inserted++
	}

	if err := tx.Commit(); err != nil {
		return 0, fmt.Errorf("failed to commit batch insert: %w", err)
	}
	return inserted, nil
}

// execer covers both *sql.DB and *sql.Tx.
type execer interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
}

func (s *SQLStore) insert(ctx context.Context, ex execer, job *Job) (string, error) {
	id := job.ID
	if id == "" {
		id = uuid.NewString()
	}

	now := time.Now().UTC()
	createdAt := job.CreatedAt
	if createdAt.IsZero() {
		createdAt = now
	}
	priority := job.Priority
	if priority == 0 {
		priority = PriorityNormal
	}

	params, err := json.Marshal(job.TemplateParams)
	if err != nil {
		return "", fmt.Errorf("failed to marshal template params: %w", err)
	}

	query := s.rebind(`
		INSERT INTO queue_jobs
		(id, campaign_id, contact_id, account_id, template_id, template_params,
		 priority, status, attempt_count, last_error, created_at, updated_at,
		 next_attempt_at, attempts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, '', ?, ?, NULL, '[]')`)

	_, err = ex.ExecContext(ctx, query,
		id, job.CampaignID, job.ContactID, job.AccountID, job.TemplateID,
		string(params), int(priority), string(StatusPending), createdAt, now)
	if err != nil {
		return "", fmt.Errorf("failed to insert job: %w", err)
	}
	return id, nil
}

const jobColumns = `id, campaign_id, contact_id, account_id, template_id,
	template_params, priority, status, attempt_count, last_error,
	created_at, updated_at, next_attempt_at, attempts`

func (s *SQLStore) scanJob(row interface {
	Scan(dest ...interface{}) error
}) (*Job, error) {
	var (
		job           Job
		params        string
		attempts      string
		priority      int
		status        string
		nextAttemptAt sql.NullTime
	)
	err := row.Scan(&job.ID, &job.CampaignID, &job.ContactID, &job.AccountID,
		&job.TemplateID, &params, &priority, &status, &job.AttemptCount,
		&job.LastError, &job.CreatedAt, &job.UpdatedAt, &nextAttemptAt, &attempts)
	if err != nil {
		return nil, err
	}

	job.Priority = Priority(priority)
	job.Status = Status(status)
	if nextAttemptAt.Valid {
		job.NextAttemptAt = nextAttemptAt.Time
	}
	if params != "" && params != "null" {
		if err := json.Unmarshal([]byte(params), &job.TemplateParams); err != nil {
			return nil, fmt.Errorf("failed to unmarshal template params for %s: %w", job.ID, err)
		}
	}
	if attempts != "" && attempts != "null" {
		if err := json.Unmarshal([]byte(attempts), &job.Attempts); err != nil {
			return nil, fmt.Errorf("failed to unmarshal attempts for %s: %w", job.ID, err)
		}
	}
	return &job, nil
}

// Get retrieves a job by ID.
func (s *SQLStore) Get(ctx context.Context, id string) (*Job, error) {
	query := s.rebind(`SELECT ` + jobColumns + ` FROM queue_jobs WHERE id = ?`)
	job, err := s.scanJob(s.db.QueryRowContext(ctx, query, id))
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// ClaimBatch claims up to limit eligible jobs. Candidates are selected
// first, then each one is claimed with a conditional update; a candidate
// another worker won between the two steps is simply skipped.
func (s *SQLStore) ClaimBatch(ctx context.Context, limit int, now time.Time) ([]*Job, error) {
	if limit <= 0 {
		return nil, nil
	}

	selectQuery := s.rebind(`
		SELECT id FROM queue_jobs
		WHERE status = ? AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
		ORDER BY priority DESC, created_at ASC
		LIMIT ` + strconv.Itoa(limit))

	rows, err := s.db.QueryContext(ctx, selectQuery, string(StatusPending), now.UTC())
	if err != nil {
		return nil, fmt.Errorf("failed to select claim candidates: %w", err)
	}

	var candidates []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan candidate: %w", err)
		}
		candidates = append(candidates, id)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("failed to read candidates: %w", err)
	}
	rows.Close()

	claimQuery := s.rebind(`
		UPDATE queue_jobs SET status = ?, updated_at = ?
		WHERE id = ? AND status = ?`)

	var claimed []*Job
	for _, id := range candidates {
		res, err := s.db.ExecContext(ctx, claimQuery,
			string(StatusProcessing), now.UTC(), id, string(StatusPending))
		if err != nil {
			return claimed, fmt.Errorf("failed to claim job %s: %w", id, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return claimed, fmt.Errorf("failed to check claim of %s: %w", id, err)
		}
		if affected != 1 {
			// Lost the race to another worker
			continue
		}

		job, err := s.Get(ctx, id)
		if err != nil {
			return claimed, err
		}
		claimed = append(claimed, job)
	}
	return claimed, nil
}

// MarkResult transitions a processing job per the outcome.
func (s *SQLStore) MarkResult(ctx context.Context, id string, out Outcome) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}

	attempts := job.Attempts
	if out.Attempt != nil {
		attempts = append(attempts, *out.Attempt)
	}
	attemptsJSON, err := json.Marshal(attempts)
	if err != nil {
		return fmt.Errorf("failed to marshal attempts: %w", err)
	}

	var nextAttemptAt interface{}
	if !out.NextAttemptAt.IsZero() {
		nextAttemptAt = out.NextAttemptAt.UTC()
	}

	query := s.rebind(`
		UPDATE queue_jobs
		SET status = ?, last_error = ?, attempt_count = ?, next_attempt_at = ?,
		    attempts = ?, updated_at = ?
		WHERE id = ?`)

	res, err := s.db.ExecContext(ctx, query,
		string(out.Status), out.LastError, out.AttemptCount, nextAttemptAt,
		string(attemptsJSON), time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("failed to mark result for %s: %w", id, err)
	}
	if affected, err := res.RowsAffected(); err == nil && affected == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

// CountByStatus returns job counts keyed by status.
func (s *SQLStore) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM queue_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("failed to count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("failed to scan status count: %w", err)
		}
		counts[Status(status)] = count
	}
	return counts, rows.Err()
}

// CampaignCounts returns aggregate progress for one campaign.
func (s *SQLStore) CampaignCounts(ctx context.Context, campaignID string) (CampaignCounts, error) {
	query := s.rebind(`
		SELECT status, COUNT(*) FROM queue_jobs
		WHERE campaign_id = ? GROUP BY status`)

	rows, err := s.db.QueryContext(ctx, query, campaignID)
	if err != nil {
		return CampaignCounts{}, fmt.Errorf("failed to count campaign jobs: %w", err)
	}
	defer rows.Close()

	counts := CampaignCounts{CampaignID: campaignID}
	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return CampaignCounts{}, fmt.Errorf("failed to scan campaign count: %w", err)
		}
		counts.Total += count
		switch Status(status) {
		case StatusSent:
			counts.Sent += count
		case StatusFailed:
			counts.Failed += count
		}
	}
	if err := rows.Err(); err != nil {
		return CampaignCounts{}, err
	}
	counts.Percentage = percentage(counts.Sent+counts.Failed, counts.Total)
	return counts, nil
}

// DeleteOlderThan deletes jobs in the given statuses updated before cutoff.
func (s *SQLStore) DeleteOlderThan(ctx context.Context, cutoff time.Time, statuses []Status) (int, error) {
	if len(statuses) == 0 {
		return 0, nil
	}

	placeholders := make([]string, len(statuses))
	args := []interface{}{cutoff.UTC()}
	for i, status := range statuses {
		placeholders[i] = "?"
		args = append(args, string(status))
	}

	query := s.rebind(`
		DELETE FROM queue_jobs
		WHERE updated_at < ? AND status IN (` + strings.Join(placeholders, ", ") + `)`)

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("failed to delete old jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// BulkTransition moves all matching jobs to newStatus.
func (s *SQLStore) BulkTransition(ctx context.Context, filter Filter, newStatus Status) (int, error) {
	var (
		set   string
		conds []string
		args  []interface{}
	)

	if newStatus == StatusPending {
		set = `status = ?, attempt_count = 0, next_attempt_at = NULL, last_error = '', updated_at = ?`
	} else {
		set = `status = ?, updated_at = ?`
	}
	args = append(args, string(newStatus), time.Now().UTC())

	if filter.CampaignID != "" {
		conds = append(conds, "campaign_id = ?")
		args = append(args, filter.CampaignID)
	}
	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, status := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(status))
		}
		conds = append(conds, "status IN ("+strings.Join(placeholders, ", ")+")")
	}

	query := `UPDATE queue_jobs SET ` + set
	if len(conds) > 0 {
		query += ` WHERE ` + strings.Join(conds, " AND ")
	}

	res, err := s.db.ExecContext(ctx, s.rebind(query), args...)
	if err != nil {
		return 0, fmt.Errorf("failed to bulk transition: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// RequeueStale returns stuck processing jobs to pending.
func (s *SQLStore) RequeueStale(ctx context.Context, cutoff time.Time) (int, error) {
	query := s.rebind(`
		UPDATE queue_jobs
		SET status = ?, next_attempt_at = NULL, updated_at = ?
		WHERE status = ? AND updated_at < ?`)

	res, err := s.db.ExecContext(ctx, query,
		string(StatusPending), time.Now().UTC(), string(StatusProcessing), cutoff.UTC())
	if err != nil {
		return 0, fmt.Errorf("failed to requeue stale jobs: %w", err)
	}
	affected, err := res.RowsAffected()
	return int(affected), err
}

// Close closes the underlying database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}
