package db

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"PaceMail/internal/models"
)

var (
	ErrNotFound       = errors.New("email job not found")
	ErrStatusConflict = errors.New("email job status changed concurrently")
)

//go:embed schema.sql
var schema string

type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type Store struct {
	db   dbtx
	pool *pgxpool.Pool
}

func New(ctx context.Context, conn string) (*Store, error) {
	pool, err := pgxpool.New(ctx, conn)
	if err != nil {
		return nil, err
	}

	return &Store{db: pool, pool: pool}, nil
}

// NewWithConn wraps an existing connection or pool.
func NewWithConn(conn dbtx) *Store {
	return &Store{db: conn}
}

func (s *Store) Ping(ctx context.Context) error {
	if s.pool == nil {
		return nil
	}
	return s.pool.Ping(ctx)
}

func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.db.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

// InsertEmail creates the record for a scheduled job. It reports false when
// a record with the same id already exists, leaving that record untouched.
func (s *Store) InsertEmail(ctx context.Context, job *models.EmailJob) (bool, error) {
	err := s.db.QueryRow(ctx,
		`INSERT INTO email_jobs
		 (id, batch_id, sender_email, recipient_email, subject, body,
		  requested_at, scheduled_for, ordinal, min_delay_ms, hourly_limit,
		  status, created_at, updated_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,NOW(),NOW())
		 ON CONFLICT (id) DO NOTHING
		 RETURNING created_at, updated_at`,
		job.ID,
		job.BatchID,
		job.Sender,
		job.Recipient,
		job.Subject,
		job.Body,
		job.RequestedAt,
		job.ScheduledFor,
		job.Ordinal,
		job.MinDelay.Milliseconds(),
		job.HourlyLimit,
		string(models.StatusScheduled),
	).Scan(&job.CreatedAt, &job.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("insert email %s: %w", job.ID, err)
	}

	job.Status = models.StatusScheduled
	return true, nil
}

// Transition moves a job to upd.Status if it is currently in one of from.
func (s *Store) Transition(
	ctx context.Context,
	id uuid.UUID,
	from []models.EmailStatus,
	upd models.StatusUpdate,
) error {

	allowed := make([]string, len(from))
	for i, st := range from {
		allowed[i] = string(st)
	}

	tag, err := s.db.Exec(ctx,
		`UPDATE email_jobs
		 SET status=$2,
		     sent_at=COALESCE($3, sent_at),
		     message_id=COALESCE(NULLIF($4, ''), message_id),
		     error_msg=COALESCE(NULLIF($5, ''), error_msg),
		     scheduled_for=COALESCE($6, scheduled_for),
		     updated_at=NOW()
		 WHERE id=$1 AND status = ANY($7)`,
		id,
		string(upd.Status),
		upd.SentAt,
		upd.MessageID,
		upd.ErrorMsg,
		upd.ScheduledFor,
		allowed,
	)
	if err != nil {
		return fmt.Errorf("update email %s to %s: %w", id, upd.Status, err)
	}
	if tag.RowsAffected() > 0 {
		return nil
	}

	current, err := s.Status(ctx, id)
	if err != nil {
		return err
	}
	return fmt.Errorf("%w: %s is %s, cannot move to %s", ErrStatusConflict, id, current, upd.Status)
}

func (s *Store) Status(ctx context.Context, id uuid.UUID) (models.EmailStatus, error) {
	var status string
	err := s.db.QueryRow(ctx, `SELECT status FROM email_jobs WHERE id=$1`, id).Scan(&status)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get email status %s: %w", id, err)
	}
	return models.EmailStatus(status), nil
}

const jobColumns = `id, batch_id, sender_email, recipient_email, subject, body,
	requested_at, scheduled_for, ordinal, min_delay_ms, hourly_limit,
	status, sent_at, message_id, error_msg, created_at, updated_at`

func scanJob(row pgx.Row) (models.EmailJob, error) {
	var (
		job        models.EmailJob
		minDelayMS int64
		status     string
		messageID  *string
		errorMsg   *string
	)

	err := row.Scan(
		&job.ID,
		&job.BatchID,
		&job.Sender,
		&job.Recipient,
		&job.Subject,
		&job.Body,
		&job.RequestedAt,
		&job.ScheduledFor,
		&job.Ordinal,
		&minDelayMS,
		&job.HourlyLimit,
		&status,
		&job.SentAt,
		&messageID,
		&errorMsg,
		&job.CreatedAt,
		&job.UpdatedAt,
	)
	if err != nil {
		return models.EmailJob{}, err
	}

	job.MinDelay = time.Duration(minDelayMS) * time.Millisecond
	job.Status = models.EmailStatus(status)
	if messageID != nil {
		job.MessageID = *messageID
	}
	if errorMsg != nil {
		job.ErrorMsg = *errorMsg
	}
	return job, nil
}

func (s *Store) GetEmail(ctx context.Context, id uuid.UUID) (models.EmailJob, error) {
	job, err := scanJob(s.db.QueryRow(ctx,
		`SELECT `+jobColumns+` FROM email_jobs WHERE id=$1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return models.EmailJob{}, ErrNotFound
	}
	if err != nil {
		return models.EmailJob{}, fmt.Errorf("get email %s: %w", id, err)
	}
	return job, nil
}

// BatchJobIDs returns the job ids of a batch in ordinal order.
func (s *Store) BatchJobIDs(ctx context.Context, batch uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.Query(ctx,
		`SELECT id FROM email_jobs WHERE batch_id=$1 ORDER BY ordinal`, batch)
	if err != nil {
		return nil, fmt.Errorf("list batch %s: %w", batch, err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ListScheduled returns jobs still waiting for delivery, soonest first.
func (s *Store) ListScheduled(ctx context.Context, limit int) ([]models.EmailJob, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM email_jobs
		 WHERE status = ANY($1)
		 ORDER BY scheduled_for ASC
		 LIMIT $2`,
		[]models.EmailStatus{models.StatusScheduled, models.StatusProcessing, models.StatusRateLimited},
		limit,
	)
}

// ListSent returns finished jobs, most recent first.
func (s *Store) ListSent(ctx context.Context, limit int) ([]models.EmailJob, error) {
	return s.list(ctx,
		`SELECT `+jobColumns+` FROM email_jobs
		 WHERE status = ANY($1)
		 ORDER BY COALESCE(sent_at, updated_at) DESC
		 LIMIT $2`,
		[]models.EmailStatus{models.StatusSent, models.StatusFailed},
		limit,
	)
}

func (s *Store) list(ctx context.Context, query string, statuses []models.EmailStatus, limit int) ([]models.EmailJob, error) {
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}

	rows, err := s.db.Query(ctx, query, names, limit)
	if err != nil {
		return nil, fmt.Errorf("list emails: %w", err)
	}
	defer rows.Close()

	jobs := make([]models.EmailJob, 0)
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan email: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

func (s *Store) CountByStatus(ctx context.Context) (map[models.EmailStatus]int64, error) {
	rows, err := s.db.Query(ctx,
		`SELECT status, COUNT(*) FROM email_jobs GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count emails: %w", err)
	}
	defer rows.Close()

	counts := make(map[models.EmailStatus]int64, len(models.AllStatuses()))
	for _, st := range models.AllStatuses() {
		counts[st] = 0
	}
	for rows.Next() {
		var (
			status string
			n      int64
		)
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan count: %w", err)
		}
		counts[models.EmailStatus(status)] = n
	}
	return counts, rows.Err()
}

// UpsertRateLimit mirrors a rate counter value. Mirrors may arrive out of
// order, so the stored count never decreases.
func (s *Store) UpsertRateLimit(ctx context.Context, entry models.RateLimitEntry) error {
	_, err := s.db.Exec(ctx,
		`INSERT INTO rate_limits (sender_email, hour_window, email_count, updated_at)
		 VALUES ($1,$2,$3,NOW())
		 ON CONFLICT (sender_email, hour_window)
		 DO UPDATE SET email_count = GREATEST(rate_limits.email_count, EXCLUDED.email_count),
		               updated_at = NOW()`,
		entry.Sender,
		entry.HourWindow,
		entry.EmailCount,
	)
	if err != nil {
		return fmt.Errorf("upsert rate limit for %s: %w", entry.Sender, err)
	}
	return nil
}
