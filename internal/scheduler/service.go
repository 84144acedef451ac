// Package scheduler turns a batch request into persisted, queued email jobs.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"PaceMail/internal/metrics"
	"PaceMail/internal/models"
	"PaceMail/internal/schedule"
)

//go:generate mockgen -source=service.go -destination=../mocks/scheduler/mock.go -package=mocks

type recordStore interface {
	InsertEmail(ctx context.Context, job *models.EmailJob) (bool, error)
	GetEmail(ctx context.Context, id uuid.UUID) (models.EmailJob, error)
	BatchJobIDs(ctx context.Context, batch uuid.UUID) ([]uuid.UUID, error)
}

type jobQueue interface {
	Enqueue(ctx context.Context, job models.EmailJob, delay time.Duration) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

var (
	ErrInvalidBatch  = errors.New("invalid batch")
	ErrBatchNotFound = errors.New("batch not found")
)

// ValidationError lists the offending fields of a rejected batch.
type ValidationError struct {
	Fields map[string]string
}

func (e *ValidationError) Error() string {
	keys := make([]string, 0, len(e.Fields))
	for k := range e.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = k + ": " + e.Fields[k]
	}
	return "invalid batch: " + strings.Join(parts, "; ")
}

func (e *ValidationError) Unwrap() error { return ErrInvalidBatch }

// Batch is one bulk send request. Zero MinDelay and HourlyLimit fall back to
// the service defaults; a zero ID gets a random one.
type Batch struct {
	ID          uuid.UUID
	Sender      string        `validate:"required,email"`
	Recipients  []string      `validate:"required,min=1,dive,required,email"`
	Subject     string        `validate:"required"`
	Body        string        `validate:"required"`
	StartTime   time.Time     `validate:"required"`
	MinDelay    time.Duration `validate:"min=0"`
	HourlyLimit int           `validate:"min=0"`
}

type Defaults struct {
	MinDelay    time.Duration
	HourlyLimit int
}

type Option func(*Service)

func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

type Service struct {
	store    recordStore
	queue    jobQueue
	calc     *schedule.Calculator
	validate *validator.Validate
	defaults Defaults
	log      *zap.Logger
	now      func() time.Time
}

func NewService(
	store recordStore,
	queue jobQueue,
	calc *schedule.Calculator,
	validate *validator.Validate,
	defaults Defaults,
	log *zap.Logger,
	opts ...Option,
) *Service {
	s := &Service{
		store:    store,
		queue:    queue,
		calc:     calc,
		validate: validate,
		defaults: defaults,
		log:      log,
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// JobID derives the idempotency token of the job at ordinal in batch.
// Submitting the same batch twice yields the same tokens.
func JobID(batch uuid.UUID, ordinal int) uuid.UUID {
	return uuid.NewSHA1(batch, []byte(strconv.Itoa(ordinal)))
}

// ScheduleBatch validates b, computes a send time for every recipient in
// order and persists and enqueues one job each. On error, jobs created so
// far stay scheduled; resubmitting the batch with the same ID completes it
// without duplicates. Jobs that already exist are returned as stored and are
// only re-enqueued while still SCHEDULED.
func (s *Service) ScheduleBatch(ctx context.Context, b Batch) ([]models.EmailJob, error) {
	if err := s.validateBatch(b); err != nil {
		return nil, err
	}

	if b.ID == uuid.Nil {
		b.ID = uuid.New()
	}
	if b.MinDelay == 0 {
		b.MinDelay = s.defaults.MinDelay
	}
	if b.HourlyLimit == 0 {
		b.HourlyLimit = s.defaults.HourlyLimit
	}

	log := s.log.With(
		zap.String("batch_id", b.ID.String()),
		zap.String("sender", b.Sender),
	)

	planner := s.calc.NewPlanner()
	jobs := make([]models.EmailJob, 0, len(b.Recipients))

	for i, to := range b.Recipients {
		sendAt, err := planner.Place(ctx, schedule.Request{
			Sender:      b.Sender,
			RequestedAt: b.StartTime,
			Ordinal:     i,
			MinDelay:    b.MinDelay,
			HourlyLimit: b.HourlyLimit,
		})
		if err != nil {
			return jobs, fmt.Errorf("schedule recipient %d: %w", i, err)
		}

		job := models.EmailJob{
			ID:           JobID(b.ID, i),
			BatchID:      b.ID,
			Sender:       b.Sender,
			Recipient:    strings.TrimSpace(to),
			Subject:      b.Subject,
			Body:         b.Body,
			RequestedAt:  b.StartTime,
			ScheduledFor: sendAt,
			Ordinal:      i,
			MinDelay:     b.MinDelay,
			HourlyLimit:  b.HourlyLimit,
			Status:       models.StatusScheduled,
		}

		inserted, err := s.store.InsertEmail(ctx, &job)
		if err != nil {
			return jobs, fmt.Errorf("store job %s: %w", job.ID, err)
		}
		if !inserted {
			if job, err = s.store.GetEmail(ctx, job.ID); err != nil {
				return jobs, fmt.Errorf("load job %s: %w", JobID(b.ID, i), err)
			}
			if job.Status != models.StatusScheduled {
				log.Debug("job already dispatched",
					zap.String("job_id", job.ID.String()),
					zap.String("status", string(job.Status)),
				)
				jobs = append(jobs, job)
				continue
			}
		}

		delay := job.ScheduledFor.Sub(s.now())
		if delay < 0 {
			delay = 0
		}

		added, err := s.queue.Enqueue(ctx, job, delay)
		if err != nil {
			return jobs, fmt.Errorf("enqueue job %s: %w", job.ID, err)
		}
		if added {
			metrics.EmailsScheduled.Inc()
		} else {
			log.Debug("job already queued", zap.String("job_id", job.ID.String()))
		}

		jobs = append(jobs, job)
	}

	log.Info("batch scheduled",
		zap.Int("jobs", len(jobs)),
		zap.Time("first_send", jobs[0].ScheduledFor),
		zap.Time("last_send", jobs[len(jobs)-1].ScheduledFor),
	)

	return jobs, nil
}

// CancelJob removes a job that no worker has claimed yet.
func (s *Service) CancelJob(ctx context.Context, id uuid.UUID) (bool, error) {
	ok, err := s.queue.Cancel(ctx, id)
	if err != nil {
		return false, err
	}
	if ok {
		s.log.Info("job cancelled", zap.String("job_id", id.String()))
	}
	return ok, nil
}

// CancelBatch cancels every still-pending job of a batch and returns how
// many were removed from the queue.
func (s *Service) CancelBatch(ctx context.Context, batch uuid.UUID) (int, error) {
	ids, err := s.store.BatchJobIDs(ctx, batch)
	if err != nil {
		return 0, fmt.Errorf("list batch %s: %w", batch, err)
	}
	if len(ids) == 0 {
		return 0, ErrBatchNotFound
	}

	cancelled := 0
	for _, id := range ids {
		ok, err := s.CancelJob(ctx, id)
		if err != nil {
			return cancelled, err
		}
		if ok {
			cancelled++
		}
	}

	s.log.Info("batch cancelled",
		zap.String("batch_id", batch.String()),
		zap.Int("jobs", len(ids)),
		zap.Int("cancelled", cancelled),
	)
	return cancelled, nil
}

func (s *Service) validateBatch(b Batch) error {
	err := s.validate.Struct(b)
	if err == nil {
		return nil
	}

	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return fmt.Errorf("%w: %v", ErrInvalidBatch, err)
	}

	fields := make(map[string]string, len(verrs))
	for _, fe := range verrs {
		msg := fe.Tag()
		if fe.Param() != "" {
			msg += "=" + fe.Param()
		}
		fields[fe.Field()] = msg
	}
	return &ValidationError{Fields: fields}
}
