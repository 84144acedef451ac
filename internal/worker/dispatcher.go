package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"PaceMail/internal/db"
	"PaceMail/internal/email"
	"PaceMail/internal/metrics"
	"PaceMail/internal/models"
	"PaceMail/internal/queue"
	"PaceMail/internal/ratelimit"
)

type Queue interface {
	Dequeue(ctx context.Context) (*queue.Claim, error)
	Reschedule(ctx context.Context, c *queue.Claim, delay time.Duration) error
	Complete(ctx context.Context, c *queue.Claim) error
	MarkSending(ctx context.Context, c *queue.Claim) error
	RecordAttempt(ctx context.Context, id uuid.UUID, a queue.Attempt) error
	Attempt(ctx context.Context, id uuid.UUID) (queue.Attempt, error)
	RecoverExpired(ctx context.Context) (int, error)
}

type Counter interface {
	TryReserve(ctx context.Context, sender string, limit int, now time.Time) (ratelimit.Reservation, error)
	Commit(ctx context.Context, sender string, now time.Time) (int64, error)
}

type Projector interface {
	Processing(ctx context.Context, id uuid.UUID) error
	RateLimited(ctx context.Context, id uuid.UUID, retryAt time.Time) error
	Sent(ctx context.Context, id uuid.UUID, sentAt time.Time, messageID string) error
	Failed(ctx context.Context, id uuid.UUID, reason string) error
}

type StatusReader interface {
	Status(ctx context.Context, id uuid.UUID) (models.EmailStatus, error)
}

type Mailer interface {
	Send(ctx context.Context, msg email.Message) (string, error)
}

type Outcome int

const (
	OutcomeSkipped Outcome = iota
	OutcomeSent
	OutcomeFailed
	OutcomeRateLimited
	OutcomeReleased
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSent:
		return "sent"
	case OutcomeFailed:
		return "failed"
	case OutcomeRateLimited:
		return "rate_limited"
	case OutcomeReleased:
		return "released"
	default:
		return "skipped"
	}
}

const (
	interruptedReason = "dispatch interrupted after send attempt; delivery state unknown"
	expiredReason     = "job payload expired before dispatch"
)

// Dispatcher runs one claimed job through admission control, delivery and
// status projection.
type Dispatcher struct {
	Queue   Queue
	Counter Counter
	Status  Projector
	Records StatusReader
	Mailer  Mailer
	Log     *zap.Logger

	// Limiter, when set, throttles sends of every worker in this process.
	Limiter *rate.Limiter
	// MinDelay is how long a worker waits after a successful send.
	MinDelay time.Duration
	// ReleaseDelay is how long a job waits before it is retried after an
	// infrastructure error that happened before any send.
	ReleaseDelay time.Duration

	Now func() time.Time
}

func (d *Dispatcher) now() time.Time {
	if d.Now != nil {
		return d.Now()
	}
	return time.Now()
}

// Process handles one claim. The returned error reports a failure to keep
// the record store or queue consistent; delivery failures are outcomes.
//
// Once a send was attempted its result is recorded in the queue before the
// status write. If that write fails the claim goes back to the queue, and
// the next claim replays the recorded result instead of sending again.
func (d *Dispatcher) Process(ctx context.Context, claim *queue.Claim) (Outcome, error) {
	job := claim.Job
	log := d.Log.With(
		zap.String("job_id", job.ID.String()),
		zap.String("sender", job.Sender),
		zap.String("to", job.Recipient),
	)

	// ----------------------------
	// Mark as Processing
	// ----------------------------
	if err := d.Status.Processing(ctx, job.ID); err != nil {
		if !errors.Is(err, db.ErrStatusConflict) && !errors.Is(err, db.ErrNotFound) {
			metrics.StatusWriteFailures.Inc()
			d.release(ctx, log, claim, d.ReleaseDelay)
			return OutcomeReleased, fmt.Errorf("mark processing: %w", err)
		}

		outcome, resume, err := d.resolveConflict(ctx, log, claim)
		if !resume {
			return outcome, err
		}
	}

	if claim.Orphaned {
		log.Warn("job payload expired while queued, failing job")
		metrics.EmailFailures.Inc()
		return d.settle(ctx, log, claim, OutcomeFailed, d.Status.Failed(ctx, job.ID, expiredReason))
	}

	// ----------------------------
	// Admission (authoritative check)
	// ----------------------------
	now := d.now()
	res, err := d.Counter.TryReserve(ctx, job.Sender, job.HourlyLimit, now)
	if err != nil {
		log.Warn("rate counter unavailable, deferring job", zap.Error(err))
		return d.postpone(ctx, log, claim, now.Add(d.ReleaseDelay))
	}
	if !res.Allowed {
		log.Info("hourly limit reached, rescheduling",
			zap.Int64("count", res.Count),
			zap.Int("limit", res.Limit),
			zap.Time("retry_at", res.NextWindowStart),
		)
		return d.postpone(ctx, log, claim, res.NextWindowStart)
	}

	if d.Limiter != nil {
		// never wait past the lease; the job may belong to another worker by then
		waitCtx, cancel := context.WithTimeout(ctx, claim.LeaseUntil.Sub(d.now()))
		err := d.Limiter.Wait(waitCtx)
		cancel()
		if err != nil {
			d.release(ctx, log, claim, d.ReleaseDelay)
			return OutcomeReleased, fmt.Errorf("send limiter: %w", err)
		}
	}

	if err := d.Queue.MarkSending(ctx, claim); err != nil {
		if errors.Is(err, queue.ErrNotClaimed) {
			log.Warn("claim lost before send, leaving job to its new owner")
			return OutcomeSkipped, nil
		}
		d.release(ctx, log, claim, d.ReleaseDelay)
		return OutcomeReleased, err
	}

	// ----------------------------
	// Send Email
	// ----------------------------
	start := time.Now()
	messageID, sendErr := d.Mailer.Send(ctx, email.Message{
		From:     job.Sender,
		To:       job.Recipient,
		Subject:  job.Subject,
		HTMLBody: job.Body,
	})
	metrics.SendDuration.Observe(time.Since(start).Seconds())

	// bookkeeping after a send attempt must survive shutdown
	ctx = context.WithoutCancel(ctx)

	if sendErr != nil {
		log.Error("email send failed", zap.Error(sendErr))
		metrics.EmailFailures.Inc()

		d.recordAttempt(ctx, log, job.ID, queue.Attempt{
			State: queue.AttemptFailed,
			Error: sendErr.Error(),
		})
		return d.settle(ctx, log, claim, OutcomeFailed, d.Status.Failed(ctx, job.ID, sendErr.Error()))
	}

	// ----------------------------
	// Mark as Sent
	// ----------------------------
	sentAt := d.now()

	count, commitErr := d.Counter.Commit(ctx, job.Sender, sentAt)
	d.recordAttempt(ctx, log, job.ID, queue.Attempt{
		State:     queue.AttemptSent,
		MessageID: messageID,
		SentAt:    sentAt,
	})

	log.Info("email sent successfully",
		zap.String("message_id", messageID),
		zap.Int64("hour_count", count),
	)
	metrics.EmailsSent.Inc()

	return d.settle(ctx, log, claim, OutcomeSent, d.Status.Sent(ctx, job.ID, sentAt, messageID), commitErr)
}

// resolveConflict decides what to do with a claim whose record could not
// move to PROCESSING. resume is true when dispatch should continue.
func (d *Dispatcher) resolveConflict(ctx context.Context, log *zap.Logger, claim *queue.Claim) (Outcome, bool, error) {
	id := claim.Job.ID

	current, err := d.Records.Status(ctx, id)
	if errors.Is(err, db.ErrNotFound) {
		log.Warn("no record for queued job, dropping")
		d.complete(ctx, log, claim)
		return OutcomeSkipped, false, nil
	}
	if err != nil {
		d.release(ctx, log, claim, d.ReleaseDelay)
		return OutcomeReleased, false, err
	}

	switch {
	case current.Terminal():
		log.Info("job already finished, skipping", zap.String("status", string(current)))
		d.complete(ctx, log, claim)
		return OutcomeSkipped, false, nil

	case current == models.StatusProcessing:
		attempt, err := d.Queue.Attempt(ctx, id)
		if err != nil {
			d.release(ctx, log, claim, d.ReleaseDelay)
			return OutcomeReleased, false, err
		}

		var outcome Outcome
		var statusErr error

		switch attempt.State {
		case queue.AttemptNone:
			// an earlier claim stopped before sending; pick up where it left off
			return OutcomeSkipped, true, nil

		case queue.AttemptSent:
			log.Info("replaying recorded send", zap.String("message_id", attempt.MessageID))
			outcome = OutcomeSent
			statusErr = d.Status.Sent(ctx, id, attempt.SentAt, attempt.MessageID)

		case queue.AttemptFailed:
			log.Info("replaying recorded send failure", zap.String("error", attempt.Error))
			outcome = OutcomeFailed
			statusErr = d.Status.Failed(ctx, id, attempt.Error)

		default:
			log.Warn("previous dispatch was interrupted mid-send, not retrying")
			outcome = OutcomeFailed
			statusErr = d.Status.Failed(ctx, id, interruptedReason)
		}

		outcome, err = d.settle(ctx, log, claim, outcome, statusErr)
		return outcome, false, err

	default:
		d.release(ctx, log, claim, d.ReleaseDelay)
		return OutcomeReleased, false, fmt.Errorf("job %s moved to %s concurrently", id, current)
	}
}

// settle ends a claim after a send attempt. A failed status write puts the
// claim back into the queue so that it is written by a later claim.
func (d *Dispatcher) settle(
	ctx context.Context,
	log *zap.Logger,
	claim *queue.Claim,
	outcome Outcome,
	statusErr error,
	errs ...error,
) (Outcome, error) {

	if statusErr != nil {
		metrics.StatusWriteFailures.Inc()
		d.release(ctx, log, claim, d.ReleaseDelay)
		return outcome, errors.Join(append(errs, statusErr)...)
	}

	d.complete(ctx, log, claim)
	return outcome, errors.Join(errs...)
}

// postpone marks the job RATE_LIMITED and puts it back into the queue until
// retryAt. Nothing has been sent and the counter is untouched.
func (d *Dispatcher) postpone(ctx context.Context, log *zap.Logger, claim *queue.Claim, retryAt time.Time) (Outcome, error) {
	metrics.EmailsRateLimited.Inc()

	statusErr := d.Status.RateLimited(ctx, claim.Job.ID, retryAt)
	if statusErr != nil {
		metrics.StatusWriteFailures.Inc()
	}

	if err := d.Queue.Reschedule(ctx, claim, retryAt.Sub(d.now())); err != nil {
		return OutcomeRateLimited, errors.Join(statusErr, err)
	}
	return OutcomeRateLimited, statusErr
}

func (d *Dispatcher) recordAttempt(ctx context.Context, log *zap.Logger, id uuid.UUID, a queue.Attempt) {
	if err := d.Queue.RecordAttempt(ctx, id, a); err != nil {
		log.Error("failed to record send attempt", zap.Error(err))
	}
}

func (d *Dispatcher) release(ctx context.Context, log *zap.Logger, claim *queue.Claim, delay time.Duration) {
	if err := d.Queue.Reschedule(context.WithoutCancel(ctx), claim, delay); err != nil {
		log.Error("failed to release claim", zap.Error(err))
	}
}

func (d *Dispatcher) complete(ctx context.Context, log *zap.Logger, claim *queue.Claim) {
	if err := d.Queue.Complete(ctx, claim); err != nil {
		log.Error("failed to complete claim", zap.Error(err))
	}
}
