// Package status is the single writer of email job status. Every method
// performs exactly one conditional write, guarded by the lifecycle table in
// models, so a job can only move along a legal edge.
package status

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"PaceMail/internal/db"
	"PaceMail/internal/models"
)

type Recorder interface {
	Transition(ctx context.Context, id uuid.UUID, from []models.EmailStatus, upd models.StatusUpdate) error
}

type Projector struct {
	rec        Recorder
	log        *zap.Logger
	maxElapsed time.Duration
}

// NewProjector retries transient write failures for up to maxElapsed.
func NewProjector(rec Recorder, log *zap.Logger, maxElapsed time.Duration) *Projector {
	return &Projector{rec: rec, log: log, maxElapsed: maxElapsed}
}

func (p *Projector) Processing(ctx context.Context, id uuid.UUID) error {
	return p.write(ctx, id, models.StatusUpdate{Status: models.StatusProcessing})
}

// RateLimited records that the job was deferred until retryAt.
func (p *Projector) RateLimited(ctx context.Context, id uuid.UUID, retryAt time.Time) error {
	return p.write(ctx, id, models.StatusUpdate{
		Status:       models.StatusRateLimited,
		ScheduledFor: &retryAt,
	})
}

func (p *Projector) Sent(ctx context.Context, id uuid.UUID, sentAt time.Time, messageID string) error {
	return p.write(ctx, id, models.StatusUpdate{
		Status:    models.StatusSent,
		SentAt:    &sentAt,
		MessageID: messageID,
	})
}

func (p *Projector) Failed(ctx context.Context, id uuid.UUID, reason string) error {
	if reason == "" {
		reason = "unknown error"
	}
	return p.write(ctx, id, models.StatusUpdate{
		Status:   models.StatusFailed,
		ErrorMsg: reason,
	})
}

func (p *Projector) write(ctx context.Context, id uuid.UUID, upd models.StatusUpdate) error {
	from := models.Sources(upd.Status)
	if len(from) == 0 {
		return fmt.Errorf("%w: nothing leads to %s", models.ErrInvalidTransition, upd.Status)
	}

	op := func() error {
		err := p.rec.Transition(ctx, id, from, upd)
		if errors.Is(err, db.ErrStatusConflict) || errors.Is(err, db.ErrNotFound) {
			return backoff.Permanent(err)
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 100 * time.Millisecond
	b.MaxElapsedTime = p.maxElapsed

	notify := func(err error, wait time.Duration) {
		p.log.Warn("status write failed, retrying",
			zap.String("job_id", id.String()),
			zap.String("status", string(upd.Status)),
			zap.Duration("wait", wait),
			zap.Error(err),
		)
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(b, ctx), notify); err != nil {
		return fmt.Errorf("mark %s as %s: %w", id, upd.Status, err)
	}
	return nil
}
