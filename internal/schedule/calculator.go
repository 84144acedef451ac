// Package schedule computes when each job of a batch should be sent.
//
// The result is an optimistic plan: it reads the rate counter but never
// writes it, and the dispatch worker re-checks the cap before every send.
package schedule

import (
	"context"
	"fmt"
	"time"

	"PaceMail/internal/ratelimit"
)

// UsageReader is the read side of the rate counter.
type UsageReader interface {
	Count(ctx context.Context, sender string, at time.Time) (int64, error)
	Limit(requested int) int
}

// Request describes one job to place. Planned returns how many jobs of the
// same batch have already been placed into the given window; nil means none.
type Request struct {
	Sender      string
	RequestedAt time.Time
	Ordinal     int
	MinDelay    time.Duration
	HourlyLimit int
	Planned     func(window time.Time) int
}

type Calculator struct {
	usage UsageReader
	now   func() time.Time
}

func NewCalculator(usage UsageReader, now func() time.Time) *Calculator {
	if now == nil {
		now = time.Now
	}
	return &Calculator{usage: usage, now: now}
}

// SendTime returns the effective send time of a job.
//
// The job starts at max(RequestedAt, now) plus Ordinal*MinDelay. When the
// window of that candidate is already full, the job moves to the start of
// the next window and keeps its stagger offset. Only one window is looked
// at: a job moved forward is not checked against the next window's
// capacity, so a large batch can overfill it.
func (c *Calculator) SendTime(ctx context.Context, req Request) (time.Time, error) {
	base := req.RequestedAt
	if now := c.now(); base.Before(now) {
		base = now
	}

	offset := time.Duration(req.Ordinal) * req.MinDelay
	candidate := base.Add(offset)

	window := ratelimit.Window(candidate)
	used, err := c.usage.Count(ctx, req.Sender, window)
	if err != nil {
		return time.Time{}, fmt.Errorf("compute send time: %w", err)
	}
	if req.Planned != nil {
		used += int64(req.Planned(window))
	}

	if used >= int64(c.usage.Limit(req.HourlyLimit)) {
		candidate = ratelimit.NextWindow(candidate).Add(offset)
	}

	return candidate, nil
}
