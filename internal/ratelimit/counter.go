// Package ratelimit enforces the per-sender hourly cap shared by every
// dispatch worker. Counts live in Redis so that workers running in separate
// processes see the same value; each successful send increments the count of
// its hour window exactly once.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-redis/redis/v8"
	"go.uber.org/zap"

	"PaceMail/internal/metrics"
	"PaceMail/internal/models"
)

const (
	counterTTL           = time.Hour
	defaultMirrorTimeout = 5 * time.Second
)

// Mirror receives a copy of every committed count for observability.
type Mirror interface {
	UpsertRateLimit(ctx context.Context, entry models.RateLimitEntry) error
}

// Reservation is the outcome of an admission check. NextWindowStart is only
// set when the sender is at capacity.
type Reservation struct {
	Allowed         bool
	Count           int64
	Limit           int
	NextWindowStart time.Time
}

// Usage is the read-only view of a sender's current hour.
type Usage struct {
	Sender              string     `json:"sender"`
	CurrentHourCount    int64      `json:"current_hour_count"`
	MaxPerHour          int        `json:"max_per_hour"`
	WindowStart         time.Time  `json:"window_start"`
	NextAvailableWindow *time.Time `json:"next_available_window,omitempty"`
}

type Counter struct {
	rdb           redis.Cmdable
	limit         int
	mirror        Mirror
	mirrorTimeout time.Duration
	log           *zap.Logger
	now           func() time.Time

	wg sync.WaitGroup
}

type Option func(*Counter)

func WithMirror(m Mirror) Option {
	return func(c *Counter) { c.mirror = m }
}

func WithMirrorTimeout(d time.Duration) Option {
	return func(c *Counter) { c.mirrorTimeout = d }
}

func WithClock(now func() time.Time) Option {
	return func(c *Counter) { c.now = now }
}

// New returns a Counter capping every sender at limit sends per hour.
func New(rdb redis.Cmdable, limit int, log *zap.Logger, opts ...Option) *Counter {
	c := &Counter{
		rdb:           rdb,
		limit:         limit,
		mirrorTimeout: defaultMirrorTimeout,
		log:           log,
		now:           time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Limit resolves a per-batch limit against the configured ceiling.
// Zero or negative means "use the ceiling".
func (c *Counter) Limit(requested int) int {
	if requested <= 0 || requested > c.limit {
		return c.limit
	}
	return requested
}

// Count returns how many emails sender has sent in the window containing at.
func (c *Counter) Count(ctx context.Context, sender string, at time.Time) (int64, error) {
	n, err := c.rdb.Get(ctx, counterKey(sender, Window(at))).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read rate counter: %w", err)
	}
	return n, nil
}

// TryReserve checks whether sender may send one more email at now. It never
// mutates the counter; capacity is consumed by Commit after the send.
func (c *Counter) TryReserve(ctx context.Context, sender string, limit int, now time.Time) (Reservation, error) {
	limit = c.Limit(limit)

	count, err := c.Count(ctx, sender, now)
	if err != nil {
		return Reservation{}, err
	}

	res := Reservation{
		Allowed: count < int64(limit),
		Count:   count,
		Limit:   limit,
	}
	if !res.Allowed {
		res.NextWindowStart = NextWindow(now)
	}
	return res, nil
}

// Commit records one successful send for sender and returns the new count.
// INCR and EXPIRE run in a single MULTI/EXEC so concurrent commits never
// lose an update, and the key always expires an hour after its last write.
func (c *Counter) Commit(ctx context.Context, sender string, now time.Time) (int64, error) {
	window := Window(now)
	key := counterKey(sender, window)

	var incr *redis.IntCmd
	_, err := c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		incr = pipe.Incr(ctx, key)
		pipe.Expire(ctx, key, counterTTL)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("commit rate counter: %w", err)
	}

	count := incr.Val()
	c.project(models.RateLimitEntry{
		Sender:     sender,
		HourWindow: window,
		EmailCount: count,
	})

	return count, nil
}

// Usage reports the sender's current hour for the observability surface.
func (c *Counter) Usage(ctx context.Context, sender string) (Usage, error) {
	now := c.now()

	res, err := c.TryReserve(ctx, sender, 0, now)
	if err != nil {
		return Usage{}, err
	}

	u := Usage{
		Sender:           sender,
		CurrentHourCount: res.Count,
		MaxPerHour:       res.Limit,
		WindowStart:      Window(now),
	}
	if !res.Allowed {
		next := res.NextWindowStart
		u.NextAvailableWindow = &next
	}
	return u, nil
}

// Wait blocks until all in-flight mirror writes have finished.
func (c *Counter) Wait() {
	c.wg.Wait()
}

func (c *Counter) project(entry models.RateLimitEntry) {
	if c.mirror == nil {
		return
	}

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()

		ctx, cancel := context.WithTimeout(context.Background(), c.mirrorTimeout)
		defer cancel()

		if err := c.mirror.UpsertRateLimit(ctx, entry); err != nil {
			c.log.Warn("failed to mirror rate counter",
				zap.String("sender", entry.Sender),
				zap.Time("hour_window", entry.HourWindow),
				zap.Int64("count", entry.EmailCount),
				zap.Error(err),
			)
			metrics.MirrorFailures.Inc()
		}
	}()
}
