// Package queue is a delay-aware work queue on Redis.
//
// Jobs wait in a sorted set scored by the time they become due. Claiming a
// job moves it atomically into a second sorted set scored by its lease
// deadline and tags it with a fresh token, so a job is held by at most one
// worker at a time no matter how many processes poll the queue, and a
// worker whose lease ran out cannot act on the job any more. Payloads are
// stored under one key per job token and outlive completion for the
// retention period, which makes enqueueing the same token twice a no-op.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"

	"PaceMail/internal/models"
)

// ErrNotClaimed is returned when the caller no longer holds the claim: it
// was completed, rescheduled, or its lease ran out and the job was handed
// to another worker.
var ErrNotClaimed = errors.New("job is not claimed")

var enqueueScript = redis.NewScript(`
if not redis.call('SET', KEYS[1], ARGV[1], 'NX', 'EX', ARGV[2]) then
  return 0
end
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[4])
return 1
`)

var claimScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, 1)
if #ids == 0 then
  return false
end
redis.call('ZREM', KEYS[1], ids[1])
redis.call('ZADD', KEYS[2], ARGV[2], ids[1])
redis.call('HSET', KEYS[3], ids[1], ARGV[3])
return ids[1]
`)

var rescheduleScript = redis.NewScript(`
if redis.call('HGET', KEYS[3], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[3], ARGV[1])
redis.call('ZADD', KEYS[2], ARGV[3], ARGV[1])
redis.call('PEXPIRE', KEYS[4], ARGV[4])
return 1
`)

var completeScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
redis.call('ZREM', KEYS[1], ARGV[1])
redis.call('HDEL', KEYS[2], ARGV[1])
return 1
`)

var markSendingScript = redis.NewScript(`
if redis.call('HGET', KEYS[2], ARGV[1]) ~= ARGV[2] then
  return 0
end
local deadline = redis.call('ZSCORE', KEYS[1], ARGV[1])
if not deadline or tonumber(deadline) < tonumber(ARGV[3]) then
  return 0
end
redis.call('ZADD', KEYS[1], ARGV[4], ARGV[1])
redis.call('HSET', KEYS[3], 'state', 'sending')
redis.call('EXPIRE', KEYS[3], ARGV[5])
return 1
`)

var recoverScript = redis.NewScript(`
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', '(' .. ARGV[1])
for _, id in ipairs(ids) do
  redis.call('ZREM', KEYS[1], id)
  redis.call('HDEL', KEYS[3], id)
  redis.call('ZADD', KEYS[2], ARGV[1], id)
  redis.call('PEXPIRE', ARGV[2] .. id, ARGV[3])
end
return #ids
`)

type Options struct {
	Prefix       string
	PollInterval time.Duration
	Lease        time.Duration
	Retention    time.Duration
	Now          func() time.Time
}

// Claim is a job handed to exactly one worker until it is completed,
// rescheduled or its lease runs out. Token fences the claim: once the lease
// is recovered and the job claimed again, calls made with the old token
// fail with ErrNotClaimed.
//
// Orphaned is set when the job's payload expired while it was queued; only
// Job.ID is known then.
type Claim struct {
	Job        models.EmailJob
	Token      string
	ClaimedAt  time.Time
	LeaseUntil time.Time
	Orphaned   bool
}

type AttemptState string

const (
	AttemptNone    AttemptState = ""
	AttemptSending AttemptState = "sending"
	AttemptSent    AttemptState = "sent"
	AttemptFailed  AttemptState = "failed"
)

// Attempt is what is known about the delivery attempt of a job. It lets a
// later claim finish the bookkeeping of an earlier one without sending
// again.
type Attempt struct {
	State     AttemptState
	MessageID string
	SentAt    time.Time
	Error     string
}

type Stats struct {
	Delayed int64 `json:"delayed"`
	Due     int64 `json:"due"`
	Active  int64 `json:"active"`
}

type Queue struct {
	rdb          redis.Cmdable
	prefix       string
	pollInterval time.Duration
	lease        time.Duration
	retention    time.Duration
	now          func() time.Time
}

func New(rdb redis.Cmdable, opts Options) *Queue {
	q := &Queue{
		rdb:          rdb,
		prefix:       opts.Prefix,
		pollInterval: opts.PollInterval,
		lease:        opts.Lease,
		retention:    opts.Retention,
		now:          opts.Now,
	}
	if q.prefix == "" {
		q.prefix = "pacemail"
	}
	if q.pollInterval <= 0 {
		q.pollInterval = 500 * time.Millisecond
	}
	if q.lease <= 0 {
		q.lease = 5 * time.Minute
	}
	if q.retention <= 0 {
		q.retention = 7 * 24 * time.Hour
	}
	if q.now == nil {
		q.now = time.Now
	}
	return q
}

func (q *Queue) delayedKey() string { return q.prefix + ":delayed" }
func (q *Queue) activeKey() string  { return q.prefix + ":active" }
func (q *Queue) claimsKey() string  { return q.prefix + ":claims" }
func (q *Queue) jobPrefix() string  { return q.prefix + ":job:" }

func (q *Queue) jobKey(id string) string     { return q.jobPrefix() + id }
func (q *Queue) attemptKey(id string) string { return q.prefix + ":attempt:" + id }

// payloadTTL keeps a payload alive for the retention period past the moment
// the job becomes due.
func (q *Queue) payloadTTL(delay time.Duration) time.Duration {
	return q.retention + delay
}

// Enqueue stores job under its ID and makes it due after delay (negative
// delays are treated as zero). It reports false when the token is already
// known, in which case nothing changes.
func (q *Queue) Enqueue(ctx context.Context, job models.EmailJob, delay time.Duration) (bool, error) {
	if delay < 0 {
		delay = 0
	}

	payload, err := json.Marshal(job)
	if err != nil {
		return false, fmt.Errorf("marshal job: %w", err)
	}

	id := job.ID.String()
	readyAt := q.now().Add(delay)
	ttl := int64(q.payloadTTL(delay) / time.Second)

	added, err := enqueueScript.Run(ctx, q.rdb,
		[]string{q.jobKey(id), q.delayedKey()},
		payload, ttl, readyAt.UnixMilli(), id,
	).Int()
	if err != nil {
		return false, fmt.Errorf("enqueue job %s: %w", id, err)
	}

	return added == 1, nil
}

// Dequeue blocks until a job is due and claims it for the caller.
func (q *Queue) Dequeue(ctx context.Context) (*Claim, error) {
	ticker := time.NewTicker(q.pollInterval)
	defer ticker.Stop()

	for {
		claim, err := q.tryClaim(ctx)
		if err != nil {
			return nil, err
		}
		if claim != nil {
			return claim, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func (q *Queue) tryClaim(ctx context.Context) (*Claim, error) {
	now := q.now()
	leaseUntil := now.Add(q.lease)
	token := uuid.NewString()

	id, err := claimScript.Run(ctx, q.rdb,
		[]string{q.delayedKey(), q.activeKey(), q.claimsKey()},
		now.UnixMilli(), leaseUntil.UnixMilli(), token,
	).Text()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("claim job: %w", err)
	}

	jobID, err := uuid.Parse(id)
	if err != nil {
		_ = q.rdb.ZRem(ctx, q.activeKey(), id).Err()
		return nil, fmt.Errorf("claim job: invalid id %q", id)
	}

	claim := &Claim{Token: token, ClaimedAt: now, LeaseUntil: leaseUntil}

	payload, err := q.rdb.Get(ctx, q.jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		claim.Job.ID = jobID
		claim.Orphaned = true
		return claim, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", id, err)
	}

	if err := json.Unmarshal(payload, &claim.Job); err != nil {
		return nil, fmt.Errorf("decode job %s: %w", id, err)
	}

	return claim, nil
}

// Reschedule releases c and makes the job due again after delay. The
// payload's expiry is pushed out along with it.
func (q *Queue) Reschedule(ctx context.Context, c *Claim, delay time.Duration) error {
	if delay < 0 {
		delay = 0
	}
	id := c.Job.ID.String()
	readyAt := q.now().Add(delay)

	moved, err := rescheduleScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.delayedKey(), q.claimsKey(), q.jobKey(id)},
		id, c.Token, readyAt.UnixMilli(), q.payloadTTL(delay).Milliseconds(),
	).Int()
	if err != nil {
		return fmt.Errorf("reschedule job %s: %w", id, err)
	}
	if moved == 0 {
		return ErrNotClaimed
	}
	return nil
}

// Complete drops the claim. The payload stays until retention expires so
// the token cannot be enqueued again.
func (q *Queue) Complete(ctx context.Context, c *Claim) error {
	id := c.Job.ID.String()

	n, err := completeScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.claimsKey()},
		id, c.Token,
	).Int()
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	if n == 0 {
		return ErrNotClaimed
	}
	return nil
}

// MarkSending records that delivery of c is about to be attempted and
// renews its lease. It fails with ErrNotClaimed when the lease has already
// run out, so a worker that lost its claim never sends.
func (q *Queue) MarkSending(ctx context.Context, c *Claim) error {
	id := c.Job.ID.String()
	now := q.now()
	leaseUntil := now.Add(q.lease)

	ok, err := markSendingScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.claimsKey(), q.attemptKey(id)},
		id, c.Token, now.UnixMilli(), leaseUntil.UnixMilli(), int64(q.retention/time.Second),
	).Int()
	if err != nil {
		return fmt.Errorf("mark job %s sending: %w", id, err)
	}
	if ok == 0 {
		return ErrNotClaimed
	}

	c.LeaseUntil = leaseUntil
	return nil
}

// RecordAttempt stores the result of a delivery attempt. It is not fenced:
// the result must be kept even if the claim was lost meanwhile.
func (q *Queue) RecordAttempt(ctx context.Context, id uuid.UUID, a Attempt) error {
	key := q.attemptKey(id.String())

	fields := map[string]interface{}{
		"state":      string(a.State),
		"message_id": a.MessageID,
		"error":      a.Error,
		"sent_at":    int64(0),
	}
	if !a.SentAt.IsZero() {
		fields["sent_at"] = a.SentAt.UnixMilli()
	}

	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, fields)
		pipe.Expire(ctx, key, q.retention)
		return nil
	})
	if err != nil {
		return fmt.Errorf("record attempt for job %s: %w", id, err)
	}
	return nil
}

// Attempt returns the recorded delivery attempt of id; State is AttemptNone
// if delivery was never started.
func (q *Queue) Attempt(ctx context.Context, id uuid.UUID) (Attempt, error) {
	vals, err := q.rdb.HGetAll(ctx, q.attemptKey(id.String())).Result()
	if err != nil {
		return Attempt{}, fmt.Errorf("read attempt for job %s: %w", id, err)
	}

	a := Attempt{
		State:     AttemptState(vals["state"]),
		MessageID: vals["message_id"],
		Error:     vals["error"],
	}
	if ms, err := strconv.ParseInt(vals["sent_at"], 10, 64); err == nil && ms > 0 {
		a.SentAt = time.UnixMilli(ms).UTC()
	}
	return a, nil
}

// Cancel removes a job that has not been claimed yet. It reports false if
// the job is unknown, already claimed or finished.
func (q *Queue) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	n, err := q.rdb.ZRem(ctx, q.delayedKey(), id.String()).Result()
	if err != nil {
		return false, fmt.Errorf("cancel job %s: %w", id, err)
	}
	return n == 1, nil
}

// RecoverExpired makes jobs whose lease has run out due again. Their
// previous claims become stale.
func (q *Queue) RecoverExpired(ctx context.Context) (int, error) {
	n, err := recoverScript.Run(ctx, q.rdb,
		[]string{q.activeKey(), q.delayedKey(), q.claimsKey()},
		q.now().UnixMilli(), q.jobPrefix(), q.retention.Milliseconds(),
	).Int()
	if err != nil {
		return 0, fmt.Errorf("recover expired claims: %w", err)
	}
	return n, nil
}

// ReadyAt returns when a queued job becomes due.
func (q *Queue) ReadyAt(ctx context.Context, id uuid.UUID) (time.Time, bool, error) {
	score, err := q.rdb.ZScore(ctx, q.delayedKey(), id.String()).Result()
	if errors.Is(err, redis.Nil) {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("read job %s: %w", id, err)
	}
	return time.UnixMilli(int64(score)), true, nil
}

func (q *Queue) Stats(ctx context.Context) (Stats, error) {
	pipe := q.rdb.Pipeline()
	delayed := pipe.ZCard(ctx, q.delayedKey())
	due := pipe.ZCount(ctx, q.delayedKey(), "-inf", strconv.FormatInt(q.now().UnixMilli(), 10))
	active := pipe.ZCard(ctx, q.activeKey())
	if _, err := pipe.Exec(ctx); err != nil {
		return Stats{}, fmt.Errorf("queue stats: %w", err)
	}

	return Stats{
		Delayed: delayed.Val(),
		Due:     due.Val(),
		Active:  active.Val(),
	}, nil
}
