package schedule

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"PaceMail/internal/ratelimit"
)

type fakeUsage struct {
	limit  int
	counts map[int64]int64
	err    error
	reads  int
}

func (f *fakeUsage) Count(_ context.Context, _ string, at time.Time) (int64, error) {
	f.reads++
	if f.err != nil {
		return 0, f.err
	}
	return f.counts[ratelimit.Window(at).UnixMilli()], nil
}

func (f *fakeUsage) Limit(requested int) int {
	if requested <= 0 || requested > f.limit {
		return f.limit
	}
	return requested
}

var testNow = time.Date(2026, 5, 12, 14, 10, 0, 0, time.UTC)

func fixedClock() time.Time { return testNow }

func placeBatch(t *testing.T, calc *Calculator, n int, start time.Time, minDelay time.Duration, limit int) []time.Time {
	t.Helper()

	p := calc.NewPlanner()
	out := make([]time.Time, n)
	for i := 0; i < n; i++ {
		at, err := p.Place(context.Background(), Request{
			Sender:      "s@example.com",
			RequestedAt: start,
			Ordinal:     i,
			MinDelay:    minDelay,
			HourlyLimit: limit,
		})
		require.NoError(t, err)
		out[i] = at
	}
	return out
}

func TestSendTime_StaggersByOrdinal(t *testing.T) {
	calc := NewCalculator(&fakeUsage{limit: 1000}, fixedClock)
	start := testNow.Add(5 * time.Minute)

	times := placeBatch(t, calc, 10, start, 2*time.Second, 0)

	for i, at := range times {
		assert.Equal(t, start.Add(time.Duration(i)*2*time.Second), at, "ordinal %d", i)
	}
}

func TestSendTime_PastRequestStartsNow(t *testing.T) {
	calc := NewCalculator(&fakeUsage{limit: 10}, fixedClock)

	at, err := calc.SendTime(context.Background(), Request{
		Sender:      "s@example.com",
		RequestedAt: testNow.Add(-time.Hour),
		Ordinal:     3,
		MinDelay:    time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, testNow.Add(3*time.Second), at)
}

func TestSendTime_ThreeRecipientScenario(t *testing.T) {
	calc := NewCalculator(&fakeUsage{limit: 200}, fixedClock)

	times := placeBatch(t, calc, 3, testNow, time.Second, 2)

	next := ratelimit.NextWindow(testNow)
	assert.Equal(t, testNow, times[0])
	assert.Equal(t, testNow.Add(time.Second), times[1])
	assert.Equal(t, next.Add(2*time.Second), times[2])
}

func TestSendTime_OverflowMovesToNextWindowKeepingStagger(t *testing.T) {
	const limit = 4
	calc := NewCalculator(&fakeUsage{limit: 100}, fixedClock)
	minDelay := 3 * time.Second

	times := placeBatch(t, calc, limit+5, testNow, minDelay, limit)

	window := ratelimit.Window(testNow)
	next := ratelimit.NextWindow(testNow)

	inWindow := 0
	for _, at := range times {
		if ratelimit.Window(at).Equal(window) {
			inWindow++
		}
	}
	assert.Equal(t, limit, inWindow)

	overflow := times[limit:]
	require.Len(t, overflow, 5)
	for i, at := range overflow {
		assert.False(t, at.Before(next))
		if i > 0 {
			assert.Equal(t, minDelay, at.Sub(overflow[i-1]), "relative stagger must be preserved")
		}
	}
	assert.Equal(t, next.Add(time.Duration(limit)*minDelay), overflow[0])
}

func TestSendTime_FullWindowFromCounter(t *testing.T) {
	usage := &fakeUsage{
		limit:  5,
		counts: map[int64]int64{ratelimit.Window(testNow).UnixMilli(): 5},
	}
	calc := NewCalculator(usage, fixedClock)

	at, err := calc.SendTime(context.Background(), Request{
		Sender:      "s@example.com",
		RequestedAt: testNow,
		Ordinal:     1,
		MinDelay:    time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, ratelimit.NextWindow(testNow).Add(time.Second), at)
}

func TestSendTime_FutureWindowUsesItsOwnCount(t *testing.T) {
	usage := &fakeUsage{
		limit:  5,
		counts: map[int64]int64{ratelimit.Window(testNow).UnixMilli(): 5},
	}
	calc := NewCalculator(usage, fixedClock)
	tomorrow := testNow.Add(24 * time.Hour)

	at, err := calc.SendTime(context.Background(), Request{
		Sender:      "s@example.com",
		RequestedAt: tomorrow,
	})
	require.NoError(t, err)
	assert.Equal(t, tomorrow, at)
}

func TestSendTime_IsRepeatable(t *testing.T) {
	usage := &fakeUsage{limit: 1}
	calc := NewCalculator(usage, fixedClock)
	req := Request{Sender: "s@example.com", RequestedAt: testNow, Ordinal: 2, MinDelay: time.Second}

	first, err := calc.SendTime(context.Background(), req)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		again, err := calc.SendTime(context.Background(), req)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
	assert.Equal(t, 6, usage.reads)
}

// Only one window of look-ahead: overflow beyond the next window's capacity
// still lands in the next window.
func TestSendTime_SingleWindowLookahead(t *testing.T) {
	calc := NewCalculator(&fakeUsage{limit: 100}, fixedClock)

	times := placeBatch(t, calc, 6, testNow, time.Second, 2)

	next := ratelimit.NextWindow(testNow)
	inNext := 0
	for _, at := range times[2:] {
		if ratelimit.Window(at).Equal(next) {
			inNext++
		}
	}
	assert.Equal(t, 4, inNext, "next window is over capacity by design")
}

func TestSendTime_CounterError(t *testing.T) {
	calc := NewCalculator(&fakeUsage{limit: 1, err: errors.New("redis down")}, fixedClock)

	_, err := calc.SendTime(context.Background(), Request{Sender: "s@example.com", RequestedAt: testNow})
	assert.ErrorContains(t, err, "redis down")
}
