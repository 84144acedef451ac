package schedule

import (
	"context"
	"time"

	"PaceMail/internal/ratelimit"
)

// Planner places the jobs of one batch in ordinal order, remembering how
// many it has already put into each hour window so that later jobs see the
// earlier ones as consumed capacity.
type Planner struct {
	calc    *Calculator
	planned map[int64]int
}

func (c *Calculator) NewPlanner() *Planner {
	return &Planner{
		calc:    c,
		planned: make(map[int64]int),
	}
}

func (p *Planner) Place(ctx context.Context, req Request) (time.Time, error) {
	req.Planned = p.Planned

	at, err := p.calc.SendTime(ctx, req)
	if err != nil {
		return time.Time{}, err
	}

	p.planned[ratelimit.Window(at).UnixMilli()]++
	return at, nil
}

// Planned returns the number of jobs placed into window so far.
func (p *Planner) Planned(window time.Time) int {
	return p.planned[ratelimit.Window(window).UnixMilli()]
}
