package ratelimit

import (
	"fmt"
	"time"
)

// Window truncates t to the start of its wall-clock hour (14:37:12 -> 14:00:00)
// in t's own location.
func Window(t time.Time) time.Time {
	y, m, d := t.Date()
	return time.Date(y, m, d, t.Hour(), 0, 0, 0, t.Location())
}

// NextWindow returns the start of the hour window following the one t falls in.
func NextWindow(t time.Time) time.Time {
	return Window(t).Add(time.Hour)
}

func counterKey(sender string, window time.Time) string {
	return fmt.Sprintf("rate_limit:%s:%d", sender, window.UnixMilli())
}
