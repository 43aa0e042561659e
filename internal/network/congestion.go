package network

import (
	"sync"
	"time"
)

const (
	minCooldown = 5 * time.Second
	maxCooldown = 2 * time.Minute
)

// SourceStats is one release source's earned capacity and recent history.
// Width is how many cascade workers the source may take at once; it is
// earned through consecutive successful jobs and forfeited on failure.
type SourceStats struct {
	Width            int
	ConsecutiveOK    int
	Successes        int64
	Failures         int64
	SmoothedDuration time.Duration
	CooldownUntil    time.Time

	lastFailed bool // the most recent outcome was a failure
}

// CongestionController decides how many cascade workers a single release
// source can absorb. Release mirrors fail in bursts — a rate limit or a
// waitlist trips every request for a while, then clears — so capacity is
// treated as earned, not assumed: a source starts at the minimum width,
// doubles it after sustaining success at the current width, halves it on a
// failure, and collapses back to the minimum when failures arrive
// back-to-back. After any failure the source also serves a cooldown scaled
// to its typical job duration, during which only a single probe worker is
// admitted: a mirror whose downloads take minutes is given minutes to
// recover before being trusted with parallel work again.
type CongestionController struct {
	mu       sync.Mutex
	sources  map[string]*SourceStats
	minWidth int
	maxWidth int
}

func NewCongestionController(min, max int) *CongestionController {
	if min < 1 {
		min = 1
	}
	if max < min {
		max = min
	}
	return &CongestionController{
		sources:  make(map[string]*SourceStats),
		minWidth: min,
		maxWidth: max,
	}
}

func (cc *CongestionController) stats(source string) *SourceStats {
	st, ok := cc.sources[source]
	if !ok {
		st = &SourceStats{Width: cc.minWidth}
		cc.sources[source] = st
	}
	return st
}

// RecordOutcome feeds one finished cascade job against source back into its
// earned width. took is the job's wall-clock duration, the closest signal
// the cascade has to the mirror's health.
func (cc *CongestionController) RecordOutcome(source string, took time.Duration, err error) {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	st := cc.stats(source)
	if st.SmoothedDuration == 0 {
		st.SmoothedDuration = took
	} else {
		st.SmoothedDuration = (3*st.SmoothedDuration + took) / 4
	}

	if err != nil {
		st.Failures++
		if st.lastFailed {
			// Two failures with no success between them: the mirror is down
			// or rate limiting, not merely flaky.
			st.Width = cc.minWidth
		} else if st.Width > cc.minWidth {
			st.Width /= 2
			if st.Width < cc.minWidth {
				st.Width = cc.minWidth
			}
		}
		st.ConsecutiveOK = 0
		st.lastFailed = true
		st.CooldownUntil = time.Now().Add(clampDuration(st.SmoothedDuration, minCooldown, maxCooldown))
		return
	}

	st.Successes++
	st.ConsecutiveOK++
	st.lastFailed = false
	// The width is earned back only after the source sustains two full
	// rounds of successes at its current width.
	if st.ConsecutiveOK >= st.Width*2 && st.Width < cc.maxWidth {
		st.Width *= 2
		if st.Width > cc.maxWidth {
			st.Width = cc.maxWidth
		}
		st.ConsecutiveOK = 0
	}
}

// GetIdealConcurrency reports how many workers source may take right now:
// its earned width, or a single probe while it is cooling down.
func (cc *CongestionController) GetIdealConcurrency(source string) int {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	st, ok := cc.sources[source]
	if !ok {
		return cc.minWidth
	}
	if time.Now().Before(st.CooldownUntil) {
		return cc.minWidth
	}
	return st.Width
}

// GetSourceStats returns a copy of source's state, for diagnostics.
func (cc *CongestionController) GetSourceStats(source string) *SourceStats {
	cc.mu.Lock()
	defer cc.mu.Unlock()

	st, ok := cc.sources[source]
	if !ok {
		return nil
	}
	cp := *st
	return &cp
}

func clampDuration(d, lo, hi time.Duration) time.Duration {
	if d < lo {
		return lo
	}
	if d > hi {
		return hi
	}
	return d
}
