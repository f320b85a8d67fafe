package session

import (
	"sync"
	"time"
)

// dailyCounter caps outreach sends per calendar day, resetting at a fixed
// hour. A limit of 0 disables the cap entirely.
type dailyCounter struct {
	limit     int
	resetHour int

	mu        sync.Mutex
	count     int
	windowEnd time.Time
}

func newDailyCounter(limit, resetHour int) *dailyCounter {
	return &dailyCounter{limit: limit, resetHour: resetHour}
}

// Allow reports whether another send fits in the current window. When the cap
// is reached it also returns the instant the window resets.
func (c *dailyCounter) Allow(now time.Time) (bool, time.Time) {
	if c.limit <= 0 {
		return true, time.Time{}
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(now)
	if c.count < c.limit {
		return true, time.Time{}
	}
	return false, c.windowEnd
}

// Record counts one send against the current window.
func (c *dailyCounter) Record(now time.Time) {
	if c.limit <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(now)
	c.count++
}

// Used returns the number of sends counted in the current window.
func (c *dailyCounter) Used(now time.Time) int {
	if c.limit <= 0 {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.roll(now)
	return c.count
}

// Limit returns the configured cap, 0 meaning unlimited.
func (c *dailyCounter) Limit() int {
	return c.limit
}

// roll clears the counter once the window has passed. Callers hold c.mu.
func (c *dailyCounter) roll(now time.Time) {
	if c.windowEnd.IsZero() || !now.Before(c.windowEnd) {
		c.count = 0
		c.windowEnd = nextReset(now, c.resetHour)
	}
}

// nextReset returns the first occurrence of hour:00 strictly after now.
func nextReset(now time.Time, hour int) time.Time {
	r := time.Date(now.Year(), now.Month(), now.Day(), hour, 0, 0, 0, now.Location())
	if !r.After(now) {
		r = r.AddDate(0, 0, 1)
	}
	return r
}
