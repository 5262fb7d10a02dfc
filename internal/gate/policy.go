package gate

import (
	"time"

	"github.com/danmuck/edgeprov/internal/config"
)

// stepDown picks the launch profile. Any failed attempt is followed by a
// fallback attempt; a success returns to the default.
type stepDown struct {
	fallback bool
	next     string
}

func newStepDown(hasFallback bool) *stepDown {
	return &stepDown{fallback: hasFallback, next: config.ProfileDefault}
}

func (p *stepDown) profile() string {
	return p.next
}

func (p *stepDown) observe(failed bool) {
	if failed && p.fallback {
		p.next = config.ProfileFallback
		return
	}
	p.next = config.ProfileDefault
}

// crashWindow counts failures inside a sliding window.
type crashWindow struct {
	max    int
	window time.Duration
	times  []time.Time
}

// add records a failure at now and reports whether the ceiling is exceeded.
func (c *crashWindow) add(now time.Time) bool {
	cutoff := now.Add(-c.window)
	kept := c.times[:0]
	for _, t := range c.times {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	c.times = append(kept, now)
	return c.max > 0 && len(c.times) > c.max
}

func (c *crashWindow) count() int {
	return len(c.times)
}

func (c *crashWindow) reset() {
	c.times = nil
}
