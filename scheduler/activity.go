package scheduler

import (
	"sync"
	"time"
)

// Level is the user activity level the scheduler adapts to.
type Level uint8

const (
	// ActivityHigh means the user is interacting right now.
	ActivityHigh Level = iota
	// ActivityLow means the user has been idle for a while.
	ActivityLow
	// ActivitySleep means the user has been away long enough for batch work.
	ActivitySleep
)

func (l Level) String() string {
	switch l {
	case ActivityHigh:
		return "high"
	case ActivityLow:
		return "low"
	case ActivitySleep:
		return "sleep"
	default:
		return "unknown"
	}
}

// ActivityOptions configures an ActivityDetector.
type ActivityOptions struct {
	// LowAfter is the idle time after which the level drops to Low.
	LowAfter time.Duration
	// SleepAfter is the idle time after which the level drops to Sleep.
	SleepAfter time.Duration
	// Now returns the current time.
	Now func() time.Time
}

// DefaultActivityOptions contains the default detector thresholds.
var DefaultActivityOptions = ActivityOptions{
	LowAfter:   5 * time.Minute,
	SleepAfter: 30 * time.Minute,
}

// ActivityDetector derives the activity level from the time since the last
// recorded user interaction. An explicit level set with SetLevel wins until the
// next RecordActivity.
type ActivityDetector struct {
	opts ActivityOptions

	mu       sync.Mutex
	last     time.Time
	override *Level
}

// NewActivityDetector returns a detector whose last activity is now.
func NewActivityDetector(optFns ...func(o *ActivityOptions)) *ActivityDetector {
	opts := DefaultActivityOptions
	for _, fn := range optFns {
		fn(&opts)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.SleepAfter < opts.LowAfter {
		opts.SleepAfter = opts.LowAfter
	}
	return &ActivityDetector{opts: opts, last: opts.Now()}
}

// RecordActivity marks a user interaction and clears any explicit level.
func (d *ActivityDetector) RecordActivity() {
	d.mu.Lock()
	d.last = d.opts.Now()
	d.override = nil
	d.mu.Unlock()
}

// SetLevel pins the level until the next RecordActivity.
func (d *ActivityDetector) SetLevel(l Level) {
	d.mu.Lock()
	d.override = &l
	d.mu.Unlock()
}

// Idle returns the time since the last recorded activity.
func (d *ActivityDetector) Idle() time.Duration {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.opts.Now().Sub(d.last)
}

// Level returns the current activity level.
func (d *ActivityDetector) Level() Level {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.override != nil {
		return *d.override
	}
	idle := d.opts.Now().Sub(d.last)
	switch {
	case idle >= d.opts.SleepAfter:
		return ActivitySleep
	case idle >= d.opts.LowAfter:
		return ActivityLow
	default:
		return ActivityHigh
	}
}

// Runnable reports whether a task of priority p may start at level l.
func Runnable(p Priority, l Level) bool {
	switch p {
	case Urgent:
		return true
	case Normal:
		return l == ActivityHigh || l == ActivityLow
	case Low, Batch:
		return l == ActivityLow || l == ActivitySleep
	default:
		return false
	}
}
