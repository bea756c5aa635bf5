// Package clock adapts the runtime's monotonic clock to comparable,
// millisecond resolution time points, with overflow checked deadlines.
package clock

import (
	"errors"
	"math"
	"time"
)

type (
	// TimePoint is a monotonic instant, in milliseconds since an arbitrary
	// (process-wide) epoch. Values are only meaningful relative to each other.
	TimePoint int64
)

const (
	// maxTimePoint is the largest TimePoint that may be converted to a
	// time.Duration offset from the epoch.
	maxTimePoint = TimePoint(math.MaxInt64 / int64(time.Millisecond))
)

var (
	// ErrOverflow indicates a value that cannot be represented in the target
	// resolution.
	ErrOverflow = errors.New(`clock: overflow`)

	// ErrNegative indicates a negative duration where one is not allowed.
	ErrNegative = errors.New(`clock: negative duration`)
)

var (
	epoch = time.Now()

	// for testing purposes
	timeSince = time.Since
)

// Now returns the current time point, truncated to the millisecond.
func Now() TimePoint {
	return TimePoint(elapsed() / time.Millisecond)
}

// Deadline returns the earliest time point that is at least d in the future.
//
// A zero d maps to Now, meaning the deadline is immediately reached. Positive
// values are rounded up, to the next whole millisecond, so that the deadline
// is never reached before d has actually elapsed.
func Deadline(d time.Duration) (TimePoint, error) {
	if d < 0 {
		return 0, ErrNegative
	}
	e := elapsed()
	if d == 0 {
		return TimePoint(e / time.Millisecond), nil
	}
	if e > math.MaxInt64-d {
		return 0, ErrOverflow
	}
	return ceilMillis(e + d), nil
}

// Sub returns the duration t-u, saturating at the bounds of time.Duration.
func (t TimePoint) Sub(u TimePoint) time.Duration {
	diff := int64(t) - int64(u)
	// detect wrap around of the subtraction itself
	if (u < 0 && diff < int64(t)) || (u > 0 && diff > int64(t)) {
		if u < 0 {
			return math.MaxInt64
		}
		return math.MinInt64
	}
	return saturatingMillis(diff)
}

// Before reports whether t is strictly earlier than u.
func (t TimePoint) Before(u TimePoint) bool { return t < u }

// Until returns the (nanosecond precision) duration until t is reached, which
// will be zero or negative if it has been reached already.
func Until(t TimePoint) time.Duration {
	if t > maxTimePoint {
		return math.MaxInt64
	}
	if t < -maxTimePoint {
		return math.MinInt64
	}
	return time.Duration(t)*time.Millisecond - elapsed()
}

func elapsed() time.Duration {
	return timeSince(epoch)
}

func ceilMillis(d time.Duration) TimePoint {
	t := d / time.Millisecond
	if d%time.Millisecond > 0 {
		t++
	}
	return TimePoint(t)
}

func saturatingMillis(ms int64) time.Duration {
	switch {
	case ms > int64(maxTimePoint):
		return math.MaxInt64
	case ms < -int64(maxTimePoint):
		return math.MinInt64
	default:
		return time.Duration(ms) * time.Millisecond
	}
}
