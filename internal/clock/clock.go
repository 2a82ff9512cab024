// Package clock provides the single monotonic time source used throughout
// the measurement pipeline. Every duration and latency observation in this
// module is derived from it; wall-clock time is only ever surfaced in
// reports.
package clock

import (
	"time"

	"github.com/jonboulle/clockwork"
)

// Clock exposes a strictly monotonic nanosecond counter. Implementations
// must guarantee resolution no coarser than 1 microsecond and must never go
// backwards within a process lifetime.
type Clock interface {
	// NowNS returns nanoseconds elapsed since the clock was created.
	NowNS() int64
}

// monotonic wraps an underlying clockwork.Clock and pins a reference instant
// at construction time. time.Time retains a monotonic reading internally, so
// subtracting two clockwork.Clock.Now() values (both taken via time.Now on
// the real clock) is monotonic even across NTP adjustments of the wall
// clock; clockwork additionally lets tests substitute a FakeClock that can be
// advanced deterministically.
type monotonic struct {
	underlying clockwork.Clock
	start      time.Time
}

// New returns a production Clock backed by the real wall clock.
func New() Clock {
	return NewFromClockwork(clockwork.NewRealClock())
}

// NewFromClockwork builds a Clock on top of an arbitrary clockwork.Clock,
// primarily so tests can inject a clockwork.FakeClock and drive NowNS
// deterministically via FakeClock.Advance.
func NewFromClockwork(c clockwork.Clock) Clock {
	return &monotonic{underlying: c, start: c.Now()}
}

func (m *monotonic) NowNS() int64 {
	return m.underlying.Since(m.start).Nanoseconds()
}
