// Package refresh implements the Refresh Scheduler (spec C5, §4.5): a
// single coalesced timer tracking the earliest next-refresh deadline
// across every KeyInfo, so the process only ever has one pending wakeup
// for manifest rechecks no matter how many keys it has seen.
package refresh

import "time"

// CoalesceInterval is the rounding granularity from spec §4.5: the
// computed minimum deadline is always rounded up to the next multiple of
// this duration.
const CoalesceInterval = 5 * time.Second

// Scheduler owns one *time.Timer armed for the earliest eligible KeyInfo
// deadline. It never fires early and re-arms itself only when the
// deadline actually changes.
type Scheduler struct {
	timer   *time.Timer
	armedAt time.Time // zero value: not armed
	fires   chan time.Time
}

// New creates a disarmed Scheduler.
func New() *Scheduler {
	return &Scheduler{fires: make(chan time.Time, 1)}
}

// Fires is the channel the engine selects on for timer wakeups.
func (s *Scheduler) Fires() <-chan time.Time { return s.fires }

// Reschedule arms, disarms, or re-arms the timer for deadline `next`. Pass
// the zero Time to disarm (no KeyInfo eligible). If next is unchanged from
// the currently armed deadline, this is a no-op — satisfying the
// idempotence law in spec §8.
func (s *Scheduler) Reschedule(next time.Time) {
	if next.Equal(s.armedAt) {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armedAt = next
	if next.IsZero() {
		return
	}

	d := time.Until(next)
	if d < 0 {
		d = 0
	}
	deadline := next
	s.timer = time.AfterFunc(d, func() {
		select {
		case s.fires <- deadline:
		default:
		}
	})
}

// Stop disarms the timer unconditionally, e.g. on shutdown.
func (s *Scheduler) Stop() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.armedAt = time.Time{}
}

// RoundUp rounds t up to the next multiple of interval. If t already falls
// exactly on a multiple, t is returned unchanged. A zero or negative
// interval disables rounding.
func RoundUp(t time.Time, interval time.Duration) time.Time {
	if interval <= 0 || t.IsZero() {
		return t
	}
	step := interval.Nanoseconds()
	rem := t.UnixNano() % step
	if rem == 0 {
		return t
	}
	return t.Add(time.Duration(step - rem))
}
