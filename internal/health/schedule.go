package health

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Schedule picks the delay before a service's next check. Reachable
// services are checked every interval; unreachable ones back off
// exponentially up to maxBackoff and return to the interval after the
// next success.
type Schedule struct {
	interval time.Duration
	bo       *backoff.ExponentialBackOff
}

// NewSchedule creates a schedule.
func NewSchedule(interval, maxBackoff time.Duration) *Schedule {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	if maxBackoff < interval {
		maxBackoff = interval
	}
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = interval
	bo.MaxInterval = maxBackoff
	bo.MaxElapsedTime = 0 // never give up
	bo.Reset()
	return &Schedule{interval: interval, bo: bo}
}

// Next returns the delay to wait given the service's current state.
func (s *Schedule) Next(state State) time.Duration {
	if state != StateUnreachable {
		s.bo.Reset()
		return s.interval
	}
	d := s.bo.NextBackOff()
	if d == backoff.Stop || d > s.bo.MaxInterval {
		d = s.bo.MaxInterval
	}
	return d
}
