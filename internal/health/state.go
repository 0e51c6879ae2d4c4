// Package health tracks the reachability of upstream services.
package health

import (
	"sync"
	"time"
)

// State is the health classification of one service.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateReady         State = "ready"
	StateHealthy       State = "healthy"
	StateDegraded      State = "degraded"
	StateUnreachable   State = "unreachable"
)

// DefaultUnreachableAfter is the number of consecutive failures after which
// a service is unreachable.
const DefaultUnreachableAfter = 3

// Snapshot is a consistent copy of a service's health.
type Snapshot struct {
	Service             string        `json:"service"`
	State               State         `json:"state"`
	LastCheckedAt       time.Time     `json:"last_checked_at"`
	LastLatency         time.Duration `json:"last_latency_ns"`
	ConsecutiveFailures int           `json:"consecutive_failures"`
	LastError           string        `json:"last_error,omitempty"`
}

// ServiceHealth is the health state machine of one service:
//
//	uninitialized -> ready -> {healthy, degraded, unreachable}
//
// One failure moves a ready or healthy service to degraded. The
// unreachableAfter-th consecutive failure moves it to unreachable. Any
// success moves it to healthy and clears the failure count. Outcomes
// recorded before MarkReady are ignored.
type ServiceHealth struct {
	name             string
	unreachableAfter int
	onChange         func(service string, from, to State)

	mu                  sync.Mutex
	state               State
	lastCheckedAt       time.Time
	lastLatency         time.Duration
	consecutiveFailures int
	lastError           string
}

// NewServiceHealth creates an uninitialized service. onChange, when
// non-nil, is called after every state transition, outside the lock.
func NewServiceHealth(name string, unreachableAfter int, onChange func(service string, from, to State)) *ServiceHealth {
	if unreachableAfter <= 0 {
		unreachableAfter = DefaultUnreachableAfter
	}
	return &ServiceHealth{
		name:             name,
		unreachableAfter: unreachableAfter,
		onChange:         onChange,
		state:            StateUninitialized,
	}
}

// Name returns the service name.
func (s *ServiceHealth) Name() string { return s.name }

// MarkReady records that the service's upstream handler exists.
func (s *ServiceHealth) MarkReady() {
	s.transition(func() {
		if s.state == StateUninitialized {
			s.state = StateReady
		}
	})
}

// RecordSuccess records a successful check or request.
func (s *ServiceHealth) RecordSuccess(latency time.Duration) {
	s.transition(func() {
		if s.state == StateUninitialized {
			return
		}
		s.lastCheckedAt = time.Now()
		s.lastLatency = latency
		s.lastError = ""
		s.consecutiveFailures = 0
		s.state = StateHealthy
	})
}

// RecordFailure records a failed check or request.
func (s *ServiceHealth) RecordFailure(latency time.Duration, err error) {
	s.transition(func() {
		if s.state == StateUninitialized {
			return
		}
		s.lastCheckedAt = time.Now()
		s.lastLatency = latency
		if err != nil {
			s.lastError = err.Error()
		}
		s.consecutiveFailures++
		if s.consecutiveFailures >= s.unreachableAfter {
			s.state = StateUnreachable
		} else {
			s.state = StateDegraded
		}
	})
}

func (s *ServiceHealth) transition(fn func()) {
	s.mu.Lock()
	from := s.state
	fn()
	to := s.state
	s.mu.Unlock()

	if from != to && s.onChange != nil {
		s.onChange(s.name, from, to)
	}
}

// State returns the current state.
func (s *ServiceHealth) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Available reports whether requests may be forwarded to the service.
func (s *ServiceHealth) Available() bool {
	st := s.State()
	return st != StateUninitialized && st != StateUnreachable
}

// Snapshot returns a copy of the current health.
func (s *ServiceHealth) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		Service:             s.name,
		State:               s.state,
		LastCheckedAt:       s.lastCheckedAt,
		LastLatency:         s.lastLatency,
		ConsecutiveFailures: s.consecutiveFailures,
		LastError:           s.lastError,
	}
}
