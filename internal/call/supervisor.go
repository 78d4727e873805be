package call

import (
	"sync"
	"time"
)

// Supervisor is a one-shot, cancellable deadline. Arm schedules fire after
// the configured delay; Cancel (or a later Arm) revokes a pending deadline
// so a superseded timer never fires.
type Supervisor struct {
	mu    sync.Mutex
	delay time.Duration
	fire  func()
	timer *time.Timer
	gen   uint64
}

// NewSupervisor creates an unarmed supervisor.
func NewSupervisor(delay time.Duration, fire func()) *Supervisor {
	return &Supervisor{delay: delay, fire: fire}
}

// Arm schedules the deadline, replacing any pending one.
func (s *Supervisor) Arm() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer != nil {
		s.timer.Stop()
	}
	s.gen++
	gen := s.gen
	s.timer = time.AfterFunc(s.delay, func() { s.expire(gen) })
}

// Cancel revokes a pending deadline. It reports whether one was pending.
func (s *Supervisor) Cancel() bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.timer == nil {
		return false
	}
	s.timer.Stop()
	s.timer = nil
	s.gen++
	return true
}

// Armed reports whether a deadline is pending.
func (s *Supervisor) Armed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

// Delay returns the configured deadline.
func (s *Supervisor) Delay() time.Duration {
	return s.delay
}

func (s *Supervisor) expire(gen uint64) {
	s.mu.Lock()
	if gen != s.gen || s.timer == nil {
		s.mu.Unlock()
		return
	}
	s.timer = nil
	s.mu.Unlock()

	s.fire()
}
