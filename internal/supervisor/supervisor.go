// Package supervisor restarts the peer session after the connection drops,
// a bounded number of times.
package supervisor

import (
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rudransh-shrivastava/peer-sync/internal/logger"
	"github.com/rudransh-shrivastava/peer-sync/internal/notify"
	"github.com/sirupsen/logrus"
)

const (
	DefaultMaxRetries = 3
	DefaultDelay      = 3 * time.Second
)

type Options struct {
	MaxRetries int
	Delay      time.Duration
	Clock      clockwork.Clock
	Notifier   notify.Notifier
	Logger     *logrus.Logger
	// Rebuild tears down and recreates the session. It runs on the timer's
	// goroutine, or the caller's for Reconnect.
	Rebuild func()
}

type Supervisor struct {
	opts  Options
	clock clockwork.Clock
	log   *logrus.Logger

	mu       sync.Mutex
	attempts int
	timer    clockwork.Timer
	gen      uint64
	reported bool
	stopped  bool
}

func New(opts Options) *Supervisor {
	if opts.MaxRetries < 0 {
		opts.MaxRetries = 0
	}
	if opts.Delay <= 0 {
		opts.Delay = DefaultDelay
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	if opts.Logger == nil {
		opts.Logger = logger.NewLogger()
	}
	if opts.Notifier == nil {
		opts.Notifier = notify.NewLogNotifier(opts.Logger, nil)
	}
	if opts.Rebuild == nil {
		opts.Rebuild = func() {}
	}
	return &Supervisor{opts: opts, clock: opts.Clock, log: opts.Logger}
}

// Disconnected schedules the next attempt unless retries are exhausted. A
// pending attempt is replaced, never run alongside.
func (s *Supervisor) Disconnected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}

	if s.attempts >= s.opts.MaxRetries {
		s.cancelLocked()
		if !s.reported {
			s.reported = true
			s.log.WithField("attempts", s.attempts).Warn("Giving up on reconnecting")
			s.opts.Notifier.Status("disconnected")
			s.opts.Notifier.Notify(fmt.Sprintf("Connection lost after %d reconnect attempts, reconnect manually", s.attempts))
		}
		return
	}

	s.cancelLocked()
	s.attempts++
	attempt := s.attempts
	gen := s.gen

	s.log.WithFields(logrus.Fields{"attempt": attempt, "delay": s.opts.Delay}).Info("Scheduling reconnect")
	s.opts.Notifier.Status(fmt.Sprintf("reconnect attempt %d/%d", attempt, s.opts.MaxRetries))

	s.timer = s.clock.AfterFunc(s.opts.Delay, func() {
		s.mu.Lock()
		if s.stopped || s.gen != gen {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()

		s.log.WithField("attempt", attempt).Info("Reconnecting")
		s.opts.Rebuild()
	})
}

// DeviceOffline takes the same bounded retry path as a lost connection.
func (s *Supervisor) DeviceOffline() {
	s.Disconnected()
}

// Connected resets the counter and cancels a pending attempt.
func (s *Supervisor) Connected() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cancelLocked()
	s.attempts = 0
	s.reported = false
}

// Reconnect restarts immediately with a fresh retry budget.
func (s *Supervisor) Reconnect() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.cancelLocked()
	s.attempts = 0
	s.reported = false
	s.mu.Unlock()

	s.log.Info("Manual reconnect")
	s.opts.Rebuild()
}

func (s *Supervisor) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

func (s *Supervisor) Pending() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.timer != nil
}

func (s *Supervisor) Exhausted() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reported
}

func (s *Supervisor) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stopped = true
	s.cancelLocked()
}

func (s *Supervisor) cancelLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	s.gen++
}
