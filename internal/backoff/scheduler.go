// Package backoff decides when the account may try to open another IMAP connection.
package backoff

import (
	"sync"
	"time"

	cbackoff "github.com/cenkalti/backoff/v4"
)

// State describes the reachability of the account's server as seen by the scheduler.
type State string

const (
	StateHealthy     State = "healthy"
	StateAttempting  State = "attempting"
	StateUnreachable State = "unreachable"
	StateBroken      State = "broken"
	StateShutdown    State = "shutdown"
)

// Timer is the subset of *time.Timer the scheduler needs.
type Timer interface {
	Stop() bool
}

// AfterFunc starts fn in its own goroutine once d has elapsed.
type AfterFunc func(d time.Duration, fn func()) Timer

// Options tune the retry policy. Zero durations and counts fall back to the defaults below;
// a zero RandomizationFactor disables jitter.
type Options struct {
	InitialInterval     time.Duration
	MaxInterval         time.Duration
	Multiplier          float64
	RandomizationFactor float64
	// MaxRetries is the number of consecutive failures tolerated before the server is considered unreachable.
	MaxRetries uint64
	// ResourcePenalty delays attempts made on behalf of a folder that recently reported a resource problem.
	ResourcePenalty time.Duration

	AfterFunc AfterFunc
	Now       func() time.Time
	// OnStateChange is called outside the scheduler lock.
	OnStateChange func(from, to State)
}

const (
	DefaultInitialInterval     = 800 * time.Millisecond
	DefaultMaxInterval         = 60 * time.Second
	DefaultMultiplier          = 2.0
	DefaultRandomizationFactor = 0.25
	DefaultMaxRetries          = 5
	DefaultResourcePenalty     = 30 * time.Second
)

func (o Options) withDefaults() Options {
	if o.InitialInterval <= 0 {
		o.InitialInterval = DefaultInitialInterval
	}
	if o.MaxInterval <= 0 {
		o.MaxInterval = DefaultMaxInterval
	}
	if o.Multiplier <= 0 {
		o.Multiplier = DefaultMultiplier
	}
	if o.RandomizationFactor < 0 {
		o.RandomizationFactor = 0
	}
	if o.MaxRetries == 0 {
		o.MaxRetries = DefaultMaxRetries
	}
	if o.ResourcePenalty <= 0 {
		o.ResourcePenalty = DefaultResourcePenalty
	}
	if o.AfterFunc == nil {
		o.AfterFunc = func(d time.Duration, fn func()) Timer { return time.AfterFunc(d, fn) }
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// Scheduler tracks consecutive connect failures and schedules retries.
// It never runs an attempt inline: attempts always start on their own goroutine.
type Scheduler struct {
	opts Options

	mu            sync.Mutex
	policy        cbackoff.BackOff
	state         State
	failures      int
	lastReachable bool
	nextDelay     time.Duration
	timer         Timer
	penalties     map[string]time.Time
}

// NewScheduler creates a scheduler in the healthy state.
func NewScheduler(opts Options) *Scheduler {
	s := &Scheduler{
		opts:          opts.withDefaults(),
		state:         StateHealthy,
		lastReachable: true,
		penalties:     make(map[string]time.Time),
	}
	s.policy = s.newPolicy()
	return s
}

func (s *Scheduler) newPolicy() cbackoff.BackOff {
	exp := cbackoff.NewExponentialBackOff()
	exp.InitialInterval = s.opts.InitialInterval
	exp.MaxInterval = s.opts.MaxInterval
	exp.Multiplier = s.opts.Multiplier
	exp.RandomizationFactor = s.opts.RandomizationFactor
	exp.MaxElapsedTime = 0
	exp.Reset()
	return cbackoff.WithMaxRetries(exp, s.opts.MaxRetries)
}

// ScheduleConnectAttempt arranges for attempt to run, immediately after a success or a reset,
// otherwise after the current backoff delay. It returns false when attempts are frozen or one is
// already scheduled.
func (s *Scheduler) ScheduleConnectAttempt(folderID string, attempt func()) bool {
	s.mu.Lock()
	switch s.state {
	case StateBroken, StateShutdown, StateUnreachable:
		s.mu.Unlock()
		return false
	}
	if s.timer != nil {
		s.mu.Unlock()
		return false
	}

	delay := s.nextDelay
	if until, ok := s.penalties[folderID]; ok && folderID != "" {
		now := s.opts.Now()
		if now.Before(until) {
			if p := until.Sub(now); p > delay {
				delay = p
			}
		} else {
			delete(s.penalties, folderID)
		}
	}

	from := s.state
	s.state = StateAttempting
	var timer Timer
	timer = s.opts.AfterFunc(delay, func() {
		s.mu.Lock()
		if s.timer != timer {
			s.mu.Unlock()
			return
		}
		s.timer = nil
		s.mu.Unlock()
		attempt()
	})
	s.timer = timer
	s.mu.Unlock()

	s.changed(from, StateAttempting)
	return true
}

// AttemptNow runs attempt right away regardless of the backoff delay. It still refuses while the
// account is broken or shut down.
func (s *Scheduler) AttemptNow(attempt func()) bool {
	s.mu.Lock()
	if s.state == StateBroken || s.state == StateShutdown {
		s.mu.Unlock()
		return false
	}
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
	from := s.state
	s.state = StateAttempting
	s.mu.Unlock()

	s.changed(from, StateAttempting)
	go attempt()
	return true
}

// NoteConnectFailureMaybeRetry records a failed attempt. It returns true when the caller may schedule
// another attempt, false once the retry budget is exhausted and the server is considered unreachable.
func (s *Scheduler) NoteConnectFailureMaybeRetry(reachable bool) bool {
	s.mu.Lock()
	if s.state == StateBroken || s.state == StateShutdown {
		s.mu.Unlock()
		return false
	}
	s.failures++
	s.lastReachable = reachable
	from := s.state
	next := s.policy.NextBackOff()
	if next == cbackoff.Stop {
		s.state = StateUnreachable
		s.nextDelay = 0
	} else {
		s.state = StateHealthy
		s.nextDelay = next
	}
	to := s.state
	s.mu.Unlock()

	s.changed(from, to)
	return to != StateUnreachable
}

// NoteBrokenConnection freezes all attempts until Reset.
func (s *Scheduler) NoteBrokenConnection() {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.stopTimerLocked()
	s.state = StateBroken
	s.lastReachable = true
	s.mu.Unlock()

	s.changed(from, StateBroken)
}

// NoteConnectSuccess clears the failure history.
func (s *Scheduler) NoteConnectSuccess() {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.resetLocked()
	s.mu.Unlock()

	s.changed(from, StateHealthy)
}

// NoteResourceProblem penalizes future attempts made on behalf of folderID.
func (s *Scheduler) NoteResourceProblem(folderID string) {
	if folderID == "" {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.penalties[folderID] = s.opts.Now().Add(s.opts.ResourcePenalty)
}

// Wake lifts the unreachable freeze. It is called when new demand arrives.
func (s *Scheduler) Wake() {
	s.mu.Lock()
	if s.state != StateUnreachable {
		s.mu.Unlock()
		return
	}
	s.resetLocked()
	s.mu.Unlock()

	s.changed(StateUnreachable, StateHealthy)
}

// Reset is the external recovery signal, e.g. after the user fixed the credentials.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	if s.state == StateShutdown {
		s.mu.Unlock()
		return
	}
	from := s.state
	s.stopTimerLocked()
	s.resetLocked()
	clear(s.penalties)
	s.mu.Unlock()

	s.changed(from, StateHealthy)
}

// Shutdown cancels any scheduled attempt and refuses new ones.
func (s *Scheduler) Shutdown() {
	s.mu.Lock()
	from := s.state
	s.stopTimerLocked()
	s.state = StateShutdown
	s.mu.Unlock()

	s.changed(from, StateShutdown)
}

// State returns the current state.
func (s *Scheduler) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Failures returns the number of consecutive failures since the last success or reset.
func (s *Scheduler) Failures() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failures
}

// LastFailureReachable reports whether the most recent failure came from a server that answered.
func (s *Scheduler) LastFailureReachable() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastReachable
}

// NextDelay is the delay the next scheduled attempt would wait, ignoring folder penalties.
func (s *Scheduler) NextDelay() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.nextDelay
}

func (s *Scheduler) resetLocked() {
	s.failures = 0
	s.lastReachable = true
	s.nextDelay = 0
	s.policy.Reset()
	if s.timer == nil {
		s.state = StateHealthy
	} else {
		s.state = StateAttempting
	}
}

func (s *Scheduler) stopTimerLocked() {
	if s.timer != nil {
		s.timer.Stop()
		s.timer = nil
	}
}

func (s *Scheduler) changed(from, to State) {
	if from != to && s.opts.OnStateChange != nil {
		s.opts.OnStateChange(from, to)
	}
}
