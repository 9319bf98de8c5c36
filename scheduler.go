package resilient

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/coder/quartz"
)

// Scheduler drives one DelayPolicy across the attempts of a single retry
// sequence. It owns a start-time anchor and a monotonically increasing
// attempt counter. One Scheduler belongs to one logical request; create a
// fresh one (or call Reset) for a new sequence.
type Scheduler struct {
	mu       sync.Mutex
	policy   DelayPolicy
	clock    quartz.Clock
	start    time.Time
	attempts int
	observe  func(delay time.Duration)
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerClock substitutes the clock used for elapsed-time tracking
// and delay waits. Intended for deterministic tests.
func WithSchedulerClock(clock quartz.Clock) SchedulerOption {
	return func(s *Scheduler) {
		s.clock = clock
	}
}

// WithSchedulerWaitObserver registers a callback receiving the delay waited
// before each advanced attempt. Used to feed the retry-delay histogram.
func WithSchedulerWaitObserver(fn func(delay time.Duration)) SchedulerOption {
	return func(s *Scheduler) {
		s.observe = fn
	}
}

// NewScheduler creates a scheduler owning the given policy. The elapsed-time
// anchor starts at construction.
func NewScheduler(policy DelayPolicy, opts ...SchedulerOption) (*Scheduler, error) {
	if policy == nil {
		return nil, newValidationError("scheduler requires a delay policy")
	}
	s := &Scheduler{
		policy: policy,
		clock:  quartz.NewReal(),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.start = s.clock.Now()
	return s, nil
}

// Attempts returns the number of attempts already made in this sequence.
func (s *Scheduler) Attempts() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// Elapsed returns the time since the sequence began (or the last Reset).
func (s *Scheduler) Elapsed() time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clock.Since(s.start)
}

// WaitAndAdvance consults the owned policy and, if another attempt is
// allowed, suspends for the computed delay and increments the attempt
// counter. It returns false without side effects when the policy signals
// stop. Negative delays retry immediately. Cancellation of ctx during the
// wait is propagated, leaving the counter untouched.
func (s *Scheduler) WaitAndAdvance(ctx context.Context) (bool, error) {
	s.mu.Lock()
	delay, ok := s.policy.NextDelay(s.clock.Since(s.start), s.attempts)
	s.mu.Unlock()
	if !ok {
		return false, nil
	}
	if delay > 0 {
		timer := s.clock.NewTimer(delay)
		defer timer.Stop()
		select {
		case <-timer.C:
		case <-ctx.Done():
			return false, ctx.Err()
		}
	} else if err := ctx.Err(); err != nil {
		return false, err
	}
	s.mu.Lock()
	s.attempts++
	s.mu.Unlock()
	if s.observe != nil {
		if delay < 0 {
			delay = 0
		}
		s.observe(delay)
	}
	return true, nil
}

// Reset re-initializes the elapsed-time anchor and the attempt counter for
// reuse with a fresh retry sequence.
func (s *Scheduler) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.start = s.clock.Now()
	s.attempts = 0
}

// schedulerSlot is the per-logical-request property bag entry caching one
// scheduler per handler so the attempt counter survives across the attempts
// of a retry sequence. It travels with the request context and is preserved
// by CloneRequest.
type schedulerSlot struct {
	mu sync.Mutex
	m  map[interface{}]*Scheduler
}

func (sl *schedulerSlot) get(owner interface{}, build func() (*Scheduler, error)) (*Scheduler, error) {
	sl.mu.Lock()
	defer sl.mu.Unlock()
	if s, ok := sl.m[owner]; ok {
		return s, nil
	}
	s, err := build()
	if err != nil {
		return nil, err
	}
	if sl.m == nil {
		sl.m = make(map[interface{}]*Scheduler)
	}
	sl.m[owner] = s
	return s, nil
}

// WithRetrySequence returns a context carrying the retry-sequence state
// shared by all attempts of one logical request. Dispatch loops should
// install it before the first attempt; Dispatcher does this automatically.
func WithRetrySequence(ctx context.Context) context.Context {
	if ctx.Value(schedulerSlotKey) != nil {
		return ctx
	}
	return context.WithValue(ctx, schedulerSlotKey, &schedulerSlot{})
}

// schedulerFor returns the cached scheduler for this logical request and
// handler, building one from the policy factory on first failure. Requests
// without retry-sequence state get a fresh scheduler per call.
func schedulerFor(req *http.Request, owner interface{}, clock quartz.Clock, policy func() (DelayPolicy, error), opts ...SchedulerOption) (*Scheduler, error) {
	build := func() (*Scheduler, error) {
		p, err := policy()
		if err != nil {
			return nil, err
		}
		return NewScheduler(p, append([]SchedulerOption{WithSchedulerClock(clock)}, opts...)...)
	}
	slot, _ := req.Context().Value(schedulerSlotKey).(*schedulerSlot)
	if slot == nil {
		return build()
	}
	return slot.get(owner, build)
}
