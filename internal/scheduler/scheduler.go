// Package scheduler implements the named one-shot and repeating timer
// registry used throughout the account event loop: re-registration,
// re-authentication, subscription refresh, and nonce/auth-state cleanup all
// share this single mechanism rather than ad-hoc time.After loops.
package scheduler

import (
	"container/heap"
	"log/slog"
	"sync"
	"time"
)

// Action is invoked when a scheduled deadline fires. Returning Repeat
// re-arms an action armed with ScheduleRepeating at its interval from now;
// a one-shot action armed with Schedule is removed whatever it returns.
// Returning Done removes it permanently.
type Action func(payload any) Result

// Result tells the scheduler whether to re-arm the action.
type Result int

const (
	Done Result = iota
	Repeat
)

// Disposer frees resources held by a payload. It runs whenever an action is
// cancelled (by reschedule or explicit Cancel) or completes without Repeat.
type Disposer func(payload any)

// entry is one scheduled action, tracked both in the deadline heap and in
// the name index so it can be cancelled or superseded in O(log n).
type entry struct {
	name     string
	deadline time.Time
	interval time.Duration
	action   Action
	payload  any
	disposer Disposer
	index    int // heap index, maintained by container/heap
	cancelled bool
}

// Scheduler runs every registered Action from a single goroutine, matching
// the cooperative single-threaded event-loop model of the account context:
// no Action ever executes concurrently with another.
type Scheduler struct {
	mu      sync.Mutex
	byName  map[string]*entry
	heap    entryHeap
	wake    chan struct{}
	stop    chan struct{}
	stopped bool
	logger  *slog.Logger
	now     func() time.Time

	// dispatch, if set, runs a fired action through it instead of directly
	// on the scheduler's own goroutine, and blocks until it returns. An
	// account context sets this to fold timer firings into its single
	// cooperative event-loop goroutine alongside wire reads, so a
	// scheduled action never runs concurrently with a response being
	// processed off the connection.
	dispatch func(func())
}

// New creates a Scheduler and starts its driving goroutine.
func New(logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Scheduler{
		byName: make(map[string]*entry),
		wake:   make(chan struct{}, 1),
		stop:   make(chan struct{}),
		logger: logger.With("subsystem", "scheduler"),
		now:    time.Now,
	}
	go s.run()
	return s
}

// Schedule arms action to fire after delay, under name. If an action is
// already registered under name, it is cancelled (its disposer invoked)
// before the new one is armed: at most one live action per name.
func (s *Scheduler) Schedule(name string, delay time.Duration, action Action, payload any, disposer Disposer) {
	s.scheduleAt(name, s.now().Add(delay), 0, action, payload, disposer)
}

// ScheduleRepeating arms a recurring action with fixed interval, re-arming
// itself whenever action returns Repeat without requiring the caller to
// reschedule.
func (s *Scheduler) ScheduleRepeating(name string, interval time.Duration, action Action, payload any, disposer Disposer) {
	s.scheduleAt(name, s.now().Add(interval), interval, action, payload, disposer)
}

func (s *Scheduler) scheduleAt(name string, deadline time.Time, interval time.Duration, action Action, payload any, disposer Disposer) {
	s.mu.Lock()
	s.cancelLocked(name)
	e := &entry{
		name:     name,
		deadline: deadline,
		interval: interval,
		action:   action,
		payload:  payload,
		disposer: disposer,
	}
	s.byName[name] = e
	heap.Push(&s.heap, e)
	s.mu.Unlock()

	select {
	case s.wake <- struct{}{}:
	default:
	}
}

// Cancel removes a scheduled action by name, disposing its payload. It is a
// no-op if no action is registered under name.
func (s *Scheduler) Cancel(name string) {
	s.mu.Lock()
	s.cancelLocked(name)
	s.mu.Unlock()
}

// cancelLocked must be called with s.mu held.
func (s *Scheduler) cancelLocked(name string) {
	e, ok := s.byName[name]
	if !ok {
		return
	}
	delete(s.byName, name)
	e.cancelled = true
	if e.index >= 0 && e.index < len(s.heap) {
		heap.Remove(&s.heap, e.index)
	}
	if e.disposer != nil {
		e.disposer(e.payload)
	}
}

// SetDispatch installs the function every subsequently fired action is run
// through. dispatch must run its argument and return only once that
// argument has finished executing (a synchronous post-and-wait), since
// fireDue depends on the action's Result to decide whether to re-arm it.
func (s *Scheduler) SetDispatch(dispatch func(func())) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dispatch = dispatch
}

// Pending reports whether an action is currently registered under name.
func (s *Scheduler) Pending(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.byName[name]
	return ok
}

// Stop halts the driving goroutine and disposes every remaining payload —
// used on connection teardown to cancel all timers with payload disposal.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for name := range s.byName {
		s.cancelLocked(name)
	}
	s.mu.Unlock()
	close(s.stop)
}

func (s *Scheduler) run() {
	timer := time.NewTimer(time.Hour)
	defer timer.Stop()

	for {
		s.mu.Lock()
		var nextDelay time.Duration
		if len(s.heap) == 0 {
			nextDelay = time.Hour
		} else {
			nextDelay = s.heap[0].deadline.Sub(s.now())
			if nextDelay < 0 {
				nextDelay = 0
			}
		}
		s.mu.Unlock()

		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		timer.Reset(nextDelay)

		select {
		case <-s.stop:
			return
		case <-s.wake:
			continue
		case <-timer.C:
			s.fireDue()
		}
	}
}

// fireDue pops every entry whose deadline has passed and runs it, removing
// it from the registry first so a self-rescheduling action observes no
// stale entry under its own name: the action is removed from the registry
// before the action function executes.
func (s *Scheduler) fireDue() {
	for {
		s.mu.Lock()
		if len(s.heap) == 0 || s.heap[0].deadline.After(s.now()) {
			s.mu.Unlock()
			return
		}
		e := heap.Pop(&s.heap).(*entry)
		delete(s.byName, e.name)
		s.mu.Unlock()

		result := s.safeRun(e)

		if result == Repeat && e.interval > 0 && !e.cancelled {
			s.scheduleAt(e.name, s.now().Add(e.interval), e.interval, e.action, e.payload, e.disposer)
		} else if e.disposer != nil {
			e.disposer(e.payload)
		}
	}
}

func (s *Scheduler) safeRun(e *entry) (result Result) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduled action panicked", "name", e.name, "panic", r)
			result = Done
		}
	}()

	s.mu.Lock()
	dispatch := s.dispatch
	s.mu.Unlock()

	if dispatch == nil {
		return e.action(e.payload)
	}
	dispatch(func() {
		result = e.action(e.payload)
	})
	return result
}

// entryHeap is a min-heap over deadlines implementing container/heap.Interface.
type entryHeap []*entry

func (h entryHeap) Len() int            { return len(h) }
func (h entryHeap) Less(i, j int) bool  { return h[i].deadline.Before(h[j].deadline) }
func (h entryHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *entryHeap) Push(x any) {
	e := x.(*entry)
	e.index = len(*h)
	*h = append(*h, e)
}

func (h *entryHeap) Pop() any {
	old := *h
	n := len(old)
	e := old[n-1]
	old[n-1] = nil
	e.index = -1
	*h = old[:n-1]
	return e
}
