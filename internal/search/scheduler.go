package search

import (
	"context"
	"sync"
	"time"
)

// Scheduler coalesces rapid triggers: fn runs once, delay after the last
// Trigger. Runs happen on their own goroutine and may overlap; Pipeline
// discards the superseded ones.
type Scheduler struct {
	ctx   context.Context
	delay time.Duration
	fn    func(ctx context.Context)

	mu      sync.Mutex
	timer   *time.Timer
	stopped bool
	wg      sync.WaitGroup
}

func NewScheduler(ctx context.Context, delay time.Duration, fn func(ctx context.Context)) *Scheduler {
	return &Scheduler{ctx: ctx, delay: delay, fn: fn}
}

// Trigger (re)starts the debounce timer. It is a no-op after Stop.
func (s *Scheduler) Trigger() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	if s.timer != nil {
		s.timer.Stop()
	}
	s.timer = time.AfterFunc(s.delay, s.fire)
}

func (s *Scheduler) fire() {
	s.mu.Lock()
	if s.stopped || s.ctx.Err() != nil {
		s.mu.Unlock()
		return
	}
	s.wg.Add(1)
	s.mu.Unlock()

	defer s.wg.Done()
	s.fn(s.ctx)
}

// Stop cancels a pending trigger and waits for runs already started.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	if s.timer != nil {
		s.timer.Stop()
	}
	s.mu.Unlock()
	s.wg.Wait()
}
