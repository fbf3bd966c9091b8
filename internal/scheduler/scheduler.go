// Package scheduler runs callbacks on a clock. Every callback runs on its own
// goroutine and a panic in one is logged instead of taking the daemon down.
package scheduler

import (
	"context"
	"runtime/debug"
	"sync"
	"time"

	"github.com/coder/quartz"
	"github.com/rs/zerolog"
)

// Scheduler runs one-shot and periodic callbacks.
type Scheduler struct {
	clock  quartz.Clock
	logger zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu     sync.Mutex
	timers map[*pendingTimer]struct{}
}

type pendingTimer struct {
	timer *quartz.Timer
	once  sync.Once
}

// New creates a scheduler on clock. A nil clock uses the real clock.
func New(clock quartz.Clock, logger zerolog.Logger) *Scheduler {
	if clock == nil {
		clock = quartz.NewReal()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		clock:  clock,
		logger: logger.With().Str("component", "scheduler").Logger(),
		ctx:    ctx,
		cancel: cancel,
		timers: make(map[*pendingTimer]struct{}),
	}
}

// After runs fn once after d. The returned function cancels fn if it has
// not started yet.
func (s *Scheduler) After(d time.Duration, fn func()) func() {
	p := &pendingTimer{}

	// Close cancels under mu, so no Add can slip past its Wait.
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return func() {}
	}
	s.wg.Add(1)
	s.timers[p] = struct{}{}
	s.mu.Unlock()

	timer := s.clock.AfterFunc(d, func() {
		defer s.finish(p)
		if s.ctx.Err() != nil {
			return
		}
		s.run(fn)
	}, "scheduler", "after")

	s.mu.Lock()
	p.timer = timer
	s.mu.Unlock()

	// Close may have snapshotted p before its timer existed.
	if s.ctx.Err() != nil {
		s.stop(p)
	}

	return func() { s.stop(p) }
}

// Every runs fn every d until cancelled or the scheduler is closed.
func (s *Scheduler) Every(d time.Duration, fn func()) func() {
	s.mu.Lock()
	if s.ctx.Err() != nil {
		s.mu.Unlock()
		return func() {}
	}
	s.wg.Add(1)
	s.mu.Unlock()

	ctx, cancel := context.WithCancel(s.ctx)
	waiter := s.clock.TickerFunc(ctx, d, func() error {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		s.run(fn)
		return nil
	}, "scheduler", "every")

	go func() {
		defer s.wg.Done()
		_ = waiter.Wait()
	}()

	return cancel
}

// Close stops every callback and waits for running ones to return. After
// Close, After and Every schedule nothing.
func (s *Scheduler) Close() {
	s.mu.Lock()
	s.cancel()
	pending := make([]*pendingTimer, 0, len(s.timers))
	for p := range s.timers {
		pending = append(pending, p)
	}
	s.mu.Unlock()

	for _, p := range pending {
		s.stop(p)
	}
	s.wg.Wait()
}

func (s *Scheduler) stop(p *pendingTimer) {
	s.mu.Lock()
	timer := p.timer
	s.mu.Unlock()

	if timer != nil && timer.Stop() {
		s.finish(p)
	}
}

func (s *Scheduler) finish(p *pendingTimer) {
	p.once.Do(func() {
		s.mu.Lock()
		delete(s.timers, p)
		s.mu.Unlock()
		s.wg.Done()
	})
}

func (s *Scheduler) run(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered panic in scheduled callback")
		}
	}()
	fn()
}
