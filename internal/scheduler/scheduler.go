// Package scheduler runs the per-chat recurring conversation job: one
// independent ticker goroutine per chat, so ticks for the same chat never
// overlap while different chats run fully concurrently.
package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// RunFunc is one tick of a chat's job. Returning stop=true cancels the
// chat's recurring job.
type RunFunc func(ctx context.Context, chatID string) (stop bool, err error)

// Scheduler owns the per-chat jobs and a pool of one-off follow-up jobs.
type Scheduler struct {
	run      RunFunc
	interval time.Duration
	log      zerolog.Logger

	root   context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	jobs map[string]context.CancelFunc

	// locks guards start/stop per chat so two near-simultaneous stop
	// requests cannot double-cancel. Entries are created lazily and never
	// removed; growth is bounded by the number of distinct chats ever seen.
	locks sync.Map

	wg sync.WaitGroup
}

func New(run RunFunc, interval time.Duration, log zerolog.Logger) *Scheduler {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	root, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		run:      run,
		interval: interval,
		log:      log,
		root:     root,
		cancel:   cancel,
		jobs:     make(map[string]context.CancelFunc),
	}
}

func (s *Scheduler) chatLock(chatID string) *sync.Mutex {
	v, _ := s.locks.LoadOrStore(chatID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

// Schedule ensures a recurring job exists for the chat. Idempotent: a chat
// that already has a job keeps it.
func (s *Scheduler) Schedule(chatID string) {
	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	if _, exists := s.jobs[chatID]; exists {
		s.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(s.root)
	s.jobs[chatID] = cancel
	s.mu.Unlock()

	s.wg.Add(1)
	go s.loop(ctx, chatID)
	s.log.Info().Str("chat", chatID).Dur("interval", s.interval).Msg("conversation job scheduled")
}

// Stop cancels the chat's recurring job. Idempotent and safe to invoke
// concurrently with a duplicate stop request.
func (s *Scheduler) Stop(chatID string) {
	lock := s.chatLock(chatID)
	lock.Lock()
	defer lock.Unlock()

	s.mu.Lock()
	cancel, exists := s.jobs[chatID]
	if exists {
		delete(s.jobs, chatID)
	}
	s.mu.Unlock()
	if !exists {
		return
	}
	cancel()
	s.log.Info().Str("chat", chatID).Msg("conversation job stopped")
}

// Active reports whether the chat currently has a recurring job.
func (s *Scheduler) Active(chatID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.jobs[chatID]
	return ok
}

func (s *Scheduler) loop(ctx context.Context, chatID string) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stop, err := s.run(ctx, chatID)
			if err != nil {
				// Log and continue; the next tick re-derives the right
				// action from stored state.
				s.log.Error().Err(err).Str("chat", chatID).Msg("conversation tick failed")
				continue
			}
			if stop {
				s.Stop(chatID)
				return
			}
		}
	}
}

// ScheduleOnce runs a one-off job after delay, bounded by the scheduler's
// lifetime.
func (s *Scheduler) ScheduleOnce(delay time.Duration, job func(ctx context.Context)) {
	id := uuid.NewString()
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		t := time.NewTimer(delay)
		defer t.Stop()
		select {
		case <-s.root.Done():
			return
		case <-t.C:
		}
		s.log.Debug().Str("job", id).Msg("one-off job running")
		job(s.root)
	}()
}

// Close cancels every job and waits for the goroutines to drain.
func (s *Scheduler) Close() {
	s.cancel()
	s.wg.Wait()
}
