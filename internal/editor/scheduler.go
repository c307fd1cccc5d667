package editor

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/fclairamb/kbsync/internal/apperrors"
)

// SaveFunc saves content for a document.
type SaveFunc func(ctx context.Context, docID, content string) error

// Scheduler debounces saves per document: a new Schedule replaces the pending
// task of the same document.
type Scheduler struct {
	ctx    context.Context
	save   SaveFunc
	logger *slog.Logger

	mu      sync.Mutex
	tasks   map[string]*task
	stopped bool
	running sync.WaitGroup
}

type task struct {
	timer   *time.Timer
	content string
}

// SchedulerOption configures a Scheduler.
type SchedulerOption func(*Scheduler)

// WithSchedulerLogger sets a custom logger.
func WithSchedulerLogger(l *slog.Logger) SchedulerOption {
	return func(s *Scheduler) {
		s.logger = l
	}
}

// NewScheduler creates a scheduler. Timed saves run with ctx.
func NewScheduler(ctx context.Context, save SaveFunc, opts ...SchedulerOption) *Scheduler {
	s := &Scheduler{
		ctx:    ctx,
		save:   save,
		logger: slog.Default(),
		tasks:  make(map[string]*task),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Schedule saves content for docID after delay unless replaced or cancelled first.
func (s *Scheduler) Schedule(docID, content string, delay time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.stopped {
		return
	}
	if prev, ok := s.tasks[docID]; ok {
		prev.timer.Stop()
	}

	t := &task{content: content}
	t.timer = time.AfterFunc(delay, func() { s.fire(docID, t) })
	s.tasks[docID] = t

	s.logger.DebugContext(s.ctx, "Scheduled save", "file_id", docID, "delay", delay)
}

// SaveNow cancels the pending task of docID and saves content immediately.
func (s *Scheduler) SaveNow(ctx context.Context, docID, content string) error {
	s.Cancel(docID)
	return s.save(ctx, docID, content)
}

// Cancel drops the pending task of docID and reports whether there was one.
func (s *Scheduler) Cancel(docID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[docID]
	if !ok {
		return false
	}
	t.timer.Stop()
	delete(s.tasks, docID)
	return true
}

// Pending returns the content waiting to be saved for docID.
func (s *Scheduler) Pending(docID string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[docID]
	if !ok {
		return "", false
	}
	return t.content, true
}

// Flush runs every pending task now and returns the first error.
func (s *Scheduler) Flush(ctx context.Context) error {
	s.mu.Lock()
	tasks := s.tasks
	s.tasks = make(map[string]*task)
	s.mu.Unlock()

	var firstErr error
	for docID, t := range tasks {
		t.timer.Stop()
		if err := s.save(ctx, docID, t.content); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Stop cancels every pending task and waits for saves already running.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	s.stopped = true
	for docID, t := range s.tasks {
		t.timer.Stop()
		delete(s.tasks, docID)
	}
	s.mu.Unlock()

	s.running.Wait()
}

func (s *Scheduler) fire(docID string, t *task) {
	s.mu.Lock()
	if s.tasks[docID] != t {
		// Replaced or cancelled after the timer fired.
		s.mu.Unlock()
		return
	}
	delete(s.tasks, docID)
	s.running.Add(1)
	s.mu.Unlock()
	defer s.running.Done()

	err := s.save(s.ctx, docID, t.content)
	switch {
	case err == nil:
	case errors.Is(err, apperrors.ErrQueuedOffline):
		s.logger.InfoContext(s.ctx, "Autosave queued offline", "file_id", docID)
	default:
		s.logger.WarnContext(s.ctx, "Autosave failed", "file_id", docID, "error", err)
	}
}
