// Package loop runs closures on a single goroutine.
//
// Everything a Loop executes is serialized, so state touched only from the
// loop needs no locking. Timer and topology callbacks arriving on other
// goroutines are posted onto the loop instead of running in place.
package loop

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
)

var ErrStopped = errors.New("event loop stopped")

// Loop is a single-goroutine executor with an unbounded task queue.
// Use New to create, Start to begin running tasks and Stop to shut down.
type Loop struct {
	logger *slog.Logger

	mu      sync.Mutex
	tasks   []func()
	stopped bool
	wake    chan struct{}

	wg     sync.WaitGroup
	cancel context.CancelFunc
	exited chan struct{}
}

func New(logger *slog.Logger) *Loop {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Loop{
		logger: logger,
		wake:   make(chan struct{}, 1),
		exited: make(chan struct{}),
	}
}

// Start launches the loop goroutine. It returns immediately.
func (l *Loop) Start(ctx context.Context) {
	ctx, l.cancel = context.WithCancel(ctx)

	l.wg.Add(1)
	go l.run(ctx)

	l.logger.Info("event loop started")
}

// Stop halts the loop after the task it is running, drops pending tasks and
// waits for the goroutine to exit. Posting after Stop fails.
func (l *Loop) Stop() {
	l.mu.Lock()
	l.stopped = true
	dropped := len(l.tasks)
	l.tasks = nil
	l.mu.Unlock()

	if l.cancel != nil {
		l.cancel()
	}
	l.wg.Wait()
	l.logger.Info("event loop stopped", "dropped_tasks", dropped)
}

// Post queues fn to run on the loop. It reports false once the loop is
// stopped.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.tasks = append(l.tasks, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Do runs fn on the loop and waits for it to return. Calling Do from the
// loop itself deadlocks.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !l.Post(func() {
		defer close(done)
		fn()
	}) {
		return ErrStopped
	}

	select {
	case <-done:
		return nil
	case <-l.exited:
		select {
		case <-done:
			return nil
		default:
			return ErrStopped
		}
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending returns the number of queued tasks.
func (l *Loop) Pending() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.tasks)
}

func (l *Loop) run(ctx context.Context) {
	defer l.wg.Done()
	defer close(l.exited)

	for {
		select {
		case <-ctx.Done():
			l.mu.Lock()
			l.stopped = true
			l.mu.Unlock()
			return
		case <-l.wake:
		}

		for {
			l.mu.Lock()
			batch := l.tasks
			l.tasks = nil
			l.mu.Unlock()
			if len(batch) == 0 {
				break
			}

			for _, fn := range batch {
				if ctx.Err() != nil {
					return
				}
				l.exec(fn)
			}
		}
	}
}

func (l *Loop) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("event loop task panicked", "panic", r)
		}
	}()
	fn()
}
