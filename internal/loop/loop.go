// Package loop provides the serial reactor that every state change in a
// session runs on. Reactions posted to a Loop never run in parallel; blocking
// work runs on its own goroutine and reports back through Post.
package loop

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/sandwichfarm/chorus/internal/ops"
)

// ErrClosed is returned when posting to a stopped loop
var ErrClosed = errors.New("loop closed")

// Dispatcher schedules reactions and off-loop work
type Dispatcher interface {
	// Post queues fn to run on the loop after everything already queued.
	Post(fn func())
	// Go runs work off the loop and posts done(err) back onto it.
	Go(work func(ctx context.Context) error, done func(err error))
}

// Stats reports queue counters
type Stats struct {
	Posted   int64
	Executed int64
	Panics   int64
}

// Loop is a single-goroutine FIFO reactor
type Loop struct {
	tasks  chan func()
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	logger *ops.Logger

	mu    sync.Mutex
	stats Stats
}

// New starts a loop with the given queue capacity
func New(parent context.Context, capacity int, logger *ops.Logger) *Loop {
	if capacity <= 0 {
		capacity = 256
	}
	if logger == nil {
		logger = ops.Discard()
	}

	ctx, cancel := context.WithCancel(parent)
	l := &Loop{
		tasks:  make(chan func(), capacity),
		ctx:    ctx,
		cancel: cancel,
		logger: logger.WithComponent("loop"),
	}

	l.wg.Add(1)
	go l.run()

	return l
}

// Context is cancelled when the loop stops; off-loop work should honour it
func (l *Loop) Context() context.Context {
	return l.ctx
}

// Post queues fn. It blocks while the queue is full and silently drops fn
// once the loop has stopped.
func (l *Loop) Post(fn func()) {
	_ = l.TryPost(fn)
}

// TryPost is Post that reports a stopped loop
func (l *Loop) TryPost(fn func()) error {
	select {
	case <-l.ctx.Done():
		return ErrClosed
	default:
	}

	select {
	case l.tasks <- fn:
		l.mu.Lock()
		l.stats.Posted++
		l.mu.Unlock()
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	}
}

// Go runs work on a new goroutine and posts done back onto the loop
func (l *Loop) Go(work func(ctx context.Context) error, done func(err error)) {
	go func() {
		err := work(l.ctx)
		if done != nil {
			l.Post(func() { done(err) })
		}
	}()
}

// Sync runs fn on the loop and waits for it. Must not be called from the loop.
func (l *Loop) Sync(fn func()) error {
	finished := make(chan struct{})
	if err := l.TryPost(func() {
		defer close(finished)
		fn()
	}); err != nil {
		return err
	}

	select {
	case <-finished:
		return nil
	case <-l.ctx.Done():
		return ErrClosed
	}
}

// Stop cancels the loop and waits for the current reaction to finish.
// Reactions still queued are discarded.
func (l *Loop) Stop() {
	l.cancel()
	l.wg.Wait()
}

// Stats returns a snapshot of the queue counters
func (l *Loop) Stats() Stats {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.stats
}

func (l *Loop) run() {
	defer l.wg.Done()

	for {
		select {
		case <-l.ctx.Done():
			return
		case fn := <-l.tasks:
			l.execute(fn)
		}
	}
}

func (l *Loop) execute(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.mu.Lock()
			l.stats.Panics++
			l.mu.Unlock()
			l.logger.Error("reaction panicked", "panic", fmt.Sprintf("%v", r))
		}
	}()

	fn()

	l.mu.Lock()
	l.stats.Executed++
	l.mu.Unlock()
}
