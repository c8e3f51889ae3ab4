package loop

import (
	"context"
	"sync"
)

// Manual is a Dispatcher that holds posts and work until the caller runs them.
// It makes interleavings reproducible: a test can apply an event between an
// optimistic write and its server confirmation.
type Manual struct {
	mu     sync.Mutex
	posted []func()
	jobs   []manualJob
	ctx    context.Context
}

type manualJob struct {
	work func(ctx context.Context) error
	done func(err error)
}

// NewManual returns an empty manual dispatcher
func NewManual() *Manual {
	return &Manual{ctx: context.Background()}
}

// Post queues fn until Drain
func (m *Manual) Post(fn func()) {
	m.mu.Lock()
	m.posted = append(m.posted, fn)
	m.mu.Unlock()
}

// Go queues work until RunNext or RunAll
func (m *Manual) Go(work func(ctx context.Context) error, done func(err error)) {
	m.mu.Lock()
	m.jobs = append(m.jobs, manualJob{work: work, done: done})
	m.mu.Unlock()
}

// PendingJobs reports how many Go calls are waiting
func (m *Manual) PendingJobs() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.jobs)
}

// Drain runs posted reactions, including ones they post, until none remain
func (m *Manual) Drain() int {
	ran := 0
	for {
		m.mu.Lock()
		if len(m.posted) == 0 {
			m.mu.Unlock()
			return ran
		}
		fn := m.posted[0]
		m.posted = m.posted[1:]
		m.mu.Unlock()

		fn()
		ran++
	}
}

// RunNext runs the oldest queued job and its completion, then drains posts
func (m *Manual) RunNext() bool {
	m.mu.Lock()
	if len(m.jobs) == 0 {
		m.mu.Unlock()
		return false
	}
	job := m.jobs[0]
	m.jobs = m.jobs[1:]
	m.mu.Unlock()

	err := job.work(m.ctx)
	if job.done != nil {
		job.done(err)
	}
	m.Drain()
	return true
}

// RunAll runs jobs and posts until both queues are empty
func (m *Manual) RunAll() {
	m.Drain()
	for m.RunNext() {
	}
}
