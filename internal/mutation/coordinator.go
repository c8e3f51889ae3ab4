// Package mutation implements optimistic apply, confirm and rollback for
// user-initiated toggles. Every method must be called on the loop.
package mutation

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/sandwichfarm/chorus/internal/loop"
	"github.com/sandwichfarm/chorus/internal/ops"
)

// Key identifies a mutation target; at most one mutation per key is applied
type Key struct {
	EntityID string
	Action   string
}

func (k Key) String() string {
	return k.Action + ":" + k.EntityID
}

// Status is the lifecycle state of a pending mutation
type Status int

const (
	StatusApplied Status = iota
	StatusConfirmed
	StatusRolledBack
)

func (s Status) String() string {
	switch s {
	case StatusApplied:
		return "applied"
	case StatusConfirmed:
		return "confirmed"
	case StatusRolledBack:
		return "rolled_back"
	default:
		return "unknown"
	}
}

// Mutation describes one optimistic edit
type Mutation struct {
	Key Key

	// Apply writes the optimistic delta. Required.
	Apply func()
	// Revert undoes Apply. Required.
	Revert func()
	// Commit folds a confirmed delta into the confirmed state.
	Commit func()
	// Exists reports whether the target is still present; final writes are
	// skipped when it returns false.
	Exists func() bool
	// Call performs the server request off the loop. Required.
	Call func(ctx context.Context) error
	// Refetch asks the owner to reload the target after a conflict.
	Refetch func()

	// EchoInsert is true when the server echo of this mutation is an insert
	// and false when it is a delete.
	EchoInsert bool
	// NoRetry disables transient retries for this mutation.
	NoRetry bool
	// OnSettled is called on the loop once the mutation is confirmed or rolled back.
	OnSettled func(Settlement)
}

// Settlement describes how a mutation ended
type Settlement struct {
	Key      Key
	Status   Status
	Kind     Kind
	Err      error
	Attempts int
	// Skipped is set when the target vanished before the final write.
	Skipped bool
}

// PendingMutation is the index entry for an applied mutation
type PendingMutation struct {
	Key       Key
	Status    Status
	StartedAt time.Time
}

// Options configures retry and echo behaviour
type Options struct {
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	EchoWindow     time.Duration
	Now            func() time.Time
}

type echoToken struct {
	insert   bool
	consumed bool
	// expires is zero while the mutation is applied
	expires time.Time
}

// Coordinator runs mutations against a dispatcher
type Coordinator struct {
	dispatch loop.Dispatcher
	opts     Options
	logger   *ops.Logger

	pending   map[Key]*PendingMutation
	echoes    map[Key]*echoToken
	history   map[Key]Settlement
	listeners []func(Settlement)
}

// NewCoordinator creates a coordinator
func NewCoordinator(dispatch loop.Dispatcher, opts Options, logger *ops.Logger) *Coordinator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.InitialBackoff <= 0 {
		opts.InitialBackoff = 250 * time.Millisecond
	}
	if opts.MaxBackoff < opts.InitialBackoff {
		opts.MaxBackoff = opts.InitialBackoff
	}
	if logger == nil {
		logger = ops.Discard()
	}

	return &Coordinator{
		dispatch: dispatch,
		opts:     opts,
		logger:   logger.WithComponent("mutations"),
		pending:  make(map[Key]*PendingMutation),
		echoes:   make(map[Key]*echoToken),
		history:  make(map[Key]Settlement),
	}
}

// OnSettled registers a listener for every settlement
func (c *Coordinator) OnSettled(fn func(Settlement)) {
	c.listeners = append(c.listeners, fn)
}

// Perform applies m optimistically and starts its server call
func (c *Coordinator) Perform(m Mutation) error {
	if m.Apply == nil || m.Revert == nil || m.Call == nil {
		return fmt.Errorf("mutation %s: apply, revert and call are required", m.Key)
	}
	if p, ok := c.pending[m.Key]; ok && p.Status == StatusApplied {
		return fmt.Errorf("%s: %w", m.Key, ErrAlreadyPending)
	}

	m.Apply()
	c.pending[m.Key] = &PendingMutation{
		Key:       m.Key,
		Status:    StatusApplied,
		StartedAt: c.opts.Now(),
	}
	c.echoes[m.Key] = &echoToken{insert: m.EchoInsert}

	var attempts int
	c.dispatch.Go(func(ctx context.Context) error {
		return c.call(ctx, m, &attempts)
	}, func(err error) {
		c.settle(m, err, attempts)
	})

	return nil
}

func (c *Coordinator) call(ctx context.Context, m Mutation, attempts *int) error {
	op := func() error {
		*attempts++
		err := m.Call(ctx)
		if err == nil {
			return nil
		}
		if m.NoRetry || Classify(err) != KindTransient {
			return backoff.Permanent(err)
		}
		return err
	}

	if m.NoRetry || c.opts.MaxRetries <= 0 {
		err := op()
		var permanent *backoff.PermanentError
		if errors.As(err, &permanent) {
			return permanent.Err
		}
		return err
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = c.opts.InitialBackoff
	b.MaxInterval = c.opts.MaxBackoff
	b.MaxElapsedTime = 0

	policy := backoff.WithContext(backoff.WithMaxRetries(b, uint64(c.opts.MaxRetries)), ctx)
	return backoff.Retry(op, policy)
}

func (c *Coordinator) settle(m Mutation, err error, attempts int) {
	s := Settlement{
		Key:      m.Key,
		Kind:     Classify(err),
		Err:      err,
		Attempts: attempts,
	}

	alive := m.Exists == nil || m.Exists()
	s.Skipped = !alive

	if err == nil {
		s.Status = StatusConfirmed
		if alive && m.Commit != nil {
			m.Commit()
		}
		if tok, ok := c.echoes[m.Key]; ok {
			tok.expires = c.opts.Now().Add(c.opts.EchoWindow)
		}
	} else {
		s.Status = StatusRolledBack
		if alive {
			m.Revert()
		}
		delete(c.echoes, m.Key)
		if s.Kind == KindConflict && alive && m.Refetch != nil {
			m.Refetch()
		}
	}

	delete(c.pending, m.Key)
	c.history[m.Key] = s

	c.logger.LogMutationSettled(m.Key.EntityID, m.Key.Action, s.Status.String(), attempts, err)

	if m.OnSettled != nil {
		m.OnSettled(s)
	}
	for _, fn := range c.listeners {
		fn(s)
	}
}

// IsPending reports whether key has an applied mutation
func (c *Coordinator) IsPending(key Key) bool {
	p, ok := c.pending[key]
	return ok && p.Status == StatusApplied
}

// Pending returns the applied mutations
func (c *Coordinator) Pending() []PendingMutation {
	out := make([]PendingMutation, 0, len(c.pending))
	for _, p := range c.pending {
		out = append(out, *p)
	}
	return out
}

// LastSettlement returns the most recent settlement for key
func (c *Coordinator) LastSettlement(key Key) (Settlement, bool) {
	s, ok := c.history[key]
	return s, ok
}

// ConsumeEcho reports whether a remote insert (or delete) for key is the
// server echo of the latest local mutation. Each echo token is consumed at
// most once; an event in the other direction never consumes it.
func (c *Coordinator) ConsumeEcho(key Key, insert bool) bool {
	tok, ok := c.echoes[key]
	if !ok || tok.consumed || tok.insert != insert {
		return false
	}

	if !c.IsPending(key) {
		if tok.expires.IsZero() || !c.opts.Now().Before(tok.expires) {
			delete(c.echoes, key)
			return false
		}
	}

	tok.consumed = true
	return true
}

// ExpireEchoes drops echo tokens whose window has passed
func (c *Coordinator) ExpireEchoes() int {
	now := c.opts.Now()
	removed := 0
	for key, tok := range c.echoes {
		if c.IsPending(key) {
			continue
		}
		if tok.consumed || !now.Before(tok.expires) {
			delete(c.echoes, key)
			removed++
		}
	}
	return removed
}
