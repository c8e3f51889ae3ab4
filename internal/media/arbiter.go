// Package media keeps at most one audio or video session alive at a time.
// All methods must be called on the loop.
package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sandwichfarm/chorus/internal/loop"
	"github.com/sandwichfarm/chorus/internal/ops"
)

// ErrResourceUnavailable is recorded for an item whose resource could not be created or started
var ErrResourceUnavailable = errors.New("media resource unavailable")

// Kind is the media type of a session
type Kind string

const (
	KindAudio Kind = "audio"
	KindVideo Kind = "video"
)

// State of a playback session
type State int

const (
	StateIdle State = iota
	StateLoading
	StatePlaying
)

func (s State) String() string {
	switch s {
	case StateLoading:
		return "loading"
	case StatePlaying:
		return "playing"
	default:
		return "idle"
	}
}

// Resource is a native player. Dispose must be safe to call more than once.
type Resource interface {
	Play(ctx context.Context) error
	Stop() error
	Dispose()
	// OnComplete registers the natural-end callback; it may fire on any goroutine.
	OnComplete(fn func())
}

// Factory creates a resource for one acquisition
type Factory func(ctx context.Context) (Resource, error)

type slot struct {
	gen      uint64
	itemID   string
	kind     Kind
	state    State
	res      Resource
	cancel   context.CancelFunc
	released bool
}

// Handle controls a single acquisition
type Handle struct {
	arbiter *Arbiter
	gen     uint64
	ItemID  string
}

// Release stops this acquisition if it is still the active one
func (h Handle) Release() {
	if h.arbiter == nil {
		return
	}
	h.arbiter.releaseGen(h.gen, "released")
}

// Valid reports whether the handle refers to an acquisition
func (h Handle) Valid() bool {
	return h.arbiter != nil
}

// Session describes the active playback session
type Session struct {
	ItemID string
	Kind   Kind
	State  State
}

// Arbiter owns the single media slot
type Arbiter struct {
	dispatch    loop.Dispatcher
	logger      *ops.Logger
	loadTimeout time.Duration

	active *slot
	gen    uint64
	errs   map[string]error

	created  int
	disposed int
}

// NewArbiter creates an idle arbiter. loadTimeout bounds resource creation.
func NewArbiter(dispatch loop.Dispatcher, loadTimeout time.Duration, logger *ops.Logger) *Arbiter {
	if logger == nil {
		logger = ops.Discard()
	}
	return &Arbiter{
		dispatch:    dispatch,
		logger:      logger.WithComponent("media"),
		loadTimeout: loadTimeout,
		errs:        make(map[string]error),
	}
}

// Acquire starts playback of itemID, releasing any other active session.
// Acquiring the item that is playing stops it; acquiring the item that is
// loading does nothing.
func (a *Arbiter) Acquire(itemID string, kind Kind, factory Factory) Handle {
	if cur := a.active; cur != nil && cur.itemID == itemID {
		switch cur.state {
		case StatePlaying:
			a.release(cur, "toggled")
			return Handle{}
		case StateLoading:
			return Handle{arbiter: a, gen: cur.gen, ItemID: itemID}
		}
	}

	if a.active != nil {
		a.release(a.active, "replaced")
	}

	a.gen++
	var (
		ctx    context.Context
		cancel context.CancelFunc
	)
	if a.loadTimeout > 0 {
		ctx, cancel = context.WithTimeout(context.Background(), a.loadTimeout)
	} else {
		ctx, cancel = context.WithCancel(context.Background())
	}

	s := &slot{
		gen:    a.gen,
		itemID: itemID,
		kind:   kind,
		state:  StateLoading,
		cancel: cancel,
	}
	a.active = s
	delete(a.errs, itemID)
	a.logger.LogPlayback(itemID, string(kind), StateLoading.String(), nil)

	var res Resource
	a.dispatch.Go(func(_ context.Context) error {
		r, err := factory(ctx)
		if err != nil {
			return err
		}
		res = r
		r.OnComplete(func() {
			a.dispatch.Post(func() { a.releaseGen(s.gen, "completed") })
		})
		return r.Play(ctx)
	}, func(err error) {
		a.arrived(s, res, err)
	})

	return Handle{arbiter: a, gen: s.gen, ItemID: itemID}
}

func (a *Arbiter) arrived(s *slot, res Resource, err error) {
	if res != nil {
		a.created++
	}

	if s.released || a.active != s {
		if res != nil {
			_ = res.Stop()
			a.dispose(res)
		}
		a.logger.Debug("disposed resource for cancelled acquisition", "item_id", s.itemID)
		return
	}

	if err != nil {
		if res != nil {
			a.dispose(res)
		}
		s.released = true
		s.cancel()
		a.active = nil
		a.errs[s.itemID] = fmt.Errorf("%s: %w: %v", s.itemID, ErrResourceUnavailable, err)
		a.logger.LogPlayback(s.itemID, string(s.kind), StateIdle.String(), err)
		return
	}

	s.res = res
	s.state = StatePlaying
	a.logger.LogPlayback(s.itemID, string(s.kind), StatePlaying.String(), nil)
}

func (a *Arbiter) releaseGen(gen uint64, reason string) {
	if a.active == nil || a.active.gen != gen {
		return
	}
	a.release(a.active, reason)
}

// release stops and disposes the slot's resource exactly once
func (a *Arbiter) release(s *slot, reason string) {
	if s.released {
		return
	}
	s.released = true
	s.cancel()

	if s.res != nil {
		if err := s.res.Stop(); err != nil {
			a.logger.Debug("stop failed", "item_id", s.itemID, "error", err)
		}
		a.dispose(s.res)
		s.res = nil
	}

	if a.active == s {
		a.active = nil
	}
	a.logger.LogPlayback(s.itemID, string(s.kind), StateIdle.String()+" ("+reason+")", nil)
}

func (a *Arbiter) dispose(res Resource) {
	res.Dispose()
	a.disposed++
}

// Stop releases the active session
func (a *Arbiter) Stop() {
	if a.active != nil {
		a.release(a.active, "stopped")
	}
}

// Blur releases the active session when its view loses focus or unmounts
func (a *Arbiter) Blur() {
	if a.active != nil {
		a.release(a.active, "blurred")
	}
}

// Active returns the current session, if any
func (a *Arbiter) Active() (Session, bool) {
	if a.active == nil {
		return Session{}, false
	}
	return Session{ItemID: a.active.itemID, Kind: a.active.kind, State: a.active.state}, true
}

// StateOf returns the state of itemID
func (a *Arbiter) StateOf(itemID string) State {
	if a.active == nil || a.active.itemID != itemID {
		return StateIdle
	}
	return a.active.state
}

// IsLoading reports whether itemID is loading
func (a *Arbiter) IsLoading(itemID string) bool {
	return a.StateOf(itemID) == StateLoading
}

// Err returns the last failure for itemID
func (a *Arbiter) Err(itemID string) error {
	return a.errs[itemID]
}

// Live returns the number of created resources not yet disposed
func (a *Arbiter) Live() int {
	return a.created - a.disposed
}
