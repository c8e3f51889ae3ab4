// Package profiles resolves actor ids to display profiles, batching and
// deduping fetches. Resolve must be called on the loop; Lookup is safe anywhere.
package profiles

import (
	"context"
	"time"

	"github.com/puzpuzpuz/xsync/v3"

	"github.com/sandwichfarm/chorus/internal/loop"
	"github.com/sandwichfarm/chorus/internal/ops"
)

// Profile is the display record of an actor
type Profile struct {
	ID        string
	Name      string
	AvatarURL string
	// Placeholder is set while the real profile is unknown
	Placeholder bool
}

// Fetcher loads profiles by id; ids missing from the result have no profile
type Fetcher interface {
	FetchProfiles(ctx context.Context, ids []string) (map[string]Profile, error)
}

// Cache memoizes profiles for the lifetime of a session
type Cache struct {
	fetcher  Fetcher
	dispatch loop.Dispatcher
	logger   *ops.Logger

	resolved *xsync.MapOf[string, Profile]

	// loop-only state
	inflight  map[string]bool
	queued    []string
	scheduled bool
	listeners []func(Profile)
	fetches   int
}

// NewCache creates an empty cache
func NewCache(fetcher Fetcher, dispatch loop.Dispatcher, logger *ops.Logger) *Cache {
	if logger == nil {
		logger = ops.Discard()
	}
	return &Cache{
		fetcher:  fetcher,
		dispatch: dispatch,
		logger:   logger.WithComponent("profiles"),
		resolved: xsync.NewMapOf[string, Profile](),
		inflight: make(map[string]bool),
	}
}

// ShortID abbreviates an id for display
func ShortID(id string) string {
	if len(id) <= 16 {
		return id
	}
	return id[:8] + "..." + id[len(id)-8:]
}

// Placeholder returns the provisional profile shown while fetching
func Placeholder(id string) Profile {
	return Profile{ID: id, Name: ShortID(id), Placeholder: true}
}

// OnResolved registers a listener called on the loop when a profile arrives
func (c *Cache) OnResolved(fn func(Profile)) {
	c.listeners = append(c.listeners, fn)
}

// Lookup returns a cached profile without fetching
func (c *Cache) Lookup(id string) (Profile, bool) {
	return c.resolved.Load(id)
}

// Prime stores profiles known from another source, such as a snapshot
func (c *Cache) Prime(profiles ...Profile) {
	for _, p := range profiles {
		if p.ID == "" {
			continue
		}
		c.resolved.Store(p.ID, p)
	}
}

// Resolve returns the cached profile or a placeholder, fetching in the
// background if needed. Requests made in the same loop turn share one fetch.
func (c *Cache) Resolve(id string) Profile {
	if p, ok := c.resolved.Load(id); ok {
		return p
	}
	if id == "" {
		return Profile{Placeholder: true}
	}

	if !c.inflight[id] {
		c.inflight[id] = true
		c.queued = append(c.queued, id)
		if !c.scheduled {
			c.scheduled = true
			c.dispatch.Post(c.flush)
		}
	}

	return Placeholder(id)
}

// Fetches returns how many batch fetches were issued
func (c *Cache) Fetches() int {
	return c.fetches
}

// Size returns the number of resolved profiles
func (c *Cache) Size() int {
	return c.resolved.Size()
}

func (c *Cache) flush() {
	ids := c.queued
	c.queued = nil
	c.scheduled = false
	if len(ids) == 0 {
		return
	}

	c.fetches++
	start := time.Now()

	var result map[string]Profile
	c.dispatch.Go(func(ctx context.Context) error {
		var err error
		result, err = c.fetcher.FetchProfiles(ctx, ids)
		return err
	}, func(err error) {
		for _, id := range ids {
			delete(c.inflight, id)
		}

		if err != nil {
			c.logger.Warn("profile fetch failed", "count", len(ids), "error", err)
			return
		}
		c.logger.Debug("profiles fetched", "requested", len(ids), "found", len(result), "duration_ms", time.Since(start).Milliseconds())

		for _, id := range ids {
			p, ok := result[id]
			if !ok {
				p = Placeholder(id)
			}
			p.ID = id
			if p.Name == "" {
				p.Name = ShortID(id)
			}
			c.resolved.Store(id, p)
			for _, fn := range c.listeners {
				fn(p)
			}
		}
	})
}
