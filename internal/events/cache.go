package events

import (
	"context"
	"strconv"
	"strings"

	"github.com/cespare/xxhash/v2"
	lru "github.com/hashicorp/golang-lru"
)

// Journal persists delivered events so replays after a restart are recognized
type Journal interface {
	Seen(ctx context.Context, id string) (bool, error)
	Record(ctx context.Context, id string, raw RawEvent) error
}

// EventCache is a bounded set of recently seen event identities
type EventCache struct {
	cache   *lru.Cache
	journal Journal
}

// NewEventCache creates a cache holding up to size identities.
// journal may be nil.
func NewEventCache(size int, journal Journal) (*EventCache, error) {
	if size <= 0 {
		size = 5000
	}
	cache, err := lru.New(size)
	if err != nil {
		return nil, err
	}
	return &EventCache{cache: cache, journal: journal}, nil
}

// SeenOrAdd reports whether id was already seen and records it otherwise.
// Journal errors are returned alongside a false result so callers deliver
// rather than lose the event.
func (c *EventCache) SeenOrAdd(ctx context.Context, id string, raw RawEvent) (bool, error) {
	if seen, _ := c.cache.ContainsOrAdd(id, struct{}{}); seen {
		return true, nil
	}

	if c.journal == nil {
		return false, nil
	}

	seen, err := c.journal.Seen(ctx, id)
	if err != nil {
		return false, err
	}
	if seen {
		return true, nil
	}

	return false, c.journal.Record(ctx, id, raw)
}

// Len returns the number of cached identities
func (c *EventCache) Len() int {
	return c.cache.Len()
}

// Identity returns the dedupe identity of an event within a subscription
// namespace. Events without a transport id are identified by content.
func Identity(namespace string, raw RawEvent, rowID string) string {
	if raw.ID != "" {
		return namespace + "|" + raw.ID
	}

	payload := raw.New
	if len(payload) == 0 {
		payload = raw.Old
	}

	var b strings.Builder
	b.WriteString(namespace)
	b.WriteByte('|')
	b.WriteString(strings.ToLower(raw.Operation))
	b.WriteByte('|')
	b.WriteString(rowID)
	b.WriteByte('|')
	b.WriteString(strconv.FormatUint(xxhash.Sum64(payload), 16))
	return b.String()
}
