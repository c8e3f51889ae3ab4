package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/chorus/internal/events"
)

// journalAuthor marks journal entries written locally
const journalAuthor = "0000000000000000000000000000000000000000000000000000000000000000"

// Journal persists delivered change events keyed by their dedupe identity
type Journal struct {
	storage *Storage
}

// Journal returns the change-event journal
func (s *Storage) Journal() *Journal {
	return &Journal{storage: s}
}

func journalID(identity string) string {
	sum := sha256.Sum256([]byte(identity))
	return hex.EncodeToString(sum[:])
}

// Seen reports whether an event with this identity was recorded
func (j *Journal) Seen(ctx context.Context, identity string) (bool, error) {
	return j.storage.EventExists(ctx, journalID(identity))
}

// Record stores a delivered event
func (j *Journal) Record(ctx context.Context, identity string, raw events.RawEvent) error {
	content, err := json.Marshal(struct {
		New json.RawMessage `json:"new,omitempty"`
		Old json.RawMessage `json:"old,omitempty"`
	}{raw.New, raw.Old})
	if err != nil {
		return fmt.Errorf("failed to encode journal entry: %w", err)
	}

	evt := &nostr.Event{
		ID:        journalID(identity),
		PubKey:    journalAuthor,
		CreatedAt: nostr.Timestamp(j.storage.now().Unix()),
		Kind:      raw.Topic.Kind(),
		Tags: nostr.Tags{
			{"t", string(raw.Topic)},
			{"op", raw.Operation},
		},
		Content: string(content),
	}
	if raw.ID != "" {
		evt.Tags = append(evt.Tags, nostr.Tag{"e", raw.ID})
	}

	if err := j.storage.StoreEvent(ctx, evt); err != nil {
		return fmt.Errorf("journal record: %w", err)
	}
	return nil
}

// Prune deletes entries recorded before cutoff and returns how many were removed
func (j *Journal) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	kinds := make([]int, 0, len(events.Topics))
	for _, t := range events.Topics {
		kinds = append(kinds, t.Kind())
	}
	until := nostr.Timestamp(cutoff.Unix())

	removed := 0
	for {
		stale, err := j.storage.QueryEvents(ctx, nostr.Filter{
			Kinds:   kinds,
			Authors: []string{journalAuthor},
			Until:   &until,
			Limit:   pruneBatch,
		})
		if err != nil {
			return removed, err
		}

		for _, evt := range stale {
			if err := j.storage.DeleteEvent(ctx, evt); err != nil {
				return removed, err
			}
			removed++
		}

		if len(stale) < pruneBatch {
			return removed, nil
		}
	}
}

const pruneBatch = 500

// Entries returns journaled events for a topic, newest first
func (j *Journal) Entries(ctx context.Context, topic events.Topic, limit int) ([]*nostr.Event, error) {
	return j.storage.QueryEvents(ctx, nostr.Filter{
		Kinds:   []int{topic.Kind()},
		Authors: []string{journalAuthor},
		Limit:   limit,
	})
}
