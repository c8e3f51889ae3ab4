package nostr

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/nbd-wtf/go-nostr"
	"github.com/tidwall/gjson"

	"github.com/sandwichfarm/chorus/internal/events"
)

// Change events are signed by the backend and carry:
//
//	kind    events.KindBase + topic index
//	tags    ["t", topic] ["op", insert|update|delete] ["f", "column=value"]...
//	content {"new": {...}, "old": {...}}
//
// One "f" tag is emitted per filterable column so relays can match
// column filters with a plain tag query.

var (
	ErrWrongAuthor    = errors.New("event not signed by backend")
	ErrBadSignature   = errors.New("invalid event signature")
	ErrUnknownKind    = errors.New("unknown change event kind")
	ErrMissingOp      = errors.New("change event has no op tag")
	ErrInvalidContent = errors.New("change event content is not a json object")
)

// Channel implements events.Channel over a relay subscription
type Channel struct {
	client *Client
	pubkey string
}

// NewChannel returns a channel accepting events signed by the client's backend key
func NewChannel(client *Client) (*Channel, error) {
	pubkey := client.BackendPubkey()
	if !isHexKey(pubkey) {
		return nil, fmt.Errorf("backend pubkey %q is not a hex key", pubkey)
	}
	return &Channel{client: client, pubkey: pubkey}, nil
}

// Open subscribes to topic changes created at or after since
func (c *Channel) Open(ctx context.Context, topic events.Topic, filter events.Filter, since time.Time) (<-chan events.RawEvent, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("%w: topic %q", ErrUnknownKind, topic)
	}
	relays := c.client.GetSeedRelays()
	if len(relays) == 0 {
		return nil, fmt.Errorf("no relays configured")
	}

	stream := c.client.SubscribeEvents(ctx, relays, nostr.Filters{SubscriptionFilter(c.pubkey, topic, filter, since)})
	out := make(chan events.RawEvent)

	go func() {
		defer close(out)
		for evt := range stream {
			raw, err := ParseChangeEvent(evt, c.pubkey)
			if err != nil {
				c.client.logger.LogEventDropped(string(topic), "", err)
				continue
			}
			if raw.Topic != topic {
				continue
			}
			select {
			case out <- raw:
			case <-ctx.Done():
				return
			}
		}
	}()

	return out, nil
}

// SubscriptionFilter builds the relay filter for a topic subscription
func SubscriptionFilter(pubkey string, topic events.Topic, filter events.Filter, since time.Time) nostr.Filter {
	f := nostr.Filter{
		Kinds:   []int{topic.Kind()},
		Authors: []string{pubkey},
		Tags:    nostr.TagMap{"t": []string{string(topic)}},
	}
	if !filter.IsZero() {
		f.Tags["f"] = []string{filter.String()}
	}
	if !since.IsZero() {
		ts := nostr.Timestamp(since.Unix())
		f.Since = &ts
	}
	return f
}

// ParseChangeEvent verifies a relay event and unpacks it into a raw change
func ParseChangeEvent(evt *nostr.Event, pubkey string) (events.RawEvent, error) {
	if evt.PubKey != pubkey {
		return events.RawEvent{}, ErrWrongAuthor
	}
	if ok, err := evt.CheckSignature(); err != nil || !ok {
		return events.RawEvent{}, ErrBadSignature
	}

	topic, ok := events.TopicForKind(evt.Kind)
	if !ok {
		return events.RawEvent{}, fmt.Errorf("%w: %d", ErrUnknownKind, evt.Kind)
	}
	if tag := evt.Tags.GetFirst([]string{"t", ""}); tag != nil && (*tag)[1] != string(topic) {
		return events.RawEvent{}, fmt.Errorf("%w: kind %d tagged %q", ErrUnknownKind, evt.Kind, (*tag)[1])
	}

	opTag := evt.Tags.GetFirst([]string{"op", ""})
	if opTag == nil {
		return events.RawEvent{}, ErrMissingOp
	}

	if !gjson.Valid(evt.Content) {
		return events.RawEvent{}, ErrInvalidContent
	}
	content := gjson.Parse(evt.Content)
	if !content.IsObject() {
		return events.RawEvent{}, ErrInvalidContent
	}

	raw := events.RawEvent{
		ID:        evt.ID,
		Topic:     topic,
		Operation: (*opTag)[1],
		CreatedAt: evt.CreatedAt.Time(),
	}
	if v := content.Get("new"); v.IsObject() {
		raw.New = []byte(v.Raw)
	}
	if v := content.Get("old"); v.IsObject() {
		raw.Old = []byte(v.Raw)
	}
	return raw, nil
}

// NewChangeEvent builds an unsigned change event; filters become "f" tags
func NewChangeEvent(topic events.Topic, op events.Operation, newRow, oldRow []byte, createdAt time.Time, filters ...events.Filter) (*nostr.Event, error) {
	if !topic.Valid() {
		return nil, fmt.Errorf("%w: topic %q", ErrUnknownKind, topic)
	}

	content, err := json.Marshal(struct {
		New json.RawMessage `json:"new,omitempty"`
		Old json.RawMessage `json:"old,omitempty"`
	}{newRow, oldRow})
	if err != nil {
		return nil, fmt.Errorf("failed to encode change event: %w", err)
	}

	tags := nostr.Tags{
		{"t", string(topic)},
		{"op", string(op)},
	}
	for _, f := range filters {
		if !f.IsZero() {
			tags = append(tags, nostr.Tag{"f", f.String()})
		}
	}

	return &nostr.Event{
		Kind:      topic.Kind(),
		CreatedAt: nostr.Timestamp(createdAt.Unix()),
		Tags:      tags,
		Content:   string(content),
	}, nil
}

func isHexKey(s string) bool {
	if len(s) != 64 {
		return false
	}
	for _, r := range s {
		if !(r >= '0' && r <= '9' || r >= 'a' && r <= 'f') {
			return false
		}
	}
	return true
}
