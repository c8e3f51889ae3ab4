package nostr

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/nbd-wtf/go-nostr"

	"github.com/sandwichfarm/chorus/internal/config"
	"github.com/sandwichfarm/chorus/internal/events"
)

var zeroFilter events.Filter

func newKey(t *testing.T) (string, string) {
	t.Helper()
	sk := nostr.GeneratePrivateKey()
	pk, err := nostr.GetPublicKey(sk)
	if err != nil {
		t.Fatalf("GetPublicKey: %v", err)
	}
	return sk, pk
}

func signedChange(t *testing.T, sk string, topic events.Topic, op events.Operation, newRow, oldRow string) *nostr.Event {
	t.Helper()
	var n, o []byte
	if newRow != "" {
		n = []byte(newRow)
	}
	if oldRow != "" {
		o = []byte(oldRow)
	}
	evt, err := NewChangeEvent(topic, op, n, o, time.Unix(1_700_000_000, 0), events.Filter{Column: "conversation_id", Value: "c1"})
	if err != nil {
		t.Fatalf("NewChangeEvent: %v", err)
	}
	if err := evt.Sign(sk); err != nil {
		t.Fatalf("Sign: %v", err)
	}
	return evt
}

func TestParseChangeEvent(t *testing.T) {
	sk, pk := newKey(t)
	row := `{"id":"m1","conversation_id":"c1","sender_id":"u2","content":"hi","created_at":"2023-11-14T22:13:20Z"}`

	evt := signedChange(t, sk, events.TopicMessages, events.OpInsert, row, "")
	raw, err := ParseChangeEvent(evt, pk)
	if err != nil {
		t.Fatalf("ParseChangeEvent: %v", err)
	}

	if raw.ID != evt.ID {
		t.Errorf("ID = %q, want %q", raw.ID, evt.ID)
	}
	if raw.Topic != events.TopicMessages {
		t.Errorf("Topic = %q", raw.Topic)
	}
	if raw.Operation != "insert" {
		t.Errorf("Operation = %q", raw.Operation)
	}
	if string(raw.New) != row {
		t.Errorf("New = %s", raw.New)
	}
	if raw.Old != nil {
		t.Errorf("Old = %s, want nil", raw.Old)
	}
	if !raw.CreatedAt.Equal(time.Unix(1_700_000_000, 0)) {
		t.Errorf("CreatedAt = %v", raw.CreatedAt)
	}

	decoded, err := events.Decode(raw)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}
	if decoded.New.RowID() != "m1" {
		t.Errorf("decoded row id = %q", decoded.New.RowID())
	}
}

func TestParseChangeEventRejects(t *testing.T) {
	sk, pk := newKey(t)
	otherSK, _ := newKey(t)
	row := `{"id":"l1","post_id":"p1","user_id":"u1"}`

	tests := []struct {
		name  string
		event func() *nostr.Event
		want  error
	}{
		{
			name: "foreign author",
			event: func() *nostr.Event {
				return signedChange(t, otherSK, events.TopicLikes, events.OpInsert, row, "")
			},
			want: ErrWrongAuthor,
		},
		{
			name: "tampered content",
			event: func() *nostr.Event {
				evt := signedChange(t, sk, events.TopicLikes, events.OpInsert, row, "")
				evt.Content = `{"new":{"id":"l2","post_id":"p1","user_id":"u1"}}`
				return evt
			},
			want: ErrBadSignature,
		},
		{
			name: "unknown kind",
			event: func() *nostr.Event {
				evt := &nostr.Event{Kind: 1, CreatedAt: nostr.Now(), Tags: nostr.Tags{{"op", "insert"}}, Content: `{}`}
				evt.Sign(sk)
				return evt
			},
			want: ErrUnknownKind,
		},
		{
			name: "topic tag disagrees with kind",
			event: func() *nostr.Event {
				evt := &nostr.Event{
					Kind:      events.TopicLikes.Kind(),
					CreatedAt: nostr.Now(),
					Tags:      nostr.Tags{{"t", "posts"}, {"op", "insert"}},
					Content:   `{}`,
				}
				evt.Sign(sk)
				return evt
			},
			want: ErrUnknownKind,
		},
		{
			name: "missing op",
			event: func() *nostr.Event {
				evt := &nostr.Event{Kind: events.TopicLikes.Kind(), CreatedAt: nostr.Now(), Content: `{}`}
				evt.Sign(sk)
				return evt
			},
			want: ErrMissingOp,
		},
		{
			name: "content not an object",
			event: func() *nostr.Event {
				evt := &nostr.Event{
					Kind:      events.TopicLikes.Kind(),
					CreatedAt: nostr.Now(),
					Tags:      nostr.Tags{{"op", "insert"}},
					Content:   `["new"]`,
				}
				evt.Sign(sk)
				return evt
			},
			want: ErrInvalidContent,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseChangeEvent(tt.event(), pk)
			if !errors.Is(err, tt.want) {
				t.Errorf("err = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestParseChangeEventDelete(t *testing.T) {
	sk, pk := newKey(t)
	old := `{"id":"l1","post_id":"p1","user_id":"u1"}`

	raw, err := ParseChangeEvent(signedChange(t, sk, events.TopicLikes, events.OpDelete, "", old), pk)
	if err != nil {
		t.Fatalf("ParseChangeEvent: %v", err)
	}
	if raw.New != nil {
		t.Errorf("New = %s, want nil", raw.New)
	}
	if string(raw.Old) != old {
		t.Errorf("Old = %s", raw.Old)
	}
}

func TestSubscriptionFilter(t *testing.T) {
	_, pk := newKey(t)
	since := time.Unix(1_700_000_000, 0)

	f := SubscriptionFilter(pk, events.TopicMessages, events.Filter{Column: "conversation_id", Value: "c1"}, since)

	if len(f.Kinds) != 1 || f.Kinds[0] != events.TopicMessages.Kind() {
		t.Errorf("Kinds = %v", f.Kinds)
	}
	if len(f.Authors) != 1 || f.Authors[0] != pk {
		t.Errorf("Authors = %v", f.Authors)
	}
	if got := f.Tags["f"]; len(got) != 1 || got[0] != "conversation_id=c1" {
		t.Errorf("f tag = %v", got)
	}
	if got := f.Tags["t"]; len(got) != 1 || got[0] != "messages" {
		t.Errorf("t tag = %v", got)
	}
	if f.Since == nil || int64(*f.Since) != since.Unix() {
		t.Errorf("Since = %v", f.Since)
	}

	// the event a backend emits for that row must match the filter
	evt, err := NewChangeEvent(events.TopicMessages, events.OpInsert, []byte(`{}`), nil, since, events.Filter{Column: "conversation_id", Value: "c1"})
	if err != nil {
		t.Fatalf("NewChangeEvent: %v", err)
	}
	evt.PubKey = pk
	if !f.Matches(evt) {
		t.Error("filter does not match the event it selects")
	}

	unfiltered := SubscriptionFilter(pk, events.TopicLikes, zeroFilter, time.Time{})
	if _, ok := unfiltered.Tags["f"]; ok {
		t.Error("zero filter should not add an f tag")
	}
	if unfiltered.Since != nil {
		t.Error("zero since should leave Since unset")
	}
}

func TestNewChannel(t *testing.T) {
	_, pk := newKey(t)

	tests := []struct {
		name    string
		pubkey  string
		wantErr bool
	}{
		{"hex key", pk, false},
		{"empty", "", true},
		{"npub", "npub1qqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqqq", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := New(context.Background(), &config.Relays{Seeds: []string{"wss://relay.test"}, BackendPubkey: tt.pubkey}, nil)
			defer client.Close()

			_, err := NewChannel(client)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewChannel() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestChannelOpenRejectsUnknownTopic(t *testing.T) {
	_, pk := newKey(t)
	client := New(context.Background(), &config.Relays{Seeds: []string{"wss://relay.test"}, BackendPubkey: pk}, nil)
	defer client.Close()

	ch, err := NewChannel(client)
	if err != nil {
		t.Fatalf("NewChannel: %v", err)
	}
	if _, err := ch.Open(context.Background(), events.Topic("bogus"), zeroFilter, time.Time{}); !errors.Is(err, ErrUnknownKind) {
		t.Errorf("Open(bogus) error = %v", err)
	}
}
