package events

import (
	"errors"
	"testing"
	"time"
)

func TestDecode(t *testing.T) {
	tests := []struct {
		name    string
		raw     RawEvent
		wantErr bool
		check   func(t *testing.T, ev ChangeEvent)
	}{
		{
			name: "message insert",
			raw: RawEvent{
				Topic:     TopicMessages,
				Operation: "INSERT",
				New:       []byte(`{"id":"m1","conversation_id":"c1","sender_id":"u2","content":"hi","message_type":"text","created_at":"2024-05-01T10:05:00Z"}`),
			},
			check: func(t *testing.T, ev ChangeEvent) {
				row, ok := ev.New.(MessageRow)
				if !ok {
					t.Fatalf("expected MessageRow, got %T", ev.New)
				}
				if row.ConversationID != "c1" || row.Content != "hi" {
					t.Errorf("unexpected row %+v", row)
				}
				if !row.CreatedAt.Equal(time.Date(2024, 5, 1, 10, 5, 0, 0, time.UTC)) {
					t.Errorf("unexpected created_at %v", row.CreatedAt)
				}
				if ev.Operation != OpInsert {
					t.Errorf("expected insert, got %s", ev.Operation)
				}
			},
		},
		{
			name: "numeric ids and postgres timestamp",
			raw: RawEvent{
				Topic:     TopicLikes,
				Operation: "insert",
				New:       []byte(`{"id":42,"post_id":7,"user_id":"u1","created_at":"2024-05-01 10:05:00.123+00"}`),
			},
			check: func(t *testing.T, ev ChangeEvent) {
				row := ev.New.(LikeRow)
				if row.ID != "42" || row.PostID != "7" {
					t.Errorf("unexpected row %+v", row)
				}
			},
		},
		{
			name: "story with bool",
			raw: RawEvent{
				Topic:     TopicStories,
				Operation: "update",
				New:       []byte(`{"id":"s1","user_id":"u1","created_at":1714557600,"expires_at":1714644000,"is_public":true}`),
				Old:       []byte(`{"id":"s1"}`),
			},
			check: func(t *testing.T, ev ChangeEvent) {
				row := ev.New.(StoryRow)
				if !row.IsPublic {
					t.Error("expected public story")
				}
				if ev.Old != nil {
					t.Error("partial old row should be ignored for updates")
				}
			},
		},
		{
			name: "delete uses old row",
			raw: RawEvent{
				Topic:     TopicValidations,
				Operation: "delete",
				Old:       []byte(`{"id":"v1","post_id":"p1","user_id":"me"}`),
			},
			check: func(t *testing.T, ev ChangeEvent) {
				if ev.Row().(ValidationRow).PostID != "p1" {
					t.Errorf("unexpected row %+v", ev.Row())
				}
			},
		},
		{
			name: "delete without foreign keys",
			raw: RawEvent{
				Topic:     TopicLikes,
				Operation: "delete",
				Old:       []byte(`{"id":"l1"}`),
			},
			wantErr: true,
		},
		{
			name: "missing required field",
			raw: RawEvent{
				Topic:     TopicMessages,
				Operation: "insert",
				New:       []byte(`{"id":"m1","sender_id":"u2","created_at":"2024-05-01T10:05:00Z"}`),
			},
			wantErr: true,
		},
		{
			name: "wrong type",
			raw: RawEvent{
				Topic:     TopicStories,
				Operation: "insert",
				New:       []byte(`{"id":"s1","user_id":"u1","created_at":1,"expires_at":2,"is_public":"yes"}`),
			},
			wantErr: true,
		},
		{
			name: "bad timestamp",
			raw: RawEvent{
				Topic:     TopicMessages,
				Operation: "insert",
				New:       []byte(`{"id":"m1","conversation_id":"c1","sender_id":"u2","created_at":"yesterday"}`),
			},
			wantErr: true,
		},
		{
			name: "invalid json",
			raw: RawEvent{
				Topic:     TopicComments,
				Operation: "insert",
				New:       []byte(`{"id":`),
			},
			wantErr: true,
		},
		{
			name:    "unknown topic",
			raw:     RawEvent{Topic: "bookmarks", Operation: "insert", New: []byte(`{}`)},
			wantErr: true,
		},
		{
			name:    "unknown operation",
			raw:     RawEvent{Topic: TopicPosts, Operation: "truncate", New: []byte(`{"id":"p1","user_id":"u1"}`)},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ev, err := Decode(tt.raw)
			if tt.wantErr {
				if !errors.Is(err, ErrMalformed) {
					t.Fatalf("expected ErrMalformed, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("Decode() error = %v", err)
			}
			if tt.check != nil {
				tt.check(t, ev)
			}
		})
	}
}

func TestTopicKinds(t *testing.T) {
	for _, topic := range Topics {
		kind := topic.Kind()
		if kind == 0 {
			t.Fatalf("topic %s has no kind", topic)
		}
		back, ok := TopicForKind(kind)
		if !ok || back != topic {
			t.Errorf("kind %d maps to %s, want %s", kind, back, topic)
		}
	}

	if Topic("bookmarks").Valid() {
		t.Error("unknown topic reported valid")
	}
	if _, ok := TopicForKind(1); ok {
		t.Error("kind 1 should not map to a topic")
	}
}
