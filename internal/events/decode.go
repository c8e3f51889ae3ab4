package events

import (
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/tidwall/gjson"
)

// ErrMalformed marks an event that does not match its topic schema
var ErrMalformed = errors.New("malformed change event")

type fieldKind int

const (
	kindID fieldKind = iota
	kindText
	kindTime
	kindBool
)

type field struct {
	name     string
	kind     fieldKind
	required bool
}

var schemas = map[Topic][]field{
	TopicMessages: {
		{"id", kindID, true},
		{"conversation_id", kindID, true},
		{"sender_id", kindID, true},
		{"content", kindText, false},
		{"message_type", kindText, false},
		{"created_at", kindTime, true},
	},
	TopicMessageReads: {
		{"message_id", kindID, true},
		{"user_id", kindID, true},
		{"read_at", kindTime, false},
	},
	TopicConversationMembers: {
		{"conversation_id", kindID, true},
		{"user_id", kindID, true},
	},
	TopicStories: {
		{"id", kindID, true},
		{"user_id", kindID, true},
		{"media_url", kindText, false},
		{"media_type", kindText, false},
		{"created_at", kindTime, true},
		{"expires_at", kindTime, true},
		{"is_public", kindBool, true},
	},
	TopicStoryViews: {
		{"story_id", kindID, true},
		{"viewer_id", kindID, true},
		{"viewed_at", kindTime, false},
	},
	TopicLikes: {
		{"id", kindID, true},
		{"post_id", kindID, true},
		{"user_id", kindID, true},
		{"created_at", kindTime, false},
	},
	TopicValidations: {
		{"id", kindID, true},
		{"post_id", kindID, true},
		{"user_id", kindID, true},
		{"created_at", kindTime, false},
	},
	TopicPosts: {
		{"id", kindID, true},
		{"user_id", kindID, true},
		{"post_type", kindText, false},
		{"parent_id", kindID, false},
		{"created_at", kindTime, false},
	},
	TopicComments: {
		{"id", kindID, true},
		{"post_id", kindID, true},
		{"user_id", kindID, true},
		{"created_at", kindTime, false},
	},
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999-07",
	"2006-01-02 15:04:05.999999-07:00",
	"2006-01-02T15:04:05.999999",
}

// Decode validates raw against its topic schema and returns the typed event
func Decode(raw RawEvent) (ChangeEvent, error) {
	schema, ok := schemas[raw.Topic]
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: unknown topic %q", ErrMalformed, raw.Topic)
	}

	op, ok := ParseOperation(raw.Operation)
	if !ok {
		return ChangeEvent{}, fmt.Errorf("%w: unknown operation %q", ErrMalformed, raw.Operation)
	}

	ev := ChangeEvent{
		ID:        raw.ID,
		Topic:     raw.Topic,
		Operation: op,
		CreatedAt: raw.CreatedAt,
	}

	// The row describing the change is mandatory; the other side is best effort.
	if op == OpDelete {
		row, err := decodeRow(raw.Topic, schema, raw.Old)
		if err != nil {
			return ChangeEvent{}, fmt.Errorf("old row: %w", err)
		}
		ev.Old = row
		return ev, nil
	}

	row, err := decodeRow(raw.Topic, schema, raw.New)
	if err != nil {
		return ChangeEvent{}, fmt.Errorf("new row: %w", err)
	}
	ev.New = row

	if op == OpUpdate && len(raw.Old) > 0 {
		if old, err := decodeRow(raw.Topic, schema, raw.Old); err == nil {
			ev.Old = old
		}
	}

	return ev, nil
}

func decodeRow(topic Topic, schema []field, data []byte) (Row, error) {
	if len(data) == 0 || !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%w: missing or invalid row", ErrMalformed)
	}

	res := gjson.ParseBytes(data)
	if !res.IsObject() {
		return nil, fmt.Errorf("%w: row is not an object", ErrMalformed)
	}

	r := rowReader{res: res}
	for _, f := range schema {
		r.check(f)
	}
	if r.err != nil {
		return nil, r.err
	}

	switch topic {
	case TopicMessages:
		return MessageRow{
			ID:             r.id("id"),
			ConversationID: r.id("conversation_id"),
			SenderID:       r.id("sender_id"),
			Content:        r.text("content"),
			MessageType:    r.text("message_type"),
			CreatedAt:      r.time("created_at"),
		}, nil
	case TopicMessageReads:
		return ReadReceiptRow{
			MessageID: r.id("message_id"),
			UserID:    r.id("user_id"),
			ReadAt:    r.time("read_at"),
		}, nil
	case TopicConversationMembers:
		return MembershipRow{
			ConversationID: r.id("conversation_id"),
			UserID:         r.id("user_id"),
		}, nil
	case TopicStories:
		return StoryRow{
			ID:        r.id("id"),
			UserID:    r.id("user_id"),
			MediaURL:  r.text("media_url"),
			MediaType: r.text("media_type"),
			CreatedAt: r.time("created_at"),
			ExpiresAt: r.time("expires_at"),
			IsPublic:  res.Get("is_public").Bool(),
		}, nil
	case TopicStoryViews:
		return StoryViewRow{
			StoryID:  r.id("story_id"),
			ViewerID: r.id("viewer_id"),
			ViewedAt: r.time("viewed_at"),
		}, nil
	case TopicLikes:
		return LikeRow{
			ID:        r.id("id"),
			PostID:    r.id("post_id"),
			UserID:    r.id("user_id"),
			CreatedAt: r.time("created_at"),
		}, nil
	case TopicValidations:
		return ValidationRow{
			ID:        r.id("id"),
			PostID:    r.id("post_id"),
			UserID:    r.id("user_id"),
			CreatedAt: r.time("created_at"),
		}, nil
	case TopicPosts:
		return PostRow{
			ID:        r.id("id"),
			UserID:    r.id("user_id"),
			PostType:  r.text("post_type"),
			ParentID:  r.id("parent_id"),
			CreatedAt: r.time("created_at"),
		}, nil
	case TopicComments:
		return CommentRow{
			ID:        r.id("id"),
			PostID:    r.id("post_id"),
			UserID:    r.id("user_id"),
			CreatedAt: r.time("created_at"),
		}, nil
	}

	return nil, fmt.Errorf("%w: no row type for topic %q", ErrMalformed, topic)
}

type rowReader struct {
	res gjson.Result
	err error
}

func (r *rowReader) fail(name, reason string) {
	if r.err == nil {
		r.err = fmt.Errorf("%w: field %s %s", ErrMalformed, name, reason)
	}
}

func (r *rowReader) check(f field) {
	v := r.res.Get(f.name)
	if !v.Exists() || v.Type == gjson.Null {
		if f.required {
			r.fail(f.name, "is required")
		}
		return
	}

	switch f.kind {
	case kindID:
		if v.Type != gjson.String && v.Type != gjson.Number {
			r.fail(f.name, "must be a string or number")
		} else if f.required && v.String() == "" {
			r.fail(f.name, "must not be empty")
		}
	case kindText:
		if v.Type != gjson.String {
			r.fail(f.name, "must be a string")
		}
	case kindBool:
		if !v.IsBool() {
			r.fail(f.name, "must be a boolean")
		}
	case kindTime:
		if _, ok := parseTime(v); !ok {
			r.fail(f.name, "must be a timestamp")
		}
	}
}

func (r *rowReader) id(name string) string {
	v := r.res.Get(name)
	if v.Type == gjson.Number {
		return strconv.FormatInt(v.Int(), 10)
	}
	return v.String()
}

func (r *rowReader) text(name string) string {
	return r.res.Get(name).String()
}

func (r *rowReader) time(name string) time.Time {
	t, _ := parseTime(r.res.Get(name))
	return t
}

// parseTime accepts RFC 3339 / Postgres timestamps or unix seconds
func parseTime(v gjson.Result) (time.Time, bool) {
	switch v.Type {
	case gjson.Number:
		return time.Unix(v.Int(), 0).UTC(), true
	case gjson.String:
		for _, layout := range timeLayouts {
			if t, err := time.Parse(layout, v.Str); err == nil {
				return t.UTC(), true
			}
		}
	}
	return time.Time{}, false
}
