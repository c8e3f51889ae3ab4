// Package events turns raw change notifications into typed, validated,
// deduplicated events and delivers them to listeners on the loop.
package events

import (
	"encoding/json"
	"strings"
	"time"
)

// Topic names a backend table whose changes are pushed
type Topic string

const (
	TopicMessages            Topic = "messages"
	TopicMessageReads        Topic = "message_reads"
	TopicConversationMembers Topic = "conversation_members"
	TopicStories             Topic = "stories"
	TopicStoryViews          Topic = "story_views"
	TopicLikes               Topic = "likes"
	TopicValidations         Topic = "validations"
	TopicPosts               Topic = "posts"
	TopicComments            Topic = "comments"
)

// Topics lists every known topic in wire-kind order
var Topics = []Topic{
	TopicMessages,
	TopicMessageReads,
	TopicConversationMembers,
	TopicStories,
	TopicStoryViews,
	TopicLikes,
	TopicValidations,
	TopicPosts,
	TopicComments,
}

// KindBase is the nostr kind of the first topic; each topic adds its index
const KindBase = 4100

// Kind returns the wire kind for the topic, or 0 if unknown
func (t Topic) Kind() int {
	for i, known := range Topics {
		if known == t {
			return KindBase + i
		}
	}
	return 0
}

// TopicForKind maps a wire kind back to its topic
func TopicForKind(kind int) (Topic, bool) {
	i := kind - KindBase
	if i < 0 || i >= len(Topics) {
		return "", false
	}
	return Topics[i], true
}

// Valid reports whether t is a known topic
func (t Topic) Valid() bool {
	return t.Kind() != 0
}

// Operation is the kind of row change
type Operation string

const (
	OpInsert Operation = "insert"
	OpUpdate Operation = "update"
	OpDelete Operation = "delete"
)

// ParseOperation accepts the lower or upper case operation name
func ParseOperation(s string) (Operation, bool) {
	switch Operation(strings.ToLower(s)) {
	case OpInsert:
		return OpInsert, true
	case OpUpdate:
		return OpUpdate, true
	case OpDelete:
		return OpDelete, true
	default:
		return "", false
	}
}

// Filter restricts a subscription to rows where Column equals Value
type Filter struct {
	Column string
	Value  string
}

// IsZero reports whether the filter matches everything
func (f Filter) IsZero() bool {
	return f.Column == ""
}

func (f Filter) String() string {
	if f.IsZero() {
		return "*"
	}
	return f.Column + "=" + f.Value
}

// RawEvent is a change notification as received from the channel
type RawEvent struct {
	// ID is the transport identity; empty when the transport has none
	ID        string
	Topic     Topic
	Operation string
	New       json.RawMessage
	Old       json.RawMessage
	CreatedAt time.Time
}

// ChangeEvent is a validated change notification
type ChangeEvent struct {
	ID         string
	Topic      Topic
	Operation  Operation
	New        Row
	Old        Row
	CreatedAt  time.Time
	ReceivedAt time.Time
}

// Row returns the row that describes the change: the old row for deletes,
// the new row otherwise
func (e ChangeEvent) Row() Row {
	if e.Operation == OpDelete {
		return e.Old
	}
	return e.New
}

// Row is implemented by every typed row
type Row interface {
	// RowID identifies the row within its topic
	RowID() string
	isRow()
}

// MessageRow is a chat message
type MessageRow struct {
	ID             string
	ConversationID string
	SenderID       string
	Content        string
	MessageType    string
	CreatedAt      time.Time
}

// ReadReceiptRow records that a user read a message
type ReadReceiptRow struct {
	MessageID string
	UserID    string
	ReadAt    time.Time
}

// MembershipRow links a user to a conversation
type MembershipRow struct {
	ConversationID string
	UserID         string
}

// StoryRow is an ephemeral story
type StoryRow struct {
	ID        string
	UserID    string
	MediaURL  string
	MediaType string
	CreatedAt time.Time
	ExpiresAt time.Time
	IsPublic  bool
}

// StoryViewRow records a story view
type StoryViewRow struct {
	StoryID  string
	ViewerID string
	ViewedAt time.Time
}

// LikeRow is a like on a post
type LikeRow struct {
	ID        string
	PostID    string
	UserID    string
	CreatedAt time.Time
}

// ValidationRow is a validation of a post
type ValidationRow struct {
	ID        string
	PostID    string
	UserID    string
	CreatedAt time.Time
}

// PostRow is a feed post; duets carry their parent
type PostRow struct {
	ID        string
	UserID    string
	PostType  string
	ParentID  string
	CreatedAt time.Time
}

// CommentRow is a comment on a post
type CommentRow struct {
	ID        string
	PostID    string
	UserID    string
	CreatedAt time.Time
}

// PostTypeDuet marks a post that duets ParentID
const PostTypeDuet = "duet"

func (r MessageRow) RowID() string     { return r.ID }
func (r ReadReceiptRow) RowID() string { return r.MessageID + ":" + r.UserID }
func (r MembershipRow) RowID() string  { return r.ConversationID + ":" + r.UserID }
func (r StoryRow) RowID() string       { return r.ID }
func (r StoryViewRow) RowID() string   { return r.StoryID + ":" + r.ViewerID }
func (r LikeRow) RowID() string        { return r.ID }
func (r ValidationRow) RowID() string  { return r.ID }
func (r PostRow) RowID() string        { return r.ID }
func (r CommentRow) RowID() string     { return r.ID }

func (MessageRow) isRow()     {}
func (ReadReceiptRow) isRow() {}
func (MembershipRow) isRow()  {}
func (StoryRow) isRow()       {}
func (StoryViewRow) isRow()   {}
func (LikeRow) isRow()        {}
func (ValidationRow) isRow()  {}
func (PostRow) isRow()        {}
func (CommentRow) isRow()     {}
