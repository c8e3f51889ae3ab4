// Package conversations maintains the ordered conversation list and the
// unread badge from message, read-receipt and membership events.
// Every method except the constructor must be called on the loop.
package conversations

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bep/debounce"
	"github.com/google/uuid"

	"github.com/sandwichfarm/chorus/internal/events"
	"github.com/sandwichfarm/chorus/internal/loop"
	"github.com/sandwichfarm/chorus/internal/mutation"
	"github.com/sandwichfarm/chorus/internal/ops"
	"github.com/sandwichfarm/chorus/internal/profiles"
)

// ActionSendMessage is the mutation action for local sends
const ActionSendMessage = "send_message"

// Conversation is one entry of the list
type Conversation struct {
	ID                 string
	Title              string
	IsGroup            bool
	PeerID             string
	LastMessageID      string
	LastMessagePreview string
	LastMessageAt      time.Time
	UnreadCount        int
	// UnreadMessageIDs lets read receipts for snapshot messages find their conversation
	UnreadMessageIDs []string
	Peer             profiles.Profile
}

// SendRequest is a locally composed message
type SendRequest struct {
	ClientID       string
	ConversationID string
	Content        string
	MessageType    string
}

// Backend is the authoritative source for the list
type Backend interface {
	Conversations(ctx context.Context) ([]Conversation, error)
	UnreadTotal(ctx context.Context) (int, error)
	SendMessage(ctx context.Context, req SendRequest) error
}

// Options configures a Synchronizer
type Options struct {
	UserID          string
	RefetchDebounce time.Duration
	Now             func() time.Time
}

// Synchronizer is the single writer of the conversation list
type Synchronizer struct {
	userID   string
	backend  Backend
	dispatch loop.Dispatcher
	coord    *mutation.Coordinator
	profiles *profiles.Cache
	logger   *ops.Logger
	now      func() time.Time

	list         []*Conversation
	index        map[string]*Conversation
	messageOwner map[string]string
	badge        int
	version      uint64

	debounced    func(f func())
	refetching   bool
	refetchAgain bool
	refetches    int
	lastRefetch  error
}

// NewSynchronizer creates an empty synchronizer. profiles may be nil.
func NewSynchronizer(backend Backend, dispatch loop.Dispatcher, coord *mutation.Coordinator, cache *profiles.Cache, opts Options, logger *ops.Logger) *Synchronizer {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = ops.Discard()
	}

	s := &Synchronizer{
		userID:       opts.UserID,
		backend:      backend,
		dispatch:     dispatch,
		coord:        coord,
		profiles:     cache,
		logger:       logger.WithComponent("conversations"),
		now:          opts.Now,
		index:        make(map[string]*Conversation),
		messageOwner: make(map[string]string),
	}

	if opts.RefetchDebounce > 0 {
		s.debounced = debounce.New(opts.RefetchDebounce)
	}

	if cache != nil {
		cache.OnResolved(s.patchPeer)
	}

	return s
}

// Handle applies a change event from any conversation topic
func (s *Synchronizer) Handle(ev events.ChangeEvent) {
	switch ev.Topic {
	case events.TopicMessages:
		if ev.Operation == events.OpInsert {
			if row, ok := ev.New.(events.MessageRow); ok {
				s.applyMessage(row)
			}
		}
	case events.TopicMessageReads:
		if ev.Operation == events.OpInsert {
			if row, ok := ev.New.(events.ReadReceiptRow); ok {
				s.applyReadReceipt(row)
			}
		}
	case events.TopicConversationMembers:
		if ev.Operation == events.OpInsert || ev.Operation == events.OpDelete {
			s.ScheduleRefetch("membership")
		}
	}
}

// HandleGap schedules a refetch after a stream reconnect
func (s *Synchronizer) HandleGap(topic events.Topic) {
	switch topic {
	case events.TopicMessages, events.TopicMessageReads, events.TopicConversationMembers:
		s.ScheduleRefetch("gap:" + string(topic))
	}
}

func (s *Synchronizer) applyMessage(row events.MessageRow) {
	s.messageOwner[row.ID] = row.ConversationID

	c, ok := s.index[row.ConversationID]
	if !ok {
		c = &Conversation{ID: row.ConversationID}
		s.index[c.ID] = c
		s.list = append(s.list, c)
		s.ScheduleRefetch("unknown conversation")
	}

	if row.SenderID != s.userID {
		c.UnreadCount++
		s.badge++
	}

	if !c.LastMessageAt.IsZero() && row.CreatedAt.Before(c.LastMessageAt) {
		// out of order: counts as unread but never regresses the preview
		s.touch()
		return
	}

	c.LastMessageID = row.ID
	c.LastMessagePreview = PreviewText(row.MessageType, row.Content)
	c.LastMessageAt = row.CreatedAt
	s.place(c)
	s.touch()
}

// place moves c to the front, or re-sorts when c is older than the head
func (s *Synchronizer) place(c *Conversation) {
	if len(s.list) > 0 && s.list[0] != c && c.LastMessageAt.Before(s.list[0].LastMessageAt) {
		s.sort()
		return
	}
	s.moveToFront(c)
}

func (s *Synchronizer) moveToFront(c *Conversation) {
	pos := s.position(c.ID)
	if pos <= 0 {
		return
	}
	copy(s.list[1:pos+1], s.list[:pos])
	s.list[0] = c
}

func (s *Synchronizer) position(id string) int {
	for i, c := range s.list {
		if c.ID == id {
			return i
		}
	}
	return -1
}

func (s *Synchronizer) sort() {
	sort.SliceStable(s.list, func(i, j int) bool {
		return s.list[i].LastMessageAt.After(s.list[j].LastMessageAt)
	})
}

func (s *Synchronizer) applyReadReceipt(row events.ReadReceiptRow) {
	if row.UserID != s.userID {
		return
	}

	convID, ok := s.messageOwner[row.MessageID]
	if !ok {
		s.logger.Debug("read receipt for unknown message", "message_id", row.MessageID)
		s.ScheduleRefetch("read receipt")
		return
	}

	c, ok := s.index[convID]
	if !ok || c.UnreadCount == 0 {
		return
	}
	c.UnreadCount--
	s.badge--
	s.touch()
}

// Replace installs an authoritative list
func (s *Synchronizer) Replace(list []Conversation) {
	s.list = make([]*Conversation, 0, len(list))
	s.index = make(map[string]*Conversation, len(list))
	s.badge = 0

	for i := range list {
		c := list[i]
		if c.UnreadCount < 0 {
			c.UnreadCount = 0
		}
		if _, dup := s.index[c.ID]; dup {
			continue
		}
		s.list = append(s.list, &c)
		s.index[c.ID] = &c
		s.badge += c.UnreadCount

		if c.LastMessageID != "" {
			s.messageOwner[c.LastMessageID] = c.ID
		}
		for _, id := range c.UnreadMessageIDs {
			s.messageOwner[id] = c.ID
		}
	}

	for id, conv := range s.messageOwner {
		if _, ok := s.index[conv]; !ok {
			delete(s.messageOwner, id)
		}
	}

	s.sort()
	s.touch()
}

// ScheduleRefetch requests an authoritative reload, debounced and coalesced
func (s *Synchronizer) ScheduleRefetch(reason string) {
	if s.debounced == nil {
		s.Refetch(reason)
		return
	}
	s.debounced(func() {
		s.dispatch.Post(func() { s.Refetch(reason) })
	})
}

// Refetch reloads the list now, or once more after the in-flight reload
func (s *Synchronizer) Refetch(reason string) {
	if s.refetching {
		s.refetchAgain = true
		return
	}
	s.refetching = true
	s.refetches++

	start := time.Now()
	var list []Conversation
	s.dispatch.Go(func(ctx context.Context) error {
		var err error
		list, err = s.backend.Conversations(ctx)
		return err
	}, func(err error) {
		s.refetching = false
		s.lastRefetch = err
		s.logger.LogResync("conversations", reason, time.Since(start), err)

		if err == nil {
			s.Replace(list)
		}

		if s.refetchAgain {
			s.refetchAgain = false
			s.Refetch(reason + " (coalesced)")
		}
	})
}

// SendMessage shows content as the preview of convID and sends it
func (s *Synchronizer) SendMessage(convID, content string) (string, error) {
	c, ok := s.index[convID]
	if !ok {
		return "", fmt.Errorf("unknown conversation %s", convID)
	}

	clientID := uuid.NewString()
	at := s.now()
	prevPreview, prevAt := c.LastMessagePreview, c.LastMessageAt

	err := s.coord.Perform(mutation.Mutation{
		Key: mutation.Key{EntityID: clientID, Action: ActionSendMessage},
		Apply: func() {
			c.LastMessagePreview = content
			c.LastMessageAt = at
			s.moveToFront(c)
			s.touch()
		},
		Revert: func() {
			if c.LastMessagePreview != content || !c.LastMessageAt.Equal(at) {
				return
			}
			c.LastMessagePreview = prevPreview
			c.LastMessageAt = prevAt
			s.sort()
			s.touch()
		},
		Exists: func() bool {
			return s.index[convID] == c
		},
		Call: func(ctx context.Context) error {
			return s.backend.SendMessage(ctx, SendRequest{
				ClientID:       clientID,
				ConversationID: convID,
				Content:        content,
				MessageType:    "text",
			})
		},
		Refetch: func() { s.ScheduleRefetch("send conflict") },
	})
	if err != nil {
		return "", err
	}

	return clientID, nil
}

// List returns a copy of the ordered list with peer profiles attached
func (s *Synchronizer) List() []Conversation {
	out := make([]Conversation, len(s.list))
	for i, c := range s.list {
		out[i] = *c
		if !c.IsGroup && c.PeerID != "" && s.profiles != nil {
			out[i].Peer = s.profiles.Resolve(c.PeerID)
		}
	}
	return out
}

// Get returns one conversation
func (s *Synchronizer) Get(id string) (Conversation, bool) {
	c, ok := s.index[id]
	if !ok {
		return Conversation{}, false
	}
	return *c, true
}

// Badge returns the total unread count
func (s *Synchronizer) Badge() int {
	return s.badge
}

// Version increases on every visible change
func (s *Synchronizer) Version() uint64 {
	return s.version
}

// Refetches returns how many reloads were issued
func (s *Synchronizer) Refetches() int {
	return s.refetches
}

// LastRefetchError returns the error of the most recent reload
func (s *Synchronizer) LastRefetchError() error {
	return s.lastRefetch
}

func (s *Synchronizer) patchPeer(p profiles.Profile) {
	for _, c := range s.list {
		if !c.IsGroup && c.PeerID == p.ID {
			c.Peer = p
			s.touch()
		}
	}
}

func (s *Synchronizer) touch() {
	s.version++
}

// PreviewText renders the list preview of a message
func PreviewText(messageType, content string) string {
	switch messageType {
	case "image", "photo":
		return "Photo"
	case "audio", "voice":
		return "Voice message"
	case "video":
		return "Video"
	default:
		return content
	}
}
