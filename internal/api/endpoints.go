package api

import (
	"context"
	"strconv"
	"time"

	"github.com/sandwichfarm/chorus/internal/conversations"
	"github.com/sandwichfarm/chorus/internal/feed"
	"github.com/sandwichfarm/chorus/internal/stories"
)

type conversationDTO struct {
	ID                 string    `json:"id"`
	Title              string    `json:"title"`
	IsGroup            bool      `json:"is_group"`
	PeerID             string    `json:"peer_id"`
	LastMessageID      string    `json:"last_message_id"`
	LastMessagePreview string    `json:"last_message_preview"`
	LastMessageAt      time.Time `json:"last_message_at"`
	UnreadCount        int       `json:"unread_count"`
	UnreadMessageIDs   []string  `json:"unread_message_ids"`
}

type unreadDTO struct {
	Total int `json:"total"`
}

type sendDTO struct {
	ClientID    string `json:"client_id"`
	Content     string `json:"content"`
	MessageType string `json:"message_type,omitempty"`
}

type feedItemDTO struct {
	ID          string    `json:"id"`
	AuthorID    string    `json:"author_id"`
	CreatedAt   time.Time `json:"created_at"`
	Likes       int       `json:"likes_count"`
	Validations int       `json:"validations_count"`
	Duets       int       `json:"duets_count"`
	Comments    int       `json:"comments_count"`
	IsLiked     bool      `json:"is_liked"`
	IsValidated bool      `json:"is_validated"`
}

type feedPageDTO struct {
	Items []feedItemDTO `json:"items"`
	Next  string        `json:"next"`
}

type storyDTO struct {
	ID        string    `json:"id"`
	AuthorID  string    `json:"author_id"`
	MediaRef  string    `json:"media_url"`
	MediaType string    `json:"media_type"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
	IsPublic  bool      `json:"is_public"`
	Viewed    bool      `json:"viewed"`
}

func (d feedItemDTO) item() feed.Item {
	return feed.Item{
		ID:        d.ID,
		AuthorID:  d.AuthorID,
		CreatedAt: d.CreatedAt,
		Counters: feed.Counters{
			Likes:       d.Likes,
			Validations: d.Validations,
			Duets:       d.Duets,
			Comments:    d.Comments,
		},
		IsLiked:     d.IsLiked,
		IsValidated: d.IsValidated,
	}
}

// Conversations returns the conversation list snapshot
func (c *Client) Conversations(ctx context.Context) ([]conversations.Conversation, error) {
	var dtos []conversationDTO
	resp, err := c.request(ctx).SetResult(&dtos).Get("/conversations")
	if err := c.check("list conversations", resp, err); err != nil {
		return nil, err
	}

	list := make([]conversations.Conversation, 0, len(dtos))
	for _, d := range dtos {
		list = append(list, conversations.Conversation{
			ID:                 d.ID,
			Title:              d.Title,
			IsGroup:            d.IsGroup,
			PeerID:             d.PeerID,
			LastMessageID:      d.LastMessageID,
			LastMessagePreview: d.LastMessagePreview,
			LastMessageAt:      d.LastMessageAt,
			UnreadCount:        d.UnreadCount,
			UnreadMessageIDs:   d.UnreadMessageIDs,
		})
	}
	return list, nil
}

// UnreadTotal returns the authoritative unread message count
func (c *Client) UnreadTotal(ctx context.Context) (int, error) {
	var dto unreadDTO
	resp, err := c.request(ctx).SetResult(&dto).Get("/conversations/unread")
	if err := c.check("unread total", resp, err); err != nil {
		return 0, err
	}
	return dto.Total, nil
}

// SendMessage posts a message; the client id makes retries idempotent
func (c *Client) SendMessage(ctx context.Context, req conversations.SendRequest) error {
	resp, err := c.request(ctx).
		SetPathParam("id", req.ConversationID).
		SetBody(sendDTO{ClientID: req.ClientID, Content: req.Content, MessageType: req.MessageType}).
		Post("/conversations/{id}/messages")
	return c.check("send message", resp, err)
}

// FeedPage returns one page of the feed starting at cursor
func (c *Client) FeedPage(ctx context.Context, cursor string, limit int) (feed.Page, error) {
	var dto feedPageDTO
	req := c.request(ctx).SetResult(&dto)
	if cursor != "" {
		req.SetQueryParam("cursor", cursor)
	}
	if limit > 0 {
		req.SetQueryParam("limit", strconv.Itoa(limit))
	}

	resp, err := req.Get("/feed")
	if err := c.check("feed page", resp, err); err != nil {
		return feed.Page{}, err
	}

	page := feed.Page{Next: dto.Next, Items: make([]feed.Item, 0, len(dto.Items))}
	for _, d := range dto.Items {
		page.Items = append(page.Items, d.item())
	}
	return page, nil
}

// FeedItem returns a single feed item with fresh counters
func (c *Client) FeedItem(ctx context.Context, id string) (feed.Item, error) {
	var dto feedItemDTO
	resp, err := c.request(ctx).SetPathParam("id", id).SetResult(&dto).Get("/feed/{id}")
	if err := c.check("feed item", resp, err); err != nil {
		return feed.Item{}, err
	}
	return dto.item(), nil
}

// SetLike likes or unlikes a post
func (c *Client) SetLike(ctx context.Context, postID string, liked bool) error {
	req := c.request(ctx).SetPathParam("id", postID)
	if liked {
		resp, err := req.Put("/posts/{id}/like")
		return c.check("like", resp, err)
	}
	resp, err := req.Delete("/posts/{id}/like")
	return c.check("unlike", resp, err)
}

// SubmitValidation validates a post for the local user
func (c *Client) SubmitValidation(ctx context.Context, postID string) error {
	resp, err := c.request(ctx).SetPathParam("id", postID).Post("/posts/{id}/validations")
	return c.check("validate", resp, err)
}

// SetFollow follows or unfollows an author
func (c *Client) SetFollow(ctx context.Context, authorID string, following bool) error {
	req := c.request(ctx).SetPathParam("id", authorID)
	if following {
		resp, err := req.Put("/follows/{id}")
		return c.check("follow", resp, err)
	}
	resp, err := req.Delete("/follows/{id}")
	return c.check("unfollow", resp, err)
}

// Follows returns the ids of authors the local user follows
func (c *Client) Follows(ctx context.Context) ([]string, error) {
	var ids []string
	resp, err := c.request(ctx).SetResult(&ids).Get("/follows")
	if err := c.check("list follows", resp, err); err != nil {
		return nil, err
	}
	return ids, nil
}

// ActiveStories returns stories that have not expired
func (c *Client) ActiveStories(ctx context.Context) ([]stories.Item, error) {
	var dtos []storyDTO
	resp, err := c.request(ctx).SetResult(&dtos).Get("/stories/active")
	if err := c.check("active stories", resp, err); err != nil {
		return nil, err
	}

	items := make([]stories.Item, 0, len(dtos))
	for _, d := range dtos {
		items = append(items, stories.Item{
			ID:        d.ID,
			AuthorID:  d.AuthorID,
			MediaRef:  d.MediaRef,
			MediaType: d.MediaType,
			CreatedAt: d.CreatedAt,
			ExpiresAt: d.ExpiresAt,
			IsPublic:  d.IsPublic,
			Viewed:    d.Viewed,
		})
	}
	return items, nil
}

var (
	_ conversations.Backend = (*Client)(nil)
	_ feed.Backend          = (*Client)(nil)
	_ stories.Source        = (*Client)(nil)
)
