package notify

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/helvethink/deploy-orchestrator/pkg/schemas"
)

// Message is one rendered notification addressed to one recipient.
type Message struct {
	Event     schemas.Event
	Recipient schemas.User
	Title     string
	Body      string
	Expiry    time.Duration
}

// Channel delivers messages on one medium.
type Channel interface {
	Name() schemas.Channel

	// Accepts reports whether u can be reached on this channel.
	Accepts(u schemas.User) bool

	Deliver(ctx context.Context, m Message) error
}

// FeedStore is where in-app notifications are kept.
type FeedStore interface {
	AddNotification(ctx context.Context, n schemas.Notification) error
}

// InApp writes notifications into the recipient's feed.
type InApp struct {
	store FeedStore
	Now   func() time.Time
}

// NewInApp returns the in-app feed channel.
func NewInApp(s FeedStore) *InApp {
	return &InApp{store: s, Now: time.Now}
}

// Name implements Channel.
func (*InApp) Name() schemas.Channel { return schemas.ChannelInApp }

// Accepts implements Channel, every user has a feed.
func (*InApp) Accepts(schemas.User) bool { return true }

// Deliver implements Channel.
func (c *InApp) Deliver(ctx context.Context, m Message) error {
	now := c.Now()

	n := schemas.Notification{
		ID:           uuid.NewString(),
		UserID:       m.Recipient.ID,
		EventID:      m.Event.ID,
		Kind:         m.Event.Kind,
		Title:        m.Title,
		Body:         m.Body,
		ResourceType: m.Event.ResourceType,
		ResourceID:   m.Event.ResourceID,
		CreatedAt:    now,
	}

	if m.Expiry > 0 {
		expiresAt := now.Add(m.Expiry)
		n.ExpiresAt = &expiresAt
	}

	return c.store.AddNotification(ctx, n)
}
