package schemas

import "time"

// Channel is a notification delivery channel.
type Channel string

const (
	ChannelInApp Channel = "in_app"
	ChannelEmail Channel = "email"
)

// Notification is one in-app feed item.
type Notification struct {
	ID           string
	UserID       string
	EventID      string
	Kind         EventKind
	Title        string
	Body         string
	ResourceType ResourceType
	ResourceID   string
	CreatedAt    time.Time
	ExpiresAt    *time.Time
	ReadAt       *time.Time
}

// Expired reports whether the item should no longer be shown at instant t.
func (n Notification) Expired(t time.Time) bool {
	return n.ExpiresAt != nil && !t.Before(*n.ExpiresAt)
}

// DeliveryRecord is the outcome of notifying one recipient on one channel.
type DeliveryRecord struct {
	EventID     string
	Kind        EventKind
	RecipientID string
	Channel     Channel
	Success     bool
	Error       string
	SentAt      time.Time
}
