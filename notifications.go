package chatsync

import (
	"time"

	"github.com/google/uuid"
)

// NotificationCapacity bounds the recent-activity feed.
const NotificationCapacity = 10

// KindMessage marks notifications raised by an unseen incoming message.
const KindMessage = "message"

// Notification is one entry of the recent-activity feed.
type Notification struct {
	ID        string    `json:"id"`
	Kind      string    `json:"kind"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"createdAt"`
	Read      bool      `json:"read"`
}

// NotificationQueue keeps the newest notifications first and evicts the
// oldest beyond NotificationCapacity.
//
// NotificationQueue is not safe for concurrent use; the Session serializes
// access.
type NotificationQueue struct {
	items []Notification
	now   func() time.Time
}

// NewNotificationQueue creates an empty queue. A nil clock uses time.Now.
func NewNotificationQueue(now func() time.Time) *NotificationQueue {
	if now == nil {
		now = time.Now
	}
	return &NotificationQueue{now: now}
}

// Push prepends a notification and truncates the queue.
func (q *NotificationQueue) Push(kind, text string) Notification {
	n := Notification{
		ID:        uuid.NewString(),
		Kind:      kind,
		Text:      text,
		CreatedAt: q.now(),
	}
	items := make([]Notification, 0, NotificationCapacity)
	items = append(items, n)
	for _, old := range q.items {
		if len(items) == NotificationCapacity {
			break
		}
		items = append(items, old)
	}
	q.items = items
	return n
}

// MarkAllRead flags every queued notification as read.
func (q *NotificationQueue) MarkAllRead() {
	for i := range q.items {
		q.items[i].Read = true
	}
}

// List returns the notifications, newest first.
func (q *NotificationQueue) List() []Notification {
	return append([]Notification(nil), q.items...)
}

// Unread counts the notifications not yet marked read.
func (q *NotificationQueue) Unread() int {
	n := 0
	for _, it := range q.items {
		if !it.Read {
			n++
		}
	}
	return n
}

// Len returns the queue length.
func (q *NotificationQueue) Len() int {
	return len(q.items)
}

// Reset empties the queue.
func (q *NotificationQueue) Reset() {
	q.items = nil
}
