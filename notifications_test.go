package chatsync_test

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatsync "github.com/danichat/chatsync"
)

func TestNotificationQueueNewestFirstAndCapped(t *testing.T) {
	clock := &fakeClock{t: epoch}
	q := chatsync.NewNotificationQueue(clock.Now)

	for i := 0; i < 12; i++ {
		q.Push(chatsync.KindMessage, fmt.Sprint("n", i))
	}

	list := q.List()
	require.Len(t, list, chatsync.NotificationCapacity)
	assert.Equal(t, "n11", list[0].Text)
	assert.Equal(t, "n2", list[len(list)-1].Text)
	assert.Equal(t, epoch, list[0].CreatedAt)
	assert.NotEqual(t, list[0].ID, list[1].ID)
	assert.Equal(t, 10, q.Unread())
}

func TestNotificationMarkAllRead(t *testing.T) {
	q := chatsync.NewNotificationQueue(nil)
	q.Push(chatsync.KindMessage, "a")
	q.Push(chatsync.KindMessage, "b")

	q.MarkAllRead()
	assert.Zero(t, q.Unread())

	q.Push(chatsync.KindMessage, "c")
	assert.Equal(t, 1, q.Unread())
	assert.Equal(t, 3, q.Len())

	q.Reset()
	assert.Zero(t, q.Len())
}
