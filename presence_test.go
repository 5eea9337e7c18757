package chatsync_test

import (
	"testing"

	"github.com/stretchr/testify/assert"

	chatsync "github.com/danichat/chatsync"
)

func TestRosterPushExcludesLocalUser(t *testing.T) {
	p := chatsync.NewPresenceDirectory("alice")

	added := p.ApplyRosterPush([]chatsync.User{
		{Username: "alice", Online: true},
		{Username: "bob", Online: true},
		{Username: "carol"},
	})

	_, ok := p.Get("alice")
	assert.False(t, ok)
	_, ok = p.Get("bob")
	assert.True(t, ok)
	_, ok = p.Get("carol")
	assert.True(t, ok)
	assert.Equal(t, []string{"bob", "carol"}, added)
	assert.Equal(t, 2, p.Len())
	assert.True(t, p.IsOnline("bob"))
	assert.False(t, p.IsOnline("carol"))
}

func TestRosterPushReplacesWholesale(t *testing.T) {
	p := chatsync.NewPresenceDirectory("alice")
	p.ApplyRosterPush([]chatsync.User{{Username: "bob", Online: true}, {Username: "carol"}})

	added := p.ApplyRosterPush([]chatsync.User{{Username: "dave"}, {Username: "bob"}})

	assert.Equal(t, []string{"dave"}, added)
	assert.Equal(t, []string{"dave", "bob"}, p.Usernames())
	assert.False(t, p.IsOnline("bob"))
	_, ok := p.Get("carol")
	assert.False(t, ok)
}

func TestRosterSearchFoldsCase(t *testing.T) {
	p := chatsync.NewPresenceDirectory("alice")
	p.ApplyRosterPush([]chatsync.User{{Username: "Bob"}, {Username: "bobby"}, {Username: "Straße"}, {Username: "carol"}})

	assert.Len(t, p.Search("BOB"), 2)
	assert.Len(t, p.Search("  "), 4)
	assert.Equal(t, "Straße", p.Search("STRASSE")[0].Username)
	assert.Empty(t, p.Search("zed"))
}

func TestPresenceReset(t *testing.T) {
	p := chatsync.NewPresenceDirectory("alice")
	p.ApplyRosterPush([]chatsync.User{{Username: "bob"}})

	p.Reset("bob")
	assert.Zero(t, p.Len())

	p.ApplyRosterPush([]chatsync.User{{Username: "alice"}, {Username: "bob"}})
	assert.Equal(t, []string{"alice"}, p.Usernames())
}
