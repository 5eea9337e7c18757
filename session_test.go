package chatsync_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatsync "github.com/danichat/chatsync"
)

// ============================================================================
// Fakes
// ============================================================================

type sentFrame struct {
	name    chatsync.OutboundName
	payload any
}

// fakeChannel stands in for RealtimeClient. Connect delivers ConnectedEvent
// synchronously, as the real client does.
type fakeChannel struct {
	mu        sync.Mutex
	handler   chatsync.EventHandler
	connected bool
	identity  string
	connects  int
	sent      []sentFrame
}

func (c *fakeChannel) SubscribeAll(h chatsync.EventHandler) { c.handler = h }

func (c *fakeChannel) Connect(ctx context.Context, identity string) error {
	c.mu.Lock()
	c.connected = true
	c.identity = identity
	c.connects++
	c.mu.Unlock()
	c.handler(chatsync.ConnectedEvent{Identity: identity})
	return nil
}

func (c *fakeChannel) Disconnect() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
	return nil
}

func (c *fakeChannel) Send(ctx context.Context, name chatsync.OutboundName, payload any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return chatsync.ErrNotConnected
	}
	c.sent = append(c.sent, sentFrame{name: name, payload: payload})
	return nil
}

// push simulates a frame arriving on the read loop.
func (c *fakeChannel) push(ev chatsync.Event) { c.handler(ev) }

func (c *fakeChannel) drop() {
	c.mu.Lock()
	c.connected = false
	c.mu.Unlock()
	c.handler(chatsync.DisconnectedEvent{Reason: "EOF", Retrying: true})
}

func (c *fakeChannel) reconnect() {
	c.mu.Lock()
	c.connected = true
	id := c.identity
	c.mu.Unlock()
	c.handler(chatsync.ConnectedEvent{Identity: id, Reconnect: true})
}

func (c *fakeChannel) frames(name chatsync.OutboundName) []any {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []any
	for _, f := range c.sent {
		if f.name == name {
			out = append(out, f.payload)
		}
	}
	return out
}

func (c *fakeChannel) total() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

type fakeDirectory struct {
	mu        sync.Mutex
	users     []chatsync.User
	images    map[string]string
	authCalls int
	pulls     int
	gate      chan struct{}
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		users: []chatsync.User{
			{Username: "alice", Online: true},
			{Username: "bob", Online: true},
			{Username: "carol"},
		},
		images: map[string]string{"bob": "bob.png"},
	}
}

func (d *fakeDirectory) Login(ctx context.Context, username, password string) (*chatsync.AuthResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authCalls++
	if password != "secret" {
		return nil, &chatsync.APIError{Status: 401, Message: "Invalid credentials"}
	}
	return &chatsync.AuthResult{Message: "Login successful"}, nil
}

func (d *fakeDirectory) Register(ctx context.Context, username, password string) (*chatsync.AuthResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.authCalls++
	return &chatsync.AuthResult{Message: "User registered successfully"}, nil
}

func (d *fakeDirectory) ListUsers(ctx context.Context) ([]chatsync.User, error) {
	d.mu.Lock()
	gate := d.gate
	d.pulls++
	d.mu.Unlock()
	if gate != nil {
		<-gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]chatsync.User(nil), d.users...), nil
}

func (d *fakeDirectory) ProfileImage(ctx context.Context, username string) (string, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if name, ok := d.images[username]; ok {
		return d.ImageURL(name), nil
	}
	return "", nil
}

func (d *fakeDirectory) UploadProfileImage(ctx context.Context, username, filename string, data []byte) (string, error) {
	return "fresh.png", nil
}

func (d *fakeDirectory) ImageURL(name string) string { return "http://img/" + name }

func (d *fakeDirectory) counts() (auth, pulls int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.authCalls, d.pulls
}

// ============================================================================
// Helpers
// ============================================================================

type harness struct {
	session *chatsync.Session
	ch      *fakeChannel
	dir     *fakeDirectory
	clock   *fakeClock
}

func newHarness(t *testing.T, opts ...chatsync.SessionOption) *harness {
	t.Helper()
	h := &harness{ch: &fakeChannel{}, dir: newFakeDirectory(), clock: &fakeClock{t: epoch}}
	opts = append([]chatsync.SessionOption{chatsync.WithClock(h.clock.Now)}, opts...)
	h.session = chatsync.NewSession(h.dir, h.ch, opts...)
	t.Cleanup(func() { h.session.Close() })
	return h
}

// login signs in as alice and waits for the first roster.
func (h *harness) login(t *testing.T) {
	t.Helper()
	require.NoError(t, h.session.Login(context.Background(), "alice", "secret"))
	require.Eventually(t, func() bool {
		return h.session.State() == chatsync.SessionReady
	}, 2*time.Second, 5*time.Millisecond)
}

// ============================================================================
// Tests
// ============================================================================

func TestSessionLoginReachesReady(t *testing.T) {
	h := newHarness(t)

	var states []string
	var mu sync.Mutex
	h.session.On(chatsync.ChangeState, func(c chatsync.Change) {
		mu.Lock()
		states = append(states, c.Subject)
		mu.Unlock()
	})

	h.login(t)

	assert.Equal(t, "alice", h.session.Me())
	assert.Equal(t, "alice", h.ch.identity)
	// The ready change is published just after the state flips.
	assert.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(states) == 3
	}, time.Second, 5*time.Millisecond)
	mu.Lock()
	assert.Equal(t, []string{"connecting", "connected", "ready"}, states)
	mu.Unlock()

	names := make([]string, 0)
	for _, u := range h.session.Users() {
		names = append(names, u.Username)
	}
	assert.Equal(t, []string{"bob", "carol"}, names)

	// Roster arrival pulls missing images.
	assert.Eventually(t, func() bool {
		url, ok := h.session.ProfileImage("bob")
		return ok && url == "http://img/bob.png"
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionRosterPushMakesReady(t *testing.T) {
	h := newHarness(t)
	h.dir.gate = make(chan struct{})
	defer close(h.dir.gate)

	require.NoError(t, h.session.Login(context.Background(), "alice", "secret"))
	assert.Equal(t, chatsync.SessionConnected, h.session.State())

	h.ch.push(chatsync.UsersUpdateEvent{Users: []chatsync.User{{Username: "alice"}, {Username: "dave", Online: true}}})
	assert.Equal(t, chatsync.SessionReady, h.session.State())
	_, ok := h.session.User("alice")
	assert.False(t, ok)
	dave, ok := h.session.User("dave")
	require.True(t, ok)
	assert.True(t, dave.Online)
}

func TestSessionStaleRosterPullIsDropped(t *testing.T) {
	h := newHarness(t)
	gate := make(chan struct{})
	h.dir.gate = gate

	require.NoError(t, h.session.Login(context.Background(), "alice", "secret"))
	h.ch.push(chatsync.UsersUpdateEvent{Users: []chatsync.User{{Username: "dave"}}})

	close(gate)
	time.Sleep(50 * time.Millisecond)

	users := h.session.Users()
	require.Len(t, users, 1)
	assert.Equal(t, "dave", users[0].Username)
}

func TestSessionRejectsBlankCredentials(t *testing.T) {
	h := newHarness(t)

	err := h.session.Login(context.Background(), "  ", "secret")
	assert.ErrorIs(t, err, chatsync.ErrEmptyCredentials)
	auth, _ := h.dir.counts()
	assert.Zero(t, auth)
	assert.Zero(t, h.ch.connects)
	assert.Equal(t, chatsync.SessionDisconnected, h.session.State())
}

func TestSessionLoginFailureReportsError(t *testing.T) {
	h := newHarness(t)
	errs := make(chan error, 1)
	h.session.On(chatsync.ChangeError, func(c chatsync.Change) { errs <- c.Err })

	err := h.session.Login(context.Background(), "alice", "nope")
	var apiErr *chatsync.APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, 401, apiErr.Status)
	assert.Equal(t, err, <-errs)
	assert.Empty(t, h.session.Me())
}

func TestSessionSendTextWhitespaceIsRejected(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	before := h.ch.total()

	err := h.session.SendText(context.Background(), "bob", "  \t\n ")
	assert.ErrorIs(t, err, chatsync.ErrEmptyMessage)
	assert.True(t, chatsync.IsValidation(err))
	assert.Equal(t, before, h.ch.total(), "no outbound request")
}

func TestSessionSendTextHasNoLocalEcho(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	require.NoError(t, h.session.SendText(context.Background(), "bob", "  hello  "))
	assert.Equal(t, []any{chatsync.SendMessageRequest{Sender: "alice", Receiver: "bob", Content: "hello"}},
		h.ch.frames(chatsync.OutSendMessage))
	assert.Empty(t, h.session.Messages("bob"))

	h.ch.push(chatsync.NewMessageEvent{Message: msg("9", "alice", "bob", 10, "hello")})
	assert.Len(t, h.session.Messages("bob"), 1)

	assert.ErrorIs(t, h.session.SendText(context.Background(), "alice", "hi"), chatsync.ErrNoPeer)
}

func TestSessionHistoryIsOrdered(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	require.NoError(t, h.session.OpenConversation(context.Background(), "bob"))
	assert.Equal(t, []any{chatsync.HistoryRequest{User1: "alice", User2: "bob"}},
		h.ch.frames(chatsync.OutGetChatHistory))

	h.ch.push(chatsync.ChatHistoryEvent{Messages: []chatsync.Message{
		msg("1", "alice", "bob", 100, "later"),
		msg("2", "bob", "alice", 50, "earlier"),
	}})

	assert.Equal(t, []string{"2", "1"}, ids(h.session.Messages("bob")))
	last, ok := h.session.LastMessage("bob")
	require.True(t, ok)
	assert.Equal(t, "1", last.ID)
	assert.Equal(t, []string{"bob"}, h.session.Conversations())
}

func TestSessionStaleHistoryIsDiscarded(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	ctx := context.Background()

	require.NoError(t, h.session.OpenConversation(ctx, "bob"))
	require.NoError(t, h.session.OpenConversation(ctx, "carol"))

	// A push for alice/bob lands while both pulls are outstanding.
	h.ch.push(chatsync.NewMessageEvent{Message: msg("p", "bob", "alice", 5, "push")})

	h.ch.push(chatsync.ChatHistoryEvent{Messages: []chatsync.Message{msg("b1", "bob", "alice", 1, "for bob")}})
	h.ch.push(chatsync.ChatHistoryEvent{Messages: []chatsync.Message{msg("c1", "carol", "alice", 1, "for carol")}})

	assert.Equal(t, []string{"c1"}, ids(h.session.Messages("carol")))
	assert.Equal(t, []string{"p"}, ids(h.session.Messages("bob")), "bob's late history is dropped")
	assert.Equal(t, "carol", h.session.ActivePeer())
}

func TestSessionHistoryMatchesItsConversation(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	ctx := context.Background()

	// bob's request is never answered.
	require.NoError(t, h.session.OpenConversation(ctx, "bob"))
	require.NoError(t, h.session.OpenConversation(ctx, "carol"))
	h.ch.push(chatsync.ChatHistoryEvent{Messages: []chatsync.Message{msg("c1", "carol", "alice", 1, "for carol")}})

	assert.Equal(t, []string{"c1"}, ids(h.session.Messages("carol")))
	assert.Empty(t, h.session.Messages("bob"))

	// Both tags were consumed, so the next empty reply belongs to dave.
	changes := make(chan string, 4)
	h.session.On(chatsync.ChangeMessages, func(c chatsync.Change) { changes <- c.Subject })
	require.NoError(t, h.session.OpenConversation(ctx, "dave"))
	assert.Equal(t, "dave", <-changes)
	h.ch.push(chatsync.ChatHistoryEvent{})
	assert.Equal(t, "dave", <-changes)

	// With nothing outstanding, an empty reply is ignored.
	h.ch.push(chatsync.ChatHistoryEvent{})
	assert.Empty(t, changes)
}

func TestSessionReconnectResyncsOnce(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	ctx := context.Background()

	require.NoError(t, h.session.OpenConversation(ctx, "bob"))
	history := []chatsync.Message{
		msg("1", "alice", "bob", 10, "a"),
		msg("2", "bob", "alice", 20, "b"),
	}
	h.ch.push(chatsync.ChatHistoryEvent{Messages: history})
	_, pulls := h.dir.counts()
	require.Equal(t, 1, pulls)

	h.ch.drop()
	assert.Equal(t, chatsync.SessionConnecting, h.session.State())
	assert.Len(t, h.session.Messages("bob"), 2, "store survives the drop")

	h.ch.reconnect()
	require.Eventually(t, func() bool {
		return h.session.State() == chatsync.SessionReady
	}, 2*time.Second, 5*time.Millisecond)

	_, pulls = h.dir.counts()
	assert.Equal(t, 2, pulls, "one roster pull per connection")
	assert.Len(t, h.ch.frames(chatsync.OutGetChatHistory), 2, "one history request per connection")

	h.ch.push(chatsync.ChatHistoryEvent{Messages: history})
	assert.Equal(t, []string{"1", "2"}, ids(h.session.Messages("bob")))
}

func TestSessionResponsesFromDroppedConnectionAreIgnored(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	require.NoError(t, h.session.OpenConversation(context.Background(), "bob"))
	h.ch.drop()
	h.ch.reconnect()

	h.ch.push(chatsync.ChatHistoryEvent{Messages: []chatsync.Message{msg("1", "alice", "bob", 1, "x")}})
	h.ch.push(chatsync.ChatHistoryEvent{Messages: []chatsync.Message{msg("2", "alice", "bob", 2, "y")}})

	assert.Equal(t, []string{"1"}, ids(h.session.Messages("bob")), "only the re-issued request is answered")
}

func TestSessionUnreadAndNotifications(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	require.NoError(t, h.session.OpenConversation(context.Background(), "bob"))

	h.ch.push(chatsync.NewMessageEvent{Message: msg("1", "carol", "alice", 1, "psst")})
	h.ch.push(chatsync.NewMessageEvent{Message: msg("2", "carol", "alice", 2, "hello?")})
	h.ch.push(chatsync.NewMessageEvent{Message: msg("3", "bob", "alice", 3, "hey")})
	h.ch.push(chatsync.NewMessageEvent{Message: msg("3", "bob", "alice", 3, "hey")})

	assert.Equal(t, 2, h.session.UnreadCount("carol"))
	assert.Zero(t, h.session.UnreadCount("bob"))
	assert.Equal(t, 2, h.session.TotalUnread())

	notes := h.session.Notifications()
	require.Len(t, notes, 2)
	assert.Equal(t, chatsync.KindMessage, notes[0].Kind)
	assert.Equal(t, "New message from carol", notes[0].Text)

	h.session.MarkNotificationsRead()
	for _, n := range h.session.Notifications() {
		assert.True(t, n.Read)
	}

	require.NoError(t, h.session.OpenConversation(context.Background(), "carol"))
	assert.Zero(t, h.session.UnreadCount("carol"))
	assert.Len(t, h.session.Messages("bob"), 1)
}

func TestSessionIgnoresMessagesForOthers(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.ch.push(chatsync.NewMessageEvent{Message: msg("1", "bob", "carol", 1, "not for alice")})
	assert.Empty(t, h.session.Messages("bob"))
	assert.Empty(t, h.session.Notifications())
}

func TestSessionTypingExpires(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.ch.push(chatsync.UserTypingEvent{Sender: "bob", Receiver: "alice"})
	h.ch.push(chatsync.UserTypingEvent{Sender: "carol", Receiver: "dave"})
	assert.True(t, h.session.PeerTyping("bob"))
	assert.False(t, h.session.PeerTyping("carol"))

	h.clock.Advance(999 * time.Millisecond)
	assert.True(t, h.session.PeerTyping("bob"))
	h.clock.Advance(time.Millisecond)
	assert.False(t, h.session.PeerTyping("bob"))
}

func TestSessionTypingEmitsExpiryChange(t *testing.T) {
	ch := &fakeChannel{}
	s := chatsync.NewSession(newFakeDirectory(), ch, chatsync.WithTypingHorizon(200*time.Millisecond))
	defer s.Close()
	require.NoError(t, s.Login(context.Background(), "alice", "secret"))

	changes := make(chan chatsync.Change, 4)
	s.On(chatsync.ChangeTyping, func(c chatsync.Change) { changes <- c })

	ch.push(chatsync.UserTypingEvent{Sender: "bob"})
	assert.Equal(t, "bob", (<-changes).Subject)
	assert.True(t, s.PeerTyping("bob"))

	select {
	case c := <-changes:
		assert.Equal(t, "bob", c.Subject)
	case <-time.After(time.Second):
		t.Fatal("no expiry change")
	}
	assert.False(t, s.PeerTyping("bob"))
}

func TestSessionTypingRateLimit(t *testing.T) {
	h := newHarness(t, chatsync.WithTypingRateLimit(time.Hour, 1))
	h.login(t)
	ctx := context.Background()

	require.NoError(t, h.session.NotifyTyping(ctx, "bob"))
	require.NoError(t, h.session.NotifyTyping(ctx, "bob"))
	assert.Len(t, h.ch.frames(chatsync.OutTyping), 1)
}

func TestSessionTypingUnlimitedByDefault(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	for i := 0; i < 5; i++ {
		require.NoError(t, h.session.NotifyTyping(context.Background(), "bob"))
	}
	assert.Equal(t, chatsync.TypingRequest{Sender: "alice", Receiver: "bob"}, h.ch.frames(chatsync.OutTyping)[0])
	assert.Len(t, h.ch.frames(chatsync.OutTyping), 5)
}

func TestSessionProfileImages(t *testing.T) {
	h := newHarness(t)
	h.login(t)

	h.ch.push(chatsync.ProfileImageUpdatedEvent{Username: "carol", ImageURL: "carol-2.png"})
	url, ok := h.session.ProfileImage("carol")
	require.True(t, ok)
	assert.Equal(t, "http://img/carol-2.png", url)
	assert.Equal(t, "C", h.session.Avatar("carol").Initial)

	require.NoError(t, h.session.UploadProfileImage(context.Background(), "me.png", pngBytes))
	url, _ = h.session.ProfileImage("alice")
	assert.Equal(t, "http://img/fresh.png", url)
	assert.Equal(t, []any{chatsync.ProfileImageUpdate{Username: "alice", ImageURL: "fresh.png"}},
		h.ch.frames(chatsync.OutUpdateProfileImage))
}

func TestSessionIntentsNeedLogin(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	assert.ErrorIs(t, h.session.OpenConversation(ctx, "bob"), chatsync.ErrNotAuthenticated)
	assert.ErrorIs(t, h.session.SendText(ctx, "bob", "hi"), chatsync.ErrNotAuthenticated)
	assert.ErrorIs(t, h.session.NotifyTyping(ctx, "bob"), chatsync.ErrNotAuthenticated)
	assert.ErrorIs(t, h.session.UploadProfileImage(ctx, "me.png", pngBytes), chatsync.ErrNotAuthenticated)
}

func TestSessionLogoutClearsEverything(t *testing.T) {
	h := newHarness(t)
	h.login(t)
	require.NoError(t, h.session.OpenConversation(context.Background(), "bob"))
	h.ch.push(chatsync.NewMessageEvent{Message: msg("1", "carol", "alice", 1, "hi")})

	require.NoError(t, h.session.Logout())

	assert.Equal(t, chatsync.SessionDisconnected, h.session.State())
	assert.Empty(t, h.session.Me())
	assert.Empty(t, h.session.ActivePeer())
	assert.Empty(t, h.session.Users())
	assert.Empty(t, h.session.Notifications())
	assert.Zero(t, h.session.TotalUnread())
	assert.False(t, h.ch.connected)

	// Late pushes after logout are ignored.
	h.ch.push(chatsync.NewMessageEvent{Message: msg("2", "carol", "alice", 2, "late")})
	assert.Empty(t, h.session.Conversations())
}
