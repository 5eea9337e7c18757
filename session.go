package chatsync

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"
)

// ============================================================================
// Collaborators
// ============================================================================

// Directory is the HTTP side of the service: auth, roster pulls and profile
// images. *Client implements it.
type Directory interface {
	Register(ctx context.Context, username, password string) (*AuthResult, error)
	Login(ctx context.Context, username, password string) (*AuthResult, error)
	ListUsers(ctx context.Context) ([]User, error)
	ProfileImage(ctx context.Context, username string) (string, error)
	// UploadProfileImage validates and uploads data, returning the
	// server-side image name.
	UploadProfileImage(ctx context.Context, username, filename string, data []byte) (string, error)
	ImageURL(name string) string
}

// Channel is the realtime side of the service. *RealtimeClient implements it.
type Channel interface {
	Connect(ctx context.Context, identity string) error
	Disconnect() error
	Send(ctx context.Context, name OutboundName, payload any) error
	SubscribeAll(h EventHandler)
}

// ============================================================================
// Options
// ============================================================================

type SessionOption func(*Session)

func WithLogger(logger *slog.Logger) SessionOption {
	return func(s *Session) { s.logger = logger }
}

// WithClock replaces time.Now for typing expiry and notification times.
func WithClock(now func() time.Time) SessionOption {
	return func(s *Session) { s.now = now }
}

// WithTypingHorizon sets how long a peer's typing signal stays live.
func WithTypingHorizon(d time.Duration) SessionOption {
	return func(s *Session) { s.typingHorizon = d }
}

// WithTypingRateLimit caps outbound typing events. By default every
// NotifyTyping call is sent.
func WithTypingRateLimit(every time.Duration, burst int) SessionOption {
	return func(s *Session) { s.typingLimiter = rate.NewLimiter(rate.Every(every), burst) }
}

// ============================================================================
// Session
// ============================================================================

// SessionState is the lifecycle of a Session.
type SessionState string

const (
	SessionDisconnected SessionState = "disconnected"
	SessionConnecting   SessionState = "connecting"
	SessionConnected    SessionState = "connected"
	SessionReady        SessionState = "ready"
)

// Session is the single coordinator between the server and a presentation
// layer. It owns every store, applies pushes in arrival order, issues pulls,
// and reports what changed through On.
//
// All state is guarded by one mutex and mutated one event or intent at a
// time. Change handlers run after the mutex is released and may query the
// Session, but must not call Logout or Close.
type Session struct {
	dir    Directory
	ch     Channel
	logger *slog.Logger
	events *emitter

	now           func() time.Time
	typingHorizon time.Duration
	typingLimiter *rate.Limiter

	// ctx bounds background pulls; cancelled by Close.
	ctx    context.Context
	cancel context.CancelFunc

	// historyMu keeps getChatHistory sends in the same order as their tags.
	historyMu sync.Mutex

	mu         sync.Mutex
	state      SessionState
	me         string
	active     string
	epoch      uint64
	rosterSeq  uint64
	pending    []string
	unread     map[string]int
	typingSeq  map[string]uint64
	typingTime map[string]*time.Timer
	closed     bool

	presence      *PresenceDirectory
	images        *ImageCache
	conversations *ConversationStore
	typing        *TypingTracker
	notifications *NotificationQueue
}

// NewSession wires a session to its collaborators and subscribes to ch.
func NewSession(dir Directory, ch Channel, opts ...SessionOption) *Session {
	s := &Session{
		dir:        dir,
		ch:         ch,
		state:      SessionDisconnected,
		unread:     make(map[string]int),
		typingSeq:  make(map[string]uint64),
		typingTime: make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.logger == nil {
		s.logger = slog.Default().With("component", "session")
	}
	if s.now == nil {
		s.now = time.Now
	}
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.events = newEmitter(s.logger)

	s.presence = NewPresenceDirectory("")
	s.images = NewImageCache(dir, s.update, s.logger.With("component", "images"))
	s.conversations = NewConversationStore()
	s.typing = NewTypingTracker(s.typingHorizon, s.now)
	s.notifications = NewNotificationQueue(s.now)

	ch.SubscribeAll(s.handleEvent)
	return s
}

// On registers a handler for one kind of change.
func (s *Session) On(kind ChangeKind, h ChangeHandler) {
	s.events.on(kind, h)
}

// update runs fn under the session lock and publishes its changes.
func (s *Session) update(fn func() []Change) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	changes := fn()
	s.mu.Unlock()
	s.events.emit(changes...)
}

func (s *Session) setStateLocked(st SessionState) []Change {
	if s.state == st {
		return nil
	}
	s.logger.Debug("session state", "from", s.state, "to", st)
	s.state = st
	return []Change{{Kind: ChangeState, Subject: string(st)}}
}

// ============================================================================
// Auth intents
// ============================================================================

// Login authenticates and opens the realtime channel as username.
func (s *Session) Login(ctx context.Context, username, password string) error {
	return s.authenticate(ctx, username, password, s.dir.Login)
}

// Register creates the account, then proceeds exactly like Login.
func (s *Session) Register(ctx context.Context, username, password string) error {
	return s.authenticate(ctx, username, password, s.dir.Register)
}

type authFunc func(ctx context.Context, username, password string) (*AuthResult, error)

func (s *Session) authenticate(ctx context.Context, username, password string, call authFunc) error {
	creds, err := normalizeCredentials(username, password)
	if err != nil {
		return err
	}
	if _, err := call(ctx, creds.Username, creds.Password); err != nil {
		s.events.emit(Change{Kind: ChangeError, Err: err})
		return err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return fmt.Errorf("login: %w", context.Canceled)
	}
	if s.me == creds.Username && s.state != SessionDisconnected {
		s.mu.Unlock()
		return nil
	}
	var changes []Change
	if s.me != creds.Username {
		changes = append(changes, s.resetLocked(creds.Username)...)
	}
	s.me = creds.Username
	s.epoch++
	s.pending = nil
	changes = append(changes, s.setStateLocked(SessionConnecting)...)
	s.images.RefreshAsync(s.ctx, creds.Username)
	s.mu.Unlock()
	s.events.emit(changes...)

	s.logger.Info("authenticated", "username", creds.Username)

	if err := s.ch.Connect(ctx, creds.Username); err != nil {
		s.update(func() []Change {
			if s.me != creds.Username || s.state != SessionConnecting {
				return nil
			}
			return append(s.setStateLocked(SessionDisconnected), Change{Kind: ChangeError, Err: err})
		})
		return fmt.Errorf("connect: %w", err)
	}
	return nil
}

// Logout closes the channel and forgets everything held for the user.
func (s *Session) Logout() error {
	s.mu.Lock()
	wasIn := s.me != ""
	var changes []Change
	if wasIn {
		s.logger.Info("logging out", "username", s.me)
		changes = s.resetLocked("")
		s.me = ""
		s.epoch++
		changes = append(changes, s.setStateLocked(SessionDisconnected)...)
	}
	s.mu.Unlock()

	err := s.ch.Disconnect()
	s.events.emit(changes...)
	return err
}

// Close logs out and stops all background work. The session cannot be used
// afterwards.
func (s *Session) Close() error {
	err := s.Logout()
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	s.cancel()
	s.events.removeAll()
	return err
}

// resetLocked drops all per-user state and reports what was cleared.
func (s *Session) resetLocked(local string) []Change {
	for peer, t := range s.typingTime {
		t.Stop()
		delete(s.typingTime, peer)
	}
	s.typingSeq = make(map[string]uint64)
	s.active = ""
	s.pending = nil
	s.unread = make(map[string]int)
	s.presence.Reset(local)
	s.conversations.Reset()
	s.typing.Reset()
	s.notifications.Reset()
	s.images.Reset()
	return []Change{
		{Kind: ChangeRoster},
		{Kind: ChangeMessages},
		{Kind: ChangeTyping},
		{Kind: ChangeNotifications},
		{Kind: ChangeImages},
	}
}

// ============================================================================
// Conversation intents
// ============================================================================

// OpenConversation makes peer the active conversation, clears its unread
// count and requests its history. While the channel is down the history is
// requested once it comes back.
func (s *Session) OpenConversation(ctx context.Context, peer string) error {
	peer = strings.TrimSpace(peer)

	s.historyMu.Lock()
	defer s.historyMu.Unlock()

	s.mu.Lock()
	me := s.me
	if me == "" {
		s.mu.Unlock()
		return ErrNotAuthenticated
	}
	if peer == "" || peer == me {
		s.mu.Unlock()
		return ErrNoPeer
	}
	s.active = peer
	delete(s.unread, peer)
	online := s.state == SessionConnected || s.state == SessionReady
	if online {
		s.pending = append(s.pending, peer)
	}
	s.mu.Unlock()
	s.events.emit(Change{Kind: ChangeMessages, Subject: peer})

	if !online {
		return nil
	}
	if err := s.ch.Send(ctx, OutGetChatHistory, HistoryRequest{User1: me, User2: peer}); err != nil {
		s.mu.Lock()
		s.dropPendingLocked(peer)
		s.mu.Unlock()
		return fmt.Errorf("request history: %w", err)
	}
	return nil
}

// dropPendingLocked forgets the newest outstanding history tag for peer.
func (s *Session) dropPendingLocked(peer string) {
	for i := len(s.pending) - 1; i >= 0; i-- {
		if s.pending[i] == peer {
			s.pending = append(s.pending[:i], s.pending[i+1:]...)
			return
		}
	}
}

// SendText submits a message to peer. Nothing is added locally: the message
// appears once the server pushes it back.
func (s *Session) SendText(ctx context.Context, peer, text string) error {
	req, err := s.outbound(peer)
	if err != nil {
		return err
	}
	msg := SendMessageRequest{Sender: req.Sender, Receiver: req.Receiver, Content: strings.TrimSpace(text)}
	if err := checkStruct(msg, ErrEmptyMessage); err != nil {
		return err
	}
	if err := s.ch.Send(ctx, OutSendMessage, msg); err != nil {
		return fmt.Errorf("send message: %w", err)
	}
	return nil
}

// NotifyTyping tells peer the local user is composing a message.
func (s *Session) NotifyTyping(ctx context.Context, peer string) error {
	req, err := s.outbound(peer)
	if err != nil {
		return err
	}
	if s.typingLimiter != nil && !s.typingLimiter.Allow() {
		return nil
	}
	if err := s.ch.Send(ctx, OutTyping, req); err != nil {
		return fmt.Errorf("send typing: %w", err)
	}
	return nil
}

func (s *Session) outbound(peer string) (TypingRequest, error) {
	peer = strings.TrimSpace(peer)
	s.mu.Lock()
	me := s.me
	s.mu.Unlock()
	if me == "" {
		return TypingRequest{}, ErrNotAuthenticated
	}
	if peer == "" || peer == me {
		return TypingRequest{}, ErrNoPeer
	}
	return TypingRequest{Sender: me, Receiver: peer}, nil
}

// UploadProfileImage replaces the local user's image and announces it to
// peers.
func (s *Session) UploadProfileImage(ctx context.Context, filename string, data []byte) error {
	s.mu.Lock()
	me := s.me
	s.mu.Unlock()
	if me == "" {
		return ErrNotAuthenticated
	}

	name, err := s.dir.UploadProfileImage(ctx, me, filename, data)
	if err != nil {
		if !IsValidation(err) {
			s.events.emit(Change{Kind: ChangeError, Err: err})
		}
		return err
	}
	url := s.dir.ImageURL(name)
	s.update(func() []Change {
		if s.me != me {
			return nil
		}
		return []Change{s.images.ApplyPushUpdate(me, url)}
	})

	update := ProfileImageUpdate{Username: me, ImageURL: name}
	if err := s.ch.Send(ctx, OutUpdateProfileImage, update); err != nil {
		// Peers still see the image on their next refresh.
		s.logger.Warn("announce profile image", "error", err)
	}
	return nil
}

// MarkNotificationsRead flags every notification as read.
func (s *Session) MarkNotificationsRead() {
	s.update(func() []Change {
		if s.notifications.Unread() == 0 {
			return nil
		}
		s.notifications.MarkAllRead()
		return []Change{{Kind: ChangeNotifications}}
	})
}

// ============================================================================
// Inbound events
// ============================================================================

func (s *Session) handleEvent(ev Event) {
	var changes []Change
	var after func()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	switch e := ev.(type) {
	case ConnectedEvent:
		changes, after = s.onConnected(e)
	case DisconnectedEvent:
		changes = s.onDropped(e.Reason, e.Retrying)
	case ReconnectingEvent:
		changes = s.onDropped(fmt.Sprintf("reconnect attempt %d", e.Attempt), true)
	case UsersUpdateEvent:
		if s.me != "" {
			changes = s.applyRosterLocked(e.Users)
		}
	case NewMessageEvent:
		changes = s.onMessage(e.Message)
	case ChatHistoryEvent:
		changes = s.onHistory(e.Messages)
	case UserTypingEvent:
		changes = s.onTyping(e)
	case ProfileImageUpdatedEvent:
		if e.Username != "" && e.ImageURL != "" {
			changes = []Change{s.images.ApplyPushUpdate(e.Username, s.dir.ImageURL(e.ImageURL))}
		}
	default:
		s.logger.Warn("unhandled event", "kind", ev.Kind())
	}
	s.mu.Unlock()

	s.events.emit(changes...)
	if after != nil {
		after()
	}
}

func (s *Session) onConnected(e ConnectedEvent) ([]Change, func()) {
	if s.me == "" || e.Identity != s.me {
		return nil, nil
	}
	changes := s.setStateLocked(SessionConnected)

	// Responses to requests made on an earlier connection never arrive.
	s.pending = nil
	me, peer, epoch, seq := s.me, s.active, s.epoch, s.rosterSeq
	if peer != "" {
		s.pending = append(s.pending, peer)
	}
	s.logger.Info("channel up, syncing", "username", me, "reconnect", e.Reconnect, "active", peer)

	return changes, func() {
		go s.pullRoster(epoch, seq)
		if peer == "" {
			return
		}
		s.historyMu.Lock()
		defer s.historyMu.Unlock()
		if err := s.ch.Send(s.ctx, OutGetChatHistory, HistoryRequest{User1: me, User2: peer}); err != nil {
			s.logger.Warn("history request failed", "peer", peer, "error", err)
			s.mu.Lock()
			s.dropPendingLocked(peer)
			s.mu.Unlock()
		}
	}
}

func (s *Session) onDropped(reason string, retrying bool) []Change {
	if s.me == "" {
		return nil
	}
	s.pending = nil
	if !retrying {
		s.logger.Warn("channel lost", "reason", reason)
		return s.setStateLocked(SessionDisconnected)
	}
	s.logger.Info("channel dropped", "reason", reason)
	return s.setStateLocked(SessionConnecting)
}

// pullRoster fetches the roster over HTTP. The result is dropped when a
// roster push arrived meanwhile or the user changed.
func (s *Session) pullRoster(epoch, seq uint64) {
	users, err := s.dir.ListUsers(s.ctx)
	s.update(func() []Change {
		if s.epoch != epoch || s.me == "" {
			return nil
		}
		if err != nil {
			s.logger.Warn("roster pull failed", "error", err)
			return []Change{{Kind: ChangeError, Err: err}}
		}
		if s.rosterSeq != seq {
			s.logger.Debug("dropping stale roster pull")
			return nil
		}
		return s.applyRosterLocked(users)
	})
}

func (s *Session) applyRosterLocked(users []User) []Change {
	s.rosterSeq++
	s.presence.ApplyRosterPush(users)
	changes := []Change{{Kind: ChangeRoster}}
	if s.state == SessionConnected {
		changes = append(changes, s.setStateLocked(SessionReady)...)
	}
	for _, name := range s.images.Missing(s.presence.Usernames()) {
		s.images.RefreshAsync(s.ctx, name)
	}
	return changes
}

func (s *Session) onMessage(m Message) []Change {
	if s.me == "" || !KeyOf(m).Has(s.me) {
		return nil
	}
	if !s.conversations.ApplyIncoming(m) {
		return nil
	}
	peer := KeyOf(m).Peer(s.me)
	changes := []Change{{Kind: ChangeMessages, Subject: peer}}
	if m.Sender != s.me && m.Sender != s.active {
		s.unread[m.Sender]++
		s.notifications.Push(KindMessage, "New message from "+m.Sender)
		changes = append(changes, Change{Kind: ChangeNotifications, Subject: m.Sender})
	}
	return changes
}

func (s *Session) onHistory(msgs []Message) []Change {
	if len(msgs) == 0 {
		return s.onEmptyHistory()
	}
	// A non-empty response names its own conversation. Tags queued before the
	// matching one were never answered and are dropped with it.
	key := KeyOf(msgs[0])
	if s.me == "" || !key.Has(s.me) {
		s.logger.Debug("dropping foreign history", "conversation", key.String())
		return nil
	}
	peer := key.Peer(s.me)
	if i := slices.Index(s.pending, peer); i >= 0 {
		s.pending = s.pending[i+1:]
	} else if len(s.pending) > 0 {
		s.pending = s.pending[1:]
	}
	if peer != s.active {
		s.logger.Debug("dropping stale history", "conversation", key.String(), "active", s.active)
		return nil
	}
	s.conversations.ApplyHistory(key, msgs)
	return []Change{{Kind: ChangeMessages, Subject: peer}}
}

// onEmptyHistory pops the oldest tag; an empty response carries no key.
func (s *Session) onEmptyHistory() []Change {
	if len(s.pending) == 0 {
		s.logger.Debug("dropping unrequested history")
		return nil
	}
	tag := s.pending[0]
	s.pending = s.pending[1:]
	if s.me == "" || tag != s.active {
		s.logger.Debug("dropping stale history", "requested", tag, "active", s.active)
		return nil
	}
	return []Change{{Kind: ChangeMessages, Subject: tag}}
}

func (s *Session) onTyping(e UserTypingEvent) []Change {
	if s.me == "" || e.Sender == "" || e.Sender == s.me {
		return nil
	}
	if e.Receiver != "" && e.Receiver != s.me {
		return nil
	}
	peer := e.Sender
	s.typing.Signal(peer)

	s.typingSeq[peer]++
	seq := s.typingSeq[peer]
	if t, ok := s.typingTime[peer]; ok {
		t.Stop()
	}
	s.typingTime[peer] = time.AfterFunc(s.typing.Horizon(), func() {
		s.update(func() []Change {
			if s.typingSeq[peer] != seq {
				return nil
			}
			delete(s.typingTime, peer)
			return []Change{{Kind: ChangeTyping, Subject: peer}}
		})
	})
	return []Change{{Kind: ChangeTyping, Subject: peer}}
}

// ============================================================================
// Queries
// ============================================================================

func (s *Session) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Me returns the authenticated username, or "".
func (s *Session) Me() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.me
}

// ActivePeer returns the open conversation's peer, or "".
func (s *Session) ActivePeer() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// Users returns the roster in server order, without the local user.
func (s *Session) Users() []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.List()
}

// SearchUsers filters the roster by a case-insensitive substring.
func (s *Session) SearchUsers(term string) []User {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.Search(term)
}

func (s *Session) User(username string) (User, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.presence.Get(username)
}

// Messages returns the conversation with peer, oldest first.
func (s *Session) Messages(peer string) []Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.me == "" {
		return nil
	}
	return s.conversations.View(NewConversationKey(s.me, peer))
}

// LastMessage returns the newest message exchanged with peer.
func (s *Session) LastMessage(peer string) (Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.me == "" {
		return Message{}, false
	}
	return s.conversations.Last(NewConversationKey(s.me, peer))
}

// Conversations returns the peers with at least one message, most recent
// first.
func (s *Session) Conversations() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	var peers []string
	for _, k := range s.conversations.Keys() {
		if k.Has(s.me) {
			peers = append(peers, k.Peer(s.me))
		}
	}
	return peers
}

// PeerTyping reports whether peer has a live typing signal.
func (s *Session) PeerTyping(peer string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.typing.IsLive(peer)
}

// ProfileImage returns the cached image URL for username. It never touches
// the network.
func (s *Session) ProfileImage(username string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images.Resolve(username)
}

func (s *Session) Avatar(username string) Avatar {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.images.Avatar(username)
}

// Notifications returns the recent-activity feed, newest first.
func (s *Session) Notifications() []Notification {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.notifications.List()
}

// UnreadCount returns the messages received from peer while their
// conversation was not open.
func (s *Session) UnreadCount(peer string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unread[peer]
}

func (s *Session) TotalUnread() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for _, c := range s.unread {
		n += c
	}
	return n
}
