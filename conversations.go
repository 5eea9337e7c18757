package chatsync

import (
	"sort"
	"time"
)

// ============================================================================
// Conversation Key
// ============================================================================

// ConversationKey identifies the thread between two users. It is unordered:
// NewConversationKey(a, b) == NewConversationKey(b, a).
type ConversationKey struct {
	A string
	B string
}

// NewConversationKey returns the canonical key for the pair x, y.
func NewConversationKey(x, y string) ConversationKey {
	if y < x {
		x, y = y, x
	}
	return ConversationKey{A: x, B: y}
}

// KeyOf returns the conversation a message belongs to.
func KeyOf(m Message) ConversationKey {
	return NewConversationKey(m.Sender, m.Receiver)
}

// Has reports whether user is one of the two endpoints.
func (k ConversationKey) Has(user string) bool {
	return k.A == user || k.B == user
}

// Peer returns the endpoint that is not self.
func (k ConversationKey) Peer(self string) string {
	if k.A == self {
		return k.B
	}
	return k.A
}

// IsZero reports whether k is the empty key.
func (k ConversationKey) IsZero() bool {
	return k.A == "" && k.B == ""
}

func (k ConversationKey) String() string {
	return k.A + "|" + k.B
}

// Relevant reports whether m belongs in the view between viewer and peer,
// i.e. {sender, receiver} == {viewer, peer} as sets.
func Relevant(m Message, viewer, peer string) bool {
	return KeyOf(m) == NewConversationKey(viewer, peer)
}

// ============================================================================
// Conversation Store
// ============================================================================

// messageShape identifies a message that has no server id.
type messageShape struct {
	sender   string
	receiver string
	at       int64
	content  string
}

func shapeOf(m Message) messageShape {
	return messageShape{sender: m.Sender, receiver: m.Receiver, at: m.Timestamp.UnixNano(), content: m.Content}
}

// conversationLog keeps one thread sorted by timestamp. Messages with equal
// timestamps stay in arrival order.
type conversationLog struct {
	msgs []Message
	ids  map[string]struct{}
	// shapes records every stored shape; the value is true when at least one
	// message with that shape was stored without an id.
	shapes map[messageShape]bool
}

func newConversationLog() *conversationLog {
	return &conversationLog{
		ids:    make(map[string]struct{}),
		shapes: make(map[messageShape]bool),
	}
}

func (l *conversationLog) contains(m Message) bool {
	idless, seen := l.shapes[shapeOf(m)]
	if m.ID == "" {
		return seen
	}
	if _, ok := l.ids[m.ID]; ok {
		return true
	}
	return seen && idless
}

func (l *conversationLog) insert(m Message) bool {
	if l.contains(m) {
		return false
	}
	// First position strictly after every message at or before m's time.
	i := sort.Search(len(l.msgs), func(i int) bool {
		return l.msgs[i].Timestamp.After(m.Timestamp)
	})
	l.msgs = append(l.msgs, Message{})
	copy(l.msgs[i+1:], l.msgs[i:])
	l.msgs[i] = m

	if m.ID != "" {
		l.ids[m.ID] = struct{}{}
	}
	s := shapeOf(m)
	l.shapes[s] = l.shapes[s] || m.ID == ""
	return true
}

// ConversationStore holds one ordered, deduplicated log per conversation.
//
// Messages are deduplicated by server id when present, otherwise by sender,
// receiver, timestamp and content. Pushes and history responses may arrive
// in any order and overlap; the store converges on the same view.
//
// ConversationStore is not safe for concurrent use; the Session serializes
// access.
type ConversationStore struct {
	logs map[ConversationKey]*conversationLog
}

// NewConversationStore creates an empty store.
func NewConversationStore() *ConversationStore {
	return &ConversationStore{logs: make(map[ConversationKey]*conversationLog)}
}

func (s *ConversationStore) log(key ConversationKey) *conversationLog {
	l, ok := s.logs[key]
	if !ok {
		l = newConversationLog()
		s.logs[key] = l
	}
	return l
}

// ApplyHistory installs a fetched history for key. Messages outside key are
// ignored. Entries already held for key that the history does not contain,
// such as pushes that raced the fetch, are kept. It returns the number of
// messages added.
func (s *ConversationStore) ApplyHistory(key ConversationKey, msgs []Message) int {
	if key.IsZero() {
		return 0
	}
	l := s.log(key)
	added := 0
	for _, m := range msgs {
		if KeyOf(m) != key {
			continue
		}
		if l.insert(m) {
			added++
		}
	}
	return added
}

// ApplyIncoming appends a pushed message to its conversation. It reports
// false, leaving the store unchanged, when the message is already present
// or names neither endpoint.
func (s *ConversationStore) ApplyIncoming(m Message) bool {
	key := KeyOf(m)
	if key.IsZero() {
		return false
	}
	return s.log(key).insert(m)
}

// View returns the conversation for key in non-decreasing timestamp order.
func (s *ConversationStore) View(key ConversationKey) []Message {
	l, ok := s.logs[key]
	if !ok {
		return nil
	}
	return append([]Message(nil), l.msgs...)
}

// Len returns the number of messages stored for key.
func (s *ConversationStore) Len(key ConversationKey) int {
	if l, ok := s.logs[key]; ok {
		return len(l.msgs)
	}
	return 0
}

// Last returns the newest message for key.
func (s *ConversationStore) Last(key ConversationKey) (Message, bool) {
	l, ok := s.logs[key]
	if !ok || len(l.msgs) == 0 {
		return Message{}, false
	}
	return l.msgs[len(l.msgs)-1], true
}

// Keys returns every conversation with at least one message, most recently
// active first.
func (s *ConversationStore) Keys() []ConversationKey {
	keys := make([]ConversationKey, 0, len(s.logs))
	last := make(map[ConversationKey]time.Time, len(s.logs))
	for k, l := range s.logs {
		if len(l.msgs) == 0 {
			continue
		}
		keys = append(keys, k)
		last[k] = l.msgs[len(l.msgs)-1].Timestamp
	}
	sort.Slice(keys, func(i, j int) bool {
		if !last[keys[i]].Equal(last[keys[j]]) {
			return last[keys[i]].After(last[keys[j]])
		}
		return keys[i].String() < keys[j].String()
	})
	return keys
}

// Reset drops every conversation.
func (s *ConversationStore) Reset() {
	s.logs = make(map[ConversationKey]*conversationLog)
}
