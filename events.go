package chatsync

import (
	"encoding/json"
	"fmt"
	"time"
)

// EventKind names an inbound event. Push kinds match the wire names used by
// the server; lifecycle kinds are produced locally by RealtimeClient.
type EventKind string

const (
	KindNewMessage          EventKind = "newMessage"
	KindChatHistory         EventKind = "chatHistory"
	KindUsersUpdate         EventKind = "usersUpdate"
	KindUserTyping          EventKind = "userTyping"
	KindProfileImageUpdated EventKind = "profileImageUpdated"

	KindConnected    EventKind = "connected"
	KindDisconnected EventKind = "disconnected"
	KindReconnecting EventKind = "reconnecting"
)

// OutboundName names a client-to-server event.
type OutboundName string

const (
	OutJoin               OutboundName = "join"
	OutGetChatHistory     OutboundName = "getChatHistory"
	OutSendMessage        OutboundName = "sendMessage"
	OutTyping             OutboundName = "typing"
	OutUpdateProfileImage OutboundName = "updateProfileImage"
)

// Envelope is the wire format of every frame in both directions.
type Envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

// Event is the closed set of inbound events. Consumers switch on the
// concrete type.
type Event interface {
	Kind() EventKind
	isEvent()
}

// NewMessageEvent is a single message pushed by the server, including the
// echo of messages the local user sent.
type NewMessageEvent struct {
	Message Message
}

// ChatHistoryEvent answers a getChatHistory request. The wire form carries no
// conversation key; only a non-empty reply reveals it through its messages.
type ChatHistoryEvent struct {
	Messages []Message
}

// UsersUpdateEvent carries the full roster.
type UsersUpdateEvent struct {
	Users []User
}

// UserTypingEvent reports that Sender is composing a message.
type UserTypingEvent struct {
	Sender   string `json:"sender"`
	Receiver string `json:"receiver,omitempty"`
}

// ProfileImageUpdatedEvent announces a new image for Username. ImageURL is
// the server-side image name, not yet resolved against the base URL.
type ProfileImageUpdatedEvent struct {
	Username string `json:"username"`
	ImageURL string `json:"imageUrl"`
}

// ConnectedEvent fires after a dial succeeded and join was sent.
type ConnectedEvent struct {
	Identity  string
	Reconnect bool
}

// DisconnectedEvent fires when the channel is lost. Retrying is false once
// the client has given up; Disconnect itself fires no event.
type DisconnectedEvent struct {
	Reason   string
	Retrying bool
}

// ReconnectingEvent fires before each reconnect attempt.
type ReconnectingEvent struct {
	Attempt int
	Delay   time.Duration
}

func (NewMessageEvent) Kind() EventKind          { return KindNewMessage }
func (ChatHistoryEvent) Kind() EventKind         { return KindChatHistory }
func (UsersUpdateEvent) Kind() EventKind         { return KindUsersUpdate }
func (UserTypingEvent) Kind() EventKind          { return KindUserTyping }
func (ProfileImageUpdatedEvent) Kind() EventKind { return KindProfileImageUpdated }
func (ConnectedEvent) Kind() EventKind           { return KindConnected }
func (DisconnectedEvent) Kind() EventKind        { return KindDisconnected }
func (ReconnectingEvent) Kind() EventKind        { return KindReconnecting }

func (NewMessageEvent) isEvent()          {}
func (ChatHistoryEvent) isEvent()         {}
func (UsersUpdateEvent) isEvent()         {}
func (UserTypingEvent) isEvent()          {}
func (ProfileImageUpdatedEvent) isEvent() {}
func (ConnectedEvent) isEvent()           {}
func (DisconnectedEvent) isEvent()        {}
func (ReconnectingEvent) isEvent()        {}

// decodeEvent turns a push envelope into its typed event.
func decodeEvent(env Envelope) (Event, error) {
	switch EventKind(env.Type) {
	case KindNewMessage:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return NewMessageEvent{Message: m}, nil
	case KindChatHistory:
		var msgs []Message
		if err := json.Unmarshal(env.Payload, &msgs); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return ChatHistoryEvent{Messages: msgs}, nil
	case KindUsersUpdate:
		var users []User
		if err := json.Unmarshal(env.Payload, &users); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return UsersUpdateEvent{Users: users}, nil
	case KindUserTyping:
		var t UserTypingEvent
		if err := json.Unmarshal(env.Payload, &t); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return t, nil
	case KindProfileImageUpdated:
		var p ProfileImageUpdatedEvent
		if err := json.Unmarshal(env.Payload, &p); err != nil {
			return nil, fmt.Errorf("decode %s: %w", env.Type, err)
		}
		return p, nil
	default:
		return nil, fmt.Errorf("unknown event type %q", env.Type)
	}
}

// encodeEnvelope wraps payload for the wire.
func encodeEnvelope(name OutboundName, payload any) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", name, err)
	}
	return json.Marshal(Envelope{Type: string(name), Payload: raw})
}
