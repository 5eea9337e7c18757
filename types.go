package chatsync

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"time"
)

// ============================================================================
// Directory Types
// ============================================================================

// User is a roster entry as reported by the directory or a roster push.
type User struct {
	Username string `json:"username"`
	Online   bool   `json:"online"`
}

// Credentials is the body of the register and login requests.
type Credentials struct {
	Username string `json:"username" validate:"required"`
	Password string `json:"password" validate:"required"`
}

// AuthResult is the directory's reply to register and login.
type AuthResult struct {
	Message string `json:"message,omitempty"`
	Error   string `json:"error,omitempty"`
}

// ProfileImageResult is the directory's reply for profile image lookups and uploads.
type ProfileImageResult struct {
	ImageURL string `json:"imageUrl,omitempty"`
	Error    string `json:"error,omitempty"`
}

// ============================================================================
// Message
// ============================================================================

// Message is a single direct message between two users.
//
// ID is assigned by the server and may be empty. A stored message is never
// mutated.
type Message struct {
	ID        string    `json:"id,omitempty"`
	Sender    string    `json:"sender"`
	Receiver  string    `json:"receiver"`
	Content   string    `json:"content"`
	Timestamp time.Time `json:"timestamp"`
	Read      bool      `json:"read"`
}

type wireMessage struct {
	MongoID   string          `json:"_id"`
	ID        json.RawMessage `json:"id"`
	Sender    string          `json:"sender"`
	Receiver  string          `json:"receiver"`
	Content   string          `json:"content"`
	Timestamp json.RawMessage `json:"timestamp"`
	Read      bool            `json:"read"`
}

// UnmarshalJSON accepts both "_id" and "id", and a timestamp given either as
// an RFC 3339 string or as epoch milliseconds.
func (m *Message) UnmarshalJSON(data []byte) error {
	var w wireMessage
	if err := json.Unmarshal(data, &w); err != nil {
		return err
	}
	id, err := rawID(w.ID)
	if err != nil {
		return fmt.Errorf("message id: %w", err)
	}
	if id == "" {
		id = w.MongoID
	}
	ts, err := parseTimestamp(w.Timestamp)
	if err != nil {
		return fmt.Errorf("message timestamp: %w", err)
	}
	*m = Message{
		ID:        id,
		Sender:    w.Sender,
		Receiver:  w.Receiver,
		Content:   w.Content,
		Timestamp: ts,
		Read:      w.Read,
	}
	return nil
}

func rawID(raw json.RawMessage) (string, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return "", nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return "", err
		}
		return s, nil
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err != nil {
		return "", err
	}
	return n.String(), nil
}

func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return time.Time{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return time.Time{}, err
		}
		if ms, err := strconv.ParseInt(s, 10, 64); err == nil {
			return time.UnixMilli(ms).UTC(), nil
		}
		return time.Parse(time.RFC3339Nano, s)
	}
	ms, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms).UTC(), nil
}

// ============================================================================
// Outbound Payloads
// ============================================================================

// HistoryRequest asks the server for the conversation between two users.
type HistoryRequest struct {
	User1 string `json:"user1" validate:"required"`
	User2 string `json:"user2" validate:"required"`
}

// SendMessageRequest submits a message for delivery. The server pushes it
// back to both endpoints as a newMessage event.
type SendMessageRequest struct {
	Sender   string `json:"sender" validate:"required"`
	Receiver string `json:"receiver" validate:"required"`
	Content  string `json:"content" validate:"required"`
}

// TypingRequest announces that Sender is composing a message to Receiver.
type TypingRequest struct {
	Sender   string `json:"sender" validate:"required"`
	Receiver string `json:"receiver" validate:"required"`
}

// ProfileImageUpdate tells peers that Username has a new image.
type ProfileImageUpdate struct {
	Username string `json:"username" validate:"required"`
	ImageURL string `json:"imageUrl" validate:"required"`
}
