package chatsync

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by Send while the realtime channel is down.
	ErrNotConnected = errors.New("chatsync: not connected")
	// ErrNotAuthenticated is returned by intents that need a logged-in user.
	ErrNotAuthenticated = errors.New("chatsync: not authenticated")
	// ErrEmptyCredentials rejects a blank username or password.
	ErrEmptyCredentials = errors.New("chatsync: username and password are required")
	// ErrEmptyMessage rejects text that is empty after trimming.
	ErrEmptyMessage = errors.New("chatsync: message is empty")
	// ErrNoPeer rejects intents addressed to nobody, or to the local user.
	ErrNoPeer = errors.New("chatsync: no peer selected")
	// ErrNotImage rejects uploads whose content is not an image.
	ErrNotImage = errors.New("chatsync: file is not an image")
	// ErrImageTooLarge rejects uploads above the configured size limit.
	ErrImageTooLarge = errors.New("chatsync: image exceeds size limit")
)

// APIError is a failed request to the directory or media service.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("chatsync: request failed (%d)", e.Status)
	}
	return fmt.Sprintf("chatsync: %s (%d)", e.Message, e.Status)
}

// ValidationError is a local rejection that happened before any request was
// issued.
type ValidationError struct {
	Field  string
	Reason string
	Err    error
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Err.Error()
	}
	return fmt.Sprintf("%s: %s (%s)", e.Err, e.Field, e.Reason)
}

func (e *ValidationError) Unwrap() error { return e.Err }

// IsValidation reports whether err is a local validation failure.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
