package chatsync

import (
	"log/slog"
	"sync"
)

// ChangeKind names a slice of session state that changed.
type ChangeKind string

const (
	ChangeState         ChangeKind = "state"
	ChangeRoster        ChangeKind = "roster"
	ChangeMessages      ChangeKind = "messages"
	ChangeTyping        ChangeKind = "typing"
	ChangeImages        ChangeKind = "images"
	ChangeNotifications ChangeKind = "notifications"
	ChangeError         ChangeKind = "error"
)

// Change describes one state change. Subject is the username or peer the
// change concerns, when there is one.
type Change struct {
	Kind    ChangeKind
	Subject string
	Err     error
}

// ChangeHandler is notified after session state changed. Handlers may call
// back into the Session.
type ChangeHandler func(Change)

type emitter struct {
	mu        sync.RWMutex
	listeners map[ChangeKind][]ChangeHandler
	logger    *slog.Logger
}

func newEmitter(logger *slog.Logger) *emitter {
	return &emitter{listeners: make(map[ChangeKind][]ChangeHandler), logger: logger}
}

func (e *emitter) on(kind ChangeKind, h ChangeHandler) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners[kind] = append(e.listeners[kind], h)
}

func (e *emitter) emit(changes ...Change) {
	for _, c := range changes {
		e.mu.RLock()
		handlers := append([]ChangeHandler{}, e.listeners[c.Kind]...)
		e.mu.RUnlock()
		for _, h := range handlers {
			func() {
				defer func() {
					if r := recover(); r != nil {
						e.logger.Error("change handler panicked", "kind", c.Kind, "panic", r)
					}
				}()
				h(c)
			}()
		}
	}
}

func (e *emitter) removeAll() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.listeners = make(map[ChangeKind][]ChangeHandler)
}
