package chatsync

import (
	"sort"
	"time"
)

// DefaultTypingHorizon is how long a typing signal stays live without being
// refreshed. The protocol has no "stopped typing" event, so expiry is the
// only way a signal ends.
const DefaultTypingHorizon = 1000 * time.Millisecond

// TypingSignal is a live typing indicator for Peer.
type TypingSignal struct {
	Peer      string
	ExpiresAt time.Time
}

// TypingTracker holds at most one signal per peer. Expiry is evaluated
// lazily against the clock on every read.
//
// TypingTracker is not safe for concurrent use; the Session serializes
// access.
type TypingTracker struct {
	horizon time.Duration
	now     func() time.Time
	signals map[string]time.Time
}

// NewTypingTracker creates a tracker. A zero horizon uses
// DefaultTypingHorizon; a nil clock uses time.Now.
func NewTypingTracker(horizon time.Duration, now func() time.Time) *TypingTracker {
	if horizon <= 0 {
		horizon = DefaultTypingHorizon
	}
	if now == nil {
		now = time.Now
	}
	return &TypingTracker{
		horizon: horizon,
		now:     now,
		signals: make(map[string]time.Time),
	}
}

// Horizon returns the signal lifetime.
func (t *TypingTracker) Horizon() time.Duration {
	return t.horizon
}

// Signal starts or refreshes the signal for peer.
func (t *TypingTracker) Signal(peer string) TypingSignal {
	exp := t.now().Add(t.horizon)
	t.signals[peer] = exp
	return TypingSignal{Peer: peer, ExpiresAt: exp}
}

// IsLive reports whether peer's signal has not yet expired. Expired signals
// are dropped.
func (t *TypingTracker) IsLive(peer string) bool {
	exp, ok := t.signals[peer]
	if !ok {
		return false
	}
	if !t.now().Before(exp) {
		delete(t.signals, peer)
		return false
	}
	return true
}

// Live returns the peers with a live signal, sorted.
func (t *TypingTracker) Live() []string {
	var out []string
	for peer := range t.signals {
		if t.IsLive(peer) {
			out = append(out, peer)
		}
	}
	sort.Strings(out)
	return out
}

// Reset drops every signal.
func (t *TypingTracker) Reset() {
	t.signals = make(map[string]time.Time)
}
