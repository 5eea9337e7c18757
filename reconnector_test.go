package chatsync

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReconnectorBackoff(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   10 * time.Millisecond,
		ReconnectMaxDelay:    40 * time.Millisecond,
		MaxReconnectAttempts: 3,
	})

	var delays []time.Duration
	for r.shouldReconnect() {
		d, n := r.nextDelay()
		assert.Equal(t, len(delays)+1, n)
		delays = append(delays, d)
	}
	assert.Len(t, delays, 3)
	assert.GreaterOrEqual(t, delays[0], 10*time.Millisecond)
	assert.GreaterOrEqual(t, delays[1], 20*time.Millisecond)
	assert.Equal(t, 40*time.Millisecond, delays[2])

	r.reset()
	assert.Zero(t, r.attempts())
	assert.True(t, r.shouldReconnect())
}

// Connect resets the budget while a reconnect goroutine may still be
// drawing delays from it.
func TestReconnectorConcurrentReset(t *testing.T) {
	r := newReconnector(&RealtimeConfig{
		ReconnectBaseDelay:   time.Millisecond,
		ReconnectMaxDelay:    time.Millisecond,
		MaxReconnectAttempts: -1,
	})

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			if r.shouldReconnect() {
				r.nextDelay()
			}
			r.markConnected()
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			r.reset()
			_ = r.attempts()
		}
	}()
	wg.Wait()

	r.reset()
	assert.Zero(t, r.attempts())
}
