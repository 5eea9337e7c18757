package chatsync_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	chatsync "github.com/danichat/chatsync"
)

type stubFetcher struct {
	mu    sync.Mutex
	urls  map[string]string
	err   error
	calls map[string]int
	gate  chan struct{}
}

func (f *stubFetcher) ProfileImage(ctx context.Context, username string) (string, error) {
	if f.gate != nil {
		<-f.gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[username]++
	return f.urls[username], f.err
}

func (f *stubFetcher) count(username string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[username]
}

// serial runs apply callbacks under one lock and records their changes.
type serial struct {
	mu      sync.Mutex
	changes chan chatsync.Change
	done    chan struct{}
}

func newSerial() *serial {
	return &serial{changes: make(chan chatsync.Change, 16), done: make(chan struct{}, 16)}
}

func (s *serial) apply(fn func() []chatsync.Change) {
	s.mu.Lock()
	changes := fn()
	s.mu.Unlock()
	for _, c := range changes {
		s.changes <- c
	}
	s.done <- struct{}{}
}

func (s *serial) wait(t *testing.T) {
	t.Helper()
	select {
	case <-s.done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh did not complete")
	}
}

func TestImageRefreshInstallsURL(t *testing.T) {
	f := &stubFetcher{urls: map[string]string{"bob": "http://x/uploads/bob.png"}}
	s := newSerial()
	cache := chatsync.NewImageCache(f, s.apply, nil)

	_, ok := cache.Resolve("bob")
	assert.False(t, ok)

	s.mu.Lock()
	cache.RefreshAsync(context.Background(), "bob")
	s.mu.Unlock()
	s.wait(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	url, ok := cache.Resolve("bob")
	require.True(t, ok)
	assert.Equal(t, "http://x/uploads/bob.png", url)
	assert.Equal(t, chatsync.Change{Kind: chatsync.ChangeImages, Subject: "bob"}, <-s.changes)
}

func TestImageRefreshKeepsValueOnMissOrError(t *testing.T) {
	f := &stubFetcher{urls: map[string]string{}}
	s := newSerial()
	cache := chatsync.NewImageCache(f, s.apply, nil)
	cache.ApplyPushUpdate("bob", "http://x/uploads/old.png")

	s.mu.Lock()
	cache.RefreshAsync(context.Background(), "bob")
	s.mu.Unlock()
	s.wait(t)

	f.mu.Lock()
	f.err = errors.New("boom")
	f.mu.Unlock()

	s.mu.Lock()
	cache.RefreshAsync(context.Background(), "bob")
	s.mu.Unlock()
	s.wait(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	url, _ := cache.Resolve("bob")
	assert.Equal(t, "http://x/uploads/old.png", url)
	assert.Empty(t, s.changes)
}

func TestImageRefreshCoalesces(t *testing.T) {
	f := &stubFetcher{urls: map[string]string{"bob": "u"}, gate: make(chan struct{})}
	s := newSerial()
	cache := chatsync.NewImageCache(f, s.apply, nil)

	s.mu.Lock()
	cache.RefreshAsync(context.Background(), "bob")
	cache.RefreshAsync(context.Background(), "bob")
	assert.Empty(t, cache.Missing([]string{"bob"}), "in-flight users are not missing")
	assert.Equal(t, []string{"carol"}, cache.Missing([]string{"bob", "carol"}))
	s.mu.Unlock()

	close(f.gate)
	s.wait(t)
	assert.Equal(t, 1, f.count("bob"))
}

func TestAvatarFallback(t *testing.T) {
	cache := chatsync.NewImageCache(nil, nil, nil)

	a := cache.Avatar("bob")
	assert.Empty(t, a.URL)
	assert.Equal(t, "B", a.Initial)
	assert.Equal(t, int('b')%chatsync.PaletteSize, a.Palette)

	cache.ApplyPushUpdate("bob", "http://x/uploads/b.png")
	assert.Equal(t, "http://x/uploads/b.png", cache.Avatar("bob").URL)

	assert.Equal(t, "?", chatsync.Fallback("").Initial)
	assert.Equal(t, "É", chatsync.Fallback("élise").Initial)
}

func TestImagePushWinsOverInflightFetch(t *testing.T) {
	f := &stubFetcher{urls: map[string]string{"bob": "http://x/uploads/old.png"}, gate: make(chan struct{})}
	s := newSerial()
	cache := chatsync.NewImageCache(f, s.apply, nil)

	s.mu.Lock()
	cache.RefreshAsync(context.Background(), "bob")
	cache.ApplyPushUpdate("bob", "http://x/uploads/new.png")
	s.mu.Unlock()

	close(f.gate)
	s.wait(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	url, _ := cache.Resolve("bob")
	assert.Equal(t, "http://x/uploads/new.png", url)
	assert.Empty(t, s.changes)
}

func TestImageResetDropsInflightFetch(t *testing.T) {
	f := &stubFetcher{urls: map[string]string{"bob": "http://x/uploads/bob.png"}, gate: make(chan struct{})}
	s := newSerial()
	cache := chatsync.NewImageCache(f, s.apply, nil)

	s.mu.Lock()
	cache.RefreshAsync(context.Background(), "bob")
	cache.Reset()
	s.mu.Unlock()

	close(f.gate)
	s.wait(t)

	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := cache.Resolve("bob")
	assert.False(t, ok)
	assert.Equal(t, []string{"bob"}, cache.Missing([]string{"bob"}))
}
