package chatsync

import (
	"context"
	"log/slog"
	"unicode"
	"unicode/utf8"
)

// PaletteSize is the number of generated fallback avatar colours.
const PaletteSize = 6

// ImageFetcher looks up a user's profile image. It returns "" with a nil
// error when the user has no image yet.
type ImageFetcher interface {
	ProfileImage(ctx context.Context, username string) (string, error)
}

// applyFunc runs fn with exclusive access to session state and publishes the
// changes it reports.
type applyFunc func(fn func() []Change)

// Avatar is what a presentation layer needs to draw a user: the image URL
// when one is known, otherwise a generated initial and palette slot.
type Avatar struct {
	URL     string
	Initial string
	Palette int
}

// ImageCache maps usernames to resolved profile image URLs. Reads never touch
// the network; population is always explicit.
//
// ImageCache is not safe for concurrent use; asynchronous refreshes deliver
// their results through the apply function given to NewImageCache.
type ImageCache struct {
	urls     map[string]string
	inflight map[string]bool
	// versions advance on every push so older fetches cannot overwrite it.
	versions map[string]uint64
	epoch    uint64
	fetcher  ImageFetcher
	apply    applyFunc
	logger   *slog.Logger
}

// NewImageCache creates an empty cache. apply must serialize access to the
// cache with every other caller.
func NewImageCache(fetcher ImageFetcher, apply applyFunc, logger *slog.Logger) *ImageCache {
	if logger == nil {
		logger = slog.Default().With("component", "images")
	}
	return &ImageCache{
		urls:     make(map[string]string),
		inflight: make(map[string]bool),
		versions: make(map[string]uint64),
		fetcher:  fetcher,
		apply:    apply,
		logger:   logger,
	}
}

// Resolve returns the cached URL for username.
func (c *ImageCache) Resolve(username string) (string, bool) {
	u, ok := c.urls[username]
	return u, ok
}

// ApplyPushUpdate installs url for username unconditionally. Fetches started
// before the push no longer install their result.
func (c *ImageCache) ApplyPushUpdate(username, url string) Change {
	c.urls[username] = url
	c.versions[username]++
	delete(c.inflight, username)
	return Change{Kind: ChangeImages, Subject: username}
}

// Missing returns the usernames that are neither cached nor being fetched.
func (c *ImageCache) Missing(usernames []string) []string {
	var out []string
	for _, u := range usernames {
		if _, ok := c.urls[u]; ok || c.inflight[u] {
			continue
		}
		out = append(out, u)
	}
	return out
}

// Reset forgets every cached image.
func (c *ImageCache) Reset() {
	c.urls = make(map[string]string)
	c.inflight = make(map[string]bool)
	c.versions = make(map[string]uint64)
	c.epoch++
}

// RefreshAsync fetches username's image in the background and installs it on
// success. A missing image or a failed fetch leaves the cached value as it
// was, and so does a push or Reset that lands while the fetch is out.
// Refreshes already in flight for username are not repeated.
func (c *ImageCache) RefreshAsync(ctx context.Context, username string) {
	if c.fetcher == nil || c.inflight[username] {
		return
	}
	c.inflight[username] = true
	epoch, version := c.epoch, c.versions[username]

	go func() {
		url, err := c.fetcher.ProfileImage(ctx, username)
		c.apply(func() []Change {
			if c.epoch != epoch || c.versions[username] != version {
				c.logger.Debug("dropping superseded profile image", "username", username)
				return nil
			}
			delete(c.inflight, username)
			if err != nil {
				c.logger.Warn("profile image fetch failed", "username", username, "error", err)
				return nil
			}
			if url == "" {
				return nil
			}
			if prev, ok := c.urls[username]; ok && prev == url {
				return nil
			}
			c.urls[username] = url
			return []Change{{Kind: ChangeImages, Subject: username}}
		})
	}()
}

// Avatar returns the image for username, or the generated fallback.
func (c *ImageCache) Avatar(username string) Avatar {
	a := Fallback(username)
	a.URL = c.urls[username]
	return a
}

// Fallback returns the generated avatar for username: its first letter
// upper-cased and a palette slot derived from that letter.
func Fallback(username string) Avatar {
	r, _ := utf8.DecodeRuneInString(username)
	if r == utf8.RuneError {
		return Avatar{Initial: "?"}
	}
	return Avatar{
		Initial: string(unicode.ToUpper(r)),
		Palette: int(r) % PaletteSize,
	}
}
