package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"slices"
	"strings"
	"time"

	chatsync "github.com/danichat/chatsync"
)

const defaultTimeout = 30 * time.Second

// requireBaseURL returns the configured server URL, falling back to the
// library default.
func requireBaseURL(cfg *Config) string {
	if cfg.Default.BaseURL != "" {
		return cfg.Default.BaseURL
	}
	return chatsync.DefaultBaseURL
}

// requestTimeout parses default.timeout, falling back to 30s when unset or
// malformed.
func requestTimeout(cfg *Config) time.Duration {
	if cfg.Default.Timeout == "" {
		return defaultTimeout
	}
	d, err := time.ParseDuration(cfg.Default.Timeout)
	if err != nil || d <= 0 {
		slog.Warn("ignoring invalid timeout", "value", cfg.Default.Timeout)
		return defaultTimeout
	}
	return d
}

// getClient builds an HTTP client from config.
func getClient(cfg *Config) *chatsync.Client {
	return chatsync.NewClient(requireBaseURL(cfg), chatsync.WithTimeout(requestTimeout(cfg)))
}

// getSession builds a session wired to the HTTP client and a realtime
// channel on the same server.
func getSession(cfg *Config) *chatsync.Session {
	client := getClient(cfg)
	logger := slog.Default()
	rt := chatsync.DefaultRealtimeConfig()
	rt.Logger = logger.With("component", "realtime")
	return chatsync.NewSession(client, client.Realtime(rt),
		chatsync.WithLogger(logger.With("component", "session")),
		chatsync.WithTypingRateLimit(500*time.Millisecond, 1),
	)
}

// resolveUsername picks the positional argument over the configured one.
func resolveUsername(cfg *Config, args []string) (string, error) {
	if len(args) > 0 && strings.TrimSpace(args[0]) != "" {
		return strings.TrimSpace(args[0]), nil
	}
	if cfg.Auth.Username != "" {
		return cfg.Auth.Username, nil
	}
	return "", fmt.Errorf("no username given. Pass one as an argument or run 'chatsync login <username>'")
}

// resolvePassword prefers the --password flag, then CHATSYNC_PASSWORD.
func resolvePassword(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv("CHATSYNC_PASSWORD"); v != "" {
		return v, nil
	}
	return "", fmt.Errorf("no password given. Use --password or set CHATSYNC_PASSWORD")
}

// waitForState blocks until the session reaches one of want, ctx ends, or
// the session falls back to disconnected.
func waitForState(ctx context.Context, s *chatsync.Session, want ...chatsync.SessionState) error {
	reached := make(chan chatsync.SessionState, 8)
	s.On(chatsync.ChangeState, func(chatsync.Change) {
		select {
		case reached <- s.State():
		default:
		}
	})
	if slices.Contains(want, s.State()) {
		return nil
	}
	for {
		select {
		case st := <-reached:
			if slices.Contains(want, st) {
				return nil
			}
			if st == chatsync.SessionDisconnected {
				return fmt.Errorf("connection closed before reaching %s", want[0])
			}
		case <-ctx.Done():
			if slices.Contains(want, s.State()) {
				return nil
			}
			return fmt.Errorf("timed out waiting for %s: %w", want[0], ctx.Err())
		}
	}
}

// valueOrDefault returns v if non-empty, otherwise the fallback.
func valueOrDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
