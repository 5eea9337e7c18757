package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/spf13/cobra"

	chatsync "github.com/danichat/chatsync"
)

var chatPassword string

func init() {
	chatCmd.Flags().StringVarP(&chatPassword, "password", "p", "", "Account password (or set CHATSYNC_PASSWORD)")
	rootCmd.AddCommand(chatCmd)
}

var chatCmd = &cobra.Command{
	Use:   "chat <peer>",
	Short: "Open an interactive conversation with a user",
	Long: `Sign in, open the conversation with <peer> and relay lines typed on stdin.

Commands:
  /quit            leave the conversation
  /who             list users and presence
  /notifications   show and clear notifications`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		username, err := resolveUsername(cfg, nil)
		if err != nil {
			return err
		}
		password, err := resolvePassword(chatPassword)
		if err != nil {
			return err
		}

		session := getSession(cfg)
		defer session.Close()

		peer := strings.TrimSpace(args[0])
		out := &chatPrinter{w: cmd.OutOrStdout(), peer: peer, me: username, seen: make(map[string]bool)}
		out.watch(session)

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()
		if err := session.Login(ctx, username, password); err != nil {
			return err
		}
		if err := waitForState(ctx, session, chatsync.SessionReady); err != nil {
			return err
		}
		if err := session.OpenConversation(ctx, peer); err != nil {
			return err
		}
		out.status("Chatting with %s. Type /quit to leave.", peer)

		return runChatLoop(cmd.InOrStdin(), session, out)
	},
}

// runChatLoop relays stdin lines until EOF or /quit.
func runChatLoop(in io.Reader, session *chatsync.Session, out *chatPrinter) error {
	scanner := bufio.NewScanner(in)
	for scanner.Scan() {
		line := scanner.Text()
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		quit, err := handleLine(ctx, session, out, line)
		cancel()
		if quit {
			return nil
		}
		if err != nil {
			out.status("error: %v", err)
		}
	}
	if err := scanner.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}

// handleLine interprets one line of input. It reports whether the loop
// should end.
func handleLine(ctx context.Context, session *chatsync.Session, out *chatPrinter, line string) (bool, error) {
	switch strings.TrimSpace(line) {
	case "/quit":
		return true, session.Logout()
	case "/who":
		for _, u := range session.Users() {
			state := "offline"
			if u.Online {
				state = "online"
			}
			out.status("%-20s %s", u.Username, state)
		}
		return false, nil
	case "/notifications":
		for _, n := range session.Notifications() {
			out.status("[%s] %s", n.CreatedAt.Format(time.Kitchen), n.Text)
		}
		session.MarkNotificationsRead()
		return false, nil
	}

	if strings.TrimSpace(line) == "" {
		return false, nil
	}
	if err := session.NotifyTyping(ctx, out.peer); err != nil {
		return false, err
	}
	return false, session.SendText(ctx, out.peer, line)
}

// ============================================================================
// Output
// ============================================================================

// chatPrinter renders session changes for one conversation. Handlers run on
// the realtime read loop, so writes are serialized.
type chatPrinter struct {
	mu     sync.Mutex
	w      io.Writer
	peer   string
	me     string
	seen   map[string]bool
	typing bool
}

func (p *chatPrinter) watch(s *chatsync.Session) {
	s.On(chatsync.ChangeMessages, func(c chatsync.Change) {
		if c.Subject == p.peer {
			p.messages(s.Messages(p.peer))
		}
	})
	s.On(chatsync.ChangeTyping, func(c chatsync.Change) {
		if c.Subject == p.peer {
			p.setTyping(s.PeerTyping(p.peer))
		}
	})
	s.On(chatsync.ChangeNotifications, func(chatsync.Change) {
		if list := s.Notifications(); len(list) > 0 && !list[0].Read {
			p.status("* %s", list[0].Text)
		}
	})
	s.On(chatsync.ChangeState, func(chatsync.Change) {
		switch st := s.State(); st {
		case chatsync.SessionConnecting, chatsync.SessionDisconnected:
			p.status("(%s)", st)
		}
	})
	s.On(chatsync.ChangeError, func(c chatsync.Change) {
		if c.Err != nil {
			p.status("error: %v", c.Err)
		}
	})
}

// messages prints the messages of view not printed yet, in view order.
func (p *chatPrinter) messages(view []chatsync.Message) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, m := range view {
		key := messageKey(m)
		if p.seen[key] {
			continue
		}
		p.seen[key] = true
		fmt.Fprintln(p.w, formatMessage(m, p.me))
	}
}

func (p *chatPrinter) setTyping(on bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if on == p.typing {
		return
	}
	p.typing = on
	if on {
		fmt.Fprintf(p.w, "  %s is typing...\n", p.peer)
	}
}

func (p *chatPrinter) status(format string, args ...any) {
	p.mu.Lock()
	defer p.mu.Unlock()
	fmt.Fprintf(p.w, format+"\n", args...)
}

func messageKey(m chatsync.Message) string {
	if m.ID != "" {
		return "id:" + m.ID
	}
	return fmt.Sprintf("%s|%s|%d|%s", m.Sender, m.Receiver, m.Timestamp.UnixMilli(), m.Content)
}

// formatMessage renders one line: "[15:04] alice: hello", with "me" for the
// local user.
func formatMessage(m chatsync.Message, me string) string {
	from := m.Sender
	if from == me {
		from = "me"
	}
	return fmt.Sprintf("[%s] %s: %s", m.Timestamp.Local().Format("15:04"), from, m.Content)
}
