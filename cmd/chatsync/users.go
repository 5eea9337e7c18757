package main

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	chatsync "github.com/danichat/chatsync"
)

var (
	usersSearch string
	usersJSON   bool
	usersOnline bool
)

func init() {
	usersCmd.Flags().StringVarP(&usersSearch, "search", "s", "", "Only show users whose name contains this text")
	usersCmd.Flags().BoolVar(&usersOnline, "online", false, "Only show online users")
	usersCmd.Flags().BoolVar(&usersJSON, "json", false, "Output as JSON")
	rootCmd.AddCommand(usersCmd)
}

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "List registered users and their presence",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		client := getClient(cfg)
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()

		users, err := client.ListUsers(ctx)
		if err != nil {
			return err
		}
		users = filterUsers(cfg.Auth.Username, users, usersSearch, usersOnline)

		out := cmd.OutOrStdout()
		if usersJSON {
			data, _ := json.MarshalIndent(users, "", "  ")
			fmt.Fprintln(out, string(data))
			return nil
		}
		if len(users) == 0 {
			fmt.Fprintln(out, "No users found.")
			return nil
		}
		for _, u := range users {
			status := "offline"
			if u.Online {
				status = "online"
			}
			fmt.Fprintf(out, "  %-24s %s\n", u.Username, status)
		}
		return nil
	},
}

// filterUsers drops the local user and applies the search term and online
// filter the same way the session roster does.
func filterUsers(local string, users []chatsync.User, term string, onlineOnly bool) []chatsync.User {
	dir := chatsync.NewPresenceDirectory(local)
	dir.ApplyRosterPush(users)
	matched := dir.Search(term)
	if !onlineOnly {
		return matched
	}
	out := matched[:0]
	for _, u := range matched {
		if u.Online {
			out = append(out, u)
		}
	}
	return out
}
