package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show configuration and server reachability",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		out := cmd.OutOrStdout()
		path, _ := configPath()
		client := getClient(cfg)

		fmt.Fprintln(out, "=== Config ===")
		fmt.Fprintf(out, "  Config:     %s\n", path)
		fmt.Fprintf(out, "  Server:     %s\n", client.BaseURL())
		fmt.Fprintf(out, "  Timeout:    %s\n", requestTimeout(cfg))
		fmt.Fprintf(out, "  Username:   %s\n", valueOrDefault(cfg.Auth.Username, "(not set)"))
		fmt.Fprintf(out, "  Last login: %s\n", valueOrDefault(cfg.Auth.LastLogin, "(never)"))
		fmt.Fprintf(out, "  Realtime:   %s\n", client.Realtime(nil).URL())

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()

		fmt.Fprintln(out)
		fmt.Fprintln(out, "=== Server ===")
		users, err := client.ListUsers(ctx)
		if err != nil {
			fmt.Fprintf(out, "  Unreachable: %v\n", err)
			return nil
		}
		online := 0
		for _, u := range users {
			if u.Online {
				online++
			}
		}
		fmt.Fprintf(out, "  Users:  %d (%d online)\n", len(users), online)

		if cfg.Auth.Username != "" {
			img, err := client.ProfileImage(ctx, cfg.Auth.Username)
			switch {
			case err != nil:
				fmt.Fprintf(out, "  Avatar: error: %v\n", err)
			default:
				fmt.Fprintf(out, "  Avatar: %s\n", valueOrDefault(img, "(none)"))
			}
		}
		return nil
	},
}
