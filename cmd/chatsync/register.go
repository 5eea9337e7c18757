package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var authPassword string

func init() {
	for _, cmd := range []*cobra.Command{registerCmd, loginCmd} {
		cmd.Flags().StringVarP(&authPassword, "password", "p", "", "Account password (or set CHATSYNC_PASSWORD)")
		rootCmd.AddCommand(cmd)
	}
}

var registerCmd = &cobra.Command{
	Use:   "register <username>",
	Short: "Create an account on the server",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuth(cmd, args, true)
	},
}

var loginCmd = &cobra.Command{
	Use:   "login <username>",
	Short: "Check credentials and remember the username",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAuth(cmd, args, false)
	},
}

func runAuth(cmd *cobra.Command, args []string, register bool) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	username, err := resolveUsername(cfg, args)
	if err != nil {
		return err
	}
	password, err := resolvePassword(authPassword)
	if err != nil {
		return err
	}

	client := getClient(cfg)
	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
	defer cancel()

	call := client.Login
	if register {
		call = client.Register
	}
	res, err := call(ctx, username, password)
	if err != nil {
		return err
	}

	// Persist against the file, not the env-overlaid view.
	stored, err := readConfigFile()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	stored.Auth.Username = username
	stored.Auth.LastLogin = time.Now().UTC().Format(time.RFC3339)
	if err := saveConfig(stored); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, res.Message)
	fmt.Fprintf(out, "  Username: %s\n", username)
	fmt.Fprintf(out, "  Server:   %s\n", client.BaseURL())
	return nil
}
