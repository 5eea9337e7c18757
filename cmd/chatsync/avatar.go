package main

import (
	"context"
	"fmt"
	"path/filepath"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	chatsync "github.com/danichat/chatsync"
)

var avatarPassword string

func init() {
	avatarCmd.Flags().StringVarP(&avatarPassword, "password", "p", "", "Account password (or set CHATSYNC_PASSWORD)")
	rootCmd.AddCommand(avatarCmd)
}

var avatarCmd = &cobra.Command{
	Use:   "avatar <image-file>",
	Short: "Upload a profile image and announce it to connected users",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		username, err := resolveUsername(cfg, nil)
		if err != nil {
			return err
		}
		password, err := resolvePassword(avatarPassword)
		if err != nil {
			return err
		}

		data, err := afero.ReadFile(fs, args[0])
		if err != nil {
			return fmt.Errorf("cannot read image: %w", err)
		}

		session := getSession(cfg)
		defer session.Close()

		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout(cfg))
		defer cancel()
		if err := session.Login(ctx, username, password); err != nil {
			return err
		}
		if err := waitForState(ctx, session, chatsync.SessionConnected, chatsync.SessionReady); err != nil {
			return err
		}
		if err := session.UploadProfileImage(ctx, filepath.Base(args[0]), data); err != nil {
			return err
		}

		url, _ := session.ProfileImage(username)
		fmt.Fprintf(cmd.OutOrStdout(), "Profile image updated: %s\n", url)
		return session.Logout()
	},
}
