package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"

	chatsync "github.com/danichat/chatsync"
)

var configShowRaw bool

func init() {
	configShowCmd.Flags().BoolVar(&configShowRaw, "raw", false, "Print the file as stored, without environment overrides")
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage chatsync configuration",
	Long:  "View or modify the chatsync CLI configuration stored in ~/.chatsync/config.toml.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration and where each value comes from",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		if configShowRaw {
			path, err := configPath()
			if err != nil {
				return err
			}
			data, err := afero.ReadFile(fs, path)
			if os.IsNotExist(err) {
				fmt.Fprintln(out, "No configuration file found. Run 'chatsync init <base-url>' to create one.")
				return nil
			}
			if err != nil {
				return fmt.Errorf("cannot read config file: %w", err)
			}
			fmt.Fprint(out, string(data))
			return nil
		}

		stored, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		for _, e := range configEntries(stored) {
			fmt.Fprintf(out, "  %-18s %-32s (%s)\n", e.Key, valueOrDefault(e.Value, "-"), e.Source)
		}
		return nil
	},
}

// configEntry is one effective setting and its origin: "file", "default",
// "unset" or the environment variable that overrides the file.
type configEntry struct {
	Key    string
	Value  string
	Source string
}

// configEntries resolves every setting against the stored file and the
// environment, in the same order loadConfig applies them.
func configEntries(stored *Config) []configEntry {
	resolve := func(key, fileValue, envVar, fallback string) configEntry {
		if envVar != "" {
			if v := os.Getenv(envVar); v != "" {
				return configEntry{Key: key, Value: v, Source: "env " + envVar}
			}
		}
		if fileValue != "" {
			return configEntry{Key: key, Value: fileValue, Source: "file"}
		}
		if fallback != "" {
			return configEntry{Key: key, Value: fallback, Source: "default"}
		}
		return configEntry{Key: key, Source: "unset"}
	}

	password := configEntry{Key: "auth.password", Source: "unset"}
	if os.Getenv("CHATSYNC_PASSWORD") != "" {
		password = configEntry{Key: "auth.password", Value: "********", Source: "env CHATSYNC_PASSWORD"}
	}

	return []configEntry{
		resolve("default.base_url", stored.Default.BaseURL, "CHATSYNC_BASE_URL", chatsync.DefaultBaseURL),
		resolve("default.timeout", stored.Default.Timeout, "", defaultTimeout.String()),
		resolve("auth.username", stored.Auth.Username, "CHATSYNC_USERNAME", ""),
		resolve("auth.last_login", stored.Auth.LastLogin, "", ""),
		password,
	}
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: chatsync config set default.base_url http://localhost:5000",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]
		if key == "default.timeout" {
			if d, err := time.ParseDuration(value); err != nil || d <= 0 {
				return fmt.Errorf("invalid timeout %q: expected a positive duration such as 30s", value)
			}
		}

		cfg, err := readConfigFile()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}
		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Fprintf(cmd.OutOrStdout(), "Set %s = %s\n", key, value)
		for _, e := range configEntries(cfg) {
			if e.Key == key && e.Source != "file" {
				fmt.Fprintf(cmd.OutOrStdout(), "Note: %s is currently overridden by %s\n", key, e.Source)
			}
		}
		return nil
	},
}
