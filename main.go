package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"transcripts/auth"
	"transcripts/config"
	"transcripts/jobs"
	"transcripts/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var configPath string

	rootCmd := &cobra.Command{
		Use:          "transcripts",
		Short:        "Audio transcription and speaker diarization service",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to a YAML config file")

	rootCmd.AddCommand(
		newServeCmd(&configPath),
		newMigrateCmd(&configPath),
		newHashPasswordCmd(),
		newTokenCmd(&configPath),
	)

	return rootCmd
}

func loadConfig(path string) (config.Config, func(), error) {
	cfg, err := config.Load(path)
	if err != nil {
		return config.Config{}, nil, err
	}
	cleanup, err := logging.Init(cfg.Logger)
	if err != nil {
		return config.Config{}, nil, err
	}
	return cfg, cleanup, nil
}

func newServeCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Args:  cobra.NoArgs,
		Short: "Run the HTTP API and the job pipeline",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()
			return runServer(cfg)
		},
	}
}

func newMigrateCmd(configPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Args:  cobra.NoArgs,
		Short: "Create or upgrade the job database schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cleanup, err := loadConfig(*configPath)
			if err != nil {
				return err
			}
			defer cleanup()

			db, err := openDB(cfg.Storage.DBPath)
			if err != nil {
				return err
			}
			defer db.Close()

			if err := jobs.NewSQLiteRepo(db).Migrate(context.Background()); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "schema of %s is up to date\n", cfg.Storage.DBPath)
			return nil
		},
	}
}

func newHashPasswordCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-password [password]",
		Args:  cobra.MaximumNArgs(1),
		Short: "Print a bcrypt hash for auth.users[].password_hash",
		Long:  "Print a bcrypt hash for auth.users[].password_hash. Without an argument the password is read from stdin.",
		RunE: func(cmd *cobra.Command, args []string) error {
			var password string
			if len(args) == 1 {
				password = args[0]
			} else {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			if password == "" {
				return errors.New("password must not be empty")
			}

			hash, err := auth.HashPassword(password)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), hash)
			return nil
		},
	}
}

func newTokenCmd(configPath *string) *cobra.Command {
	var (
		user   string
		admin  bool
		expire time.Duration
	)

	cmd := &cobra.Command{
		Use:   "token",
		Args:  cobra.NoArgs,
		Short: "Issue a bearer token signed with auth.jwt_secret",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return errors.New("auth.jwt_secret is not configured")
			}

			tok, err := auth.NewTokenManager(cfg.Auth.JWTSecret).Issue(auth.Identity{UserID: user, Admin: admin}, expire)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), tok)
			return nil
		},
	}
	cmd.Flags().StringVar(&user, "user", "", "user id the token identifies")
	cmd.Flags().BoolVar(&admin, "admin", false, "grant admin routes")
	cmd.Flags().DurationVar(&expire, "expire", 24*time.Hour, "token lifetime")
	_ = cmd.MarkFlagRequired("user")

	return cmd
}
