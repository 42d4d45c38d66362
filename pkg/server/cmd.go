package server

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/spf13/cobra"
	"github.com/torxed/github-autorun/pkg/client"
	"github.com/torxed/github-autorun/pkg/config"
	"github.com/torxed/github-autorun/pkg/gitdiff"
	"github.com/torxed/github-autorun/pkg/policy"
	"github.com/torxed/github-autorun/pkg/version"
)

const (
	flagNameConfig   = "config"
	flagNameLogLevel = "log"
	flagNameEnv      = "env"
)

func Execute() {
	err := NewServerCmd().Execute()
	if err != nil {
		slog.Error("Failed to execute command", "err", err)
		os.Exit(1)
	}
}

func NewServerCmd() *cobra.Command {
	cobra.AddTemplateFunc(
		"ProgramName", func() string {
			return version.Name
		},
	)

	rootCmd := &cobra.Command{
		Use:   version.Name,
		Short: version.Name + " approves or cancels workflow runs for pull requests from forks",
		Run: func(cmd *cobra.Command, args []string) {
			err := run(cmd)
			if err != nil {
				fmt.Println("Fatal: " + err.Error())
				os.Exit(1)
			}
		},
	}

	rootCmd.Flags().StringP(flagNameConfig, "c", "", "Config file to use")
	rootCmd.Flags().String(flagNameLogLevel, "", "Override the log level given in the config file")
	rootCmd.Flags().Bool(flagNameEnv, false, "Expand enviroment variables in the config file")

	rootCmd.AddCommand(
		version.NewCommand(),
	)

	return rootCmd
}

func run(cmd *cobra.Command) error {
	configPath, err := cmd.Flags().GetString(flagNameConfig)
	if err != nil {
		return fmt.Errorf("failed to get config flag: %w", err)
	}
	logLevel, err := cmd.Flags().GetString(flagNameLogLevel)
	if err != nil {
		return fmt.Errorf("failed to get log level flag: %w", err)
	}
	env, err := cmd.Flags().GetBool(flagNameEnv)
	if err != nil {
		return fmt.Errorf("failed to get env flag: %w", err)
	}

	cfg, err := config.LoadConfig(configPath, env, logLevel)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	engine, err := policy.New(cfg.Policy.ProtectedPaths)
	if err != nil {
		return fmt.Errorf("failed to compile protected path patterns: %w", err)
	}

	github, err := client.NewClient(cfg.Github)
	if err != nil {
		return fmt.Errorf("failed to create github client: %w", err)
	}

	// Refuse to accept traffic with credentials that don't resolve to
	// the configured repository.
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := github.ValidateRepository(ctx); err != nil {
		return fmt.Errorf("failed to validate repository access: %w", err)
	}
	slog.Info("Validated repository access", slog.String("repository", github.Repository()))

	pipeline := NewPipeline(cfg.Github, &gitdiff.GitResolver{}, github, engine)

	server := NewServer(cfg.API, pipeline)

	return server.Run()
}
