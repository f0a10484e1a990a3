package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"FeedPoster/internal/app"
	"FeedPoster/internal/config"
	"FeedPoster/internal/logging"
)

func newRootCmd() *cobra.Command {
	return newRootCmdWith(viper.New())
}

func newRootCmdWith(v *viper.Viper) *cobra.Command {
	root := &cobra.Command{
		Use:           "feedposter",
		Short:         "Summarize feed and vulnerability items and post them to social media",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := root.PersistentFlags()
	flags.String("config", "", "path to the YAML configuration (default sites.yaml)")
	flags.String("mode", "", "prod publishes and saves state, test is a dry run")
	flags.String("state", "", "override state.path")
	flags.String("log-level", "", "debug, info, warn or error")
	flags.String("log-format", "", "text or json")
	for _, name := range []string{"config", "mode", "state", "log-level", "log-format"} {
		_ = v.BindPFlag(name, flags.Lookup(name))
	}

	v.SetEnvPrefix("FEEDPOSTER")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	root.AddCommand(newRunCmd(v), newWatchCmd(v), newStateCmd(v))
	return root
}

func newRunCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Process every enabled source once",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, a *app.Application) error {
				_, err := a.Run(ctx)
				return err
			})
		},
	}
}

func newWatchCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Run the pipeline repeatedly until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, a *app.Application) error {
				return a.Watch(ctx, v.GetDuration("interval"))
			})
		},
	}
	cmd.Flags().Duration("interval", 0, "time between runs (default scheduler.interval)")
	_ = v.BindPFlag("interval", cmd.Flags().Lookup("interval"))
	return cmd
}

func newStateCmd(v *viper.Viper) *cobra.Command {
	state := &cobra.Command{
		Use:   "state",
		Short: "Inspect the durable state document",
	}
	state.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the state document as JSON",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd.Context(), v, func(ctx context.Context, a *app.Application) error {
				return a.ShowState(ctx, cmd.OutOrStdout())
			})
		},
	})
	return state
}

func loadConfig(v *viper.Viper) (config.Config, error) {
	cfg, err := config.Load(v.GetString("config"))
	if err != nil {
		return config.Config{}, err
	}
	if mode := v.GetString("mode"); mode != "" {
		cfg.Settings.Mode = mode
	}
	if path := v.GetString("state"); path != "" {
		cfg.State.Path = path
	}
	if level := v.GetString("log-level"); level != "" {
		cfg.Logging.Level = level
	}
	if format := v.GetString("log-format"); format != "" {
		cfg.Logging.Format = format
	}
	if err := cfg.Validate(); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}

func withApp(ctx context.Context, v *viper.Viper, fn func(context.Context, *app.Application) error) error {
	cfg, err := loadConfig(v)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	logger := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	started := time.Now()
	application, err := app.New(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := application.Close(); closeErr != nil {
			logger.Warn("close application", "error", closeErr)
		}
	}()

	if err := fn(ctx, application); err != nil {
		logger.Error("application stopped", "error", err, "elapsed", time.Since(started))
		return err
	}
	return nil
}
