package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ramadanpath/offline/config"
	"github.com/ramadanpath/offline/env"
	"github.com/ramadanpath/offline/logger"
	"github.com/ramadanpath/offline/worker"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "offline-worker",
		Short:         "Offline worker for the Путь к Рамадану app",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE:          runServe,
	}
	flags := root.PersistentFlags()
	flags.String("config", "", "path to a YAML config file")
	flags.String("env-file", "", "path to a dotenv file loaded before the environment is read")
	flags.String("log-level", "", "log level (trace, debug, info, warn, error)")
	flags.String("log-format", "", "log format (console or json)")
	flags.String("origin", "", "app origin the worker sits in front of")
	flags.String("listen", "", "address to listen on")
	flags.String("store", "", "cache store (memory, sqlite, redis)")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Install the release and serve until interrupted",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "install",
		Short: "Cache the app shell into the configured store and activate it",
		RunE:  runInstall,
	})
	root.AddCommand(&cobra.Command{
		Use:   "sync <tag>",
		Short: "Run one background task and exit",
		Args:  cobra.ExactArgs(1),
		RunE:  runSync,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the release and its cache names",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s (caches %s, %s)\n", cfg.Version, cfg.StaticCache, cfg.APICache)
			return nil
		},
	})
	return root
}

func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	if file, _ := cmd.Flags().GetString("env-file"); file != "" {
		if _, err := env.Load(file); err != nil {
			return nil, err
		}
	}
	path := env.FlagOrEnv(cmd, "config", "RAMADAN_SW_CONFIG", "")
	cfg, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	overrides := map[string]*string{
		"origin": &cfg.Origin,
		"listen": &cfg.Listen,
		"store":  &cfg.Store,
	}
	for flag, field := range overrides {
		if v, _ := cmd.Flags().GetString(flag); v != "" {
			*field = v
		}
	}
	return cfg, cfg.Validate()
}

func setup(cmd *cobra.Command) (context.Context, context.CancelFunc, *config.Config, logger.Logger, error) {
	cfg, err := loadConfig(cmd)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	log := env.NewLogger(cmd, cfg.LogFormat, cfg.LogLevel).WithPrefix("[offline-worker]")
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	return ctx, stop, cfg, log, nil
}

func runServe(cmd *cobra.Command, args []string) error {
	ctx, stop, cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()

	w, err := worker.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	if err := w.Start(ctx); err != nil {
		w.Close(context.Background())
		return err
	}
	log.Info("release %s running", cfg.Version)
	return w.Serve(ctx)
}

func runOnce(cmd *cobra.Command, ev worker.Event) error {
	ctx, stop, cfg, log, err := setup(cmd)
	if err != nil {
		return err
	}
	defer stop()

	if !cfg.EventBus {
		log.Warn("event bus disabled, notifications shown by %s are not delivered", ev.Name())
	}
	w, err := worker.New(ctx, cfg, log)
	if err != nil {
		return fmt.Errorf("starting worker: %w", err)
	}
	runErr := w.Dispatch(ctx, ev).Wait(ctx)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := w.Close(shutdownCtx); err != nil {
		log.Warn("close: %s", err)
	}
	return runErr
}

func runInstall(cmd *cobra.Command, args []string) error {
	return runOnce(cmd, worker.InstallEvent{})
}

func runSync(cmd *cobra.Command, args []string) error {
	return runOnce(cmd, worker.SyncEvent{Tag: args[0]})
}
