package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"rwa-exposure-bundle/internal/app"
	"rwa-exposure-bundle/internal/config"
	"rwa-exposure-bundle/internal/events"
	"rwa-exposure-bundle/internal/logging"
	"rwa-exposure-bundle/internal/state"
	"rwa-exposure-bundle/internal/state/sqlite"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

var (
	configPath string
	envPath    string
)

func main() {
	root := &cobra.Command{
		Use:           "rwa-bundle",
		Short:         "Multi-strategy RWA exposure bundle",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := config.LoadEnv(envPath); err != nil {
				fmt.Fprintf(os.Stderr, "failed to load %s: %v\n", envPath, err)
			}
			return nil
		},
	}
	root.PersistentFlags().StringVar(&configPath, "config", "config.yaml", "path to config file")
	root.PersistentFlags().StringVar(&envPath, "env", ".env", "path to .env file")

	root.AddCommand(runCmd(), statusCmd(), eventsCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "run",
		Short: "Run the bundle with its scheduled jobs",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			log := logging.New(cfg.Log)
			defer func() { _ = log.Sync() }()
			log.Info("config loaded", zap.String("path", configPath), zap.String("venue_mode", cfg.Venue.Mode))

			application, err := app.New(cfg, log)
			if err != nil {
				log.Error("failed to initialize app", zap.Error(err))
				return err
			}
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			if err := application.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				log.Error("app terminated", zap.Error(err))
				return err
			}
			return nil
		},
	}
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Print the persisted bundle snapshot",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			snap, ok, err := state.LoadBundleSnapshot(cmd.Context(), store)
			if err != nil {
				return err
			}
			if !ok {
				return errors.New("no bundle snapshot stored")
			}
			return printJSON(cmd.OutOrStdout(), snap)
		},
	}
}

func eventsCmd() *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Print recently journaled bundle events",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			recent, err := events.NewJournal(store, 0).Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), recent)
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 20, "number of events")
	return cmd
}

func openStore() (*sqlite.Store, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}
	return sqlite.New(cfg.State.SQLitePath)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
