package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/vjranagit/heartwatch/internal/config"
	"github.com/vjranagit/heartwatch/pkg/storage"
)

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Print stored samples, oldest first",
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, _ *config.Config, store storage.SampleStore) error {
		samples, err := store.AllOrdered(ctx)
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "TIMESTAMP\tHEART_RATE")
		for _, s := range samples {
			fmt.Fprintf(tw, "%s\t%.1f\n", s.Timestamp, s.Value)
		}
		return tw.Flush()
	}),
}

var latestCmd = &cobra.Command{
	Use:   "latest",
	Short: "Print the most recent stored sample",
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, _ *config.Config, store storage.SampleStore) error {
		sample, ok, err := store.MostRecent(ctx)
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintln(cmd.OutOrStdout(), "no samples stored")
			return nil
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s\t%.1f\n", sample.Timestamp, sample.Value)
		return nil
	}),
}

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete every stored sample",
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, _ *config.Config, store storage.SampleStore) error {
		if err := store.DeleteAll(ctx); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "all samples deleted")
		return nil
	}),
}

var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Write the stored history as a compressed archive",
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, cfg *config.Config, store storage.SampleStore) error {
		comp, err := storage.NewCompressor(cfg.Storage.CompressionLevel)
		if err != nil {
			return err
		}
		defer comp.Close()

		var out io.Writer = cmd.OutOrStdout()
		if path, _ := cmd.Flags().GetString("output"); path != "" {
			f, err := os.Create(path)
			if err != nil {
				return fmt.Errorf("failed to create archive: %w", err)
			}
			defer f.Close()
			out = f
		}

		n, err := storage.WriteArchive(ctx, store, comp, out)
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "exported %d samples\n", n)
		return nil
	}),
}

var importCmd = &cobra.Command{
	Use:   "import",
	Short: "Load samples from an archive; existing timestamps are kept",
	RunE: withStore(func(ctx context.Context, cmd *cobra.Command, cfg *config.Config, store storage.SampleStore) error {
		comp, err := storage.NewCompressor(cfg.Storage.CompressionLevel)
		if err != nil {
			return err
		}
		defer comp.Close()

		path, _ := cmd.Flags().GetString("input")
		f, err := os.Open(path)
		if err != nil {
			return fmt.Errorf("failed to open archive: %w", err)
		}
		defer f.Close()

		samples, err := storage.ReadArchive(f, comp)
		if err != nil {
			return err
		}
		for _, s := range samples {
			if err := store.Insert(ctx, s); err != nil {
				return err
			}
		}
		fmt.Fprintf(cmd.OutOrStdout(), "imported %d samples\n", len(samples))
		return nil
	}),
}

func init() {
	exportCmd.Flags().StringP("output", "o", "", "archive file (default stdout)")
	importCmd.Flags().StringP("input", "i", "", "archive file (required)")
	_ = importCmd.MarkFlagRequired("input")

	rootCmd.AddCommand(historyCmd, latestCmd, resetCmd, exportCmd, importCmd)
}

type storeFunc func(ctx context.Context, cmd *cobra.Command, cfg *config.Config, store storage.SampleStore) error

// withStore opens the configured store for the duration of a command
func withStore(fn storeFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		// Keep badger's chatter out of command output
		logger := cfg.Log.NewLogger(cmd.ErrOrStderr())
		if level, _ := cfg.Log.SlogLevel(); level < slog.LevelWarn {
			logger = slog.New(slog.NewTextHandler(cmd.ErrOrStderr(), &slog.HandlerOptions{Level: slog.LevelWarn}))
		}

		store, err := storage.NewStorage(cfg.ToStorageConfig(logger))
		if err != nil {
			return fmt.Errorf("failed to open storage: %w", err)
		}
		defer store.Close()

		// Operations journaled by a crashed serve land before this command runs
		if cfg.Storage.EnableWAL {
			replayJournal(cmd.Context(), cfg.Storage.Path, store, logger)
		}

		return fn(cmd.Context(), cmd, cfg, store)
	}
}
