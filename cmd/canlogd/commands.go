package main

import (
	"fmt"
	"io"
	"sort"

	"github.com/spf13/cobra"

	"codeberg.org/mutker/canlogd/internal/clock"
	"codeberg.org/mutker/canlogd/internal/config"
	"codeberg.org/mutker/canlogd/internal/daemon"
	"codeberg.org/mutker/canlogd/internal/logger"
	"codeberg.org/mutker/canlogd/internal/registry"
)

// Set at build time with -ldflags "-X main.version=...".
var version = "dev"

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "canlogd",
		Short: "CAN bus telemetry logger",
		Long: `canlogd decodes CAN frames with DBC definitions, keeps the latest value
of every signal and records sampled sessions to CSV files.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	serve := newServeCommand()
	cmd.AddCommand(serve)
	cmd.AddCommand(newDefinitionsCommand())
	cmd.AddCommand(newVersionCommand())

	// Running without a subcommand serves.
	config.RegisterFlags(cmd.Flags())
	cmd.RunE = serve.RunE

	return cmd
}

func newServeCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the ingestion pipeline and HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd)
		},
	}
	config.RegisterFlags(cmd.Flags())

	return cmd
}

func runServe(cmd *cobra.Command) error {
	cfg, err := config.Load(config.WithFlags(cmd.Flags()))
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logger.ParseLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	logger.Init(level, logger.IsService())
	logger.Debug().Msg("Config loaded")

	ctx := cmd.Context()
	d, err := daemon.New(ctx, cfg, clock.Real(), logger.Default())
	if err != nil {
		return err
	}

	logger.Info().
		Str("version", version).
		Str("listen", cfg.Listen).
		Str("mode", string(d.Mode())).
		Msg("canlogd starting")

	if err := d.Run(ctx); err != nil {
		return err
	}

	logger.Info().Msg("Exiting...")
	return nil
}

func newDefinitionsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "definitions <files...>",
		Short: "Parse DBC files and print the merged message table",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDefinitions(cmd.OutOrStdout(), args)
		},
	}
}

func runDefinitions(w io.Writer, paths []string) error {
	sources := make([]registry.Source, 0, len(paths))
	for _, p := range paths {
		src, err := registry.ReadFile(p)
		if err != nil {
			return err
		}
		sources = append(sources, src)
	}

	reg, err := registry.Load(logger.Nop(), sources...)
	if err != nil {
		return err
	}

	for _, msg := range reg.Messages() {
		fmt.Fprintf(w, "0x%03X %s (%d bytes, %s)\n", msg.ID, msg.Name, msg.Length, msg.Source)

		signals := append([]registry.Signal(nil), msg.Signals...)
		sort.Slice(signals, func(i, j int) bool { return signals[i].Name < signals[j].Name })
		for _, sig := range signals {
			fmt.Fprintf(w, "  %-32s [%g, %g] %s\n", sig.QualifiedName, sig.Min, sig.Max, sig.Unit)
		}
	}
	fmt.Fprintf(w, "%d messages from %d sources\n", reg.Len(), len(reg.Sources()))

	return nil
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), "canlogd", version)
		},
	}
}
