package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/edgars/konneqt-api-gw/internal/config"
	"github.com/edgars/konneqt-api-gw/internal/gateway"
	"github.com/edgars/konneqt-api-gw/internal/logging"
)

var (
	version   = "dev"
	buildTime = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	watch      bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:           "gateway",
		Short:         "Configuration-driven API gateway",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	root.PersistentFlags().StringVarP(&opts.configPath, "config", "c", "configs/gateway.yaml", "path to configuration file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway (default)",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd.Context(), opts)
		},
	}
	for _, c := range []*cobra.Command{root, serve} {
		c.Flags().BoolVar(&opts.watch, "watch", true, "reload when the config file changes")
	}

	root.AddCommand(serve, newValidateCmd(opts), newVersionCmd())
	return root
}

func newValidateCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate the configuration and exit",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := gateway.NewLoader().Load(opts.configPath)
			if err != nil {
				return err
			}
			// Building the gateway resolves interceptor settings and targets.
			gw, err := gateway.New(cfg, gateway.WithLogger(zap.NewNop()))
			if err != nil {
				return err
			}
			gw.Close()
			fmt.Fprintf(cmd.OutOrStdout(), "Configuration is valid (%d routes)\n", len(cfg.Routes))
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "konneqt-api-gw %s (built %s)\n", version, buildTime)
		},
	}
}

func runServe(ctx context.Context, opts *rootOptions) error {
	cfg, err := gateway.NewLoader().Load(opts.configPath)
	if err != nil {
		return err
	}

	logger, closer, err := newLogger(cfg.Logging)
	if err != nil {
		return fmt.Errorf("initialize logger: %w", err)
	}
	if closer != nil {
		defer closer.Close()
	}
	defer logger.Sync()
	logging.SetGlobal(logger)

	logging.Info("starting API gateway",
		zap.String("version", version),
		zap.String("config", opts.configPath),
		zap.Int("routes", len(cfg.Routes)),
		zap.String("route_matching", cfg.RouteMatching),
	)

	server, err := gateway.NewServer(cfg, opts.configPath,
		gateway.WithGatewayOptions(gateway.WithLogger(logger)),
		gateway.WithWatch(opts.watch),
	)
	if err != nil {
		return fmt.Errorf("create gateway: %w", err)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	return server.Run(ctx)
}

func newLogger(cfg config.LoggingConfig) (*zap.Logger, io.Closer, error) {
	return logging.New(logging.Config{
		Level:      cfg.Level,
		Format:     cfg.Format,
		Output:     cfg.Output,
		MaxSize:    cfg.Rotation.MaxSize,
		MaxBackups: cfg.Rotation.MaxBackups,
		MaxAge:     cfg.Rotation.MaxAge,
		Compress:   cfg.Rotation.Compress,
		LocalTime:  cfg.Rotation.LocalTime,
	})
}
