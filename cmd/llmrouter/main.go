package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/malorod/llmrouter/internal/config"
	"github.com/malorod/llmrouter/internal/exporter"
	"github.com/malorod/llmrouter/internal/health"
	"github.com/malorod/llmrouter/internal/logger"
	"github.com/malorod/llmrouter/internal/pricing"
	"github.com/malorod/llmrouter/internal/router"
)

var (
	version = "dev"
)

func main() {
	root := &cobra.Command{
		Use:     "llmrouter",
		Short:   "Multi-provider LLM router",
		Version: version,
	}

	root.AddCommand(askCommand(), serveCommand())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// buildRouter assembles a router, its providers, and the logger from the
// loaded configuration.
func buildRouter(cfg *config.Config) (*router.Router, *zap.Logger, error) {
	zapLogger, err := logger.NewLogger(logger.Config{
		Level:       cfg.Logging.Level,
		Format:      cfg.Logging.Format,
		Output:      cfg.Logging.Output,
		AddSource:   cfg.Logging.AddSource,
		Development: cfg.Logging.Development,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("initialize logger: %w", err)
	}
	sugar := zapLogger.Sugar()

	opts := []router.Option{router.WithLogger(zapLogger)}

	if cfg.Pricing.File != "" {
		table, err := pricing.LoadTable(cfg.Pricing.File, sugar)
		if err != nil {
			return nil, nil, err
		}
		opts = append(opts, router.WithPricing(table))
	}

	if cfg.Health.Enabled {
		svc := health.NewService()
		if err := svc.Start(cfg.Health.Port); err != nil {
			return nil, nil, err
		}
		opts = append(opts, router.WithHealthService(svc))
	}

	r, err := router.New(cfg.Strategy, opts...)
	if err != nil {
		return nil, nil, err
	}

	providers, err := config.BuildProviders(cfg.Providers, zapLogger)
	if err != nil {
		return nil, nil, err
	}
	for _, p := range providers {
		if err := r.AddProvider(p); err != nil {
			return nil, nil, err
		}
	}

	return r, zapLogger, nil
}

// askCommand routes a single prompt and prints the response.
func askCommand() *cobra.Command {
	var stream bool

	cmd := &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Route one prompt through the configured providers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			r, zapLogger, err := buildRouter(cfg)
			if err != nil {
				return err
			}
			defer zapLogger.Sync()
			defer r.Close()

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()

			if stream {
				chunks, err := r.RouteStream(ctx, args[0], nil)
				if err != nil {
					return err
				}
				for chunk := range chunks {
					if chunk.Err != nil {
						return chunk.Err
					}
					fmt.Print(chunk.Content)
				}
				fmt.Println()
				return nil
			}

			text, err := r.Route(ctx, args[0], nil)
			if err != nil {
				return err
			}
			fmt.Println(text)
			return nil
		},
	}

	cmd.Flags().BoolVar(&stream, "stream", false, "stream the response chunk by chunk")
	return cmd
}

// serveCommand runs the router with its metrics endpoint until signalled.
func serveCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the metrics endpoint and wait",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			r, zapLogger, err := buildRouter(cfg)
			if err != nil {
				return err
			}
			defer zapLogger.Sync()
			defer r.Close()

			sugar := zapLogger.Sugar()
			sugar.Infof("Starting llmrouter version=%s strategy=%s providers=%d",
				version, cfg.Strategy, len(cfg.Providers))

			if cfg.Metrics.Enabled {
				if err := r.StartMetricsServer(cfg.Metrics.Port); err != nil {
					var portErr *exporter.PortInUseError
					if errors.As(err, &portErr) {
						return fmt.Errorf("%w (pick a different metrics.port in the config)", err)
					}
					return err
				}
				sugar.Infof("Metrics available at http://%s/metrics", r.MetricsAddr())
			}

			ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer cancel()
			<-ctx.Done()

			sugar.Info("Shutting down")
			return nil
		},
	}
}
