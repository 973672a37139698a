// cmd/ohlcv-collector/main.go
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/app"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/config"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

func main() {
	var (
		cfgFile     string
		printConfig bool
	)

	root := &cobra.Command{
		Use:           "ohlcv-collector",
		Short:         "Backfills and streams normalized OHLCV bars from trading venues",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			// 1. Конфиг
			cfg, err := config.Load(cfgFile, cmd.Flags())
			if err != nil {
				return fmt.Errorf("config: %w", err)
			}
			if printConfig || cfg.Logging.DevMode {
				if err := cfg.Print(os.Stdout); err != nil {
					fmt.Fprintf(os.Stderr, "failed to print config: %v\n", err)
				}
			}

			// 2. Логгер
			log, err := logger.New(cfg.Logging)
			if err != nil {
				return fmt.Errorf("logger init: %w", err)
			}
			defer log.Sync()

			// 3. Контекст с отменой по сигналам
			ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			log.Info("starting service",
				zap.String("service.name", cfg.ServiceName),
				zap.String("service.version", cfg.ServiceVersion),
			)

			// 4. Основное приложение
			if err := app.Run(ctx, cfg, log); err != nil {
				log.Error("application exited with error", zap.Error(err))
				return err
			}
			log.Info("shutdown complete")
			return nil
		},
	}

	flags := root.Flags()
	flags.StringVar(&cfgFile, "config", "config/config.yaml", "path to config file (empty → env and defaults only)")
	flags.BoolVar(&printConfig, "print-config", false, "print the effective config on startup")
	flags.String("log-level", "info", "debug | info | warn | error")
	flags.Bool("dev", false, "console logging")
	flags.Int("http-port", 8080, "ops HTTP port")
	flags.String("sink", config.SinkKafka, "kafka | nats")

	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "ohlcv-collector: %v\n", err)
		os.Exit(1)
	}
}
