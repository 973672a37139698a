// internal/app/collector.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/binance"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/okx"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/polygon"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/config"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/pipeline"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/sink"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/httpserver"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/telemetry"
)

// StreamsPath serves the per-request status board.
const StreamsPath = "/streams"

// Run wires venues, sink and pipeline, starts every configured request and
// blocks until ctx is done or the ops server fails. On the way out live
// subscriptions are removed first, then the sink is flushed and closed.
func Run(ctx context.Context, cfg *config.Config, log *logger.Logger) error {
	backoff.SetServiceLabel(cfg.ServiceName)
	metrics.Register(nil)

	// Трассировка
	cfg.Telemetry.ServiceName = cfg.ServiceName
	cfg.Telemetry.ServiceVersion = cfg.ServiceVersion
	shutdownTracer, err := telemetry.InitTracer(ctx, cfg.Telemetry, log)
	if err != nil {
		return fmt.Errorf("init tracer: %w", err)
	}
	defer shutdownSafe(ctx, "telemetry", func() error { return shutdownTracer(context.Background()) }, log)

	// 1) Sink. Закрывается последним: сначала досылаем накопленное.
	snk, err := newSink(ctx, cfg, sink.LogDeliveries(log), log)
	if err != nil {
		return fmt.Errorf("sink init: %w", err)
	}
	defer shutdownSafe(ctx, "sink", func() error {
		flushErr := snk.Flush(cfg.Sink.FlushTimeout)
		return errors.Join(flushErr, snk.Close())
	}, log)

	// 2) Venues
	registry, err := buildRegistry(cfg.Venues, log)
	if err != nil {
		return fmt.Errorf("venue registry: %w", err)
	}
	defer shutdownSafe(ctx, "venue-streams", registry.Close, log)

	// 3) Pipeline
	p := pipeline.New(registry, snk, cfg.Pipeline, log)

	// 4) HTTP-сервер
	httpSrv, err := httpserver.New(
		cfg.HTTP,
		snk.Ping,
		log,
		map[string]http.Handler{StreamsPath: streamsHandler(p.Streams, log)},
		httpserver.RecoverMiddleware(log),
		httpserver.RequestIDMiddleware,
		httpserver.CORSMiddleware(),
	)
	if err != nil {
		return fmt.Errorf("httpserver init: %w", err)
	}

	log.Info("collector starting",
		zap.Strings("venues", registry.Venues()),
		zap.String("sink", cfg.Sink.Kind),
		zap.Int("requests", len(cfg.Pipeline.Requests)),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return httpSrv.Run(gctx) })

	// Каждый запрос живёт сам по себе: его ошибка не валит остальные.
	for _, req := range cfg.Pipeline.Requests {
		g.Go(func() error {
			if err := p.Run(gctx, req); err != nil {
				log.Warn("request aborted",
					zap.String("venue", req.Venue),
					zap.String("symbol", req.Symbol),
					zap.Error(err),
				)
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		if errors.Is(err, context.Canceled) {
			log.Info("collector stopped by context")
			return nil
		}
		return err
	}
	return nil
}

// newSink selects the broker by cfg.Sink.Kind.
func newSink(ctx context.Context, cfg *config.Config, onDelivery sink.DeliveryHandler, log *logger.Logger) (sink.Sink, error) {
	switch strings.ToLower(cfg.Sink.Kind) {
	case config.SinkKafka:
		return sink.NewKafka(ctx, cfg.Kafka, onDelivery, log)
	case config.SinkNATS:
		return sink.NewNATS(ctx, cfg.NATS, onDelivery, log)
	default:
		return nil, fmt.Errorf("unknown sink kind %q", cfg.Sink.Kind)
	}
}

// buildRegistry registers every enabled venue.
func buildRegistry(cfg config.VenuesConfig, log *logger.Logger) (*adapter.Registry, error) {
	reg := adapter.NewRegistry()
	register := func(d *adapter.Descriptor, err error) error {
		if err != nil {
			return err
		}
		return reg.Register(d)
	}

	if cfg.Binance.Enabled {
		if err := register(binance.New(cfg.Binance.Config, log)); err != nil {
			return nil, err
		}
	}
	if cfg.OKX.Enabled {
		if err := register(okx.New(cfg.OKX.Config, log)); err != nil {
			return nil, err
		}
	}
	if cfg.Polygon.Enabled {
		if err := register(polygon.New(cfg.Polygon.Config, log)); err != nil {
			return nil, err
		}
	}
	return reg, nil
}

// shutdownSafe оборачивает вызов Close()/Shutdown() с логированием
func shutdownSafe(ctx context.Context, name string, fn func() error, log *logger.Logger) {
	log.WithContext(ctx).Info(fmt.Sprintf("%s: shutting down", name))
	if err := fn(); err != nil {
		log.WithContext(ctx).Error(fmt.Sprintf("%s shutdown error", name), zap.Error(err))
	} else {
		log.WithContext(ctx).Info(fmt.Sprintf("%s: shutdown complete", name))
	}
}
