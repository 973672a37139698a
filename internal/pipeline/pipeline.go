// internal/pipeline/pipeline.go

// Package pipeline merges venue history and live pushes into one ordered
// stream per request: resolve the venue, publish the backfill, then relay
// live events until the context ends.
package pipeline

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/sink"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

var tracer = otel.Tracer("ohlcv/pipeline")

// Config tunes merge behaviour.
type Config struct {
	// DropStale discards live bars older than the newest bar already
	// published for the request.
	DropStale bool `mapstructure:"drop_stale"`
	// Requests are the streams started by the service.
	Requests []Request `mapstructure:"requests"`
}

// Pipeline runs requests against a registry and a sink. One Pipeline may
// run many requests concurrently.
type Pipeline struct {
	registry  *adapter.Registry
	sink      sink.Sink
	dropStale bool
	log       *logger.Logger
	board     *board
}

// New builds a Pipeline.
func New(registry *adapter.Registry, s sink.Sink, cfg Config, log *logger.Logger) *Pipeline {
	return &Pipeline{
		registry:  registry,
		sink:      s,
		dropStale: cfg.DropStale,
		log:       log.Named("pipeline"),
		board:     newBoard(),
	}
}

// Streams reports the state of every request started by Run.
func (p *Pipeline) Streams() []StreamStatus { return p.board.snapshot() }

// -----------------------------------------------------------------------------
// Stages
// -----------------------------------------------------------------------------

// Init resolves the venue. An unknown venue yields *adapter.UnsupportedVenueError.
func (p *Pipeline) Init(req Request) (*adapter.Descriptor, error) {
	return p.registry.Resolve(req.Venue)
}

// Backfill fetches history for req and publishes every bar in the order
// the series holds them, keyed by timestamp. It returns the number of bars
// published and the newest timestamp among them (ok=false when none).
// A failed fetch is returned as *adapter.VendorFetchError.
func (p *Pipeline) Backfill(ctx context.Context, d *adapter.Descriptor, req Request) (n int, watermark int64, ok bool, err error) {
	ctx, span := tracer.Start(ctx, "pipeline.Backfill", trace.WithAttributes(
		attribute.String("venue", req.Venue),
		attribute.String("symbol", req.Symbol),
		attribute.String("interval", string(req.Interval)),
	))
	defer span.End()
	log := p.log.WithContext(ctx)

	series, err := d.Historical.FetchHistoricalBars(ctx, req.Symbol, req.fetchInterval())
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "fetch failed")
		return 0, 0, false, &adapter.VendorFetchError{
			Venue:    req.Venue,
			Symbol:   req.Symbol,
			Interval: req.fetchInterval(),
			Err:      err,
		}
	}

	if req.BackfillInterval != "" {
		fetched := series.Len()
		if series, err = series.Resample(req.Interval); err != nil {
			return 0, 0, false, fmt.Errorf("pipeline: resample %s → %s: %w", req.BackfillInterval, req.Interval, err)
		}
		log.Debug("backfill resampled",
			zap.String("from", string(req.BackfillInterval)),
			zap.Int("rows_in", fetched),
			zap.Int("rows_out", series.Len()),
		)
	}

	for i := 0; i < series.Len(); i++ {
		bar := series.Bar(i)
		if err := p.publish(ctx, req, bar.Key(), bar); err != nil {
			span.RecordError(err)
			return n, watermark, ok, fmt.Errorf("pipeline: backfill publish: %w", err)
		}
		n++
		if !ok || bar.Timestamp > watermark {
			watermark, ok = bar.Timestamp, true
		}
	}
	metrics.BackfillBars.WithLabelValues(req.Venue).Add(float64(n))
	span.SetAttributes(attribute.Int("bars", n))
	log.Info("backfill published", zap.Int("bars", n), zap.Int64("watermark", watermark))
	return n, watermark, ok, nil
}

// Live subscribes req on the venue stream. Bars pass through the watermark
// policy before publishing; trades and depth are relayed as they arrive.
// A nil wm starts unset. onEvent, if non-nil, runs after every published
// event.
func (p *Pipeline) Live(ctx context.Context, d *adapter.Descriptor, req Request, wm *Watermark, onEvent func()) (adapter.Subscription, error) {
	// callbacks publish with ctx: they outlive the subscribe span
	pubCtx := ctx
	ctx, span := tracer.Start(ctx, "pipeline.Subscribe", trace.WithAttributes(
		attribute.String("venue", req.Venue),
		attribute.String("symbol", req.Symbol),
		attribute.String("kind", string(req.Kind)),
	))
	defer span.End()
	log := p.log.WithContext(ctx)
	if wm == nil {
		wm = NewWatermark(req.Interval, p.dropStale)
	}

	relayed := func() {
		metrics.LiveEvents.WithLabelValues(req.Venue, string(req.Kind)).Inc()
		if onEvent != nil {
			onEvent()
		}
	}

	var (
		sub adapter.Subscription
		err error
	)
	switch req.Kind {
	case ohlcv.KindTrades:
		sub, err = d.Stream.SubscribeTrades(ctx, req.Symbol, func(t ohlcv.Trade) {
			if p.publishLive(pubCtx, req, t.Key(), t, log) {
				relayed()
			}
		})
	case ohlcv.KindDepth:
		sub, err = d.Stream.SubscribeDepth(ctx, req.Symbol, func(u ohlcv.DepthUpdate) {
			if p.publishLive(pubCtx, req, u.Key(), u, log) {
				relayed()
			}
		})
	default:
		sub, err = d.Stream.SubscribeOHLCV(ctx, req.Symbol, req.Interval, func(b ohlcv.Bar) {
			switch verdict := wm.Admit(b.Timestamp); verdict {
			case Stale:
				metrics.StaleDropped.WithLabelValues(req.Venue).Inc()
				log.Debug("stale live bar dropped", zap.Int64("ts", b.Timestamp), zap.Int64("watermark", wm.Last()))
				return
			case Gap:
				metrics.Gaps.WithLabelValues(req.Venue).Inc()
				log.Warn("gap between backfill and live stream", zap.Int64("first_live_ts", b.Timestamp))
			}
			if p.publishLive(pubCtx, req, b.Key(), b, log) {
				relayed()
			}
		})
	}
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	return sub, nil
}

// Run executes req to completion: Init → Backfill → Live, then blocks until
// ctx is done and removes the live subscription. A venue without a stream
// adapter completes after the backfill. Errors abort only this request.
func (p *Pipeline) Run(ctx context.Context, req Request) error {
	req, err := req.Normalize()
	if err != nil {
		return err
	}
	id := uuid.NewString()
	ctx = logger.ContextWithRequestID(ctx, id)
	ctx = logger.ContextWithVenue(ctx, req.Venue)
	ctx = logger.ContextWithStream(ctx, req.Destination)
	log := p.log.WithContext(ctx)

	p.board.put(StreamStatus{
		ID:          id,
		Venue:       req.Venue,
		Symbol:      req.Symbol,
		Interval:    string(req.Interval),
		Kind:        string(req.Kind),
		Destination: req.Destination,
		Stage:       StageInit,
	})
	fail := func(stage Stage, err error) error {
		metrics.RequestFailures.WithLabelValues(req.Venue, string(stage)).Inc()
		p.board.update(id, func(s *StreamStatus) { s.Stage, s.Error = StageFailed, err.Error() })
		log.Error("request failed", zap.String("stage", string(stage)), zap.Error(err))
		return err
	}

	d, err := p.Init(req)
	if err != nil {
		return fail(StageInit, err)
	}

	wm := NewWatermark(req.Interval, p.dropStale)
	if req.Kind == ohlcv.KindOHLCV {
		p.board.update(id, func(s *StreamStatus) { s.Stage = StageBackfill })
		n, last, ok, err := p.Backfill(ctx, d, req)
		if err != nil {
			return fail(StageBackfill, err)
		}
		if ok {
			wm.Set(last)
		}
		p.board.update(id, func(s *StreamStatus) { s.Backfilled, s.Watermark = n, last })
	}

	if d.Stream == nil {
		if req.Kind != ohlcv.KindOHLCV {
			adapter.Unsupported(req.Venue, req.Kind, req.Symbol, log)
		}
		log.Info("venue has no live stream, request complete")
		p.board.update(id, func(s *StreamStatus) { s.Stage = StageDone })
		return nil
	}

	var mu sync.Mutex
	var events int64
	sub, err := p.Live(ctx, d, req, wm, func() {
		mu.Lock()
		events++
		n := events
		mu.Unlock()
		p.board.update(id, func(s *StreamStatus) { s.LiveEvents = n; s.Watermark = wm.Last() })
	})
	if err != nil {
		return fail(StageLive, err)
	}
	p.board.update(id, func(s *StreamStatus) { s.Stage = StageLive })
	log.Info("live stream subscribed")

	<-ctx.Done()
	sub.Unsubscribe()
	p.board.update(id, func(s *StreamStatus) { s.Stage = StageDone })
	log.Info("request stopped")
	return nil
}

// -----------------------------------------------------------------------------
// Publishing
// -----------------------------------------------------------------------------

type encoder interface {
	Encode() ([]byte, error)
}

func (p *Pipeline) publish(ctx context.Context, req Request, key []byte, v encoder) error {
	value, err := v.Encode()
	if err != nil {
		metrics.PublishErrors.WithLabelValues(req.Venue).Inc()
		return fmt.Errorf("encode: %w", err)
	}
	if err := p.sink.Publish(ctx, req.Destination, key, value); err != nil {
		metrics.PublishErrors.WithLabelValues(req.Venue).Inc()
		return err
	}
	return nil
}

// publishLive never fails the request: a live event that cannot be
// enqueued is logged and skipped.
func (p *Pipeline) publishLive(ctx context.Context, req Request, key []byte, v encoder, log *logger.Logger) bool {
	if err := p.publish(ctx, req, key, v); err != nil {
		log.Warn("live publish failed", zap.ByteString("key", key), zap.Error(err))
		return false
	}
	return true
}
