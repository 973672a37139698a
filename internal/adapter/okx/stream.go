package okx

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/segmentio/encoding/json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/wsconn"
)

var tracer = otel.Tracer("ohlcv/adapter/okx")

// channelArg identifies one OKX subscription.
type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

func (a channelArg) key() string { return a.Channel + ":" + a.InstID }

type opRequest struct {
	Op   string       `json:"op"`
	Args []channelArg `json:"args"`
}

// Stream relays OKX candle pushes. Fan-out keys are "candle1m:BTC-USDT".
type Stream struct {
	conn       *wsconn.Conn
	intervals  adapter.IntervalTable
	closedOnly bool
	log        *logger.Logger
	bars       *adapter.Fanout[ohlcv.Bar]

	mu   sync.Mutex
	args map[string]channelArg // key → arg, for replay and unsubscribe

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}
}

var _ adapter.StreamAdapter = (*Stream)(nil)

// NewStream builds an idle stream adapter.
func NewStream(cfg Config, log *logger.Logger) (*Stream, error) {
	cfg.ApplyDefaults()
	log = log.Named(Venue + "-stream")

	s := &Stream{
		intervals:  newIntervalTable(log),
		closedOnly: cfg.ClosedOnly,
		log:        log,
		bars:       adapter.NewFanout[ohlcv.Bar](Venue, log),
		args:       make(map[string]channelArg),
		done:       make(chan struct{}),
	}
	s.bars.OnEmpty = s.unsubscribe

	conn, err := wsconn.New(wsconn.Config{
		Name:        Venue,
		URL:         cfg.WSURL,
		ReadTimeout: cfg.ReadTimeout,
		PingMessage: "ping",
		Backoff:     cfg.Backoff,
	}, s, log)
	if err != nil {
		return nil, fmt.Errorf("okx: %w", err)
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// SubscribeOHLCV registers onBar for candles of symbol at interval.
func (s *Stream) SubscribeOHLCV(ctx context.Context, symbol string, interval ohlcv.Interval, onBar func(ohlcv.Bar)) (adapter.Subscription, error) {
	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("okx: stream closed")
	}
	arg := channelArg{Channel: "candle" + s.intervals.Native(interval), InstID: StandardizeSymbol(symbol)}
	_, span := tracer.Start(ctx, "okx.subscribe", trace.WithAttributes(attribute.String("stream", arg.key())))
	defer span.End()

	sub, first := s.bars.Add(arg.key(), onBar)
	if first {
		s.mu.Lock()
		s.args[arg.key()] = arg
		s.mu.Unlock()
		s.send("subscribe", arg)
	}
	s.start()
	return sub, nil
}

// SubscribeTrades is not offered by this adapter.
func (s *Stream) SubscribeTrades(_ context.Context, symbol string, _ func(ohlcv.Trade)) (adapter.Subscription, error) {
	return adapter.Unsupported(Venue, ohlcv.KindTrades, symbol, s.log), nil
}

// SubscribeDepth is not offered by this adapter.
func (s *Stream) SubscribeDepth(_ context.Context, symbol string, _ func(ohlcv.DepthUpdate)) (adapter.Subscription, error) {
	return adapter.Unsupported(Venue, ohlcv.KindDepth, symbol, s.log), nil
}

// Close stops the session and waits for it to exit.
func (s *Stream) Close() error {
	s.cancel()
	s.startOnce.Do(func() { close(s.done) })
	<-s.done
	return nil
}

func (s *Stream) start() {
	s.startOnce.Do(func() {
		go func() {
			defer close(s.done)
			if err := s.conn.Run(s.ctx); err != nil {
				s.log.Error("okx stream stopped", zap.Error(err))
			}
		}()
	})
}

func (s *Stream) unsubscribe(key string) {
	s.mu.Lock()
	arg, ok := s.args[key]
	delete(s.args, key)
	s.mu.Unlock()
	if ok {
		s.send("unsubscribe", arg)
	}
}

func (s *Stream) send(op string, args ...channelArg) {
	err := s.conn.WriteJSON(opRequest{Op: op, Args: args})
	if err != nil && !errors.Is(err, wsconn.ErrNotConnected) {
		s.log.Warn("okx control message failed", zap.String("op", op), zap.Error(err))
	}
}

// OnConnect replays all active channels.
func (s *Stream) OnConnect(_ context.Context, c *wsconn.Conn) error {
	s.mu.Lock()
	args := make([]channelArg, 0, len(s.args))
	for _, k := range s.bars.Keys() {
		if a, ok := s.args[k]; ok {
			args = append(args, a)
		}
	}
	s.mu.Unlock()
	if len(args) == 0 {
		return nil
	}
	s.log.Info("okx: subscribing", zap.Int("channels", len(args)))
	return c.WriteJSON(opRequest{Op: "subscribe", Args: args})
}

type pushMessage struct {
	Event string          `json:"event"`
	Code  string          `json:"code"`
	Msg   string          `json:"msg"`
	Arg   channelArg      `json:"arg"`
	Data  json.RawMessage `json:"data"`
}

// OnMessage handles event acks and candle pushes.
func (s *Stream) OnMessage(data []byte) {
	var m pushMessage
	if err := json.Unmarshal(data, &m); err != nil {
		s.parseError(data, err)
		return
	}
	switch m.Event {
	case "":
	case "error":
		s.log.Error("okx: request rejected", zap.String("code", m.Code), zap.String("msg", m.Msg))
		return
	default:
		s.log.Debug("okx: event", zap.String("event", m.Event), zap.String("channel", m.Arg.key()))
		return
	}
	if len(m.Data) == 0 {
		return
	}

	var rows [][]string
	if err := json.Unmarshal(m.Data, &rows); err != nil {
		s.parseError(data, err)
		return
	}
	for _, row := range rows {
		if s.closedOnly && !confirmed(row) {
			continue
		}
		bar, err := parseCandle(row)
		if err != nil {
			s.parseError(data, err)
			continue
		}
		s.bars.Dispatch(m.Arg.key(), bar)
	}
}

func (s *Stream) parseError(data []byte, err error) {
	metrics.ParseErrors.WithLabelValues(Venue).Inc()
	s.log.Error("okx: failed to parse push message", zap.ByteString("raw", data), zap.Error(err))
}
