package binance

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/segmentio/encoding/json"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/venuehttp"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/wsconn"
)

var tracer = otel.Tracer("ohlcv/adapter/binance")

// Binance event types (поле "e").
const (
	eventKline = "kline"
	eventTrade = "trade"
	eventDepth = "depthUpdate"
)

// Stream multiplexes every subscription of this adapter over one
// WebSocket session using SUBSCRIBE/UNSUBSCRIBE control messages.
// Fan-out keys are Binance stream names ("btcusdt@kline_1m").
type Stream struct {
	conn       *wsconn.Conn
	intervals  adapter.IntervalTable
	closedOnly bool
	log        *logger.Logger

	bars   *adapter.Fanout[ohlcv.Bar]
	trades *adapter.Fanout[ohlcv.Trade]
	depth  *adapter.Fanout[ohlcv.DepthUpdate]

	ctx       context.Context
	cancel    context.CancelFunc
	startOnce sync.Once
	done      chan struct{}
}

var _ adapter.StreamAdapter = (*Stream)(nil)

// NewStream builds an idle stream adapter; the session is dialed on the
// first subscription.
func NewStream(cfg Config, log *logger.Logger) (*Stream, error) {
	cfg.ApplyDefaults()
	log = log.Named(Venue + "-stream")

	s := &Stream{
		intervals:  newIntervalTable(log),
		closedOnly: cfg.ClosedOnly,
		log:        log,
		bars:       adapter.NewFanout[ohlcv.Bar](Venue, log),
		trades:     adapter.NewFanout[ohlcv.Trade](Venue, log),
		depth:      adapter.NewFanout[ohlcv.DepthUpdate](Venue, log),
		done:       make(chan struct{}),
	}
	s.bars.OnEmpty = s.unsubscribe
	s.trades.OnEmpty = s.unsubscribe
	s.depth.OnEmpty = s.unsubscribe

	conn, err := wsconn.New(wsconn.Config{
		Name:        Venue,
		URL:         cfg.WSURL,
		ReadTimeout: cfg.ReadTimeout,
		Backoff:     cfg.Backoff,
	}, s, log)
	if err != nil {
		return nil, fmt.Errorf("binance: %w", err)
	}
	s.conn = conn
	s.ctx, s.cancel = context.WithCancel(context.Background())
	return s, nil
}

// -----------------------------------------------------------------------------
// StreamAdapter
// -----------------------------------------------------------------------------

// SubscribeOHLCV registers onBar for symbol klines at interval.
func (s *Stream) SubscribeOHLCV(ctx context.Context, symbol string, interval ohlcv.Interval, onBar func(ohlcv.Bar)) (adapter.Subscription, error) {
	key := streamSymbol(symbol) + "@kline_" + s.intervals.Native(interval)
	return subscribe(ctx, s, s.bars, key, onBar)
}

// SubscribeTrades registers onTrade for raw trades of symbol.
func (s *Stream) SubscribeTrades(ctx context.Context, symbol string, onTrade func(ohlcv.Trade)) (adapter.Subscription, error) {
	return subscribe(ctx, s, s.trades, streamSymbol(symbol)+"@trade", onTrade)
}

// SubscribeDepth registers onDepth for diff depth updates of symbol.
func (s *Stream) SubscribeDepth(ctx context.Context, symbol string, onDepth func(ohlcv.DepthUpdate)) (adapter.Subscription, error) {
	return subscribe(ctx, s, s.depth, streamSymbol(symbol)+"@depth", onDepth)
}

func subscribe[T any](ctx context.Context, s *Stream, f *adapter.Fanout[T], key string, fn func(T)) (adapter.Subscription, error) {
	if s.ctx.Err() != nil {
		return nil, fmt.Errorf("binance: stream closed")
	}
	_, span := tracer.Start(ctx, "binance.subscribe", trace.WithAttributes(attribute.String("stream", key)))
	defer span.End()

	sub, first := f.Add(key, fn)
	if first {
		s.control("SUBSCRIBE", []string{key})
	}
	s.start()
	return sub, nil
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
				s.log.Error("binance stream stopped", zap.Error(err))
			}
		}()
	})
}

func (s *Stream) unsubscribe(key string) { s.control("UNSUBSCRIBE", []string{key}) }

// control sends SUBSCRIBE/UNSUBSCRIBE. While disconnected the message is
// skipped: OnConnect replays the full set on the next dial.
func (s *Stream) control(method string, params []string) {
	err := s.conn.WriteJSON(map[string]any{
		"method": method,
		"params": params,
		"id":     s.conn.NextID(),
	})
	if err != nil && !errors.Is(err, wsconn.ErrNotConnected) {
		s.log.Warn("binance control message failed",
			zap.String("method", method),
			zap.Strings("params", params),
			zap.Error(err),
		)
	}
}

// -----------------------------------------------------------------------------
// wsconn.Handler
// -----------------------------------------------------------------------------

// OnConnect replays every active stream on the fresh connection.
func (s *Stream) OnConnect(_ context.Context, c *wsconn.Conn) error {
	keys := append(append(s.bars.Keys(), s.trades.Keys()...), s.depth.Keys()...)
	if len(keys) == 0 {
		return nil
	}
	s.log.Info("binance: subscribing", zap.Strings("streams", keys))
	return c.WriteJSON(map[string]any{"method": "SUBSCRIBE", "params": keys, "id": c.NextID()})
}

type envelope struct {
	Event  string          `json:"e"`
	Symbol string          `json:"s"`
	ID     *uint64         `json:"id"`
	Error  json.RawMessage `json:"error"`
}

type klineEvent struct {
	Kline struct {
		OpenTime int64  `json:"t"`
		Interval string `json:"i"`
		Open     string `json:"o"`
		High     string `json:"h"`
		Low      string `json:"l"`
		Close    string `json:"c"`
		Volume   string `json:"v"`
		Closed   bool   `json:"x"`
	} `json:"k"`
}

type tradeEvent struct {
	TradeID      int64  `json:"t"`
	Price        string `json:"p"`
	Quantity     string `json:"q"`
	TradeTime    int64  `json:"T"`
	BuyerIsMaker bool   `json:"m"`
}

type depthEvent struct {
	EventTime int64       `json:"E"`
	Bids      [][2]string `json:"b"`
	Asks      [][2]string `json:"a"`
}

// OnMessage routes one push frame by its event type.
func (s *Stream) OnMessage(data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		s.parseError("envelope", data, err)
		return
	}
	sym := strings.ToLower(env.Symbol)

	switch env.Event {
	case eventKline:
		var ev klineEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.parseError(env.Event, data, err)
			return
		}
		if s.closedOnly && !ev.Kline.Closed {
			return
		}
		bar, err := parseKlineBar(ev)
		if err != nil {
			s.parseError(env.Event, data, err)
			return
		}
		s.bars.Dispatch(sym+"@kline_"+ev.Kline.Interval, bar)

	case eventTrade:
		var ev tradeEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.parseError(env.Event, data, err)
			return
		}
		tr, err := parseTrade(env.Symbol, ev)
		if err != nil {
			s.parseError(env.Event, data, err)
			return
		}
		s.trades.Dispatch(sym+"@trade", tr)

	case eventDepth:
		var ev depthEvent
		if err := json.Unmarshal(data, &ev); err != nil {
			s.parseError(env.Event, data, err)
			return
		}
		upd, err := parseDepth(env.Symbol, ev)
		if err != nil {
			s.parseError(env.Event, data, err)
			return
		}
		s.depth.Dispatch(sym+"@depth", upd)

	case "":
		// ответ на SUBSCRIBE/UNSUBSCRIBE: {"result":null,"id":1} или {"error":{...},"id":1}
		if len(env.Error) > 0 {
			s.log.Error("binance: control request rejected", zap.ByteString("error", env.Error))
		}

	default:
		s.log.Debug("binance: unsupported event type", zap.String("event_type", env.Event))
	}
}

func (s *Stream) parseError(kind string, data []byte, err error) {
	metrics.ParseErrors.WithLabelValues(Venue).Inc()
	s.log.Error("binance: failed to parse push message",
		zap.String("event_type", kind),
		zap.ByteString("raw", data),
		zap.Error(err),
	)
}

func parseKlineBar(ev klineEvent) (ohlcv.Bar, error) {
	k := ev.Kline
	vals := [5]float64{}
	for i, raw := range [5]string{k.Open, k.High, k.Low, k.Close, k.Volume} {
		v, err := venuehttp.ParseFloat(raw)
		if err != nil {
			return ohlcv.Bar{}, fmt.Errorf("%s: %w", ohlcv.Fields()[i+1], err)
		}
		vals[i] = v
	}
	return ohlcv.Bar{
		Timestamp: k.OpenTime,
		Open:      vals[0],
		High:      vals[1],
		Low:       vals[2],
		Close:     vals[3],
		Volume:    vals[4],
	}, nil
}

func parseTrade(symbol string, ev tradeEvent) (ohlcv.Trade, error) {
	price, err := venuehttp.ParseFloat(ev.Price)
	if err != nil {
		return ohlcv.Trade{}, fmt.Errorf("price: %w", err)
	}
	qty, err := venuehttp.ParseFloat(ev.Quantity)
	if err != nil {
		return ohlcv.Trade{}, fmt.Errorf("quantity: %w", err)
	}
	side := ohlcv.SideBuy
	if ev.BuyerIsMaker {
		side = ohlcv.SideSell
	}
	return ohlcv.Trade{
		Timestamp: ev.TradeTime,
		Symbol:    symbol,
		Price:     price,
		Quantity:  qty,
		TradeID:   fmt.Sprintf("%d", ev.TradeID),
		Side:      side,
	}, nil
}

func parseDepth(symbol string, ev depthEvent) (ohlcv.DepthUpdate, error) {
	bids, err := parseLevels(ev.Bids)
	if err != nil {
		return ohlcv.DepthUpdate{}, fmt.Errorf("bids: %w", err)
	}
	asks, err := parseLevels(ev.Asks)
	if err != nil {
		return ohlcv.DepthUpdate{}, fmt.Errorf("asks: %w", err)
	}
	return ohlcv.DepthUpdate{Timestamp: ev.EventTime, Symbol: symbol, Bids: bids, Asks: asks}, nil
}

func parseLevels(raw [][2]string) ([]ohlcv.Level, error) {
	out := make([]ohlcv.Level, 0, len(raw))
	for _, lv := range raw {
		p, err := venuehttp.ParseFloat(lv[0])
		if err != nil {
			return nil, err
		}
		q, err := venuehttp.ParseFloat(lv[1])
		if err != nil {
			return nil, err
		}
		out = append(out, ohlcv.Level{Price: p, Quantity: q})
	}
	return out, nil
}
