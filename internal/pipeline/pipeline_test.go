package pipeline

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

// -----------------------------------------------------------------------------
// Fakes
// -----------------------------------------------------------------------------

type published struct {
	Destination string
	Key         string
	Value       string
}

// recordingSink keeps every Publish and notes whether a subscription already
// existed at that moment.
type recordingSink struct {
	mu     sync.Mutex
	msgs   []published
	err    error
	onSend func()
}

func (s *recordingSink) Publish(_ context.Context, dest string, key, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.msgs = append(s.msgs, published{dest, string(key), string(value)})
	if s.onSend != nil {
		s.onSend()
	}
	return nil
}

func (s *recordingSink) Flush(time.Duration) error  { return nil }
func (s *recordingSink) Ping(context.Context) error { return nil }
func (s *recordingSink) Close() error               { return nil }

func (s *recordingSink) snapshot() []published {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]published(nil), s.msgs...)
}

type fakeHistorical struct {
	series   *ohlcv.Series
	err      error
	interval ohlcv.Interval
}

func (f *fakeHistorical) FetchHistoricalBars(_ context.Context, _ string, iv ohlcv.Interval) (*ohlcv.Series, error) {
	f.interval = iv
	return f.series, f.err
}

// fakeStream hands out a Fanout so tests can push bars synchronously.
type fakeStream struct {
	bars       *adapter.Fanout[ohlcv.Bar]
	trades     *adapter.Fanout[ohlcv.Trade]
	subscribed chan struct{}
	err        error
}

func newFakeStream() *fakeStream {
	return &fakeStream{
		bars:       adapter.NewFanout[ohlcv.Bar]("venueA", logger.NewNop()),
		trades:     adapter.NewFanout[ohlcv.Trade]("venueA", logger.NewNop()),
		subscribed: make(chan struct{}, 4),
	}
}

func (f *fakeStream) SubscribeOHLCV(_ context.Context, symbol string, iv ohlcv.Interval, fn func(ohlcv.Bar)) (adapter.Subscription, error) {
	if f.err != nil {
		return nil, f.err
	}
	sub, _ := f.bars.Add(symbol+"@"+string(iv), fn)
	f.subscribed <- struct{}{}
	return sub, nil
}

func (f *fakeStream) SubscribeTrades(_ context.Context, symbol string, fn func(ohlcv.Trade)) (adapter.Subscription, error) {
	sub, _ := f.trades.Add(symbol, fn)
	f.subscribed <- struct{}{}
	return sub, nil
}

func (f *fakeStream) SubscribeDepth(_ context.Context, symbol string, _ func(ohlcv.DepthUpdate)) (adapter.Subscription, error) {
	return adapter.Unsupported("venueA", ohlcv.KindDepth, symbol, logger.NewNop()), nil
}

func (f *fakeStream) Close() error { return nil }

func bars(ts ...int64) *ohlcv.Series {
	out := make([]ohlcv.Bar, len(ts))
	for i, t := range ts {
		out[i] = ohlcv.Bar{Timestamp: t, Open: 1, High: 2, Low: 0.5, Close: float64(i + 1), Volume: 10}
	}
	return ohlcv.SeriesFromBars(out)
}

func newTestPipeline(t *testing.T, d *adapter.Descriptor, s *recordingSink) *Pipeline {
	t.Helper()
	reg := adapter.NewRegistry()
	require.NoError(t, reg.Register(d))
	return New(reg, s, Config{DropStale: true}, logger.NewNop())
}

func runAsync(p *Pipeline, ctx context.Context, req Request) <-chan error {
	done := make(chan error, 1)
	go func() { done <- p.Run(ctx, req) }()
	return done
}

func waitSubscribed(t *testing.T, f *fakeStream) {
	t.Helper()
	select {
	case <-f.subscribed:
	case <-time.After(2 * time.Second):
		t.Fatal("live subscription not made")
	}
}

// -----------------------------------------------------------------------------
// Tests
// -----------------------------------------------------------------------------

func TestDestination(t *testing.T) {
	assert.Equal(t, "venueA.ohlcv.X.1m", Destination("venueA", "X", ohlcv.Interval1m))
	assert.Equal(t, "binance.trades.BTCUSDT", KindDestination("binance", ohlcv.KindTrades, "BTCUSDT", ""))
	assert.Equal(t, "okx.ohlcv.BTC-USDT.4h", KindDestination("okx", "", "BTC-USDT", ohlcv.Interval4h))
}

func TestRequestNormalize(t *testing.T) {
	r, err := Request{Venue: "v", Symbol: "X", Interval: ohlcv.Interval1m}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, ohlcv.KindOHLCV, r.Kind)
	assert.Equal(t, "v.ohlcv.X.1m", r.Destination)

	r, err = Request{Venue: "v", Symbol: "X", Interval: ohlcv.Interval1m, Destination: "custom"}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "custom", r.Destination)

	bad := []Request{
		{Symbol: "X", Interval: ohlcv.Interval1m},
		{Venue: "v", Interval: ohlcv.Interval1m},
		{Venue: "v", Symbol: "X", Interval: "2m"},
		{Venue: "v", Symbol: "X", Interval: ohlcv.Interval1m, Kind: "quotes"},
		{Venue: "v", Symbol: "X", Interval: ohlcv.Interval1h, BackfillInterval: ohlcv.Interval1h},
		{Venue: "v", Symbol: "X", Interval: ohlcv.Interval1h, BackfillInterval: "7m"},
	}
	for _, b := range bad {
		_, err := b.Normalize()
		assert.Error(t, err, "%+v", b)
	}

	// trades не требуют интервала
	r, err = Request{Venue: "v", Symbol: "X", Kind: ohlcv.KindTrades}.Normalize()
	require.NoError(t, err)
	assert.Equal(t, "v.trades.X", r.Destination)
}

// Two historical bars are published to "venueA.ohlcv.X.1m", keyed by their
// timestamps, before the live subscription is made; the live bar follows.
func TestRun_BackfillThenLive(t *testing.T) {
	stream := newFakeStream()
	s := &recordingSink{}
	var subscribedAtSend []int
	s.onSend = func() { subscribedAtSend = append(subscribedAtSend, stream.bars.Len("X@1m")) }

	p := newTestPipeline(t, &adapter.Descriptor{
		Venue:      "venueA",
		Historical: &fakeHistorical{series: bars(1000, 61000)},
		Stream:     stream,
	}, s)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(p, ctx, Request{Venue: "venueA", Symbol: "X", Interval: ohlcv.Interval1m})
	waitSubscribed(t, stream)

	msgs := s.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "venueA.ohlcv.X.1m", msgs[0].Destination)
	assert.Equal(t, "1000", msgs[0].Key)
	assert.Equal(t, "61000", msgs[1].Key)
	assert.Equal(t, []int{0, 0}, subscribedAtSend, "backfill precedes subscription")

	b, err := ohlcv.DecodeBar([]byte(msgs[1].Value))
	require.NoError(t, err)
	assert.Equal(t, ohlcv.Bar{Timestamp: 61000, Open: 1, High: 2, Low: 0.5, Close: 2, Volume: 10}, b)

	assert.Equal(t, 1, stream.bars.Dispatch("X@1m", ohlcv.Bar{Timestamp: 121000, Close: 3}))
	msgs = s.snapshot()
	require.Len(t, msgs, 3)
	assert.Equal(t, "121000", msgs[2].Key)

	require.Eventually(t, func() bool { return p.Streams()[0].Stage == StageLive }, 2*time.Second, 5*time.Millisecond)
	status := p.Streams()
	require.Len(t, status, 1)
	assert.Equal(t, 2, status[0].Backfilled)
	assert.Equal(t, int64(1), status[0].LiveEvents)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Zero(t, stream.bars.Len("X@1m"), "subscription removed on stop")
	assert.Equal(t, StageDone, p.Streams()[0].Stage)
}

func TestRun_UnsupportedVenue(t *testing.T) {
	s := &recordingSink{}
	p := newTestPipeline(t, &adapter.Descriptor{Venue: "venueA", Historical: &fakeHistorical{series: bars(1)}}, s)

	err := p.Run(context.Background(), Request{Venue: "venueB", Symbol: "X", Interval: ohlcv.Interval1m})
	var uErr *adapter.UnsupportedVenueError
	require.True(t, errors.As(err, &uErr))
	assert.Equal(t, "venueB", uErr.Venue)
	assert.Empty(t, s.snapshot())
	assert.Equal(t, StageFailed, p.Streams()[0].Stage)
}

func TestRun_FetchFailureIsVendorFetchError(t *testing.T) {
	cause := errors.New("http 401")
	stream := newFakeStream()
	p := newTestPipeline(t, &adapter.Descriptor{
		Venue:      "venueA",
		Historical: &fakeHistorical{err: cause},
		Stream:     stream,
	}, &recordingSink{})

	err := p.Run(context.Background(), Request{Venue: "venueA", Symbol: "X", Interval: ohlcv.Interval1m})
	var vErr *adapter.VendorFetchError
	require.True(t, errors.As(err, &vErr))
	assert.Equal(t, "venueA", vErr.Venue)
	assert.Equal(t, "X", vErr.Symbol)
	assert.ErrorIs(t, err, cause)
	assert.Zero(t, len(stream.subscribed), "no live subscription after failed backfill")
}

func TestRun_EmptyBackfillStillGoesLive(t *testing.T) {
	stream := newFakeStream()
	s := &recordingSink{}
	p := newTestPipeline(t, &adapter.Descriptor{
		Venue:      "venueA",
		Historical: &fakeHistorical{series: ohlcv.EmptySeries()},
		Stream:     stream,
	}, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(p, ctx, Request{Venue: "venueA", Symbol: "X", Interval: ohlcv.Interval1m})
	waitSubscribed(t, stream)
	assert.Empty(t, s.snapshot())

	stream.bars.Dispatch("X@1m", ohlcv.Bar{Timestamp: 5})
	assert.Len(t, s.snapshot(), 1)
	cancel()
	<-done
}

func TestRun_StreamlessVenueCompletesAfterBackfill(t *testing.T) {
	s := &recordingSink{}
	p := newTestPipeline(t, &adapter.Descriptor{
		Venue:      "venueA",
		Historical: &fakeHistorical{series: bars(3000, 1000, 2000)},
	}, s)

	err := p.Run(context.Background(), Request{Venue: "venueA", Symbol: "X", Interval: ohlcv.Interval1m})
	require.NoError(t, err)

	msgs := s.snapshot()
	require.Len(t, msgs, 3)
	// порядок серии сохраняется как есть
	assert.Equal(t, []string{"3000", "1000", "2000"}, []string{msgs[0].Key, msgs[1].Key, msgs[2].Key})
	assert.Equal(t, StageDone, p.Streams()[0].Stage)
	assert.Equal(t, int64(3000), p.Streams()[0].Watermark)
}

func TestRun_BackfillIntervalResamples(t *testing.T) {
	hist := &fakeHistorical{series: bars(0, 60_000, 120_000, 300_000)}
	s := &recordingSink{}
	p := newTestPipeline(t, &adapter.Descriptor{Venue: "venueA", Historical: hist}, s)

	err := p.Run(context.Background(), Request{
		Venue: "venueA", Symbol: "X", Interval: ohlcv.Interval5m, BackfillInterval: ohlcv.Interval1m,
	})
	require.NoError(t, err)
	assert.Equal(t, ohlcv.Interval1m, hist.interval, "history fetched at the finer interval")

	msgs := s.snapshot()
	require.Len(t, msgs, 2)
	assert.Equal(t, "0", msgs[0].Key)
	assert.Equal(t, "300000", msgs[1].Key)
	first, err := ohlcv.DecodeBar([]byte(msgs[0].Value))
	require.NoError(t, err)
	assert.Equal(t, 30.0, first.Volume)
	assert.Equal(t, 3.0, first.Close)
	assert.Equal(t, "venueA.ohlcv.X.5m", msgs[0].Destination)
}

func TestRun_StaleAndDuplicateLiveBars(t *testing.T) {
	stream := newFakeStream()
	s := &recordingSink{}
	p := newTestPipeline(t, &adapter.Descriptor{
		Venue:      "venueA",
		Historical: &fakeHistorical{series: bars(60_000, 120_000)},
		Stream:     stream,
	}, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(p, ctx, Request{Venue: "venueA", Symbol: "X", Interval: ohlcv.Interval1m})
	waitSubscribed(t, stream)

	stream.bars.Dispatch("X@1m", ohlcv.Bar{Timestamp: 60_000})  // stale
	stream.bars.Dispatch("X@1m", ohlcv.Bar{Timestamp: 120_000}) // in-progress update of the last bar
	stream.bars.Dispatch("X@1m", ohlcv.Bar{Timestamp: 180_000})

	msgs := s.snapshot()
	require.Len(t, msgs, 4)
	assert.Equal(t, "120000", msgs[2].Key)
	assert.Equal(t, "180000", msgs[3].Key)
	cancel()
	<-done
}

func TestRun_TradesRelayWithoutBackfill(t *testing.T) {
	stream := newFakeStream()
	hist := &fakeHistorical{series: bars(1)}
	s := &recordingSink{}
	p := newTestPipeline(t, &adapter.Descriptor{Venue: "venueA", Historical: hist, Stream: stream}, s)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := runAsync(p, ctx, Request{Venue: "venueA", Symbol: "X", Kind: ohlcv.KindTrades})
	waitSubscribed(t, stream)
	assert.Empty(t, hist.interval, "trades are not backfilled")

	stream.trades.Dispatch("X", ohlcv.Trade{Timestamp: 7, Symbol: "X", Price: 1, Quantity: 2, TradeID: "t1", Side: ohlcv.SideBuy})
	msgs := s.snapshot()
	require.Len(t, msgs, 1)
	assert.Equal(t, "venueA.trades.X", msgs[0].Destination)
	assert.Equal(t, "7", msgs[0].Key)
	assert.Contains(t, msgs[0].Value, `"trade_id":"t1"`)
	cancel()
	<-done
}

func TestRun_SubscribeFailure(t *testing.T) {
	stream := newFakeStream()
	stream.err = errors.New("session closed")
	p := newTestPipeline(t, &adapter.Descriptor{
		Venue:      "venueA",
		Historical: &fakeHistorical{series: ohlcv.EmptySeries()},
		Stream:     stream,
	}, &recordingSink{})

	err := p.Run(context.Background(), Request{Venue: "venueA", Symbol: "X", Interval: ohlcv.Interval1m})
	assert.EqualError(t, err, "session closed")
}

func TestBackfill_PublishErrorAborts(t *testing.T) {
	s := &recordingSink{err: errors.New("sink: closed")}
	p := newTestPipeline(t, &adapter.Descriptor{Venue: "venueA", Historical: &fakeHistorical{series: bars(1, 2)}}, s)
	d, err := p.Init(Request{Venue: "venueA"})
	require.NoError(t, err)

	n, _, _, err := p.Backfill(context.Background(), d, Request{Venue: "venueA", Symbol: "X", Interval: ohlcv.Interval1m, Destination: "d"})
	assert.Error(t, err)
	assert.Zero(t, n)
}
