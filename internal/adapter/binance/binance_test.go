package binance

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/venuehttp"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

const klinesBody = `[
 [1700000000000,"100.0","110.0","95.0","105.0","12.5",1700000059999,"0",10,"0","0","0"],
 [1700000060000,"105.0","106.0","101.0","102.5","3.25",1700000119999,"0",4,"0","0","0"]
]`

func TestStandardizeSymbol(t *testing.T) {
	for in, want := range map[string]string{
		"btcusdt":   "BTCUSDT",
		"BTC/USDT":  "BTCUSDT",
		" eth-usdt": "ETHUSDT",
		"sol_usdt":  "SOLUSDT",
	} {
		assert.Equal(t, want, StandardizeSymbol(in), in)
	}
	assert.Equal(t, "btcusdt", streamSymbol("BTC/USDT"))
}

func TestConfigApplyDefaults(t *testing.T) {
	var c Config
	c.ApplyDefaults()
	assert.Equal(t, DefaultRESTURL, c.RESTURL)
	assert.Equal(t, DefaultWSURL, c.WSURL)
	assert.Equal(t, 500, c.Limit)

	c = Config{Limit: 5000}
	c.ApplyDefaults()
	assert.Equal(t, maxLimit, c.Limit)
}

func TestHistorical_FetchKlines(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v3/klines", r.URL.Path)
		assert.Equal(t, "BTCUSDT", r.URL.Query().Get("symbol"))
		assert.Equal(t, "4h", r.URL.Query().Get("interval"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(klinesBody))
	}))
	defer srv.Close()

	h, err := NewHistorical(Config{RESTURL: srv.URL, Limit: 2}, srv.Client(), logger.NewNop())
	require.NoError(t, err)

	s, err := h.FetchHistoricalBars(context.Background(), "btc/usdt", ohlcv.Interval4h)
	require.NoError(t, err)
	require.Equal(t, 2, s.Len())
	assert.Equal(t, []int64{1700000000000, 1700000060000}, s.Timestamps())
	assert.Equal(t, []float64{100, 105}, s.Opens())
	assert.Equal(t, []float64{110, 106}, s.Highs())
	assert.Equal(t, []float64{95, 101}, s.Lows())
	assert.Equal(t, []float64{105, 102.5}, s.Closes())
	assert.Equal(t, []float64{12.5, 3.25}, s.Volumes())
}

func TestHistorical_EmptyAndErrors(t *testing.T) {
	var body string
	status := http.StatusOK
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	h, err := NewHistorical(Config{RESTURL: srv.URL}, srv.Client(), logger.NewNop())
	require.NoError(t, err)
	ctx := context.Background()

	body = `[]`
	s, err := h.FetchHistoricalBars(ctx, "BTCUSDT", ohlcv.Interval1m)
	require.NoError(t, err)
	assert.True(t, s.Empty())

	body = `[[1700000000000,"1","2"]]`
	_, err = h.FetchHistoricalBars(ctx, "BTCUSDT", ohlcv.Interval1m)
	assert.Error(t, err, "short row")

	body = `[[1700000000000,"x","2","3","4","5"]]`
	_, err = h.FetchHistoricalBars(ctx, "BTCUSDT", ohlcv.Interval1m)
	assert.Error(t, err, "bad number")

	status, body = http.StatusBadRequest, `{"code":-1121,"msg":"Invalid symbol."}`
	_, err = h.FetchHistoricalBars(ctx, "NOPE", ohlcv.Interval1m)
	var se *venuehttp.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusBadRequest, se.StatusCode)
}

// -----------------------------------------------------------------------------
// Stream
// -----------------------------------------------------------------------------

// fakeVenue is a minimal Binance WebSocket endpoint: it records control
// messages and pushes whatever the test queues on out.
type fakeVenue struct {
	srv     *httptest.Server
	mu      sync.Mutex
	control []string
	out     chan string
	gotCtl  chan struct{}
}

func newFakeVenue(t *testing.T) *fakeVenue {
	t.Helper()
	f := &fakeVenue{out: make(chan string, 16), gotCtl: make(chan struct{}, 16)}
	upg := websocket.Upgrader{}
	f.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		done := make(chan struct{})
		go func() {
			defer close(done)
			for {
				_, msg, err := conn.ReadMessage()
				if err != nil {
					return
				}
				f.mu.Lock()
				f.control = append(f.control, string(msg))
				f.mu.Unlock()
				f.gotCtl <- struct{}{}
			}
		}()
		for {
			select {
			case <-done:
				return
			case m := <-f.out:
				if err := conn.WriteMessage(websocket.TextMessage, []byte(m)); err != nil {
					return
				}
			}
		}
	}))
	t.Cleanup(f.srv.Close)
	return f
}

func (f *fakeVenue) url() string { return "ws" + strings.TrimPrefix(f.srv.URL, "http") }

func (f *fakeVenue) waitControl(t *testing.T, substr string) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		f.mu.Lock()
		for _, m := range f.control {
			if strings.Contains(m, substr) {
				f.mu.Unlock()
				return
			}
		}
		f.mu.Unlock()
		select {
		case <-f.gotCtl:
		case <-deadline:
			t.Fatalf("no control message containing %q", substr)
		}
	}
}

func newTestStream(t *testing.T, f *fakeVenue, closedOnly bool) *Stream {
	t.Helper()
	s, err := NewStream(Config{
		WSURL:      f.url(),
		ClosedOnly: closedOnly,
		Backoff:    backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond, RandomizationFactor: 0.01},
	}, logger.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStream_KlineFanoutInOrder(t *testing.T) {
	f := newFakeVenue(t)
	s := newTestStream(t, f, false)

	var mu sync.Mutex
	var order []string
	got := make(chan struct{}, 4)
	record := func(tag string) func(ohlcv.Bar) {
		return func(b ohlcv.Bar) {
			mu.Lock()
			order = append(order, tag)
			mu.Unlock()
			assert.Equal(t, int64(1700000000000), b.Timestamp)
			assert.Equal(t, 105.0, b.Close)
			got <- struct{}{}
		}
	}

	ctx := context.Background()
	_, err := s.SubscribeOHLCV(ctx, "BTCUSDT", ohlcv.Interval1m, record("first"))
	require.NoError(t, err)
	_, err = s.SubscribeOHLCV(ctx, "btc/usdt", ohlcv.Interval1m, record("second"))
	require.NoError(t, err)
	f.waitControl(t, "btcusdt@kline_1m")

	f.out <- `{"e":"kline","E":1,"s":"BTCUSDT","k":{"t":1700000000000,"i":"1m","o":"100","h":"110","l":"95","c":"105","v":"12","x":false}}`
	for i := 0; i < 2; i++ {
		select {
		case <-got:
		case <-time.After(2 * time.Second):
			t.Fatal("kline not delivered")
		}
	}
	mu.Lock()
	assert.Equal(t, []string{"first", "second"}, order)
	mu.Unlock()
}

func TestStream_ClosedOnlySkipsOpenKlines(t *testing.T) {
	f := newFakeVenue(t)
	s := newTestStream(t, f, true)

	got := make(chan ohlcv.Bar, 2)
	_, err := s.SubscribeOHLCV(context.Background(), "ETHUSDT", ohlcv.Interval5m, func(b ohlcv.Bar) { got <- b })
	require.NoError(t, err)
	f.waitControl(t, "ethusdt@kline_5m")

	f.out <- `{"e":"kline","s":"ETHUSDT","k":{"t":1,"i":"5m","o":"1","h":"1","l":"1","c":"1","v":"1","x":false}}`
	f.out <- `{"e":"kline","s":"ETHUSDT","k":{"t":2,"i":"5m","o":"2","h":"2","l":"2","c":"2","v":"2","x":true}}`

	select {
	case b := <-got:
		assert.Equal(t, int64(2), b.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("closed kline not delivered")
	}
}

func TestStream_TradesDepthAndUnsubscribe(t *testing.T) {
	f := newFakeVenue(t)
	s := newTestStream(t, f, false)
	ctx := context.Background()

	trades := make(chan ohlcv.Trade, 1)
	sub, err := s.SubscribeTrades(ctx, "BTCUSDT", func(tr ohlcv.Trade) { trades <- tr })
	require.NoError(t, err)
	depth := make(chan ohlcv.DepthUpdate, 1)
	_, err = s.SubscribeDepth(ctx, "BTCUSDT", func(d ohlcv.DepthUpdate) { depth <- d })
	require.NoError(t, err)
	f.waitControl(t, "btcusdt@depth")

	f.out <- `{"e":"trade","E":5,"s":"BTCUSDT","t":42,"p":"100.5","q":"0.25","T":1700000000001,"m":true}`
	select {
	case tr := <-trades:
		assert.Equal(t, "42", tr.TradeID)
		assert.Equal(t, ohlcv.SideSell, tr.Side)
		assert.Equal(t, 100.5, tr.Price)
		assert.Equal(t, int64(1700000000001), tr.Timestamp)
	case <-time.After(2 * time.Second):
		t.Fatal("trade not delivered")
	}

	f.out <- `{"e":"depthUpdate","E":1700000000002,"s":"BTCUSDT","b":[["99.0","1.5"]],"a":[["101.0","2"],["102.0","0"]]}`
	select {
	case d := <-depth:
		assert.Equal(t, []ohlcv.Level{{Price: 99, Quantity: 1.5}}, d.Bids)
		assert.Len(t, d.Asks, 2)
	case <-time.After(2 * time.Second):
		t.Fatal("depth not delivered")
	}

	sub.Unsubscribe()
	sub.Unsubscribe()
	f.waitControl(t, `"UNSUBSCRIBE"`)
	assert.Zero(t, s.trades.Len("btcusdt@trade"))
}

func TestStream_OnMessageDropsUnrouted(t *testing.T) {
	s, err := NewStream(Config{}, logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	// без подписок: событие отбрасывается, паники нет
	s.OnMessage([]byte(`{"e":"kline","s":"XRPUSDT","k":{"t":1,"i":"1m","o":"1","h":"1","l":"1","c":"1","v":"1","x":true}}`))
	s.OnMessage([]byte(`not json`))
	s.OnMessage([]byte(`{"result":null,"id":1}`))
}

func TestStream_CloseWithoutSubscriptions(t *testing.T) {
	s, err := NewStream(Config{}, logger.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.SubscribeOHLCV(context.Background(), "BTCUSDT", ohlcv.Interval1m, func(ohlcv.Bar) {})
	assert.Error(t, err)
}
