package okx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

func TestStandardizeSymbol(t *testing.T) {
	for in, want := range map[string]string{
		"btc/usdt": "BTC-USDT",
		"BTC-USDT": "BTC-USDT",
		"eth_usdc": "ETH-USDC",
		"ETHBTC":   "ETH-BTC",
		"solusdt":  "SOL-USDT",
		"USDT":     "USDT",
	} {
		assert.Equal(t, want, StandardizeSymbol(in), in)
	}
}

func TestNativeIntervals(t *testing.T) {
	tbl := newIntervalTable(logger.NewNop())
	for _, iv := range ohlcv.Intervals() {
		assert.True(t, tbl.Mapped(iv), iv)
	}
	assert.Equal(t, "1H", tbl.Native(ohlcv.Interval1h))
	assert.Equal(t, "1Dutc", tbl.Native(ohlcv.Interval1d))
}

func TestHistorical_FetchCandlesNewestFirst(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v5/market/candles", r.URL.Path)
		assert.Equal(t, "BTC-USDT", r.URL.Query().Get("instId"))
		assert.Equal(t, "4H", r.URL.Query().Get("bar"))
		assert.Equal(t, "300", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"code":"0","msg":"","data":[
			["1700014400000","105","106","101","102.5","3.25","0","0","0"],
			["1700000000000","100","110","95","105","12.5","0","0","1"]
		]}`))
	}))
	defer srv.Close()

	h, err := NewHistorical(Config{RESTURL: srv.URL}, srv.Client(), logger.NewNop())
	require.NoError(t, err)
	s, err := h.FetchHistoricalBars(context.Background(), "BTCUSDT", ohlcv.Interval4h)
	require.NoError(t, err)
	assert.Equal(t, []int64{1700000000000, 1700014400000}, s.Timestamps())
	assert.Equal(t, []float64{100, 105}, s.Opens())
	assert.Equal(t, []float64{12.5, 3.25}, s.Volumes())
}

func TestHistorical_APIErrorAndEmpty(t *testing.T) {
	body := `{"code":"51001","msg":"Instrument ID does not exist","data":[]}`
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(body))
	}))
	defer srv.Close()

	h, err := NewHistorical(Config{RESTURL: srv.URL}, srv.Client(), logger.NewNop())
	require.NoError(t, err)

	_, err = h.FetchHistoricalBars(context.Background(), "NOPE", ohlcv.Interval1m)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "51001", apiErr.Code)

	body = `{"code":"0","msg":"","data":[]}`
	s, err := h.FetchHistoricalBars(context.Background(), "BTC-USDT", ohlcv.Interval1m)
	require.NoError(t, err)
	assert.True(t, s.Empty())
}

func TestStream_UnsupportedCapabilitiesAreNoOps(t *testing.T) {
	s, err := NewStream(Config{}, logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	called := false
	sub, err := s.SubscribeTrades(context.Background(), "BTC-USDT", func(ohlcv.Trade) { called = true })
	require.NoError(t, err)
	require.NotNil(t, sub)
	sub.Unsubscribe()

	sub, err = s.SubscribeDepth(context.Background(), "BTC-USDT", func(ohlcv.DepthUpdate) { called = true })
	require.NoError(t, err)
	sub.Unsubscribe()
	assert.False(t, called)
}

func TestStream_CandlePushAndUnsubscribe(t *testing.T) {
	control := make(chan string, 16)
	push := make(chan string, 4)
	upg := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upg.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		go func() {
			for m := range push {
				if conn.WriteMessage(websocket.TextMessage, []byte(m)) != nil {
					return
				}
			}
		}()
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if string(msg) == "ping" {
				continue
			}
			control <- string(msg)
		}
	}))
	defer srv.Close()

	s, err := NewStream(Config{
		WSURL:      "ws" + strings.TrimPrefix(srv.URL, "http"),
		ClosedOnly: true,
		Backoff:    backoff.Config{InitialInterval: time.Millisecond, Multiplier: 1, MaxInterval: time.Millisecond, RandomizationFactor: 0.01},
	}, logger.NewNop())
	require.NoError(t, err)
	defer s.Close()

	got := make(chan ohlcv.Bar, 2)
	sub, err := s.SubscribeOHLCV(context.Background(), "btc/usdt", ohlcv.Interval1m, func(b ohlcv.Bar) { got <- b })
	require.NoError(t, err)

	select {
	case m := <-control:
		assert.JSONEq(t, `{"op":"subscribe","args":[{"channel":"candle1m","instId":"BTC-USDT"}]}`, m)
	case <-time.After(2 * time.Second):
		t.Fatal("no subscribe sent")
	}

	push <- `{"event":"subscribe","arg":{"channel":"candle1m","instId":"BTC-USDT"},"connId":"a"}`
	push <- `{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[["1700000000000","1","2","0.5","1.5","10","0","0","0"]]}`
	push <- `{"arg":{"channel":"candle1m","instId":"BTC-USDT"},"data":[["1700000060000","1.5","2","1","1.8","4","0","0","1"]]}`

	select {
	case b := <-got:
		assert.Equal(t, int64(1700000060000), b.Timestamp, "unconfirmed candle skipped")
		assert.Equal(t, 1.8, b.Close)
	case <-time.After(2 * time.Second):
		t.Fatal("candle not delivered")
	}

	sub.Unsubscribe()
	select {
	case m := <-control:
		assert.Contains(t, m, `"op":"unsubscribe"`)
	case <-time.After(2 * time.Second):
		t.Fatal("no unsubscribe sent")
	}
	close(push)
}
