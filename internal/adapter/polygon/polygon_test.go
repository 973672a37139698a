package polygon

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/venuehttp"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/ohlcv"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

var fixedNow = time.Date(2024, 1, 2, 15, 0, 0, 0, time.UTC)

func newTestHistorical(t *testing.T, h http.HandlerFunc) *Historical {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	hist, err := NewHistorical(Config{RESTURL: srv.URL, APIKey: "secret", Limit: 2}, srv.Client(), logger.NewNop())
	require.NoError(t, err)
	hist.now = func() time.Time { return fixedNow }
	return hist
}

func TestFetch_AggregatesWindowAndAuth(t *testing.T) {
	from := fixedNow.Add(-2 * time.Hour).UnixMilli()
	h := newTestHistorical(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer secret", r.Header.Get("Authorization"))
		assert.Equal(t, "/v2/aggs/ticker/AAPL/range/1/hour/"+strconv.FormatInt(from, 10)+"/"+strconv.FormatInt(fixedNow.UnixMilli(), 10), r.URL.Path)
		assert.Equal(t, "asc", r.URL.Query().Get("sort"))
		assert.Equal(t, "2", r.URL.Query().Get("limit"))
		_, _ = w.Write([]byte(`{"ticker":"AAPL","status":"OK","resultsCount":2,"results":[
			{"v":1200,"vw":190.1,"o":190,"c":191,"h":192,"l":189.5,"t":1704204000000,"n":10},
			{"v":800,"vw":191.1,"o":191,"c":190.5,"h":191.5,"l":190,"t":1704207600000,"n":7}
		]}`))
	})

	s, err := h.FetchHistoricalBars(context.Background(), "aapl", ohlcv.Interval1h)
	require.NoError(t, err)
	assert.Equal(t, []int64{1704204000000, 1704207600000}, s.Timestamps())
	assert.Equal(t, []float64{191, 190.5}, s.Closes())
	assert.Equal(t, []float64{1200, 800}, s.Volumes())
}

func TestFetch_FourHourPassesThroughUnmapped(t *testing.T) {
	var path string
	h := newTestHistorical(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		_, _ = w.Write([]byte(`{"status":"OK","resultsCount":0}`))
	})
	assert.False(t, h.intervals.Mapped(ohlcv.Interval4h))

	s, err := h.FetchHistoricalBars(context.Background(), "AAPL", ohlcv.Interval4h)
	require.NoError(t, err)
	assert.True(t, s.Empty(), "no results is an empty series")
	assert.Contains(t, path, "/range/4h/")
}

func TestFetch_Errors(t *testing.T) {
	status, body := http.StatusOK, `{"status":"ERROR","error":"Unknown API Key"}`
	h := newTestHistorical(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	})

	_, err := h.FetchHistoricalBars(context.Background(), "AAPL", ohlcv.Interval1d)
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.Equal(t, "Unknown API Key", apiErr.Msg)

	status, body = http.StatusForbidden, `{"status":"NOT_AUTHORIZED"}`
	_, err = h.FetchHistoricalBars(context.Background(), "AAPL", ohlcv.Interval1d)
	var se *venuehttp.StatusError
	require.True(t, errors.As(err, &se))
	assert.Equal(t, http.StatusForbidden, se.StatusCode)
}

func TestNew_HistoryOnly(t *testing.T) {
	d, err := New(Config{}, logger.NewNop())
	require.NoError(t, err)
	assert.Equal(t, Venue, d.Venue)
	assert.NotNil(t, d.Historical)
	assert.Nil(t, d.Stream)
}
