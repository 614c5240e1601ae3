package oracle

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"PumpDumpBet/internal/config"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) (*Client, *httptest.Server) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	c := NewClient(&config.OracleConfig{
		BaseURL: srv.URL,
		Timeout: 2 * time.Second,
	}, logger)
	return c, srv
}

func TestFetchPriceSuccess(t *testing.T) {
	var gotPath string
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.Path
		w.Header().Set("Content-Type", "application/json")
		// pairs 按流动性排序，只取第一条
		_, _ = w.Write([]byte(`{"pairs":[{"priceUsd":"0.004217"},{"priceUsd":"0.004105"}]}`))
	})

	price, err := c.FetchPrice(context.Background(), "0xabc123")
	require.NoError(t, err)
	assert.True(t, price.Equal(decimal.RequireFromString("0.004217")))
	assert.Equal(t, "/latest/dex/tokens/0xabc123", gotPath)
}

func TestFetchPriceNoPairs(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pairs":[]}`))
	})

	_, err := c.FetchPrice(context.Background(), "0xabc123")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPriceNotAvailable)
}

func TestFetchPriceNullPairs(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pairs":null}`))
	})

	_, err := c.FetchPrice(context.Background(), "0xabc123")
	assert.ErrorIs(t, err, ErrPriceNotAvailable)
}

func TestFetchPriceServerError(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	})

	_, err := c.FetchPrice(context.Background(), "0xabc123")
	assert.ErrorIs(t, err, ErrPriceNotAvailable)
}

func TestFetchPriceMalformedPrice(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"pairs":[{"priceUsd":"not-a-number"}]}`))
	})

	_, err := c.FetchPrice(context.Background(), "0xabc123")
	assert.ErrorIs(t, err, ErrPriceNotAvailable)
}

func TestFetchPriceTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(200 * time.Millisecond)
		_, _ = w.Write([]byte(`{"pairs":[{"priceUsd":"1"}]}`))
	}))
	t.Cleanup(srv.Close)
	logger := logrus.New()
	logger.SetLevel(logrus.ErrorLevel)
	c := NewClient(&config.OracleConfig{
		BaseURL: srv.URL,
		Timeout: 20 * time.Millisecond,
	}, logger)

	_, err := c.FetchPrice(context.Background(), "0xabc123")
	assert.ErrorIs(t, err, ErrPriceNotAvailable)
}

func TestFetchPriceEmptyToken(t *testing.T) {
	c, _ := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {})

	_, err := c.FetchPrice(context.Background(), "  ")
	require.Error(t, err)
	// 参数错误不是价格源问题，不归入 ErrPriceNotAvailable
	assert.NotErrorIs(t, err, ErrPriceNotAvailable)
}
