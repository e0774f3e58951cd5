package quote

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type stubFetcher struct {
	quote Quote
	err   error
	calls int
}

func (s *stubFetcher) FetchQuote(ctx context.Context, symbol, market string) (Quote, error) {
	s.calls++
	if s.err != nil {
		return Quote{}, s.err
	}
	q := s.quote
	q.Symbol = symbol
	q.Market = market
	return q, nil
}

func newRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	s, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	client := redis.NewClient(&redis.Options{Addr: s.Addr()})
	t.Cleanup(func() {
		_ = client.Close()
		s.Close()
	})
	return s, client
}

func TestRedisCacheServesFreshEntry(t *testing.T) {
	_, client := newRedis(t)
	inner := &stubFetcher{quote: Quote{Price: decimal.RequireFromString("187.5"), Timestamp: time.Now().UTC()}}
	cache := NewRedisCache(client, inner, time.Minute, "test:", nil)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		q, err := cache.FetchQuote(ctx, "AAPL", "US")
		if err != nil {
			t.Fatalf("fetch: %v", err)
		}
		if !q.Price.Equal(decimal.RequireFromString("187.5")) || q.Stale {
			t.Fatalf("unexpected quote %+v", q)
		}
	}
	if inner.calls != 1 {
		t.Fatalf("expected one upstream call, got %d", inner.calls)
	}
}

func TestRedisCacheFallsBackToLastKnown(t *testing.T) {
	s, client := newRedis(t)
	inner := &stubFetcher{quote: Quote{Price: decimal.RequireFromString("10"), Timestamp: time.Now().UTC()}}
	cache := NewRedisCache(client, inner, time.Minute, "test:", nil)
	ctx := context.Background()

	if _, err := cache.FetchQuote(ctx, "0700", "HK"); err != nil {
		t.Fatalf("prime: %v", err)
	}

	s.FastForward(2 * time.Minute)
	inner.err = errors.New("upstream down")

	q, err := cache.FetchQuote(ctx, "0700", "HK")
	if err != nil {
		t.Fatalf("expected last known quote, got %v", err)
	}
	if !q.Stale || !q.Price.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("expected stale last known price, got %+v", q)
	}
	if inner.calls != 2 {
		t.Fatalf("expected upstream retried after ttl, got %d", inner.calls)
	}
}

func TestRedisCacheMissPropagatesError(t *testing.T) {
	_, client := newRedis(t)
	upstream := errors.New("upstream down")
	cache := NewRedisCache(client, &stubFetcher{err: upstream}, time.Minute, "", nil)

	_, err := cache.FetchQuote(context.Background(), "MSFT", "US")
	if !errors.Is(err, upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}

func TestFetchResult(t *testing.T) {
	ctx := context.Background()
	if res := Fetch(ctx, nil, "AAPL", "US"); res.OK() {
		t.Fatalf("expected unavailable without fetcher")
	}
	if res := Fetch(ctx, &stubFetcher{err: errors.New("boom")}, "AAPL", "US"); res.OK() || res.Reason != "boom" {
		t.Fatalf("expected unavailable with reason, got %+v", res)
	}
	if res := Fetch(ctx, &stubFetcher{quote: Quote{Price: decimal.Zero}}, "AAPL", "US"); res.OK() {
		t.Fatalf("expected zero price to be unavailable")
	}
	res := Fetch(ctx, &stubFetcher{quote: Quote{Price: decimal.NewFromInt(3)}}, "AAPL", "US")
	if !res.OK() || res.Status != StatusAvailable || !res.Quote.Price.Equal(decimal.NewFromInt(3)) {
		t.Fatalf("expected available quote, got %+v", res)
	}
}

func TestYahooFetcher(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v8/finance/chart/0700.HK" {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"chart":{"result":[{"meta":{"currency":"HKD","regularMarketPrice":301.2,"regularMarketTime":1714550400}}]}}`))
	}))
	defer srv.Close()

	f := NewYahooFetcher(srv.URL, srv.Client())
	q, err := f.FetchQuote(context.Background(), "700", "hk")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !q.Price.Equal(decimal.RequireFromString("301.2")) || q.Currency != "HKD" || q.Timestamp.Unix() != 1714550400 {
		t.Fatalf("unexpected quote %+v", q)
	}
	if _, err := f.FetchQuote(context.Background(), "NOPE", "US"); err == nil {
		t.Fatalf("expected error for unknown ticker")
	}
}

func TestYahooSymbol(t *testing.T) {
	cases := map[[2]string]string{
		{"aapl", "US"}:    "AAPL",
		{"5", "HK"}:       "0005.HK",
		{"600519", "SH"}:  "600519.SS",
		{"000001", "SZ"}:  "000001.SZ",
		{"btc", "crypto"}: "BTC-USD",
	}
	for in, want := range cases {
		if got := YahooSymbol(in[0], in[1]); got != want {
			t.Fatalf("YahooSymbol(%q, %q) = %q, want %q", in[0], in[1], got, want)
		}
	}
}
