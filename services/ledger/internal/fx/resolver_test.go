package fx

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/shopspring/decimal"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type fakeRateStore struct {
	mu       sync.Mutex
	rates    []storage.ExchangeRate
	lookups  int
	inserted  []storage.ExchangeRate
	err       error
	insertErr error
}

func (f *fakeRateStore) LatestRate(ctx context.Context, from, to string, since time.Time) (*storage.ExchangeRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return nil, f.err
	}
	var best *storage.ExchangeRate
	for i := range f.rates {
		r := f.rates[i]
		if r.FromCurrency == from && r.ToCurrency == to && !r.RecordedAt.Before(since) {
			if best == nil || r.RecordedAt.After(best.RecordedAt) {
				best = &r
			}
		}
	}
	if best == nil {
		return nil, storage.ErrNotFound
	}
	return best, nil
}

func (f *fakeRateStore) InsertRate(ctx context.Context, rate storage.ExchangeRate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return f.insertErr
	}
	f.inserted = append(f.inserted, rate)
	f.rates = append(f.rates, rate)
	return nil
}

type fakeProvider struct {
	name  string
	rate  decimal.Decimal
	err   error
	delay time.Duration
	calls int
}

func (p *fakeProvider) Name() string { return p.name }

func (p *fakeProvider) FetchLiveRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	p.calls++
	if p.delay > 0 {
		select {
		case <-time.After(p.delay):
		case <-ctx.Done():
			return decimal.Zero, ctx.Err()
		}
	}
	if p.err != nil {
		return decimal.Zero, p.err
	}
	return p.rate, nil
}

func newTestResolver(store RateStore, clock *fakeClock, providers ...Provider) *Resolver {
	return NewResolver(store, providers, DefaultStaticTable(), Config{
		CacheTTL:        time.Hour,
		HistoryWindow:   24 * time.Hour,
		ProviderTimeout: 50 * time.Millisecond,
		Now:             clock.Now,
	}, nil, nil)
}

func TestRateIdentityTouchesNoTier(t *testing.T) {
	store := &fakeRateStore{}
	provider := &fakeProvider{name: "p", rate: decimal.NewFromInt(2)}
	clock := &fakeClock{now: time.Now()}
	r := newTestResolver(store, clock, provider)

	for _, code := range []string{"CNY", "USD", "btc", "ZZZ"} {
		res := r.Resolve(context.Background(), code, code)
		if !res.Rate.Equal(decimal.NewFromInt(1)) || res.Tier != TierIdentity {
			t.Fatalf("expected identity for %s, got %+v", code, res)
		}
	}
	if store.lookups != 0 || provider.calls != 0 || r.cache.Len() != 0 {
		t.Fatalf("expected no tier interaction, got lookups=%d calls=%d cache=%d", store.lookups, provider.calls, r.cache.Len())
	}
}

func TestResolveTierOrder(t *testing.T) {
	clock := &fakeClock{now: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)}
	store := &fakeRateStore{rates: []storage.ExchangeRate{
		{FromCurrency: "USD", ToCurrency: "CNY", Rate: decimal.RequireFromString("7.10"), Source: "db", RecordedAt: clock.now.Add(-time.Hour)},
	}}
	provider := &fakeProvider{name: "live", rate: decimal.RequireFromString("7.25")}
	r := newTestResolver(store, clock, provider)
	ctx := context.Background()

	res := r.Resolve(ctx, "USD", "CNY")
	if res.Tier != TierHistory || !res.Rate.Equal(decimal.RequireFromString("7.10")) {
		t.Fatalf("expected history hit, got %+v", res)
	}
	res = r.Resolve(ctx, "USD", "CNY")
	if res.Tier != TierCache || !res.AsOf.Equal(clock.now.Add(-time.Hour)) {
		t.Fatalf("expected cache hit carrying the recorded time, got %+v", res)
	}
	if provider.calls != 0 {
		t.Fatalf("expected provider untouched, got %d calls", provider.calls)
	}

	// outside the history window and past the cache TTL the live tier answers
	clock.Advance(25 * time.Hour)
	res = r.Resolve(ctx, "USD", "CNY")
	if res.Tier != TierLive || !res.Rate.Equal(decimal.RequireFromString("7.25")) || res.Source != "live" {
		t.Fatalf("expected live hit, got %+v", res)
	}
	if len(store.inserted) != 1 || store.inserted[0].RateType != "mid" {
		t.Fatalf("expected live rate persisted, got %+v", store.inserted)
	}
	if rate, _, _, ok := r.cache.Get("USD", "CNY"); !ok || !rate.Equal(decimal.RequireFromString("7.25")) {
		t.Fatalf("expected live rate cached")
	}
}

func TestResolveFallsThroughProviders(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	failing := &fakeProvider{name: "down", err: errors.New("unavailable")}
	slow := &fakeProvider{name: "slow", rate: decimal.NewFromInt(9), delay: time.Second}
	good := &fakeProvider{name: "good", rate: decimal.RequireFromString("0.128")}
	r := newTestResolver(&fakeRateStore{}, clock, failing, slow, good)

	start := time.Now()
	res := r.Resolve(context.Background(), "HKD", "USD")
	if time.Since(start) > 500*time.Millisecond {
		t.Fatalf("expected slow provider to be bounded by timeout")
	}
	if res.Tier != TierLive || res.Source != "good" {
		t.Fatalf("expected third provider to answer, got %+v", res)
	}
	if failing.calls != 1 || slow.calls != 1 || good.calls != 1 {
		t.Fatalf("unexpected call counts %d %d %d", failing.calls, slow.calls, good.calls)
	}
}

func TestResolveStaticAndDefault(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := &fakeRateStore{err: errors.New("db down")}
	r := newTestResolver(store, clock, &fakeProvider{name: "down", err: errors.New("unavailable")})
	ctx := context.Background()

	res := r.Resolve(ctx, "usd", "cny")
	if res.Tier != TierStatic || !res.Rate.Equal(decimal.RequireFromString("7.2")) || !res.Degraded() {
		t.Fatalf("expected static direct rate, got %+v", res)
	}
	res = r.Resolve(ctx, "CNY", "HKD")
	if res.Tier != TierStatic || !res.Rate.Equal(decimal.NewFromInt(1).Div(decimal.RequireFromString("0.92"))) {
		t.Fatalf("expected static inverted rate, got %+v", res)
	}

	res = r.Resolve(ctx, "JPY", "CNY")
	if res.Tier != TierDefault || !res.Rate.Equal(decimal.NewFromInt(1)) {
		t.Fatalf("expected default 1.0, got %+v", res)
	}
	if _, err := r.StrictRate(ctx, "JPY", "CNY"); !errors.Is(err, ErrCurrencyUnsupported) {
		t.Fatalf("expected unsupported, got %v", err)
	}
	if rate, err := r.StrictRate(ctx, "USD", "CNY"); err != nil || !rate.Equal(decimal.RequireFromString("7.2")) {
		t.Fatalf("expected strict static rate, got %s %v", rate, err)
	}
}

func TestConvertRoundTrip(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	ctx := context.Background()
	amount := decimal.RequireFromString("1234.56")
	tolerance := decimal.RequireFromString("0.01")

	static := newTestResolver(nil, clock)
	live := newTestResolver(nil, clock, &fakeProvider{name: "live", rate: decimal.RequireFromString("0.1283")})

	for name, r := range map[string]*Resolver{"static": static, "live": live} {
		for _, pair := range [][2]string{{"USD", "HKD"}, {"BTC", "USD"}, {"CNY", "XAU"}} {
			there := r.Convert(ctx, amount, pair[0], pair[1])
			back := r.Convert(ctx, there, pair[1], pair[0])
			if back.Sub(amount).Abs().GreaterThan(tolerance) {
				t.Fatalf("%s round trip %s→%s→%s gave %s", name, pair[0], pair[1], pair[0], back)
			}
		}
	}
}

func TestObserveFeedsCache(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := &fakeRateStore{}
	r := newTestResolver(store, clock)
	ctx := context.Background()

	if err := r.Observe(ctx, storage.ExchangeRate{FromCurrency: "eur", ToCurrency: "cny", Rate: decimal.RequireFromString("7.8"), Source: "kafka"}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	res := r.Resolve(ctx, "EUR", "CNY")
	if res.Tier != TierCache || !res.Rate.Equal(decimal.RequireFromString("7.8")) {
		t.Fatalf("expected cached observed rate, got %+v", res)
	}
	if len(store.inserted) != 1 || store.inserted[0].RecordedAt.IsZero() {
		t.Fatalf("expected observed rate persisted with timestamp, got %+v", store.inserted)
	}
	if err := r.Observe(ctx, storage.ExchangeRate{FromCurrency: "EUR", ToCurrency: "CNY", Rate: decimal.Zero}); err == nil {
		t.Fatalf("expected error for zero rate")
	}
}

func TestObserveReturnsPersistFailure(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := &fakeRateStore{insertErr: errors.New("db down")}
	r := newTestResolver(store, clock)
	ctx := context.Background()

	err := r.Observe(ctx, storage.ExchangeRate{FromCurrency: "USD", ToCurrency: "CNY", Rate: decimal.RequireFromString("7.3"), Source: "kafka"})
	if !errors.Is(err, ErrRatePersist) {
		t.Fatalf("expected ErrRatePersist, got %v", err)
	}
	if r.cache.Len() != 0 {
		t.Fatalf("expected nothing cached after a failed write")
	}

	// live write-through keeps answering when the store is down
	live := newTestResolver(store, clock, &fakeProvider{name: "live", rate: decimal.RequireFromString("7.25")})
	if res := live.Resolve(ctx, "USD", "CNY"); res.Tier != TierLive {
		t.Fatalf("expected live answer despite store failure, got %+v", res)
	}
}

func TestObserveStaleRateNotCached(t *testing.T) {
	clock := &fakeClock{now: time.Date(2026, 10, 14, 12, 0, 0, 0, time.UTC)}
	store := &fakeRateStore{}
	r := newTestResolver(store, clock)
	ctx := context.Background()

	old := storage.ExchangeRate{FromCurrency: "USD", ToCurrency: "CNY", Rate: decimal.RequireFromString("7.21"), Source: "replay", RecordedAt: time.Date(2024, 5, 1, 8, 0, 0, 0, time.UTC)}
	if err := r.Observe(ctx, old); err != nil {
		t.Fatalf("observe: %v", err)
	}
	if len(store.inserted) != 1 {
		t.Fatalf("expected stale rate persisted, got %d inserts", len(store.inserted))
	}
	res := r.Resolve(ctx, "USD", "CNY")
	if res.Tier != TierStatic || !res.Degraded() {
		t.Fatalf("expected stale observation ignored, got %+v", res)
	}

	fresh := clock.now.Add(-10 * time.Minute)
	if err := r.Observe(ctx, storage.ExchangeRate{FromCurrency: "USD", ToCurrency: "CNY", Rate: decimal.RequireFromString("7.30"), Source: "feed", RecordedAt: fresh}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	late := clock.now.Add(-2 * time.Hour)
	if err := r.Observe(ctx, storage.ExchangeRate{FromCurrency: "USD", ToCurrency: "CNY", Rate: decimal.RequireFromString("7.00"), Source: "late", RecordedAt: late}); err != nil {
		t.Fatalf("observe: %v", err)
	}
	res = r.Resolve(ctx, "USD", "CNY")
	if res.Tier != TierCache || !res.Rate.Equal(decimal.RequireFromString("7.30")) || !res.AsOf.Equal(fresh) {
		t.Fatalf("expected fresher rate with its recorded time, got %+v", res)
	}
}

func TestResolveEmptyCodeSkipsProviders(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	store := &fakeRateStore{}
	provider := &fakeProvider{name: "p", rate: decimal.NewFromInt(2)}
	r := newTestResolver(store, clock, provider)
	ctx := context.Background()

	for _, pair := range [][2]string{{"", ""}, {"USD", ""}, {" ", "CNY"}} {
		res := r.Resolve(ctx, pair[0], pair[1])
		if res.Tier != TierDefault || !res.Rate.Equal(decimal.NewFromInt(1)) {
			t.Fatalf("expected default for %q/%q, got %+v", pair[0], pair[1], res)
		}
	}
	if provider.calls != 0 || store.lookups != 0 {
		t.Fatalf("expected no tier interaction, got calls=%d lookups=%d", provider.calls, store.lookups)
	}
	if _, err := r.StrictRate(ctx, "", "CNY"); !errors.Is(err, ErrCurrencyUnsupported) {
		t.Fatalf("expected unsupported for empty code, got %v", err)
	}
}

func TestRatesForBase(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := newTestResolver(nil, clock)

	rates := r.RatesFor(context.Background(), "cny", nil)
	if len(rates) != len(SupportedCurrencies) {
		t.Fatalf("expected %d rates, got %d", len(SupportedCurrencies), len(rates))
	}
	if !rates["CNY"].Rate.Equal(decimal.NewFromInt(1)) || !rates["BTC"].Rate.Equal(decimal.NewFromInt(500000)) {
		t.Fatalf("unexpected rates: %+v", rates)
	}
}

func TestResolveConcurrent(t *testing.T) {
	clock := &fakeClock{now: time.Now()}
	r := newTestResolver(&fakeRateStore{}, clock)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if i%2 == 0 {
				_ = r.Observe(ctx, storage.ExchangeRate{FromCurrency: "USD", ToCurrency: "CNY", Rate: decimal.NewFromInt(int64(7 + i%3))})
				return
			}
			if !r.Rate(ctx, "USD", "CNY").IsPositive() {
				t.Errorf("expected positive rate")
			}
		}(i)
	}
	wg.Wait()
}
