// Package fx resolves currency conversion rates through a cache, persisted
// history, live providers and a static table, in that order.
package fx

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/shopspring/decimal"
)

type Tier int

const (
	TierIdentity Tier = iota
	TierCache
	TierHistory
	TierLive
	TierStatic
	TierDefault
)

func (t Tier) String() string {
	switch t {
	case TierIdentity:
		return "identity"
	case TierCache:
		return "cache"
	case TierHistory:
		return "history"
	case TierLive:
		return "live"
	case TierStatic:
		return "static"
	default:
		return "default"
	}
}

// ErrRatePersist wraps a store failure while recording an observed rate.
// The observation is worth retrying.
var ErrRatePersist = errors.New("persist exchange rate")

type RateStore interface {
	LatestRate(ctx context.Context, from, to string, since time.Time) (*storage.ExchangeRate, error)
	InsertRate(ctx context.Context, rate storage.ExchangeRate) error
}

type Resolution struct {
	From   string
	To     string
	Rate   decimal.Decimal
	Tier   Tier
	Source string
	AsOf   time.Time
}

// Degraded reports an approximate answer from the static table or the 1.0 default.
func (r Resolution) Degraded() bool { return r.Tier >= TierStatic }

type Config struct {
	CacheTTL        time.Duration
	HistoryWindow   time.Duration
	ProviderTimeout time.Duration
	Now             func() time.Time
}

type Resolver struct {
	cache     *Cache
	store     RateStore
	providers []Provider
	static    StaticTable
	window    time.Duration
	timeout   time.Duration
	now       func() time.Time
	logger    *slog.Logger
	metrics   *Metrics
}

func NewResolver(store RateStore, providers []Provider, static StaticTable, cfg Config, logger *slog.Logger, metrics *Metrics) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.HistoryWindow <= 0 {
		cfg.HistoryWindow = 24 * time.Hour
	}
	if cfg.ProviderTimeout <= 0 {
		cfg.ProviderTimeout = 5 * time.Second
	}
	if static == nil {
		static = DefaultStaticTable()
	}
	return &Resolver{
		cache:     NewCache(cfg.CacheTTL, cfg.Now),
		store:     store,
		providers: providers,
		static:    static,
		window:    cfg.HistoryWindow,
		timeout:   cfg.ProviderTimeout,
		now:       cfg.Now,
		logger:    logger,
		metrics:   metrics,
	}
}

// Rate never fails. When nothing answers it returns 1.0.
func (r *Resolver) Rate(ctx context.Context, from, to string) decimal.Decimal {
	return r.Resolve(ctx, from, to).Rate
}

// StrictRate is Rate that reports ErrCurrencyUnsupported instead of defaulting to 1.0.
func (r *Resolver) StrictRate(ctx context.Context, from, to string) (decimal.Decimal, error) {
	res := r.Resolve(ctx, from, to)
	if res.Tier == TierDefault {
		return decimal.Zero, fmt.Errorf("%w: %s/%s", ErrCurrencyUnsupported, res.From, res.To)
	}
	return res.Rate, nil
}

func (r *Resolver) Convert(ctx context.Context, amount decimal.Decimal, from, to string) decimal.Decimal {
	return amount.Mul(r.Rate(ctx, from, to))
}

func (r *Resolver) Resolve(ctx context.Context, from, to string) Resolution {
	from, to = normalize(from), normalize(to)
	res := Resolution{From: from, To: to, Rate: decimal.NewFromInt(1)}

	if from == "" || to == "" {
		r.logger.Warn("exchange rate requested for empty currency code", "from", from, "to", to)
		r.metrics.IncResolution(TierDefault)
		res.Tier = TierDefault
		return res
	}
	if from == to {
		res.Tier = TierIdentity
		return res
	}

	if rate, source, at, ok := r.cache.Get(from, to); ok {
		return r.resolved(res, TierCache, rate, source, at)
	}

	if rate, ok := r.fromHistory(ctx, from, to); ok {
		r.cache.Set(from, to, rate.Rate, rate.Source, rate.RecordedAt)
		return r.resolved(res, TierHistory, rate.Rate, rate.Source, rate.RecordedAt)
	}

	for _, p := range r.providers {
		rate, ok := r.fromProvider(ctx, p, from, to)
		if !ok {
			continue
		}
		now := r.now().UTC()
		live := storage.ExchangeRate{FromCurrency: from, ToCurrency: to, Rate: rate, Source: p.Name(), RecordedAt: now}
		if err := r.persist(ctx, live); err != nil {
			r.logger.Warn("persist exchange rate failed", "from", from, "to", to, "error", err)
		}
		r.remember(live)
		return r.resolved(res, TierLive, rate, p.Name(), now)
	}

	if rate, ok := r.static.Lookup(from, to); ok {
		return r.resolved(res, TierStatic, rate, "static", time.Time{})
	}

	r.logger.Error("exchange rate unresolved, defaulting to 1", "from", from, "to", to)
	r.metrics.IncResolution(TierDefault)
	res.Tier = TierDefault
	return res
}

func (r *Resolver) resolved(res Resolution, tier Tier, rate decimal.Decimal, source string, at time.Time) Resolution {
	r.metrics.IncResolution(tier)
	res.Tier = tier
	res.Rate = rate
	res.Source = source
	res.AsOf = at
	return res
}

func (r *Resolver) fromHistory(ctx context.Context, from, to string) (*storage.ExchangeRate, bool) {
	if r.store == nil {
		return nil, false
	}
	rate, err := r.store.LatestRate(ctx, from, to, r.now().Add(-r.window))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			r.logger.Warn("rate history lookup failed", "from", from, "to", to, "error", err)
		}
		return nil, false
	}
	if !rate.Rate.IsPositive() {
		return nil, false
	}
	return rate, true
}

func (r *Resolver) fromProvider(ctx context.Context, p Provider, from, to string) (decimal.Decimal, bool) {
	callCtx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	start := time.Now()
	rate, err := p.FetchLiveRate(callCtx, from, to)
	switch {
	case errors.Is(err, ErrPairNotServed):
		return decimal.Zero, false
	case err != nil:
		r.metrics.ObserveProviderCall(p.Name(), "error", time.Since(start))
		r.logger.Debug("live rate fetch failed", "provider", p.Name(), "from", from, "to", to, "error", err)
		return decimal.Zero, false
	case !rate.IsPositive():
		r.metrics.ObserveProviderCall(p.Name(), "invalid", time.Since(start))
		return decimal.Zero, false
	}
	r.metrics.ObserveProviderCall(p.Name(), "success", time.Since(start))
	return rate, true
}

// Observe records a rate seen outside the resolver, such as a market data
// event. It is always persisted. It is cached only while it is inside the
// history window and newer than what the cache already holds for the pair,
// so a replayed or late event cannot shadow a fresher rate. A store failure
// is returned wrapped in ErrRatePersist.
func (r *Resolver) Observe(ctx context.Context, rate storage.ExchangeRate) error {
	rate.FromCurrency = normalize(rate.FromCurrency)
	rate.ToCurrency = normalize(rate.ToCurrency)
	if rate.FromCurrency == "" || rate.ToCurrency == "" || rate.FromCurrency == rate.ToCurrency {
		return fmt.Errorf("%w: %s/%s", ErrCurrencyUnsupported, rate.FromCurrency, rate.ToCurrency)
	}
	if !rate.Rate.IsPositive() {
		return fmt.Errorf("rate must be positive")
	}
	now := r.now().UTC()
	if rate.RecordedAt.IsZero() {
		rate.RecordedAt = now
	}
	if err := r.persist(ctx, rate); err != nil {
		return fmt.Errorf("%w %s/%s: %w", ErrRatePersist, rate.FromCurrency, rate.ToCurrency, err)
	}

	if rate.RecordedAt.Before(now.Add(-r.window)) {
		r.logger.Debug("observed rate outside history window, not cached", "from", rate.FromCurrency, "to", rate.ToCurrency, "recorded_at", rate.RecordedAt)
		return nil
	}
	if _, _, at, ok := r.cache.Get(rate.FromCurrency, rate.ToCurrency); ok && at.After(rate.RecordedAt) {
		return nil
	}
	r.remember(rate)
	return nil
}

func (r *Resolver) persist(ctx context.Context, rate storage.ExchangeRate) error {
	if r.store == nil {
		return nil
	}
	if rate.RateType == "" {
		rate.RateType = "mid"
	}
	return r.store.InsertRate(ctx, rate)
}

// remember caches a rate together with its inverse, so a conversion and its
// reverse use the same snapshot.
func (r *Resolver) remember(rate storage.ExchangeRate) {
	r.cache.Set(rate.FromCurrency, rate.ToCurrency, rate.Rate, rate.Source, rate.RecordedAt)
	r.cache.Set(rate.ToCurrency, rate.FromCurrency, decimal.NewFromInt(1).Div(rate.Rate), rate.Source, rate.RecordedAt)
}

// RatesFor resolves every currency into base. A nil list means SupportedCurrencies.
func (r *Resolver) RatesFor(ctx context.Context, base string, currencies []string) map[string]Resolution {
	if currencies == nil {
		currencies = SupportedCurrencies
	}
	base = normalize(base)
	out := make(map[string]Resolution, len(currencies)+1)
	out[base] = Resolution{From: base, To: base, Rate: decimal.NewFromInt(1), Tier: TierIdentity}
	for _, code := range currencies {
		code = normalize(code)
		if _, done := out[code]; done {
			continue
		}
		out[code] = r.Resolve(ctx, code, base)
	}
	return out
}
