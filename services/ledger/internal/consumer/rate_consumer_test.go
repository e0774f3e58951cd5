package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/IBM/sarama"
	"github.com/Leeelics/Folio/libs/kafka"
	"github.com/Leeelics/Folio/services/ledger/internal/fx"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/shopspring/decimal"
)

func rateMessage(t *testing.T, mutate func(*RateObservedEvent)) *sarama.ConsumerMessage {
	t.Helper()
	env, err := kafka.NewEnvelope(RateObservedEventType, 1, "corr-1")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	event := RateObservedEvent{
		Envelope:     env,
		FromCurrency: "usd",
		ToCurrency:   "CNY",
		Rate:         "7.21",
		Source:       "feed",
		RecordedAt:   time.Now().UTC().Add(-time.Minute).Format(time.RFC3339Nano),
	}
	if mutate != nil {
		mutate(&event)
	}
	raw, err := json.Marshal(event)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	return &sarama.ConsumerMessage{Topic: "fx.rates", Value: raw}
}

func TestRateConsumerFeedsResolver(t *testing.T) {
	store := storage.NewMemoryStore()
	resolver := fx.NewResolver(store, nil, nil, fx.Config{CacheTTL: time.Hour}, slog.Default(), nil)
	consumer := NewRateConsumer(resolver, slog.Default())
	ctx := context.Background()

	if err := consumer.HandleMessage(ctx, rateMessage(t, nil)); err != nil {
		t.Fatalf("handle: %v", err)
	}

	res := resolver.Resolve(ctx, "USD", "CNY")
	if res.Tier != fx.TierCache || !res.Rate.Equal(decimal.RequireFromString("7.21")) {
		t.Fatalf("expected cached observed rate, got %+v", res)
	}
	inverse := resolver.Resolve(ctx, "CNY", "USD")
	if inverse.Tier != fx.TierCache {
		t.Fatalf("expected inverse to be cached, got %s", inverse.Tier)
	}

	if res.AsOf.IsZero() || time.Since(res.AsOf) < time.Minute {
		t.Fatalf("expected as-of to be the recorded time, got %s", res.AsOf)
	}

	stored, err := store.LatestRate(ctx, "USD", "CNY", time.Now().Add(-time.Hour))
	if err != nil {
		t.Fatalf("latest rate: %v", err)
	}
	if stored.Source != "feed" || stored.RateType != "mid" || !stored.RecordedAt.Equal(res.AsOf) {
		t.Fatalf("unexpected stored rate %+v", stored)
	}
}

func TestRateConsumerReplayedEventIsNotCached(t *testing.T) {
	store := storage.NewMemoryStore()
	resolver := fx.NewResolver(store, nil, nil, fx.Config{CacheTTL: time.Hour}, slog.Default(), nil)
	ctx := context.Background()

	msg := rateMessage(t, func(e *RateObservedEvent) { e.RecordedAt = "2024-05-01T08:00:00Z" })
	if err := NewRateConsumer(resolver, nil).HandleMessage(ctx, msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if _, err := store.LatestRate(ctx, "USD", "CNY", time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)); err != nil {
		t.Fatalf("expected replayed rate persisted: %v", err)
	}
	if res := resolver.Resolve(ctx, "USD", "CNY"); res.Tier == fx.TierCache {
		t.Fatalf("expected replayed rate kept out of the cache, got %+v", res)
	}
}

type failingRateStore struct {
	inserts int
}

func (f *failingRateStore) LatestRate(ctx context.Context, from, to string, since time.Time) (*storage.ExchangeRate, error) {
	return nil, storage.ErrNotFound
}

func (f *failingRateStore) InsertRate(ctx context.Context, rate storage.ExchangeRate) error {
	f.inserts++
	return errors.New("connection refused")
}

func TestRateConsumerRetriesStoreFailure(t *testing.T) {
	store := &failingRateStore{}
	resolver := fx.NewResolver(store, nil, nil, fx.Config{}, nil, nil)

	err := NewRateConsumer(resolver, nil).HandleMessage(context.Background(), rateMessage(t, nil))
	if err == nil {
		t.Fatalf("expected store failure to surface")
	}
	var dlqErr *kafka.DLQError
	if errors.As(err, &dlqErr) {
		t.Fatalf("expected retryable error, got DLQError %v", err)
	}
	if !errors.Is(err, fx.ErrRatePersist) || store.inserts != 1 {
		t.Fatalf("expected one failed insert wrapped in ErrRatePersist, got %v after %d inserts", err, store.inserts)
	}
}

type fakeObserver struct {
	observed []storage.ExchangeRate
	err      error
}

func (f *fakeObserver) Observe(ctx context.Context, rate storage.ExchangeRate) error {
	if f.err != nil {
		return f.err
	}
	f.observed = append(f.observed, rate)
	return nil
}

func TestRateConsumerDeadLettersBadEvents(t *testing.T) {
	cases := map[string]func(*RateObservedEvent){
		"missing from":  func(e *RateObservedEvent) { e.FromCurrency = "" },
		"bad rate":      func(e *RateObservedEvent) { e.Rate = "abc" },
		"negative rate": func(e *RateObservedEvent) { e.Rate = "-1" },
		"bad type":      func(e *RateObservedEvent) { e.RateType = "close" },
		"bad time":      func(e *RateObservedEvent) { e.RecordedAt = "yesterday" },
		"wrong event":   func(e *RateObservedEvent) { e.EventType = "trades.executed" },
	}
	for name, mutate := range cases {
		observer := &fakeObserver{}
		err := NewRateConsumer(observer, nil).HandleMessage(context.Background(), rateMessage(t, mutate))
		var dlqErr *kafka.DLQError
		if !errors.As(err, &dlqErr) {
			t.Fatalf("%s: expected DLQError, got %v", name, err)
		}
		if len(observer.observed) != 0 {
			t.Fatalf("%s: expected nothing observed", name)
		}
	}

	var dlqErr *kafka.DLQError
	if err := NewRateConsumer(&fakeObserver{}, nil).HandleMessage(context.Background(), &sarama.ConsumerMessage{}); !errors.As(err, &dlqErr) {
		t.Fatalf("expected empty message to be dead-lettered, got %v", err)
	}
}

func TestRateConsumerRejectedRate(t *testing.T) {
	observer := &fakeObserver{err: fx.ErrCurrencyUnsupported}
	err := NewRateConsumer(observer, nil).HandleMessage(context.Background(), rateMessage(t, nil))
	var dlqErr *kafka.DLQError
	if !errors.As(err, &dlqErr) || dlqErr.Reason != "rejected" || !errors.Is(err, fx.ErrCurrencyUnsupported) {
		t.Fatalf("expected rejected DLQError, got %v", err)
	}
}

func TestRateConsumerDefaultsRecordedAtToEnvelope(t *testing.T) {
	observer := &fakeObserver{}
	msg := rateMessage(t, func(e *RateObservedEvent) { e.RecordedAt = "" })
	if err := NewRateConsumer(observer, nil).HandleMessage(context.Background(), msg); err != nil {
		t.Fatalf("handle: %v", err)
	}
	if len(observer.observed) != 1 || observer.observed[0].RecordedAt.IsZero() {
		t.Fatalf("expected envelope timestamp used, got %+v", observer.observed)
	}
}
