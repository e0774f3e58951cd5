// Package consumer feeds externally observed market data into the ledger.
package consumer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/IBM/sarama"
	"github.com/Leeelics/Folio/libs/kafka"
	"github.com/Leeelics/Folio/services/ledger/internal/fx"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/shopspring/decimal"
)

const RateObservedEventType = "fx.rate.observed"

type RateObservedEvent struct {
	kafka.Envelope
	FromCurrency string `json:"from_currency"`
	ToCurrency   string `json:"to_currency"`
	Rate         string `json:"rate"`
	RateType     string `json:"rate_type,omitempty"`
	Source       string `json:"source"`
	RecordedAt   string `json:"recorded_at,omitempty"`
}

func (e *RateObservedEvent) Validate() error {
	if err := e.Envelope.Validate(); err != nil {
		return err
	}
	if strings.TrimSpace(e.FromCurrency) == "" {
		return fmt.Errorf("from_currency is required")
	}
	if strings.TrimSpace(e.ToCurrency) == "" {
		return fmt.Errorf("to_currency is required")
	}
	if strings.TrimSpace(e.Rate) == "" {
		return fmt.Errorf("rate is required")
	}
	switch strings.ToLower(strings.TrimSpace(e.RateType)) {
	case "", "mid", "bid", "ask":
	default:
		return fmt.Errorf("rate_type must be mid, bid or ask")
	}
	return nil
}

// RateObserver is the part of fx.Resolver the consumer writes through.
type RateObserver interface {
	Observe(ctx context.Context, rate storage.ExchangeRate) error
}

type RateConsumer struct {
	rates  RateObserver
	logger *slog.Logger
}

func NewRateConsumer(rates RateObserver, logger *slog.Logger) *RateConsumer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RateConsumer{rates: rates, logger: logger}
}

// HandleMessage records one observed rate. Malformed or rejected events are
// returned as kafka.DLQError so they are dead-lettered instead of retried. A
// failed write to the rate store is returned as is and retried.
func (c *RateConsumer) HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error {
	if msg == nil {
		return kafka.DLQ(errors.New("nil kafka message"), "decode")
	}
	var event RateObservedEvent
	if err := kafka.DecodeEvent(msg.Value, RateObservedEventType, &event); err != nil {
		return err
	}

	rate, err := decimal.NewFromString(strings.TrimSpace(event.Rate))
	if err != nil || !rate.IsPositive() {
		return kafka.DLQ(fmt.Errorf("rate must be a positive decimal, got %q", event.Rate), "validate")
	}
	recordedAt := event.Timestamp
	if strings.TrimSpace(event.RecordedAt) != "" {
		if recordedAt, err = time.Parse(time.RFC3339Nano, event.RecordedAt); err != nil {
			return kafka.DLQ(fmt.Errorf("invalid recorded_at: %w", err), "validate")
		}
	}

	observed := storage.ExchangeRate{
		FromCurrency: event.FromCurrency,
		ToCurrency:   event.ToCurrency,
		Rate:         rate,
		RateType:     strings.ToLower(strings.TrimSpace(event.RateType)),
		Source:       event.Source,
		RecordedAt:   recordedAt.UTC(),
	}
	if err := c.rates.Observe(ctx, observed); err != nil {
		if errors.Is(err, fx.ErrRatePersist) {
			return err
		}
		return kafka.DLQ(err, "rejected")
	}
	c.logger.Debug("exchange rate observed", "from", observed.FromCurrency, "to", observed.ToCurrency, "rate", rate.String(), "source", event.Source, "event_id", event.EventID)
	return nil
}
