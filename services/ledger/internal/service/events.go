package service

import (
	"context"
	"log/slog"
	"time"

	"github.com/Leeelics/Folio/libs/kafka"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
)

const (
	EventTransactionRecorded = "transaction.recorded"
	EventTransactionUpdated  = "transaction.updated"
	EventTransactionDeleted  = "transaction.deleted"
	EventCashAdjusted        = "cash.adjusted"
)

type EventTopics struct {
	Transactions string
	Cash         string
}

type TransactionEvent struct {
	kafka.Envelope
	AccountID     string `json:"account_id"`
	TransactionID string `json:"transaction_id"`
	AssetType     string `json:"asset_type"`
	Symbol        string `json:"symbol"`
	Market        string `json:"market"`
	Type          string `json:"type"`
	Quantity      string `json:"quantity"`
	Price         string `json:"price"`
	Amount        string `json:"amount"`
	Fees          string `json:"fees"`
	Currency      string `json:"currency"`
	CashImpact    string `json:"cash_impact"`
	TradeDate     string `json:"trade_date"`
}

type CashAdjustedEvent struct {
	kafka.Envelope
	AccountID    string `json:"account_id"`
	FlowID       string `json:"flow_id"`
	Currency     string `json:"currency"`
	BalanceType  string `json:"balance_type"`
	FlowType     string `json:"flow_type"`
	Amount       string `json:"amount"`
	BalanceAfter string `json:"balance_after"`
	OccurredAt   string `json:"occurred_at"`
}

// eventPublisher emits ledger events after commit. Failures are logged and
// counted, the ledger state is already durable at that point.
type eventPublisher struct {
	publisher kafka.Publisher
	topics    EventTopics
	logger    *slog.Logger
	metrics   *Metrics
}

func (p *eventPublisher) enabled() bool {
	return p != nil && p.publisher != nil
}

func (p *eventPublisher) transaction(ctx context.Context, eventType string, txn storage.Transaction) {
	if !p.enabled() || p.topics.Transactions == "" {
		return
	}
	eventID := kafka.DeterministicEventID(eventType, txn.ID.String(), txn.UpdatedAt.UTC().Format(time.RFC3339Nano))
	env, err := kafka.NewEnvelopeWithID(eventID, eventType, 1, correlationID(ctx))
	if err != nil {
		p.logger.Error("build event envelope failed", "event", eventType, "error", err)
		return
	}
	payload := TransactionEvent{
		Envelope:      env,
		AccountID:     txn.AccountID.String(),
		TransactionID: txn.ID.String(),
		AssetType:     txn.AssetType,
		Symbol:        txn.Symbol,
		Market:        txn.Market,
		Type:          string(txn.Type),
		Quantity:      txn.Quantity.String(),
		Price:         txn.Price.String(),
		Amount:        txn.Amount.String(),
		Fees:          txn.Fees.String(),
		Currency:      txn.Currency,
		CashImpact:    txn.CashImpact.String(),
		TradeDate:     txn.TradeDate.UTC().Format(time.RFC3339),
	}
	p.publish(ctx, eventType, p.topics.Transactions, txn.AccountID.String(), payload)
}

func (p *eventPublisher) cashFlows(ctx context.Context, flows []storage.CashFlow) {
	if !p.enabled() || p.topics.Cash == "" {
		return
	}
	for _, flow := range flows {
		env, err := kafka.NewEnvelopeWithID(kafka.DeterministicEventID(EventCashAdjusted, flow.ID.String()), EventCashAdjusted, 1, correlationID(ctx))
		if err != nil {
			p.logger.Error("build event envelope failed", "event", EventCashAdjusted, "error", err)
			return
		}
		payload := CashAdjustedEvent{
			Envelope:     env,
			AccountID:    flow.AccountID.String(),
			FlowID:       flow.ID.String(),
			Currency:     flow.Currency,
			BalanceType:  string(flow.BalanceType),
			FlowType:     string(flow.FlowType),
			Amount:       flow.Amount.String(),
			BalanceAfter: flow.BalanceAfter.String(),
			OccurredAt:   flow.OccurredAt.UTC().Format(time.RFC3339Nano),
		}
		p.publish(ctx, EventCashAdjusted, p.topics.Cash, flow.AccountID.String(), payload)
	}
}

func (p *eventPublisher) publish(ctx context.Context, eventType, topic, key string, payload any) {
	if _, _, err := p.publisher.PublishJSON(ctx, topic, key, payload); err != nil {
		p.metrics.IncPublishFailure(eventType)
		p.logger.Error("publish ledger event failed", "event", eventType, "topic", topic, "error", err)
	}
}
