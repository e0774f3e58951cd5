// Package service is the ledger core. It owns accounts, the per-currency
// cash sub-ledgers, holdings and the protocol that records a transaction
// against cash and holdings as one unit of work.
package service

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"time"

	"github.com/Leeelics/Folio/libs/kafka"
	"github.com/Leeelics/Folio/services/ledger/internal/fx"
	"github.com/Leeelics/Folio/services/ledger/internal/position"
	"github.com/Leeelics/Folio/services/ledger/internal/quote"
	"github.com/Leeelics/Folio/services/ledger/internal/storage"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	otelcodes "go.opentelemetry.io/otel/codes"
	oteltrace "go.opentelemetry.io/otel/trace"
)

const tracerName = "github.com/Leeelics/Folio/services/ledger/internal/service"

// RateResolver is the slice of fx.Resolver the ledger reads through.
type RateResolver interface {
	Resolve(ctx context.Context, from, to string) fx.Resolution
}

type Options struct {
	// OversellPolicy applies to record, update and delete. Rebuilds are always lenient.
	OversellPolicy position.Policy
	Publisher      kafka.Publisher
	Topics         EventTopics
	Now            func() time.Time
}

type LedgerService struct {
	store   storage.Store
	rates   RateResolver
	quotes  quote.Fetcher
	events  *eventPublisher
	policy  position.Policy
	now     func() time.Time
	tracer  oteltrace.Tracer
	logger  *slog.Logger
	metrics *Metrics
}

func NewLedgerService(store storage.Store, rates RateResolver, quotes quote.Fetcher, logger *slog.Logger, metrics *Metrics, opts Options) *LedgerService {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &LedgerService{
		store:  store,
		rates:  rates,
		quotes: quotes,
		events: &eventPublisher{
			publisher: opts.Publisher,
			topics:    opts.Topics,
			logger:    logger,
			metrics:   metrics,
		},
		policy:  opts.OversellPolicy,
		now:     opts.Now,
		tracer:  otel.Tracer(tracerName),
		logger:  logger,
		metrics: metrics,
	}
}

// begin opens a span for op and returns a func that records the outcome on
// the span and in metrics. Call it deferred with the named error result.
func (s *LedgerService) begin(ctx context.Context, op string, attrs ...attribute.KeyValue) (context.Context, func(*error)) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "ledger."+op, oteltrace.WithAttributes(attrs...))
	return ctx, func(errp *error) {
		statusLabel := "success"
		if errp != nil && *errp != nil {
			err := *errp
			statusLabel = "error"
			if kind, ok := KindOf(err); ok {
				statusLabel = string(kind)
			} else {
				s.logger.Error("ledger operation failed", "operation", op, "error", err)
			}
			span.RecordError(err)
			span.SetStatus(otelcodes.Error, statusLabel)
		}
		s.metrics.ObserveOperation(op, statusLabel, time.Since(start))
		span.End()
	}
}

func accountAttr(id uuid.UUID) attribute.KeyValue {
	return attribute.String("account.id", id.String())
}

func correlationID(ctx context.Context) string {
	sc := oteltrace.SpanContextFromContext(ctx)
	if sc.HasTraceID() {
		return sc.TraceID().String()
	}
	return ""
}

func (s *LedgerService) timestamp() time.Time {
	return s.now().UTC()
}

type CreateAccountRequest struct {
	Name          string
	AccountNumber string
	PlatformType  string
	Institution   string
	BaseCurrency  string
	Notes         string
}

// UpdateAccountRequest changes only the fields that are set.
type UpdateAccountRequest struct {
	Name          *string
	AccountNumber *string
	PlatformType  *string
	Institution   *string
	Notes         *string
	IsActive      *bool
}

func (s *LedgerService) CreateAccount(ctx context.Context, req CreateAccountRequest) (acct *storage.Account, err error) {
	ctx, done := s.begin(ctx, "create_account")
	defer func() { done(&err) }()

	name := strings.TrimSpace(req.Name)
	if name == "" {
		return nil, invalidArgument("name")
	}
	platform := strings.ToLower(strings.TrimSpace(req.PlatformType))
	if platform == "" {
		return nil, invalidArgument("platform_type")
	}
	base := req.BaseCurrency
	if strings.TrimSpace(base) == "" {
		base = "CNY"
	}
	base, err = normalizeCurrency(base)
	if err != nil {
		return nil, err
	}

	now := s.timestamp()
	acct = &storage.Account{
		ID:            uuid.New(),
		Name:          name,
		AccountNumber: strings.TrimSpace(req.AccountNumber),
		PlatformType:  platform,
		Institution:   strings.TrimSpace(req.Institution),
		BaseCurrency:  base,
		IsActive:      true,
		Notes:         req.Notes,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := s.store.CreateAccount(ctx, acct); err != nil {
		return nil, storeError(err, "account", acct.ID)
	}
	s.logger.Info("account created", "account_id", acct.ID.String(), "platform_type", platform, "base_currency", base)
	return acct, nil
}

func (s *LedgerService) GetAccount(ctx context.Context, id uuid.UUID) (*storage.Account, error) {
	acct, err := s.store.GetAccount(ctx, id)
	if err != nil {
		return nil, storeError(err, "account", id)
	}
	return acct, nil
}

func (s *LedgerService) ListAccounts(ctx context.Context, filter storage.AccountFilter) ([]storage.Account, error) {
	filter.PlatformType = strings.ToLower(strings.TrimSpace(filter.PlatformType))
	accounts, err := s.store.ListAccounts(ctx, filter)
	if err != nil {
		return nil, storeError(err, "account", nil)
	}
	return accounts, nil
}

// UpdateAccount edits account metadata. Setting IsActive to false is the soft delete.
func (s *LedgerService) UpdateAccount(ctx context.Context, id uuid.UUID, req UpdateAccountRequest) (acct *storage.Account, err error) {
	ctx, done := s.begin(ctx, "update_account", accountAttr(id))
	defer func() { done(&err) }()

	if req.Name != nil && strings.TrimSpace(*req.Name) == "" {
		return nil, invalidArgument("name")
	}
	if req.PlatformType != nil && strings.TrimSpace(*req.PlatformType) == "" {
		return nil, invalidArgument("platform_type")
	}

	var updated storage.Account
	err = s.store.InAccountTx(ctx, id, func(ctx context.Context, tx storage.Tx) error {
		updated = tx.Account()
		if req.Name != nil {
			updated.Name = strings.TrimSpace(*req.Name)
		}
		if req.AccountNumber != nil {
			updated.AccountNumber = strings.TrimSpace(*req.AccountNumber)
		}
		if req.PlatformType != nil {
			updated.PlatformType = strings.ToLower(strings.TrimSpace(*req.PlatformType))
		}
		if req.Institution != nil {
			updated.Institution = strings.TrimSpace(*req.Institution)
		}
		if req.Notes != nil {
			updated.Notes = *req.Notes
		}
		if req.IsActive != nil {
			updated.IsActive = *req.IsActive
		}
		updated.UpdatedAt = s.timestamp()
		return tx.UpdateAccount(ctx, updated)
	})
	if err != nil {
		return nil, storeError(err, "account", id)
	}
	return &updated, nil
}

// DeleteAccount removes the account and everything it owns. Confirmation is
// the caller's job.
func (s *LedgerService) DeleteAccount(ctx context.Context, id uuid.UUID) (err error) {
	ctx, done := s.begin(ctx, "delete_account", accountAttr(id))
	defer func() { done(&err) }()

	if err := s.store.DeleteAccount(ctx, id); err != nil {
		return storeError(err, "account", id)
	}
	s.logger.Warn("account deleted", "account_id", id.String())
	return nil
}

func requireActive(acct storage.Account) error {
	if !acct.IsActive {
		return &Error{Kind: KindAccountInactive, Entity: "account", ID: acct.ID.String()}
	}
	return nil
}

func isNotFound(err error) bool {
	return errors.Is(err, storage.ErrNotFound)
}
