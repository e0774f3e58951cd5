package kafka

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"

	"github.com/IBM/sarama"
	"github.com/IBM/sarama/mocks"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

type stubPublisher struct {
	mu    sync.Mutex
	calls []publishCall
	err   error
}

type publishCall struct {
	topic string
	key   string
	value any
}

func (s *stubPublisher) PublishJSON(_ context.Context, topic, key string, value any) (int32, int64, error) {
	s.mu.Lock()
	s.calls = append(s.calls, publishCall{topic: topic, key: key, value: value})
	s.mu.Unlock()
	if s.err != nil {
		return 0, 0, s.err
	}
	return 0, 0, nil
}

func (s *stubPublisher) Close() error { return nil }

func TestDLQPublisherPublishesOnError(t *testing.T) {
	primary := &stubPublisher{err: errors.New("publish failed")}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	_, _, err := publisher.PublishJSON(context.Background(), "ledger.transactions", "acct-1", map[string]string{"id": "1"})
	if err == nil {
		t.Fatalf("expected publish error")
	}
	if len(dlq.calls) != 1 {
		t.Fatalf("expected dlq publish, got %d", len(dlq.calls))
	}
	if dlq.calls[0].topic != "dead_letter" {
		t.Fatalf("expected dlq topic, got %s", dlq.calls[0].topic)
	}
	payload, ok := dlq.calls[0].value.(DLQPublishPayload)
	if !ok {
		t.Fatalf("expected DLQPublishPayload, got %T", dlq.calls[0].value)
	}
	if payload.OriginalTopic != "ledger.transactions" || payload.Error == "" || payload.Payload == "" {
		t.Fatalf("unexpected dlq payload %+v", payload)
	}
}

func TestDLQPublisherSkipsOnSuccess(t *testing.T) {
	primary := &stubPublisher{}
	dlq := &stubPublisher{}
	publisher := NewDLQPublisher(primary, dlq, "dead_letter", slog.Default())

	if _, _, err := publisher.PublishJSON(context.Background(), "ledger.transactions", "acct-1", map[string]string{"id": "1"}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(dlq.calls) != 0 {
		t.Fatalf("expected no dlq publish, got %d", len(dlq.calls))
	}
}

func TestSyncProducerSetsEventTypeHeader(t *testing.T) {
	mock := mocks.NewSyncProducer(t, nil)
	mock.ExpectSendMessageWithMessageCheckerFunctionAndSucceed(func(msg *sarama.ProducerMessage) error {
		if msg.Topic != "ledger.cash" {
			return errors.New("wrong topic")
		}
		if len(msg.Headers) != 1 || string(msg.Headers[0].Value) != "cash.adjusted" {
			return errors.New("missing event_type header")
		}
		return nil
	})
	mock.ExpectSendMessageAndFail(sarama.ErrOutOfBrokers)

	registry := prometheus.NewRegistry()
	metrics := NewProducerMetrics(registry)
	producer := NewSyncProducerFrom(mock, slog.Default(), metrics)
	defer producer.Close()

	env, err := NewEnvelope("cash.adjusted", 1, "")
	if err != nil {
		t.Fatalf("envelope: %v", err)
	}
	event := struct {
		Envelope
		Amount string `json:"amount"`
	}{Envelope: env, Amount: "10"}

	if _, _, err := producer.PublishJSON(context.Background(), "ledger.cash", "acct-1", event); err != nil {
		t.Fatalf("publish: %v", err)
	}
	if _, _, err := producer.PublishJSON(context.Background(), "ledger.cash", "acct-1", event); !errors.Is(err, sarama.ErrOutOfBrokers) {
		t.Fatalf("expected broker error, got %v", err)
	}
	if got := testutil.ToFloat64(metrics.PublishTotal.WithLabelValues("ledger.cash", "error")); got != 1 {
		t.Fatalf("expected one failed publish counted, got %v", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, _, err := producer.PublishJSON(ctx, "ledger.cash", "acct-1", event); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected canceled context, got %v", err)
	}
}
