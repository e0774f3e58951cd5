package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

// ConsumerOptions controls what happens to a message the handler keeps failing on.
// Without a DLQ publisher, poison messages are logged and skipped.
type ConsumerOptions struct {
	ClientID     string
	DLQPublisher Publisher
	DLQTopic     string
	// MaxAttempts is how many times a transient failure is retried before the
	// message is dead-lettered. Zero means 3.
	MaxAttempts  int
	RetryBackoff time.Duration
}

type Consumer struct {
	group   sarama.ConsumerGroup
	logger  *slog.Logger
	options ConsumerOptions
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger, opts ConsumerOptions) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = 3
	}
	if opts.RetryBackoff <= 0 {
		opts.RetryBackoff = 500 * time.Millisecond
	}

	cfg := newSaramaConfig(opts.ClientID)
	cfg.Consumer.Group.Rebalance.Strategy = sarama.BalanceStrategyRange
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:   group,
		logger:  logger.With("consumer_group", groupID),
		options: opts,
	}, nil
}

// Consume blocks until ctx is done, rejoining the group after every rebalance.
func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.options.DLQPublisher,
		dlqTopic:     c.options.DLQTopic,
		retryTracker: newRetryTracker(c.options.MaxAttempts, 10*time.Minute),
		backoff:      c.options.RetryBackoff,
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			if errors.Is(err, sarama.ErrClosedConsumerGroup) {
				return nil
			}
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(2 * time.Second):
			}
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
	}
}

func (c *Consumer) Close() error {
	if c.group == nil {
		return nil
	}
	return c.group.Close()
}

type consumerGroupHandler struct {
	handler      MessageHandler
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	retryTracker *retryTracker
	backoff      time.Duration
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

// ConsumeClaim retries a transient failure in place, then dead-letters it.
// A *DLQError is dead-lettered on the first attempt.
func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	ctx := session.Context()
	for msg := range claim.Messages() {
		key := messageKey(msg)
		for {
			err := h.handler.HandleMessage(ctx, msg)
			if err == nil {
				h.retryTracker.forget(key)
				session.MarkMessage(msg, "")
				break
			}

			attempts := h.retryTracker.record(key)
			var dlqErr *DLQError
			if !errors.As(err, &dlqErr) {
				if attempts < h.retryTracker.limit() && ctx.Err() == nil {
					h.logger.Warn("kafka message handler failed, retrying", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "attempt", attempts, "error", err)
					h.sleep(ctx, attempts)
					continue
				}
				dlqErr = &DLQError{Err: err, Reason: "max_attempts"}
			}
			if ctx.Err() != nil {
				return nil
			}
			h.deadLetter(ctx, msg, dlqErr, attempts)
			h.retryTracker.forget(key)
			session.MarkMessage(msg, "")
			break
		}
	}
	return nil
}

func (h *consumerGroupHandler) sleep(ctx context.Context, attempt int) {
	if h.backoff <= 0 {
		return
	}
	select {
	case <-ctx.Done():
	case <-time.After(time.Duration(attempt) * h.backoff):
	}
}

func (h *consumerGroupHandler) deadLetter(ctx context.Context, msg *sarama.ConsumerMessage, err *DLQError, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Error("dropping kafka message", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "reason", err.Reason, "error", err.Err)
		return
	}
	payload := BuildDLQPayload(msg, err, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("publish dlq failed", "topic", h.dlqTopic, "original_topic", msg.Topic, "offset", msg.Offset, "error", pubErr)
		return
	}
	h.logger.Warn("kafka message dead-lettered", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "reason", err.Reason)
}

func messageKey(msg *sarama.ConsumerMessage) string {
	return msg.Topic + "/" + strconv.FormatInt(int64(msg.Partition), 10) + "/" + strconv.FormatInt(msg.Offset, 10)
}

// retryTracker counts attempts per message. Entries older than ttl are
// dropped so a rebalanced partition starts over.
type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	attempts    map[string]retryEntry
}

type retryEntry struct {
	count int
	first time.Time
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{maxAttempts: maxAttempts, ttl: ttl, attempts: make(map[string]retryEntry)}
}

func (t *retryTracker) limit() int {
	if t == nil {
		return 1
	}
	return t.maxAttempts
}

func (t *retryTracker) record(key string) int {
	if t == nil {
		return 1
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	now := time.Now()
	entry, ok := t.attempts[key]
	if !ok || (t.ttl > 0 && now.Sub(entry.first) > t.ttl) {
		entry = retryEntry{first: now}
	}
	entry.count++
	t.attempts[key] = entry
	return entry.count
}

func (t *retryTracker) forget(key string) {
	if t == nil {
		return
	}
	t.mu.Lock()
	delete(t.attempts, key)
	t.mu.Unlock()
}
