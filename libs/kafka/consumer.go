package kafka

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/IBM/sarama"
)

const (
	defaultMaxAttempts = 3
	defaultRetryTTL    = 10 * time.Minute
)

type MessageHandler interface {
	HandleMessage(ctx context.Context, msg *sarama.ConsumerMessage) error
}

type Consumer struct {
	group        sarama.ConsumerGroup
	logger       *slog.Logger
	dlqPublisher Publisher
	dlqTopic     string
	maxAttempts  int
}

func NewConsumer(brokers []string, groupID string, logger *slog.Logger) (*Consumer, error) {
	if len(brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	if groupID == "" {
		return nil, fmt.Errorf("kafka consumer group required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	cfg := sarama.NewConfig()
	cfg.Version = sarama.V3_7_0_0
	cfg.Consumer.Group.Rebalance.GroupStrategies = []sarama.BalanceStrategy{sarama.NewBalanceStrategyRange()}
	cfg.Consumer.Offsets.Initial = sarama.OffsetOldest
	cfg.Consumer.Group.Session.Timeout = 30 * time.Second
	cfg.Consumer.Group.Heartbeat.Interval = 3 * time.Second
	cfg.Consumer.Return.Errors = true

	group, err := sarama.NewConsumerGroup(brokers, groupID, cfg)
	if err != nil {
		return nil, fmt.Errorf("create kafka consumer group: %w", err)
	}

	return &Consumer{
		group:       group,
		logger:      logger,
		maxAttempts: defaultMaxAttempts,
	}, nil
}

// WithDLQ routes messages that fail permanently, or exhaust their attempts, to topic.
func (c *Consumer) WithDLQ(publisher Publisher, topic string) *Consumer {
	c.dlqPublisher = publisher
	c.dlqTopic = topic
	return c
}

func (c *Consumer) Consume(ctx context.Context, topics []string, handler MessageHandler) error {
	if handler == nil {
		return fmt.Errorf("message handler required")
	}

	cgHandler := &consumerGroupHandler{
		handler:      handler,
		logger:       c.logger,
		dlqPublisher: c.dlqPublisher,
		dlqTopic:     c.dlqTopic,
		retryTracker: newRetryTracker(c.maxAttempts, defaultRetryTTL),
	}

	for {
		if err := c.group.Consume(ctx, topics, cgHandler); err != nil {
			c.logger.Error("kafka consume error", "error", err)
			if ctx.Err() != nil {
				return ctx.Err()
			}
			time.Sleep(2 * time.Second)
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
}

func (h *consumerGroupHandler) Setup(_ sarama.ConsumerGroupSession) error   { return nil }
func (h *consumerGroupHandler) Cleanup(_ sarama.ConsumerGroupSession) error { return nil }

func (h *consumerGroupHandler) ConsumeClaim(session sarama.ConsumerGroupSession, claim sarama.ConsumerGroupClaim) error {
	for msg := range claim.Messages() {
		err := h.handler.HandleMessage(session.Context(), msg)
		if err == nil {
			h.retryTracker.clear(msg)
			session.MarkMessage(msg, "")
			continue
		}

		h.logger.Error("kafka message handler error", "topic", msg.Topic, "partition", msg.Partition, "offset", msg.Offset, "error", err)

		var dlqErr *DLQError
		permanent := errors.As(err, &dlqErr)
		attempts := h.retryTracker.record(msg)
		if !permanent && attempts < h.retryTracker.maxAttempts {
			continue
		}

		reason := "max_attempts"
		if permanent {
			reason = dlqErr.Reason
		}
		h.sendToDLQ(session.Context(), msg, err, reason, attempts)
		h.retryTracker.clear(msg)
		session.MarkMessage(msg, "")
	}
	return nil
}

func (h *consumerGroupHandler) sendToDLQ(ctx context.Context, msg *sarama.ConsumerMessage, err error, reason string, attempts int) {
	if h.dlqPublisher == nil || h.dlqTopic == "" {
		h.logger.Warn("dropping failed message without dlq", "topic", msg.Topic, "offset", msg.Offset)
		return
	}
	payload := BuildDLQPayload(msg, err, reason, attempts)
	if _, _, pubErr := h.dlqPublisher.PublishJSON(ctx, h.dlqTopic, string(msg.Key), payload); pubErr != nil {
		h.logger.Error("consumer dlq publish failed", "topic", h.dlqTopic, "error", pubErr)
	}
}

// retryTracker counts handler attempts per message offset.
type retryTracker struct {
	mu          sync.Mutex
	maxAttempts int
	ttl         time.Duration
	entries     map[string]retryEntry
}

type retryEntry struct {
	attempts int
	seen     time.Time
}

func newRetryTracker(maxAttempts int, ttl time.Duration) *retryTracker {
	if maxAttempts <= 0 {
		maxAttempts = 1
	}
	return &retryTracker{
		maxAttempts: maxAttempts,
		ttl:         ttl,
		entries:     make(map[string]retryEntry),
	}
}

func (r *retryTracker) key(msg *sarama.ConsumerMessage) string {
	return fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)
}

func (r *retryTracker) record(msg *sarama.ConsumerMessage) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	for k, e := range r.entries {
		if now.Sub(e.seen) > r.ttl {
			delete(r.entries, k)
		}
	}
	k := r.key(msg)
	e := r.entries[k]
	e.attempts++
	e.seen = now
	r.entries[k] = e
	return e.attempts
}

func (r *retryTracker) clear(msg *sarama.ConsumerMessage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, r.key(msg))
}
