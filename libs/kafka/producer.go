package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/IBM/sarama"
	"github.com/prometheus/client_golang/prometheus"
)

// Publisher sends one JSON document keyed by vault owner. Messages that share
// a key land on the same partition, so per-vault order is preserved.
type Publisher interface {
	PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error)
	Close() error
}

var ErrNoPublisher = errors.New("kafka publisher not configured")

// ProducerConfig holds the knobs the vault binaries expose for publishing.
type ProducerConfig struct {
	Brokers      []string
	ClientID     string
	Retries      int
	RetryBackoff time.Duration
}

func (c ProducerConfig) sarama() *sarama.Config {
	sc := sarama.NewConfig()
	sc.Version = sarama.V3_7_0_0
	if c.ClientID != "" {
		sc.ClientID = c.ClientID
	}
	// Idempotent delivery needs acks from every replica and a single
	// in-flight request per broker.
	sc.Producer.Idempotent = true
	sc.Producer.RequiredAcks = sarama.WaitForAll
	sc.Net.MaxOpenRequests = 1
	sc.Producer.Return.Successes = true
	sc.Producer.Retry.Max = 5
	if c.Retries > 0 {
		sc.Producer.Retry.Max = c.Retries
	}
	sc.Producer.Retry.Backoff = 250 * time.Millisecond
	if c.RetryBackoff > 0 {
		sc.Producer.Retry.Backoff = c.RetryBackoff
	}
	return sc
}

type ProducerMetrics struct {
	Published *prometheus.CounterVec
	Latency   *prometheus.HistogramVec
}

func NewProducerMetrics(registry *prometheus.Registry) *ProducerMetrics {
	m := &ProducerMetrics{
		Published: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "vault_events_published_total",
			Help: "Vault events handed to Kafka by topic and outcome.",
		}, []string{"topic", "outcome"}),
		Latency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "vault_event_publish_seconds",
			Help:    "Time until Kafka acknowledged a vault event.",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		}, []string{"topic"}),
	}
	registry.MustRegister(m.Published, m.Latency)
	return m
}

func (m *ProducerMetrics) observe(topic string, started time.Time, err error) {
	if m == nil {
		return
	}
	outcome := "ok"
	if err != nil {
		outcome = "failed"
	}
	m.Published.WithLabelValues(topic, outcome).Inc()
	m.Latency.WithLabelValues(topic).Observe(time.Since(started).Seconds())
}

// Producer publishes vault events synchronously and waits for every replica
// to acknowledge them.
type Producer struct {
	sp      sarama.SyncProducer
	logger  *slog.Logger
	metrics *ProducerMetrics
	now     func() time.Time
}

func NewProducer(cfg ProducerConfig, logger *slog.Logger, metrics *ProducerMetrics) (*Producer, error) {
	if len(cfg.Brokers) == 0 {
		return nil, fmt.Errorf("kafka brokers required")
	}
	sp, err := sarama.NewSyncProducer(cfg.Brokers, cfg.sarama())
	if err != nil {
		return nil, fmt.Errorf("dial kafka brokers: %w", err)
	}
	return WrapProducer(sp, logger, metrics), nil
}

// WrapProducer builds a Producer on top of an existing sarama producer.
func WrapProducer(sp sarama.SyncProducer, logger *slog.Logger, metrics *ProducerMetrics) *Producer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Producer{sp: sp, logger: logger, metrics: metrics, now: time.Now}
}

func (p *Producer) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, 0, err
	}
	body, err := json.Marshal(value)
	if err != nil {
		return 0, 0, fmt.Errorf("encode %s event: %w", topic, err)
	}

	started := p.now()
	partition, offset, err := p.sp.SendMessage(&sarama.ProducerMessage{
		Topic:     topic,
		Key:       sarama.StringEncoder(key),
		Value:     sarama.ByteEncoder(body),
		Headers:   []sarama.RecordHeader{{Key: []byte("content-type"), Value: []byte("application/json")}},
		Timestamp: started.UTC(),
	})
	p.metrics.observe(topic, started, err)
	if err != nil {
		p.logger.Error("vault event not published", "topic", topic, "key", key, "error", err)
		return 0, 0, fmt.Errorf("publish to %s: %w", topic, err)
	}
	return partition, offset, nil
}

func (p *Producer) Close() error {
	if p == nil || p.sp == nil {
		return nil
	}
	return p.sp.Close()
}

// DeadLetter copies events that could not be published onto a dead letter
// topic. The original error is still returned so callers see the failure.
type DeadLetter struct {
	next   Publisher
	topic  string
	logger *slog.Logger
}

func WithDeadLetter(next Publisher, topic string, logger *slog.Logger) *DeadLetter {
	if logger == nil {
		logger = slog.Default()
	}
	return &DeadLetter{next: next, topic: topic, logger: logger}
}

func (d *DeadLetter) PublishJSON(ctx context.Context, topic, key string, value any) (int32, int64, error) {
	if d == nil || d.next == nil {
		return 0, 0, ErrNoPublisher
	}
	partition, offset, err := d.next.PublishJSON(ctx, topic, key, value)
	if err == nil || d.topic == "" || topic == d.topic {
		return partition, offset, err
	}
	parked := BuildPublishDLQPayload(topic, key, value, err, "publish_failed", 1)
	if _, _, dlqErr := d.next.PublishJSON(ctx, d.topic, key, parked); dlqErr != nil {
		d.logger.Error("dead letter publish failed", "topic", d.topic, "original_topic", topic, "error", dlqErr)
	}
	return partition, offset, err
}

func (d *DeadLetter) Close() error {
	if d == nil || d.next == nil {
		return nil
	}
	return d.next.Close()
}
