// Package broker connects the pipeline to Kafka: a consumer for search-result
// events and producers for completion and dead-letter events.
package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/segmentio/kafka-go/compress/lz4"
	"go.uber.org/zap"

	"github.com/seya-ai/scraper-service/internal/model"
	"github.com/seya-ai/scraper-service/internal/scraper"
)

// ProducerConfig covers both the result and dead-letter writers.
type ProducerConfig struct {
	Brokers         []string
	ResultTopic     string
	DeadLetterTopic string
	RequiredAcks    int
	WriteTimeout    time.Duration
}

func (c *ProducerConfig) applyDefaults() {
	if c.RequiredAcks == 0 {
		c.RequiredAcks = int(kafka.RequireOne)
	}
	if c.WriteTimeout == 0 {
		c.WriteTimeout = 10 * time.Second
	}
}

func newWriter(cfg ProducerConfig, topic string, logger *zap.Logger) *kafka.Writer {
	return &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		WriteTimeout: cfg.WriteTimeout,
		RequiredAcks: kafka.RequiredAcks(cfg.RequiredAcks),
		Compression:  kafka.Compression(new(lz4.Codec).Code()),
		Completion: func(_ []kafka.Message, err error) {
			if err != nil {
				logger.Error("kafka write completion", zap.String("topic", topic), zap.Error(err))
			}
		},
	}
}

// ResultProducer publishes scraper.fetched events, keyed by URL so repeated
// scrapes of a page land on the same partition.
type ResultProducer struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewResultProducer builds the completion-topic writer.
func NewResultProducer(cfg ProducerConfig, logger *zap.Logger) *ResultProducer {
	cfg.applyDefaults()
	return &ResultProducer{
		writer: newWriter(cfg, cfg.ResultTopic, logger),
		logger: logger,
	}
}

// PublishResult writes one completion event.
func (p *ResultProducer) PublishResult(ctx context.Context, evt model.ScraperFetchedEvent) error {
	body, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal result event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(evt.URL),
		Value: body,
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("write result event: %w", err)
	}
	p.logger.Debug("published result event",
		zap.String("url", evt.URL), zap.String("document_id", evt.DocumentID))
	return nil
}

// Close flushes and closes the writer.
func (p *ResultProducer) Close() error {
	return p.writer.Close()
}

var _ scraper.ResultPublisher = (*ResultProducer)(nil)
