package broker

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/seya-ai/scraper-service/internal/model"
	"github.com/seya-ai/scraper-service/internal/scraper"
)

// KafkaDLQ publishes dead-letter events on a dedicated writer so a stalled
// completion topic cannot block failure reporting. Publishing is best effort;
// failures are logged and dropped.
type KafkaDLQ struct {
	writer *kafka.Writer
	logger *zap.Logger
}

// NewKafkaDLQ builds the dead-letter writer.
func NewKafkaDLQ(cfg ProducerConfig, logger *zap.Logger) *KafkaDLQ {
	cfg.applyDefaults()
	return &KafkaDLQ{
		writer: newWriter(cfg, cfg.DeadLetterTopic, logger),
		logger: logger,
	}
}

// Publish writes one dead-letter event.
func (d *KafkaDLQ) Publish(ctx context.Context, evt model.DeadLetterEvent) {
	body, err := json.Marshal(evt)
	if err != nil {
		d.logger.Error("marshal dead-letter event",
			zap.String("reason", string(evt.Reason)), zap.Error(err))
		return
	}
	msg := kafka.Message{Value: body}
	if evt.URL != "" {
		msg.Key = []byte(evt.URL)
	}
	if err := d.writer.WriteMessages(ctx, msg); err != nil {
		d.logger.Error("write dead-letter event",
			zap.String("reason", string(evt.Reason)),
			zap.String("url", evt.URL), zap.Error(err))
		return
	}
	d.logger.Debug("published dead-letter event",
		zap.String("reason", string(evt.Reason)), zap.String("url", evt.URL))
}

// Close flushes and closes the writer.
func (d *KafkaDLQ) Close() error {
	return d.writer.Close()
}

var _ scraper.DeadLetterSink = (*KafkaDLQ)(nil)
