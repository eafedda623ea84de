package broker

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// Handler processes one raw message payload. It reports whether the message
// reached a terminal state; false means it was abandoned mid-flight and the
// offset must not be committed, so the group redelivers it.
type Handler func(ctx context.Context, payload []byte) bool

// ConsumerConfig tunes the search-result reader.
type ConsumerConfig struct {
	Brokers []string
	Topic   string
	GroupID string
	// Workers bounds concurrent handler invocations.
	Workers        int
	MinBytes       int
	MaxBytes       int
	CommitInterval time.Duration
}

func (c *ConsumerConfig) applyDefaults() {
	if c.Workers == 0 {
		c.Workers = 16
	}
	if c.MinBytes == 0 {
		c.MinBytes = 1
	}
	if c.MaxBytes == 0 {
		c.MaxBytes = 10 << 20
	}
}

// readerAPI is the slice of kafka.Reader the consumer uses.
type readerAPI interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer reads search-result events and dispatches them to a bounded pool
// of handler goroutines. Offsets are committed only after the handler
// reports a terminal state, so a crash mid-scrape or a shutdown-abandoned
// item redelivers the message.
type Consumer struct {
	reader  readerAPI
	topic   string
	group   string
	handler Handler
	workers chan struct{}
	wg      sync.WaitGroup
	logger  *zap.Logger
}

// NewConsumer builds the reader for a consumer group.
func NewConsumer(cfg ConsumerConfig, handler Handler, logger *zap.Logger) *Consumer {
	cfg.applyDefaults()
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		Topic:          cfg.Topic,
		GroupID:        cfg.GroupID,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		CommitInterval: cfg.CommitInterval,
	})
	c := newWithReader(cfg, reader, handler, logger)
	return c
}

func newWithReader(cfg ConsumerConfig, reader readerAPI, handler Handler, logger *zap.Logger) *Consumer {
	cfg.applyDefaults()
	return &Consumer{
		reader:  reader,
		topic:   cfg.Topic,
		group:   cfg.GroupID,
		handler: handler,
		workers: make(chan struct{}, cfg.Workers),
		logger:  logger,
	}
}

// Run consumes until ctx is cancelled, then waits for in-flight handlers.
func (c *Consumer) Run(ctx context.Context) error {
	c.logger.Info("starting kafka consumer",
		zap.String("topic", c.topic),
		zap.String("group", c.group))
	defer c.wg.Wait()

	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, io.EOF) {
				c.logger.Info("stopping kafka consumer")
				return nil
			}
			return fmt.Errorf("fetch message: %w", err)
		}

		select {
		case c.workers <- struct{}{}:
		case <-ctx.Done():
			c.logger.Info("stopping kafka consumer")
			return nil
		}

		c.wg.Add(1)
		go func(msg kafka.Message) {
			defer c.wg.Done()
			defer func() { <-c.workers }()

			if !c.handler(ctx, msg.Value) {
				// Abandoned item: leave the offset uncommitted so the
				// group redelivers it after rebalance or restart.
				c.logger.Info("skipping offset commit for abandoned message",
					zap.Int64("offset", msg.Offset),
					zap.Int("partition", msg.Partition))
				return
			}

			// Commit with a fresh context so shutdown does not lose
			// work that already completed.
			commitCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			if err := c.reader.CommitMessages(commitCtx, msg); err != nil {
				c.logger.Error("commit offset",
					zap.Int64("offset", msg.Offset),
					zap.Int("partition", msg.Partition),
					zap.Error(err))
			}
		}(msg)
	}
}

// Close shuts the underlying reader down.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
