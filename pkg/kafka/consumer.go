// Package kafka provides Kafka producer and consumer clients backed by
// segmentio/kafka-go. The indexer consumes document events through a
// MessageHandler and announces finished commits through a Producer.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/Adithya-Monish-Kumar-K/ivtindex/pkg/config"
)

// MessageHandler processes one message. The offset is committed only when
// it returns nil.
type MessageHandler func(ctx context.Context, key []byte, value []byte) error

// messageReader is the part of *kafka.Reader the consume loop needs.
type messageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Consumer feeds the messages of one topic to a MessageHandler.
type Consumer struct {
	reader     messageReader
	handler    MessageHandler
	retryDelay time.Duration
	checkpoint func() bool
	finalFlush func() error
	held       []kafka.Message
	logger     *slog.Logger
}

type ConsumerOption func(*Consumer)

// WithCheckpoint holds handled messages and commits them together only
// once ready reports true. Use it when the handler buffers work that is
// not yet durable when it returns.
func WithCheckpoint(ready func() bool) ConsumerOption {
	return func(c *Consumer) { c.checkpoint = ready }
}

// WithFinalFlush runs flush when the consumer stops, before its last
// attempt to commit held messages.
func WithFinalFlush(flush func() error) ConsumerOption {
	return func(c *Consumer) { c.finalFlush = flush }
}

// NewConsumer creates a Consumer for topic in cfg's consumer group. A new
// group starts from the earliest retained offset so an index build sees
// every document still on the topic.
func NewConsumer(cfg config.KafkaConfig, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		Topic:       topic,
		GroupID:     cfg.ConsumerGroup,
		MinBytes:    1e3,
		MaxBytes:    10e6,
		StartOffset: kafka.FirstOffset,
	})
	return newConsumer(r, topic, handler, opts...)
}

func newConsumer(r messageReader, topic string, handler MessageHandler, opts ...ConsumerOption) *Consumer {
	c := &Consumer{
		reader:     r,
		handler:    handler,
		retryDelay: time.Second,
		logger:     slog.Default().With("component", "kafka-consumer", "topic", topic),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Start consumes until ctx is cancelled and then closes the reader. Fetch
// errors are retried after a short pause; a failed handler call leaves the
// offset uncommitted.
func (c *Consumer) Start(ctx context.Context) error {
	c.logger.Info("consumer started")
	defer c.reader.Close()
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				c.logger.Info("consumer stopping", "reason", ctx.Err())
				c.drain(ctx)
				return nil
			}
			c.logger.Error("failed to fetch message", "error", err)
			select {
			case <-ctx.Done():
			case <-time.After(c.retryDelay):
			}
			continue
		}
		c.process(ctx, msg)
	}
}

func (c *Consumer) process(ctx context.Context, msg kafka.Message) {
	log := c.logger.With("partition", msg.Partition, "offset", msg.Offset)
	if err := c.handler(ctx, msg.Key, msg.Value); err != nil {
		log.Error("failed to process message", "error", err)
		return
	}
	c.held = append(c.held, msg)
	if c.checkpoint != nil && !c.checkpoint() {
		return
	}
	c.commitHeld(ctx)
}

func (c *Consumer) commitHeld(ctx context.Context) {
	if len(c.held) == 0 {
		return
	}
	if err := c.reader.CommitMessages(ctx, c.held...); err != nil {
		c.logger.Error("failed to commit messages", "count", len(c.held), "error", err)
		return
	}
	c.held = c.held[:0]
}

// drain flushes and commits what it can after ctx has ended. Messages
// still held are left uncommitted and will be redelivered.
func (c *Consumer) drain(ctx context.Context) {
	if c.finalFlush != nil {
		if err := c.finalFlush(); err != nil {
			c.logger.Error("final flush failed", "error", err)
		}
	}
	if len(c.held) == 0 || (c.checkpoint != nil && !c.checkpoint()) {
		if len(c.held) > 0 {
			c.logger.Warn("leaving messages uncommitted", "count", len(c.held))
		}
		return
	}
	commitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	c.commitHeld(commitCtx)
}

// DecodeJSON unmarshals a message value into T.
func DecodeJSON[T any](value []byte) (T, error) {
	var result T
	if err := json.Unmarshal(value, &result); err != nil {
		return result, fmt.Errorf("decoding kafka message: %w", err)
	}
	return result, nil
}
