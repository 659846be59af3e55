// Package consumer ingests activity events from Kafka into ClickHouse.
// Payloads are decoded, validated and assigned monotonic log ids before
// hitting the batch writer; invalid payloads land in quarantine instead of
// being dropped.
package consumer

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/segmentio/kafka-go"

	"sentinel-ueba/internal/schema"
	"sentinel-ueba/internal/storage"
)

// Config holds the consumer configuration.
type Config struct {
	Brokers        []string      `yaml:"brokers"`
	Topic          string        `yaml:"topic"`
	ConsumerGroup  string        `yaml:"consumer_group"`
	MinBytes       int           `yaml:"min_bytes"`
	MaxBytes       int           `yaml:"max_bytes"`
	MaxWait        time.Duration `yaml:"max_wait"`
	CommitInterval time.Duration `yaml:"commit_interval"`
	ShutdownWait   time.Duration `yaml:"shutdown_wait"`
}

// DefaultConfig returns the default consumer configuration.
func DefaultConfig() Config {
	return Config{
		Brokers:        []string{"localhost:9092"},
		Topic:          "activity-events",
		ConsumerGroup:  "sentinel-ueba",
		MinBytes:       1,
		MaxBytes:       10 << 20,
		MaxWait:        500 * time.Millisecond,
		CommitInterval: time.Second,
		ShutdownWait:   30 * time.Second,
	}
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if len(c.Brokers) == 0 {
		return errors.New("consumer: at least one broker is required")
	}
	if c.Topic == "" {
		return errors.New("consumer: topic is required")
	}
	if c.ConsumerGroup == "" {
		return errors.New("consumer: consumer group is required")
	}
	return nil
}

// Consumer reads activity payloads from Kafka and writes them to storage.
type Consumer struct {
	reader      *kafka.Reader
	validator   *schema.Validator
	allocator   *storage.LogIDAllocator
	batchWriter *storage.BatchWriter
	quarantine  *storage.QuarantineWriter
	config      Config
	logger      *slog.Logger

	cancel  context.CancelFunc
	wg      sync.WaitGroup
	started atomic.Bool
	closed  atomic.Bool

	// Metrics
	consumed    uint64
	quarantined uint64
	errors      uint64
}

// New creates a Consumer.
func New(cfg Config, validator *schema.Validator, allocator *storage.LogIDAllocator,
	bw *storage.BatchWriter, qw *storage.QuarantineWriter, logger *slog.Logger) (*Consumer, error) {

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        cfg.Brokers,
		GroupID:        cfg.ConsumerGroup,
		Topic:          cfg.Topic,
		MinBytes:       cfg.MinBytes,
		MaxBytes:       cfg.MaxBytes,
		MaxWait:        cfg.MaxWait,
		CommitInterval: cfg.CommitInterval,
		ReadBackoffMin: 100 * time.Millisecond,
		ReadBackoffMax: time.Second,
		ErrorLogger: kafka.LoggerFunc(func(msg string, args ...interface{}) {
			logger.Error(fmt.Sprintf(msg, args...), "component", "kafka-reader")
		}),
	})

	c := &Consumer{
		reader:      reader,
		validator:   validator,
		allocator:   allocator,
		batchWriter: bw,
		quarantine:  qw,
		config:      cfg,
		logger:      logger,
	}

	logger.Info("kafka consumer initialized",
		"brokers", cfg.Brokers,
		"topic", cfg.Topic,
		"group", cfg.ConsumerGroup,
	)

	return c, nil
}

// Start begins consuming messages. Blocks until ctx is cancelled or Stop is
// called.
func (c *Consumer) Start(ctx context.Context) error {
	if c.started.Swap(true) {
		return errors.New("consumer: already started")
	}

	ctx, c.cancel = context.WithCancel(ctx)

	c.wg.Add(1)
	defer c.wg.Done()

	c.logger.Info("consumer started", "topic", c.config.Topic)
	return c.consumeLoop(ctx)
}

func (c *Consumer) consumeLoop(ctx context.Context) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			atomic.AddUint64(&c.errors, 1)
			c.logger.Error("failed to fetch message", "error", err, "topic", c.config.Topic)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
				continue
			}
		}

		if err := c.handleMessage(ctx, msg.Value); err != nil {
			// Storage failures must not advance the offset; the payload
			// would be lost otherwise.
			atomic.AddUint64(&c.errors, 1)
			c.logger.Error("failed to process message",
				"error", err,
				"partition", msg.Partition,
				"offset", msg.Offset,
			)
			continue
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			c.logger.Error("failed to commit offset", "error", err, "offset", msg.Offset)
		}
	}
}

// prepare decodes and validates a payload. On failure it returns a
// quarantine entry instead of an event.
func (c *Consumer) prepare(raw []byte) (*schema.ActivityEvent, *storage.QuarantineEntry) {
	var event schema.ActivityEvent
	if err := json.Unmarshal(raw, &event); err != nil {
		return nil, &storage.QuarantineEntry{
			RawEvent:         string(raw),
			SourceTopic:      c.config.Topic,
			ValidationErrors: []string{err.Error()},
			ErrorCode:        "DECODE_ERROR",
		}
	}

	event.ActionType = strings.ToLower(event.ActionType)

	if err := c.validator.Validate(&event); err != nil {
		return nil, &storage.QuarantineEntry{
			RawEvent:         string(raw),
			SourceTopic:      c.config.Topic,
			ValidationErrors: []string{err.Error()},
			ErrorCode:        "VALIDATION_ERROR",
		}
	}

	return &event, nil
}

// handleMessage decodes, validates and stores a single payload.
func (c *Consumer) handleMessage(ctx context.Context, raw []byte) error {
	event, bad := c.prepare(raw)
	if bad != nil {
		atomic.AddUint64(&c.quarantined, 1)
		return c.quarantine.Write(ctx, bad)
	}

	event.LogID = c.allocator.Next()
	event.IsFlagged = false

	if err := c.batchWriter.Write(event); err != nil {
		return err
	}

	atomic.AddUint64(&c.consumed, 1)
	return nil
}

// Stop gracefully stops the consumer and flushes pending writes.
func (c *Consumer) Stop() error {
	if c.closed.Swap(true) {
		return nil
	}

	c.logger.Info("stopping consumer",
		"consumed", atomic.LoadUint64(&c.consumed),
		"quarantined", atomic.LoadUint64(&c.quarantined),
	)

	if c.cancel != nil {
		c.cancel()
	}

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(c.config.ShutdownWait):
		c.logger.Warn("consumer shutdown timed out")
	}

	if err := c.batchWriter.Flush(); err != nil {
		c.logger.Error("final flush failed", "error", err)
	}

	if err := c.reader.Close(); err != nil {
		return fmt.Errorf("consumer: failed to close reader: %w", err)
	}
	return nil
}

// Metrics returns consumer statistics.
func (c *Consumer) Metrics() Metrics {
	return Metrics{
		Consumed:    atomic.LoadUint64(&c.consumed),
		Quarantined: atomic.LoadUint64(&c.quarantined),
		Errors:      atomic.LoadUint64(&c.errors),
	}
}

// Metrics holds consumer statistics.
type Metrics struct {
	Consumed    uint64 `json:"consumed"`
	Quarantined uint64 `json:"quarantined"`
	Errors      uint64 `json:"errors"`
}
