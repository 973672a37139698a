// internal/sink/kafka.go
package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/IBM/sarama"
	"github.com/dnwe/otelsarama"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

var tracer = otel.Tracer("ohlcv/sink")

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// KafkaConfig groups all tunables for the Kafka async producer.
//
// Zero values are replaced with sane defaults by applyDefaults().
type KafkaConfig struct {
	// Brokers — список адресов Kafka-брокеров.
	Brokers []string `mapstructure:"brokers"`

	// RequiredAcks: "all" (дефолт) | "leader" | "none".
	RequiredAcks string `mapstructure:"acks"`

	// Timeout — максимальное время ожидания ack от кластера.
	Timeout time.Duration `mapstructure:"timeout"`

	// Compression: "none" (дефолт), "gzip", "snappy", "lz4", "zstd".
	Compression string `mapstructure:"compression"`

	// FlushFrequency / FlushMessages — пороги смыва буфера. Ноль → disable.
	FlushFrequency time.Duration `mapstructure:"flush_frequency"`
	FlushMessages  int           `mapstructure:"flush_messages"`

	// BufferSize — ёмкость входного канала продьюсера. Ноль → 256.
	BufferSize int `mapstructure:"buffer_size"`

	// Backoff — стратегия ретраев подключения.
	Backoff backoff.Config `mapstructure:"backoff"`
}

func (c *KafkaConfig) applyDefaults() {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.RequiredAcks == "" {
		c.RequiredAcks = "all"
	}
	if c.Compression == "" {
		c.Compression = "none"
	}
	if c.BufferSize <= 0 {
		c.BufferSize = 256
	}
}

func (c KafkaConfig) validate() error {
	if len(c.Brokers) == 0 {
		return fmt.Errorf("kafka sink: brokers required")
	}
	return nil
}

func buildSaramaConfig(c KafkaConfig) (*sarama.Config, error) {
	sc := sarama.NewConfig()

	switch strings.ToLower(c.RequiredAcks) {
	case "all":
		sc.Producer.RequiredAcks = sarama.WaitForAll
		// идемпотентность допустима только с acks=all
		sc.Producer.Idempotent = true
		sc.Net.MaxOpenRequests = 1
	case "leader":
		sc.Producer.RequiredAcks = sarama.WaitForLocal
	case "none":
		sc.Producer.RequiredAcks = sarama.NoResponse
	default:
		return nil, fmt.Errorf("kafka sink: invalid RequiredAcks %q", c.RequiredAcks)
	}

	sc.Producer.Return.Successes = true
	sc.Producer.Return.Errors = true
	sc.Producer.Timeout = c.Timeout
	sc.ChannelBufferSize = c.BufferSize

	if c.FlushFrequency > 0 {
		sc.Producer.Flush.Frequency = c.FlushFrequency
	}
	if c.FlushMessages > 0 {
		sc.Producer.Flush.Messages = c.FlushMessages
	}

	switch strings.ToLower(c.Compression) {
	case "none":
		sc.Producer.Compression = sarama.CompressionNone
	case "gzip":
		sc.Producer.Compression = sarama.CompressionGZIP
	case "snappy":
		sc.Producer.Compression = sarama.CompressionSnappy
	case "lz4":
		sc.Producer.Compression = sarama.CompressionLZ4
	case "zstd":
		sc.Producer.Compression = sarama.CompressionZSTD
	default:
		return nil, fmt.Errorf("kafka sink: invalid Compression %q", c.Compression)
	}
	return sc, nil
}

// -----------------------------------------------------------------------------
// Kafka sink
// -----------------------------------------------------------------------------

// metadataClient is the part of sarama.Client used for Ping and Close.
type metadataClient interface {
	RefreshMetadata(topics ...string) error
	Close() error
}

type messageMeta struct {
	started time.Time
}

// Kafka publishes through a sarama AsyncProducer; destination is the topic.
type Kafka struct {
	prod    sarama.AsyncProducer
	client  metadataClient
	tracker *tracker
	log     *logger.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Sink = (*Kafka)(nil)

// NewKafka connects with back-off and starts the result loops.
func NewKafka(ctx context.Context, cfg KafkaConfig, onDelivery DeliveryHandler, log *logger.Logger) (*Kafka, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	log = log.Named("kafka-sink")

	sc, err := buildSaramaConfig(cfg)
	if err != nil {
		return nil, err
	}

	var (
		client sarama.Client
		prod   sarama.AsyncProducer
	)
	connect := func(ctx context.Context) error {
		c, err := sarama.NewClient(cfg.Brokers, sc)
		if err != nil {
			return err
		}
		p, err := sarama.NewAsyncProducerFromClient(c)
		if err != nil {
			_ = c.Close()
			return err
		}
		client, prod = c, p
		return nil
	}

	ctxConn, span := tracer.Start(ctx, "kafka.Connect",
		trace.WithAttributes(attribute.StringSlice("brokers", cfg.Brokers)))
	if err := backoff.Execute(ctxConn, "kafka-connect", cfg.Backoff, log, connect); err != nil {
		span.RecordError(err)
		span.End()
		log.Error("kafka sink connect failed", zap.Error(err))
		return nil, fmt.Errorf("kafka sink: connect: %w", err)
	}
	span.End()

	wrapped := otelsarama.WrapAsyncProducer(sc, prod)
	log.Info("kafka sink ready", zap.Strings("brokers", cfg.Brokers))
	return newKafka(wrapped, client, onDelivery, log), nil
}

func newKafka(prod sarama.AsyncProducer, client metadataClient, onDelivery DeliveryHandler, log *logger.Logger) *Kafka {
	k := &Kafka{
		prod:    prod,
		client:  client,
		tracker: newTracker("kafka", onDelivery),
		log:     log,
	}
	k.wg.Add(2)
	go k.drainSuccesses()
	go k.drainErrors()
	return k
}

// Publish enqueues one record. It blocks only while the producer input
// buffer is full, and then no longer than ctx allows.
func (k *Kafka) Publish(ctx context.Context, destination string, key, value []byte) error {
	k.mu.RLock()
	defer k.mu.RUnlock()
	if k.closed {
		return ErrClosed
	}

	msg := &sarama.ProducerMessage{
		Topic:    destination,
		Key:      sarama.ByteEncoder(key),
		Value:    sarama.ByteEncoder(value),
		Metadata: messageMeta{started: time.Now()},
	}
	// контекст трассировки вызывающего уходит в заголовки сообщения
	otel.GetTextMapPropagator().Inject(ctx, otelsarama.NewProducerMessageCarrier(msg))

	k.tracker.enqueued()
	select {
	case k.prod.Input() <- msg:
		return nil
	case <-ctx.Done():
		k.tracker.cancelled()
		return ctx.Err()
	}
}

func (k *Kafka) drainSuccesses() {
	defer k.wg.Done()
	for msg := range k.prod.Successes() {
		k.tracker.done(msg.Topic, keyBytes(msg), started(msg), nil)
	}
}

func (k *Kafka) drainErrors() {
	defer k.wg.Done()
	for perr := range k.prod.Errors() {
		msg := perr.Msg
		k.tracker.done(msg.Topic, keyBytes(msg), started(msg), perr.Err)
	}
}

func keyBytes(msg *sarama.ProducerMessage) []byte {
	if msg.Key == nil {
		return nil
	}
	b, _ := msg.Key.Encode()
	return b
}

func started(msg *sarama.ProducerMessage) time.Time {
	if m, ok := msg.Metadata.(messageMeta); ok {
		return m.started
	}
	return time.Now()
}

// Flush waits for every enqueued record to be acknowledged or failed.
func (k *Kafka) Flush(timeout time.Duration) error {
	return k.tracker.flush(timeout)
}

// Ping обновляет метаданные клиента, проверяя доступность кластера.
func (k *Kafka) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "kafka.Ping")
	defer span.End()
	if k.client == nil {
		return nil
	}
	if err := k.client.RefreshMetadata(); err != nil {
		span.RecordError(err)
		return err
	}
	return nil
}

// Close stops accepting records, drains the producer and closes the client.
func (k *Kafka) Close() error {
	k.mu.Lock()
	if k.closed {
		k.mu.Unlock()
		return nil
	}
	k.closed = true
	k.mu.Unlock()

	k.prod.AsyncClose()
	k.wg.Wait()

	if k.client != nil {
		if err := k.client.Close(); err != nil {
			k.log.Error("kafka client close failed", zap.Error(err))
			return err
		}
	}
	k.log.Info("kafka sink closed")
	return nil
}
