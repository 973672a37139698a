// internal/sink/nats.go
package sink

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

// NATSConfig configures the NATS sink.
type NATSConfig struct {
	URL           string         `mapstructure:"url"`
	Name          string         `mapstructure:"name"`
	MaxReconnects int            `mapstructure:"max_reconnects"`
	ReconnectWait time.Duration  `mapstructure:"reconnect_wait"`
	AckTimeout    time.Duration  `mapstructure:"ack_timeout"` // round-trip that confirms a batch
	QueueSize     int            `mapstructure:"queue_size"`
	Backoff       backoff.Config `mapstructure:"backoff"`
}

func (c *NATSConfig) applyDefaults() {
	if c.URL == "" {
		c.URL = nats.DefaultURL
	}
	if c.Name == "" {
		c.Name = "ohlcv-collector"
	}
	if c.MaxReconnects == 0 {
		c.MaxReconnects = -1
	}
	if c.ReconnectWait <= 0 {
		c.ReconnectWait = 2 * time.Second
	}
	if c.AckTimeout <= 0 {
		c.AckTimeout = 5 * time.Second
	}
	if c.QueueSize <= 0 {
		c.QueueSize = 1024
	}
}

// natsConn is the subset of *nats.Conn the sink uses.
type natsConn interface {
	Publish(subject string, data []byte) error
	FlushTimeout(timeout time.Duration) error
	IsConnected() bool
	Drain() error
	Close()
}

type natsPending struct {
	subject string
	key     []byte
	started time.Time
}

// NATS publishes to core NATS subjects; destination is the subject.
//
// Core NATS has no per-message acknowledgement, so delivery is confirmed
// per batch: a result goroutine collects published records and completes
// them after a PING/PONG round-trip (FlushTimeout), which proves the server
// has read everything sent before it. The record key travels only in the
// Delivery report.
type NATS struct {
	nc         natsConn
	ackTimeout time.Duration
	tracker    *tracker
	log        *logger.Logger

	queue chan natsPending

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ Sink = (*NATS)(nil)

// NewNATS connects (with back-off) and starts the confirmation loop.
func NewNATS(ctx context.Context, cfg NATSConfig, onDelivery DeliveryHandler, log *logger.Logger) (*NATS, error) {
	cfg.applyDefaults()
	log = log.Named("nats-sink")

	opts := []nats.Option{
		nats.Name(cfg.Name),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectHandler(func(*nats.Conn) { log.Warn("nats disconnected") }),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", zap.String("url", nc.ConnectedUrl()))
		}),
		nats.ClosedHandler(func(*nats.Conn) { log.Info("nats connection closed") }),
	}

	var nc *nats.Conn
	ctxConn, span := tracer.Start(ctx, "nats.Connect", trace.WithAttributes(attribute.String("url", cfg.URL)))
	err := backoff.Execute(ctxConn, "nats-connect", cfg.Backoff, log, func(context.Context) error {
		c, err := nats.Connect(cfg.URL, opts...)
		if err != nil {
			return err
		}
		nc = c
		return nil
	})
	span.End()
	if err != nil {
		return nil, fmt.Errorf("nats sink: connect: %w", err)
	}
	log.Info("nats sink ready", zap.String("url", nc.ConnectedUrl()))
	return newNATS(nc, cfg.AckTimeout, cfg.QueueSize, onDelivery, log), nil
}

func newNATS(nc natsConn, ackTimeout time.Duration, queueSize int, onDelivery DeliveryHandler, log *logger.Logger) *NATS {
	n := &NATS{
		nc:         nc,
		ackTimeout: ackTimeout,
		tracker:    newTracker("nats", onDelivery),
		log:        log,
		queue:      make(chan natsPending, queueSize),
	}
	n.wg.Add(1)
	go n.confirm()
	return n
}

// Publish hands the record to the client's write buffer. A local publish
// error (closed connection, bad subject) is reported through the delivery
// handler like any other failure.
func (n *NATS) Publish(ctx context.Context, destination string, key, value []byte) error {
	n.mu.RLock()
	defer n.mu.RUnlock()
	if n.closed {
		return ErrClosed
	}
	if destination == "" || strings.ContainsAny(destination, " \t\r\n") {
		return fmt.Errorf("nats sink: invalid subject %q", destination)
	}

	p := natsPending{subject: destination, key: append([]byte(nil), key...), started: time.Now()}
	n.tracker.enqueued()
	if err := n.nc.Publish(destination, value); err != nil {
		go n.tracker.done(p.subject, p.key, p.started, err)
		return nil
	}
	select {
	case n.queue <- p:
		return nil
	case <-ctx.Done():
		// запись уже ушла в буфер клиента, подтверждение просто не ждём
		n.tracker.cancelled()
		return ctx.Err()
	}
}

// confirm batches queued records and completes them after one round-trip.
func (n *NATS) confirm() {
	defer n.wg.Done()
	for first := range n.queue {
		batch := []natsPending{first}
	drain:
		for {
			select {
			case p, ok := <-n.queue:
				if !ok {
					break drain
				}
				batch = append(batch, p)
			default:
				break drain
			}
		}
		err := n.nc.FlushTimeout(n.ackTimeout)
		for _, p := range batch {
			n.tracker.done(p.subject, p.key, p.started, err)
		}
	}
}

// Flush waits for every published record to be confirmed or failed.
func (n *NATS) Flush(timeout time.Duration) error {
	return n.tracker.flush(timeout)
}

// Ping reports whether the client currently holds a server connection.
func (n *NATS) Ping(ctx context.Context) error {
	_, span := tracer.Start(ctx, "nats.Ping")
	defer span.End()
	if !n.nc.IsConnected() {
		return fmt.Errorf("nats sink: not connected")
	}
	return nil
}

// Close stops accepting records, finishes pending confirmations and drains
// the connection.
func (n *NATS) Close() error {
	n.mu.Lock()
	if n.closed {
		n.mu.Unlock()
		return nil
	}
	n.closed = true
	close(n.queue)
	n.mu.Unlock()

	n.wg.Wait()
	if err := n.nc.Drain(); err != nil {
		n.log.Warn("nats drain failed", zap.Error(err))
		n.nc.Close()
	}
	n.log.Info("nats sink closed")
	return nil
}
