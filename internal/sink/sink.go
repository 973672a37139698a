// internal/sink/sink.go
//
// Пакет sink задаёт контракт публикации нормализованных записей и общую
// бухгалтерию асинхронных доставок для конкретных реализаций (Kafka, NATS).
package sink

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/metrics"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

// ErrFlushTimeout is wrapped by Flush when messages are still outstanding
// after the timeout.
var ErrFlushTimeout = errors.New("sink: flush timeout")

// ErrClosed is returned by Publish after Close.
var ErrClosed = errors.New("sink: closed")

// Sink publishes keyed records to named destinations.
//
// Publish only enqueues: it returns once the record is accepted locally and
// reports the broker outcome later through the DeliveryHandler. It is safe
// for concurrent use.
type Sink interface {
	Publish(ctx context.Context, destination string, key, value []byte) error
	// Flush waits until every accepted record has a delivery result.
	Flush(timeout time.Duration) error
	// Ping checks broker reachability (used by /readyz).
	Ping(ctx context.Context) error
	Close() error
}

// Delivery is the asynchronous outcome of one Publish.
type Delivery struct {
	Destination string
	Key         []byte
	Latency     time.Duration
	// Err is nil on success, otherwise *SinkDeliveryError.
	Err error
}

// DeliveryHandler receives delivery results. It runs on the sink's result
// goroutine and must not block.
type DeliveryHandler func(Delivery)

// SinkDeliveryError reports a record the broker did not accept.
type SinkDeliveryError struct {
	Destination string
	Key         []byte
	Err         error
}

func (e *SinkDeliveryError) Error() string {
	return fmt.Sprintf("sink: delivery to %s (key %s) failed: %v", e.Destination, e.Key, e.Err)
}

func (e *SinkDeliveryError) Unwrap() error { return e.Err }

// LogDeliveries returns a handler that logs failures at error level and
// successes at debug level.
func LogDeliveries(log *logger.Logger) DeliveryHandler {
	return func(d Delivery) {
		if d.Err != nil {
			log.Error("delivery failed",
				zap.String("destination", d.Destination),
				zap.ByteString("key", d.Key),
				zap.Error(d.Err),
			)
			return
		}
		log.Debug("delivered",
			zap.String("destination", d.Destination),
			zap.ByteString("key", d.Key),
			zap.Duration("latency", d.Latency),
		)
	}
}

// -----------------------------------------------------------------------------
// tracker — учёт сообщений «в полёте» для Flush
// -----------------------------------------------------------------------------

type tracker struct {
	name    string
	pending atomic.Int64
	handler DeliveryHandler
}

func newTracker(name string, h DeliveryHandler) *tracker {
	if h == nil {
		h = func(Delivery) {}
	}
	return &tracker{name: name, handler: h}
}

func (t *tracker) enqueued() {
	t.pending.Add(1)
	metrics.SinkPending.WithLabelValues(t.name).Inc()
}

// cancelled undoes enqueued for a record that never left the process.
func (t *tracker) cancelled() {
	t.pending.Add(-1)
	metrics.SinkPending.WithLabelValues(t.name).Dec()
}

func (t *tracker) done(destination string, key []byte, started time.Time, err error) {
	lat := time.Since(started)
	d := Delivery{Destination: destination, Key: key, Latency: lat}
	if err != nil {
		d.Err = &SinkDeliveryError{Destination: destination, Key: key, Err: err}
		metrics.SinkDeliveries.WithLabelValues(t.name, "error").Inc()
	} else {
		metrics.SinkDeliveries.WithLabelValues(t.name, "ok").Inc()
	}
	metrics.SinkLatency.WithLabelValues(t.name).Observe(lat.Seconds())
	t.handler(d)
	t.pending.Add(-1)
	metrics.SinkPending.WithLabelValues(t.name).Dec()
}

// flush polls until nothing is pending or timeout elapses.
func (t *tracker) flush(timeout time.Duration) error {
	deadline := time.Now().Add(timeout)
	ticker := time.NewTicker(5 * time.Millisecond)
	defer ticker.Stop()
	for {
		n := t.pending.Load()
		if n <= 0 {
			return nil
		}
		if !time.Now().Before(deadline) {
			return fmt.Errorf("%w: %d message(s) pending after %s", ErrFlushTimeout, n, timeout)
		}
		<-ticker.C
	}
}
