// pkg/wsconn/conn.go
package wsconn

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/backoff"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
)

// ErrNotConnected is returned by writes issued while the session is redialing.
// Callers that keep their own subscription set replay it from OnConnect.
var ErrNotConnected = errors.New("wsconn: not connected")

// -----------------------------------------------------------------------------
// Metrics
// -----------------------------------------------------------------------------

var wsMetrics = struct {
	Connects *prometheus.CounterVec
	Errors   *prometheus.CounterVec
	Messages *prometheus.CounterVec
}{
	Connects: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "ws", Name: "connects_total",
		Help: "WebSocket connection attempts by outcome",
	}, []string{"session", "status"}),
	Errors: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "ws", Name: "errors_total",
		Help: "Categorized WebSocket errors",
	}, []string{"session", "type"}),
	Messages: promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "ohlcv", Subsystem: "ws", Name: "messages_total",
		Help: "Data frames received",
	}, []string{"session"}),
}

// -----------------------------------------------------------------------------
// Configuration
// -----------------------------------------------------------------------------

// Config задаёт параметры WebSocket-сессии.
type Config struct {
	Name         string         // метка сессии в логах и метриках, например "binance"
	URL          string         // адрес WebSocket, например "wss://stream.binance.com:9443/ws"
	ReadTimeout  time.Duration  // ReadDeadline, продлевается каждым фреймом и pong
	PingInterval time.Duration  // период keepalive; 0 → ReadTimeout/3
	PingMessage  string         // текстовый keepalive вместо control-ping (OKX: "ping")
	WriteTimeout time.Duration  // WriteDeadline для исходящих сообщений
	Backoff      backoff.Config // стратегия переподключения
}

func (c *Config) applyDefaults() {
	if c.Name == "" {
		c.Name = "ws"
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 30 * time.Second
	}
	if c.PingInterval <= 0 {
		c.PingInterval = c.ReadTimeout / 3
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 5 * time.Second
	}
}

func (c Config) validate() error {
	var errs []string
	if c.URL == "" {
		errs = append(errs, "URL is required")
	} else if !strings.HasPrefix(c.URL, "ws://") && !strings.HasPrefix(c.URL, "wss://") {
		errs = append(errs, "URL must use ws:// or wss://")
	}
	if err := c.Backoff.Validate(); err != nil {
		errs = append(errs, err.Error())
	}
	if len(errs) > 0 {
		return fmt.Errorf("wsconn: invalid config: %s", strings.Join(errs, "; "))
	}
	return nil
}

// -----------------------------------------------------------------------------
// Handler
// -----------------------------------------------------------------------------

// Handler receives session events. Both methods are called from the
// session goroutine, never concurrently with each other.
type Handler interface {
	// OnConnect runs after every successful dial, before reading starts.
	// An error drops the connection and triggers a redial.
	OnConnect(ctx context.Context, c *Conn) error
	// OnMessage gets every data frame except keepalive replies.
	OnMessage(data []byte)
}

// -----------------------------------------------------------------------------
// Conn
// -----------------------------------------------------------------------------

// Conn is one long-lived WebSocket session with automatic reconnect.
type Conn struct {
	cfg     Config
	handler Handler
	log     *logger.Logger
	dialer  *websocket.Dialer

	mu sync.Mutex // один писатель за раз (требование gorilla)
	ws *websocket.Conn

	requestID atomic.Uint64
}

// New validates cfg and returns an idle session; call Run to connect.
func New(cfg Config, h Handler, log *logger.Logger) (*Conn, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &Conn{
		cfg:     cfg,
		handler: h,
		log:     log.Named("ws").With(zap.String("session", cfg.Name)),
		dialer:  websocket.DefaultDialer,
	}, nil
}

// NextID returns a monotonically increasing request id.
func (c *Conn) NextID() uint64 { return c.requestID.Add(1) }

// Connected reports whether a live socket is attached.
func (c *Conn) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws != nil
}

// WriteJSON sends v as a JSON text frame.
func (c *Conn) WriteJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteJSON(v)
}

// WriteText sends a raw text frame.
func (c *Conn) WriteText(s string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.ws == nil {
		return ErrNotConnected
	}
	_ = c.ws.SetWriteDeadline(time.Now().Add(c.cfg.WriteTimeout))
	return c.ws.WriteMessage(websocket.TextMessage, []byte(s))
}

// Run dials, reads and redials until ctx is cancelled. It returns nil on
// cancellation and an error only when the back-off strategy gives up.
func (c *Conn) Run(ctx context.Context) error {
	for {
		if ctx.Err() != nil {
			c.log.Info("ws: context cancelled, exiting")
			return nil
		}

		var ws *websocket.Conn
		err := backoff.Execute(ctx, c.cfg.Name+"-ws-dial", c.cfg.Backoff, c.log, func(ctx context.Context) error {
			conn, _, dialErr := c.dialer.DialContext(ctx, c.cfg.URL, nil)
			if dialErr != nil {
				wsMetrics.Connects.WithLabelValues(c.cfg.Name, "error").Inc()
				return dialErr
			}
			ws = conn
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("wsconn: %s: connect: %w", c.cfg.Name, err)
		}
		wsMetrics.Connects.WithLabelValues(c.cfg.Name, "ok").Inc()
		c.log.Info("ws: connected", zap.String("url", c.cfg.URL))

		c.serve(ctx, ws)
	}
}

// serve owns one physical connection until it fails or ctx is done.
func (c *Conn) serve(ctx context.Context, ws *websocket.Conn) {
	connCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
	})

	c.mu.Lock()
	c.ws = ws
	c.mu.Unlock()
	defer func() {
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		_ = ws.Close()
	}()

	// закрываем сокет при отмене, чтобы разблокировать ReadMessage
	go func() {
		<-connCtx.Done()
		_ = ws.Close()
	}()
	go c.keepalive(connCtx, ws)

	if err := c.handler.OnConnect(connCtx, c); err != nil {
		wsMetrics.Errors.WithLabelValues(c.cfg.Name, "subscribe").Inc()
		c.log.Error("ws: on-connect failed, reconnecting", zap.Error(err))
		return
	}

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if connCtx.Err() == nil {
				wsMetrics.Errors.WithLabelValues(c.cfg.Name, "read").Inc()
				c.log.Warn("ws: read error, reconnecting", zap.Error(err))
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(c.cfg.ReadTimeout))
		if c.cfg.PingMessage != "" && string(data) == "pong" {
			continue
		}
		wsMetrics.Messages.WithLabelValues(c.cfg.Name).Inc()
		c.handler.OnMessage(data)
	}
}

func (c *Conn) keepalive(ctx context.Context, ws *websocket.Conn) {
	ticker := time.NewTicker(c.cfg.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			var err error
			if c.cfg.PingMessage != "" {
				err = c.WriteText(c.cfg.PingMessage)
			} else {
				err = ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(time.Second))
			}
			if err != nil {
				wsMetrics.Errors.WithLabelValues(c.cfg.Name, "ping").Inc()
				c.log.Warn("ws: ping failed", zap.Error(err))
			}
		}
	}
}
