// internal/config/config.go
package config

import (
	"fmt"
	"io"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/mitchellh/mapstructure"
	"github.com/segmentio/encoding/json"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"

	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/binance"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/okx"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/adapter/polygon"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/pipeline"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/internal/sink"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/httpserver"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/logger"
	"github.com/YaganovValera/analytics-system/services/ohlcv-collector/pkg/telemetry"
)

// EnvPrefix prefixes every environment override: OHLCV_SINK_KIND, OHLCV_HTTP_PORT …
const EnvPrefix = "OHLCV"

// Sink kinds.
const (
	SinkKafka = "kafka"
	SinkNATS  = "nats"
)

/*
   --------------------------------------------------------------------------
   СТРУКТУРЫ
   --------------------------------------------------------------------------
*/

// Config — все настройки сервиса.
type Config struct {
	ServiceName    string            `mapstructure:"service_name"`
	ServiceVersion string            `mapstructure:"service_version"`
	Logging        logger.Config     `mapstructure:"logging"`
	Telemetry      telemetry.Config  `mapstructure:"telemetry"`
	HTTP           httpserver.Config `mapstructure:"http"`
	Sink           SinkConfig        `mapstructure:"sink"`
	Kafka          sink.KafkaConfig  `mapstructure:"kafka"`
	NATS           sink.NATSConfig   `mapstructure:"nats"`
	Venues         VenuesConfig      `mapstructure:"venues"`
	Pipeline       pipeline.Config   `mapstructure:"pipeline"`
}

// SinkConfig выбирает брокер и время на досылку при остановке.
type SinkConfig struct {
	Kind         string        `mapstructure:"kind"` // "kafka" | "nats"
	FlushTimeout time.Duration `mapstructure:"flush_timeout"`
}

// VenuesConfig — набор площадок; выключенные не регистрируются.
type VenuesConfig struct {
	Binance BinanceVenue `mapstructure:"binance"`
	OKX     OKXVenue     `mapstructure:"okx"`
	Polygon PolygonVenue `mapstructure:"polygon"`
}

type BinanceVenue struct {
	Enabled        bool `mapstructure:"enabled"`
	binance.Config `mapstructure:",squash"`
}

type OKXVenue struct {
	Enabled    bool `mapstructure:"enabled"`
	okx.Config `mapstructure:",squash"`
}

type PolygonVenue struct {
	Enabled        bool `mapstructure:"enabled"`
	polygon.Config `mapstructure:",squash"`
}

// Enabled lists the identifiers of enabled venues.
func (v VenuesConfig) Enabled() []string {
	var out []string
	if v.Binance.Enabled {
		out = append(out, binance.Venue)
	}
	if v.OKX.Enabled {
		out = append(out, okx.Venue)
	}
	if v.Polygon.Enabled {
		out = append(out, polygon.Venue)
	}
	return out
}

/*
   --------------------------------------------------------------------------
   LOADER
   --------------------------------------------------------------------------
*/

// flagKeys maps command-line flags to config keys.
var flagKeys = map[string]string{
	"log-level": "logging.level",
	"dev":       "logging.dev_mode",
	"http-port": "http.port",
	"sink":      "sink.kind",
}

// Load загружает и валидирует конфиг. Приоритет: flags > ENV > file > defaults.
// Если path пустой — читаются только ENV, flags и defaults. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	v := viper.New()

	// ---------- 1) Defaults ----------
	v.SetDefault("service_name", "ohlcv-collector")
	v.SetDefault("service_version", "v1.0.0")

	// Logging
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.dev_mode", false)

	// Telemetry
	v.SetDefault("telemetry.enabled", false)
	v.SetDefault("telemetry.otel_endpoint", "otel-collector:4317")
	v.SetDefault("telemetry.insecure", true)
	v.SetDefault("telemetry.timeout", "5s")
	v.SetDefault("telemetry.sampler_ratio", 1.0)

	// HTTP
	v.SetDefault("http.port", 8080)
	v.SetDefault("http.read_timeout", "10s")
	v.SetDefault("http.write_timeout", "15s")
	v.SetDefault("http.idle_timeout", "60s")
	v.SetDefault("http.shutdown_timeout", "5s")
	v.SetDefault("http.metrics_path", "/metrics")
	v.SetDefault("http.healthz_path", "/healthz")
	v.SetDefault("http.readyz_path", "/readyz")

	// Sink
	v.SetDefault("sink.kind", SinkKafka)
	v.SetDefault("sink.flush_timeout", "30s")

	// Kafka
	v.SetDefault("kafka.brokers", []string{"localhost:9092"})
	v.SetDefault("kafka.acks", "all")
	v.SetDefault("kafka.timeout", "5s")
	v.SetDefault("kafka.compression", "none")
	v.SetDefault("kafka.flush_frequency", "0s")
	v.SetDefault("kafka.flush_messages", 0)

	// NATS
	v.SetDefault("nats.url", "nats://127.0.0.1:4222")
	v.SetDefault("nats.ack_timeout", "5s")

	// Venues
	v.SetDefault("venues.binance.enabled", true)
	v.SetDefault("venues.binance.rest_url", binance.DefaultRESTURL)
	v.SetDefault("venues.binance.ws_url", binance.DefaultWSURL)
	v.SetDefault("venues.okx.enabled", false)
	v.SetDefault("venues.okx.rest_url", okx.DefaultRESTURL)
	v.SetDefault("venues.okx.ws_url", okx.DefaultWSURL)
	v.SetDefault("venues.polygon.enabled", false)
	v.SetDefault("venues.polygon.rest_url", polygon.DefaultRESTURL)

	// Pipeline
	v.SetDefault("pipeline.drop_stale", true)

	// ---------- 2) ENV ----------
	v.SetEnvPrefix(EnvPrefix)
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	// ---------- 3) Optional file ----------
	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("read config %q: %w", v.ConfigFileUsed(), err)
		}
	}

	// ---------- 4) Flags ----------
	if flags != nil {
		for name, key := range flagKeys {
			if f := flags.Lookup(name); f != nil {
				if err := v.BindPFlag(key, f); err != nil {
					return nil, fmt.Errorf("bind flag %q: %w", name, err)
				}
			}
		}
	}

	// ---------- 5) Decode ----------
	var cfg Config
	decodeHook := mapstructure.ComposeDecodeHookFunc(
		mapstructure.StringToTimeDurationHookFunc(),
		mapstructure.StringToSliceHookFunc(","),
		stringToBoolHook,
	)
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		TagName:          "mapstructure",
		Result:           &cfg,
		DecodeHook:       decodeHook,
		WeaklyTypedInput: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create decoder: %w", err)
	}
	if err := dec.Decode(v.AllSettings()); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}

	// ---------- 6) Validation ----------
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validate config: %w", err)
	}
	return &cfg, nil
}

// stringToBoolHook разбирает true/false, иначе отдает исходные данные.
func stringToBoolHook(f, t reflect.Kind, data interface{}) (interface{}, error) {
	if f == reflect.String && t == reflect.Bool {
		return strconv.ParseBool(data.(string))
	}
	return data, nil
}

/*
   --------------------------------------------------------------------------
   VALIDATION
   --------------------------------------------------------------------------
*/

// Validate checks the decoded config and normalizes pipeline requests in place.
func (c *Config) Validate() error {
	// Service
	if c.ServiceName == "" {
		return fmt.Errorf("service_name is required")
	}
	if c.ServiceVersion == "" {
		return fmt.Errorf("service_version is required")
	}

	// Logging
	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("logging.level must be one of [debug, info, warn, error]")
	}

	// Telemetry
	if c.Telemetry.Enabled && c.Telemetry.Endpoint == "" {
		return fmt.Errorf("telemetry.otel_endpoint is required when telemetry is enabled")
	}

	// HTTP
	if err := validateHTTP(&c.HTTP); err != nil {
		return err
	}

	// Sink
	if err := c.validateSink(); err != nil {
		return err
	}

	// Venues + requests
	return c.validatePipeline()
}

func (c *Config) validateSink() error {
	if c.Sink.FlushTimeout <= 0 {
		return fmt.Errorf("sink.flush_timeout must be > 0")
	}
	switch strings.ToLower(c.Sink.Kind) {
	case SinkKafka:
		if len(c.Kafka.Brokers) == 0 {
			return fmt.Errorf("kafka.brokers is required")
		}
		switch strings.ToLower(c.Kafka.RequiredAcks) {
		case "all", "leader", "none":
		default:
			return fmt.Errorf("kafka.acks must be one of [all, leader, none]")
		}
		switch strings.ToLower(c.Kafka.Compression) {
		case "none", "gzip", "snappy", "lz4", "zstd":
		default:
			return fmt.Errorf("kafka.compression must be one of [none, gzip, snappy, lz4, zstd]")
		}
	case SinkNATS:
		if c.NATS.URL == "" {
			return fmt.Errorf("nats.url is required")
		}
	default:
		return fmt.Errorf("sink.kind must be one of [kafka, nats]")
	}
	return nil
}

func (c *Config) validatePipeline() error {
	enabled := map[string]bool{}
	for _, v := range c.Venues.Enabled() {
		enabled[v] = true
	}
	if len(enabled) == 0 {
		return fmt.Errorf("venues: at least one venue must be enabled")
	}
	if c.Venues.Polygon.Enabled && c.Venues.Polygon.APIKey == "" {
		return fmt.Errorf("venues.polygon.api_key is required when polygon is enabled")
	}
	if len(c.Pipeline.Requests) == 0 {
		return fmt.Errorf("pipeline.requests must contain at least one entry")
	}

	seen := make(map[string]int, len(c.Pipeline.Requests))
	for i, r := range c.Pipeline.Requests {
		req, err := r.Normalize()
		if err != nil {
			return fmt.Errorf("pipeline.requests[%d]: %w", i, err)
		}
		if !enabled[req.Venue] {
			return fmt.Errorf("pipeline.requests[%d]: venue %q is not enabled", i, req.Venue)
		}
		if j, dup := seen[req.Destination]; dup {
			return fmt.Errorf("pipeline.requests[%d]: destination %q duplicates requests[%d]", i, req.Destination, j)
		}
		seen[req.Destination] = i
		c.Pipeline.Requests[i] = req
	}
	return nil
}

func validateHTTP(h *httpserver.Config) error {
	if h.Port <= 0 || h.Port > 65535 {
		return fmt.Errorf("http.port must be between 1 and 65535")
	}
	durations := map[string]time.Duration{
		"http.read_timeout":     h.ReadTimeout,
		"http.write_timeout":    h.WriteTimeout,
		"http.idle_timeout":     h.IdleTimeout,
		"http.shutdown_timeout": h.ShutdownTimeout,
	}
	for k, d := range durations {
		if d <= 0 {
			return fmt.Errorf("%s must be > 0", k)
		}
	}
	paths := map[string]string{
		"http.metrics_path": h.MetricsPath,
		"http.healthz_path": h.HealthzPath,
		"http.readyz_path":  h.ReadyzPath,
	}
	for k, p := range paths {
		if !strings.HasPrefix(p, "/") {
			return fmt.Errorf("%s must start with '/'", k)
		}
	}
	return nil
}

/*
   --------------------------------------------------------------------------
   DEBUG PRINT
   --------------------------------------------------------------------------
*/

// Print пишет текущий конфиг в JSON (удобно в DevMode). Секреты маскируются.
func (c Config) Print(w io.Writer) error {
	if c.Venues.Polygon.APIKey != "" {
		c.Venues.Polygon.APIKey = "***"
	}
	b, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "Loaded configuration:\n%s\n", b)
	return err
}
