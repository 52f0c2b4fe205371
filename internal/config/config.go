// Package config provides configuration management for floorwatch
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"

	"github.com/teslashibe/floorwatch/internal/audio"
	"github.com/teslashibe/floorwatch/internal/detector"
	"github.com/teslashibe/floorwatch/internal/doa"
	"github.com/teslashibe/floorwatch/internal/dsp/level"
	"github.com/teslashibe/floorwatch/internal/pipeline"
)

// EnvPrefix prefixes environment overrides, e.g. FLOORWATCH_SERVER_PORT.
const EnvPrefix = "FLOORWATCH"

// Config is the root configuration structure
type Config struct {
	Server    ServerConfig    `mapstructure:"server"`
	Audio     AudioConfig     `mapstructure:"audio"`
	Filter    FilterConfig    `mapstructure:"filter"`
	Level     LevelConfig     `mapstructure:"level"`
	Threshold ThresholdConfig `mapstructure:"threshold"`
	Direction DirectionConfig `mapstructure:"direction"`
	Detector  DetectorConfig  `mapstructure:"detector"`
	Sinks     SinksConfig     `mapstructure:"sinks"`
	USB       USBConfig       `mapstructure:"usb"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// ServerConfig configures the HTTP server
type ServerConfig struct {
	Enabled         bool          `mapstructure:"enabled"`
	Port            int           `mapstructure:"port"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	GracefulTimeout time.Duration `mapstructure:"graceful_timeout"`
	StreamHz        int           `mapstructure:"stream_hz"`
}

// AudioConfig configures the capture device
type AudioConfig struct {
	Device       string `mapstructure:"device"`
	SampleRate   int    `mapstructure:"sample_rate"`
	Channels     int    `mapstructure:"channels"`
	BlockSize    int    `mapstructure:"block_size"`
	Format       string `mapstructure:"format"` // s16, s32
	BufferBlocks int    `mapstructure:"buffer_blocks"`
	QueueFrames  int    `mapstructure:"queue_frames"`
}

// FilterConfig configures the band-pass stage
type FilterConfig struct {
	LowHz  float64 `mapstructure:"low_hz"`
	HighHz float64 `mapstructure:"high_hz"`
	Order  int     `mapstructure:"order"`
}

// LevelConfig configures level and SNR estimation
type LevelConfig struct {
	OffsetDB       float64 `mapstructure:"offset_db"`
	FloorDB        float64 `mapstructure:"floor_db"`
	RMSFloor       float64 `mapstructure:"rms_floor"`
	SNRNoiseFactor float64 `mapstructure:"snr_noise_factor"`
	SNRMaxDB       float64 `mapstructure:"snr_max_db"`
	FullScale      float64 `mapstructure:"full_scale"` // 0 derives it from audio.format
}

// ThresholdConfig configures the day/night limits
type ThresholdConfig struct {
	DayDB   float64 `mapstructure:"day_db"`
	NightDB float64 `mapstructure:"night_db"`
}

// DirectionConfig configures direction estimation
type DirectionConfig struct {
	Strategy string  `mapstructure:"strategy"` // gcc-phat, level
	MarginDB float64 `mapstructure:"margin_db"`
}

// DetectorConfig configures event debouncing
type DetectorConfig struct {
	Cooldown         time.Duration `mapstructure:"cooldown"`
	SNRGate          bool          `mapstructure:"snr_gate"`
	SNRMinDB         float64       `mapstructure:"snr_min_db"`
	EventLogCapacity int           `mapstructure:"event_log_capacity"`
}

// SinksConfig configures event sinks
type SinksConfig struct {
	QueueSize   int           `mapstructure:"queue_size"`
	SinkTimeout time.Duration `mapstructure:"sink_timeout"`

	CSV     CSVConfig     `mapstructure:"csv"`
	SQLite  SQLiteConfig  `mapstructure:"sqlite"`
	Webhook WebhookConfig `mapstructure:"webhook"`
	Notify  NotifyConfig  `mapstructure:"notify"`
	MQTT    MQTTConfig    `mapstructure:"mqtt"`
	Cloud   CloudConfig   `mapstructure:"cloud"`
}

// CSVConfig configures the CSV event log
type CSVConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// SQLiteConfig configures the event store
type SQLiteConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Path    string `mapstructure:"path"`
}

// WebhookConfig configures the JSON webhook
type WebhookConfig struct {
	Enabled  bool              `mapstructure:"enabled"`
	URL      string            `mapstructure:"url"`
	DeviceID string            `mapstructure:"device_id"`
	Timeout  time.Duration     `mapstructure:"timeout"`
	Headers  map[string]string `mapstructure:"headers"`
}

// NotifyConfig configures chat notifications
type NotifyConfig struct {
	Enabled     bool          `mapstructure:"enabled"`
	URLs        []string      `mapstructure:"urls"`
	Title       string        `mapstructure:"title"`
	DeviceID    string        `mapstructure:"device_id"`
	MinInterval time.Duration `mapstructure:"min_interval"`
	Burst       int           `mapstructure:"burst"`
	Timeout     time.Duration `mapstructure:"timeout"`
}

// MQTTConfig configures the MQTT publisher
type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Username    string `mapstructure:"username"`
	Password    string `mapstructure:"password"`
	TopicPrefix string `mapstructure:"topic_prefix"`
	QoS         int    `mapstructure:"qos"`
	Retain      bool   `mapstructure:"retain"`
}

// CloudConfig configures the WebSocket uplink
type CloudConfig struct {
	Enabled          bool          `mapstructure:"enabled"`
	URL              string        `mapstructure:"url"`
	DeviceID         string        `mapstructure:"device_id"`
	Token            string        `mapstructure:"token"`
	ReconnectBackoff time.Duration `mapstructure:"reconnect_backoff"`
	MaxBackoff       time.Duration `mapstructure:"max_backoff"`
	PingInterval     time.Duration `mapstructure:"ping_interval"`
	Backlog          int           `mapstructure:"backlog"`
}

// USBConfig configures the USB presence probe
type USBConfig struct {
	Enabled   bool   `mapstructure:"enabled"`
	VendorID  uint16 `mapstructure:"vendor_id"`
	ProductID uint16 `mapstructure:"product_id"`
}

// LoggingConfig configures logging
type LoggingConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // json, text
}

// Default returns the default configuration
func Default() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	// Defaults alone always decode.
	_ = v.Unmarshal(&cfg)
	return &cfg
}

// Load loads configuration from file and environment
func Load(path string) (*Config, error) {
	v := viper.New()

	// Set defaults
	setDefaults(v)

	// Config file
	if path != "" {
		v.SetConfigFile(path)
		v.SetConfigType("yaml")

		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errors.As(err, &notFound) && !errors.Is(err, fs.ErrNotExist) {
				return nil, fmt.Errorf("failed to read config %s: %w", path, err)
			}
			// Missing file: defaults and environment only.
		}
	}

	// Environment variable overrides
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	// Server defaults
	v.SetDefault("server.enabled", true)
	v.SetDefault("server.port", 9000)
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.graceful_timeout", "5s")
	v.SetDefault("server.stream_hz", 10)

	// Audio defaults
	v.SetDefault("audio.device", "")
	v.SetDefault("audio.sample_rate", 48000)
	v.SetDefault("audio.channels", 2)
	v.SetDefault("audio.block_size", 2048)
	v.SetDefault("audio.format", "s16")
	v.SetDefault("audio.buffer_blocks", 8)
	v.SetDefault("audio.queue_frames", 16)

	// Filter defaults
	v.SetDefault("filter.low_hz", 40.0)
	v.SetDefault("filter.high_hz", 250.0)
	v.SetDefault("filter.order", 4)

	// Level defaults
	v.SetDefault("level.offset_db", 72.0)
	v.SetDefault("level.floor_db", -100.0)
	v.SetDefault("level.rms_floor", 1e-4)
	v.SetDefault("level.snr_noise_factor", 0.2)
	v.SetDefault("level.snr_max_db", 100.0)
	v.SetDefault("level.full_scale", 0.0)

	// Threshold defaults
	v.SetDefault("threshold.day_db", 39.0)
	v.SetDefault("threshold.night_db", 34.0)

	// Direction defaults
	v.SetDefault("direction.strategy", doa.StrategyGCCPHAT)
	v.SetDefault("direction.margin_db", doa.DefaultMarginDB)

	// Detector defaults
	v.SetDefault("detector.cooldown", "1s")
	v.SetDefault("detector.snr_gate", true)
	v.SetDefault("detector.snr_min_db", 10.0)
	v.SetDefault("detector.event_log_capacity", 20)

	// Sink defaults
	v.SetDefault("sinks.queue_size", 32)
	v.SetDefault("sinks.sink_timeout", "5s")
	v.SetDefault("sinks.csv.enabled", true)
	v.SetDefault("sinks.csv.path", "data/noise_log.csv")
	v.SetDefault("sinks.sqlite.enabled", false)
	v.SetDefault("sinks.sqlite.path", "data/floorwatch.db")
	v.SetDefault("sinks.webhook.enabled", false)
	v.SetDefault("sinks.webhook.url", "")
	v.SetDefault("sinks.webhook.device_id", "floorwatch")
	v.SetDefault("sinks.webhook.timeout", "1s")
	v.SetDefault("sinks.notify.enabled", false)
	v.SetDefault("sinks.notify.urls", []string{})
	v.SetDefault("sinks.notify.title", "Floor impact detected")
	v.SetDefault("sinks.notify.device_id", "floorwatch")
	v.SetDefault("sinks.notify.min_interval", "30s")
	v.SetDefault("sinks.notify.burst", 1)
	v.SetDefault("sinks.notify.timeout", "10s")
	v.SetDefault("sinks.mqtt.enabled", false)
	v.SetDefault("sinks.mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("sinks.mqtt.client_id", "floorwatch")
	v.SetDefault("sinks.mqtt.username", "")
	v.SetDefault("sinks.mqtt.password", "")
	v.SetDefault("sinks.mqtt.topic_prefix", "floorwatch")
	v.SetDefault("sinks.mqtt.qos", 0)
	v.SetDefault("sinks.cloud.enabled", false)
	v.SetDefault("sinks.cloud.url", "ws://localhost:8080/ws/monitor")
	v.SetDefault("sinks.cloud.device_id", "floorwatch")
	v.SetDefault("sinks.cloud.token", "")
	v.SetDefault("sinks.cloud.reconnect_backoff", "1s")
	v.SetDefault("sinks.cloud.max_backoff", "30s")
	v.SetDefault("sinks.cloud.ping_interval", "10s")
	v.SetDefault("sinks.cloud.backlog", 100)

	// USB defaults
	v.SetDefault("usb.enabled", false)
	v.SetDefault("usb.vendor_id", 0x38FB)
	v.SetDefault("usb.product_id", 0x1001)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Enabled && (c.Server.Port < 1 || c.Server.Port > 65535) {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}

	if c.Server.StreamHz < 1 || c.Server.StreamHz > 50 {
		return fmt.Errorf("stream_hz must be between 1 and 50, got %d", c.Server.StreamHz)
	}

	if _, err := audio.ParseFormat(c.Audio.Format); err != nil {
		return err
	}

	if c.Audio.BlockSize < 1 {
		return fmt.Errorf("block_size must be positive, got %d", c.Audio.BlockSize)
	}

	if c.Sinks.Webhook.Enabled && c.Sinks.Webhook.URL == "" {
		return fmt.Errorf("sinks.webhook.url is required when the webhook is enabled")
	}

	if c.Sinks.Notify.Enabled && len(c.Sinks.Notify.URLs) == 0 {
		return fmt.Errorf("sinks.notify.urls is required when notifications are enabled")
	}

	if c.Sinks.MQTT.QoS < 0 || c.Sinks.MQTT.QoS > 2 {
		return fmt.Errorf("sinks.mqtt.qos must be 0, 1 or 2, got %d", c.Sinks.MQTT.QoS)
	}

	switch strings.ToLower(c.Logging.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		return fmt.Errorf("invalid logging level: %q", c.Logging.Level)
	}

	// The DSP chain checks its own parameters.
	if _, err := pipeline.New(c.PipelineConfig()); err != nil {
		return err
	}

	return nil
}

// CaptureConfig maps the audio section onto audio.CaptureConfig.
func (c *Config) CaptureConfig() (audio.CaptureConfig, error) {
	format, err := audio.ParseFormat(c.Audio.Format)
	if err != nil {
		return audio.CaptureConfig{}, err
	}
	return audio.CaptureConfig{
		Device:       c.Audio.Device,
		SampleRate:   c.Audio.SampleRate,
		Channels:     c.Audio.Channels,
		BlockSize:    c.Audio.BlockSize,
		Format:       format,
		BufferBlocks: c.Audio.BufferBlocks,
		QueueFrames:  c.Audio.QueueFrames,
	}, nil
}

// PipelineConfig maps the DSP sections onto pipeline.Config. The full
// scale follows audio.format unless level.full_scale overrides it.
func (c *Config) PipelineConfig() pipeline.Config {
	fullScale := c.Level.FullScale
	if fullScale <= 0 {
		fullScale = level.FullScaleInt16
		if f, err := audio.ParseFormat(c.Audio.Format); err == nil {
			fullScale = f.FullScale()
		}
	}

	return pipeline.Config{
		SampleRate:   c.Audio.SampleRate,
		Channels:     c.Audio.Channels,
		FilterLowHz:  c.Filter.LowHz,
		FilterHighHz: c.Filter.HighHz,
		FilterOrder:  c.Filter.Order,
		Level: level.Config{
			FullScale: fullScale,
			OffsetDB:  c.Level.OffsetDB,
			FloorDB:   c.Level.FloorDB,
			RMSFloor:  c.Level.RMSFloor,
			SNR:       level.BlockSNR{K: c.Level.SNRNoiseFactor, MaxDB: c.Level.SNRMaxDB},
		},
		DayThresholdDB:    c.Threshold.DayDB,
		NightThresholdDB:  c.Threshold.NightDB,
		DirectionStrategy: c.Direction.Strategy,
		DirectionMarginDB: c.Direction.MarginDB,
		Detector: detector.Config{
			Cooldown:         c.Detector.Cooldown,
			SNRGate:          c.Detector.SNRGate,
			SNRMinDB:         c.Detector.SNRMinDB,
			EventLogCapacity: c.Detector.EventLogCapacity,
		},
	}
}

// DispatcherConfig maps the sinks section onto pipeline.DispatcherConfig.
func (c *Config) DispatcherConfig() pipeline.DispatcherConfig {
	return pipeline.DispatcherConfig{
		QueueSize:   c.Sinks.QueueSize,
		SinkTimeout: c.Sinks.SinkTimeout,
	}
}
