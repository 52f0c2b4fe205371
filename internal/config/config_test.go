package config

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/teslashibe/floorwatch/internal/audio"
	"github.com/teslashibe/floorwatch/internal/doa"
	"github.com/teslashibe/floorwatch/internal/dsp"
	"github.com/teslashibe/floorwatch/internal/dsp/level"
)

func TestDefault(t *testing.T) {
	cfg := Default()

	if cfg.Server.Port != 9000 {
		t.Errorf("expected port 9000, got %d", cfg.Server.Port)
	}

	if cfg.Audio.SampleRate != 48000 || cfg.Audio.Channels != 2 || cfg.Audio.BlockSize != 2048 {
		t.Errorf("unexpected audio defaults %+v", cfg.Audio)
	}

	if cfg.Filter.LowHz != 40 || cfg.Filter.HighHz != 250 || cfg.Filter.Order != 4 {
		t.Errorf("unexpected filter defaults %+v", cfg.Filter)
	}

	if cfg.Level.OffsetDB != 72 {
		t.Errorf("expected offset_db 72, got %f", cfg.Level.OffsetDB)
	}

	if cfg.Threshold.DayDB != 39 || cfg.Threshold.NightDB != 34 {
		t.Errorf("expected thresholds 39/34, got %f/%f", cfg.Threshold.DayDB, cfg.Threshold.NightDB)
	}

	if cfg.Detector.Cooldown != time.Second {
		t.Errorf("expected cooldown 1s, got %v", cfg.Detector.Cooldown)
	}

	if cfg.Sinks.Webhook.Timeout != time.Second {
		t.Errorf("expected webhook timeout 1s, got %v", cfg.Sinks.Webhook.Timeout)
	}

	if cfg.USB.VendorID != 0x38FB {
		t.Errorf("expected vendor_id 0x38FB, got %#x", cfg.USB.VendorID)
	}

	if cfg.Logging.Level != "info" {
		t.Errorf("expected level info, got %s", cfg.Logging.Level)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("default config should validate: %v", err)
	}
}

func TestLoad_NoFile(t *testing.T) {
	// Load with non-existent file should use defaults
	cfg, err := Load("/nonexistent/path.yaml")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 9000 {
		t.Errorf("expected default port 9000, got %d", cfg.Server.Port)
	}
}

func TestLoad_WithFile(t *testing.T) {
	// Create temp config file
	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")

	configContent := `
server:
  port: 8080
audio:
  format: s32
  channels: 1
threshold:
  day_db: 45
  night_db: 40
detector:
  cooldown: 2500ms
sinks:
  notify:
    enabled: true
    urls:
      - telegram://token@telegram?chats=@floor
  mqtt:
    qos: 1
logging:
  level: debug
  format: text
`
	if err := os.WriteFile(configPath, []byte(configContent), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	cfg, err := Load(configPath)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}

	if cfg.Audio.Format != "s32" || cfg.Audio.Channels != 1 {
		t.Errorf("unexpected audio section %+v", cfg.Audio)
	}

	if cfg.Detector.Cooldown != 2500*time.Millisecond {
		t.Errorf("expected cooldown 2.5s, got %v", cfg.Detector.Cooldown)
	}

	if len(cfg.Sinks.Notify.URLs) != 1 {
		t.Errorf("expected one notify url, got %v", cfg.Sinks.Notify.URLs)
	}

	if cfg.Logging.Level != "debug" {
		t.Errorf("expected level debug, got %s", cfg.Logging.Level)
	}

	// Untouched keys keep their defaults.
	if cfg.Filter.HighHz != 250 {
		t.Errorf("expected default high_hz 250, got %f", cfg.Filter.HighHz)
	}

	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() error = %v", err)
	}
}

func TestLoad_InvalidFile(t *testing.T) {
	configPath := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configPath, []byte("server: [port"), 0644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}

	if _, err := Load(configPath); err == nil {
		t.Error("expected an error for malformed YAML")
	}
}

func TestLoad_EnvOverride(t *testing.T) {
	t.Setenv("FLOORWATCH_SERVER_PORT", "7777")
	t.Setenv("FLOORWATCH_THRESHOLD_NIGHT_DB", "30.5")
	t.Setenv("FLOORWATCH_SINKS_WEBHOOK_URL", "http://hooks.local/noise")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if cfg.Server.Port != 7777 {
		t.Errorf("expected port 7777 from env, got %d", cfg.Server.Port)
	}

	if cfg.Threshold.NightDB != 30.5 {
		t.Errorf("expected night_db 30.5 from env, got %f", cfg.Threshold.NightDB)
	}

	if cfg.Sinks.Webhook.URL != "http://hooks.local/noise" {
		t.Errorf("expected webhook url from env, got %q", cfg.Sinks.Webhook.URL)
	}
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		modify  func(*Config)
		wantErr bool
	}{
		{
			name:    "valid default config",
			modify:  func(c *Config) {},
			wantErr: false,
		},
		{
			name: "invalid port too low",
			modify: func(c *Config) {
				c.Server.Port = 0
			},
			wantErr: true,
		},
		{
			name: "port ignored with server disabled",
			modify: func(c *Config) {
				c.Server.Enabled = false
				c.Server.Port = 0
			},
			wantErr: false,
		},
		{
			name: "invalid port too high",
			modify: func(c *Config) {
				c.Server.Port = 70000
			},
			wantErr: true,
		},
		{
			name: "unknown sample format",
			modify: func(c *Config) {
				c.Audio.Format = "f32"
			},
			wantErr: true,
		},
		{
			name: "band above nyquist",
			modify: func(c *Config) {
				c.Filter.HighHz = 30000
			},
			wantErr: true,
		},
		{
			name: "night limit above day limit",
			modify: func(c *Config) {
				c.Threshold.NightDB = 50
			},
			wantErr: true,
		},
		{
			name: "unknown direction strategy",
			modify: func(c *Config) {
				c.Direction.Strategy = "music"
			},
			wantErr: true,
		},
		{
			name: "webhook without url",
			modify: func(c *Config) {
				c.Sinks.Webhook.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "notify without urls",
			modify: func(c *Config) {
				c.Sinks.Notify.Enabled = true
			},
			wantErr: true,
		},
		{
			name: "invalid mqtt qos",
			modify: func(c *Config) {
				c.Sinks.MQTT.QoS = 3
			},
			wantErr: true,
		},
		{
			name: "invalid logging level",
			modify: func(c *Config) {
				c.Logging.Level = "verbose"
			},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.modify(cfg)

			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidate_DSPErrorsAreConfigErrors(t *testing.T) {
	cfg := Default()
	cfg.Filter.Order = 0

	if err := cfg.Validate(); !errors.Is(err, dsp.ErrConfig) {
		t.Errorf("expected dsp.ErrConfig, got %v", err)
	}
}

func TestPipelineConfig(t *testing.T) {
	cfg := Default()
	pc := cfg.PipelineConfig()

	if pc.SampleRate != 48000 || pc.Channels != 2 {
		t.Errorf("unexpected layout %d Hz x %d", pc.SampleRate, pc.Channels)
	}

	if pc.Level.FullScale != level.FullScaleInt16 {
		t.Errorf("expected int16 full scale, got %f", pc.Level.FullScale)
	}

	if pc.Level.OffsetDB != 72 || pc.DayThresholdDB != 39 || pc.NightThresholdDB != 34 {
		t.Errorf("unexpected calibration %+v", pc)
	}

	if pc.DirectionStrategy != doa.StrategyGCCPHAT {
		t.Errorf("expected gcc-phat, got %s", pc.DirectionStrategy)
	}

	if pc.Detector.EventLogCapacity != 20 || !pc.Detector.SNRGate {
		t.Errorf("unexpected detector config %+v", pc.Detector)
	}

	cfg.Audio.Format = "s32"
	if got := cfg.PipelineConfig().Level.FullScale; got != level.FullScaleInt32 {
		t.Errorf("expected int32 full scale for s32, got %f", got)
	}

	cfg.Level.FullScale = 8388608
	if got := cfg.PipelineConfig().Level.FullScale; got != 8388608 {
		t.Errorf("expected explicit full scale, got %f", got)
	}
}

func TestCaptureConfig(t *testing.T) {
	cfg := Default()
	cfg.Audio.Device = "ReSpeaker"
	cfg.Audio.Format = "S32_LE"

	cc, err := cfg.CaptureConfig()
	if err != nil {
		t.Fatalf("CaptureConfig() error = %v", err)
	}

	if cc.Format != audio.FormatS32 || cc.Device != "ReSpeaker" || cc.BlockSize != 2048 {
		t.Errorf("unexpected capture config %+v", cc)
	}
}

func TestServerConfig_Timeouts(t *testing.T) {
	cfg := Default()

	if cfg.Server.ReadTimeout != 10*time.Second {
		t.Errorf("expected read_timeout 10s, got %v", cfg.Server.ReadTimeout)
	}

	if cfg.Server.WriteTimeout != 10*time.Second {
		t.Errorf("expected write_timeout 10s, got %v", cfg.Server.WriteTimeout)
	}

	if cfg.Server.GracefulTimeout != 5*time.Second {
		t.Errorf("expected graceful_timeout 5s, got %v", cfg.Server.GracefulTimeout)
	}
}
