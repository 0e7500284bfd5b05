package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config represents the complete beatlamp configuration
type Config struct {
	InstanceID       string      `yaml:"instance_id"`
	ShutdownTimeoutS int         `yaml:"shutdown_timeout_s"` // Graceful shutdown timeout in seconds (default: 10)
	MQTT             MQTTConfig  `yaml:"mqtt"`
	Audio            AudioConfig `yaml:"audio"`
	Store            StoreConfig `yaml:"store"`
	HTTP             HTTPConfig  `yaml:"http"`
}

// MQTTConfig contains MQTT broker settings
type MQTTConfig struct {
	Host            string     `yaml:"host"`
	Port            int        `yaml:"port"`
	Username        string     `yaml:"username"`
	Password        string     `yaml:"password"`
	KeepAliveS      int        `yaml:"keepalive_s"`
	ConnectTimeoutS int        `yaml:"connect_timeout_s"`
	ConnectRetries  int        `yaml:"connect_retries"` // 0 = single attempt
	AutoReconnect   bool       `yaml:"auto_reconnect"`
	QoS             byte       `yaml:"qos"`
	Topics          MQTTTopics `yaml:"topics"`
}

// MQTTTopics contains the lamp topics
type MQTTTopics struct {
	Command string `yaml:"command"`
	Colors  string `yaml:"colors"`
	Status  string `yaml:"status"`
}

// AudioConfig contains decoding, analysis and playback settings
type AudioConfig struct {
	Decoder         string         `yaml:"decoder"`   // beep, gstreamer
	Transport       string         `yaml:"transport"` // speaker, mpd
	SampleRate      int            `yaml:"sample_rate"`
	WindowSize      int            `yaml:"window_size"`
	HopSize         int            `yaml:"hop_size"`
	FrameIntervalMS int            `yaml:"frame_interval_ms"`
	Palette         []string       `yaml:"palette"`
	NeutralColor    string         `yaml:"neutral_color"`
	Detector        DetectorConfig `yaml:"detector"`
	MPD             MPDConfig      `yaml:"mpd"`
}

// DetectorConfig tunes the energy beat detector
type DetectorConfig struct {
	Threshold   float64 `yaml:"threshold"`   // minimum window RMS
	Sensitivity float64 `yaml:"sensitivity"` // ratio over the running average
	History     int     `yaml:"history"`     // windows kept for the running average
	MinGapMS    int     `yaml:"min_gap_ms"`  // refractory period between beats
}

// MPDConfig points the mpd transport at a running daemon
type MPDConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	MusicDir string `yaml:"music_dir"` // local path that mpd URIs are relative to
}

// StoreConfig contains durable message store settings
type StoreConfig struct {
	DataDir       string `yaml:"data_dir"`
	Fsync         string `yaml:"fsync"` // always, interval, never
	DrainTimeoutS int    `yaml:"drain_timeout_s"`
}

// HTTPConfig contains the control/health server settings
type HTTPConfig struct {
	Addr string `yaml:"addr"`
}

// Default returns built-in defaults. The broker matches the public HiveMQ
// instance the lamp firmware talks to.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

// Load reads and parses a YAML configuration file. An empty path yields defaults.
func Load(path string) (*Config, error) {
	cfg := &Config{}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	FromEnv(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}
