package config

import (
	"fmt"
	"regexp"

	"github.com/e7canasta/beatlamp/internal/types"
)

var instanceIDPattern = regexp.MustCompile(`^[a-z0-9\-]+$`)

// Validate fills defaults and checks the configuration
func Validate(cfg *Config) error {
	applyDefaults(cfg)

	if !instanceIDPattern.MatchString(cfg.InstanceID) {
		return fmt.Errorf("instance_id must match pattern [a-z0-9-]+")
	}

	if cfg.MQTT.Port <= 0 || cfg.MQTT.Port > 65535 {
		return fmt.Errorf("mqtt.port must be 1-65535, got %d", cfg.MQTT.Port)
	}
	if cfg.MQTT.QoS > 2 {
		return fmt.Errorf("mqtt.qos must be 0, 1 or 2, got %d", cfg.MQTT.QoS)
	}
	if cfg.MQTT.ConnectRetries < 0 {
		return fmt.Errorf("mqtt.connect_retries must be >= 0")
	}
	if (cfg.MQTT.Username == "") != (cfg.MQTT.Password == "") {
		return fmt.Errorf("mqtt.username and mqtt.password must be set together")
	}

	switch cfg.Audio.Decoder {
	case "beep", "gstreamer":
	default:
		return fmt.Errorf("audio.decoder: unknown decoder '%s' (must be 'beep' or 'gstreamer')", cfg.Audio.Decoder)
	}

	switch cfg.Audio.Transport {
	case "speaker":
	case "mpd":
		if cfg.Audio.MPD.Address == "" {
			return fmt.Errorf("audio.mpd.address is required for the mpd transport")
		}
	default:
		return fmt.Errorf("audio.transport: unknown transport '%s' (must be 'speaker' or 'mpd')", cfg.Audio.Transport)
	}

	if cfg.Audio.HopSize > cfg.Audio.WindowSize {
		return fmt.Errorf("audio.hop_size (%d) must not exceed audio.window_size (%d)",
			cfg.Audio.HopSize, cfg.Audio.WindowSize)
	}
	if cfg.Audio.SampleRate < 8000 {
		return fmt.Errorf("audio.sample_rate must be >= 8000, got %d", cfg.Audio.SampleRate)
	}
	if cfg.Audio.Detector.Sensitivity < 1 {
		return fmt.Errorf("audio.detector.sensitivity must be >= 1.0")
	}

	switch cfg.Store.Fsync {
	case "always", "interval", "never":
	default:
		return fmt.Errorf("store.fsync: unknown mode '%s' (must be always, interval or never)", cfg.Store.Fsync)
	}

	return nil
}

func applyDefaults(cfg *Config) {
	if cfg.InstanceID == "" {
		cfg.InstanceID = "beatlamp"
	}
	if cfg.ShutdownTimeoutS <= 0 {
		cfg.ShutdownTimeoutS = 10
	}

	if cfg.MQTT.Host == "" {
		cfg.MQTT.Host = "broker.hivemq.com"
	}
	if cfg.MQTT.Port == 0 {
		cfg.MQTT.Port = 1883
	}
	if cfg.MQTT.KeepAliveS <= 0 {
		cfg.MQTT.KeepAliveS = 60
	}
	if cfg.MQTT.ConnectTimeoutS <= 0 {
		cfg.MQTT.ConnectTimeoutS = 5
	}
	if cfg.MQTT.Topics.Command == "" {
		cfg.MQTT.Topics.Command = types.TopicCommand
	}
	if cfg.MQTT.Topics.Colors == "" {
		cfg.MQTT.Topics.Colors = types.TopicColors
	}
	if cfg.MQTT.Topics.Status == "" {
		cfg.MQTT.Topics.Status = types.TopicStatus
	}

	if cfg.Audio.Decoder == "" {
		cfg.Audio.Decoder = "beep"
	}
	if cfg.Audio.Transport == "" {
		cfg.Audio.Transport = "speaker"
	}
	if cfg.Audio.SampleRate == 0 {
		cfg.Audio.SampleRate = 44100
	}
	if cfg.Audio.WindowSize <= 0 {
		cfg.Audio.WindowSize = 512
	}
	if cfg.Audio.HopSize <= 0 {
		cfg.Audio.HopSize = cfg.Audio.WindowSize / 2
	}
	if cfg.Audio.FrameIntervalMS <= 0 {
		cfg.Audio.FrameIntervalMS = 10
	}
	if len(cfg.Audio.Palette) == 0 {
		cfg.Audio.Palette = append([]string(nil), types.DefaultPalette...)
	}
	if cfg.Audio.NeutralColor == "" {
		cfg.Audio.NeutralColor = types.NeutralColor
	}
	if cfg.Audio.Detector.Threshold <= 0 {
		cfg.Audio.Detector.Threshold = 0.02
	}
	if cfg.Audio.Detector.Sensitivity == 0 {
		cfg.Audio.Detector.Sensitivity = 1.4
	}
	if cfg.Audio.Detector.History <= 0 {
		cfg.Audio.Detector.History = 43 // ~1s of hops at 44.1kHz/256
	}
	if cfg.Audio.Detector.MinGapMS <= 0 {
		cfg.Audio.Detector.MinGapMS = 250
	}

	if cfg.Store.DataDir == "" {
		cfg.Store.DataDir = "messages.db"
	}
	if cfg.Store.Fsync == "" {
		cfg.Store.Fsync = "always"
	}
	if cfg.Store.DrainTimeoutS <= 0 {
		cfg.Store.DrainTimeoutS = 10
	}

	if cfg.HTTP.Addr == "" {
		cfg.HTTP.Addr = ":8080"
	}
}
