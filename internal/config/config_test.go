package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/e7canasta/beatlamp/internal/types"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "beatlamp.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadEmptyPathYieldsDefaults(t *testing.T) {
	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.MQTT.Host != "broker.hivemq.com" || cfg.MQTT.Port != 1883 {
		t.Errorf("broker = %s:%d", cfg.MQTT.Host, cfg.MQTT.Port)
	}
	if cfg.MQTT.Topics.Status != types.TopicStatus || cfg.MQTT.Topics.Colors != types.TopicColors {
		t.Errorf("topics = %+v", cfg.MQTT.Topics)
	}
	if cfg.Audio.HopSize != cfg.Audio.WindowSize/2 {
		t.Errorf("hop = %d, window = %d", cfg.Audio.HopSize, cfg.Audio.WindowSize)
	}
	if len(cfg.Audio.Palette) != len(types.DefaultPalette) || cfg.Audio.NeutralColor != types.NeutralColor {
		t.Errorf("palette = %v neutral = %s", cfg.Audio.Palette, cfg.Audio.NeutralColor)
	}
	if cfg.Store.Fsync != "always" || cfg.HTTP.Addr != ":8080" || cfg.ShutdownTimeoutS != 10 {
		t.Errorf("store/http defaults: %+v %+v %d", cfg.Store, cfg.HTTP, cfg.ShutdownTimeoutS)
	}
}

func TestDefaultPaletteIsCopied(t *testing.T) {
	cfg := Default()
	cfg.Audio.Palette[0] = "black"
	if types.DefaultPalette[0] != "red" {
		t.Fatal("Default aliased the package palette")
	}
}

func TestLoadYAML(t *testing.T) {
	path := writeConfig(t, `
instance_id: living-room
mqtt:
  host: 10.0.0.5
  port: 8883
  username: lamp
  password: secret
  connect_retries: 3
audio:
  transport: mpd
  hop_size: 128
  palette: [white, blue]
  mpd:
    address: /run/mpd/socket
store:
  data_dir: /var/lib/beatlamp
  fsync: interval
`)
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.InstanceID != "living-room" || cfg.MQTT.Host != "10.0.0.5" || cfg.MQTT.Port != 8883 {
		t.Errorf("unexpected: %+v", cfg.MQTT)
	}
	if cfg.MQTT.ConnectRetries != 3 || cfg.Audio.Transport != "mpd" || cfg.Audio.HopSize != 128 {
		t.Errorf("unexpected: retries=%d transport=%s hop=%d", cfg.MQTT.ConnectRetries, cfg.Audio.Transport, cfg.Audio.HopSize)
	}
	if strings.Join(cfg.Audio.Palette, ",") != "white,blue" {
		t.Errorf("palette = %v", cfg.Audio.Palette)
	}
	if cfg.Store.Fsync != "interval" || cfg.Store.DataDir != "/var/lib/beatlamp" {
		t.Errorf("store = %+v", cfg.Store)
	}
}

func TestEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "mqtt:\n  host: from-file\n")
	t.Setenv("BEATLAMP_MQTT_HOST", "from-env")
	t.Setenv("BEATLAMP_MQTT_PORT", "2883")
	t.Setenv("BEATLAMP_MQTT_AUTO_RECONNECT", "true")
	t.Setenv("BEATLAMP_HTTP_ADDR", "127.0.0.1:9090")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MQTT.Host != "from-env" || cfg.MQTT.Port != 2883 || !cfg.MQTT.AutoReconnect {
		t.Errorf("mqtt = %+v", cfg.MQTT)
	}
	if cfg.HTTP.Addr != "127.0.0.1:9090" {
		t.Errorf("http addr = %s", cfg.HTTP.Addr)
	}
}

func TestValidateRejects(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
		want   string
	}{
		{"instance id", func(c *Config) { c.InstanceID = "Living Room" }, "instance_id"},
		{"port", func(c *Config) { c.MQTT.Port = 70000 }, "mqtt.port"},
		{"qos", func(c *Config) { c.MQTT.QoS = 3 }, "mqtt.qos"},
		{"retries", func(c *Config) { c.MQTT.ConnectRetries = -1 }, "connect_retries"},
		{"credentials", func(c *Config) { c.MQTT.Username = "lamp" }, "username"},
		{"decoder", func(c *Config) { c.Audio.Decoder = "ffmpeg" }, "audio.decoder"},
		{"transport", func(c *Config) { c.Audio.Transport = "alsa" }, "audio.transport"},
		{"mpd address", func(c *Config) { c.Audio.Transport = "mpd" }, "audio.mpd.address"},
		{"hop", func(c *Config) { c.Audio.HopSize = 1024 }, "hop_size"},
		{"rate", func(c *Config) { c.Audio.SampleRate = 4000 }, "sample_rate"},
		{"sensitivity", func(c *Config) { c.Audio.Detector.Sensitivity = 0.5 }, "sensitivity"},
		{"fsync", func(c *Config) { c.Store.Fsync = "sometimes" }, "store.fsync"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default()
			tt.mutate(cfg)
			err := Validate(cfg)
			if err == nil {
				t.Fatal("expected error")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error %q does not mention %q", err, tt.want)
			}
		})
	}
}

func TestLoadMissingFile(t *testing.T) {
	if _, err := Load(filepath.Join(t.TempDir(), "nope.yaml")); err == nil {
		t.Fatal("expected error for missing file")
	}
}
