package config

import (
	"os"
	"strconv"
)

// FromEnv overlays BEATLAMP_* environment variables onto cfg.
func FromEnv(cfg *Config) {
	if v := os.Getenv("BEATLAMP_INSTANCE_ID"); v != "" {
		cfg.InstanceID = v
	}
	if v := os.Getenv("BEATLAMP_MQTT_HOST"); v != "" {
		cfg.MQTT.Host = v
	}
	if v := os.Getenv("BEATLAMP_MQTT_PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.Port = n
		}
	}
	if v := os.Getenv("BEATLAMP_MQTT_USERNAME"); v != "" {
		cfg.MQTT.Username = v
	}
	if v := os.Getenv("BEATLAMP_MQTT_PASSWORD"); v != "" {
		cfg.MQTT.Password = v
	}
	if v := os.Getenv("BEATLAMP_MQTT_CONNECT_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.MQTT.ConnectRetries = n
		}
	}
	if v := os.Getenv("BEATLAMP_MQTT_AUTO_RECONNECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.MQTT.AutoReconnect = b
		}
	}
	if v := os.Getenv("BEATLAMP_AUDIO_DECODER"); v != "" {
		cfg.Audio.Decoder = v
	}
	if v := os.Getenv("BEATLAMP_AUDIO_TRANSPORT"); v != "" {
		cfg.Audio.Transport = v
	}
	if v := os.Getenv("BEATLAMP_MPD_ADDRESS"); v != "" {
		cfg.Audio.MPD.Address = v
	}
	if v := os.Getenv("BEATLAMP_MPD_PASSWORD"); v != "" {
		cfg.Audio.MPD.Password = v
	}
	if v := os.Getenv("BEATLAMP_STORE_DATA_DIR"); v != "" {
		cfg.Store.DataDir = v
	}
	if v := os.Getenv("BEATLAMP_STORE_FSYNC"); v != "" {
		cfg.Store.Fsync = v
	}
	if v := os.Getenv("BEATLAMP_HTTP_ADDR"); v != "" {
		cfg.HTTP.Addr = v
	}
}
