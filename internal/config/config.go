// Package config holds the session configuration and its loader.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

// Config stores every tunable of a room session. Values come from a YAML file
// (optional) overlaid with environment variables.
type Config struct {
	Env       string          `yaml:"env" env:"ROOMLINK_ENV" env-default:"local"`
	API       APIConfig       `yaml:"api"`
	Signaling SignalingConfig `yaml:"signaling"`
	Room      RoomConfig      `yaml:"room"`
	Mesh      MeshConfig      `yaml:"mesh"`
	WebRTC    WebRTCConfig    `yaml:"webrtc"`
	Dedup     DedupConfig     `yaml:"dedup"`
	Media     MediaConfig     `yaml:"media"`
}

type APIConfig struct {
	BaseURL      string        `yaml:"base_url" env:"ROOMLINK_API_URL"`
	AccessToken  string        `yaml:"access_token" env:"ROOMLINK_ACCESS_TOKEN"`
	RefreshToken string        `yaml:"refresh_token" env:"ROOMLINK_REFRESH_TOKEN"`
	Timeout      time.Duration `yaml:"timeout" env:"ROOMLINK_API_TIMEOUT" env-default:"10s"`
}

type SignalingConfig struct {
	URL            string        `yaml:"url" env:"ROOMLINK_WS_URL"`
	ReconnectDelay time.Duration `yaml:"reconnect_delay" env:"ROOMLINK_WS_RECONNECT_DELAY" env-default:"3s"`
	WriteTimeout   time.Duration `yaml:"write_timeout" env:"ROOMLINK_WS_WRITE_TIMEOUT" env-default:"5s"`
}

type RoomConfig struct {
	ID          string `yaml:"id" env:"ROOMLINK_ROOM"`
	UserID      int64  `yaml:"user_id" env:"ROOMLINK_USER_ID"`
	DisplayName string `yaml:"display_name" env:"ROOMLINK_DISPLAY_NAME"`
}

type MeshConfig struct {
	ReconcileDebounce  time.Duration `yaml:"reconcile_debounce" env-default:"1s"`
	ReconcileInterval  time.Duration `yaml:"reconcile_interval" env-default:"15s"`
	JitterMin          time.Duration `yaml:"jitter_min" env-default:"1s"`
	JitterMax          time.Duration `yaml:"jitter_max" env-default:"3s"`
	MaxRetries         int           `yaml:"max_retries" env-default:"3"`
	RetryBackoff       time.Duration `yaml:"retry_backoff" env-default:"2s"`
	NegotiationTimeout time.Duration `yaml:"negotiation_timeout" env-default:"20s"`
}

type WebRTCConfig struct {
	ICEServers    []string `yaml:"ice_servers" env:"RTC_ICE_SERVERS" env-separator:","`
	ICEUsername   string   `yaml:"ice_username" env:"RTC_ICE_USERNAME"`
	ICECredential string   `yaml:"ice_credential" env:"RTC_ICE_CREDENTIAL"`
	UDPPortMin    uint16   `yaml:"udp_port_min" env:"RTC_UDP_PORT_MIN"`
	UDPPortMax    uint16   `yaml:"udp_port_max" env:"RTC_UDP_PORT_MAX"`
}

type DedupConfig struct {
	RedisAddr     string        `yaml:"redis_addr" env:"REDIS_ADDR"`
	RedisPassword string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB       int           `yaml:"redis_db" env:"REDIS_DB"`
	TTL           time.Duration `yaml:"ttl" env-default:"12h"`
}

type MediaConfig struct {
	StartMuted bool `yaml:"start_muted" env:"ROOMLINK_START_MUTED"`
	Video      bool `yaml:"video" env:"ROOMLINK_VIDEO"`
}

// Load reads the YAML file at path (skipped when path is empty or missing)
// and applies environment overrides and defaults.
func Load(path string) (*Config, error) {
	var cfg Config

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if err := cleanenv.ReadConfig(path, &cfg); err != nil {
				return nil, fmt.Errorf("cannot read config %s: %w", path, err)
			}
			cfg.setDefaults()
			return &cfg, nil
		}
	}

	if err := cleanenv.ReadEnv(&cfg); err != nil {
		return nil, fmt.Errorf("cannot read config from env: %w", err)
	}
	cfg.setDefaults()
	return &cfg, nil
}

// Path resolves the config file location: explicit flag value, then
// CONFIG_PATH, then config/local.yaml.
func Path(flagValue string) string {
	if flagValue != "" {
		return flagValue
	}
	if p := os.Getenv("CONFIG_PATH"); p != "" {
		return p
	}
	return "config/local.yaml"
}

func (c *Config) setDefaults() {
	if len(c.WebRTC.ICEServers) == 0 {
		c.WebRTC.ICEServers = []string{
			"stun:stun.l.google.com:19302",
			"stun:stun1.l.google.com:19302",
		}
	}
	if c.Mesh.JitterMax < c.Mesh.JitterMin {
		c.Mesh.JitterMax = c.Mesh.JitterMin
	}
	c.API.BaseURL = strings.TrimRight(c.API.BaseURL, "/")
	c.Signaling.URL = strings.TrimRight(c.Signaling.URL, "/")
}

// Validate reports the first missing or inconsistent setting.
func (c *Config) Validate() error {
	switch {
	case c.Room.ID == "":
		return errors.New("room id is required")
	case c.Room.UserID <= 0:
		return errors.New("user id must be a positive integer")
	case c.Signaling.URL == "":
		return errors.New("signaling url is required")
	case c.Mesh.MaxRetries < 0:
		return errors.New("mesh max_retries cannot be negative")
	case c.WebRTC.UDPPortMax != 0 && c.WebRTC.UDPPortMax < c.WebRTC.UDPPortMin:
		return fmt.Errorf("invalid udp port range %d-%d", c.WebRTC.UDPPortMin, c.WebRTC.UDPPortMax)
	}
	return nil
}
