// Package config loads the YAML configuration shared by the collab commands.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	TransportMemory    = "memory"
	TransportRedis     = "redis"
	TransportWebsocket = "websocket"
)

type Config struct {
	// Document is the id of the document to join.
	Document  string    `yaml:"document"`
	User      User      `yaml:"user"`
	Transport Transport `yaml:"transport"`
	Session   Session   `yaml:"session"`
	Relay     Relay     `yaml:"relay"`
	Log       Log       `yaml:"log"`
	History   History   `yaml:"history"`
}

type User struct {
	// ID is carried in presence. Each session still gets its own replica id.
	ID    string `yaml:"id"`
	Name  string `yaml:"name"`
	Color string `yaml:"color"`
}

type Transport struct {
	Kind      string    `yaml:"kind"`
	Redis     Redis     `yaml:"redis"`
	Websocket Websocket `yaml:"websocket"`
}

type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
	Prefix   string `yaml:"prefix"`
}

type Websocket struct {
	URL         string        `yaml:"url"`
	DialTimeout time.Duration `yaml:"dialTimeout"`
}

type Session struct {
	Debounce        time.Duration `yaml:"debounce"`
	MaxBatchDelay   time.Duration `yaml:"maxBatchDelay"`
	Heartbeat       time.Duration `yaml:"heartbeat"`
	SyncTimeout     time.Duration `yaml:"syncTimeout"`
	PresenceTimeout time.Duration `yaml:"presenceTimeout"`
	SendTimeout     time.Duration `yaml:"sendTimeout"`
}

type Relay struct {
	Addr            string  `yaml:"addr"`
	SendQueue       int     `yaml:"sendQueue"`
	FramesPerSecond float64 `yaml:"framesPerSecond"`
	Burst           int     `yaml:"burst"`
}

type Log struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// History configures text snapshots. An empty path disables them.
type History struct {
	Path     string        `yaml:"path"`
	Interval time.Duration `yaml:"interval"`
}

func Default() Config {
	return Config{
		Document: "default",
		Transport: Transport{
			Kind:      TransportWebsocket,
			Redis:     Redis{Addr: "localhost:6379", Prefix: "collab:"},
			Websocket: Websocket{URL: "http://localhost:8080", DialTimeout: 10 * time.Second},
		},
		Session: Session{
			Debounce:        50 * time.Millisecond,
			MaxBatchDelay:   500 * time.Millisecond,
			Heartbeat:       30 * time.Second,
			SyncTimeout:     2 * time.Second,
			PresenceTimeout: 60 * time.Second,
			SendTimeout:     5 * time.Second,
		},
		Relay: Relay{Addr: "localhost:8080", SendQueue: 256, FramesPerSecond: 200, Burst: 400},
		Log:   Log{Level: "info", Format: "text"},
		History: History{
			Interval: 5 * time.Second,
		},
	}
}

// Load reads path over the defaults. An empty path returns the defaults.
func Load(path string) (Config, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse config file %s: %w", path, err)
	}
	return cfg, nil
}

// Save writes cfg to path as YAML.
func Save(cfg Config, path string) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file: %w", err)
	}
	return nil
}

func (c Config) Validate() error {
	var errs []error
	if c.Document == "" {
		errs = append(errs, errors.New("document is required"))
	}
	switch c.Transport.Kind {
	case TransportMemory:
	case TransportRedis:
		if c.Transport.Redis.Addr == "" {
			errs = append(errs, errors.New("transport.redis.addr is required"))
		}
	case TransportWebsocket:
		if c.Transport.Websocket.URL == "" {
			errs = append(errs, errors.New("transport.websocket.url is required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown transport kind %q", c.Transport.Kind))
	}
	s := c.Session
	if s.Debounce < 0 || s.MaxBatchDelay < 0 || s.SyncTimeout < 0 || s.SendTimeout < 0 {
		errs = append(errs, errors.New("session durations must not be negative"))
	}
	if s.Heartbeat <= 0 {
		errs = append(errs, errors.New("session.heartbeat must be positive"))
	}
	if s.PresenceTimeout <= s.Heartbeat {
		errs = append(errs, fmt.Errorf("session.presenceTimeout (%s) must exceed session.heartbeat (%s)", s.PresenceTimeout, s.Heartbeat))
	}
	if c.History.Path != "" && c.History.Interval <= 0 {
		errs = append(errs, errors.New("history.interval must be positive"))
	}
	return errors.Join(errs...)
}
