package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

type GRPC struct {
	Addr string `yaml:"addr"`
}

type HTTP struct {
	Addr           string        `yaml:"addr"`
	ReadTimeout    time.Duration `yaml:"readTimeout"`
	WriteTimeout   time.Duration `yaml:"writeTimeout"`
	IdleTimeout    time.Duration `yaml:"idleTimeout"`
	AdminToken     string        `yaml:"adminToken"`
	AllowedOrigins []string      `yaml:"allowedOrigins"`
}

type Logging struct {
	Env       string `yaml:"env"`       // dev|stage|prod
	Service   string `yaml:"service"`   // presence-service
	Version   string `yaml:"version"`   // v0.1.0
	Backend   string `yaml:"backend"`   // std|zap
	AddSource bool   `yaml:"addSource"` // false|true
	Debug     bool   `yaml:"debug"`     // false|true
}

type Postgres struct {
	DSN               string        `yaml:"dsn"`
	MaxConns          int32         `yaml:"maxConns"`
	MinConns          int32         `yaml:"minConns"`
	MaxConnLifetime   time.Duration `yaml:"maxConnLifetime"`
	MaxConnIdleTime   time.Duration `yaml:"maxConnIdleTime"`
	HealthCheckPeriod time.Duration `yaml:"healthCheckPeriod"`
	ApplicationName   string        `yaml:"applicationName"`
}

type Redis struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	DialTimeout  time.Duration `yaml:"dialTimeout"`
	ReadTimeout  time.Duration `yaml:"readTimeout"`
	WriteTimeout time.Duration `yaml:"writeTimeout"`
	// ConnectWait bounds the startup ping retries.
	ConnectWait time.Duration `yaml:"connectWait"`
}

// Assignment holds the matchmaking knobs.
type Assignment struct {
	MaxTotalRooms              int           `yaml:"maxTotalRooms"`
	MaxEmptyRooms              int           `yaml:"maxEmptyRooms"`
	DefaultMaxUsersPerRoom     int           `yaml:"defaultMaxUsersPerRoom"`
	MaxUserCreatedRoomsPerUser int           `yaml:"maxUserCreatedRoomsPerUser"`
	EmptyRoomIdleTTL           time.Duration `yaml:"emptyRoomIdleTTL"`
	DefaultRoomName            string        `yaml:"defaultRoomName"`
	RoomNamePrefix             string        `yaml:"roomNamePrefix"`
	TieBreak                   string        `yaml:"tieBreak"` // oldest|newest
}

type Replay struct {
	NonceReplayWindowSeconds int    `yaml:"nonceReplayWindowSeconds"`
	Store                    string `yaml:"store"` // memory|redis
}

func (r Replay) Window() time.Duration {
	return time.Duration(r.NonceReplayWindowSeconds) * time.Second
}

type Reaper struct {
	Interval time.Duration `yaml:"interval"`
	Disabled bool          `yaml:"disabled"`
}

type Config struct {
	HTTP       HTTP       `yaml:"http"`
	GRPC       GRPC       `yaml:"grpc"`
	Logging    Logging    `yaml:"logging"`
	Postgres   Postgres   `yaml:"postgres"`
	Redis      Redis      `yaml:"redis"`
	Assignment Assignment `yaml:"assignment"`
	Replay     Replay     `yaml:"replay"`
	Reaper     Reaper     `yaml:"reaper"`
}

func LoadConfig() (*Config, error) {
	path := os.Getenv("CONFIG_PATH")
	if path == "" {
		path = "./config/config.yaml"
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

func Parse(data []byte) (*Config, error) {
	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) validate() error {
	if c.HTTP.Addr == "" {
		return errors.New("http.addr is required")
	}
	if c.GRPC.Addr == "" {
		return errors.New("grpc.addr is required")
	}
	if c.Postgres.DSN == "" {
		return errors.New("postgres.dsn is required")
	}
	if c.Redis.Addr == "" {
		return errors.New("redis.addr is required")
	}
	if c.Assignment.MaxTotalRooms < 0 || c.Assignment.MaxEmptyRooms < 0 ||
		c.Assignment.DefaultMaxUsersPerRoom < 0 || c.Assignment.MaxUserCreatedRoomsPerUser < 0 {
		return errors.New("assignment limits must not be negative")
	}
	switch c.Assignment.TieBreak {
	case "", "oldest", "newest":
	default:
		return fmt.Errorf("assignment.tieBreak: unknown value %q", c.Assignment.TieBreak)
	}
	switch c.Replay.Store {
	case "", "memory", "redis":
	default:
		return fmt.Errorf("replay.store: unknown value %q", c.Replay.Store)
	}

	if c.Logging.Service == "" {
		c.Logging.Service = "presence-service"
	}
	if c.Logging.Env == "" {
		c.Logging.Env = "dev"
	}
	if c.Logging.Version == "" {
		c.Logging.Version = "v0.1.0"
	}
	if c.Logging.Backend == "" {
		c.Logging.Backend = "std"
	}

	c.HTTP.ReadTimeout = durationOr(c.HTTP.ReadTimeout, 10*time.Second)
	c.HTTP.WriteTimeout = durationOr(c.HTTP.WriteTimeout, 15*time.Second)
	c.HTTP.IdleTimeout = durationOr(c.HTTP.IdleTimeout, 60*time.Second)
	c.Redis.DialTimeout = durationOr(c.Redis.DialTimeout, 2*time.Second)
	c.Redis.ReadTimeout = durationOr(c.Redis.ReadTimeout, time.Second)
	c.Redis.WriteTimeout = durationOr(c.Redis.WriteTimeout, time.Second)
	c.Redis.ConnectWait = durationOr(c.Redis.ConnectWait, 30*time.Second)

	a := &c.Assignment
	a.MaxTotalRooms = intOr(a.MaxTotalRooms, 100)
	a.MaxEmptyRooms = intOr(a.MaxEmptyRooms, 10)
	a.DefaultMaxUsersPerRoom = intOr(a.DefaultMaxUsersPerRoom, 50)
	a.MaxUserCreatedRoomsPerUser = intOr(a.MaxUserCreatedRoomsPerUser, 5)
	a.EmptyRoomIdleTTL = durationOr(a.EmptyRoomIdleTTL, 24*time.Hour)
	if a.DefaultRoomName == "" {
		a.DefaultRoomName = "Lobby"
	}
	if a.RoomNamePrefix == "" {
		a.RoomNamePrefix = "Lobby #"
	}
	if a.TieBreak == "" {
		a.TieBreak = "oldest"
	}

	c.Replay.NonceReplayWindowSeconds = intOr(c.Replay.NonceReplayWindowSeconds, 300)
	if c.Replay.Store == "" {
		c.Replay.Store = "redis"
	}
	c.Reaper.Interval = durationOr(c.Reaper.Interval, time.Minute)
	return nil
}

func durationOr(d, def time.Duration) time.Duration {
	if d > 0 {
		return d
	}
	return def
}

func intOr(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}
