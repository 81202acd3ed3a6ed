// Package config loads the settings of a netplay peer from a YAML file, a
// .env file and NETPLAY_* environment variables, in increasing precedence.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/mcdev12/netplay/go/internal/netplay/wire"
)

var ErrInvalid = errors.New("config: invalid value")

const (
	TransportWebSocket = "websocket"
	TransportNATS      = "nats"
)

type Config struct {
	PlayerName   string        `yaml:"player_name"`
	Role         string        `yaml:"role"`
	Delay        int           `yaml:"delay"`
	StallTimeout time.Duration `yaml:"stall_timeout"`
	TickRate     int           `yaml:"tick_rate"`

	Transport TransportConfig `yaml:"transport"`
	Spectator SpectatorConfig `yaml:"spectator"`
	Status    StatusConfig    `yaml:"status"`
	MatchLog  MatchLogConfig  `yaml:"matchlog"`
	Log       LogConfig       `yaml:"log"`
}

type TransportConfig struct {
	Kind          string        `yaml:"kind"`
	ListenAddr    string        `yaml:"listen_addr"`
	DialURL       string        `yaml:"dial_url"`
	NATSURL       string        `yaml:"nats_url"`
	SubjectPrefix string        `yaml:"subject_prefix"`
	MatchID       string        `yaml:"match_id"`
	PingInterval  time.Duration `yaml:"ping_interval"`
	ReadTimeout   time.Duration `yaml:"read_timeout"`
	WriteTimeout  time.Duration `yaml:"write_timeout"`
}

// SpectatorConfig is where a host accepts spectator relays. Empty disables
// spectating.
type SpectatorConfig struct {
	ListenAddr string `yaml:"listen_addr"`
}

type StatusConfig struct {
	Enabled bool   `yaml:"enabled"`
	Addr    string `yaml:"addr"`
}

// MatchLogConfig points at the Postgres match history. DSN wins over the
// individual connection fields when set.
type MatchLogConfig struct {
	Enabled  bool           `yaml:"enabled"`
	DSN      string         `yaml:"dsn"`
	Database DatabaseConfig `yaml:"database"`
}

// DatabaseConfig holds Postgres connection settings
type DatabaseConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	User     string `yaml:"user"`
	Password string `yaml:"password"`
	Database string `yaml:"name"`
	SSLMode  string `yaml:"sslmode"`
}

type LogConfig struct {
	Level   string `yaml:"level"`
	Console bool   `yaml:"console"`
}

// Default returns a host listening for a websocket peer on :7400
func Default() Config {
	return Config{
		PlayerName: "player",
		Role:       "host",
		Delay:      1,
		TickRate:   60,
		Transport: TransportConfig{
			Kind:          TransportWebSocket,
			ListenAddr:    ":7400",
			SubjectPrefix: "netplay",
			PingInterval:  30 * time.Second,
			ReadTimeout:   60 * time.Second,
			WriteTimeout:  10 * time.Second,
		},
		Status: StatusConfig{
			Enabled: true,
			Addr:    ":7480",
		},
		MatchLog: MatchLogConfig{
			Database: DatabaseConfig{
				Host:     "localhost",
				Port:     5432,
				User:     "postgres",
				Password: "postgres",
				Database: "netplay",
				SSLMode:  "disable",
			},
		},
		Log: LogConfig{
			Level:   "info",
			Console: true,
		},
	}
}

// Load reads .env (if present), then the YAML file at path (if non-empty),
// then applies environment overrides and validates the result.
func Load(path string) (Config, error) {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file, using environment variables")
	}

	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnv()
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	c.PlayerName = getEnv("NETPLAY_PLAYER_NAME", c.PlayerName)
	c.Role = getEnv("NETPLAY_ROLE", c.Role)
	c.Delay = getEnvAsInt("NETPLAY_DELAY", c.Delay)
	c.StallTimeout = getEnvAsDuration("NETPLAY_STALL_TIMEOUT", c.StallTimeout)
	c.TickRate = getEnvAsInt("NETPLAY_TICK_RATE", c.TickRate)

	t := &c.Transport
	t.Kind = getEnv("NETPLAY_TRANSPORT", t.Kind)
	t.ListenAddr = getEnv("NETPLAY_LISTEN_ADDR", t.ListenAddr)
	t.DialURL = getEnv("NETPLAY_DIAL_URL", t.DialURL)
	t.NATSURL = getEnv("NETPLAY_NATS_URL", t.NATSURL)
	t.SubjectPrefix = getEnv("NETPLAY_SUBJECT_PREFIX", t.SubjectPrefix)
	t.MatchID = getEnv("NETPLAY_MATCH_ID", t.MatchID)
	t.PingInterval = getEnvAsDuration("NETPLAY_PING_INTERVAL", t.PingInterval)
	t.ReadTimeout = getEnvAsDuration("NETPLAY_READ_TIMEOUT", t.ReadTimeout)
	t.WriteTimeout = getEnvAsDuration("NETPLAY_WRITE_TIMEOUT", t.WriteTimeout)

	c.Spectator.ListenAddr = getEnv("NETPLAY_SPECTATOR_ADDR", c.Spectator.ListenAddr)
	c.Status.Enabled = getEnvAsBool("NETPLAY_STATUS_ENABLED", c.Status.Enabled)
	c.Status.Addr = getEnv("NETPLAY_STATUS_ADDR", c.Status.Addr)

	m := &c.MatchLog
	m.Enabled = getEnvAsBool("NETPLAY_MATCHLOG_ENABLED", m.Enabled)
	m.DSN = getEnv("NETPLAY_MATCHLOG_DSN", m.DSN)
	m.Database.Host = getEnv("DB_HOST", m.Database.Host)
	m.Database.Port = getEnvAsInt("DB_PORT", m.Database.Port)
	m.Database.User = getEnv("DB_USER", m.Database.User)
	m.Database.Password = getEnv("DB_PASSWORD", m.Database.Password)
	m.Database.Database = getEnv("DB_NAME", m.Database.Database)
	m.Database.SSLMode = getEnv("DB_SSLMODE", m.Database.SSLMode)

	c.Log.Level = getEnv("NETPLAY_LOG_LEVEL", c.Log.Level)
	c.Log.Console = getEnvAsBool("NETPLAY_LOG_CONSOLE", c.Log.Console)
}

// Validate reports the first setting that cannot work
func (c Config) Validate() error {
	switch c.Role {
	case "host", "guest", "spectator":
	default:
		return fmt.Errorf("%w: role %q", ErrInvalid, c.Role)
	}
	if c.PlayerName == "" {
		return fmt.Errorf("%w: player_name is empty", ErrInvalid)
	}
	if c.Delay < 0 || c.Delay > int(wire.MaxDelay) {
		return fmt.Errorf("%w: delay %d outside 0..%d", ErrInvalid, c.Delay, wire.MaxDelay)
	}
	if c.StallTimeout < 0 {
		return fmt.Errorf("%w: negative stall_timeout", ErrInvalid)
	}
	if c.TickRate <= 0 {
		return fmt.Errorf("%w: tick_rate must be positive", ErrInvalid)
	}

	t := c.Transport
	for name, d := range map[string]time.Duration{
		"ping_interval": t.PingInterval,
		"read_timeout":  t.ReadTimeout,
		"write_timeout": t.WriteTimeout,
	} {
		if d <= 0 {
			return fmt.Errorf("%w: transport.%s must be positive", ErrInvalid, name)
		}
	}
	switch t.Kind {
	case TransportWebSocket:
		if c.Role == "host" && t.ListenAddr == "" {
			return fmt.Errorf("%w: host needs transport.listen_addr", ErrInvalid)
		}
		if c.Role != "host" && t.DialURL == "" {
			return fmt.Errorf("%w: %s needs transport.dial_url", ErrInvalid, c.Role)
		}
	case TransportNATS:
		if t.NATSURL == "" || t.MatchID == "" {
			return fmt.Errorf("%w: nats transport needs nats_url and match_id", ErrInvalid)
		}
	default:
		return fmt.Errorf("%w: transport.kind %q", ErrInvalid, t.Kind)
	}

	if c.MatchLog.Enabled && c.MatchLog.DSN == "" && c.MatchLog.Database.Host == "" {
		return fmt.Errorf("%w: matchlog enabled without a database", ErrInvalid)
	}
	return nil
}

// ConnString returns the Postgres connection URL of the match log
func (m MatchLogConfig) ConnString() string {
	if m.DSN != "" {
		return m.DSN
	}
	d := m.Database
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=%s",
		d.User, d.Password, d.Host, d.Port, d.Database, d.SSLMode,
	)
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}
