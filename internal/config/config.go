// Package config provides application configuration: built-in defaults, an
// optional TOML file, a .env file and environment variable overrides, applied
// in that order.  Use the package-level Get() function to obtain the singleton
// Config instance.
package config

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Sub-config structs
// ──────────────────────────────────────────────────────────────────────────────

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port                 string   `toml:"port"`            // e.g. "8080"
	BackofficePort       string   `toml:"backoffice_port"` // e.g. "8081"
	Env                  string   `toml:"env"`             // "development" | "production"
	ReadTimeout          Duration `toml:"read_timeout"`
	WriteTimeout         Duration `toml:"write_timeout"`
	ShutdownTimeout      Duration `toml:"shutdown_timeout"`
	BackofficeAllowedIPs string   `toml:"backoffice_allowed_ips"` // comma-separated IPs; "" = allow all
}

// DBConfig holds PostgreSQL connection settings.
type DBConfig struct {
	DSN             string   `toml:"dsn"`
	MaxOpenConns    int      `toml:"max_open_conns"`
	MaxIdleConns    int      `toml:"max_idle_conns"`
	ConnMaxLifetime Duration `toml:"conn_max_lifetime"`
	MigrationsDir   string   `toml:"migrations_dir"`
}

// JWTConfig holds the secret used to verify access tokens on /ws.
type JWTConfig struct {
	AccessSecret string `toml:"access_secret"` // must be set
}

// WSConfig holds connection pool, heartbeat and subscription defaults.
type WSConfig struct {
	AllowedOrigins            []string `toml:"allowed_origins"` // empty = allow all
	MaxConnectionsTotal       int      `toml:"max_connections_total"`
	MaxConnectionsPerIdentity int      `toml:"max_connections_per_identity"`
	HeartbeatInterval         Duration `toml:"heartbeat_interval"`
	HeartbeatTimeout          Duration `toml:"heartbeat_timeout"`
	SendBuffer                int      `toml:"send_buffer"`      // per-connection outbound queue
	MaxMessageSize            int64    `toml:"max_message_size"` // inbound frame limit, bytes
	DefaultTopics             []string `toml:"default_topics"`
	AvailableTopics           []string `toml:"available_topics"`
	UpgradesPerMinute         int      `toml:"upgrades_per_minute"` // per client IP
}

// ScheduleConfig holds robfig/cron specs for the broadcast jobs.
type ScheduleConfig struct {
	Earnings string `toml:"earnings"`
	Balance  string `toml:"balance"`
	Market   string `toml:"market"`
	Cleanup  string `toml:"cleanup"`
}

// StatsConfig holds StatsCollector sizing.
type StatsConfig struct {
	HistorySize int `toml:"history_size"`
	EventBuffer int `toml:"event_buffer"`
}

// RedisConfig holds the balance-correction bus settings.  An empty Addr keeps
// corrections in-process.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
	Channel  string `toml:"channel"`
}

// AdminConfig holds back-office credentials.
type AdminConfig struct {
	APIKeyHash string `toml:"api_key_hash"` // bcrypt hash of the X-Admin-Key value
}

// ──────────────────────────────────────────────────────────────────────────────
// Top-level Config
// ──────────────────────────────────────────────────────────────────────────────

// Config is the root configuration object for the entire application.
type Config struct {
	Server   ServerConfig   `toml:"server"`
	DB       DBConfig       `toml:"db"`
	JWT      JWTConfig      `toml:"jwt"`
	WS       WSConfig       `toml:"ws"`
	Schedule ScheduleConfig `toml:"schedule"`
	Stats    StatsConfig    `toml:"stats"`
	Redis    RedisConfig    `toml:"redis"`
	Admin    AdminConfig    `toml:"admin"`
}

// Duration wraps time.Duration so the TOML decoder can read "30s" strings.
type Duration struct {
	time.Duration
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (d *Duration) UnmarshalText(text []byte) error {
	var err error
	d.Duration, err = time.ParseDuration(string(text))
	return err
}

// MarshalText implements encoding.TextMarshaler.
func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Defaults returns a Config populated with development defaults.
func Defaults() Config {
	return Config{
		Server: ServerConfig{
			Port:            "8080",
			BackofficePort:  "8081",
			Env:             "development",
			ReadTimeout:     Duration{10 * time.Second},
			WriteTimeout:    Duration{10 * time.Second},
			ShutdownTimeout: Duration{10 * time.Second},
		},
		DB: DBConfig{
			DSN:             "host=localhost port=5432 user=postgres dbname=slotmine sslmode=disable",
			MaxOpenConns:    25,
			MaxIdleConns:    10,
			ConnMaxLifetime: Duration{5 * time.Minute},
			MigrationsDir:   "migrations",
		},
		WS: WSConfig{
			MaxConnectionsTotal:       10000,
			MaxConnectionsPerIdentity: 5,
			HeartbeatInterval:         Duration{30 * time.Second},
			HeartbeatTimeout:          Duration{10 * time.Second},
			SendBuffer:                256,
			MaxMessageSize:            4096,
			DefaultTopics:             []string{"all"},
			AvailableTopics:           []string{"earnings", "balance", "market", "all"},
			UpgradesPerMinute:         30,
		},
		Schedule: ScheduleConfig{
			Earnings: "@every 1s",
			Balance:  "@every 5s",
			Market:   "@every 30s",
			Cleanup:  "@every 1m",
		},
		Stats: StatsConfig{
			HistorySize: 1000,
			EventBuffer: 4096,
		},
		Redis: RedisConfig{
			Channel: "slotmine:balance_corrections",
		},
	}
}

// IsProd returns true when running in the production environment.
func (c *Config) IsProd() bool {
	return c.Server.Env == "production"
}

// Validate checks that all required configuration values are present and valid.
// Every failure is reported, joined with errors.Join.
func (c *Config) Validate() error {
	var errs []error

	if c.JWT.AccessSecret == "" {
		errs = append(errs, errors.New("JWT_ACCESS_SECRET must be set"))
	}
	if c.DB.DSN == "" {
		errs = append(errs, errors.New("DATABASE_DSN must be set"))
	}
	if c.IsProd() && c.Admin.APIKeyHash == "" {
		errs = append(errs, errors.New("ADMIN_API_KEY_HASH must be set in production"))
	}

	if c.WS.MaxConnectionsTotal <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_CONNECTIONS_TOTAL must be positive, got %d", c.WS.MaxConnectionsTotal))
	}
	if c.WS.MaxConnectionsPerIdentity <= 0 {
		errs = append(errs, fmt.Errorf("WS_MAX_CONNECTIONS_PER_IDENTITY must be positive, got %d", c.WS.MaxConnectionsPerIdentity))
	}
	if c.WS.HeartbeatInterval.Duration <= 0 || c.WS.HeartbeatTimeout.Duration <= 0 {
		errs = append(errs, fmt.Errorf("heartbeat interval and timeout must be positive, got %s / %s",
			c.WS.HeartbeatInterval.Duration, c.WS.HeartbeatTimeout.Duration))
	}
	if c.WS.SendBuffer <= 0 {
		errs = append(errs, fmt.Errorf("WS_SEND_BUFFER must be positive, got %d", c.WS.SendBuffer))
	}

	if c.Stats.HistorySize <= 0 {
		errs = append(errs, fmt.Errorf("STATS_HISTORY_SIZE must be positive, got %d", c.Stats.HistorySize))
	}
	if c.Stats.EventBuffer <= 0 {
		errs = append(errs, fmt.Errorf("STATS_EVENT_BUFFER must be positive, got %d", c.Stats.EventBuffer))
	}

	for name, spec := range map[string]string{
		"earnings": c.Schedule.Earnings,
		"balance":  c.Schedule.Balance,
		"market":   c.Schedule.Market,
		"cleanup":  c.Schedule.Cleanup,
	} {
		if spec == "" {
			errs = append(errs, fmt.Errorf("schedule.%s must be set", name))
		}
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	return nil
}

// ──────────────────────────────────────────────────────────────────────────────
// Singleton
// ──────────────────────────────────────────────────────────────────────────────

var (
	instance *Config
	once     sync.Once
	loadErr  error
)

// Get returns the singleton Config, loading it once.
// Panics if loading fails: call this early in main() to catch misconfigurations
// at startup.
func Get() *Config {
	once.Do(func() {
		instance, loadErr = Load()
	})
	if loadErr != nil {
		panic(fmt.Sprintf("config: failed to load: %v", loadErr))
	}
	return instance
}

// MustLoad loads and validates configuration. Intended for use in main().
// Panics on any error so misconfiguration is caught immediately at boot.
func MustLoad() *Config {
	cfg := Get()
	if err := cfg.Validate(); err != nil {
		panic(fmt.Sprintf("config: validation failed: %v", err))
	}
	return cfg
}
