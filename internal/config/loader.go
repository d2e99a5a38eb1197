package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

// Load builds the Config from the built-in defaults, the TOML file named by
// CONFIG_FILE (if any) and environment overrides.  A .env file in the working
// directory is loaded first when present.  The result is NOT validated.
func Load() (*Config, error) {
	// Missing .env is normal outside development.
	_ = godotenv.Load()

	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if _, err := toml.DecodeFile(path, &cfg); err != nil {
			return nil, fmt.Errorf("config.Load: decode %q: %w", path, err)
		}
	}

	applyEnvOverrides(&cfg)

	return &cfg, nil
}

// applyEnvOverrides overwrites Config fields for every well-known variable that
// is set, so secrets can be injected at deploy time without touching the file.
func applyEnvOverrides(cfg *Config) {
	// ── Server ──
	setStr(&cfg.Server.Port, "SERVER_PORT")
	setStr(&cfg.Server.BackofficePort, "BACKOFFICE_PORT")
	setStr(&cfg.Server.Env, "ENVIRONMENT")
	setDuration(&cfg.Server.ReadTimeout, "SERVER_READ_TIMEOUT")
	setDuration(&cfg.Server.WriteTimeout, "SERVER_WRITE_TIMEOUT")
	setDuration(&cfg.Server.ShutdownTimeout, "SERVER_SHUTDOWN_TIMEOUT")
	setStr(&cfg.Server.BackofficeAllowedIPs, "BACKOFFICE_ALLOWED_IPS")

	// ── Database ──
	setStr(&cfg.DB.DSN, "DATABASE_DSN")
	setInt(&cfg.DB.MaxOpenConns, "DB_MAX_OPEN_CONNS")
	setInt(&cfg.DB.MaxIdleConns, "DB_MAX_IDLE_CONNS")
	setDuration(&cfg.DB.ConnMaxLifetime, "DB_CONN_MAX_LIFETIME")
	setStr(&cfg.DB.MigrationsDir, "DB_MIGRATIONS_DIR")

	// ── JWT ──
	setStr(&cfg.JWT.AccessSecret, "JWT_ACCESS_SECRET")

	// ── WebSocket pool ──
	setStringSlice(&cfg.WS.AllowedOrigins, "WS_ALLOWED_ORIGINS")
	setInt(&cfg.WS.MaxConnectionsTotal, "WS_MAX_CONNECTIONS_TOTAL")
	setInt(&cfg.WS.MaxConnectionsPerIdentity, "WS_MAX_CONNECTIONS_PER_IDENTITY")
	setDuration(&cfg.WS.HeartbeatInterval, "WS_HEARTBEAT_INTERVAL")
	setDuration(&cfg.WS.HeartbeatTimeout, "WS_HEARTBEAT_TIMEOUT")
	setInt(&cfg.WS.SendBuffer, "WS_SEND_BUFFER")
	setInt64(&cfg.WS.MaxMessageSize, "WS_MAX_MESSAGE_SIZE")
	setStringSlice(&cfg.WS.DefaultTopics, "WS_DEFAULT_TOPICS")
	setStringSlice(&cfg.WS.AvailableTopics, "WS_AVAILABLE_TOPICS")
	setInt(&cfg.WS.UpgradesPerMinute, "WS_UPGRADES_PER_MINUTE")

	// ── Schedule ──
	setStr(&cfg.Schedule.Earnings, "SCHEDULE_EARNINGS")
	setStr(&cfg.Schedule.Balance, "SCHEDULE_BALANCE")
	setStr(&cfg.Schedule.Market, "SCHEDULE_MARKET")
	setStr(&cfg.Schedule.Cleanup, "SCHEDULE_CLEANUP")

	// ── Stats ──
	setInt(&cfg.Stats.HistorySize, "STATS_HISTORY_SIZE")
	setInt(&cfg.Stats.EventBuffer, "STATS_EVENT_BUFFER")

	// ── Redis ──
	setStr(&cfg.Redis.Addr, "REDIS_ADDR")
	setStr(&cfg.Redis.Password, "REDIS_PASSWORD")
	setInt(&cfg.Redis.DB, "REDIS_DB")
	setStr(&cfg.Redis.Channel, "REDIS_CORRECTION_CHANNEL")

	// ── Admin ──
	setStr(&cfg.Admin.APIKeyHash, "ADMIN_API_KEY_HASH")
}

// ──────────────────────────────────────────────────────────────────────────────
// Typed env-var helpers.  Each only mutates the target when the variable is
// present and parses.
// ──────────────────────────────────────────────────────────────────────────────

func setStr(dst *string, key string) {
	if v := os.Getenv(key); v != "" {
		*dst = v
	}
}

func setInt(dst *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

func setInt64(dst *int64, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseInt(v, 10, 64); err == nil {
			*dst = n
		}
	}
}

func setDuration(dst *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			dst.Duration = d
		}
	}
}

func setStringSlice(dst *[]string, key string) {
	if v := os.Getenv(key); v != "" {
		parts := strings.Split(v, ",")
		cleaned := make([]string, 0, len(parts))
		for _, p := range parts {
			p = strings.TrimSpace(p)
			if p != "" {
				cleaned = append(cleaned, p)
			}
		}
		if len(cleaned) > 0 {
			*dst = cleaned
		}
	}
}
