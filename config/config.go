/*
config.go - Process configuration

PURPOSE:
  Reads every setting of ledgerd from the environment. A .env file in the
  working directory is loaded first when present; real environment
  variables win over it.

KEYS:
  PORT                    HTTP port (8080)
  IS_PRODUCTION           JSON logs when true (false)
  LOG_LEVEL               logrus level (info)
  LEDGER_STORE            sqlite | postgres | memory (sqlite)
  SQLITE_PATH             SQLite file, ":memory:" allowed (ledger.db)
  PGSQL_URL               PostgreSQL DSN, required for LEDGER_STORE=postgres
  REDIS_ADDR              claim cache address, empty disables the cache
  REDIS_PASSWORD
  NATS_URL                event bus URL, empty disables publishing
  LEDGER_TIMEZONE         IANA zone for reward days (UTC)
  REWARD_SIGN_IN          reward amounts (10, 20, 5, 2)
  REWARD_PUBLISH_POST
  REWARD_COMMENT
  REWARD_LIKE_RECEIVED
  TRANSFER_MODE           atomic | saga (atomic)
  RECONCILE_INTERVAL      scheduler interval, 0 disables it (1h)
  RECONCILE_AUTO_CORRECT  rebuild drifted aggregates (false)
  INTENT_GRACE_PERIOD     age before an open transfer is swept (5m)
  RATE_LIMIT              ulule limiter format, empty disables (100-M)
  CORS_ORIGINS            comma separated (*)
*/
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"github.com/warp/incentive-ledger/ledger"
	"github.com/warp/incentive-ledger/transfer"
)

// Store backends.
const (
	StoreSQLite   = "sqlite"
	StorePostgres = "postgres"
	StoreMemory   = "memory"
)

// Config holds application configuration.
type Config struct {
	Port         string
	IsProduction bool
	LogLevel     string

	Store       string
	SQLitePath  string
	PostgresURL string

	RedisAddr     string
	RedisPassword string
	NATSURL       string

	Location      *time.Location
	RewardAmounts map[ledger.Reason]int64
	TransferMode  transfer.Mode

	ReconcileInterval    time.Duration
	ReconcileAutoCorrect bool
	IntentGracePeriod    time.Duration

	RateLimit   string
	CORSOrigins []string
}

// Load reads .env (if present) and the environment.
func Load() (*Config, error) {
	// Attempt to load .env file, ignore error if it doesn't exist
	_ = godotenv.Load()
	return FromViper(newViper())
}

func newViper() *viper.Viper {
	v := viper.New()
	v.SetDefault("PORT", "8080")
	v.SetDefault("IS_PRODUCTION", false)
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LEDGER_STORE", StoreSQLite)
	v.SetDefault("SQLITE_PATH", "ledger.db")
	v.SetDefault("PGSQL_URL", "")
	v.SetDefault("REDIS_ADDR", "")
	v.SetDefault("REDIS_PASSWORD", "")
	v.SetDefault("NATS_URL", "")
	v.SetDefault("LEDGER_TIMEZONE", "UTC")
	v.SetDefault("REWARD_SIGN_IN", 10)
	v.SetDefault("REWARD_PUBLISH_POST", 20)
	v.SetDefault("REWARD_COMMENT", 5)
	v.SetDefault("REWARD_LIKE_RECEIVED", 2)
	v.SetDefault("TRANSFER_MODE", string(transfer.ModeAtomic))
	v.SetDefault("RECONCILE_INTERVAL", "1h")
	v.SetDefault("RECONCILE_AUTO_CORRECT", false)
	v.SetDefault("INTENT_GRACE_PERIOD", "5m")
	v.SetDefault("RATE_LIMIT", "100-M")
	v.SetDefault("CORS_ORIGINS", "*")
	v.AutomaticEnv()
	return v
}

// FromViper builds a Config from an already populated viper instance.
func FromViper(v *viper.Viper) (*Config, error) {
	cfg := &Config{
		Port:                 v.GetString("PORT"),
		IsProduction:         v.GetBool("IS_PRODUCTION"),
		LogLevel:             v.GetString("LOG_LEVEL"),
		Store:                strings.ToLower(v.GetString("LEDGER_STORE")),
		SQLitePath:           v.GetString("SQLITE_PATH"),
		PostgresURL:          v.GetString("PGSQL_URL"),
		RedisAddr:            v.GetString("REDIS_ADDR"),
		RedisPassword:        v.GetString("REDIS_PASSWORD"),
		NATSURL:              v.GetString("NATS_URL"),
		ReconcileAutoCorrect: v.GetBool("RECONCILE_AUTO_CORRECT"),
		RateLimit:            v.GetString("RATE_LIMIT"),
		CORSOrigins:          splitList(v.GetString("CORS_ORIGINS")),
	}

	switch cfg.Store {
	case StoreSQLite, StoreMemory:
	case StorePostgres:
		if cfg.PostgresURL == "" {
			return nil, fmt.Errorf("PGSQL_URL is required when LEDGER_STORE=postgres")
		}
	default:
		return nil, fmt.Errorf("invalid LEDGER_STORE %q", cfg.Store)
	}

	loc, err := time.LoadLocation(v.GetString("LEDGER_TIMEZONE"))
	if err != nil {
		return nil, fmt.Errorf("invalid LEDGER_TIMEZONE: %w", err)
	}
	cfg.Location = loc

	cfg.RewardAmounts = map[ledger.Reason]int64{}
	for key, reason := range map[string]ledger.Reason{
		"REWARD_SIGN_IN":       ledger.ReasonSignIn,
		"REWARD_PUBLISH_POST":  ledger.ReasonPublishPost,
		"REWARD_COMMENT":       ledger.ReasonComment,
		"REWARD_LIKE_RECEIVED": ledger.ReasonLikeReceived,
	} {
		amount := v.GetInt64(key)
		if amount <= 0 {
			return nil, fmt.Errorf("%s must be a positive integer", key)
		}
		cfg.RewardAmounts[reason] = amount
	}

	if cfg.TransferMode, err = transfer.ParseMode(v.GetString("TRANSFER_MODE")); err != nil {
		return nil, fmt.Errorf("invalid TRANSFER_MODE: %w", err)
	}

	if cfg.ReconcileInterval, err = duration(v, "RECONCILE_INTERVAL"); err != nil {
		return nil, err
	}
	if cfg.IntentGracePeriod, err = duration(v, "INTENT_GRACE_PERIOD"); err != nil {
		return nil, err
	}

	return cfg, nil
}

func duration(v *viper.Viper, key string) (time.Duration, error) {
	raw := v.GetString(key)
	d, err := time.ParseDuration(raw)
	if err != nil || d < 0 {
		return 0, fmt.Errorf("invalid %s %q", key, raw)
	}
	return d, nil
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
