/*
 * This file is part of PrivateIndexer.
 *
 * PrivateIndexer is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * PrivateIndexer is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with PrivateIndexer.  If not, see <http://www.gnu.org/licenses/>.
 */

// Package config reads process configuration from the environment once at startup.
// The resulting Config is immutable and handed to every component constructor.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

// Env is a snapshot of environment variables
type Env map[string]string

func Environ() Env {
	env := make(Env)

	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			env[k] = v
		}
	}

	return env
}

func (e Env) Get(s string, defaultValue string) (string, bool) {
	if result, exists := e[s]; exists && result != "" {
		return result, true
	}

	return defaultValue, false
}

func (e Env) GetInt(s string, defaultValue int) (int, bool) {
	if raw, exists := e[s]; exists && raw != "" {
		if result, err := strconv.Atoi(strings.TrimSpace(raw)); err == nil {
			return result, true
		}
	}

	return defaultValue, false
}

func (e Env) GetBool(s string, defaultValue bool) (bool, bool) {
	if raw, exists := e[s]; exists && raw != "" {
		if result, err := strconv.ParseBool(strings.TrimSpace(raw)); err == nil {
			return result, true
		}
	}

	return defaultValue, false
}

const (
	PeerStoreRedis  = "redis"
	PeerStoreMemory = "memory"
)

type Config struct {
	PeerTimeout           time.Duration
	PeerPurgeInterval     time.Duration
	StatsUpdateInterval   time.Duration
	IntegrityInterval     time.Duration
	StaleThreshold        time.Duration
	StaleCheckInterval    time.Duration
	SyncBatchSize         int
	LifecycleBatchSize    int
	AccessTokenExpiration time.Duration

	DataDir     string
	TorrentsDir string
	KeyFile     string
	EventsDir   string

	HTTPAddr             string
	HTTPReadTimeout      time.Duration
	HTTPWriteTimeout     time.Duration
	HighLatencyThreshold time.Duration
	AdminToken           string
	ExternalServerURL    string
	SiteName             string

	DatabaseDSN     string
	DeadlockRetries int
	DeadlockPause   time.Duration

	PeerStore     string
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	LogLevel     string
	LogFormat    string
	RecordEvents bool
}

var errInvalidValue = errors.New("invalid configuration value")

// Load builds Config from env. Unparseable or out of range values are reported
// together instead of silently falling back to defaults.
func Load(env Env) (*Config, error) {
	var errs []error

	positive := func(key string, defaultValue int) int {
		raw, exists := env[key]
		if !exists || raw == "" {
			return defaultValue
		}

		value, ok := env.GetInt(key, defaultValue)
		if !ok || value <= 0 {
			errs = append(errs, fmt.Errorf("%w: %s=%q", errInvalidValue, key, raw))
			return defaultValue
		}

		return value
	}

	cfg := &Config{
		PeerTimeout:           time.Duration(positive("PEER_TIMEOUT", 1800)) * time.Second,
		PeerPurgeInterval:     time.Duration(positive("PEER_TIMEOUT_INTERVAL", 1)) * time.Minute,
		StatsUpdateInterval:   time.Duration(positive("STATS_UPDATE_INTERVAL", 30)) * time.Second,
		IntegrityInterval:     time.Duration(positive("DATABASE_CHECK_INTERVAL", 12)) * time.Hour,
		StaleThreshold:        time.Duration(positive("STALE_THRESHOLD", 30)) * 24 * time.Hour,
		StaleCheckInterval:    time.Duration(positive("STALE_CHECK_INTERVAL", 6)) * time.Hour,
		SyncBatchSize:         positive("SYNC_BATCH_SIZE", 5000),
		LifecycleBatchSize:    positive("LIFECYCLE_BATCH_SIZE", 500),
		AccessTokenExpiration: time.Duration(positive("ACCESS_TOKEN_EXPIRATION", 10)) * time.Minute,

		HTTPReadTimeout:      time.Duration(positive("HTTP_READ_TIMEOUT", 5)) * time.Second,
		HTTPWriteTimeout:     time.Duration(positive("HTTP_WRITE_TIMEOUT", 30)) * time.Second,
		HighLatencyThreshold: time.Duration(positive("HIGH_LATENCY_THRESHOLD", 250)) * time.Millisecond,

		DeadlockRetries: positive("DEADLOCK_RETRIES", 5),
		DeadlockPause:   time.Duration(positive("DEADLOCK_PAUSE", 1)) * time.Second,
	}

	cfg.DataDir, _ = env.Get("DATA_DIR", "/app/data")
	cfg.TorrentsDir, _ = env.Get("TORRENTS_DIR", filepath.Join(cfg.DataDir, "torrents"))
	cfg.KeyFile, _ = env.Get("KEY_FILE", filepath.Join(cfg.DataDir, "jwt.key"))
	cfg.EventsDir, _ = env.Get("EVENTS_DIR", filepath.Join(cfg.DataDir, "events"))

	cfg.HTTPAddr, _ = env.Get("HTTP_ADDR", ":8080")
	cfg.AdminToken, _ = env.Get("ADMIN_TOKEN", "")
	cfg.ExternalServerURL, _ = env.Get("EXTERNAL_SERVER_URL", "")
	cfg.ExternalServerURL = strings.TrimRight(cfg.ExternalServerURL, "/")
	cfg.SiteName, _ = env.Get("SITE_NAME", "PrivateIndexer")

	cfg.DatabaseDSN = databaseDSN(env)

	cfg.PeerStore, _ = env.Get("PEER_STORE", PeerStoreRedis)
	if cfg.PeerStore != PeerStoreRedis && cfg.PeerStore != PeerStoreMemory {
		errs = append(errs, fmt.Errorf("%w: PEER_STORE=%q", errInvalidValue, cfg.PeerStore))
	}

	cfg.RedisAddr, _ = env.Get("REDIS_HOST", "127.0.0.1:6379")
	if !strings.Contains(cfg.RedisAddr, ":") {
		cfg.RedisAddr += ":6379"
	}

	cfg.RedisPassword, _ = env.Get("REDIS_PASSWORD", "")
	cfg.RedisDB, _ = env.GetInt("REDIS_DB", 0)

	cfg.LogLevel, _ = env.Get("LOG_LEVEL", "info")
	cfg.LogFormat, _ = env.Get("LOG_FORMAT", "text")
	cfg.RecordEvents, _ = env.GetBool("RECORD_EVENTS", false)

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	return cfg, nil
}

// DSN Format: username:password@protocol(address)/dbname?param=value
func databaseDSN(env Env) string {
	if dsn, exists := env.Get("DB_DSN", ""); exists {
		return dsn
	}

	host, _ := env.Get("MYSQL_HOST", "127.0.0.1")
	port, _ := env.GetInt("MYSQL_PORT", 3306)
	user, _ := env.Get("MYSQL_USER", "privateindexer")
	password, _ := env.Get("MYSQL_PASSWORD", "")
	database, _ := env.Get("MYSQL_DB", "privateindexer")

	return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=false&charset=utf8mb4",
		user, password, host, port, database)
}
