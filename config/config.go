// Package config loads service settings from the environment and an optional .env file.
package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"github.com/Seann-Moser/usersync/harp"
)

// Config holds every setting of the sync service.
type Config struct {
	HARP harp.Config
	// TestOverrideID lets any caller act as this HARP id. Never set in production.
	TestOverrideID string

	MongoURI        string
	MongoDatabase   string
	MongoCollection string
	RedisAddr       string

	ListenAddr      string
	AdminAPIKeyHash string
	PrincipalHeader string

	SyncInterval         time.Duration
	TokenRefreshInterval time.Duration
	SyncWorkers          int
	SyncPageSize         int
	RoleMerge            string

	LogLevel slog.Level
}

// Load reads a .env file when present, then the environment.
func Load(files ...string) (Config, error) {
	// a missing .env is fine, real environment variables still apply
	_ = godotenv.Load(files...)
	return FromEnv()
}

// FromEnv builds a Config from environment variables only.
func FromEnv() (Config, error) {
	var errs []error
	cfg := Config{
		HARP: harp.Config{
			BaseURL:      os.Getenv("HARP_BASE_URL"),
			ProgramName:  os.Getenv("HARP_PROGRAM_NAME"),
			AdoName:      os.Getenv("HARP_ADO_NAME"),
			TokenURI:     os.Getenv("HARP_TOKEN_URI"),
			TokenScope:   os.Getenv("HARP_TOKEN_SCOPE"),
			ClientID:     os.Getenv("HARP_CLIENT_ID"),
			ClientSecret: os.Getenv("HARP_CLIENT_SECRET"),
			UserRolesURI: os.Getenv("HARP_USER_ROLES_URI"),
			UserFindURI:  os.Getenv("HARP_USER_FIND_URI"),
			Timeout:      durationOr("HARP_TIMEOUT", 30*time.Second, &errs),

			RequestsPerSecond: floatOr("HARP_REQUESTS_PER_SECOND", 0, &errs),
		},
		TestOverrideID: os.Getenv("HARP_TEST_OVERRIDE_ID"),

		MongoURI:        envOr("MONGO_URI", "mongodb://localhost:27017"),
		MongoDatabase:   envOr("MONGO_DATABASE", "usersync"),
		MongoCollection: envOr("MONGO_COLLECTION", "user"),
		RedisAddr:       os.Getenv("REDIS_ADDR"),

		ListenAddr:      envOr("LISTEN_ADDR", ":8080"),
		AdminAPIKeyHash: os.Getenv("ADMIN_API_KEY_HASH"),
		PrincipalHeader: envOr("PRINCIPAL_HEADER", "X-Forwarded-User"),

		SyncInterval:         durationOr("SYNC_INTERVAL", time.Hour, &errs),
		TokenRefreshInterval: durationOr("TOKEN_REFRESH_INTERVAL", 20*time.Minute, &errs),
		SyncWorkers:          intOr("SYNC_WORKERS", 1, &errs),
		SyncPageSize:         intOr("SYNC_PAGE_SIZE", 50, &errs),
		RoleMerge:            strings.ToLower(envOr("ROLE_MERGE", "replace")),
	}
	if err := cfg.LogLevel.UnmarshalText([]byte(envOr("LOG_LEVEL", "INFO"))); err != nil {
		errs = append(errs, fmt.Errorf("LOG_LEVEL: %w", err))
	}
	if err := errors.Join(errs...); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every missing or out of range setting.
func (c Config) Validate() error {
	var errs []error
	required := map[string]string{
		"HARP_BASE_URL":       c.HARP.BaseURL,
		"HARP_PROGRAM_NAME":   c.HARP.ProgramName,
		"HARP_TOKEN_URI":      c.HARP.TokenURI,
		"HARP_CLIENT_ID":      c.HARP.ClientID,
		"HARP_CLIENT_SECRET":  c.HARP.ClientSecret,
		"HARP_USER_ROLES_URI": c.HARP.UserRolesURI,
		"HARP_USER_FIND_URI":  c.HARP.UserFindURI,
		"ADMIN_API_KEY_HASH":  c.AdminAPIKeyHash,
	}
	for _, name := range []string{
		"HARP_BASE_URL", "HARP_PROGRAM_NAME", "HARP_TOKEN_URI", "HARP_CLIENT_ID",
		"HARP_CLIENT_SECRET", "HARP_USER_ROLES_URI", "HARP_USER_FIND_URI", "ADMIN_API_KEY_HASH",
	} {
		if strings.TrimSpace(required[name]) == "" {
			errs = append(errs, fmt.Errorf("%s is required", name))
		}
	}
	if c.SyncWorkers < 1 {
		errs = append(errs, fmt.Errorf("SYNC_WORKERS must be at least 1, got %d", c.SyncWorkers))
	}
	if c.SyncPageSize < 1 {
		errs = append(errs, fmt.Errorf("SYNC_PAGE_SIZE must be at least 1, got %d", c.SyncPageSize))
	}
	if c.SyncInterval <= 0 || c.TokenRefreshInterval <= 0 {
		errs = append(errs, errors.New("SYNC_INTERVAL and TOKEN_REFRESH_INTERVAL must be positive"))
	}
	if c.HARP.RequestsPerSecond < 0 {
		errs = append(errs, fmt.Errorf("HARP_REQUESTS_PER_SECOND must not be negative, got %v", c.HARP.RequestsPerSecond))
	}
	if c.RoleMerge != "replace" && c.RoleMerge != "union" {
		errs = append(errs, fmt.Errorf("ROLE_MERGE must be replace or union, got %q", c.RoleMerge))
	}
	return errors.Join(errs...)
}

func envOr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func durationOr(key string, def time.Duration, errs *[]error) time.Duration {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return d
}

func intOr(key string, def int, errs *[]error) int {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return n
}

func floatOr(key string, def float64, errs *[]error) float64 {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		*errs = append(*errs, fmt.Errorf("%s: %w", key, err))
		return def
	}
	return f
}
