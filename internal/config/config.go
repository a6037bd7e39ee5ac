package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/goccy/go-yaml"

	"flowext/api/internal/access"
)

type Config struct {
	Addr       string
	ReposDir   string
	CORSOrigin string
	// Redis - drafts and outcomes are kept in memory only when empty
	RedisURL       string
	DraftTTL       time.Duration
	OutcomeChannel string
	// Sentinel groups granting editor roles
	Access   access.Config
	LogLevel slog.Level
}

// fileConfig mirrors the environment variables. Environment values win over
// anything set in the file.
type fileConfig struct {
	Addr             string `yaml:"addr"`
	ReposDir         string `yaml:"reposDir"`
	CORSOrigin       string `yaml:"corsOrigin"`
	RedisURL         string `yaml:"redisUrl"`
	DraftTTLSeconds  int    `yaml:"draftTtlSeconds"`
	OutcomeChannel   string `yaml:"outcomeChannel"`
	AdminGroup       string `yaml:"adminGroup"`
	ContributorGroup string `yaml:"contributorGroup"`
	LogLevel         string `yaml:"logLevel"`
}

// Load reads FLOWEXT_CONFIG_FILE when set, then applies environment overrides.
func Load() (Config, error) {
	var file fileConfig
	if path := os.Getenv("FLOWEXT_CONFIG_FILE"); path != "" {
		loaded, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		file = loaded
	}

	return Config{
		Addr:           getenv("API_ADDR", or(file.Addr, ":8787")),
		ReposDir:       getenv("FLOWEXT_REPOS_DIR", or(file.ReposDir, "./data/repos")),
		CORSOrigin:     getenv("FLOWEXT_CORS_ORIGIN", or(file.CORSOrigin, "*")),
		RedisURL:       getenv("REDIS_URL", file.RedisURL),
		DraftTTL:       time.Duration(getenvInt("FLOWEXT_DRAFT_TTL_SECONDS", orInt(file.DraftTTLSeconds, 86400))) * time.Second,
		OutcomeChannel: getenv("FLOWEXT_OUTCOME_CHANNEL", or(file.OutcomeChannel, "flow:outcomes")),
		Access: access.Config{
			AdminGroup:       getenv("FLOWEXT_ADMIN_GROUP", or(file.AdminGroup, access.DefaultAdminGroup)),
			ContributorGroup: getenv("FLOWEXT_CONTRIBUTOR_GROUP", or(file.ContributorGroup, access.DefaultContributorGroup)),
		},
		LogLevel: parseLevel(getenv("FLOWEXT_LOG_LEVEL", or(file.LogLevel, "info"))),
	}, nil
}

func readFile(path string) (fileConfig, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return fileConfig{}, fmt.Errorf("read config file: %w", err)
	}
	var file fileConfig
	if err := yaml.Unmarshal(raw, &file); err != nil {
		return fileConfig{}, fmt.Errorf("parse config file %s: %w", path, err)
	}
	return file, nil
}

func getenv(key, fallback string) string {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	return value
}

func getenvInt(key string, fallback int) int {
	value := os.Getenv(key)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func or(value, fallback string) string {
	if value == "" {
		return fallback
	}
	return value
}

func orInt(value, fallback int) int {
	if value <= 0 {
		return fallback
	}
	return value
}

func parseLevel(value string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
