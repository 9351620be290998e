// Package config loads server settings from the environment, with an
// optional .env file for local runs.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog"

	"github.com/warp/care-scheduler/scheduling"
)

const DefaultMaxGenerationDays = 730

type Config struct {
	Port   int
	DBPath string

	LogLevel  zerolog.Level
	LogFormat string // "json" or "console"

	Units             scheduling.UnitRule
	MaxGenerationDays int
	Location          *time.Location

	MQTTBrokerURL   string
	MQTTClientID    string
	MQTTTopicPrefix string

	AllowedOrigins []string
}

func Default() Config {
	return Config{
		Port:              8080,
		DBPath:            "care.db",
		LogLevel:          zerolog.InfoLevel,
		LogFormat:         "json",
		Units:             scheduling.DefaultUnitRule(),
		MaxGenerationDays: DefaultMaxGenerationDays,
		Location:          time.UTC,
		MQTTClientID:      "care-scheduler",
		MQTTTopicPrefix:   "care/scheduling",
		AllowedOrigins:    []string{"*"},
	}
}

// Load reads .env (when present) and then the process environment.
// Every invalid variable is reported, not just the first.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv(os.Getenv)
}

// FromEnv builds a Config from getenv, starting from Default().
func FromEnv(getenv func(string) string) (Config, error) {
	cfg := Default()
	var bad []string

	get := func(key string) string { return strings.TrimSpace(getenv(key)) }

	if v := get("PORT"); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil || port <= 0 || port > 65535 {
			bad = append(bad, "PORT")
		} else {
			cfg.Port = port
		}
	}
	if v := get("DB_PATH"); v != "" {
		cfg.DBPath = v
	}

	if v := get("LOG_LEVEL"); v != "" {
		level, err := zerolog.ParseLevel(strings.ToLower(v))
		if err != nil {
			bad = append(bad, "LOG_LEVEL")
		} else {
			cfg.LogLevel = level
		}
	}
	if v := get("LOG_FORMAT"); v != "" {
		switch strings.ToLower(v) {
		case "json", "console":
			cfg.LogFormat = strings.ToLower(v)
		default:
			bad = append(bad, "LOG_FORMAT")
		}
	}

	if v := get("UNIT_MINUTES"); v != "" {
		minutes, err := strconv.Atoi(v)
		if err != nil || minutes <= 0 {
			bad = append(bad, "UNIT_MINUTES")
		} else {
			cfg.Units.MinutesPerUnit = minutes
		}
	}
	if v := get("UNIT_ROUNDING"); v != "" {
		cfg.Units.Rounding = scheduling.Rounding(strings.ToLower(v))
		if cfg.Units.Validate() != nil {
			bad = append(bad, "UNIT_ROUNDING")
		}
	}
	if v := get("MAX_GENERATION_DAYS"); v != "" {
		days, err := strconv.Atoi(v)
		if err != nil || days <= 0 {
			bad = append(bad, "MAX_GENERATION_DAYS")
		} else {
			cfg.MaxGenerationDays = days
		}
	}
	if v := get("TIMEZONE"); v != "" {
		loc, err := time.LoadLocation(v)
		if err != nil {
			bad = append(bad, "TIMEZONE")
		} else {
			cfg.Location = loc
		}
	}

	cfg.MQTTBrokerURL = get("MQTT_BROKER_URL")
	if v := get("MQTT_CLIENT_ID"); v != "" {
		cfg.MQTTClientID = v
	}
	if v := get("MQTT_TOPIC_PREFIX"); v != "" {
		cfg.MQTTTopicPrefix = v
	}

	if v := get("ALLOWED_ORIGINS"); v != "" {
		var origins []string
		for _, o := range strings.Split(v, ",") {
			if o = strings.TrimSpace(o); o != "" {
				origins = append(origins, o)
			}
		}
		cfg.AllowedOrigins = origins
	}

	if len(bad) > 0 {
		return Config{}, fmt.Errorf("invalid environment variables: %s", strings.Join(bad, ", "))
	}
	return cfg, nil
}

// Logger builds the root logger for cfg.
func (c Config) Logger() zerolog.Logger {
	var base zerolog.Logger
	if c.LogFormat == "console" {
		base = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	} else {
		base = zerolog.New(os.Stderr)
	}
	return base.Level(c.LogLevel).With().Timestamp().Str("service", "care-scheduler").Logger()
}
