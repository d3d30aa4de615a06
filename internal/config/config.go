package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server struct {
		Port string `yaml:"port" env:"KNEWIT_PORT"`
	} `yaml:"server"`
	Log struct {
		Level       string `yaml:"level" env:"KNEWIT_LOG_LEVEL"`
		Development bool   `yaml:"development" env:"KNEWIT_LOG_DEVELOPMENT"`
	} `yaml:"log"`
	Redis struct {
		Addr     string `yaml:"addr" env:"KNEWIT_REDIS_ADDR"`
		Password string `yaml:"password" env:"KNEWIT_REDIS_PASSWORD"`
		DB       int    `yaml:"db" env:"KNEWIT_REDIS_DB"`
		TTL      string `yaml:"ttl" env:"KNEWIT_REDIS_TTL"`
	} `yaml:"redis"`
	Postgres struct {
		URL string `yaml:"url" env:"KNEWIT_POSTGRES_URL"`
	} `yaml:"postgres"`
	Mongo struct {
		URI      string `yaml:"uri" env:"KNEWIT_MONGO_URI"`
		Database string `yaml:"database" env:"KNEWIT_MONGO_DATABASE"`
	} `yaml:"mongo"`
	Quiz struct {
		TTL string `yaml:"ttl" env:"KNEWIT_QUIZ_TTL"`
		Dir string `yaml:"dir" env:"KNEWIT_QUIZ_DIR"`
	} `yaml:"quiz"`
	Session struct {
		RosterInterval   string `yaml:"rosterInterval" env:"KNEWIT_ROSTER_INTERVAL"`
		PingInterval     string `yaml:"pingInterval" env:"KNEWIT_PING_INTERVAL"`
		PongTimeout      string `yaml:"pongTimeout" env:"KNEWIT_PONG_TIMEOUT"`
		ReconnectGrace   string `yaml:"reconnectGrace" env:"KNEWIT_RECONNECT_GRACE"`
		IdleTimeout      string `yaml:"idleTimeout" env:"KNEWIT_IDLE_TIMEOUT"`
		QuestionDeadline string `yaml:"questionDeadline" env:"KNEWIT_QUESTION_DEADLINE"`
		SendBuffer       int    `yaml:"sendBuffer" env:"KNEWIT_SEND_BUFFER"`
		PasswordAttempts int    `yaml:"passwordAttempts" env:"KNEWIT_PASSWORD_ATTEMPTS"`
	} `yaml:"session"`
	Scoring struct {
		MaxPoints float64 `yaml:"maxPoints" env:"KNEWIT_MAX_POINTS"`
		MinPoints float64 `yaml:"minPoints" env:"KNEWIT_MIN_POINTS"`
		Deadline  string  `yaml:"deadline" env:"KNEWIT_SCORING_DEADLINE"`
	} `yaml:"scoring"`
}

// Load reads YAML config from path, then applies KNEWIT_* environment overrides.
// A missing file is not an error; the environment and defaults still apply.
func Load(path string) (Config, error) {
	cfg := Config{}
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return cfg, err
	default:
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse env: %w", err)
	}
	return cfg, nil
}

// TTLDuration parses a duration string or returns the fallback if empty.
func TTLDuration(raw string, fallback time.Duration) time.Duration {
	if raw == "" {
		return fallback
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return fallback
}
