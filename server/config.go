package main

import (
	_ "embed"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"snake-arena/arena"
)

// Config is the process configuration, read from the environment (and an optional .env file).
type Config struct {
	Addr           string        `env:"SNAKE_ADDR" envDefault:":8080"`
	LogLevel       string        `env:"SNAKE_LOG_LEVEL" envDefault:"info"`
	LogFormat      string        `env:"SNAKE_LOG_FORMAT" envDefault:"console"`
	SyncInterval   time.Duration `env:"SNAKE_SYNC_INTERVAL" envDefault:"100ms"`
	ReadyTimeout   time.Duration `env:"SNAKE_READY_TIMEOUT" envDefault:"5s"`
	MaxSessions    int           `env:"SNAKE_MAX_SESSIONS" envDefault:"100"`
	DBPath         string        `env:"SNAKE_DB_PATH"`
	NATSURL        string        `env:"SNAKE_NATS_URL"`
	NATSSubject    string        `env:"SNAKE_NATS_SUBJECT" envDefault:"snake.events"`
	JWTSecret      string        `env:"SNAKE_JWT_SECRET"`
	PublicURL      string        `env:"SNAKE_PUBLIC_URL" envDefault:"http://localhost:8080"`
	DefaultsFile   string        `env:"SNAKE_DEFAULTS_FILE"`
	AllowedOrigins []string      `env:"SNAKE_ALLOWED_ORIGINS" envSeparator:"," envDefault:"*"`
	MaxConnsPerIP  int           `env:"SNAKE_MAX_CONNS_PER_IP" envDefault:"5"`
	MaxTotalConns  int           `env:"SNAKE_MAX_CONNS" envDefault:"1000"`
	MessagesPerSec int           `env:"SNAKE_MESSAGES_PER_SEC" envDefault:"50"`
}

// LoadConfig reads .env (if present) and then the environment.
func LoadConfig() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if cfg.SyncInterval <= 0 {
		return Config{}, fmt.Errorf("SNAKE_SYNC_INTERVAL must be positive")
	}
	if cfg.MaxSessions < 1 {
		return Config{}, fmt.Errorf("SNAKE_MAX_SESSIONS must be at least 1")
	}
	return cfg, nil
}

// SpawnerConfig tunes the collectable spawner.
type SpawnerConfig struct {
	MinDelay        time.Duration `yaml:"min_delay"`
	MaxDelay        time.Duration `yaml:"max_delay"`
	DelayFloor      time.Duration `yaml:"delay_floor"`
	Border          float64       `yaml:"border"`
	MinDistance     float64       `yaml:"min_distance"`
	MaxCollectables int           `yaml:"max_collectables"`
	HazardChance    float64       `yaml:"hazard_chance"`
}

// GameDefaults holds the tunables loaded from YAML.
type GameDefaults struct {
	Session      arena.SessionConfig    `yaml:"session"`
	Spawner      SpawnerConfig          `yaml:"spawner"`
	Collectables arena.CollectableTable `yaml:"collectables"`
}

//go:embed defaults.yaml
var defaultsYAML []byte

// LoadGameDefaults returns the built-in defaults, overlaid with the file at path when set.
func LoadGameDefaults(path string) (GameDefaults, error) {
	var d GameDefaults
	if err := yaml.Unmarshal(defaultsYAML, &d); err != nil {
		return GameDefaults{}, fmt.Errorf("parse built-in defaults: %w", err)
	}
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return GameDefaults{}, fmt.Errorf("read defaults file: %w", err)
		}
		if err := yaml.Unmarshal(raw, &d); err != nil {
			return GameDefaults{}, fmt.Errorf("parse %s: %w", path, err)
		}
	}
	if err := d.Validate(); err != nil {
		return GameDefaults{}, err
	}
	return d, nil
}

// Validate checks the loaded defaults.
func (d GameDefaults) Validate() error {
	if err := d.Session.Validate(); err != nil {
		return fmt.Errorf("session defaults: %w", err)
	}
	if err := d.Collectables.Validate(); err != nil {
		return fmt.Errorf("collectables: %w", err)
	}
	s := d.Spawner
	switch {
	case s.MinDelay <= 0 || s.MaxDelay < s.MinDelay:
		return fmt.Errorf("spawner: need 0 < min_delay <= max_delay")
	case s.DelayFloor <= 0:
		return fmt.Errorf("spawner: delay_floor must be positive")
	case s.Border < 0 || s.MinDistance < 0:
		return fmt.Errorf("spawner: border and min_distance must not be negative")
	case s.MaxCollectables < 1:
		return fmt.Errorf("spawner: max_collectables must be at least 1")
	case s.HazardChance < 0 || s.HazardChance > 1:
		return fmt.Errorf("spawner: hazard_chance must be within [0, 1]")
	}
	return nil
}
