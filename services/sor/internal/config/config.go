// Package config loads system of record settings.
//
// Values come from defaults, then an optional YAML file, then environment
// variables. Later sources win.
package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Database DatabaseConfig `yaml:"database"`
	Log      LogConfig      `yaml:"log"`
	RRT      RRTConfig      `yaml:"rrt"`
	Demo     DemoConfig     `yaml:"demo"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
}

type DatabaseConfig struct {
	// URL selects the record store: postgres://..., sqlite:<path> or memory:.
	URL string `yaml:"url"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

type RRTConfig struct {
	Issuer string `yaml:"issuer"`
	// SigningKey switches tokens from placeholder signatures to HS256.
	SigningKey string `yaml:"signing_key"`
	Validity   string `yaml:"validity"`
}

type DemoConfig struct {
	Enabled bool `yaml:"enabled"`
}

type ValidationError struct {
	Field string
	Msg   string
}

func (e *ValidationError) Error() string { return fmt.Sprintf("config: %s: %s", e.Field, e.Msg) }

func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "3000"},
		Database: DatabaseConfig{URL: "sqlite:./rosie.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		RRT:      RRTConfig{Issuer: "rosie-sor", Validity: "12h"},
		Demo:     DemoConfig{Enabled: true},
	}
}

// Load reads path when it is non-empty, applies environment overrides from
// getenv and validates the result. A nil getenv reads the process
// environment.
func Load(path string, getenv func(string) string) (*Config, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	cfg := Default()
	if path == "" {
		path = getenv("ROSIE_CONFIG")
	}
	if path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(getenv); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	set := func(dst *string, key string) {
		if v := strings.TrimSpace(getenv(key)); v != "" {
			*dst = v
		}
	}
	set(&c.Server.Port, "SERVICE_PORT")
	if v := strings.TrimSpace(getenv("DATABASE_PATH")); v != "" {
		c.Database.URL = "sqlite:" + v
	}
	set(&c.Database.URL, "DATABASE_URL")
	set(&c.Log.Level, "LOG_LEVEL")
	set(&c.Log.Format, "LOG_FORMAT")
	set(&c.RRT.Issuer, "RRT_ISSUER")
	set(&c.RRT.SigningKey, "RRT_SIGNING_KEY")
	set(&c.RRT.Validity, "RRT_VALIDITY")
	if v := strings.TrimSpace(getenv("ENABLE_DEMO_ROUTES")); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return &ValidationError{Field: "ENABLE_DEMO_ROUTES", Msg: "must be a boolean"}
		}
		c.Demo.Enabled = b
	}
	return nil
}

func (c *Config) Validate() error {
	var errs []error
	if p, err := strconv.Atoi(c.Server.Port); err != nil || p <= 0 || p > 65535 {
		errs = append(errs, &ValidationError{Field: "server.port", Msg: fmt.Sprintf("invalid port %q", c.Server.Port)})
	}
	if strings.TrimSpace(c.Database.URL) == "" {
		errs = append(errs, &ValidationError{Field: "database.url", Msg: "required"})
	}
	if _, err := parseLevel(c.Log.Level); err != nil {
		errs = append(errs, &ValidationError{Field: "log.level", Msg: err.Error()})
	}
	switch c.Log.Format {
	case "text", "json":
	default:
		errs = append(errs, &ValidationError{Field: "log.format", Msg: fmt.Sprintf("unknown format %q", c.Log.Format)})
	}
	if d, err := time.ParseDuration(c.RRT.Validity); err != nil || d <= 0 {
		errs = append(errs, &ValidationError{Field: "rrt.validity", Msg: fmt.Sprintf("invalid duration %q", c.RRT.Validity)})
	}
	return errors.Join(errs...)
}

// TokenValidity is the parsed rrt.validity. Call after Validate.
func (c *Config) TokenValidity() time.Duration {
	d, _ := time.ParseDuration(c.RRT.Validity)
	return d
}

func (c *Config) Addr() string { return ":" + c.Server.Port }

func parseLevel(s string) (slog.Level, error) {
	var l slog.Level
	if err := l.UnmarshalText([]byte(s)); err != nil {
		return 0, fmt.Errorf("unknown level %q", s)
	}
	return l, nil
}

// NewLogger builds the service logger described by the log section.
func (c LogConfig) NewLogger(w io.Writer) *slog.Logger {
	level, err := parseLevel(c.Level)
	if err != nil {
		level = slog.LevelInfo
	}
	opts := &slog.HandlerOptions{Level: level}
	if c.Format == "json" {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
