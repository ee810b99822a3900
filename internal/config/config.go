// Package config loads tag store settings.
//
// Precedence: defaults, then the YAML file, then TAGSTORE_ environment
// variables. Nested fields join their env tags with underscores, so
// storage.sql.dsn is TAGSTORE_STORAGE_SQL_DSN.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// EnvPrefix is prepended to every environment override
const EnvPrefix = "TAGSTORE"

// Storage backends
const (
	BackendKV  = "kv"
	BackendSQL = "sql"
)

// Config is the complete service configuration
type Config struct {
	Server  ServerConfig  `yaml:"server" env:"SERVER"`
	Storage StorageConfig `yaml:"storage" env:"STORAGE"`
	Log     LogConfig     `yaml:"log" env:"LOG"`
	Lookup  LookupConfig  `yaml:"lookup" env:"LOOKUP"`
}

// ServerConfig holds listener settings
type ServerConfig struct {
	GRPCPort        int           `yaml:"grpc_port" env:"GRPC_PORT"`
	MetricsPort     int           `yaml:"metrics_port" env:"METRICS_PORT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	MaxMessageBytes int           `yaml:"max_message_bytes" env:"MAX_MESSAGE_BYTES"`
}

// StorageConfig selects the persistence engine
type StorageConfig struct {
	// Backend is kv (embedded B+tree file) or sql
	Backend string    `yaml:"backend" env:"BACKEND"`
	Path    string    `yaml:"path" env:"PATH"`
	SQL     SQLConfig `yaml:"sql" env:"SQL"`
}

// SQLConfig configures the relational backend
type SQLConfig struct {
	// Driver is sqlite, postgres or mysql
	Driver          string        `yaml:"driver" env:"DRIVER"`
	DSN             string        `yaml:"dsn" env:"DSN"`
	MaxOpenConns    int           `yaml:"max_open_conns" env:"MAX_OPEN_CONNS"`
	MaxIdleConns    int           `yaml:"max_idle_conns" env:"MAX_IDLE_CONNS"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime" env:"CONN_MAX_LIFETIME"`
	SlowThreshold   time.Duration `yaml:"slow_threshold" env:"SLOW_THRESHOLD"`
}

// LogConfig configures internal/logger
type LogConfig struct {
	Level  string `yaml:"level" env:"LEVEL"`
	Pretty bool   `yaml:"pretty" env:"PRETTY"`
	Caller bool   `yaml:"caller" env:"CALLER"`
}

// LookupConfig configures the component existence client
type LookupConfig struct {
	Enabled  bool          `yaml:"enabled" env:"ENABLED"`
	BaseURL  string        `yaml:"base_url" env:"BASE_URL"`
	Username string        `yaml:"username" env:"USERNAME"`
	Password string        `yaml:"password" env:"PASSWORD"`
	Timeout  time.Duration `yaml:"timeout" env:"TIMEOUT"`
	RetryMax int           `yaml:"retry_max" env:"RETRY_MAX"`

	// RateLimit caps Nexus requests per second; zero disables limiting
	RateLimit float64 `yaml:"rate_limit" env:"RATE_LIMIT"`
	Burst     int     `yaml:"burst" env:"BURST"`
}

// Default returns the configuration used when nothing is overridden
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			GRPCPort:        50051,
			MetricsPort:     9090,
			ShutdownTimeout: 15 * time.Second,
			MaxMessageBytes: 4 << 20,
		},
		Storage: StorageConfig{
			Backend: BackendKV,
			Path:    "tagstore.db",
			SQL: SQLConfig{
				Driver:        "sqlite",
				DSN:           "tagstore.sqlite",
				MaxOpenConns:  10,
				MaxIdleConns:  5,
				SlowThreshold: 200 * time.Millisecond,
			},
		},
		Log: LogConfig{
			Level: "info",
		},
		Lookup: LookupConfig{
			Timeout:   10 * time.Second,
			RetryMax:  3,
			RateLimit: 20,
			Burst:     5,
		},
	}
}

// Load reads path (optional; a missing file keeps the defaults) and
// applies environment overrides, then validates
func Load(path string) (*Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, os.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("read config file: %w", err)
		default:
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, fmt.Errorf("parse config file %s: %w", path, err)
			}
		}
	}

	if err := applyEnv(reflect.ValueOf(cfg).Elem(), EnvPrefix, os.LookupEnv); err != nil {
		return nil, fmt.Errorf("apply environment: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects settings the server cannot start with
func (c *Config) Validate() error {
	var errs []error

	for name, port := range map[string]int{"server.grpc_port": c.Server.GRPCPort, "server.metrics_port": c.Server.MetricsPort} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s: %d out of range", name, port))
		}
	}
	if c.Server.GRPCPort != 0 && c.Server.GRPCPort == c.Server.MetricsPort {
		errs = append(errs, errors.New("server.metrics_port: must differ from grpc_port"))
	}
	if c.Server.MaxMessageBytes <= 0 {
		errs = append(errs, errors.New("server.max_message_bytes: must be positive"))
	}

	switch c.Storage.Backend {
	case BackendKV:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path: required for the kv backend"))
		}
	case BackendSQL:
		switch c.Storage.SQL.Driver {
		case "sqlite", "postgres", "mysql":
		default:
			errs = append(errs, fmt.Errorf("storage.sql.driver: unsupported %q (sqlite, postgres, mysql)", c.Storage.SQL.Driver))
		}
		if c.Storage.SQL.DSN == "" {
			errs = append(errs, errors.New("storage.sql.dsn: required for the sql backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("storage.backend: unsupported %q (kv, sql)", c.Storage.Backend))
	}

	if c.Lookup.Enabled {
		u, err := url.Parse(c.Lookup.BaseURL)
		if err != nil || u.Scheme == "" || u.Host == "" {
			errs = append(errs, fmt.Errorf("lookup.base_url: %q is not an absolute URL", c.Lookup.BaseURL))
		}
		if c.Lookup.RetryMax < 0 {
			errs = append(errs, errors.New("lookup.retry_max: must not be negative"))
		}
		if c.Lookup.RateLimit < 0 {
			errs = append(errs, errors.New("lookup.rate_limit: must not be negative"))
		}
	}

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	return nil
}

// StorageLocation describes the opened store for logs. DSNs are left out
// since they may carry credentials.
func (c *Config) StorageLocation() string {
	if c.Storage.Backend == BackendSQL {
		return c.Storage.SQL.Driver
	}
	return c.Storage.Path
}

// applyEnv walks struct fields, overriding them from PREFIX_TAG variables
func applyEnv(v reflect.Value, prefix string, lookup func(string) (string, bool)) error {
	t := v.Type()
	for i := 0; i < v.NumField(); i++ {
		field := v.Field(i)
		tag := t.Field(i).Tag.Get("env")
		if tag == "" || tag == "-" {
			continue
		}
		key := prefix + "_" + tag

		if field.Kind() == reflect.Struct {
			if err := applyEnv(field, key, lookup); err != nil {
				return err
			}
			continue
		}

		value, ok := lookup(key)
		if !ok {
			continue
		}
		if err := setField(field, value); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}
	return nil
}

var durationType = reflect.TypeOf(time.Duration(0))

func setField(field reflect.Value, value string) error {
	switch field.Kind() {
	case reflect.String:
		field.SetString(value)
	case reflect.Int, reflect.Int64:
		if field.Type() == durationType {
			d, err := time.ParseDuration(value)
			if err != nil {
				return err
			}
			field.SetInt(int64(d))
			return nil
		}
		n, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
		if err != nil {
			return err
		}
		field.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
		if err != nil {
			return err
		}
		field.SetFloat(f)
	case reflect.Bool:
		b, err := strconv.ParseBool(strings.TrimSpace(value))
		if err != nil {
			return err
		}
		field.SetBool(b)
	default:
		return fmt.Errorf("unsupported field kind %s", field.Kind())
	}
	return nil
}
