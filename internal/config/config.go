// Package config loads the storefront client configuration from ~/.storefront/config.yaml,
// an optional .env file and STOREFRONT_* environment variables, in increasing priority.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

const (
	DefaultConfigDir  = ".storefront"
	DefaultConfigFile = "config.yaml"
)

type Config struct {
	APIURL         string        `yaml:"api_url"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	RenewTimeout   time.Duration `yaml:"renew_timeout"`
	CartMaxItems   int           `yaml:"cart_max_items"`
	PollInterval   time.Duration `yaml:"poll_interval"`
	LoginRoute     string        `yaml:"login_route"`
	Storage        StorageConfig `yaml:"storage"`
	Log            LogConfig     `yaml:"log"`
	Breaker        BreakerConfig `yaml:"breaker"`
}

type StorageConfig struct {
	Driver string        `yaml:"driver"` // file, redis or memory
	Dir    string        `yaml:"dir"`
	TTL    time.Duration `yaml:"ttl"`
	Redis  RedisConfig   `yaml:"redis"`
}

type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

type LogConfig struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

type BreakerConfig struct {
	Failures uint32        `yaml:"failures"`
	Timeout  time.Duration `yaml:"timeout"`
}

func Default() *Config {
	return &Config{
		APIURL:         "http://localhost:8080/api/v1",
		RequestTimeout: 10 * time.Second,
		RenewTimeout:   10 * time.Second,
		CartMaxItems:   99,
		PollInterval:   15 * time.Second,
		LoginRoute:     "/login",
		Storage: StorageConfig{
			Driver: "file",
			Dir:    filepath.Join(homeDir(), DefaultConfigDir, "state"),
			Redis:  RedisConfig{Addr: "localhost:6379"},
		},
		Log:     LogConfig{Level: "info", Pretty: true},
		Breaker: BreakerConfig{Failures: 5, Timeout: 30 * time.Second},
	}
}

// Load builds the configuration. An empty path means STOREFRONT_CONFIG or the
// default file; only an explicitly named file must exist.
func Load(path string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	explicit := true
	if path == "" {
		path = os.Getenv("STOREFRONT_CONFIG")
	}
	if path == "" {
		path = filepath.Join(homeDir(), DefaultConfigDir, DefaultConfigFile)
		explicit = false
	}

	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case err == nil:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config %s: %w", path, err)
		}
	case errors.Is(err, fs.ErrNotExist) && !explicit:
	default:
		return nil, fmt.Errorf("reading config %s: %w", path, err)
	}

	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	var errs []error
	c.APIURL = getEnv("STOREFRONT_API_URL", c.APIURL)
	c.LoginRoute = getEnv("STOREFRONT_LOGIN_ROUTE", c.LoginRoute)
	c.Storage.Driver = getEnv("STOREFRONT_STORAGE", c.Storage.Driver)
	c.Storage.Dir = getEnv("STOREFRONT_STATE_DIR", c.Storage.Dir)
	c.Storage.Redis.Addr = getEnv("STOREFRONT_REDIS_ADDR", c.Storage.Redis.Addr)
	c.Storage.Redis.Password = getEnv("STOREFRONT_REDIS_PASSWORD", c.Storage.Redis.Password)
	c.Log.Level = getEnv("STOREFRONT_LOG_LEVEL", c.Log.Level)

	var err error
	if c.RequestTimeout, err = getEnvDuration("STOREFRONT_REQUEST_TIMEOUT", c.RequestTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.RenewTimeout, err = getEnvDuration("STOREFRONT_RENEW_TIMEOUT", c.RenewTimeout); err != nil {
		errs = append(errs, err)
	}
	if c.PollInterval, err = getEnvDuration("STOREFRONT_POLL_INTERVAL", c.PollInterval); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.TTL, err = getEnvDuration("STOREFRONT_STATE_TTL", c.Storage.TTL); err != nil {
		errs = append(errs, err)
	}
	if c.Breaker.Timeout, err = getEnvDuration("STOREFRONT_BREAKER_TIMEOUT", c.Breaker.Timeout); err != nil {
		errs = append(errs, err)
	}
	if c.CartMaxItems, err = getEnvInt("STOREFRONT_CART_MAX_ITEMS", c.CartMaxItems); err != nil {
		errs = append(errs, err)
	}
	if c.Storage.Redis.DB, err = getEnvInt("STOREFRONT_REDIS_DB", c.Storage.Redis.DB); err != nil {
		errs = append(errs, err)
	}
	failures, err := getEnvInt("STOREFRONT_BREAKER_FAILURES", int(c.Breaker.Failures))
	if err != nil {
		errs = append(errs, err)
	} else if failures >= 0 {
		c.Breaker.Failures = uint32(failures)
	}
	if c.Log.Pretty, err = getEnvBool("STOREFRONT_LOG_PRETTY", c.Log.Pretty); err != nil {
		errs = append(errs, err)
	}
	return errors.Join(errs...)
}

func (c *Config) Validate() error {
	if c.APIURL == "" {
		return errors.New("api url is required")
	}
	if c.CartMaxItems <= 0 {
		return fmt.Errorf("cart max items must be positive, got %d", c.CartMaxItems)
	}
	switch c.Storage.Driver {
	case "file", "redis", "memory":
	default:
		return fmt.Errorf("unknown storage driver %q", c.Storage.Driver)
	}
	if c.Storage.Driver == "file" && c.Storage.Dir == "" {
		return errors.New("state dir is required for file storage")
	}
	return nil
}

func homeDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "."
	}
	return home
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) (int, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	n, err := strconv.Atoi(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return n, nil
}

func getEnvBool(key string, defaultValue bool) (bool, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	b, err := strconv.ParseBool(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return b, nil
}

func getEnvDuration(key string, defaultValue time.Duration) (time.Duration, error) {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return defaultValue, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
