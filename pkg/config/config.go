// Package config loads the harvester configuration from a TOML file and
// ISTEX_* environment variables.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/redis/go-redis/v9"

	"github.com/Sternrassler/istex-harvester/pkg/client"
	"github.com/Sternrassler/istex-harvester/pkg/harvest"
	"github.com/Sternrassler/istex-harvester/pkg/logging"
	"github.com/Sternrassler/istex-harvester/pkg/retry"
)

// EnvPrefix prefixes the environment overrides.
const EnvPrefix = "ISTEX_"

// ErrInvalid is returned by Validate.
var ErrInvalid = errors.New("invalid configuration")

// Config is the application configuration.
type Config struct {
	Harvest HarvestConfig `toml:"harvest"`
	Client  ClientConfig  `toml:"client"`
	Redis   RedisConfig   `toml:"redis"`
	Log     LogConfig     `toml:"log"`
	Metrics MetricsConfig `toml:"metrics"`
}

// HarvestConfig configures what is harvested and how it is partitioned.
type HarvestConfig struct {
	Query     string `toml:"query"`
	Output    string `toml:"output"`
	Facets    string `toml:"facets"`
	Workers   int    `toml:"workers"`
	Alphabet  string `toml:"alphabet"`
	Width     int    `toml:"width"`
	Template  string `toml:"template"`
	PageSize  int    `toml:"page_size"`
	KeepAlive string `toml:"keep_alive"`

	// MaxRestarts bounds the restarts of one partition; zero means unlimited.
	MaxRestarts    int           `toml:"max_restarts"`
	RestartBackoff time.Duration `toml:"restart_backoff"`
	SeenTTL        time.Duration `toml:"seen_ttl"`
}

// ClientConfig configures the search client.
type ClientConfig struct {
	BaseURL         string        `toml:"base_url"`
	UserAgent       string        `toml:"user_agent"`
	Timeout         time.Duration `toml:"timeout"`
	MaxRedirects    int           `toml:"max_redirects"`
	DefaultOperator string        `toml:"default_operator"`
	Strict          bool          `toml:"strict"`
	MaxAttempts     int           `toml:"max_attempts"`
	InitialBackoff  time.Duration `toml:"initial_backoff"`
}

// RedisConfig enables Redis when Addr is set.
type RedisConfig struct {
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`
}

// LogConfig configures logging.
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// MetricsConfig enables the metrics server when Listen is set.
type MetricsConfig struct {
	Listen string `toml:"listen"`
}

// Default returns the default configuration.
func Default() Config {
	h := harvest.DefaultConfig("")
	c := client.DefaultConfig()
	restart := retry.RestartPolicy()

	return Config{
		Harvest: HarvestConfig{
			Workers:        h.Workers,
			Alphabet:       h.Alphabet,
			Width:          h.Width,
			Template:       h.Template,
			PageSize:       h.PageSize,
			KeepAlive:      h.KeepAlive,
			RestartBackoff: restart.InitialBackoff,
		},
		Client: ClientConfig{
			BaseURL:         c.BaseURL,
			UserAgent:       c.UserAgent,
			Timeout:         c.Timeout,
			MaxRedirects:    c.MaxRedirects,
			DefaultOperator: c.DefaultOperator,
			MaxAttempts:     c.Retry.MaxAttempts,
			InitialBackoff:  c.Retry.InitialBackoff,
		},
		Log: LogConfig{Level: string(logging.LevelInfo)},
	}
}

// Load reads the file at path over the defaults, then applies the
// environment overrides. An empty path skips the file.
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return Config{}, fmt.Errorf("load config %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, len(undecoded))
			for i, k := range undecoded {
				keys[i] = k.String()
			}
			return Config{}, fmt.Errorf("%w: unknown keys in %s: %s", ErrInvalid, path, strings.Join(keys, ", "))
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from ISTEX_* variables read through lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"QUERY":          &c.Harvest.Query,
		"OUTPUT":         &c.Harvest.Output,
		"FACETS":         &c.Harvest.Facets,
		"ALPHABET":       &c.Harvest.Alphabet,
		"BASE_URL":       &c.Client.BaseURL,
		"USER_AGENT":     &c.Client.UserAgent,
		"REDIS_ADDR":     &c.Redis.Addr,
		"REDIS_PASSWORD": &c.Redis.Password,
		"LOG_LEVEL":      &c.Log.Level,
		"METRICS_LISTEN": &c.Metrics.Listen,
	}
	for name, dst := range strs {
		if v, ok := lookup(EnvPrefix + name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"WORKERS":   &c.Harvest.Workers,
		"WIDTH":     &c.Harvest.Width,
		"PAGE_SIZE": &c.Harvest.PageSize,
		"REDIS_DB":  &c.Redis.DB,
	}
	for name, dst := range ints {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not an integer", ErrInvalid, EnvPrefix, name, v)
		}
		*dst = n
	}

	bools := map[string]*bool{
		"STRICT":     &c.Client.Strict,
		"LOG_PRETTY": &c.Log.Pretty,
	}
	for name, dst := range bools {
		v, ok := lookup(EnvPrefix + name)
		if !ok {
			continue
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%w: %s%s=%q is not a boolean", ErrInvalid, EnvPrefix, name, v)
		}
		*dst = b
	}
	return nil
}

// Validate checks the configuration. The harvest section is validated by
// harvest.Config.Validate.
func (c Config) Validate() error {
	if err := c.HarvestConfig().Validate(); err != nil {
		return err
	}
	if _, err := logging.ParseLevel(c.Log.Level); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalid, err)
	}
	switch strings.ToUpper(c.Client.DefaultOperator) {
	case "", "OR", "AND":
	default:
		return fmt.Errorf("%w: default_operator must be OR or AND, got %q", ErrInvalid, c.Client.DefaultOperator)
	}
	if c.Client.MaxRedirects < 0 {
		return fmt.Errorf("%w: max_redirects must not be negative", ErrInvalid)
	}
	if c.Harvest.MaxRestarts < 0 {
		return fmt.Errorf("%w: max_restarts must not be negative", ErrInvalid)
	}
	return nil
}

// HarvestConfig returns the harvest.Config described by c.
func (c Config) HarvestConfig() harvest.Config {
	h := harvest.DefaultConfig(c.Harvest.Query)
	h.Output = c.Harvest.Output
	h.Facets = c.Harvest.Facets
	h.Workers = c.Harvest.Workers
	h.Alphabet = c.Harvest.Alphabet
	h.Width = c.Harvest.Width
	h.Template = c.Harvest.Template
	h.PageSize = c.Harvest.PageSize
	h.KeepAlive = c.Harvest.KeepAlive
	h.SeenTTL = c.Harvest.SeenTTL

	// A limit counts the first attempt.
	if c.Harvest.MaxRestarts > 0 {
		h.Restart.MaxAttempts = c.Harvest.MaxRestarts + 1
	}
	if c.Harvest.RestartBackoff > 0 {
		h.Restart.InitialBackoff = c.Harvest.RestartBackoff
	}
	return h
}

// ClientConfig returns the client.Config described by c, using redisClient
// for the count cache and shared rate limit state when not nil.
func (c Config) ClientConfig(redisClient *redis.Client) client.Config {
	cc := client.DefaultConfig()
	cc.BaseURL = c.Client.BaseURL
	cc.UserAgent = c.Client.UserAgent
	cc.Timeout = c.Client.Timeout
	cc.MaxRedirects = c.Client.MaxRedirects
	cc.DefaultOperator = strings.ToUpper(c.Client.DefaultOperator)
	cc.Strict = c.Client.Strict
	if c.Client.MaxAttempts > 0 {
		cc.Retry.MaxAttempts = c.Client.MaxAttempts
	}
	if c.Client.InitialBackoff > 0 {
		cc.Retry.InitialBackoff = c.Client.InitialBackoff
	}
	cc.Redis = redisClient
	return cc
}

// LoggingConfig returns the logging.Config described by c.
func (c Config) LoggingConfig() logging.Config {
	lc := logging.DefaultConfig()
	lc.Level = logging.LogLevel(c.Log.Level)
	lc.Pretty = c.Log.Pretty
	return lc
}

// RedisOptions returns the Redis options, or nil when Redis is disabled.
func (c Config) RedisOptions() *redis.Options {
	if c.Redis.Addr == "" {
		return nil
	}
	return &redis.Options{
		Addr:     c.Redis.Addr,
		Password: c.Redis.Password,
		DB:       c.Redis.DB,
	}
}
