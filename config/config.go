// Package config reads the configuration of the offline-cache host
// from a config file, environment variables and command line flags.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/always-cache/offline-cache/lifecycle"
	routerules "github.com/always-cache/offline-cache/pkg/route-rules"

	"github.com/spf13/viper"
)

// EnvPrefix is the prefix of environment variables, e.g. OFFLINE_CACHE_ORIGIN_URL.
const EnvPrefix = "OFFLINE_CACHE"

type Config struct {
	Port   int          `mapstructure:"port"`
	Origin OriginConfig `mapstructure:"origin"`
	// SQLite file name, or "memory" for an in-memory database.
	DB string `mapstructure:"db"`
	// Static asset manifest file.
	Manifest    string `mapstructure:"manifest"`
	APIPrefix   string `mapstructure:"api_prefix"`
	OfflinePage string `mapstructure:"offline_page"`
	// Interval of the periodic refresh. Zero disables it.
	RefreshInterval time.Duration `mapstructure:"refresh_interval"`
	// Interval of origin connectivity probes. Zero disables them.
	ProbeInterval time.Duration `mapstructure:"probe_interval"`
	// Proxy requests for other origins instead of refusing them.
	Passthrough bool                   `mapstructure:"passthrough"`
	Queue       QueueConfig            `mapstructure:"queue"`
	Push        lifecycle.Notification `mapstructure:"push"`
	Rules       routerules.Rules       `mapstructure:"rules"`
	Log         LogConfig              `mapstructure:"log"`
}

type OriginConfig struct {
	URL string `mapstructure:"url"`
	// Hostname to use for HTTP requests and TLS negotiation,
	// e.g. when the origin URL is just an IP address.
	Host string `mapstructure:"host"`
}

type QueueConfig struct {
	MaxAttempts     int           `mapstructure:"max_attempts"`
	InitialInterval time.Duration `mapstructure:"initial_interval"`
	MaxInterval     time.Duration `mapstructure:"max_interval"`
	Jitter          float64       `mapstructure:"jitter"`
}

type LogConfig struct {
	// zerolog level name.
	Level string `mapstructure:"level"`
	// Log file to use in addition to stdout.
	File string `mapstructure:"file"`
}

// SetDefaults registers the default values with v.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("port", 8080)
	v.SetDefault("origin.url", "")
	v.SetDefault("origin.host", "")
	v.SetDefault("db", "offline-cache.db")
	v.SetDefault("manifest", "manifest.yaml")
	v.SetDefault("api_prefix", "/api/")
	v.SetDefault("offline_page", "/offline.html")
	v.SetDefault("refresh_interval", "1h")
	v.SetDefault("probe_interval", "15s")
	v.SetDefault("passthrough", false)

	v.SetDefault("queue.max_attempts", 8)
	v.SetDefault("queue.initial_interval", "5s")
	v.SetDefault("queue.max_interval", "10m")
	v.SetDefault("queue.jitter", 0.5)

	defaults := lifecycle.DefaultNotification()
	v.SetDefault("push.title", defaults.Title)
	v.SetDefault("push.body", defaults.Body)
	v.SetDefault("push.icon", defaults.Icon)
	v.SetDefault("push.badge", defaults.Badge)
	v.SetDefault("push.url", defaults.URL)

	v.SetDefault("log.level", "debug")
}

// Load reads the configuration into a Config.
// If configPath is empty, an optional offline-cache.yaml is looked up in the working directory.
func Load(v *viper.Viper, configPath string) (*Config, error) {
	SetDefaults(v)
	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.AddConfigPath(".")
		v.SetConfigName("offline-cache")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		// a missing default config file is fine, a missing explicit one is not
		if !errors.As(err, &notFound) || configPath != "" {
			return nil, fmt.Errorf("read config file: %w", err)
		}
	}

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	return &config, nil
}

// Validate checks the values that cannot be defaulted.
func (c *Config) Validate() error {
	if c.Origin.URL == "" {
		return errors.New("origin url is required")
	}
	origin, err := c.OriginURL()
	if err != nil {
		return err
	}
	if origin.Path != "" && origin.Path != "/" {
		return fmt.Errorf("origin url must not have a path: %s", c.Origin.URL)
	}
	if c.Queue.Jitter < 0 || c.Queue.Jitter > 1 {
		return fmt.Errorf("queue jitter must be between 0 and 1, is %v", c.Queue.Jitter)
	}
	return c.Rules.Validate()
}

// OriginURL parses the origin URL.
func (c *Config) OriginURL() (url.URL, error) {
	u, err := url.Parse(c.Origin.URL)
	if err != nil {
		return url.URL{}, fmt.Errorf("origin url: %w", err)
	}
	if u.Scheme == "" || u.Host == "" {
		return url.URL{}, fmt.Errorf("origin url must be absolute: %s", c.Origin.URL)
	}
	return *u, nil
}
