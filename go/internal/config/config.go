package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/mcdev12/eshlive/go/internal/live/channel"
	"github.com/mcdev12/eshlive/go/internal/live/feed"
	"github.com/mcdev12/eshlive/go/internal/live/mirror"
	"github.com/mcdev12/eshlive/go/internal/live/session"
	"github.com/mcdev12/eshlive/go/internal/live/state"
	"github.com/rs/zerolog"
	"gopkg.in/yaml.v3"
)

// PathEnv names the environment variable pointing at the YAML file
const PathEnv = "ESHLIVE_CONFIG"

// Duration is a time.Duration written as "15s" or "500ms" in YAML
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	parsed, err := time.ParseDuration(strings.TrimSpace(value.Value))
	if err != nil {
		return fmt.Errorf("invalid duration %q: %w", value.Value, err)
	}
	*d = Duration(parsed)
	return nil
}

func (d Duration) MarshalYAML() (any, error) {
	return time.Duration(d).String(), nil
}

type Config struct {
	Server struct {
		APIURL string `yaml:"api_url"`
		WSURL  string `yaml:"ws_url"` // defaults to api_url + /ws
		Key    string `yaml:"key"`
	} `yaml:"server"`

	Channel struct {
		HandshakeTimeout Duration `yaml:"handshake_timeout"`
		ReadTimeout      Duration `yaml:"read_timeout"`
		PingInterval     Duration `yaml:"ping_interval"`
	} `yaml:"channel"`

	Feed struct {
		MaxEntries int      `yaml:"max_entries"`
		TTL        Duration `yaml:"ttl"`
	} `yaml:"feed"`

	Countdown struct {
		TickInterval Duration `yaml:"tick_interval"`
	} `yaml:"countdown"`

	Redial struct {
		Enabled    bool     `yaml:"enabled"`
		MinBackoff Duration `yaml:"min_backoff"`
		MaxBackoff Duration `yaml:"max_backoff"`
	} `yaml:"redial"`

	Mirror struct {
		NATSURL       string `yaml:"nats_url"` // empty disables the mirror
		SubjectPrefix string `yaml:"subject_prefix"`
	} `yaml:"mirror"`

	HTTP struct {
		Port string `yaml:"port"`
	} `yaml:"http"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

func DefaultConfig() Config {
	var cfg Config
	cfg.Server.APIURL = "http://localhost:8000"
	cfg.Channel.HandshakeTimeout = Duration(10 * time.Second)
	cfg.Channel.ReadTimeout = Duration(60 * time.Second)
	cfg.Channel.PingInterval = Duration(25 * time.Second)
	cfg.Feed.MaxEntries = feed.DefaultMaxEntries
	cfg.Feed.TTL = Duration(feed.DefaultTTL)
	cfg.Countdown.TickInterval = Duration(500 * time.Millisecond)
	cfg.Redial.MinBackoff = Duration(time.Second)
	cfg.Redial.MaxBackoff = Duration(30 * time.Second)
	cfg.Mirror.SubjectPrefix = mirror.DefaultSubjectPrefix
	cfg.HTTP.Port = "8090"
	cfg.Log.Level = "info"
	return cfg
}

// Load builds the configuration from defaults, the YAML file named by
// ESHLIVE_CONFIG (if any) and environment overrides, in that order. On a
// file error the defaults plus environment are still returned.
func Load() (cfg Config, path string, err error) {
	cfg = DefaultConfig()

	path = strings.TrimSpace(os.Getenv(PathEnv))
	if path != "" {
		if fileErr := loadFile(path, &cfg); fileErr != nil {
			if errors.Is(fileErr, os.ErrNotExist) {
				path = ""
			} else {
				cfg = DefaultConfig()
				err = fileErr
			}
		}
	}

	applyEnv(&cfg)
	return cfg, path, err
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config: %w", err)
	}
	return nil
}

func applyEnv(cfg *Config) {
	cfg.Server.APIURL = getEnv("ESHLIVE_API_URL", cfg.Server.APIURL)
	cfg.Server.WSURL = getEnv("ESHLIVE_WS_URL", cfg.Server.WSURL)
	cfg.Server.Key = getEnv("ESHLIVE_KEY", cfg.Server.Key)
	cfg.Mirror.NATSURL = getEnv("NATS_URL", cfg.Mirror.NATSURL)
	cfg.Mirror.SubjectPrefix = getEnv("ESHLIVE_NATS_PREFIX", cfg.Mirror.SubjectPrefix)
	cfg.HTTP.Port = getEnv("ESHLIVE_PORT", cfg.HTTP.Port)
	cfg.Log.Level = getEnv("LOG_LEVEL", cfg.Log.Level)
	cfg.Redial.Enabled = getEnvAsBool("ESHLIVE_REDIAL", cfg.Redial.Enabled)
	cfg.Feed.MaxEntries = getEnvAsInt("ESHLIVE_FEED_MAX", cfg.Feed.MaxEntries)
}

// ChannelURL returns the push channel base URL
func (c Config) ChannelURL() string {
	if c.Server.WSURL != "" {
		return c.Server.WSURL
	}
	return strings.TrimSuffix(c.Server.APIURL, "/") + "/ws"
}

// SessionConfig returns the session configuration
func (c Config) SessionConfig() session.Config {
	cfg := session.DefaultConfig()

	cfg.Channel = channel.DefaultConfig()
	cfg.Channel.URL = c.ChannelURL()
	cfg.Channel.HandshakeTimeout = time.Duration(c.Channel.HandshakeTimeout)
	cfg.Channel.ReadTimeout = time.Duration(c.Channel.ReadTimeout)
	cfg.Channel.PingInterval = time.Duration(c.Channel.PingInterval)

	cfg.Store = state.Config{
		Feed: feed.Config{
			MaxEntries: c.Feed.MaxEntries,
			TTL:        time.Duration(c.Feed.TTL),
		},
		TickInterval: time.Duration(c.Countdown.TickInterval),
	}

	cfg.Redial.Enabled = c.Redial.Enabled
	cfg.Redial.MinBackoff = time.Duration(c.Redial.MinBackoff)
	cfg.Redial.MaxBackoff = time.Duration(c.Redial.MaxBackoff)
	return cfg
}

// MirrorConfig returns the NATS mirror configuration
func (c Config) MirrorConfig() mirror.Config {
	cfg := mirror.DefaultConfig()
	cfg.URL = c.Mirror.NATSURL
	cfg.SubjectPrefix = c.Mirror.SubjectPrefix
	return cfg
}

// LogLevel parses the configured level, falling back to info
func (c Config) LogLevel() zerolog.Level {
	level, err := zerolog.ParseLevel(strings.ToLower(strings.TrimSpace(c.Log.Level)))
	if err != nil || level == zerolog.NoLevel {
		return zerolog.InfoLevel
	}
	return level
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
