// Package config loads plexwatch configuration from defaults, an optional
// YAML file and PLEXWATCH_* environment variables.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/viper"

	"github.com/sweeney/plexwatch/internal/logging"
	"github.com/sweeney/plexwatch/internal/logic"
	"github.com/sweeney/plexwatch/internal/mqtt"
	"github.com/sweeney/plexwatch/internal/plex"
	"github.com/sweeney/plexwatch/internal/session"
)

// EnvPrefix prefixes every environment override, e.g. PLEXWATCH_PLEX_TOKEN.
const EnvPrefix = "PLEXWATCH"

// ErrInvalid is wrapped by every validation failure.
var ErrInvalid = errors.New("invalid config")

type PlexConfig struct {
	Host              string        `mapstructure:"host"`
	Port              int           `mapstructure:"port"`
	Token             string        `mapstructure:"token"`
	Secure            bool          `mapstructure:"secure"`
	PingInterval      time.Duration `mapstructure:"ping_interval"`
	PongTimeout       time.Duration `mapstructure:"pong_timeout"`
	ReconnectInterval time.Duration `mapstructure:"reconnect_interval"`
	MaxRetries        int           `mapstructure:"max_retries"`
	AutoConnect       bool          `mapstructure:"auto_connect"`
}

type SessionsConfig struct {
	CacheTTL       time.Duration `mapstructure:"cache_ttl"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
}

type MQTTConfig struct {
	Enabled     bool   `mapstructure:"enabled"`
	Broker      string `mapstructure:"broker"`
	ClientID    string `mapstructure:"client_id"`
	Topic       string `mapstructure:"topic"`
	SystemTopic string `mapstructure:"system_topic"`
	BufferSize  int    `mapstructure:"buffer_size"`
}

type HTTPConfig struct {
	// Addr is the status server listen address. Empty disables it.
	Addr string `mapstructure:"addr"`
}

type StatusConfig struct {
	// Heartbeat is the interval between HEARTBEAT events. Zero disables them.
	Heartbeat time.Duration `mapstructure:"heartbeat"`
	Refresh   time.Duration `mapstructure:"refresh"`
}

type LogConfig struct {
	Level   string `mapstructure:"level"`
	Format  string `mapstructure:"format"`
	Output  string `mapstructure:"output"`
	NoColor bool   `mapstructure:"no_color"`
}

// Config is the complete daemon configuration.
type Config struct {
	Plex     PlexConfig         `mapstructure:"plex"`
	Sessions SessionsConfig     `mapstructure:"sessions"`
	Filters  []logic.FilterSpec `mapstructure:"filters"`
	MQTT     MQTTConfig         `mapstructure:"mqtt"`
	HTTP     HTTPConfig         `mapstructure:"http"`
	Status   StatusConfig       `mapstructure:"status"`
	Log      LogConfig          `mapstructure:"log"`

	// File is the config file that was read, if any.
	File string `mapstructure:"-"`
}

// New returns a viper instance with defaults and environment binding set
// up. Callers may bind command-line flags to it before calling Load.
func New() *viper.Viper {
	v := viper.New()
	setDefaults(v)
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()
	return v
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("plex.host", "")
	v.SetDefault("plex.port", plex.DefaultPort)
	v.SetDefault("plex.token", "")
	v.SetDefault("plex.secure", false)
	v.SetDefault("plex.ping_interval", plex.DefaultPingInterval)
	v.SetDefault("plex.pong_timeout", plex.DefaultPongTimeout)
	v.SetDefault("plex.reconnect_interval", plex.DefaultReconnectInterval)
	v.SetDefault("plex.max_retries", 0)
	v.SetDefault("plex.auto_connect", true)

	v.SetDefault("sessions.cache_ttl", session.DefaultCacheTTL)
	v.SetDefault("sessions.request_timeout", session.DefaultRequestTimeout)

	v.SetDefault("filters", []any{})

	v.SetDefault("mqtt.enabled", true)
	v.SetDefault("mqtt.broker", "tcp://localhost:1883")
	v.SetDefault("mqtt.client_id", "")
	v.SetDefault("mqtt.topic", mqtt.DefaultTopic)
	v.SetDefault("mqtt.system_topic", mqtt.DefaultSystemTopic)
	v.SetDefault("mqtt.buffer_size", mqtt.DefaultBufferSize)

	v.SetDefault("http.addr", ":8080")

	v.SetDefault("status.heartbeat", 15*time.Minute)
	v.SetDefault("status.refresh", time.Second)

	def := logging.DefaultConfig()
	v.SetDefault("log.level", def.Level)
	v.SetDefault("log.format", def.Format)
	v.SetDefault("log.output", def.Output)
	v.SetDefault("log.no_color", def.NoColor)
}

// Load reads path (or the first plexwatch.yaml found in the working
// directory or $HOME/.config/plexwatch) into v, applies environment
// overrides, and validates the result. A missing default file is not an
// error; a missing explicit path is.
func Load(v *viper.Viper, path string) (Config, error) {
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("plexwatch")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		if home, err := os.UserHomeDir(); err == nil {
			v.AddConfigPath(filepath.Join(home, ".config", "plexwatch"))
		}
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if path != "" || !errors.As(err, &notFound) {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	// PLEXWATCH_FILTERS carries the filter list as JSON.
	if raw, ok := v.Get("filters").(string); ok {
		var filters []map[string]any
		if err := json.Unmarshal([]byte(raw), &filters); err != nil {
			return Config{}, fmt.Errorf("%w: filters: %v", ErrInvalid, err)
		}
		v.Set("filters", filters)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("decode config: %w", err)
	}
	cfg.File = v.ConfigFileUsed()
	if cfg.MQTT.ClientID == "" {
		cfg.MQTT.ClientID = DefaultClientID()
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// DefaultClientID returns a fresh MQTT client id of the form plexwatch-xxxxxxxx.
func DefaultClientID() string {
	return "plexwatch-" + uuid.NewString()[:8]
}

// Validate checks the settings a daemon cannot start without. Unknown
// filter value types are accepted and compare without coercion.
func (c Config) Validate() error {
	if c.Plex.Host == "" {
		return fmt.Errorf("%w: plex.host is required", ErrInvalid)
	}
	if c.Plex.Port < 1 || c.Plex.Port > 65535 {
		return fmt.Errorf("%w: plex.port %d out of range", ErrInvalid, c.Plex.Port)
	}
	for _, d := range []struct {
		name string
		val  time.Duration
	}{
		{"plex.ping_interval", c.Plex.PingInterval},
		{"plex.pong_timeout", c.Plex.PongTimeout},
		{"plex.reconnect_interval", c.Plex.ReconnectInterval},
		{"sessions.request_timeout", c.Sessions.RequestTimeout},
		{"status.refresh", c.Status.Refresh},
	} {
		if d.val <= 0 {
			return fmt.Errorf("%w: %s must be positive", ErrInvalid, d.name)
		}
	}
	if c.Plex.MaxRetries < 0 {
		return fmt.Errorf("%w: plex.max_retries must not be negative", ErrInvalid)
	}
	if c.Status.Heartbeat < 0 {
		return fmt.Errorf("%w: status.heartbeat must not be negative", ErrInvalid)
	}
	if c.MQTT.Enabled && c.MQTT.Broker == "" {
		return fmt.Errorf("%w: mqtt.broker is required when mqtt is enabled", ErrInvalid)
	}
	for i, f := range c.Filters {
		if f.Key == "" {
			return fmt.Errorf("%w: filters[%d]: key is required", ErrInvalid, i)
		}
		if !f.Operator.Valid() {
			return fmt.Errorf("%w: filters[%d]: unknown operator %q", ErrInvalid, i, f.Operator)
		}
	}
	return nil
}

// Transport returns the notification transport configuration.
func (c Config) Transport() plex.Config {
	return plex.Config{
		Host:              c.Plex.Host,
		Port:              c.Plex.Port,
		Token:             c.Plex.Token,
		Secure:            c.Plex.Secure,
		PingInterval:      c.Plex.PingInterval,
		PongTimeout:       c.Plex.PongTimeout,
		ReconnectInterval: c.Plex.ReconnectInterval,
		MaxRetries:        c.Plex.MaxRetries,
		AutoConnect:       c.Plex.AutoConnect,
	}
}

// SessionStore returns the HTTP session store configuration.
func (c Config) SessionStore() (session.Config, error) {
	base, err := c.Transport().BaseURL()
	if err != nil {
		return session.Config{}, err
	}
	return session.Config{
		BaseURL:        base,
		Token:          c.Plex.Token,
		CacheTTL:       c.Sessions.CacheTTL,
		RequestTimeout: c.Sessions.RequestTimeout,
	}, nil
}

// Publisher returns the MQTT publisher options.
func (c Config) Publisher() mqtt.Options {
	return mqtt.Options{
		Broker:      c.MQTT.Broker,
		ClientID:    c.MQTT.ClientID,
		Topic:       c.MQTT.Topic,
		SystemTopic: c.MQTT.SystemTopic,
		BufferSize:  c.MQTT.BufferSize,
	}
}

// Logging returns the logger configuration.
func (c Config) Logging() logging.Config {
	return logging.Config{
		Level:   c.Log.Level,
		Format:  c.Log.Format,
		Output:  c.Log.Output,
		NoColor: c.Log.NoColor,
	}
}
